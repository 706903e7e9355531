package bootstrap

import (
	"fmt"
	"io"
	"os"
	"strconv"

	"gopkg.in/yaml.v3"
)

// Config is resolved in three layers: built-in defaults, then an optional
// YAML file named by VOICEKIT_CONFIG, then environment variables.
type Config struct {
	ServerAddr string `yaml:"server_addr"`
	LogLevel   string `yaml:"log_level"`

	ChannelURL     string `yaml:"channel_url"`
	EndFallbackURL string `yaml:"end_fallback_url"`

	UserID          string `yaml:"user_id"`
	StudentID       string `yaml:"student_id"`
	GradeBand       string `yaml:"grade_band"`
	Language        string `yaml:"language"`
	AdaptiveBargeIn bool   `yaml:"adaptive_barge_in"`

	CaptureDevice string   `yaml:"capture_device"`
	BlockPatterns []string `yaml:"block_patterns"`
	AllowVirtual  bool     `yaml:"allow_virtual"`
	InputGain     float64  `yaml:"input_gain"`

	NeuralModelPath string `yaml:"neural_model_path"`

	DatabaseDSN   string `yaml:"database_dsn"`
	RedisAddr     string `yaml:"redis_addr"`
	RedisPassword string `yaml:"redis_password"`
	RedisDB       int    `yaml:"redis_db"`
}

func defaultConfig() *Config {
	return &Config{
		ServerAddr:      ":9090",
		LogLevel:        "info",
		ChannelURL:      "ws://localhost:8080/ws",
		EndFallbackURL:  "http://localhost:8080/api/v1/sessions",
		UserID:          "user_dev",
		StudentID:       "student_dev",
		GradeBand:       "middle",
		Language:        "en",
		AdaptiveBargeIn: true,
		InputGain:       1.0,
		RedisAddr:       "localhost:6379",
	}
}

func LoadConfig() (*Config, error) {
	cfg := defaultConfig()
	if path := os.Getenv("VOICEKIT_CONFIG"); path != "" {
		f, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("config: open %q: %w", path, err)
		}
		defer f.Close()
		if err := overlayYAML(cfg, f); err != nil {
			return nil, fmt.Errorf("config: parse %q: %w", path, err)
		}
	}
	applyEnv(cfg)
	return cfg, nil
}

func overlayYAML(cfg *Config, r io.Reader) error {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && err != io.EOF {
		return err
	}
	return nil
}

func applyEnv(cfg *Config) {
	cfg.ServerAddr = getEnv("SERVER_ADDR", cfg.ServerAddr)
	cfg.LogLevel = getEnv("LOG_LEVEL", cfg.LogLevel)
	cfg.ChannelURL = getEnv("CHANNEL_URL", cfg.ChannelURL)
	cfg.EndFallbackURL = getEnv("END_FALLBACK_URL", cfg.EndFallbackURL)
	cfg.UserID = getEnv("USER_ID", cfg.UserID)
	cfg.StudentID = getEnv("STUDENT_ID", cfg.StudentID)
	cfg.GradeBand = getEnv("GRADE_BAND", cfg.GradeBand)
	cfg.Language = getEnv("LANGUAGE", cfg.Language)
	cfg.AdaptiveBargeIn = getEnv("ADAPTIVE_BARGE_IN", boolStr(cfg.AdaptiveBargeIn)) == "true"
	cfg.CaptureDevice = getEnv("CAPTURE_DEVICE", cfg.CaptureDevice)
	cfg.AllowVirtual = getEnv("ALLOW_VIRTUAL_DEVICES", boolStr(cfg.AllowVirtual)) == "true"
	cfg.NeuralModelPath = getEnv("NEURAL_MODEL_PATH", cfg.NeuralModelPath)
	cfg.DatabaseDSN = getEnv("DATABASE_DSN", cfg.DatabaseDSN)
	cfg.RedisAddr = getEnv("REDIS_ADDR", cfg.RedisAddr)
	cfg.RedisPassword = getEnv("REDIS_PASSWORD", cfg.RedisPassword)
	cfg.RedisDB = getEnvInt("REDIS_DB", cfg.RedisDB)
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

func boolStr(b bool) string {
	if b {
		return "true"
	}
	return "false"
}

package shared

import (
	"time"

	"github.com/google/uuid"
)

func NewID(prefix string) string {
	return prefix + uuid.New().String()
}

type GradeBand string

const (
	GradeBandK2         GradeBand = "k2"
	GradeBandElementary GradeBand = "elementary"
	GradeBandMiddle     GradeBand = "middle"
	GradeBandHigh       GradeBand = "high"
	GradeBandAdult      GradeBand = "adult"
)

func (g GradeBand) String() string {
	return string(g)
}

// IsOlder reports whether the band gets continuation grace and hardened
// interrupt gating.
func (g GradeBand) IsOlder() bool {
	return g == GradeBandHigh || g == GradeBandAdult
}

func ParseGradeBand(s string) GradeBand {
	switch GradeBand(s) {
	case GradeBandK2, GradeBandElementary, GradeBandMiddle, GradeBandHigh, GradeBandAdult:
		return GradeBand(s)
	}
	return GradeBandMiddle
}

type ActivityMode string

const (
	ModeDefault ActivityMode = "default"
	ModeReading ActivityMode = "reading"
)

func ParseActivityMode(s string) ActivityMode {
	if ActivityMode(s) == ModeReading {
		return ModeReading
	}
	return ModeDefault
}

type BackoffConfig struct {
	Initial    time.Duration
	Max        time.Duration
	Multiplier float64
}

func NormalizeBackoff(cfg BackoffConfig) BackoffConfig {
	if cfg.Initial <= 0 {
		cfg.Initial = 500 * time.Millisecond
	}
	if cfg.Max <= 0 {
		cfg.Max = 10 * time.Second
	}
	if cfg.Multiplier <= 1 {
		cfg.Multiplier = 2
	}
	return cfg
}

// Delay returns the settle delay for the given zero-based attempt.
func (c BackoffConfig) Delay(attempt int) time.Duration {
	d := c.Initial
	for i := 0; i < attempt; i++ {
		d = time.Duration(float64(d) * c.Multiplier)
		if d >= c.Max {
			return c.Max
		}
	}
	if d > c.Max {
		return c.Max
	}
	return d
}

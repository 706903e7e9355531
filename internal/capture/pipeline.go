package capture

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/lumenlearn/voicekit/internal/audio"
	"github.com/lumenlearn/voicekit/internal/shared"
	"github.com/lumenlearn/voicekit/internal/wire"
)

// Sentinel errors drivers wrap so acquisition failures map onto the
// user-facing taxonomy.
var (
	ErrPermissionDenied = errors.New("capture: permission denied")
	ErrDeviceBusy       = errors.New("capture: device busy")
	ErrUnsupported      = errors.New("capture: unsupported platform")
)

type Config struct {
	UserID            string
	PreferredDeviceID string
	// InputGain is the fixed amplification before soft limiting.
	InputGain     float64
	BlockPatterns []string
	AllowVirtual  bool
	Prefs         PrefStore
	// Recovery drives the per-stage settle delays.
	Recovery shared.BackoffConfig
	Logger   *slog.Logger
}

type Callbacks struct {
	// OnFrame receives one wire-sized processed frame plus its stats.
	OnFrame func(frame []int16, stats audio.FrameStats)
	// OnLost fires after every recovery stage has failed.
	OnLost func(err *shared.CaptureError)
	// OnRecovered fires when a recovery stage lands on a working device.
	OnRecovered func(dev DeviceInfo)
}

// Pipeline owns the live microphone track for a session: exactly one
// CaptureState, an intentional-stop marker to tell expected track ends from
// hardware failures, and the serialized recovery path.
type Pipeline struct {
	cfg       Config
	driver    Driver
	blocklist *Blocklist
	cb        Callbacks
	log       *slog.Logger

	mu             sync.Mutex
	stream         Stream
	device         DeviceInfo
	intentional    bool
	recoveryTarget string
	rebuf          []int16

	recovery *recoverer
}

func NewPipeline(driver Driver, cfg Config, cb Callbacks) *Pipeline {
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	if cfg.InputGain <= 0 {
		cfg.InputGain = audio.DefaultInputGain
	}
	cfg.Recovery = shared.NormalizeBackoff(cfg.Recovery)

	p := &Pipeline{
		cfg:       cfg,
		driver:    driver,
		blocklist: NewBlocklist(cfg.BlockPatterns, cfg.AllowVirtual),
		cb:        cb,
		log:       log.With("component", "capture"),
	}
	p.recovery = newRecoverer(p)
	return p
}

// Start acquires a microphone, preferring the explicitly requested device,
// then the last device that worked for this user, then the platform
// default. Blocklisted candidates are skipped.
func (p *Pipeline) Start(ctx context.Context) error {
	candidates := []string{}
	if p.cfg.PreferredDeviceID != "" {
		candidates = append(candidates, p.cfg.PreferredDeviceID)
	}
	if p.cfg.Prefs != nil {
		if pref, ok, err := p.cfg.Prefs.Load(ctx, p.cfg.UserID); err == nil && ok {
			candidates = append(candidates, pref.DeviceID)
		}
	}
	p.mu.Lock()
	if p.recoveryTarget != "" {
		candidates = append(candidates, p.recoveryTarget)
	}
	p.mu.Unlock()
	candidates = append(candidates, "") // platform default

	var lastErr error
	for _, id := range candidates {
		if err := p.openDevice(ctx, id); err != nil {
			lastErr = err
			continue
		}
		return nil
	}
	return p.classify(lastErr)
}

func (p *Pipeline) openDevice(ctx context.Context, deviceID string) error {
	if deviceID != "" {
		if dev, ok := p.lookup(deviceID); ok && p.blocklist.Blocked(dev) {
			p.log.Warn("device rejected by loopback blocklist", "label", dev.Label)
			return ErrNoDevice
		}
	}

	stream, err := p.driver.Open(deviceID, StreamCallbacks{
		OnFrame: p.process,
		OnEnded: p.onEnded,
	})
	if err != nil {
		return err
	}

	dev := stream.Device()
	if p.blocklist.Blocked(dev) {
		_ = stream.Close()
		p.log.Warn("default device rejected by loopback blocklist", "label", dev.Label)
		return ErrNoDevice
	}

	p.mu.Lock()
	p.stream = stream
	p.device = dev
	p.intentional = false
	p.rebuf = p.rebuf[:0]
	p.mu.Unlock()

	if p.cfg.Prefs != nil {
		if err := p.cfg.Prefs.Save(ctx, p.cfg.UserID, Preference{DeviceID: dev.ID, Label: dev.Label}); err != nil {
			p.log.Warn("failed to persist device preference", "error", err)
		}
	}
	p.log.Info("capture started", "device", dev.Label, "device_id", dev.ID)
	return nil
}

func (p *Pipeline) lookup(deviceID string) (DeviceInfo, bool) {
	devices, err := p.driver.Devices()
	if err != nil {
		return DeviceInfo{}, false
	}
	for _, d := range devices {
		if d.ID == deviceID {
			return d, true
		}
	}
	return DeviceInfo{}, false
}

// process runs in the device callback context: gain, soft limit, rebuffer
// to wire frames, analyze, emit.
func (p *Pipeline) process(samples []int16) {
	boosted := audio.ApplyGain(samples, p.cfg.InputGain)

	p.mu.Lock()
	p.rebuf = append(p.rebuf, boosted...)
	var frames [][]int16
	for len(p.rebuf) >= wire.FrameSamples {
		frame := make([]int16, wire.FrameSamples)
		copy(frame, p.rebuf[:wire.FrameSamples])
		p.rebuf = p.rebuf[wire.FrameSamples:]
		frames = append(frames, frame)
	}
	p.mu.Unlock()

	if p.cb.OnFrame == nil {
		return
	}
	for _, frame := range frames {
		p.cb.OnFrame(frame, audio.Analyze(frame))
	}
}

func (p *Pipeline) onEnded(err error) {
	p.mu.Lock()
	intentional := p.intentional
	p.mu.Unlock()
	if intentional || err == nil {
		return
	}
	p.log.Warn("microphone track ended unexpectedly", "error", err)
	go p.Recover(context.Background())
}

// Recover runs the three-stage device recovery. Concurrent triggers join
// the same in-flight attempt and observe its result.
func (p *Pipeline) Recover(ctx context.Context) error {
	return p.recovery.run(ctx)
}

// Device returns the active device.
func (p *Pipeline) Device() DeviceInfo {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.device
}

func (p *Pipeline) Healthy() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stream != nil && p.stream.Healthy()
}

func (p *Pipeline) Active() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stream != nil
}

// Stop closes the track intentionally; no recovery fires.
func (p *Pipeline) Stop() {
	p.mu.Lock()
	stream := p.stream
	p.stream = nil
	p.intentional = true
	p.mu.Unlock()

	if stream != nil {
		_ = stream.Close()
	}
}

func (p *Pipeline) classify(err error) error {
	if err == nil {
		err = ErrNoDevice
	}
	switch {
	case errors.Is(err, ErrPermissionDenied):
		return shared.NewCaptureError(shared.CaptureDenied, err)
	case errors.Is(err, ErrDeviceBusy):
		return shared.NewCaptureError(shared.CaptureBusy, err)
	case errors.Is(err, ErrUnsupported):
		return shared.NewCaptureError(shared.CaptureUnsupported, err)
	case errors.Is(err, ErrNoDevice):
		return shared.NewCaptureError(shared.CaptureNotFound, err)
	default:
		return shared.NewCaptureError(shared.CaptureOverconstrained, err)
	}
}

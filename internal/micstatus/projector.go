// Package micstatus derives the small UI-facing microphone status from the
// engine's signals. The projection is shared by the UI and by analytics
// instrumentation, so it lives apart from the turn-taking engine.
package micstatus

import (
	"sync"
	"time"
)

type Status string

const (
	StatusMicOff        Status = "mic_off"
	StatusListening     Status = "listening"
	StatusHearingYou    Status = "hearing_you"
	StatusIgnoringNoise Status = "ignoring_noise"
	StatusTutorSpeaking Status = "tutor_speaking"
	StatusProcessing    Status = "processing"
)

// Signals is the snapshot the projection is computed from.
type Signals struct {
	MicActive     bool
	TutorSpeaking bool
	Processing    bool
	HearingSpeech bool
	IgnoringNoise bool
}

type Config struct {
	// EnterDelay is how long a low-priority status must persist before the
	// projection commits to it.
	EnterDelay time.Duration
	// ExitDelay is how long hearing_you must be absent before the
	// projection lets go of it. Longer than EnterDelay so transient dips
	// don't flicker the indicator.
	ExitDelay time.Duration
}

func (c Config) withDefaults() Config {
	if c.EnterDelay <= 0 {
		c.EnterDelay = 150 * time.Millisecond
	}
	if c.ExitDelay <= 0 {
		c.ExitDelay = 450 * time.Millisecond
	}
	return c
}

type Projector struct {
	cfg Config

	mu           sync.Mutex
	current      Status
	pending      Status
	pendingSince time.Time
	pendingTimer *time.Timer
	onChange     []func(Status)
}

func NewProjector(cfg Config) *Projector {
	return &Projector{
		cfg:     cfg.withDefaults(),
		current: StatusMicOff,
	}
}

func (p *Projector) Subscribe(fn func(Status)) {
	p.mu.Lock()
	p.onChange = append(p.onChange, fn)
	p.mu.Unlock()
}

func (p *Projector) Status() Status {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.current
}

// Update feeds a new signal snapshot. High-priority statuses (mic_off,
// processing, tutor_speaking) apply immediately; the rest pass through
// asymmetric hysteresis. A pending status commits on its own once its delay
// elapses, even if no further snapshot arrives.
func (p *Projector) Update(sig Signals, now time.Time) Status {
	target := derive(sig)

	p.mu.Lock()

	if isImmediate(target) {
		p.clearPendingLocked()
		status, fns := p.commitLocked(target)
		p.mu.Unlock()
		notify(fns, status)
		return status
	}

	// Leaving hearing_you is slower than entering it.
	delay := p.cfg.EnterDelay
	if p.current == StatusHearingYou && target != StatusHearingYou {
		delay = p.cfg.ExitDelay
	}

	if target == p.current {
		p.clearPendingLocked()
		p.mu.Unlock()
		return p.current
	}

	if p.pending != target {
		p.clearPendingLocked()
		p.pending = target
		p.pendingSince = now
		p.pendingTimer = time.AfterFunc(delay, func() { p.commitPending(target) })
		p.mu.Unlock()
		return p.current
	}

	if now.Sub(p.pendingSince) < delay {
		p.mu.Unlock()
		return p.current
	}

	p.clearPendingLocked()
	status, fns := p.commitLocked(target)
	p.mu.Unlock()
	notify(fns, status)
	return status
}

func (p *Projector) clearPendingLocked() {
	p.pending = ""
	if p.pendingTimer != nil {
		p.pendingTimer.Stop()
		p.pendingTimer = nil
	}
}

// commitPending fires from the pending timer. A stale timer whose target has
// since been cleared or replaced is a no-op.
func (p *Projector) commitPending(target Status) {
	p.mu.Lock()
	if p.pending != target {
		p.mu.Unlock()
		return
	}
	p.pending = ""
	p.pendingTimer = nil
	status, fns := p.commitLocked(target)
	p.mu.Unlock()
	notify(fns, status)
}

func (p *Projector) commitLocked(s Status) (Status, []func(Status)) {
	if p.current == s {
		return s, nil
	}
	p.current = s
	fns := make([]func(Status), len(p.onChange))
	copy(fns, p.onChange)
	return s, fns
}

func notify(fns []func(Status), s Status) {
	for _, fn := range fns {
		fn(s)
	}
}

func derive(sig Signals) Status {
	switch {
	case !sig.MicActive:
		return StatusMicOff
	case sig.Processing:
		return StatusProcessing
	case sig.TutorSpeaking:
		return StatusTutorSpeaking
	case sig.IgnoringNoise:
		return StatusIgnoringNoise
	case sig.HearingSpeech:
		return StatusHearingYou
	default:
		return StatusListening
	}
}

func isImmediate(s Status) bool {
	return s == StatusMicOff || s == StatusProcessing || s == StatusTutorSpeaking
}

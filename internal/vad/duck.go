package vad

import (
	"log/slog"
	"sync"
	"time"
)

// GainController is the thin adapter over the platform audio graph. The
// confirm/cancel logic is tested by asserting calls against a fake.
type GainController interface {
	SetGain(value float64, ramp time.Duration)
}

// DuckState exists only while a duck is in progress.
type DuckState struct {
	StartedAt    time.Time
	OriginalGain float64
	SpeechStart  time.Time
}

type DuckConfig struct {
	// DuckGain is the provisional volume while confirming a barge-in.
	DuckGain float64
	// RampDuration is the linear ramp used both directions.
	RampDuration time.Duration
	// ConfirmAfter is the sustained-speech window before the barge-in is
	// committed. Sized per grade band.
	ConfirmAfter time.Duration
}

func (c DuckConfig) withDefaults() DuckConfig {
	if c.DuckGain <= 0 {
		c.DuckGain = 0.25
	}
	if c.RampDuration <= 0 {
		c.RampDuration = 80 * time.Millisecond
	}
	if c.ConfirmAfter <= 0 {
		c.ConfirmAfter = 350 * time.Millisecond
	}
	return c
}

type DuckCallbacks struct {
	// StillSpeaking is sampled when the confirm timer fires.
	StillSpeaking func() bool
	// TutorSpeaking is the truth function; sampled on start and confirm.
	TutorSpeaking func() bool
	// OnConfirm commits the barge-in: hard-stop audio, notify server.
	OnConfirm func()
	// OnCancel runs after an un-duck, for telemetry.
	OnCancel func(reason string)
}

// DuckController implements duck-then-confirm: on a candidate speech-start
// while the tutor is audible it ducks the output gain and arms a timer; the
// barge-in is committed only if speech is still sustained when the timer
// fires, otherwise gain ramps back and nothing is interrupted.
type DuckController struct {
	cfg  DuckConfig
	gain GainController
	cb   DuckCallbacks
	log  *slog.Logger

	mu    sync.Mutex
	state *DuckState
	timer *time.Timer
}

func NewDuckController(cfg DuckConfig, gain GainController, cb DuckCallbacks, log *slog.Logger) *DuckController {
	if log == nil {
		log = slog.Default()
	}
	return &DuckController{
		cfg:  cfg.withDefaults(),
		gain: gain,
		cb:   cb,
		log:  log.With("component", "duck"),
	}
}

// OnCandidateStart ducks and arms the confirm timer. A duck may only exist
// while tutor audio is actually playing; calls while one is already in
// progress are ignored.
func (d *DuckController) OnCandidateStart(now time.Time) bool {
	if d.cb.TutorSpeaking != nil && !d.cb.TutorSpeaking() {
		return false
	}

	d.mu.Lock()
	if d.state != nil {
		d.mu.Unlock()
		return false
	}
	d.state = &DuckState{
		StartedAt:    now,
		OriginalGain: 1.0,
		SpeechStart:  now,
	}
	d.timer = time.AfterFunc(d.cfg.ConfirmAfter, d.onConfirmTimer)
	d.mu.Unlock()

	d.gain.SetGain(d.cfg.DuckGain, d.cfg.RampDuration)
	d.log.Debug("duck started", "confirm_after", d.cfg.ConfirmAfter)
	return true
}

func (d *DuckController) onConfirmTimer() {
	d.mu.Lock()
	if d.state == nil {
		d.mu.Unlock()
		return
	}
	sustained := d.cb.StillSpeaking == nil || d.cb.StillSpeaking()
	tutorLive := d.cb.TutorSpeaking == nil || d.cb.TutorSpeaking()
	if !sustained || !tutorLive {
		d.clearLocked()
		d.mu.Unlock()

		d.gain.SetGain(1.0, d.cfg.RampDuration)
		reason := "speech_ended"
		if !tutorLive {
			reason = "tutor_finished"
		}
		d.log.Debug("duck cancelled at confirm", "reason", reason)
		if d.cb.OnCancel != nil {
			d.cb.OnCancel(reason)
		}
		return
	}
	d.clearLocked()
	d.mu.Unlock()

	d.log.Debug("barge-in confirmed")
	if d.cb.OnConfirm != nil {
		d.cb.OnConfirm()
	}
}

// OnSpeechEnd cancels a pending duck because the candidate died early.
func (d *DuckController) OnSpeechEnd() {
	d.cancel("speech_ended")
}

// OnTutorStopped cancels a pending duck because there is nothing left to
// interrupt.
func (d *DuckController) OnTutorStopped() {
	d.cancel("tutor_finished")
}

func (d *DuckController) cancel(reason string) {
	d.mu.Lock()
	if d.state == nil {
		d.mu.Unlock()
		return
	}
	d.clearLocked()
	d.mu.Unlock()

	d.gain.SetGain(1.0, d.cfg.RampDuration)
	d.log.Debug("duck cancelled", "reason", reason)
	if d.cb.OnCancel != nil {
		d.cb.OnCancel(reason)
	}
}

func (d *DuckController) clearLocked() {
	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}
	d.state = nil
}

// Active reports whether a duck is in progress.
func (d *DuckController) Active() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state != nil
}

// Stop discards any pending duck without touching gain. Used on session
// teardown where the output is being torn down anyway.
func (d *DuckController) Stop() {
	d.mu.Lock()
	d.clearLocked()
	d.mu.Unlock()
}

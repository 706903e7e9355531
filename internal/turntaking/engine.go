package turntaking

import (
	"log/slog"
	"sync"
	"time"

	"github.com/lumenlearn/voicekit/internal/shared"
)

// PlaybackState is the scheduler's view the truth function reads.
type PlaybackState interface {
	Playing() bool
	QueueLen() int
	ActiveSources() int
}

// interruptAllowlist names the server interrupt reasons honored under
// hardened gating.
var interruptAllowlist = map[string]bool{
	"student_speech":  true,
	"safety":          true,
	"session_timeout": true,
	"content_policy":  true,
}

type TurnOutcome struct {
	// RealTurn is false for sub-minimum bursts.
	RealTurn bool
	Duration time.Duration
	// Escalated is set when this burst tipped the profile selector.
	Escalated bool
}

type Config struct {
	Band     shared.GradeBand
	Start    time.Time
	Playback PlaybackState
	Guard    GuardConfig
	Grace    GraceConfig
	Logger   *slog.Logger
}

// Engine tracks whose turn it is. "Is the tutor speaking" is derived, never
// stored alone: the truth function ORs the explicit flag, the playing flag,
// pending queue length and scheduled source count, so a lagging signal can
// never produce a false negative.
type Engine struct {
	log      *slog.Logger
	band     shared.GradeBand
	selector *Selector
	guard    *Guard
	grace    *GraceTracker
	playback PlaybackState

	mu            sync.Mutex
	tutorFlag     bool
	generation    uint64
	speaking      bool
	segmentStart  time.Time
	lastSpeechEnd time.Time
}

func NewEngine(cfg Config) *Engine {
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	if cfg.Start.IsZero() {
		cfg.Start = time.Now()
	}

	e := &Engine{
		log:      log.With("component", "turntaking"),
		band:     cfg.Band,
		selector: NewSelector(cfg.Band, cfg.Start),
		guard:    NewGuard(cfg.Guard),
		playback: cfg.Playback,
	}
	if cfg.Band.IsOlder() {
		e.grace = NewGraceTracker(cfg.Grace)
	}
	return e
}

func (e *Engine) Profile() Profile {
	return e.selector.Profile()
}

// TutorSpeaking is the truth function.
func (e *Engine) TutorSpeaking() bool {
	e.mu.Lock()
	flag := e.tutorFlag
	e.mu.Unlock()
	if flag {
		return true
	}
	if e.playback == nil {
		return false
	}
	return e.playback.Playing() || e.playback.QueueLen() > 0 || e.playback.ActiveSources() > 0
}

// SetTutorFlag records the server's explicit tutor-speaking signal.
func (e *Engine) SetTutorFlag(speaking bool) {
	e.mu.Lock()
	e.tutorFlag = speaking
	e.mu.Unlock()
}

// NextGeneration starts a new barge-in epoch and returns its id.
func (e *Engine) NextGeneration() uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.generation++
	return e.generation
}

// ObserveGeneration adopts a server-issued generation id. The counter never
// goes backwards.
func (e *Engine) ObserveGeneration(remote uint64) {
	e.mu.Lock()
	if remote > e.generation {
		e.generation = remote
	}
	e.mu.Unlock()
}

func (e *Engine) Generation() uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.generation
}

// OnSpeechStart opens a speech segment. Starts within the coalescing window
// of the previous end are folded into the same segment.
func (e *Engine) OnSpeechStart(now time.Time) {
	profile := e.selector.Profile()
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.speaking {
		return
	}
	e.speaking = true
	if !e.lastSpeechEnd.IsZero() && now.Sub(e.lastSpeechEnd) <= profile.CoalesceWindow && !e.segmentStart.IsZero() {
		return // continue the previous segment
	}
	e.segmentStart = now
}

// OnSpeechEnd closes the segment and classifies it.
func (e *Engine) OnSpeechEnd(now time.Time) TurnOutcome {
	profile := e.selector.Profile()

	e.mu.Lock()
	if !e.speaking {
		e.mu.Unlock()
		return TurnOutcome{}
	}
	e.speaking = false
	e.lastSpeechEnd = now
	duration := now.Sub(e.segmentStart)
	e.mu.Unlock()

	if duration < profile.MinSpeechDuration {
		escalated := e.selector.RecordShortBurst(now)
		if escalated {
			e.log.Info("profile escalated to patient variant", "profile", e.selector.Profile().Name)
		}
		return TurnOutcome{Duration: duration, Escalated: escalated}
	}
	return TurnOutcome{RealTurn: true, Duration: duration}
}

func (e *Engine) StudentSpeaking() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.speaking
}

// ValidateTurn runs the ghost-turn guard over a finalized transcript.
func (e *Engine) ValidateTurn(text string, now time.Time) GuardResult {
	res := e.guard.Check(text, now)
	if !res.Valid {
		e.log.Debug("ghost turn rejected", "reason", res.Reason, "len", len(text))
	}
	return res
}

// GraceFor returns the speech-end delay earned by a trailing continuation
// phrase. Zero outside older-student profiles or once the budget is spent.
func (e *Engine) GraceFor(partial string) time.Duration {
	if e.grace == nil {
		return 0
	}
	return e.grace.GraceFor(partial)
}

// HonorInterrupt decides whether a server interrupt command is applied.
// Older-student profiles only honor allow-listed reasons while the tutor is
// actually speaking; anything else is logged and dropped.
func (e *Engine) HonorInterrupt(reason string) bool {
	if !e.band.IsOlder() {
		return true
	}
	if !interruptAllowlist[reason] {
		e.log.Warn("interrupt blocked, reason not allow-listed", "reason", reason)
		return false
	}
	if !e.TutorSpeaking() {
		e.log.Warn("interrupt blocked, tutor not speaking", "reason", reason)
		return false
	}
	return true
}

// Package turntaking owns the conversational control plane of a session:
// grade-band timing profiles, the tutor-speaking truth function, ghost-turn
// validation, continuation grace, server interrupt gating, and the barge-in
// generation counter.
package turntaking

import (
	"sync"
	"time"

	"github.com/lumenlearn/voicekit/internal/shared"
)

// Profile is the immutable per-grade-band timing configuration.
type Profile struct {
	Name string
	// MinSpeechDuration is the shortest speech segment that counts as a
	// real turn.
	MinSpeechDuration time.Duration
	// SilenceDebounce is the end-of-speech silence before a turn closes.
	SilenceDebounce time.Duration
	// CoalesceWindow merges speech segments separated by less than this.
	CoalesceWindow time.Duration
	// BargeInSustain is the sustained-speech window before a barge-in is
	// confirmed (the duck confirm timer).
	BargeInSustain time.Duration
}

func ProfileFor(band shared.GradeBand) Profile {
	switch band {
	case shared.GradeBandK2:
		return Profile{
			Name:              "k2",
			MinSpeechDuration: 400 * time.Millisecond,
			SilenceDebounce:   1200 * time.Millisecond,
			CoalesceWindow:    900 * time.Millisecond,
			BargeInSustain:    600 * time.Millisecond,
		}
	case shared.GradeBandElementary:
		return Profile{
			Name:              "elementary",
			MinSpeechDuration: 350 * time.Millisecond,
			SilenceDebounce:   1000 * time.Millisecond,
			CoalesceWindow:    700 * time.Millisecond,
			BargeInSustain:    500 * time.Millisecond,
		}
	case shared.GradeBandHigh, shared.GradeBandAdult:
		return Profile{
			Name:              "older",
			MinSpeechDuration: 250 * time.Millisecond,
			SilenceDebounce:   700 * time.Millisecond,
			CoalesceWindow:    400 * time.Millisecond,
			BargeInSustain:    350 * time.Millisecond,
		}
	default:
		return Profile{
			Name:              "middle",
			MinSpeechDuration: 300 * time.Millisecond,
			SilenceDebounce:   850 * time.Millisecond,
			CoalesceWindow:    550 * time.Millisecond,
			BargeInSustain:    400 * time.Millisecond,
		}
	}
}

// patientProfile is the escalation target: same band, more forgiving timing.
func patientProfile(p Profile) Profile {
	return Profile{
		Name:              p.Name + "_patient",
		MinSpeechDuration: p.MinSpeechDuration,
		SilenceDebounce:   p.SilenceDebounce * 3 / 2,
		CoalesceWindow:    p.CoalesceWindow * 3 / 2,
		BargeInSustain:    p.BargeInSustain * 3 / 2,
	}
}

const (
	// escalationWindow bounds how long after session start auto-escalation
	// may happen.
	escalationWindow = time.Minute
	// escalationBursts is how many sub-minimum speech bursts trigger it.
	escalationBursts = 4
)

// Selector holds the active profile and applies the one-shot escalation to
// the patient variant when the student produces many short bursts early in
// the session. Escalation never reverses within a session.
type Selector struct {
	mu        sync.Mutex
	profile   Profile
	start     time.Time
	bursts    int
	escalated bool
}

func NewSelector(band shared.GradeBand, start time.Time) *Selector {
	return &Selector{
		profile: ProfileFor(band),
		start:   start,
	}
}

func (s *Selector) Profile() Profile {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.profile
}

// RecordShortBurst registers a speech segment that fell under the minimum
// speech duration. Returns true when this burst tipped the selector into
// the patient profile.
func (s *Selector) RecordShortBurst(now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.escalated || now.Sub(s.start) > escalationWindow {
		return false
	}
	s.bursts++
	if s.bursts < escalationBursts {
		return false
	}
	s.profile = patientProfile(s.profile)
	s.escalated = true
	return true
}

func (s *Selector) Escalated() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.escalated
}

package turntaking

import (
	"strings"
	"sync"
	"time"
)

var continuationPhrases = []string{
	"and", "so", "but", "because", "then", "also", "plus", "or",
}

type GraceConfig struct {
	// Period is the speech-end delay granted per continuation.
	Period time.Duration
	// Budget caps total grace per session; once spent, no more is granted.
	Budget time.Duration
}

func (c GraceConfig) withDefaults() GraceConfig {
	if c.Period <= 0 {
		c.Period = 1200 * time.Millisecond
	}
	if c.Budget <= 0 {
		c.Budget = 8 * time.Second
	}
	return c
}

// GraceTracker grants extra end-of-speech time when a partial transcript
// trails off with a continuation phrase ("and...", "so..."). Older-student
// profiles only; the session wires it up conditionally.
type GraceTracker struct {
	cfg GraceConfig

	mu   sync.Mutex
	used time.Duration
}

func NewGraceTracker(cfg GraceConfig) *GraceTracker {
	return &GraceTracker{cfg: cfg.withDefaults()}
}

// GraceFor returns the speech-end delay to grant for the partial, 0 when
// none applies. Granted time is charged against the session budget.
func (g *GraceTracker) GraceFor(partial string) time.Duration {
	if !hasTrailingContinuation(partial) {
		return 0
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	remaining := g.cfg.Budget - g.used
	if remaining <= 0 {
		return 0
	}
	grant := g.cfg.Period
	if grant > remaining {
		grant = remaining
	}
	g.used += grant
	return grant
}

func (g *GraceTracker) Remaining() time.Duration {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.cfg.Budget - g.used
}

// Filler sounds that may trail after the continuation itself ("and um...").
var trailingFillers = map[string]bool{
	"um": true, "umm": true, "uh": true, "uhh": true, "hmm": true, "er": true,
}

// hasTrailingContinuation reports whether the partial trails off with a
// continuation phrase. Fillers after the phrase are skipped and the last few
// words are scanned, so "four and um..." and "so, like" both count.
func hasTrailingContinuation(partial string) bool {
	words := strings.Fields(strings.ToLower(partial))
	checked := 0
	for i := len(words) - 1; i >= 0 && checked < 3; i-- {
		w := strings.Trim(words[i], ".…,!?;:-—'\" ")
		if w == "" || trailingFillers[w] || w == "like" {
			continue
		}
		checked++
		for _, p := range continuationPhrases {
			if w == p {
				return true
			}
		}
	}
	return false
}

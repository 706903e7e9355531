// Package transcript keeps the per-session conversation history. The
// sequence is append-only except that a pending partial entry is replaced in
// place when its final version arrives, and it is compacted once it grows
// past a threshold.
package transcript

import (
	"sort"
	"sync"
	"time"
)

type Speaker string

const (
	SpeakerStudent Speaker = "student"
	SpeakerTutor   Speaker = "tutor"
	SpeakerSystem  Speaker = "system"
)

type Entry struct {
	Speaker   Speaker
	Text      string
	Timestamp time.Time
	Partial   bool
}

type History struct {
	mu      sync.Mutex
	entries []Entry

	maxEntries int
	keepRecent int
}

const (
	defaultMaxEntries = 200
	defaultKeepRecent = 80
)

func NewHistory(maxEntries, keepRecent int) *History {
	if maxEntries <= 0 {
		maxEntries = defaultMaxEntries
	}
	if keepRecent <= 0 || keepRecent >= maxEntries {
		keepRecent = defaultKeepRecent
	}
	return &History{
		maxEntries: maxEntries,
		keepRecent: keepRecent,
	}
}

// Append adds an entry. A final entry from the same speaker replaces a
// pending partial in place instead of appending.
func (h *History) Append(e Entry) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if !e.Partial {
		for i := len(h.entries) - 1; i >= 0; i-- {
			if h.entries[i].Speaker == e.Speaker {
				if h.entries[i].Partial {
					h.entries[i] = e
					h.compactLocked()
					return
				}
				break
			}
		}
	} else {
		for i := len(h.entries) - 1; i >= 0; i-- {
			if h.entries[i].Speaker == e.Speaker {
				if h.entries[i].Partial {
					h.entries[i] = e
					return
				}
				break
			}
		}
	}

	h.entries = append(h.entries, e)
	h.compactLocked()
}

// compactLocked keeps system anchors plus the most recent keepRecent entries
// once the sequence exceeds maxEntries, re-sorted by timestamp.
func (h *History) compactLocked() {
	if len(h.entries) <= h.maxEntries {
		return
	}

	cut := len(h.entries) - h.keepRecent
	kept := make([]Entry, 0, h.keepRecent+8)
	for _, e := range h.entries[:cut] {
		if e.Speaker == SpeakerSystem {
			kept = append(kept, e)
		}
	}
	kept = append(kept, h.entries[cut:]...)

	sort.SliceStable(kept, func(i, j int) bool {
		return kept[i].Timestamp.Before(kept[j].Timestamp)
	})
	h.entries = kept
}

// LastFinal returns the most recent non-partial entry for the speaker.
func (h *History) LastFinal(speaker Speaker) (Entry, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for i := len(h.entries) - 1; i >= 0; i-- {
		e := h.entries[i]
		if e.Speaker == speaker && !e.Partial {
			return e, true
		}
	}
	return Entry{}, false
}

func (h *History) Entries() []Entry {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]Entry, len(h.entries))
	copy(out, h.entries)
	return out
}

func (h *History) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.entries)
}

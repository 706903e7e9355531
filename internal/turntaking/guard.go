package turntaking

import (
	"strings"
	"sync"
	"time"
	"unicode"
)

// Reasons a candidate turn is rejected.
const (
	ReasonTooShort        = "too_short"
	ReasonPunctuationOnly = "punctuation_only"
	ReasonFillerOnly      = "filler_only"
	ReasonDuplicate       = "duplicate"
)

var defaultFillers = []string{
	"um", "uh", "umm", "uhh", "hmm", "hm", "er", "err", "ah", "mm", "mhm", "like",
}

type GuardConfig struct {
	MinChars        int
	Fillers         []string
	DuplicateWindow time.Duration
}

func (c GuardConfig) withDefaults() GuardConfig {
	if c.MinChars <= 0 {
		c.MinChars = 2
	}
	if len(c.Fillers) == 0 {
		c.Fillers = defaultFillers
	}
	if c.DuplicateWindow <= 0 {
		c.DuplicateWindow = 5 * time.Second
	}
	return c
}

type GuardResult struct {
	Valid  bool
	Reason string
}

// Guard rejects ghost turns: finalized speech-to-text results that are too
// short, punctuation-only, filler-only, or near-duplicates of the previous
// final transcript.
type Guard struct {
	cfg     GuardConfig
	fillers map[string]bool

	mu       sync.Mutex
	lastText string
	lastAt   time.Time
}

func NewGuard(cfg GuardConfig) *Guard {
	cfg = cfg.withDefaults()
	fillers := make(map[string]bool, len(cfg.Fillers))
	for _, f := range cfg.Fillers {
		fillers[strings.ToLower(f)] = true
	}
	return &Guard{cfg: cfg, fillers: fillers}
}

// Check validates a finalized transcript. Valid turns are remembered for
// duplicate detection; invalid ones are not.
func (g *Guard) Check(text string, now time.Time) GuardResult {
	trimmed := strings.TrimSpace(text)

	if len([]rune(trimmed)) < g.cfg.MinChars {
		return GuardResult{Reason: ReasonTooShort}
	}
	if punctuationOnly(trimmed) {
		return GuardResult{Reason: ReasonPunctuationOnly}
	}
	if g.fillerOnly(trimmed) {
		return GuardResult{Reason: ReasonFillerOnly}
	}

	norm := normalize(trimmed)
	g.mu.Lock()
	dup := g.lastText != "" && norm == g.lastText && now.Sub(g.lastAt) <= g.cfg.DuplicateWindow
	if !dup {
		g.lastText = norm
		g.lastAt = now
	}
	g.mu.Unlock()

	if dup {
		return GuardResult{Reason: ReasonDuplicate}
	}
	return GuardResult{Valid: true}
}

func punctuationOnly(s string) bool {
	for _, r := range s {
		if !unicode.IsPunct(r) && !unicode.IsSymbol(r) && !unicode.IsSpace(r) {
			return false
		}
	}
	return true
}

func (g *Guard) fillerOnly(s string) bool {
	words := strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return unicode.IsSpace(r) || unicode.IsPunct(r)
	})
	if len(words) == 0 {
		return false
	}
	for _, w := range words {
		if !g.fillers[w] {
			return false
		}
	}
	return true
}

func normalize(s string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(s) {
		if unicode.IsLetter(r) || unicode.IsNumber(r) || unicode.IsSpace(r) {
			b.WriteRune(r)
		}
	}
	return strings.Join(strings.Fields(b.String()), " ")
}

package vad

import (
	"sort"
	"sync"
	"time"
)

type baselineSample struct {
	rms float64
	at  time.Time
}

// Baseline keeps a rolling window of ambient RMS samples, collected only
// while the tutor is silent, and exposes the median noise floor for
// adaptive barge-in thresholding.
type Baseline struct {
	maxAge     time.Duration
	maxSamples int

	mu      sync.Mutex
	samples []baselineSample
}

const (
	defaultBaselineAge     = 10 * time.Second
	defaultBaselineSamples = 100
)

func NewBaseline(maxAge time.Duration, maxSamples int) *Baseline {
	if maxAge <= 0 {
		maxAge = defaultBaselineAge
	}
	if maxSamples <= 0 {
		maxSamples = defaultBaselineSamples
	}
	return &Baseline{maxAge: maxAge, maxSamples: maxSamples}
}

func (b *Baseline) Add(rms float64, now time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.samples = append(b.samples, baselineSample{rms: rms, at: now})
	b.evictLocked(now)
}

func (b *Baseline) evictLocked(now time.Time) {
	cutoff := now.Add(-b.maxAge)
	i := 0
	for i < len(b.samples) && b.samples[i].at.Before(cutoff) {
		i++
	}
	b.samples = b.samples[i:]
	if excess := len(b.samples) - b.maxSamples; excess > 0 {
		b.samples = b.samples[excess:]
	}
}

// Median returns the median ambient RMS, or 0 when no samples are recorded.
func (b *Baseline) Median() float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.samples) == 0 {
		return 0
	}
	vals := make([]float64, len(b.samples))
	for i, s := range b.samples {
		vals[i] = s.rms
	}
	sort.Float64s(vals)
	mid := len(vals) / 2
	if len(vals)%2 == 1 {
		return vals[mid]
	}
	return (vals[mid-1] + vals[mid]) / 2
}

func (b *Baseline) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.samples)
}

// AdaptiveThreshold gates candidate barge-ins while the tutor is speaking.
// A speech event qualifies if its energy clears an absolute floor or a
// multiple of the current ambient median. Quiet speakers in quiet rooms
// trigger at low absolute volume; steady background noise raises the bar.
type AdaptiveThreshold struct {
	Absolute   float64
	Multiplier float64
	Baseline   *Baseline
}

func NewAdaptiveThreshold(baseline *Baseline) *AdaptiveThreshold {
	return &AdaptiveThreshold{
		Absolute:   0.05,
		Multiplier: 2.5,
		Baseline:   baseline,
	}
}

func (a *AdaptiveThreshold) Qualifies(rms float64) bool {
	if rms >= a.Absolute {
		return true
	}
	median := a.Baseline.Median()
	return median > 0 && rms >= median*a.Multiplier
}

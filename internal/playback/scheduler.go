// Package playback buffers tutor audio and schedules it on an audio clock
// for gapless playback. Chunks tagged with a stale barge-in generation are
// dropped before they ever reach the queue, and Stop cancels everything that
// is queued or already scheduled without an audible click.
package playback

import (
	"log/slog"
	"sync"
	"time"

	"github.com/lumenlearn/voicekit/internal/wire"
)

// Source is a handle to one scheduled buffer on the platform audio graph.
type Source interface {
	Stop()
}

// Sink abstracts the platform audio output: a monotonic audio clock,
// buffer scheduling with boundary fades, and a master gain.
type Sink interface {
	// Now returns the audio clock position in seconds.
	Now() float64
	// Schedule queues samples to start at the given clock position with
	// fade-in/fade-out applied at the chunk boundaries.
	Schedule(samples []int16, at float64, fade time.Duration) Source
	// SetGain ramps the master output gain.
	SetGain(value float64, ramp time.Duration)
}

type queuedChunk struct {
	samples []int16
	gen     uint64
}

type scheduledSource struct {
	src   Source
	endAt float64
	gen   uint64
}

type Config struct {
	// MaxQueue bounds the pending buffer count; overflow drops the oldest.
	MaxQueue int
	// Crossfade is the boundary fade applied to every chunk.
	Crossfade time.Duration
	// Overlap is the negative gap between consecutive chunks.
	Overlap time.Duration
	// Lookahead bounds how far past the clock buffers are committed to the
	// sink; the rest wait in the queue.
	Lookahead time.Duration
}

func (c Config) withDefaults() Config {
	if c.MaxQueue <= 0 {
		c.MaxQueue = 64
	}
	if c.Crossfade <= 0 {
		c.Crossfade = 12 * time.Millisecond
	}
	if c.Overlap <= 0 {
		c.Overlap = 8 * time.Millisecond
	}
	if c.Lookahead <= 0 {
		c.Lookahead = 2 * time.Second
	}
	return c
}

type Scheduler struct {
	cfg  Config
	sink Sink
	log  *slog.Logger

	mu        sync.Mutex
	queue     []queuedChunk
	scheduled []scheduledSource
	playhead  float64
	activeGen uint64
}

func NewScheduler(cfg Config, sink Sink, log *slog.Logger) *Scheduler {
	if log == nil {
		log = slog.Default()
	}
	return &Scheduler{
		cfg:  cfg.withDefaults(),
		sink: sink,
		log:  log.With("component", "playback"),
	}
}

// SetGeneration raises the active barge-in generation. Anything queued or
// already scheduled from an older epoch is purged; the id never decreases.
func (s *Scheduler) SetGeneration(gen uint64) {
	s.mu.Lock()
	if gen <= s.activeGen {
		s.mu.Unlock()
		return
	}
	s.activeGen = gen
	kept := s.queue[:0]
	for _, c := range s.queue {
		if c.gen >= gen {
			kept = append(kept, c)
		}
	}
	s.queue = kept

	var stale []scheduledSource
	live := s.scheduled[:0]
	for _, sc := range s.scheduled {
		if sc.gen < gen {
			stale = append(stale, sc)
		} else {
			live = append(live, sc)
		}
	}
	s.scheduled = live
	s.mu.Unlock()

	for _, sc := range stale {
		sc.src.Stop()
	}
}

// Enqueue adds a decoded chunk. Chunks from a stale generation are dropped
// unconditionally; a full queue drops its oldest buffers.
func (s *Scheduler) Enqueue(samples []int16, gen uint64) bool {
	if len(samples) == 0 {
		return false
	}

	s.mu.Lock()
	if gen < s.activeGen {
		s.mu.Unlock()
		s.log.Debug("stale audio chunk dropped", "chunk_gen", gen, "active_gen", s.activeGen)
		return false
	}
	s.queue = append(s.queue, queuedChunk{samples: samples, gen: gen})
	for len(s.queue) > s.cfg.MaxQueue {
		s.queue = s.queue[1:]
	}
	s.mu.Unlock()

	s.ScheduleNext()
	return true
}

// ScheduleNext walks the queue and schedules every pending buffer
// back-to-back: each chunk starts slightly before the previous one ends and
// both ends are faded, which removes the boundary click.
func (s *Scheduler) ScheduleNext() {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.sink.Now()
	s.pruneLocked(now)

	if s.playhead < now {
		s.playhead = now
	}

	horizon := now + s.cfg.Lookahead.Seconds()
	for len(s.queue) > 0 && s.playhead <= horizon {
		chunk := s.queue[0]
		s.queue = s.queue[1:]

		duration := float64(len(chunk.samples)) / float64(wire.SampleRate)
		start := s.playhead - s.cfg.Overlap.Seconds()
		if start < now {
			start = now
		}
		src := s.sink.Schedule(chunk.samples, start, s.cfg.Crossfade)
		s.scheduled = append(s.scheduled, scheduledSource{src: src, endAt: start + duration, gen: chunk.gen})
		s.playhead = start + duration
	}
}

func (s *Scheduler) pruneLocked(now float64) {
	kept := s.scheduled[:0]
	for _, sc := range s.scheduled {
		if sc.endAt > now {
			kept = append(kept, sc)
		}
	}
	s.scheduled = kept
}

// Stop cancels playback: every tracked source is stopped (the sink fades a
// stopped source out rather than cutting it), the queue is cleared and the
// playhead reset for the next epoch. Idempotent.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	sources := s.scheduled
	s.scheduled = nil
	s.queue = s.queue[:0]
	s.playhead = 0
	s.mu.Unlock()

	for _, sc := range sources {
		sc.src.Stop()
	}
}

// Playing reports whether any scheduled source is still before its end.
func (s *Scheduler) Playing() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.sink.Now()
	for _, sc := range s.scheduled {
		if sc.endAt > now {
			return true
		}
	}
	return false
}

func (s *Scheduler) QueueLen() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

func (s *Scheduler) ActiveSources() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.sink.Now()
	n := 0
	for _, sc := range s.scheduled {
		if sc.endAt > now {
			n++
		}
	}
	return n
}

// Package vad runs two independent speech detectors over the capture stream
// and arbitrates them into a single speech-start/speech-end signal: an
// energy detector on raw frame stats and a neural detector on the same
// samples. The neural detector is authoritative for barge-in decisions when
// available; the energy path drives the UI indicator and serves as fallback.
package vad

import (
	"sync"

	"github.com/lumenlearn/voicekit/internal/audio"
)

type EventKind string

const (
	SpeechStart EventKind = "speech_start"
	SpeechEnd   EventKind = "speech_end"
)

type Event struct {
	Kind EventKind
	RMS  float64
}

type EnergyConfig struct {
	// SpeechThreshold is the RMS level that counts a frame as speech.
	SpeechThreshold float64
	// SilenceThreshold is the RMS level below which a frame counts as
	// silence. Kept below SpeechThreshold for hysteresis.
	SilenceThreshold float64
	// SpeechFrames is how many consecutive speech frames trigger start.
	SpeechFrames int
	// SilenceFrames is how many consecutive silence frames trigger end.
	SilenceFrames int
}

func (c EnergyConfig) withDefaults() EnergyConfig {
	if c.SpeechThreshold <= 0 {
		c.SpeechThreshold = 0.015
	}
	if c.SilenceThreshold <= 0 {
		c.SilenceThreshold = 0.008
	}
	if c.SpeechFrames <= 0 {
		c.SpeechFrames = 3
	}
	if c.SilenceFrames <= 0 {
		c.SilenceFrames = 15
	}
	return c
}

// EnergyDetector declares speech after a run of frames above threshold and
// silence after a run below it.
type EnergyDetector struct {
	cfg EnergyConfig

	mu           sync.Mutex
	inSpeech     bool
	speechCount  int
	silenceCount int
}

func NewEnergyDetector(cfg EnergyConfig) *EnergyDetector {
	return &EnergyDetector{cfg: cfg.withDefaults()}
}

// Process consumes one frame's stats and returns an event when the speech
// state flips.
func (d *EnergyDetector) Process(stats audio.FrameStats) (Event, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.inSpeech {
		if stats.RMS < d.cfg.SilenceThreshold {
			d.silenceCount++
			if d.silenceCount >= d.cfg.SilenceFrames {
				d.inSpeech = false
				d.silenceCount = 0
				d.speechCount = 0
				return Event{Kind: SpeechEnd, RMS: stats.RMS}, true
			}
		} else {
			d.silenceCount = 0
		}
		return Event{}, false
	}

	if stats.RMS >= d.cfg.SpeechThreshold {
		d.speechCount++
		d.silenceCount = 0
		if d.speechCount >= d.cfg.SpeechFrames {
			d.inSpeech = true
			d.speechCount = 0
			return Event{Kind: SpeechStart, RMS: stats.RMS}, true
		}
	} else {
		d.speechCount = 0
	}
	return Event{}, false
}

func (d *EnergyDetector) Active() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.inSpeech
}

func (d *EnergyDetector) Reset() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.inSpeech = false
	d.speechCount = 0
	d.silenceCount = 0
}

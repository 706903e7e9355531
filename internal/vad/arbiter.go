package vad

import (
	"log/slog"
	"sync"
)

type Source string

const (
	SourceEnergy Source = "energy"
	SourceNeural Source = "neural"
)

// Arbiter merges the two detectors into one speech signal. The neural
// detector is authoritative whenever it initialized; energy events are then
// demoted to the indicator path. If the neural detector never comes up, the
// energy detector takes over barge-in duty.
type Arbiter struct {
	log *slog.Logger

	mu        sync.Mutex
	neuralOK  bool
	speaking  bool
	onSpeech  func(Event)
	onHearing func(active bool)
}

func NewArbiter(log *slog.Logger) *Arbiter {
	if log == nil {
		log = slog.Default()
	}
	return &Arbiter{log: log.With("component", "vad_arbiter")}
}

// SetNeuralAvailable flips the authoritative source. Called once after the
// neural detector init succeeds or terminally fails.
func (a *Arbiter) SetNeuralAvailable(ok bool) {
	a.mu.Lock()
	a.neuralOK = ok
	a.mu.Unlock()
	a.log.Info("vad arbitration source set", "neural", ok)
}

func (a *Arbiter) Authoritative() Source {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.neuralOK {
		return SourceNeural
	}
	return SourceEnergy
}

// OnSpeech registers the sink for arbitrated speech events.
func (a *Arbiter) OnSpeech(fn func(Event)) {
	a.mu.Lock()
	a.onSpeech = fn
	a.mu.Unlock()
}

// OnHearing registers the sink for the UI "hearing you" indicator, which
// always follows the energy path regardless of arbitration.
func (a *Arbiter) OnHearing(fn func(active bool)) {
	a.mu.Lock()
	a.onHearing = fn
	a.mu.Unlock()
}

// Report feeds a detector event. Events from the non-authoritative source
// are dropped from the speech signal; energy events additionally feed the
// indicator.
func (a *Arbiter) Report(src Source, ev Event) {
	a.mu.Lock()
	authoritative := SourceEnergy
	if a.neuralOK {
		authoritative = SourceNeural
	}
	var speech func(Event)
	var hearing func(bool)
	if src == authoritative {
		switch ev.Kind {
		case SpeechStart:
			if !a.speaking {
				a.speaking = true
				speech = a.onSpeech
			}
		case SpeechEnd:
			if a.speaking {
				a.speaking = false
				speech = a.onSpeech
			}
		}
	}
	if src == SourceEnergy {
		hearing = a.onHearing
	}
	a.mu.Unlock()

	if speech != nil {
		speech(ev)
	}
	if hearing != nil {
		hearing(ev.Kind == SpeechStart)
	}
}

// Speaking reports the arbitrated speech state.
func (a *Arbiter) Speaking() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.speaking
}

package vad

import (
	"sync"

	"github.com/streamer45/silero-vad-go/speech"

	"github.com/lumenlearn/voicekit/internal/audio"
)

// sileroWindow is the frame size the Silero model expects at 16 kHz.
const sileroWindow = 512

type NeuralConfig struct {
	ModelPath string
	// Threshold is the speech probability above which a frame counts as
	// speech. Silero applies Threshold-0.15 as the exit threshold.
	Threshold float32
	// RedemptionMs is how long the probability may dip below the exit
	// threshold before speech-end fires.
	RedemptionMs int
	SampleRate   int
}

type NeuralCallbacks struct {
	OnSpeechStart func()
	OnSpeechEnd   func()
}

// NeuralDetector streams capture frames into a Silero VAD model. Wire frames
// are 320 samples; the detector rebuffers them into the model's 512-sample
// window internally.
type NeuralDetector struct {
	mu  sync.Mutex
	det *speech.Detector
	cb  NeuralCallbacks
	buf []float32
}

func NewNeuralDetector(cfg NeuralConfig, cb NeuralCallbacks) (*NeuralDetector, error) {
	if cfg.SampleRate == 0 {
		cfg.SampleRate = 16000
	}
	if cfg.Threshold == 0 {
		cfg.Threshold = 0.5
	}
	if cfg.RedemptionMs == 0 {
		cfg.RedemptionMs = 300
	}

	det, err := speech.NewDetector(speech.DetectorConfig{
		ModelPath:            cfg.ModelPath,
		SampleRate:           cfg.SampleRate,
		Threshold:            cfg.Threshold,
		MinSilenceDurationMs: cfg.RedemptionMs,
	})
	if err != nil {
		return nil, err
	}

	return &NeuralDetector{
		det: det,
		cb:  cb,
		buf: make([]float32, 0, sileroWindow*2),
	}, nil
}

// Process feeds one capture frame. Callbacks fire synchronously on the
// caller's goroutine.
func (d *NeuralDetector) Process(samples []int16) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.det == nil {
		return nil
	}

	d.buf = append(d.buf, audio.Int16ToFloat32(samples)...)

	for len(d.buf) >= sileroWindow {
		window := d.buf[:sileroWindow]
		event, err := d.det.DetectStreamFrame(window)
		d.buf = d.buf[sileroWindow:]
		if err != nil {
			// Mid-stream state desync; reset and keep going.
			_ = d.det.Reset()
			continue
		}
		if event == nil {
			continue
		}
		if event.IsStart && d.cb.OnSpeechStart != nil {
			d.cb.OnSpeechStart()
		}
		if event.IsEnd && d.cb.OnSpeechEnd != nil {
			d.cb.OnSpeechEnd()
		}
	}
	return nil
}

func (d *NeuralDetector) Reset() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.det != nil {
		_ = d.det.Reset()
	}
	d.buf = d.buf[:0]
}

func (d *NeuralDetector) Close() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.det != nil {
		_ = d.det.Destroy()
		d.det = nil
	}
}

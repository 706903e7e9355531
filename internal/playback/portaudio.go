package playback

import (
	"fmt"
	"sync"
	"time"

	"github.com/gordonklaus/portaudio"

	"github.com/lumenlearn/voicekit/internal/audio"
	"github.com/lumenlearn/voicekit/internal/wire"
)

// stopFade is the per-buffer ramp applied when a source is stopped mid-play,
// so cancelling a buffer at full gain never produces a click.
const stopFade = 30 * time.Millisecond

// PortAudioSink renders scheduled buffers on the default output device. The
// audio clock is the count of frames handed to the device, so Now moves only
// when the hardware consumes audio. Mixing, boundary fades, and the master
// gain ramp all happen in the render callback. Buffers arrive at the wire
// rate and are resampled to the device rate when the two differ.
type PortAudioSink struct {
	mu     sync.Mutex
	stream *portaudio.Stream
	closed bool

	rate  int
	clock int64
	bufs  []*sinkBuffer

	gain       float64
	gainTarget float64
	gainStep   float64
}

type sinkBuffer struct {
	samples []int16
	start   int64
	fade    int
	// stopAt is the clock frame where Stop landed, -1 while live. The
	// buffer fades out over stopSpan frames from there.
	stopAt   int64
	stopSpan int
}

func NewPortAudioSink() (*PortAudioSink, error) {
	if err := portaudio.Initialize(); err != nil {
		return nil, fmt.Errorf("playback: initialize portaudio: %w", err)
	}

	dev, err := portaudio.DefaultOutputDevice()
	if err != nil {
		_ = portaudio.Terminate()
		return nil, fmt.Errorf("playback: no output device: %w", err)
	}
	rate := int(dev.DefaultSampleRate)
	if rate <= 0 {
		rate = wire.SampleRate
	}
	s := &PortAudioSink{rate: rate, gain: 1.0, gainTarget: 1.0}

	params := portaudio.StreamParameters{
		Output: portaudio.StreamDeviceParameters{
			Device:   dev,
			Channels: 1,
			Latency:  dev.DefaultLowOutputLatency,
		},
		SampleRate:      float64(rate),
		FramesPerBuffer: rate * wire.FrameDuration / 1000,
	}
	stream, err := portaudio.OpenStream(params, s.render)
	if err != nil {
		_ = portaudio.Terminate()
		return nil, fmt.Errorf("playback: open output stream: %w", err)
	}
	if err := stream.Start(); err != nil {
		_ = stream.Close()
		_ = portaudio.Terminate()
		return nil, fmt.Errorf("playback: start output stream: %w", err)
	}
	s.stream = stream
	return s, nil
}

func (s *PortAudioSink) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	stream := s.stream
	s.mu.Unlock()

	if stream != nil {
		_ = stream.Stop()
		_ = stream.Close()
	}
	return portaudio.Terminate()
}

func (s *PortAudioSink) Now() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return float64(s.clock) / float64(s.rate)
}

func (s *PortAudioSink) Schedule(samples []int16, at float64, fade time.Duration) Source {
	buf := &sinkBuffer{
		samples:  audio.ResampleInt16(samples, wire.SampleRate, s.rate),
		start:    int64(at * float64(s.rate)),
		fade:     int(fade.Seconds() * float64(s.rate)),
		stopAt:   -1,
		stopSpan: int(stopFade.Seconds() * float64(s.rate)),
	}
	s.mu.Lock()
	s.bufs = append(s.bufs, buf)
	s.mu.Unlock()
	return &sinkSource{sink: s, buf: buf}
}

func (s *PortAudioSink) SetGain(value float64, ramp time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.gainTarget = value
	if ramp <= 0 {
		s.gain = value
		s.gainStep = 0
		return
	}
	steps := ramp.Seconds() * float64(s.rate)
	s.gainStep = (value - s.gain) / steps
}

type sinkSource struct {
	sink *PortAudioSink
	buf  *sinkBuffer
}

func (src *sinkSource) Stop() {
	src.sink.mu.Lock()
	if src.buf.stopAt < 0 {
		src.buf.stopAt = src.sink.clock
	}
	src.sink.mu.Unlock()
}

// render mixes every live buffer into the output block. Sample arithmetic is
// done in float64 and hard-limited back to int16.
func (s *PortAudioSink) render(out []int16) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i := range out {
		frame := s.clock + int64(i)
		var mix float64
		for _, b := range s.bufs {
			off := frame - b.start
			if off < 0 || off >= int64(len(b.samples)) {
				continue
			}
			env := b.envelope(int(off))
			if b.stopAt >= 0 {
				env *= b.stopEnvelope(frame)
			}
			if env <= 0 {
				continue
			}
			mix += float64(b.samples[off]) * env
		}

		if s.gainStep != 0 {
			s.gain += s.gainStep
			if (s.gainStep > 0 && s.gain >= s.gainTarget) ||
				(s.gainStep < 0 && s.gain <= s.gainTarget) {
				s.gain = s.gainTarget
				s.gainStep = 0
			}
		}
		mix *= s.gain

		if mix > 32767 {
			mix = 32767
		} else if mix < -32768 {
			mix = -32768
		}
		out[i] = int16(mix)
	}
	s.clock += int64(len(out))
	s.pruneLocked()
}

func (b *sinkBuffer) envelope(off int) float64 {
	if b.fade <= 0 {
		return 1.0
	}
	if off < b.fade {
		return float64(off) / float64(b.fade)
	}
	if tail := len(b.samples) - off; tail < b.fade {
		return float64(tail) / float64(b.fade)
	}
	return 1.0
}

// stopEnvelope ramps a stopped buffer from its level at the stop frame down
// to silence over stopSpan frames.
func (b *sinkBuffer) stopEnvelope(frame int64) float64 {
	if b.stopSpan <= 0 {
		return 0
	}
	gone := frame - b.stopAt
	if gone >= int64(b.stopSpan) {
		return 0
	}
	if gone < 0 {
		return 1.0
	}
	return 1.0 - float64(gone)/float64(b.stopSpan)
}

func (b *sinkBuffer) deadAt(clock int64) bool {
	if b.stopAt >= 0 && clock >= b.stopAt+int64(b.stopSpan) {
		return true
	}
	return b.start+int64(len(b.samples)) <= clock
}

func (s *PortAudioSink) pruneLocked() {
	kept := s.bufs[:0]
	for _, b := range s.bufs {
		if !b.deadAt(s.clock) {
			kept = append(kept, b)
		}
	}
	s.bufs = kept
}

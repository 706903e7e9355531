package capture

import (
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gordonklaus/portaudio"

	"github.com/lumenlearn/voicekit/internal/wire"
)

// PortAudioDriver is the production input driver. Device ids are the
// PortAudio device indexes, which churn across OS reconnects; the recovery
// path's label-match stage exists for exactly that reason.
type PortAudioDriver struct {
	mu     sync.Mutex
	inited bool
}

func NewPortAudioDriver() (*PortAudioDriver, error) {
	if err := portaudio.Initialize(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnsupported, err)
	}
	return &PortAudioDriver{inited: true}, nil
}

func (d *PortAudioDriver) Devices() ([]DeviceInfo, error) {
	devices, err := portaudio.Devices()
	if err != nil {
		return nil, err
	}
	def, _ := portaudio.DefaultInputDevice()

	var out []DeviceInfo
	for i, dev := range devices {
		if dev.MaxInputChannels < 1 {
			continue
		}
		out = append(out, DeviceInfo{
			ID:      strconv.Itoa(i),
			Label:   dev.Name,
			Default: def != nil && dev.Name == def.Name,
		})
	}
	return out, nil
}

func (d *PortAudioDriver) Open(deviceID string, cb StreamCallbacks) (Stream, error) {
	var dev *portaudio.DeviceInfo
	var err error

	if deviceID == "" {
		dev, err = portaudio.DefaultInputDevice()
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrNoDevice, err)
		}
		if devices, listErr := portaudio.Devices(); listErr == nil {
			for i, candidate := range devices {
				if candidate == dev {
					deviceID = strconv.Itoa(i)
					break
				}
			}
		}
	} else {
		idx, convErr := strconv.Atoi(deviceID)
		if convErr != nil {
			return nil, ErrNoDevice
		}
		devices, listErr := portaudio.Devices()
		if listErr != nil {
			return nil, listErr
		}
		if idx < 0 || idx >= len(devices) || devices[idx].MaxInputChannels < 1 {
			return nil, ErrNoDevice
		}
		dev = devices[idx]
	}

	s := &portAudioStream{
		info: DeviceInfo{ID: deviceID, Label: dev.Name},
		cb:   cb,
	}
	s.lastFrame.Store(time.Now().UnixNano())

	params := portaudio.StreamParameters{
		Input: portaudio.StreamDeviceParameters{
			Device:   dev,
			Channels: 1,
			Latency:  dev.DefaultLowInputLatency,
		},
		SampleRate:      float64(wire.SampleRate),
		FramesPerBuffer: wire.FrameSamples,
	}

	stream, err := portaudio.OpenStream(params, s.onAudio)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDeviceBusy, err)
	}
	s.stream = stream

	if err := stream.Start(); err != nil {
		_ = stream.Close()
		return nil, fmt.Errorf("%w: %v", ErrDeviceBusy, err)
	}
	return s, nil
}

func (d *PortAudioDriver) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.inited {
		return nil
	}
	d.inited = false
	return portaudio.Terminate()
}

type portAudioStream struct {
	info   DeviceInfo
	cb     StreamCallbacks
	stream *portaudio.Stream

	mu        sync.Mutex
	closed    bool
	lastFrame atomic.Int64
}

func (s *portAudioStream) onAudio(in []int16) {
	s.lastFrame.Store(time.Now().UnixNano())
	if s.cb.OnFrame != nil {
		frame := make([]int16, len(in))
		copy(frame, in)
		s.cb.OnFrame(frame)
	}
}

func (s *portAudioStream) Device() DeviceInfo {
	return s.info
}

// Healthy reports whether the device callback delivered audio recently.
// PortAudio has no direct liveness signal, so frame arrival stands in.
func (s *portAudioStream) Healthy() bool {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return false
	}
	return time.Since(time.Unix(0, s.lastFrame.Load())) < 2*time.Second
}

func (s *portAudioStream) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	err := s.stream.Close()
	if s.cb.OnEnded != nil {
		s.cb.OnEnded(nil)
	}
	return err
}

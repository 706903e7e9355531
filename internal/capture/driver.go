// Package capture acquires the microphone, runs the processing graph
// (gain, soft limiting, frame analysis, fixed-size frame emission) and
// recovers the device when the hardware track dies mid-session.
package capture

import "errors"

var ErrNoDevice = errors.New("capture: no usable input device")

type DeviceInfo struct {
	ID      string
	Label   string
	Default bool
}

type StreamCallbacks struct {
	// OnFrame receives raw mono 16 kHz PCM16 samples from the device
	// callback context. Keep it cheap; heavy work happens downstream.
	OnFrame func(samples []int16)
	// OnEnded fires when the track terminates for any reason, including
	// Close. err is nil for an intentional close.
	OnEnded func(err error)
}

// Stream is one live microphone track.
type Stream interface {
	Device() DeviceInfo
	Healthy() bool
	Close() error
}

// Driver abstracts the platform audio input layer so the pipeline and its
// recovery logic run identically against PortAudio and against the test
// fake.
type Driver interface {
	// Devices enumerates input devices.
	Devices() ([]DeviceInfo, error)
	// Open starts a mono 16 kHz S16 stream on the device, or the platform
	// default when deviceID is empty.
	Open(deviceID string, cb StreamCallbacks) (Stream, error)
}

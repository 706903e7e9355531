package wire

import (
	"encoding/base64"

	"github.com/lumenlearn/voicekit/internal/audio"
)

const (
	SampleRate = 16000
	Channels   = 1
	// FrameDuration is the wire frame length in milliseconds.
	FrameDuration = 20
	// FrameSamples is samples per wire frame (320 at 16 kHz / 20 ms).
	FrameSamples = SampleRate * FrameDuration / 1000
)

// EncodePCM16 packs samples as little-endian PCM16 and base64-encodes them.
func EncodePCM16(samples []int16) string {
	return base64.StdEncoding.EncodeToString(audio.Int16ToPCMBytes(samples))
}

// DecodePCM16 reverses EncodePCM16. Trailing odd bytes are dropped.
func DecodePCM16(encoded string) ([]int16, error) {
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, err
	}
	return audio.PCMBytesToInt16(raw), nil
}

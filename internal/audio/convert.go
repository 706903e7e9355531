package audio

import (
	"encoding/binary"
	"math"
)

// Resample converts input between sample rates with linear interpolation.
// Good enough for speech playback; no anti-aliasing filter is applied.
func Resample(input []float32, fromRate, toRate int) []float32 {
	if fromRate == toRate {
		return input
	}

	ratio := float64(toRate) / float64(fromRate)
	output := make([]float32, int(math.Ceil(float64(len(input))*ratio)))

	for i := range output {
		pos := float64(i) / ratio
		idx := int(pos)
		switch {
		case idx+1 < len(input):
			frac := float32(pos - float64(idx))
			output[i] = input[idx] + (input[idx+1]-input[idx])*frac
		case idx < len(input):
			output[i] = input[idx]
		}
	}
	return output
}

// ResampleInt16 is Resample over PCM16 samples.
func ResampleInt16(samples []int16, fromRate, toRate int) []int16 {
	if fromRate == toRate {
		return samples
	}
	return Float32ToInt16(Resample(Int16ToFloat32(samples), fromRate, toRate))
}

// Int16ToPCMBytes packs samples as little-endian PCM16.
func Int16ToPCMBytes(samples []int16) []byte {
	pcm := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(pcm[i*2:], uint16(s))
	}
	return pcm
}

// PCMBytesToInt16 unpacks little-endian PCM16. A trailing odd byte is dropped.
func PCMBytesToInt16(pcm []byte) []int16 {
	samples := make([]int16, len(pcm)/2)
	for i := range samples {
		samples[i] = int16(binary.LittleEndian.Uint16(pcm[i*2:]))
	}
	return samples
}

// Int16ToFloat32 scales PCM16 into [-1, 1).
func Int16ToFloat32(samples []int16) []float32 {
	out := make([]float32, len(samples))
	for i, s := range samples {
		out[i] = float32(s) / 32768.0
	}
	return out
}

// Float32ToInt16 clamps to [-1, 1] and scales back to PCM16.
func Float32ToInt16(samples []float32) []int16 {
	out := make([]int16, len(samples))
	for i, s := range samples {
		if s > 1.0 {
			s = 1.0
		} else if s < -1.0 {
			s = -1.0
		}
		out[i] = int16(s * 32767.0)
	}
	return out
}

package audio

import "math"

// FrameStats carries the per-frame measurements the energy detector and the
// adaptive baseline consume. Values are normalized to [0, 1].
type FrameStats struct {
	RMS  float64
	Peak float64
}

func Analyze(samples []int16) FrameStats {
	if len(samples) == 0 {
		return FrameStats{}
	}
	var sum float64
	var peak float64
	for _, s := range samples {
		v := float64(s) / 32768.0
		sum += v * v
		if a := math.Abs(v); a > peak {
			peak = a
		}
	}
	return FrameStats{
		RMS:  math.Sqrt(sum / float64(len(samples))),
		Peak: peak,
	}
}

// SplitFrames slices samples into fixed-size frames, discarding any
// trailing partial frame.
func SplitFrames(samples []int16, frameSize int) [][]int16 {
	if frameSize <= 0 {
		return nil
	}
	frames := make([][]int16, 0, len(samples)/frameSize)
	for i := 0; i+frameSize <= len(samples); i += frameSize {
		frames = append(frames, samples[i:i+frameSize])
	}
	return frames
}

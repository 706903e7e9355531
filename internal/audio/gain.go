package audio

import "math"

const (
	// DefaultInputGain is the fixed amplification applied to raw capture
	// frames before limiting and encoding.
	DefaultInputGain = 1.6

	// limitKnee is the fraction of full scale above which the soft limiter
	// starts compressing.
	limitKnee = 0.8
)

// ApplyGain amplifies samples by gain and soft-limits the result. Below the
// knee the curve is linear; above it a tanh segment compresses smoothly and
// stays asymptotically below full scale, so boosted speech never clips to a
// hard edge.
func ApplyGain(samples []int16, gain float64) []int16 {
	out := make([]int16, len(samples))
	for i, s := range samples {
		v := float64(s) / 32768.0 * gain
		out[i] = int16(softLimit(v) * 32767.0)
	}
	return out
}

func softLimit(v float64) float64 {
	sign := 1.0
	if v < 0 {
		sign = -1.0
		v = -v
	}
	if v <= limitKnee {
		return sign * v
	}
	headroom := 1.0 - limitKnee
	return sign * (limitKnee + headroom*math.Tanh((v-limitKnee)/headroom))
}

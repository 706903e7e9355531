package audio

import (
	"math"
	"testing"
)

func TestApplyGain_LinearBelowKnee(t *testing.T) {
	in := []int16{1000, -1000, 0}
	out := ApplyGain(in, 2.0)
	if len(out) != len(in) {
		t.Fatalf("expected %d samples, got %d", len(in), len(out))
	}
	if out[0] < 1990 || out[0] > 2010 {
		t.Errorf("expected ~2000, got %d", out[0])
	}
	if out[1] > -1990 || out[1] < -2010 {
		t.Errorf("expected ~-2000, got %d", out[1])
	}
	if out[2] != 0 {
		t.Errorf("expected 0, got %d", out[2])
	}
}

func TestApplyGain_NeverClips(t *testing.T) {
	in := []int16{32000, -32000, 30000}
	out := ApplyGain(in, 4.0)
	for i, s := range out {
		if s == math.MaxInt16 || s == math.MinInt16 {
			t.Errorf("sample %d hit full scale: %d", i, s)
		}
	}
}

func TestSoftLimit_Monotonic(t *testing.T) {
	prev := -1.0
	for v := 0.0; v < 4.0; v += 0.05 {
		got := softLimit(v)
		if got <= prev {
			t.Fatalf("softLimit not strictly increasing at %f", v)
		}
		if got >= 1.0 {
			t.Fatalf("softLimit exceeded full scale at %f: %f", v, got)
		}
		prev = got
	}
}

func TestAnalyze_SilenceAndTone(t *testing.T) {
	silence := make([]int16, 320)
	stats := Analyze(silence)
	if stats.RMS != 0 || stats.Peak != 0 {
		t.Errorf("expected zero stats for silence, got %+v", stats)
	}

	tone := make([]int16, 320)
	for i := range tone {
		tone[i] = int16(16000 * math.Sin(2*math.Pi*float64(i)/32))
	}
	stats = Analyze(tone)
	if stats.RMS < 0.3 || stats.RMS > 0.4 {
		t.Errorf("expected tone RMS ~0.345, got %f", stats.RMS)
	}
	if stats.Peak < 0.45 {
		t.Errorf("expected tone peak near 0.49, got %f", stats.Peak)
	}
}

func TestSplitFrames(t *testing.T) {
	samples := make([]int16, 1000)
	frames := SplitFrames(samples, 320)
	if len(frames) != 3 {
		t.Errorf("expected 3 frames, got %d", len(frames))
	}
	for i, f := range frames {
		if len(f) != 320 {
			t.Errorf("frame %d: expected 320 samples, got %d", i, len(f))
		}
	}
	if got := SplitFrames(samples, 0); got != nil {
		t.Errorf("expected nil for zero frame size")
	}
}

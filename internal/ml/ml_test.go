package ml

import (
	"math"
	"testing"
)

func TestZScore_NeedsMinSamples(t *testing.T) {
	z := NewZScore(Config{Window: 10, MinSamples: 5, Threshold: 3})
	for i := 0; i < 4; i++ {
		if z.Anomalous(1000 * float64(i)) {
			t.Fatalf("sample %d flagged before the window warmed up", i)
		}
	}
}

func TestZScore_FlagsOutlier(t *testing.T) {
	z := NewZScore(Config{Window: 100, MinSamples: 10, Threshold: 3})
	for i := 0; i < 50; i++ {
		v := 10.0
		if i%2 == 0 {
			v = 12
		}
		if z.Anomalous(v) {
			t.Fatalf("steady value %g flagged at %d", v, i)
		}
	}
	if !z.Anomalous(100) {
		t.Error("outlier not flagged")
	}
	if z.Anomalous(11) {
		t.Error("value at the mean flagged")
	}
}

func TestZScore_ConstantSeries(t *testing.T) {
	z := NewZScore(Config{Window: 10, MinSamples: 3, Threshold: 3})
	for i := 0; i < 5; i++ {
		z.Anomalous(7)
	}
	if z.Anomalous(7) {
		t.Error("repeated constant flagged")
	}
	if !z.Anomalous(8) {
		t.Error("change of a constant series not flagged")
	}
}

func TestZScore_WindowSlides(t *testing.T) {
	z := NewZScore(Config{Window: 4, MinSamples: 2, Threshold: 3})
	for i := 0; i < 10; i++ {
		z.Anomalous(float64(i))
	}
	if z.Samples() != 4 {
		t.Errorf("Samples() = %d, want 4", z.Samples())
	}
	if math.IsNaN(z.sum) || z.sum != 6+7+8+9 {
		t.Errorf("window sum = %g, want 30", z.sum)
	}
}

func TestZScore_IgnoresNaN(t *testing.T) {
	z := NewZScore(Config{Window: 4, MinSamples: 2, Threshold: 3})
	if z.Anomalous(math.NaN()) {
		t.Error("NaN flagged")
	}
	if z.Samples() != 0 {
		t.Error("NaN learned")
	}
}

func TestFactory(t *testing.T) {
	f := DefaultConfig().Factory()
	a, b := f(), f()
	if a == b {
		t.Error("factory must return independent detectors")
	}
}

package stats

import (
	"math"
	"testing"
)

func TestSummarize(t *testing.T) {
	s := Summarize([]float64{0.32, 0.34, 0.33, 0.35})
	if s.Count != 4 {
		t.Fatalf("unexpected count: %d", s.Count)
	}
	if math.Abs(s.Mean-0.335) > 1e-9 {
		t.Fatalf("unexpected mean: %f", s.Mean)
	}
	if math.Abs(s.Std-math.Sqrt(0.000125)) > 1e-9 {
		t.Fatalf("unexpected std: %f", s.Std)
	}
	if s.Min != 0.32 || s.Max != 0.35 {
		t.Fatalf("unexpected range: %+v", s)
	}
}

func TestSummarizeEmpty(t *testing.T) {
	if s := Summarize(nil); s.Count != 0 || s.Mean != 0 {
		t.Fatalf("expected zero summary, got %+v", s)
	}
	if Variance(nil) != 0 {
		t.Fatal("expected zero variance for empty input")
	}
}

func TestClamp01(t *testing.T) {
	cases := map[float64]float64{
		-0.5:       0,
		0.25:       0.25,
		1.5:        1,
		math.NaN(): 0,
	}
	for in, want := range cases {
		if got := Clamp01(in); got != want {
			t.Fatalf("clamp01(%f)=%f want %f", in, got, want)
		}
	}
}

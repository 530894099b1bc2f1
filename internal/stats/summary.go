package stats

import (
	"math"

	"golang.org/x/exp/constraints"
)

type Summary struct {
	Count int     `json:"count"`
	Mean  float64 `json:"mean"`
	Std   float64 `json:"std"`
	Min   float64 `json:"min"`
	Max   float64 `json:"max"`
}

func Mean(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	total := 0.0
	for _, v := range values {
		total += v
	}
	return total / float64(len(values))
}

// Variance is the population variance.
func Variance(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	mean := Mean(values)
	total := 0.0
	for _, v := range values {
		d := v - mean
		total += d * d
	}
	return total / float64(len(values))
}

func StdDev(values []float64) float64 {
	return math.Sqrt(Variance(values))
}

func Summarize(values []float64) Summary {
	if len(values) == 0 {
		return Summary{}
	}
	minV, maxV := values[0], values[0]
	for _, v := range values[1:] {
		if v < minV {
			minV = v
		}
		if v > maxV {
			maxV = v
		}
	}
	return Summary{
		Count: len(values),
		Mean:  Mean(values),
		Std:   StdDev(values),
		Min:   minV,
		Max:   maxV,
	}
}

func Clamp[T constraints.Float](v, lo, hi T) T {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// Clamp01 bounds v to [0,1]; NaN collapses to 0.
func Clamp01(v float64) float64 {
	if math.IsNaN(v) {
		return 0
	}
	return Clamp(v, 0, 1)
}

package timeline

import (
	"math"

	"evoforecast/internal/genotype"
	"evoforecast/internal/model"
)

// Thresholds are the regime classification cut points.
type Thresholds struct {
	Chaotic      float64
	Transitional float64
	Delta        float64
	Lambda       float64
}

func DefaultThresholds() Thresholds {
	return ThresholdsFrom(genotype.Default())
}

// ThresholdsFrom reads the cut points from a genome, falling back to the
// stock values for absent genes.
func ThresholdsFrom(g genotype.Genome) Thresholds {
	return Thresholds{
		Chaotic:      g.ValueOr(genotype.GeneChaoticThreshold, 0.25),
		Transitional: g.ValueOr(genotype.GeneTransitionalThreshold, 0.50),
		Delta:        g.ValueOr(genotype.GeneDeltaSensitivity, 0.06),
		Lambda:       g.ValueOr(genotype.GeneLambdaThreshold, 0.02),
	}
}

// ClassifyRegime labels one observation. An external Lyapunov verdict can
// only push the classification towards disorder.
func ClassifyRegime(stability, delta float64, lyapunov model.Lyapunov, th Thresholds) model.Regime {
	if lyapunov.Regime == model.RegimeChaotic || stability < th.Chaotic {
		return model.RegimeChaotic
	}
	if lyapunov.Regime == model.RegimeTransitional ||
		stability < th.Transitional ||
		math.Abs(delta) > th.Delta ||
		lyapunov.Lambda > th.Lambda {
		return model.RegimeTransitional
	}
	return model.RegimeStable
}

// StructuralDelta is the L2 distance between consecutive domain vectors.
func StructuralDelta(prev, next [model.DomainCount]float64) float64 {
	total := 0.0
	for i := range prev {
		d := next[i] - prev[i]
		total += d * d
	}
	return math.Sqrt(total)
}

// DomainSignal is one urgency observation for a named domain.
type DomainSignal struct {
	Domain  string  `json:"domain" yaml:"domain"`
	Urgency float64 `json:"urgency" yaml:"urgency"`
}

// BuildDomainVector averages urgency per known domain. Domains without
// data this cycle default to 1-stability; unknown domains are ignored.
func BuildDomainVector(signals []DomainSignal, stability float64) [model.DomainCount]float64 {
	var sums, counts [model.DomainCount]float64
	for _, s := range signals {
		idx := domainIndex(s.Domain)
		if idx < 0 || math.IsNaN(s.Urgency) {
			continue
		}
		sums[idx] += s.Urgency
		counts[idx]++
	}
	var out [model.DomainCount]float64
	for i := range out {
		if counts[i] == 0 {
			out[i] = 1 - stability
			continue
		}
		out[i] = sums[i] / counts[i]
	}
	return out
}

func domainIndex(name string) int {
	for i, d := range model.Domains {
		if d == name {
			return i
		}
	}
	return -1
}

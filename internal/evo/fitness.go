package evo

import "fmt"

const minRecoveriesForFitness = 2

// FitnessWeights blends the composite fitness terms. Absent optional terms
// drop out and the remaining weights are renormalized.
type FitnessWeights struct {
	Classic     float64
	Recovery    float64
	Consistency float64
	Sealed      float64
}

func DefaultFitnessWeights() FitnessWeights {
	return FitnessWeights{Classic: 0.50, Recovery: 0.20, Consistency: 0.15, Sealed: 0.15}
}

func (w FitnessWeights) Validate() error {
	if w.Classic <= 0 {
		return fmt.Errorf("classic fitness weight must be > 0")
	}
	if w.Recovery < 0 || w.Consistency < 0 || w.Sealed < 0 {
		return fmt.Errorf("fitness weights must be >= 0")
	}
	return nil
}

// FitnessInputs is one cycle's view of the live branch.
type FitnessInputs struct {
	CycleIndex      int
	Credibility     float64
	TrustWeight     float64
	RecoveryFitness float64
	RecoveryCount   int
	HasRecovery     bool
	Consistency     float64
	HasConsistency  bool
	SealedScore     float64
	HasSealed       bool
}

// CompositeFitness blends credibility*trust with whichever optional terms
// are present.
func CompositeFitness(in FitnessInputs, w FitnessWeights) float64 {
	total := w.Classic * in.Credibility * in.TrustWeight
	weight := w.Classic
	if in.HasRecovery && in.RecoveryCount >= minRecoveriesForFitness {
		total += w.Recovery * in.RecoveryFitness
		weight += w.Recovery
	}
	if in.HasConsistency {
		total += w.Consistency * in.Consistency
		weight += w.Consistency
	}
	if in.HasSealed {
		total += w.Sealed * in.SealedScore
		weight += w.Sealed
	}
	if weight == 0 {
		return 0
	}
	return total / weight
}

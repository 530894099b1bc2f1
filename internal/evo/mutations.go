package evo

import (
	"context"
	"errors"
	"fmt"
	"math/rand"

	"evoforecast/internal/genotype"
	"evoforecast/internal/model"
)

const (
	DefaultParametricMin = 0.05
	DefaultParametricMax = 0.15
	DefaultStructuralMin = 0.20
	DefaultStructuralMax = 0.40
)

var ErrNoMutationChoice = errors.New("no mutation choice available")

// GenePerturbation picks one gene uniformly at random and moves it by a
// signed magnitude drawn from [MinFraction, MaxFraction] of the gene's
// bound width. The result is clamped to the bound; a draw that would be
// fully absorbed by the clamp is reflected.
type GenePerturbation struct {
	Rand        *rand.Rand
	Kind        model.MutationType
	MinFraction float64
	MaxFraction float64
}

func NewParametricPerturbation(rng *rand.Rand) *GenePerturbation {
	return &GenePerturbation{Rand: rng, Kind: model.MutationParametric, MinFraction: DefaultParametricMin, MaxFraction: DefaultParametricMax}
}

func NewStructuralPerturbation(rng *rand.Rand) *GenePerturbation {
	return &GenePerturbation{Rand: rng, Kind: model.MutationStructural, MinFraction: DefaultStructuralMin, MaxFraction: DefaultStructuralMax}
}

func (o *GenePerturbation) Name() string {
	return string(o.Kind) + "_perturbation"
}

func (o *GenePerturbation) Type() model.MutationType {
	return o.Kind
}

func (o *GenePerturbation) Apply(_ context.Context, genome genotype.Genome) (Mutation, error) {
	if o == nil || o.Rand == nil {
		return Mutation{}, errors.New("random source is required")
	}
	if o.MinFraction < 0 || o.MaxFraction <= 0 || o.MinFraction > o.MaxFraction {
		return Mutation{}, fmt.Errorf("invalid perturbation range [%f,%f]", o.MinFraction, o.MaxFraction)
	}
	names := genome.Names()
	if len(names) == 0 {
		return Mutation{}, ErrNoMutationChoice
	}

	gene := names[o.Rand.Intn(len(names))]
	original, _ := genome.Value(gene)
	bound, _ := genome.Bound(gene)
	span := bound.Max - bound.Min
	if span <= 0 {
		return Mutation{}, fmt.Errorf("%w: gene %s has a fixed bound", ErrNoMutationChoice, gene)
	}

	magnitude := span * (o.MinFraction + o.Rand.Float64()*(o.MaxFraction-o.MinFraction))
	if o.Rand.Intn(2) == 0 {
		magnitude = -magnitude
	}
	target := original + magnitude
	if target < bound.Min && original == bound.Min || target > bound.Max && original == bound.Max {
		target = original - magnitude
	}

	mutated, err := genome.With(gene, target)
	if err != nil {
		return Mutation{}, err
	}
	value, _ := mutated.Value(gene)
	return Mutation{
		Type:          o.Kind,
		Gene:          gene,
		OriginalValue: original,
		MutatedValue:  value,
		Genome:        mutated,
	}, nil
}

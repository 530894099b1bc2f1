package evo

import (
	"context"

	"evoforecast/internal/genotype"
	"evoforecast/internal/model"
)

// Mutation is the result of applying an operator to a genome.
type Mutation struct {
	Type          model.MutationType
	Gene          string
	OriginalValue float64
	MutatedValue  float64
	Genome        genotype.Genome
}

type Operator interface {
	Name() string
	Type() model.MutationType
	Apply(ctx context.Context, genome genotype.Genome) (Mutation, error)
}

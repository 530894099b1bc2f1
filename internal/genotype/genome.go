package genotype

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"evoforecast/internal/model"
	"evoforecast/internal/stats"
)

const (
	GeneSkillAlpha            = "skill_alpha"
	GeneCredibilityAlpha      = "credibility_alpha"
	GeneChaoticThreshold      = "chaotic_threshold"
	GeneTransitionalThreshold = "transitional_threshold"
	GeneDeltaSensitivity      = "delta_sensitivity"
	GeneLambdaThreshold       = "lambda_threshold"
	GeneSealedExtrapolation   = "sealed_extrapolation"
)

var (
	ErrGeneNotFound = errors.New("gene not found")
	ErrInvalidBound = errors.New("invalid gene bound")
)

// GeneSpec declares one tunable parameter and its fixed bound.
type GeneSpec struct {
	Name    string
	Default float64
	Min     float64
	Max     float64
}

// DefaultGeneSpecs is the stock parameter table the controller starts from.
func DefaultGeneSpecs() []GeneSpec {
	return []GeneSpec{
		{Name: GeneSkillAlpha, Default: 0.15, Min: 0.05, Max: 0.40},
		{Name: GeneCredibilityAlpha, Default: 0.10, Min: 0.05, Max: 0.40},
		{Name: GeneChaoticThreshold, Default: 0.25, Min: 0.15, Max: 0.35},
		{Name: GeneTransitionalThreshold, Default: 0.50, Min: 0.40, Max: 0.60},
		{Name: GeneDeltaSensitivity, Default: 0.06, Min: 0.02, Max: 0.15},
		{Name: GeneLambdaThreshold, Default: 0.02, Min: 0.005, Max: 0.05},
		{Name: GeneSealedExtrapolation, Default: 0.8, Min: 0.4, Max: 1.2},
	}
}

// Genome is an immutable snapshot of named, bounded parameters. Every
// modifying operation returns a new Genome and leaves the receiver intact.
type Genome struct {
	generation int
	values     map[string]float64
	bounds     map[string]model.GeneBound
	names      []string
}

func New(specs []GeneSpec) (Genome, error) {
	if len(specs) == 0 {
		return Genome{}, errors.New("at least one gene is required")
	}
	g := Genome{
		values: make(map[string]float64, len(specs)),
		bounds: make(map[string]model.GeneBound, len(specs)),
		names:  make([]string, 0, len(specs)),
	}
	for _, spec := range specs {
		if spec.Name == "" {
			return Genome{}, errors.New("gene name is required")
		}
		if _, exists := g.values[spec.Name]; exists {
			return Genome{}, fmt.Errorf("duplicate gene: %s", spec.Name)
		}
		if spec.Min > spec.Max {
			return Genome{}, fmt.Errorf("%w: %s min=%f max=%f", ErrInvalidBound, spec.Name, spec.Min, spec.Max)
		}
		g.bounds[spec.Name] = model.GeneBound{Min: spec.Min, Max: spec.Max}
		g.values[spec.Name] = stats.Clamp(spec.Default, spec.Min, spec.Max)
		g.names = append(g.names, spec.Name)
	}
	sort.Strings(g.names)
	return g, nil
}

func Default() Genome {
	g, err := New(DefaultGeneSpecs())
	if err != nil {
		panic(err)
	}
	return g
}

func (g Genome) Generation() int {
	return g.generation
}

func (g Genome) Len() int {
	return len(g.names)
}

func (g Genome) Names() []string {
	return append([]string(nil), g.names...)
}

func (g Genome) Value(name string) (float64, bool) {
	v, ok := g.values[name]
	return v, ok
}

// ValueOr returns the gene value, or fallback when the gene is absent.
func (g Genome) ValueOr(name string, fallback float64) float64 {
	if v, ok := g.values[name]; ok {
		return v
	}
	return fallback
}

func (g Genome) Bound(name string) (model.GeneBound, bool) {
	b, ok := g.bounds[name]
	return b, ok
}

// With returns a copy with name set to value clamped into its bound.
func (g Genome) With(name string, value float64) (Genome, error) {
	bound, ok := g.bounds[name]
	if !ok {
		return Genome{}, fmt.Errorf("%w: %s", ErrGeneNotFound, name)
	}
	out := g.clone()
	out.values[name] = stats.Clamp(value, bound.Min, bound.Max)
	return out, nil
}

// WithGeneration returns a copy stamped with the given generation.
func (g Genome) WithGeneration(generation int) Genome {
	out := g.clone()
	out.generation = generation
	return out
}

// Overlay returns a copy with every known gene in values applied. Unknown
// names are ignored so persisted snapshots survive gene table changes.
func (g Genome) Overlay(values map[string]float64) Genome {
	out := g.clone()
	for name, v := range values {
		bound, ok := out.bounds[name]
		if !ok {
			continue
		}
		out.values[name] = stats.Clamp(v, bound.Min, bound.Max)
	}
	return out
}

func (g Genome) Values() map[string]float64 {
	out := make(map[string]float64, len(g.values))
	for k, v := range g.values {
		out[k] = v
	}
	return out
}

func (g Genome) Equal(other Genome) bool {
	if len(g.values) != len(other.values) {
		return false
	}
	for k, v := range g.values {
		if ov, ok := other.values[k]; !ok || ov != v {
			return false
		}
	}
	return true
}

func (g Genome) Record() model.GenomeRecord {
	bounds := make(map[string]model.GeneBound, len(g.bounds))
	for k, v := range g.bounds {
		bounds[k] = v
	}
	return model.GenomeRecord{
		Timestamp:  time.Now().UTC(),
		Generation: g.generation,
		Values:     g.Values(),
		Bounds:     bounds,
	}
}

func FromRecord(rec model.GenomeRecord) (Genome, error) {
	specs := make([]GeneSpec, 0, len(rec.Bounds))
	for name, bound := range rec.Bounds {
		value, ok := rec.Values[name]
		if !ok {
			return Genome{}, fmt.Errorf("%w: %s has a bound but no value", ErrGeneNotFound, name)
		}
		specs = append(specs, GeneSpec{Name: name, Default: value, Min: bound.Min, Max: bound.Max})
	}
	g, err := New(specs)
	if err != nil {
		return Genome{}, err
	}
	g.generation = rec.Generation
	return g, nil
}

func (g Genome) clone() Genome {
	out := Genome{
		generation: g.generation,
		values:     make(map[string]float64, len(g.values)),
		bounds:     g.bounds,
		names:      g.names,
	}
	for k, v := range g.values {
		out.values[k] = v
	}
	return out
}

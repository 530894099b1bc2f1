package genotype

import (
	"errors"
	"testing"
)

func TestDefaultGenomeWithinBounds(t *testing.T) {
	g := Default()
	if g.Len() != len(DefaultGeneSpecs()) {
		t.Fatalf("unexpected gene count: %d", g.Len())
	}
	for _, name := range g.Names() {
		v, _ := g.Value(name)
		b, ok := g.Bound(name)
		if !ok {
			t.Fatalf("missing bound for %s", name)
		}
		if v < b.Min || v > b.Max {
			t.Fatalf("gene %s=%f outside [%f,%f]", name, v, b.Min, b.Max)
		}
	}
}

func TestWithReturnsNewSnapshotAndClamps(t *testing.T) {
	base := Default()
	before, _ := base.Value(GeneSkillAlpha)

	mutated, err := base.With(GeneSkillAlpha, 10)
	if err != nil {
		t.Fatalf("with: %v", err)
	}
	after, _ := base.Value(GeneSkillAlpha)
	if after != before {
		t.Fatalf("receiver mutated: before=%f after=%f", before, after)
	}
	got, _ := mutated.Value(GeneSkillAlpha)
	bound, _ := mutated.Bound(GeneSkillAlpha)
	if got != bound.Max {
		t.Fatalf("expected clamp to %f, got %f", bound.Max, got)
	}
}

func TestWithUnknownGene(t *testing.T) {
	_, err := Default().With("missing", 1)
	if !errors.Is(err, ErrGeneNotFound) {
		t.Fatalf("expected ErrGeneNotFound, got %v", err)
	}
}

func TestNewRejectsInvertedBound(t *testing.T) {
	_, err := New([]GeneSpec{{Name: "x", Default: 0, Min: 1, Max: 0}})
	if !errors.Is(err, ErrInvalidBound) {
		t.Fatalf("expected ErrInvalidBound, got %v", err)
	}
}

func TestRecordRoundTrip(t *testing.T) {
	g, err := Default().With(GeneLambdaThreshold, 0.03)
	if err != nil {
		t.Fatalf("with: %v", err)
	}
	g = g.WithGeneration(4)

	restored, err := FromRecord(g.Record())
	if err != nil {
		t.Fatalf("from record: %v", err)
	}
	if !restored.Equal(g) {
		t.Fatalf("restored genome differs: %+v vs %+v", restored.Values(), g.Values())
	}
	if restored.Generation() != 4 {
		t.Fatalf("expected generation 4, got %d", restored.Generation())
	}
}

func TestOverlayIgnoresUnknownGenes(t *testing.T) {
	g := Default().Overlay(map[string]float64{
		GeneDeltaSensitivity: 0.1,
		"retired_gene":       5,
	})
	if v, _ := g.Value(GeneDeltaSensitivity); v != 0.1 {
		t.Fatalf("expected overlay value 0.1, got %f", v)
	}
	if _, ok := g.Value("retired_gene"); ok {
		t.Fatal("unknown gene should not be introduced")
	}
}

package platform

import (
	"context"
	"time"

	"evoforecast/internal/anchor"
	"evoforecast/internal/genotype"
	"evoforecast/internal/model"
	"evoforecast/internal/stats"
	"evoforecast/internal/storage"
)

// Status is a point-in-time view of the live trackers.
type Status struct {
	LastCycle     int          `json:"last_cycle"`
	LiveBranch    string       `json:"live_branch"`
	BaselineID    string       `json:"baseline_id"`
	Skills        model.Skills `json:"skills"`
	TrustWeight   float64      `json:"trust_weight"`
	Credibility   float64      `json:"credibility"`
	Generation    int          `json:"generation"`
	Competing     int          `json:"competing"`
	Branches      int          `json:"branches"`
	PendingCalib  int          `json:"pending_calibrations"`
	PendingSealed int          `json:"pending_sealed"`
	WorldDistress *float64     `json:"world_distress,omitempty"`
}

func (o *Orchestrator) Status() Status {
	o.mu.Lock()
	defer o.mu.Unlock()
	s := Status{
		LastCycle:     o.lastCycle,
		LiveBranch:    o.timeline.LiveBranch(),
		BaselineID:    o.timeline.BaselineID(),
		Skills:        o.skill.Skills(),
		TrustWeight:   o.skill.TrustWeight(),
		Credibility:   o.calib.Credibility(),
		Generation:    o.controller.LiveGenome().Generation(),
		Competing:     len(o.controller.Competing()),
		Branches:      len(o.timeline.Branches()),
		PendingCalib:  o.calib.PendingCount(),
		PendingSealed: o.sealed.PendingCount(),
	}
	if world, ok := o.anchor.WorldDistress(); ok {
		s.WorldDistress = &world
	}
	return s
}

// Attenuate blends value toward neutral by the live trust weight.
func (o *Orchestrator) Attenuate(value, neutral float64) float64 {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.skill.Attenuate(value, neutral)
}

// Genome is the live baseline genome.
func (o *Orchestrator) Genome() genotype.Genome {
	return o.controller.LiveGenome()
}

func (o *Orchestrator) Branches() []model.BranchSnapshot {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.timeline.Branches()
}

func (o *Orchestrator) Competing() []model.MutantRecord {
	return o.controller.Competing()
}

func (o *Orchestrator) ConsistencyHistory() []anchor.Consistency {
	return o.anchor.History()
}

func (o *Orchestrator) AnchorReadings() []anchor.Reading {
	return o.anchor.Readings()
}

// Epochs reads persisted epochs, so it also covers pruned branches.
func (o *Orchestrator) Epochs(ctx context.Context, query storage.EpochQuery) ([]model.Epoch, error) {
	return o.store.ListEpochs(ctx, query)
}

func (o *Orchestrator) Mutants(ctx context.Context, status model.MutantStatus) ([]model.MutantRecord, error) {
	return o.store.ListMutants(ctx, status)
}

func (o *Orchestrator) Lineage(ctx context.Context) ([]model.LineageRecord, error) {
	return o.store.ListLineage(ctx)
}

func (o *Orchestrator) SealedPredictions(ctx context.Context, branchID string) ([]model.SealedPrediction, error) {
	return o.store.ListSealed(ctx, branchID)
}

// Artifacts collects a run report for the cycles driven by this process.
func (o *Orchestrator) Artifacts(ctx context.Context, runID string) (stats.RunArtifacts, error) {
	lineage, err := o.store.ListLineage(ctx)
	if err != nil {
		return stats.RunArtifacts{}, err
	}
	mutants, err := o.store.ListMutants(ctx, "")
	if err != nil {
		return stats.RunArtifacts{}, err
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	s := o.settings
	return stats.RunArtifacts{
		Config: stats.RunConfig{
			RunID:              runID,
			Seed:               s.Seed,
			Cycles:             len(o.fitness),
			StoreKind:          s.Store.Kind,
			CalibrationWindow:  s.Calibration.Window,
			SealedWindow:       s.Sealed.Window,
			TrustThreshold:     s.Evolution.TrustThreshold,
			RequiredLow:        s.Evolution.RequiredLow,
			RequiredHigh:       s.Evolution.RequiredHigh,
			MaxConcurrent:      s.Evolution.MaxConcurrent,
			ParametricLength:   s.Evolution.ParametricLength,
			StructuralLength:   s.Evolution.StructuralLength,
			Interleave:         s.Evolution.Interleave,
			AnchorSourceCount:  o.anchor.SourceCount(),
			AnchorFetchEvery:   s.Anchor.FetchInterval,
			MaxTournamentCycle: s.Evolution.MaxTournamentCycles,
		},
		FitnessByCycle: append([]stats.CycleFitness(nil), o.fitness...),
		FinalGenome:    o.controller.LiveGenome().Record(),
		Lineage:        lineage,
		Mutants:        mutants,
	}, nil
}

// IndexEntry summarizes artifacts for the run index.
func IndexEntry(a stats.RunArtifacts, credibility float64) stats.RunIndexEntry {
	entry := stats.RunIndexEntry{
		RunID:            a.Config.RunID,
		Seed:             a.Config.Seed,
		Cycles:           a.Config.Cycles,
		FinalCredibility: credibility,
		CreatedAtUTC:     time.Now().UTC().Format(time.RFC3339),
	}
	for _, m := range a.Mutants {
		switch m.Status {
		case model.MutantGrafted:
			entry.Grafts++
		case model.MutantPruned:
			entry.Prunes++
		}
	}
	return entry
}

// Close releases the store when it holds resources.
func (o *Orchestrator) Close() error {
	return storage.CloseIfSupported(o.store)
}

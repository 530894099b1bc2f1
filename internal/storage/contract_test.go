package storage

import (
	"context"
	"testing"
	"time"

	"evoforecast/internal/model"
)

// exerciseStore runs the keyed-store contract against any backend.
func exerciseStore(t *testing.T, store Store) {
	t.Helper()
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

	for cycle := 0; cycle < 6; cycle++ {
		regime := model.RegimeStable
		if cycle%2 == 1 {
			regime = model.RegimeChaotic
		}
		err := store.SaveEpoch(ctx, model.Epoch{
			Timestamp:  base.Add(time.Duration(cycle) * time.Minute),
			CycleIndex: cycle,
			BranchID:   "baseline",
			Stability:  0.5,
			Regime:     regime,
		})
		if err != nil {
			t.Fatalf("save epoch %d: %v", cycle, err)
		}
	}

	first, err := store.ListEpochs(ctx, EpochQuery{})
	if err != nil {
		t.Fatalf("list epochs: %v", err)
	}
	if len(first) != 6 || first[0].ID == 0 || first[0].ID >= first[5].ID {
		t.Fatalf("expected six epochs with increasing ids, got %+v", first)
	}

	if err := store.SaveEpoch(ctx, model.Epoch{Timestamp: base, CycleIndex: 0, BranchID: "baseline", Stability: 0.9, Regime: model.RegimeStable}); err != nil {
		t.Fatalf("resave epoch: %v", err)
	}
	again, _ := store.ListEpochs(ctx, EpochQuery{})
	if len(again) != 6 || again[0].ID != first[0].ID || again[0].Stability != 0.9 {
		t.Fatalf("upsert must keep id and replace payload: %+v", again[0])
	}

	chaotic, _ := store.ListEpochs(ctx, EpochQuery{Regime: model.RegimeChaotic})
	if len(chaotic) != 3 {
		t.Fatalf("expected three chaotic epochs, got %d", len(chaotic))
	}
	recent, _ := store.ListEpochs(ctx, EpochQuery{Limit: 2})
	if len(recent) != 2 || recent[0].CycleIndex != 4 || recent[1].CycleIndex != 5 {
		t.Fatalf("expected cycles 4 and 5, got %+v", recent)
	}
	since, _ := store.ListEpochs(ctx, EpochQuery{Since: base.Add(3 * time.Minute), MinCycle: 4})
	if len(since) != 2 {
		t.Fatalf("expected two epochs since minute 3 from cycle 4, got %d", len(since))
	}
	latest, ok, err := store.LatestEpoch(ctx)
	if err != nil || !ok || latest.CycleIndex != 5 {
		t.Fatalf("expected latest cycle 5, got %+v ok=%t err=%v", latest, ok, err)
	}

	removed, err := store.TrimOldest(ctx, CollectionEpochs, 4)
	if err != nil || removed != 2 {
		t.Fatalf("expected two trimmed rows, got %d err=%v", removed, err)
	}
	count, _ := store.Count(ctx, CollectionEpochs)
	if count != 4 {
		t.Fatalf("expected four epochs after trim, got %d", count)
	}
	kept, _ := store.ListEpochs(ctx, EpochQuery{})
	if kept[0].CycleIndex != 2 {
		t.Fatalf("expected oldest retained cycle 2, got %d", kept[0].CycleIndex)
	}

	cred := 0.7
	outcome := &model.CalibrationOutcome{Accuracy: cred}
	if err := store.SaveCalibration(ctx, model.CalibrationRecord{Timestamp: base, CycleIndex: 3, Evaluated: true, Outcome: outcome}); err != nil {
		t.Fatalf("save calibration: %v", err)
	}
	calibrations, _ := store.ListCalibrations(ctx)
	if len(calibrations) != 1 || calibrations[0].Outcome == nil || calibrations[0].Outcome.Accuracy != cred {
		t.Fatalf("unexpected calibrations: %+v", calibrations)
	}

	snap := model.BranchSnapshot{Timestamp: base, BranchID: "m1", ParentID: "baseline", Credibility: 0.4, Genome: map[string]float64{"skill_alpha": 0.2}}
	if err := store.SaveBranch(ctx, snap); err != nil {
		t.Fatalf("save branch: %v", err)
	}
	loaded, ok, err := store.GetBranch(ctx, "m1")
	if err != nil || !ok || loaded.ParentID != "baseline" || loaded.Genome["skill_alpha"] != 0.2 {
		t.Fatalf("unexpected branch: %+v ok=%t err=%v", loaded, ok, err)
	}
	if err := store.DeleteBranch(ctx, "m1"); err != nil {
		t.Fatalf("delete branch: %v", err)
	}
	if _, ok, _ := store.GetBranch(ctx, "m1"); ok {
		t.Fatal("branch should be deleted")
	}

	score := 0.9
	for i, id := range []string{"p1", "p2"} {
		err := store.SaveSealed(ctx, model.SealedPrediction{ID: id, Timestamp: base, BranchID: "baseline", CycleIndex: i, PredictedRegime: model.RegimeStable})
		if err != nil {
			t.Fatalf("save sealed: %v", err)
		}
	}
	store.SaveSealed(ctx, model.SealedPrediction{ID: "p1", Timestamp: base, BranchID: "baseline", Evaluated: true, Score: &score})
	sealed, _ := store.ListSealed(ctx, "baseline")
	if len(sealed) != 2 || !sealed[0].Evaluated || *sealed[0].Score != 0.9 {
		t.Fatalf("unexpected sealed rows: %+v", sealed)
	}

	store.SaveMutant(ctx, model.MutantRecord{Timestamp: base, BranchID: "m1", Status: model.MutantCompeting})
	store.SaveMutant(ctx, model.MutantRecord{Timestamp: base, BranchID: "m2", Status: model.MutantPruned})
	competing, _ := store.ListMutants(ctx, model.MutantCompeting)
	if len(competing) != 1 || competing[0].BranchID != "m1" {
		t.Fatalf("unexpected competing mutants: %+v", competing)
	}
	store.SaveMutant(ctx, model.MutantRecord{Timestamp: base, BranchID: "m1", Status: model.MutantGrafted})
	all, _ := store.ListMutants(ctx, "")
	if len(all) != 2 || all[0].Status != model.MutantGrafted {
		t.Fatalf("unexpected mutants after resolution: %+v", all)
	}

	store.SaveLineage(ctx, model.LineageRecord{Timestamp: base, BranchID: "m1", Operation: "spawn"})
	store.SaveLineage(ctx, model.LineageRecord{Timestamp: base, BranchID: "m1", Operation: "spawn"})
	store.SaveLineage(ctx, model.LineageRecord{Timestamp: base, BranchID: "m1", Operation: "graft"})
	lineage, _ := store.ListLineage(ctx)
	if len(lineage) != 2 {
		t.Fatalf("expected idempotent lineage rows, got %d", len(lineage))
	}

	if _, ok, _ := store.GetGenome(ctx); ok {
		t.Fatal("expected no genome before save")
	}
	genome := model.GenomeRecord{
		Timestamp:  base,
		Generation: 3,
		Values:     map[string]float64{"skill_alpha": 0.2},
		Bounds:     map[string]model.GeneBound{"skill_alpha": {Min: 0.05, Max: 0.4}},
	}
	if err := store.SaveGenome(ctx, genome); err != nil {
		t.Fatalf("save genome: %v", err)
	}
	gotGenome, ok, err := store.GetGenome(ctx)
	if err != nil || !ok || gotGenome.Generation != 3 || gotGenome.Bounds["skill_alpha"].Max != 0.4 {
		t.Fatalf("unexpected genome: %+v ok=%t err=%v", gotGenome, ok, err)
	}

	if _, err := store.Count(ctx, Collection("nope")); err == nil {
		t.Fatal("expected unknown collection error")
	}
}

package platform

import (
	"context"
	"log/slog"

	"evoforecast/internal/genotype"
	"evoforecast/internal/model"
	"evoforecast/internal/storage"
	"evoforecast/internal/telemetry"
)

const resumeSeedStride = 1_000_003

// trimmedCollections grow every cycle and are capped by store.max_rows.
var trimmedCollections = []storage.Collection{
	storage.CollectionEpochs,
	storage.CollectionCalibrations,
	storage.CollectionSealed,
	storage.CollectionLineage,
}

// persist writes everything the cycle produced. An abandoned cycle may carry
// no epoch or sealed bet. Failures are logged and
// counted but never abort the cycle; the return value reports whether all
// writes succeeded.
func (o *Orchestrator) persist(ctx context.Context, report CycleReport, stored model.CalibrationRecord) bool {
	durable := true
	check := func(collection storage.Collection, err error) {
		if err == nil {
			return
		}
		durable = false
		telemetry.RecordStoreError(ctx, string(collection))
		o.logger.Warn("store write failed",
			slog.String("collection", string(collection)),
			slog.Int("cycle", report.CycleIndex),
			slog.Any("error", err),
		)
	}

	if report.Epoch.BranchID != "" {
		check(storage.CollectionEpochs, o.store.SaveEpoch(ctx, report.Epoch))
	}

	// Evaluated records replace the pending row of the same cycle.
	pending := true
	for _, rec := range report.Calibrations {
		if rec.CycleIndex == stored.CycleIndex {
			pending = false
		}
		check(storage.CollectionCalibrations, o.store.SaveCalibration(ctx, rec))
	}
	if pending {
		check(storage.CollectionCalibrations, o.store.SaveCalibration(ctx, stored))
	}

	if report.Sealed.ID != "" {
		check(storage.CollectionSealed, o.store.SaveSealed(ctx, report.Sealed))
	}
	for _, rec := range report.SealedEvaluated {
		check(storage.CollectionSealed, o.store.SaveSealed(ctx, rec))
	}

	for _, res := range report.Resolutions {
		check(storage.CollectionBranches, o.store.DeleteBranch(ctx, res.Mutant.BranchID))
		check(storage.CollectionMutants, o.store.SaveMutant(ctx, res.Mutant))
	}
	for _, snap := range o.timeline.Branches() {
		check(storage.CollectionBranches, o.store.SaveBranch(ctx, snap))
	}
	for _, m := range o.controller.Competing() {
		check(storage.CollectionMutants, o.store.SaveMutant(ctx, m))
	}

	lineage := o.controller.Lineage()
	for _, rec := range lineage[o.lineageOut:] {
		check(storage.CollectionLineage, o.store.SaveLineage(ctx, rec))
	}
	o.lineageOut = len(lineage)

	check(storage.CollectionGenome, o.store.SaveGenome(ctx, o.controller.LiveGenome().Record()))

	if keep := o.settings.Store.MaxRows; keep > 0 {
		for _, collection := range trimmedCollections {
			_, err := o.store.TrimOldest(ctx, collection, keep)
			check(collection, err)
		}
	}
	return durable
}

// restore rebuilds in-memory state from the store. A fresh store leaves
// the constructed defaults untouched.
func (o *Orchestrator) restore(ctx context.Context) error {
	base := o.controller.LiveGenome()
	if rec, ok, err := o.store.GetGenome(ctx); err != nil {
		return err
	} else if ok {
		restored, err := genotype.FromRecord(rec)
		if err != nil {
			return err
		}
		if err := o.controller.SetLiveGenome(restored); err != nil {
			return err
		}
		base = restored
	}

	competing, err := o.store.ListMutants(ctx, model.MutantCompeting)
	if err != nil {
		return err
	}
	alive := map[string]bool{o.timeline.BaselineID(): true}
	for _, m := range competing {
		alive[m.BranchID] = true
	}

	snapshots, err := o.store.ListBranches(ctx)
	if err != nil {
		return err
	}
	for _, snap := range snapshots {
		if !alive[snap.BranchID] {
			continue
		}
		genome := base
		if snap.BranchID != o.timeline.BaselineID() {
			genome = base.Overlay(snap.Genome)
		}
		o.timeline.Restore(snap, genome)
		epochs, err := o.store.ListEpochs(ctx, storage.EpochQuery{
			BranchID: snap.BranchID,
			Limit:    snap.Resources.MemoryDepth,
		})
		if err != nil {
			return err
		}
		if err := o.timeline.RestoreEpochs(snap.BranchID, epochs); err != nil {
			return err
		}
	}

	for _, m := range competing {
		if !o.timeline.HasBranch(m.BranchID) {
			o.logger.Warn("dropping competing mutant without a branch snapshot",
				slog.String("branch_id", m.BranchID))
			continue
		}
		if err := o.controller.RestoreCompeting(m); err != nil {
			return err
		}
	}
	resolved, err := o.store.ListMutants(ctx, "")
	if err != nil {
		return err
	}
	o.controller.RestoreHistory(resolved)

	calibrations, err := o.store.ListCalibrations(ctx)
	if err != nil {
		return err
	}
	o.calib.Restore(calibrations)

	predictions, err := o.store.ListSealed(ctx, "")
	if err != nil {
		return err
	}
	if err := o.sealed.Restore(predictions); err != nil {
		o.logger.Warn("sealed predictions failed verification", slog.Any("error", err))
	}

	latest, ok, err := o.store.LatestEpoch(ctx)
	if err != nil {
		return err
	}
	if ok {
		o.lastCycle = latest.CycleIndex
		// A resumed process must not replay the id sequence of the first.
		o.rng.Seed(o.settings.Seed + int64(o.lastCycle)*resumeSeedStride)
	}
	return nil
}


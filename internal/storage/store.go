package storage

import (
	"context"
	"time"

	"evoforecast/internal/model"
)

// Collection names one keyed record set.
type Collection string

const (
	CollectionEpochs       Collection = "epochs"
	CollectionCalibrations Collection = "calibrations"
	CollectionBranches     Collection = "branches"
	CollectionSealed       Collection = "sealed"
	CollectionMutants      Collection = "mutants"
	CollectionLineage      Collection = "lineage"
	CollectionGenome       Collection = "genome"
)

// Collections lists every collection in creation order.
var Collections = []Collection{
	CollectionEpochs,
	CollectionCalibrations,
	CollectionBranches,
	CollectionSealed,
	CollectionMutants,
	CollectionLineage,
	CollectionGenome,
}

// EpochQuery filters epoch listings. Zero values disable a filter; Limit
// keeps the newest rows, still returned oldest first.
type EpochQuery struct {
	BranchID string
	Regime   model.Regime
	MinCycle int
	Since    time.Time
	Limit    int
}

// Store persists the controller's records. Every row gets an
// auto-incrementing id on first insert; saves are idempotent upserts keyed
// by the record's natural key and keep the original id.
type Store interface {
	Init(ctx context.Context) error

	SaveEpoch(ctx context.Context, epoch model.Epoch) error
	ListEpochs(ctx context.Context, query EpochQuery) ([]model.Epoch, error)
	LatestEpoch(ctx context.Context) (model.Epoch, bool, error)

	SaveCalibration(ctx context.Context, record model.CalibrationRecord) error
	ListCalibrations(ctx context.Context) ([]model.CalibrationRecord, error)

	SaveBranch(ctx context.Context, snapshot model.BranchSnapshot) error
	GetBranch(ctx context.Context, branchID string) (model.BranchSnapshot, bool, error)
	ListBranches(ctx context.Context) ([]model.BranchSnapshot, error)
	DeleteBranch(ctx context.Context, branchID string) error

	SaveSealed(ctx context.Context, prediction model.SealedPrediction) error
	ListSealed(ctx context.Context, branchID string) ([]model.SealedPrediction, error)

	SaveMutant(ctx context.Context, mutant model.MutantRecord) error
	ListMutants(ctx context.Context, status model.MutantStatus) ([]model.MutantRecord, error)

	SaveLineage(ctx context.Context, record model.LineageRecord) error
	ListLineage(ctx context.Context) ([]model.LineageRecord, error)

	SaveGenome(ctx context.Context, genome model.GenomeRecord) error
	GetGenome(ctx context.Context) (model.GenomeRecord, bool, error)

	Count(ctx context.Context, collection Collection) (int, error)
	// TrimOldest deletes the oldest rows by timestamp until at most keep
	// remain and reports how many were removed.
	TrimOldest(ctx context.Context, collection Collection, keep int) (int, error)
}

// rowMeta carries the natural key and the secondary lookup columns of a
// record.
type rowMeta struct {
	Key       string
	Timestamp time.Time
	Cycle     int
	BranchID  string
	Regime    string
	Status    string
}

const genomeKey = "live"

func epochMeta(e model.Epoch) rowMeta {
	return rowMeta{
		Key:       e.BranchID + "/" + itoa(e.CycleIndex),
		Timestamp: e.Timestamp,
		Cycle:     e.CycleIndex,
		BranchID:  e.BranchID,
		Regime:    string(e.Regime),
	}
}

func calibrationMeta(r model.CalibrationRecord) rowMeta {
	status := "pending"
	if r.Evaluated {
		status = "evaluated"
	}
	return rowMeta{Key: itoa(r.CycleIndex), Timestamp: r.Timestamp, Cycle: r.CycleIndex, Status: status}
}

func branchMeta(b model.BranchSnapshot) rowMeta {
	return rowMeta{Key: b.BranchID, Timestamp: b.Timestamp, Cycle: b.Clock.BirthCycle, BranchID: b.BranchID}
}

func sealedMeta(p model.SealedPrediction) rowMeta {
	status := "pending"
	if p.Evaluated {
		status = "evaluated"
	}
	return rowMeta{
		Key:       p.ID,
		Timestamp: p.Timestamp,
		Cycle:     p.CycleIndex,
		BranchID:  p.BranchID,
		Regime:    string(p.PredictedRegime),
		Status:    status,
	}
}

func mutantMeta(m model.MutantRecord) rowMeta {
	return rowMeta{
		Key:       m.BranchID,
		Timestamp: m.Timestamp,
		Cycle:     m.ForkCycleIndex,
		BranchID:  m.BranchID,
		Status:    string(m.Status),
	}
}

func lineageMeta(l model.LineageRecord) rowMeta {
	return rowMeta{
		Key:       l.BranchID + "/" + l.Operation,
		Timestamp: l.Timestamp,
		Cycle:     l.CycleIndex,
		BranchID:  l.BranchID,
		Status:    l.Operation,
	}
}

func genomeMeta(g model.GenomeRecord) rowMeta {
	return rowMeta{Key: genomeKey, Timestamp: g.Timestamp, Cycle: g.Generation}
}

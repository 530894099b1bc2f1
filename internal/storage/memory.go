package storage

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"evoforecast/internal/model"
)

var errNotInitialized = errors.New("store is not initialized")

type memoryRow[T any] struct {
	id    int64
	meta  rowMeta
	value T
}

// memoryTable keeps rows by natural key and hands out ids in insert order.
type memoryTable[T any] struct {
	nextID int64
	rows   map[string]*memoryRow[T]
}

func newMemoryTable[T any]() *memoryTable[T] {
	return &memoryTable[T]{rows: make(map[string]*memoryRow[T])}
}

func (t *memoryTable[T]) upsert(meta rowMeta, value T) int64 {
	if existing, ok := t.rows[meta.Key]; ok {
		existing.meta = meta
		existing.value = value
		return existing.id
	}
	t.nextID++
	t.rows[meta.Key] = &memoryRow[T]{id: t.nextID, meta: meta, value: value}
	return t.nextID
}

func (t *memoryTable[T]) get(key string) (*memoryRow[T], bool) {
	row, ok := t.rows[key]
	return row, ok
}

// ordered returns rows matching keep in id order.
func (t *memoryTable[T]) ordered(keep func(rowMeta) bool) []*memoryRow[T] {
	out := make([]*memoryRow[T], 0, len(t.rows))
	for _, row := range t.rows {
		if keep == nil || keep(row.meta) {
			out = append(out, row)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].id < out[j].id })
	return out
}

func (t *memoryTable[T]) trimOldest(keep int) int {
	overflow := len(t.rows) - keep
	if overflow <= 0 {
		return 0
	}
	rows := t.ordered(nil)
	sort.SliceStable(rows, func(i, j int) bool {
		return rows[i].meta.Timestamp.Before(rows[j].meta.Timestamp)
	})
	for _, row := range rows[:overflow] {
		delete(t.rows, row.meta.Key)
	}
	return overflow
}

type MemoryStore struct {
	mu           sync.RWMutex
	initialized  bool
	epochs       *memoryTable[model.Epoch]
	calibrations *memoryTable[model.CalibrationRecord]
	branches     *memoryTable[model.BranchSnapshot]
	sealed       *memoryTable[model.SealedPrediction]
	mutants      *memoryTable[model.MutantRecord]
	lineage      *memoryTable[model.LineageRecord]
	genome       *memoryTable[model.GenomeRecord]
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (s *MemoryStore) Init(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.initialized {
		return nil
	}
	s.initialized = true
	s.epochs = newMemoryTable[model.Epoch]()
	s.calibrations = newMemoryTable[model.CalibrationRecord]()
	s.branches = newMemoryTable[model.BranchSnapshot]()
	s.sealed = newMemoryTable[model.SealedPrediction]()
	s.mutants = newMemoryTable[model.MutantRecord]()
	s.lineage = newMemoryTable[model.LineageRecord]()
	s.genome = newMemoryTable[model.GenomeRecord]()
	return nil
}

func (s *MemoryStore) SaveEpoch(_ context.Context, epoch model.Epoch) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.initialized {
		return errNotInitialized
	}
	epoch.VersionedRecord = currentVersion()
	if epoch.TetherCredibility != nil {
		v := *epoch.TetherCredibility
		epoch.TetherCredibility = &v
	}
	s.epochs.upsert(epochMeta(epoch), epoch)
	return nil
}

func (s *MemoryStore) ListEpochs(_ context.Context, query EpochQuery) ([]model.Epoch, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.initialized {
		return nil, errNotInitialized
	}
	rows := s.epochs.ordered(func(m rowMeta) bool {
		if query.BranchID != "" && m.BranchID != query.BranchID {
			return false
		}
		if query.Regime != "" && m.Regime != string(query.Regime) {
			return false
		}
		if m.Cycle < query.MinCycle {
			return false
		}
		return query.Since.IsZero() || !m.Timestamp.Before(query.Since)
	})
	if query.Limit > 0 && len(rows) > query.Limit {
		rows = rows[len(rows)-query.Limit:]
	}
	out := make([]model.Epoch, 0, len(rows))
	for _, row := range rows {
		epoch := row.value
		epoch.ID = row.id
		out = append(out, epoch)
	}
	return out, nil
}

func (s *MemoryStore) LatestEpoch(_ context.Context) (model.Epoch, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.initialized {
		return model.Epoch{}, false, errNotInitialized
	}
	rows := s.epochs.ordered(nil)
	if len(rows) == 0 {
		return model.Epoch{}, false, nil
	}
	latest := rows[0]
	for _, row := range rows[1:] {
		if row.meta.Cycle >= latest.meta.Cycle {
			latest = row
		}
	}
	epoch := latest.value
	epoch.ID = latest.id
	return epoch, true, nil
}

func (s *MemoryStore) SaveCalibration(_ context.Context, record model.CalibrationRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.initialized {
		return errNotInitialized
	}
	record.VersionedRecord = currentVersion()
	if record.Outcome != nil {
		outcome := *record.Outcome
		record.Outcome = &outcome
	}
	s.calibrations.upsert(calibrationMeta(record), record)
	return nil
}

func (s *MemoryStore) ListCalibrations(_ context.Context) ([]model.CalibrationRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.initialized {
		return nil, errNotInitialized
	}
	rows := s.calibrations.ordered(nil)
	out := make([]model.CalibrationRecord, 0, len(rows))
	for _, row := range rows {
		record := row.value
		record.ID = row.id
		if record.Outcome != nil {
			outcome := *record.Outcome
			record.Outcome = &outcome
		}
		out = append(out, record)
	}
	return out, nil
}

func (s *MemoryStore) SaveBranch(_ context.Context, snapshot model.BranchSnapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.initialized {
		return errNotInitialized
	}
	snapshot.VersionedRecord = currentVersion()
	s.branches.upsert(branchMeta(snapshot), cloneSnapshot(snapshot))
	return nil
}

func (s *MemoryStore) GetBranch(_ context.Context, branchID string) (model.BranchSnapshot, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.initialized {
		return model.BranchSnapshot{}, false, errNotInitialized
	}
	row, ok := s.branches.get(branchID)
	if !ok {
		return model.BranchSnapshot{}, false, nil
	}
	snapshot := cloneSnapshot(row.value)
	snapshot.ID = row.id
	return snapshot, true, nil
}

func (s *MemoryStore) ListBranches(_ context.Context) ([]model.BranchSnapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.initialized {
		return nil, errNotInitialized
	}
	rows := s.branches.ordered(nil)
	out := make([]model.BranchSnapshot, 0, len(rows))
	for _, row := range rows {
		snapshot := cloneSnapshot(row.value)
		snapshot.ID = row.id
		out = append(out, snapshot)
	}
	return out, nil
}

func (s *MemoryStore) DeleteBranch(_ context.Context, branchID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.initialized {
		return errNotInitialized
	}
	delete(s.branches.rows, branchID)
	return nil
}

func (s *MemoryStore) SaveSealed(_ context.Context, prediction model.SealedPrediction) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.initialized {
		return errNotInitialized
	}
	prediction.VersionedRecord = currentVersion()
	s.sealed.upsert(sealedMeta(prediction), cloneSealed(prediction))
	return nil
}

func (s *MemoryStore) ListSealed(_ context.Context, branchID string) ([]model.SealedPrediction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.initialized {
		return nil, errNotInitialized
	}
	rows := s.sealed.ordered(func(m rowMeta) bool {
		return branchID == "" || m.BranchID == branchID
	})
	out := make([]model.SealedPrediction, 0, len(rows))
	for _, row := range rows {
		out = append(out, cloneSealed(row.value))
	}
	return out, nil
}

func (s *MemoryStore) SaveMutant(_ context.Context, mutant model.MutantRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.initialized {
		return errNotInitialized
	}
	mutant.VersionedRecord = currentVersion()
	s.mutants.upsert(mutantMeta(mutant), cloneMutant(mutant))
	return nil
}

func (s *MemoryStore) ListMutants(_ context.Context, status model.MutantStatus) ([]model.MutantRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.initialized {
		return nil, errNotInitialized
	}
	rows := s.mutants.ordered(func(m rowMeta) bool {
		return status == "" || m.Status == string(status)
	})
	out := make([]model.MutantRecord, 0, len(rows))
	for _, row := range rows {
		mutant := cloneMutant(row.value)
		mutant.ID = row.id
		out = append(out, mutant)
	}
	return out, nil
}

func (s *MemoryStore) SaveLineage(_ context.Context, record model.LineageRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.initialized {
		return errNotInitialized
	}
	record.VersionedRecord = currentVersion()
	s.lineage.upsert(lineageMeta(record), record)
	return nil
}

func (s *MemoryStore) ListLineage(_ context.Context) ([]model.LineageRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.initialized {
		return nil, errNotInitialized
	}
	rows := s.lineage.ordered(nil)
	out := make([]model.LineageRecord, 0, len(rows))
	for _, row := range rows {
		record := row.value
		record.ID = row.id
		out = append(out, record)
	}
	return out, nil
}

func (s *MemoryStore) SaveGenome(_ context.Context, genome model.GenomeRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.initialized {
		return errNotInitialized
	}
	genome.VersionedRecord = currentVersion()
	s.genome.upsert(genomeMeta(genome), cloneGenome(genome))
	return nil
}

func (s *MemoryStore) GetGenome(_ context.Context) (model.GenomeRecord, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.initialized {
		return model.GenomeRecord{}, false, errNotInitialized
	}
	row, ok := s.genome.get(genomeKey)
	if !ok {
		return model.GenomeRecord{}, false, nil
	}
	genome := cloneGenome(row.value)
	genome.ID = row.id
	return genome, true, nil
}

func (s *MemoryStore) Count(_ context.Context, collection Collection) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.initialized {
		return 0, errNotInitialized
	}
	switch collection {
	case CollectionEpochs:
		return len(s.epochs.rows), nil
	case CollectionCalibrations:
		return len(s.calibrations.rows), nil
	case CollectionBranches:
		return len(s.branches.rows), nil
	case CollectionSealed:
		return len(s.sealed.rows), nil
	case CollectionMutants:
		return len(s.mutants.rows), nil
	case CollectionLineage:
		return len(s.lineage.rows), nil
	case CollectionGenome:
		return len(s.genome.rows), nil
	default:
		return 0, fmt.Errorf("unknown collection: %s", collection)
	}
}

func (s *MemoryStore) TrimOldest(_ context.Context, collection Collection, keep int) (int, error) {
	if keep < 0 {
		return 0, fmt.Errorf("keep must be >= 0")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.initialized {
		return 0, errNotInitialized
	}
	switch collection {
	case CollectionEpochs:
		return s.epochs.trimOldest(keep), nil
	case CollectionCalibrations:
		return s.calibrations.trimOldest(keep), nil
	case CollectionBranches:
		return s.branches.trimOldest(keep), nil
	case CollectionSealed:
		return s.sealed.trimOldest(keep), nil
	case CollectionMutants:
		return s.mutants.trimOldest(keep), nil
	case CollectionLineage:
		return s.lineage.trimOldest(keep), nil
	case CollectionGenome:
		return s.genome.trimOldest(keep), nil
	default:
		return 0, fmt.Errorf("unknown collection: %s", collection)
	}
}

func cloneSnapshot(s model.BranchSnapshot) model.BranchSnapshot {
	s.SignalHistory = append([]model.Signal(nil), s.SignalHistory...)
	s.Recovery.Transitions = append([]model.Transition(nil), s.Recovery.Transitions...)
	s.Recovery.RecoveryTimes = append([]model.Recovery(nil), s.Recovery.RecoveryTimes...)
	s.Genome = cloneValues(s.Genome)
	return s
}

func cloneSealed(p model.SealedPrediction) model.SealedPrediction {
	if p.Score != nil {
		score := *p.Score
		p.Score = &score
	}
	if p.Actual != nil {
		actual := *p.Actual
		p.Actual = &actual
	}
	return p
}

func cloneMutant(m model.MutantRecord) model.MutantRecord {
	m.TrunkFitnessSamples = append([]float64(nil), m.TrunkFitnessSamples...)
	m.MutantFitnessSamples = append([]float64(nil), m.MutantFitnessSamples...)
	m.Genome = cloneValues(m.Genome)
	return m
}

func cloneGenome(g model.GenomeRecord) model.GenomeRecord {
	g.Values = cloneValues(g.Values)
	bounds := make(map[string]model.GeneBound, len(g.Bounds))
	for k, v := range g.Bounds {
		bounds[k] = v
	}
	g.Bounds = bounds
	return g
}

func cloneValues(in map[string]float64) map[string]float64 {
	if in == nil {
		return nil
	}
	out := make(map[string]float64, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

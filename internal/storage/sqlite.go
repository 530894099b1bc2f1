//go:build sqlite

package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"evoforecast/internal/model"

	_ "modernc.org/sqlite"
)

type SQLiteStore struct {
	path string

	mu sync.RWMutex
	db *sql.DB
}

func NewSQLiteStore(path string) *SQLiteStore {
	return &SQLiteStore{path: path}
}

func newSQLiteStore(path string) (Store, error) {
	return NewSQLiteStore(path), nil
}

func (s *SQLiteStore) Init(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.path == "" {
		return errors.New("sqlite path is required")
	}
	if s.db != nil {
		return nil
	}

	db, err := sql.Open("sqlite", s.path)
	if err != nil {
		return err
	}
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return err
	}

	if err := createTables(ctx, db); err != nil {
		_ = db.Close()
		return err
	}

	s.db = db
	return nil
}

func (s *SQLiteStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}

func (s *SQLiteStore) SaveEpoch(ctx context.Context, epoch model.Epoch) error {
	epoch.VersionedRecord = currentVersion()
	return s.upsert(ctx, CollectionEpochs, epochMeta(epoch), epoch)
}

func (s *SQLiteStore) ListEpochs(ctx context.Context, query EpochQuery) ([]model.Epoch, error) {
	var (
		where []string
		args  []any
	)
	if query.BranchID != "" {
		where = append(where, "branch_id = ?")
		args = append(args, query.BranchID)
	}
	if query.Regime != "" {
		where = append(where, "regime = ?")
		args = append(args, string(query.Regime))
	}
	if query.MinCycle > 0 {
		where = append(where, "cycle_index >= ?")
		args = append(args, query.MinCycle)
	}
	if !query.Since.IsZero() {
		where = append(where, "ts >= ?")
		args = append(args, query.Since.UTC().UnixNano())
	}
	clause := ""
	if len(where) > 0 {
		clause = "WHERE " + strings.Join(where, " AND ")
	}

	stmt := fmt.Sprintf(`SELECT id, payload FROM %s %s ORDER BY id ASC`, CollectionEpochs, clause)
	if query.Limit > 0 {
		stmt = fmt.Sprintf(`SELECT id, payload FROM (SELECT id, payload FROM %s %s ORDER BY id DESC LIMIT %d) ORDER BY id ASC`,
			CollectionEpochs, clause, query.Limit)
	}
	return querySQLite[model.Epoch](ctx, s, stmt, args, func(e *model.Epoch, id int64) { e.ID = id })
}

func (s *SQLiteStore) LatestEpoch(ctx context.Context) (model.Epoch, bool, error) {
	rows, err := querySQLite[model.Epoch](ctx, s,
		`SELECT id, payload FROM epochs ORDER BY cycle_index DESC, id DESC LIMIT 1`, nil,
		func(e *model.Epoch, id int64) { e.ID = id })
	if err != nil || len(rows) == 0 {
		return model.Epoch{}, false, err
	}
	return rows[0], true, nil
}

func (s *SQLiteStore) SaveCalibration(ctx context.Context, record model.CalibrationRecord) error {
	record.VersionedRecord = currentVersion()
	return s.upsert(ctx, CollectionCalibrations, calibrationMeta(record), record)
}

func (s *SQLiteStore) ListCalibrations(ctx context.Context) ([]model.CalibrationRecord, error) {
	return querySQLite[model.CalibrationRecord](ctx, s,
		`SELECT id, payload FROM calibrations ORDER BY id ASC`, nil,
		func(r *model.CalibrationRecord, id int64) { r.ID = id })
}

func (s *SQLiteStore) SaveBranch(ctx context.Context, snapshot model.BranchSnapshot) error {
	snapshot.VersionedRecord = currentVersion()
	return s.upsert(ctx, CollectionBranches, branchMeta(snapshot), snapshot)
}

func (s *SQLiteStore) GetBranch(ctx context.Context, branchID string) (model.BranchSnapshot, bool, error) {
	rows, err := querySQLite[model.BranchSnapshot](ctx, s,
		`SELECT id, payload FROM branches WHERE key = ?`, []any{branchID},
		func(b *model.BranchSnapshot, id int64) { b.ID = id })
	if err != nil || len(rows) == 0 {
		return model.BranchSnapshot{}, false, err
	}
	return rows[0], true, nil
}

func (s *SQLiteStore) ListBranches(ctx context.Context) ([]model.BranchSnapshot, error) {
	return querySQLite[model.BranchSnapshot](ctx, s,
		`SELECT id, payload FROM branches ORDER BY id ASC`, nil,
		func(b *model.BranchSnapshot, id int64) { b.ID = id })
}

func (s *SQLiteStore) DeleteBranch(ctx context.Context, branchID string) error {
	db, err := s.getDB()
	if err != nil {
		return err
	}
	_, err = db.ExecContext(ctx, `DELETE FROM branches WHERE key = ?`, branchID)
	return err
}

func (s *SQLiteStore) SaveSealed(ctx context.Context, prediction model.SealedPrediction) error {
	prediction.VersionedRecord = currentVersion()
	return s.upsert(ctx, CollectionSealed, sealedMeta(prediction), prediction)
}

func (s *SQLiteStore) ListSealed(ctx context.Context, branchID string) ([]model.SealedPrediction, error) {
	if branchID == "" {
		return querySQLite[model.SealedPrediction](ctx, s,
			`SELECT id, payload FROM sealed ORDER BY id ASC`, nil, nil)
	}
	return querySQLite[model.SealedPrediction](ctx, s,
		`SELECT id, payload FROM sealed WHERE branch_id = ? ORDER BY id ASC`, []any{branchID}, nil)
}

func (s *SQLiteStore) SaveMutant(ctx context.Context, mutant model.MutantRecord) error {
	mutant.VersionedRecord = currentVersion()
	return s.upsert(ctx, CollectionMutants, mutantMeta(mutant), mutant)
}

func (s *SQLiteStore) ListMutants(ctx context.Context, status model.MutantStatus) ([]model.MutantRecord, error) {
	setID := func(m *model.MutantRecord, id int64) { m.ID = id }
	if status == "" {
		return querySQLite[model.MutantRecord](ctx, s,
			`SELECT id, payload FROM mutants ORDER BY id ASC`, nil, setID)
	}
	return querySQLite[model.MutantRecord](ctx, s,
		`SELECT id, payload FROM mutants WHERE status = ? ORDER BY id ASC`, []any{string(status)}, setID)
}

func (s *SQLiteStore) SaveLineage(ctx context.Context, record model.LineageRecord) error {
	record.VersionedRecord = currentVersion()
	return s.upsert(ctx, CollectionLineage, lineageMeta(record), record)
}

func (s *SQLiteStore) ListLineage(ctx context.Context) ([]model.LineageRecord, error) {
	return querySQLite[model.LineageRecord](ctx, s,
		`SELECT id, payload FROM lineage ORDER BY id ASC`, nil,
		func(l *model.LineageRecord, id int64) { l.ID = id })
}

func (s *SQLiteStore) SaveGenome(ctx context.Context, genome model.GenomeRecord) error {
	genome.VersionedRecord = currentVersion()
	return s.upsert(ctx, CollectionGenome, genomeMeta(genome), genome)
}

func (s *SQLiteStore) GetGenome(ctx context.Context) (model.GenomeRecord, bool, error) {
	rows, err := querySQLite[model.GenomeRecord](ctx, s,
		`SELECT id, payload FROM genome WHERE key = ?`, []any{genomeKey},
		func(g *model.GenomeRecord, id int64) { g.ID = id })
	if err != nil || len(rows) == 0 {
		return model.GenomeRecord{}, false, err
	}
	return rows[0], true, nil
}

func (s *SQLiteStore) Count(ctx context.Context, collection Collection) (int, error) {
	if err := checkCollection(collection); err != nil {
		return 0, err
	}
	db, err := s.getDB()
	if err != nil {
		return 0, err
	}
	var n int
	err = db.QueryRowContext(ctx, fmt.Sprintf(`SELECT COUNT(*) FROM %s`, collection)).Scan(&n)
	return n, err
}

func (s *SQLiteStore) TrimOldest(ctx context.Context, collection Collection, keep int) (int, error) {
	if keep < 0 {
		return 0, fmt.Errorf("keep must be >= 0")
	}
	if err := checkCollection(collection); err != nil {
		return 0, err
	}
	total, err := s.Count(ctx, collection)
	if err != nil {
		return 0, err
	}
	overflow := total - keep
	if overflow <= 0 {
		return 0, nil
	}
	db, err := s.getDB()
	if err != nil {
		return 0, err
	}
	res, err := db.ExecContext(ctx, fmt.Sprintf(`
		DELETE FROM %[1]s WHERE id IN (
			SELECT id FROM %[1]s ORDER BY ts ASC, id ASC LIMIT ?
		)`, collection), overflow)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func (s *SQLiteStore) upsert(ctx context.Context, collection Collection, meta rowMeta, record any) error {
	db, err := s.getDB()
	if err != nil {
		return err
	}
	payload, err := Encode(record)
	if err != nil {
		return err
	}
	ts := meta.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	_, err = db.ExecContext(ctx, fmt.Sprintf(`
		INSERT INTO %s (key, ts, cycle_index, branch_id, regime, status, schema_version, codec_version, payload)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET
			ts = excluded.ts,
			cycle_index = excluded.cycle_index,
			branch_id = excluded.branch_id,
			regime = excluded.regime,
			status = excluded.status,
			schema_version = excluded.schema_version,
			codec_version = excluded.codec_version,
			payload = excluded.payload
	`, collection), meta.Key, ts.UTC().UnixNano(), meta.Cycle, meta.BranchID, meta.Regime, meta.Status,
		CurrentSchemaVersion, CurrentCodecVersion, payload)
	return err
}

func querySQLite[T versioned](ctx context.Context, s *SQLiteStore, stmt string, args []any, setID func(*T, int64)) ([]T, error) {
	db, err := s.getDB()
	if err != nil {
		return nil, err
	}
	rows, err := db.QueryContext(ctx, stmt, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []T
	for rows.Next() {
		var (
			id      int64
			payload []byte
		)
		if err := rows.Scan(&id, &payload); err != nil {
			return nil, err
		}
		record, err := Decode[T](payload)
		if err != nil {
			return nil, fmt.Errorf("decode row %d: %w", id, err)
		}
		if setID != nil {
			setID(&record, id)
		}
		out = append(out, record)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) getDB() (*sql.DB, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.db == nil {
		return nil, errNotInitialized
	}
	return s.db, nil
}

func checkCollection(collection Collection) error {
	for _, c := range Collections {
		if c == collection {
			return nil
		}
	}
	return fmt.Errorf("unknown collection: %s", collection)
}

func createTables(ctx context.Context, db *sql.DB) error {
	for _, collection := range Collections {
		_, err := db.ExecContext(ctx, fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %[1]s (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				key TEXT NOT NULL UNIQUE,
				ts INTEGER NOT NULL,
				cycle_index INTEGER NOT NULL,
				branch_id TEXT NOT NULL DEFAULT '',
				regime TEXT NOT NULL DEFAULT '',
				status TEXT NOT NULL DEFAULT '',
				schema_version INTEGER NOT NULL,
				codec_version INTEGER NOT NULL,
				payload BLOB NOT NULL
			);
			CREATE INDEX IF NOT EXISTS %[1]s_ts ON %[1]s (ts);
			CREATE INDEX IF NOT EXISTS %[1]s_cycle ON %[1]s (cycle_index);
			CREATE INDEX IF NOT EXISTS %[1]s_regime ON %[1]s (regime);
		`, collection))
		if err != nil {
			return fmt.Errorf("create %s: %w", collection, err)
		}
	}
	return nil
}

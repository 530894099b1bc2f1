package sealed

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"evoforecast/internal/model"
	"evoforecast/internal/stats"
)

const (
	DefaultWindow          = 3
	DefaultExtrapolation   = 0.8
	DefaultDeclineDeadband = -0.005
	DefaultMagnitudeGain   = 5.0
	DefaultMaxRecords      = 500

	directionWeight = 0.4
	magnitudeWeight = 0.3
	regimeWeight    = 0.3
)

var (
	ErrPredictionNotFound = errors.New("sealed prediction not found")
	ErrSealBroken         = errors.New("sealed prediction digest mismatch")
	ErrNonFinite          = errors.New("sealed prediction inputs must be finite")
)

type Config struct {
	Window          int
	Extrapolation   float64
	DeclineDeadband float64
	MagnitudeGain   float64
	MaxRecords      int
}

func (c Config) withDefaults() Config {
	if c.Window <= 0 {
		c.Window = DefaultWindow
	}
	if c.Extrapolation <= 0 {
		c.Extrapolation = DefaultExtrapolation
	}
	if c.DeclineDeadband == 0 {
		c.DeclineDeadband = DefaultDeclineDeadband
	}
	if c.MagnitudeGain <= 0 {
		c.MagnitudeGain = DefaultMagnitudeGain
	}
	if c.MaxRecords <= 0 {
		c.MaxRecords = DefaultMaxRecords
	}
	return c
}

// Ledger holds write-once micro forecasts. The forecast fields of a record
// are sealed by a digest when it is written; only evaluation outputs are
// filled in later. Callers always receive copies.
type Ledger struct {
	mu      sync.RWMutex
	cfg     Config
	rng     *rand.Rand
	now     func() time.Time
	records []model.SealedPrediction
}

// NewLedger builds a ledger. rng drives prediction ids; nil falls back to
// crypto-random ids.
func NewLedger(cfg Config, rng *rand.Rand) *Ledger {
	return &Ledger{
		cfg: cfg.withDefaults(),
		rng: rng,
		now: func() time.Time { return time.Now().UTC() },
	}
}

func (l *Ledger) Config() Config {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.cfg
}

// SetExtrapolation changes the factor applied to future records only.
func (l *Ledger) SetExtrapolation(factor float64) {
	if factor <= 0 || math.IsNaN(factor) {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.cfg.Extrapolation = factor
}

// Record extrapolates the current delta over the evaluation window, bets
// that the current regime persists and seals the result.
func (l *Ledger) Record(branchID string, cycle int, stability float64, regime model.Regime, delta float64) (model.SealedPrediction, error) {
	if !finite(stability) || !finite(delta) {
		return model.SealedPrediction{}, fmt.Errorf("%w: stability=%f delta=%f", ErrNonFinite, stability, delta)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	id, err := l.newID()
	if err != nil {
		return model.SealedPrediction{}, fmt.Errorf("allocate sealed prediction id: %w", err)
	}
	rec := model.SealedPrediction{
		ID:                id,
		Timestamp:         l.now(),
		BranchID:          branchID,
		CycleIndex:        cycle,
		PredictedDeltaS:   delta * float64(l.cfg.Window) * l.cfg.Extrapolation,
		PredictedRegime:   regime,
		BaselineStability: stability,
	}
	rec.Digest = Digest(rec)
	l.records = append(l.records, rec)
	l.trim()
	return clone(rec), nil
}

// EvaluatePending scores every record at least one window old against the
// current observation. Records whose seal no longer verifies are skipped.
func (l *Ledger) EvaluatePending(cycle int, stability float64, regime model.Regime) []model.SealedPrediction {
	l.mu.Lock()
	defer l.mu.Unlock()

	var evaluated []model.SealedPrediction
	for i := range l.records {
		rec := &l.records[i]
		if rec.Evaluated || cycle-rec.CycleIndex < l.cfg.Window {
			continue
		}
		if !Verify(*rec) {
			continue
		}
		actual := l.score(*rec, cycle, stability, regime)
		score := directionWeight*actual.Direction + magnitudeWeight*actual.Magnitude + regimeWeight*actual.RegimeHit
		rec.Evaluated = true
		rec.Actual = &actual
		rec.Score = &score
		evaluated = append(evaluated, clone(*rec))
	}
	return evaluated
}

func (l *Ledger) score(rec model.SealedPrediction, cycle int, stability float64, regime model.Regime) model.SealedActual {
	actualDelta := stability - rec.BaselineStability
	direction := 0.0
	if (rec.PredictedDeltaS < 0) == (actualDelta < l.cfg.DeclineDeadband) {
		direction = 1
	}
	regimeHit := 0.0
	if rec.PredictedRegime == regime {
		regimeHit = 1
	}
	return model.SealedActual{
		CycleIndex: cycle,
		DeltaS:     actualDelta,
		Regime:     regime,
		Direction:  direction,
		Magnitude:  math.Max(0, 1-l.cfg.MagnitudeGain*math.Abs(rec.PredictedDeltaS-actualDelta)),
		RegimeHit:  regimeHit,
	}
}

// BranchScore is the mean score over the branch's evaluated records.
func (l *Ledger) BranchScore(branchID string) (float64, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	var scores []float64
	for _, rec := range l.records {
		if rec.BranchID == branchID && rec.Evaluated && rec.Score != nil {
			scores = append(scores, *rec.Score)
		}
	}
	if len(scores) == 0 {
		return 0, false
	}
	return stats.Mean(scores), true
}

func (l *Ledger) Get(id string) (model.SealedPrediction, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	for _, rec := range l.records {
		if rec.ID == id {
			return clone(rec), nil
		}
	}
	return model.SealedPrediction{}, fmt.Errorf("%w: %s", ErrPredictionNotFound, id)
}

func (l *Ledger) Records() []model.SealedPrediction {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]model.SealedPrediction, 0, len(l.records))
	for _, rec := range l.records {
		out = append(out, clone(rec))
	}
	return out
}

func (l *Ledger) PendingCount() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	n := 0
	for _, rec := range l.records {
		if !rec.Evaluated {
			n++
		}
	}
	return n
}

// Restore loads persisted records. Records failing seal verification are
// dropped and reported in the returned error.
func (l *Ledger) Restore(records []model.SealedPrediction) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	var errs []error
	l.records = l.records[:0]
	for _, rec := range records {
		if !Verify(rec) {
			errs = append(errs, fmt.Errorf("%w: %s", ErrSealBroken, rec.ID))
			continue
		}
		l.records = append(l.records, clone(rec))
	}
	l.trim()
	return errors.Join(errs...)
}

// Digest hashes the forecast fields of a record. Evaluation outputs are
// excluded.
func Digest(rec model.SealedPrediction) string {
	fields := []string{
		rec.ID,
		rec.BranchID,
		strconv.Itoa(rec.CycleIndex),
		strconv.FormatFloat(rec.PredictedDeltaS, 'g', -1, 64),
		string(rec.PredictedRegime),
		strconv.FormatFloat(rec.BaselineStability, 'g', -1, 64),
		rec.Timestamp.UTC().Format(time.RFC3339Nano),
	}
	sum := sha256.Sum256([]byte(strings.Join(fields, "|")))
	return hex.EncodeToString(sum[:])
}

// Verify reports whether the record's forecast fields still match its seal.
func Verify(rec model.SealedPrediction) bool {
	return rec.Digest != "" && rec.Digest == Digest(rec)
}

func (l *Ledger) newID() (string, error) {
	if l.rng == nil {
		return uuid.NewString(), nil
	}
	id, err := uuid.NewRandomFromReader(l.rng)
	if err != nil {
		return "", err
	}
	return id.String(), nil
}

func (l *Ledger) trim() {
	if overflow := len(l.records) - l.cfg.MaxRecords; overflow > 0 {
		l.records = append([]model.SealedPrediction(nil), l.records[overflow:]...)
	}
}

func clone(rec model.SealedPrediction) model.SealedPrediction {
	if rec.Score != nil {
		score := *rec.Score
		rec.Score = &score
	}
	if rec.Actual != nil {
		actual := *rec.Actual
		rec.Actual = &actual
	}
	return rec
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}

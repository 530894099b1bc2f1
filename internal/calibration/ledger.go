package calibration

import (
	"math"
	"sort"
	"time"

	"evoforecast/internal/model"
	"evoforecast/internal/stats"
)

const (
	DefaultWindow            = 10
	DefaultCriticalThreshold = 0.35
	DefaultAlpha             = 0.1
	DefaultDeclineDeadband   = -0.02
	DefaultMinSamples        = 3
	DefaultMaxRecords        = 500

	directionWeight    = 0.40
	catastrophicWeight = 0.35
	volatilityWeight   = 0.25

	minPredictedStd  = 0.001
	flatObservedStd  = 0.05
	initialCredScore = 0.5
)

// OutcomeSink receives every reconciled outcome. The skill tracker is the
// usual sink.
type OutcomeSink interface {
	ObserveOutcome(outcome model.CalibrationOutcome)
}

type Config struct {
	Window            int
	CriticalThreshold float64
	Alpha             float64
	DeclineDeadband   float64
	MinSamples        int
	MaxRecords        int
}

func (c Config) withDefaults() Config {
	if c.Window <= 0 {
		c.Window = DefaultWindow
	}
	if c.CriticalThreshold <= 0 {
		c.CriticalThreshold = DefaultCriticalThreshold
	}
	if c.Alpha <= 0 || c.Alpha > 1 {
		c.Alpha = DefaultAlpha
	}
	if c.DeclineDeadband == 0 {
		c.DeclineDeadband = DefaultDeclineDeadband
	}
	if c.MinSamples <= 0 {
		c.MinSamples = DefaultMinSamples
	}
	if c.MaxRecords <= 0 {
		c.MaxRecords = DefaultMaxRecords
	}
	return c
}

// Scalars is the portable credibility state swapped on branch changes.
type Scalars struct {
	Credibility      float64
	CalibrationCount int
}

type stabilityPoint struct {
	cycle     int
	stability float64
}

// Ledger stores forecasts and reconciles them against the stability that
// was later observed.
type Ledger struct {
	cfg  Config
	sink OutcomeSink
	now  func() time.Time

	records     []model.CalibrationRecord
	points      []stabilityPoint
	credibility float64
	count       int
}

func NewLedger(cfg Config, sink OutcomeSink) *Ledger {
	return &Ledger{
		cfg:         cfg.withDefaults(),
		sink:        sink,
		now:         func() time.Time { return time.Now().UTC() },
		credibility: initialCredScore,
	}
}

func (l *Ledger) Config() Config {
	return l.cfg
}

// SetAlpha changes the credibility EMA rate; out-of-range values are ignored.
func (l *Ledger) SetAlpha(alpha float64) {
	if alpha <= 0 || alpha > 1 {
		return
	}
	l.cfg.Alpha = alpha
}

// Store appends an unevaluated record for cycle and registers the observed
// stability as a data point for older records.
func (l *Ledger) Store(cycle int, prediction model.Prediction, observedStability float64, preset string) model.CalibrationRecord {
	l.ObserveStability(cycle, observedStability)
	rec := model.CalibrationRecord{
		Timestamp:         l.now(),
		CycleIndex:        cycle,
		Prediction:        prediction,
		ObservedStability: observedStability,
		Preset:            preset,
	}
	l.records = append(l.records, rec)
	l.trim()
	return rec
}

// ObserveStability records a stability point without a forecast. A second
// point for the same cycle replaces the first.
func (l *Ledger) ObserveStability(cycle int, stability float64) {
	if n := len(l.points); n > 0 && l.points[n-1].cycle == cycle {
		l.points[n-1].stability = stability
		return
	}
	l.points = append(l.points, stabilityPoint{cycle: cycle, stability: stability})
}

// EvaluatePending reconciles every matured record that has enough
// subsequent data. Records lacking data stay pending.
func (l *Ledger) EvaluatePending(currentCycle int) []model.CalibrationRecord {
	var evaluated []model.CalibrationRecord
	for i := range l.records {
		rec := &l.records[i]
		if rec.Evaluated || currentCycle-rec.CycleIndex < l.cfg.Window {
			continue
		}
		observed := l.pointsAfter(rec.CycleIndex, l.cfg.Window)
		if len(observed) < l.cfg.MinSamples {
			continue
		}
		outcome := Score(rec.Prediction, rec.ObservedStability, observed, l.cfg)
		rec.Evaluated = true
		rec.Outcome = &outcome

		l.credibility = stats.Clamp01(l.credibility*(1-l.cfg.Alpha) + outcome.Accuracy*l.cfg.Alpha)
		l.count++
		if l.sink != nil {
			l.sink.ObserveOutcome(outcome)
		}
		evaluated = append(evaluated, cloneRecord(*rec))
	}
	return evaluated
}

// Score computes the composite accuracy of one forecast against the
// stability values observed after it.
func Score(prediction model.Prediction, stabilityAtPrediction float64, observed []float64, cfg Config) model.CalibrationOutcome {
	cfg = cfg.withDefaults()
	summary := stats.Summarize(observed)

	below := 0
	for _, v := range observed {
		if v < cfg.CriticalThreshold {
			below++
		}
	}
	belowFraction := 0.0
	if len(observed) > 0 {
		belowFraction = float64(below) / float64(len(observed))
	}

	delta := 0.0
	if len(observed) > 0 {
		delta = observed[len(observed)-1] - stabilityAtPrediction
	}
	direction := 0.0
	declined := delta < cfg.DeclineDeadband
	if prediction.PredictsDecline() == declined {
		direction = 1
	}

	catastrophic := math.Max(0, 1-2*math.Abs(prediction.CatastrophicFraction-belowFraction))

	volatility := 0.0
	if prediction.Std > minPredictedStd {
		volatility = math.Max(0, 1-math.Abs(1-summary.Std/prediction.Std))
	} else if summary.Std < flatObservedStd {
		volatility = 1
	}

	return model.CalibrationOutcome{
		ObservedMean:          summary.Mean,
		ObservedStd:           summary.Std,
		ObservedMin:           summary.Min,
		ObservedMax:           summary.Max,
		ObservedDelta:         delta,
		ObservedBelowCritical: belowFraction,
		DirectionCorrect:      direction,
		CatastrophicScore:     catastrophic,
		VolatilityScore:       volatility,
		Accuracy:              directionWeight*direction + catastrophicWeight*catastrophic + volatilityWeight*volatility,
		Samples:               len(observed),
	}
}

func (l *Ledger) Credibility() float64 {
	return l.credibility
}

func (l *Ledger) Scalars() Scalars {
	return Scalars{Credibility: l.credibility, CalibrationCount: l.count}
}

func (l *Ledger) SetScalars(s Scalars) {
	l.credibility = stats.Clamp01(s.Credibility)
	if s.CalibrationCount >= 0 {
		l.count = s.CalibrationCount
	}
}

func (l *Ledger) Records() []model.CalibrationRecord {
	out := make([]model.CalibrationRecord, 0, len(l.records))
	for _, rec := range l.records {
		out = append(out, cloneRecord(rec))
	}
	return out
}

func (l *Ledger) PendingCount() int {
	pending := 0
	for _, rec := range l.records {
		if !rec.Evaluated {
			pending++
		}
	}
	return pending
}

// Restore replaces ledger contents with persisted records, rebuilding the
// stability series from their observed values.
func (l *Ledger) Restore(records []model.CalibrationRecord) {
	sorted := make([]model.CalibrationRecord, 0, len(records))
	for _, rec := range records {
		sorted = append(sorted, cloneRecord(rec))
	}
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].CycleIndex < sorted[j].CycleIndex
	})
	l.records = sorted
	l.points = l.points[:0]
	for _, rec := range sorted {
		l.ObserveStability(rec.CycleIndex, rec.ObservedStability)
	}
	l.trim()
}

func (l *Ledger) pointsAfter(cycle, limit int) []float64 {
	out := make([]float64, 0, limit)
	for _, p := range l.points {
		if p.cycle <= cycle {
			continue
		}
		out = append(out, p.stability)
		if len(out) == limit {
			break
		}
	}
	return out
}

func (l *Ledger) trim() {
	if overflow := len(l.records) - l.cfg.MaxRecords; overflow > 0 {
		l.records = append([]model.CalibrationRecord(nil), l.records[overflow:]...)
	}
	if len(l.records) == 0 {
		return
	}
	oldest := l.records[0].CycleIndex
	cut := 0
	for cut < len(l.points) && l.points[cut].cycle < oldest {
		cut++
	}
	if cut > 0 {
		l.points = append([]stabilityPoint(nil), l.points[cut:]...)
	}
}

func cloneRecord(rec model.CalibrationRecord) model.CalibrationRecord {
	if rec.Outcome != nil {
		outcome := *rec.Outcome
		rec.Outcome = &outcome
	}
	return rec
}

package anchor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"sync"

	"evoforecast/internal/stats"
	"evoforecast/internal/telemetry"
)

const (
	DefaultFetchInterval = 1
	DefaultFailureDecay  = 0.7
	DefaultHistorySize   = 100
	DefaultBaseWeight    = 1.0
)

var (
	ErrDuplicateSource = errors.New("anchor source already registered")
	ErrInvalidWeight   = errors.New("anchor weight must be in (0,1]")
)

type Config struct {
	FetchInterval int
	FailureDecay  float64
	HistorySize   int
}

func (c Config) withDefaults() Config {
	if c.FetchInterval <= 0 {
		c.FetchInterval = DefaultFetchInterval
	}
	if c.FailureDecay <= 0 || c.FailureDecay >= 1 {
		c.FailureDecay = DefaultFailureDecay
	}
	if c.HistorySize <= 0 {
		c.HistorySize = DefaultHistorySize
	}
	return c
}

// Reading is the latest state of one registered source.
type Reading struct {
	Name        string
	Value       float64
	Resolved    bool
	BaseWeight  float64
	Reliability float64
	Failures    int
	LastError   string
}

// Consistency is one comparison between system and world distress.
type Consistency struct {
	CycleIndex     int
	SystemDistress float64
	WorldDistress  float64
	Score          float64
}

type entry struct {
	source  Source
	reading Reading
}

// Anchor tethers the system's stability estimate to indicators it cannot
// influence.
type Anchor struct {
	mu        sync.Mutex
	cfg       Config
	logger    *slog.Logger
	entries   []*entry
	lastFetch int
	fetched   bool
	world     float64
	hasWorld  bool
	history   []Consistency
}

func New(cfg Config, logger *slog.Logger) *Anchor {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Anchor{
		cfg:    cfg.withDefaults(),
		logger: logger.With(slog.String("component", "anchor")),
	}
}

// Register adds a source with its base reliability weight.
func (a *Anchor) Register(src Source, baseWeight float64) error {
	if src == nil || src.Name() == "" {
		return errors.New("anchor source name is required")
	}
	if baseWeight <= 0 || baseWeight > 1 || math.IsNaN(baseWeight) {
		return fmt.Errorf("%w: %s=%f", ErrInvalidWeight, src.Name(), baseWeight)
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, e := range a.entries {
		if e.source.Name() == src.Name() {
			return fmt.Errorf("%w: %s", ErrDuplicateSource, src.Name())
		}
	}
	a.entries = append(a.entries, &entry{
		source: src,
		reading: Reading{
			Name:        src.Name(),
			BaseWeight:  baseWeight,
			Reliability: baseWeight,
		},
	})
	return nil
}

// Fetch polls every source once per fetch interval and returns the
// reliability-weighted world distress. Between polls the cached value is
// returned. Source failures decay that source's reliability and never
// abort the fetch.
func (a *Anchor) Fetch(ctx context.Context, cycle int) (float64, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.fetched && cycle-a.lastFetch < a.cfg.FetchInterval {
		return a.world, a.hasWorld
	}
	for _, e := range a.entries {
		value, err := e.source.Fetch(ctx)
		if err == nil && math.IsNaN(value) {
			err = errors.New("indicator is NaN")
		}
		if err != nil {
			e.reading.Resolved = false
			e.reading.Failures++
			e.reading.LastError = err.Error()
			e.reading.Reliability *= a.cfg.FailureDecay
			telemetry.RecordAnchorFailure(ctx, e.reading.Name)
			a.logger.Warn("anchor fetch failed",
				slog.String("source", e.reading.Name),
				slog.Int("cycle", cycle),
				slog.Float64("reliability", e.reading.Reliability),
				slog.String("error", err.Error()),
			)
			continue
		}
		e.reading.Value = stats.Clamp01(value)
		e.reading.Resolved = true
		e.reading.LastError = ""
		e.reading.Reliability = math.Min(e.reading.BaseWeight, e.reading.Reliability/a.cfg.FailureDecay)
	}
	a.lastFetch = cycle
	a.fetched = true
	a.world, a.hasWorld = a.weightedDistress()
	return a.world, a.hasWorld
}

func (a *Anchor) weightedDistress() (float64, bool) {
	total, weight := 0.0, 0.0
	for _, e := range a.entries {
		if !e.reading.Resolved || e.reading.Reliability <= 0 {
			continue
		}
		total += e.reading.Value * e.reading.Reliability
		weight += e.reading.Reliability
	}
	if weight == 0 {
		return 0, false
	}
	return total / weight, true
}

// WorldDistress returns the value computed by the last fetch.
func (a *Anchor) WorldDistress() (float64, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.world, a.hasWorld
}

// ComputeConsistency compares 1-systemStability with world distress and
// appends the result to the rolling history. It must run after the
// cycle's sealed prediction is written.
func (a *Anchor) ComputeConsistency(cycle int, systemStability float64) (float64, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.hasWorld {
		return 0, false
	}
	system := 1 - stats.Clamp01(systemStability)
	score := math.Max(0, 1-math.Abs(system-a.world))
	a.history = append(a.history, Consistency{
		CycleIndex:     cycle,
		SystemDistress: system,
		WorldDistress:  a.world,
		Score:          score,
	})
	if overflow := len(a.history) - a.cfg.HistorySize; overflow > 0 {
		a.history = append([]Consistency(nil), a.history[overflow:]...)
	}
	return score, true
}

func (a *Anchor) History() []Consistency {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]Consistency(nil), a.history...)
}

func (a *Anchor) Readings() []Reading {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]Reading, 0, len(a.entries))
	for _, e := range a.entries {
		out = append(out, e.reading)
	}
	return out
}

func (a *Anchor) SourceCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.entries)
}

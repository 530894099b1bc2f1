package platform

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"net/http"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"evoforecast/internal/anchor"
	"evoforecast/internal/calibration"
	"evoforecast/internal/config"
	"evoforecast/internal/evo"
	"evoforecast/internal/genotype"
	"evoforecast/internal/model"
	"evoforecast/internal/sealed"
	"evoforecast/internal/skill"
	"evoforecast/internal/stats"
	"evoforecast/internal/storage"
	"evoforecast/internal/telemetry"
	"evoforecast/internal/timeline"
)

var (
	ErrNotStarted      = errors.New("orchestrator not initialized")
	ErrCycleOutOfOrder = errors.New("cycle index must increase")
)

// WeightedSource is an anchor source registered in code rather than
// through configuration.
type WeightedSource struct {
	Source anchor.Source
	Weight float64
}

type Config struct {
	Store    storage.Store
	Settings config.Config
	Logger   *slog.Logger
	// Sources are registered after the HTTP sources named in Settings.
	Sources []WeightedSource
	// Genome overrides the stock gene table for a fresh store.
	Genome *genotype.Genome
}

// CycleInput is one cycle's sensed state. A zero CycleIndex continues from
// the last recorded cycle.
type CycleInput struct {
	CycleIndex    int                     `yaml:"cycle_index" json:"cycle_index"`
	Stability     float64                 `yaml:"stability" json:"stability"`
	Delta         float64                 `yaml:"delta" json:"delta"`
	Preset        string                  `yaml:"preset" json:"preset"`
	Synthetic     model.SyntheticSummary  `yaml:"synthetic" json:"synthetic"`
	DomainSignals []timeline.DomainSignal `yaml:"domain_signals" json:"domain_signals"`
}

// CycleReport summarizes what one cycle changed. Durable is false when any
// write to the store failed; the in-memory state is still advanced.
type CycleReport struct {
	CycleIndex      int                       `json:"cycle_index"`
	BranchID        string                    `json:"branch_id"`
	Epoch           model.Epoch               `json:"epoch"`
	Calibrations    []model.CalibrationRecord `json:"calibrations,omitempty"`
	Sealed          model.SealedPrediction    `json:"sealed"`
	SealedEvaluated []model.SealedPrediction  `json:"sealed_evaluated,omitempty"`
	WorldDistress   *float64                  `json:"world_distress,omitempty"`
	Consistency     *float64                  `json:"consistency,omitempty"`
	Credibility     float64                   `json:"credibility"`
	TrustWeight     float64                   `json:"trust_weight"`
	Fitness         float64                   `json:"fitness"`
	Spawned         *model.MutantRecord       `json:"spawned,omitempty"`
	Resolutions     []evo.Resolution          `json:"-"`
	Durable         bool                      `json:"durable"`
}

// Orchestrator runs the forecasting cycle over a single set of live
// trackers and persists every record it produces.
type Orchestrator struct {
	store    storage.Store
	settings config.Config
	logger   *slog.Logger

	mu         sync.Mutex
	started    bool
	rng        *rand.Rand
	skill      *skill.Tracker
	calib      *calibration.Ledger
	timeline   *timeline.Timeline
	sealed     *sealed.Ledger
	anchor     *anchor.Anchor
	controller *evo.Controller
	lastCycle  int
	fitness    []stats.CycleFitness
	lineageOut int
}

func New(cfg Config) (*Orchestrator, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("store is required")
	}
	if err := cfg.Settings.Validate(); err != nil {
		return nil, err
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	s := cfg.Settings
	rng := rand.New(rand.NewSource(s.Seed))

	genome := genotype.Default()
	if cfg.Genome != nil {
		genome = *cfg.Genome
	}

	tracker := skill.NewTracker(skill.Config{
		Alpha:     genome.ValueOr(genotype.GeneSkillAlpha, skill.DefaultAlpha),
		Midpoint:  s.Skill.Midpoint,
		Steepness: s.Skill.Steepness,
	})
	ledger := calibration.NewLedger(calibration.Config{
		Window:            s.Calibration.Window,
		CriticalThreshold: s.Calibration.CriticalThreshold,
		Alpha:             genome.ValueOr(genotype.GeneCredibilityAlpha, calibration.DefaultAlpha),
		DeclineDeadband:   s.Calibration.DeclineDeadband,
		MinSamples:        s.Calibration.MinSamples,
		MaxRecords:        s.Calibration.MaxRecords,
	}, tracker)

	tl, err := timeline.New(timeline.Config{
		BaselineID: s.Timeline.BaselineID,
		Profile:    s.Timeline.Profile,
		Rand:       rng,
	}, &timeline.EngineState{Skill: tracker, Calibration: ledger}, genome)
	if err != nil {
		return nil, err
	}

	controller, err := evo.NewController(evo.ControllerConfig{
		Branches:            tl,
		Genome:              genome,
		Rand:                rng,
		Weights:             s.FitnessWeights(),
		TrustThreshold:      s.Evolution.TrustThreshold,
		RequiredLow:         s.Evolution.RequiredLow,
		RequiredHigh:        s.Evolution.RequiredHigh,
		MaxConcurrent:       s.Evolution.MaxConcurrent,
		ParametricLength:    s.Evolution.ParametricLength,
		StructuralLength:    s.Evolution.StructuralLength,
		StagnationWindow:    s.Evolution.StagnationWindow,
		StagnationThreshold: s.Evolution.StagnationThreshold,
		MaxTournamentCycles: s.Evolution.MaxTournamentCycles,
		Profile:             s.Evolution.Profile,
	})
	if err != nil {
		return nil, err
	}

	anc := anchor.New(anchor.Config{
		FetchInterval: s.Anchor.FetchInterval,
		FailureDecay:  s.Anchor.FailureDecay,
	}, logger)
	for _, src := range s.Anchor.Sources {
		client := &http.Client{Timeout: 10 * time.Second}
		if src.TimeoutSeconds > 0 {
			client.Timeout = time.Duration(src.TimeoutSeconds) * time.Second
		}
		err := anc.Register(anchor.HTTPSource{
			SourceName: src.Name,
			URL:        src.URL,
			Field:      src.Field,
			Min:        src.Min,
			Max:        src.Max,
			Invert:     src.Invert,
			Client:     client,
		}, src.Weight)
		if err != nil {
			return nil, fmt.Errorf("register anchor source %s: %w", src.Name, err)
		}
	}
	for _, ws := range cfg.Sources {
		if ws.Source == nil {
			return nil, fmt.Errorf("anchor source is nil")
		}
		if err := anc.Register(ws.Source, ws.Weight); err != nil {
			return nil, fmt.Errorf("register anchor source %s: %w", ws.Source.Name(), err)
		}
	}

	return &Orchestrator{
		store:    cfg.Store,
		settings: s,
		logger:   logger.With(slog.String("component", "orchestrator")),
		rng:      rng,
		skill:    tracker,
		calib:    ledger,
		timeline: tl,
		sealed: sealed.NewLedger(sealed.Config{
			Window:          s.Sealed.Window,
			Extrapolation:   genome.ValueOr(genotype.GeneSealedExtrapolation, sealed.DefaultExtrapolation),
			DeclineDeadband: s.Sealed.DeclineDeadband,
			MagnitudeGain:   s.Sealed.MagnitudeGain,
			MaxRecords:      s.Sealed.MaxRecords,
		}, rng),
		anchor:     anc,
		controller: controller,
	}, nil
}

// Init prepares the store and resumes from whatever it already holds.
func (o *Orchestrator) Init(ctx context.Context) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.started {
		return nil
	}
	if err := o.store.Init(ctx); err != nil {
		return err
	}
	if err := o.restore(ctx); err != nil {
		return fmt.Errorf("restore: %w", err)
	}
	o.started = true
	return nil
}

func (o *Orchestrator) Started() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.started
}

// RunCycle advances the system by one cycle: calibrate, record the epoch,
// consult the anchor, seal and score predictions, then let the evolution
// controller spawn, graft or prune.
func (o *Orchestrator) RunCycle(ctx context.Context, in CycleInput) (CycleReport, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if !o.started {
		return CycleReport{}, ErrNotStarted
	}

	cycle := in.CycleIndex
	if cycle == 0 {
		cycle = o.lastCycle + 1
	}
	if cycle <= o.lastCycle {
		return CycleReport{}, fmt.Errorf("%w: got %d after %d", ErrCycleOutOfOrder, cycle, o.lastCycle)
	}
	epochIn := timeline.EpochInput{
		CycleIndex:        cycle,
		DomainSignals:     in.DomainSignals,
		Stability:         in.Stability,
		Delta:             in.Delta,
		Synthetic:         in.Synthetic,
		TetherCredibility: o.lastConsistency(),
	}
	if err := epochIn.Validate(); err != nil {
		return CycleReport{}, err
	}

	if o.settings.Evolution.Interleave {
		if err := o.timeline.SwitchBranch(o.controller.NextScheduledBranch()); err != nil {
			return CycleReport{}, fmt.Errorf("schedule branch: %w", err)
		}
	}
	liveID := o.timeline.LiveBranch()
	ctx, span := telemetry.StartCycle(ctx, cycle, liveID)
	defer span.End()

	o.applyGenome(o.timeline.LiveGenome())

	report := CycleReport{CycleIndex: cycle, BranchID: liveID, Durable: true}
	stored := o.calib.Store(cycle, PredictionFrom(in.Synthetic), in.Stability, in.Preset)
	report.Calibrations = o.calib.EvaluatePending(cycle)

	epoch, err := o.timeline.RecordEpoch(epochIn)
	if err != nil {
		telemetry.Fail(span, err, "record epoch")
		return CycleReport{}, o.abandon(ctx, report, stored, err)
	}
	report.Epoch = epoch

	if world, ok := o.anchor.Fetch(ctx, cycle); ok {
		report.WorldDistress = &world
	}

	prediction, err := o.sealed.Record(liveID, cycle, in.Stability, epoch.Regime, in.Delta)
	if err != nil {
		telemetry.Fail(span, err, "seal prediction")
		return CycleReport{}, o.abandon(ctx, report, stored, err)
	}
	report.Sealed = prediction
	report.SealedEvaluated = o.sealed.EvaluatePending(cycle, in.Stability, epoch.Regime)

	fitnessIn := evo.FitnessInputs{
		CycleIndex:  cycle,
		Credibility: o.calib.Credibility(),
		TrustWeight: o.skill.TrustWeight(),
	}
	if consistency, ok := o.anchor.ComputeConsistency(cycle, in.Stability); ok {
		report.Consistency = &consistency
		fitnessIn.Consistency, fitnessIn.HasConsistency = consistency, true
	}
	fitnessIn.RecoveryFitness, fitnessIn.RecoveryCount, fitnessIn.HasRecovery = o.timeline.RecoveryFitness(liveID)
	fitnessIn.SealedScore, fitnessIn.HasSealed = o.sealed.BranchScore(liveID)

	report.Credibility = fitnessIn.Credibility
	report.TrustWeight = fitnessIn.TrustWeight
	report.Fitness = o.controller.ScoreEpoch(fitnessIn)
	telemetry.RecordFitness(ctx, liveID, report.Fitness)

	report.Spawned, err = o.controller.CheckTrigger(ctx, cycle, fitnessIn.TrustWeight)
	if err != nil {
		telemetry.Fail(span, err, "spawn mutant")
		return CycleReport{}, o.abandon(ctx, report, stored, err)
	}
	if m := report.Spawned; m != nil {
		telemetry.RecordMutation(ctx, evo.OperationSpawn, string(m.MutationType))
		o.logger.Info("spawned mutant",
			slog.String("branch_id", m.BranchID),
			slog.String("gene", m.TargetGene),
			slog.String("mutation_type", string(m.MutationType)),
			slog.Float64("original", m.OriginalValue),
			slog.Float64("mutated", m.MutatedValue),
			slog.Int("cycle", cycle),
		)
	}

	report.Resolutions, err = o.controller.CheckCompetitions(cycle)
	for _, res := range report.Resolutions {
		operation := evo.OperationPrune
		if res.Mutant.Status == model.MutantGrafted {
			operation = evo.OperationGraft
		}
		telemetry.RecordMutation(ctx, operation, string(res.Mutant.MutationType))
		o.logger.Info("resolved mutant",
			slog.String("branch_id", res.Mutant.BranchID),
			slog.String("operation", operation),
			slog.String("reason", res.Mutant.Reason),
			slog.Float64("trunk_mean", res.TrunkMean),
			slog.Float64("mutant_mean", res.MutantMean),
			slog.Int("generation", res.Genome.Generation()),
		)
	}
	if err != nil {
		telemetry.Fail(span, err, "resolve competitions")
		return CycleReport{}, o.abandon(ctx, report, stored, err)
	}

	report.Durable = o.persist(ctx, report, stored)
	o.lastCycle = cycle
	o.fitness = append(o.fitness, stats.CycleFitness{
		CycleIndex:  cycle,
		BranchID:    liveID,
		Fitness:     report.Fitness,
		Credibility: report.Credibility,
		TrustWeight: report.TrustWeight,
	})
	if limit := o.settings.Store.MaxRows; limit > 0 && len(o.fitness) > limit {
		o.fitness = append([]stats.CycleFitness(nil), o.fitness[len(o.fitness)-limit:]...)
	}
	span.SetAttributes(
		attribute.String("regime", string(epoch.Regime)),
		attribute.Float64("fitness", report.Fitness),
		attribute.Bool("durable", report.Durable),
	)
	telemetry.RecordCycle(ctx, liveID, string(epoch.Regime))
	return report, nil
}

// abandon consumes a cycle that failed after the trackers already took its
// input. Whatever the cycle produced is persisted and its index can not be
// replayed, so a retry never records a second epoch or sealed bet for it.
func (o *Orchestrator) abandon(ctx context.Context, report CycleReport, stored model.CalibrationRecord, err error) error {
	o.persist(ctx, report, stored)
	o.lastCycle = report.CycleIndex
	o.logger.Warn("cycle abandoned after partial update",
		slog.Int("cycle", report.CycleIndex),
		slog.Any("error", err),
	)
	return err
}

// applyGenome points the live trackers at the genes of the branch that is
// about to run.
func (o *Orchestrator) applyGenome(g genotype.Genome) {
	o.skill.SetAlpha(g.ValueOr(genotype.GeneSkillAlpha, skill.DefaultAlpha))
	o.calib.SetAlpha(g.ValueOr(genotype.GeneCredibilityAlpha, calibration.DefaultAlpha))
	o.sealed.SetExtrapolation(g.ValueOr(genotype.GeneSealedExtrapolation, sealed.DefaultExtrapolation))
}

func (o *Orchestrator) lastConsistency() *float64 {
	history := o.anchor.History()
	if len(history) == 0 {
		return nil
	}
	score := history[len(history)-1].Score
	return &score
}

// PredictionFrom reads the forecast fields out of a simulation summary.
func PredictionFrom(s model.SyntheticSummary) model.Prediction {
	return model.Prediction{
		DSI:                  s.DSI,
		CatastrophicFraction: s.CatastrophicFraction,
		Bimodality:           s.Bimodality,
		LyapunovLambda:       s.Lyapunov.Lambda,
		LyapunovRegime:       s.Lyapunov.Regime,
		Mean:                 s.Mean,
		Std:                  s.Std,
	}
}

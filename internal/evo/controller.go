package evo

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"evoforecast/internal/genotype"
	"evoforecast/internal/model"
	"evoforecast/internal/stats"
)

const (
	DefaultTrustThreshold      = 0.5
	DefaultRequiredLow         = 5
	DefaultRequiredHigh        = 3
	DefaultMaxConcurrent       = 1
	DefaultParametricLength    = 16
	DefaultStructuralLength    = 8
	DefaultStagnationWindow    = 5
	DefaultStagnationThreshold = 1e-4

	OperationSpawn = "spawn"
	OperationGraft = "graft"
	OperationPrune = "prune"

	ReasonTimeout     = "timeout"
	ReasonOutscored   = "mutant_outscored_trunk"
	ReasonNotBetter   = "mutant_not_better"
	ReasonLowTrust    = "sustained_low_trust"
	mutantLabelPrefix = "mutant:"
)

var ErrMutantNotFound = errors.New("mutant not found")

// BranchManager is the slice of the timeline the controller drives.
type BranchManager interface {
	BaselineID() string
	LiveBranch() string
	CreateBranch(label, reason, profileName string, genome genotype.Genome) (string, error)
	SwitchBranch(id string) error
	DeleteBranch(id string) error
	SetGenome(id string, genome genotype.Genome) error
}

type ControllerConfig struct {
	Branches            BranchManager
	Genome              genotype.Genome
	Rand                *rand.Rand
	Parametric          Operator
	Structural          Operator
	Weights             FitnessWeights
	TrustThreshold      float64
	RequiredLow         int
	RequiredHigh        int
	MaxConcurrent       int
	ParametricLength    int
	StructuralLength    int
	StagnationWindow    int
	StagnationThreshold float64
	// MaxTournamentCycles prunes a mutant that has not become eligible this
	// many cycles after its fork. Zero never times out.
	MaxTournamentCycles int
	// Profile for mutant branches; empty picks one at random.
	Profile string
}

// Resolution is the outcome of one finished competition.
type Resolution struct {
	Mutant     model.MutantRecord
	TrunkMean  float64
	MutantMean float64
	Genome     genotype.Genome
}

// Controller spawns mutant branches when trust stays low, scores every
// cycle into the competing tournaments and grafts or prunes the results.
type Controller struct {
	cfg  ControllerConfig
	rng  *rand.Rand
	live atomic.Pointer[genotype.Genome]

	mu        sync.Mutex
	trigger   Trigger
	competing []*model.MutantRecord
	history   []model.MutantRecord
	lineage   []model.LineageRecord
	completed []float64
	tick      int
}

func NewController(cfg ControllerConfig) (*Controller, error) {
	if cfg.Branches == nil {
		return nil, fmt.Errorf("branch manager is required")
	}
	if cfg.Rand == nil {
		return nil, fmt.Errorf("random source is required")
	}
	if cfg.Genome.Len() == 0 {
		return nil, fmt.Errorf("genome is required")
	}
	if cfg.Parametric == nil {
		cfg.Parametric = NewParametricPerturbation(cfg.Rand)
	}
	if cfg.Structural == nil {
		cfg.Structural = NewStructuralPerturbation(cfg.Rand)
	}
	if cfg.Weights == (FitnessWeights{}) {
		cfg.Weights = DefaultFitnessWeights()
	}
	if err := cfg.Weights.Validate(); err != nil {
		return nil, err
	}
	if cfg.TrustThreshold <= 0 {
		cfg.TrustThreshold = DefaultTrustThreshold
	}
	if cfg.TrustThreshold > 1 {
		return nil, fmt.Errorf("trust threshold must be <= 1")
	}
	if cfg.RequiredLow <= 0 {
		cfg.RequiredLow = DefaultRequiredLow
	}
	if cfg.RequiredHigh <= 0 {
		cfg.RequiredHigh = DefaultRequiredHigh
	}
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = DefaultMaxConcurrent
	}
	if cfg.ParametricLength <= 0 {
		cfg.ParametricLength = DefaultParametricLength
	}
	if cfg.StructuralLength <= 0 {
		cfg.StructuralLength = DefaultStructuralLength
	}
	if cfg.StagnationWindow <= 1 {
		cfg.StagnationWindow = DefaultStagnationWindow
	}
	if cfg.StagnationThreshold <= 0 {
		cfg.StagnationThreshold = DefaultStagnationThreshold
	}
	if cfg.MaxTournamentCycles < 0 {
		return nil, fmt.Errorf("max tournament cycles must be >= 0")
	}

	c := &Controller{
		cfg: cfg,
		rng: cfg.Rand,
		trigger: Trigger{
			Threshold:    cfg.TrustThreshold,
			RequiredLow:  cfg.RequiredLow,
			RequiredHigh: cfg.RequiredHigh,
		},
	}
	genome := cfg.Genome
	c.live.Store(&genome)
	return c, nil
}

func (c *Controller) Config() ControllerConfig {
	return c.cfg
}

// LiveGenome is the baseline genome. Grafts replace it atomically.
func (c *Controller) LiveGenome() genotype.Genome {
	return *c.live.Load()
}

// SetLiveGenome installs a restored genome on the controller and the
// baseline branch.
func (c *Controller) SetLiveGenome(genome genotype.Genome) error {
	if err := c.cfg.Branches.SetGenome(c.cfg.Branches.BaselineID(), genome); err != nil {
		return err
	}
	c.live.Store(&genome)
	return nil
}

// CheckTrigger observes the cycle's trust weight and spawns a mutant when
// the trigger is armed and the concurrency cap allows it.
func (c *Controller) CheckTrigger(ctx context.Context, cycle int, trust float64) (*model.MutantRecord, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.trigger.Observe(trust) || len(c.competing) >= c.cfg.MaxConcurrent {
		return nil, nil
	}

	op := c.cfg.Parametric
	length := c.cfg.ParametricLength
	if c.stagnating() {
		op = c.cfg.Structural
		length = c.cfg.StructuralLength
	}

	base := c.LiveGenome()
	mutation, err := op.Apply(ctx, base)
	if err != nil {
		return nil, fmt.Errorf("apply %s: %w", op.Name(), err)
	}
	generation := base.Generation() + 1
	mutated := mutation.Genome.WithGeneration(generation)

	reason := fmt.Sprintf("%s:%.3f<%.3f", ReasonLowTrust, trust, c.cfg.TrustThreshold)
	id, err := c.cfg.Branches.CreateBranch(mutantLabelPrefix+mutation.Gene, reason, c.cfg.Profile, mutated)
	if err != nil {
		return nil, fmt.Errorf("create mutant branch: %w", err)
	}
	c.trigger.Fire()

	now := time.Now().UTC()
	rec := &model.MutantRecord{
		Timestamp:        now,
		BranchID:         id,
		Generation:       generation,
		MutationType:     mutation.Type,
		TargetGene:       mutation.Gene,
		OriginalValue:    mutation.OriginalValue,
		MutatedValue:     mutation.MutatedValue,
		Genome:           mutated.Values(),
		ForkCycleIndex:   cycle,
		TournamentLength: length,
		Status:           model.MutantCompeting,
	}
	c.competing = append(c.competing, rec)
	c.lineage = append(c.lineage, model.LineageRecord{
		Timestamp:    now,
		BranchID:     id,
		ParentID:     c.cfg.Branches.BaselineID(),
		CycleIndex:   cycle,
		Generation:   generation,
		Operation:    OperationSpawn,
		TargetGene:   mutation.Gene,
		MutationType: mutation.Type,
	})
	out := cloneMutant(*rec)
	return &out, nil
}

// ScoreEpoch computes the cycle's composite fitness and files it into the
// trunk bucket of every competing mutant when the baseline is live, or
// into the live mutant's own bucket.
func (c *Controller) ScoreEpoch(in FitnessInputs) float64 {
	fitness := CompositeFitness(in, c.cfg.Weights)

	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.competing) == 0 {
		return fitness
	}
	liveID := c.cfg.Branches.LiveBranch()
	baseline := liveID == c.cfg.Branches.BaselineID()
	for _, m := range c.competing {
		switch {
		case baseline:
			m.TrunkFitnessSamples = append(m.TrunkFitnessSamples, fitness)
		case m.BranchID == liveID:
			m.MutantFitnessSamples = append(m.MutantFitnessSamples, fitness)
		}
	}
	return fitness
}

// CheckCompetitions resolves every eligible tournament. A mutant becomes
// eligible once its buckets hold the tournament length in total and each
// bucket holds at least half of it.
func (c *Controller) CheckCompetitions(cycle int) ([]Resolution, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var (
		resolved []Resolution
		errs     []error
	)
	remaining := c.competing[:0]
	for _, m := range c.competing {
		res, done, err := c.resolve(m, cycle)
		if err != nil {
			errs = append(errs, err)
		}
		if !done {
			remaining = append(remaining, m)
			continue
		}
		resolved = append(resolved, res)
	}
	c.competing = remaining
	return resolved, errors.Join(errs...)
}

func (c *Controller) resolve(m *model.MutantRecord, cycle int) (Resolution, bool, error) {
	trunkN, mutantN := len(m.TrunkFitnessSamples), len(m.MutantFitnessSamples)
	minBucket := (m.TournamentLength + 1) / 2
	eligible := trunkN+mutantN >= m.TournamentLength && trunkN >= minBucket && mutantN >= minBucket
	timedOut := c.cfg.MaxTournamentCycles > 0 && cycle-m.ForkCycleIndex >= c.cfg.MaxTournamentCycles

	if !eligible && !timedOut {
		return Resolution{}, false, nil
	}

	trunkMean := stats.Mean(m.TrunkFitnessSamples)
	mutantMean := stats.Mean(m.MutantFitnessSamples)
	previous := c.LiveGenome()
	genome := previous
	operation := OperationPrune
	status, reason := model.MutantPruned, ReasonNotBetter

	switch {
	case !eligible:
		reason = ReasonTimeout
	case mutantMean > trunkMean:
		grafted, err := genome.With(m.TargetGene, m.MutatedValue)
		if err != nil {
			return Resolution{}, false, fmt.Errorf("graft %s: %w", m.BranchID, err)
		}
		grafted = grafted.WithGeneration(m.Generation)
		if err := c.cfg.Branches.SetGenome(c.cfg.Branches.BaselineID(), grafted); err != nil {
			return Resolution{}, false, fmt.Errorf("graft %s: %w", m.BranchID, err)
		}
		c.live.Store(&grafted)
		genome = grafted
		status, reason = model.MutantGrafted, ReasonOutscored
		operation = OperationGraft
	}

	if err := c.discardBranch(m.BranchID); err != nil {
		if operation == OperationGraft {
			// The mutant keeps competing, so the trunk keeps its old genes.
			if rollback := c.cfg.Branches.SetGenome(c.cfg.Branches.BaselineID(), previous); rollback != nil {
				err = errors.Join(err, rollback)
			}
			c.live.Store(&previous)
		}
		return Resolution{}, false, err
	}
	m.Status = status
	m.Reason = reason
	if eligible {
		c.completed = append(c.completed, mutantMean)
		if len(c.completed) > c.cfg.StagnationWindow {
			c.completed = append([]float64(nil), c.completed[len(c.completed)-c.cfg.StagnationWindow:]...)
		}
	}

	m.Timestamp = time.Now().UTC()
	c.history = append(c.history, cloneMutant(*m))
	c.lineage = append(c.lineage, model.LineageRecord{
		Timestamp:    m.Timestamp,
		BranchID:     m.BranchID,
		ParentID:     c.cfg.Branches.BaselineID(),
		CycleIndex:   cycle,
		Generation:   genome.Generation(),
		Operation:    operation,
		TargetGene:   m.TargetGene,
		MutationType: m.MutationType,
		TrunkMean:    trunkMean,
		MutantMean:   mutantMean,
	})
	return Resolution{
		Mutant:     cloneMutant(*m),
		TrunkMean:  trunkMean,
		MutantMean: mutantMean,
		Genome:     genome,
	}, true, nil
}

func (c *Controller) discardBranch(id string) error {
	if c.cfg.Branches.LiveBranch() == id {
		if err := c.cfg.Branches.SwitchBranch(c.cfg.Branches.BaselineID()); err != nil {
			return fmt.Errorf("return to baseline from %s: %w", id, err)
		}
	}
	if err := c.cfg.Branches.DeleteBranch(id); err != nil {
		return fmt.Errorf("discard mutant branch %s: %w", id, err)
	}
	return nil
}

// stagnating reports whether the last completed competitions produced
// nearly identical fitness.
func (c *Controller) stagnating() bool {
	if len(c.completed) < c.cfg.StagnationWindow {
		return false
	}
	return stats.Variance(c.completed) < c.cfg.StagnationThreshold
}

// NextScheduledBranch returns the branch that should be live next when
// competitions interleave: baseline, first mutant, baseline, second
// mutant and so on. Without competitors it is always the baseline.
func (c *Controller) NextScheduledBranch() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	baseline := c.cfg.Branches.BaselineID()
	if len(c.competing) == 0 {
		c.tick = 0
		return baseline
	}
	slot := c.tick % (2 * len(c.competing))
	c.tick++
	if slot%2 == 0 {
		return baseline
	}
	return c.competing[slot/2].BranchID
}

func (c *Controller) Competing() []model.MutantRecord {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]model.MutantRecord, 0, len(c.competing))
	for _, m := range c.competing {
		out = append(out, cloneMutant(*m))
	}
	return out
}

func (c *Controller) History() []model.MutantRecord {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]model.MutantRecord, 0, len(c.history))
	for _, m := range c.history {
		out = append(out, cloneMutant(m))
	}
	return out
}

func (c *Controller) Lineage() []model.LineageRecord {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]model.LineageRecord(nil), c.lineage...)
}

func (c *Controller) TriggerState() TriggerState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.trigger.State()
}

// RestoreCompeting reinstates an in-flight tournament after a restart. The
// mutant's branch must already exist in the timeline.
func (c *Controller) RestoreCompeting(rec model.MutantRecord) error {
	if rec.Status != model.MutantCompeting {
		return fmt.Errorf("mutant %s is %s, not competing", rec.BranchID, rec.Status)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, m := range c.competing {
		if m.BranchID == rec.BranchID {
			return nil
		}
	}
	restored := cloneMutant(rec)
	c.competing = append(c.competing, &restored)
	return nil
}

// RestoreHistory reinstates resolved mutants so stagnation detection and
// listings survive a restart.
func (c *Controller) RestoreHistory(records []model.MutantRecord) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, rec := range records {
		if rec.Status == model.MutantCompeting {
			continue
		}
		c.history = append(c.history, cloneMutant(rec))
		if rec.Reason != ReasonTimeout {
			c.completed = append(c.completed, stats.Mean(rec.MutantFitnessSamples))
		}
	}
	if len(c.completed) > c.cfg.StagnationWindow {
		c.completed = append([]float64(nil), c.completed[len(c.completed)-c.cfg.StagnationWindow:]...)
	}
}

func (c *Controller) Mutant(id string) (model.MutantRecord, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, m := range c.competing {
		if m.BranchID == id {
			return cloneMutant(*m), nil
		}
	}
	for _, m := range c.history {
		if m.BranchID == id {
			return cloneMutant(m), nil
		}
	}
	return model.MutantRecord{}, fmt.Errorf("%w: %s", ErrMutantNotFound, id)
}

func cloneMutant(m model.MutantRecord) model.MutantRecord {
	m.TrunkFitnessSamples = append([]float64(nil), m.TrunkFitnessSamples...)
	m.MutantFitnessSamples = append([]float64(nil), m.MutantFitnessSamples...)
	genome := make(map[string]float64, len(m.Genome))
	for k, v := range m.Genome {
		genome[k] = v
	}
	m.Genome = genome
	return m
}

package timeline

import (
	"errors"
	"fmt"
	"math"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"evoforecast/internal/branch"
	"evoforecast/internal/calibration"
	"evoforecast/internal/genotype"
	"evoforecast/internal/model"
	"evoforecast/internal/skill"
)

const DefaultBaselineID = "baseline"

var (
	ErrBranchNotFound     = errors.New("branch not found")
	ErrBranchExists       = errors.New("branch already exists")
	ErrDeleteLiveBranch   = errors.New("cannot delete the live branch")
	ErrDeleteBaseline     = errors.New("cannot delete the baseline branch")
	ErrInvalidStability   = errors.New("stability must be within [0,1]")
	ErrNonFiniteInput     = errors.New("cycle input must be finite")
	ErrEngineStateMissing = errors.New("engine state requires a skill tracker and a calibration ledger")
)

// EngineState holds the single set of live trackers. Only the live branch's
// scalars are resident in them at any time.
type EngineState struct {
	Skill       *skill.Tracker
	Calibration *calibration.Ledger
}

type EpochInput struct {
	CycleIndex        int
	DomainSignals     []DomainSignal
	Stability         float64
	Delta             float64
	Synthetic         model.SyntheticSummary
	TetherCredibility *float64
}

// Validate rejects inputs that would leave NaN or Inf in an epoch and in
// everything scored from it.
func (in EpochInput) Validate() error {
	if math.IsNaN(in.Stability) || in.Stability < 0 || in.Stability > 1 {
		return fmt.Errorf("%w: %f", ErrInvalidStability, in.Stability)
	}
	fields := []struct {
		name  string
		value float64
	}{
		{"delta", in.Delta},
		{"synthetic.dsi", in.Synthetic.DSI},
		{"synthetic.catastrophic_fraction", in.Synthetic.CatastrophicFraction},
		{"synthetic.bimodality", in.Synthetic.Bimodality},
		{"synthetic.mean", in.Synthetic.Mean},
		{"synthetic.std", in.Synthetic.Std},
		{"synthetic.lyapunov.lambda", in.Synthetic.Lyapunov.Lambda},
	}
	for _, f := range fields {
		if math.IsNaN(f.value) || math.IsInf(f.value, 0) {
			return fmt.Errorf("%w: %s=%f", ErrNonFiniteInput, f.name, f.value)
		}
	}
	for _, s := range in.DomainSignals {
		if math.IsNaN(s.Urgency) || math.IsInf(s.Urgency, 0) {
			return fmt.Errorf("%w: urgency[%s]=%f", ErrNonFiniteInput, s.Domain, s.Urgency)
		}
	}
	if c := in.TetherCredibility; c != nil && (math.IsNaN(*c) || math.IsInf(*c, 0)) {
		return fmt.Errorf("%w: tether_credibility=%f", ErrNonFiniteInput, *c)
	}
	return nil
}

type Config struct {
	BaselineID string
	// Profile for the baseline branch; empty selects balanced.
	Profile string
	Rand    *rand.Rand
}

type node struct {
	parentID     string
	label        string
	reason       string
	createdCycle int
	ctx          *branch.Context
	genome       genotype.Genome
	epochs       []model.Epoch
}

// Timeline owns every branch and the identity of the live one.
type Timeline struct {
	mu         sync.Mutex
	engine     *EngineState
	rng        *rand.Rand
	baselineID string
	liveID     string
	nodes      map[string]*node
	order      []string
	lastEpoch  *model.Epoch
	lastCycle  int
}

func New(cfg Config, engine *EngineState, baseline genotype.Genome) (*Timeline, error) {
	if engine == nil || engine.Skill == nil || engine.Calibration == nil {
		return nil, ErrEngineStateMissing
	}
	if cfg.BaselineID == "" {
		cfg.BaselineID = DefaultBaselineID
	}
	if cfg.Profile == "" {
		cfg.Profile = branch.ProfileBalanced
	}
	profile, err := branch.LookupProfile(cfg.Profile)
	if err != nil {
		return nil, err
	}
	if cfg.Rand == nil {
		cfg.Rand = rand.New(rand.NewSource(1))
	}

	t := &Timeline{
		engine:     engine,
		rng:        cfg.Rand,
		baselineID: cfg.BaselineID,
		liveID:     cfg.BaselineID,
		nodes:      map[string]*node{},
	}
	ctx := branch.New(cfg.BaselineID, profile, 0)
	loadScalars(ctx, engine)
	t.nodes[cfg.BaselineID] = &node{label: "baseline", ctx: ctx, genome: baseline}
	t.order = append(t.order, cfg.BaselineID)
	return t, nil
}

func (t *Timeline) BaselineID() string {
	return t.baselineID
}

func (t *Timeline) LiveBranch() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.liveID
}

// LiveGenome is the genome carried by the live branch.
func (t *Timeline) LiveGenome() genotype.Genome {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.nodes[t.liveID].genome
}

// RecordEpoch classifies the cycle, appends it to the live branch's history
// and updates that branch's clock, recovery statistics and signal memory.
func (t *Timeline) RecordEpoch(in EpochInput) (model.Epoch, error) {
	if err := in.Validate(); err != nil {
		return model.Epoch{}, err
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	live := t.nodes[t.liveID]
	loadScalars(live.ctx, t.engine)

	epoch := model.Epoch{
		Timestamp:         time.Now().UTC(),
		CycleIndex:        in.CycleIndex,
		BranchID:          t.liveID,
		Stability:         in.Stability,
		Delta:             in.Delta,
		DomainVector:      BuildDomainVector(in.DomainSignals, in.Stability),
		Regime:            ClassifyRegime(in.Stability, in.Delta, in.Synthetic.Lyapunov, ThresholdsFrom(live.genome)),
		SyntheticSummary:  in.Synthetic,
		TetherCredibility: in.TetherCredibility,
	}

	prev := t.lastEpoch
	if n := len(live.epochs); n > 0 {
		prev = &live.epochs[n-1]
	}
	if prev != nil {
		epoch.Edge = model.EpochEdge{
			StructuralDelta: StructuralDelta(prev.DomainVector, epoch.DomainVector),
			StabilityDelta:  epoch.Stability - prev.Stability,
		}
		if prev.Regime != epoch.Regime {
			epoch.Edge.RegimeTransition = &model.RegimeTransition{From: prev.Regime, To: epoch.Regime}
		}
	}

	live.epochs = append(live.epochs, epoch)
	if depth := live.ctx.Resources.MemoryDepth; depth > 0 && len(live.epochs) > depth {
		live.epochs = append([]model.Epoch(nil), live.epochs[len(live.epochs)-depth:]...)
	}

	live.ctx.Advance()
	// A first epoch on a fork is measured against another branch's history,
	// which the fork's own recovery statistics never inherit.
	if tr := epoch.Edge.RegimeTransition; tr != nil && prev.BranchID == t.liveID {
		live.ctx.RecordRegimeTransition(tr.From, tr.To)
	}
	live.ctx.AppendSignal(model.Signal{CycleIndex: in.CycleIndex, Stability: in.Stability, Regime: epoch.Regime})
	live.ctx.ApplyDecay()
	live.ctx.EnforceConstraints()

	stored := epoch
	t.lastEpoch = &stored
	t.lastCycle = in.CycleIndex
	return epoch, nil
}

// CreateBranch forks the live branch's scalars into a new branch carrying
// genome. An empty profile name selects a profile uniformly at random.
func (t *Timeline) CreateBranch(label, reason, profileName string, genome genotype.Genome) (string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	var (
		profile branch.Profile
		err     error
	)
	if profileName == "" {
		profile, err = branch.RandomProfile(t.rng)
	} else {
		profile, err = branch.LookupProfile(profileName)
	}
	if err != nil {
		return "", err
	}

	raw, err := uuid.NewRandomFromReader(t.rng)
	if err != nil {
		return "", fmt.Errorf("allocate branch id: %w", err)
	}
	id := raw.String()
	if _, exists := t.nodes[id]; exists {
		return "", fmt.Errorf("%w: %s", ErrBranchExists, id)
	}

	live := t.nodes[t.liveID]
	loadScalars(live.ctx, t.engine)
	t.nodes[id] = &node{
		parentID:     t.liveID,
		label:        label,
		reason:       reason,
		createdCycle: t.lastCycle,
		ctx:          branch.Fork(live.ctx, id, profile, t.lastCycle),
		genome:       genome,
	}
	t.order = append(t.order, id)
	return id, nil
}

// SwitchBranch parks the live trackers' scalars in the outgoing branch and
// loads the target branch's scalars into the same trackers. It shares the
// lock with RecordEpoch so no epoch observes a half-finished swap.
func (t *Timeline) SwitchBranch(id string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	target, ok := t.nodes[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrBranchNotFound, id)
	}
	if id == t.liveID {
		return nil
	}
	loadScalars(t.nodes[t.liveID].ctx, t.engine)
	storeScalars(target.ctx, t.engine)
	t.liveID = id
	return nil
}

// DeleteBranch discards a non-live, non-baseline branch and its memory.
func (t *Timeline) DeleteBranch(id string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.nodes[id]; !ok {
		return fmt.Errorf("%w: %s", ErrBranchNotFound, id)
	}
	if id == t.baselineID {
		return ErrDeleteBaseline
	}
	if id == t.liveID {
		return fmt.Errorf("%w: %s", ErrDeleteLiveBranch, id)
	}
	delete(t.nodes, id)
	for i, existing := range t.order {
		if existing == id {
			t.order = append(t.order[:i], t.order[i+1:]...)
			break
		}
	}
	return nil
}

// SetGenome replaces the genome a branch carries.
func (t *Timeline) SetGenome(id string, genome genotype.Genome) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	n, ok := t.nodes[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrBranchNotFound, id)
	}
	n.genome = genome
	return nil
}

func (t *Timeline) HasBranch(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.nodes[id]
	return ok
}

// Branch returns a snapshot of one branch. The live branch reflects the
// current tracker scalars.
func (t *Timeline) Branch(id string) (model.BranchSnapshot, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	n, ok := t.nodes[id]
	if !ok {
		return model.BranchSnapshot{}, false
	}
	return t.snapshot(id, n), true
}

// Branches returns snapshots in creation order, baseline first.
func (t *Timeline) Branches() []model.BranchSnapshot {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]model.BranchSnapshot, 0, len(t.order))
	for _, id := range t.order {
		out = append(out, t.snapshot(id, t.nodes[id]))
	}
	return out
}

func (t *Timeline) Epochs(id string) ([]model.Epoch, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	n, ok := t.nodes[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrBranchNotFound, id)
	}
	return append([]model.Epoch(nil), n.epochs...), nil
}

// RecoveryFitness reports the branch's recovery fitness and how many
// recoveries back it.
func (t *Timeline) RecoveryFitness(id string) (float64, int, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	n, ok := t.nodes[id]
	if !ok {
		return 0, 0, false
	}
	fitness, ok := n.ctx.RecoveryFitness()
	return fitness, n.ctx.RecoveryCount(), ok
}

// Restore reinstates a persisted branch. Restoring the baseline replaces
// its context in place; the live trackers are loaded when it is live.
func (t *Timeline) Restore(snap model.BranchSnapshot, genome genotype.Genome) {
	t.mu.Lock()
	defer t.mu.Unlock()

	n, ok := t.nodes[snap.BranchID]
	if !ok {
		n = &node{}
		t.nodes[snap.BranchID] = n
		t.order = append(t.order, snap.BranchID)
	}
	n.parentID = snap.ParentID
	n.label = snap.Label
	n.reason = snap.Reason
	n.createdCycle = snap.Clock.BirthCycle
	n.ctx = branch.FromSnapshot(snap)
	n.genome = genome
	if snap.BranchID == t.liveID {
		storeScalars(n.ctx, t.engine)
	}
}

// RestoreEpochs reinstates a branch's persisted epoch history, oldest
// first, capped at the branch's memory depth.
func (t *Timeline) RestoreEpochs(id string, epochs []model.Epoch) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	n, ok := t.nodes[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrBranchNotFound, id)
	}
	restored := append([]model.Epoch(nil), epochs...)
	sort.Slice(restored, func(i, j int) bool {
		return restored[i].CycleIndex < restored[j].CycleIndex
	})
	if depth := n.ctx.Resources.MemoryDepth; depth > 0 && len(restored) > depth {
		restored = restored[len(restored)-depth:]
	}
	n.epochs = restored
	if k := len(restored); k > 0 && (t.lastEpoch == nil || restored[k-1].CycleIndex >= t.lastCycle) {
		last := restored[k-1]
		t.lastEpoch = &last
		t.lastCycle = last.CycleIndex
	}
	return nil
}

func (t *Timeline) snapshot(id string, n *node) model.BranchSnapshot {
	if id == t.liveID {
		loadScalars(n.ctx, t.engine)
	}
	snap := n.ctx.Snapshot()
	snap.ParentID = n.parentID
	snap.Label = n.label
	snap.Reason = n.reason
	snap.Genome = n.genome.Values()
	return snap
}

// loadScalars copies the live trackers' scalars into ctx.
func loadScalars(ctx *branch.Context, engine *EngineState) {
	s := engine.Skill.Scalars()
	ctx.Skills = s.Skills
	ctx.TrustWeight = s.TrustWeight
	ctx.EvaluationCount = s.EvaluationCount
	c := engine.Calibration.Scalars()
	ctx.Credibility = c.Credibility
	ctx.CalibrationCount = c.CalibrationCount
}

// storeScalars overwrites the live trackers with ctx's scalars.
func storeScalars(ctx *branch.Context, engine *EngineState) {
	engine.Skill.SetScalars(skill.Scalars{
		Skills:          ctx.Skills,
		TrustWeight:     ctx.TrustWeight,
		EvaluationCount: ctx.EvaluationCount,
	})
	engine.Calibration.SetScalars(calibration.Scalars{
		Credibility:      ctx.Credibility,
		CalibrationCount: ctx.CalibrationCount,
	})
}

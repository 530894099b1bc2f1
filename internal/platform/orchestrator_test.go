package platform

import (
	"context"
	"errors"
	"math"
	"testing"

	"evoforecast/internal/anchor"
	"evoforecast/internal/config"
	"evoforecast/internal/evo"
	"evoforecast/internal/genotype"
	"evoforecast/internal/model"
	"evoforecast/internal/storage"
	"evoforecast/internal/timeline"
)

func newOrchestrator(t *testing.T, store storage.Store, mutate func(*config.Config), sources ...WeightedSource) *Orchestrator {
	t.Helper()
	settings := config.Default()
	settings.Seed = 7
	if mutate != nil {
		mutate(&settings)
	}
	o, err := New(Config{Store: store, Settings: settings, Sources: sources})
	if err != nil {
		t.Fatalf("new orchestrator: %v", err)
	}
	if err := o.Init(context.Background()); err != nil {
		t.Fatalf("init: %v", err)
	}
	return o
}

// eagerEvolution spawns after two low-trust cycles and resolves a
// tournament after one trunk and one mutant sample.
func eagerEvolution(c *config.Config) {
	c.Evolution.TrustThreshold = 0.9
	c.Evolution.RequiredLow = 2
	c.Evolution.ParametricLength = 2
	c.Evolution.StructuralLength = 2
}

func cycleInput(stability float64) CycleInput {
	return CycleInput{
		Stability: stability,
		Delta:     -0.01,
		Preset:    "baseline",
		Synthetic: model.SyntheticSummary{DSI: 0.4, CatastrophicFraction: 0.1, Std: 0.02},
		DomainSignals: []timeline.DomainSignal{
			{Domain: "economy", Urgency: 0.3},
		},
	}
}

func runCycles(t *testing.T, o *Orchestrator, n int) []CycleReport {
	t.Helper()
	reports := make([]CycleReport, 0, n)
	for i := 0; i < n; i++ {
		report, err := o.RunCycle(context.Background(), cycleInput(0.6-0.01*float64(i)))
		if err != nil {
			t.Fatalf("cycle %d: %v", i+1, err)
		}
		reports = append(reports, report)
	}
	return reports
}

func TestRunCycleRequiresInit(t *testing.T) {
	o, err := New(Config{Store: storage.NewMemoryStore(), Settings: config.Default()})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if _, err := o.RunCycle(context.Background(), cycleInput(0.5)); !errors.Is(err, ErrNotStarted) {
		t.Fatalf("expected ErrNotStarted, got %v", err)
	}
}

func TestNewValidatesInputs(t *testing.T) {
	if _, err := New(Config{Settings: config.Default()}); err == nil {
		t.Fatal("expected store required error")
	}
	bad := config.Default()
	bad.Calibration.Window = 0
	if _, err := New(Config{Store: storage.NewMemoryStore(), Settings: bad}); err == nil {
		t.Fatal("expected validation error")
	}
}

func TestRunCyclePersistsEveryRecord(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	o := newOrchestrator(t, store, nil)

	reports := runCycles(t, o, 4)
	for i, r := range reports {
		if r.CycleIndex != i+1 {
			t.Fatalf("expected cycle %d, got %d", i+1, r.CycleIndex)
		}
		if !r.Durable {
			t.Fatalf("cycle %d not durable", r.CycleIndex)
		}
		if r.BranchID != timeline.DefaultBaselineID {
			t.Fatalf("expected baseline live, got %s", r.BranchID)
		}
	}

	for collection, want := range map[storage.Collection]int{
		storage.CollectionEpochs:       4,
		storage.CollectionCalibrations: 4,
		storage.CollectionSealed:       4,
		storage.CollectionBranches:     1,
		storage.CollectionGenome:       1,
	} {
		got, err := store.Count(ctx, collection)
		if err != nil {
			t.Fatalf("count %s: %v", collection, err)
		}
		if got != want {
			t.Fatalf("%s: expected %d rows, got %d", collection, want, got)
		}
	}

	sealedRows, err := o.SealedPredictions(ctx, timeline.DefaultBaselineID)
	if err != nil {
		t.Fatalf("list sealed: %v", err)
	}
	evaluated := 0
	for _, p := range sealedRows {
		if p.Evaluated {
			evaluated++
		}
	}
	// Window 3: cycle 1 is scored at cycle 4.
	if evaluated != 1 {
		t.Fatalf("expected 1 evaluated sealed prediction, got %d", evaluated)
	}
	if status := o.Status(); status.LastCycle != 4 || status.PendingCalib != 4 {
		t.Fatalf("unexpected status: %+v", status)
	}
}

func TestRunCycleRejectsBadInput(t *testing.T) {
	o := newOrchestrator(t, storage.NewMemoryStore(), nil)
	ctx := context.Background()

	if _, err := o.RunCycle(ctx, cycleInput(1.5)); !errors.Is(err, timeline.ErrInvalidStability) {
		t.Fatalf("expected ErrInvalidStability, got %v", err)
	}
	in := cycleInput(0.5)
	in.CycleIndex = 5
	if _, err := o.RunCycle(ctx, in); err != nil {
		t.Fatalf("cycle 5: %v", err)
	}
	in.CycleIndex = 5
	if _, err := o.RunCycle(ctx, in); !errors.Is(err, ErrCycleOutOfOrder) {
		t.Fatalf("expected ErrCycleOutOfOrder, got %v", err)
	}
	in.CycleIndex = 0
	report, err := o.RunCycle(ctx, in)
	if err != nil {
		t.Fatalf("continue: %v", err)
	}
	if report.CycleIndex != 6 {
		t.Fatalf("expected cycle 6, got %d", report.CycleIndex)
	}
}

func TestRunCycleRejectsNonFiniteInputsWithoutSideEffects(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	o := newOrchestrator(t, store, nil)

	nanDelta := cycleInput(0.6)
	nanDelta.Delta = math.NaN()
	infStd := cycleInput(0.6)
	infStd.Synthetic.Std = math.Inf(1)
	nanLambda := cycleInput(0.6)
	nanLambda.Synthetic.Lyapunov.Lambda = math.NaN()
	infUrgency := cycleInput(0.6)
	infUrgency.DomainSignals = []timeline.DomainSignal{{Domain: "health", Urgency: math.Inf(-1)}}

	for name, in := range map[string]CycleInput{"delta": nanDelta, "std": infStd, "lambda": nanLambda, "urgency": infUrgency} {
		if _, err := o.RunCycle(ctx, in); !errors.Is(err, timeline.ErrNonFiniteInput) {
			t.Fatalf("%s: expected ErrNonFiniteInput, got %v", name, err)
		}
	}
	status := o.Status()
	if status.LastCycle != 0 || status.PendingCalib != 0 || status.PendingSealed != 0 {
		t.Fatalf("rejected cycles must leave no trace: %+v", status)
	}
	for _, collection := range []storage.Collection{storage.CollectionEpochs, storage.CollectionSealed, storage.CollectionCalibrations} {
		if got, err := store.Count(ctx, collection); err != nil || got != 0 {
			t.Fatalf("%s: expected no rows, got %d (%v)", collection, got, err)
		}
	}

	for i, r := range runCycles(t, o, 7) {
		if math.IsNaN(r.Fitness) || math.IsInf(r.Fitness, 0) {
			t.Fatalf("cycle %d: fitness %f must stay finite", i+1, r.Fitness)
		}
	}
}

func TestFailedCycleIsConsumedNotReplayed(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	pinned, err := genotype.New([]genotype.GeneSpec{{Name: genotype.GeneSkillAlpha, Default: 0.15, Min: 0.15, Max: 0.15}})
	if err != nil {
		t.Fatalf("genome: %v", err)
	}
	settings := config.Default()
	settings.Seed = 7
	eagerEvolution(&settings)
	o, err := New(Config{Store: store, Settings: settings, Genome: &pinned})
	if err != nil {
		t.Fatalf("new orchestrator: %v", err)
	}
	if err := o.Init(ctx); err != nil {
		t.Fatalf("init: %v", err)
	}

	if _, err := o.RunCycle(ctx, cycleInput(0.6)); err != nil {
		t.Fatalf("cycle 1: %v", err)
	}
	// The trigger fires on cycle 2 but no gene can move.
	if _, err := o.RunCycle(ctx, cycleInput(0.59)); !errors.Is(err, evo.ErrNoMutationChoice) {
		t.Fatalf("expected ErrNoMutationChoice, got %v", err)
	}
	if o.Status().LastCycle != 2 {
		t.Fatalf("failed cycle must still be consumed, last=%d", o.Status().LastCycle)
	}

	retry := cycleInput(0.59)
	retry.CycleIndex = 2
	if _, err := o.RunCycle(ctx, retry); !errors.Is(err, ErrCycleOutOfOrder) {
		t.Fatalf("expected ErrCycleOutOfOrder on retry, got %v", err)
	}

	epochs, err := o.Epochs(ctx, storage.EpochQuery{})
	if err != nil {
		t.Fatalf("epochs: %v", err)
	}
	if len(epochs) != 2 || epochs[1].CycleIndex != 2 {
		t.Fatalf("expected one epoch per cycle, got %+v", epochs)
	}
	if got, err := store.Count(ctx, storage.CollectionSealed); err != nil || got != 2 {
		t.Fatalf("expected one sealed bet per cycle, got %d (%v)", got, err)
	}
}

func TestLowTrustSpawnsInterleavesAndResolves(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	o := newOrchestrator(t, store, eagerEvolution)

	reports := runCycles(t, o, 4)
	if reports[0].Spawned != nil {
		t.Fatal("trigger armed after a single low cycle")
	}
	spawned := reports[1].Spawned
	if spawned == nil {
		t.Fatal("expected spawn on cycle 2")
	}
	if spawned.Status != model.MutantCompeting || spawned.ForkCycleIndex != 2 {
		t.Fatalf("unexpected mutant: %+v", spawned)
	}
	if reports[2].BranchID != timeline.DefaultBaselineID {
		t.Fatalf("cycle 3 should run on baseline, got %s", reports[2].BranchID)
	}
	if reports[3].BranchID != spawned.BranchID {
		t.Fatalf("cycle 4 should run on mutant %s, got %s", spawned.BranchID, reports[3].BranchID)
	}

	if len(reports[3].Resolutions) != 1 {
		t.Fatalf("expected resolution on cycle 4, got %d", len(reports[3].Resolutions))
	}
	res := reports[3].Resolutions[0]
	if res.Mutant.Status == model.MutantCompeting {
		t.Fatal("resolved mutant still competing")
	}
	if o.Status().LiveBranch != timeline.DefaultBaselineID {
		t.Fatal("expected baseline live after resolution")
	}

	branches, err := store.ListBranches(ctx)
	if err != nil {
		t.Fatalf("list branches: %v", err)
	}
	if len(branches) != 1 || branches[0].BranchID != timeline.DefaultBaselineID {
		t.Fatalf("mutant branch should be deleted from the store: %+v", branches)
	}
	stored, err := o.Mutants(ctx, res.Mutant.Status)
	if err != nil || len(stored) != 1 {
		t.Fatalf("expected stored resolved mutant, got %d err=%v", len(stored), err)
	}
	if len(stored[0].TrunkFitnessSamples) != 1 || len(stored[0].MutantFitnessSamples) != 1 {
		t.Fatalf("unexpected samples: %+v", stored[0])
	}

	lineage, err := o.Lineage(ctx)
	if err != nil {
		t.Fatalf("lineage: %v", err)
	}
	if len(lineage) != 2 || lineage[0].Operation != evo.OperationSpawn {
		t.Fatalf("unexpected lineage: %+v", lineage)
	}
	wantOp := evo.OperationPrune
	if res.Mutant.Status == model.MutantGrafted {
		wantOp = evo.OperationGraft
		if o.Genome().Generation() != res.Mutant.Generation {
			t.Fatalf("graft should advance generation to %d", res.Mutant.Generation)
		}
	}
	if lineage[1].Operation != wantOp {
		t.Fatalf("expected %s lineage, got %s", wantOp, lineage[1].Operation)
	}
}

func TestMutantEpochsStayOnMutantBranch(t *testing.T) {
	ctx := context.Background()
	o := newOrchestrator(t, storage.NewMemoryStore(), eagerEvolution)
	reports := runCycles(t, o, 4)
	mutantID := reports[1].Spawned.BranchID

	epochs, err := o.Epochs(ctx, storage.EpochQuery{BranchID: mutantID})
	if err != nil {
		t.Fatalf("epochs: %v", err)
	}
	if len(epochs) != 1 || epochs[0].CycleIndex != 4 {
		t.Fatalf("expected one mutant epoch at cycle 4, got %+v", epochs)
	}
	baseline, err := o.Epochs(ctx, storage.EpochQuery{BranchID: timeline.DefaultBaselineID})
	if err != nil {
		t.Fatalf("epochs: %v", err)
	}
	if len(baseline) != 3 {
		t.Fatalf("expected 3 baseline epochs, got %d", len(baseline))
	}
}

func TestInterleaveDisabledKeepsBaselineLive(t *testing.T) {
	o := newOrchestrator(t, storage.NewMemoryStore(), func(c *config.Config) {
		eagerEvolution(c)
		c.Evolution.Interleave = false
	})
	reports := runCycles(t, o, 5)
	for _, r := range reports {
		if r.BranchID != timeline.DefaultBaselineID {
			t.Fatalf("cycle %d ran on %s", r.CycleIndex, r.BranchID)
		}
	}
	if len(o.Competing()) != 1 {
		t.Fatalf("expected mutant stalled in competition, got %d", len(o.Competing()))
	}
}

func TestRestoreResumesFromStore(t *testing.T) {
	store := storage.NewMemoryStore()
	first := newOrchestrator(t, store, eagerEvolution)
	reports := runCycles(t, first, 3)
	before := first.Status()

	second := newOrchestrator(t, store, eagerEvolution)
	after := second.Status()
	if after.LastCycle != 3 {
		t.Fatalf("expected last cycle 3, got %d", after.LastCycle)
	}
	if math.Abs(after.Credibility-before.Credibility) > 1e-12 || math.Abs(after.TrustWeight-before.TrustWeight) > 1e-12 {
		t.Fatalf("tracker scalars not restored: before=%+v after=%+v", before, after)
	}
	if after.PendingCalib != before.PendingCalib {
		t.Fatalf("expected %d pending calibrations, got %d", before.PendingCalib, after.PendingCalib)
	}
	competing := second.Competing()
	if len(competing) != 1 || competing[0].BranchID != reports[1].Spawned.BranchID {
		t.Fatalf("competing mutant not restored: %+v", competing)
	}
	if after.Branches != 2 {
		t.Fatalf("expected baseline and mutant branches, got %d", after.Branches)
	}

	next, err := second.RunCycle(context.Background(), cycleInput(0.5))
	if err != nil {
		t.Fatalf("resume cycle: %v", err)
	}
	if next.CycleIndex != 4 {
		t.Fatalf("expected cycle 4, got %d", next.CycleIndex)
	}
}

type failingEpochStore struct {
	storage.Store
}

func (failingEpochStore) SaveEpoch(context.Context, model.Epoch) error {
	return errors.New("disk full")
}

func TestStoreFailureIsNotFatal(t *testing.T) {
	store := failingEpochStore{Store: storage.NewMemoryStore()}
	o := newOrchestrator(t, store, nil)

	report, err := o.RunCycle(context.Background(), cycleInput(0.5))
	if err != nil {
		t.Fatalf("cycle should survive store failure: %v", err)
	}
	if report.Durable {
		t.Fatal("expected non-durable report")
	}
	count, err := store.Count(context.Background(), storage.CollectionCalibrations)
	if err != nil || count != 1 {
		t.Fatalf("other collections should still persist: count=%d err=%v", count, err)
	}
}

func TestAnchorFeedsConsistencyAndTether(t *testing.T) {
	src := WeightedSource{
		Source: anchor.FuncSource{SourceName: "fixed", Fn: func(context.Context) (float64, error) { return 0.3, nil }},
		Weight: 1,
	}
	o := newOrchestrator(t, storage.NewMemoryStore(), nil, src)

	first, err := o.RunCycle(context.Background(), cycleInput(0.6))
	if err != nil {
		t.Fatalf("cycle 1: %v", err)
	}
	if first.WorldDistress == nil || math.Abs(*first.WorldDistress-0.3) > 1e-12 {
		t.Fatalf("unexpected world distress: %v", first.WorldDistress)
	}
	// system distress 0.4 against world 0.3.
	if first.Consistency == nil || math.Abs(*first.Consistency-0.9) > 1e-9 {
		t.Fatalf("unexpected consistency: %v", first.Consistency)
	}
	if first.Epoch.TetherCredibility != nil {
		t.Fatal("first epoch has no prior consistency to tether to")
	}

	second, err := o.RunCycle(context.Background(), cycleInput(0.6))
	if err != nil {
		t.Fatalf("cycle 2: %v", err)
	}
	if second.Epoch.TetherCredibility == nil || math.Abs(*second.Epoch.TetherCredibility-0.9) > 1e-9 {
		t.Fatalf("expected tether from previous consistency, got %v", second.Epoch.TetherCredibility)
	}
}

func TestAttenuateUsesLiveTrust(t *testing.T) {
	o := newOrchestrator(t, storage.NewMemoryStore(), nil)
	trust := o.Status().TrustWeight
	got := o.Attenuate(1, 0)
	if math.Abs(got-trust) > 1e-12 {
		t.Fatalf("expected attenuate(1,0)=trust %f, got %f", trust, got)
	}
}

func TestArtifactsSummarizeRun(t *testing.T) {
	ctx := context.Background()
	o := newOrchestrator(t, storage.NewMemoryStore(), eagerEvolution)
	runCycles(t, o, 4)

	artifacts, err := o.Artifacts(ctx, "run-1")
	if err != nil {
		t.Fatalf("artifacts: %v", err)
	}
	if artifacts.Config.Cycles != 4 || len(artifacts.FitnessByCycle) != 4 {
		t.Fatalf("unexpected artifacts: %+v", artifacts.Config)
	}
	entry := IndexEntry(artifacts, o.Status().Credibility)
	if entry.Grafts+entry.Prunes != 1 {
		t.Fatalf("expected one resolution in index entry, got %+v", entry)
	}
}

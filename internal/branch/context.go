package branch

import (
	"math"
	"time"

	"evoforecast/internal/model"
	"evoforecast/internal/stats"
)

const (
	maxRecoveries      = 10
	maxTransitions     = 20
	minSignalWeight    = 0.01
	initialSkill       = 0.5
	initialTrust       = 0.5
	initialCredibility = 0.5
	maxOvershoot       = 0.99
)

// Context is one branch's isolated memory. Only scalar performance values are
// ever shared between branches; histories are earned per branch.
type Context struct {
	BranchID         string
	Skills           model.Skills
	TrustWeight      float64
	EvaluationCount  int
	Credibility      float64
	CalibrationCount int
	Clock            model.BranchClock
	Resources        model.BranchResources
	SignalHistory    []model.Signal
	Recovery         model.RecoveryStats
}

// New seeds a fresh context from a cognitive profile.
func New(branchID string, profile Profile, birthCycle int) *Context {
	return &Context{
		BranchID: branchID,
		Skills: model.Skills{
			Direction:    initialSkill,
			Catastrophic: initialSkill,
			Volatility:   initialSkill,
			Overall:      initialSkill,
		},
		TrustWeight: initialTrust,
		Credibility: initialCredibility,
		Clock: model.BranchClock{
			BirthCycle: birthCycle,
			TickRate:   profile.TickRate,
		},
		Resources: model.BranchResources{
			MemoryDepth:     profile.MemoryDepth,
			SignalRetention: profile.SignalRetention,
			DecayRate:       profile.DecayRate,
			ProfileName:     profile.Name,
		},
	}
}

// Fork copies the parent's scalar skill, trust and credibility values into a
// new context. Signal history and recovery statistics always start empty.
func Fork(parent *Context, branchID string, profile Profile, birthCycle int) *Context {
	child := New(branchID, profile, birthCycle)
	if parent == nil {
		return child
	}
	child.Skills = parent.Skills
	child.TrustWeight = parent.TrustWeight
	child.EvaluationCount = parent.EvaluationCount
	child.Credibility = parent.Credibility
	child.CalibrationCount = parent.CalibrationCount
	return child
}

// Advance moves the branch clock forward by one tick.
func (c *Context) Advance() {
	c.Clock.Epoch += c.Clock.TickRate
}

func (c *Context) AppendSignal(signal model.Signal) {
	if signal.Weight == 0 {
		signal.Weight = 1
	}
	c.SignalHistory = append(c.SignalHistory, signal)
}

// RecordRegimeTransition updates recovery statistics for a regime change and
// returns the completed recovery when the branch left chaos.
func (c *Context) RecordRegimeTransition(from, to model.Regime) (model.Recovery, bool) {
	if from == to {
		return model.Recovery{}, false
	}
	epoch := c.Clock.Epoch
	rec := &c.Recovery

	rec.Transitions = append(rec.Transitions, model.Transition{
		From:        from,
		To:          to,
		Epoch:       epoch,
		Credibility: c.Credibility,
	})
	if len(rec.Transitions) > maxTransitions {
		rec.Transitions = append([]model.Transition(nil), rec.Transitions[len(rec.Transitions)-maxTransitions:]...)
	}

	var (
		recovery  model.Recovery
		recovered bool
	)
	if from == model.RegimeChaotic && to != model.RegimeChaotic && rec.InChaos {
		rec.InChaos = false
		recovery = model.Recovery{
			RecoveryTime:    epoch - rec.LastChaosEntryEpoch,
			PerformanceDrop: math.Max(0, rec.PerformanceBaseline-c.Credibility),
			Overshoot:       math.Max(0, c.Credibility-rec.PerformanceBaseline),
		}
		rec.RecoveryTimes = append(rec.RecoveryTimes, recovery)
		if len(rec.RecoveryTimes) > maxRecoveries {
			rec.RecoveryTimes = append([]model.Recovery(nil), rec.RecoveryTimes[len(rec.RecoveryTimes)-maxRecoveries:]...)
		}
		recovered = true
	}

	// Any entry into a disturbed regime, transitional to chaotic included,
	// re-snapshots the baseline.
	if to == model.RegimeChaotic || to == model.RegimeTransitional {
		rec.PerformanceBaseline = c.Credibility
		rec.HasBaseline = true
	}
	if to == model.RegimeChaotic && !rec.InChaos {
		rec.InChaos = true
		rec.LastChaosEntryEpoch = epoch
	}
	if to == model.RegimeStable {
		rec.LastStableEpoch = epoch
	}
	return recovery, recovered
}

// ApplyDecay fades every retained signal and forgets the ones that fell
// below the weight floor.
func (c *Context) ApplyDecay() {
	rate := c.Resources.DecayRate
	if rate <= 0 {
		return
	}
	kept := c.SignalHistory[:0]
	for _, s := range c.SignalHistory {
		s.Weight *= 1 - rate
		if s.Weight < minSignalWeight {
			continue
		}
		kept = append(kept, s)
	}
	c.SignalHistory = kept
}

// EnforceConstraints truncates the signal history to the profile's retention
// cap, keeping the newest entries last.
func (c *Context) EnforceConstraints() {
	limit := c.Resources.SignalRetention
	if limit <= 0 || len(c.SignalHistory) <= limit {
		return
	}
	c.SignalHistory = append([]model.Signal(nil), c.SignalHistory[len(c.SignalHistory)-limit:]...)
}

func (c *Context) RecoveryCount() int {
	return len(c.Recovery.RecoveryTimes)
}

// RecoveryFitness scores how quickly and cleanly the branch has come back
// from chaos. The boolean is false when no recovery has been recorded.
func (c *Context) RecoveryFitness() (float64, bool) {
	recoveries := c.Recovery.RecoveryTimes
	if len(recoveries) == 0 {
		return 0, false
	}
	times := make([]float64, len(recoveries))
	drops := make([]float64, len(recoveries))
	overshoots := make([]float64, len(recoveries))
	for i, r := range recoveries {
		times[i] = r.RecoveryTime
		drops[i] = r.PerformanceDrop
		overshoots[i] = r.Overshoot
	}
	adaptiveRecovery := 1 / (1 + stats.Mean(times))
	robustness := 1 / (1 + 10*stats.Variance(drops))
	overshootFactor := math.Min(stats.Mean(overshoots), maxOvershoot)
	return adaptiveRecovery * robustness * (1 - overshootFactor), true
}

func (c *Context) Snapshot() model.BranchSnapshot {
	recovery := c.Recovery
	recovery.Transitions = append([]model.Transition(nil), c.Recovery.Transitions...)
	recovery.RecoveryTimes = append([]model.Recovery(nil), c.Recovery.RecoveryTimes...)
	return model.BranchSnapshot{
		Timestamp:        time.Now().UTC(),
		BranchID:         c.BranchID,
		Skills:           c.Skills,
		TrustWeight:      c.TrustWeight,
		EvaluationCount:  c.EvaluationCount,
		Credibility:      c.Credibility,
		CalibrationCount: c.CalibrationCount,
		Clock:            c.Clock,
		Resources:        c.Resources,
		SignalHistory:    append([]model.Signal(nil), c.SignalHistory...),
		Recovery:         recovery,
	}
}

func FromSnapshot(snap model.BranchSnapshot) *Context {
	c := &Context{
		BranchID:         snap.BranchID,
		Skills:           snap.Skills,
		TrustWeight:      stats.Clamp01(snap.TrustWeight),
		EvaluationCount:  snap.EvaluationCount,
		Credibility:      stats.Clamp01(snap.Credibility),
		CalibrationCount: snap.CalibrationCount,
		Clock:            snap.Clock,
		Resources:        snap.Resources,
		SignalHistory:    append([]model.Signal(nil), snap.SignalHistory...),
		Recovery:         snap.Recovery,
	}
	c.Recovery.Transitions = append([]model.Transition(nil), snap.Recovery.Transitions...)
	c.Recovery.RecoveryTimes = append([]model.Recovery(nil), snap.Recovery.RecoveryTimes...)
	return c
}

package model

import "time"

// VersionedRecord captures schema and codec evolution for persistent data.
type VersionedRecord struct {
	SchemaVersion int `json:"schema_version"`
	CodecVersion  int `json:"codec_version"`
}

func (v VersionedRecord) Version() VersionedRecord {
	return v
}

type Regime string

const (
	RegimeStable       Regime = "stable"
	RegimeTransitional Regime = "transitional"
	RegimeChaotic      Regime = "chaotic"
)

// DomainCount is the fixed width of an epoch's domain urgency vector.
const DomainCount = 6

// Domains names the slots of Epoch.DomainVector in order.
var Domains = [DomainCount]string{"conflict", "economy", "climate", "health", "technology", "society"}

type Lyapunov struct {
	Lambda float64 `json:"lambda"`
	Regime Regime  `json:"regime"`
}

// SyntheticSummary is the opaque output of the simulation collaborator.
type SyntheticSummary struct {
	DSI                  float64  `json:"dsi"`
	CatastrophicFraction float64  `json:"catastrophic_fraction"`
	Bimodality           float64  `json:"bimodality"`
	Mean                 float64  `json:"mean"`
	Std                  float64  `json:"std"`
	Lyapunov             Lyapunov `json:"lyapunov"`
}

type RegimeTransition struct {
	From Regime `json:"from"`
	To   Regime `json:"to"`
}

type EpochEdge struct {
	StructuralDelta  float64           `json:"structural_delta"`
	StabilityDelta   float64           `json:"stability_delta"`
	RegimeTransition *RegimeTransition `json:"regime_transition,omitempty"`
}

type Epoch struct {
	VersionedRecord
	ID                int64                `json:"id,omitempty"`
	Timestamp         time.Time            `json:"timestamp"`
	CycleIndex        int                  `json:"cycle_index"`
	BranchID          string               `json:"branch_id"`
	Stability         float64              `json:"stability"`
	Delta             float64              `json:"delta"`
	DomainVector      [DomainCount]float64 `json:"domain_vector"`
	Regime            Regime               `json:"regime"`
	Edge              EpochEdge            `json:"edge"`
	SyntheticSummary  SyntheticSummary     `json:"synthetic_summary"`
	TetherCredibility *float64             `json:"tether_credibility,omitempty"`
}

type Prediction struct {
	DSI                  float64 `json:"dsi"`
	CatastrophicFraction float64 `json:"catastrophic_fraction"`
	Bimodality           float64 `json:"bimodality"`
	LyapunovLambda       float64 `json:"lyapunov_lambda"`
	LyapunovRegime       Regime  `json:"lyapunov_regime"`
	Mean                 float64 `json:"mean"`
	Std                  float64 `json:"std"`
}

// PredictsDecline reports whether the prediction expects stability to fall.
func (p Prediction) PredictsDecline() bool {
	return p.DSI < 0.5
}

type CalibrationOutcome struct {
	ObservedMean          float64 `json:"observed_mean"`
	ObservedStd           float64 `json:"observed_std"`
	ObservedMin           float64 `json:"observed_min"`
	ObservedMax           float64 `json:"observed_max"`
	ObservedDelta         float64 `json:"observed_delta"`
	ObservedBelowCritical float64 `json:"observed_below_critical"`
	DirectionCorrect      float64 `json:"direction_correct"`
	CatastrophicScore     float64 `json:"catastrophic_score"`
	VolatilityScore       float64 `json:"volatility_score"`
	Accuracy              float64 `json:"accuracy"`
	Samples               int     `json:"samples"`
}

type CalibrationRecord struct {
	VersionedRecord
	ID                int64               `json:"id,omitempty"`
	Timestamp         time.Time           `json:"timestamp"`
	CycleIndex        int                 `json:"cycle_index"`
	Prediction        Prediction          `json:"prediction"`
	ObservedStability float64             `json:"observed_stability"`
	Preset            string              `json:"preset"`
	Evaluated         bool                `json:"evaluated"`
	Outcome           *CalibrationOutcome `json:"outcome,omitempty"`
}

type Skills struct {
	Direction    float64 `json:"direction"`
	Catastrophic float64 `json:"catastrophic"`
	Volatility   float64 `json:"volatility"`
	Overall      float64 `json:"overall"`
}

type BranchClock struct {
	Epoch      float64 `json:"epoch"`
	BirthCycle int     `json:"birth_cycle"`
	TickRate   float64 `json:"tick_rate"`
}

type BranchResources struct {
	MemoryDepth     int     `json:"memory_depth"`
	SignalRetention int     `json:"signal_retention"`
	DecayRate       float64 `json:"decay_rate"`
	ProfileName     string  `json:"profile_name"`
}

type Signal struct {
	CycleIndex int     `json:"cycle_index"`
	Stability  float64 `json:"stability"`
	Regime     Regime  `json:"regime"`
	Weight     float64 `json:"weight"`
}

type Transition struct {
	From        Regime  `json:"from"`
	To          Regime  `json:"to"`
	Epoch       float64 `json:"epoch"`
	Credibility float64 `json:"credibility"`
}

type Recovery struct {
	RecoveryTime    float64 `json:"recovery_time"`
	PerformanceDrop float64 `json:"performance_drop"`
	Overshoot       float64 `json:"overshoot"`
}

type RecoveryStats struct {
	Transitions         []Transition `json:"transitions"`
	LastStableEpoch     float64      `json:"last_stable_epoch"`
	LastChaosEntryEpoch float64      `json:"last_chaos_entry_epoch"`
	InChaos             bool         `json:"in_chaos"`
	HasBaseline         bool         `json:"has_baseline"`
	RecoveryTimes       []Recovery   `json:"recovery_times"`
	PerformanceBaseline float64      `json:"performance_baseline"`
}

// BranchSnapshot is the persisted shape of a branch context.
type BranchSnapshot struct {
	VersionedRecord
	ID               int64              `json:"id,omitempty"`
	Timestamp        time.Time          `json:"timestamp"`
	BranchID         string             `json:"branch_id"`
	ParentID         string             `json:"parent_id,omitempty"`
	Label            string             `json:"label,omitempty"`
	Reason           string             `json:"reason,omitempty"`
	Skills           Skills             `json:"skills"`
	TrustWeight      float64            `json:"trust_weight"`
	EvaluationCount  int                `json:"evaluation_count"`
	Credibility      float64            `json:"credibility"`
	CalibrationCount int                `json:"calibration_count"`
	Clock            BranchClock        `json:"clock"`
	Resources        BranchResources    `json:"resources"`
	SignalHistory    []Signal           `json:"signal_history"`
	Recovery         RecoveryStats      `json:"recovery"`
	Genome           map[string]float64 `json:"genome,omitempty"`
}

type SealedPrediction struct {
	VersionedRecord
	ID                string        `json:"id"`
	Timestamp         time.Time     `json:"timestamp"`
	BranchID          string        `json:"branch_id"`
	CycleIndex        int           `json:"cycle_index"`
	PredictedDeltaS   float64       `json:"predicted_delta_s"`
	PredictedRegime   Regime        `json:"predicted_regime"`
	BaselineStability float64       `json:"baseline_stability"`
	Digest            string        `json:"digest"`
	Evaluated         bool          `json:"evaluated"`
	Score             *float64      `json:"score,omitempty"`
	Actual            *SealedActual `json:"actual,omitempty"`
}

type SealedActual struct {
	CycleIndex int     `json:"cycle_index"`
	DeltaS     float64 `json:"delta_s"`
	Regime     Regime  `json:"regime"`
	Direction  float64 `json:"direction"`
	Magnitude  float64 `json:"magnitude"`
	RegimeHit  float64 `json:"regime_hit"`
}

type GeneBound struct {
	Min float64 `json:"min"`
	Max float64 `json:"max"`
}

type GenomeRecord struct {
	VersionedRecord
	ID         int64                `json:"id,omitempty"`
	Timestamp  time.Time            `json:"timestamp"`
	Generation int                  `json:"generation"`
	Values     map[string]float64   `json:"values"`
	Bounds     map[string]GeneBound `json:"bounds"`
}

type MutationType string

const (
	MutationParametric MutationType = "parametric"
	MutationStructural MutationType = "structural"
)

type MutantStatus string

const (
	MutantCompeting MutantStatus = "competing"
	MutantGrafted   MutantStatus = "grafted"
	MutantPruned    MutantStatus = "pruned"
)

type MutantRecord struct {
	VersionedRecord
	ID                   int64              `json:"id,omitempty"`
	Timestamp            time.Time          `json:"timestamp"`
	BranchID             string             `json:"branch_id"`
	Generation           int                `json:"generation"`
	MutationType         MutationType       `json:"mutation_type"`
	TargetGene           string             `json:"target_gene"`
	OriginalValue        float64            `json:"original_value"`
	MutatedValue         float64            `json:"mutated_value"`
	Genome               map[string]float64 `json:"genome"`
	ForkCycleIndex       int                `json:"fork_cycle_index"`
	TournamentLength     int                `json:"tournament_length"`
	TrunkFitnessSamples  []float64          `json:"trunk_fitness_samples"`
	MutantFitnessSamples []float64          `json:"mutant_fitness_samples"`
	Status               MutantStatus       `json:"status"`
	Reason               string             `json:"reason,omitempty"`
}

type LineageRecord struct {
	VersionedRecord
	ID           int64        `json:"id,omitempty"`
	Timestamp    time.Time    `json:"timestamp"`
	BranchID     string       `json:"branch_id"`
	ParentID     string       `json:"parent_id"`
	CycleIndex   int          `json:"cycle_index"`
	Generation   int          `json:"generation"`
	Operation    string       `json:"operation"`
	TargetGene   string       `json:"target_gene,omitempty"`
	MutationType MutationType `json:"mutation_type,omitempty"`
	TrunkMean    float64      `json:"trunk_mean,omitempty"`
	MutantMean   float64      `json:"mutant_mean,omitempty"`
}

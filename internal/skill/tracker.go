package skill

import (
	"math"

	"evoforecast/internal/model"
	"evoforecast/internal/stats"
)

const (
	DefaultAlpha     = 0.15
	DefaultMidpoint  = 0.4
	DefaultSteepness = 10.0

	directionWeight    = 0.40
	catastrophicWeight = 0.35
	volatilityWeight   = 0.25

	initialSkill = 0.5
)

// ComponentScores is one reconciled forecast broken down per skill.
type ComponentScores struct {
	Direction    float64
	Catastrophic float64
	Volatility   float64
}

// Scalars is the portable state of a tracker, swapped in and out when the
// live branch changes.
type Scalars struct {
	Skills          model.Skills
	TrustWeight     float64
	EvaluationCount int
}

type Config struct {
	Alpha     float64
	Midpoint  float64
	Steepness float64
}

// Tracker keeps exponential moving averages of forecast skill and derives a
// trust weight from them.
type Tracker struct {
	alpha     float64
	midpoint  float64
	steepness float64

	skills      model.Skills
	trustWeight float64
	evaluations int
}

func NewTracker(cfg Config) *Tracker {
	if cfg.Alpha <= 0 || cfg.Alpha > 1 {
		cfg.Alpha = DefaultAlpha
	}
	if cfg.Midpoint <= 0 || cfg.Midpoint >= 1 {
		cfg.Midpoint = DefaultMidpoint
	}
	if cfg.Steepness <= 0 {
		cfg.Steepness = DefaultSteepness
	}
	t := &Tracker{
		alpha:     cfg.Alpha,
		midpoint:  cfg.Midpoint,
		steepness: cfg.Steepness,
		skills: model.Skills{
			Direction:    initialSkill,
			Catastrophic: initialSkill,
			Volatility:   initialSkill,
		},
	}
	t.refresh()
	return t
}

// Observe folds one reconciled forecast into the skill averages.
func (t *Tracker) Observe(scores ComponentScores) {
	a := t.alpha
	t.skills.Direction = stats.Clamp01(t.skills.Direction*(1-a) + stats.Clamp01(scores.Direction)*a)
	t.skills.Catastrophic = stats.Clamp01(t.skills.Catastrophic*(1-a) + stats.Clamp01(scores.Catastrophic)*a)
	t.skills.Volatility = stats.Clamp01(t.skills.Volatility*(1-a) + stats.Clamp01(scores.Volatility)*a)
	t.evaluations++
	t.refresh()
}

// ObserveOutcome adapts a calibration outcome into component scores.
func (t *Tracker) ObserveOutcome(outcome model.CalibrationOutcome) {
	t.Observe(ComponentScores{
		Direction:    outcome.DirectionCorrect,
		Catastrophic: outcome.CatastrophicScore,
		Volatility:   outcome.VolatilityScore,
	})
}

func (t *Tracker) Skills() model.Skills {
	return t.skills
}

func (t *Tracker) TrustWeight() float64 {
	return t.trustWeight
}

func (t *Tracker) EvaluationCount() int {
	return t.evaluations
}

func (t *Tracker) Alpha() float64 {
	return t.alpha
}

// SetAlpha changes the EMA rate; out-of-range values are ignored.
func (t *Tracker) SetAlpha(alpha float64) {
	if alpha <= 0 || alpha > 1 {
		return
	}
	t.alpha = alpha
}

// Attenuate blends value toward neutral in proportion to missing trust.
func (t *Tracker) Attenuate(value, neutral float64) float64 {
	return value*t.trustWeight + neutral*(1-t.trustWeight)
}

func (t *Tracker) Scalars() Scalars {
	return Scalars{
		Skills:          t.skills,
		TrustWeight:     t.trustWeight,
		EvaluationCount: t.evaluations,
	}
}

// SetScalars overwrites the tracker state. Trust is recomputed from the
// skills so it always matches the tracker's own sigmoid.
func (t *Tracker) SetScalars(s Scalars) {
	t.skills = model.Skills{
		Direction:    stats.Clamp01(s.Skills.Direction),
		Catastrophic: stats.Clamp01(s.Skills.Catastrophic),
		Volatility:   stats.Clamp01(s.Skills.Volatility),
	}
	if s.EvaluationCount >= 0 {
		t.evaluations = s.EvaluationCount
	}
	t.refresh()
}

// TrustFor evaluates the tracker's sigmoid at an arbitrary overall skill.
func (t *Tracker) TrustFor(overall float64) float64 {
	return Sigmoid(overall, t.midpoint, t.steepness)
}

func Overall(direction, catastrophic, volatility float64) float64 {
	return directionWeight*direction + catastrophicWeight*catastrophic + volatilityWeight*volatility
}

func Sigmoid(x, midpoint, steepness float64) float64 {
	return 1 / (1 + math.Exp(-steepness*(x-midpoint)))
}

func (t *Tracker) refresh() {
	t.skills.Overall = Overall(t.skills.Direction, t.skills.Catastrophic, t.skills.Volatility)
	t.trustWeight = stats.Clamp01(t.TrustFor(t.skills.Overall))
}

package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"

	"evoforecast/internal/anchor"
	"evoforecast/internal/calibration"
	"evoforecast/internal/evo"
	"evoforecast/internal/sealed"
	"evoforecast/internal/skill"
	"evoforecast/internal/storage"
	"evoforecast/internal/timeline"
)

// Config is the file-level configuration of an orchestrator. JSON files
// load too since the decoder accepts JSON documents.
type Config struct {
	Seed        int64             `yaml:"seed" json:"seed"`
	Store       StoreConfig       `yaml:"store" json:"store"`
	Calibration CalibrationConfig `yaml:"calibration" json:"calibration"`
	Skill       SkillConfig       `yaml:"skill" json:"skill"`
	Sealed      SealedConfig      `yaml:"sealed" json:"sealed"`
	Anchor      AnchorConfig      `yaml:"anchor" json:"anchor"`
	Evolution   EvolutionConfig   `yaml:"evolution" json:"evolution"`
	Timeline    TimelineConfig    `yaml:"timeline" json:"timeline"`
}

type StoreConfig struct {
	Kind string `yaml:"kind" json:"kind"`
	Path string `yaml:"path" json:"path"`
	// MaxRows caps epochs, calibrations, sealed predictions and lineage
	// rows after every cycle. Zero disables trimming.
	MaxRows int `yaml:"max_rows" json:"max_rows"`
}

type CalibrationConfig struct {
	Window            int     `yaml:"window" json:"window"`
	CriticalThreshold float64 `yaml:"critical_threshold" json:"critical_threshold"`
	DeclineDeadband   float64 `yaml:"decline_deadband" json:"decline_deadband"`
	MinSamples        int     `yaml:"min_samples" json:"min_samples"`
	MaxRecords        int     `yaml:"max_records" json:"max_records"`
}

type SkillConfig struct {
	Midpoint  float64 `yaml:"midpoint" json:"midpoint"`
	Steepness float64 `yaml:"steepness" json:"steepness"`
}

type SealedConfig struct {
	Window          int     `yaml:"window" json:"window"`
	DeclineDeadband float64 `yaml:"decline_deadband" json:"decline_deadband"`
	MagnitudeGain   float64 `yaml:"magnitude_gain" json:"magnitude_gain"`
	MaxRecords      int     `yaml:"max_records" json:"max_records"`
}

type AnchorConfig struct {
	FetchInterval int            `yaml:"fetch_interval" json:"fetch_interval"`
	FailureDecay  float64        `yaml:"failure_decay" json:"failure_decay"`
	Sources       []AnchorSource `yaml:"sources" json:"sources"`
}

// AnchorSource describes one HTTP JSON distress indicator.
type AnchorSource struct {
	Name           string  `yaml:"name" json:"name"`
	URL            string  `yaml:"url" json:"url"`
	Field          string  `yaml:"field" json:"field"`
	Min            float64 `yaml:"min" json:"min"`
	Max            float64 `yaml:"max" json:"max"`
	Invert         bool    `yaml:"invert" json:"invert"`
	Weight         float64 `yaml:"weight" json:"weight"`
	TimeoutSeconds int     `yaml:"timeout_seconds" json:"timeout_seconds"`
}

type EvolutionConfig struct {
	TrustThreshold      float64        `yaml:"trust_threshold" json:"trust_threshold"`
	RequiredLow         int            `yaml:"required_low" json:"required_low"`
	RequiredHigh        int            `yaml:"required_high" json:"required_high"`
	MaxConcurrent       int            `yaml:"max_concurrent" json:"max_concurrent"`
	ParametricLength    int            `yaml:"parametric_tournament_length" json:"parametric_tournament_length"`
	StructuralLength    int            `yaml:"structural_tournament_length" json:"structural_tournament_length"`
	StagnationWindow    int            `yaml:"stagnation_window" json:"stagnation_window"`
	StagnationThreshold float64        `yaml:"stagnation_threshold" json:"stagnation_threshold"`
	MaxTournamentCycles int            `yaml:"max_tournament_cycles" json:"max_tournament_cycles"`
	Interleave          bool           `yaml:"interleave" json:"interleave"`
	Profile             string         `yaml:"profile" json:"profile"`
	Weights             FitnessWeights `yaml:"weights" json:"weights"`
}

type FitnessWeights struct {
	Classic     float64 `yaml:"classic" json:"classic"`
	Recovery    float64 `yaml:"recovery" json:"recovery"`
	Consistency float64 `yaml:"consistency" json:"consistency"`
	Sealed      float64 `yaml:"sealed" json:"sealed"`
}

type TimelineConfig struct {
	BaselineID string `yaml:"baseline_id" json:"baseline_id"`
	Profile    string `yaml:"profile" json:"profile"`
}

func Default() Config {
	weights := evo.DefaultFitnessWeights()
	return Config{
		Seed:  1,
		Store: StoreConfig{Kind: storage.KindMemory, MaxRows: 10000},
		Calibration: CalibrationConfig{
			Window:            calibration.DefaultWindow,
			CriticalThreshold: calibration.DefaultCriticalThreshold,
			DeclineDeadband:   calibration.DefaultDeclineDeadband,
			MinSamples:        calibration.DefaultMinSamples,
			MaxRecords:        calibration.DefaultMaxRecords,
		},
		Skill: SkillConfig{Midpoint: skill.DefaultMidpoint, Steepness: skill.DefaultSteepness},
		Sealed: SealedConfig{
			Window:          sealed.DefaultWindow,
			DeclineDeadband: sealed.DefaultDeclineDeadband,
			MagnitudeGain:   sealed.DefaultMagnitudeGain,
			MaxRecords:      sealed.DefaultMaxRecords,
		},
		Anchor: AnchorConfig{FetchInterval: anchor.DefaultFetchInterval, FailureDecay: anchor.DefaultFailureDecay},
		Evolution: EvolutionConfig{
			TrustThreshold:      evo.DefaultTrustThreshold,
			RequiredLow:         evo.DefaultRequiredLow,
			RequiredHigh:        evo.DefaultRequiredHigh,
			MaxConcurrent:       evo.DefaultMaxConcurrent,
			ParametricLength:    evo.DefaultParametricLength,
			StructuralLength:    evo.DefaultStructuralLength,
			StagnationWindow:    evo.DefaultStagnationWindow,
			StagnationThreshold: evo.DefaultStagnationThreshold,
			Interleave:          true,
			Weights: FitnessWeights{
				Classic:     weights.Classic,
				Recovery:    weights.Recovery,
				Consistency: weights.Consistency,
				Sealed:      weights.Sealed,
			},
		},
		Timeline: TimelineConfig{BaselineID: timeline.DefaultBaselineID},
	}
}

// Load reads a YAML or JSON file over the defaults. A missing path yields
// the defaults.
func Load(path string) (Config, error) {
	if path == "" {
		return Default(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read %s: %w", path, err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return Config{}, fmt.Errorf("parse %s: %w", path, err)
	}
	return cfg, nil
}

// Parse decodes data over the defaults and validates the result. Unknown
// keys are rejected.
func Parse(data []byte) (Config, error) {
	cfg := Default()
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	switch c.Store.Kind {
	case storage.KindMemory, storage.KindSQLite:
	default:
		return fmt.Errorf("unsupported store kind: %s", c.Store.Kind)
	}
	if c.Store.Kind == storage.KindSQLite && c.Store.Path == "" {
		return fmt.Errorf("store path is required for sqlite")
	}
	if c.Store.MaxRows < 0 {
		return fmt.Errorf("store max_rows must be >= 0")
	}
	if c.Calibration.Window <= 0 {
		return fmt.Errorf("calibration window must be > 0")
	}
	if c.Calibration.CriticalThreshold <= 0 || c.Calibration.CriticalThreshold >= 1 {
		return fmt.Errorf("calibration critical_threshold must be in (0,1)")
	}
	if c.Calibration.DeclineDeadband > 0 {
		return fmt.Errorf("calibration decline_deadband must be <= 0")
	}
	if c.Calibration.MinSamples <= 0 {
		return fmt.Errorf("calibration min_samples must be > 0")
	}
	if c.Skill.Midpoint <= 0 || c.Skill.Midpoint >= 1 {
		return fmt.Errorf("skill midpoint must be in (0,1)")
	}
	if c.Skill.Steepness <= 0 {
		return fmt.Errorf("skill steepness must be > 0")
	}
	if c.Sealed.Window <= 0 {
		return fmt.Errorf("sealed window must be > 0")
	}
	if c.Sealed.DeclineDeadband > 0 {
		return fmt.Errorf("sealed decline_deadband must be <= 0")
	}
	if c.Anchor.FetchInterval <= 0 {
		return fmt.Errorf("anchor fetch_interval must be > 0")
	}
	if c.Anchor.FailureDecay <= 0 || c.Anchor.FailureDecay >= 1 {
		return fmt.Errorf("anchor failure_decay must be in (0,1)")
	}
	seen := map[string]bool{}
	for i, src := range c.Anchor.Sources {
		if src.Name == "" || src.URL == "" {
			return fmt.Errorf("anchor source %d requires name and url", i)
		}
		if seen[src.Name] {
			return fmt.Errorf("duplicate anchor source: %s", src.Name)
		}
		seen[src.Name] = true
		if src.Weight <= 0 || src.Weight > 1 {
			return fmt.Errorf("anchor source %s weight must be in (0,1]", src.Name)
		}
		if src.Max < src.Min {
			return fmt.Errorf("anchor source %s max must be >= min", src.Name)
		}
	}
	e := c.Evolution
	if e.TrustThreshold <= 0 || e.TrustThreshold >= 1 {
		return fmt.Errorf("evolution trust_threshold must be in (0,1)")
	}
	if e.RequiredLow <= 0 || e.RequiredHigh <= 0 {
		return fmt.Errorf("evolution required_low and required_high must be > 0")
	}
	if e.MaxConcurrent <= 0 {
		return fmt.Errorf("evolution max_concurrent must be > 0")
	}
	if e.ParametricLength < 2 || e.StructuralLength < 2 {
		return fmt.Errorf("evolution tournament lengths must be >= 2")
	}
	if e.MaxTournamentCycles < 0 {
		return fmt.Errorf("evolution max_tournament_cycles must be >= 0")
	}
	if err := c.FitnessWeights().Validate(); err != nil {
		return err
	}
	if c.Timeline.BaselineID == "" {
		return fmt.Errorf("timeline baseline_id is required")
	}
	return nil
}

func (c Config) FitnessWeights() evo.FitnessWeights {
	w := c.Evolution.Weights
	return evo.FitnessWeights{Classic: w.Classic, Recovery: w.Recovery, Consistency: w.Consistency, Sealed: w.Sealed}
}

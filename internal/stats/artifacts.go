package stats

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"

	"evoforecast/internal/model"
)

const runIndexFile = "run_index.json"

var runArtifactFiles = []string{"config.json", "fitness_history.json", "genome.json", "lineage.json", "mutants.json"}

type RunConfig struct {
	RunID              string  `json:"run_id"`
	Seed               int64   `json:"seed"`
	Cycles             int     `json:"cycles"`
	StoreKind          string  `json:"store_kind"`
	CalibrationWindow  int     `json:"calibration_window"`
	SealedWindow       int     `json:"sealed_window"`
	TrustThreshold     float64 `json:"trust_threshold"`
	RequiredLow        int     `json:"required_low"`
	RequiredHigh       int     `json:"required_high"`
	MaxConcurrent      int     `json:"max_concurrent"`
	ParametricLength   int     `json:"parametric_tournament_length"`
	StructuralLength   int     `json:"structural_tournament_length"`
	Interleave         bool    `json:"interleave"`
	AnchorSourceCount  int     `json:"anchor_source_count"`
	AnchorFetchEvery   int     `json:"anchor_fetch_every"`
	MaxTournamentCycle int     `json:"max_tournament_cycles"`
}

// CycleFitness is one cycle's composite fitness as scored for the live branch.
type CycleFitness struct {
	CycleIndex  int     `json:"cycle_index"`
	BranchID    string  `json:"branch_id"`
	Fitness     float64 `json:"fitness"`
	Credibility float64 `json:"credibility"`
	TrustWeight float64 `json:"trust_weight"`
}

type RunArtifacts struct {
	Config         RunConfig             `json:"config"`
	FitnessByCycle []CycleFitness        `json:"fitness_by_cycle"`
	FinalGenome    model.GenomeRecord    `json:"final_genome"`
	Lineage        []model.LineageRecord `json:"lineage"`
	Mutants        []model.MutantRecord  `json:"mutants"`
}

type RunIndexEntry struct {
	RunID            string  `json:"run_id"`
	Seed             int64   `json:"seed"`
	Cycles           int     `json:"cycles"`
	Grafts           int     `json:"grafts"`
	Prunes           int     `json:"prunes"`
	FinalCredibility float64 `json:"final_credibility"`
	CreatedAtUTC     string  `json:"created_at_utc"`
}

func WriteRunArtifacts(baseDir string, artifacts RunArtifacts) (string, error) {
	if artifacts.Config.RunID == "" {
		return "", fmt.Errorf("run id is required")
	}

	runDir := filepath.Join(baseDir, artifacts.Config.RunID)
	if err := os.MkdirAll(runDir, 0o755); err != nil {
		return "", err
	}

	fitness := make([]float64, 0, len(artifacts.FitnessByCycle))
	for _, item := range artifacts.FitnessByCycle {
		fitness = append(fitness, item.Fitness)
	}

	if err := writeJSON(filepath.Join(runDir, "config.json"), artifacts.Config); err != nil {
		return "", err
	}
	if err := writeJSON(filepath.Join(runDir, "fitness_history.json"), map[string]any{
		"by_cycle": artifacts.FitnessByCycle,
		"summary":  Summarize(fitness),
	}); err != nil {
		return "", err
	}
	if err := writeJSON(filepath.Join(runDir, "genome.json"), artifacts.FinalGenome); err != nil {
		return "", err
	}
	if err := writeJSON(filepath.Join(runDir, "lineage.json"), artifacts.Lineage); err != nil {
		return "", err
	}
	if err := writeJSON(filepath.Join(runDir, "mutants.json"), artifacts.Mutants); err != nil {
		return "", err
	}

	return runDir, nil
}

func AppendRunIndex(baseDir string, entry RunIndexEntry) error {
	if entry.RunID == "" {
		return fmt.Errorf("run id is required")
	}
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return err
	}

	index, err := ListRunIndex(baseDir)
	if err != nil {
		return err
	}

	for i := range index {
		if index[i].RunID == entry.RunID {
			index[i] = entry
			return writeJSON(filepath.Join(baseDir, runIndexFile), index)
		}
	}

	index = append(index, entry)
	return writeJSON(filepath.Join(baseDir, runIndexFile), index)
}

func ListRunIndex(baseDir string) ([]RunIndexEntry, error) {
	path := filepath.Join(baseDir, runIndexFile)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return []RunIndexEntry{}, nil
		}
		return nil, err
	}

	var entries []RunIndexEntry
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, err
	}

	type indexedEntry struct {
		entry RunIndexEntry
		idx   int
	}
	indexed := make([]indexedEntry, len(entries))
	for i := range entries {
		indexed[i] = indexedEntry{entry: entries[i], idx: i}
	}
	sort.Slice(indexed, func(i, j int) bool {
		if indexed[i].entry.CreatedAtUTC == indexed[j].entry.CreatedAtUTC {
			// Prefer later appended entries for equal timestamps.
			return indexed[i].idx > indexed[j].idx
		}
		return indexed[i].entry.CreatedAtUTC > indexed[j].entry.CreatedAtUTC
	})

	sorted := make([]RunIndexEntry, 0, len(indexed))
	for _, item := range indexed {
		sorted = append(sorted, item.entry)
	}
	return sorted, nil
}

func ExportRunArtifacts(baseDir, runID, outDir string) (string, error) {
	if runID == "" {
		return "", fmt.Errorf("run id is required")
	}

	src := filepath.Join(baseDir, runID)
	if _, err := os.Stat(src); err != nil {
		return "", err
	}

	dst := filepath.Join(outDir, runID)
	if err := os.MkdirAll(dst, 0o755); err != nil {
		return "", err
	}

	for _, file := range runArtifactFiles {
		if err := copyFile(filepath.Join(src, file), filepath.Join(dst, file)); err != nil {
			return "", err
		}
	}
	return dst, nil
}

func ReadRunConfig(baseDir, runID string) (RunConfig, bool, error) {
	var cfg RunConfig
	data, err := os.ReadFile(filepath.Join(baseDir, runID, "config.json"))
	if err != nil {
		if os.IsNotExist(err) {
			return RunConfig{}, false, nil
		}
		return RunConfig{}, false, err
	}
	if err := json.Unmarshal(data, &cfg); err != nil {
		return RunConfig{}, false, err
	}
	return cfg, true, nil
}

func writeJSON(path string, value any) error {
	data, err := json.MarshalIndent(value, "", "  ")
	if err != nil {
		return err
	}
	data = append(data, '\n')
	return os.WriteFile(path, data, 0o644)
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer out.Close()

	if _, err := io.Copy(out, in); err != nil {
		return err
	}
	return out.Sync()
}

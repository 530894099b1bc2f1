package evoforecast

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"evoforecast/internal/anchor"
	"evoforecast/internal/config"
	"evoforecast/internal/model"
	"evoforecast/internal/platform"
	"evoforecast/internal/stats"
	"evoforecast/internal/storage"
	"evoforecast/internal/timeline"
)

const (
	defaultReportsDir = "reports"
	defaultExportsDir = "exports"
	defaultDBPath     = "evoforecast.db"
)

type (
	CycleInput       = platform.CycleInput
	CycleReport      = platform.CycleReport
	Status           = platform.Status
	DomainSignal     = timeline.DomainSignal
	SyntheticSummary = model.SyntheticSummary
	Source           = anchor.Source
	FuncSource       = anchor.FuncSource
	HTTPSource       = anchor.HTTPSource
	WeightedSource   = platform.WeightedSource
	Settings         = config.Config
)

type Options struct {
	// ConfigPath is read when Settings is nil; empty means defaults.
	ConfigPath string
	Settings   *Settings
	// StoreKind and DBPath override the store section when set.
	StoreKind  string
	DBPath     string
	ReportsDir string
	ExportsDir string
	Logger     *slog.Logger
	// Sources are registered after the configured HTTP sources.
	Sources []WeightedSource
}

type Client struct {
	store        storage.Store
	orchestrator *platform.Orchestrator

	reportsDir string
	exportsDir string
}

type EpochsRequest struct {
	BranchID string
	Regime   string
	MinCycle int
	Limit    int
}

type ReportSummary struct {
	RunID     string
	Directory string
}

type ExportRequest struct {
	RunID  string
	Latest bool
	OutDir string
}

type ExportSummary struct {
	RunID     string
	Directory string
}

type RunItem struct {
	RunID            string
	CreatedAtUTC     string
	Seed             int64
	Cycles           int
	Grafts           int
	Prunes           int
	FinalCredibility float64
}

func DefaultSettings() Settings {
	return config.Default()
}

func New(opts Options) (*Client, error) {
	var settings config.Config
	if opts.Settings != nil {
		settings = *opts.Settings
	} else {
		loaded, err := config.Load(opts.ConfigPath)
		if err != nil {
			return nil, err
		}
		settings = loaded
	}
	if opts.StoreKind != "" {
		settings.Store.Kind = opts.StoreKind
	}
	if opts.DBPath != "" {
		settings.Store.Path = opts.DBPath
	}
	if settings.Store.Kind == storage.KindSQLite && settings.Store.Path == "" {
		settings.Store.Path = defaultDBPath
	}
	reportsDir := opts.ReportsDir
	if reportsDir == "" {
		reportsDir = defaultReportsDir
	}
	exportsDir := opts.ExportsDir
	if exportsDir == "" {
		exportsDir = defaultExportsDir
	}

	store, err := storage.NewStore(settings.Store.Kind, settings.Store.Path)
	if err != nil {
		return nil, err
	}
	orch, err := platform.New(platform.Config{
		Store:    store,
		Settings: settings,
		Logger:   opts.Logger,
		Sources:  opts.Sources,
	})
	if err != nil {
		_ = storage.CloseIfSupported(store)
		return nil, err
	}
	return &Client{
		store:        store,
		orchestrator: orch,
		reportsDir:   reportsDir,
		exportsDir:   exportsDir,
	}, nil
}

func (c *Client) Close() error {
	return c.orchestrator.Close()
}

// Init prepares the store and resumes any state it already holds.
func (c *Client) Init(ctx context.Context) error {
	return c.orchestrator.Init(ctx)
}

func (c *Client) RunCycle(ctx context.Context, in CycleInput) (CycleReport, error) {
	if err := c.orchestrator.Init(ctx); err != nil {
		return CycleReport{}, err
	}
	return c.orchestrator.RunCycle(ctx, in)
}

func (c *Client) Status() Status {
	return c.orchestrator.Status()
}

// Attenuate blends value toward neutral in proportion to how little the
// system currently trusts its own forecasts.
func (c *Client) Attenuate(value, neutral float64) float64 {
	return c.orchestrator.Attenuate(value, neutral)
}

func (c *Client) Branches(ctx context.Context) ([]model.BranchSnapshot, error) {
	if err := c.orchestrator.Init(ctx); err != nil {
		return nil, err
	}
	return c.orchestrator.Branches(), nil
}

func (c *Client) Epochs(ctx context.Context, req EpochsRequest) ([]model.Epoch, error) {
	if req.Limit < 0 {
		return nil, errors.New("limit must be >= 0")
	}
	if err := c.orchestrator.Init(ctx); err != nil {
		return nil, err
	}
	return c.orchestrator.Epochs(ctx, storage.EpochQuery{
		BranchID: req.BranchID,
		Regime:   model.Regime(req.Regime),
		MinCycle: req.MinCycle,
		Limit:    req.Limit,
	})
}

// Mutants lists mutants with the given status; empty lists all.
func (c *Client) Mutants(ctx context.Context, status string) ([]model.MutantRecord, error) {
	switch model.MutantStatus(status) {
	case "", model.MutantCompeting, model.MutantGrafted, model.MutantPruned:
	default:
		return nil, fmt.Errorf("unknown mutant status: %s", status)
	}
	if err := c.orchestrator.Init(ctx); err != nil {
		return nil, err
	}
	return c.orchestrator.Mutants(ctx, model.MutantStatus(status))
}

func (c *Client) Lineage(ctx context.Context) ([]model.LineageRecord, error) {
	if err := c.orchestrator.Init(ctx); err != nil {
		return nil, err
	}
	return c.orchestrator.Lineage(ctx)
}

func (c *Client) Genome(ctx context.Context) (model.GenomeRecord, error) {
	if err := c.orchestrator.Init(ctx); err != nil {
		return model.GenomeRecord{}, err
	}
	return c.orchestrator.Genome().Record(), nil
}

// WriteReport writes the run artifacts and records the run in the index.
// An empty run id is derived from the current time.
func (c *Client) WriteReport(ctx context.Context, runID string) (ReportSummary, error) {
	if runID == "" {
		runID = fmt.Sprintf("run-%d", time.Now().UTC().UnixNano())
	}
	artifacts, err := c.orchestrator.Artifacts(ctx, runID)
	if err != nil {
		return ReportSummary{}, err
	}
	dir, err := stats.WriteRunArtifacts(c.reportsDir, artifacts)
	if err != nil {
		return ReportSummary{}, err
	}
	entry := platform.IndexEntry(artifacts, c.orchestrator.Status().Credibility)
	if err := stats.AppendRunIndex(c.reportsDir, entry); err != nil {
		return ReportSummary{}, err
	}
	return ReportSummary{RunID: runID, Directory: filepath.Clean(dir)}, nil
}

func (c *Client) Runs(_ context.Context, limit int) ([]RunItem, error) {
	if limit <= 0 {
		limit = 20
	}
	entries, err := stats.ListRunIndex(c.reportsDir)
	if err != nil {
		return nil, err
	}
	if len(entries) > limit {
		entries = entries[:limit]
	}
	out := make([]RunItem, 0, len(entries))
	for _, e := range entries {
		out = append(out, RunItem{
			RunID:            e.RunID,
			CreatedAtUTC:     e.CreatedAtUTC,
			Seed:             e.Seed,
			Cycles:           e.Cycles,
			Grafts:           e.Grafts,
			Prunes:           e.Prunes,
			FinalCredibility: e.FinalCredibility,
		})
	}
	return out, nil
}

func (c *Client) Export(_ context.Context, req ExportRequest) (ExportSummary, error) {
	if req.RunID != "" && req.Latest {
		return ExportSummary{}, errors.New("use either run id or latest")
	}
	if req.RunID == "" && !req.Latest {
		return ExportSummary{}, errors.New("export requires run id or latest")
	}
	if req.OutDir == "" {
		req.OutDir = c.exportsDir
	}

	runID := req.RunID
	if req.Latest {
		entries, err := stats.ListRunIndex(c.reportsDir)
		if err != nil {
			return ExportSummary{}, err
		}
		if len(entries) == 0 {
			return ExportSummary{}, errors.New("no runs available to export")
		}
		runID = entries[0].RunID
	}

	exportedDir, err := stats.ExportRunArtifacts(c.reportsDir, runID, req.OutDir)
	if err != nil {
		return ExportSummary{}, err
	}
	return ExportSummary{RunID: runID, Directory: filepath.Clean(exportedDir)}, nil
}

package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"

	"evoforecast/internal/config"
	"evoforecast/internal/storage"
	api "evoforecast/pkg/evoforecast"
)

const (
	reportsDir = "reports"
	exportsDir = "exports"
)

func main() {
	if err := run(context.Background(), os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string) error {
	if len(args) == 0 {
		return usageError("missing command")
	}

	switch args[0] {
	case "init":
		return runInit(ctx, args[1:])
	case "run":
		return runRun(ctx, args[1:])
	case "status":
		return runStatus(ctx, args[1:])
	case "branches":
		return runBranches(ctx, args[1:])
	case "epochs":
		return runEpochs(ctx, args[1:])
	case "mutants":
		return runMutants(ctx, args[1:])
	case "genome":
		return runGenome(ctx, args[1:])
	case "lineage":
		return runLineage(ctx, args[1:])
	case "runs":
		return runRuns(ctx, args[1:])
	case "export":
		return runExport(ctx, args[1:])
	default:
		return usageError(fmt.Sprintf("unknown command: %s", args[0]))
	}
}

// storeFlags are shared by every command that opens the store.
type storeFlags struct {
	fs         *flag.FlagSet
	configPath *string
	storeKind  *string
	dbPath     *string
	seed       *int64
	format     *string
}

func newStoreFlags(name string) *storeFlags {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	defaults := config.Default()
	return &storeFlags{
		fs:         fs,
		configPath: fs.String("config", "", "optional YAML or JSON config path"),
		storeKind:  fs.String("store", defaults.Store.Kind, "store backend: memory|sqlite"),
		dbPath:     fs.String("db-path", "evoforecast.db", "sqlite database path"),
		seed:       fs.Int64("seed", defaults.Seed, "rng seed"),
		format:     fs.String("format", formatAuto, "output format: auto|text|json"),
	}
}

// settings loads the config file and applies only the flags that were set
// explicitly, so file values win over flag defaults.
func (f *storeFlags) settings() (config.Config, error) {
	cfg, err := config.Load(*f.configPath)
	if err != nil {
		return config.Config{}, err
	}
	setFlags := make(map[string]bool)
	f.fs.Visit(func(fl *flag.Flag) {
		setFlags[fl.Name] = true
	})
	if setFlags["store"] {
		cfg.Store.Kind = *f.storeKind
	}
	if setFlags["db-path"] || (cfg.Store.Kind == storage.KindSQLite && cfg.Store.Path == "") {
		cfg.Store.Path = *f.dbPath
	}
	if setFlags["seed"] {
		cfg.Seed = *f.seed
	}
	if err := cfg.Validate(); err != nil {
		return config.Config{}, err
	}
	return cfg, nil
}

func (f *storeFlags) open(ctx context.Context) (*api.Client, error) {
	cfg, err := f.settings()
	if err != nil {
		return nil, err
	}
	client, err := api.New(api.Options{
		Settings:   &cfg,
		ReportsDir: reportsDir,
		ExportsDir: exportsDir,
	})
	if err != nil {
		return nil, err
	}
	if err := client.Init(ctx); err != nil {
		_ = client.Close()
		return nil, err
	}
	return client, nil
}

func (f *storeFlags) printer() (*printer, error) {
	return newPrinter(*f.format)
}

func runInit(ctx context.Context, args []string) error {
	sf := newStoreFlags("init")
	if err := sf.fs.Parse(args); err != nil {
		return err
	}
	client, err := sf.open(ctx)
	if err != nil {
		return err
	}
	defer func() {
		_ = client.Close()
	}()
	status := client.Status()
	fmt.Printf("initialized store=%s last_cycle=%d generation=%d\n", *sf.storeKind, status.LastCycle, status.Generation)
	return nil
}

func runRun(ctx context.Context, args []string) error {
	sf := newStoreFlags("run")
	inputPath := sf.fs.String("input", "", "YAML or JSON file with the cycles to replay")
	runID := sf.fs.String("run-id", "", "write a run report under this id after the last cycle")
	if err := sf.fs.Parse(args); err != nil {
		return err
	}
	if *inputPath == "" {
		return errors.New("run requires -input")
	}
	cycles, err := loadCycles(*inputPath)
	if err != nil {
		return err
	}
	out, err := sf.printer()
	if err != nil {
		return err
	}
	client, err := sf.open(ctx)
	if err != nil {
		return err
	}
	defer func() {
		_ = client.Close()
	}()

	for _, in := range cycles {
		report, err := client.RunCycle(ctx, in)
		if err != nil {
			return fmt.Errorf("cycle %d: %w", in.CycleIndex, err)
		}
		if err := out.cycle(report); err != nil {
			return err
		}
	}
	if *runID != "" {
		summary, err := client.WriteReport(ctx, *runID)
		if err != nil {
			return err
		}
		fmt.Fprintf(os.Stderr, "report run_id=%s dir=%s\n", summary.RunID, summary.Directory)
	}
	return nil
}

func runStatus(ctx context.Context, args []string) error {
	sf := newStoreFlags("status")
	if err := sf.fs.Parse(args); err != nil {
		return err
	}
	out, err := sf.printer()
	if err != nil {
		return err
	}
	client, err := sf.open(ctx)
	if err != nil {
		return err
	}
	defer func() {
		_ = client.Close()
	}()
	return out.status(client.Status())
}

func runBranches(ctx context.Context, args []string) error {
	sf := newStoreFlags("branches")
	if err := sf.fs.Parse(args); err != nil {
		return err
	}
	out, err := sf.printer()
	if err != nil {
		return err
	}
	client, err := sf.open(ctx)
	if err != nil {
		return err
	}
	defer func() {
		_ = client.Close()
	}()
	branches, err := client.Branches(ctx)
	if err != nil {
		return err
	}
	return out.branches(branches)
}

func runEpochs(ctx context.Context, args []string) error {
	sf := newStoreFlags("epochs")
	branchID := sf.fs.String("branch", "", "only epochs of this branch")
	regime := sf.fs.String("regime", "", "only epochs in this regime: stable|transitional|chaotic")
	minCycle := sf.fs.Int("min-cycle", 0, "only epochs at or after this cycle")
	limit := sf.fs.Int("limit", 50, "newest epochs to print (0 for all)")
	if err := sf.fs.Parse(args); err != nil {
		return err
	}
	if *limit < 0 {
		return errors.New("limit must be >= 0")
	}
	out, err := sf.printer()
	if err != nil {
		return err
	}
	client, err := sf.open(ctx)
	if err != nil {
		return err
	}
	defer func() {
		_ = client.Close()
	}()
	epochs, err := client.Epochs(ctx, api.EpochsRequest{
		BranchID: *branchID,
		Regime:   *regime,
		MinCycle: *minCycle,
		Limit:    *limit,
	})
	if err != nil {
		return err
	}
	return out.epochs(epochs)
}

func runMutants(ctx context.Context, args []string) error {
	sf := newStoreFlags("mutants")
	status := sf.fs.String("status", "", "only mutants with this status: competing|grafted|pruned")
	if err := sf.fs.Parse(args); err != nil {
		return err
	}
	out, err := sf.printer()
	if err != nil {
		return err
	}
	client, err := sf.open(ctx)
	if err != nil {
		return err
	}
	defer func() {
		_ = client.Close()
	}()
	mutants, err := client.Mutants(ctx, *status)
	if err != nil {
		return err
	}
	return out.mutants(mutants)
}

func runGenome(ctx context.Context, args []string) error {
	sf := newStoreFlags("genome")
	if err := sf.fs.Parse(args); err != nil {
		return err
	}
	out, err := sf.printer()
	if err != nil {
		return err
	}
	client, err := sf.open(ctx)
	if err != nil {
		return err
	}
	defer func() {
		_ = client.Close()
	}()
	genome, err := client.Genome(ctx)
	if err != nil {
		return err
	}
	return out.genome(genome)
}

func runLineage(ctx context.Context, args []string) error {
	sf := newStoreFlags("lineage")
	limit := sf.fs.Int("limit", 50, "max lineage rows to print (<=0 for all)")
	if err := sf.fs.Parse(args); err != nil {
		return err
	}
	out, err := sf.printer()
	if err != nil {
		return err
	}
	client, err := sf.open(ctx)
	if err != nil {
		return err
	}
	defer func() {
		_ = client.Close()
	}()
	lineage, err := client.Lineage(ctx)
	if err != nil {
		return err
	}
	if *limit > 0 && len(lineage) > *limit {
		lineage = lineage[len(lineage)-*limit:]
	}
	return out.lineage(lineage)
}

func runRuns(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("runs", flag.ContinueOnError)
	limit := fs.Int("limit", 20, "max runs to list")
	format := fs.String("format", formatAuto, "output format: auto|text|json")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *limit <= 0 {
		return errors.New("limit must be > 0")
	}
	out, err := newPrinter(*format)
	if err != nil {
		return err
	}
	client, err := api.New(api.Options{StoreKind: storage.KindMemory, ReportsDir: reportsDir, ExportsDir: exportsDir})
	if err != nil {
		return err
	}
	defer func() {
		_ = client.Close()
	}()
	runs, err := client.Runs(ctx, *limit)
	if err != nil {
		return err
	}
	if len(runs) == 0 {
		fmt.Println("no runs found")
		return nil
	}
	return out.runs(runs)
}

func runExport(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("export", flag.ContinueOnError)
	runID := fs.String("run-id", "", "run id to export")
	latest := fs.Bool("latest", false, "export the most recent run from the run index")
	outDir := fs.String("out", exportsDir, "export output directory")
	if err := fs.Parse(args); err != nil {
		return err
	}
	client, err := api.New(api.Options{StoreKind: storage.KindMemory, ReportsDir: reportsDir, ExportsDir: exportsDir})
	if err != nil {
		return err
	}
	defer func() {
		_ = client.Close()
	}()
	summary, err := client.Export(ctx, api.ExportRequest{RunID: *runID, Latest: *latest, OutDir: *outDir})
	if err != nil {
		return err
	}
	fmt.Printf("exported run_id=%s dir=%s\n", summary.RunID, summary.Directory)
	return nil
}

func usageError(msg string) error {
	return fmt.Errorf("%s\nusage: evoforecastctl <init|run|status|branches|epochs|mutants|genome|lineage|runs|export> [flags]", msg)
}

// Package main implements the unified partigen binary.
// One binary covers the whole run lifecycle: generate, resume, sample,
// verify, and archive, selected with the --mode flag.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/partigen/partigen/internal/archive"
	"github.com/partigen/partigen/internal/config"
	"github.com/partigen/partigen/internal/driver"
	"github.com/partigen/partigen/internal/sampler"
	"github.com/partigen/partigen/internal/sequencer"
	"github.com/partigen/partigen/internal/sink"
	"github.com/partigen/partigen/pkg/types"
)

var (
	version = "dev"
	commit  = "unknown"
)

func main() {
	// Parse command line flags
	var (
		configFile       string
		dataDir          string
		mode             string
		target           int
		batchSize        int
		progressInterval time.Duration
		sampleSize       int
		seed             int64
		strategy         string
		sinkKind         string
		showVersion      bool
		showHelp         bool
	)

	flag.StringVar(&configFile, "config", "", "Path to configuration file (YAML or JSON)")
	flag.StringVar(&dataDir, "data-dir", "", "Base directory for all data files")
	flag.StringVar(&mode, "mode", "", "Operation mode: generate, resume, sample, verify, archive")
	flag.IntVar(&target, "target", -1, "Integer N to partition")
	flag.IntVar(&batchSize, "batch-size", 0, "Records per durable commit")
	flag.DurationVar(&progressInterval, "progress-interval", 0, "Interval between progress lines")
	flag.IntVar(&sampleSize, "sample-size", 0, "Number of partitions to sample")
	flag.Int64Var(&seed, "seed", -1, "Deterministic random seed for sampling")
	flag.StringVar(&strategy, "strategy", "", "Sampling strategy: reservoir, posthoc")
	flag.StringVar(&sinkKind, "sink", "", "Sink kind: sqlite, log")
	flag.BoolVar(&showVersion, "version", false, "Show version information")
	flag.BoolVar(&showHelp, "help", false, "Show help message")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Partigen - Exhaustive Integer Partition Enumeration\n\n")
		fmt.Fprintf(os.Stderr, "Usage: partigen [options]\n\n")
		fmt.Fprintf(os.Stderr, "Options:\n")
		flag.PrintDefaults()
		fmt.Fprintf(os.Stderr, "\nExamples:\n")
		fmt.Fprintf(os.Stderr, "  partigen --target 80 --data-dir /data/partigen\n")
		fmt.Fprintf(os.Stderr, "  partigen --mode resume --target 80 --data-dir /data/partigen\n")
		fmt.Fprintf(os.Stderr, "  partigen --mode sample --target 80 --sample-size 100000 --seed 1\n")
		fmt.Fprintf(os.Stderr, "  partigen --config /etc/partigen/config.yaml\n")
		fmt.Fprintf(os.Stderr, "\nEnvironment Variables:\n")
		fmt.Fprintf(os.Stderr, "  PARTIGEN_MODE               Operation mode\n")
		fmt.Fprintf(os.Stderr, "  PARTIGEN_DATA_DIR           Base directory for data files\n")
		fmt.Fprintf(os.Stderr, "  PARTIGEN_TARGET             Integer N to partition\n")
		fmt.Fprintf(os.Stderr, "  PARTIGEN_BATCH_SIZE         Records per durable commit\n")
		fmt.Fprintf(os.Stderr, "  PARTIGEN_SAMPLE_*           Sampling size, seed, strategy\n")
		fmt.Fprintf(os.Stderr, "  PARTIGEN_ARCHIVE_TYPE       Archive storage type (local, s3)\n")
	}

	flag.Parse()

	if showHelp {
		flag.Usage()
		os.Exit(0)
	}

	if showVersion {
		fmt.Printf("partigen version %s (commit: %s)\n", version, commit)
		os.Exit(0)
	}

	// Load .env if present; real environment variables win.
	_ = godotenv.Load()

	cfg, err := loadConfig(configFile, dataDir, mode, target, batchSize,
		progressInterval, sampleSize, seed, strategy, sinkKind)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}
	if err := cfg.EnsureDirectories(); err != nil {
		log.Fatalf("Failed to prepare directories: %v", err)
	}

	printBanner(cfg)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// First signal cancels the run at the next emission boundary;
	// committed batches stay durable and a later resume picks up.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	go func() {
		sig := <-sigCh
		log.Printf("Received signal: %v, stopping after the current batch", sig)
		cancel()
	}()

	if err := run(ctx, cfg); err != nil {
		log.Fatalf("partigen %s failed: %v", cfg.Mode, err)
	}
}

func run(ctx context.Context, cfg *config.Config) error {
	switch cfg.Mode {
	case config.ModeGenerate:
		return runGenerate(ctx, cfg, false)
	case config.ModeResume:
		return runGenerate(ctx, cfg, true)
	case config.ModeSample:
		return runSample(ctx, cfg)
	case config.ModeVerify:
		return runVerify(ctx, cfg)
	case config.ModeArchive:
		return runArchive(ctx, cfg)
	default:
		return fmt.Errorf("unknown mode: %s", cfg.Mode)
	}
}

// openSink opens the configured sink. replace drops any prior run state.
func openSink(cfg *config.Config, replace bool) (sink.Sink, error) {
	switch cfg.Sink {
	case config.SinkLog:
		return sink.NewLogSink(cfg.SinkPath(), sink.LogOptions{Replace: replace})
	default:
		return sink.NewSQLiteSink(cfg.SinkPath(), sink.SQLiteOptions{Replace: replace})
	}
}

func runGenerate(ctx context.Context, cfg *config.Config, resume bool) error {
	s, err := openSink(cfg, !resume)
	if err != nil {
		return err
	}
	defer s.Close()

	d := driver.New(s)
	opts := driver.Options{
		Target:           cfg.Target,
		BatchSize:        cfg.Generate.BatchSize,
		ProgressInterval: cfg.Generate.ProgressInterval,
	}

	var summary *driver.Summary
	if resume {
		summary, err = d.Resume(ctx, opts)
	} else {
		summary, err = d.Run(ctx, opts)
	}
	if err != nil {
		return err
	}

	log.Printf("Run state: %s (%d records, %.1f/sec)", summary.State, summary.Emitted, summary.Rate)
	return nil
}

func runSample(ctx context.Context, cfg *config.Config) error {
	if cfg.Sink != config.SinkSQLite {
		return fmt.Errorf("sample mode requires the sqlite sink, got %s", cfg.Sink)
	}

	var result *sampler.Result
	var err error
	switch cfg.Sample.Strategy {
	case sampler.StrategyReservoir:
		result, err = sampleReservoir(ctx, cfg)
	case sampler.StrategyPostHoc:
		result, err = samplePostHoc(ctx, cfg)
	default:
		return fmt.Errorf("unknown sampling strategy: %s", cfg.Sample.Strategy)
	}
	if err != nil {
		return err
	}

	// Persist into the run database, replacing any earlier sample.
	store, err := sink.NewSQLiteSink(cfg.SinkPath(), sink.SQLiteOptions{})
	if err != nil {
		return err
	}
	defer store.Close()
	if err := store.ReplaceSample(ctx, result.Meta(), result.Records); err != nil {
		return err
	}

	log.Printf("Sample %s: %d of %d partitions (strategy=%s seed=%d)",
		result.RunID, len(result.Records), result.Population, result.Strategy, result.Seed)
	return nil
}

// sampleReservoir draws the sample in a single enumeration pass without
// materializing the stream. The run database is only written to when the
// finished sample is persisted.
func sampleReservoir(ctx context.Context, cfg *config.Config) (*sampler.Result, error) {
	reservoir, err := sampler.NewReservoir(cfg.Target, int64(cfg.Sample.Size), cfg.Sample.Seed)
	if err != nil {
		return nil, err
	}

	d := driver.New(sink.Discard{})
	summary, err := d.Run(ctx, driver.Options{
		Target:           cfg.Target,
		BatchSize:        cfg.Generate.BatchSize,
		ProgressInterval: cfg.Generate.ProgressInterval,
		Observer:         reservoir.Observe,
	})
	if err != nil {
		return nil, err
	}
	if summary.State != driver.StateCompleted {
		return nil, fmt.Errorf("enumeration ended in state %s before the sample completed", summary.State)
	}
	return reservoir.Result()
}

// samplePostHoc draws the sample from an already materialized run.
func samplePostHoc(ctx context.Context, cfg *config.Config) (*sampler.Result, error) {
	s, err := sink.NewSQLiteSink(cfg.SinkPath(), sink.SQLiteOptions{})
	if err != nil {
		return nil, err
	}
	defer s.Close()
	return sampler.PostHoc(ctx, s, cfg.Target, int64(cfg.Sample.Size), cfg.Sample.Seed)
}

func runVerify(ctx context.Context, cfg *config.Config) error {
	if cfg.Sink != config.SinkSQLite {
		return verifyLog(ctx, cfg)
	}

	s, err := sink.NewSQLiteSink(cfg.SinkPath(), sink.SQLiteOptions{})
	if err != nil {
		return err
	}
	defer s.Close()

	stats, err := s.Stats(ctx, cfg.Target+1)
	if err != nil {
		return err
	}

	log.Printf("Verify n=%d: %d records", cfg.Target, stats.Total)
	if stats.First != nil {
		log.Printf("  first: rank %d  [%s]", stats.First.Rank, stats.First.Partition)
	}
	if stats.Last != nil {
		log.Printf("  last:  rank %d  [%s]", stats.Last.Rank, stats.Last.Partition)
	}
	for _, bucket := range stats.ByLength {
		log.Printf("  parts=%-3d %d records", bucket.PartCount, bucket.Records)
	}

	expected, err := sequencer.Count(cfg.Target)
	if err != nil {
		log.Printf("  expected count unavailable for n=%d: %v", cfg.Target, err)
		return nil
	}
	if stats.Total != expected {
		return fmt.Errorf("run is incomplete: %d records, expected %d", stats.Total, expected)
	}
	log.Printf("  complete: matches p(%d) = %d", cfg.Target, expected)
	return nil
}

// verifyLog checks a log sink by replaying it: every frame must decode,
// ranks must be contiguous from 1, and every partition must sum to the
// target. The replay itself catches corrupt frames.
func verifyLog(ctx context.Context, cfg *config.Config) error {
	s, err := sink.NewLogSink(cfg.SinkPath(), sink.LogOptions{})
	if err != nil {
		return err
	}
	defer s.Close()

	var total int64
	err = s.Scan(ctx, func(rec *types.Record) error {
		total++
		if rec.Rank != total {
			return fmt.Errorf("rank gap: got %d, expected %d", rec.Rank, total)
		}
		return rec.Partition.Validate(cfg.Target)
	})
	if err != nil {
		return err
	}

	log.Printf("Verify n=%d: %d records replayed", cfg.Target, total)
	expected, err := sequencer.Count(cfg.Target)
	if err != nil {
		log.Printf("  expected count unavailable for n=%d: %v", cfg.Target, err)
		return nil
	}
	if total != expected {
		return fmt.Errorf("run is incomplete: %d records, expected %d", total, expected)
	}
	log.Printf("  complete: matches p(%d) = %d", cfg.Target, expected)
	return nil
}

func runArchive(ctx context.Context, cfg *config.Config) error {
	store, err := newArchiveStore(ctx, cfg)
	if err != nil {
		return err
	}

	records, err := countRecords(ctx, cfg)
	if err != nil {
		return err
	}

	result, err := archive.Run(ctx, store, cfg.SinkPath(), cfg.Target, records)
	if err != nil {
		return err
	}
	log.Printf("Archived run %s: %s (%d records)", result.ArchiveID, result.DataPath, records)
	return nil
}

func newArchiveStore(ctx context.Context, cfg *config.Config) (archive.Store, error) {
	switch cfg.Archive.Type {
	case "s3":
		return archive.NewS3Store(ctx, cfg.Archive.S3.Bucket, archive.S3Config{
			Region:   cfg.Archive.S3.Region,
			Endpoint: cfg.Archive.S3.Endpoint,
		})
	default:
		return archive.NewLocalStore(cfg.Archive.Path)
	}
}

// countRecords opens the sink read-only to report the archived record count.
func countRecords(ctx context.Context, cfg *config.Config) (int64, error) {
	switch cfg.Sink {
	case config.SinkLog:
		s, err := sink.NewLogSink(cfg.SinkPath(), sink.LogOptions{})
		if err != nil {
			return 0, err
		}
		defer s.Close()
		return s.Count(ctx)
	default:
		s, err := sink.NewSQLiteSink(cfg.SinkPath(), sink.SQLiteOptions{})
		if err != nil {
			return 0, err
		}
		defer s.Close()
		return s.Count(ctx)
	}
}

// loadConfig loads configuration from file, environment, and command line flags.
func loadConfig(configFile, dataDir, mode string, target, batchSize int,
	progressInterval time.Duration, sampleSize int, seed int64,
	strategy, sinkKind string) (*config.Config, error) {

	var cfg *config.Config
	var err error

	// Start with defaults or load from file
	if configFile != "" {
		cfg, err = config.LoadFromFile(configFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load config file: %w", err)
		}
	} else {
		cfg = config.DefaultConfig()
	}

	// Apply environment variables
	config.LoadFromEnv(cfg)

	// Apply command line flags (highest priority)
	if dataDir != "" {
		cfg.DataDir = dataDir
	}
	if mode != "" {
		cfg.Mode = config.Mode(mode)
	}
	if target >= 0 {
		cfg.Target = target
	}
	if batchSize > 0 {
		cfg.Generate.BatchSize = batchSize
	}
	if progressInterval > 0 {
		cfg.Generate.ProgressInterval = progressInterval
	}
	if sampleSize > 0 {
		cfg.Sample.Size = sampleSize
	}
	if seed >= 0 {
		cfg.Sample.Seed = seed
	}
	if strategy != "" {
		cfg.Sample.Strategy = strategy
	}
	if sinkKind != "" {
		cfg.Sink = config.SinkKind(sinkKind)
	}

	cfg.Resolve()
	return cfg, nil
}

// printBanner prints the startup banner with configuration summary.
func printBanner(cfg *config.Config) {
	log.Printf("╔═══════════════════════════════════════════════════════════╗")
	log.Printf("║                       PARTIGEN                            ║")
	log.Printf("║        Exhaustive Integer Partition Enumeration           ║")
	log.Printf("╚═══════════════════════════════════════════════════════════╝")
	log.Printf("")
	log.Printf("Configuration:")
	log.Printf("  Mode:     %s", cfg.Mode)
	log.Printf("  Target:   %d", cfg.Target)
	log.Printf("  Data Dir: %s", cfg.DataDir)
	log.Printf("  Sink:     %s (%s)", cfg.Sink, cfg.SinkPath())

	switch cfg.Mode {
	case config.ModeGenerate, config.ModeResume:
		log.Printf("  Batch:    %d records per commit", cfg.Generate.BatchSize)
		log.Printf("  Progress: every %v", cfg.Generate.ProgressInterval)
	case config.ModeSample:
		log.Printf("  Sample:   %d partitions (strategy=%s seed=%d)",
			cfg.Sample.Size, cfg.Sample.Strategy, cfg.Sample.Seed)
	case config.ModeArchive:
		log.Printf("  Archive:  %s", cfg.Archive.Type)
	}
	log.Printf("")
}

// Package config provides unified configuration for the partition engine.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Mode represents the operation to run.
type Mode string

const (
	ModeGenerate Mode = "generate"
	ModeResume   Mode = "resume"
	ModeSample   Mode = "sample"
	ModeVerify   Mode = "verify"
	ModeArchive  Mode = "archive"
)

// SinkKind selects the durable destination for generated records.
type SinkKind string

const (
	SinkSQLite SinkKind = "sqlite"
	SinkLog    SinkKind = "log"
)

// Config holds the unified configuration for all partigen operations.
type Config struct {
	// Mode specifies the operation: generate, resume, sample, verify, archive
	Mode Mode `json:"mode" yaml:"mode"`

	// DataDir is the base directory for all data files
	DataDir string `json:"data_dir" yaml:"data_dir"`

	// Target is the integer N to partition
	Target int `json:"target" yaml:"target"`

	// Sink is the sink kind: sqlite, log
	Sink SinkKind `json:"sink" yaml:"sink"`

	// Generate holds enumeration run configuration
	Generate GenerateConfig `json:"generate" yaml:"generate"`

	// Sample holds sampling configuration
	Sample SampleConfig `json:"sample" yaml:"sample"`

	// Archive holds run-archive storage configuration
	Archive ArchiveConfig `json:"archive" yaml:"archive"`
}

// GenerateConfig holds enumeration run configuration.
type GenerateConfig struct {
	// BatchSize is the number of records per durable commit
	BatchSize int `json:"batch_size" yaml:"batch_size"`

	// ProgressInterval is the interval between progress lines
	ProgressInterval time.Duration `json:"progress_interval" yaml:"progress_interval"`
}

// SampleConfig holds sampling configuration.
type SampleConfig struct {
	// Size is the number of partitions to sample (M)
	Size int `json:"size" yaml:"size"`

	// Seed is the deterministic random seed
	Seed int64 `json:"seed" yaml:"seed"`

	// Strategy is the sampling strategy: reservoir, posthoc
	Strategy string `json:"strategy" yaml:"strategy"`
}

// ArchiveConfig holds run-archive storage configuration.
type ArchiveConfig struct {
	// Type is the archive storage type: local, s3
	Type string `json:"type" yaml:"type"`

	// Path is the local archive path (for local type)
	Path string `json:"path" yaml:"path"`

	// S3 configuration (for s3 type)
	S3 S3Config `json:"s3" yaml:"s3"`
}

// S3Config holds S3 archive configuration.
type S3Config struct {
	// Bucket is the S3 bucket name
	Bucket string `json:"bucket" yaml:"bucket"`

	// Region is the AWS region
	Region string `json:"region" yaml:"region"`

	// Endpoint is the S3 endpoint (for S3-compatible storage)
	Endpoint string `json:"endpoint" yaml:"endpoint"`
}

// DefaultConfig returns the default configuration: the N=80 capital-budget
// enumeration with the commit and telemetry cadence of the production runs.
func DefaultConfig() *Config {
	return &Config{
		Mode:    ModeGenerate,
		DataDir: "./data/partigen",
		Target:  80,
		Sink:    SinkSQLite,
		Generate: GenerateConfig{
			BatchSize:        100000,
			ProgressInterval: 10 * time.Second,
		},
		Sample: SampleConfig{
			Size:     100000,
			Seed:     1,
			Strategy: "reservoir",
		},
		Archive: ArchiveConfig{
			Type: "local",
			Path: "",
		},
	}
}

// Resolve resolves relative paths and sets defaults based on DataDir.
func (c *Config) Resolve() {
	if c.DataDir == "" {
		c.DataDir = "./data/partigen"
	}
	if c.Archive.Path == "" {
		c.Archive.Path = filepath.Join(c.DataDir, "archive")
	}
}

// SinkPath returns the path to the sink file for the configured target.
// The naming mirrors the historical run artifacts (n80_partitions.db).
func (c *Config) SinkPath() string {
	switch c.Sink {
	case SinkLog:
		return filepath.Join(c.DataDir, fmt.Sprintf("n%d_partitions.log", c.Target))
	default:
		return filepath.Join(c.DataDir, fmt.Sprintf("n%d_partitions.db", c.Target))
	}
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	switch c.Mode {
	case ModeGenerate, ModeResume, ModeSample, ModeVerify, ModeArchive:
		// Valid modes
	default:
		return fmt.Errorf("invalid mode: %s (must be generate, resume, sample, verify, or archive)", c.Mode)
	}

	if c.DataDir == "" {
		return fmt.Errorf("data_dir is required")
	}

	if c.Target < 0 {
		return fmt.Errorf("target must be non-negative, got %d", c.Target)
	}

	if c.Sink != SinkSQLite && c.Sink != SinkLog {
		return fmt.Errorf("invalid sink: %s (must be sqlite or log)", c.Sink)
	}

	if c.Generate.BatchSize <= 0 {
		return fmt.Errorf("generate.batch_size must be positive, got %d", c.Generate.BatchSize)
	}

	if c.Generate.ProgressInterval <= 0 {
		return fmt.Errorf("generate.progress_interval must be positive, got %s", c.Generate.ProgressInterval)
	}

	if c.Sample.Size <= 0 {
		return fmt.Errorf("sample.size must be positive, got %d", c.Sample.Size)
	}

	if c.Sample.Strategy != "reservoir" && c.Sample.Strategy != "posthoc" {
		return fmt.Errorf("invalid sample.strategy: %s (must be reservoir or posthoc)", c.Sample.Strategy)
	}

	if c.Archive.Type != "local" && c.Archive.Type != "s3" {
		return fmt.Errorf("invalid archive type: %s (must be local or s3)", c.Archive.Type)
	}

	if c.Archive.Type == "s3" && c.Archive.S3.Bucket == "" {
		return fmt.Errorf("archive.s3.bucket is required when archive type is s3")
	}

	return nil
}

// LoadFromFile loads configuration from a YAML or JSON file.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := DefaultConfig()

	ext := strings.ToLower(filepath.Ext(path))
	switch ext {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse YAML config: %w", err)
		}
	case ".json":
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse JSON config: %w", err)
		}
	default:
		return nil, fmt.Errorf("unsupported config file format: %s", ext)
	}

	return cfg, nil
}

// LoadFromEnv loads configuration from environment variables.
// Environment variables use the PARTIGEN_ prefix.
func LoadFromEnv(cfg *Config) {
	if v := os.Getenv("PARTIGEN_MODE"); v != "" {
		cfg.Mode = Mode(v)
	}
	if v := os.Getenv("PARTIGEN_DATA_DIR"); v != "" {
		cfg.DataDir = v
	}
	if v := os.Getenv("PARTIGEN_TARGET"); v != "" {
		fmt.Sscanf(v, "%d", &cfg.Target)
	}
	if v := os.Getenv("PARTIGEN_SINK"); v != "" {
		cfg.Sink = SinkKind(v)
	}

	// Generate configuration
	if v := os.Getenv("PARTIGEN_BATCH_SIZE"); v != "" {
		fmt.Sscanf(v, "%d", &cfg.Generate.BatchSize)
	}
	if v := os.Getenv("PARTIGEN_PROGRESS_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Generate.ProgressInterval = d
		}
	}

	// Sample configuration
	if v := os.Getenv("PARTIGEN_SAMPLE_SIZE"); v != "" {
		fmt.Sscanf(v, "%d", &cfg.Sample.Size)
	}
	if v := os.Getenv("PARTIGEN_SAMPLE_SEED"); v != "" {
		fmt.Sscanf(v, "%d", &cfg.Sample.Seed)
	}
	if v := os.Getenv("PARTIGEN_SAMPLE_STRATEGY"); v != "" {
		cfg.Sample.Strategy = v
	}

	// Archive configuration
	if v := os.Getenv("PARTIGEN_ARCHIVE_TYPE"); v != "" {
		cfg.Archive.Type = v
	}
	if v := os.Getenv("PARTIGEN_ARCHIVE_PATH"); v != "" {
		cfg.Archive.Path = v
	}
	if v := os.Getenv("PARTIGEN_S3_BUCKET"); v != "" {
		cfg.Archive.S3.Bucket = v
	}
	if v := os.Getenv("PARTIGEN_S3_REGION"); v != "" {
		cfg.Archive.S3.Region = v
	}
	if v := os.Getenv("PARTIGEN_S3_ENDPOINT"); v != "" {
		cfg.Archive.S3.Endpoint = v
	}
}

// EnsureDirectories creates all required directories.
func (c *Config) EnsureDirectories() error {
	dirs := []string{c.DataDir}
	if c.Archive.Type == "local" {
		dirs = append(dirs, c.Archive.Path)
	}

	for _, dir := range dirs {
		if dir == "" {
			continue
		}
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}

	return nil
}

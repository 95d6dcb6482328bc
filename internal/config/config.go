// Package config provides configuration loading and management for clover-data.
package config

import (
	"fmt"
	"math"
	"os"
	"path/filepath"
	"time"

	"github.com/adrg/xdg"
	"gopkg.in/yaml.v3"
)

const (
	// EnvPrefix is the prefix for environment variables bound through viper
	EnvPrefix = "CLOVER"

	// AppName is the directory name used under the XDG base directories
	AppName = "clover-data"
)

// Defaults
const (
	DefaultWorkers        = 4
	DefaultAttemptTimeout = 30 * time.Second
	DefaultMaxAttempts    = 3
	DefaultInitialBackoff = 500 * time.Millisecond
	DefaultMaxElapsed     = 10 * time.Minute
	DefaultMaxSkipRatio   = 0.05

	DefaultTrainFraction       = 0.6
	DefaultCalibrationFraction = 0.2
	DefaultTestFraction        = 0.2
	DefaultSeed                = 1250
)

// Option defines the interface for configuration options
type Option func(*loaderConfig) error

// loaderConfig defines the configuration for loading a configuration
type loaderConfig struct {
	path string
}

// WithConfigPath loads configuration from a YAML file
func WithConfigPath(path string) Option {
	return func(cfg *loaderConfig) error {
		if path == "" {
			return fmt.Errorf("path is required")
		}

		// Resolve symlinks; this also cleans the path.
		realPath, err := filepath.EvalSymlinks(path)
		if err != nil {
			return fmt.Errorf("failed to evaluate symlinks: %w", err)
		}

		if !filepath.IsAbs(realPath) && !filepath.IsLocal(realPath) {
			return fmt.Errorf("path is not local or contains invalid traversal: %s", path)
		}

		cfg.path = realPath
		return nil
	}
}

// Config represents the root configuration structure
type Config struct {
	// CacheDir holds raw downloads, one subdirectory per dataset key
	CacheDir string `yaml:"cacheDir,omitempty"`

	// OutputDir holds canonical datasets, one entry per dataset key
	OutputDir string `yaml:"outputDir,omitempty"`

	// Workers bounds the number of datasets handled concurrently by bulk commands
	Workers int `yaml:"workers,omitempty"`

	Fetch     *FetchConfig     `yaml:"fetch,omitempty"`
	Decode    *DecodeConfig    `yaml:"decode,omitempty"`
	Split     *SplitConfig     `yaml:"split,omitempty"`
	Registry  *RegistryConfig  `yaml:"registry,omitempty"`
	Telemetry *TelemetryConfig `yaml:"telemetry,omitempty"`
}

// FetchConfig defines network retrieval settings
type FetchConfig struct {
	// AttemptTimeout bounds a single download attempt (e.g. "30s")
	AttemptTimeout string `yaml:"attemptTimeout,omitempty"`

	// MaxAttempts is the number of attempts per mirror URL
	MaxAttempts int `yaml:"maxAttempts,omitempty"`

	// InitialBackoff is the first retry delay; later delays grow exponentially
	InitialBackoff string `yaml:"initialBackoff,omitempty"`

	// MaxElapsed bounds the total time spent retrying a single mirror
	MaxElapsed string `yaml:"maxElapsed,omitempty"`

	// S3Region is the AWS region used for s3:// mirrors
	S3Region string `yaml:"s3Region,omitempty"`
}

// DecodeConfig defines raw decoding settings
type DecodeConfig struct {
	// MaxSkipRatio is the largest tolerated fraction of malformed rows (0.05 = 5%)
	MaxSkipRatio *float64 `yaml:"maxSkipRatio,omitempty"`
}

// SplitConfig defines the default train/calibration/test split
type SplitConfig struct {
	Train       float64 `yaml:"train"`
	Calibration float64 `yaml:"calibration"`
	Test        float64 `yaml:"test"`
	Seed        int64   `yaml:"seed"`
}

// RegistryConfig points at an optional YAML file extending the built-in dataset table
type RegistryConfig struct {
	File string `yaml:"file,omitempty"`
}

// TelemetryConfig defines metrics output
type TelemetryConfig struct {
	// MetricsFile, when set, receives a Prometheus textfile snapshot on exit
	MetricsFile string `yaml:"metricsFile,omitempty"`
}

// Default returns a configuration populated with defaults only
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

// LoadConfig loads and parses configuration. Without a path option the defaults are returned.
func LoadConfig(opts ...Option) (*Config, error) {
	loaderCfg := &loaderConfig{}
	for _, opt := range opts {
		if err := opt(loaderCfg); err != nil {
			return nil, err
		}
	}

	var config Config
	if loaderCfg.path != "" {
		data, err := os.ReadFile(loaderCfg.path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}

		if err := yaml.Unmarshal(data, &config); err != nil {
			return nil, fmt.Errorf("failed to parse YAML config: %w", err)
		}
	}

	config.applyDefaults()

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &config, nil
}

// applyDefaults fills unset fields
func (c *Config) applyDefaults() {
	if c.CacheDir == "" {
		c.CacheDir = filepath.Join(xdg.CacheHome, AppName)
	}
	if c.OutputDir == "" {
		c.OutputDir = filepath.Join(xdg.DataHome, AppName, "processed")
	}
	if c.Workers == 0 {
		c.Workers = DefaultWorkers
	}
	if c.Fetch == nil {
		c.Fetch = &FetchConfig{}
	}
	if c.Fetch.MaxAttempts == 0 {
		c.Fetch.MaxAttempts = DefaultMaxAttempts
	}
	if c.Decode == nil {
		c.Decode = &DecodeConfig{}
	}
	if c.Split == nil {
		c.Split = &SplitConfig{
			Train:       DefaultTrainFraction,
			Calibration: DefaultCalibrationFraction,
			Test:        DefaultTestFraction,
			Seed:        DefaultSeed,
		}
	}
	if c.Registry == nil {
		c.Registry = &RegistryConfig{}
	}
	if c.Telemetry == nil {
		c.Telemetry = &TelemetryConfig{}
	}
}

// Validate performs validation on the configuration
func (c *Config) Validate() error {
	if c == nil {
		return fmt.Errorf("config cannot be nil")
	}

	if c.Workers < 1 {
		return fmt.Errorf("workers must be at least 1, got %d", c.Workers)
	}

	if err := c.Fetch.validate(); err != nil {
		return err
	}

	if r := c.Decode.MaxSkipRatio; r != nil && (*r < 0 || *r > 1 || math.IsNaN(*r)) {
		return fmt.Errorf("decode.maxSkipRatio must be within [0, 1], got %v", *r)
	}

	// Fractions are checked when the split is computed, so that the same error
	// kind is raised for configuration files and command-line overrides.
	if c.Split.Seed < 0 {
		return fmt.Errorf("split.seed must not be negative, got %d", c.Split.Seed)
	}

	return nil
}

func (f *FetchConfig) validate() error {
	if f.MaxAttempts < 1 {
		return fmt.Errorf("fetch.maxAttempts must be at least 1, got %d", f.MaxAttempts)
	}
	durations := map[string]string{
		"fetch.attemptTimeout": f.AttemptTimeout,
		"fetch.initialBackoff": f.InitialBackoff,
		"fetch.maxElapsed":     f.MaxElapsed,
	}
	for name, value := range durations {
		if value == "" {
			continue
		}
		d, err := time.ParseDuration(value)
		if err != nil {
			return fmt.Errorf("%s must be a valid duration (e.g., '30s', '2m'): %w", name, err)
		}
		if d <= 0 {
			return fmt.Errorf("%s must be positive, got %s", name, value)
		}
	}
	return nil
}

// GetAttemptTimeout returns the per-attempt timeout
func (f *FetchConfig) GetAttemptTimeout() time.Duration {
	return parseOr(f.AttemptTimeout, DefaultAttemptTimeout)
}

// GetInitialBackoff returns the initial retry delay
func (f *FetchConfig) GetInitialBackoff() time.Duration {
	return parseOr(f.InitialBackoff, DefaultInitialBackoff)
}

// GetMaxElapsed returns the retry budget per mirror
func (f *FetchConfig) GetMaxElapsed() time.Duration {
	return parseOr(f.MaxElapsed, DefaultMaxElapsed)
}

// GetMaxSkipRatio returns the malformed row threshold
func (d *DecodeConfig) GetMaxSkipRatio() float64 {
	if d == nil || d.MaxSkipRatio == nil {
		return DefaultMaxSkipRatio
	}
	return *d.MaxSkipRatio
}

func parseOr(value string, fallback time.Duration) time.Duration {
	if value == "" {
		return fallback
	}
	d, err := time.ParseDuration(value)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}

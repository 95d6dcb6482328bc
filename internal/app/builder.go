package app

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/clover-project/clover-datasets/internal/config"
	"github.com/clover-project/clover-datasets/internal/decode"
	"github.com/clover-project/clover-datasets/internal/fetch"
	"github.com/clover-project/clover-datasets/internal/normalize"
	"github.com/clover-project/clover-datasets/internal/pipeline"
	"github.com/clover-project/clover-datasets/internal/registry"
	"github.com/clover-project/clover-datasets/internal/status"
	"github.com/clover-project/clover-datasets/internal/store"
	"github.com/clover-project/clover-datasets/internal/telemetry"
)

// CloverAppOptions is a function that configures the app builder
type CloverAppOptions func(*cloverAppConfig) error

// cloverAppConfig collects builder inputs.
// Component overrides exist primarily for testing.
type cloverAppConfig struct {
	config *config.Config

	registry          *registry.Registry
	statusPersistence status.StatusPersistence
	fetchOptions      []fetch.Option
	traceLog          bool
}

func baseConfig(opts ...CloverAppOptions) (*cloverAppConfig, error) {
	cfg := &cloverAppConfig{}

	for _, opt := range opts {
		if err := opt(cfg); err != nil {
			return nil, err
		}
	}

	if cfg.config == nil {
		cfg.config = config.Default()
	}
	if err := cfg.config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// NewCloverApp assembles every pipeline component from the configuration
func NewCloverApp(ctx context.Context, opts ...CloverAppOptions) (*CloverApp, error) {
	cfg, err := baseConfig(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to build base configuration: %w", err)
	}
	c := cfg.config

	if cfg.registry == nil {
		cfg.registry, err = registry.Load(c.Registry.File)
		if err != nil {
			return nil, fmt.Errorf("failed to load dataset registry: %w", err)
		}
	}

	tel, err := telemetry.New(ctx,
		telemetry.WithMetricsFile(c.Telemetry.MetricsFile),
		telemetry.WithTraceLog(cfg.traceLog),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize telemetry: %w", err)
	}

	metrics, err := telemetry.NewMetrics(tel.MeterProvider())
	if err != nil {
		_ = tel.Shutdown(ctx)
		return nil, fmt.Errorf("failed to create pipeline metrics: %w", err)
	}
	tracer := tel.Tracer()

	fetcher := buildFetcher(cfg, metrics, tel)

	st, err := store.New(c.OutputDir, store.WithMetrics(metrics), store.WithTracer(tracer))
	if err != nil {
		_ = tel.Shutdown(ctx)
		return nil, fmt.Errorf("failed to open output directory: %w", err)
	}

	if cfg.statusPersistence == nil {
		cfg.statusPersistence = status.NewFileStatusPersistence(filepath.Join(c.CacheDir, status.DirName))
	}

	skipRatio := c.Decode.GetMaxSkipRatio()
	runner := pipeline.New(
		fetcher,
		decode.New(
			decode.WithMaxSkipRatio(skipRatio),
			decode.WithMetrics(metrics),
			decode.WithTracer(tracer),
		),
		normalize.New(
			normalize.WithMaxSkipRatio(skipRatio),
			normalize.WithMetrics(metrics),
			normalize.WithTracer(tracer),
		),
		st,
		pipeline.WithWorkers(c.Workers),
		pipeline.WithTracker(status.NewTracker(cfg.statusPersistence)),
	)

	return &CloverApp{
		config:    c,
		registry:  cfg.registry,
		fetcher:   fetcher,
		store:     st,
		statuses:  cfg.statusPersistence,
		runner:    runner,
		telemetry: tel,
	}, nil
}

func buildFetcher(cfg *cloverAppConfig, metrics *telemetry.Metrics, tel *telemetry.Telemetry) *fetch.Fetcher {
	fc := cfg.config.Fetch
	opts := []fetch.Option{
		fetch.WithMaxAttempts(fc.MaxAttempts),
		fetch.WithAttemptTimeout(fc.GetAttemptTimeout()),
		fetch.WithBackoff(fc.GetInitialBackoff(), fc.GetMaxElapsed()),
		fetch.WithS3Region(fc.S3Region),
		fetch.WithMetrics(metrics),
		fetch.WithTracer(tel.Tracer()),
	}
	// Overrides go last so they win over configuration values.
	opts = append(opts, cfg.fetchOptions...)
	return fetch.New(cfg.config.CacheDir, opts...)
}

// WithConfig sets the configuration
func WithConfig(c *config.Config) CloverAppOptions {
	return func(cfg *cloverAppConfig) error {
		if c == nil {
			return fmt.Errorf("config cannot be nil")
		}
		cfg.config = c
		return nil
	}
}

// WithRegistry replaces the registry loaded from configuration
func WithRegistry(r *registry.Registry) CloverAppOptions {
	return func(cfg *cloverAppConfig) error {
		cfg.registry = r
		return nil
	}
}

// WithStatusPersistence replaces the file-backed status store
func WithStatusPersistence(p status.StatusPersistence) CloverAppOptions {
	return func(cfg *cloverAppConfig) error {
		cfg.statusPersistence = p
		return nil
	}
}

// WithFetchOptions appends fetcher options, applied after the configured ones
func WithFetchOptions(opts ...fetch.Option) CloverAppOptions {
	return func(cfg *cloverAppConfig) error {
		cfg.fetchOptions = append(cfg.fetchOptions, opts...)
		return nil
	}
}

// WithTraceLog logs finished pipeline spans at debug level
func WithTraceLog(enabled bool) CloverAppOptions {
	return func(cfg *cloverAppConfig) error {
		cfg.traceLog = enabled
		return nil
	}
}

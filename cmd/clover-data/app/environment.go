package app

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	cloverapp "github.com/clover-project/clover-datasets/internal/app"
	"github.com/clover-project/clover-datasets/internal/config"
	"github.com/clover-project/clover-datasets/internal/filtering"
	"github.com/clover-project/clover-datasets/internal/logger"
	"github.com/clover-project/clover-datasets/internal/registry"
)

// loadConfig reads the configuration file, if any, and applies flag and
// environment overrides on top of it
func loadConfig(v *viper.Viper) (*config.Config, error) {
	var opts []config.Option
	if path := v.GetString(flagConfig); path != "" {
		opts = append(opts, config.WithConfigPath(path))
	}

	cfg, err := config.LoadConfig(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	if v.IsSet(flagCacheDir) {
		cfg.CacheDir = v.GetString(flagCacheDir)
	}
	if v.IsSet(flagOutputDir) {
		cfg.OutputDir = v.GetString(flagOutputDir)
	}
	if v.IsSet(flagWorkers) {
		cfg.Workers = v.GetInt(flagWorkers)
	}
	if v.IsSet(flagMetricsFile) {
		cfg.Telemetry.MetricsFile = v.GetString(flagMetricsFile)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// openApp builds the pipeline components for a command.
// The returned close function flushes telemetry and must always be called.
func openApp(cmd *cobra.Command, v *viper.Viper) (*cloverapp.CloverApp, func(), error) {
	cfg, err := loadConfig(v)
	if err != nil {
		return nil, nil, err
	}
	logger.Debugw("Loaded configuration",
		"cacheDir", cfg.CacheDir, "outputDir", cfg.OutputDir, "workers", cfg.Workers)

	ctx := cmd.Context()
	a, err := cloverapp.NewCloverApp(ctx,
		cloverapp.WithConfig(cfg),
		cloverapp.WithTraceLog(strings.EqualFold(v.GetString(flagLogLevel), "debug")),
	)
	if err != nil {
		return nil, nil, err
	}

	closeFn := func() {
		if err := a.Close(context.WithoutCancel(ctx)); err != nil {
			logger.Warnw("Failed to flush telemetry", "error", err)
		}
	}
	return a, closeFn, nil
}

// addSelectionFlags registers --dataset and --all, exactly one of which must be
// given, and --exclude
func addSelectionFlags(cmd *cobra.Command) {
	cmd.Flags().StringSlice("dataset", nil, "Dataset key or glob pattern (repeatable or comma separated)")
	cmd.Flags().Bool("all", false, "Select every dataset in the registry")
	cmd.Flags().StringSlice("exclude", nil, "Glob pattern of dataset keys to leave out")
	cmd.MarkFlagsMutuallyExclusive("dataset", "all")
	cmd.MarkFlagsOneRequired("dataset", "all")
}

// selectDatasets resolves the --dataset / --all selection against the registry
func selectDatasets(cmd *cobra.Command, reg *registry.Registry) ([]registry.Descriptor, error) {
	keys, err := cmd.Flags().GetStringSlice("dataset")
	if err != nil {
		return nil, err
	}
	all, err := cmd.Flags().GetBool("all")
	if err != nil {
		return nil, err
	}
	exclude, err := cmd.Flags().GetStringSlice("exclude")
	if err != nil {
		return nil, err
	}

	if all {
		keys = reg.Keys()
	}
	keys, err = filtering.Select(reg.Keys(), keys, exclude)
	if err != nil {
		return nil, err
	}
	return reg.Resolve(keys, false)
}

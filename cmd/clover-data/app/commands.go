// Package app provides the entry point for the clover-data command line.
package app

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/clover-project/clover-datasets/internal/config"
	"github.com/clover-project/clover-datasets/internal/logger"
	"github.com/clover-project/clover-datasets/internal/versions"
)

// Global flag names, also the viper keys they are bound to
const (
	flagConfig      = "config"
	flagCacheDir    = "cache-dir"
	flagOutputDir   = "output-dir"
	flagWorkers     = "workers"
	flagLogLevel    = "log-level"
	flagLogFormat   = "log-format"
	flagMetricsFile = "metrics-file"
)

// NewRootCmd creates the clover-data command tree. Every call returns fresh
// commands bound to their own viper instance, so tests can run them in parallel.
func NewRootCmd() *cobra.Command {
	v := viper.New()
	v.SetEnvPrefix(config.EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	rootCmd := &cobra.Command{
		Use:               "clover-data",
		DisableAutoGenTag: true,
		SilenceUsage:      true,
		SilenceErrors:     true,
		Short:             "Download and normalize regression benchmark datasets",
		Long: `clover-data fetches the regression datasets used in conformal prediction
benchmarks, decodes their heterogeneous raw formats and stores them as canonical
numeric tables with a reproducible train/calibration/test split.`,
		PersistentPreRunE: func(_ *cobra.Command, _ []string) error {
			return initLogger(v)
		},
		Run: func(cmd *cobra.Command, _ []string) {
			// If no subcommand is provided, print help
			if err := cmd.Help(); err != nil {
				logger.Errorw("Error displaying help", "error", err)
			}
		},
	}

	flags := rootCmd.PersistentFlags()
	flags.String(flagConfig, "", "Path to configuration file (YAML format)")
	flags.String(flagCacheDir, "", "Directory holding raw downloads")
	flags.String(flagOutputDir, "", "Directory holding processed datasets")
	flags.Int(flagWorkers, config.DefaultWorkers, "Number of datasets handled concurrently")
	flags.String(flagLogLevel, "info", "Log level (debug, info, warn, error)")
	flags.String(flagLogFormat, "json", "Log format (json, console)")
	flags.String(flagMetricsFile, "", "Write a Prometheus textfile with pipeline metrics on exit")

	if err := bindFlags(v, flags); err != nil {
		// Flag names are constants; a failure here is a programming error
		panic(err)
	}

	rootCmd.AddCommand(newDownloadCmd(v))
	rootCmd.AddCommand(newProcessCmd(v))
	rootCmd.AddCommand(newListCmd(v))
	rootCmd.AddCommand(newShowCmd(v))
	rootCmd.AddCommand(newCleanCmd(v))
	rootCmd.AddCommand(newVersionCmd())

	return rootCmd
}

func bindFlags(v *viper.Viper, fs *pflag.FlagSet) error {
	var errs []error
	fs.VisitAll(func(f *pflag.Flag) {
		if err := v.BindPFlag(f.Name, f); err != nil {
			errs = append(errs, fmt.Errorf("failed to bind %s flag: %w", f.Name, err))
		}
	})
	return errors.Join(errs...)
}

func initLogger(v *viper.Viper) error {
	format := strings.ToLower(v.GetString(flagLogFormat))
	if format != "json" && format != "console" {
		return fmt.Errorf("invalid log format %q, expected json or console", format)
	}
	if err := logger.Initialize(v.GetString(flagLogLevel), format == "json"); err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	return nil
}

func newVersionCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			info := versions.GetVersionInfo()
			format, err := cmd.Flags().GetString("format")
			if err != nil {
				return fmt.Errorf("failed to read format flag: %w", err)
			}

			out := cmd.OutOrStdout()
			switch format {
			case "json":
				output, err := json.MarshalIndent(info, "", "  ")
				if err != nil {
					return fmt.Errorf("failed to format version info as JSON: %w", err)
				}
				_, err = fmt.Fprintln(out, string(output))
				return err
			case "":
				_, err = fmt.Fprintf(out, "clover-data %s\n  commit: %s\n  built:  %s\n  go:     %s\n  platform: %s\n",
					info.Version, info.Commit, info.BuildDate, info.GoVersion, info.Platform)
				return err
			default:
				return fmt.Errorf("unsupported format %q", format)
			}
		},
	}
	cmd.Flags().String("format", "", "Output format (json)")
	return cmd
}

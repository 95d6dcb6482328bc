package app

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/clover-project/clover-datasets/internal/config"
	"github.com/clover-project/clover-datasets/internal/failures"
	"github.com/clover-project/clover-datasets/internal/normalize"
	"github.com/clover-project/clover-datasets/internal/pipeline"
)

func newProcessCmd(v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "process",
		Short: "Decode, normalize and store cached datasets",
		Long: `Decode cached raw files, normalize them into numeric features and target,
assign a reproducible train/calibration/test split and store the result.

Raw data must have been downloaded first unless --fetch or --force is given.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, closeApp, err := openApp(cmd, v)
			if err != nil {
				return err
			}
			defer closeApp()

			opts, err := processOptions(cmd, a.Config().Split)
			if err != nil {
				return err
			}
			descs, err := selectDatasets(cmd, a.Registry())
			if err != nil {
				return err
			}

			report := a.Runner().Process(cmd.Context(), descs, opts)
			if err := printReport(cmd.ErrOrStderr(), report); err != nil {
				return err
			}
			return reportError(report)
		},
	}
	addSelectionFlags(cmd)
	cmd.Flags().Int64("seed", config.DefaultSeed, "Seed of the split permutation")
	cmd.Flags().Float64("train", config.DefaultTrainFraction, "Fraction of rows in the training partition")
	cmd.Flags().Float64("calibration", config.DefaultCalibrationFraction, "Fraction of rows in the calibration partition")
	cmd.Flags().Float64("test", config.DefaultTestFraction, "Fraction of rows in the test partition")
	cmd.Flags().Bool("fetch", false, "Download raw data that is not cached yet")
	cmd.Flags().Bool("force", false, "Download raw data again before processing")
	return cmd
}

// processOptions starts from the configured split and applies the flags that were set
func processOptions(cmd *cobra.Command, defaults *config.SplitConfig) (pipeline.ProcessOptions, error) {
	split := normalize.SplitConfig{
		Train:       defaults.Train,
		Calibration: defaults.Calibration,
		Test:        defaults.Test,
		Seed:        defaults.Seed,
	}

	flags := cmd.Flags()
	var err error
	if flags.Changed("seed") {
		if split.Seed, err = flags.GetInt64("seed"); err != nil {
			return pipeline.ProcessOptions{}, err
		}
	}
	for name, dst := range map[string]*float64{
		"train":       &split.Train,
		"calibration": &split.Calibration,
		"test":        &split.Test,
	} {
		if !flags.Changed(name) {
			continue
		}
		if *dst, err = flags.GetFloat64(name); err != nil {
			return pipeline.ProcessOptions{}, err
		}
	}

	if err := split.Validate(); err != nil {
		return pipeline.ProcessOptions{}, fmt.Errorf("invalid split: %w: %w", failures.ErrConfig, err)
	}

	opts := pipeline.ProcessOptions{Split: split}
	if opts.Fetch, err = flags.GetBool("fetch"); err != nil {
		return pipeline.ProcessOptions{}, err
	}
	if opts.Force, err = flags.GetBool("force"); err != nil {
		return pipeline.ProcessOptions{}, err
	}
	return opts, nil
}

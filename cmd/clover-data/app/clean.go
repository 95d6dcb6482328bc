package app

import (
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

func newCleanCmd(v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "clean",
		Short: "Remove cached raw files and/or processed datasets",
		Long: `Remove cached raw files and/or processed datasets.

Without --cache or --processed both are removed.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, closeApp, err := openApp(cmd, v)
			if err != nil {
				return err
			}
			defer closeApp()

			descs, err := selectDatasets(cmd, a.Registry())
			if err != nil {
				return err
			}
			cache, err := cmd.Flags().GetBool("cache")
			if err != nil {
				return err
			}
			processed, err := cmd.Flags().GetBool("processed")
			if err != nil {
				return err
			}
			if !cache && !processed {
				cache, processed = true, true
			}

			return a.Clean(cmd.Context(), descs, cache, processed)
		},
	}
	addSelectionFlags(cmd)
	cmd.Flags().Bool("cache", false, "Remove cached raw files")
	cmd.Flags().Bool("processed", false, "Remove processed datasets")
	return cmd
}

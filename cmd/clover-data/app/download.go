package app

import (
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

func newDownloadCmd(v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "download",
		Short: "Download raw dataset files into the cache",
		Long: `Download raw dataset files into the cache.

Mirrors are tried in order with retries on transient failures. Files already
cached are not downloaded again unless --force is given.`,
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
			force, err := cmd.Flags().GetBool("force")
			if err != nil {
				return err
			}

			report := a.Runner().Download(cmd.Context(), descs, force)
			if err := printReport(cmd.ErrOrStderr(), report); err != nil {
				return err
			}
			return reportError(report)
		},
	}
	addSelectionFlags(cmd)
	cmd.Flags().Bool("force", false, "Download again even when cached")
	return cmd
}

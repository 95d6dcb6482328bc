package app

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	cloverapp "github.com/clover-project/clover-datasets/internal/app"
	"github.com/clover-project/clover-datasets/internal/failures"
	"github.com/clover-project/clover-datasets/internal/logger"
	"github.com/clover-project/clover-datasets/internal/status"
)

func newListCmd(v *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List registered datasets with their cache and processing state",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, closeApp, err := openApp(cmd, v)
			if err != nil {
				return err
			}
			defer closeApp()

			rows, err := listRows(cmd.Context(), a)
			if err != nil {
				return err
			}

			table := tablewriter.NewWriter(cmd.OutOrStdout())
			table.Header("Dataset", "Format", "Cached", "Rows", "Download", "Process")
			for _, row := range rows {
				if err := table.Append(row); err != nil {
					return fmt.Errorf("failed to render dataset table: %w", err)
				}
			}
			if err := table.Render(); err != nil {
				return fmt.Errorf("failed to render dataset table: %w", err)
			}
			return nil
		},
	}
}

func listRows(ctx context.Context, a *cloverapp.CloverApp) ([][]string, error) {
	statuses, err := a.Statuses().LoadAllStatus(ctx)
	if err != nil {
		// Status is advisory
		logger.Warnw("Failed to load dataset status", "error", err)
		statuses = nil
	}

	reg := a.Registry()
	rows := make([][]string, 0, reg.Len())
	for _, key := range reg.Keys() {
		desc, err := reg.Lookup(key)
		if err != nil {
			return nil, err
		}

		cached := "no"
		if entry, err := a.Fetcher().Cached(key); err != nil {
			cached = "error"
		} else if entry != nil {
			cached = "yes"
		}

		rowCount := "-"
		m, err := a.Store().Manifest(ctx, key)
		switch {
		case err == nil:
			rowCount = strconv.Itoa(m.Rows)
		case !errors.Is(err, failures.ErrNotProcessed):
			rowCount = "error"
		}

		st := statuses[key]
		if st == nil {
			st = &status.DatasetStatus{}
		}
		rows = append(rows, []string{
			key, string(desc.Format), cached, rowCount, phase(st.Download), phase(st.Process),
		})
	}
	return rows, nil
}

func phase(s *status.StageStatus) string {
	if s == nil || s.Phase == "" {
		return "-"
	}
	return string(s.Phase)
}

package app

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	cloverapp "github.com/clover-project/clover-datasets/internal/app"
	"github.com/clover-project/clover-datasets/internal/failures"
	"github.com/clover-project/clover-datasets/internal/fetch"
	"github.com/clover-project/clover-datasets/internal/logger"
	"github.com/clover-project/clover-datasets/internal/registry"
	"github.com/clover-project/clover-datasets/internal/status"
	"github.com/clover-project/clover-datasets/internal/store"
)

// datasetView is what show prints for one dataset
type datasetView struct {
	Key         string                `json:"key"`
	Description string                `json:"description,omitempty"`
	URLs        []string              `json:"urls"`
	Format      string                `json:"format"`
	Target      string                `json:"target"`
	Cache       *fetch.Entry          `json:"cache,omitempty"`
	Manifest    *store.Manifest       `json:"manifest,omitempty"`
	Status      *status.DatasetStatus `json:"status,omitempty"`
}

func newShowCmd(v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show KEY",
		Short: "Show the cache entry, manifest and status of a dataset",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, closeApp, err := openApp(cmd, v)
			if err != nil {
				return err
			}
			defer closeApp()

			format, err := cmd.Flags().GetString("format")
			if err != nil {
				return err
			}
			if format != "" && format != "json" {
				return fmt.Errorf("unsupported format %q", format)
			}

			view, err := showDataset(cmd, a, args[0])
			if err != nil {
				return err
			}

			verify, err := cmd.Flags().GetBool("verify")
			if err != nil {
				return err
			}
			if verify {
				if view.Manifest == nil {
					return failures.Newf(failures.ErrNotProcessed, failures.StageStore, view.Key, "nothing to verify")
				}
				if _, err := a.Store().Load(cmd.Context(), view.Key); err != nil {
					return err
				}
			}

			if format == "json" {
				output, err := json.MarshalIndent(view, "", "  ")
				if err != nil {
					return fmt.Errorf("failed to format dataset as JSON: %w", err)
				}
				_, err = fmt.Fprintln(cmd.OutOrStdout(), string(output))
				return err
			}
			return printDataset(cmd.OutOrStdout(), view, verify)
		},
	}
	cmd.Flags().String("format", "", "Output format (json)")
	cmd.Flags().Bool("verify", false, "Check the stored artifacts against their manifest checksums")
	return cmd
}

func showDataset(cmd *cobra.Command, a *cloverapp.CloverApp, key string) (*datasetView, error) {
	desc, err := a.Registry().Lookup(key)
	if err != nil {
		return nil, err
	}
	view := newDatasetView(desc)

	if view.Cache, err = a.Fetcher().Cached(key); err != nil {
		return nil, fmt.Errorf("failed to read cache entry: %w", err)
	}

	view.Manifest, err = a.Store().Manifest(cmd.Context(), key)
	if err != nil && !errors.Is(err, failures.ErrNotProcessed) {
		return nil, err
	}

	st, err := a.Statuses().LoadStatus(cmd.Context(), key)
	if err != nil {
		logger.Warnw("Failed to load dataset status", "dataset", key, "error", err)
	} else if st.Download != nil || st.Process != nil {
		view.Status = st
	}
	return view, nil
}

func newDatasetView(desc registry.Descriptor) *datasetView {
	return &datasetView{
		Key:         desc.Key,
		Description: desc.Description,
		URLs:        desc.URLs,
		Format:      string(desc.Format),
		Target:      desc.Target,
	}
}

func printDataset(w io.Writer, view *datasetView, verified bool) error {
	var b strings.Builder
	fmt.Fprintf(&b, "dataset:   %s\n", view.Key)
	if view.Description != "" {
		fmt.Fprintf(&b, "about:     %s\n", view.Description)
	}
	fmt.Fprintf(&b, "format:    %s\n", view.Format)
	fmt.Fprintf(&b, "target:    %s\n", view.Target)
	fmt.Fprintf(&b, "mirrors:   %s\n", strings.Join(view.URLs, ", "))

	if e := view.Cache; e != nil {
		fmt.Fprintf(&b, "cached:    %s (%d bytes, sha256 %s)\n", e.Path, e.Size, e.SHA256)
		fmt.Fprintf(&b, "fetched:   %s from %s\n", e.FetchedAt.Format(time.RFC3339), e.URL)
	} else {
		b.WriteString("cached:    no\n")
	}

	if m := view.Manifest; m != nil {
		fmt.Fprintf(&b, "processed: %s (run %s, written by %s)\n", m.CreatedAt.Format(time.RFC3339), m.RunID, m.Writer)
		fmt.Fprintf(&b, "rows:      %d\n", m.Rows)
		fmt.Fprintf(&b, "columns:   %d (%s)\n", len(m.Columns), strings.Join(m.Columns, ", "))
		fmt.Fprintf(&b, "split:     train %d, calibration %d, test %d (seed %d)\n",
			m.Counts.Train, m.Counts.Calibration, m.Counts.Test, m.Seed)
		if verified {
			b.WriteString("verified:  ok\n")
		}
	} else {
		b.WriteString("processed: no\n")
	}

	if s := view.Status; s != nil {
		writeStage(&b, status.StageDownload, s.Download)
		writeStage(&b, status.StageProcess, s.Process)
	}

	_, err := io.WriteString(w, b.String())
	return err
}

func writeStage(b *strings.Builder, stage status.Stage, s *status.StageStatus) {
	if s == nil {
		return
	}
	fmt.Fprintf(b, "%-10s %s", string(stage)+":", s.Phase)
	if s.LastAttempt != nil {
		fmt.Fprintf(b, " at %s", s.LastAttempt.Format(time.RFC3339))
	}
	if s.Message != "" {
		fmt.Fprintf(b, ": %s", s.Message)
	}
	b.WriteString("\n")
}

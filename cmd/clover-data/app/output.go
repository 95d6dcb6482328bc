package app

import (
	"fmt"
	"io"
	"time"

	"github.com/olekukonko/tablewriter"

	"github.com/clover-project/clover-datasets/internal/pipeline"
)

// printReport writes one row per dataset followed by the summary line
func printReport(w io.Writer, report *pipeline.Report) error {
	table := tablewriter.NewWriter(w)
	table.Header("Dataset", "Result", "Duration", "Detail")
	for _, res := range report.Results {
		if err := table.Append(reportRow(res)); err != nil {
			return fmt.Errorf("failed to render report: %w", err)
		}
	}
	if err := table.Render(); err != nil {
		return fmt.Errorf("failed to render report: %w", err)
	}
	_, err := fmt.Fprintln(w, report.Summary())
	return err
}

func reportRow(res pipeline.Result) []string {
	duration := res.Duration.Round(time.Millisecond).String()
	if !res.OK() {
		return []string{res.Key, "failed", duration, res.Err.Error()}
	}
	switch {
	case res.Manifest != nil:
		c := res.Manifest.Counts
		return []string{res.Key, "ok", duration,
			fmt.Sprintf("%d rows (%d/%d/%d)", res.Manifest.Rows, c.Train, c.Calibration, c.Test)}
	case res.Entry != nil:
		return []string{res.Key, "ok", duration, fmt.Sprintf("%d bytes from %s", res.Entry.Size, res.Entry.URL)}
	default:
		return []string{res.Key, "ok", duration, ""}
	}
}

// reportError returns nil when every dataset succeeded
func reportError(report *pipeline.Report) error {
	if err := report.Err(); err != nil {
		return fmt.Errorf("%s: %w", report.Summary(), err)
	}
	return nil
}

// Package decode turns cached raw files into a raw record table. Formats and
// archive kinds form closed sets; each variant has exactly one handler.
package decode

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/clover-project/clover-datasets/internal/failures"
	"github.com/clover-project/clover-datasets/internal/fetch"
	"github.com/clover-project/clover-datasets/internal/logger"
	"github.com/clover-project/clover-datasets/internal/otel"
	"github.com/clover-project/clover-datasets/internal/registry"
	"github.com/clover-project/clover-datasets/internal/telemetry"
)

// DefaultMaxSkipRatio is the largest tolerated fraction of malformed rows
const DefaultMaxSkipRatio = 0.05

// Table is the raw decoded content of a dataset: named columns of string values.
// Total counts every data row seen and Skipped the rows dropped as malformed.
type Table struct {
	Columns []string
	Rows    [][]string
	Total   int
	Skipped int
}

// Decoder decodes cache entries
type Decoder struct {
	scratchDir   string
	maxSkipRatio float64
	metrics      *telemetry.Metrics
	tracer       trace.Tracer
}

// Option configures a Decoder
type Option func(*Decoder)

// WithScratchDir sets where archives are unpacked. Defaults to the system temp dir.
func WithScratchDir(dir string) Option {
	return func(d *Decoder) {
		d.scratchDir = dir
	}
}

// WithMaxSkipRatio sets the malformed row threshold used when a descriptor has no override
func WithMaxSkipRatio(ratio float64) Option {
	return func(d *Decoder) {
		d.maxSkipRatio = ratio
	}
}

// WithMetrics records dropped rows
func WithMetrics(m *telemetry.Metrics) Option {
	return func(d *Decoder) {
		d.metrics = m
	}
}

// WithTracer records a span per decode
func WithTracer(t trace.Tracer) Option {
	return func(d *Decoder) {
		d.tracer = t
	}
}

// New creates a Decoder
func New(opts ...Option) *Decoder {
	d := &Decoder{maxSkipRatio: DefaultMaxSkipRatio}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// MaxSkipRatio returns the threshold applied to desc
func (d *Decoder) MaxSkipRatio(desc *registry.Descriptor) float64 {
	return desc.SkipRatio(d.maxSkipRatio)
}

// Decode reads the raw file of entry according to desc. Archives are unpacked
// into a scratch directory that is removed before returning.
func (d *Decoder) Decode(ctx context.Context, entry *fetch.Entry, desc registry.Descriptor) (*Table, error) {
	ctx, span := otel.StartSpan(ctx, d.tracer, "decode", trace.WithAttributes(otel.AttrDataset.String(desc.Key)))
	defer span.End()

	start := time.Now()
	table, err := d.decode(ctx, entry, &desc)
	d.metrics.RecordStageDuration(ctx, failures.StageDecode, desc.Key, time.Since(start), err == nil)
	if err != nil {
		otel.RecordError(span, err)
		return nil, err
	}

	span.SetAttributes(otel.AttrRows.Int(len(table.Rows)), otel.AttrSkipped.Int(table.Skipped))
	d.metrics.AddRowsDropped(ctx, desc.Key, telemetry.DropMalformed, table.Skipped)
	if table.Skipped > 0 {
		logger.Warnw("Skipped malformed rows",
			"dataset", desc.Key, "skipped", table.Skipped, "total", table.Total)
	}
	return table, nil
}

func (d *Decoder) decode(ctx context.Context, entry *fetch.Entry, desc *registry.Descriptor) (*Table, error) {
	fail := func(err error) error {
		return failures.New(failures.ErrDecode, failures.StageDecode, desc.Key, err)
	}
	if entry == nil {
		return nil, fail(fmt.Errorf("no cache entry"))
	}

	files := []string{entry.Path}
	if kind := desc.ArchiveKind(); kind != registry.ArchiveNone {
		scratch, err := os.MkdirTemp(d.scratchDir, "clover-"+desc.Key+"-")
		if err != nil {
			return nil, fail(fmt.Errorf("failed to create scratch directory: %w", err))
		}
		defer func() {
			_ = os.RemoveAll(scratch)
		}()

		if err := unpack(ctx, kind, entry.Path, scratch, filepath.Base(entry.Path)); err != nil {
			if ctx.Err() != nil {
				return nil, fail(ctx.Err())
			}
			return nil, fail(err)
		}
		files, err = selectMembers(scratch, desc.Members)
		if err != nil {
			return nil, fail(err)
		}
		if len(files) == 0 {
			return nil, fail(fmt.Errorf("no archive member matches %q", desc.Members))
		}
	}

	var merged *Table
	for _, path := range files {
		t, err := d.decodeFile(ctx, path, desc)
		if err != nil {
			return nil, fail(fmt.Errorf("%s: %w", filepath.Base(path), err))
		}
		if merged == nil {
			merged = t
			continue
		}
		if !slices.Equal(merged.Columns, t.Columns) {
			return nil, fail(fmt.Errorf("%s: columns [%s] differ from [%s]",
				filepath.Base(path), strings.Join(t.Columns, ","), strings.Join(merged.Columns, ",")))
		}
		merged.Rows = append(merged.Rows, t.Rows...)
		merged.Total += t.Total
		merged.Skipped += t.Skipped
	}

	if merged.Total == 0 {
		return nil, fail(fmt.Errorf("no data rows"))
	}
	ratio := float64(merged.Skipped) / float64(merged.Total)
	if limit := d.MaxSkipRatio(desc); ratio > limit {
		return nil, fail(fmt.Errorf("%d of %d rows malformed (%.2f%%), above the %.2f%% threshold",
			merged.Skipped, merged.Total, 100*ratio, 100*limit))
	}
	return merged, nil
}

// decodeFile dispatches on the declared format
func (d *Decoder) decodeFile(ctx context.Context, path string, desc *registry.Descriptor) (*Table, error) {
	//nolint:gosec // path is a cache entry or a member of its scratch directory
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open: %w", err)
	}
	defer func() {
		_ = f.Close()
	}()

	switch desc.Format {
	case registry.FormatCSV, registry.FormatTSV:
		return readDelimited(ctx, f, desc)
	case registry.FormatWhitespace:
		return readLines(ctx, f, desc, strings.Fields)
	case registry.FormatFixedWidth:
		return readLines(ctx, f, desc, splitFixed(desc.FieldSpans()))
	case registry.FormatCustom:
		handler, ok := customDecoders[desc.Key]
		if !ok {
			return nil, fmt.Errorf("no custom decoder registered for %q", desc.Key)
		}
		return handler(ctx, f, desc)
	default:
		return nil, fmt.Errorf("unsupported format %q", desc.Format)
	}
}

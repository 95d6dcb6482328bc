// Package normalize converts decoded tables into canonical datasets: numeric
// features, a numeric target and a reproducible train/calibration/test split.
package normalize

import (
	"context"
	"fmt"
	"math"
	"slices"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/clover-project/clover-datasets/internal/decode"
	"github.com/clover-project/clover-datasets/internal/failures"
	"github.com/clover-project/clover-datasets/internal/logger"
	"github.com/clover-project/clover-datasets/internal/otel"
	"github.com/clover-project/clover-datasets/internal/registry"
	"github.com/clover-project/clover-datasets/internal/telemetry"
)

// DefaultMissingTokens are values treated as absent in every dataset
var DefaultMissingTokens = []string{"", "?", "NA", "NaN", "nan", "null"}

// Normalizer builds canonical datasets
type Normalizer struct {
	maxSkipRatio float64
	metrics      *telemetry.Metrics
	tracer       trace.Tracer
}

// Option configures a Normalizer
type Option func(*Normalizer)

// WithMaxSkipRatio sets the malformed row threshold used when a descriptor has no override
func WithMaxSkipRatio(ratio float64) Option {
	return func(n *Normalizer) {
		n.maxSkipRatio = ratio
	}
}

// WithMetrics records dropped rows
func WithMetrics(m *telemetry.Metrics) Option {
	return func(n *Normalizer) {
		n.metrics = m
	}
}

// WithTracer records a span per normalization
func WithTracer(t trace.Tracer) Option {
	return func(n *Normalizer) {
		n.tracer = t
	}
}

// New creates a Normalizer
func New(opts ...Option) *Normalizer {
	n := &Normalizer{maxSkipRatio: decode.DefaultMaxSkipRatio}
	for _, opt := range opts {
		opt(n)
	}
	return n
}

// column describes how one table column feeds the dataset
type column struct {
	index       int
	name        string
	categorical bool
	categories  []string
}

// Normalize builds the canonical dataset of table. Rows with a missing value
// are dropped; rows with a value that is not a finite number are dropped as
// malformed and count, with the decoder's skipped rows, against the skip ratio.
func (n *Normalizer) Normalize(
	ctx context.Context, table *decode.Table, desc registry.Descriptor, cfg SplitConfig,
) (*Dataset, error) {
	ctx, span := otel.StartSpan(ctx, n.tracer, "normalize", trace.WithAttributes(otel.AttrDataset.String(desc.Key)))
	defer span.End()

	start := time.Now()
	ds, err := n.normalize(ctx, table, &desc, cfg)
	n.metrics.RecordStageDuration(ctx, failures.StageNormalize, desc.Key, time.Since(start), err == nil)
	if err != nil {
		otel.RecordError(span, err)
		return nil, err
	}
	span.SetAttributes(otel.AttrRows.Int(ds.Rows()))
	return ds, nil
}

func (n *Normalizer) normalize(
	ctx context.Context, table *decode.Table, desc *registry.Descriptor, cfg SplitConfig,
) (*Dataset, error) {
	configErr := func(format string, args ...any) error {
		return failures.Newf(failures.ErrConfig, failures.StageNormalize, desc.Key, format, args...)
	}
	decodeErr := func(format string, args ...any) error {
		return failures.Newf(failures.ErrDecode, failures.StageNormalize, desc.Key, format, args...)
	}

	if err := cfg.Validate(); err != nil {
		return nil, failures.New(failures.ErrConfig, failures.StageNormalize, desc.Key, err)
	}
	if table == nil || table.Total == 0 {
		return nil, decodeErr("table holds no rows")
	}

	index := make(map[string]int, len(table.Columns))
	for i, c := range table.Columns {
		index[c] = i
	}
	target, ok := index[desc.Target]
	if !ok {
		return nil, configErr("target column %q not found in [%s]", desc.Target, strings.Join(table.Columns, ", "))
	}

	dropped := make(map[string]bool, len(desc.Drop))
	for _, c := range desc.Drop {
		if _, ok := index[c]; !ok {
			return nil, configErr("drop column %q not found", c)
		}
		if c == desc.Target {
			return nil, configErr("target column %q cannot be dropped", c)
		}
		dropped[c] = true
	}
	categorical := make(map[string]bool, len(desc.Categorical))
	for _, c := range desc.Categorical {
		if _, ok := index[c]; !ok {
			return nil, configErr("categorical column %q not found", c)
		}
		if c == desc.Target {
			return nil, configErr("target column %q cannot be categorical", c)
		}
		categorical[c] = true
	}

	var features []*column
	for i, c := range table.Columns {
		if i == target || dropped[c] {
			continue
		}
		features = append(features, &column{index: i, name: c, categorical: categorical[c]})
	}
	if len(features) == 0 {
		return nil, configErr("no feature columns left after dropping %v", desc.Drop)
	}

	missing := make(map[string]bool)
	for _, tok := range slices.Concat(DefaultMissingTokens, desc.MissingTokens) {
		missing[tok] = true
	}

	// First pass: classify rows and collect categories from the rows kept
	keep := make([]bool, len(table.Rows))
	nMissing, nMalformed := 0, 0
	distinct := make(map[int]map[string]bool)
	for i, row := range table.Rows {
		if i%4096 == 0 {
			if err := ctx.Err(); err != nil {
				return nil, decodeErr("%w", err)
			}
		}
		switch classify(row, len(table.Columns), target, features, missing) {
		case rowMissing:
			nMissing++
			continue
		case rowMalformed:
			nMalformed++
			continue
		}
		keep[i] = true
		for _, f := range features {
			if f.categorical {
				if distinct[f.index] == nil {
					distinct[f.index] = make(map[string]bool)
				}
				distinct[f.index][row[f.index]] = true
			}
		}
	}

	n.metrics.AddRowsDropped(ctx, desc.Key, telemetry.DropMissing, nMissing)
	n.metrics.AddRowsDropped(ctx, desc.Key, telemetry.DropMalformed, nMalformed)
	if nMissing > 0 || nMalformed > 0 {
		logger.Infow("Dropped rows", "dataset", desc.Key, "missing", nMissing, "malformed", nMalformed)
	}

	bad := table.Skipped + nMalformed
	limit := desc.SkipRatio(n.maxSkipRatio)
	if ratio := float64(bad) / float64(table.Total); ratio > limit {
		return nil, decodeErr("%d of %d rows malformed (%.2f%%), above the %.2f%% threshold",
			bad, table.Total, 100*ratio, 100*limit)
	}

	kept := 0
	for _, k := range keep {
		if k {
			kept++
		}
	}
	if kept == 0 {
		return nil, decodeErr("no rows left after dropping %d missing and %d malformed", nMissing, nMalformed)
	}

	encoding := desc.CategoricalEncoding()
	var columns []string
	for _, f := range features {
		if !f.categorical {
			columns = append(columns, f.name)
			continue
		}
		for v := range distinct[f.index] {
			f.categories = append(f.categories, v)
		}
		slices.Sort(f.categories)
		if encoding == registry.EncodingOneHot {
			for _, v := range f.categories {
				columns = append(columns, f.name+"="+v)
			}
		} else {
			columns = append(columns, f.name)
		}
	}

	ds := &Dataset{
		Key:       desc.Key,
		Columns:   columns,
		Features:  make([][]float64, 0, kept),
		Target:    make([]float64, 0, kept),
		Seed:      cfg.Seed,
		Fractions: cfg.Fractions(),
	}
	for i, row := range table.Rows {
		if !keep[i] {
			continue
		}
		vec := make([]float64, 0, len(columns))
		for _, f := range features {
			value := row[f.index]
			switch {
			case !f.categorical:
				v, _ := parseFinite(value)
				vec = append(vec, v)
			case encoding == registry.EncodingOneHot:
				for _, c := range f.categories {
					if c == value {
						vec = append(vec, 1)
					} else {
						vec = append(vec, 0)
					}
				}
			default:
				pos, _ := slices.BinarySearch(f.categories, value)
				vec = append(vec, float64(pos))
			}
		}
		y, _ := parseFinite(row[target])
		ds.Features = append(ds.Features, vec)
		ds.Target = append(ds.Target, y)
	}
	ds.Split = cfg.Assign(desc.Key, len(ds.Target))

	if err := ds.Validate(); err != nil {
		return nil, decodeErr("%w", err)
	}

	counts := ds.Counts()
	logger.Debugw("Normalized dataset",
		"dataset", desc.Key, "rows", ds.Rows(), "columns", len(ds.Columns),
		"train", counts[Train], "calibration", counts[Calibration], "test", counts[Test])
	return ds, nil
}

type rowStatus int

const (
	rowOK rowStatus = iota
	rowMissing
	rowMalformed
)

// classify reports whether a row is usable. A row of the wrong width is malformed,
// and a malformed value outranks a missing one.
func classify(row []string, width, target int, features []*column, missing map[string]bool) rowStatus {
	if len(row) != width {
		return rowMalformed
	}
	status := rowOK
	check := func(value string, categorical bool) {
		switch {
		case missing[value]:
			if status == rowOK {
				status = rowMissing
			}
		case categorical:
		default:
			if _, ok := parseFinite(value); !ok {
				status = rowMalformed
			}
		}
	}

	check(row[target], false)
	for _, f := range features {
		check(row[f.index], f.categorical)
	}
	return status
}

func parseFinite(s string) (float64, bool) {
	v, err := strconv.ParseFloat(s, 64)
	if err != nil || math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, false
	}
	return v, true
}

// String describes the split configuration for logs and errors
func (c SplitConfig) String() string {
	return fmt.Sprintf("train=%g calibration=%g test=%g seed=%d", c.Train, c.Calibration, c.Test, c.Seed)
}

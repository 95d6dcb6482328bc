// Package telemetry provides OpenTelemetry instrumentation for the dataset pipeline.
package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// PipelineMetricsMeterName is the name used for the pipeline metrics meter
const PipelineMetricsMeterName = "github.com/clover-project/clover-datasets/pipeline"

// Fetch attempt outcomes
const (
	OutcomeSuccess   = "success"
	OutcomeTransient = "transient"
	OutcomePermanent = "permanent"
	OutcomeIntegrity = "integrity"
	OutcomeCacheHit  = "cache_hit"
)

// Row drop reasons
const (
	DropMalformed = "malformed"
	DropMissing   = "missing"
)

// Metrics holds the OpenTelemetry instruments for the pipeline.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	fetchAttempts metric.Int64Counter
	fetchBytes    metric.Int64Counter
	rowsDropped   metric.Int64Counter
	stageDuration metric.Float64Histogram
}

// NewMetrics creates the pipeline instruments with the given meter provider.
// If provider is nil, it returns nil (no-op metrics).
func NewMetrics(provider metric.MeterProvider) (*Metrics, error) {
	if provider == nil {
		return nil, nil
	}

	meter := provider.Meter(PipelineMetricsMeterName)

	fetchAttempts, err := meter.Int64Counter(
		"clover_fetch_attempts_total",
		metric.WithDescription("Download attempts per dataset and outcome"),
		metric.WithUnit("{attempt}"),
	)
	if err != nil {
		return nil, err
	}

	fetchBytes, err := meter.Int64Counter(
		"clover_fetch_bytes_total",
		metric.WithDescription("Bytes written to the raw cache"),
		metric.WithUnit("By"),
	)
	if err != nil {
		return nil, err
	}

	rowsDropped, err := meter.Int64Counter(
		"clover_rows_dropped_total",
		metric.WithDescription("Rows dropped while decoding or normalizing"),
		metric.WithUnit("{row}"),
	)
	if err != nil {
		return nil, err
	}

	stageDuration, err := meter.Float64Histogram(
		"clover_stage_duration_seconds",
		metric.WithDescription("Duration of pipeline stages in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.01, 0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300),
	)
	if err != nil {
		return nil, err
	}

	return &Metrics{
		fetchAttempts: fetchAttempts,
		fetchBytes:    fetchBytes,
		rowsDropped:   rowsDropped,
		stageDuration: stageDuration,
	}, nil
}

// RecordFetchAttempt counts one download attempt
func (m *Metrics) RecordFetchAttempt(ctx context.Context, dataset, outcome string) {
	if m == nil || m.fetchAttempts == nil {
		return
	}
	m.fetchAttempts.Add(ctx, 1, metric.WithAttributes(
		attribute.String("dataset", dataset),
		attribute.String("outcome", outcome),
	))
}

// AddFetchBytes counts bytes stored for a dataset
func (m *Metrics) AddFetchBytes(ctx context.Context, dataset string, n int64) {
	if m == nil || m.fetchBytes == nil || n <= 0 {
		return
	}
	m.fetchBytes.Add(ctx, n, metric.WithAttributes(attribute.String("dataset", dataset)))
}

// AddRowsDropped counts rows discarded for reason
func (m *Metrics) AddRowsDropped(ctx context.Context, dataset, reason string, n int) {
	if m == nil || m.rowsDropped == nil || n <= 0 {
		return
	}
	m.rowsDropped.Add(ctx, int64(n), metric.WithAttributes(
		attribute.String("dataset", dataset),
		attribute.String("reason", reason),
	))
}

// RecordStageDuration records how long a stage took for a dataset
func (m *Metrics) RecordStageDuration(ctx context.Context, stage, dataset string, duration time.Duration, success bool) {
	if m == nil || m.stageDuration == nil {
		return
	}
	m.stageDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(
		attribute.String("stage", stage),
		attribute.String("dataset", dataset),
		attribute.Bool("success", success),
	))
}

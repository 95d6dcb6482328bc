package telemetry

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/prometheus/client_golang/prometheus"
	otelprom "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/clover-project/clover-datasets/internal/logger"
)

// TracerName is the instrumentation name of pipeline spans
const TracerName = "github.com/clover-project/clover-datasets"

// Telemetry encapsulates OpenTelemetry providers and handles their lifecycle.
type Telemetry struct {
	tracerProvider trace.TracerProvider
	meterProvider  metric.MeterProvider
	registry       *prometheus.Registry
	metricsFile    string
}

// Option is a function that configures the telemetry setup
type Option func(*telemetryConfig)

type telemetryConfig struct {
	metricsFile string
	traceLog    bool
}

// WithMetricsFile enables metrics, written in the Prometheus text format to path on Shutdown
func WithMetricsFile(path string) Option {
	return func(tc *telemetryConfig) {
		tc.metricsFile = path
	}
}

// WithTraceLog enables span recording; finished spans are logged at debug level
func WithTraceLog(enabled bool) Option {
	return func(tc *telemetryConfig) {
		tc.traceLog = enabled
	}
}

// New creates the providers. Without options both are no-ops and MeterProvider returns nil.
// The caller is responsible for calling Shutdown when the application exits.
func New(_ context.Context, opts ...Option) (*Telemetry, error) {
	cfg := &telemetryConfig{}
	for _, opt := range opts {
		opt(cfg)
	}

	t := &Telemetry{
		tracerProvider: noop.NewTracerProvider(),
		metricsFile:    cfg.metricsFile,
	}

	if cfg.traceLog {
		t.tracerProvider = sdktrace.NewTracerProvider(sdktrace.WithSyncer(&logExporter{}))
	}

	if cfg.metricsFile != "" {
		reg := prometheus.NewRegistry()
		exporter, err := otelprom.New(otelprom.WithRegisterer(reg))
		if err != nil {
			return nil, fmt.Errorf("failed to create prometheus exporter: %w", err)
		}
		t.registry = reg
		t.meterProvider = sdkmetric.NewMeterProvider(sdkmetric.WithReader(exporter))
		logger.Debugw("Metrics enabled", "file", cfg.metricsFile)
	}

	return t, nil
}

// MeterProvider returns the configured meter provider, or nil when metrics are disabled
func (t *Telemetry) MeterProvider() metric.MeterProvider {
	return t.meterProvider
}

// Tracer returns the pipeline tracer
func (t *Telemetry) Tracer() trace.Tracer {
	return t.tracerProvider.Tracer(TracerName)
}

// Shutdown writes the metrics file, if any, and shuts the providers down.
// This method is safe to call multiple times.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	var errs []error

	if t.registry != nil && t.metricsFile != "" {
		if err := os.MkdirAll(filepath.Dir(t.metricsFile), 0750); err != nil {
			errs = append(errs, fmt.Errorf("failed to create metrics directory: %w", err))
		} else if err := prometheus.WriteToTextfile(t.metricsFile, t.registry); err != nil {
			errs = append(errs, fmt.Errorf("failed to write metrics file: %w", err))
		}
		t.registry = nil
	}

	if tp, ok := t.tracerProvider.(*sdktrace.TracerProvider); ok {
		if err := tp.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("failed to shutdown tracer provider: %w", err))
		}
	}

	if mp, ok := t.meterProvider.(*sdkmetric.MeterProvider); ok {
		if err := mp.Shutdown(ctx); err != nil && !errors.Is(err, sdkmetric.ErrReaderShutdown) {
			errs = append(errs, fmt.Errorf("failed to shutdown meter provider: %w", err))
		}
	}

	return errors.Join(errs...)
}

// logExporter logs finished spans
type logExporter struct{}

func (*logExporter) ExportSpans(_ context.Context, spans []sdktrace.ReadOnlySpan) error {
	for _, s := range spans {
		logger.Debugw("Span finished",
			"name", s.Name(),
			"duration", s.EndTime().Sub(s.StartTime()),
			"status", s.Status().Code.String(),
		)
	}
	return nil
}

func (*logExporter) Shutdown(context.Context) error {
	return nil
}

// Package otel provides OpenTelemetry span helpers shared by the pipeline stages.
package otel

import (
	"context"
	"errors"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/clover-project/clover-datasets/internal/failures"
)

// Common attribute keys used on pipeline spans
const (
	AttrDataset  = attribute.Key("dataset.key")
	AttrStage    = attribute.Key("pipeline.stage")
	AttrURL      = attribute.Key("fetch.url")
	AttrAttempt  = attribute.Key("fetch.attempt")
	AttrBytes    = attribute.Key("fetch.bytes")
	AttrCacheHit = attribute.Key("fetch.cache_hit")
	AttrRows     = attribute.Key("result.rows")
	AttrSkipped  = attribute.Key("result.skipped")
)

// StartSpan starts a new span if the tracer is non-nil, otherwise returns a no-op span.
// This provides graceful degradation when tracing is disabled.
func StartSpan(
	ctx context.Context,
	tracer trace.Tracer,
	name string,
	opts ...trace.SpanStartOption,
) (context.Context, trace.Span) {
	if tracer == nil {
		return ctx, trace.SpanFromContext(ctx)
	}
	return tracer.Start(ctx, name, opts...)
}

// RecordError records an error on a span and sets the span status to error.
// The status description carries the failure kind only; the full error is kept
// in the span event.
// It safely handles nil spans and nil errors.
func RecordError(span trace.Span, err error) {
	if err == nil || span == nil {
		return
	}
	span.RecordError(err)

	description := "operation failed"
	var fe *failures.Error
	if errors.As(err, &fe) && fe.Kind != nil {
		description = fe.Kind.Error()
	}
	span.SetStatus(codes.Error, description)
}

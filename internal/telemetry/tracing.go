package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/daarshnicsanjeev/omni-visual"

// Span event names recorded on the active span at component boundaries.
const (
	EventRetryBackoff = "retry.backoff"
	EventPoolAcquire  = "pool.acquire"
	EventCacheLookup  = "cache.lookup"
)

// StartSpan starts a span tagged with the correlation ID carried by ctx, if
// any, so traces can be joined with log lines and error responses.
func StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	if id := CorrelationID(ctx); id != "" {
		attrs = append(attrs, attribute.String("correlation_id", id))
	}
	return otel.Tracer(tracerName).Start(ctx, name, trace.WithAttributes(attrs...))
}

// EndSpan records err, or success when err is nil, and ends the span.
func EndSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}

// RetryBackoff notes on the active span that op failed its attempt-th try and
// will be retried after delay.
func RetryBackoff(ctx context.Context, op string, attempt int, delay time.Duration) {
	trace.SpanFromContext(ctx).AddEvent(EventRetryBackoff, trace.WithAttributes(
		attribute.String("op", op),
		attribute.Int("attempt", attempt),
		attribute.Int64("delay_ms", delay.Milliseconds()),
	))
}

// PoolAcquire notes how long the caller waited for a provider connection.
func PoolAcquire(ctx context.Context, wait time.Duration, err error) {
	attrs := []attribute.KeyValue{attribute.Int64("wait_us", wait.Microseconds())}
	if err != nil {
		attrs = append(attrs, attribute.String("error", err.Error()))
	}
	trace.SpanFromContext(ctx).AddEvent(EventPoolAcquire, trace.WithAttributes(attrs...))
}

// CacheLookup notes a cache lookup outcome (hit, miss, expired, shared).
func CacheLookup(ctx context.Context, cache, result string) {
	trace.SpanFromContext(ctx).AddEvent(EventCacheLookup, trace.WithAttributes(
		attribute.String("cache", cache),
		attribute.String("result", result),
	))
}

// PanoramaOutcome tags a capture span with its per-heading tally.
func PanoramaOutcome(span trace.Span, headings, succeeded, failed int) {
	span.SetAttributes(
		attribute.Int("panorama.headings", headings),
		attribute.Int("panorama.succeeded", succeeded),
		attribute.Int("panorama.failed", failed),
	)
}

// spanIDs returns the trace and span IDs of the span in ctx, or empty strings.
func spanIDs(ctx context.Context) (traceID, spanID string) {
	sc := trace.SpanContextFromContext(ctx)
	if sc.HasTraceID() {
		traceID = sc.TraceID().String()
	}
	if sc.HasSpanID() {
		spanID = sc.SpanID().String()
	}
	return traceID, spanID
}

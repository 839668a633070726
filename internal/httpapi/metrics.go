package httpapi

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// toolLatencyBuckets spans a cached answer (milliseconds) up to a panorama
// that exhausted its retries on every heading.
var toolLatencyBuckets = []float64{0.005, 0.025, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30}

// Metrics instruments the HTTP surface. Requests are labelled by chi route
// pattern and status class; failed tool calls are additionally counted by the
// kind of upstream error behind them. A nil *Metrics records nothing.
type Metrics struct {
	requestDuration metric.Float64Histogram
	requests        metric.Int64Counter
	toolFailures    metric.Int64Counter
}

func NewMetrics(meter metric.Meter) (*Metrics, error) {
	requestDuration, err := meter.Float64Histogram(
		"http_request_duration_seconds",
		metric.WithDescription("Tool and operational request latency, cache hits included"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(toolLatencyBuckets...),
	)
	if err != nil {
		return nil, fmt.Errorf("create http_request_duration histogram: %w", err)
	}

	requests, err := meter.Int64Counter(
		"http_requests_total",
		metric.WithDescription("Requests served, by route and status class"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create http_requests_total counter: %w", err)
	}

	toolFailures, err := meter.Int64Counter(
		"tool_failures_total",
		metric.WithDescription("Failed tool calls, by tool, upstream error kind and status class"),
		metric.WithUnit("{failure}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create tool_failures_total counter: %w", err)
	}

	return &Metrics{
		requestDuration: requestDuration,
		requests:        requests,
		toolFailures:    toolFailures,
	}, nil
}

// RecordRequest counts one served request against its route pattern.
func (m *Metrics) RecordRequest(ctx context.Context, method, route string, status int, elapsed time.Duration) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributeSet(attribute.NewSet(
		attribute.String("method", method),
		attribute.String("route", route),
		attribute.String("status_class", statusClass(status)),
	))
	m.requests.Add(ctx, 1, attrs)
	m.requestDuration.Record(ctx, elapsed.Seconds(), attrs)
}

// RecordToolFailure counts a tool call that ended in err and was answered
// with status.
func (m *Metrics) RecordToolFailure(ctx context.Context, tool string, status int, err error) {
	if m == nil {
		return
	}
	m.toolFailures.Add(ctx, 1, metric.WithAttributes(
		attribute.String("tool", tool),
		attribute.String("error_kind", errorKind(err)),
		attribute.String("status_class", statusClass(status)),
	))
}

// statusClass folds a status code into 2xx, 4xx or 5xx.
func statusClass(status int) string {
	return strconv.Itoa(status/100) + "xx"
}

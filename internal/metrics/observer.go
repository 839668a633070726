package metrics

import (
	"context"
	"strconv"
	"time"

	"github.com/daarshnicsanjeev/omni-visual/internal/upstream"
	"go.opentelemetry.io/otel/attribute"
)

// Metric names recorded at component boundaries.
const (
	CacheLookupsTotal        = "cache_lookups_total"
	CacheEvictionsTotal      = "cache_evictions_total"
	CacheFetchDuration       = "cache_fetch_duration_seconds"
	UpstreamAttemptsTotal    = "upstream_attempts_total"
	UpstreamAttemptDuration  = "upstream_attempt_duration_seconds"
	RetryBackoffSeconds      = "retry_backoff_seconds"
	PoolAcquireTotal         = "pool_acquire_total"
	PoolAcquireWait          = "pool_acquire_wait_seconds"
	PoolConnectionsInUse     = "pool_connections_in_use"
	PoolConnectionsTotal     = "pool_connections_total"
	PoolConnectionsDiscarded = "pool_connections_discarded_total"
	PanoramaHeadingsTotal    = "panorama_headings_total"
	PanoramaHeadingDuration  = "panorama_heading_duration_seconds"
	PanoramaCaptureDuration  = "panorama_capture_duration_seconds"
)

// Cache lookup outcomes.
const (
	CacheHit     = "hit"
	CacheMiss    = "miss"
	CacheExpired = "expired"
	CacheShared  = "shared"
)

// Observer receives events at component boundaries. Implementations must be
// cheap and must not fail; observing never changes control flow.
type Observer interface {
	CacheLookup(ctx context.Context, cache, outcome string)
	CacheEviction(ctx context.Context, cache string)
	CacheFetch(ctx context.Context, cache string, latency time.Duration, err error)
	RetryAttempt(ctx context.Context, op string, attempt int, latency time.Duration, err error)
	RetryBackoff(ctx context.Context, op string, attempt int, delay time.Duration)
	PoolAcquire(ctx context.Context, wait time.Duration, err error)
	PoolDiscard(ctx context.Context, reason string)
	PoolUtilization(ctx context.Context, inUse, total, max int32)
	PanoramaHeading(ctx context.Context, heading int, latency time.Duration, err error)
	PanoramaCapture(ctx context.Context, succeeded, failed int, latency time.Duration)
}

// NopObserver discards every event.
type NopObserver struct{}

func (NopObserver) CacheLookup(context.Context, string, string)                     {}
func (NopObserver) CacheEviction(context.Context, string)                           {}
func (NopObserver) CacheFetch(context.Context, string, time.Duration, error)        {}
func (NopObserver) RetryAttempt(context.Context, string, int, time.Duration, error) {}
func (NopObserver) RetryBackoff(context.Context, string, int, time.Duration)        {}
func (NopObserver) PoolAcquire(context.Context, time.Duration, error)               {}
func (NopObserver) PoolDiscard(context.Context, string)                             {}
func (NopObserver) PoolUtilization(context.Context, int32, int32, int32)            {}
func (NopObserver) PanoramaHeading(context.Context, int, time.Duration, error)      {}
func (NopObserver) PanoramaCapture(context.Context, int, int, time.Duration)        {}

var _ Observer = NopObserver{}
var _ Observer = (*Recorder)(nil)

func outcome(err error) string {
	if err == nil {
		return "success"
	}
	return upstream.Kind(err)
}

func (r *Recorder) CacheLookup(ctx context.Context, cache, result string) {
	r.Add(ctx, CacheLookupsTotal, 1,
		attribute.String("cache", cache),
		attribute.String("outcome", result),
	)
}

func (r *Recorder) CacheEviction(ctx context.Context, cache string) {
	r.Add(ctx, CacheEvictionsTotal, 1, attribute.String("cache", cache))
}

func (r *Recorder) CacheFetch(ctx context.Context, cache string, latency time.Duration, err error) {
	r.Observe(ctx, CacheFetchDuration, latency.Seconds(),
		attribute.String("cache", cache),
		attribute.String("outcome", outcome(err)),
	)
}

func (r *Recorder) RetryAttempt(ctx context.Context, op string, attempt int, latency time.Duration, err error) {
	r.Add(ctx, UpstreamAttemptsTotal, 1,
		attribute.String("op", op),
		attribute.String("outcome", outcome(err)),
	)
	r.Observe(ctx, UpstreamAttemptDuration, latency.Seconds(), attribute.String("op", op))
}

func (r *Recorder) RetryBackoff(ctx context.Context, op string, attempt int, delay time.Duration) {
	r.Observe(ctx, RetryBackoffSeconds, delay.Seconds(),
		attribute.String("op", op),
		attribute.String("attempt", strconv.Itoa(attempt)),
	)
}

func (r *Recorder) PoolAcquire(ctx context.Context, wait time.Duration, err error) {
	r.Add(ctx, PoolAcquireTotal, 1, attribute.String("outcome", outcome(err)))
	r.Observe(ctx, PoolAcquireWait, wait.Seconds())
}

func (r *Recorder) PoolDiscard(ctx context.Context, reason string) {
	r.Add(ctx, PoolConnectionsDiscarded, 1, attribute.String("reason", reason))
}

func (r *Recorder) PoolUtilization(ctx context.Context, inUse, total, max int32) {
	r.Set(ctx, PoolConnectionsInUse, float64(inUse), attribute.Int("max", int(max)))
	r.Set(ctx, PoolConnectionsTotal, float64(total), attribute.Int("max", int(max)))
}

func (r *Recorder) PanoramaHeading(ctx context.Context, heading int, latency time.Duration, err error) {
	r.Add(ctx, PanoramaHeadingsTotal, 1, attribute.String("outcome", outcome(err)))
	r.Observe(ctx, PanoramaHeadingDuration, latency.Seconds(), attribute.Int("heading", heading))
}

func (r *Recorder) PanoramaCapture(ctx context.Context, succeeded, failed int, latency time.Duration) {
	r.Observe(ctx, PanoramaCaptureDuration, latency.Seconds(),
		attribute.Int("succeeded", succeeded),
		attribute.Int("failed", failed),
	)
}

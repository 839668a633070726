package telemetry

import (
	"bytes"
	"context"
	"log/slog"
	"testing"
)

func TestTraceHandler(t *testing.T) {
	t.Run("includes trace, span and correlation identifiers", func(t *testing.T) {
		setupTracerProvider(t)
		logger, last := captureLog(t, slog.LevelInfo)

		ctx := WithCorrelationID(context.Background(), "c0ffee00")
		ctx, span := StartSpan(ctx, "vision.StreetView")
		defer span.End()

		logger.InfoContext(ctx, "fetching street view", "heading", 90)

		entry := last()
		traceID, spanID := spanIDs(ctx)
		if entry["trace_id"] != traceID || traceID == "" {
			t.Errorf("expected trace_id %q, got %v", traceID, entry["trace_id"])
		}
		if entry["span_id"] != spanID || spanID == "" {
			t.Errorf("expected span_id %q, got %v", spanID, entry["span_id"])
		}
		if entry["correlation_id"] != "c0ffee00" {
			t.Errorf("expected correlation_id c0ffee00, got %v", entry["correlation_id"])
		}
		if entry["heading"] != float64(90) {
			t.Errorf("expected heading 90, got %v", entry["heading"])
		}
	})

	t.Run("omits identifiers that are not in the context", func(t *testing.T) {
		logger, last := captureLog(t, slog.LevelInfo)

		logger.InfoContext(context.Background(), "cache cleared")

		entry := last()
		for _, key := range []string{"trace_id", "span_id", "correlation_id"} {
			if _, ok := entry[key]; ok {
				t.Errorf("expected %s to be absent", key)
			}
		}
	})

	t.Run("filters records below the configured level", func(t *testing.T) {
		var buf bytes.Buffer
		logger := NewLoggerTo(&buf, slog.LevelWarn)

		logger.Debug("cache hit")
		logger.Info("cache miss")
		if buf.Len() != 0 {
			t.Errorf("expected no output below warn, got %q", buf.String())
		}

		logger.Warn("retrying provider call")
		if buf.Len() == 0 {
			t.Error("expected warn record to be written")
		}
	})

	t.Run("reports enabled levels", func(t *testing.T) {
		logger := NewLoggerTo(&bytes.Buffer{}, slog.LevelInfo)
		ctx := context.Background()

		if logger.Enabled(ctx, slog.LevelDebug) {
			t.Error("debug should be disabled at info level")
		}
		if !logger.Enabled(ctx, slog.LevelError) {
			t.Error("error should be enabled at info level")
		}
	})

	t.Run("keeps attributes bound with With", func(t *testing.T) {
		logger, last := captureLog(t, slog.LevelInfo)
		ctx := WithCorrelationID(context.Background(), "abcd1234")

		logger.With("cache", "streetview").With("ttl", "30m").InfoContext(ctx, "cache configured")

		entry := last()
		if entry["cache"] != "streetview" || entry["ttl"] != "30m" {
			t.Errorf("expected chained attributes, got %v", entry)
		}
		if entry["correlation_id"] != "abcd1234" {
			t.Errorf("expected correlation_id with chained attributes, got %v", entry["correlation_id"])
		}
	})

	t.Run("nests attributes under groups", func(t *testing.T) {
		logger, last := captureLog(t, slog.LevelInfo)

		logger.WithGroup("pool").WithGroup("stats").Info("utilization", "in_use", 3)

		entry := last()
		pool, ok := entry["pool"].(map[string]any)
		if !ok {
			t.Fatalf("expected pool group, got %v", entry)
		}
		stats, ok := pool["stats"].(map[string]any)
		if !ok {
			t.Fatalf("expected stats group, got %v", pool)
		}
		if stats["in_use"] != float64(3) {
			t.Errorf("expected in_use 3, got %v", stats["in_use"])
		}
	})
}

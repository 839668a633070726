package pool

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics exports pool statistics as observable instruments, read at each
// collection.
type Metrics struct {
	connections  metric.Int64ObservableGauge
	acquires     metric.Int64ObservableCounter
	acquireTime  metric.Float64ObservableCounter
	registration metric.Registration
}

func NewMetrics(meter metric.Meter, p *Pool) (*Metrics, error) {
	m := &Metrics{}

	var err error

	m.connections, err = meter.Int64ObservableGauge(
		"pool_connections",
		metric.WithDescription("Provider connections by state"),
		metric.WithUnit("{connection}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create pool_connections gauge: %w", err)
	}

	m.acquires, err = meter.Int64ObservableCounter(
		"pool_acquires",
		metric.WithDescription("Successful connection acquisitions"),
		metric.WithUnit("{acquire}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create pool_acquires counter: %w", err)
	}

	m.acquireTime, err = meter.Float64ObservableCounter(
		"pool_acquire_time_seconds",
		metric.WithDescription("Cumulative time spent acquiring connections"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, fmt.Errorf("create pool_acquire_time counter: %w", err)
	}

	m.registration, err = meter.RegisterCallback(func(_ context.Context, o metric.Observer) error {
		s := p.Stats()
		o.ObserveInt64(m.connections, int64(s.InUse), metric.WithAttributes(attribute.String("state", "in_use")))
		o.ObserveInt64(m.connections, int64(s.Idle), metric.WithAttributes(attribute.String("state", "idle")))
		o.ObserveInt64(m.connections, int64(s.MaxSize), metric.WithAttributes(attribute.String("state", "max")))
		o.ObserveInt64(m.acquires, s.AcquireCount)
		o.ObserveFloat64(m.acquireTime, s.AcquireTime.Seconds())
		return nil
	}, m.connections, m.acquires, m.acquireTime)
	if err != nil {
		return nil, fmt.Errorf("register pool callback: %w", err)
	}

	return m, nil
}

// Close stops reporting.
func (m *Metrics) Close() error {
	return m.registration.Unregister()
}

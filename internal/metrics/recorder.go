package metrics

import (
	"context"
	"log/slog"
	"math"
	"sort"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const defaultReservoirSize = 1024

// SampleKind selects how a sample is aggregated.
type SampleKind int

const (
	KindCounter SampleKind = iota
	KindDistribution
	KindGauge
)

// Sample is a single measurement.
type Sample struct {
	Name      string
	Kind      SampleKind
	Value     float64
	Timestamp time.Time
	Labels    []attribute.KeyValue
}

// Recorder aggregates samples into process-wide counters, gauges and
// distributions, and forwards them to OpenTelemetry instruments when a meter
// is configured. A nil *Recorder is a valid, disabled recorder.
type Recorder struct {
	mu       sync.Mutex
	series   map[seriesKey]*series
	since    time.Time
	capacity int

	meter       metric.Meter
	instruments sync.Map // name -> instrument
	logger      *slog.Logger
	now         func() time.Time
}

type Option func(*Recorder)

// WithMeter forwards every sample to instruments created from meter.
func WithMeter(meter metric.Meter) Option {
	return func(r *Recorder) {
		r.meter = meter
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(r *Recorder) {
		r.logger = logger
	}
}

// WithReservoirSize bounds how many recent values each distribution keeps for
// percentile estimation.
func WithReservoirSize(n int) Option {
	return func(r *Recorder) {
		if n > 0 {
			r.capacity = n
		}
	}
}

func NewRecorder(opts ...Option) *Recorder {
	r := &Recorder{
		series:   make(map[seriesKey]*series),
		capacity: defaultReservoirSize,
		logger:   slog.Default(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	r.since = r.now()
	return r
}

type seriesKey struct {
	name   string
	kind   SampleKind
	labels attribute.Distinct
}

type series struct {
	name   string
	kind   SampleKind
	labels attribute.Set

	count int64
	sum   float64
	min   float64
	max   float64
	last  float64

	ring []float64
	next int
}

// Add increments a counter.
func (r *Recorder) Add(ctx context.Context, name string, delta int64, labels ...attribute.KeyValue) {
	r.Record(ctx, Sample{Name: name, Kind: KindCounter, Value: float64(delta), Labels: labels})
}

// Observe records a value into a distribution (latencies, delays).
func (r *Recorder) Observe(ctx context.Context, name string, value float64, labels ...attribute.KeyValue) {
	r.Record(ctx, Sample{Name: name, Kind: KindDistribution, Value: value, Labels: labels})
}

// Set records the current value of a gauge.
func (r *Recorder) Set(ctx context.Context, name string, value float64, labels ...attribute.KeyValue) {
	r.Record(ctx, Sample{Name: name, Kind: KindGauge, Value: value, Labels: labels})
}

// Record aggregates s. It never panics into the caller and holds the lock only
// for the in-memory update.
func (r *Recorder) Record(ctx context.Context, s Sample) {
	if r == nil || s.Name == "" {
		return
	}
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Warn("metric sample dropped", "metric", s.Name, "panic", rec)
		}
	}()

	if math.IsNaN(s.Value) || math.IsInf(s.Value, 0) {
		return
	}

	set := attribute.NewSet(s.Labels...)
	key := seriesKey{name: s.Name, kind: s.Kind, labels: set.Equivalent()}

	r.mu.Lock()
	ser, ok := r.series[key]
	if !ok {
		ser = &series{name: s.Name, kind: s.Kind, labels: set, min: s.Value, max: s.Value}
		r.series[key] = ser
	}
	ser.add(s.Value, r.capacity)
	r.mu.Unlock()

	r.forward(ctx, s, set)
}

func (s *series) add(v float64, capacity int) {
	s.count++
	s.sum += v
	s.last = v
	if v < s.min {
		s.min = v
	}
	if v > s.max {
		s.max = v
	}
	if s.kind != KindDistribution {
		return
	}
	if len(s.ring) < capacity {
		s.ring = append(s.ring, v)
		return
	}
	s.ring[s.next] = v
	s.next = (s.next + 1) % capacity
}

// Reset discards all aggregates. Samples recorded concurrently may land on
// either side of the reset.
func (r *Recorder) Reset() {
	if r == nil {
		return
	}
	r.mu.Lock()
	r.series = make(map[seriesKey]*series)
	r.since = r.now()
	r.mu.Unlock()
	r.logger.Info("metrics reset")
}

// Counter returns the current value of a counter series, or 0.
func (r *Recorder) Counter(name string, labels ...attribute.KeyValue) int64 {
	if r == nil {
		return 0
	}
	set := attribute.NewSet(labels...)
	key := seriesKey{name: name, kind: KindCounter, labels: set.Equivalent()}

	r.mu.Lock()
	defer r.mu.Unlock()
	if ser, ok := r.series[key]; ok {
		return int64(ser.sum)
	}
	return 0
}

// Snapshot returns a copy of every series.
func (r *Recorder) Snapshot() Snapshot {
	snap := Snapshot{
		TakenAt:       time.Now(),
		Counters:      []CounterValue{},
		Gauges:        []GaugeValue{},
		Distributions: []DistributionValue{},
	}
	if r == nil {
		return snap
	}

	r.mu.Lock()
	snap.Since = r.since
	type copied struct {
		name                string
		kind                SampleKind
		labels              attribute.Set
		count               int64
		sum, min, max, last float64
		values              []float64
	}
	all := make([]copied, 0, len(r.series))
	for _, s := range r.series {
		c := copied{name: s.name, kind: s.kind, labels: s.labels, count: s.count, sum: s.sum, min: s.min, max: s.max, last: s.last}
		if s.kind == KindDistribution {
			c.values = append([]float64(nil), s.ring...)
		}
		all = append(all, c)
	}
	r.mu.Unlock()

	for _, c := range all {
		labels := labelMap(c.labels)
		switch c.kind {
		case KindCounter:
			snap.Counters = append(snap.Counters, CounterValue{Name: c.name, Labels: labels, Value: int64(c.sum)})
		case KindGauge:
			snap.Gauges = append(snap.Gauges, GaugeValue{Name: c.name, Labels: labels, Value: c.last})
		case KindDistribution:
			sort.Float64s(c.values)
			snap.Distributions = append(snap.Distributions, DistributionValue{
				Name:   c.name,
				Labels: labels,
				Count:  c.count,
				Sum:    c.sum,
				Avg:    c.sum / float64(c.count),
				Min:    c.min,
				Max:    c.max,
				P50:    percentile(c.values, 0.50),
				P95:    percentile(c.values, 0.95),
			})
		}
	}

	snap.sort()
	return snap
}

func labelMap(set attribute.Set) map[string]string {
	if set.Len() == 0 {
		return nil
	}
	m := make(map[string]string, set.Len())
	iter := set.Iter()
	for iter.Next() {
		kv := iter.Attribute()
		m[string(kv.Key)] = kv.Value.Emit()
	}
	return m
}

// percentile expects sorted values. Small samples report the max for p95,
// matching how the summary has always been read.
func percentile(sorted []float64, q float64) float64 {
	n := len(sorted)
	if n == 0 {
		return 0
	}
	if q >= 0.95 && n < 20 {
		return sorted[n-1]
	}
	idx := int(float64(n) * q)
	if idx >= n {
		idx = n - 1
	}
	return sorted[idx]
}

func (r *Recorder) forward(ctx context.Context, s Sample, set attribute.Set) {
	if r.meter == nil {
		return
	}
	inst := r.instrument(s.Name, s.Kind)
	if inst == nil {
		return
	}
	opt := metric.WithAttributeSet(set)
	switch i := inst.(type) {
	case metric.Int64Counter:
		i.Add(ctx, int64(s.Value), opt)
	case metric.Float64Histogram:
		i.Record(ctx, s.Value, opt)
	case metric.Float64Gauge:
		i.Record(ctx, s.Value, opt)
	}
}

func (r *Recorder) instrument(name string, kind SampleKind) any {
	if inst, ok := r.instruments.Load(name); ok {
		return inst
	}

	var (
		inst any
		err  error
	)
	switch kind {
	case KindCounter:
		inst, err = r.meter.Int64Counter(name)
	case KindDistribution:
		inst, err = r.meter.Float64Histogram(name)
	case KindGauge:
		inst, err = r.meter.Float64Gauge(name)
	}
	if err != nil {
		r.logger.Warn("create metric instrument", "metric", name, "error", err)
		return nil
	}

	actual, _ := r.instruments.LoadOrStore(name, inst)
	return actual
}

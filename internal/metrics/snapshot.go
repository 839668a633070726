package metrics

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// Snapshot is an eventually consistent copy of the recorder's aggregates.
type Snapshot struct {
	TakenAt       time.Time           `json:"taken_at"`
	Since         time.Time           `json:"since"`
	Counters      []CounterValue      `json:"counters"`
	Gauges        []GaugeValue        `json:"gauges"`
	Distributions []DistributionValue `json:"distributions"`
}

type CounterValue struct {
	Name   string            `json:"name"`
	Labels map[string]string `json:"labels,omitempty"`
	Value  int64             `json:"value"`
}

type GaugeValue struct {
	Name   string            `json:"name"`
	Labels map[string]string `json:"labels,omitempty"`
	Value  float64           `json:"value"`
}

type DistributionValue struct {
	Name   string            `json:"name"`
	Labels map[string]string `json:"labels,omitempty"`
	Count  int64             `json:"count"`
	Sum    float64           `json:"sum"`
	Avg    float64           `json:"avg"`
	Min    float64           `json:"min"`
	Max    float64           `json:"max"`
	P50    float64           `json:"p50"`
	P95    float64           `json:"p95"`
}

// CounterTotal sums a counter across all label sets.
func (s Snapshot) CounterTotal(name string) int64 {
	var total int64
	for _, c := range s.Counters {
		if c.Name == name {
			total += c.Value
		}
	}
	return total
}

// Distribution returns the first distribution with the given name whose labels
// include all of match.
func (s Snapshot) Distribution(name string, match map[string]string) (DistributionValue, bool) {
	for _, d := range s.Distributions {
		if d.Name == name && labelsInclude(d.Labels, match) {
			return d, true
		}
	}
	return DistributionValue{}, false
}

func labelsInclude(labels, match map[string]string) bool {
	for k, v := range match {
		if labels[k] != v {
			return false
		}
	}
	return true
}

func (s *Snapshot) sort() {
	sort.Slice(s.Counters, func(i, j int) bool {
		return seriesID(s.Counters[i].Name, s.Counters[i].Labels) < seriesID(s.Counters[j].Name, s.Counters[j].Labels)
	})
	sort.Slice(s.Gauges, func(i, j int) bool {
		return seriesID(s.Gauges[i].Name, s.Gauges[i].Labels) < seriesID(s.Gauges[j].Name, s.Gauges[j].Labels)
	})
	sort.Slice(s.Distributions, func(i, j int) bool {
		return seriesID(s.Distributions[i].Name, s.Distributions[i].Labels) < seriesID(s.Distributions[j].Name, s.Distributions[j].Labels)
	})
}

func seriesID(name string, labels map[string]string) string {
	keys := make([]string, 0, len(labels))
	for k := range labels {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteString(name)
	for _, k := range keys {
		fmt.Fprintf(&b, ",%s=%s", k, labels[k])
	}
	return b.String()
}

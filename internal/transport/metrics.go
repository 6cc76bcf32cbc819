// Copyright 2025 Joseph Cumines
//
// Metrics registry for observability

package transport

import (
	"fmt"
	"io"
	"sort"
	"sync"
	"time"
)

// MetricsRegistry is a small in-memory metrics store for the bridge,
// exported in Prometheus text format by the diagnostics endpoint. All
// Record and Set helpers are safe on a nil registry.
type MetricsRegistry struct {
	counters   map[string]*counter
	histograms map[string]*histogram
	gauges     map[string]*gauge
	mu         sync.RWMutex
}

// counter represents a monotonically increasing counter with optional labels.
type counter struct {
	values map[string]uint64 // label combo -> count
	mu     sync.RWMutex
}

// histogram represents a distribution of values with predefined buckets.
type histogram struct {
	counts  map[string][]uint64 // label combo -> bucket counts
	sums    map[string]float64  // label combo -> sum of all values
	totals  map[string]uint64   // label combo -> total count
	buckets []float64           // bucket upper bounds
	mu      sync.RWMutex
}

// gauge represents a value that can go up or down.
type gauge struct {
	values map[string]float64
	mu     sync.RWMutex
}

// Default histogram buckets for request latencies (in seconds)
var defaultLatencyBuckets = []float64{
	0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0,
}

const (
	metricRequests        = "desktop_bridge_requests_total"
	metricRequestDuration = "desktop_bridge_request_duration_seconds"
	metricTokensIssued    = "desktop_bridge_confirm_tokens_issued_total"
	metricTokensConsumed  = "desktop_bridge_confirm_tokens_consumed_total"
	metricConfirmRejected = "desktop_bridge_confirm_rejected_total"
	metricAborts          = "desktop_bridge_aborts_total"
	metricTruncations     = "desktop_bridge_tree_truncations_total"
	metricConnections     = "desktop_bridge_connections_active"
	metricInFlight        = "desktop_bridge_requests_in_flight"
)

// NewMetricsRegistry creates a registry with the bridge metrics registered.
func NewMetricsRegistry() *MetricsRegistry {
	m := &MetricsRegistry{
		counters:   make(map[string]*counter),
		histograms: make(map[string]*histogram),
		gauges:     make(map[string]*gauge),
	}

	for _, name := range []string{
		metricRequests,
		metricTokensIssued,
		metricTokensConsumed,
		metricConfirmRejected,
		metricAborts,
		metricTruncations,
	} {
		m.registerCounter(name)
	}
	m.registerHistogram(metricRequestDuration, defaultLatencyBuckets)
	m.registerGauge(metricConnections)
	m.registerGauge(metricInFlight)

	return m
}

func (m *MetricsRegistry) registerCounter(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.counters[name] = &counter{values: make(map[string]uint64)}
}

func (m *MetricsRegistry) registerHistogram(name string, buckets []float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.histograms[name] = &histogram{
		buckets: buckets,
		counts:  make(map[string][]uint64),
		sums:    make(map[string]float64),
		totals:  make(map[string]uint64),
	}
}

func (m *MetricsRegistry) registerGauge(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.gauges[name] = &gauge{values: make(map[string]float64)}
}

// IncrementCounter increments a counter by 1 for the given label combination.
// Labels should be formatted as: key1="value1",key2="value2"
func (m *MetricsRegistry) IncrementCounter(name string, labels string) {
	m.mu.RLock()
	c, ok := m.counters[name]
	m.mu.RUnlock()
	if !ok {
		return
	}

	c.mu.Lock()
	c.values[labels]++
	c.mu.Unlock()
}

// ObserveHistogram records a value in a histogram for the given label combination.
func (m *MetricsRegistry) ObserveHistogram(name string, labels string, value float64) {
	m.mu.RLock()
	h, ok := m.histograms[name]
	m.mu.RUnlock()
	if !ok {
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	// Initialize bucket counts if not present
	if _, exists := h.counts[labels]; !exists {
		h.counts[labels] = make([]uint64, len(h.buckets)+1) // +1 for +Inf
		h.sums[labels] = 0
		h.totals[labels] = 0
	}

	// Update sum and total
	h.sums[labels] += value
	h.totals[labels]++

	// Update bucket counts
	for i, bound := range h.buckets {
		if value <= bound {
			h.counts[labels][i]++
		}
	}
	// Always increment +Inf bucket
	h.counts[labels][len(h.buckets)]++
}

// SetGauge sets a gauge to a specific value.
func (m *MetricsRegistry) SetGauge(name string, labels string, value float64) {
	m.mu.RLock()
	g, ok := m.gauges[name]
	m.mu.RUnlock()
	if !ok {
		return
	}

	g.mu.Lock()
	g.values[labels] = value
	g.mu.Unlock()
}

// WritePrometheus writes all metrics in Prometheus text format, sorted by
// name and label set.
func (m *MetricsRegistry) WritePrometheus(w io.Writer) error {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, name := range sortedKeys(m.counters) {
		c := m.counters[name]
		c.mu.RLock()
		err := writeFamily(w, name, "counter", c.values, func(l string, v uint64) error {
			return writeSample(w, name, l, fmt.Sprintf("%d", v))
		})
		c.mu.RUnlock()
		if err != nil {
			return err
		}
	}

	for _, name := range sortedKeys(m.gauges) {
		g := m.gauges[name]
		g.mu.RLock()
		err := writeFamily(w, name, "gauge", g.values, func(l string, v float64) error {
			return writeSample(w, name, l, fmt.Sprintf("%g", v))
		})
		g.mu.RUnlock()
		if err != nil {
			return err
		}
	}

	for _, name := range sortedKeys(m.histograms) {
		h := m.histograms[name]
		h.mu.RLock()
		err := writeFamily(w, name, "histogram", h.counts, func(l string, counts []uint64) error {
			return h.write(w, name, l, counts)
		})
		h.mu.RUnlock()
		if err != nil {
			return err
		}
	}

	return nil
}

// write emits the buckets, sum, and count of one label set. Bucket counts
// are stored cumulatively. The caller holds h.mu.
func (h *histogram) write(w io.Writer, name, labels string, counts []uint64) error {
	prefix := ""
	if labels != "" {
		prefix = labels + ","
	}
	for i, bound := range h.buckets {
		if _, err := fmt.Fprintf(w, "%s_bucket{%sle=\"%g\"} %d\n", name, prefix, bound, counts[i]); err != nil {
			return err
		}
	}
	if _, err := fmt.Fprintf(w, "%s_bucket{%sle=\"+Inf\"} %d\n", name, prefix, counts[len(h.buckets)]); err != nil {
		return err
	}
	if err := writeSample(w, name+"_sum", labels, fmt.Sprintf("%g", h.sums[labels])); err != nil {
		return err
	}
	return writeSample(w, name+"_count", labels, fmt.Sprintf("%d", h.totals[labels]))
}

func writeFamily[V any](w io.Writer, name, kind string, values map[string]V, each func(string, V) error) error {
	if _, err := fmt.Fprintf(w, "# TYPE %s %s\n", name, kind); err != nil {
		return err
	}
	for _, l := range sortedKeys(values) {
		if err := each(l, values[l]); err != nil {
			return err
		}
	}
	return nil
}

func writeSample(w io.Writer, name, labels, value string) error {
	var err error
	if labels == "" {
		_, err = fmt.Fprintf(w, "%s %s\n", name, value)
	} else {
		_, err = fmt.Fprintf(w, "%s{%s} %s\n", name, labels, value)
	}
	return err
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// RecordRequest records one bridge request with its outcome code ("ok" or
// an error code) and latency.
func (m *MetricsRegistry) RecordRequest(method string, code string, duration time.Duration) {
	if m == nil {
		return
	}
	m.IncrementCounter(metricRequests, fmt.Sprintf(`method="%s",code="%s"`, method, code))
	m.ObserveHistogram(metricRequestDuration, fmt.Sprintf(`method="%s"`, method), duration.Seconds())
}

// RecordTokenIssued counts an issued confirmation token.
func (m *MetricsRegistry) RecordTokenIssued(method string) {
	if m == nil {
		return
	}
	m.IncrementCounter(metricTokensIssued, fmt.Sprintf(`method="%s"`, method))
}

// RecordTokenConsumed counts a confirmation token spent on an action.
func (m *MetricsRegistry) RecordTokenConsumed(method string) {
	if m == nil {
		return
	}
	m.IncrementCounter(metricTokensConsumed, fmt.Sprintf(`method="%s"`, method))
}

// RecordConfirmRejected counts a failed confirmation by reason.
func (m *MetricsRegistry) RecordConfirmRejected(reason string) {
	if m == nil {
		return
	}
	m.IncrementCounter(metricConfirmRejected, fmt.Sprintf(`reason="%s"`, reason))
}

// RecordAbort counts an abort call and whether it hit a tracked request.
func (m *MetricsRegistry) RecordAbort(hit bool) {
	if m == nil {
		return
	}
	m.IncrementCounter(metricAborts, fmt.Sprintf(`hit="%t"`, hit))
}

// RecordTruncation counts a traversal cut short, by reason.
func (m *MetricsRegistry) RecordTruncation(reason string) {
	if m == nil {
		return
	}
	m.IncrementCounter(metricTruncations, fmt.Sprintf(`reason="%s"`, reason))
}

// SetActiveConnections sets the number of open socket sessions.
func (m *MetricsRegistry) SetActiveConnections(count int) {
	if m == nil {
		return
	}
	m.SetGauge(metricConnections, "", float64(count))
}

// SetInFlight sets the number of tracked requests.
func (m *MetricsRegistry) SetInFlight(count int) {
	if m == nil {
		return
	}
	m.SetGauge(metricInFlight, "", float64(count))
}

package monitoring

import (
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// MetricsCollector defines the interface for collecting and reporting metrics
type MetricsCollector interface {
	IncrementCounter(name string, tags map[string]string)
	SetGauge(name string, value float64, tags map[string]string)
	RecordTiming(name string, duration time.Duration, tags map[string]string)
}

// NoOpMetricsCollector is a no-op implementation of MetricsCollector
type NoOpMetricsCollector struct{}

func (n *NoOpMetricsCollector) IncrementCounter(name string, tags map[string]string)        {}
func (n *NoOpMetricsCollector) SetGauge(name string, value float64, tags map[string]string) {}
func (n *NoOpMetricsCollector) RecordTiming(name string, duration time.Duration, tags map[string]string) {
}

// InMemoryMetricsCollector keeps metrics in memory. The HTTP surface exposes
// a snapshot of it; tests read it directly.
type InMemoryMetricsCollector struct {
	mu       sync.RWMutex
	counters map[string]*int64
	gauges   map[string]float64
	timings  map[string][]time.Duration
}

// NewInMemoryMetricsCollector creates a new in-memory metrics collector
func NewInMemoryMetricsCollector() *InMemoryMetricsCollector {
	return &InMemoryMetricsCollector{
		counters: make(map[string]*int64),
		gauges:   make(map[string]float64),
		timings:  make(map[string][]time.Duration),
	}
}

func (m *InMemoryMetricsCollector) IncrementCounter(name string, tags map[string]string) {
	key := keyWithTags(name, tags)
	m.mu.Lock()
	counter, exists := m.counters[key]
	if !exists {
		counter = new(int64)
		m.counters[key] = counter
	}
	m.mu.Unlock()
	atomic.AddInt64(counter, 1)
}

func (m *InMemoryMetricsCollector) SetGauge(name string, value float64, tags map[string]string) {
	key := keyWithTags(name, tags)
	m.mu.Lock()
	m.gauges[key] = value
	m.mu.Unlock()
}

func (m *InMemoryMetricsCollector) RecordTiming(name string, duration time.Duration, tags map[string]string) {
	key := keyWithTags(name, tags)
	m.mu.Lock()
	m.timings[key] = append(m.timings[key], duration)
	m.mu.Unlock()
}

// keyWithTags sorts tags so the same tag set always maps to one series.
func keyWithTags(name string, tags map[string]string) string {
	if len(tags) == 0 {
		return name
	}
	keys := make([]string, 0, len(tags))
	for k := range tags {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteString(name)
	for _, k := range keys {
		b.WriteString(",")
		b.WriteString(k)
		b.WriteString("=")
		b.WriteString(tags[k])
	}
	return b.String()
}

// GetCounter returns the value of a counter
func (m *InMemoryMetricsCollector) GetCounter(name string, tags map[string]string) int64 {
	m.mu.RLock()
	counter, exists := m.counters[keyWithTags(name, tags)]
	m.mu.RUnlock()
	if !exists {
		return 0
	}
	return atomic.LoadInt64(counter)
}

// GetGauge returns the value of a gauge
func (m *InMemoryMetricsCollector) GetGauge(name string, tags map[string]string) float64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.gauges[keyWithTags(name, tags)]
}

// GetTimings returns all recorded timings
func (m *InMemoryMetricsCollector) GetTimings(name string, tags map[string]string) []time.Duration {
	m.mu.RLock()
	defer m.mu.RUnlock()
	src := m.timings[keyWithTags(name, tags)]
	out := make([]time.Duration, len(src))
	copy(out, src)
	return out
}

// Snapshot returns every counter and gauge keyed by series name.
func (m *InMemoryMetricsCollector) Snapshot() map[string]float64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]float64, len(m.counters)+len(m.gauges))
	for k, v := range m.counters {
		out[k] = float64(atomic.LoadInt64(v))
	}
	for k, v := range m.gauges {
		out[k] = v
	}
	return out
}

// Reset clears all metrics
func (m *InMemoryMetricsCollector) Reset() {
	m.mu.Lock()
	m.counters = make(map[string]*int64)
	m.gauges = make(map[string]float64)
	m.timings = make(map[string][]time.Duration)
	m.mu.Unlock()
}

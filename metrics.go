package edgeguard

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

// perfRingSize bounds the per-stage latency history. Memory per stage is
// fixed regardless of request volume.
const perfRingSize = 1024

// StageSummary is the rolled-up view of one pipeline stage.
type StageSummary struct {
	Count    uint64            `json:"count"`
	P50      time.Duration     `json:"p50"`
	P95      time.Duration     `json:"p95"`
	P99      time.Duration     `json:"p99"`
	Outcomes map[string]uint64 `json:"outcomes"`
}

type stageStats struct {
	mu       sync.Mutex
	ring     [perfRingSize]int64 // nanoseconds
	next     int
	filled   int
	count    uint64
	outcomes map[string]uint64
}

// PerformanceMetrics keeps bounded rolling latency and outcome aggregates
// per pipeline stage. Record is called on every request and stays cheap: a
// mutex, a ring slot write, and a map increment.
type PerformanceMetrics struct {
	mu     sync.RWMutex
	stages map[string]*stageStats
}

func NewPerformanceMetrics() *PerformanceMetrics {
	return &PerformanceMetrics{stages: make(map[string]*stageStats)}
}

func (p *PerformanceMetrics) stage(name string) *stageStats {
	p.mu.RLock()
	st, ok := p.stages[name]
	p.mu.RUnlock()
	if ok {
		return st
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if st, ok = p.stages[name]; ok {
		return st
	}
	st = &stageStats{outcomes: make(map[string]uint64)}
	p.stages[name] = st
	return st
}

// Record folds one sample into the stage's rolling aggregates.
func (p *PerformanceMetrics) Record(stage string, d time.Duration, outcome string) {
	st := p.stage(stage)
	st.mu.Lock()
	st.ring[st.next] = int64(d)
	st.next = (st.next + 1) % perfRingSize
	if st.filled < perfRingSize {
		st.filled++
	}
	st.count++
	if outcome != "" {
		st.outcomes[outcome]++
	}
	st.mu.Unlock()
}

// Snapshot computes percentiles over the retained samples. Not on the hot
// path; called by the ops surface.
func (p *PerformanceMetrics) Snapshot() map[string]StageSummary {
	p.mu.RLock()
	names := make([]string, 0, len(p.stages))
	for name := range p.stages {
		names = append(names, name)
	}
	p.mu.RUnlock()

	out := make(map[string]StageSummary, len(names))
	for _, name := range names {
		st := p.stage(name)
		st.mu.Lock()
		samples := make([]int64, st.filled)
		copy(samples, st.ring[:st.filled])
		summary := StageSummary{
			Count:    st.count,
			Outcomes: make(map[string]uint64, len(st.outcomes)),
		}
		for k, v := range st.outcomes {
			summary.Outcomes[k] = v
		}
		st.mu.Unlock()

		if len(samples) > 0 {
			sort.Slice(samples, func(i, j int) bool { return samples[i] < samples[j] })
			summary.P50 = time.Duration(percentile(samples, 0.50))
			summary.P95 = time.Duration(percentile(samples, 0.95))
			summary.P99 = time.Duration(percentile(samples, 0.99))
		}
		out[name] = summary
	}
	return out
}

// CacheHitRatio derives the hit ratio from the cache stage outcomes.
func (p *PerformanceMetrics) CacheHitRatio() float64 {
	snap := p.Snapshot()
	cache, ok := snap["cache"]
	if !ok {
		return 0
	}
	hits := cache.Outcomes["hit"]
	misses := cache.Outcomes["miss"]
	total := hits + misses
	if total == 0 {
		return 0
	}
	return float64(hits) / float64(total)
}

func percentile(sorted []int64, q float64) int64 {
	if len(sorted) == 0 {
		return 0
	}
	idx := int(q * float64(len(sorted)-1))
	return sorted[idx]
}

// InMemoryMetricsCollector implements MetricsCollector with bounded
// in-process storage and Prometheus text exposition.
type InMemoryMetricsCollector struct {
	mu         sync.RWMutex
	counters   map[string]map[string]int64
	gauges     map[string]map[string]float64
	histograms map[string]*histogramAgg
}

type histogramAgg struct {
	sum   float64
	count int64
}

func NewInMemoryMetricsCollector() *InMemoryMetricsCollector {
	return &InMemoryMetricsCollector{
		counters:   make(map[string]map[string]int64),
		gauges:     make(map[string]map[string]float64),
		histograms: make(map[string]*histogramAgg),
	}
}

func (m *InMemoryMetricsCollector) IncrementCounter(name string, labels map[string]string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.counters[name] == nil {
		m.counters[name] = make(map[string]int64)
	}
	m.counters[name][makeLabelKey(labels)]++
}

func (m *InMemoryMetricsCollector) ObserveHistogram(name string, value float64, labels map[string]string) {
	key := name + "|" + makeLabelKey(labels)
	m.mu.Lock()
	defer m.mu.Unlock()
	h, ok := m.histograms[key]
	if !ok {
		h = &histogramAgg{}
		m.histograms[key] = h
	}
	h.sum += value
	h.count++
}

func (m *InMemoryMetricsCollector) SetGauge(name string, value float64, labels map[string]string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.gauges[name] == nil {
		m.gauges[name] = make(map[string]float64)
	}
	m.gauges[name][makeLabelKey(labels)] = value
}

// GetCounterValue returns the current value of a counter (for testing/debugging)
func (m *InMemoryMetricsCollector) GetCounterValue(name string, labels map[string]string) int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if counters, exists := m.counters[name]; exists {
		return counters[makeLabelKey(labels)]
	}
	return 0
}

func (m *InMemoryMetricsCollector) HealthCheck() error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_ = len(m.counters)
	_ = len(m.gauges)
	_ = len(m.histograms)
	return nil
}

// ExportPrometheus exports metrics in Prometheus text format.
func (m *InMemoryMetricsCollector) ExportPrometheus() string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var output strings.Builder
	for name, labelMap := range m.counters {
		output.WriteString(fmt.Sprintf("# TYPE %s counter\n", name))
		for labelKey, value := range labelMap {
			output.WriteString(fmt.Sprintf("%s{%s} %d\n", name, labelKey, value))
		}
	}
	for name, labelMap := range m.gauges {
		output.WriteString(fmt.Sprintf("# TYPE %s gauge\n", name))
		for labelKey, value := range labelMap {
			output.WriteString(fmt.Sprintf("%s{%s} %f\n", name, labelKey, value))
		}
	}
	for key, h := range m.histograms {
		name := key
		labels := ""
		if i := strings.IndexByte(key, '|'); i >= 0 {
			name, labels = key[:i], key[i+1:]
		}
		output.WriteString(fmt.Sprintf("# TYPE %s histogram\n", name))
		output.WriteString(fmt.Sprintf("%s_sum{%s} %f\n", name, labels, h.sum))
		output.WriteString(fmt.Sprintf("%s_count{%s} %d\n", name, labels, h.count))
	}
	return output.String()
}

func makeLabelKey(labels map[string]string) string {
	if len(labels) == 0 {
		return ""
	}
	keys := make([]string, 0, len(labels))
	for k := range labels {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%q", k, labels[k]))
	}
	return strings.Join(parts, ",")
}

package edgeguard

import (
	"strings"
	"testing"
	"time"
)

func TestPerfPercentiles(t *testing.T) {
	perf := NewPerformanceMetrics()
	for i := 1; i <= 100; i++ {
		perf.Record("total", time.Duration(i)*time.Millisecond, "allow")
	}
	snap := perf.Snapshot()
	total, ok := snap["total"]
	if !ok {
		t.Fatalf("expected a total stage in the snapshot")
	}
	if total.Count != 100 {
		t.Fatalf("expected 100 samples, got %d", total.Count)
	}
	if total.P50 != 50*time.Millisecond {
		t.Fatalf("expected p50 of 50ms, got %s", total.P50)
	}
	if total.P95 != 95*time.Millisecond {
		t.Fatalf("expected p95 of 95ms, got %s", total.P95)
	}
	if total.P99 != 99*time.Millisecond {
		t.Fatalf("expected p99 of 99ms, got %s", total.P99)
	}
	if total.Outcomes["allow"] != 100 {
		t.Fatalf("expected 100 allow outcomes, got %d", total.Outcomes["allow"])
	}
}

func TestPerfRingStaysBounded(t *testing.T) {
	perf := NewPerformanceMetrics()
	n := perfRingSize + 500
	for i := 0; i < n; i++ {
		perf.Record("detection", time.Millisecond, "")
	}
	snap := perf.Snapshot()
	if snap["detection"].Count != uint64(n) {
		t.Fatalf("expected total count %d, got %d", n, snap["detection"].Count)
	}
	// Percentiles come from the bounded ring, never from unbounded history.
	if snap["detection"].P99 != time.Millisecond {
		t.Fatalf("expected p99 of 1ms, got %s", snap["detection"].P99)
	}
}

func TestPerfCacheHitRatio(t *testing.T) {
	perf := NewPerformanceMetrics()
	if perf.CacheHitRatio() != 0 {
		t.Fatalf("expected 0 ratio with no cache samples")
	}
	for i := 0; i < 3; i++ {
		perf.Record("cache", time.Microsecond, "hit")
	}
	perf.Record("cache", time.Microsecond, "miss")
	if got := perf.CacheHitRatio(); got != 0.75 {
		t.Fatalf("expected hit ratio 0.75, got %f", got)
	}
}

func TestCollectorCountersAndExport(t *testing.T) {
	collector := NewInMemoryMetricsCollector()
	labels := map[string]string{"action": "block"}
	collector.IncrementCounter("edgeguard_decisions_total", labels)
	collector.IncrementCounter("edgeguard_decisions_total", labels)
	if got := collector.GetCounterValue("edgeguard_decisions_total", labels); got != 2 {
		t.Fatalf("expected counter value 2, got %d", got)
	}

	collector.SetGauge("edgeguard_tracked_keys", 42, nil)
	collector.ObserveHistogram("edgeguard_latency", 0.5, nil)

	export := collector.ExportPrometheus()
	if !strings.Contains(export, "edgeguard_decisions_total") {
		t.Fatalf("export missing counter:\n%s", export)
	}
	if !strings.Contains(export, `action="block"`) {
		t.Fatalf("export missing labels:\n%s", export)
	}
	if !strings.Contains(export, "edgeguard_tracked_keys") {
		t.Fatalf("export missing gauge:\n%s", export)
	}
	if !strings.Contains(export, "edgeguard_latency_count") {
		t.Fatalf("export missing histogram count:\n%s", export)
	}
}

func TestCollectorLabelKeyOrder(t *testing.T) {
	a := makeLabelKey(map[string]string{"b": "2", "a": "1"})
	b := makeLabelKey(map[string]string{"a": "1", "b": "2"})
	if a != b {
		t.Fatalf("label keys must be order independent: %q vs %q", a, b)
	}
}

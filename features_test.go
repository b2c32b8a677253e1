package edgeguard

import (
	"fmt"
	"math"
	"testing"
	"time"
)

func makeSnapshot(window time.Duration, events []TrafficEvent) WindowSnapshot {
	var bytes int64
	for _, e := range events {
		bytes += int64(e.ByteSize)
	}
	return WindowSnapshot{Events: events, Count: len(events), Bytes: bytes, Window: window}
}

func TestFeaturesSparseWindowIsLowConfidence(t *testing.T) {
	fe := NewFeatureExtractor(5)
	base := time.Now()
	events := []TrafficEvent{
		{Timestamp: base, Method: "GET", Path: "/a"},
		{Timestamp: base.Add(time.Second), Method: "GET", Path: "/a"},
	}
	fv := fe.Compute(makeSnapshot(time.Minute, events), events[1])
	if !fv.LowConfidence {
		t.Fatalf("expected low confidence with 2 samples under a minimum of 5")
	}
	if fv.SampleCount != 2 {
		t.Fatalf("expected sample count 2, got %d", fv.SampleCount)
	}
}

func TestFeaturesRatesAndWriteRatio(t *testing.T) {
	fe := NewFeatureExtractor(1)
	base := time.Now()
	var events []TrafficEvent
	for i := 0; i < 120; i++ {
		method := "GET"
		if i%2 == 0 {
			method = "POST"
		}
		events = append(events, TrafficEvent{
			Timestamp:   base.Add(time.Duration(i) * 500 * time.Millisecond),
			Method:      method,
			Path:        "/api",
			ByteSize:    1000,
			HeaderCount: 10,
		})
	}
	fv := fe.Compute(makeSnapshot(time.Minute, events), events[len(events)-1])

	if fv.RequestRate != 2.0 {
		t.Fatalf("expected request rate 2.0, got %f", fv.RequestRate)
	}
	if fv.ByteRate != 2000.0 {
		t.Fatalf("expected byte rate 2000, got %f", fv.ByteRate)
	}
	if fv.WriteRatio != 0.5 {
		t.Fatalf("expected write ratio 0.5, got %f", fv.WriteRatio)
	}
	if fv.AvgHeaderCount != 10 {
		t.Fatalf("expected avg header count 10, got %f", fv.AvgHeaderCount)
	}
}

func TestFeaturesBurstRatioNewClientIsFlat(t *testing.T) {
	fe := NewFeatureExtractor(1)
	base := time.Now()
	// A brand new client whose whole history fits inside the sub-window has
	// no baseline to burst against; the ratio must stay at 1, not spike to
	// the window/subWindow maximum.
	var events []TrafficEvent
	for i := 0; i < 30; i++ {
		events = append(events, TrafficEvent{
			Timestamp: base.Add(time.Duration(i) * 100 * time.Millisecond),
			Method:    "GET",
			Path:      "/",
		})
	}
	fv := fe.Compute(makeSnapshot(time.Minute, events), events[len(events)-1])
	if math.Abs(fv.BurstRatio-1.0) > 1e-9 {
		t.Fatalf("expected burst ratio 1.0 for a sub-window-old client, got %f", fv.BurstRatio)
	}
}

func TestFeaturesBurstRatioEstablishedClient(t *testing.T) {
	fe := NewFeatureExtractor(1)
	base := time.Now()
	// Sparse history over most of the window, then a dense burst in the last
	// few seconds.
	var events []TrafficEvent
	for i := 0; i < 6; i++ {
		events = append(events, TrafficEvent{
			Timestamp: base.Add(time.Duration(i) * 9 * time.Second),
			Method:    "GET",
			Path:      "/",
		})
	}
	for i := 0; i < 24; i++ {
		events = append(events, TrafficEvent{
			Timestamp: base.Add(55*time.Second + time.Duration(i)*100*time.Millisecond),
			Method:    "GET",
			Path:      "/",
		})
	}
	fv := fe.Compute(makeSnapshot(time.Minute, events), events[len(events)-1])
	if fv.BurstRatio < 4.0 {
		t.Fatalf("expected a burst ratio over 4 for a real burst, got %f", fv.BurstRatio)
	}
}

func TestFeaturesBurstRatioSteadyClient(t *testing.T) {
	fe := NewFeatureExtractor(1)
	base := time.Now()
	// One request every 2 seconds across the whole window stays near 1.
	var events []TrafficEvent
	for i := 0; i < 30; i++ {
		events = append(events, TrafficEvent{
			Timestamp: base.Add(time.Duration(i) * 2 * time.Second),
			Method:    "GET",
			Path:      "/status",
		})
	}
	fv := fe.Compute(makeSnapshot(time.Minute, events), events[len(events)-1])
	if fv.BurstRatio > 1.5 {
		t.Fatalf("steady traffic must not look bursty, got ratio %f", fv.BurstRatio)
	}
}

func TestFeaturesPathEntropy(t *testing.T) {
	fe := NewFeatureExtractor(1)
	base := time.Now()

	var single []TrafficEvent
	for i := 0; i < 16; i++ {
		single = append(single, TrafficEvent{Timestamp: base.Add(time.Duration(i) * time.Second), Method: "GET", Path: "/login"})
	}
	fv := fe.Compute(makeSnapshot(time.Minute, single), single[len(single)-1])
	if fv.PathEntropy != 0 {
		t.Fatalf("expected zero entropy for a single path, got %f", fv.PathEntropy)
	}
	if fv.DistinctPaths != 1 {
		t.Fatalf("expected 1 distinct path, got %d", fv.DistinctPaths)
	}

	var uniform []TrafficEvent
	for i := 0; i < 16; i++ {
		uniform = append(uniform, TrafficEvent{
			Timestamp: base.Add(time.Duration(i) * time.Second),
			Method:    "GET",
			Path:      fmt.Sprintf("/p%d", i%4),
		})
	}
	fv = fe.Compute(makeSnapshot(time.Minute, uniform), uniform[len(uniform)-1])
	if math.Abs(fv.PathEntropy-2.0) > 1e-9 {
		t.Fatalf("expected entropy 2.0 for four uniform paths, got %f", fv.PathEntropy)
	}
}

func TestFeaturesDeterministic(t *testing.T) {
	fe := NewFeatureExtractor(1)
	base := time.Now()
	var events []TrafficEvent
	for i := 0; i < 20; i++ {
		events = append(events, TrafficEvent{
			Timestamp:   base.Add(time.Duration(i*i) * 100 * time.Millisecond),
			Method:      "GET",
			Path:        fmt.Sprintf("/p%d", i%3),
			ByteSize:    i * 10,
			HeaderCount: 8,
		})
	}
	snap := makeSnapshot(time.Minute, events)
	a := fe.Compute(snap, events[len(events)-1])
	b := fe.Compute(snap, events[len(events)-1])
	if *a != *b {
		t.Fatalf("expected identical vectors for identical input:\n%+v\n%+v", a, b)
	}
}

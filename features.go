package edgeguard

import "math"

// FeatureVector is the per-decision behavioral snapshot handed to the
// detection engine. It is a pure function of a window snapshot plus the
// triggering event and is never mutated after creation.
type FeatureVector struct {
	RequestRate     float64 // requests per second over the full window
	ByteRate        float64 // bytes per second over the full window
	BurstRatio      float64 // recent sub-window rate / full window rate
	InterArrivalVar float64 // variance of gaps between events, seconds^2
	DistinctPaths   int
	PathEntropy     float64 // Shannon entropy of the path distribution
	WriteRatio      float64 // share of POST/PUT/DELETE/PATCH
	AvgHeaderCount  float64
	SampleCount     int
	LowConfidence   bool
}

// burstDivisor sets the recent sub-window as a fraction of the full window.
const burstDivisor = 6

// FeatureExtractor computes feature vectors. Stateless; safe for concurrent
// use.
type FeatureExtractor struct {
	minSamples int
}

func NewFeatureExtractor(minSamplesRequired int) *FeatureExtractor {
	if minSamplesRequired < 1 {
		minSamplesRequired = 1
	}
	return &FeatureExtractor{minSamples: minSamplesRequired}
}

// Compute derives a feature vector from the window snapshot and the event
// that triggered the decision. Sparse windows produce a low-confidence
// vector instead of an error so new clients are treated conservatively.
func (fe *FeatureExtractor) Compute(snap WindowSnapshot, ev TrafficEvent) *FeatureVector {
	fv := &FeatureVector{SampleCount: snap.Count}
	if snap.Count < fe.minSamples {
		fv.LowConfidence = true
	}
	if snap.Count == 0 || snap.Window <= 0 {
		return fv
	}

	windowSecs := snap.Window.Seconds()
	fv.RequestRate = float64(snap.Count) / windowSecs
	fv.ByteRate = float64(snap.Bytes) / windowSecs

	subWindow := snap.Window / burstDivisor
	recentCutoff := ev.Timestamp.Add(-subWindow)
	recent := 0
	paths := make(map[string]int, snap.Count)
	writes := 0
	headerSum := 0
	for _, e := range snap.Events {
		if !e.Timestamp.Before(recentCutoff) {
			recent++
		}
		paths[e.Path]++
		switch e.Method {
		case "POST", "PUT", "DELETE", "PATCH":
			writes++
		}
		headerSum += e.HeaderCount
	}

	// The burst baseline uses the client's active span, not the full window:
	// a client whose entire history fits inside the sub-window has no
	// baseline to burst against and scores a ratio of 1, instead of the
	// window/subWindow maximum a fresh client would otherwise start at.
	span := ev.Timestamp.Sub(snap.Events[0].Timestamp)
	if span > snap.Window {
		span = snap.Window
	}
	if span < subWindow {
		span = subWindow
	}
	baselineRate := float64(snap.Count) / span.Seconds()
	subRate := float64(recent) / subWindow.Seconds()
	if baselineRate > 0 {
		fv.BurstRatio = subRate / baselineRate
	}

	fv.InterArrivalVar = interArrivalVariance(snap.Events)
	fv.DistinctPaths = len(paths)
	fv.PathEntropy = shannonEntropy(paths, snap.Count)
	fv.WriteRatio = float64(writes) / float64(snap.Count)
	fv.AvgHeaderCount = float64(headerSum) / float64(snap.Count)
	return fv
}

func interArrivalVariance(events []TrafficEvent) float64 {
	if len(events) < 3 {
		return 0
	}
	gaps := make([]float64, 0, len(events)-1)
	var sum float64
	for i := 1; i < len(events); i++ {
		gap := events[i].Timestamp.Sub(events[i-1].Timestamp).Seconds()
		if gap < 0 {
			gap = 0
		}
		gaps = append(gaps, gap)
		sum += gap
	}
	mean := sum / float64(len(gaps))
	var variance float64
	for _, g := range gaps {
		d := g - mean
		variance += d * d
	}
	return variance / float64(len(gaps))
}

func shannonEntropy(counts map[string]int, total int) float64 {
	if total == 0 {
		return 0
	}
	entropy := 0.0
	for _, count := range counts {
		if count > 0 {
			p := float64(count) / float64(total)
			entropy -= p * math.Log2(p)
		}
	}
	return entropy
}

// quantize buckets a float for fingerprinting so near-identical vectors
// share a cache entry.
func quantize(v, step float64) int64 {
	if step <= 0 {
		return int64(v)
	}
	return int64(math.Floor(v / step))
}

package edgeguard

import (
	"encoding/json"
	"fmt"
	"math"
	"os"
	"sort"
)

// scoringArtifact is the on-disk model format: logistic-regression weights
// keyed by feature name, plus a bias term. Loaded once at startup.
type scoringArtifact struct {
	Name    string             `json:"name"`
	Bias    float64            `json:"bias"`
	Weights map[string]float64 `json:"weights"`
}

// LogisticScorer scores feature vectors with a linear model behind a
// sigmoid. Stateless after load; safe for concurrent use.
type LogisticScorer struct {
	name    string
	bias    float64
	weights map[string]float64
}

const maxArtifactSize = 1 << 20

// LoadScorer reads a scoring artifact from disk. Any failure is returned to
// the caller, which is expected to fall back to rule-only detection.
func LoadScorer(path string) (*LogisticScorer, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scoring artifact %s: %w", path, err)
	}
	if len(data) > maxArtifactSize {
		return nil, fmt.Errorf("scoring artifact %s is too large", path)
	}
	var artifact scoringArtifact
	if err := json.Unmarshal(data, &artifact); err != nil {
		return nil, fmt.Errorf("failed to parse scoring artifact %s: %w", path, err)
	}
	if len(artifact.Weights) == 0 {
		return nil, fmt.Errorf("scoring artifact %s has no weights", path)
	}
	name := artifact.Name
	if name == "" {
		name = "logistic"
	}
	return &LogisticScorer{name: name, bias: artifact.Bias, weights: artifact.Weights}, nil
}

func (s *LogisticScorer) Name() string { return s.name }

// Predict returns the attack probability for the feature vector.
func (s *LogisticScorer) Predict(fv *FeatureVector) float64 {
	z := s.bias
	for name, w := range s.weights {
		z += w * featureValue(fv, name)
	}
	return 1 / (1 + math.Exp(-z))
}

// Contributions returns the per-feature weight*value terms, largest first.
func (s *LogisticScorer) Contributions(fv *FeatureVector) []FeatureContribution {
	out := make([]FeatureContribution, 0, len(s.weights))
	for name, w := range s.weights {
		v := featureValue(fv, name)
		out = append(out, FeatureContribution{Name: name, Value: v, Weight: w * v})
	}
	sort.Slice(out, func(i, j int) bool { return math.Abs(out[i].Weight) > math.Abs(out[j].Weight) })
	return out
}

// featureValue maps an artifact feature name onto the vector. Unknown names
// contribute zero so artifacts can carry features this build does not
// compute.
func featureValue(fv *FeatureVector, name string) float64 {
	if fv == nil {
		return 0
	}
	switch name {
	case "request_rate":
		return fv.RequestRate
	case "byte_rate":
		return fv.ByteRate
	case "burst_ratio":
		return fv.BurstRatio
	case "inter_arrival_variance":
		return fv.InterArrivalVar
	case "distinct_paths":
		return float64(fv.DistinctPaths)
	case "path_entropy":
		return fv.PathEntropy
	case "write_ratio":
		return fv.WriteRatio
	case "avg_header_count":
		return fv.AvgHeaderCount
	}
	return 0
}

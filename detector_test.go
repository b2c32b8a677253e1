package edgeguard

import (
	"math"
	"testing"
)

type fixedScorer struct {
	p float64
}

func (s *fixedScorer) Predict(fv *FeatureVector) float64 { return s.p }
func (s *fixedScorer) Name() string                      { return "fixed" }

func quietEngine(t *testing.T, scorer Scorer) *DetectionEngine {
	t.Helper()
	return NewDetectionEngine(DefaultConfig(), scorer, NewLogger("error"))
}

func TestDetectHardRateShortCircuit(t *testing.T) {
	engine := quietEngine(t, &fixedScorer{p: 0.01})
	fv := &FeatureVector{RequestRate: 250, SampleCount: 50}
	verdict := engine.Score(fv)
	if verdict.RiskScore != 95 {
		t.Fatalf("expected hard rate rule score 95, got %d", verdict.RiskScore)
	}
	if !verdict.IsAttack {
		t.Fatalf("expected attack verdict at risk 95")
	}
	if verdict.AttackType != AttackVolumetric {
		t.Fatalf("expected volumetric, got %s", verdict.AttackType)
	}
}

func TestDetectRuleOnlyWithoutScorer(t *testing.T) {
	engine := quietEngine(t, nil)
	if !engine.Degraded() {
		t.Fatalf("expected degraded mode with no scorer")
	}
	fv := &FeatureVector{BurstRatio: 5, PathEntropy: 0.5, SampleCount: 30}
	verdict := engine.Score(fv)
	if verdict.RiskScore != 80 {
		t.Fatalf("expected behavioral rule score 80, got %d", verdict.RiskScore)
	}
	if !verdict.IsAttack || verdict.AttackType != AttackBehavioral {
		t.Fatalf("expected behavioral attack, got %+v", verdict)
	}
}

func TestDetectLowConfidenceAllows(t *testing.T) {
	engine := quietEngine(t, &fixedScorer{p: 0.99})
	verdict := engine.Score(&FeatureVector{LowConfidence: true, SampleCount: 2})
	if verdict.IsAttack {
		t.Fatalf("sparse evidence must never flag an attack")
	}
	if verdict.RiskScore != 0 {
		t.Fatalf("expected risk 0 on low confidence, got %d", verdict.RiskScore)
	}
	if verdict.Confidence != 0.25 {
		t.Fatalf("expected confidence 0.25, got %f", verdict.Confidence)
	}
}

func TestDetectModelOutscoresRule(t *testing.T) {
	engine := quietEngine(t, &fixedScorer{p: 0.95})
	// Header flood rule fires at 75 but the model says 95; higher risk wins
	// and both agree it is an attack, so confidence stays with the winner.
	fv := &FeatureVector{AvgHeaderCount: 100, SampleCount: 20}
	verdict := engine.Score(fv)
	if verdict.RiskScore != 95 {
		t.Fatalf("expected model risk 95 to win over rule 75, got %d", verdict.RiskScore)
	}
	if !verdict.IsAttack {
		t.Fatalf("expected attack at risk 95")
	}
	if math.Abs(verdict.Confidence-0.9) > 1e-9 {
		t.Fatalf("expected confidence 0.9, got %f", verdict.Confidence)
	}
}

func TestDetectDisagreementCapsConfidence(t *testing.T) {
	engine := quietEngine(t, &fixedScorer{p: 0.3})
	// Rule says attack (75), model says benign (30). The rule wins on risk
	// but confidence drops to the lower of the two layers.
	fv := &FeatureVector{AvgHeaderCount: 100, SampleCount: 20}
	verdict := engine.Score(fv)
	if verdict.RiskScore != 75 {
		t.Fatalf("expected rule risk 75, got %d", verdict.RiskScore)
	}
	if !verdict.IsAttack {
		t.Fatalf("expected attack at risk 75 with threshold 70")
	}
	modelConfidence := math.Abs(2*0.3 - 1)
	if math.Abs(verdict.Confidence-modelConfidence) > 1e-9 {
		t.Fatalf("expected capped confidence %f, got %f", modelConfidence, verdict.Confidence)
	}
}

func TestDetectThresholdBoundary(t *testing.T) {
	engine := quietEngine(t, &fixedScorer{p: 0.7})
	fv := &FeatureVector{SampleCount: 20}

	verdict := engine.Score(fv)
	if !verdict.IsAttack {
		t.Fatalf("risk 70 at threshold 70 must be an attack")
	}

	engine.SetThresholds(71, 200, 50*1024*1024)
	verdict = engine.Score(fv)
	if verdict.IsAttack {
		t.Fatalf("risk 70 under threshold 71 must not be an attack")
	}
	if verdict.AttackType != AttackNone {
		t.Fatalf("non-attack verdicts carry no attack type, got %s", verdict.AttackType)
	}
}

func TestDetectSampleSufficiencyScalesConfidence(t *testing.T) {
	engine := quietEngine(t, &fixedScorer{p: 0.9})
	few := engine.Score(&FeatureVector{SampleCount: 10})
	many := engine.Score(&FeatureVector{SampleCount: 40})
	if few.Confidence >= many.Confidence {
		t.Fatalf("confidence with 10 samples (%f) should be below 40 samples (%f)",
			few.Confidence, many.Confidence)
	}
}

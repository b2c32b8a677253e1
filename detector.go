package edgeguard

import (
	"math"
	"sync"

	"github.com/oarkflow/log"
)

// AttackType classifies what kind of abuse a verdict points at.
type AttackType string

const (
	AttackNone       AttackType = "none"
	AttackVolumetric AttackType = "volumetric"
	AttackProtocol   AttackType = "protocol"
	AttackBehavioral AttackType = "behavioral"
	AttackUnknown    AttackType = "unknown"
)

// FeatureContribution names one feature's share of a verdict, ordered by
// absolute weight.
type FeatureContribution struct {
	Name   string  `json:"name"`
	Value  float64 `json:"value"`
	Weight float64 `json:"weight"`
}

// DetectionVerdict is the detection engine's answer for one feature vector.
// Never mutated after creation.
type DetectionVerdict struct {
	RiskScore    int                   `json:"riskScore"`  // 0..100
	Confidence   float64               `json:"confidence"` // 0..1
	IsAttack     bool                  `json:"isAttack"`
	AttackType   AttackType            `json:"attackType"`
	Contributing []FeatureContribution `json:"contributing,omitempty"`
}

// Secondary rule thresholds. The hard request/byte rates come from config;
// these shape the behavioral and protocol rules.
const (
	ruleBurstRatio     = 4.0
	ruleLowPathEntropy = 1.0
	ruleHeaderFlood    = 80.0
	ruleShortCircuit   = 90 // rule score at which the model is skipped
	sufficiencySamples = 20 // samples at which model confidence is fully trusted
	lowConfidenceScore = 0.25
)

// contributor is the optional scorer capability for explaining predictions.
type contributor interface {
	Contributions(fv *FeatureVector) []FeatureContribution
}

// DetectionEngine scores feature vectors with fast deterministic rules plus
// an optional pluggable model. With no scorer it runs permanently in
// rule-only degraded mode; that is never fatal.
type DetectionEngine struct {
	mu              sync.RWMutex
	attackThreshold int
	hardRequestRate float64
	hardByteRate    float64

	scorer   Scorer
	degraded bool
	logger   *log.Logger
}

func NewDetectionEngine(cfg *Config, scorer Scorer, logger *log.Logger) *DetectionEngine {
	e := &DetectionEngine{
		attackThreshold: cfg.AttackThreshold,
		hardRequestRate: cfg.HardRequestRate,
		hardByteRate:    cfg.HardByteRate,
		scorer:          scorer,
		logger:          logger,
	}
	if scorer == nil {
		e.degraded = true
		logger.Warn().Msg("no scoring model loaded, detection runs rule-only")
	} else {
		logger.Info().Str("model", scorer.Name()).Msg("scoring model loaded")
	}
	return e
}

// Degraded reports whether the engine fell back to rule-only mode.
func (e *DetectionEngine) Degraded() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.degraded
}

// SetThresholds applies reloaded tunables.
func (e *DetectionEngine) SetThresholds(attackThreshold int, hardRequestRate, hardByteRate float64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.attackThreshold = attackThreshold
	e.hardRequestRate = hardRequestRate
	e.hardByteRate = hardByteRate
}

// Score produces a verdict for the feature vector. Pure with respect to the
// vector; safe for concurrent callers.
func (e *DetectionEngine) Score(fv *FeatureVector) DetectionVerdict {
	e.mu.RLock()
	threshold := e.attackThreshold
	hardRate := e.hardRequestRate
	hardBytes := e.hardByteRate
	scorer := e.scorer
	e.mu.RUnlock()

	if fv == nil || fv.LowConfidence {
		// Sparse evidence is not an attack signal; lean toward ALLOW.
		return DetectionVerdict{
			RiskScore:  0,
			Confidence: lowConfidenceScore,
			IsAttack:   false,
			AttackType: AttackNone,
		}
	}

	rule, ruleHit := e.ruleVerdict(fv, hardRate, hardBytes)
	if ruleHit && rule.RiskScore >= ruleShortCircuit {
		rule.IsAttack = rule.RiskScore >= threshold
		return rule
	}

	if scorer == nil {
		if ruleHit {
			rule.IsAttack = rule.RiskScore >= threshold
			return rule
		}
		return DetectionVerdict{RiskScore: 0, Confidence: 0.5, AttackType: AttackNone}
	}

	model := e.modelVerdict(fv, scorer)
	final := model
	if ruleHit {
		// Higher risk wins; when the two layers disagree on the outcome,
		// confidence is capped at the lower of the two.
		if rule.RiskScore > model.RiskScore {
			final = rule
		}
		ruleAttack := rule.RiskScore >= threshold
		modelAttack := model.RiskScore >= threshold
		if ruleAttack != modelAttack {
			final.Confidence = math.Min(rule.Confidence, model.Confidence)
		}
	}
	final.IsAttack = final.RiskScore >= threshold
	if !final.IsAttack {
		final.AttackType = AttackNone
	}
	return final
}

func (e *DetectionEngine) ruleVerdict(fv *FeatureVector, hardRate, hardBytes float64) (DetectionVerdict, bool) {
	switch {
	case hardRate > 0 && fv.RequestRate >= hardRate:
		return DetectionVerdict{
			RiskScore:  95,
			Confidence: 0.9,
			AttackType: AttackVolumetric,
			Contributing: []FeatureContribution{
				{Name: "request_rate", Value: fv.RequestRate, Weight: fv.RequestRate / hardRate},
			},
		}, true
	case hardBytes > 0 && fv.ByteRate >= hardBytes:
		return DetectionVerdict{
			RiskScore:  92,
			Confidence: 0.9,
			AttackType: AttackVolumetric,
			Contributing: []FeatureContribution{
				{Name: "byte_rate", Value: fv.ByteRate, Weight: fv.ByteRate / hardBytes},
			},
		}, true
	case fv.BurstRatio >= ruleBurstRatio && fv.PathEntropy <= ruleLowPathEntropy:
		return DetectionVerdict{
			RiskScore:  80,
			Confidence: 0.7,
			AttackType: AttackBehavioral,
			Contributing: []FeatureContribution{
				{Name: "burst_ratio", Value: fv.BurstRatio, Weight: fv.BurstRatio / ruleBurstRatio},
				{Name: "path_entropy", Value: fv.PathEntropy, Weight: 1 - fv.PathEntropy},
			},
		}, true
	case fv.AvgHeaderCount >= ruleHeaderFlood:
		return DetectionVerdict{
			RiskScore:  75,
			Confidence: 0.7,
			AttackType: AttackProtocol,
			Contributing: []FeatureContribution{
				{Name: "avg_header_count", Value: fv.AvgHeaderCount, Weight: fv.AvgHeaderCount / ruleHeaderFlood},
			},
		}, true
	}
	return DetectionVerdict{}, false
}

func (e *DetectionEngine) modelVerdict(fv *FeatureVector, scorer Scorer) DetectionVerdict {
	p := scorer.Predict(fv)
	if math.IsNaN(p) || p < 0 {
		p = 0
	}
	if p > 1 {
		p = 1
	}
	risk := int(math.Round(p * 100))

	// Confidence reflects both the model margin and sample sufficiency.
	sufficiency := math.Min(1, float64(fv.SampleCount)/sufficiencySamples)
	confidence := math.Abs(2*p-1) * sufficiency

	var contributing []FeatureContribution
	if c, ok := scorer.(contributor); ok {
		contributing = c.Contributions(fv)
	}
	return DetectionVerdict{
		RiskScore:    risk,
		Confidence:   confidence,
		AttackType:   dominantAttackType(contributing),
		Contributing: contributing,
	}
}

// dominantAttackType maps the strongest contributing feature onto an attack
// class.
func dominantAttackType(contributing []FeatureContribution) AttackType {
	if len(contributing) == 0 {
		return AttackUnknown
	}
	switch contributing[0].Name {
	case "request_rate", "byte_rate":
		return AttackVolumetric
	case "avg_header_count":
		return AttackProtocol
	case "burst_ratio", "inter_arrival_variance", "path_entropy", "write_ratio", "distinct_paths":
		return AttackBehavioral
	}
	return AttackUnknown
}

package edgeguard

import (
	"context"
	"time"
)

// Scorer is the pluggable scoring function consulted when the rule layer is
// inconclusive. Implementations must be safe for concurrent use and must not
// mutate the feature vector.
type Scorer interface {
	Predict(fv *FeatureVector) float64
	Name() string
}

// VerdictCache memoizes recent fingerprint -> verdict mappings. A failed or
// slow lookup is reported as a miss; callers never depend on the cache for
// correctness, only latency.
type VerdictCache interface {
	Get(ctx context.Context, fingerprint uint64) (*DetectionVerdict, bool)
	Put(ctx context.Context, fingerprint uint64, verdict *DetectionVerdict, ttl time.Duration)
	HealthCheck() error
	Close() error
}

// AlertSink receives emitted alerts. Delivery is best effort; failures are
// logged by the alert engine and never block the request path.
type AlertSink interface {
	Publish(ctx context.Context, alert *Alert) error
	Name() string
}

// MetricsCollector interface for observability
type MetricsCollector interface {
	IncrementCounter(name string, labels map[string]string)
	ObserveHistogram(name string, value float64, labels map[string]string)
	SetGauge(name string, value float64, labels map[string]string)
	HealthCheck() error
	ExportPrometheus() string
}

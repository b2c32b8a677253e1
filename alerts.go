package edgeguard

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/oarkflow/log"
)

// Severity buckets for operator-facing alerts.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

func severityRank(s Severity) int {
	switch s {
	case SeverityMedium:
		return 1
	case SeverityHigh:
		return 2
	case SeverityCritical:
		return 3
	}
	return 0
}

func escalateSeverity(s Severity) Severity {
	switch s {
	case SeverityLow:
		return SeverityMedium
	case SeverityMedium:
		return SeverityHigh
	default:
		return SeverityCritical
	}
}

// Alert is one deduplicated operator-facing finding.
type Alert struct {
	ID                string     `json:"id"`
	DedupKey          string     `json:"dedupKey"`
	ClientKey         string     `json:"clientKey"`
	AttackType        AttackType `json:"attackType"`
	Severity          Severity   `json:"severity"`
	RiskScore         int        `json:"riskScore"`
	FirstSeen         time.Time  `json:"firstSeen"`
	LastSeen          time.Time  `json:"lastSeen"`
	OccurrenceCount   int        `json:"occurrenceCount"`
	ReopenCount       int        `json:"reopenCount"`
	RecommendedAction string     `json:"recommendedAction"`
}

type openAlert struct {
	alert     Alert
	windowEnd time.Time
	reopens   int
}

// AlertEngine deduplicates qualifying outcomes into alerts. A qualifying
// event inside an open dedup window only bumps the existing alert; one
// arriving after the window closed reopens the dedup key and emits a fresh
// alert. Reopening the same key escalationReopens times escalates severity
// one level.
type AlertEngine struct {
	mu               sync.Mutex
	open             map[string]*openAlert
	dedupWindow      time.Duration
	escalationReopen int

	sinks  []AlertSink
	ledger *AlertLedger
	logger *log.Logger
	dlog   *degradeLog

	publishTimeout time.Duration
}

func NewAlertEngine(dedupWindow time.Duration, escalationReopenCount int, logger *log.Logger) *AlertEngine {
	if dedupWindow <= 0 {
		dedupWindow = time.Minute
	}
	if escalationReopenCount <= 0 {
		escalationReopenCount = 3
	}
	return &AlertEngine{
		open:             make(map[string]*openAlert),
		dedupWindow:      dedupWindow,
		escalationReopen: escalationReopenCount,
		logger:           logger,
		dlog:             newDegradeLog(30 * time.Second),
		publishTimeout:   5 * time.Second,
	}
}

// AddSink registers a delivery channel for emitted alerts.
func (e *AlertEngine) AddSink(sink AlertSink) {
	e.mu.Lock()
	e.sinks = append(e.sinks, sink)
	e.mu.Unlock()
}

// SetLedger attaches the durable alert history.
func (e *AlertEngine) SetLedger(ledger *AlertLedger) {
	e.mu.Lock()
	e.ledger = ledger
	e.mu.Unlock()
}

// Observe folds one request outcome into the alert state. It returns the
// alert it emitted, or nil when the event was absorbed by an open window or
// did not qualify. Emission to sinks is fire-and-forget.
func (e *AlertEngine) Observe(now time.Time, clientKey string, verdict DetectionVerdict, decision Decision, violations int) *Alert {
	if !verdict.IsAttack && decision.Action != ActionBlock {
		return nil
	}

	attackType := verdict.AttackType
	if attackType == AttackNone {
		// Rate-based blocks without a detection verdict are volumetric.
		attackType = AttackVolumetric
	}
	dedupKey := clientKey + "|" + string(attackType)

	e.mu.Lock()
	entry, ok := e.open[dedupKey]
	if ok && now.Before(entry.windowEnd) {
		entry.alert.OccurrenceCount++
		entry.alert.LastSeen = now
		if verdict.RiskScore > entry.alert.RiskScore {
			entry.alert.RiskScore = verdict.RiskScore
		}
		entry.windowEnd = now.Add(e.dedupWindow)
		updated := entry.alert
		ledger := e.ledger
		e.mu.Unlock()
		// Keep the durable row's aggregates in step with the open alert.
		e.persist(updated, ledger)
		return nil
	}

	severity := classifySeverity(verdict.RiskScore, violations)
	reopens := 0
	if ok {
		reopens = entry.reopens + 1
		if reopens >= e.escalationReopen {
			severity = escalateSeverity(severity)
		}
	}

	alert := Alert{
		ID:                uuid.NewString(),
		DedupKey:          dedupKey,
		ClientKey:         clientKey,
		AttackType:        attackType,
		Severity:          severity,
		RiskScore:         verdict.RiskScore,
		FirstSeen:         now,
		LastSeen:          now,
		OccurrenceCount:   1,
		ReopenCount:       reopens,
		RecommendedAction: recommendedAction(severity),
	}
	e.open[dedupKey] = &openAlert{alert: alert, windowEnd: now.Add(e.dedupWindow), reopens: reopens}
	sinks := make([]AlertSink, len(e.sinks))
	copy(sinks, e.sinks)
	ledger := e.ledger
	e.mu.Unlock()

	e.emit(alert, sinks, ledger)
	return &alert
}

func (e *AlertEngine) emit(alert Alert, sinks []AlertSink, ledger *AlertLedger) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), e.publishTimeout)
		defer cancel()
		for _, sink := range sinks {
			if err := sink.Publish(ctx, &alert); err != nil {
				if e.dlog.Allow("sink_" + sink.Name()) {
					e.logger.Warn().Err(err).Str("sink", sink.Name()).Msg("alert delivery failed")
				}
			}
		}
	}()
	e.persist(alert, ledger)
}

// persist writes the alert's current aggregates through to the ledger.
func (e *AlertEngine) persist(alert Alert, ledger *AlertLedger) {
	if ledger == nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), e.publishTimeout)
		defer cancel()
		if err := ledger.SaveAlert(ctx, &alert); err != nil {
			if e.dlog.Allow("ledger") {
				e.logger.Warn().Err(err).Msg("alert ledger write failed")
			}
		}
	}()
}

// ActiveAlerts returns the alerts whose dedup window is still open.
func (e *AlertEngine) ActiveAlerts(now time.Time) []Alert {
	e.mu.Lock()
	defer e.mu.Unlock()
	var out []Alert
	for _, entry := range e.open {
		if now.Before(entry.windowEnd) {
			out = append(out, entry.alert)
		}
	}
	return out
}

// Sweep drops dedup keys quiet long enough that reopen escalation should
// start over.
func (e *AlertEngine) Sweep(now time.Time) {
	cutoff := e.dedupWindow * 10
	e.mu.Lock()
	defer e.mu.Unlock()
	for key, entry := range e.open {
		if now.Sub(entry.alert.LastSeen) > cutoff {
			delete(e.open, key)
		}
	}
}

// classifySeverity is the deterministic mapping from risk and repeat
// violations onto a severity bucket.
func classifySeverity(riskScore, violations int) Severity {
	switch {
	case riskScore >= 90 || violations >= 5:
		return SeverityCritical
	case riskScore >= 80 || violations >= 3:
		return SeverityHigh
	case riskScore >= 60 || violations >= 1:
		return SeverityMedium
	default:
		return SeverityLow
	}
}

func recommendedAction(s Severity) string {
	switch s {
	case SeverityCritical:
		return "block and page on-call"
	case SeverityHigh:
		return "block"
	case SeverityMedium:
		return "throttle"
	default:
		return "monitor"
	}
}

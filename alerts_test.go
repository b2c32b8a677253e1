package edgeguard

import (
	"testing"
	"time"
)

func newTestAlertEngine() *AlertEngine {
	return NewAlertEngine(time.Minute, 3, NewLogger("error"))
}

func TestAlertsIgnoreBenignOutcomes(t *testing.T) {
	engine := newTestAlertEngine()
	alert := engine.Observe(time.Now(), "1.1.1.1", DetectionVerdict{}, Decision{Action: ActionAllow}, 0)
	if alert != nil {
		t.Fatalf("benign allow must not alert, got %+v", alert)
	}
	alert = engine.Observe(time.Now(), "1.1.1.1", DetectionVerdict{}, Decision{Action: ActionRateLimit}, 0)
	if alert != nil {
		t.Fatalf("soft throttle must not alert, got %+v", alert)
	}
}

func TestAlertsDedupWithinWindow(t *testing.T) {
	engine := newTestAlertEngine()
	now := time.Now()
	verdict := DetectionVerdict{IsAttack: true, RiskScore: 85, AttackType: AttackVolumetric}

	first := engine.Observe(now, "2.2.2.2", verdict, Decision{Action: ActionBlock}, 1)
	if first == nil {
		t.Fatalf("expected an alert for the first qualifying event")
	}
	if first.Severity != SeverityHigh {
		t.Fatalf("risk 85 should classify high, got %s", first.Severity)
	}

	// Repeats inside the window only bump the open alert.
	for i := 0; i < 4; i++ {
		if a := engine.Observe(now.Add(time.Duration(i+1)*time.Second), "2.2.2.2", verdict, Decision{Action: ActionBlock}, 1); a != nil {
			t.Fatalf("repeat %d inside the dedup window must be absorbed", i+1)
		}
	}
	active := engine.ActiveAlerts(now.Add(5 * time.Second))
	if len(active) != 1 {
		t.Fatalf("expected one open alert, got %d", len(active))
	}
	if active[0].OccurrenceCount != 5 {
		t.Fatalf("expected 5 occurrences, got %d", active[0].OccurrenceCount)
	}
}

func TestAlertsReopenEscalatesSeverity(t *testing.T) {
	engine := newTestAlertEngine()
	base := time.Now()
	verdict := DetectionVerdict{IsAttack: true, RiskScore: 85, AttackType: AttackVolumetric}

	// Each observation lands after the previous window closed, reopening the
	// same dedup key.
	var last *Alert
	for i := 0; i < 4; i++ {
		last = engine.Observe(base.Add(time.Duration(i)*2*time.Minute), "3.3.3.3", verdict, Decision{Action: ActionBlock}, 1)
		if last == nil {
			t.Fatalf("reopen %d: expected a fresh alert after the window closed", i)
		}
	}
	if last.ReopenCount != 3 {
		t.Fatalf("expected reopen count 3, got %d", last.ReopenCount)
	}
	// Risk 85 classifies high; the third reopen escalates it.
	if last.Severity != SeverityCritical {
		t.Fatalf("expected escalated severity critical, got %s", last.Severity)
	}
}

func TestAlertsRateBlockIsVolumetric(t *testing.T) {
	engine := newTestAlertEngine()
	alert := engine.Observe(time.Now(), "4.4.4.4", DetectionVerdict{AttackType: AttackNone}, Decision{Action: ActionBlock}, 2)
	if alert == nil {
		t.Fatalf("rate-based blocks must alert")
	}
	if alert.AttackType != AttackVolumetric {
		t.Fatalf("rate-based blocks are volumetric, got %s", alert.AttackType)
	}
}

func TestAlertsBlockedRepeatsStayOnOriginalAlert(t *testing.T) {
	engine := newTestAlertEngine()
	now := time.Now()

	// The detection that triggered the block.
	first := engine.Observe(now, "6.6.6.6",
		DetectionVerdict{IsAttack: true, RiskScore: 85, AttackType: AttackBehavioral},
		Decision{Action: ActionBlock}, 1)
	if first == nil || first.AttackType != AttackBehavioral {
		t.Fatalf("expected a behavioral alert, got %+v", first)
	}

	// Subsequent requests denied on the blocked fast path carry the block's
	// attack type but no fresh attack verdict.
	for i := 0; i < 3; i++ {
		a := engine.Observe(now.Add(time.Duration(i+1)*time.Second), "6.6.6.6",
			DetectionVerdict{AttackType: AttackBehavioral},
			Decision{Action: ActionBlock}, 1)
		if a != nil {
			t.Fatalf("blocked repeat %d must fold into the open alert, got %+v", i+1, a)
		}
	}

	active := engine.ActiveAlerts(now.Add(5 * time.Second))
	if len(active) != 1 {
		t.Fatalf("expected one open alert, got %d", len(active))
	}
	if active[0].AttackType != AttackBehavioral || active[0].OccurrenceCount != 4 {
		t.Fatalf("expected 4 behavioral occurrences on one alert, got %+v", active[0])
	}
}

func TestAlertsSweepDropsStaleKeys(t *testing.T) {
	engine := newTestAlertEngine()
	now := time.Now()
	verdict := DetectionVerdict{IsAttack: true, RiskScore: 85, AttackType: AttackVolumetric}
	engine.Observe(now, "5.5.5.5", verdict, Decision{Action: ActionBlock}, 1)

	engine.Sweep(now.Add(15 * time.Minute))
	// The key was dropped, so the next event is a brand new alert with no
	// reopen history.
	alert := engine.Observe(now.Add(16*time.Minute), "5.5.5.5", verdict, Decision{Action: ActionBlock}, 1)
	if alert == nil || alert.ReopenCount != 0 {
		t.Fatalf("expected a fresh alert after sweep, got %+v", alert)
	}
}

func TestClassifySeverity(t *testing.T) {
	cases := []struct {
		risk       int
		violations int
		want       Severity
	}{
		{95, 0, SeverityCritical},
		{50, 5, SeverityCritical},
		{85, 0, SeverityHigh},
		{50, 3, SeverityHigh},
		{65, 0, SeverityMedium},
		{10, 1, SeverityMedium},
		{10, 0, SeverityLow},
	}
	for _, c := range cases {
		if got := classifySeverity(c.risk, c.violations); got != c.want {
			t.Fatalf("classifySeverity(%d, %d) = %s, want %s", c.risk, c.violations, got, c.want)
		}
	}
}

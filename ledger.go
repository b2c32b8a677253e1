package edgeguard

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
)

const alertLedgerSchema = `
CREATE TABLE IF NOT EXISTS alerts (
	id                 TEXT PRIMARY KEY,
	dedup_key          TEXT NOT NULL,
	client_key         TEXT NOT NULL,
	attack_type        TEXT NOT NULL,
	severity           TEXT NOT NULL,
	risk_score         INTEGER NOT NULL,
	first_seen         TIMESTAMP NOT NULL,
	last_seen          TIMESTAMP NOT NULL,
	occurrence_count   INTEGER NOT NULL,
	reopen_count       INTEGER NOT NULL,
	recommended_action TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_alerts_last_seen ON alerts(last_seen);
CREATE INDEX IF NOT EXISTS idx_alerts_client ON alerts(client_key);
`

// AlertLedger is the durable history of emitted alerts, backed by SQLite.
// The request path only ever writes to it asynchronously; the ops surface
// reads from it.
type AlertLedger struct {
	db *sqlx.DB
}

type alertRow struct {
	ID                string    `db:"id"`
	DedupKey          string    `db:"dedup_key"`
	ClientKey         string    `db:"client_key"`
	AttackType        string    `db:"attack_type"`
	Severity          string    `db:"severity"`
	RiskScore         int       `db:"risk_score"`
	FirstSeen         time.Time `db:"first_seen"`
	LastSeen          time.Time `db:"last_seen"`
	OccurrenceCount   int       `db:"occurrence_count"`
	ReopenCount       int       `db:"reopen_count"`
	RecommendedAction string    `db:"recommended_action"`
}

// LedgerSummary aggregates recent alert activity per attack type.
type LedgerSummary struct {
	TotalAlerts   int            `json:"totalAlerts"`
	ActiveClients int            `json:"activeClients"`
	ByAttackType  map[string]int `json:"byAttackType"`
	BySeverity    map[string]int `json:"bySeverity"`
	Since         time.Time      `json:"since"`
}

func NewAlertLedger(path string) (*AlertLedger, error) {
	db, err := sqlx.Connect("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open alert ledger %s: %w", path, err)
	}
	if _, err := db.Exec(alertLedgerSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create alert schema: %w", err)
	}
	return &AlertLedger{db: db}, nil
}

// SaveAlert inserts the alert, or refreshes its row when the same alert ID
// is written again with updated aggregates.
func (l *AlertLedger) SaveAlert(ctx context.Context, alert *Alert) error {
	row := alertRow{
		ID:                alert.ID,
		DedupKey:          alert.DedupKey,
		ClientKey:         alert.ClientKey,
		AttackType:        string(alert.AttackType),
		Severity:          string(alert.Severity),
		RiskScore:         alert.RiskScore,
		FirstSeen:         alert.FirstSeen,
		LastSeen:          alert.LastSeen,
		OccurrenceCount:   alert.OccurrenceCount,
		ReopenCount:       alert.ReopenCount,
		RecommendedAction: alert.RecommendedAction,
	}
	_, err := l.db.NamedExecContext(ctx, `
		INSERT INTO alerts (id, dedup_key, client_key, attack_type, severity, risk_score,
			first_seen, last_seen, occurrence_count, reopen_count, recommended_action)
		VALUES (:id, :dedup_key, :client_key, :attack_type, :severity, :risk_score,
			:first_seen, :last_seen, :occurrence_count, :reopen_count, :recommended_action)
		ON CONFLICT(id) DO UPDATE SET
			severity = excluded.severity,
			risk_score = max(alerts.risk_score, excluded.risk_score),
			last_seen = max(alerts.last_seen, excluded.last_seen),
			occurrence_count = max(alerts.occurrence_count, excluded.occurrence_count)`, row)
	if err != nil {
		return fmt.Errorf("failed to save alert %s: %w", alert.ID, err)
	}
	return nil
}

// Recent returns the newest alerts, most recent first.
func (l *AlertLedger) Recent(ctx context.Context, limit int) ([]Alert, error) {
	if limit <= 0 {
		limit = 50
	}
	var rows []alertRow
	err := l.db.SelectContext(ctx, &rows,
		`SELECT * FROM alerts ORDER BY last_seen DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query recent alerts: %w", err)
	}
	out := make([]Alert, 0, len(rows))
	for _, r := range rows {
		out = append(out, Alert{
			ID:                r.ID,
			DedupKey:          r.DedupKey,
			ClientKey:         r.ClientKey,
			AttackType:        AttackType(r.AttackType),
			Severity:          Severity(r.Severity),
			RiskScore:         r.RiskScore,
			FirstSeen:         r.FirstSeen,
			LastSeen:          r.LastSeen,
			OccurrenceCount:   r.OccurrenceCount,
			ReopenCount:       r.ReopenCount,
			RecommendedAction: r.RecommendedAction,
		})
	}
	return out, nil
}

// Summary aggregates alerts emitted since the given time.
func (l *AlertLedger) Summary(ctx context.Context, since time.Time) (*LedgerSummary, error) {
	var rows []alertRow
	err := l.db.SelectContext(ctx, &rows,
		`SELECT * FROM alerts WHERE last_seen >= ?`, since)
	if err != nil {
		return nil, fmt.Errorf("failed to query alert summary: %w", err)
	}
	summary := &LedgerSummary{
		ByAttackType: make(map[string]int),
		BySeverity:   make(map[string]int),
		Since:        since,
	}
	clients := make(map[string]struct{})
	for _, r := range rows {
		summary.TotalAlerts++
		summary.ByAttackType[r.AttackType]++
		summary.BySeverity[r.Severity]++
		clients[r.ClientKey] = struct{}{}
	}
	summary.ActiveClients = len(clients)
	return summary, nil
}

// Prune deletes alerts older than the cutoff.
func (l *AlertLedger) Prune(ctx context.Context, olderThan time.Time) error {
	if _, err := l.db.ExecContext(ctx, `DELETE FROM alerts WHERE last_seen < ?`, olderThan); err != nil {
		return fmt.Errorf("failed to prune alerts: %w", err)
	}
	return nil
}

func (l *AlertLedger) HealthCheck() error { return l.db.Ping() }

func (l *AlertLedger) Close() error { return l.db.Close() }

package edgeguard

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/oarkflow/log"
)

// LogAlertSink writes alerts to the process logger.
type LogAlertSink struct {
	Logger *log.Logger
}

func (s *LogAlertSink) Name() string { return "log" }

func (s *LogAlertSink) Publish(ctx context.Context, alert *Alert) error {
	s.Logger.Warn().
		Str("alert_id", alert.ID).
		Str("client", alert.ClientKey).
		Str("attack", string(alert.AttackType)).
		Str("severity", string(alert.Severity)).
		Int("risk", alert.RiskScore).
		Int("occurrences", alert.OccurrenceCount).
		Int("reopens", alert.ReopenCount).
		Str("action", alert.RecommendedAction).
		Msg("alert")
	return nil
}

// WebhookAlertSink POSTs alerts as JSON to a configured endpoint.
type WebhookAlertSink struct {
	url    string
	client *http.Client
}

func NewWebhookAlertSink(url string) *WebhookAlertSink {
	return &WebhookAlertSink{
		url:    url,
		client: &http.Client{Timeout: 10 * time.Second},
	}
}

func (s *WebhookAlertSink) Name() string { return "webhook" }

func (s *WebhookAlertSink) Publish(ctx context.Context, alert *Alert) error {
	payload, err := json.Marshal(alert)
	if err != nil {
		return fmt.Errorf("failed to marshal alert: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("failed to create webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "EdgeGuard-Alert/1.0")

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send webhook: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}
	return nil
}

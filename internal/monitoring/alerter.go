package monitoring

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/agridata/mandisync/internal/config"
)

// AlertType identifies the kind of alert.
type AlertType string

const (
	AlertFailureRate AlertType = "run_failure_rate"
	AlertRejectRate  AlertType = "record_reject_rate"
	AlertStaleData   AlertType = "stale_data"
)

// Alert represents a single alert to be sent.
type Alert struct {
	Type      AlertType      `json:"type"`
	Severity  string         `json:"severity"`
	Message   string         `json:"message"`
	Details   map[string]any `json:"details,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// Alerter evaluates a MetricsSnapshot against configured thresholds and
// sends alerts via webhook when thresholds are breached.
type Alerter struct {
	cfg    config.AlertConfig
	client *http.Client
}

// NewAlerter creates a new Alerter with the given alert config.
func NewAlerter(cfg config.AlertConfig) *Alerter {
	return &Alerter{
		cfg:    cfg,
		client: &http.Client{Timeout: 10 * time.Second},
	}
}

// Evaluate checks the snapshot against thresholds and returns any alerts.
func (a *Alerter) Evaluate(snap *MetricsSnapshot) []Alert {
	var alerts []Alert
	now := time.Now().UTC()

	finished := snap.RunsSucceeded + snap.RunsPartial + snap.RunsFailed
	if finished >= 2 && snap.FailRate > a.cfg.FailureRateThreshold {
		alerts = append(alerts, Alert{
			Type:     AlertFailureRate,
			Severity: "high",
			Message: fmt.Sprintf(
				"Run failure rate %.1f%% exceeds threshold %.1f%% (%d failed or partial / %d finished in last %dh)",
				snap.FailRate*100, a.cfg.FailureRateThreshold*100,
				snap.RunsFailed+snap.RunsPartial, finished, snap.LookbackHours,
			),
			Details: map[string]any{
				"fail_rate": snap.FailRate,
				"threshold": a.cfg.FailureRateThreshold,
				"failed":    snap.RunsFailed,
				"partial":   snap.RunsPartial,
				"finished":  finished,
			},
			Timestamp: now,
		})
	}

	if a.cfg.RejectRateThreshold > 0 && snap.RejectRate > a.cfg.RejectRateThreshold {
		alerts = append(alerts, Alert{
			Type:     AlertRejectRate,
			Severity: "medium",
			Message: fmt.Sprintf(
				"Record reject rate %.1f%% exceeds threshold %.1f%% (%d rejected / %d fetched in last %dh)",
				snap.RejectRate*100, a.cfg.RejectRateThreshold*100,
				snap.RecordsRejected, snap.RecordsFetched, snap.LookbackHours,
			),
			Details: map[string]any{
				"reject_rate": snap.RejectRate,
				"threshold":   a.cfg.RejectRateThreshold,
				"rejected":    snap.RecordsRejected,
				"fetched":     snap.RecordsFetched,
			},
			Timestamp: now,
		})
	}

	if a.cfg.StaleAfterHours > 0 {
		staleAfter := time.Duration(a.cfg.StaleAfterHours) * time.Hour
		if age, ok := snap.StaleFor(); ok && age > staleAfter {
			alerts = append(alerts, Alert{
				Type:     AlertStaleData,
				Severity: "high",
				Message: fmt.Sprintf(
					"No successful ingestion for %.0fh (threshold %dh)",
					age.Hours(), a.cfg.StaleAfterHours,
				),
				Details: map[string]any{
					"last_success_at": snap.LastSuccessAt,
					"age_hours":       age.Hours(),
				},
				Timestamp: now,
			})
		}
	}

	return alerts
}

// SendAlerts delivers alerts to the configured webhook URL.
// Returns the number of alerts successfully sent.
func (a *Alerter) SendAlerts(ctx context.Context, alerts []Alert) int {
	if a.cfg.WebhookURL == "" || len(alerts) == 0 {
		return 0
	}

	sent := 0
	for _, alert := range alerts {
		if err := a.sendWebhook(ctx, alert); err != nil {
			zap.L().Error("monitoring: failed to send alert",
				zap.String("type", string(alert.Type)),
				zap.Error(err),
			)
			continue
		}
		zap.L().Info("monitoring: alert sent",
			zap.String("type", string(alert.Type)),
			zap.String("severity", alert.Severity),
		)
		sent++
	}
	return sent
}

// sendWebhook posts a single alert to the webhook URL.
func (a *Alerter) sendWebhook(ctx context.Context, alert Alert) error {
	payload, err := json.Marshal(alert)
	if err != nil {
		return eris.Wrap(err, "monitoring: marshal alert")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.cfg.WebhookURL, bytes.NewReader(payload))
	if err != nil {
		return eris.Wrap(err, "monitoring: create webhook request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		return eris.Wrap(err, "monitoring: webhook request")
	}
	defer resp.Body.Close() //nolint:errcheck

	if resp.StatusCode >= 400 {
		return eris.Errorf("monitoring: webhook returned status %d", resp.StatusCode)
	}
	return nil
}

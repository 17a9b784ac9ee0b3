// Package monitoring summarizes variance and outbox health and alerts an
// operator webhook when thresholds are breached.
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

	"github.com/sells-group/bidgov/internal/config"
)

// AlertType identifies the kind of alert.
type AlertType string

const (
	AlertCriticalVariance AlertType = "critical_variance"
	AlertRecalcBacklog    AlertType = "recalc_backlog"
)

// Alert represents a single alert to be sent.
type Alert struct {
	Type      AlertType      `json:"type"`
	Severity  string         `json:"severity"`
	Message   string         `json:"message"`
	Details   map[string]any `json:"details,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// Alerter evaluates a MetricsSnapshot against configured thresholds
// and sends alerts via webhook when thresholds are breached.
type Alerter struct {
	cfg    config.MonitoringConfig
	client *http.Client
}

// NewAlerter creates a new Alerter with the given monitoring config.
func NewAlerter(cfg config.MonitoringConfig) *Alerter {
	return &Alerter{
		cfg:    cfg,
		client: &http.Client{Timeout: 10 * time.Second},
	}
}

// Evaluate checks the snapshot against thresholds and returns any alerts.
func (a *Alerter) Evaluate(snap *MetricsSnapshot) []Alert {
	var alerts []Alert
	now := time.Now().UTC()

	// CRITICAL items still waiting for an unbalancing decision.
	if snap.CriticalActionable > a.cfg.CriticalItemThreshold {
		alerts = append(alerts, Alert{
			Type:     AlertCriticalVariance,
			Severity: "high",
			Message: fmt.Sprintf(
				"%d CRITICAL line item(s) awaiting an unbalancing decision (threshold %d)",
				snap.CriticalActionable, a.cfg.CriticalItemThreshold,
			),
			Details: map[string]any{
				"project_id":          snap.ProjectID,
				"critical_actionable": snap.CriticalActionable,
				"actionable":          snap.Actionable,
				"threshold":           a.cfg.CriticalItemThreshold,
			},
			Timestamp: now,
		})
	}

	// Pricing recalculations stuck in the outbox.
	if a.cfg.OutboxDepthThreshold > 0 && snap.OutboxDepth > a.cfg.OutboxDepthThreshold {
		alerts = append(alerts, Alert{
			Type:     AlertRecalcBacklog,
			Severity: "medium",
			Message: fmt.Sprintf(
				"%d pricing recalculation(s) pending in the outbox (threshold %d)",
				snap.OutboxDepth, a.cfg.OutboxDepthThreshold,
			),
			Details: map[string]any{
				"outbox_depth": snap.OutboxDepth,
				"threshold":    a.cfg.OutboxDepthThreshold,
			},
			Timestamp: now,
		})
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

package monitoring

import (
	"context"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/rate-harvest/internal/config"
)

// AlertType identifies the kind of alert.
type AlertType string

const (
	AlertSessionFailureRate AlertType = "session_failure_rate"
	AlertPartialRate        AlertType = "session_partial_rate"
	AlertRecordErrors       AlertType = "record_errors"
	AlertUndelivered        AlertType = "undelivered_records"
)

const (
	severityHigh   = "high"
	severityMedium = "medium"
)

// Rate rules stay quiet until this many sessions have finished in the
// lookback window.
const minFinished = 5

// Alert is the webhook payload for one breached rule.
type Alert struct {
	Type      AlertType      `json:"type"`
	Severity  string         `json:"severity"`
	Message   string         `json:"message"`
	Details   map[string]any `json:"details,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// rule inspects a snapshot and returns an alert when breached.
type rule func(cfg config.MonitoringConfig, snap *MetricsSnapshot) (Alert, bool)

var rules = []rule{
	failureRateRule,
	partialRateRule,
	recordErrorRule,
	undeliveredRule,
}

func finished(snap *MetricsSnapshot) int {
	return snap.SessionsCompleted + snap.SessionsPartial + snap.SessionsFailed
}

func failureRateRule(cfg config.MonitoringConfig, snap *MetricsSnapshot) (Alert, bool) {
	n := finished(snap)
	if n < minFinished || snap.FailureRate <= cfg.FailureRateThreshold {
		return Alert{}, false
	}
	return Alert{
		Type:     AlertSessionFailureRate,
		Severity: severityHigh,
		Message: fmt.Sprintf("%.1f%% of extraction sessions failed in the last %dh (%d of %d, threshold %.1f%%)",
			snap.FailureRate*100, snap.LookbackHours, snap.SessionsFailed, n, cfg.FailureRateThreshold*100),
		Details: map[string]any{
			"failure_rate":   snap.FailureRate,
			"threshold":      cfg.FailureRateThreshold,
			"failed_by_site": snap.FailedBySite,
		},
	}, true
}

func partialRateRule(cfg config.MonitoringConfig, snap *MetricsSnapshot) (Alert, bool) {
	if cfg.PartialRateThreshold <= 0 || finished(snap) < minFinished || snap.PartialRate <= cfg.PartialRateThreshold {
		return Alert{}, false
	}
	return Alert{
		Type:     AlertPartialRate,
		Severity: severityMedium,
		Message: fmt.Sprintf("%.1f%% of extraction sessions ended partial in the last %dh (threshold %.1f%%)",
			snap.PartialRate*100, snap.LookbackHours, cfg.PartialRateThreshold*100),
		Details: map[string]any{
			"partial_rate": snap.PartialRate,
			"partial":      snap.SessionsPartial,
		},
	}, true
}

func recordErrorRule(cfg config.MonitoringConfig, snap *MetricsSnapshot) (Alert, bool) {
	if cfg.RecordErrorThreshold <= 0 || snap.RecordErrors <= cfg.RecordErrorThreshold {
		return Alert{}, false
	}
	return Alert{
		Type:     AlertRecordErrors,
		Severity: severityMedium,
		Message: fmt.Sprintf("%d record errors in the last %dh (threshold %d)",
			snap.RecordErrors, snap.LookbackHours, cfg.RecordErrorThreshold),
		Details: map[string]any{"record_errors": snap.RecordErrors},
	}, true
}

func undeliveredRule(_ config.MonitoringConfig, snap *MetricsSnapshot) (Alert, bool) {
	if snap.Unarchived == 0 {
		return Alert{}, false
	}
	return Alert{
		Type:     AlertUndelivered,
		Severity: severityHigh,
		Message:  fmt.Sprintf("%d finished session(s) still hold undelivered records", snap.Unarchived),
		Details:  map[string]any{"sessions": snap.Unarchived},
	}, true
}

// Alerter turns metric snapshots into alerts and posts them to a webhook.
type Alerter struct {
	cfg    config.MonitoringConfig
	client *resty.Client
	now    func() time.Time
}

// NewAlerter creates an Alerter for cfg.
func NewAlerter(cfg config.MonitoringConfig) *Alerter {
	return &Alerter{
		cfg: cfg,
		client: resty.New().
			SetTimeout(10*time.Second).
			SetHeader("Content-Type", "application/json"),
		now: time.Now,
	}
}

// Evaluate returns an alert for every breached rule.
func (a *Alerter) Evaluate(snap *MetricsSnapshot) []Alert {
	var alerts []Alert
	ts := a.now().UTC()
	for _, r := range rules {
		if alert, ok := r(a.cfg, snap); ok {
			alert.Timestamp = ts
			alerts = append(alerts, alert)
		}
	}
	return alerts
}

// SendAlerts posts each alert to the webhook and returns how many were
// accepted. Without a webhook URL nothing is sent.
func (a *Alerter) SendAlerts(ctx context.Context, alerts []Alert) int {
	if a.cfg.WebhookURL == "" {
		return 0
	}
	sent := 0
	for _, alert := range alerts {
		log := zap.L().With(zap.String("type", string(alert.Type)), zap.String("severity", alert.Severity))
		if err := a.post(ctx, alert); err != nil {
			log.Error("monitoring: alert delivery failed", zap.Error(err))
			continue
		}
		log.Info("monitoring: alert delivered")
		sent++
	}
	return sent
}

func (a *Alerter) post(ctx context.Context, alert Alert) error {
	resp, err := a.client.R().
		SetContext(ctx).
		SetBody(alert).
		Post(a.cfg.WebhookURL)
	if err != nil {
		return eris.Wrap(err, "monitoring: post alert")
	}
	if resp.IsError() {
		return eris.Errorf("monitoring: webhook status %d", resp.StatusCode())
	}
	return nil
}

package monitoring

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/rate-harvest/internal/config"
)

func TestAlerter_Evaluate(t *testing.T) {
	tests := []struct {
		name     string
		cfg      config.MonitoringConfig
		snap     MetricsSnapshot
		want     []AlertType
		contains string
	}{
		{
			name: "healthy window",
			cfg:  config.MonitoringConfig{FailureRateThreshold: 0.10, PartialRateThreshold: 0.50, RecordErrorThreshold: 100},
			snap: MetricsSnapshot{SessionsCompleted: 90, SessionsPartial: 5, SessionsFailed: 5, FailureRate: 0.05, PartialRate: 0.05, RecordErrors: 40},
		},
		{
			name:     "failure rate",
			cfg:      config.MonitoringConfig{FailureRateThreshold: 0.10},
			snap:     MetricsSnapshot{SessionsCompleted: 12, SessionsFailed: 8, FailureRate: 0.4},
			want:     []AlertType{AlertSessionFailureRate},
			contains: "40.0%",
		},
		{
			name:     "partial rate",
			cfg:      config.MonitoringConfig{FailureRateThreshold: 0.10, PartialRateThreshold: 0.30},
			snap:     MetricsSnapshot{SessionsCompleted: 4, SessionsPartial: 6, PartialRate: 0.6},
			want:     []AlertType{AlertPartialRate},
			contains: "60.0%",
		},
		{
			name:     "record errors",
			cfg:      config.MonitoringConfig{FailureRateThreshold: 0.10, RecordErrorThreshold: 100},
			snap:     MetricsSnapshot{RecordErrors: 250},
			want:     []AlertType{AlertRecordErrors},
			contains: "250 record errors",
		},
		{
			name:     "undelivered",
			cfg:      config.MonitoringConfig{FailureRateThreshold: 0.10},
			snap:     MetricsSnapshot{Unarchived: 2},
			want:     []AlertType{AlertUndelivered},
			contains: "2 finished session(s)",
		},
		{
			name: "every rule",
			cfg:  config.MonitoringConfig{FailureRateThreshold: 0.10, PartialRateThreshold: 0.20, RecordErrorThreshold: 10},
			snap: MetricsSnapshot{
				SessionsCompleted: 6, SessionsPartial: 6, SessionsFailed: 8,
				FailureRate: 0.4, PartialRate: 0.3, RecordErrors: 50, Unarchived: 1,
			},
			want: []AlertType{AlertSessionFailureRate, AlertPartialRate, AlertRecordErrors, AlertUndelivered},
		},
		{
			name: "too few finished sessions",
			cfg:  config.MonitoringConfig{FailureRateThreshold: 0.10, PartialRateThreshold: 0.10},
			snap: MetricsSnapshot{SessionsCompleted: 1, SessionsFailed: 2, FailureRate: 0.666},
		},
		{
			name: "zero thresholds disable optional rules",
			cfg:  config.MonitoringConfig{FailureRateThreshold: 1},
			snap: MetricsSnapshot{SessionsCompleted: 1, SessionsPartial: 9, PartialRate: 0.9, RecordErrors: 999},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := NewAlerter(tt.cfg)
			fixed := time.Date(2026, 10, 1, 8, 0, 0, 0, time.UTC)
			a.now = func() time.Time { return fixed }
			tt.snap.LookbackHours = 24

			alerts := a.Evaluate(&tt.snap)

			got := make([]AlertType, 0, len(alerts))
			for _, al := range alerts {
				got = append(got, al.Type)
				assert.Equal(t, fixed, al.Timestamp)
			}
			if len(tt.want) == 0 {
				assert.Empty(t, got)
				return
			}
			assert.Equal(t, tt.want, got)
			if tt.contains != "" {
				assert.Contains(t, alerts[0].Message, tt.contains)
			}
		})
	}
}

func TestAlerter_FailureRateIsHighSeverity(t *testing.T) {
	a := NewAlerter(config.MonitoringConfig{FailureRateThreshold: 0.10})
	alerts := a.Evaluate(&MetricsSnapshot{SessionsFailed: 5, FailureRate: 1, LookbackHours: 6})
	require.Len(t, alerts, 1)
	assert.Equal(t, "high", alerts[0].Severity)
}

func TestAlerter_SendAlerts(t *testing.T) {
	var received atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		var alert Alert
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&alert))
		assert.NotEmpty(t, alert.Type)
		received.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	defer ts.Close()

	a := NewAlerter(config.MonitoringConfig{WebhookURL: ts.URL})
	sent := a.SendAlerts(context.Background(), []Alert{
		{Type: AlertSessionFailureRate, Severity: "high", Message: "first"},
		{Type: AlertUndelivered, Severity: "high", Message: "second"},
	})

	assert.Equal(t, 2, sent)
	assert.Equal(t, int32(2), received.Load())
}

func TestAlerter_SendAlerts_NothingToDo(t *testing.T) {
	one := []Alert{{Type: AlertRecordErrors, Message: "x"}}

	assert.Equal(t, 0, NewAlerter(config.MonitoringConfig{}).SendAlerts(context.Background(), one))
	assert.Equal(t, 0, NewAlerter(config.MonitoringConfig{WebhookURL: "http://127.0.0.1:1"}).SendAlerts(context.Background(), nil))
}

func TestAlerter_SendAlerts_WebhookRejects(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer ts.Close()

	a := NewAlerter(config.MonitoringConfig{WebhookURL: ts.URL})
	assert.Equal(t, 0, a.SendAlerts(context.Background(), []Alert{{Type: AlertSessionFailureRate}}))
}

package monitor

import (
	"fmt"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/secforge/plugrun/logging/logger"
	"github.com/secforge/plugrun/runtime/types"
)

// AlertKind names the condition an alert reports
type AlertKind string

const (
	HighErrorRate   AlertKind = "high_error_rate"
	LowSuccessRate  AlertKind = "low_success_rate"
	SlowExecution   AlertKind = "slow_execution"
	HighMemoryUsage AlertKind = "high_memory_usage"
	HighCPUUsage    AlertKind = "high_cpu_usage"
)

// Alert is one detected threshold breach. At most one unresolved alert
// exists per (plugin, kind) pair.
type Alert struct {
	ID         string              `json:"id"`
	PluginID   string              `json:"plugin_id"`
	Kind       AlertKind           `json:"kind"`
	Severity   types.AlertSeverity `json:"severity"`
	Message    string              `json:"message"`
	Threshold  float64             `json:"threshold"`
	Observed   float64             `json:"observed"`
	CreatedAt  time.Time           `json:"created_at"`
	Resolved   bool                `json:"resolved"`
	ResolvedAt time.Time           `json:"resolved_at,omitempty"`
}

func newAlert(pluginID string, kind AlertKind, severity types.AlertSeverity, threshold, observed float64, message string) *Alert {
	return &Alert{
		ID:        uuid.NewString(),
		PluginID:  pluginID,
		Kind:      kind,
		Severity:  severity,
		Message:   message,
		Threshold: threshold,
		Observed:  observed,
		CreatedAt: time.Now(),
	}
}

// Handler consumes created alerts. Handlers run on the monitor's worker
// pool, a slow handler never blocks evaluation.
type Handler interface {
	HandleAlert(alert *Alert)
}

// HandlerFunc adapts a function to the Handler interface
type HandlerFunc func(*Alert)

func (f HandlerFunc) HandleAlert(alert *Alert) { f(alert) }

// LogHandler writes alerts to the runtime log
type LogHandler struct{}

func (LogHandler) HandleAlert(alert *Alert) {
	entry := logger.WithFields(nil, logrus.Fields{
		"plugin":    alert.PluginID,
		"kind":      string(alert.Kind),
		"threshold": alert.Threshold,
		"observed":  alert.Observed,
	})
	switch alert.Severity {
	case types.SeverityCritical:
		entry.Error(alert.Message)
	case types.SeverityWarning:
		entry.Warn(alert.Message)
	default:
		entry.Info(alert.Message)
	}
}

// SentryHandler forwards alerts to Sentry with plugin and kind tags
type SentryHandler struct {
	hub *sentry.Hub
}

// NewSentryHandler builds a handler with its own Sentry client
func NewSentryHandler(dsn, environment string) (*SentryHandler, error) {
	client, err := sentry.NewClient(sentry.ClientOptions{
		Dsn:         dsn,
		Environment: environment,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create sentry client: %w", err)
	}
	return &SentryHandler{hub: sentry.NewHub(client, sentry.NewScope())}, nil
}

func (h *SentryHandler) HandleAlert(alert *Alert) {
	h.hub.WithScope(func(scope *sentry.Scope) {
		scope.SetTag("plugin", alert.PluginID)
		scope.SetTag("alert_kind", string(alert.Kind))
		scope.SetLevel(sentryLevel(alert.Severity))
		scope.SetExtra("threshold", alert.Threshold)
		scope.SetExtra("observed", alert.Observed)
		h.hub.CaptureMessage(alert.Message)
	})
}

// Flush waits for buffered Sentry events to send
func (h *SentryHandler) Flush(timeout time.Duration) {
	h.hub.Flush(timeout)
}

func sentryLevel(severity types.AlertSeverity) sentry.Level {
	switch severity {
	case types.SeverityCritical:
		return sentry.LevelError
	case types.SeverityWarning:
		return sentry.LevelWarning
	default:
		return sentry.LevelInfo
	}
}

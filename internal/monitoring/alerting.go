package monitoring

import (
	"bytes"
	"encoding/json"
	"net/http"
	"time"

	"github.com/rs/zerolog"
)

// AlertLevel grades alert severity.
type AlertLevel string

const (
	AlertInfo     AlertLevel = "INFO"
	AlertWarning  AlertLevel = "WARNING"
	AlertError    AlertLevel = "ERROR"
	AlertCritical AlertLevel = "CRITICAL"
)

// Well-known alert kinds emitted by hub components.
const (
	AlertConnectionLimitExceeded = "connection_limit_exceeded"
	AlertAuthFailureRate         = "auth_failure_rate"
	AlertConnectionFlood         = "connection_flood"
	AlertEventFlood              = "event_flood"
	AlertPermissionEscalation    = "permission_escalation"
	AlertRouterDegraded          = "router_degraded"
)

// Alerter delivers operational notifications to an external channel.
// Implementations must never block the caller for long and must swallow
// their own delivery failures.
type Alerter interface {
	Alert(level AlertLevel, kind, message string, metadata map[string]any)
}

// MultiAlerter fans one alert out to several alerters.
type MultiAlerter struct {
	alerters []Alerter
}

func NewMultiAlerter(alerters ...Alerter) *MultiAlerter {
	return &MultiAlerter{alerters: alerters}
}

func (m *MultiAlerter) Alert(level AlertLevel, kind, message string, metadata map[string]any) {
	for _, alerter := range m.alerters {
		// Run in goroutine to avoid blocking
		go alerter.Alert(level, kind, message, metadata)
	}
}

// LogAlerter writes alerts to the structured log.
type LogAlerter struct {
	logger zerolog.Logger
}

func NewLogAlerter(logger zerolog.Logger) *LogAlerter {
	return &LogAlerter{logger: logger}
}

func (l *LogAlerter) Alert(level AlertLevel, kind, message string, metadata map[string]any) {
	event := l.logger.Warn()
	if level == AlertError || level == AlertCritical {
		event = l.logger.Error()
	}
	event.Str("alert_level", string(level)).Str("alert_kind", kind)
	for k, v := range metadata {
		event = event.Interface(k, v)
	}
	event.Msg(message)
}

// WebhookAlerter posts alerts as JSON to a configured URL.
type WebhookAlerter struct {
	url    string
	client *http.Client
}

func NewWebhookAlerter(url string) *WebhookAlerter {
	return &WebhookAlerter{
		url:    url,
		client: &http.Client{Timeout: 5 * time.Second},
	}
}

func (w *WebhookAlerter) Alert(level AlertLevel, kind, message string, metadata map[string]any) {
	if w.url == "" {
		return // Not configured
	}

	payload := map[string]any{
		"level":     level,
		"kind":      kind,
		"message":   message,
		"metadata":  metadata,
		"timestamp": time.Now().Unix(),
		"source":    "ubridge-hub",
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return
	}

	// Ignore delivery errors - alerting must not break the hub
	resp, err := w.client.Post(w.url, "application/json", bytes.NewReader(body))
	if err == nil {
		resp.Body.Close()
	}
}

// NopAlerter discards alerts. Used in tests and when alerting is disabled.
type NopAlerter struct{}

func (NopAlerter) Alert(AlertLevel, string, string, map[string]any) {}

package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"time"

	"tabletd.sh/internal/metrics"
)

// EventType labels an outbound webhook event.
type EventType string

const (
	EventDeviceRegistered   EventType = "device.registered"
	EventDeviceOffline      EventType = "device.offline"
	EventDeviceDeleted      EventType = "device.deleted"
	EventDeviceHeartbeat    EventType = "device.heartbeat"
	EventDeviceActivity     EventType = "device.activity"
	EventBlockedSiteAttempt EventType = "device.blocked_site_attempt"
	EventCommandSent        EventType = "command.sent"
	EventPolicyUpdated      EventType = "policy.updated"
)

// Event is the JSON body posted to the webhook endpoint.
type Event struct {
	Type      EventType `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	Data      any       `json:"data"`
}

// Config configures the notifier. An empty URL disables delivery entirely.
type Config struct {
	URL     string
	Secret  string
	Timeout time.Duration
}

// Notifier posts platform events to an external webhook endpoint on a
// best-effort basis. Delivery failures are logged and counted, never
// surfaced to the caller: a broken webhook must not affect the platform.
type Notifier struct {
	config Config
	client *http.Client
	logger *slog.Logger
}

// NewNotifier creates a webhook notifier.
func NewNotifier(config Config) *Notifier {
	if config.Timeout <= 0 {
		config.Timeout = 5 * time.Second
	}
	return &Notifier{
		config: config,
		client: &http.Client{Timeout: config.Timeout},
		logger: slog.Default().With("component", "webhook"),
	}
}

// Enabled reports whether a webhook URL is configured.
func (n *Notifier) Enabled() bool {
	return n.config.URL != ""
}

// Notify fires an event without waiting for the delivery to finish.
func (n *Notifier) Notify(eventType EventType, data any) {
	if !n.Enabled() {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), n.config.Timeout)
		defer cancel()
		n.Send(ctx, eventType, data)
	}()
}

// Send delivers an event synchronously. Used by Notify and directly in
// tests; the error outcome is only reflected in logs and metrics.
func (n *Notifier) Send(ctx context.Context, eventType EventType, data any) {
	if !n.Enabled() {
		return
	}

	event := Event{Type: eventType, Timestamp: time.Now(), Data: data}
	body, err := json.Marshal(event)
	if err != nil {
		n.logger.Error("Failed to marshal webhook event", "type", eventType, "error", err)
		metrics.WebhookDeliveriesTotal.WithLabelValues("error").Inc()
		return
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.config.URL, bytes.NewReader(body))
	if err != nil {
		n.logger.Error("Failed to build webhook request", "error", err)
		metrics.WebhookDeliveriesTotal.WithLabelValues("error").Inc()
		return
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "tabletd-webhook/1.0")
	req.Header.Set("X-Tabletd-Event", string(eventType))
	if n.config.Secret != "" {
		req.Header.Set("X-Tabletd-Signature", generateSignature(body, n.config.Secret, time.Now()))
	}

	resp, err := n.client.Do(req)
	if err != nil {
		n.logger.Warn("Webhook delivery failed", "type", eventType, "error", err)
		metrics.WebhookDeliveriesTotal.WithLabelValues("error").Inc()
		return
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode >= 300 {
		n.logger.Warn("Webhook endpoint rejected event",
			"type", eventType,
			"status", resp.StatusCode)
		metrics.WebhookDeliveriesTotal.WithLabelValues("rejected").Inc()
		return
	}

	metrics.WebhookDeliveriesTotal.WithLabelValues("ok").Inc()
}

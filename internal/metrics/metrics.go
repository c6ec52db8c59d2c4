package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// HTTP metrics
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tabletd_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "endpoint", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "tabletd_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "endpoint"},
	)

	// Gateway metrics
	DevicesConnected = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "tabletd_devices_connected",
			Help: "Number of devices currently connected to the gateway",
		},
	)

	AdminsConnected = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "tabletd_admins_connected",
			Help: "Number of admin dashboards currently connected to the gateway",
		},
	)

	GatewayMessagesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tabletd_gateway_messages_total",
			Help: "Total number of gateway messages",
		},
		[]string{"direction", "event"},
	)

	GatewayDroppedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tabletd_gateway_dropped_total",
			Help: "Total number of gateway messages dropped on slow clients",
		},
		[]string{"role"},
	)

	// Device metrics
	DeviceHeartbeatsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "tabletd_device_heartbeats_total",
			Help: "Total number of device heartbeats",
		},
	)

	DevicesByStatus = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "tabletd_devices_by_status",
			Help: "Number of devices by presence status",
		},
		[]string{"status"},
	)

	PresenceSweepsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "tabletd_presence_sweeps_total",
			Help: "Total number of presence sweeps",
		},
	)

	PresenceDemotionsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "tabletd_presence_demotions_total",
			Help: "Total number of devices demoted to offline by the sweep",
		},
	)

	// Command metrics
	CommandsDispatchedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tabletd_commands_dispatched_total",
			Help: "Total number of commands dispatched",
		},
		[]string{"type", "delivery"},
	)

	CommandsAckedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "tabletd_commands_acked_total",
			Help: "Total number of commands acknowledged by devices",
		},
	)

	// Webhook metrics
	WebhookDeliveriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tabletd_webhook_deliveries_total",
			Help: "Total number of webhook delivery attempts",
		},
		[]string{"status"},
	)

	// Error metrics
	ErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tabletd_errors_total",
			Help: "Total number of errors",
		},
		[]string{"component", "operation"},
	)
)

// RecordHTTPRequest records HTTP request metrics
func RecordHTTPRequest(method, endpoint, status string, duration float64) {
	HTTPRequestsTotal.WithLabelValues(method, endpoint, status).Inc()
	HTTPRequestDuration.WithLabelValues(method, endpoint).Observe(duration)
}

// RecordCommandDispatch records a command dispatch, delivery being either
// "realtime" or "queued"
func RecordCommandDispatch(cmdType, delivery string) {
	CommandsDispatchedTotal.WithLabelValues(cmdType, delivery).Inc()
}

// RecordError records error metrics
func RecordError(component, operation string) {
	ErrorsTotal.WithLabelValues(component, operation).Inc()
}

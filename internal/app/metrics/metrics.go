package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Registry holds the application-specific Prometheus collectors.
	Registry = prometheus.NewRegistry()

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "payment_layer",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests handled.",
		},
		[]string{"method", "path", "status"},
	)

	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "payment_layer",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Duration of HTTP requests.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 10), // 5ms to ~2.5s
		},
		[]string{"method", "path"},
	)

	escrowTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "payment_layer",
			Subsystem: "escrow",
			Name:      "transitions_total",
			Help:      "Total number of escrow state transitions.",
		},
		[]string{"to"},
	)

	webhookDeliveries = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "payment_layer",
			Subsystem: "webhook",
			Name:      "deliveries_total",
			Help:      "Total number of webhook delivery attempts.",
		},
		[]string{"outcome"},
	)

	webhookDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "payment_layer",
			Subsystem: "webhook",
			Name:      "delivery_duration_seconds",
			Help:      "Duration of webhook POST attempts.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 10), // 10ms to ~5s
		},
		[]string{"outcome"},
	)

	webhookQueueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "payment_layer",
			Subsystem: "webhook",
			Name:      "queue_depth",
			Help:      "Current number of pending webhook deliveries.",
		},
	)

	tipsCreated = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "payment_layer",
			Subsystem: "tipping",
			Name:      "tips_total",
			Help:      "Total number of tips created.",
		},
		[]string{"token"},
	)
)

func init() {
	Registry.MustRegister(
		httpRequests,
		httpDuration,
		escrowTransitions,
		webhookDeliveries,
		webhookDuration,
		webhookQueueDepth,
		tipsCreated,
	)
}

// RecordHTTPRequest records one handled HTTP request.
func RecordHTTPRequest(method, path string, status int, elapsed time.Duration) {
	httpRequests.WithLabelValues(method, path, strconv.Itoa(status)).Inc()
	httpDuration.WithLabelValues(method, path).Observe(elapsed.Seconds())
}

// RecordEscrowTransition records one escrow state transition.
func RecordEscrowTransition(to string) {
	escrowTransitions.WithLabelValues(to).Inc()
}

// RecordWebhookDelivery records one delivery attempt outcome
// ("success", "retry" or "failure").
func RecordWebhookDelivery(outcome string, elapsed time.Duration) {
	webhookDeliveries.WithLabelValues(outcome).Inc()
	webhookDuration.WithLabelValues(outcome).Observe(elapsed.Seconds())
}

// SetWebhookQueueDepth publishes the current delivery queue depth.
func SetWebhookQueueDepth(depth int) {
	webhookQueueDepth.Set(float64(depth))
}

// RecordTipCreated records one accepted tip.
func RecordTipCreated(token string) {
	tipsCreated.WithLabelValues(token).Inc()
}

// Handler exposes the registry for the /metrics endpoint.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}

// Package metrics provides Prometheus metrics for the marketplace.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all application metrics
type Metrics struct {
	RequestsCreated    prometheus.Counter
	RequestsSubmitted  prometheus.Counter
	RequestsCancelled  prometheus.Counter
	ResponsesRecorded  *prometheus.CounterVec
	PharmaciesSelected prometheus.Counter
	RequestDuration    prometheus.Histogram

	NotificationsCreated prometheus.Counter
	Deliveries           *prometheus.CounterVec
	DeliveryRetries      prometheus.Counter

	ActiveAlerts          prometheus.Gauge
	KafkaMessagesProduced prometheus.Counter
	KafkaMessagesConsumed prometheus.Counter
	OutboxPending         prometheus.Gauge
	CircuitBreakerState   *prometheus.GaugeVec
}

// New creates and registers all metrics
func New() *Metrics {
	m := &Metrics{
		RequestsCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "prescription_requests_created_total",
			Help: "Total prescription requests created",
		}),
		RequestsSubmitted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "prescription_requests_submitted_total",
			Help: "Total prescription requests submitted to pharmacies",
		}),
		RequestsCancelled: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "prescription_requests_cancelled_total",
			Help: "Total prescription requests cancelled",
		}),
		ResponsesRecorded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pharmacy_responses_total",
			Help: "Total pharmacy responses by action",
		}, []string{"action"}),
		PharmaciesSelected: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pharmacies_selected_total",
			Help: "Total winning pharmacy selections",
		}),
		RequestDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "request_operation_duration_seconds",
			Help:    "Request operation duration",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
		}),
		NotificationsCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "notifications_created_total",
			Help: "Total notifications created",
		}),
		Deliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "notification_deliveries_total",
			Help: "Total delivery attempts by channel and outcome",
		}, []string{"channel", "outcome"}),
		DeliveryRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "notification_retries_total",
			Help: "Total explicit notification retries",
		}),
		ActiveAlerts: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "alerts_active",
			Help: "Currently unresolved alerts",
		}),
		KafkaMessagesProduced: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "kafka_messages_produced_total",
			Help: "Total Kafka messages produced",
		}),
		KafkaMessagesConsumed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "kafka_messages_consumed_total",
			Help: "Total Kafka messages consumed",
		}),
		OutboxPending: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "outbox_pending_entries",
			Help: "Pending outbox entries",
		}),
		CircuitBreakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=open, 2=half-open)",
		}, []string{"name"}),
	}

	prometheus.MustRegister(
		m.RequestsCreated,
		m.RequestsSubmitted,
		m.RequestsCancelled,
		m.ResponsesRecorded,
		m.PharmaciesSelected,
		m.RequestDuration,
		m.NotificationsCreated,
		m.Deliveries,
		m.DeliveryRetries,
		m.ActiveAlerts,
		m.KafkaMessagesProduced,
		m.KafkaMessagesConsumed,
		m.OutboxPending,
		m.CircuitBreakerState,
	)

	return m
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}

package prommetrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics implements paysync.Metrics using Prometheus.
type Metrics struct {
	webhookEventsTotal         *prometheus.CounterVec
	processingDuration         *prometheus.HistogramVec
	webhookErrorsTotal         *prometheus.CounterVec
	billingTransitionsTotal    *prometheus.CounterVec
	orderPaymentTransitions    *prometheus.CounterVec
	sideEffectFailuresTotal    *prometheus.CounterVec
	apiCallsTotal              *prometheus.CounterVec
	apiCallDuration            *prometheus.HistogramVec
	circuitBreakerStateChanges *prometheus.CounterVec
}

// NewMetrics creates a new Prometheus metrics implementation.
func NewMetrics(reg prometheus.Registerer, namespace string) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		webhookEventsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "webhook_events_total",
			Help:      "Total number of webhook deliveries by outcome.",
		}, []string{"event_type", "outcome"}),

		processingDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "webhook_processing_duration_seconds",
			Help:      "Latency of webhook processing.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"event_type"}),

		webhookErrorsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "webhook_errors_total",
			Help:      "Total number of webhook errors by class.",
		}, []string{"type"}),

		billingTransitionsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "billing_transitions_total",
			Help:      "Total number of organization billing status changes.",
		}, []string{"from", "to"}),

		orderPaymentTransitions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "order_payment_transitions_total",
			Help:      "Total number of order payment status changes.",
		}, []string{"from", "to"}),

		sideEffectFailuresTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "side_effect_failures_total",
			Help:      "Total number of failed post-commit side effects.",
		}, []string{"hook"}),

		apiCallsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "processor_api_calls_total",
			Help:      "Total number of payment processor API calls.",
		}, []string{"endpoint", "status"}),

		apiCallDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "processor_api_call_duration_seconds",
			Help:      "Latency of payment processor API calls.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"endpoint"}),

		circuitBreakerStateChanges: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "circuit_breaker_state_changes_total",
			Help:      "Total number of circuit breaker state changes.",
		}, []string{"state"}),
	}
}

func (m *Metrics) RecordWebhookEvent(eventType, outcome string) {
	m.webhookEventsTotal.WithLabelValues(eventType, outcome).Inc()
}

func (m *Metrics) RecordProcessingDuration(eventType string, duration time.Duration) {
	m.processingDuration.WithLabelValues(eventType).Observe(duration.Seconds())
}

func (m *Metrics) RecordWebhookError(errorType string) {
	m.webhookErrorsTotal.WithLabelValues(errorType).Inc()
}

func (m *Metrics) RecordBillingTransition(from, to string) {
	m.billingTransitionsTotal.WithLabelValues(from, to).Inc()
}

func (m *Metrics) RecordOrderPaymentTransition(from, to string) {
	m.orderPaymentTransitions.WithLabelValues(from, to).Inc()
}

func (m *Metrics) RecordSideEffectFailure(hook string) {
	m.sideEffectFailuresTotal.WithLabelValues(hook).Inc()
}

func (m *Metrics) RecordAPICall(endpoint, status string) {
	m.apiCallsTotal.WithLabelValues(endpoint, status).Inc()
}

func (m *Metrics) RecordAPICallDuration(endpoint string, duration time.Duration) {
	m.apiCallDuration.WithLabelValues(endpoint).Observe(duration.Seconds())
}

func (m *Metrics) RecordCircuitBreakerStateChange(state string) {
	m.circuitBreakerStateChanges.WithLabelValues(state).Inc()
}

// DefaultMetrics returns a Metrics implementation using the default Prometheus registerer.
func DefaultMetrics(namespace string) *Metrics {
	return NewMetrics(prometheus.DefaultRegisterer, namespace)
}

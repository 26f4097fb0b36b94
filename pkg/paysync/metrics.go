package paysync

import "time"

// Metrics defines the interface for tracking webhook processing.
// All methods are optional - the engine substitutes NoopMetrics for nil.
type Metrics interface {
	// RecordWebhookEvent records the outcome of one delivery.
	// outcome: "processed", "duplicate", "unmapped", "ignored", "aborted", "handler_error", "rejected", "failed"
	RecordWebhookEvent(eventType, outcome string)

	// RecordProcessingDuration records how long one delivery took end to end.
	RecordProcessingDuration(eventType string, duration time.Duration)

	// RecordWebhookError records an error by class
	// ("invalid_signature", "invalid_payload", "handler_error", "ledger_error", "finalize_error").
	RecordWebhookError(errorType string)

	// RecordBillingTransition records a billing status change.
	RecordBillingTransition(from, to string)

	// RecordOrderPaymentTransition records an order payment status change.
	RecordOrderPaymentTransition(from, to string)

	// RecordSideEffectFailure records a failed post-commit hook.
	RecordSideEffectFailure(hook string)

	// RecordAPICall records a call to the payment processor API.
	RecordAPICall(endpoint, status string)

	// RecordAPICallDuration records how long a processor API call took.
	RecordAPICallDuration(endpoint string, duration time.Duration)

	// RecordCircuitBreakerStateChange records a circuit breaker state change.
	RecordCircuitBreakerStateChange(state string)
}

// NoopMetrics is a no-op implementation of the Metrics interface.
type NoopMetrics struct{}

func (n *NoopMetrics) RecordWebhookEvent(_, _ string)                     {}
func (n *NoopMetrics) RecordProcessingDuration(_ string, _ time.Duration) {}
func (n *NoopMetrics) RecordWebhookError(_ string)                        {}
func (n *NoopMetrics) RecordBillingTransition(_, _ string)                {}
func (n *NoopMetrics) RecordOrderPaymentTransition(_, _ string)           {}
func (n *NoopMetrics) RecordSideEffectFailure(_ string)                   {}
func (n *NoopMetrics) RecordAPICall(_, _ string)                          {}
func (n *NoopMetrics) RecordAPICallDuration(_ string, _ time.Duration)    {}
func (n *NoopMetrics) RecordCircuitBreakerStateChange(_ string)           {}

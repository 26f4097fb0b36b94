package paysync

import "errors"

var (
	// ErrInvalidSignature is returned when the webhook signature cannot be verified
	ErrInvalidSignature = errors.New("invalid webhook signature")

	// ErrMissingSecret is returned when no signing secret is configured
	ErrMissingSecret = errors.New("webhook signing secret not configured")

	// ErrInvalidPayload is returned when a verified payload cannot be decoded
	ErrInvalidPayload = errors.New("invalid webhook payload")

	// ErrNotFound is returned by stores when a record does not exist
	ErrNotFound = errors.New("record not found")

	// ErrPaymentLinkNotFound is returned when no payment link matches a checkout session
	ErrPaymentLinkNotFound = errors.New("payment link not found")

	// ErrMissingPayload is returned when an event carries no payload for its type
	ErrMissingPayload = errors.New("event payload missing")

	// ErrStorageUnavailable is returned when a storage backend is unavailable
	ErrStorageUnavailable = errors.New("storage unavailable")

	// ErrCircuitOpen is returned when the circuit breaker is open
	ErrCircuitOpen = errors.New("circuit breaker is open")

	// ErrInvalidConfig is returned when the engine configuration is unusable
	ErrInvalidConfig = errors.New("invalid configuration")
)

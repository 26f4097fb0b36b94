package billing

import (
	"net/http"
	"time"

	"github.com/mihaimyh/paysync/pkg/paysync"
)

// Config defines the standard configuration all providers should accept
type Config struct {
	// Engine receives every verified event (required)
	Engine Processor

	// WebhookSecret is the signing secret used to verify incoming webhook requests.
	WebhookSecret string

	// APIKey is used for outbound API calls to the payment processor
	// (e.g. fetching subscription details).
	APIKey string

	// HTTPClient is an optional HTTP client for API calls made by the
	// provider's subscription fetcher.
	// If nil, a default client with 10s timeout will be used.
	HTTPClient *http.Client

	// SignatureTolerance is the maximum accepted age of a signed payload (default: 5 minutes)
	SignatureTolerance time.Duration

	// MaxBodyBytes limits the webhook body size (default: 256 KiB)
	MaxBodyBytes int64

	// RedeliverOnHandlerError answers handler errors with 500 instead of 200
	// so the processor's retry schedule redelivers the event. The ledger
	// record is left unfinalized either way.
	RedeliverOnHandlerError bool

	// WebhookCallback is called after every processed delivery (optional).
	WebhookCallback WebhookCallback

	// Metrics is an optional metrics collector.
	// If nil, metrics will be silently ignored (no-op).
	// Use paysync/metrics/prometheus.DefaultMetrics(namespace) for Prometheus metrics.
	Metrics paysync.Metrics

	// Logger is used for structured logging (default: NoopLogger)
	Logger paysync.Logger
}

package stripe

import (
	"net/http"
	"strings"

	"github.com/mihaimyh/paysync/pkg/billing"
	"github.com/mihaimyh/paysync/pkg/paysync"
)

const (
	providerName        = "stripe"
	defaultMaxBodyBytes = 256 * 1024
	signatureHeader     = "Stripe-Signature"
)

// Config extends billing.Config with Stripe-specific options
type Config struct {
	billing.Config // Base config (Engine, Metrics, etc.)

	// Stripe-specific; they take precedence over the base WebhookSecret and APIKey.
	StripeAPIKey        string
	StripeWebhookSecret string
}

// Provider implements the billing.Provider interface for Stripe
type Provider struct {
	config       Config
	engine       billing.Processor
	verifier     *Verifier
	maxBodyBytes int64
	metrics      paysync.Metrics
	logger       paysync.Logger
}

// NewProvider creates a new Stripe provider. A missing engine or webhook
// secret is a configuration error.
func NewProvider(config Config) (*Provider, error) {
	if config.Engine == nil {
		return nil, billing.ErrProviderNotConfigured
	}

	secret := strings.TrimSpace(config.StripeWebhookSecret)
	if secret == "" {
		secret = strings.TrimSpace(config.WebhookSecret)
	}
	verifier, err := NewVerifier(secret, config.SignatureTolerance)
	if err != nil {
		return nil, err
	}

	maxBodyBytes := config.MaxBodyBytes
	if maxBodyBytes <= 0 {
		maxBodyBytes = defaultMaxBodyBytes
	}

	// Setup metrics (optional)
	metrics := config.Metrics
	if metrics == nil {
		metrics = &paysync.NoopMetrics{}
	}
	logger := config.Logger
	if logger == nil {
		logger = &paysync.NoopLogger{}
	}

	return &Provider{
		config:       config,
		engine:       config.Engine,
		verifier:     verifier,
		maxBodyBytes: maxBodyBytes,
		metrics:      metrics,
		logger:       logger,
	}, nil
}

// Name returns the provider name
func (p *Provider) Name() string {
	return providerName
}

// WebhookHandler returns the HTTP handler for Stripe webhooks
func (p *Provider) WebhookHandler() http.Handler {
	return http.HandlerFunc(p.handleWebhook)
}

// MaxBodyBytes implements billing.Provider
func (p *Provider) MaxBodyBytes() int64 {
	return p.maxBodyBytes
}

// NewProviderFetcher creates the subscription fetcher for the configured API key.
func NewProviderFetcher(config Config) (*Fetcher, error) {
	apiKey := strings.TrimSpace(config.StripeAPIKey)
	if apiKey == "" {
		apiKey = strings.TrimSpace(config.APIKey)
	}
	return NewFetcher(apiKey, config.HTTPClient, config.Metrics)
}

// Package billingtest provides a scripted billing.Provider for testing
// framework adapters without a real processor.
package billingtest

import (
	"context"
	"net/http"
	"sync"

	"github.com/mihaimyh/paysync/pkg/billing"
)

// DefaultMaxBodyBytes is the body limit used when Provider.Limit is zero.
const DefaultMaxBodyBytes = 1024

// Delivery is one call captured by Provider.
type Delivery struct {
	Payload []byte
	Header  http.Header
}

// Provider answers every delivery with Response and records what it saw.
// Payloads above the limit are answered with 413 and are not recorded.
type Provider struct {
	ProviderName string
	Limit        int64
	Response     billing.Delivery

	mu         sync.Mutex
	deliveries []Delivery
}

var _ billing.Provider = (*Provider)(nil)

// NewProvider returns a provider that accepts every delivery.
func NewProvider(name string) *Provider {
	return &Provider{
		ProviderName: name,
		Response: billing.Delivery{
			StatusCode: http.StatusOK,
			Body:       billing.DeliveryResponse{Received: true, Status: "processed"},
		},
	}
}

func (p *Provider) Name() string {
	return p.ProviderName
}

func (p *Provider) MaxBodyBytes() int64 {
	if p.Limit > 0 {
		return p.Limit
	}
	return DefaultMaxBodyBytes
}

func (p *Provider) WebhookHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(p.Response.StatusCode)
	})
}

func (p *Provider) HandleDelivery(_ context.Context, payload []byte, header http.Header) billing.Delivery {
	if int64(len(payload)) > p.MaxBodyBytes() {
		return billing.Delivery{
			StatusCode: http.StatusRequestEntityTooLarge,
			Body:       billing.DeliveryResponse{Error: "payload_too_large"},
		}
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.deliveries = append(p.deliveries, Delivery{
		Payload: append([]byte(nil), payload...),
		Header:  header.Clone(),
	})
	return p.Response
}

// Deliveries returns the accepted deliveries in arrival order.
func (p *Provider) Deliveries() []Delivery {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]Delivery(nil), p.deliveries...)
}

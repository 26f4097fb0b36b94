package stripe

import (
	"fmt"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v83/webhook"

	"github.com/mihaimyh/paysync/pkg/paysync"
)

// Verifier authenticates Stripe webhook payloads and decodes them into
// engine events.
type Verifier struct {
	secret    string
	tolerance time.Duration
}

// NewVerifier creates a verifier for the given endpoint signing secret.
// An empty secret is a configuration error; there is no unverified mode.
func NewVerifier(secret string, tolerance time.Duration) (*Verifier, error) {
	secret = strings.TrimSpace(secret)
	if secret == "" {
		return nil, paysync.ErrMissingSecret
	}
	if tolerance <= 0 {
		tolerance = webhook.DefaultTolerance
	}
	return &Verifier{secret: secret, tolerance: tolerance}, nil
}

// Verify checks the Stripe-Signature header against the raw payload and
// returns the decoded event. Signature failures wrap
// paysync.ErrInvalidSignature; undecodable payloads wrap
// paysync.ErrInvalidPayload.
func (v *Verifier) Verify(payload []byte, sigHeader string) (paysync.Event, error) {
	if strings.TrimSpace(sigHeader) == "" {
		return paysync.Event{}, fmt.Errorf("%w: missing Stripe-Signature header", paysync.ErrInvalidSignature)
	}

	event, err := webhook.ConstructEventWithOptions(payload, sigHeader, v.secret, webhook.ConstructEventOptions{
		Tolerance:                v.tolerance,
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		return paysync.Event{}, fmt.Errorf("%w: %v", paysync.ErrInvalidSignature, err)
	}

	return decodeEvent(&event)
}

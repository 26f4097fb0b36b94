package stripe

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v83"
	"golang.org/x/sync/singleflight"

	"github.com/mihaimyh/paysync/pkg/billing"
	"github.com/mihaimyh/paysync/pkg/paysync"
)

const (
	subscriptionEndpoint = "/v1/subscriptions/{id}"
	defaultHTTPTimeout   = 10 * time.Second
)

// subscriptionRetriever is the part of the Stripe client the fetcher uses.
type subscriptionRetriever interface {
	Retrieve(ctx context.Context, id string, params *stripe.SubscriptionRetrieveParams) (*stripe.Subscription, error)
}

// Fetcher implements paysync.SubscriptionFetcher with the Stripe API.
// Concurrent lookups of the same subscription share one API call.
type Fetcher struct {
	subscriptions subscriptionRetriever
	group         singleflight.Group
	metrics       paysync.Metrics
}

// NewFetcher creates a fetcher from the Stripe API key. API calls go through
// httpClient; if nil, a client with a 10s timeout is used.
func NewFetcher(apiKey string, httpClient *http.Client, metrics paysync.Metrics) (*Fetcher, error) {
	apiKey = strings.TrimSpace(apiKey)
	if apiKey == "" {
		return nil, billing.ErrProviderNotConfigured
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: defaultHTTPTimeout}
	}

	// Create Stripe client (new API in v82+)
	backends := stripe.NewBackendsWithConfig(&stripe.BackendConfig{HTTPClient: httpClient})
	client := stripe.NewClient(apiKey, stripe.WithBackends(backends))
	return newFetcher(client.V1Subscriptions, metrics), nil
}

func newFetcher(subscriptions subscriptionRetriever, metrics paysync.Metrics) *Fetcher {
	if metrics == nil {
		metrics = &paysync.NoopMetrics{}
	}
	return &Fetcher{subscriptions: subscriptions, metrics: metrics}
}

// Subscription implements paysync.SubscriptionFetcher.
func (f *Fetcher) Subscription(ctx context.Context, subscriptionID string) (*paysync.SubscriptionDetail, error) {
	v, err, _ := f.group.Do(subscriptionID, func() (interface{}, error) {
		start := time.Now()
		sub, err := f.subscriptions.Retrieve(ctx, subscriptionID, &stripe.SubscriptionRetrieveParams{})
		f.metrics.RecordAPICallDuration(subscriptionEndpoint, time.Since(start))
		f.metrics.RecordAPICall(subscriptionEndpoint, apiStatus(err))
		if err != nil {
			return nil, fmt.Errorf("%w: retrieve subscription %s: %w", billing.ErrProviderAPIError, subscriptionID, err)
		}
		return subscriptionDetail(sub), nil
	})
	if err != nil {
		return nil, err
	}
	detail := *v.(*paysync.SubscriptionDetail)
	return &detail, nil
}

func subscriptionDetail(sub *stripe.Subscription) *paysync.SubscriptionDetail {
	detail := &paysync.SubscriptionDetail{
		ID:     sub.ID,
		Status: string(sub.Status),
	}
	if sub.Customer != nil {
		detail.CustomerID = sub.Customer.ID
	}

	// period end lives on items since API version 2025-03-31
	var end int64
	if sub.Items != nil {
		for _, item := range sub.Items.Data {
			if item != nil && item.CurrentPeriodEnd > end {
				end = item.CurrentPeriodEnd
			}
		}
	}
	detail.CurrentPeriodEnd = unixTime(end)
	return detail
}

func apiStatus(err error) string {
	if err == nil {
		return "200"
	}
	var stripeErr *stripe.Error
	if errors.As(err, &stripeErr) && stripeErr.HTTPStatusCode != 0 {
		return strconv.Itoa(stripeErr.HTTPStatusCode)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return "timeout"
	}
	return "error"
}

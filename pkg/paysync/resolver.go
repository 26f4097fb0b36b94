package paysync

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Resolution strategies, in the order they are tried.
const (
	StrategySubscription    = "subscription_id"
	StrategyCustomer        = "customer_id"
	StrategyMetadata        = "metadata_organization_id"
	StrategyOrder           = "metadata_order_id"
	StrategyCheckoutSession = "checkout_session"
)

var (
	organizationMetadataKeys = []string{"organizationId", "organization_id", "org_id"}
	orderMetadataKeys        = []string{"orderId", "order_id"}
)

// Resolver maps an event to the organization that owns it.
type Resolver struct {
	store    ResolverStore
	cache    Cache
	cacheTTL time.Duration
}

// NewResolver creates a resolver. cache may be nil to disable caching.
func NewResolver(store ResolverStore, cache Cache, cacheTTL time.Duration) *Resolver {
	if cache == nil {
		cache = NewNoopCache()
	}
	return &Resolver{store: store, cache: cache, cacheTTL: cacheTTL}
}

// Resolve returns the organization id and the strategy that found it.
// An empty id with a nil error means the event is unresolvable; only
// storage failures are returned as errors.
func (r *Resolver) Resolve(ctx context.Context, ev Event) (string, string, error) {
	if ev.Payload == nil {
		return "", "", nil
	}
	refs := ev.Payload.References()

	if refs.SubscriptionID != "" {
		orgID, err := r.lookup(ctx, "sub:"+refs.SubscriptionID, refs.SubscriptionID, r.store.OrganizationBySubscription)
		if err != nil {
			return "", "", err
		}
		if orgID != "" {
			return orgID, StrategySubscription, nil
		}
	}

	if refs.CustomerID != "" {
		orgID, err := r.lookup(ctx, "cus:"+refs.CustomerID, refs.CustomerID, r.store.OrganizationByCustomer)
		if err != nil {
			return "", "", err
		}
		if orgID != "" {
			return orgID, StrategyCustomer, nil
		}
	}

	if orgID := metadataValue(refs.Metadata, organizationMetadataKeys); orgID != "" {
		return orgID, StrategyMetadata, nil
	}

	if ev.Domain != DomainOrder {
		return "", "", nil
	}

	if orderID := metadataValue(refs.Metadata, orderMetadataKeys); orderID != "" {
		orgID, err := notFoundAsEmpty(r.store.OrganizationByOrder(ctx, orderID))
		if err != nil {
			return "", "", fmt.Errorf("lookup organization by order: %w", err)
		}
		if orgID != "" {
			return orgID, StrategyOrder, nil
		}
	}

	if refs.CheckoutSessionID != "" {
		orgID, err := notFoundAsEmpty(r.store.OrganizationByCheckoutSession(ctx, refs.CheckoutSessionID))
		if err != nil {
			return "", "", fmt.Errorf("lookup organization by checkout session: %w", err)
		}
		if orgID != "" {
			return orgID, StrategyCheckoutSession, nil
		}
	}

	return "", "", nil
}

func (r *Resolver) lookup(
	ctx context.Context, cacheKey, id string, find func(context.Context, string) (string, error),
) (string, error) {
	if orgID, ok := r.cache.Get(cacheKey); ok {
		return orgID, nil
	}
	orgID, err := notFoundAsEmpty(find(ctx, id))
	if err != nil {
		return "", fmt.Errorf("lookup organization for %s: %w", cacheKey, err)
	}
	if orgID != "" {
		r.cache.Set(cacheKey, orgID, r.cacheTTL)
	}
	return orgID, nil
}

func notFoundAsEmpty(orgID string, err error) (string, error) {
	if errors.Is(err, ErrNotFound) {
		return "", nil
	}
	return orgID, err
}

func metadataValue(metadata map[string]string, keys []string) string {
	for _, key := range keys {
		if v := strings.TrimSpace(metadata[key]); v != "" {
			return v
		}
	}
	return ""
}

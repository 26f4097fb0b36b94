package paysync

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sync"
	"time"
)

const (
	finalizeAttempts = 3
	finalizeBackoff  = 50 * time.Millisecond
)

// Outcome is the result class of processing one event.
type Outcome string

const (
	// OutcomeProcessed means the event's transition committed and the ledger is finalized.
	OutcomeProcessed Outcome = "processed"

	// OutcomeDuplicate means the event was already processed or is being processed elsewhere.
	OutcomeDuplicate Outcome = "duplicate"

	// OutcomeUnmapped means no organization owns the event. The ledger is finalized.
	OutcomeUnmapped Outcome = "unmapped"

	// OutcomeIgnored means no state machine handles the event. The ledger is finalized.
	OutcomeIgnored Outcome = "ignored"

	// OutcomeAborted means the event cannot ever apply (no payment link). The ledger is finalized.
	OutcomeAborted Outcome = "aborted"

	// OutcomeHandlerError means the transition failed. The ledger is left
	// unfinalized so a redelivery can retry it.
	OutcomeHandlerError Outcome = "handler_error"

	// OutcomeFailed means the pipeline itself is broken (ledger unreachable, finalize failed).
	OutcomeFailed Outcome = "failed"
)

// Config holds the engine's collaborators and limits.
type Config struct {
	// Ledger is the idempotency ledger (required)
	Ledger Ledger

	// Store holds billing, order and audit state (required)
	Store Store

	// Fetcher reads supplementary subscription detail (optional)
	Fetcher SubscriptionFetcher

	// Messenger sends customer order confirmations (default: NoopMessenger)
	Messenger Messenger

	// Notifier notifies the business of paid orders (default: NoopNotifier)
	Notifier Notifier

	// Alerter receives payment-failure, cancellation and critical alerts (default: LogAlerter)
	Alerter Alerter

	// Cache caches resolver lookups (default: LRU cache with 10000 entries)
	Cache Cache

	// CacheTTL is how long resolver lookups are cached (default: 5 minutes)
	CacheTTL time.Duration

	// Metrics is used for tracking webhook processing (default: NoopMetrics)
	Metrics Metrics

	// Logger is used for structured logging (default: NoopLogger)
	Logger Logger

	// ProcessingTimeout bounds one event from claim to finalize (default: 10 seconds)
	ProcessingTimeout time.Duration

	// HookTimeout bounds each post-commit side effect (default: 5 seconds)
	HookTimeout time.Duration

	// FetchTimeout bounds each subscription detail fetch (default: 3 seconds)
	FetchTimeout time.Duration

	// ClaimTTL is the ledger lease held while an event is processed (default: 2 minutes)
	ClaimTTL time.Duration

	// CircuitBreakerConfig guards the subscription fetcher (optional)
	CircuitBreakerConfig *CircuitBreakerConfig

	// Now returns the current time (default: time.Now in UTC)
	Now func() time.Time
}

// CircuitBreakerConfig holds circuit breaker configuration.
type CircuitBreakerConfig struct {
	// Enabled determines if the circuit breaker is active
	Enabled bool

	// FailureThreshold is the number of consecutive failures before opening the circuit (default: 5)
	FailureThreshold int

	// ResetTimeout is the duration to wait before transitioning from Open to Half-Open (default: 30 seconds)
	ResetTimeout time.Duration
}

// Validate checks the required collaborators and limits.
func (c *Config) Validate() error {
	if c.Ledger == nil {
		return fmt.Errorf("%w: ledger is required", ErrInvalidConfig)
	}
	if c.Store == nil {
		return fmt.Errorf("%w: store is required", ErrInvalidConfig)
	}
	if c.ProcessingTimeout < 0 || c.HookTimeout < 0 || c.FetchTimeout < 0 || c.ClaimTTL < 0 {
		return fmt.Errorf("%w: timeouts must not be negative", ErrInvalidConfig)
	}
	if c.ProcessingTimeout > 0 && c.ClaimTTL > 0 && c.ClaimTTL <= c.ProcessingTimeout {
		return fmt.Errorf("%w: claim TTL must exceed the processing timeout", ErrInvalidConfig)
	}
	return nil
}

// Engine turns verified processor events into billing and order state.
type Engine struct {
	config   Config
	ledger   Ledger
	store    Store
	resolver *Resolver
	fetcher  SubscriptionFetcher
	logger   Logger
	metrics  Metrics

	// finalizeInTx is set when the store also holds the ledger
	finalizeInTx bool

	hooks sync.WaitGroup
}

// NewEngine creates an engine, applying defaults to unset config fields.
func NewEngine(config Config) (*Engine, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}

	// Set defaults
	if config.ProcessingTimeout == 0 {
		config.ProcessingTimeout = 10 * time.Second
	}
	if config.HookTimeout == 0 {
		config.HookTimeout = 5 * time.Second
	}
	if config.FetchTimeout == 0 {
		config.FetchTimeout = 3 * time.Second
	}
	if config.ClaimTTL == 0 {
		config.ClaimTTL = 2 * time.Minute
	}
	if config.CacheTTL == 0 {
		config.CacheTTL = 5 * time.Minute
	}
	if config.Cache == nil {
		config.Cache = NewLRUCache(0)
	}
	if config.Logger == nil {
		config.Logger = &NoopLogger{}
	}
	if config.Metrics == nil {
		config.Metrics = &NoopMetrics{}
	}
	if config.Messenger == nil {
		config.Messenger = NoopMessenger{}
	}
	if config.Notifier == nil {
		config.Notifier = NoopNotifier{}
	}
	if config.Alerter == nil {
		config.Alerter = LogAlerter{Logger: config.Logger}
	}
	if config.Now == nil {
		config.Now = func() time.Time { return time.Now().UTC() }
	}
	if config.ClaimTTL <= config.ProcessingTimeout {
		return nil, fmt.Errorf("%w: claim TTL must exceed the processing timeout", ErrInvalidConfig)
	}

	e := &Engine{
		config:   config,
		ledger:   config.Ledger,
		store:    config.Store,
		resolver: NewResolver(config.Store, config.Cache, config.CacheTTL),
		logger:   config.Logger,
		metrics:  config.Metrics,

		finalizeInTx: sharesBackend(config.Ledger, config.Store),
	}

	if config.Fetcher != nil {
		guarded := &GuardedFetcher{Fetcher: config.Fetcher, Timeout: config.FetchTimeout}
		if cb := config.CircuitBreakerConfig; cb != nil && cb.Enabled {
			guarded.Breaker = NewCircuitBreaker(cb.FailureThreshold, cb.ResetTimeout, func(state CircuitBreakerState) {
				e.metrics.RecordCircuitBreakerStateChange(string(state))
				e.logger.Warn("subscription fetcher circuit breaker changed state",
					Field{Key: "state", Value: string(state)})
			})
		}
		e.fetcher = guarded
	}

	return e, nil
}

// Process runs one verified event through the ledger, the resolver and the
// matching state machine. A non-nil error is returned for handler errors
// and for infrastructure failures; the outcome tells them apart.
func (e *Engine) Process(ctx context.Context, ev Event) (Outcome, error) {
	start := time.Now()
	outcome, err := e.process(ctx, ev)
	e.metrics.RecordWebhookEvent(ev.Label(), string(outcome))
	e.metrics.RecordProcessingDuration(ev.Label(), time.Since(start))
	return outcome, err
}

func (e *Engine) process(parent context.Context, ev Event) (Outcome, error) {
	if ev.ID == "" {
		e.metrics.RecordWebhookError("invalid_payload")
		return OutcomeFailed, fmt.Errorf("%w: missing event id", ErrInvalidPayload)
	}

	ctx, cancel := context.WithTimeout(parent, e.config.ProcessingTimeout)
	defer cancel()

	already, err := e.ledger.CheckAndRecord(ctx, &ClaimRequest{
		EventID:   ev.ID,
		EventType: ev.Label(),
		Now:       e.config.Now(),
		ClaimTTL:  e.config.ClaimTTL,
	})
	if err != nil {
		e.metrics.RecordWebhookError("ledger_error")
		e.logger.Error("idempotency ledger unavailable", eventFields(ev, Field{Key: "error", Value: err.Error()})...)
		return OutcomeFailed, fmt.Errorf("claim event %s: %w", ev.ID, err)
	}
	if already {
		e.logger.Debug("duplicate event skipped", eventFields(ev)...)
		return OutcomeDuplicate, nil
	}

	r := routeFor(ev)
	if r == routeIgnore {
		entry := newAuditEntry(ev, "", ActionIgnoredEvent, SeverityInfo, e.config.Now())
		entry.Reason = "no handler for event type and domain"
		e.appendAudit(ctx, entry)
		e.logger.Info("event ignored", eventFields(ev)...)
		return e.finalize(parent, ev, "", OutcomeIgnored, nil)
	}

	orgID, strategy, err := e.resolver.Resolve(ctx, ev)
	if err != nil {
		return e.handlerError(parent, ctx, ev, "", fmt.Errorf("resolve organization: %w", err))
	}
	if orgID == "" {
		e.auditUnmapped(ctx, ev)
		return e.finalize(parent, ev, "", OutcomeUnmapped, nil)
	}
	e.logger.Debug("organization resolved", eventFields(ev,
		Field{Key: "organization_id", Value: orgID},
		Field{Key: "strategy", Value: strategy})...)

	var (
		hooks     []hook
		finalized bool
	)
	switch r {
	case routeBilling:
		hooks, finalized, err = e.applyBilling(ctx, ev, orgID)
	case routeOrder:
		hooks, finalized, err = e.applyOrder(ctx, ev, orgID)
	}
	if errors.Is(err, ErrPaymentLinkNotFound) {
		e.auditLinkNotFound(ctx, ev, orgID, err)
		return e.finalize(parent, ev, orgID, OutcomeAborted, nil)
	}
	if err != nil {
		return e.handlerError(parent, ctx, ev, orgID, err)
	}
	if finalized {
		e.runHooks(parent, ev, hooks)
		return OutcomeProcessed, nil
	}

	return e.finalize(parent, ev, orgID, OutcomeProcessed, func() { e.runHooks(parent, ev, hooks) })
}

// finalize marks the event processed, then starts its post-commit hooks.
// The ledger write is detached from the request and the processing timeout.
func (e *Engine) finalize(parent context.Context, ev Event, orgID string, outcome Outcome, after func()) (Outcome, error) {
	if err := e.markProcessed(context.WithoutCancel(parent), ev, orgID); err != nil {
		e.metrics.RecordWebhookError("finalize_error")
		e.logger.Error("failed to finalize event", eventFields(ev,
			Field{Key: "organization_id", Value: orgID},
			Field{Key: "error", Value: err.Error()})...)
		return OutcomeFailed, fmt.Errorf("finalize event %s: %w", ev.ID, err)
	}
	if after != nil {
		after()
	}
	return outcome, nil
}

func (e *Engine) markProcessed(ctx context.Context, ev Event, orgID string) error {
	backoff := finalizeBackoff
	for attempt := 1; ; attempt++ {
		attemptCtx, cancel := context.WithTimeout(ctx, e.config.HookTimeout)
		err := e.ledger.MarkProcessed(attemptCtx, ev.ID, orgID, e.config.Now())
		cancel()
		if err == nil || errors.Is(err, ErrNotFound) || attempt == finalizeAttempts {
			return err
		}

		e.logger.Warn("finalize failed, retrying", eventFields(ev,
			Field{Key: "attempt", Value: attempt},
			Field{Key: "error", Value: err.Error()})...)
		time.Sleep(backoff)
		backoff *= 2
	}
}

// markInTx finalizes the event inside tx when the store also holds the ledger.
func (e *Engine) markInTx(ctx context.Context, tx Tx, ev Event, orgID string) (bool, error) {
	if !e.finalizeInTx {
		return false, nil
	}
	tl, ok := tx.(TxLedger)
	if !ok {
		return false, nil
	}
	if err := tl.MarkProcessed(ctx, ev.ID, orgID, e.config.Now()); err != nil {
		return false, fmt.Errorf("finalize event in transaction: %w", err)
	}
	return true, nil
}

// sharesBackend reports whether the ledger and the store are the same value.
func sharesBackend(ledger Ledger, store Store) bool {
	l, ok := store.(Ledger)
	if !ok || !reflect.TypeOf(l).Comparable() {
		return false
	}
	return l == ledger
}

// handlerError records a failed transition. The ledger record stays
// unfinalized and becomes claimable again once its lease expires.
func (e *Engine) handlerError(parent, ctx context.Context, ev Event, orgID string, err error) (Outcome, error) {
	if ctx.Err() != nil && parent.Err() == nil {
		err = fmt.Errorf("processing timeout exceeded: %w", err)
	}
	e.metrics.RecordWebhookError("handler_error")
	e.logger.Error("event handler failed", eventFields(ev,
		Field{Key: "organization_id", Value: orgID},
		Field{Key: "error", Value: err.Error()})...)

	now := e.config.Now()
	entry := newAuditEntry(ev, orgID, ActionWebhookError, SeverityError, now)
	entry.Reason = err.Error()

	// the processing context may already be done
	auditCtx, cancel := context.WithTimeout(context.WithoutCancel(parent), e.config.HookTimeout)
	defer cancel()
	e.appendAudit(auditCtx, entry)

	alert := Alert{
		Kind:           AlertCriticalError,
		Severity:       SeverityError,
		OrganizationID: orgID,
		EventID:        ev.ID,
		EventType:      ev.Label(),
		Message:        err.Error(),
		CreatedAt:      now,
	}
	e.runHooks(parent, ev, []hook{e.alertHook(alert)})

	return OutcomeHandlerError, fmt.Errorf("handle %s: %w", ev.Label(), err)
}

func (e *Engine) applyBilling(ctx context.Context, ev Event, orgID string) ([]hook, bool, error) {
	detail := e.subscriptionDetail(ctx, ev)

	var (
		t         BillingTransition
		finalized bool
	)
	err := e.store.WithinTx(ctx, func(ctx context.Context, tx Tx) error {
		current, err := tx.BillingState(ctx, orgID)
		if errors.Is(err, ErrNotFound) {
			current = &BillingState{OrganizationID: orgID, Status: BillingInactive}
		} else if err != nil {
			return fmt.Errorf("load billing state: %w", err)
		}
		current.OrganizationID = orgID

		t, err = ApplyBillingEvent(*current, ev, detail, e.config.Now())
		if err != nil {
			return err
		}
		if err := tx.SaveBillingState(ctx, &t.Next); err != nil {
			return fmt.Errorf("save billing state: %w", err)
		}
		if err := tx.AppendAudit(ctx, t.Audit); err != nil {
			return fmt.Errorf("append audit: %w", err)
		}
		finalized, err = e.markInTx(ctx, tx, ev, orgID)
		return err
	})
	if err != nil {
		return nil, false, err
	}

	if t.Audit.PreviousStatus != t.Audit.NewStatus {
		e.metrics.RecordBillingTransition(t.Audit.PreviousStatus, t.Audit.NewStatus)
	}
	e.logger.Info("billing state updated", eventFields(ev,
		Field{Key: "organization_id", Value: orgID},
		Field{Key: "previous_status", Value: t.Audit.PreviousStatus},
		Field{Key: "new_status", Value: t.Audit.NewStatus})...)

	var hooks []hook
	if t.Alert != nil {
		hooks = append(hooks, e.alertHook(*t.Alert))
	}
	return hooks, finalized, nil
}

// subscriptionDetail fetches the subscription when the event lacks a period
// end. Failures degrade to no detail.
func (e *Engine) subscriptionDetail(ctx context.Context, ev Event) *SubscriptionDetail {
	if e.fetcher == nil {
		return nil
	}

	var subscriptionID string
	switch p := ev.Payload.(type) {
	case *CheckoutPayload:
		if p.Paid {
			subscriptionID = p.SubscriptionID
		}
	case *InvoicePayload:
		if ev.Type == EventInvoicePaid && p.PeriodEnd == nil {
			subscriptionID = p.SubscriptionID
		}
	case *SubscriptionPayload:
		if ev.Type != EventSubscriptionDeleted && p.CurrentPeriodEnd == nil {
			subscriptionID = p.SubscriptionID
		}
	}
	if subscriptionID == "" {
		return nil
	}

	detail, err := e.fetcher.Subscription(ctx, subscriptionID)
	if err != nil {
		e.logger.Warn("subscription detail unavailable, continuing without it", eventFields(ev,
			Field{Key: "subscription_id", Value: subscriptionID},
			Field{Key: "error", Value: err.Error()})...)
		return nil
	}
	return detail
}

func (e *Engine) applyOrder(ctx context.Context, ev Event, orgID string) ([]hook, bool, error) {
	p, ok := ev.Payload.(*CheckoutPayload)
	if !ok || p == nil {
		return nil, false, fmt.Errorf("%w: %s", ErrMissingPayload, ev.Type)
	}
	if p.SessionID == "" {
		return nil, false, fmt.Errorf("%w: checkout session id", ErrMissingPayload)
	}

	var (
		t         OrderTransition
		finalized bool
	)
	err := e.store.WithinTx(ctx, func(ctx context.Context, tx Tx) error {
		link, err := tx.PaymentLinkBySession(ctx, p.SessionID)
		if errors.Is(err, ErrNotFound) {
			return fmt.Errorf("%w: session %s", ErrPaymentLinkNotFound, p.SessionID)
		}
		if err != nil {
			return fmt.Errorf("load payment link: %w", err)
		}
		if link.OrganizationID != orgID {
			e.logger.Warn("payment link belongs to another organization than resolved", eventFields(ev,
				Field{Key: "organization_id", Value: orgID},
				Field{Key: "link_organization_id", Value: link.OrganizationID})...)
		}

		order, err := tx.Order(ctx, link.OrderID)
		if err != nil {
			return fmt.Errorf("load order %s: %w", link.OrderID, err)
		}

		now := e.config.Now()
		if ev.Type == EventCheckoutCompleted {
			t, err = ApplyOrderCheckoutCompleted(*link, *order, ev, now)
		} else {
			t, err = ApplyOrderCheckoutExpired(*link, *order, ev, now)
		}
		if err != nil {
			return err
		}

		if t.Link != nil {
			if err := tx.SavePaymentLink(ctx, t.Link); err != nil {
				return fmt.Errorf("save payment link: %w", err)
			}
		}
		if t.Order != nil {
			if err := tx.SaveOrder(ctx, t.Order); err != nil {
				return fmt.Errorf("save order: %w", err)
			}
		}
		if len(t.Events) > 0 {
			if err := tx.AppendOrderEvents(ctx, t.Events...); err != nil {
				return fmt.Errorf("append order events: %w", err)
			}
		}
		if err := tx.AppendAudit(ctx, t.Audit); err != nil {
			return fmt.Errorf("append audit: %w", err)
		}
		finalized, err = e.markInTx(ctx, tx, ev, orgID)
		return err
	})
	if err != nil {
		return nil, false, err
	}

	fields := eventFields(ev,
		Field{Key: "organization_id", Value: t.Audit.OrganizationID},
		Field{Key: "order_id", Value: t.Audit.OrderID},
		Field{Key: "action", Value: t.Audit.Action})
	if t.Noop {
		e.logger.Info("payment link already terminal, replay ignored", fields...)
		return nil, finalized, nil
	}
	if t.Order != nil {
		e.metrics.RecordOrderPaymentTransition(t.Audit.PreviousStatus, t.Audit.NewStatus)
	}
	e.logger.Info("order payment updated", fields...)

	var hooks []hook
	if t.Confirmed && t.Order != nil {
		order := *t.Order
		hooks = append(hooks,
			hook{name: "customer_confirmation", fn: func(ctx context.Context) error {
				return e.config.Messenger.SendOrderConfirmation(ctx, &order)
			}},
			hook{name: "business_notification", fn: func(ctx context.Context) error {
				return e.config.Notifier.NotifyOrderPaid(ctx, &order)
			}},
		)
	}
	if t.Alert != nil {
		hooks = append(hooks, e.alertHook(*t.Alert))
	}
	return hooks, finalized, nil
}

func (e *Engine) auditUnmapped(ctx context.Context, ev Event) {
	entry := newAuditEntry(ev, "", ActionUnmappedEvent, SeverityWarning, e.config.Now())
	entry.Reason = "no organization matches the event"
	if ev.Payload != nil {
		refs := ev.Payload.References()
		setIfNotEmpty(entry.Metadata, "subscription_id", refs.SubscriptionID)
		setIfNotEmpty(entry.Metadata, "customer_id", refs.CustomerID)
		setIfNotEmpty(entry.Metadata, "checkout_session_id", refs.CheckoutSessionID)
	}
	e.appendAudit(ctx, entry)
	e.logger.Warn("event could not be mapped to an organization", eventFields(ev)...)
}

func (e *Engine) auditLinkNotFound(ctx context.Context, ev Event, orgID string, err error) {
	entry := newAuditEntry(ev, orgID, ActionOrderPaymentLinkNotFound, SeverityError, e.config.Now())
	entry.Reason = err.Error()
	if p, ok := ev.Payload.(*CheckoutPayload); ok {
		setIfNotEmpty(entry.Metadata, "checkout_session_id", p.SessionID)
		setIfNotEmpty(entry.Metadata, "order_id", metadataValue(p.Metadata, orderMetadataKeys))
	}
	e.appendAudit(ctx, entry)
	e.logger.Error("no payment link for checkout session", eventFields(ev,
		Field{Key: "organization_id", Value: orgID},
		Field{Key: "error", Value: err.Error()})...)
}

// appendAudit writes an entry outside of a state transition. Failures are logged only.
func (e *Engine) appendAudit(ctx context.Context, entry *AuditEntry) {
	if err := e.store.AppendAudit(ctx, entry); err != nil {
		e.logger.Error("failed to append audit entry",
			Field{Key: "action", Value: entry.Action},
			Field{Key: "event_id", Value: entry.EventID},
			Field{Key: "error", Value: err.Error()})
	}
}

// Ledger returns the engine's idempotency ledger.
func (e *Engine) Ledger() Ledger {
	return e.ledger
}

type route int

const (
	routeIgnore route = iota
	routeBilling
	routeOrder
)

func routeFor(ev Event) route {
	switch ev.Type {
	case EventCheckoutCompleted:
		if ev.Domain == DomainOrder {
			return routeOrder
		}
		return routeBilling
	case EventCheckoutExpired:
		if ev.Domain == DomainOrder {
			return routeOrder
		}
		return routeIgnore
	case EventInvoicePaid, EventInvoicePaymentFailed,
		EventSubscriptionCreated, EventSubscriptionUpdated, EventSubscriptionDeleted:
		return routeBilling
	default:
		return routeIgnore
	}
}

func setIfNotEmpty(m map[string]string, key, value string) {
	if value != "" {
		m[key] = value
	}
}

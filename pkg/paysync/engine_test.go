package paysync_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mihaimyh/paysync/pkg/paysync"
	"github.com/mihaimyh/paysync/storage/memory"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type recordingMetrics struct {
	paysync.NoopMetrics

	mu          sync.Mutex
	outcomes    map[string]int
	sideEffects map[string]int
	billing     []string
}

func newRecordingMetrics() *recordingMetrics {
	return &recordingMetrics{outcomes: map[string]int{}, sideEffects: map[string]int{}}
}

func (m *recordingMetrics) RecordWebhookEvent(_, outcome string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.outcomes[outcome]++
}

func (m *recordingMetrics) RecordSideEffectFailure(hook string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sideEffects[hook]++
}

func (m *recordingMetrics) RecordBillingTransition(from, to string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.billing = append(m.billing, from+"->"+to)
}

type recordingCollaborators struct {
	mu            sync.Mutex
	confirmations []string
	notifications []string
	alerts        []paysync.Alert

	messengerErr error
	panicNotify  bool
}

func (r *recordingCollaborators) SendOrderConfirmation(_ context.Context, order *paysync.Order) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.confirmations = append(r.confirmations, order.ID)
	return r.messengerErr
}

func (r *recordingCollaborators) NotifyOrderPaid(_ context.Context, order *paysync.Order) error {
	if r.panicNotify {
		panic("notifier exploded")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.notifications = append(r.notifications, order.ID)
	return nil
}

func (r *recordingCollaborators) Alert(_ context.Context, alert paysync.Alert) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.alerts = append(r.alerts, alert)
	return nil
}

type fetcherFunc func(ctx context.Context, id string) (*paysync.SubscriptionDetail, error)

func (f fetcherFunc) Subscription(ctx context.Context, id string) (*paysync.SubscriptionDetail, error) {
	return f(ctx, id)
}

type harness struct {
	engine  *paysync.Engine
	store   *memory.Storage
	clock   *testClock
	metrics *recordingMetrics
	collab  *recordingCollaborators
}

func newHarness(t *testing.T, mutate ...func(*paysync.Config)) *harness {
	t.Helper()
	h := &harness{
		store:   memory.New(),
		clock:   &testClock{now: time.Date(2024, 7, 1, 10, 0, 0, 0, time.UTC)},
		metrics: newRecordingMetrics(),
		collab:  &recordingCollaborators{},
	}
	config := paysync.Config{
		Ledger:    h.store,
		Store:     h.store,
		Messenger: h.collab,
		Notifier:  h.collab,
		Alerter:   h.collab,
		Metrics:   h.metrics,
		Now:       h.clock.Now,
	}
	for _, m := range mutate {
		m(&config)
	}
	engine, err := paysync.NewEngine(config)
	require.NoError(t, err)
	h.engine = engine
	return h
}

func (h *harness) seed(t *testing.T, fn func(ctx context.Context, tx paysync.Tx) error) {
	t.Helper()
	require.NoError(t, h.store.WithinTx(context.Background(), fn))
}

func (h *harness) seedBilling(t *testing.T, state paysync.BillingState) {
	h.seed(t, func(ctx context.Context, tx paysync.Tx) error {
		return tx.SaveBillingState(ctx, &state)
	})
}

func (h *harness) seedOrder(t *testing.T, order paysync.Order, links ...paysync.PaymentLink) {
	h.seed(t, func(ctx context.Context, tx paysync.Tx) error {
		if err := tx.SaveOrder(ctx, &order); err != nil {
			return err
		}
		for i := range links {
			if err := tx.SavePaymentLink(ctx, &links[i]); err != nil {
				return err
			}
		}
		return nil
	})
}

func (h *harness) billing(t *testing.T, orgID string) *paysync.BillingState {
	t.Helper()
	var state *paysync.BillingState
	h.seed(t, func(ctx context.Context, tx paysync.Tx) error {
		var err error
		state, err = tx.BillingState(ctx, orgID)
		return err
	})
	return state
}

func (h *harness) order(t *testing.T, orderID string) *paysync.Order {
	t.Helper()
	var order *paysync.Order
	h.seed(t, func(ctx context.Context, tx paysync.Tx) error {
		var err error
		order, err = tx.Order(ctx, orderID)
		return err
	})
	return order
}

func (h *harness) link(t *testing.T, sessionID string) *paysync.PaymentLink {
	t.Helper()
	var link *paysync.PaymentLink
	h.seed(t, func(ctx context.Context, tx paysync.Tx) error {
		var err error
		link, err = tx.PaymentLinkBySession(ctx, sessionID)
		return err
	})
	return link
}

func (h *harness) audit(t *testing.T, filter paysync.AuditFilter) []*paysync.AuditEntry {
	t.Helper()
	entries, err := h.store.ListAudit(context.Background(), filter)
	require.NoError(t, err)
	return entries
}

func (h *harness) processed(t *testing.T, eventID string) *paysync.ProcessedEvent {
	t.Helper()
	rec, err := h.store.GetProcessedEvent(context.Background(), eventID)
	require.NoError(t, err)
	return rec
}

func subscriptionCheckout(id string) paysync.Event {
	return paysync.Event{
		ID:     id,
		Type:   paysync.EventCheckoutCompleted,
		Domain: paysync.DomainSubscription,
		Payload: &paysync.CheckoutPayload{
			SessionID:      "cs_sub",
			SubscriptionID: "sub_1",
			CustomerID:     "cus_1",
			Mode:           "subscription",
			Paid:           true,
		},
	}
}

func orderCheckout(id string, typ paysync.EventType, session string) paysync.Event {
	return paysync.Event{
		ID:     id,
		Type:   typ,
		Domain: paysync.DomainOrder,
		Payload: &paysync.CheckoutPayload{
			SessionID:       session,
			PaymentIntentID: "pi_" + session,
			Mode:            "payment",
			Paid:            typ == paysync.EventCheckoutCompleted,
			Metadata:        map[string]string{"orderId": "ord_1"},
		},
	}
}

func pendingOrder() paysync.Order {
	return paysync.Order{
		ID:             "ord_1",
		OrganizationID: "org_1",
		Status:         paysync.OrderPending,
		PaymentStatus:  paysync.PaymentPending,
		Channel:        "whatsapp",
	}
}

func activeLink(session string) paysync.PaymentLink {
	return paysync.PaymentLink{
		ID:                "lnk_" + session,
		OrderID:           "ord_1",
		OrganizationID:    "org_1",
		CheckoutSessionID: session,
		Status:            paysync.LinkActive,
	}
}

func TestEngine_CheckoutCompletedActivatesOrganization(t *testing.T) {
	h := newHarness(t)
	h.seedBilling(t, paysync.BillingState{OrganizationID: "org_1", Status: paysync.BillingInactive, CustomerID: "cus_1"})

	outcome, err := h.engine.Process(context.Background(), subscriptionCheckout("evt_a"))
	require.NoError(t, err)
	assert.Equal(t, paysync.OutcomeProcessed, outcome)

	state := h.billing(t, "org_1")
	assert.Equal(t, paysync.BillingActive, state.Status)
	require.NotNil(t, state.SetupFeePaidAt)
	assert.Equal(t, h.clock.Now(), *state.SetupFeePaidAt)
	assert.Equal(t, "sub_1", state.SubscriptionID)

	entries := h.audit(t, paysync.AuditFilter{OrganizationID: "org_1"})
	require.Len(t, entries, 1)
	assert.Equal(t, paysync.ActionBillingCheckoutCompleted, entries[0].Action)

	rec := h.processed(t, "evt_a")
	require.NotNil(t, rec.ProcessedAt)
	assert.Equal(t, "org_1", rec.OrganizationID)
	assert.Equal(t, []string{"inactive->active"}, h.metrics.billing)
}

func TestEngine_RedeliveryIsIdempotent(t *testing.T) {
	h := newHarness(t)
	h.seedBilling(t, paysync.BillingState{OrganizationID: "org_1", CustomerID: "cus_1"})
	ctx := context.Background()

	outcomes := make([]paysync.Outcome, 0, 3)
	for i := 0; i < 3; i++ {
		h.clock.Advance(time.Hour)
		outcome, err := h.engine.Process(ctx, subscriptionCheckout("evt_a"))
		require.NoError(t, err)
		outcomes = append(outcomes, outcome)
	}

	assert.Equal(t, []paysync.Outcome{paysync.OutcomeProcessed, paysync.OutcomeDuplicate, paysync.OutcomeDuplicate}, outcomes)
	assert.Len(t, h.audit(t, paysync.AuditFilter{EventID: "evt_a"}), 1)
	assert.Equal(t, 1, h.metrics.outcomes["processed"])
	assert.Equal(t, 2, h.metrics.outcomes["duplicate"])
}

func TestEngine_ConcurrentDeliveryProcessesOnce(t *testing.T) {
	h := newHarness(t)
	h.seedOrder(t, pendingOrder(), activeLink("cs_1"))
	ctx := context.Background()

	const deliveries = 25
	results := make(chan paysync.Outcome, deliveries)
	var wg sync.WaitGroup
	for i := 0; i < deliveries; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			outcome, err := h.engine.Process(ctx, orderCheckout("evt_pay", paysync.EventCheckoutCompleted, "cs_1"))
			if err != nil {
				t.Errorf("Process failed: %v", err)
			}
			results <- outcome
		}()
	}
	wg.Wait()
	close(results)
	h.engine.Wait()

	counts := map[paysync.Outcome]int{}
	for outcome := range results {
		counts[outcome]++
	}
	assert.Equal(t, 1, counts[paysync.OutcomeProcessed])
	assert.Equal(t, deliveries-1, counts[paysync.OutcomeDuplicate])

	events, err := h.store.OrderEvents(ctx, "ord_1")
	require.NoError(t, err)
	assert.Len(t, events, 2)
	assert.Len(t, h.audit(t, paysync.AuditFilter{Action: paysync.ActionOrderCheckoutCompleted}), 1)
	assert.Equal(t, []string{"ord_1"}, h.collab.confirmations)
	assert.Equal(t, []string{"ord_1"}, h.collab.notifications)
}

func TestEngine_PaymentFailedMovesToPastDueAndAlerts(t *testing.T) {
	h := newHarness(t)
	paidAt := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	h.seedBilling(t, paysync.BillingState{
		OrganizationID: "org_1", Status: paysync.BillingActive, SubscriptionID: "sub_1", SetupFeePaidAt: &paidAt,
	})

	outcome, err := h.engine.Process(context.Background(), paysync.Event{
		ID:      "evt_b",
		Type:    paysync.EventInvoicePaymentFailed,
		Payload: &paysync.InvoicePayload{InvoiceID: "in_1", SubscriptionID: "sub_1"},
	})
	require.NoError(t, err)
	assert.Equal(t, paysync.OutcomeProcessed, outcome)
	h.engine.Wait()

	state := h.billing(t, "org_1")
	assert.Equal(t, paysync.BillingPastDue, state.Status)
	require.NotNil(t, state.SetupFeePaidAt)
	assert.Equal(t, paidAt, *state.SetupFeePaidAt)

	require.Len(t, h.collab.alerts, 1)
	assert.Equal(t, paysync.AlertPaymentFailed, h.collab.alerts[0].Kind)
	assert.Equal(t, "org_1", h.collab.alerts[0].OrganizationID)
}

func TestEngine_ReplayOnCompletedLinkChangesNothing(t *testing.T) {
	h := newHarness(t)
	h.seedOrder(t, pendingOrder(), activeLink("cs_1"))
	ctx := context.Background()

	_, err := h.engine.Process(ctx, orderCheckout("evt_1", paysync.EventCheckoutCompleted, "cs_1"))
	require.NoError(t, err)
	h.engine.Wait()
	before := h.order(t, "ord_1")

	h.clock.Advance(time.Minute)
	outcome, err := h.engine.Process(ctx, orderCheckout("evt_2", paysync.EventCheckoutCompleted, "cs_1"))
	require.NoError(t, err)
	assert.Equal(t, paysync.OutcomeProcessed, outcome)
	h.engine.Wait()

	assert.Equal(t, before, h.order(t, "ord_1"))
	events, err := h.store.OrderEvents(ctx, "ord_1")
	require.NoError(t, err)
	assert.Len(t, events, 2, "no duplicate order events")
	assert.Len(t, h.collab.confirmations, 1)
	assert.Len(t, h.audit(t, paysync.AuditFilter{Action: paysync.ActionOrderReplayIgnored}), 1)
	assert.NotNil(t, h.processed(t, "evt_2").ProcessedAt)
}

func TestEngine_LateExpiryDoesNotRegressPaidOrder(t *testing.T) {
	h := newHarness(t)
	h.seedOrder(t, pendingOrder(), activeLink("cs_1"), activeLink("cs_2"))
	ctx := context.Background()

	_, err := h.engine.Process(ctx, orderCheckout("evt_paid", paysync.EventCheckoutCompleted, "cs_2"))
	require.NoError(t, err)
	_, err = h.engine.Process(ctx, orderCheckout("evt_exp", paysync.EventCheckoutExpired, "cs_1"))
	require.NoError(t, err)
	h.engine.Wait()

	assert.Equal(t, paysync.PaymentPaid, h.order(t, "ord_1").PaymentStatus)
	assert.Equal(t, paysync.LinkExpired, h.link(t, "cs_1").Status)
	assert.Equal(t, paysync.LinkCompleted, h.link(t, "cs_2").Status)
}

func TestEngine_ExpiryThenCompletionOnSameSession(t *testing.T) {
	h := newHarness(t)
	h.seedOrder(t, pendingOrder(), activeLink("cs_1"))
	ctx := context.Background()

	_, err := h.engine.Process(ctx, orderCheckout("evt_exp", paysync.EventCheckoutExpired, "cs_1"))
	require.NoError(t, err)
	assert.Equal(t, paysync.PaymentExpired, h.order(t, "ord_1").PaymentStatus)

	_, err = h.engine.Process(ctx, orderCheckout("evt_paid", paysync.EventCheckoutCompleted, "cs_1"))
	require.NoError(t, err)
	h.engine.Wait()

	assert.Equal(t, paysync.PaymentPaid, h.order(t, "ord_1").PaymentStatus)
	assert.Equal(t, paysync.OrderConfirmed, h.order(t, "ord_1").Status)
	assert.Equal(t, paysync.LinkCompleted, h.link(t, "cs_1").Status)
}

func TestEngine_DuplicatePaymentAlerts(t *testing.T) {
	h := newHarness(t)
	h.seedOrder(t, pendingOrder(), activeLink("cs_1"), activeLink("cs_2"))
	ctx := context.Background()

	_, err := h.engine.Process(ctx, orderCheckout("evt_1", paysync.EventCheckoutCompleted, "cs_1"))
	require.NoError(t, err)
	_, err = h.engine.Process(ctx, orderCheckout("evt_2", paysync.EventCheckoutCompleted, "cs_2"))
	require.NoError(t, err)
	h.engine.Wait()

	assert.Equal(t, paysync.LinkCompleted, h.link(t, "cs_2").Status)
	assert.Len(t, h.collab.confirmations, 1)
	require.Len(t, h.collab.alerts, 1)
	assert.Equal(t, paysync.AlertDuplicatePayment, h.collab.alerts[0].Kind)
	assert.Len(t, h.audit(t, paysync.AuditFilter{Action: paysync.ActionOrderDuplicatePayment}), 1)
}

func TestEngine_UnmappedEventIsFinalized(t *testing.T) {
	h := newHarness(t)

	outcome, err := h.engine.Process(context.Background(), paysync.Event{
		ID:      "evt_e",
		Type:    paysync.EventInvoicePaid,
		Payload: &paysync.InvoicePayload{InvoiceID: "in_1", CustomerID: "cus_nobody"},
	})
	require.NoError(t, err)
	assert.Equal(t, paysync.OutcomeUnmapped, outcome)

	entries := h.audit(t, paysync.AuditFilter{Action: paysync.ActionUnmappedEvent})
	require.Len(t, entries, 1)
	assert.Equal(t, "cus_nobody", entries[0].Metadata["customer_id"])
	assert.Empty(t, entries[0].OrganizationID)

	rec := h.processed(t, "evt_e")
	require.NotNil(t, rec.ProcessedAt)
	assert.Empty(t, rec.OrganizationID)
}

type failingTxStore struct {
	*memory.Storage
	failAudit bool
}

func (s *failingTxStore) WithinTx(ctx context.Context, fn func(ctx context.Context, tx paysync.Tx) error) error {
	return s.Storage.WithinTx(ctx, func(ctx context.Context, tx paysync.Tx) error {
		return fn(ctx, &failingTx{Tx: tx, failAudit: s.failAudit})
	})
}

type failingTx struct {
	paysync.Tx
	failAudit bool
}

func (tx *failingTx) AppendAudit(ctx context.Context, entry *paysync.AuditEntry) error {
	if tx.failAudit {
		return errors.New("audit table unavailable")
	}
	return tx.Tx.AppendAudit(ctx, entry)
}

func TestEngine_AtomicCommit(t *testing.T) {
	store := &failingTxStore{Storage: memory.New(), failAudit: true}
	h := newHarness(t, func(c *paysync.Config) {
		c.Store = store
		c.Ledger = store.Storage
	})
	h.store = store.Storage
	h.seedBilling(t, paysync.BillingState{OrganizationID: "org_1", Status: paysync.BillingActive, SubscriptionID: "sub_1"})

	outcome, err := h.engine.Process(context.Background(), paysync.Event{
		ID:      "evt_atomic",
		Type:    paysync.EventSubscriptionDeleted,
		Payload: &paysync.SubscriptionPayload{SubscriptionID: "sub_1", Status: "canceled"},
	})
	require.Error(t, err)
	assert.Equal(t, paysync.OutcomeHandlerError, outcome)
	h.engine.Wait()

	assert.Equal(t, paysync.BillingActive, h.billing(t, "org_1").Status, "billing state must roll back with its audit entry")
	assert.Empty(t, h.audit(t, paysync.AuditFilter{Action: paysync.ActionBillingSubscriptionDeleted}))

	errs := h.audit(t, paysync.AuditFilter{Action: paysync.ActionWebhookError})
	require.Len(t, errs, 1)
	assert.Equal(t, "evt_atomic", errs[0].EventID)
	assert.Equal(t, paysync.SeverityError, errs[0].Severity)

	assert.Nil(t, h.processed(t, "evt_atomic").ProcessedAt, "ledger stays unfinalized")
	require.Len(t, h.collab.alerts, 1)
	assert.Equal(t, paysync.AlertCriticalError, h.collab.alerts[0].Kind)
}

func TestEngine_HandlerErrorIsRetriedAfterLease(t *testing.T) {
	store := &failingTxStore{Storage: memory.New(), failAudit: true}
	h := newHarness(t, func(c *paysync.Config) {
		c.Store = store
		c.Ledger = store.Storage
	})
	h.store = store.Storage
	h.seedBilling(t, paysync.BillingState{OrganizationID: "org_1", Status: paysync.BillingPastDue, SubscriptionID: "sub_1"})
	ctx := context.Background()
	ev := paysync.Event{
		ID:      "evt_retry",
		Type:    paysync.EventInvoicePaid,
		Payload: &paysync.InvoicePayload{InvoiceID: "in_1", SubscriptionID: "sub_1"},
	}

	outcome, err := h.engine.Process(ctx, ev)
	require.Error(t, err)
	assert.Equal(t, paysync.OutcomeHandlerError, outcome)

	// redelivered while the first claim is live
	outcome, err = h.engine.Process(ctx, ev)
	require.NoError(t, err)
	assert.Equal(t, paysync.OutcomeDuplicate, outcome)

	store.failAudit = false
	h.clock.Advance(3 * time.Minute)
	outcome, err = h.engine.Process(ctx, ev)
	require.NoError(t, err)
	assert.Equal(t, paysync.OutcomeProcessed, outcome)
	h.engine.Wait()

	assert.Equal(t, paysync.BillingActive, h.billing(t, "org_1").Status)
	rec := h.processed(t, "evt_retry")
	assert.NotNil(t, rec.ProcessedAt)
	assert.Equal(t, 2, rec.Attempts)
}

func TestEngine_SideEffectFailuresDoNotAffectOutcome(t *testing.T) {
	h := newHarness(t)
	h.collab.messengerErr = errors.New("sms gateway down")
	h.collab.panicNotify = true
	h.seedOrder(t, pendingOrder(), activeLink("cs_1"))

	outcome, err := h.engine.Process(context.Background(), orderCheckout("evt_1", paysync.EventCheckoutCompleted, "cs_1"))
	require.NoError(t, err)
	assert.Equal(t, paysync.OutcomeProcessed, outcome)
	h.engine.Wait()

	assert.Equal(t, paysync.PaymentPaid, h.order(t, "ord_1").PaymentStatus)
	assert.NotNil(t, h.processed(t, "evt_1").ProcessedAt)
	assert.Equal(t, 1, h.metrics.sideEffects["customer_confirmation"])
	assert.Equal(t, 1, h.metrics.sideEffects["business_notification"])
}

func TestEngine_MissingPaymentLinkIsTerminal(t *testing.T) {
	h := newHarness(t)
	h.seedOrder(t, pendingOrder())

	outcome, err := h.engine.Process(context.Background(), orderCheckout("evt_nolink", paysync.EventCheckoutCompleted, "cs_missing"))
	require.NoError(t, err)
	assert.Equal(t, paysync.OutcomeAborted, outcome)

	entries := h.audit(t, paysync.AuditFilter{Action: paysync.ActionOrderPaymentLinkNotFound})
	require.Len(t, entries, 1)
	assert.Equal(t, "cs_missing", entries[0].Metadata["checkout_session_id"])
	assert.NotNil(t, h.processed(t, "evt_nolink").ProcessedAt)
	assert.Equal(t, paysync.PaymentPending, h.order(t, "ord_1").PaymentStatus)
}

func TestEngine_IgnoredEvent(t *testing.T) {
	h := newHarness(t)

	outcome, err := h.engine.Process(context.Background(), paysync.Event{
		ID:      "evt_ignored",
		Type:    paysync.EventCheckoutExpired,
		Domain:  paysync.DomainSubscription,
		Payload: &paysync.CheckoutPayload{SessionID: "cs_1"},
	})
	require.NoError(t, err)
	assert.Equal(t, paysync.OutcomeIgnored, outcome)
	assert.NotNil(t, h.processed(t, "evt_ignored").ProcessedAt)
	assert.Len(t, h.audit(t, paysync.AuditFilter{Action: paysync.ActionIgnoredEvent}), 1)
}

func TestEngine_FetchesPeriodEnd(t *testing.T) {
	periodEnd := time.Date(2024, 8, 1, 0, 0, 0, 0, time.UTC)
	var calls int
	var mu sync.Mutex
	h := newHarness(t, func(c *paysync.Config) {
		c.Fetcher = fetcherFunc(func(_ context.Context, id string) (*paysync.SubscriptionDetail, error) {
			mu.Lock()
			calls++
			mu.Unlock()
			return &paysync.SubscriptionDetail{ID: id, CurrentPeriodEnd: &periodEnd}, nil
		})
	})
	h.seedBilling(t, paysync.BillingState{OrganizationID: "org_1", SubscriptionID: "sub_1"})

	_, err := h.engine.Process(context.Background(), paysync.Event{
		ID:      "evt_inv",
		Type:    paysync.EventInvoicePaid,
		Payload: &paysync.InvoicePayload{InvoiceID: "in_1", SubscriptionID: "sub_1"},
	})
	require.NoError(t, err)

	state := h.billing(t, "org_1")
	require.NotNil(t, state.CurrentPeriodEnd)
	assert.Equal(t, periodEnd, *state.CurrentPeriodEnd)
	assert.Equal(t, 1, calls)
}

func TestEngine_FetchFailureDegrades(t *testing.T) {
	h := newHarness(t, func(c *paysync.Config) {
		c.FetchTimeout = 20 * time.Millisecond
		c.Fetcher = fetcherFunc(func(ctx context.Context, _ string) (*paysync.SubscriptionDetail, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		})
	})
	h.seedBilling(t, paysync.BillingState{OrganizationID: "org_1", SubscriptionID: "sub_1"})

	outcome, err := h.engine.Process(context.Background(), paysync.Event{
		ID:      "evt_inv",
		Type:    paysync.EventInvoicePaid,
		Payload: &paysync.InvoicePayload{InvoiceID: "in_1", SubscriptionID: "sub_1"},
	})
	require.NoError(t, err)
	assert.Equal(t, paysync.OutcomeProcessed, outcome)

	state := h.billing(t, "org_1")
	assert.Equal(t, paysync.BillingActive, state.Status)
	assert.Nil(t, state.CurrentPeriodEnd)
}

type brokenLedger struct {
	*memory.Storage
}

func (brokenLedger) CheckAndRecord(context.Context, *paysync.ClaimRequest) (bool, error) {
	return false, paysync.ErrStorageUnavailable
}

func TestEngine_LedgerFailureIsInfrastructureError(t *testing.T) {
	h := newHarness(t, func(c *paysync.Config) {
		c.Ledger = brokenLedger{Storage: memory.New()}
	})

	outcome, err := h.engine.Process(context.Background(), subscriptionCheckout("evt_x"))
	assert.ErrorIs(t, err, paysync.ErrStorageUnavailable)
	assert.Equal(t, paysync.OutcomeFailed, outcome)
	assert.Empty(t, h.audit(t, paysync.AuditFilter{}))
}

// flakyLedger fails the first failures finalize calls.
type flakyLedger struct {
	*memory.Storage

	mu       sync.Mutex
	failures int
	calls    int
}

func (l *flakyLedger) MarkProcessed(ctx context.Context, eventID, orgID string, at time.Time) error {
	l.mu.Lock()
	l.calls++
	fail := l.failures > 0
	if fail {
		l.failures--
	}
	l.mu.Unlock()

	if fail {
		return errors.New("connection reset")
	}
	return l.Storage.MarkProcessed(ctx, eventID, orgID, at)
}

func TestEngine_FinalizeRetriesTransientLedgerFailure(t *testing.T) {
	var ledger *flakyLedger
	h := newHarness(t, func(c *paysync.Config) {
		ledger = &flakyLedger{Storage: c.Store.(*memory.Storage), failures: 1}
		c.Ledger = ledger
	})
	h.seedBilling(t, paysync.BillingState{OrganizationID: "org_1", Status: paysync.BillingInactive, CustomerID: "cus_1"})
	ctx := context.Background()

	outcome, err := h.engine.Process(ctx, subscriptionCheckout("evt_f"))
	require.NoError(t, err)
	assert.Equal(t, paysync.OutcomeProcessed, outcome)
	assert.Equal(t, 2, ledger.calls)

	// redelivered after the claim lease has run out
	h.clock.Advance(3 * time.Minute)
	outcome, err = h.engine.Process(ctx, subscriptionCheckout("evt_f"))
	require.NoError(t, err)
	assert.Equal(t, paysync.OutcomeDuplicate, outcome)

	assert.Len(t, h.audit(t, paysync.AuditFilter{EventID: "evt_f"}), 1)
	assert.Equal(t, []string{"inactive->active"}, h.metrics.billing)
}

func TestEngine_FinalizeFailureAfterRetries(t *testing.T) {
	var ledger *flakyLedger
	h := newHarness(t, func(c *paysync.Config) {
		ledger = &flakyLedger{Storage: c.Store.(*memory.Storage), failures: 10}
		c.Ledger = ledger
	})
	h.seedBilling(t, paysync.BillingState{OrganizationID: "org_1", Status: paysync.BillingInactive, CustomerID: "cus_1"})

	outcome, err := h.engine.Process(context.Background(), subscriptionCheckout("evt_f"))
	require.Error(t, err)
	assert.Equal(t, paysync.OutcomeFailed, outcome)
	assert.Equal(t, 3, ledger.calls)
	assert.Nil(t, h.processed(t, "evt_f").ProcessedAt)
}

// sharedStore holds the ledger and the state in one backend. Its
// standalone finalize is unreachable, so only the transactional one works.
type sharedStore struct {
	*memory.Storage
}

func (*sharedStore) MarkProcessed(context.Context, string, string, time.Time) error {
	return errors.New("connection reset")
}

func TestEngine_SharedBackendFinalizesWithTransition(t *testing.T) {
	store := &sharedStore{Storage: memory.New()}
	h := newHarness(t, func(c *paysync.Config) {
		c.Ledger = store
		c.Store = store
	})
	h.store = store.Storage
	h.seedBilling(t, paysync.BillingState{OrganizationID: "org_1", Status: paysync.BillingInactive, CustomerID: "cus_1"})
	h.seedOrder(t, pendingOrder(), activeLink("cs_1"))
	ctx := context.Background()

	outcome, err := h.engine.Process(ctx, subscriptionCheckout("evt_sub"))
	require.NoError(t, err)
	assert.Equal(t, paysync.OutcomeProcessed, outcome)

	outcome, err = h.engine.Process(ctx, orderCheckout("evt_ord", paysync.EventCheckoutCompleted, "cs_1"))
	require.NoError(t, err)
	assert.Equal(t, paysync.OutcomeProcessed, outcome)
	h.engine.Wait()

	for _, id := range []string{"evt_sub", "evt_ord"} {
		rec := h.processed(t, id)
		require.NotNil(t, rec.ProcessedAt, id)
		assert.Equal(t, "org_1", rec.OrganizationID, id)
	}

	h.clock.Advance(3 * time.Minute)
	outcome, err = h.engine.Process(ctx, orderCheckout("evt_ord", paysync.EventCheckoutCompleted, "cs_1"))
	require.NoError(t, err)
	assert.Equal(t, paysync.OutcomeDuplicate, outcome)
	assert.Len(t, h.audit(t, paysync.AuditFilter{EventID: "evt_ord"}), 1)
}

func TestEngine_MissingEventID(t *testing.T) {
	h := newHarness(t)

	outcome, err := h.engine.Process(context.Background(), paysync.Event{Type: paysync.EventInvoicePaid})
	assert.ErrorIs(t, err, paysync.ErrInvalidPayload)
	assert.Equal(t, paysync.OutcomeFailed, outcome)
}

func TestNewEngine_Validation(t *testing.T) {
	store := memory.New()

	tests := []struct {
		name   string
		config paysync.Config
	}{
		{"missing ledger", paysync.Config{Store: store}},
		{"missing store", paysync.Config{Ledger: store}},
		{"negative timeout", paysync.Config{Ledger: store, Store: store, HookTimeout: -time.Second}},
		{"claim shorter than processing", paysync.Config{
			Ledger: store, Store: store, ProcessingTimeout: time.Minute, ClaimTTL: 30 * time.Second,
		}},
		{"claim shorter than default processing", paysync.Config{Ledger: store, Store: store, ClaimTTL: 5 * time.Second}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := paysync.NewEngine(tt.config)
			assert.ErrorIs(t, err, paysync.ErrInvalidConfig)
		})
	}

	_, err := paysync.NewEngine(paysync.Config{Ledger: store, Store: store})
	assert.NoError(t, err)
}

package paysync

import (
	"context"
	"time"
)

// SubscriptionDetail is the supplementary subscription data fetched from
// the processor when an event does not carry it.
type SubscriptionDetail struct {
	ID               string
	CustomerID       string
	Status           string
	CurrentPeriodEnd *time.Time
}

// SubscriptionFetcher reads subscription details from the processor.
// Implementations must honor ctx deadlines.
type SubscriptionFetcher interface {
	Subscription(ctx context.Context, subscriptionID string) (*SubscriptionDetail, error)
}

// Messenger sends customer-facing messages over the order's channel.
type Messenger interface {
	SendOrderConfirmation(ctx context.Context, order *Order) error
}

// Notifier notifies the business that owns an order.
type Notifier interface {
	NotifyOrderPaid(ctx context.Context, order *Order) error
}

// AlertKind names an operationally significant outcome.
type AlertKind string

const (
	AlertPaymentFailed        AlertKind = "payment_failed"
	AlertSubscriptionCanceled AlertKind = "subscription_canceled"
	AlertDuplicatePayment     AlertKind = "duplicate_payment"
	AlertCriticalError        AlertKind = "critical_error"
)

// Alert is sent to the alerting sink after a transition commits.
type Alert struct {
	Kind           AlertKind
	Severity       Severity
	OrganizationID string
	EventID        string
	EventType      string
	Message        string
	Metadata       map[string]string
	CreatedAt      time.Time
}

// Alerter delivers alerts. Delivery is best effort.
type Alerter interface {
	Alert(ctx context.Context, alert Alert) error
}

// NoopMessenger, NoopNotifier and NoopAlerter discard everything.
type (
	NoopMessenger struct{}
	NoopNotifier  struct{}
	NoopAlerter   struct{}
)

func (NoopMessenger) SendOrderConfirmation(context.Context, *Order) error { return nil }
func (NoopNotifier) NotifyOrderPaid(context.Context, *Order) error        { return nil }
func (NoopAlerter) Alert(context.Context, Alert) error                    { return nil }

// LogAlerter writes alerts to a Logger. It is the fallback sink when no
// broker is configured.
type LogAlerter struct {
	Logger Logger
}

func (a LogAlerter) Alert(_ context.Context, alert Alert) error {
	fields := []Field{
		{Key: "alert", Value: string(alert.Kind)},
		{Key: "organization_id", Value: alert.OrganizationID},
		{Key: "event_id", Value: alert.EventID},
		{Key: "event_type", Value: alert.EventType},
	}
	if alert.Severity == SeverityError {
		a.Logger.Error(alert.Message, fields...)
	} else {
		a.Logger.Warn(alert.Message, fields...)
	}
	return nil
}

package paysync

import (
	"context"
	"sync"
	"time"
)

// CircuitBreakerState represents the current state of the circuit breaker.
type CircuitBreakerState string

const (
	StateClosed   CircuitBreakerState = "closed"
	StateOpen     CircuitBreakerState = "open"
	StateHalfOpen CircuitBreakerState = "half_open"
)

// CircuitBreaker stops calling the processor API after repeated failures so
// that a degraded processor does not eat the webhook response budget.
type CircuitBreaker struct {
	mu sync.Mutex

	state               CircuitBreakerState
	failureThreshold    int
	resetTimeout        time.Duration
	consecutiveFailures int
	openedAt            time.Time
	now                 func() time.Time

	onStateChange func(state CircuitBreakerState)
}

// NewCircuitBreaker creates a closed circuit breaker.
func NewCircuitBreaker(failureThreshold int, resetTimeout time.Duration,
	onStateChange func(state CircuitBreakerState)) *CircuitBreaker {
	if failureThreshold <= 0 {
		failureThreshold = 5
	}
	if resetTimeout <= 0 {
		resetTimeout = 30 * time.Second
	}
	return &CircuitBreaker{
		state:            StateClosed,
		failureThreshold: failureThreshold,
		resetTimeout:     resetTimeout,
		now:              time.Now,
		onStateChange:    onStateChange,
	}
}

// State returns the current state of the circuit breaker.
func (cb *CircuitBreaker) State() CircuitBreakerState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.currentState()
}

func (cb *CircuitBreaker) currentState() CircuitBreakerState {
	if cb.state == StateOpen && cb.now().Sub(cb.openedAt) >= cb.resetTimeout {
		return StateHalfOpen
	}
	return cb.state
}

// Execute runs fn unless the circuit is open. Context cancellation by the
// caller is not counted as a processor failure.
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func(ctx context.Context) error) error {
	if cb.State() == StateOpen {
		return ErrCircuitOpen
	}

	err := fn(ctx)
	switch {
	case err == nil:
		cb.success()
	case ctx.Err() != nil:
		// caller gave up
	default:
		cb.failure()
	}
	return err
}

func (cb *CircuitBreaker) success() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.changeState(StateClosed)
	cb.consecutiveFailures = 0
}

func (cb *CircuitBreaker) failure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.consecutiveFailures++
	switch cb.currentState() {
	case StateHalfOpen:
		// half-open trial call failed, start a new open window
		cb.openedAt = cb.now()
	case StateClosed:
		if cb.consecutiveFailures >= cb.failureThreshold {
			cb.openedAt = cb.now()
			cb.changeState(StateOpen)
		}
	}
}

func (cb *CircuitBreaker) changeState(newState CircuitBreakerState) {
	if cb.state != newState {
		cb.state = newState
		if cb.onStateChange != nil {
			cb.onStateChange(newState)
		}
	}
}

// GuardedFetcher wraps a SubscriptionFetcher with a per-call timeout and a
// circuit breaker.
type GuardedFetcher struct {
	Fetcher SubscriptionFetcher
	Breaker *CircuitBreaker
	Timeout time.Duration
}

// Subscription implements SubscriptionFetcher. A fetch that runs into the
// guard's own timeout counts as a breaker failure; cancellation by the
// caller does not.
func (g *GuardedFetcher) Subscription(ctx context.Context, subscriptionID string) (*SubscriptionDetail, error) {
	var detail *SubscriptionDetail
	call := func(ctx context.Context) error {
		if g.Timeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, g.Timeout)
			defer cancel()
		}
		var err error
		detail, err = g.Fetcher.Subscription(ctx, subscriptionID)
		return err
	}

	var err error
	if g.Breaker == nil {
		err = call(ctx)
	} else {
		err = g.Breaker.Execute(ctx, call)
	}
	if err != nil {
		return nil, err
	}
	return detail, nil
}

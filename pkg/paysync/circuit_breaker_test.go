package paysync

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func TestCircuitBreaker(t *testing.T) {
	threshold := 3
	timeout := 30 * time.Second
	clock := &fakeClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}

	var mu sync.Mutex
	var lastState CircuitBreakerState
	cb := NewCircuitBreaker(threshold, timeout, func(state CircuitBreakerState) {
		mu.Lock()
		lastState = state
		mu.Unlock()
	})
	cb.now = clock.Now

	ctx := context.Background()
	fail := func(context.Context) error { return errors.New("fail") }
	ok := func(context.Context) error { return nil }

	// Initial state: Closed
	assert.Equal(t, StateClosed, cb.State())

	for i := 0; i < threshold-1; i++ {
		assert.Error(t, cb.Execute(ctx, fail))
		assert.Equal(t, StateClosed, cb.State())
	}

	// Next failure should open the circuit
	assert.Error(t, cb.Execute(ctx, fail))
	assert.Equal(t, StateOpen, cb.State())
	assert.Equal(t, StateOpen, lastState)

	// When open, Execute should fail fast
	assert.ErrorIs(t, cb.Execute(ctx, ok), ErrCircuitOpen)

	clock.Advance(timeout)
	assert.Equal(t, StateHalfOpen, cb.State())

	// Successful execute in half-open should close the circuit
	assert.NoError(t, cb.Execute(ctx, ok))
	assert.Equal(t, StateClosed, cb.State())
	assert.Equal(t, StateClosed, lastState)
}

func TestCircuitBreaker_HalfOpenToOpen(t *testing.T) {
	clock := &fakeClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	cb := NewCircuitBreaker(1, time.Minute, nil)
	cb.now = clock.Now
	ctx := context.Background()

	_ = cb.Execute(ctx, func(context.Context) error { return errors.New("fail") })
	require.Equal(t, StateOpen, cb.State())

	clock.Advance(time.Minute)
	require.Equal(t, StateHalfOpen, cb.State())

	err := cb.Execute(ctx, func(context.Context) error { return errors.New("fail") })
	assert.Error(t, err)
	assert.NotErrorIs(t, err, ErrCircuitOpen)
	assert.Equal(t, StateOpen, cb.State(), "failed trial call must reopen the circuit")

	clock.Advance(30 * time.Second)
	assert.Equal(t, StateOpen, cb.State(), "a new open window starts at the failed trial call")
}

func TestCircuitBreaker_CallerCancellationIsNotAFailure(t *testing.T) {
	cb := NewCircuitBreaker(1, time.Minute, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := cb.Execute(ctx, func(ctx context.Context) error { return ctx.Err() })
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, StateClosed, cb.State())
}

func TestCircuitBreaker_ConcurrentExecute(t *testing.T) {
	cb := NewCircuitBreaker(1000, time.Minute, nil)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_ = cb.Execute(ctx, func(context.Context) error {
				if i%2 == 0 {
					return errors.New("fail")
				}
				return nil
			})
			_ = cb.State()
		}(i)
	}
	wg.Wait()

	assert.Equal(t, StateClosed, cb.State())
}

type stubFetcher struct {
	mu     sync.Mutex
	calls  int
	detail *SubscriptionDetail
	err    error
	block  bool
}

func (f *stubFetcher) Subscription(ctx context.Context, _ string) (*SubscriptionDetail, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	if f.block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	return f.detail, f.err
}

func TestGuardedFetcher_Timeout(t *testing.T) {
	fetcher := &stubFetcher{block: true}
	g := &GuardedFetcher{Fetcher: fetcher, Timeout: 20 * time.Millisecond}

	start := time.Now()
	_, err := g.Subscription(context.Background(), "sub_1")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), time.Second)
}

func TestGuardedFetcher_OpensCircuit(t *testing.T) {
	fetcher := &stubFetcher{err: errors.New("processor down")}
	g := &GuardedFetcher{
		Fetcher: fetcher,
		Breaker: NewCircuitBreaker(2, time.Minute, nil),
		Timeout: time.Second,
	}
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		_, err := g.Subscription(ctx, "sub_1")
		assert.Error(t, err)
	}
	_, err := g.Subscription(ctx, "sub_1")
	assert.ErrorIs(t, err, ErrCircuitOpen)
	assert.Equal(t, 2, fetcher.calls)
}

func TestGuardedFetcher_TimeoutsOpenCircuit(t *testing.T) {
	fetcher := &stubFetcher{block: true}
	g := &GuardedFetcher{
		Fetcher: fetcher,
		Breaker: NewCircuitBreaker(2, time.Minute, nil),
		Timeout: 10 * time.Millisecond,
	}
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_, err := g.Subscription(ctx, "sub_1")
		assert.Error(t, err)
	}
	assert.Equal(t, StateOpen, g.Breaker.State())
	assert.Equal(t, 2, fetcher.calls, "open circuit must stop calling a hanging processor")
}

func TestGuardedFetcher_CallerCancellationKeepsCircuitClosed(t *testing.T) {
	fetcher := &stubFetcher{block: true}
	g := &GuardedFetcher{
		Fetcher: fetcher,
		Breaker: NewCircuitBreaker(1, time.Minute, nil),
		Timeout: time.Second,
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := g.Subscription(ctx, "sub_1")
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, StateClosed, g.Breaker.State())
}

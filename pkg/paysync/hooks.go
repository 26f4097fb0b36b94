package paysync

import (
	"context"
	"fmt"
)

// hook is a best-effort side effect that runs after the ledger is finalized.
type hook struct {
	name string
	fn   func(ctx context.Context) error
}

func (e *Engine) alertHook(alert Alert) hook {
	return hook{name: "alert_" + string(alert.Kind), fn: func(ctx context.Context) error {
		return e.config.Alerter.Alert(ctx, alert)
	}}
}

// runHooks starts the hooks in the background. Each hook gets its own
// timeout on a context that survives the request's cancellation.
func (e *Engine) runHooks(parent context.Context, ev Event, hooks []hook) {
	if len(hooks) == 0 {
		return
	}
	detached := context.WithoutCancel(parent)

	e.hooks.Add(1)
	go func() {
		defer e.hooks.Done()
		for _, h := range hooks {
			e.runHook(detached, ev, h)
		}
	}()
}

func (e *Engine) runHook(parent context.Context, ev Event, h hook) {
	ctx, cancel := context.WithTimeout(parent, e.config.HookTimeout)
	defer cancel()

	defer func() {
		if r := recover(); r != nil {
			e.hookFailed(ev, h, fmt.Errorf("panic: %v", r))
		}
	}()

	if err := h.fn(ctx); err != nil {
		e.hookFailed(ev, h, err)
	}
}

func (e *Engine) hookFailed(ev Event, h hook, err error) {
	e.metrics.RecordSideEffectFailure(h.name)
	e.logger.Warn("post-commit side effect failed", eventFields(ev,
		Field{Key: "hook", Value: h.name},
		Field{Key: "error", Value: err.Error()})...)
}

// Wait blocks until every started post-commit hook has returned.
func (e *Engine) Wait() {
	e.hooks.Wait()
}

// Shutdown waits for running hooks or gives up when ctx is done.
func (e *Engine) Shutdown(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		e.hooks.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

package hooks

import (
	"context"
	"sync"

	"github.com/arloliu/vigil/types"
)

// Runner invokes hooks in background goroutines and logs their errors.
//
// Wait blocks until every hook started through the runner has returned,
// which lets shutdown drain in-flight hooks without racing them.
type Runner struct {
	hooks  *types.Hooks
	logger types.Logger
	wg     sync.WaitGroup
}

// NewRunner creates a Runner. Nil hooks are replaced by no-ops.
func NewRunner(h *types.Hooks, logger types.Logger) *Runner {
	return &Runner{hooks: Fill(h), logger: logger}
}

// HealthChanged runs OnHealthChanged asynchronously.
func (r *Runner) HealthChanged(ctx context.Context, tr types.HealthTransition) {
	r.run("OnHealthChanged", func() error { return r.hooks.OnHealthChanged(ctx, tr) })
}

// RecoveryAction runs OnRecoveryAction asynchronously.
func (r *Runner) RecoveryAction(ctx context.Context, rec types.ActionRecord) {
	r.run("OnRecoveryAction", func() error { return r.hooks.OnRecoveryAction(ctx, rec) })
}

// EmergencyStop runs OnEmergencyStop asynchronously.
func (r *Runner) EmergencyStop(ctx context.Context, reason string) {
	r.run("OnEmergencyStop", func() error { return r.hooks.OnEmergencyStop(ctx, reason) })
}

// Error runs OnError asynchronously.
func (r *Runner) Error(ctx context.Context, err error) {
	r.run("OnError", func() error { return r.hooks.OnError(ctx, err) })
}

// Wait blocks until all started hooks have returned.
func (r *Runner) Wait() {
	r.wg.Wait()
}

func (r *Runner) run(name string, fn func() error) {
	r.wg.Go(func() {
		defer func() {
			if rec := recover(); rec != nil {
				r.logger.Error("hook panicked", "hook", name, "panic", rec)
			}
		}()
		if err := fn(); err != nil {
			r.logger.Warn("hook returned error", "hook", name, "error", err)
		}
	})
}

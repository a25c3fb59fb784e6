package recovery

import (
	"context"
	"errors"
	"slices"
	"sync"
	"time"

	"github.com/arloliu/vigil/types"
)

// TriggerEmergency stops every worker and halts automatic recovery.
//
// Workers are stopped concurrently, each within the action timeout. The latch
// stays set until ClearEmergency; triggering while it is already set is a
// no-op.
//
// Parameters:
//   - ctx: Context bounding the stop calls
//   - reason: Human-readable cause, recorded in the emergency entry
//
// Returns:
//   - error: Joined stop failures, nil when every worker stopped
func (d *Dispatcher) TriggerEmergency(ctx context.Context, reason string) error {
	if !d.emergency.CompareAndSwap(false, true) {
		d.logger.Debug("emergency stop already active", "reason", reason)
		return nil
	}

	state := EmergencyState{Active: true, Reason: reason, At: d.clock.Now()}
	d.mu.Lock()
	d.emergencyState = state
	d.mu.Unlock()

	d.metrics.RecordEmergencyStop()
	d.logger.Error("emergency stop triggered", "reason", reason)
	if d.hooks != nil {
		d.hooks.EmergencyStop(ctx, reason)
	}

	unresponsive, err := d.StopWorkers(ctx, d.cfg.ActionTimeout)
	state.Unresponsive = unresponsive

	d.mu.Lock()
	if d.emergencyState.At.Equal(state.At) && d.emergencyState.Active {
		d.emergencyState = state
	}
	d.mu.Unlock()
	d.put(EmergencyKey, state)

	return err
}

// ClearEmergency releases the emergency latch so automatic recovery resumes.
// Stopped workers are not restarted here; they age into Dead and are
// restarted by the normal rules.
//
// Returns:
//   - bool: false if no emergency was active
func (d *Dispatcher) ClearEmergency() bool {
	if !d.emergency.CompareAndSwap(true, false) {
		return false
	}

	state := EmergencyState{At: d.clock.Now()}
	d.mu.Lock()
	prev := d.emergencyState.Reason
	d.emergencyState = state
	d.mu.Unlock()

	d.put(EmergencyKey, state)
	d.logger.Info("emergency stop cleared, automatic recovery resumed", "reason", prev)

	return true
}

// EmergencyActive reports whether the emergency latch is set.
func (d *Dispatcher) EmergencyActive() bool {
	return d.emergency.Load()
}

// Emergency returns the current emergency state.
func (d *Dispatcher) Emergency() EmergencyState {
	d.mu.Lock()
	defer d.mu.Unlock()

	state := d.emergencyState
	state.Unresponsive = slices.Clone(state.Unresponsive)

	return state
}

// StopWorkers calls Stop on every managed worker concurrently.
//
// Workers without a Stop hook are skipped.
//
// Parameters:
//   - ctx: Parent context for the stop calls
//   - timeout: Budget for each worker
//
// Returns:
//   - []string: Sorted IDs of workers that failed or did not stop in time
//   - error: Joined stop failures
func (d *Dispatcher) StopWorkers(ctx context.Context, timeout time.Duration) ([]string, error) {
	d.mu.Lock()
	stoppers := make([]types.Worker, 0, len(d.slots))
	for _, s := range d.slots {
		if s.caps.Has(types.CapStop) {
			stoppers = append(stoppers, s.worker)
		}
	}
	d.mu.Unlock()

	var (
		mu     sync.Mutex
		wg     sync.WaitGroup
		failed []string
		errs   []error
	)
	for _, w := range stoppers {
		wg.Go(func() {
			err := d.stopOne(ctx, w, timeout)
			if err == nil {
				return
			}

			mu.Lock()
			failed = append(failed, w.ID())
			errs = append(errs, err)
			mu.Unlock()
		})
	}
	wg.Wait()

	slices.Sort(failed)
	if len(failed) > 0 {
		d.logger.Warn("workers did not stop", "workers", failed)
	}

	return failed, errors.Join(errs...)
}

func (d *Dispatcher) stopOne(ctx context.Context, w types.Worker, timeout time.Duration) error {
	return d.withTimeout(ctx, timeout, "stop "+w.ID(), func(sctx context.Context) error {
		stopper, ok := w.(types.Stopper)
		if !ok {
			return types.ErrUnsupportedCapability
		}

		return stopper.Stop(sctx)
	})
}

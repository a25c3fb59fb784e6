package testing

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/arloliu/vigil/types"
)

// Control hook names accepted by FakeWorker's injection methods.
const (
	HookStart   = "Start"
	HookStop    = "Stop"
	HookReset   = "ResetState"
	HookDegrade = "Degrade"
)

// ErrInjected is a convenience error for FailOn.
var ErrInjected = errors.New("injected failure")

// FakeWorker is a worker double implementing every control hook.
//
// Each hook call is recorded. Errors, delays and panics can be injected per
// hook to drive recovery paths in tests.
type FakeWorker struct {
	id string

	mu      sync.Mutex
	running bool
	calls   []string
	levels  []int
	errs    map[string]error
	delays  map[string]time.Duration
	panics  map[string]bool
}

var (
	_ types.Starter       = (*FakeWorker)(nil)
	_ types.Stopper       = (*FakeWorker)(nil)
	_ types.StateResetter = (*FakeWorker)(nil)
	_ types.Degrader      = (*FakeWorker)(nil)
)

// NewFakeWorker creates a running fake worker.
func NewFakeWorker(id string) *FakeWorker {
	return &FakeWorker{
		id:      id,
		running: true,
		errs:    make(map[string]error),
		delays:  make(map[string]time.Duration),
		panics:  make(map[string]bool),
	}
}

// ID returns the worker ID.
func (w *FakeWorker) ID() string {
	return w.id
}

// FailOn makes hook return err. A nil err clears the failure.
func (w *FakeWorker) FailOn(hook string, err error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if err == nil {
		delete(w.errs, hook)
		return
	}
	w.errs[hook] = err
}

// DelayOn makes hook block for d or until its context is done.
func (w *FakeWorker) DelayOn(hook string, d time.Duration) {
	w.mu.Lock()
	w.delays[hook] = d
	w.mu.Unlock()
}

// PanicOn makes hook panic.
func (w *FakeWorker) PanicOn(hook string) {
	w.mu.Lock()
	w.panics[hook] = true
	w.mu.Unlock()
}

// Start marks the worker running.
func (w *FakeWorker) Start(ctx context.Context) error {
	if err := w.invoke(ctx, HookStart); err != nil {
		return err
	}

	w.mu.Lock()
	w.running = true
	w.mu.Unlock()

	return nil
}

// Stop marks the worker stopped.
func (w *FakeWorker) Stop(ctx context.Context) error {
	if err := w.invoke(ctx, HookStop); err != nil {
		return err
	}

	w.mu.Lock()
	w.running = false
	w.mu.Unlock()

	return nil
}

// ResetState records the call.
func (w *FakeWorker) ResetState(ctx context.Context) error {
	return w.invoke(ctx, HookReset)
}

// Degrade records the call and the requested level.
func (w *FakeWorker) Degrade(ctx context.Context, level int) error {
	w.mu.Lock()
	w.levels = append(w.levels, level)
	w.mu.Unlock()

	return w.invoke(ctx, HookDegrade)
}

// Calls returns the hooks invoked so far, in order.
func (w *FakeWorker) Calls() []string {
	w.mu.Lock()
	defer w.mu.Unlock()

	return append([]string(nil), w.calls...)
}

// CallCount returns how many times hook was invoked.
func (w *FakeWorker) CallCount(hook string) int {
	w.mu.Lock()
	defer w.mu.Unlock()

	n := 0
	for _, c := range w.calls {
		if c == hook {
			n++
		}
	}

	return n
}

// DegradeLevels returns the levels passed to Degrade, in order.
func (w *FakeWorker) DegradeLevels() []int {
	w.mu.Lock()
	defer w.mu.Unlock()

	return append([]int(nil), w.levels...)
}

// Running reports whether the last Start/Stop left the worker running.
func (w *FakeWorker) Running() bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	return w.running
}

func (w *FakeWorker) invoke(ctx context.Context, hook string) error {
	w.mu.Lock()
	w.calls = append(w.calls, hook)
	err := w.errs[hook]
	delay := w.delays[hook]
	panics := w.panics[hook]
	w.mu.Unlock()

	if panics {
		panic(fmt.Sprintf("%s: injected panic in %s", w.id, hook))
	}

	if delay > 0 {
		timer := time.NewTimer(delay)
		defer timer.Stop()

		select {
		case <-timer.C:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	return err
}

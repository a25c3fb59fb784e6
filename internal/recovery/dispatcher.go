package recovery

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/puzpuzpuz/xsync/v4"

	"github.com/arloliu/vigil/internal/hooks"
	"github.com/arloliu/vigil/internal/logging"
	"github.com/arloliu/vigil/internal/metrics"
	"github.com/arloliu/vigil/types"
)

// Store keys written by the dispatcher. All live in SystemNamespace and are
// suffixed with the worker ID where noted.
const (
	SystemNamespace   = "system_status"
	RecoveryKeyPrefix = "recovery." // audit record of the last action
	ControlKeyPrefix  = "control."  // last degrade command
	IsolatedKeyPrefix = "isolated." // true while isolated
	EmergencyKey      = "emergency"

	// EmergencyRequestKey is written by any worker to request an emergency stop.
	EmergencyRequestKey = "emergency_request"
)

// StateWriter is the subset of the state store the dispatcher writes to.
type StateWriter interface {
	Put(ns, key string, value any) (uint64, error)
}

// ControlCommand is the control entry written when a worker is asked to degrade.
type ControlCommand struct {
	Action types.RecoveryAction `json:"action"`
	Level  int                  `json:"level"`
	Reason string               `json:"reason"`
	At     time.Time            `json:"at"`
}

// EmergencyState describes the emergency latch.
type EmergencyState struct {
	Active       bool      `json:"active"`
	Reason       string    `json:"reason,omitempty"`
	At           time.Time `json:"at"`
	Unresponsive []string  `json:"unresponsive,omitempty"`
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithStore records audit, control and isolation entries in the store.
func WithStore(w StateWriter) Option {
	return func(d *Dispatcher) { d.store = w }
}

// WithClock overrides the dispatcher clock.
func WithClock(clock types.Clock) Option {
	return func(d *Dispatcher) {
		if clock != nil {
			d.clock = clock
		}
	}
}

// WithLogger sets the dispatcher logger.
func WithLogger(logger types.Logger) Option {
	return func(d *Dispatcher) { d.logger = logging.OrNop(logger) }
}

// WithMetrics sets the metrics collector.
func WithMetrics(m types.MetricsCollector) Option {
	return func(d *Dispatcher) {
		if m != nil {
			d.metrics = m
		}
	}
}

// WithHooks reports actions and emergency stops through user hooks.
func WithHooks(r *hooks.Runner) Option {
	return func(d *Dispatcher) { d.hooks = r }
}

// WithRecoveredFunc sets a callback run after every successful restart.
func WithRecoveredFunc(fn func(workerID string)) Option {
	return func(d *Dispatcher) {
		if fn != nil {
			d.onRecovered = fn
		}
	}
}

type slot struct {
	worker         types.Worker
	caps           types.Capabilities
	safetyCritical bool

	running    bool
	pending    *types.HealthTransition
	lastState  types.HealthState
	lastAction time.Time

	history      History
	attempts     int
	degradeLevel int
}

// Dispatcher executes recovery actions for health transitions.
type Dispatcher struct {
	cfg         Config
	in          <-chan types.HealthTransition
	store       StateWriter
	clock       types.Clock
	logger      types.Logger
	metrics     types.MetricsCollector
	hooks       *hooks.Runner
	onRecovered func(workerID string)

	isolated  *xsync.Map[string, struct{}]
	emergency atomic.Bool

	mu             sync.Mutex
	slots          map[string]*slot
	history        []types.ActionRecord
	emergencyState EmergencyState

	wg sync.WaitGroup
}

// NewDispatcher creates a dispatcher consuming transitions from in.
//
// Parameters:
//   - cfg: Dispatcher settings; zero fields take defaults
//   - in: Transition channel, usually Classifier.Transitions(); may be nil
//     when transitions are passed to Handle directly
//   - opts: Optional store, clock, logger, metrics, hooks and restart callback
//
// Returns:
//   - *Dispatcher: Dispatcher ready to Serve
func NewDispatcher(cfg Config, in <-chan types.HealthTransition, opts ...Option) *Dispatcher {
	cfg.setDefaults()

	d := &Dispatcher{
		cfg:         cfg,
		in:          in,
		clock:       types.SystemClock{},
		logger:      logging.NewNop(),
		metrics:     metrics.NewNop(),
		onRecovered: func(string) {},
		isolated:    xsync.NewMap[string, struct{}](),
		slots:       make(map[string]*slot),
	}
	for _, opt := range opts {
		opt(d)
	}

	return d
}

// Add places a worker under recovery management.
//
// Parameters:
//   - w: Worker exposing its control hooks
//   - safetyCritical: Escalate isolation of this worker to an emergency stop
//
// Returns:
//   - error: ErrInvalidWorkerID or ErrWorkerAlreadyRegistered
func (d *Dispatcher) Add(w types.Worker, safetyCritical bool) error {
	if w == nil || w.ID() == "" {
		return types.ErrInvalidWorkerID
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	id := w.ID()
	if _, ok := d.slots[id]; ok {
		return fmt.Errorf("%w: %s", types.ErrWorkerAlreadyRegistered, id)
	}
	d.slots[id] = &slot{
		worker:         w,
		caps:           types.CapabilitiesOf(w),
		safetyCritical: safetyCritical,
	}

	return nil
}

// Remove drops a worker, including its isolation mark.
// An action already running for it completes.
func (d *Dispatcher) Remove(workerID string) bool {
	d.mu.Lock()
	_, ok := d.slots[workerID]
	delete(d.slots, workerID)
	d.mu.Unlock()

	if _, wasIsolated := d.isolated.LoadAndDelete(workerID); wasIsolated {
		d.metrics.RecordIsolatedWorkers(d.isolated.Size())
	}

	return ok
}

// IsIsolated reports whether a worker has been isolated. It never blocks.
func (d *Dispatcher) IsIsolated(workerID string) bool {
	_, ok := d.isolated.Load(workerID)
	return ok
}

// Isolated returns the isolated worker IDs, sorted.
func (d *Dispatcher) Isolated() []string {
	ids := make([]string, 0, d.isolated.Size())
	d.isolated.Range(func(id string, _ struct{}) bool {
		ids = append(ids, id)
		return true
	})
	slices.Sort(ids)

	return ids
}

// Serve dispatches transitions from the input channel until ctx is cancelled.
// It implements suture.Service.
func (d *Dispatcher) Serve(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case tr, ok := <-d.in:
			if !ok {
				<-ctx.Done()
				return ctx.Err()
			}
			d.Handle(ctx, tr)
		}
	}
}

// String names the service in supervision logs.
func (d *Dispatcher) String() string {
	return "recovery-dispatcher"
}

// Wait blocks until every running action has finished.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}

// Handle decides and starts the action for one transition.
//
// Flag-only transitions, unknown and isolated workers are ignored. While the
// emergency latch is set no action starts. A transition arriving while the
// worker's previous action is still running replaces any earlier pending one
// and is handled when that action finishes.
func (d *Dispatcher) Handle(ctx context.Context, tr types.HealthTransition) {
	if !tr.IsStateChange() && !tr.Reemit {
		return
	}

	d.mu.Lock()
	s, ok := d.slots[tr.WorkerID]
	if !ok {
		d.mu.Unlock()
		d.logger.Debug("transition for unmanaged worker ignored", "worker", tr.WorkerID)

		return
	}
	if d.IsIsolated(tr.WorkerID) {
		d.mu.Unlock()
		return
	}

	s.lastState = tr.To
	if s.running {
		s.pending = &tr
		d.mu.Unlock()

		return
	}

	if tr.To == types.HealthHealthy {
		s.history = History{}
		s.attempts = 0
	}
	if d.emergency.Load() {
		d.mu.Unlock()
		d.logger.Debug("automatic recovery halted by emergency stop",
			"worker", tr.WorkerID, "to", tr.To.String())

		return
	}

	action, ruleName := Decide(tr, s.history, d.cfg.MaxRestarts)
	if action == types.ActionNone {
		d.mu.Unlock()
		return
	}
	if d.cfg.Cooldown > 0 && !s.lastAction.IsZero() && d.clock.Now().Sub(s.lastAction) < d.cfg.Cooldown {
		d.mu.Unlock()
		d.logger.Debug("recovery action skipped during cooldown",
			"worker", tr.WorkerID, "action", action.String())

		return
	}
	s.running = true
	d.mu.Unlock()

	reason := ruleName
	if tr.Reason != "" {
		reason = ruleName + ": " + tr.Reason
	}
	d.wg.Go(func() { d.run(ctx, s, tr, action, reason) })
}

// run executes action and escalates on failure until an action succeeds or
// the worker is isolated.
func (d *Dispatcher) run(ctx context.Context, s *slot, tr types.HealthTransition, requested types.RecoveryAction, reason string) {
	defer d.finish(ctx, s)

	action := d.resolve(s, requested)
	for {
		_, err := d.execute(ctx, s, tr, action, requested, reason)
		if err == nil || action >= types.ActionIsolate || d.emergency.Load() || ctx.Err() != nil {
			return
		}

		next := d.resolve(s, action.Escalate())
		d.logger.Warn("recovery action failed, escalating",
			"worker", tr.WorkerID, "action", action.String(), "next", next.String(), "error", err)
		action = next
	}
}

// resolve replaces an unsupported action with the next supported one and
// turns isolation of a safety-critical worker into an emergency stop.
func (d *Dispatcher) resolve(s *slot, action types.RecoveryAction) types.RecoveryAction {
	resolved := Resolve(action, s.caps)
	if resolved != action {
		d.logger.Warn("worker cannot execute action, using next supported one",
			"worker", s.worker.ID(), "requested", action.String(), "action", resolved.String(),
			"error", types.ErrUnsupportedCapability)
	}
	if resolved == types.ActionIsolate && s.safetyCritical {
		return types.ActionEmergencyStop
	}

	return resolved
}

func (d *Dispatcher) finish(ctx context.Context, s *slot) {
	d.mu.Lock()
	s.running = false
	s.lastAction = d.clock.Now()
	pending := s.pending
	s.pending = nil
	d.mu.Unlock()

	if pending != nil && ctx.Err() == nil {
		d.Handle(ctx, *pending)
	}
}

// execute runs one action and records its outcome.
func (d *Dispatcher) execute(ctx context.Context, s *slot, tr types.HealthTransition, action, requested types.RecoveryAction, reason string) (types.ActionRecord, error) {
	id := s.worker.ID()
	startedAt := d.clock.Now()
	begin := time.Now()

	d.mu.Lock()
	s.attempts++
	attempt := s.attempts
	switch action {
	case types.ActionDegrade:
		s.degradeLevel++
	case types.ActionReset:
		s.history.ResetTried = true
		s.degradeLevel = 0
	case types.ActionRestart:
		s.history.Restarts++
		s.degradeLevel = 0
	}
	level := s.degradeLevel
	d.mu.Unlock()

	var err error
	switch action {
	case types.ActionIsolate:
		d.isolate(id, reason)
	case types.ActionEmergencyStop:
		err = d.TriggerEmergency(ctx, fmt.Sprintf("worker %s: %s", id, reason))
	default:
		err = d.withTimeout(ctx, d.cfg.ActionTimeout, action.String()+" "+id, func(actx context.Context) error {
			return d.call(actx, s.worker, action, level)
		})
	}

	rec := types.ActionRecord{
		ID:        uuid.NewString(),
		WorkerID:  id,
		Action:    action,
		Requested: requested,
		From:      tr.From,
		To:        tr.To,
		Reason:    reason,
		Attempt:   attempt,
		Result:    resultOf(err),
		StartedAt: startedAt,
		Duration:  time.Since(begin),
	}

	if err != nil {
		rec.Error = err.Error()
		d.logger.Warn("recovery action failed",
			"worker", id, "action", action.String(), "result", string(rec.Result), "error", err)
	} else {
		d.logger.Info("recovery action succeeded",
			"worker", id, "action", action.String(), "attempt", attempt, "duration", rec.Duration)

		switch action {
		case types.ActionDegrade:
			d.put(ControlKeyPrefix+id, ControlCommand{Action: action, Level: level, Reason: reason, At: startedAt})
		case types.ActionRestart:
			d.reinstate(s)
			d.onRecovered(id)
		}
	}

	d.record(ctx, rec)

	return rec, err
}

func (d *Dispatcher) call(ctx context.Context, w types.Worker, action types.RecoveryAction, level int) error {
	switch action {
	case types.ActionDegrade:
		if dg, ok := w.(types.Degrader); ok {
			return dg.Degrade(ctx, level)
		}
	case types.ActionReset:
		if rs, ok := w.(types.StateResetter); ok {
			return rs.ResetState(ctx)
		}
	case types.ActionRestart:
		stopper, canStop := w.(types.Stopper)
		starter, canStart := w.(types.Starter)
		if !canStop || !canStart {
			break
		}
		if err := stopper.Stop(ctx); err != nil {
			return fmt.Errorf("stop: %w", err)
		}
		if d.emergency.Load() {
			return types.ErrEmergencyActive
		}
		if err := starter.Start(ctx); err != nil {
			return fmt.Errorf("start: %w", err)
		}

		return nil
	}

	return fmt.Errorf("%w: %s on %s", types.ErrUnsupportedCapability, action, w.ID())
}

// withTimeout runs fn within timeout. A hook that ignores its context is
// abandoned when the budget runs out; a panic becomes an error.
func (d *Dispatcher) withTimeout(ctx context.Context, timeout time.Duration, label string, fn func(context.Context) error) error {
	actx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("%s panicked: %v", label, r)
			}
		}()
		done <- fn(actx)
	}()

	select {
	case err := <-done:
		if err != nil && errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			return fmt.Errorf("%s after %s: %w", label, timeout, types.ErrActionTimeout)
		}

		return err
	case <-actx.Done():
		if err := ctx.Err(); err != nil {
			return err
		}

		return fmt.Errorf("%s after %s: %w", label, timeout, types.ErrActionTimeout)
	}
}

func resultOf(err error) types.ActionResult {
	switch {
	case err == nil:
		return types.ResultSucceeded
	case errors.Is(err, types.ErrActionTimeout):
		return types.ResultTimeout
	default:
		return types.ResultFailed
	}
}

func (d *Dispatcher) isolate(workerID, reason string) {
	if _, loaded := d.isolated.LoadOrStore(workerID, struct{}{}); loaded {
		return
	}

	d.metrics.RecordIsolatedWorkers(d.isolated.Size())
	d.put(IsolatedKeyPrefix+workerID, true)
	d.logger.Warn("worker isolated", "worker", workerID, "reason", reason)
}

// reinstate lifts isolation after a successful (forced) restart.
func (d *Dispatcher) reinstate(s *slot) {
	id := s.worker.ID()
	if _, ok := d.isolated.LoadAndDelete(id); !ok {
		return
	}

	d.mu.Lock()
	s.history = History{}
	s.attempts = 0
	d.mu.Unlock()

	d.metrics.RecordIsolatedWorkers(d.isolated.Size())
	d.put(IsolatedKeyPrefix+id, false)
	d.logger.Info("isolated worker reinstated", "worker", id)
}

func (d *Dispatcher) record(ctx context.Context, rec types.ActionRecord) {
	d.mu.Lock()
	d.history = append(d.history, rec)
	if over := len(d.history) - d.cfg.HistoryLimit; over > 0 {
		d.history = slices.Delete(d.history, 0, over)
	}
	d.mu.Unlock()

	d.metrics.RecordRecoveryAction(rec.Action, rec.Result, rec.Duration.Seconds())
	d.put(RecoveryKeyPrefix+rec.WorkerID, rec)
	if d.hooks != nil {
		d.hooks.RecoveryAction(ctx, rec)
	}
}

func (d *Dispatcher) put(key string, value any) {
	if d.store == nil {
		return
	}
	if _, err := d.store.Put(SystemNamespace, key, value); err != nil {
		d.logger.Debug("recovery entry not recorded", "key", key, "error", err)
	}
}

// ActionHistory returns the most recent actions, oldest first.
func (d *Dispatcher) ActionHistory() []types.ActionRecord {
	d.mu.Lock()
	defer d.mu.Unlock()

	return slices.Clone(d.history)
}

// ForceRecovery runs action on a worker immediately.
//
// The action bypasses the rule table, the cooldown and isolation, and does
// not escalate on failure. A successful forced restart of an isolated worker
// reinstates it. ActionEmergencyStop triggers the system-wide stop.
//
// Parameters:
//   - ctx: Context bounding the action
//   - workerID: Target worker
//   - action: Action to run
//
// Returns:
//   - types.ActionRecord: Audit record of the action
//   - error: ErrWorkerNotRegistered, ErrEmergencyActive, ErrRecoveryInProgress,
//     ErrUnsupportedCapability, or the action's own failure
func (d *Dispatcher) ForceRecovery(ctx context.Context, workerID string, action types.RecoveryAction) (types.ActionRecord, error) {
	d.mu.Lock()
	s, ok := d.slots[workerID]
	switch {
	case !ok:
		d.mu.Unlock()
		return types.ActionRecord{}, fmt.Errorf("%w: %s", types.ErrWorkerNotRegistered, workerID)
	case d.emergency.Load():
		d.mu.Unlock()
		return types.ActionRecord{}, types.ErrEmergencyActive
	case s.running:
		d.mu.Unlock()
		return types.ActionRecord{}, fmt.Errorf("%w: %s", types.ErrRecoveryInProgress, workerID)
	case action == types.ActionNone:
		d.mu.Unlock()
		return types.ActionRecord{
			WorkerID:  workerID,
			Result:    types.ResultSkipped,
			StartedAt: d.clock.Now(),
		}, nil
	case !s.caps.Supports(action):
		d.mu.Unlock()
		return types.ActionRecord{}, fmt.Errorf("%w: %s on %s", types.ErrUnsupportedCapability, action, workerID)
	}
	s.running = true
	tr := types.HealthTransition{WorkerID: workerID, From: s.lastState, To: s.lastState, At: d.clock.Now()}
	d.mu.Unlock()

	defer d.finish(ctx, s)

	return d.execute(ctx, s, tr, action, action, "forced")
}

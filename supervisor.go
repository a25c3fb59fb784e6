package vigil

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/thejerf/suture/v4"
	"github.com/thejerf/sutureslog"

	"github.com/arloliu/vigil/heartbeat"
	"github.com/arloliu/vigil/internal/health"
	"github.com/arloliu/vigil/internal/hooks"
	"github.com/arloliu/vigil/internal/logging"
	"github.com/arloliu/vigil/internal/metrics"
	"github.com/arloliu/vigil/internal/recovery"
	"github.com/arloliu/vigil/store"
	"github.com/arloliu/vigil/types"
)

// RegisterOption configures a worker at registration.
type RegisterOption func(*registerOptions)

type registerOptions struct {
	safetyCritical bool
}

// WithSafetyCritical marks a worker whose isolation must stop the whole
// system instead of leaving the others running.
func WithSafetyCritical() RegisterOption {
	return func(o *registerOptions) {
		o.safetyCritical = true
	}
}

// Supervisor wires the state store, heartbeat registry, health classifier and
// recovery dispatcher together and runs the classification and dispatch
// loops under a supervision tree.
//
// A Supervisor is started once; after Stop it cannot be restarted.
type Supervisor struct {
	cfg     Config
	logger  Logger
	metrics MetricsCollector
	hooks   *hooks.Runner

	store      *store.Store
	registry   *heartbeat.Registry
	classifier *health.Classifier
	dispatcher *recovery.Dispatcher
	conn       *nats.Conn // owned when the nats backend is opened from config

	mu      sync.Mutex
	started bool
	stopped bool
	cancel  context.CancelFunc
	done    <-chan error
	sub     *store.Subscription
}

// NewSupervisor creates a supervisor and opens its state store.
//
// With a durable backend (Config.Backend or WithBackend) the store is
// restored from it before NewSupervisor returns.
//
// Parameters:
//   - ctx: Bounds backend connection and restore
//   - cfg: Configuration; missing values take defaults
//   - opts: Optional logger, metrics, hooks, backend and clock
//
// Returns:
//   - *Supervisor: Supervisor ready to Register workers and Start
//   - error: ErrInvalidConfig or a backend error
//
// Example:
//
//	cfg := vigil.DefaultConfig()
//	sup, err := vigil.NewSupervisor(ctx, &cfg, vigil.WithLogger(logger))
//	if err != nil {
//	    return err
//	}
func NewSupervisor(ctx context.Context, cfg *Config, opts ...Option) (*Supervisor, error) {
	if cfg == nil {
		return nil, ErrInvalidConfig
	}

	SetDefaults(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	options := &supervisorOptions{}
	for _, opt := range opts {
		opt(options)
	}

	logger := logging.OrNop(options.logger)
	collector := options.metrics
	if collector == nil {
		collector = metrics.NewNop()
	}
	clock := options.clock
	if clock == nil {
		clock = types.SystemClock{}
	}

	cfg.ValidateWithWarnings(logger)

	s := &Supervisor{
		cfg:     *cfg,
		logger:  logger,
		metrics: collector,
		hooks:   hooks.NewRunner(options.hooks, logger),
	}

	storeOpts := []store.Option{
		store.WithLogger(logger),
		store.WithMetrics(collector),
		store.WithClock(clock),
		store.WithQueueSize(cfg.Store.NotifyQueueSize),
		store.WithHistoryLimit(cfg.Store.HistoryLimit),
		store.WithPersistConfig(cfg.Store.persistConfig()),
	}
	if len(cfg.Store.Namespaces) > 0 {
		storeOpts = append(storeOpts, store.WithNamespaces(cfg.Store.Namespaces...))
	}

	backend := options.backend
	if backend == nil {
		var err error
		backend, s.conn, err = openBackend(ctx, cfg.Backend, logger)
		if err != nil {
			return nil, fmt.Errorf("open %s backend: %w", cfg.Backend.Type, err)
		}
	}

	if backend == nil {
		s.store = store.New(storeOpts...)
	} else {
		st, err := store.Open(ctx, backend, storeOpts...)
		if err != nil {
			_ = backend.Close()
			s.closeConn()

			return nil, fmt.Errorf("restore state store: %w", err)
		}
		s.store = st
	}

	s.registry = heartbeat.NewRegistry(
		heartbeat.WithStore(s.store),
		heartbeat.WithClock(clock),
		heartbeat.WithLogger(logger),
		heartbeat.WithMetrics(collector),
	)

	// The classifier and the dispatcher reference each other through
	// callbacks; the isolation check resolves the dispatcher lazily.
	s.classifier = health.NewClassifier(cfg.Health.classifierConfig(), s.registry,
		health.WithStore(s.store),
		health.WithClock(clock),
		health.WithLogger(logger),
		health.WithMetrics(collector),
		health.WithHooks(s.hooks),
		health.WithIsolation(func(id string) bool { return s.dispatcher.IsIsolated(id) }),
	)
	s.dispatcher = recovery.NewDispatcher(cfg.Recovery.dispatcherConfig(), s.classifier.Transitions(),
		recovery.WithStore(s.store),
		recovery.WithClock(clock),
		recovery.WithLogger(logger),
		recovery.WithMetrics(collector),
		recovery.WithHooks(s.hooks),
		recovery.WithRecoveredFunc(s.classifier.MarkRecovered),
	)

	return s, nil
}

// Start runs the classification and dispatch loops.
//
// The loops run under a suture supervisor: a loop that panics or returns is
// restarted with backoff instead of taking the process down. Start also
// subscribes to emergency requests written to system_status/emergency_request.
//
// Parameters:
//   - ctx: Parent context; its values are kept but its cancellation is not,
//     use Stop to shut down
//
// Returns:
//   - error: ErrAlreadyStarted on a second call
func (s *Supervisor) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started {
		return ErrAlreadyStarted
	}
	if s.stopped {
		return ErrStoreClosed
	}

	sub, err := s.store.Subscribe(recovery.SystemNamespace, recovery.EmergencyRequestKey, s.onEmergencyRequest)
	if err != nil {
		return fmt.Errorf("subscribe to emergency requests: %w", err)
	}

	handler := &sutureslog.Handler{Logger: logging.ToSlog(s.logger)}
	root := suture.New("vigil", suture.Spec{
		EventHook:        handler.MustHook(),
		FailureThreshold: s.cfg.Supervision.FailureThreshold,
		FailureDecay:     s.cfg.Supervision.FailureDecay,
		FailureBackoff:   s.cfg.Supervision.FailureBackoff,
		Timeout:          s.cfg.Supervision.ServiceTimeout,
	})
	root.Add(s.classifier)
	root.Add(s.dispatcher)
	if s.cfg.Store.HistoryMaxAge > 0 {
		root.Add(&historyPruner{
			store:    s.store,
			maxAge:   s.cfg.Store.HistoryMaxAge,
			interval: s.cfg.Store.PruneInterval,
			logger:   s.logger,
		})
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s.cancel = cancel
	s.done = root.ServeBackground(runCtx)
	s.sub = sub
	s.started = true

	s.logger.Info("supervisor started",
		"tick", s.cfg.Health.TickInterval,
		"frozen_timeout", s.cfg.Health.FrozenTimeout,
		"dead_timeout", s.cfg.Health.DeadTimeout,
		"backend", s.cfg.Backend.Type)

	return nil
}

// Stop shuts the supervisor down.
//
// Sequence:
//  1. Stop the supervision loops and wait for in-flight recovery actions
//  2. Call Stop on every worker, each within ShutdownGracePeriod; workers
//     that fail or time out are marked Dead
//  3. Wait for running hooks
//  4. Close the store, flushing pending writes to the backend
//
// Parameters:
//   - ctx: Bounds the whole shutdown
//
// Returns:
//   - error: ErrNotStarted if never started or already stopped; otherwise
//     worker stop failures and store close errors, joined
func (s *Supervisor) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.started || s.stopped {
		s.mu.Unlock()
		return ErrNotStarted
	}
	s.stopped = true
	s.cancel()
	s.mu.Unlock()

	s.sub.Unsubscribe()

	var errs []error
	select {
	case <-s.done:
	case <-ctx.Done():
		errs = append(errs, fmt.Errorf("waiting for supervision loops: %w", ctx.Err()))
	}
	s.dispatcher.Wait()

	unresponsive, err := s.dispatcher.StopWorkers(ctx, s.cfg.ShutdownGracePeriod)
	for _, id := range unresponsive {
		s.classifier.MarkDead(id, "did not acknowledge stop")
	}
	if err != nil {
		errs = append(errs, fmt.Errorf("stop workers: %w", err))
	}

	s.hooks.Wait()

	if err := s.store.Close(ctx); err != nil {
		errs = append(errs, fmt.Errorf("close store: %w", err))
	}
	s.closeConn()

	if len(errs) > 0 {
		s.logger.Warn("supervisor stopped with errors", "error", errors.Join(errs...))
		return errors.Join(errs...)
	}
	s.logger.Info("supervisor stopped")

	return nil
}

// Close releases the store and the backend connection.
//
// A running supervisor is stopped as by Stop. Close on a supervisor that was
// never started only closes its store; calling Close again is a no-op.
func (s *Supervisor) Close(ctx context.Context) error {
	s.mu.Lock()
	if s.started && !s.stopped {
		s.mu.Unlock()
		return s.Stop(ctx)
	}
	if s.stopped {
		s.mu.Unlock()
		return nil
	}
	s.stopped = true
	s.mu.Unlock()

	err := s.store.Close(ctx)
	s.closeConn()

	return err
}

func (s *Supervisor) closeConn() {
	if s.conn == nil {
		return
	}
	if err := s.conn.Drain(); err != nil {
		s.conn.Close()
	}
}

// Store returns the shared state store.
func (s *Supervisor) Store() *store.Store {
	return s.store
}

// Register adds a worker to supervision.
//
// The worker is tracked by the heartbeat registry from now on, so one that
// never beats ages into Frozen and Dead like one that stopped beating.
//
// Parameters:
//   - w: Worker; its optional Starter, Stopper, StateResetter and Degrader
//     implementations are used as control hooks
//   - opts: Registration options such as WithSafetyCritical
//
// Returns:
//   - error: ErrInvalidWorkerID or ErrWorkerAlreadyRegistered
func (s *Supervisor) Register(w Worker, opts ...RegisterOption) error {
	if w == nil {
		return ErrInvalidWorkerID
	}

	o := registerOptions{}
	for _, opt := range opts {
		opt(&o)
	}

	if err := s.dispatcher.Add(w, o.safetyCritical); err != nil {
		return err
	}
	if err := s.registry.Register(w.ID()); err != nil {
		s.dispatcher.Remove(w.ID())
		return err
	}

	s.logger.Info("worker registered",
		"worker", w.ID(),
		"capabilities", capabilityNames(types.CapabilitiesOf(w)),
		"safety_critical", o.safetyCritical)

	return nil
}

// Unregister removes a worker from supervision. The worker is not stopped.
//
// Returns:
//   - error: ErrWorkerNotRegistered for unknown workers
func (s *Supervisor) Unregister(workerID string) error {
	removed := s.dispatcher.Remove(workerID)
	unregistered := s.registry.Unregister(workerID)
	s.classifier.Forget(workerID)

	if !removed && !unregistered {
		return fmt.Errorf("%w: %s", ErrWorkerNotRegistered, workerID)
	}
	s.logger.Info("worker unregistered", "worker", workerID)

	return nil
}

// Beat records a heartbeat for a worker.
func (s *Supervisor) Beat(workerID string, m WorkerMetrics) error {
	return s.registry.Beat(workerID, m)
}

// DeclareHealth records a worker's own view of its health. The classifier
// logs disagreements but always uses the state it computes.
func (s *Supervisor) DeclareHealth(workerID string, state HealthState) error {
	return s.registry.DeclareHealth(workerID, state)
}

// GetHealth returns the latest health status of a worker.
//
// A registered worker that has not been classified yet is reported Healthy.
//
// Returns:
//   - HealthStatus: Latest status
//   - error: ErrWorkerNotRegistered for unknown workers
func (s *Supervisor) GetHealth(workerID string) (HealthStatus, error) {
	if st, ok := s.classifier.Status(workerID); ok {
		return st, nil
	}

	rec, ok := s.registry.Get(workerID)
	if !ok {
		return HealthStatus{}, fmt.Errorf("%w: %s", ErrWorkerNotRegistered, workerID)
	}

	return HealthStatus{
		WorkerID:      workerID,
		State:         HealthHealthy,
		Score:         100,
		LastHeartbeat: rec.LastHeartbeat,
		Since:         rec.RegisteredAt,
		Isolated:      s.dispatcher.IsIsolated(workerID),
	}, nil
}

// Workers returns the health of every classified worker, sorted by ID.
func (s *Supervisor) Workers() []HealthStatus {
	return s.classifier.Statuses()
}

// SystemHealthScore returns the average worker score of the last tick (0-100).
func (s *Supervisor) SystemHealthScore() float64 {
	return s.classifier.SystemScore()
}

// TriggerEmergency stops every worker and halts automatic recovery until
// ClearEmergency.
//
// Returns:
//   - error: Joined stop failures of workers that did not stop in time
func (s *Supervisor) TriggerEmergency(ctx context.Context, reason string) error {
	return s.dispatcher.TriggerEmergency(ctx, reason)
}

// ClearEmergency resumes automatic recovery. Stopped workers are restarted
// by the normal rules once they are classified Dead.
//
// Returns:
//   - bool: false if no emergency was active
func (s *Supervisor) ClearEmergency() bool {
	return s.dispatcher.ClearEmergency()
}

// EmergencyActive reports whether an emergency stop is in effect.
func (s *Supervisor) EmergencyActive() bool {
	return s.dispatcher.EmergencyActive()
}

// ForceRecovery runs a recovery action on a worker immediately, bypassing
// the transition table. The action is not escalated on failure.
//
// Returns:
//   - ActionRecord: Audit record of the action
//   - error: ErrWorkerNotRegistered, ErrEmergencyActive, ErrRecoveryInProgress,
//     ErrUnsupportedCapability, or the action's own error
func (s *Supervisor) ForceRecovery(ctx context.Context, workerID string, action RecoveryAction) (ActionRecord, error) {
	return s.dispatcher.ForceRecovery(ctx, workerID, action)
}

// ActionHistory returns recent recovery actions, oldest first.
func (s *Supervisor) ActionHistory() []ActionRecord {
	return s.dispatcher.ActionHistory()
}

// Isolated returns the IDs of isolated workers, sorted.
func (s *Supervisor) Isolated() []string {
	return s.dispatcher.Isolated()
}

func (s *Supervisor) onEmergencyRequest(ctx context.Context, ev Event) error {
	if ev.Kind != types.EventPut {
		return nil
	}

	reason := fmt.Sprint(ev.Entry.Value)
	s.logger.Warn("emergency stop requested through the store", "reason", reason)

	if err := s.dispatcher.TriggerEmergency(ctx, reason); err != nil {
		s.hooks.Error(ctx, err)
	}

	return nil
}

// historyPruner drops store history older than maxAge on a fixed interval.
type historyPruner struct {
	store    *store.Store
	maxAge   time.Duration
	interval time.Duration
	logger   Logger
}

func (p *historyPruner) Serve(ctx context.Context) error {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if n := p.store.PruneHistory(p.maxAge); n > 0 {
				p.logger.Debug("store history pruned", "records", n, "max_age", p.maxAge)
			}
		}
	}
}

func (p *historyPruner) String() string {
	return "store-history-pruner"
}

func capabilityNames(caps types.Capabilities) []string {
	var names []string
	if caps.Has(types.CapStart) {
		names = append(names, "start")
	}
	if caps.Has(types.CapStop) {
		names = append(names, "stop")
	}
	if caps.Has(types.CapReset) {
		names = append(names, "reset")
	}
	if caps.Has(types.CapDegrade) {
		names = append(names, "degrade")
	}

	return names
}

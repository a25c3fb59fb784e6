package heartbeat

import (
	"fmt"
	"maps"
	"slices"
	"strings"
	"sync"

	"github.com/puzpuzpuz/xsync/v4"

	"github.com/arloliu/vigil/internal/logging"
	"github.com/arloliu/vigil/internal/metrics"
	"github.com/arloliu/vigil/types"
)

// Namespace is the store namespace heartbeat records are mirrored into.
const Namespace = "module_heartbeats"

// StateWriter is the subset of the state store the registry writes to.
type StateWriter interface {
	Put(ns, key string, value any) (uint64, error)
}

// Option configures a Registry.
type Option func(*Registry)

// WithStore mirrors every heartbeat into module_heartbeats/<workerID>.
func WithStore(w StateWriter) Option {
	return func(r *Registry) { r.store = w }
}

// WithClock overrides the registry clock.
func WithClock(clock types.Clock) Option {
	return func(r *Registry) {
		if clock != nil {
			r.clock = clock
		}
	}
}

// WithLogger sets the registry logger.
func WithLogger(logger types.Logger) Option {
	return func(r *Registry) { r.logger = logging.OrNop(logger) }
}

// WithMetrics sets the metrics collector.
func WithMetrics(m types.HeartbeatMetrics) Option {
	return func(r *Registry) {
		if m != nil {
			r.metrics = m
		}
	}
}

// Registry tracks the latest heartbeat of every registered worker.
//
// Each worker has its own lock, so beats from different workers never
// contend. The registry is safe for concurrent use.
type Registry struct {
	workers *xsync.Map[string, *workerEntry]

	store   StateWriter
	clock   types.Clock
	logger  types.Logger
	metrics types.HeartbeatMetrics
}

type workerEntry struct {
	mu  sync.Mutex
	rec types.HeartbeatRecord
}

// NewRegistry creates an empty registry.
func NewRegistry(opts ...Option) *Registry {
	r := &Registry{
		workers: xsync.NewMap[string, *workerEntry](),
		clock:   types.SystemClock{},
		logger:  logging.NewNop(),
		metrics: metrics.NewNop(),
	}
	for _, opt := range opts {
		opt(r)
	}

	return r
}

func validateWorkerID(id string) error {
	if id == "" || strings.ContainsAny(id, " \t\n") {
		return fmt.Errorf("%w: %q", types.ErrInvalidWorkerID, id)
	}

	return nil
}

// Register adds a worker with LastHeartbeat set to now, so a worker that
// never beats ages out exactly like one that stopped beating.
//
// Returns:
//   - error: ErrInvalidWorkerID or ErrWorkerAlreadyRegistered
func (r *Registry) Register(workerID string) error {
	if err := validateWorkerID(workerID); err != nil {
		return err
	}

	now := r.clock.Now()
	entry := &workerEntry{rec: types.HeartbeatRecord{
		WorkerID:      workerID,
		LastHeartbeat: now,
		RegisteredAt:  now,
	}}
	if _, loaded := r.workers.LoadOrStore(workerID, entry); loaded {
		return fmt.Errorf("%w: %s", types.ErrWorkerAlreadyRegistered, workerID)
	}

	entry.mu.Lock()
	r.mirror(entry.rec)
	entry.mu.Unlock()

	return nil
}

// Unregister removes a worker. It reports whether the worker was known.
func (r *Registry) Unregister(workerID string) bool {
	_, ok := r.workers.LoadAndDelete(workerID)
	return ok
}

// Beat records a heartbeat, registering the worker if it is unknown.
//
// LastHeartbeat is set to now, ConsecutiveMisses is reset and the record is
// mirrored into the store when one is configured.
//
// Parameters:
//   - workerID: Beating worker
//   - m: Self-reported metrics for this beat
//
// Returns:
//   - error: ErrInvalidWorkerID for malformed IDs
func (r *Registry) Beat(workerID string, m types.WorkerMetrics) error {
	if err := validateWorkerID(workerID); err != nil {
		r.metrics.RecordHeartbeat(workerID, false)
		return err
	}

	now := r.clock.Now()
	entry, _ := r.workers.LoadOrStore(workerID, &workerEntry{rec: types.HeartbeatRecord{
		WorkerID:     workerID,
		RegisteredAt: now,
	}})

	entry.mu.Lock()
	entry.rec.LastHeartbeat = now
	entry.rec.ConsecutiveMisses = 0
	entry.rec.Beats++
	entry.rec.Metrics = copyMetrics(m)
	r.mirror(entry.rec)
	entry.mu.Unlock()

	r.metrics.RecordHeartbeat(workerID, true)

	return nil
}

// DeclareHealth stores the worker's own view of its health. The value is
// advisory only.
//
// Returns:
//   - error: ErrWorkerNotRegistered for unknown workers
func (r *Registry) DeclareHealth(workerID string, state types.HealthState) error {
	entry, ok := r.workers.Load(workerID)
	if !ok {
		return fmt.Errorf("%w: %s", types.ErrWorkerNotRegistered, workerID)
	}

	entry.mu.Lock()
	entry.rec.DeclaredHealth = &state
	entry.mu.Unlock()

	return nil
}

// RecordMiss increments the worker's consecutive miss counter and returns
// the new value, or 0 for unknown workers.
func (r *Registry) RecordMiss(workerID string) int {
	entry, ok := r.workers.Load(workerID)
	if !ok {
		return 0
	}

	entry.mu.Lock()
	entry.rec.ConsecutiveMisses++
	misses := entry.rec.ConsecutiveMisses
	entry.mu.Unlock()

	r.metrics.RecordHeartbeat(workerID, false)

	return misses
}

// Get returns a copy of one worker's record.
func (r *Registry) Get(workerID string) (types.HeartbeatRecord, bool) {
	entry, ok := r.workers.Load(workerID)
	if !ok {
		return types.HeartbeatRecord{}, false
	}

	entry.mu.Lock()
	defer entry.mu.Unlock()

	return copyRecord(entry.rec), true
}

// Snapshot returns copies of every record sorted by worker ID.
func (r *Registry) Snapshot() []types.HeartbeatRecord {
	out := make([]types.HeartbeatRecord, 0, r.workers.Size())
	r.workers.Range(func(_ string, entry *workerEntry) bool {
		entry.mu.Lock()
		out = append(out, copyRecord(entry.rec))
		entry.mu.Unlock()

		return true
	})

	slices.SortFunc(out, func(a, b types.HeartbeatRecord) int {
		return strings.Compare(a.WorkerID, b.WorkerID)
	})

	return out
}

// Len returns the number of registered workers.
func (r *Registry) Len() int {
	return r.workers.Size()
}

// mirror writes rec to the store. Callers hold the worker's lock so mirrored
// versions follow beat order.
func (r *Registry) mirror(rec types.HeartbeatRecord) {
	if r.store == nil {
		return
	}

	if _, err := r.store.Put(Namespace, rec.WorkerID, copyRecord(rec)); err != nil {
		r.logger.Debug("heartbeat mirror skipped", "worker", rec.WorkerID, "error", err)
	}
}

func copyMetrics(m types.WorkerMetrics) types.WorkerMetrics {
	m.Gauges = maps.Clone(m.Gauges)
	return m
}

func copyRecord(rec types.HeartbeatRecord) types.HeartbeatRecord {
	rec.Metrics = copyMetrics(rec.Metrics)
	if rec.DeclaredHealth != nil {
		declared := *rec.DeclaredHealth
		rec.DeclaredHealth = &declared
	}

	return rec
}

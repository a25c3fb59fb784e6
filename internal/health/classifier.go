package health

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/arloliu/vigil/internal/hooks"
	"github.com/arloliu/vigil/internal/logging"
	"github.com/arloliu/vigil/internal/metrics"
	"github.com/arloliu/vigil/types"
)

// Store keys written by the classifier.
const (
	StatusNamespace = "health_status"
	SystemNamespace = "system_status"
	ReportKey       = "health_report"
)

// HeartbeatSource provides heartbeat records and accepts miss counts.
type HeartbeatSource interface {
	Snapshot() []types.HeartbeatRecord
	RecordMiss(workerID string) int
}

// StateWriter is the subset of the state store the classifier writes to.
type StateWriter interface {
	Put(ns, key string, value any) (uint64, error)
}

// Report is the system-wide health summary written every tick.
type Report struct {
	At          time.Time            `json:"at"`
	SystemScore float64              `json:"system_score"`
	Workers     []types.HealthStatus `json:"workers"`
}

// Option configures a Classifier.
type Option func(*Classifier)

// WithStore records per-worker status and the health report in the store.
func WithStore(w StateWriter) Option {
	return func(c *Classifier) { c.store = w }
}

// WithClock overrides the classifier clock.
func WithClock(clock types.Clock) Option {
	return func(c *Classifier) {
		if clock != nil {
			c.clock = clock
		}
	}
}

// WithLogger sets the classifier logger.
func WithLogger(logger types.Logger) Option {
	return func(c *Classifier) { c.logger = logging.OrNop(logger) }
}

// WithMetrics sets the metrics collector.
func WithMetrics(m types.MetricsCollector) Option {
	return func(c *Classifier) {
		if m != nil {
			c.metrics = m
		}
	}
}

// WithHooks reports transitions through user hooks.
func WithHooks(r *hooks.Runner) Option {
	return func(c *Classifier) { c.hooks = r }
}

// WithIsolation skips workers for which isolated returns true.
// The function is called with the classifier lock held and must not block.
func WithIsolation(isolated func(workerID string) bool) Option {
	return func(c *Classifier) {
		if isolated != nil {
			c.isolated = isolated
		}
	}
}

// Classifier turns heartbeat records into health states.
//
// It runs on a fixed tick (see Serve) and emits edge-triggered transitions
// on a bounded channel. A full channel drops the transition; a Dead worker
// is re-emitted periodically so a dropped Dead is repaired. The computed
// state is authoritative: a worker's declared health is logged when it
// disagrees but never used.
type Classifier struct {
	cfg     Config
	source  HeartbeatSource
	store   StateWriter
	clock   types.Clock
	logger  types.Logger
	metrics types.MetricsCollector
	hooks   *hooks.Runner

	isolated func(workerID string) bool
	out      chan types.HealthTransition

	mu          sync.RWMutex
	workers     map[string]*workerState
	systemScore float64
}

type workerState struct {
	state         types.HealthState
	flags         types.HealthFlags
	since         time.Time
	score         float64
	lastHeartbeat time.Time
	misses        int

	slowTicks    int
	lastBeats    uint64
	memory       []float64
	lastDeadEmit time.Time
	deadLatched  bool
	releaseAfter uint64 // beat count that must be exceeded to release the Dead latch
	releasing    bool
	declared     *types.HealthState // last logged disagreement
}

// NewClassifier creates a classifier reading from source.
//
// Parameters:
//   - cfg: Thresholds; zero fields take defaults
//   - source: Heartbeat registry
//   - opts: Optional store, clock, logger, metrics, hooks and isolation check
//
// Returns:
//   - *Classifier: Classifier ready to Serve or Tick
func NewClassifier(cfg Config, source HeartbeatSource, opts ...Option) *Classifier {
	cfg.setDefaults()

	c := &Classifier{
		cfg:         cfg,
		source:      source,
		clock:       types.SystemClock{},
		logger:      logging.NewNop(),
		metrics:     metrics.NewNop(),
		isolated:    func(string) bool { return false },
		out:         make(chan types.HealthTransition, cfg.QueueSize),
		workers:     make(map[string]*workerState),
		systemScore: 100,
	}
	for _, opt := range opts {
		opt(c)
	}

	return c
}

// Transitions returns the channel transitions are emitted on.
func (c *Classifier) Transitions() <-chan types.HealthTransition {
	return c.out
}

// Serve runs the classification loop until ctx is cancelled.
// It implements suture.Service.
func (c *Classifier) Serve(ctx context.Context) error {
	ticker := time.NewTicker(c.cfg.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			c.Tick(ctx)
		}
	}
}

// String names the service in supervision logs.
func (c *Classifier) String() string {
	return "health-classifier"
}

// Tick classifies every worker once and returns the transitions it produced,
// including any that were dropped because the channel was full.
func (c *Classifier) Tick(ctx context.Context) []types.HealthTransition {
	start := time.Now()
	now := c.clock.Now()
	records := c.source.Snapshot()

	var emitted []types.HealthTransition
	var changed []types.HealthStatus

	c.mu.Lock()
	seen := make(map[string]struct{}, len(records))
	scores := make([]float64, 0, len(records))
	for _, rec := range records {
		seen[rec.WorkerID] = struct{}{}
		if c.isolated(rec.WorkerID) {
			continue
		}

		tr, statusChanged := c.classify(now, rec)
		if tr != nil {
			emitted = append(emitted, *tr)
		}
		ws := c.workers[rec.WorkerID]
		scores = append(scores, ws.score)
		if statusChanged {
			changed = append(changed, ws.status(rec.WorkerID, false))
		}
		c.metrics.RecordHealthScore(rec.WorkerID, ws.score)
	}
	for id := range c.workers {
		if _, ok := seen[id]; !ok {
			delete(c.workers, id)
		}
	}
	c.systemScore = SystemScore(scores)
	systemScore := c.systemScore
	c.mu.Unlock()

	for _, tr := range emitted {
		c.emit(ctx, tr)
	}
	for _, st := range changed {
		c.put(StatusNamespace, st.WorkerID, st)
	}
	c.put(SystemNamespace, ReportKey, Report{At: now, SystemScore: systemScore, Workers: c.Statuses()})

	c.metrics.RecordSystemHealthScore(systemScore)
	c.metrics.RecordClassifierTick(time.Since(start).Seconds())

	return emitted
}

// classify updates one worker's state. Callers hold c.mu.
func (c *Classifier) classify(now time.Time, rec types.HeartbeatRecord) (*types.HealthTransition, bool) {
	ws, ok := c.workers[rec.WorkerID]
	if !ok {
		ws = &workerState{state: types.HealthHealthy, since: now}
		c.workers[rec.WorkerID] = ws
	}

	age := now.Sub(rec.LastHeartbeat)
	misses := rec.ConsecutiveMisses
	if age > c.cfg.FrozenTimeout {
		misses = c.source.RecordMiss(rec.WorkerID)
	}

	if rec.Beats != ws.lastBeats {
		ws.lastBeats = rec.Beats
		c.sampleMemory(ws, rec.Metrics.MemoryMB)
	}
	if rec.Metrics.ProcessingTime > c.cfg.DegradedThreshold && age <= c.cfg.FrozenTimeout {
		ws.slowTicks++
	} else {
		ws.slowTicks = 0
	}

	computed, reason := c.compute(age, rec, ws)
	flags := c.computeFlags(rec, ws)

	ws.lastHeartbeat = rec.LastHeartbeat
	ws.misses = misses
	ws.score = Score(age, rec, misses, c.cfg.HeartbeatWarnAge, c.cfg.TargetProcessingTime)
	if computed == types.HealthDead {
		ws.score = 0
	}

	c.checkDeclared(rec, ws, computed)

	prevState, prevFlags := ws.state, ws.flags
	flagsChanged := flags != prevFlags
	ws.flags = flags

	tr := &types.HealthTransition{
		WorkerID:     rec.WorkerID,
		From:         prevState,
		To:           computed,
		Flags:        flags,
		FlagsChanged: flagsChanged,
		Reason:       reason,
		At:           now,
	}

	switch {
	case computed != prevState:
		ws.state = computed
		ws.since = now
		if computed == types.HealthDead {
			ws.lastDeadEmit = now
			ws.deadLatched = true
			ws.releasing = false
		}
		c.metrics.RecordHealthTransition(rec.WorkerID, prevState, computed)
		c.logger.Info("worker health changed",
			"worker", rec.WorkerID, "from", prevState.String(), "to", computed.String(),
			"reason", reason, "score", ws.score)

		return tr, true

	case computed == types.HealthDead && now.Sub(ws.lastDeadEmit) >= c.cfg.DeadReemitInterval:
		ws.lastDeadEmit = now
		tr.Reemit = true

		return tr, flagsChanged

	case flagsChanged:
		c.logger.Info("worker health flags changed",
			"worker", rec.WorkerID, "state", computed.String(),
			"from", prevFlags.String(), "to", flags.String())

		return tr, true
	}

	return nil, false
}

// compute returns the worst applicable state. Dead is sticky until MarkRecovered.
func (c *Classifier) compute(age time.Duration, rec types.HeartbeatRecord, ws *workerState) (types.HealthState, string) {
	if ws.state == types.HealthDead && ws.deadLatched {
		if !ws.releasing || rec.Beats <= ws.releaseAfter {
			return types.HealthDead, "awaiting restart"
		}
		ws.deadLatched = false
		ws.releasing = false
	}

	switch {
	case age > c.cfg.DeadTimeout:
		return types.HealthDead, fmt.Sprintf("no heartbeat for %s", age.Round(time.Millisecond))
	case age > c.cfg.FrozenTimeout:
		return types.HealthFrozen, fmt.Sprintf("no heartbeat for %s", age.Round(time.Millisecond))
	case ws.slowTicks >= c.cfg.DegradeAfterTicks:
		return types.HealthDegraded, fmt.Sprintf("processing time %s exceeds %s",
			rec.Metrics.ProcessingTime, c.cfg.DegradedThreshold)
	default:
		return types.HealthHealthy, ""
	}
}

func (c *Classifier) computeFlags(rec types.HeartbeatRecord, ws *workerState) types.HealthFlags {
	var flags types.HealthFlags
	if c.cfg.OverloadLimit > 0 && rec.Metrics.QueueSize > c.cfg.OverloadLimit {
		flags |= types.FlagOverloaded
	}
	if c.memoryLeakSuspected(ws) {
		flags |= types.FlagMemoryLeakSuspected
	}

	return flags
}

func (c *Classifier) sampleMemory(ws *workerState, mb float64) {
	if c.cfg.MemoryWindow < 2 {
		return
	}

	ws.memory = append(ws.memory, mb)
	if len(ws.memory) > c.cfg.MemoryWindow {
		ws.memory = ws.memory[len(ws.memory)-c.cfg.MemoryWindow:]
	}
}

func (c *Classifier) memoryLeakSuspected(ws *workerState) bool {
	if c.cfg.MemoryWindow < 2 || len(ws.memory) < c.cfg.MemoryWindow {
		return false
	}
	for i := 1; i < len(ws.memory); i++ {
		if ws.memory[i] <= ws.memory[i-1] {
			return false
		}
	}

	return true
}

// checkDeclared logs a worker's declared health when it disagrees with the
// computed state, once per distinct declared value.
func (c *Classifier) checkDeclared(rec types.HeartbeatRecord, ws *workerState, computed types.HealthState) {
	if rec.DeclaredHealth == nil || *rec.DeclaredHealth == computed {
		ws.declared = nil
		return
	}
	if ws.declared != nil && *ws.declared == *rec.DeclaredHealth {
		return
	}

	declared := *rec.DeclaredHealth
	ws.declared = &declared
	c.logger.Info("declared health disagrees with observed health",
		"worker", rec.WorkerID, "declared", declared.String(), "observed", computed.String())
}

func (c *Classifier) emit(ctx context.Context, tr types.HealthTransition) {
	if c.hooks != nil {
		c.hooks.HealthChanged(ctx, tr)
	}

	select {
	case c.out <- tr:
	default:
		c.metrics.RecordTransitionDropped()
		c.logger.Warn("health transition dropped, queue full",
			"worker", tr.WorkerID, "from", tr.From.String(), "to", tr.To.String())
	}
}

func (c *Classifier) put(ns, key string, value any) {
	if c.store == nil {
		return
	}
	if _, err := c.store.Put(ns, key, value); err != nil {
		c.logger.Debug("health status not recorded", "namespace", ns, "key", key, "error", err)
	}
}

func (ws *workerState) status(workerID string, isolated bool) types.HealthStatus {
	return types.HealthStatus{
		WorkerID:          workerID,
		State:             ws.state,
		Flags:             ws.flags,
		Score:             ws.score,
		LastHeartbeat:     ws.lastHeartbeat,
		ConsecutiveMisses: ws.misses,
		Since:             ws.since,
		Isolated:          isolated,
	}
}

// Status returns the latest classification of a worker.
func (c *Classifier) Status(workerID string) (types.HealthStatus, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	ws, ok := c.workers[workerID]
	if !ok {
		return types.HealthStatus{}, false
	}

	return ws.status(workerID, c.isolated(workerID)), true
}

// Statuses returns every classified worker sorted by ID.
func (c *Classifier) Statuses() []types.HealthStatus {
	c.mu.RLock()
	out := make([]types.HealthStatus, 0, len(c.workers))
	for id, ws := range c.workers {
		out = append(out, ws.status(id, c.isolated(id)))
	}
	c.mu.RUnlock()

	slices.SortFunc(out, func(a, b types.HealthStatus) int {
		return strings.Compare(a.WorkerID, b.WorkerID)
	})

	return out
}

// SystemScore returns the average score computed on the last tick.
func (c *Classifier) SystemScore() float64 {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return c.systemScore
}

// MarkRecovered releases the Dead latch after a successful restart.
//
// The worker stays Dead until a heartbeat newer than the last classified one
// arrives; that beat is then classified normally, emitting the transition
// back to Healthy. A worker that never beats again stays Dead and keeps
// being re-emitted.
func (c *Classifier) MarkRecovered(workerID string) {
	c.mu.Lock()
	if ws, ok := c.workers[workerID]; ok {
		ws.releasing = true
		ws.releaseAfter = ws.lastBeats
		ws.slowTicks = 0
		ws.memory = nil
	}
	c.mu.Unlock()
}

// Forget drops a worker's classification state.
func (c *Classifier) Forget(workerID string) {
	c.mu.Lock()
	delete(c.workers, workerID)
	c.mu.Unlock()
}

// MarkDead forces a worker to Dead without waiting for its heartbeat to age
// out. It is used for workers that did not acknowledge a stop. The latch is
// set as if the timeout had fired, so only MarkRecovered and a fresh
// heartbeat bring the worker back.
func (c *Classifier) MarkDead(workerID, reason string) {
	now := c.clock.Now()

	c.mu.Lock()
	ws, ok := c.workers[workerID]
	if !ok {
		ws = &workerState{state: types.HealthHealthy, since: now}
		c.workers[workerID] = ws
	}
	prev := ws.state
	if prev != types.HealthDead {
		ws.state = types.HealthDead
		ws.since = now
	}
	ws.score = 0
	ws.lastDeadEmit = now
	ws.deadLatched = true
	ws.releasing = false
	st := ws.status(workerID, c.isolated(workerID))
	c.mu.Unlock()

	if prev != types.HealthDead {
		c.metrics.RecordHealthTransition(workerID, prev, types.HealthDead)
		c.logger.Warn("worker marked dead", "worker", workerID, "from", prev.String(), "reason", reason)
	}
	c.put(StatusNamespace, workerID, st)
}

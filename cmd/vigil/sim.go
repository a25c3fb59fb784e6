package main

import (
	"context"
	"errors"
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"time"

	"github.com/arloliu/vigil"
	"github.com/arloliu/vigil/heartbeat"
)

// simWorker is a stand-in for a real module. It beats through a
// heartbeat.Publisher, writes a cycle counter into sensor_state and reacts
// to the control hooks the supervisor calls.
type simWorker struct {
	id       string
	sup      *vigil.Supervisor
	interval time.Duration
	base     time.Duration
	logger   vigil.Logger

	// runCtx outlives individual hook calls; the publisher loop uses it.
	runCtx context.Context

	mu  sync.Mutex
	pub *heartbeat.Publisher

	level  atomic.Int64
	slow   atomic.Bool
	cycles atomic.Uint64
}

func newSimWorker(runCtx context.Context, id string, sup *vigil.Supervisor, interval time.Duration, logger vigil.Logger) *simWorker {
	return &simWorker{
		id:       id,
		sup:      sup,
		interval: interval,
		base:     2 * time.Millisecond,
		logger:   logger,
		runCtx:   runCtx,
	}
}

func (w *simWorker) ID() string {
	return w.id
}

func (w *simWorker) Start(_ context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.pub != nil && w.pub.IsStarted() {
		return nil
	}

	w.pub = heartbeat.NewPublisher(w.sup, w.id, w.interval, w.sample)
	w.pub.SetLogger(w.logger)
	if err := w.pub.Start(w.runCtx); err != nil {
		return err
	}
	w.logger.Info("worker started", "worker", w.id)

	return nil
}

func (w *simWorker) Stop(_ context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.pub == nil {
		return nil
	}
	if err := w.pub.Stop(); err != nil && !errors.Is(err, heartbeat.ErrNotStarted) {
		return err
	}
	w.logger.Info("worker stopped", "worker", w.id)

	return nil
}

func (w *simWorker) ResetState(_ context.Context) error {
	w.slow.Store(false)
	w.cycles.Store(0)
	w.logger.Info("worker state reset", "worker", w.id)

	return nil
}

func (w *simWorker) Degrade(_ context.Context, level int) error {
	w.level.Store(int64(level))
	w.logger.Info("worker degraded", "worker", w.id, "level", level)

	return nil
}

// hang stops beating without telling the supervisor.
func (w *simWorker) hang() {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.pub != nil {
		_ = w.pub.Stop()
	}
	w.logger.Warn("worker hung", "worker", w.id)
}

// slowDown makes every cycle exceed the degraded threshold until reset.
func (w *simWorker) slowDown() {
	w.slow.Store(true)
	w.logger.Warn("worker slowed down", "worker", w.id)
}

func (w *simWorker) sample() vigil.WorkerMetrics {
	cycle := w.cycles.Add(1)

	processing := w.base + rand.N(time.Millisecond) //nolint:gosec // jitter only
	if w.slow.Load() {
		processing = 90 * time.Millisecond / time.Duration(w.level.Load()+1)
	}

	if _, err := w.sup.Store().Put("sensor_state", w.id, cycle); err != nil && !errors.Is(err, vigil.ErrStoreClosed) {
		w.logger.Warn("state write failed", "worker", w.id, "error", err)
	}

	return vigil.WorkerMetrics{
		ProcessingTime: processing,
		QueueSize:      int(cycle % 8),
		MemoryMB:       64,
	}
}

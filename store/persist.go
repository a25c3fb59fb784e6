package store

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sony/gobreaker/v2"

	"github.com/arloliu/vigil/types"
)

// Backend is a durable byte store used for write-behind persistence.
//
// Implementations keep only the latest value per (namespace, key). They must
// be safe for use from a single background goroutine plus Close.
type Backend interface {
	// Put stores data under (namespace, key), replacing any previous value.
	Put(ctx context.Context, namespace, key string, data []byte) error

	// Delete removes (namespace, key). Deleting a missing key is not an error.
	Delete(ctx context.Context, namespace, key string) error

	// Scan calls fn for every stored value.
	Scan(ctx context.Context, fn func(namespace, key string, data []byte) error) error

	// Close releases backend resources.
	Close() error
}

// PersistConfig tunes write-behind persistence.
type PersistConfig struct {
	// FlushInterval bounds how long a write waits before it is persisted.
	FlushInterval time.Duration

	// OperationTimeout is the time budget of a single backend call.
	OperationTimeout time.Duration

	// BreakerFailures is the number of consecutive backend failures that opens the circuit.
	BreakerFailures uint32

	// BreakerCooldown is how long the circuit stays open before a probe is allowed.
	BreakerCooldown time.Duration
}

// DefaultPersistConfig returns the default write-behind tuning.
func DefaultPersistConfig() PersistConfig {
	return PersistConfig{
		FlushInterval:    100 * time.Millisecond,
		OperationTimeout: 2 * time.Second,
		BreakerFailures:  5,
		BreakerCooldown:  5 * time.Second,
	}
}

func (c *PersistConfig) setDefaults() {
	d := DefaultPersistConfig()
	if c.FlushInterval <= 0 {
		c.FlushInterval = d.FlushInterval
	}
	if c.OperationTimeout <= 0 {
		c.OperationTimeout = d.OperationTimeout
	}
	if c.BreakerFailures == 0 {
		c.BreakerFailures = d.BreakerFailures
	}
	if c.BreakerCooldown <= 0 {
		c.BreakerCooldown = d.BreakerCooldown
	}
}

type persistKey struct {
	namespace string
	key       string
}

type persistOp struct {
	entry  types.Entry
	delete bool
}

// persister coalesces writes per key and flushes them to the backend from a
// single goroutine. Only the newest pending version of a key is written.
type persister struct {
	backend Backend
	cfg     PersistConfig
	breaker *gobreaker.CircuitBreaker[struct{}]
	logger  types.Logger
	metrics types.StoreMetrics
	clock   types.Clock

	mu      sync.Mutex
	pending map[persistKey]persistOp

	signal chan struct{}
	stopCh chan struct{}
	doneCh chan struct{}
}

func newPersister(backend Backend, cfg PersistConfig, logger types.Logger, metrics types.StoreMetrics, clock types.Clock) *persister {
	cfg.setDefaults()

	p := &persister{
		backend: backend,
		cfg:     cfg,
		logger:  logger,
		metrics: metrics,
		clock:   clock,
		pending: make(map[persistKey]persistOp),
		signal:  make(chan struct{}, 1),
		stopCh:  make(chan struct{}),
		doneCh:  make(chan struct{}),
	}

	p.breaker = gobreaker.NewCircuitBreaker[struct{}](gobreaker.Settings{
		Name:    "store-backend",
		Timeout: cfg.BreakerCooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.BreakerFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("persistence circuit breaker state changed",
				"breaker", name, "from", from.String(), "to", to.String())
		},
	})

	return p
}

// enqueue schedules op for the next flush. A pending op with a higher
// version is kept; at equal versions the later op (a delete following its
// put) wins.
func (p *persister) enqueue(op persistOp) {
	k := persistKey{op.entry.Namespace, op.entry.Key}

	p.mu.Lock()
	if cur, ok := p.pending[k]; !ok || cur.entry.Version <= op.entry.Version {
		p.pending[k] = op
	}
	backlog := len(p.pending)
	p.mu.Unlock()

	p.metrics.RecordPersistBacklog(backlog)

	select {
	case p.signal <- struct{}{}:
	default:
	}
}

func (p *persister) backlog() int {
	p.mu.Lock()
	defer p.mu.Unlock()

	return len(p.pending)
}

func (p *persister) start() {
	go p.loop()
}

func (p *persister) loop() {
	defer close(p.doneCh)

	ticker := time.NewTicker(p.cfg.FlushInterval)
	defer ticker.Stop()

	dirty := false
	for {
		select {
		case <-p.stopCh:
			return
		case <-p.signal:
			dirty = true
		case <-ticker.C:
			if dirty || p.backlog() > 0 {
				dirty = false
				p.flush(context.Background())
			}
		}
	}
}

// flush writes every pending operation once. Failed operations are requeued
// unless a newer operation for the same key arrived meanwhile.
func (p *persister) flush(ctx context.Context) int {
	p.mu.Lock()
	batch := p.pending
	p.pending = make(map[persistKey]persistOp, len(batch))
	p.mu.Unlock()

	failed := 0
	for k, op := range batch {
		if err := p.apply(ctx, op); err != nil {
			failed++
			p.requeue(k, op)
			if !errors.Is(err, types.ErrBackendUnavailable) {
				p.logger.Warn("persist failed",
					"namespace", k.namespace, "key", k.key, "version", op.entry.Version, "error", err)
			}
		}
	}
	p.metrics.RecordPersistBacklog(p.backlog())

	return failed
}

func (p *persister) requeue(k persistKey, op persistOp) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if newer, ok := p.pending[k]; ok && newer.entry.Version >= op.entry.Version {
		return
	}
	p.pending[k] = op
}

func (p *persister) apply(ctx context.Context, op persistOp) error {
	opName := "save"
	if op.delete {
		opName = "delete"
	}

	var data []byte
	if !op.delete {
		rec, err := NewRecord(op.entry)
		if err != nil {
			// not retryable
			p.logger.Error("dropping unencodable entry", "namespace", op.entry.Namespace, "key", op.entry.Key, "error", err)
			return nil
		}
		if data, err = rec.Encode(); err != nil {
			p.logger.Error("dropping unencodable record", "namespace", op.entry.Namespace, "key", op.entry.Key, "error", err)
			return nil
		}
	}

	start := p.clock.Now()
	_, err := p.breaker.Execute(func() (struct{}, error) {
		opCtx, cancel := context.WithTimeout(ctx, p.cfg.OperationTimeout)
		defer cancel()

		if op.delete {
			return struct{}{}, p.backend.Delete(opCtx, op.entry.Namespace, op.entry.Key)
		}

		return struct{}{}, p.backend.Put(opCtx, op.entry.Namespace, op.entry.Key, data)
	})
	p.metrics.RecordPersistOperation(opName, p.clock.Now().Sub(start).Seconds(), err == nil)

	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return fmt.Errorf("%w: %w", types.ErrBackendUnavailable, err)
	}

	return err
}

// close stops the loop, makes a final flush attempt and closes the backend.
func (p *persister) close(ctx context.Context) error {
	close(p.stopCh)
	<-p.doneCh

	var errs []error
	if failed := p.flush(ctx); failed > 0 {
		errs = append(errs, fmt.Errorf("%d records not persisted on close", failed))
	}
	if err := p.backend.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close backend: %w", err))
	}

	return errors.Join(errs...)
}

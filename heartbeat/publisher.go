package heartbeat

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/arloliu/vigil/internal/logging"
	"github.com/arloliu/vigil/types"
)

// Common errors for publisher operations.
var (
	ErrNotStarted     = errors.New("publisher not started")
	ErrAlreadyStarted = errors.New("publisher already started")
	ErrNoWorkerID     = errors.New("worker ID not set")
)

// Beater receives heartbeats. Both *Registry and *vigil.Supervisor satisfy it.
type Beater interface {
	Beat(workerID string, m types.WorkerMetrics) error
}

// MetricsFunc samples the worker's metrics for the next beat.
type MetricsFunc func() types.WorkerMetrics

// Publisher beats on behalf of a worker at a fixed interval.
//
// Workers whose main loop cannot call Beat directly (blocking I/O, external
// libraries) run a Publisher next to it. The publisher keeps beating as long
// as its goroutine runs, so MetricsFunc should report the loop's real state,
// e.g. the duration of the last processing cycle.
type Publisher struct {
	target   Beater
	workerID string
	interval time.Duration
	sample   MetricsFunc
	logger   types.Logger

	mu      sync.Mutex
	started bool
	stopCh  chan struct{}
	doneCh  chan struct{}
	ticker  *time.Ticker
}

// NewPublisher creates a heartbeat publisher.
//
// Parameters:
//   - target: Registry or supervisor receiving the beats
//   - workerID: Worker the beats are attributed to
//   - interval: Beat interval; must be well below the frozen timeout
//   - sample: Metrics source (nil sends empty metrics)
//
// Returns:
//   - *Publisher: New publisher instance
//
// Example:
//
//	pub := heartbeat.NewPublisher(sup, "planner", 500*time.Millisecond, func() types.WorkerMetrics {
//	    return types.WorkerMetrics{ProcessingTime: planner.LastCycle()}
//	})
//	if err := pub.Start(ctx); err != nil {
//	    return err
//	}
//	defer pub.Stop()
func NewPublisher(target Beater, workerID string, interval time.Duration, sample MetricsFunc) *Publisher {
	if sample == nil {
		sample = func() types.WorkerMetrics { return types.WorkerMetrics{} }
	}

	return &Publisher{
		target:   target,
		workerID: workerID,
		interval: interval,
		sample:   sample,
		logger:   logging.NewNop(),
	}
}

// SetLogger sets the logger used for failed beats. Must be called before Start.
func (p *Publisher) SetLogger(logger types.Logger) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.logger = logging.OrNop(logger)
}

// Start sends the first beat immediately, then one per interval until Stop.
//
// Returns:
//   - error: ErrAlreadyStarted, ErrNoWorkerID, or the first beat's error
func (p *Publisher) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.started {
		return ErrAlreadyStarted
	}
	if p.workerID == "" {
		return ErrNoWorkerID
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	if err := p.target.Beat(p.workerID, p.sample()); err != nil {
		return fmt.Errorf("failed to publish initial heartbeat: %w", err)
	}

	p.started = true
	p.stopCh = make(chan struct{})
	p.doneCh = make(chan struct{})
	p.ticker = time.NewTicker(p.interval)

	go p.publishLoop(ctx, p.ticker, p.stopCh, p.doneCh)

	return nil
}

// Stop stops publishing and waits for the loop to exit. The worker then ages
// out through the normal frozen and dead timeouts.
//
// Returns:
//   - error: ErrNotStarted if not running
func (p *Publisher) Stop() error {
	p.mu.Lock()
	if !p.started {
		p.mu.Unlock()
		return ErrNotStarted
	}

	p.ticker.Stop()
	close(p.stopCh)
	p.started = false
	doneCh := p.doneCh
	p.mu.Unlock()

	<-doneCh

	return nil
}

func (p *Publisher) publishLoop(ctx context.Context, ticker *time.Ticker, stopCh, doneCh chan struct{}) {
	defer close(doneCh)

	for {
		select {
		case <-stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := p.target.Beat(p.workerID, p.sample()); err != nil {
				p.mu.Lock()
				logger := p.logger
				p.mu.Unlock()
				logger.Warn("heartbeat failed", "worker", p.workerID, "error", err)
			}
		}
	}
}

// WorkerID returns the worker the publisher beats for.
func (p *Publisher) WorkerID() string {
	return p.workerID
}

// IsStarted reports whether the publisher is running.
func (p *Publisher) IsStarted() bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.started
}

package store

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/arloliu/vigil/types"
)

// Subscription is a handle to a registered change callback.
//
// Events are buffered in a bounded queue owned by the subscription. When the
// queue is full the oldest pending event is discarded and counted as dropped;
// writers never wait for a subscriber.
type Subscription struct {
	id        uint64
	namespace string
	pattern   keyPattern
	fn        types.NotifyFunc
	store     *Store

	mu     sync.Mutex
	buf    []types.Event
	head   int
	size   int
	closed bool // no more events accepted

	signal chan struct{}
	stopCh chan struct{}
	doneCh chan struct{}
	once   sync.Once

	dropped   atomic.Uint64
	delivered atomic.Uint64
	failures  atomic.Uint64
}

func newSubscription(id uint64, ns string, pattern keyPattern, fn types.NotifyFunc, queueSize int, st *Store) *Subscription {
	return &Subscription{
		id:        id,
		namespace: ns,
		pattern:   pattern,
		fn:        fn,
		store:     st,
		buf:       make([]types.Event, queueSize),
		signal:    make(chan struct{}, 1),
		stopCh:    make(chan struct{}),
		doneCh:    make(chan struct{}),
	}
}

// Namespace returns the subscribed namespace, or AllNamespaces.
func (s *Subscription) Namespace() string { return s.namespace }

// Pattern returns the subscribed key pattern.
func (s *Subscription) Pattern() string { return s.pattern.raw }

// Dropped returns the number of events discarded because the queue was full.
func (s *Subscription) Dropped() uint64 { return s.dropped.Load() }

// Delivered returns the number of events handed to the callback without failure.
func (s *Subscription) Delivered() uint64 { return s.delivered.Load() }

// Failures returns the number of callback invocations that panicked or returned an error.
func (s *Subscription) Failures() uint64 { return s.failures.Load() }

// Unsubscribe stops delivery to the callback.
//
// Pending events are discarded. An event already handed to the callback runs
// to completion; no further event is started after Unsubscribe returns.
// Unsubscribe does not wait for the in-flight callback, so it is safe to call
// from inside the callback itself. Calling it more than once is a no-op.
func (s *Subscription) Unsubscribe() {
	s.store.subs.Delete(s.id)

	s.mu.Lock()
	s.closed = true
	s.size = 0
	clear(s.buf)
	s.mu.Unlock()

	s.once.Do(func() { close(s.stopCh) })
}

func (s *Subscription) matches(ns, key string) bool {
	if s.namespace != AllNamespaces && s.namespace != ns {
		return false
	}

	return s.pattern.match(key)
}

// enqueue appends ev without blocking, evicting the oldest event when full.
func (s *Subscription) enqueue(ev types.Event) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}

	evicted := false
	if s.size == len(s.buf) {
		s.buf[s.head] = types.Event{}
		s.head = (s.head + 1) % len(s.buf)
		s.size--
		evicted = true
	}
	s.buf[(s.head+s.size)%len(s.buf)] = ev
	s.size++
	s.mu.Unlock()

	if evicted {
		s.dropped.Add(1)
		s.store.droppedTotal.Add(1)
		s.store.metrics.RecordNotificationDropped(ev.Entry.Namespace)
	}

	select {
	case s.signal <- struct{}{}:
	default:
	}
}

// next pops the oldest pending event. done is true when the loop should exit.
func (s *Subscription) next() (ev types.Event, ok bool, done bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.size == 0 {
		return types.Event{}, false, s.closed
	}

	ev = s.buf[s.head]
	s.buf[s.head] = types.Event{}
	s.head = (s.head + 1) % len(s.buf)
	s.size--

	return ev, true, false
}

// drain stops accepting events and lets the loop deliver what is queued.
func (s *Subscription) drain() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()

	select {
	case s.signal <- struct{}{}:
	default:
	}
}

func (s *Subscription) run(ctx context.Context) {
	defer close(s.doneCh)

	for {
		ev, ok, done := s.next()
		if done {
			return
		}
		if ok {
			s.deliver(ctx, ev)
			continue
		}

		select {
		case <-s.signal:
		case <-s.stopCh:
			return
		case <-ctx.Done():
			return
		}
	}
}

func (s *Subscription) deliver(ctx context.Context, ev types.Event) {
	defer func() {
		if r := recover(); r != nil {
			s.fail(ev, fmt.Errorf("%w: callback panicked: %v", types.ErrDispatchFailure, r))
		}
	}()

	if err := s.fn(ctx, ev); err != nil {
		s.fail(ev, fmt.Errorf("%w: %w", types.ErrDispatchFailure, err))
		return
	}

	s.delivered.Add(1)
	s.store.metrics.RecordNotificationDelivered(ev.Entry.Namespace)
}

func (s *Subscription) fail(ev types.Event, err error) {
	s.failures.Add(1)
	s.store.failureTotal.Add(1)
	s.store.metrics.RecordDispatchFailure(ev.Entry.Namespace)
	s.store.failureLog.Do(func() {
		s.store.logger.Warn("subscriber callback failed",
			"namespace", ev.Entry.Namespace,
			"key", ev.Entry.Key,
			"version", ev.Entry.Version,
			"pattern", s.pattern.raw,
			"error", err,
		)
	})
}

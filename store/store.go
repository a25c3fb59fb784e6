package store

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/puzpuzpuz/xsync/v4"
	"golang.org/x/time/rate"

	"github.com/arloliu/vigil/types"
)

// Store is a namespaced key-value store with change notifications.
//
// All methods are safe for concurrent use. Each namespace has its own
// read-write lock, so writers to different namespaces never contend. Reads
// return immutable Entry values; callers must not mutate a value after
// passing it to Put.
type Store struct {
	opts options

	namespaces *xsync.Map[string, *namespace]
	subs       *xsync.Map[uint64, *Subscription]
	nextSubID  atomic.Uint64

	logger     types.Logger
	metrics    types.MetricsCollector
	clock      types.Clock
	failureLog *rate.Sometimes

	persister *persister

	ctx    context.Context
	cancel context.CancelFunc
	subMu  sync.Mutex // orders subWG.Go against Close
	subWG  sync.WaitGroup

	closed       atomic.Bool
	closeOnce    sync.Once
	closeErr     error
	droppedTotal atomic.Uint64
	failureTotal atomic.Uint64
}

// New creates an in-memory store.
//
// Parameters:
//   - opts: Optional configuration (logger, metrics, queue size, history limit, namespaces)
//
// Returns:
//   - *Store: Ready-to-use store with the default namespaces created
//
// Example:
//
//	st := store.New(store.WithQueueSize(64))
//	defer st.Close(context.Background())
func New(opts ...Option) *Store {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Store{
		opts:       o,
		namespaces: xsync.NewMap[string, *namespace](),
		subs:       xsync.NewMap[uint64, *Subscription](),
		logger:     o.logger,
		metrics:    o.metrics,
		clock:      o.clock,
		failureLog: &rate.Sometimes{First: 5, Interval: 10 * time.Second},
		ctx:        ctx,
		cancel:     cancel,
	}

	for _, name := range o.namespaces {
		if validateNamespace(name) == nil {
			s.namespace(name)
		}
	}

	return s
}

// Open creates a store backed by a durable Backend.
//
// The latest persisted version of every key is restored before Open returns.
// Records that fail checksum validation are logged and skipped. Subsequent
// writes are persisted in the background; Close flushes what is pending.
//
// Deletes remove the key from the backend, version counter included: a key
// deleted before the restart starts again at version 1 when it is re-created.
//
// Parameters:
//   - ctx: Context for the restore scan
//   - backend: Durable backend (see the natskv and badgerdb subpackages)
//   - opts: Optional configuration
//
// Returns:
//   - *Store: Store with restored state
//   - error: Backend scan error
func Open(ctx context.Context, backend Backend, opts ...Option) (*Store, error) {
	if backend == nil {
		return nil, errors.New("store: nil backend")
	}

	s := New(opts...)
	if err := s.restore(ctx, backend); err != nil {
		s.cancel()
		return nil, err
	}

	s.persister = newPersister(backend, s.opts.persist, s.logger, s.metrics, s.clock)
	s.persister.start()

	return s, nil
}

func (s *Store) restore(ctx context.Context, backend Backend) error {
	restored, discarded := 0, 0
	err := backend.Scan(ctx, func(ns, key string, data []byte) error {
		rec, err := DecodeRecord(data)
		if err != nil || rec.Namespace != ns || rec.Key != key {
			discarded++
			s.logger.Warn("discarding invalid persisted record", "namespace", ns, "key", key, "error", err)

			return nil
		}

		n := s.namespace(rec.Namespace)
		n.mu.Lock()
		if rec.Version > n.versions[rec.Key] {
			n.entries[rec.Key] = rec.Entry()
			n.versions[rec.Key] = rec.Version
		}
		n.mu.Unlock()
		restored++

		return nil
	})
	if err != nil {
		return fmt.Errorf("restore from backend: %w", err)
	}

	s.logger.Info("store restored", "entries", restored, "discarded", discarded)

	return nil
}

// namespace returns the named namespace, creating it on first use.
func (s *Store) namespace(name string) *namespace {
	if n, ok := s.namespaces.Load(name); ok {
		return n
	}
	n, _ := s.namespaces.LoadOrStore(name, newNamespace(name, s.opts.historyLimit))

	return n
}

// Put stores value under (ns, key) and notifies matching subscribers.
//
// The key's version is incremented (starting at 1) and UpdatedAt is set. Put
// never waits for subscribers: events are queued per subscriber.
//
// Parameters:
//   - ns: Namespace name
//   - key: Key within the namespace
//   - value: Value to store; treat as immutable after the call
//
// Returns:
//   - uint64: The new version of the key
//   - error: ErrStoreClosed after Close, ErrInvalidNamespace or ErrInvalidKey for bad names
func (s *Store) Put(ns, key string, value any) (uint64, error) {
	if s.closed.Load() {
		return 0, types.ErrStoreClosed
	}
	if err := validateNamespace(ns); err != nil {
		return 0, err
	}
	if err := validateKey(key); err != nil {
		return 0, err
	}

	n := s.namespace(ns)
	n.mu.Lock()
	if s.closed.Load() {
		n.mu.Unlock()
		return 0, types.ErrStoreClosed
	}

	version := n.versions[key] + 1
	entry := types.Entry{
		Namespace: ns,
		Key:       key,
		Value:     value,
		Version:   version,
		UpdatedAt: s.clock.Now(),
	}
	n.entries[key] = entry
	n.versions[key] = version
	n.history.push(HistoryRecord{Kind: types.EventPut, Key: key, Version: version, Value: value, At: entry.UpdatedAt})
	size := len(n.entries)
	s.notify(types.Event{Kind: types.EventPut, Entry: entry})
	// under the lock so the persister sees versions of a key in order
	if s.persister != nil {
		s.persister.enqueue(persistOp{entry: entry})
	}
	n.mu.Unlock()

	s.metrics.RecordPut(ns)
	s.metrics.RecordNamespaceSize(ns, size)

	return version, nil
}

// Get returns the latest entry for (ns, key).
//
// Returns:
//   - types.Entry: Latest entry
//   - error: ErrNotFound if the key does not exist
func (s *Store) Get(ns, key string) (types.Entry, error) {
	n, ok := s.namespaces.Load(ns)
	if !ok {
		return types.Entry{}, fmt.Errorf("%s/%s: %w", ns, key, types.ErrNotFound)
	}

	n.mu.RLock()
	entry, ok := n.entries[key]
	n.mu.RUnlock()
	if !ok {
		return types.Entry{}, fmt.Errorf("%s/%s: %w", ns, key, types.ErrNotFound)
	}

	return entry, nil
}

// GetAll returns a point-in-time copy of a namespace's values keyed by key.
// An unknown namespace yields an empty map.
func (s *Store) GetAll(ns string) map[string]any {
	n, ok := s.namespaces.Load(ns)
	if !ok {
		return map[string]any{}
	}

	n.mu.RLock()
	defer n.mu.RUnlock()

	out := make(map[string]any, len(n.entries))
	for k, e := range n.entries {
		out[k] = e.Value
	}

	return out
}

// Snapshot returns a point-in-time copy of a namespace's entries sorted by key.
func (s *Store) Snapshot(ns string) []types.Entry {
	n, ok := s.namespaces.Load(ns)
	if !ok {
		return nil
	}

	n.mu.RLock()
	out := make([]types.Entry, 0, len(n.entries))
	for _, e := range n.entries {
		out = append(out, e)
	}
	n.mu.RUnlock()

	slices.SortFunc(out, func(a, b types.Entry) int {
		switch {
		case a.Key < b.Key:
			return -1
		case a.Key > b.Key:
			return 1
		default:
			return 0
		}
	})

	return out
}

// Delete removes (ns, key) and notifies subscribers with EventDelete.
// The key's version counter is kept in memory, so a later Put continues from
// it; it is not persisted (see Open).
//
// Returns:
//   - error: ErrStoreClosed after Close, ErrNotFound if the key does not exist
func (s *Store) Delete(ns, key string) error {
	if s.closed.Load() {
		return types.ErrStoreClosed
	}

	n, ok := s.namespaces.Load(ns)
	if !ok {
		return fmt.Errorf("%s/%s: %w", ns, key, types.ErrNotFound)
	}

	n.mu.Lock()
	entry, ok := n.entries[key]
	if !ok {
		n.mu.Unlock()
		return fmt.Errorf("%s/%s: %w", ns, key, types.ErrNotFound)
	}
	delete(n.entries, key)
	now := s.clock.Now()
	n.history.push(HistoryRecord{Kind: types.EventDelete, Key: key, Version: entry.Version, At: now})
	size := len(n.entries)
	s.notify(types.Event{Kind: types.EventDelete, Entry: entry})
	if s.persister != nil {
		s.persister.enqueue(persistOp{entry: entry, delete: true})
	}
	n.mu.Unlock()

	s.metrics.RecordNamespaceSize(ns, size)

	return nil
}

// ClearNamespace removes every key of ns, emitting one EventClear per key.
//
// Returns:
//   - int: Number of removed keys
//   - error: ErrStoreClosed after Close
func (s *Store) ClearNamespace(ns string) (int, error) {
	if s.closed.Load() {
		return 0, types.ErrStoreClosed
	}

	n, ok := s.namespaces.Load(ns)
	if !ok {
		return 0, nil
	}

	n.mu.Lock()
	removed := make([]types.Entry, 0, len(n.entries))
	for _, e := range n.entries {
		removed = append(removed, e)
	}
	clear(n.entries)
	now := s.clock.Now()
	for _, e := range removed {
		n.history.push(HistoryRecord{Kind: types.EventClear, Key: e.Key, Version: e.Version, At: now})
		s.notify(types.Event{Kind: types.EventClear, Entry: e})
		if s.persister != nil {
			s.persister.enqueue(persistOp{entry: e, delete: true})
		}
	}
	n.mu.Unlock()

	s.metrics.RecordNamespaceSize(ns, 0)

	return len(removed), nil
}

// Namespaces returns the sorted names of all known namespaces.
func (s *Store) Namespaces() []string {
	names := make([]string, 0, s.namespaces.Size())
	s.namespaces.Range(func(name string, _ *namespace) bool {
		names = append(names, name)
		return true
	})
	slices.Sort(names)

	return names
}

// History returns up to limit of the most recent changes in ns, oldest first.
// limit <= 0 returns the whole retained log.
func (s *Store) History(ns string, limit int) []HistoryRecord {
	n, ok := s.namespaces.Load(ns)
	if !ok {
		return nil
	}

	n.mu.RLock()
	defer n.mu.RUnlock()

	return n.history.last(limit)
}

// PruneHistory drops change log records older than maxAge in every namespace.
//
// Returns:
//   - int: Number of removed records
func (s *Store) PruneHistory(maxAge time.Duration) int {
	cutoff := s.clock.Now().Add(-maxAge)
	removed := 0
	s.namespaces.Range(func(_ string, n *namespace) bool {
		n.mu.Lock()
		removed += n.history.pruneBefore(cutoff)
		n.mu.Unlock()

		return true
	})

	return removed
}

// Subscribe registers fn for changes in ns whose key matches pattern.
//
// ns may be AllNamespaces. The callback runs on a goroutine dedicated to
// this subscription and sees events in the order they were written.
//
// Parameters:
//   - ns: Namespace name or AllNamespaces
//   - pattern: Key pattern ("pose", "joint.*", "cmd.>", ">")
//   - fn: Callback invoked for each matching event
//
// Returns:
//   - *Subscription: Handle used to unsubscribe and read counters
//   - error: ErrStoreClosed, ErrInvalidNamespace or ErrInvalidPattern
func (s *Store) Subscribe(ns, pattern string, fn types.NotifyFunc) (*Subscription, error) {
	if s.closed.Load() {
		return nil, types.ErrStoreClosed
	}
	if fn == nil {
		return nil, errors.New("store: nil callback")
	}
	if ns != AllNamespaces {
		if err := validateNamespace(ns); err != nil {
			return nil, err
		}
	}
	compiled, err := compilePattern(pattern)
	if err != nil {
		return nil, err
	}

	s.subMu.Lock()
	defer s.subMu.Unlock()
	if s.closed.Load() {
		return nil, types.ErrStoreClosed
	}

	id := s.nextSubID.Add(1)
	sub := newSubscription(id, ns, compiled, fn, s.opts.queueSize, s)
	s.subs.Store(id, sub)
	s.subWG.Go(func() { sub.run(s.ctx) })

	return sub, nil
}

// notify fans ev out to matching subscribers. Callers hold the namespace
// write lock, which keeps per-namespace ordering across subscriber queues.
func (s *Store) notify(ev types.Event) {
	s.subs.Range(func(_ uint64, sub *Subscription) bool {
		if sub.matches(ev.Entry.Namespace, ev.Entry.Key) {
			sub.enqueue(ev)
		}

		return true
	})
}

// Stats is a point-in-time summary of store activity.
type Stats struct {
	Namespaces           int            `json:"namespaces"`
	Entries              int            `json:"entries"`
	EntriesPerNamespace  map[string]int `json:"entries_per_namespace"`
	Subscribers          int            `json:"subscribers"`
	DroppedNotifications uint64         `json:"dropped_notifications"`
	DispatchFailures     uint64         `json:"dispatch_failures"`
	PersistBacklog       int            `json:"persist_backlog"`
	Persistent           bool           `json:"persistent"`
}

// Stats returns counters describing the store.
func (s *Store) Stats() Stats {
	st := Stats{
		EntriesPerNamespace:  make(map[string]int),
		Subscribers:          s.subs.Size(),
		DroppedNotifications: s.droppedTotal.Load(),
		DispatchFailures:     s.failureTotal.Load(),
		Persistent:           s.persister != nil,
	}

	s.namespaces.Range(func(name string, n *namespace) bool {
		n.mu.RLock()
		count := len(n.entries)
		n.mu.RUnlock()

		st.Namespaces++
		st.Entries += count
		st.EntriesPerNamespace[name] = count

		return true
	})

	if s.persister != nil {
		st.PersistBacklog = s.persister.backlog()
	}

	return st
}

// Closed reports whether Close has been called.
func (s *Store) Closed() bool {
	return s.closed.Load()
}

// Close rejects further writes, delivers events already queued to
// subscribers, flushes pending persistence and closes the backend.
//
// Reads keep working after Close. Calling Close more than once returns the
// result of the first call.
//
// Parameters:
//   - ctx: Bounds the wait for subscriber queues to drain
//
// Returns:
//   - error: Drain timeout or persistence errors
func (s *Store) Close(ctx context.Context) error {
	s.closeOnce.Do(func() {
		s.subMu.Lock()
		s.closed.Store(true)
		s.subMu.Unlock()

		// Wait out writers that passed the closed check before it flipped.
		s.namespaces.Range(func(_ string, n *namespace) bool {
			n.mu.Lock()
			n.mu.Unlock() //nolint:staticcheck // lock barrier

			return true
		})

		s.subs.Range(func(_ uint64, sub *Subscription) bool {
			sub.drain()
			return true
		})

		var errs []error
		done := make(chan struct{})
		go func() {
			s.subWG.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-ctx.Done():
			errs = append(errs, fmt.Errorf("waiting for subscribers: %w", ctx.Err()))
		}
		s.cancel()

		if s.persister != nil {
			if err := s.persister.close(ctx); err != nil {
				errs = append(errs, err)
			}
		}

		s.closeErr = errors.Join(errs...)
	})

	return s.closeErr
}

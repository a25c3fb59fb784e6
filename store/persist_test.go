package store

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/require"

	"github.com/arloliu/vigil/types"
)

// memBackend is an in-memory Backend with injectable failures.
type memBackend struct {
	mu      sync.Mutex
	data    map[persistKey][]byte
	failing atomic.Bool
	calls   atomic.Int32
	closed  atomic.Bool
}

func newMemBackend() *memBackend {
	return &memBackend{data: make(map[persistKey][]byte)}
}

func (b *memBackend) Put(_ context.Context, ns, key string, data []byte) error {
	b.calls.Add(1)
	if b.failing.Load() {
		return errors.New("backend down")
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	b.data[persistKey{ns, key}] = append([]byte(nil), data...)

	return nil
}

func (b *memBackend) Delete(_ context.Context, ns, key string) error {
	b.calls.Add(1)
	if b.failing.Load() {
		return errors.New("backend down")
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.data, persistKey{ns, key})

	return nil
}

func (b *memBackend) Scan(_ context.Context, fn func(ns, key string, data []byte) error) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	for k, v := range b.data {
		if err := fn(k.namespace, k.key, v); err != nil {
			return err
		}
	}

	return nil
}

func (b *memBackend) Close() error {
	b.closed.Store(true)
	return nil
}

func (b *memBackend) len() int {
	b.mu.Lock()
	defer b.mu.Unlock()

	return len(b.data)
}

func (b *memBackend) raw(ns, key string) []byte {
	b.mu.Lock()
	defer b.mu.Unlock()

	return b.data[persistKey{ns, key}]
}

func fastPersist() Option {
	return WithPersistConfig(PersistConfig{
		FlushInterval:    5 * time.Millisecond,
		OperationTimeout: time.Second,
		BreakerFailures:  2,
		BreakerCooldown:  50 * time.Millisecond,
	})
}

func TestRecord_EncodeDecode(t *testing.T) {
	rec, err := NewRecord(types.Entry{
		Namespace: "sensor_state",
		Key:       "pose",
		Value:     map[string]float64{"x": 1},
		Version:   7,
		UpdatedAt: time.Unix(100, 0).UTC(),
	})
	require.NoError(t, err)

	data, err := rec.Encode()
	require.NoError(t, err)

	got, err := DecodeRecord(data)
	require.NoError(t, err)
	require.Equal(t, rec.Checksum, got.Checksum)
	require.Equal(t, uint64(7), got.Entry().Version)
	require.JSONEq(t, `{"x":1}`, string(got.Entry().Value.(json.RawMessage)))
}

func TestRecord_TornRecordRejected(t *testing.T) {
	rec, err := NewRecord(types.Entry{Namespace: "ns", Key: "k", Value: "v", Version: 1})
	require.NoError(t, err)

	rec.Value = json.RawMessage(`"tampered"`)
	data, err := json.Marshal(rec)
	require.NoError(t, err)

	_, err = DecodeRecord(data)
	require.ErrorIs(t, err, types.ErrChecksumMismatch)

	_, err = DecodeRecord([]byte(`{"ns":"ns","key":`))
	require.ErrorIs(t, err, types.ErrChecksumMismatch)
}

func TestRecord_UnencodableValue(t *testing.T) {
	_, err := NewRecord(types.Entry{Namespace: "ns", Key: "k", Value: make(chan int)})
	require.Error(t, err)
}

func TestOpen_PersistAndRestore(t *testing.T) {
	ctx := t.Context()
	backend := newMemBackend()

	st, err := Open(ctx, backend, fastPersist())
	require.NoError(t, err)
	require.True(t, st.Stats().Persistent)

	_, err = st.Put("sensor_state", "pose", map[string]float64{"x": 1, "y": 2})
	require.NoError(t, err)
	_, err = st.Put("sensor_state", "pose", map[string]float64{"x": 3, "y": 4})
	require.NoError(t, err)
	_, err = st.Put("action_commands", "arm", "up")
	require.NoError(t, err)
	require.NoError(t, st.Delete("action_commands", "arm"))

	require.NoError(t, st.Close(ctx))
	require.True(t, backend.closed.Load())
	require.Equal(t, 1, backend.len())

	backend.closed.Store(false)
	restored, err := Open(ctx, backend, fastPersist())
	require.NoError(t, err)
	defer func() { _ = restored.Close(ctx) }()

	type pose struct {
		X float64 `json:"x"`
		Y float64 `json:"y"`
	}
	p, ver, err := GetAs[pose](restored, "sensor_state", "pose")
	require.NoError(t, err)
	require.Equal(t, uint64(2), ver)
	require.Equal(t, pose{X: 3, Y: 4}, p)

	_, err = restored.Get("action_commands", "arm")
	require.ErrorIs(t, err, types.ErrNotFound)

	// versions continue after a restore
	ver, err = restored.Put("sensor_state", "pose", pose{})
	require.NoError(t, err)
	require.Equal(t, uint64(3), ver)
}

func TestOpen_SkipsCorruptRecords(t *testing.T) {
	ctx := t.Context()
	backend := newMemBackend()

	good, err := NewRecord(types.Entry{Namespace: "sensor_state", Key: "good", Value: 1, Version: 1})
	require.NoError(t, err)
	data, err := good.Encode()
	require.NoError(t, err)
	require.NoError(t, backend.Put(ctx, "sensor_state", "good", data))
	require.NoError(t, backend.Put(ctx, "sensor_state", "torn", data[:len(data)/2]))
	// record stored under the wrong key
	require.NoError(t, backend.Put(ctx, "sensor_state", "other", data))

	st, err := Open(ctx, backend)
	require.NoError(t, err)
	defer func() { _ = st.Close(ctx) }()

	_, err = st.Get("sensor_state", "good")
	require.NoError(t, err)
	_, err = st.Get("sensor_state", "torn")
	require.ErrorIs(t, err, types.ErrNotFound)
	_, err = st.Get("sensor_state", "other")
	require.ErrorIs(t, err, types.ErrNotFound)
}

func TestPersist_WriteBehind(t *testing.T) {
	ctx := t.Context()
	backend := newMemBackend()

	st, err := Open(ctx, backend, fastPersist())
	require.NoError(t, err)
	defer func() { _ = st.Close(ctx) }()

	_, err = st.Put("system_status", "mode", "auto")
	require.NoError(t, err)

	require.Eventually(t, func() bool { return backend.raw("system_status", "mode") != nil }, time.Second, 5*time.Millisecond)

	rec, err := DecodeRecord(backend.raw("system_status", "mode"))
	require.NoError(t, err)
	require.Equal(t, uint64(1), rec.Version)
}

func TestPersist_BackendOutageDoesNotBlockWriters(t *testing.T) {
	ctx := t.Context()
	backend := newMemBackend()
	backend.failing.Store(true)

	st, err := Open(ctx, backend, WithPersistConfig(PersistConfig{
		FlushInterval:    5 * time.Millisecond,
		OperationTimeout: time.Second,
		BreakerFailures:  2,
		BreakerCooldown:  300 * time.Millisecond,
	}))
	require.NoError(t, err)

	for i := range 20 {
		_, err := st.Put("sensor_state", "pose", i)
		require.NoError(t, err)
	}

	// only the newest version per key stays pending
	require.Eventually(t, func() bool { return st.Stats().PersistBacklog == 1 }, time.Second, time.Millisecond)

	// breaker opens after two failures, so calls stop growing quickly
	time.Sleep(30 * time.Millisecond)
	calls := backend.calls.Load()
	time.Sleep(30 * time.Millisecond)
	require.Equal(t, calls, backend.calls.Load())

	backend.failing.Store(false)
	require.Eventually(t, func() bool { return backend.raw("sensor_state", "pose") != nil }, 2*time.Second, 5*time.Millisecond)

	rec, err := DecodeRecord(backend.raw("sensor_state", "pose"))
	require.NoError(t, err)
	require.Equal(t, uint64(20), rec.Version)

	require.NoError(t, st.Close(ctx))
}

func TestPersist_CloseReportsUnflushed(t *testing.T) {
	ctx := t.Context()
	backend := newMemBackend()

	st, err := Open(ctx, backend, WithPersistConfig(PersistConfig{FlushInterval: time.Hour}))
	require.NoError(t, err)

	_, err = st.Put("sensor_state", "pose", 1)
	require.NoError(t, err)
	backend.failing.Store(true)

	err = st.Close(ctx)
	require.Error(t, err)
	require.Contains(t, err.Error(), "not persisted")
}

func TestPersist_ConcurrentWritersPersistLatest(t *testing.T) {
	ctx := t.Context()

	const writers, perWriter = 4, 5
	for iter := range 200 {
		backend := newMemBackend()
		st, err := Open(ctx, backend, WithPersistConfig(PersistConfig{FlushInterval: time.Millisecond}))
		require.NoError(t, err)

		var wg sync.WaitGroup
		for range writers {
			wg.Go(func() {
				for i := range perWriter {
					if _, err := st.Put("sensor_state", "pose", i); err != nil {
						t.Error(err)
						return
					}
				}
			})
		}
		wg.Wait()
		require.NoError(t, st.Close(ctx))

		live, err := st.Get("sensor_state", "pose")
		require.NoError(t, err)
		rec, err := DecodeRecord(backend.raw("sensor_state", "pose"))
		require.NoError(t, err)
		require.Equal(t, live.Version, rec.Version, "iteration %d", iter)
		require.Equal(t, uint64(writers*perWriter), rec.Version)
	}
}

func TestPersister_EnqueueKeepsNewest(t *testing.T) {
	opts := defaultOptions()
	p := newPersister(newMemBackend(), DefaultPersistConfig(), opts.logger, opts.metrics, opts.clock)
	k := persistKey{"sensor_state", "pose"}
	entry := func(v uint64) types.Entry {
		return types.Entry{Namespace: "sensor_state", Key: "pose", Value: v, Version: v}
	}

	p.enqueue(persistOp{entry: entry(2)})
	p.enqueue(persistOp{entry: entry(1)})
	require.Equal(t, uint64(2), p.pending[k].entry.Version, "older op must not replace a newer one")

	// a delete of the same version follows its put
	p.enqueue(persistOp{entry: entry(2), delete: true})
	require.True(t, p.pending[k].delete)

	// re-created key continues from the deleted version
	p.enqueue(persistOp{entry: entry(3)})
	require.False(t, p.pending[k].delete)
	require.Equal(t, uint64(3), p.pending[k].entry.Version)
}

func TestOpen_DeletedKeyRestartsVersion(t *testing.T) {
	ctx := t.Context()
	backend := newMemBackend()

	st, err := Open(ctx, backend, fastPersist())
	require.NoError(t, err)
	for i := range 3 {
		_, err := st.Put("action_commands", "arm", i)
		require.NoError(t, err)
	}
	require.NoError(t, st.Delete("action_commands", "arm"))

	// within one store life the counter continues
	ver, err := st.Put("action_commands", "arm", "up")
	require.NoError(t, err)
	require.Equal(t, uint64(4), ver)
	require.NoError(t, st.Delete("action_commands", "arm"))
	require.NoError(t, st.Close(ctx))
	require.Zero(t, backend.len())

	restored, err := Open(ctx, backend, fastPersist())
	require.NoError(t, err)
	defer func() { _ = restored.Close(ctx) }()

	ver, err = restored.Put("action_commands", "arm", "down")
	require.NoError(t, err)
	require.Equal(t, uint64(1), ver)
}

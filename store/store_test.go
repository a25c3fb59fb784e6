package store

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	vigiltest "github.com/arloliu/vigil/testing"
	"github.com/arloliu/vigil/types"
)

func newTestStore(t *testing.T, opts ...Option) *Store {
	t.Helper()

	st := New(opts...)
	t.Cleanup(func() {
		_ = st.Close(context.Background())
	})

	return st
}

func TestStore_DefaultNamespaces(t *testing.T) {
	st := newTestStore(t)

	names := st.Namespaces()
	for _, ns := range DefaultNamespaces {
		require.Contains(t, names, ns)
	}
}

func TestStore_PutGet(t *testing.T) {
	clock := vigiltest.NewFakeClock(time.Time{})
	st := newTestStore(t, WithClock(clock))

	v1, err := st.Put("sensor_state", "pose", 1.5)
	require.NoError(t, err)
	require.Equal(t, uint64(1), v1)

	clock.Advance(time.Second)
	v2, err := st.Put("sensor_state", "pose", 2.5)
	require.NoError(t, err)
	require.Equal(t, uint64(2), v2)

	entry, err := st.Get("sensor_state", "pose")
	require.NoError(t, err)
	require.Equal(t, 2.5, entry.Value)
	require.Equal(t, uint64(2), entry.Version)
	require.Equal(t, clock.Now(), entry.UpdatedAt)

	_, err = st.Get("sensor_state", "missing")
	require.ErrorIs(t, err, types.ErrNotFound)

	_, err = st.Get("no_such_namespace", "pose")
	require.ErrorIs(t, err, types.ErrNotFound)
}

func TestStore_PutCreatesNamespace(t *testing.T) {
	st := newTestStore(t, WithNamespaces())
	require.Empty(t, st.Namespaces())

	_, err := st.Put("custom", "k", "v")
	require.NoError(t, err)
	require.Equal(t, []string{"custom"}, st.Namespaces())
}

func TestStore_InvalidArguments(t *testing.T) {
	st := newTestStore(t)

	_, err := st.Put("", "k", 1)
	require.ErrorIs(t, err, types.ErrInvalidNamespace)

	_, err = st.Put("sensor_state", "", 1)
	require.ErrorIs(t, err, types.ErrInvalidKey)

	_, err = st.Subscribe("sensor_state", "a..b", func(context.Context, types.Event) error { return nil })
	require.ErrorIs(t, err, types.ErrInvalidPattern)
}

func TestStore_DeleteKeepsVersion(t *testing.T) {
	st := newTestStore(t)

	_, err := st.Put("action_commands", "arm", "up")
	require.NoError(t, err)
	_, err = st.Put("action_commands", "arm", "down")
	require.NoError(t, err)

	require.NoError(t, st.Delete("action_commands", "arm"))
	require.ErrorIs(t, st.Delete("action_commands", "arm"), types.ErrNotFound)

	_, err = st.Get("action_commands", "arm")
	require.ErrorIs(t, err, types.ErrNotFound)

	ver, err := st.Put("action_commands", "arm", "left")
	require.NoError(t, err)
	require.Equal(t, uint64(3), ver)
}

func TestStore_GetAllAndSnapshot(t *testing.T) {
	st := newTestStore(t)

	for _, k := range []string{"c", "a", "b"} {
		_, err := st.Put("output_signals", k, k+"-value")
		require.NoError(t, err)
	}

	all := st.GetAll("output_signals")
	require.Equal(t, map[string]any{"a": "a-value", "b": "b-value", "c": "c-value"}, all)

	// the copy is detached from the store
	all["a"] = "mutated"
	entry, err := st.Get("output_signals", "a")
	require.NoError(t, err)
	require.Equal(t, "a-value", entry.Value)

	snap := st.Snapshot("output_signals")
	require.Len(t, snap, 3)
	require.Equal(t, "a", snap[0].Key)
	require.Equal(t, "b", snap[1].Key)
	require.Equal(t, "c", snap[2].Key)

	require.Empty(t, st.GetAll("unknown"))
	require.Nil(t, st.Snapshot("unknown"))
}

func TestStore_ClearNamespace(t *testing.T) {
	st := newTestStore(t)

	var clears atomic.Int32
	_, err := st.Subscribe("input_buffer", ">", func(_ context.Context, ev types.Event) error {
		if ev.Kind == types.EventClear {
			clears.Add(1)
		}

		return nil
	})
	require.NoError(t, err)

	for i := range 3 {
		_, err := st.Put("input_buffer", fmt.Sprintf("frame.%d", i), i)
		require.NoError(t, err)
	}

	n, err := st.ClearNamespace("input_buffer")
	require.NoError(t, err)
	require.Equal(t, 3, n)
	require.Empty(t, st.GetAll("input_buffer"))

	require.Eventually(t, func() bool { return clears.Load() == 3 }, time.Second, 5*time.Millisecond)

	n, err = st.ClearNamespace("unknown")
	require.NoError(t, err)
	require.Zero(t, n)
}

func TestStore_SubscribeOrderAndFilter(t *testing.T) {
	st := newTestStore(t)

	var mu sync.Mutex
	var got []uint64
	sub, err := st.Subscribe("sensor_state", "joint.*", func(_ context.Context, ev types.Event) error {
		mu.Lock()
		got = append(got, ev.Entry.Version)
		mu.Unlock()

		return nil
	})
	require.NoError(t, err)
	require.Equal(t, "sensor_state", sub.Namespace())
	require.Equal(t, "joint.*", sub.Pattern())

	const writes = 50
	for range writes {
		_, err := st.Put("sensor_state", "joint.1", "x")
		require.NoError(t, err)
	}
	// filtered out by namespace and pattern
	_, err = st.Put("sensor_state", "pose", "x")
	require.NoError(t, err)
	_, err = st.Put("output_signals", "joint.1", "x")
	require.NoError(t, err)

	require.Eventually(t, func() bool { return sub.Delivered() == writes }, time.Second, 5*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, got, writes)
	for i, v := range got {
		require.Equal(t, uint64(i+1), v)
	}
}

func TestStore_SubscribeAllNamespaces(t *testing.T) {
	st := newTestStore(t)

	var count atomic.Int32
	_, err := st.Subscribe(AllNamespaces, ">", func(context.Context, types.Event) error {
		count.Add(1)
		return nil
	})
	require.NoError(t, err)

	_, err = st.Put("sensor_state", "a", 1)
	require.NoError(t, err)
	_, err = st.Put("health_status", "b", 2)
	require.NoError(t, err)

	require.Eventually(t, func() bool { return count.Load() == 2 }, time.Second, 5*time.Millisecond)
}

func TestStore_SlowSubscriberDropsOldest(t *testing.T) {
	st := newTestStore(t, WithQueueSize(2))

	release := make(chan struct{})
	started := make(chan struct{}, 1)
	var mu sync.Mutex
	var got []uint64
	sub, err := st.Subscribe("sensor_state", "pose", func(_ context.Context, ev types.Event) error {
		select {
		case started <- struct{}{}:
		default:
		}
		<-release
		mu.Lock()
		got = append(got, ev.Entry.Version)
		mu.Unlock()

		return nil
	})
	require.NoError(t, err)

	// first event occupies the callback
	_, err = st.Put("sensor_state", "pose", 0)
	require.NoError(t, err)
	<-started

	// versions 2..5 compete for two queue slots
	start := time.Now()
	for i := 1; i <= 4; i++ {
		_, err := st.Put("sensor_state", "pose", i)
		require.NoError(t, err)
	}
	require.Less(t, time.Since(start), 500*time.Millisecond, "writers must not wait for subscribers")

	require.Equal(t, uint64(2), sub.Dropped())
	require.Equal(t, uint64(2), st.Stats().DroppedNotifications)

	close(release)
	require.Eventually(t, func() bool { return sub.Delivered() == 3 }, time.Second, 5*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, []uint64{1, 4, 5}, got)
}

func TestStore_FailingSubscriberDoesNotAffectOthers(t *testing.T) {
	st := newTestStore(t, WithLogger(vigiltest.NewTestLogger(t)))

	var calls atomic.Int32
	panicky, err := st.Subscribe("system_status", ">", func(context.Context, types.Event) error {
		if calls.Add(1) == 1 {
			panic("boom")
		}

		return errors.New("still failing")
	})
	require.NoError(t, err)

	var healthy atomic.Int32
	_, err = st.Subscribe("system_status", ">", func(context.Context, types.Event) error {
		healthy.Add(1)
		return nil
	})
	require.NoError(t, err)

	for i := range 3 {
		_, err := st.Put("system_status", "mode", i)
		require.NoError(t, err)
	}

	require.Eventually(t, func() bool {
		return panicky.Failures() == 3 && healthy.Load() == 3
	}, time.Second, 5*time.Millisecond)
	require.Equal(t, uint64(3), st.Stats().DispatchFailures)

	// writes still succeed
	_, err = st.Put("system_status", "mode", "ok")
	require.NoError(t, err)
}

func TestStore_Unsubscribe(t *testing.T) {
	st := newTestStore(t)

	var count atomic.Int32
	sub, err := st.Subscribe("sensor_state", ">", func(context.Context, types.Event) error {
		count.Add(1)
		return nil
	})
	require.NoError(t, err)

	_, err = st.Put("sensor_state", "a", 1)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return count.Load() == 1 }, time.Second, 5*time.Millisecond)

	sub.Unsubscribe()
	sub.Unsubscribe()
	require.Zero(t, st.Stats().Subscribers)

	_, err = st.Put("sensor_state", "a", 2)
	require.NoError(t, err)
	time.Sleep(50 * time.Millisecond)
	require.Equal(t, int32(1), count.Load())
}

func TestStore_UnsubscribeFromCallback(t *testing.T) {
	st := newTestStore(t)

	var sub *Subscription
	var count atomic.Int32
	ready := make(chan struct{})
	var err error
	sub, err = st.Subscribe("sensor_state", ">", func(context.Context, types.Event) error {
		<-ready
		count.Add(1)
		sub.Unsubscribe()

		return nil
	})
	require.NoError(t, err)
	close(ready)

	for i := range 5 {
		_, err := st.Put("sensor_state", "a", i)
		require.NoError(t, err)
	}

	time.Sleep(50 * time.Millisecond)
	require.Equal(t, int32(1), count.Load())
}

func TestStore_HistoryAndPrune(t *testing.T) {
	clock := vigiltest.NewFakeClock(time.Time{})
	st := newTestStore(t, WithClock(clock), WithHistoryLimit(3))

	for i := range 5 {
		_, err := st.Put("planned_trajectory", "wp", i)
		require.NoError(t, err)
		clock.Advance(time.Second)
	}

	hist := st.History("planned_trajectory", 0)
	require.Len(t, hist, 3)
	require.Equal(t, uint64(3), hist[0].Version)
	require.Equal(t, uint64(5), hist[2].Version)

	last := st.History("planned_trajectory", 1)
	require.Len(t, last, 1)
	require.Equal(t, uint64(5), last[0].Version)

	// records are at t0+2s, t0+3s, t0+4s; now is t0+5s
	removed := st.PruneHistory(1500 * time.Millisecond)
	require.Equal(t, 2, removed)
	require.Len(t, st.History("planned_trajectory", 0), 1)

	require.Nil(t, st.History("unknown", 0))
}

func TestStore_Close(t *testing.T) {
	st := New()

	var count atomic.Int32
	_, err := st.Subscribe("sensor_state", ">", func(context.Context, types.Event) error {
		time.Sleep(time.Millisecond)
		count.Add(1)

		return nil
	})
	require.NoError(t, err)

	for i := range 10 {
		_, err := st.Put("sensor_state", "k", i)
		require.NoError(t, err)
	}

	require.NoError(t, st.Close(context.Background()))
	require.True(t, st.Closed())
	// queued events are delivered before Close returns
	require.Equal(t, int32(10), count.Load())

	_, err = st.Put("sensor_state", "k", 1)
	require.ErrorIs(t, err, types.ErrStoreClosed)
	require.ErrorIs(t, st.Delete("sensor_state", "k"), types.ErrStoreClosed)
	_, err = st.Subscribe("sensor_state", ">", func(context.Context, types.Event) error { return nil })
	require.ErrorIs(t, err, types.ErrStoreClosed)

	// reads keep working
	entry, err := st.Get("sensor_state", "k")
	require.NoError(t, err)
	require.Equal(t, 9, entry.Value)

	require.NoError(t, st.Close(context.Background()))
}

func TestStore_SubscribeRacingClose(t *testing.T) {
	noop := func(context.Context, types.Event) error { return nil }

	for range 100 {
		st := New()

		var wg sync.WaitGroup
		for range 4 {
			wg.Go(func() {
				for {
					_, err := st.Subscribe("sensor_state", ">", noop)
					if err != nil {
						if !errors.Is(err, types.ErrStoreClosed) {
							t.Error(err)
						}
						return
					}
				}
			})
		}

		require.NoError(t, st.Close(t.Context()))
		wg.Wait()
	}
}

func TestStore_ConcurrentWriters(t *testing.T) {
	st := newTestStore(t)

	const writers, perWriter = 8, 100
	var wg sync.WaitGroup
	for w := range writers {
		wg.Go(func() {
			for i := range perWriter {
				_, err := st.Put("sensor_state", fmt.Sprintf("w%d", w), i)
				if err != nil {
					t.Error(err)
					return
				}
			}
		})
	}
	wg.Wait()

	stats := st.Stats()
	require.Equal(t, writers, stats.EntriesPerNamespace["sensor_state"])
	for w := range writers {
		entry, err := st.Get("sensor_state", fmt.Sprintf("w%d", w))
		require.NoError(t, err)
		require.Equal(t, uint64(perWriter), entry.Version)
	}
}

func TestStore_ConcurrentWritersSameKey(t *testing.T) {
	st := newTestStore(t, WithQueueSize(16))

	var (
		mu   sync.Mutex
		seen []uint64
	)
	_, err := st.Subscribe("sensor_state", "pose", func(_ context.Context, ev types.Event) error {
		mu.Lock()
		seen = append(seen, ev.Entry.Version)
		mu.Unlock()

		return nil
	})
	require.NoError(t, err)

	const writers, perWriter = 4, 250
	var (
		wg        sync.WaitGroup
		succeeded atomic.Int64
	)
	for range writers {
		wg.Go(func() {
			for i := range perWriter {
				if _, err := st.Put("sensor_state", "pose", i); err != nil {
					t.Error(err)
					return
				}
				succeeded.Add(1)
			}
		})
	}
	wg.Wait()

	entry, err := st.Get("sensor_state", "pose")
	require.NoError(t, err)
	require.Equal(t, uint64(writers*perWriter), entry.Version)
	require.Equal(t, int64(entry.Version), succeeded.Load())

	// versions 1..N each appear exactly once in the change log window
	history := st.History("sensor_state", 0)
	for i := 1; i < len(history); i++ {
		require.Equal(t, history[i-1].Version+1, history[i].Version)
	}

	// the newest event is never dropped, so delivery ends at the last version
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen) > 0 && seen[len(seen)-1] == entry.Version
	}, 2*time.Second, 5*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	for i := 1; i < len(seen); i++ {
		require.Greater(t, seen[i], seen[i-1], "events delivered out of order")
	}
}

func TestGetAs(t *testing.T) {
	type pose struct {
		X float64 `json:"x"`
		Y float64 `json:"y"`
	}

	st := newTestStore(t)
	_, err := st.Put("sensor_state", "pose", pose{X: 1, Y: 2})
	require.NoError(t, err)
	_, err = st.Put("sensor_state", "map", map[string]any{"x": 3.0, "y": 4.0})
	require.NoError(t, err)

	p, ver, err := GetAs[pose](st, "sensor_state", "pose")
	require.NoError(t, err)
	require.Equal(t, uint64(1), ver)
	require.Equal(t, pose{X: 1, Y: 2}, p)

	p, _, err = GetAs[pose](st, "sensor_state", "map")
	require.NoError(t, err)
	require.Equal(t, pose{X: 3, Y: 4}, p)

	_, _, err = GetAs[pose](st, "sensor_state", "missing")
	require.ErrorIs(t, err, types.ErrNotFound)
}

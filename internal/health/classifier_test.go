package health

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/arloliu/vigil/heartbeat"
	"github.com/arloliu/vigil/store"
	vigiltest "github.com/arloliu/vigil/testing"
	"github.com/arloliu/vigil/types"
)

type fixture struct {
	clock    *vigiltest.FakeClock
	registry *heartbeat.Registry
	c        *Classifier
}

func newFixture(t *testing.T, cfg Config, opts ...Option) *fixture {
	t.Helper()

	clock := vigiltest.NewFakeClock(time.Time{})
	registry := heartbeat.NewRegistry(heartbeat.WithClock(clock))
	opts = append([]Option{WithClock(clock), WithLogger(vigiltest.NewTestLogger(t))}, opts...)

	return &fixture{
		clock:    clock,
		registry: registry,
		c:        NewClassifier(cfg, registry, opts...),
	}
}

func (f *fixture) beat(t *testing.T, id string, m types.WorkerMetrics) {
	t.Helper()
	require.NoError(t, f.registry.Beat(id, m))
}

func TestClassifier_HealthyWorkerEmitsNothing(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	require.NoError(t, f.registry.Register("arm"))

	for range 3 {
		f.clock.Advance(time.Second)
		f.beat(t, "arm", types.WorkerMetrics{ProcessingTime: 5 * time.Millisecond})
		require.Empty(t, f.c.Tick(t.Context()))
	}

	st, ok := f.c.Status("arm")
	require.True(t, ok)
	require.Equal(t, types.HealthHealthy, st.State)
	require.InDelta(t, 100.0, st.Score, 0.001)
	require.InDelta(t, 100.0, f.c.SystemScore(), 0.001)
}

func TestClassifier_FrozenThenDead(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	require.NoError(t, f.registry.Register("arm"))
	require.Empty(t, f.c.Tick(t.Context()))

	f.clock.Advance(5 * time.Second)
	require.Empty(t, f.c.Tick(t.Context()), "exactly at the timeout is still healthy")

	f.clock.Advance(time.Second)
	trs := f.c.Tick(t.Context())
	require.Len(t, trs, 1)
	require.Equal(t, types.HealthHealthy, trs[0].From)
	require.Equal(t, types.HealthFrozen, trs[0].To)

	rec, _ := f.registry.Get("arm")
	require.Equal(t, 1, rec.ConsecutiveMisses)

	// still frozen: no new transition, misses keep growing
	f.clock.Advance(time.Second)
	require.Empty(t, f.c.Tick(t.Context()))
	rec, _ = f.registry.Get("arm")
	require.Equal(t, 2, rec.ConsecutiveMisses)

	f.clock.Advance(9 * time.Second)
	trs = f.c.Tick(t.Context())
	require.Len(t, trs, 1)
	require.Equal(t, types.HealthFrozen, trs[0].From)
	require.Equal(t, types.HealthDead, trs[0].To)
	require.False(t, trs[0].Reemit)

	st, _ := f.c.Status("arm")
	require.Zero(t, st.Score)
}

func TestClassifier_DirectToDead(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	require.NoError(t, f.registry.Register("arm"))
	f.c.Tick(t.Context())

	f.clock.Advance(16 * time.Second)
	trs := f.c.Tick(t.Context())
	require.Len(t, trs, 1)
	require.Equal(t, types.HealthHealthy, trs[0].From)
	require.Equal(t, types.HealthDead, trs[0].To)
}

func TestClassifier_DeadReemitted(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	require.NoError(t, f.registry.Register("arm"))
	f.c.Tick(t.Context())

	f.clock.Advance(16 * time.Second)
	require.Len(t, f.c.Tick(t.Context()), 1)

	f.clock.Advance(5 * time.Second)
	require.Empty(t, f.c.Tick(t.Context()))

	f.clock.Advance(5 * time.Second)
	trs := f.c.Tick(t.Context())
	require.Len(t, trs, 1)
	require.True(t, trs[0].Reemit)
	require.Equal(t, types.HealthDead, trs[0].From)
	require.Equal(t, types.HealthDead, trs[0].To)
	require.False(t, trs[0].IsStateChange())
}

func TestClassifier_DeadIsStickyUntilRecovered(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	require.NoError(t, f.registry.Register("arm"))
	f.c.Tick(t.Context())

	f.clock.Advance(16 * time.Second)
	f.c.Tick(t.Context())

	// beating again does not revive a dead worker
	f.beat(t, "arm", types.WorkerMetrics{})
	f.clock.Advance(time.Second)
	require.Empty(t, f.c.Tick(t.Context()))
	st, _ := f.c.Status("arm")
	require.Equal(t, types.HealthDead, st.State)

	f.c.MarkRecovered("arm")
	st, _ = f.c.Status("arm")
	require.Equal(t, types.HealthDead, st.State, "stays dead until the next heartbeat")

	f.clock.Advance(time.Second)
	require.Empty(t, f.c.Tick(t.Context()))

	f.beat(t, "arm", types.WorkerMetrics{})
	trs := f.c.Tick(t.Context())
	require.Len(t, trs, 1)
	require.Equal(t, types.HealthDead, trs[0].From)
	require.Equal(t, types.HealthHealthy, trs[0].To)
}

func TestClassifier_Degraded(t *testing.T) {
	cfg := DefaultConfig()
	cfg.DegradeAfterTicks = 3
	f := newFixture(t, cfg)
	require.NoError(t, f.registry.Register("planner"))

	slow := types.WorkerMetrics{ProcessingTime: 80 * time.Millisecond}
	for range 2 {
		f.beat(t, "planner", slow)
		f.clock.Advance(500 * time.Millisecond)
		require.Empty(t, f.c.Tick(t.Context()))
	}

	f.beat(t, "planner", slow)
	trs := f.c.Tick(t.Context())
	require.Len(t, trs, 1)
	require.Equal(t, types.HealthDegraded, trs[0].To)
	require.Contains(t, trs[0].Reason, "processing time")

	// further slow ticks stay Degraded without a second edge
	for range 2 {
		f.clock.Advance(500 * time.Millisecond)
		f.beat(t, "planner", slow)
		require.Empty(t, f.c.Tick(t.Context()))
	}
	st, ok := f.c.Status("planner")
	require.True(t, ok)
	require.Equal(t, types.HealthDegraded, st.State)

	// recovers once processing time drops
	f.beat(t, "planner", types.WorkerMetrics{ProcessingTime: time.Millisecond})
	trs = f.c.Tick(t.Context())
	require.Len(t, trs, 1)
	require.Equal(t, types.HealthDegraded, trs[0].From)
	require.Equal(t, types.HealthHealthy, trs[0].To)
}

func TestClassifier_FrozenDominatesDegraded(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	f.beat(t, "planner", types.WorkerMetrics{ProcessingTime: time.Second})
	f.c.Tick(t.Context())

	f.clock.Advance(6 * time.Second)
	trs := f.c.Tick(t.Context())
	require.Len(t, trs, 1)
	require.Equal(t, types.HealthFrozen, trs[0].To)
}

func TestClassifier_OverloadedFlag(t *testing.T) {
	cfg := DefaultConfig()
	cfg.OverloadLimit = 100
	f := newFixture(t, cfg)

	f.beat(t, "input", types.WorkerMetrics{QueueSize: 50})
	require.Empty(t, f.c.Tick(t.Context()))

	f.beat(t, "input", types.WorkerMetrics{QueueSize: 500})
	trs := f.c.Tick(t.Context())
	require.Len(t, trs, 1)
	require.True(t, trs[0].FlagsChanged)
	require.False(t, trs[0].IsStateChange())
	require.True(t, trs[0].Flags.Has(types.FlagOverloaded))

	// unchanged flags are not re-emitted
	f.beat(t, "input", types.WorkerMetrics{QueueSize: 600})
	require.Empty(t, f.c.Tick(t.Context()))

	f.beat(t, "input", types.WorkerMetrics{QueueSize: 10})
	trs = f.c.Tick(t.Context())
	require.Len(t, trs, 1)
	require.Zero(t, trs[0].Flags)
}

func TestClassifier_MemoryLeakFlag(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MemoryWindow = 3
	f := newFixture(t, cfg)

	var flagged []types.HealthTransition
	for _, mb := range []float64{100, 110, 120} {
		f.beat(t, "vision", types.WorkerMetrics{MemoryMB: mb})
		flagged = append(flagged, f.c.Tick(t.Context())...)
	}
	require.Len(t, flagged, 1)
	require.True(t, flagged[0].Flags.Has(types.FlagMemoryLeakSuspected))

	// ticks without a new beat add no sample
	require.Empty(t, f.c.Tick(t.Context()))

	f.beat(t, "vision", types.WorkerMetrics{MemoryMB: 90})
	trs := f.c.Tick(t.Context())
	require.Len(t, trs, 1)
	require.False(t, trs[0].Flags.Has(types.FlagMemoryLeakSuspected))
}

func TestClassifier_SkipsIsolated(t *testing.T) {
	isolated := map[string]bool{"arm": true}
	f := newFixture(t, DefaultConfig(), WithIsolation(func(id string) bool { return isolated[id] }))
	require.NoError(t, f.registry.Register("arm"))
	require.NoError(t, f.registry.Register("leg"))
	f.c.Tick(t.Context())

	f.clock.Advance(20 * time.Second)
	trs := f.c.Tick(t.Context())
	require.Len(t, trs, 1)
	require.Equal(t, "leg", trs[0].WorkerID)

	_, ok := f.c.Status("arm")
	require.False(t, ok)
}

func TestClassifier_DropsWhenQueueFull(t *testing.T) {
	cfg := DefaultConfig()
	cfg.QueueSize = 1
	f := newFixture(t, cfg)
	require.NoError(t, f.registry.Register("a"))
	require.NoError(t, f.registry.Register("b"))
	f.c.Tick(t.Context())

	f.clock.Advance(6 * time.Second)
	trs := f.c.Tick(t.Context())
	require.Len(t, trs, 2)

	require.Len(t, f.c.Transitions(), 1)
	got := <-f.c.Transitions()
	require.Equal(t, "a", got.WorkerID)
}

func TestClassifier_ForgetsUnregistered(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	require.NoError(t, f.registry.Register("a"))
	f.c.Tick(t.Context())
	require.Len(t, f.c.Statuses(), 1)

	f.registry.Unregister("a")
	f.c.Tick(t.Context())
	require.Empty(t, f.c.Statuses())
	require.InDelta(t, 100.0, f.c.SystemScore(), 0.001)
}

func TestClassifier_WritesStore(t *testing.T) {
	st := store.New()
	defer func() { _ = st.Close(context.Background()) }()

	f := newFixture(t, DefaultConfig(), WithStore(st))
	require.NoError(t, f.registry.Register("arm"))
	require.NoError(t, f.registry.Register("leg"))
	f.c.Tick(t.Context())

	f.clock.Advance(6 * time.Second)
	f.beat(t, "leg", types.WorkerMetrics{})
	f.c.Tick(t.Context())

	report, _, err := store.GetAs[Report](st, SystemNamespace, ReportKey)
	require.NoError(t, err)
	require.Len(t, report.Workers, 2)
	require.Less(t, report.SystemScore, 100.0)

	status, _, err := store.GetAs[types.HealthStatus](st, StatusNamespace, "arm")
	require.NoError(t, err)
	require.Equal(t, types.HealthFrozen, status.State)

	_, err = st.Get(StatusNamespace, "leg")
	require.ErrorIs(t, err, types.ErrNotFound, "unchanged workers are not rewritten")
}

func TestClassifier_DeclaredHealthIgnored(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	require.NoError(t, f.registry.Register("arm"))
	require.NoError(t, f.registry.DeclareHealth("arm", types.HealthDead))

	require.Empty(t, f.c.Tick(t.Context()))
	st, _ := f.c.Status("arm")
	require.Equal(t, types.HealthHealthy, st.State)
}

func TestClassifier_Serve(t *testing.T) {
	cfg := DefaultConfig()
	cfg.TickInterval = 5 * time.Millisecond
	f := newFixture(t, cfg)
	require.NoError(t, f.registry.Register("arm"))

	ctx, cancel := context.WithCancel(t.Context())
	done := make(chan error, 1)
	go func() { done <- f.c.Serve(ctx) }()

	require.Eventually(t, func() bool {
		_, ok := f.c.Status("arm")
		return ok
	}, time.Second, 5*time.Millisecond)

	f.clock.Advance(6 * time.Second)
	select {
	case tr := <-f.c.Transitions():
		require.Equal(t, types.HealthFrozen, tr.To)
	case <-time.After(time.Second):
		t.Fatal("no transition emitted")
	}

	cancel()
	require.ErrorIs(t, <-done, context.Canceled)
}

func TestClassifier_MarkDead(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	require.NoError(t, f.registry.Register("gripper"))
	require.Empty(t, f.c.Tick(t.Context()))

	f.c.MarkDead("gripper", "did not stop")
	st, ok := f.c.Status("gripper")
	require.True(t, ok)
	require.Equal(t, types.HealthDead, st.State)
	require.Zero(t, st.Score)

	// a beat alone does not revive it
	f.clock.Advance(time.Second)
	f.beat(t, "gripper", types.WorkerMetrics{})
	require.Empty(t, f.c.Tick(t.Context()))
	st, _ = f.c.Status("gripper")
	require.Equal(t, types.HealthDead, st.State)

	f.c.MarkRecovered("gripper")
	f.clock.Advance(time.Second)
	f.beat(t, "gripper", types.WorkerMetrics{})
	trs := f.c.Tick(t.Context())
	require.Len(t, trs, 1)
	require.Equal(t, types.HealthHealthy, trs[0].To)
}

package vigil

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/arloliu/vigil/internal/recovery"
	"github.com/arloliu/vigil/store"
	vigiltest "github.com/arloliu/vigil/testing"
)

func newTestSupervisor(t *testing.T, cfg Config, opts ...Option) *Supervisor {
	t.Helper()

	opts = append([]Option{WithLogger(vigiltest.NewTestLogger(t))}, opts...)
	sup, err := NewSupervisor(t.Context(), &cfg, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = sup.Close(context.Background()) })

	return sup
}

// beatLoop keeps the given workers beating until the returned func is called.
func beatLoop(t *testing.T, sup *Supervisor, ids ...string) func() {
	t.Helper()

	ctx, cancel := context.WithCancel(t.Context())
	var wg sync.WaitGroup
	wg.Go(func() {
		ticker := time.NewTicker(10 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				for _, id := range ids {
					_ = sup.Beat(id, WorkerMetrics{ProcessingTime: time.Millisecond})
				}
			}
		}
	})

	var once sync.Once
	stop := func() {
		once.Do(func() {
			cancel()
			wg.Wait()
		})
	}
	t.Cleanup(stop)

	return stop
}

func TestNewSupervisor_InvalidConfig(t *testing.T) {
	_, err := NewSupervisor(t.Context(), nil)
	require.ErrorIs(t, err, ErrInvalidConfig)

	cfg := TestConfig()
	cfg.Backend.Type = "etcd"
	_, err = NewSupervisor(t.Context(), &cfg)
	require.ErrorIs(t, err, ErrInvalidConfig)

	cfg = TestConfig()
	cfg.Health.DeadTimeout = cfg.Health.FrozenTimeout
	_, err = NewSupervisor(t.Context(), &cfg)
	require.ErrorIs(t, err, ErrInvalidConfig)
}

func TestSupervisor_StartStop(t *testing.T) {
	sup := newTestSupervisor(t, TestConfig())
	w := vigiltest.NewFakeWorker("planner")
	require.NoError(t, sup.Register(w))

	require.ErrorIs(t, sup.Stop(t.Context()), ErrNotStarted)
	require.NoError(t, sup.Start(t.Context()))
	require.ErrorIs(t, sup.Start(t.Context()), ErrAlreadyStarted)

	require.NoError(t, sup.Stop(t.Context()))
	require.False(t, w.Running(), "workers are stopped on shutdown")
	require.True(t, sup.Store().Closed())
	require.ErrorIs(t, sup.Stop(t.Context()), ErrNotStarted)
}

func TestSupervisor_Registration(t *testing.T) {
	sup := newTestSupervisor(t, TestConfig())

	require.ErrorIs(t, sup.Register(nil), ErrInvalidWorkerID)
	require.NoError(t, sup.Register(vigiltest.NewFakeWorker("lidar")))
	require.ErrorIs(t, sup.Register(vigiltest.NewFakeWorker("lidar")), ErrWorkerAlreadyRegistered)

	st, err := sup.GetHealth("lidar")
	require.NoError(t, err)
	require.Equal(t, HealthHealthy, st.State)
	require.InDelta(t, 100.0, st.Score, 0.001)

	_, err = sup.GetHealth("camera")
	require.ErrorIs(t, err, ErrWorkerNotRegistered)

	require.NoError(t, sup.Unregister("lidar"))
	require.ErrorIs(t, sup.Unregister("lidar"), ErrWorkerNotRegistered)
	_, err = sup.GetHealth("lidar")
	require.ErrorIs(t, err, ErrWorkerNotRegistered)

	// the slot is free again
	require.NoError(t, sup.Register(vigiltest.NewFakeWorker("lidar")))
}

func TestSupervisor_CloseWithoutStart(t *testing.T) {
	sup := newTestSupervisor(t, TestConfig())

	require.NoError(t, sup.Close(t.Context()))
	require.True(t, sup.Store().Closed())
	require.NoError(t, sup.Close(t.Context()))
	require.ErrorIs(t, sup.Start(t.Context()), ErrStoreClosed)
	require.ErrorIs(t, sup.Stop(t.Context()), ErrNotStarted)
}

func TestSupervisor_RestartsSilentWorker(t *testing.T) {
	cfg := TestConfig()
	cfg.Health.DeadReemitInterval = 5 * time.Second
	sup := newTestSupervisor(t, cfg)

	w := vigiltest.NewFakeWorker("arm")
	require.NoError(t, sup.Register(w))
	require.NoError(t, sup.Start(t.Context()))

	// no beats: Frozen triggers a reset, Dead a restart
	require.Eventually(t, func() bool {
		return w.CallCount(vigiltest.HookStart) >= 1
	}, 3*time.Second, 10*time.Millisecond)
	require.GreaterOrEqual(t, w.CallCount(vigiltest.HookReset), 1)

	stop := beatLoop(t, sup, "arm")
	require.Eventually(t, func() bool {
		st, err := sup.GetHealth("arm")
		return err == nil && st.State == HealthHealthy
	}, 3*time.Second, 10*time.Millisecond)

	var actions []RecoveryAction
	for _, rec := range sup.ActionHistory() {
		actions = append(actions, rec.Action)
	}
	require.Contains(t, actions, ActionReset)
	require.Contains(t, actions, ActionRestart)

	last, _, err := store.GetAs[ActionRecord](sup.Store(), recovery.SystemNamespace, recovery.RecoveryKeyPrefix+"arm")
	require.NoError(t, err)
	require.Equal(t, "arm", last.WorkerID)

	stop()
	require.NoError(t, sup.Stop(t.Context()))
}

func TestSupervisor_HealthyWorkersLeftAlone(t *testing.T) {
	sup := newTestSupervisor(t, TestConfig())
	w := vigiltest.NewFakeWorker("camera")
	require.NoError(t, sup.Register(w))
	stop := beatLoop(t, sup, "camera")
	require.NoError(t, sup.Start(t.Context()))

	time.Sleep(300 * time.Millisecond)

	require.Empty(t, sup.ActionHistory())
	require.Empty(t, w.Calls())
	require.InDelta(t, 100.0, sup.SystemHealthScore(), 5)

	statuses := sup.Workers()
	require.Len(t, statuses, 1)
	require.Equal(t, HealthHealthy, statuses[0].State)

	stop()
	require.NoError(t, sup.Stop(t.Context()))
}

func TestSupervisor_EmergencyRequestThroughStore(t *testing.T) {
	var (
		mu      sync.Mutex
		reasons []string
	)
	hooks := &Hooks{OnEmergencyStop: func(_ context.Context, reason string) error {
		mu.Lock()
		reasons = append(reasons, reason)
		mu.Unlock()

		return nil
	}}
	sup := newTestSupervisor(t, TestConfig(), WithHooks(hooks))

	planner := vigiltest.NewFakeWorker("planner")
	gripper := vigiltest.NewFakeWorker("gripper")
	require.NoError(t, sup.Register(planner))
	require.NoError(t, sup.Register(gripper, WithSafetyCritical()))
	stop := beatLoop(t, sup, "planner", "gripper")
	require.NoError(t, sup.Start(t.Context()))

	_, err := sup.Store().Put(recovery.SystemNamespace, recovery.EmergencyRequestKey, "lidar blind")
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return sup.EmergencyActive() && !planner.Running() && !gripper.Running()
	}, 2*time.Second, 10*time.Millisecond)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(reasons) == 1 && reasons[0] == "lidar blind"
	}, time.Second, 10*time.Millisecond)

	state, _, err := store.GetAs[recovery.EmergencyState](sup.Store(), recovery.SystemNamespace, recovery.EmergencyKey)
	require.NoError(t, err)
	require.True(t, state.Active)
	require.Equal(t, "lidar blind", state.Reason)

	_, err = sup.ForceRecovery(t.Context(), "planner", ActionRestart)
	require.ErrorIs(t, err, ErrEmergencyActive)

	require.True(t, sup.ClearEmergency())
	require.False(t, sup.ClearEmergency())
	require.False(t, sup.EmergencyActive())

	stop()
	require.NoError(t, sup.Stop(t.Context()))
}

func TestSupervisor_ForceRecovery(t *testing.T) {
	sup := newTestSupervisor(t, TestConfig())
	w := vigiltest.NewFakeWorker("planner")
	require.NoError(t, sup.Register(w))

	rec, err := sup.ForceRecovery(t.Context(), "planner", ActionReset)
	require.NoError(t, err)
	require.Equal(t, ActionReset, rec.Action)
	require.Equal(t, ResultSucceeded, rec.Result)
	require.Equal(t, 1, w.CallCount(vigiltest.HookReset))

	_, err = sup.ForceRecovery(t.Context(), "ghost", ActionReset)
	require.ErrorIs(t, err, ErrWorkerNotRegistered)

	history := sup.ActionHistory()
	require.Len(t, history, 1)
	require.Equal(t, rec.ID, history[0].ID)
}

func TestSupervisor_ShutdownMarksUnresponsiveDead(t *testing.T) {
	sup := newTestSupervisor(t, TestConfig())
	stuck := vigiltest.NewFakeWorker("stuck")
	stuck.DelayOn(vigiltest.HookStop, time.Hour)
	fine := vigiltest.NewFakeWorker("fine")
	require.NoError(t, sup.Register(stuck))
	require.NoError(t, sup.Register(fine))
	require.NoError(t, sup.Start(t.Context()))

	err := sup.Stop(t.Context())
	require.ErrorIs(t, err, ErrActionTimeout)

	st, err := sup.GetHealth("stuck")
	require.NoError(t, err)
	require.Equal(t, HealthDead, st.State)
	require.False(t, fine.Running())
}

func TestSupervisor_PersistsWithBadger(t *testing.T) {
	dir := t.TempDir()
	cfg := TestConfig()
	cfg.Backend.Type = BackendBadger
	cfg.Backend.Badger.Dir = dir

	sup := newTestSupervisor(t, cfg)
	_, err := sup.Store().Put("sensor_state", "pose", "x=1.5,y=0.2")
	require.NoError(t, err)
	require.NoError(t, sup.Start(t.Context()))
	require.NoError(t, sup.Stop(t.Context()))

	reopened := newTestSupervisor(t, cfg)
	pose, version, err := store.GetAs[string](reopened.Store(), "sensor_state", "pose")
	require.NoError(t, err)
	require.Equal(t, "x=1.5,y=0.2", pose)
	require.Equal(t, uint64(1), version)
}

func TestSupervisor_PersistsWithNATS(t *testing.T) {
	ns, _ := vigiltest.StartEmbeddedNATS(t)
	cfg := TestConfig()
	cfg.Backend.Type = BackendNATS
	cfg.Backend.NATS.URL = ns.ClientURL()
	cfg.Backend.NATS.MemoryStorage = true

	sup := newTestSupervisor(t, cfg)
	_, err := sup.Store().Put("planned_trajectory", "current", []float64{0.1, 0.2})
	require.NoError(t, err)
	require.NoError(t, sup.Start(t.Context()))
	require.NoError(t, sup.Stop(t.Context()))

	reopened := newTestSupervisor(t, cfg)
	traj, _, err := store.GetAs[[]float64](reopened.Store(), "planned_trajectory", "current")
	require.NoError(t, err)
	require.Equal(t, []float64{0.1, 0.2}, traj)
}

func TestSupervisor_PrunesHistory(t *testing.T) {
	cfg := TestConfig()
	cfg.Store.HistoryMaxAge = 20 * time.Millisecond
	cfg.Store.PruneInterval = 20 * time.Millisecond
	sup := newTestSupervisor(t, cfg)

	for i := range 5 {
		_, err := sup.Store().Put("sensor_state", "pose", i)
		require.NoError(t, err)
	}
	require.NotEmpty(t, sup.Store().History("sensor_state", 0))

	require.NoError(t, sup.Start(t.Context()))
	require.Eventually(t, func() bool {
		return len(sup.Store().History("sensor_state", 0)) == 0
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, sup.Stop(t.Context()))
}

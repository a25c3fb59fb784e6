package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/arloliu/vigil/types"
)

func TestPrometheusCollector_LazyRegistration(t *testing.T) {
	reg := prometheus.NewRegistry()
	p := NewPrometheus(reg, "")

	families, err := reg.Gather()
	require.NoError(t, err)
	require.Empty(t, families)

	p.RecordPut("sensor_state")

	families, err = reg.Gather()
	require.NoError(t, err)
	require.NotEmpty(t, families)
}

func TestPrometheusCollector_Values(t *testing.T) {
	reg := prometheus.NewRegistry()
	p := NewPrometheus(reg, "test")

	p.RecordPut("sensor_state")
	p.RecordPut("sensor_state")
	p.RecordNotificationDropped("sensor_state")
	p.RecordHealthTransition("planner", types.HealthHealthy, types.HealthFrozen)
	p.RecordRecoveryAction(types.ActionReset, types.ResultSucceeded, 0.02)
	p.RecordSystemHealthScore(75)
	p.RecordIsolatedWorkers(1)
	p.RecordEmergencyStop()
	p.RecordHeartbeat("planner", false)

	require.InDelta(t, 2.0, testutil.ToFloat64(p.puts.WithLabelValues("sensor_state")), 0)
	require.InDelta(t, 1.0, testutil.ToFloat64(p.dropped.WithLabelValues("sensor_state")), 0)
	require.InDelta(t, 1.0, testutil.ToFloat64(p.transitions.WithLabelValues("HEALTHY", "FROZEN")), 0)
	require.InDelta(t, 1.0, testutil.ToFloat64(p.actions.WithLabelValues("RESET", "succeeded")), 0)
	require.InDelta(t, 75.0, testutil.ToFloat64(p.systemScore), 0)
	require.InDelta(t, 1.0, testutil.ToFloat64(p.isolatedWorkers), 0)
	require.InDelta(t, 1.0, testutil.ToFloat64(p.emergencyStops), 0)
	require.InDelta(t, 1.0, testutil.ToFloat64(p.heartbeats.WithLabelValues("rejected")), 0)
}

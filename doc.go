// Package vigil supervises a set of independently scheduled workers that
// share state through a namespaced store.
//
// Workers write their data into the store and beat into a heartbeat
// registry. A classifier turns heartbeat age and reported metrics into a
// health state per worker (Healthy, Degraded, Frozen, Dead), and a recovery
// dispatcher reacts to every state change by calling the worker's control
// hooks: Degrade, ResetState, Stop/Start, or isolation. Isolating a worker
// marked safety-critical stops every worker instead.
//
// # Quick Start
//
//	cfg := vigil.DefaultConfig()
//	sup, err := vigil.NewSupervisor(ctx, &cfg, vigil.WithLogger(logger))
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	if err := sup.Register(planner, vigil.WithSafetyCritical()); err != nil {
//	    log.Fatal(err)
//	}
//	if err := sup.Start(ctx); err != nil {
//	    log.Fatal(err)
//	}
//	defer sup.Stop(context.Background())
//
//	// inside the worker loop
//	_ = sup.Beat("planner", vigil.WorkerMetrics{ProcessingTime: elapsed})
//	_, _ = sup.Store().Put("planned_trajectory", "current", traj)
//
// # Worker Capabilities
//
// A worker only has to implement ID(). Recovery uses whichever of Starter,
// Stopper, StateResetter and Degrader it also implements; an action the
// worker cannot perform escalates to the next stronger one.
//
// # State Layout
//
// Supervision state lives in the store so any worker can observe it:
//
//	health_status/<worker>            latest HealthStatus
//	system_status/health_report       system score and all statuses
//	system_status/recovery.<worker>   last ActionRecord
//	system_status/isolated.<worker>   isolation flag
//	system_status/emergency           emergency latch state
//	module_heartbeats/<worker>        latest HeartbeatRecord
//
// Writing any value to system_status/emergency_request triggers an
// emergency stop with that value as the reason.
//
// # Persistence
//
// The store is in-memory by default. With a BadgerDB or NATS JetStream KV
// backend, writes are persisted behind the in-memory state and restored on
// the next start.
package vigil

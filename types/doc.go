// Package types provides the shared type definitions and interfaces for vigil.
//
// Types live here instead of the root package so the store, heartbeat,
// health and recovery packages can share them without importing the root
// vigil package (which imports all of them).
//
// Key types:
//   - Entry, Event: versioned values held by the state store and the change events built from them
//   - HeartbeatRecord, WorkerMetrics: liveness and self-reported metrics per worker
//   - HealthState, HealthFlags, HealthTransition: classifier output
//   - RecoveryAction, ActionRecord: dispatcher decisions and their audit trail
//   - Worker and its capability interfaces (Starter, Stopper, StateResetter, Degrader)
//   - Logger, MetricsCollector, Hooks: ambient integration points
package types

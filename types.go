package vigil

import "github.com/arloliu/vigil/types"

// Re-export types from the types package.
//
// Internal packages depend on types rather than on the root package, which
// avoids import cycles while users still write vigil.Worker, vigil.Logger, etc.
type (
	Entry            = types.Entry
	Event            = types.Event
	EventKind        = types.EventKind
	NotifyFunc       = types.NotifyFunc
	HealthState      = types.HealthState
	HealthFlags      = types.HealthFlags
	HealthStatus     = types.HealthStatus
	HealthTransition = types.HealthTransition
	WorkerMetrics    = types.WorkerMetrics
	HeartbeatRecord  = types.HeartbeatRecord
	RecoveryAction   = types.RecoveryAction
	ActionResult     = types.ActionResult
	ActionRecord     = types.ActionRecord
)

// Re-export interfaces from the types package for convenience.
type (
	Worker           = types.Worker
	Starter          = types.Starter
	Stopper          = types.Stopper
	StateResetter    = types.StateResetter
	Degrader         = types.Degrader
	Logger           = types.Logger
	MetricsCollector = types.MetricsCollector
	Hooks            = types.Hooks
	Clock            = types.Clock
)

// Re-export health states and flags.
const (
	HealthHealthy  = types.HealthHealthy
	HealthDegraded = types.HealthDegraded
	HealthFrozen   = types.HealthFrozen
	HealthDead     = types.HealthDead

	FlagOverloaded          = types.FlagOverloaded
	FlagMemoryLeakSuspected = types.FlagMemoryLeakSuspected
)

// Re-export recovery actions, ordered by aggressiveness.
const (
	ActionNone          = types.ActionNone
	ActionDegrade       = types.ActionDegrade
	ActionReset         = types.ActionReset
	ActionRestart       = types.ActionRestart
	ActionIsolate       = types.ActionIsolate
	ActionEmergencyStop = types.ActionEmergencyStop
)

// Re-export action results.
const (
	ResultSucceeded = types.ResultSucceeded
	ResultFailed    = types.ResultFailed
	ResultTimeout   = types.ResultTimeout
	ResultSkipped   = types.ResultSkipped
)

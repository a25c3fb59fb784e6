package types

import (
	"fmt"
	"strings"
	"time"
)

// RecoveryAction is a corrective step the dispatcher can take on a worker.
//
// Actions are ordered by aggressiveness; the order drives escalation after a
// failed action and downgrade when a worker lacks a capability:
//
//	ActionDegrade < ActionReset < ActionRestart < ActionIsolate < ActionEmergencyStop
type RecoveryAction int

const (
	// ActionNone means no action is required.
	ActionNone RecoveryAction = iota

	// ActionDegrade asks the worker to lower its workload.
	ActionDegrade

	// ActionReset asks the worker to clear its internal state.
	ActionReset

	// ActionRestart stops and starts the worker.
	ActionRestart

	// ActionIsolate removes the worker from the active set.
	ActionIsolate

	// ActionEmergencyStop halts every worker and automatic recovery.
	ActionEmergencyStop
)

// String returns the string representation of the action.
func (a RecoveryAction) String() string {
	switch a {
	case ActionNone:
		return "NONE"
	case ActionDegrade:
		return "DEGRADE"
	case ActionReset:
		return "RESET"
	case ActionRestart:
		return "RESTART"
	case ActionIsolate:
		return "ISOLATE"
	case ActionEmergencyStop:
		return "EMERGENCY_STOP"
	default:
		return "UNKNOWN"
	}
}

// MarshalText implements encoding.TextMarshaler.
func (a RecoveryAction) MarshalText() ([]byte, error) {
	return []byte(a.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (a *RecoveryAction) UnmarshalText(text []byte) error {
	parsed, err := ParseRecoveryAction(string(text))
	if err != nil {
		return err
	}
	*a = parsed

	return nil
}

// ParseRecoveryAction parses a case-insensitive action name.
//
// Parameters:
//   - name: Action name such as "restart" or "EMERGENCY_STOP"
//
// Returns:
//   - RecoveryAction: Parsed action
//   - error: Non-nil if the name is unknown
func ParseRecoveryAction(name string) (RecoveryAction, error) {
	switch strings.ToUpper(strings.TrimSpace(name)) {
	case "NONE":
		return ActionNone, nil
	case "DEGRADE":
		return ActionDegrade, nil
	case "RESET":
		return ActionReset, nil
	case "RESTART":
		return ActionRestart, nil
	case "ISOLATE":
		return ActionIsolate, nil
	case "EMERGENCY_STOP", "EMERGENCY-STOP", "EMERGENCYSTOP":
		return ActionEmergencyStop, nil
	default:
		return ActionNone, fmt.Errorf("unknown recovery action %q", name)
	}
}

// Escalate returns the next more aggressive per-worker action.
//
// Escalation stops at ActionIsolate; a system-wide emergency stop is never
// reached by escalation alone.
func (a RecoveryAction) Escalate() RecoveryAction {
	if a == ActionNone || a >= ActionIsolate {
		return a
	}

	return a + 1
}

// ActionResult is the outcome of an executed recovery action.
type ActionResult string

const (
	ResultSucceeded ActionResult = "succeeded"
	ResultFailed    ActionResult = "failed"
	ResultTimeout   ActionResult = "timeout"
	ResultSkipped   ActionResult = "skipped"
)

// ActionRecord is the audit entry written for every recovery action.
type ActionRecord struct {
	ID        string         `json:"id"`
	WorkerID  string         `json:"worker_id"`
	Action    RecoveryAction `json:"action"`
	Requested RecoveryAction `json:"requested"`
	From      HealthState    `json:"from"`
	To        HealthState    `json:"to"`
	Reason    string         `json:"reason"`
	Attempt   int            `json:"attempt"`
	Result    ActionResult   `json:"result"`
	Error     string         `json:"error,omitempty"`
	StartedAt time.Time      `json:"started_at"`
	Duration  time.Duration  `json:"duration"`
}

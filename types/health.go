package types

import (
	"fmt"
	"strings"
	"time"
)

// HealthState is the classifier's verdict for a worker.
//
// States are ordered by severity:
//
//	HealthHealthy < HealthDegraded < HealthFrozen < HealthDead
//
// HealthDead is terminal until a restart succeeds.
type HealthState int

const (
	// HealthHealthy means the worker beats on time and meets its processing budget.
	HealthHealthy HealthState = iota

	// HealthDegraded means the worker beats but exceeds its processing-time threshold.
	HealthDegraded

	// HealthFrozen means the worker has not beaten within the frozen timeout.
	HealthFrozen

	// HealthDead means the worker has not beaten within the dead timeout.
	HealthDead
)

// String returns the string representation of the health state.
func (s HealthState) String() string {
	switch s {
	case HealthHealthy:
		return "HEALTHY"
	case HealthDegraded:
		return "DEGRADED"
	case HealthFrozen:
		return "FROZEN"
	case HealthDead:
		return "DEAD"
	default:
		return "UNKNOWN"
	}
}

// MarshalText implements encoding.TextMarshaler.
func (s HealthState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (s *HealthState) UnmarshalText(text []byte) error {
	parsed, err := ParseHealthState(string(text))
	if err != nil {
		return err
	}
	*s = parsed

	return nil
}

// ParseHealthState parses a case-insensitive health state name.
//
// Parameters:
//   - name: State name such as "healthy" or "FROZEN"
//
// Returns:
//   - HealthState: Parsed state
//   - error: Non-nil if the name is unknown
func ParseHealthState(name string) (HealthState, error) {
	switch strings.ToUpper(strings.TrimSpace(name)) {
	case "HEALTHY":
		return HealthHealthy, nil
	case "DEGRADED":
		return HealthDegraded, nil
	case "FROZEN":
		return HealthFrozen, nil
	case "DEAD":
		return HealthDead, nil
	default:
		return HealthHealthy, fmt.Errorf("unknown health state %q", name)
	}
}

// HealthFlags are orthogonal conditions reported alongside the health state.
type HealthFlags uint8

const (
	// FlagOverloaded is set while the worker's queue exceeds the overload limit.
	FlagOverloaded HealthFlags = 1 << iota

	// FlagMemoryLeakSuspected is set while memory usage grows on every sample of the window.
	FlagMemoryLeakSuspected
)

// Has reports whether all bits of flag are set.
func (f HealthFlags) Has(flag HealthFlags) bool {
	return f&flag == flag
}

// String returns the flags joined by "|", or an empty string when none are set.
func (f HealthFlags) String() string {
	var parts []string
	if f.Has(FlagOverloaded) {
		parts = append(parts, "OVERLOADED")
	}
	if f.Has(FlagMemoryLeakSuspected) {
		parts = append(parts, "MEMORY_LEAK_SUSPECTED")
	}

	return strings.Join(parts, "|")
}

// MarshalText implements encoding.TextMarshaler.
func (f HealthFlags) MarshalText() ([]byte, error) {
	return []byte(f.String()), nil
}

// UnmarshalText parses the form produced by MarshalText.
func (f *HealthFlags) UnmarshalText(text []byte) error {
	var flags HealthFlags
	for part := range strings.SplitSeq(string(text), "|") {
		switch strings.TrimSpace(part) {
		case "":
		case "OVERLOADED":
			flags |= FlagOverloaded
		case "MEMORY_LEAK_SUSPECTED":
			flags |= FlagMemoryLeakSuspected
		default:
			return fmt.Errorf("unknown health flag %q", part)
		}
	}
	*f = flags

	return nil
}

// HealthTransition is emitted by the classifier when a worker's state changes.
//
// Flag-only changes produce a transition with From == To and FlagsChanged set.
// A dead worker is re-emitted periodically with Reemit set so a dropped
// transition is eventually repaired.
type HealthTransition struct {
	WorkerID     string      `json:"worker_id"`
	From         HealthState `json:"from"`
	To           HealthState `json:"to"`
	Flags        HealthFlags `json:"flags"`
	FlagsChanged bool        `json:"flags_changed"`
	Reemit       bool        `json:"reemit"`
	Reason       string      `json:"reason"`
	At           time.Time   `json:"at"`
}

// IsStateChange reports whether the transition moves the worker to a different state.
func (t HealthTransition) IsStateChange() bool {
	return t.From != t.To
}

// HealthStatus is the point-in-time health view of a single worker.
type HealthStatus struct {
	WorkerID          string      `json:"worker_id"`
	State             HealthState `json:"state"`
	Flags             HealthFlags `json:"flags"`
	Score             float64     `json:"score"`
	LastHeartbeat     time.Time   `json:"last_heartbeat"`
	ConsecutiveMisses int         `json:"consecutive_misses"`
	Since             time.Time   `json:"since"`
	Isolated          bool        `json:"isolated"`
}

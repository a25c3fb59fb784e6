package types

import "context"

// Worker is a supervised component. Only the ID is required; control hooks
// are discovered through the optional capability interfaces below.
type Worker interface {
	ID() string
}

// Starter is implemented by workers that can be (re)started.
type Starter interface {
	Start(ctx context.Context) error
}

// Stopper is implemented by workers that can be stopped.
type Stopper interface {
	Stop(ctx context.Context) error
}

// StateResetter is implemented by workers that can clear their internal state
// without a full restart.
type StateResetter interface {
	ResetState(ctx context.Context) error
}

// Degrader is implemented by workers that can shed load on request.
//
// Level grows with the number of consecutive degrade requests, starting at 1.
type Degrader interface {
	Degrade(ctx context.Context, level int) error
}

// Capabilities is the set of control hooks a worker exposes.
type Capabilities uint8

const (
	CapStart Capabilities = 1 << iota
	CapStop
	CapReset
	CapDegrade
)

// CapabilitiesOf detects the control hooks implemented by w.
//
// Parameters:
//   - w: Worker to inspect
//
// Returns:
//   - Capabilities: Bitset of supported hooks
func CapabilitiesOf(w Worker) Capabilities {
	var caps Capabilities
	if _, ok := w.(Starter); ok {
		caps |= CapStart
	}
	if _, ok := w.(Stopper); ok {
		caps |= CapStop
	}
	if _, ok := w.(StateResetter); ok {
		caps |= CapReset
	}
	if _, ok := w.(Degrader); ok {
		caps |= CapDegrade
	}

	return caps
}

// Has reports whether all bits of c are set.
func (caps Capabilities) Has(c Capabilities) bool {
	return caps&c == c
}

// Supports reports whether a worker with these capabilities can execute action.
//
// Isolate needs no hook. Emergency stop uses Stop when present and is always
// accepted since it acts on the whole system.
func (caps Capabilities) Supports(action RecoveryAction) bool {
	switch action {
	case ActionNone, ActionIsolate, ActionEmergencyStop:
		return true
	case ActionDegrade:
		return caps.Has(CapDegrade)
	case ActionReset:
		return caps.Has(CapReset)
	case ActionRestart:
		return caps.Has(CapStart | CapStop)
	default:
		return false
	}
}

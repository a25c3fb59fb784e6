// Package hooks provides default Hooks implementations and a helper for
// invoking hooks asynchronously.
package hooks

import (
	"context"

	"github.com/arloliu/vigil/types"
)

// NopHooks implements Hooks with no-op callbacks.
//
// This is the default used when no custom hooks are provided, so callers
// never nil-check individual callbacks.
type NopHooks struct{}

// Compile-time assertions that NopHooks implements hook callbacks.
var (
	_ func(context.Context, types.HealthTransition) error = (*NopHooks)(nil).OnHealthChanged
	_ func(context.Context, types.ActionRecord) error     = (*NopHooks)(nil).OnRecoveryAction
	_ func(context.Context, string) error                 = (*NopHooks)(nil).OnEmergencyStop
	_ func(context.Context, error) error                  = (*NopHooks)(nil).OnError
)

// NewNop creates a new no-op hooks implementation.
//
// Returns:
//   - types.Hooks: Hooks with every callback set to a no-op
func NewNop() types.Hooks {
	h := &NopHooks{}

	return types.Hooks{
		OnHealthChanged:  h.OnHealthChanged,
		OnRecoveryAction: h.OnRecoveryAction,
		OnEmergencyStop:  h.OnEmergencyStop,
		OnError:          h.OnError,
	}
}

// Fill returns a copy of h with nil callbacks replaced by no-ops.
//
// Parameters:
//   - h: User-supplied hooks, may be nil
//
// Returns:
//   - *types.Hooks: Hooks safe to call without nil checks
func Fill(h *types.Hooks) *types.Hooks {
	filled := NewNop()
	if h == nil {
		return &filled
	}
	if h.OnHealthChanged != nil {
		filled.OnHealthChanged = h.OnHealthChanged
	}
	if h.OnRecoveryAction != nil {
		filled.OnRecoveryAction = h.OnRecoveryAction
	}
	if h.OnEmergencyStop != nil {
		filled.OnEmergencyStop = h.OnEmergencyStop
	}
	if h.OnError != nil {
		filled.OnError = h.OnError
	}

	return &filled
}

// OnHealthChanged is a no-op implementation.
func (h *NopHooks) OnHealthChanged(_ context.Context, _ types.HealthTransition) error {
	return nil
}

// OnRecoveryAction is a no-op implementation.
func (h *NopHooks) OnRecoveryAction(_ context.Context, _ types.ActionRecord) error {
	return nil
}

// OnEmergencyStop is a no-op implementation.
func (h *NopHooks) OnEmergencyStop(_ context.Context, _ string) error {
	return nil
}

// OnError is a no-op implementation.
func (h *NopHooks) OnError(_ context.Context, _ error) error {
	return nil
}

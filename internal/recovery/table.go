package recovery

import "github.com/arloliu/vigil/types"

// History is the per-worker recovery history the rule table consults.
// It is cleared when the worker returns to Healthy.
type History struct {
	Restarts   int
	ResetTried bool
}

// rule is one row of the transition table.
type rule struct {
	name   string
	match  func(tr types.HealthTransition, h History, maxRestarts int) bool
	action types.RecoveryAction
}

// rules is evaluated top to bottom; the first match wins. The restart limit
// comes first so no Restart is issued once it is reached.
var rules = []rule{
	{
		name: "restart limit reached",
		match: func(tr types.HealthTransition, h History, maxRestarts int) bool {
			return tr.To != types.HealthHealthy && h.Restarts >= maxRestarts
		},
		action: types.ActionIsolate,
	},
	{
		name: "healthy to degraded",
		match: func(tr types.HealthTransition, _ History, _ int) bool {
			return tr.From == types.HealthHealthy && tr.To == types.HealthDegraded
		},
		action: types.ActionDegrade,
	},
	{
		name: "degraded to frozen",
		match: func(tr types.HealthTransition, _ History, _ int) bool {
			return tr.From == types.HealthDegraded && tr.To == types.HealthFrozen
		},
		action: types.ActionReset,
	},
	{
		name: "frozen, no reset attempted",
		match: func(tr types.HealthTransition, h History, _ int) bool {
			return tr.To == types.HealthFrozen && !h.ResetTried
		},
		action: types.ActionReset,
	},
	{
		name: "frozen, reset attempted",
		match: func(tr types.HealthTransition, h History, _ int) bool {
			return tr.To == types.HealthFrozen && h.ResetTried
		},
		action: types.ActionRestart,
	},
	{
		name: "dead",
		match: func(tr types.HealthTransition, _ History, _ int) bool {
			return tr.To == types.HealthDead
		},
		action: types.ActionRestart,
	},
	{
		name: "healthy",
		match: func(tr types.HealthTransition, _ History, _ int) bool {
			return tr.To == types.HealthHealthy
		},
		action: types.ActionNone,
	},
}

// Decide returns the action for a transition and the name of the matching rule.
//
// Parameters:
//   - tr: Transition emitted by the classifier
//   - h: Recovery history of the worker
//   - maxRestarts: Restart limit before isolation
//
// Returns:
//   - types.RecoveryAction: Action to take, ActionNone when no rule applies
//   - string: Name of the matching rule, empty when none matched
func Decide(tr types.HealthTransition, h History, maxRestarts int) (types.RecoveryAction, string) {
	for _, r := range rules {
		if r.match(tr, h, maxRestarts) {
			return r.action, r.name
		}
	}

	return types.ActionNone, ""
}

// Resolve returns the least aggressive action at or above action that caps supports.
//
// Isolate needs no hook, so the result is at most ActionIsolate for any
// per-worker action.
func Resolve(action types.RecoveryAction, caps types.Capabilities) types.RecoveryAction {
	for action != types.ActionNone && action < types.ActionIsolate && !caps.Supports(action) {
		action = action.Escalate()
	}

	return action
}

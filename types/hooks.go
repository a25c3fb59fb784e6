package types

import "context"

// Hooks defines callbacks for supervision events.
//
// All hooks are optional and run asynchronously in background goroutines so
// they never block the classifier or the dispatcher. The context is the
// supervisor's lifecycle context and is cancelled on shutdown.
//
// Hook errors are logged and otherwise ignored. Keep hooks short and
// idempotent; they may run concurrently with each other.
//
// Example:
//
//	hooks := &vigil.Hooks{
//	    OnHealthChanged: func(ctx context.Context, tr vigil.HealthTransition) error {
//	        alerts <- fmt.Sprintf("%s: %s -> %s", tr.WorkerID, tr.From, tr.To)
//	        return nil
//	    },
//	}
type Hooks struct {
	// OnHealthChanged is called for every transition emitted by the classifier,
	// including flag-only changes.
	OnHealthChanged func(ctx context.Context, tr HealthTransition) error

	// OnRecoveryAction is called after a recovery action completes, with its audit record.
	OnRecoveryAction func(ctx context.Context, rec ActionRecord) error

	// OnEmergencyStop is called once when an emergency stop is triggered.
	OnEmergencyStop func(ctx context.Context, reason string) error

	// OnError is called when a recoverable error occurs.
	OnError func(ctx context.Context, err error) error
}

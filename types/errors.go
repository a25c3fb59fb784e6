package types

import "errors"

// Sentinel errors for vigil.
//
// Check them with errors.Is. External errors are wrapped with context using
// fmt.Errorf("...: %w", err) so the sentinel stays reachable.

// Store errors.
var (
	// ErrStoreClosed is returned by write operations after the store has been closed.
	ErrStoreClosed = errors.New("store closed")

	// ErrNotFound is returned when a namespace/key pair holds no entry.
	ErrNotFound = errors.New("entry not found")

	// ErrInvalidKey is returned for empty keys.
	ErrInvalidKey = errors.New("invalid key")

	// ErrInvalidPattern is returned when a subscription key pattern is malformed.
	ErrInvalidPattern = errors.New("invalid key pattern")

	// ErrInvalidNamespace is returned for empty or malformed namespace names.
	ErrInvalidNamespace = errors.New("invalid namespace")

	// ErrDispatchFailure marks a subscriber callback that panicked or returned an error.
	// It is logged and counted, never returned to the writer.
	ErrDispatchFailure = errors.New("notification dispatch failure")

	// ErrChecksumMismatch is returned when a persisted record fails checksum validation.
	ErrChecksumMismatch = errors.New("record checksum mismatch")

	// ErrBackendUnavailable is returned when the persistence circuit breaker is open.
	ErrBackendUnavailable = errors.New("persistence backend unavailable")
)

// Supervision errors.
var (
	// ErrInvalidConfig is returned when the configuration is invalid.
	ErrInvalidConfig = errors.New("invalid configuration")

	// ErrAlreadyStarted is returned when Start is called on a running component.
	ErrAlreadyStarted = errors.New("already started")

	// ErrNotStarted is returned when an operation requires a started component.
	ErrNotStarted = errors.New("not started")

	// ErrInvalidWorkerID is returned when a worker ID is empty.
	ErrInvalidWorkerID = errors.New("invalid worker ID")

	// ErrWorkerNotRegistered is returned for operations on unknown workers.
	ErrWorkerNotRegistered = errors.New("worker not registered")

	// ErrWorkerAlreadyRegistered is returned when a worker ID is registered twice.
	ErrWorkerAlreadyRegistered = errors.New("worker already registered")

	// ErrActionTimeout is returned when a recovery action exceeds its time budget.
	ErrActionTimeout = errors.New("recovery action timed out")

	// ErrUnsupportedCapability is returned when a worker lacks the control hook an action needs.
	ErrUnsupportedCapability = errors.New("unsupported worker capability")

	// ErrEmergencyActive is returned when automatic recovery is halted by an emergency stop.
	ErrEmergencyActive = errors.New("emergency stop active")

	// ErrRecoveryInProgress is returned when a forced action targets a worker
	// that is already executing one.
	ErrRecoveryInProgress = errors.New("recovery action in progress")
)

package vigil

import "github.com/arloliu/vigil/types"

// Sentinel errors re-exported from the types package. Check them with errors.Is.
var (
	ErrInvalidConfig           = types.ErrInvalidConfig
	ErrAlreadyStarted          = types.ErrAlreadyStarted
	ErrNotStarted              = types.ErrNotStarted
	ErrInvalidWorkerID         = types.ErrInvalidWorkerID
	ErrWorkerNotRegistered     = types.ErrWorkerNotRegistered
	ErrWorkerAlreadyRegistered = types.ErrWorkerAlreadyRegistered
	ErrActionTimeout           = types.ErrActionTimeout
	ErrUnsupportedCapability   = types.ErrUnsupportedCapability
	ErrEmergencyActive         = types.ErrEmergencyActive
	ErrRecoveryInProgress      = types.ErrRecoveryInProgress

	ErrStoreClosed        = types.ErrStoreClosed
	ErrNotFound           = types.ErrNotFound
	ErrDispatchFailure    = types.ErrDispatchFailure
	ErrBackendUnavailable = types.ErrBackendUnavailable
)

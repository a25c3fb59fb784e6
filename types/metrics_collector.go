package types

// MetricsCollector defines methods for recording operational metrics.
//
// Implementations should be non-blocking and handle failures gracefully.
// All methods are called from internal goroutines and must be thread-safe.
//
// This interface composes smaller, domain-focused interfaces so each
// component can depend on only the part it records.
type MetricsCollector interface {
	StoreMetrics
	NotifierMetrics
	HeartbeatMetrics
	HealthMetrics
	RecoveryMetrics
}

// StoreMetrics defines metrics for the state store and its persistence layer.
type StoreMetrics interface {
	// RecordPut records a successful write.
	//
	// Parameters:
	//   - namespace: Namespace written to
	RecordPut(namespace string)

	// RecordNamespaceSize sets the number of live entries in a namespace (gauge metric).
	RecordNamespaceSize(namespace string, entries int)

	// RecordPersistOperation records a backend operation.
	//
	// Parameters:
	//   - operation: Operation type ("save", "delete", "load")
	//   - duration: Time taken in seconds
	//   - success: true if the backend call succeeded
	RecordPersistOperation(operation string, duration float64, success bool)

	// RecordPersistBacklog sets the number of records waiting to be persisted (gauge metric).
	RecordPersistBacklog(pending int)
}

// NotifierMetrics defines metrics for change notification delivery.
type NotifierMetrics interface {
	// RecordNotificationDelivered records an event handed to a subscriber callback.
	RecordNotificationDelivered(namespace string)

	// RecordNotificationDropped records an event discarded because a subscriber queue was full.
	RecordNotificationDropped(namespace string)

	// RecordDispatchFailure records a subscriber callback that panicked or returned an error.
	RecordDispatchFailure(namespace string)
}

// HeartbeatMetrics defines metrics for heartbeat reception.
type HeartbeatMetrics interface {
	// RecordHeartbeat records a heartbeat from a worker.
	//
	// Parameters:
	//   - workerID: The ID of the beating worker
	//   - success: true if the beat was accepted, false otherwise
	RecordHeartbeat(workerID string, success bool)
}

// HealthMetrics defines metrics for health classification.
type HealthMetrics interface {
	// RecordHealthTransition records a worker state change.
	RecordHealthTransition(workerID string, from, to HealthState)

	// RecordHealthScore sets a worker's health score, 0 to 100 (gauge metric).
	RecordHealthScore(workerID string, score float64)

	// RecordSystemHealthScore sets the system health score, 0 to 100 (gauge metric).
	RecordSystemHealthScore(score float64)

	// RecordClassifierTick records the duration of one classification pass in seconds.
	RecordClassifierTick(duration float64)
}

// RecoveryMetrics defines metrics for recovery dispatching.
type RecoveryMetrics interface {
	// RecordRecoveryAction records an executed action and its outcome.
	//
	// Parameters:
	//   - action: Action that ran
	//   - result: Outcome of the action
	//   - duration: Time taken in seconds
	RecordRecoveryAction(action RecoveryAction, result ActionResult, duration float64)

	// RecordTransitionDropped records a transition discarded because the dispatcher queue was full.
	RecordTransitionDropped()

	// RecordEmergencyStop records an emergency stop trigger.
	RecordEmergencyStop()

	// RecordIsolatedWorkers sets the current number of isolated workers (gauge metric).
	RecordIsolatedWorkers(count int)
}

// Package metrics provides MetricsCollector implementations for vigil.
package metrics

import "github.com/arloliu/vigil/types"

// NopMetrics implements a no-op metrics collector.
//
// All metrics are discarded. Useful for testing or when external
// metrics collection is used.
type NopMetrics struct{}

// Compile-time assertion that NopMetrics implements MetricsCollector.
var _ types.MetricsCollector = (*NopMetrics)(nil)

// NewNop creates a new no-op metrics collector.
//
// Example:
//
//	sup, err := vigil.NewSupervisor(&cfg, vigil.WithMetrics(metrics.NewNop()))
func NewNop() *NopMetrics {
	return &NopMetrics{}
}

// StoreMetrics implementation

// RecordPut discards the store write metric.
func (n *NopMetrics) RecordPut(_ /* namespace */ string) {
	// No-op
}

// RecordNamespaceSize discards the namespace size metric.
func (n *NopMetrics) RecordNamespaceSize(_ /* namespace */ string, _ /* entries */ int) {
	// No-op
}

// RecordPersistOperation discards the backend operation metric.
func (n *NopMetrics) RecordPersistOperation(_ string, _ /* duration */ float64, _ bool) {
	// No-op
}

// RecordPersistBacklog discards the persistence backlog metric.
func (n *NopMetrics) RecordPersistBacklog(_ /* pending */ int) {
	// No-op
}

// NotifierMetrics implementation

// RecordNotificationDelivered discards the delivery metric.
func (n *NopMetrics) RecordNotificationDelivered(_ /* namespace */ string) {
	// No-op
}

// RecordNotificationDropped discards the dropped notification metric.
func (n *NopMetrics) RecordNotificationDropped(_ /* namespace */ string) {
	// No-op
}

// RecordDispatchFailure discards the dispatch failure metric.
func (n *NopMetrics) RecordDispatchFailure(_ /* namespace */ string) {
	// No-op
}

// HeartbeatMetrics implementation

// RecordHeartbeat discards the heartbeat metric.
func (n *NopMetrics) RecordHeartbeat(_ /* workerID */ string, _ /* success */ bool) {
	// No-op
}

// HealthMetrics implementation

// RecordHealthTransition discards the health transition metric.
func (n *NopMetrics) RecordHealthTransition(_ /* workerID */ string, _, _ types.HealthState) {
	// No-op
}

// RecordHealthScore discards the worker score metric.
func (n *NopMetrics) RecordHealthScore(_ /* workerID */ string, _ /* score */ float64) {
	// No-op
}

// RecordSystemHealthScore discards the system score metric.
func (n *NopMetrics) RecordSystemHealthScore(_ /* score */ float64) {
	// No-op
}

// RecordClassifierTick discards the tick duration metric.
func (n *NopMetrics) RecordClassifierTick(_ /* duration */ float64) {
	// No-op
}

// RecoveryMetrics implementation

// RecordRecoveryAction discards the recovery action metric.
func (n *NopMetrics) RecordRecoveryAction(_ types.RecoveryAction, _ types.ActionResult, _ float64) {
	// No-op
}

// RecordTransitionDropped discards the dropped transition metric.
func (n *NopMetrics) RecordTransitionDropped() {
	// No-op
}

// RecordEmergencyStop discards the emergency stop metric.
func (n *NopMetrics) RecordEmergencyStop() {
	// No-op
}

// RecordIsolatedWorkers discards the isolated worker gauge.
func (n *NopMetrics) RecordIsolatedWorkers(_ /* count */ int) {
	// No-op
}


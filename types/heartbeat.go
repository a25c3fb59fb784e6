package types

import "time"

// WorkerMetrics are the self-reported figures a worker attaches to a heartbeat.
type WorkerMetrics struct {
	// ProcessingTime is the duration of the worker's last processing cycle.
	ProcessingTime time.Duration `json:"processing_time"`

	// ErrorCount is the cumulative number of errors observed by the worker.
	ErrorCount int `json:"error_count"`

	// ErrorRate is errors per second over the worker's own window.
	ErrorRate float64 `json:"error_rate"`

	// QueueSize is the number of pending work items.
	QueueSize int `json:"queue_size"`

	// MemoryMB is the worker's memory footprint in megabytes.
	MemoryMB float64 `json:"memory_mb"`

	// Gauges carries any additional numeric metrics.
	Gauges map[string]float64 `json:"gauges,omitempty"`
}

// HeartbeatRecord is the registry's view of a worker's liveness.
type HeartbeatRecord struct {
	WorkerID          string        `json:"worker_id"`
	LastHeartbeat     time.Time     `json:"last_heartbeat"`
	RegisteredAt      time.Time     `json:"registered_at"`
	ConsecutiveMisses int           `json:"consecutive_misses"`
	Beats             uint64        `json:"beats"`
	Metrics           WorkerMetrics `json:"metrics"`

	// DeclaredHealth is the worker's own advisory view, nil if never declared.
	// The classifier logs disagreements but never trusts it.
	DeclaredHealth *HealthState `json:"declared_health,omitempty"`
}

// Clock abstracts time for deterministic tests.
type Clock interface {
	Now() time.Time
}

// SystemClock is a Clock backed by time.Now.
type SystemClock struct{}

// Now returns the current wall-clock time.
func (SystemClock) Now() time.Time {
	return time.Now()
}

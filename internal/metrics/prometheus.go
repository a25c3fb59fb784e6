package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/arloliu/vigil/types"
)

// PrometheusCollector implements types.MetricsCollector backed by Prometheus.
//
// Collectors are created and registered lazily on first use, so constructing a
// PrometheusCollector that is never exercised leaves the registry untouched.
type PrometheusCollector struct {
	reg       prometheus.Registerer
	namespace string
	once      sync.Once

	// store
	puts             *prometheus.CounterVec
	namespaceEntries *prometheus.GaugeVec
	persistOps       *prometheus.CounterVec
	persistLatency   *prometheus.HistogramVec
	persistBacklog   prometheus.Gauge

	// notifier
	delivered        *prometheus.CounterVec
	dropped          *prometheus.CounterVec
	dispatchFailures *prometheus.CounterVec

	// heartbeat
	heartbeats *prometheus.CounterVec

	// health
	transitions  *prometheus.CounterVec
	workerScore  *prometheus.GaugeVec
	systemScore  prometheus.Gauge
	tickDuration prometheus.Histogram

	// recovery
	actions            *prometheus.CounterVec
	actionDuration     *prometheus.HistogramVec
	transitionsDropped prometheus.Counter
	emergencyStops     prometheus.Counter
	isolatedWorkers    prometheus.Gauge
}

// Compile-time assertion that PrometheusCollector implements MetricsCollector.
var _ types.MetricsCollector = (*PrometheusCollector)(nil)

// NewPrometheus creates a new Prometheus-backed metrics collector.
//
// Parameters:
//   - reg: Prometheus registerer interface (uses prometheus.DefaultRegisterer if nil)
//   - namespace: Prometheus metrics namespace (defaults to "vigil" if empty)
//
// Returns:
//   - *PrometheusCollector: A MetricsCollector implementation using Prometheus
func NewPrometheus(reg prometheus.Registerer, namespace string) *PrometheusCollector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	if namespace == "" {
		namespace = "vigil"
	}

	return &PrometheusCollector{reg: reg, namespace: namespace}
}

func (p *PrometheusCollector) ensureRegistered() {
	p.once.Do(func() {
		p.puts = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: p.namespace,
			Subsystem: "store",
			Name:      "puts_total",
			Help:      "Total successful writes by namespace.",
		}, []string{"namespace"})
		p.namespaceEntries = prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: p.namespace,
			Subsystem: "store",
			Name:      "entries",
			Help:      "Live entries per namespace.",
		}, []string{"namespace"})
		p.persistOps = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: p.namespace,
			Subsystem: "store",
			Name:      "persist_operations_total",
			Help:      "Backend operations by kind and result (success,failure).",
		}, []string{"op", "result"})
		p.persistLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: p.namespace,
			Subsystem: "store",
			Name:      "persist_latency_seconds",
			Help:      "Latency of backend operations in seconds.",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 12), // 0.5ms .. ~1s
		}, []string{"op"})
		p.persistBacklog = prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: p.namespace,
			Subsystem: "store",
			Name:      "persist_backlog",
			Help:      "Records waiting for write-behind persistence.",
		})

		p.delivered = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: p.namespace,
			Subsystem: "notifier",
			Name:      "delivered_total",
			Help:      "Change events handed to subscriber callbacks.",
		}, []string{"namespace"})
		p.dropped = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: p.namespace,
			Subsystem: "notifier",
			Name:      "dropped_notifications_total",
			Help:      "Change events discarded because a subscriber queue was full.",
		}, []string{"namespace"})
		p.dispatchFailures = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: p.namespace,
			Subsystem: "notifier",
			Name:      "dispatch_failures_total",
			Help:      "Subscriber callbacks that panicked or returned an error.",
		}, []string{"namespace"})

		p.heartbeats = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: p.namespace,
			Subsystem: "heartbeat",
			Name:      "received_total",
			Help:      "Heartbeats by result (accepted,rejected).",
		}, []string{"result"})

		p.transitions = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: p.namespace,
			Subsystem: "health",
			Name:      "transitions_total",
			Help:      "Worker health transitions by source and target state.",
		}, []string{"from", "to"})
		p.workerScore = prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: p.namespace,
			Subsystem: "health",
			Name:      "worker_score",
			Help:      "Per-worker health score (0-100).",
		}, []string{"worker"})
		p.systemScore = prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: p.namespace,
			Subsystem: "health",
			Name:      "system_score",
			Help:      "Average health score across workers (0-100).",
		})
		p.tickDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: p.namespace,
			Subsystem: "health",
			Name:      "classifier_tick_seconds",
			Help:      "Duration of a classification pass in seconds.",
			Buckets:   prometheus.ExponentialBuckets(0.0001, 2, 12), // 0.1ms .. ~200ms
		})

		p.actions = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: p.namespace,
			Subsystem: "recovery",
			Name:      "actions_total",
			Help:      "Executed recovery actions by action and result.",
		}, []string{"action", "result"})
		p.actionDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: p.namespace,
			Subsystem: "recovery",
			Name:      "action_duration_seconds",
			Help:      "Duration of recovery actions in seconds.",
			Buckets:   []float64{0.001, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5},
		}, []string{"action"})
		p.transitionsDropped = prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: p.namespace,
			Subsystem: "recovery",
			Name:      "transitions_dropped_total",
			Help:      "Transitions discarded because the dispatcher queue was full.",
		})
		p.emergencyStops = prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: p.namespace,
			Subsystem: "recovery",
			Name:      "emergency_stops_total",
			Help:      "Emergency stop triggers.",
		})
		p.isolatedWorkers = prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: p.namespace,
			Subsystem: "recovery",
			Name:      "isolated_workers",
			Help:      "Workers currently removed from the active set.",
		})

		p.reg.MustRegister(
			p.puts, p.namespaceEntries, p.persistOps, p.persistLatency, p.persistBacklog,
			p.delivered, p.dropped, p.dispatchFailures,
			p.heartbeats,
			p.transitions, p.workerScore, p.systemScore, p.tickDuration,
			p.actions, p.actionDuration, p.transitionsDropped, p.emergencyStops, p.isolatedWorkers,
		)
	})
}

// StoreMetrics implementation

// RecordPut increments the write counter for namespace.
func (p *PrometheusCollector) RecordPut(namespace string) {
	p.ensureRegistered()
	p.puts.WithLabelValues(namespace).Inc()
}

// RecordNamespaceSize sets the live entry gauge for namespace.
func (p *PrometheusCollector) RecordNamespaceSize(namespace string, entries int) {
	p.ensureRegistered()
	p.namespaceEntries.WithLabelValues(namespace).Set(float64(entries))
}

// RecordPersistOperation counts a backend operation and observes its latency.
func (p *PrometheusCollector) RecordPersistOperation(operation string, duration float64, success bool) {
	p.ensureRegistered()
	p.persistOps.WithLabelValues(operation, resultLabel(success)).Inc()
	p.persistLatency.WithLabelValues(operation).Observe(duration)
}

// RecordPersistBacklog sets the write-behind backlog gauge.
func (p *PrometheusCollector) RecordPersistBacklog(pending int) {
	p.ensureRegistered()
	p.persistBacklog.Set(float64(pending))
}

// NotifierMetrics implementation

// RecordNotificationDelivered increments the delivery counter.
func (p *PrometheusCollector) RecordNotificationDelivered(namespace string) {
	p.ensureRegistered()
	p.delivered.WithLabelValues(namespace).Inc()
}

// RecordNotificationDropped increments the dropped notification counter.
func (p *PrometheusCollector) RecordNotificationDropped(namespace string) {
	p.ensureRegistered()
	p.dropped.WithLabelValues(namespace).Inc()
}

// RecordDispatchFailure increments the dispatch failure counter.
func (p *PrometheusCollector) RecordDispatchFailure(namespace string) {
	p.ensureRegistered()
	p.dispatchFailures.WithLabelValues(namespace).Inc()
}

// HeartbeatMetrics implementation

// RecordHeartbeat counts a heartbeat by result. The worker ID is not used as
// a label to keep cardinality bounded.
func (p *PrometheusCollector) RecordHeartbeat(_ string, success bool) {
	p.ensureRegistered()
	result := "accepted"
	if !success {
		result = "rejected"
	}
	p.heartbeats.WithLabelValues(result).Inc()
}

// HealthMetrics implementation

// RecordHealthTransition counts a state change.
func (p *PrometheusCollector) RecordHealthTransition(_ string, from, to types.HealthState) {
	p.ensureRegistered()
	p.transitions.WithLabelValues(from.String(), to.String()).Inc()
}

// RecordHealthScore sets the per-worker score gauge.
func (p *PrometheusCollector) RecordHealthScore(workerID string, score float64) {
	p.ensureRegistered()
	p.workerScore.WithLabelValues(workerID).Set(score)
}

// RecordSystemHealthScore sets the system score gauge.
func (p *PrometheusCollector) RecordSystemHealthScore(score float64) {
	p.ensureRegistered()
	p.systemScore.Set(score)
}

// RecordClassifierTick observes a classification pass duration.
func (p *PrometheusCollector) RecordClassifierTick(duration float64) {
	p.ensureRegistered()
	p.tickDuration.Observe(duration)
}

// RecoveryMetrics implementation

// RecordRecoveryAction counts an action and observes its duration.
func (p *PrometheusCollector) RecordRecoveryAction(action types.RecoveryAction, result types.ActionResult, duration float64) {
	p.ensureRegistered()
	p.actions.WithLabelValues(action.String(), string(result)).Inc()
	p.actionDuration.WithLabelValues(action.String()).Observe(duration)
}

// RecordTransitionDropped increments the dropped transition counter.
func (p *PrometheusCollector) RecordTransitionDropped() {
	p.ensureRegistered()
	p.transitionsDropped.Inc()
}

// RecordEmergencyStop increments the emergency stop counter.
func (p *PrometheusCollector) RecordEmergencyStop() {
	p.ensureRegistered()
	p.emergencyStops.Inc()
}

// RecordIsolatedWorkers sets the isolated worker gauge.
func (p *PrometheusCollector) RecordIsolatedWorkers(count int) {
	p.ensureRegistered()
	p.isolatedWorkers.Set(float64(count))
}

func resultLabel(success bool) string {
	if success {
		return "success"
	}

	return "failure"
}

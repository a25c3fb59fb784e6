package vigil

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/arloliu/vigil/internal/metrics"
)

// NewPrometheusMetrics returns a MetricsCollector exporting to Prometheus.
//
// Parameters:
//   - reg: Registerer to register collectors with (prometheus.DefaultRegisterer if nil)
//   - namespace: Metric name prefix ("vigil" if empty)
//
// Returns:
//   - MetricsCollector: Collector to pass to WithMetrics
//
// Example:
//
//	reg := prometheus.NewRegistry()
//	sup, err := vigil.NewSupervisor(ctx, &cfg, vigil.WithMetrics(vigil.NewPrometheusMetrics(reg, "")))
//	http.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
func NewPrometheusMetrics(reg prometheus.Registerer, namespace string) MetricsCollector {
	return metrics.NewPrometheus(reg, namespace)
}

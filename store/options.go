package store

import (
	"github.com/arloliu/vigil/internal/logging"
	"github.com/arloliu/vigil/internal/metrics"
	"github.com/arloliu/vigil/types"
)

// DefaultNamespaces are created when a store is constructed.
var DefaultNamespaces = []string{
	"input_buffer",
	"sensor_state",
	"planned_trajectory",
	"action_commands",
	"output_signals",
	"system_status",
	"health_status",
	"module_heartbeats",
}

const (
	defaultQueueSize    = 256
	defaultHistoryLimit = 100
)

// Option configures a Store.
type Option func(*options)

type options struct {
	logger       types.Logger
	metrics      types.MetricsCollector
	clock        types.Clock
	queueSize    int
	historyLimit int
	namespaces   []string
	persist      PersistConfig
}

func defaultOptions() options {
	return options{
		logger:       logging.NewNop(),
		metrics:      metrics.NewNop(),
		clock:        types.SystemClock{},
		queueSize:    defaultQueueSize,
		historyLimit: defaultHistoryLimit,
		namespaces:   DefaultNamespaces,
		persist:      DefaultPersistConfig(),
	}
}

// WithLogger sets the store logger.
func WithLogger(logger types.Logger) Option {
	return func(o *options) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithMetrics sets the metrics collector.
func WithMetrics(m types.MetricsCollector) Option {
	return func(o *options) {
		if m != nil {
			o.metrics = m
		}
	}
}

// WithClock overrides the clock used for UpdatedAt timestamps.
func WithClock(clock types.Clock) Option {
	return func(o *options) {
		if clock != nil {
			o.clock = clock
		}
	}
}

// WithQueueSize sets the per-subscriber event queue capacity (default 256).
func WithQueueSize(size int) Option {
	return func(o *options) {
		if size > 0 {
			o.queueSize = size
		}
	}
}

// WithHistoryLimit sets the per-namespace change log capacity (default 100).
func WithHistoryLimit(limit int) Option {
	return func(o *options) {
		if limit > 0 {
			o.historyLimit = limit
		}
	}
}

// WithNamespaces replaces the namespaces created at construction.
// Other namespaces are still created on first write.
func WithNamespaces(names ...string) Option {
	return func(o *options) {
		o.namespaces = names
	}
}

// WithPersistConfig tunes write-behind persistence for stores opened with a backend.
func WithPersistConfig(cfg PersistConfig) Option {
	return func(o *options) {
		o.persist = cfg
	}
}

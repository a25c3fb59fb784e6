package vigil

import (
	"github.com/arloliu/vigil/store"
	"github.com/arloliu/vigil/types"
)

// Option configures a Supervisor with optional dependencies.
type Option func(*supervisorOptions)

// supervisorOptions holds optional Supervisor configuration.
type supervisorOptions struct {
	logger  Logger
	metrics MetricsCollector
	hooks   *Hooks
	backend store.Backend
	clock   types.Clock
}

// WithLogger sets a logger.
//
// Parameters:
//   - logger: Logger implementation (compatible with zap.SugaredLogger)
//
// Returns:
//   - Option: Functional option for NewSupervisor
//
// Example:
//
//	logger := logging.NewSlogDefault()
//	sup, err := vigil.NewSupervisor(ctx, &cfg, vigil.WithLogger(logger))
func WithLogger(logger Logger) Option {
	return func(o *supervisorOptions) {
		o.logger = logger
	}
}

// WithMetrics sets a metrics collector.
//
// Parameters:
//   - metrics: MetricsCollector implementation
//
// Returns:
//   - Option: Functional option for NewSupervisor
//
// Example:
//
//	m := vigil.NewPrometheusMetrics(prometheus.DefaultRegisterer, "robot")
//	sup, err := vigil.NewSupervisor(ctx, &cfg, vigil.WithMetrics(m))
func WithMetrics(metrics MetricsCollector) Option {
	return func(o *supervisorOptions) {
		o.metrics = metrics
	}
}

// WithHooks sets event hooks. Hooks run asynchronously and never block
// classification or recovery.
//
// Parameters:
//   - hooks: Hooks structure with callback functions
//
// Returns:
//   - Option: Functional option for NewSupervisor
//
// Example:
//
//	hooks := &vigil.Hooks{
//	    OnEmergencyStop: func(ctx context.Context, reason string) error {
//	        return pager.Alert(ctx, reason)
//	    },
//	}
//	sup, err := vigil.NewSupervisor(ctx, &cfg, vigil.WithHooks(hooks))
func WithHooks(hooks *Hooks) Option {
	return func(o *supervisorOptions) {
		o.hooks = hooks
	}
}

// WithBackend sets the durable backend, overriding Config.Backend.
// The supervisor closes it on Stop.
//
// Parameters:
//   - backend: Backend implementation, e.g. from store/badgerdb or store/natskv
//
// Returns:
//   - Option: Functional option for NewSupervisor
func WithBackend(backend store.Backend) Option {
	return func(o *supervisorOptions) {
		o.backend = backend
	}
}

// WithClock overrides the clock used for heartbeats and classification.
func WithClock(clock types.Clock) Option {
	return func(o *supervisorOptions) {
		o.clock = clock
	}
}

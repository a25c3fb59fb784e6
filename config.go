package vigil

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/arloliu/vigil/internal/health"
	"github.com/arloliu/vigil/internal/recovery"
	"github.com/arloliu/vigil/store"
)

// Backend types accepted in BackendConfig.Type.
const (
	BackendMemory = "memory"
	BackendBadger = "badger"
	BackendNATS   = "nats"
)

// HealthConfig controls heartbeat classification.
type HealthConfig struct {
	// TickInterval is how often every worker is classified.
	TickInterval time.Duration `yaml:"tickInterval"`

	// FrozenTimeout is the heartbeat age after which a worker is Frozen.
	FrozenTimeout time.Duration `yaml:"frozenTimeout"`

	// DeadTimeout is the heartbeat age after which a worker is Dead.
	// Must be greater than FrozenTimeout.
	DeadTimeout time.Duration `yaml:"deadTimeout"`

	// DegradedThreshold is the processing time above which a tick counts as slow.
	DegradedThreshold time.Duration `yaml:"degradedThreshold"`

	// DegradeAfterTicks is the number of consecutive slow ticks before Degraded.
	DegradeAfterTicks int `yaml:"degradeAfterTicks"`

	// OverloadLimit is the queue size above which a worker is flagged Overloaded.
	OverloadLimit int `yaml:"overloadLimit"`

	// MemoryWindow is the number of growing memory samples that flag a suspected leak.
	MemoryWindow int `yaml:"memoryWindow"`

	// DeadReemitInterval is how often a Dead worker is reported again so a
	// dropped transition is repaired.
	DeadReemitInterval time.Duration `yaml:"deadReemitInterval"`

	// HeartbeatWarnAge is the heartbeat age after which the health score drops.
	HeartbeatWarnAge time.Duration `yaml:"heartbeatWarnAge"`

	// TargetProcessingTime is the processing time above which the health score drops.
	TargetProcessingTime time.Duration `yaml:"targetProcessingTime"`

	// QueueSize is the capacity of the classifier to dispatcher channel.
	QueueSize int `yaml:"queueSize"`
}

// RecoveryConfig controls the recovery dispatcher.
type RecoveryConfig struct {
	// ActionTimeout bounds a single control hook call.
	ActionTimeout time.Duration `yaml:"actionTimeout"`

	// MaxRestarts is the number of restarts after which a worker that has not
	// returned to Healthy is isolated.
	MaxRestarts int `yaml:"maxRestarts"`

	// Cooldown is the minimum time between automatic actions on one worker (0 = off).
	Cooldown time.Duration `yaml:"cooldown"`

	// HistoryLimit bounds the in-memory action history.
	HistoryLimit int `yaml:"historyLimit"`
}

// StoreConfig controls the state store and its write-behind persistence.
type StoreConfig struct {
	// Namespaces are created eagerly at startup.
	Namespaces []string `yaml:"namespaces"`

	// NotifyQueueSize is the per-subscription event queue capacity.
	NotifyQueueSize int `yaml:"notifyQueueSize"`

	// HistoryLimit is the number of superseded entries kept per namespace.
	HistoryLimit int `yaml:"historyLimit"`

	// HistoryMaxAge prunes history older than this age (0 = keep until evicted by HistoryLimit).
	HistoryMaxAge time.Duration `yaml:"historyMaxAge"`

	// PruneInterval is how often history is pruned when HistoryMaxAge is set.
	PruneInterval time.Duration `yaml:"pruneInterval"`

	// FlushInterval bounds how long a write waits before it is persisted.
	FlushInterval time.Duration `yaml:"flushInterval"`

	// OperationTimeout is the time budget of a single backend call.
	OperationTimeout time.Duration `yaml:"operationTimeout"`

	// BreakerFailures is the number of consecutive backend failures that opens the circuit.
	BreakerFailures uint32 `yaml:"breakerFailures"`

	// BreakerCooldown is how long the circuit stays open before a probe is allowed.
	BreakerCooldown time.Duration `yaml:"breakerCooldown"`
}

// BadgerConfig configures the BadgerDB backend.
type BadgerConfig struct {
	// Dir is the database directory.
	Dir string `yaml:"dir"`
}

// NATSConfig configures the JetStream KV backend.
type NATSConfig struct {
	// URL is the NATS server URL.
	URL string `yaml:"url"`

	// Bucket is the KV bucket name.
	Bucket string `yaml:"bucket"`

	// Replicas is the bucket replication factor.
	Replicas int `yaml:"replicas"`

	// History is the number of revisions kept per key for diagnostics.
	History uint8 `yaml:"history"`

	// MemoryStorage keeps the bucket in memory instead of on disk.
	MemoryStorage bool `yaml:"memoryStorage"`

	// ConnectTimeout bounds the initial connection and bucket creation.
	ConnectTimeout time.Duration `yaml:"connectTimeout"`
}

// BackendConfig selects the durable backend. A backend passed with
// WithBackend takes precedence.
type BackendConfig struct {
	// Type is one of "memory", "badger" or "nats".
	Type string `yaml:"type"`

	Badger BadgerConfig `yaml:"badger"`
	NATS   NATSConfig   `yaml:"nats"`
}

// SupervisionConfig tunes the supervision tree running the internal loops.
type SupervisionConfig struct {
	// FailureThreshold is the decayed failure count that triggers backoff.
	FailureThreshold float64 `yaml:"failureThreshold"`

	// FailureDecay is the failure count half-life in seconds.
	FailureDecay float64 `yaml:"failureDecay"`

	// FailureBackoff is how long a failing loop waits before restarting.
	FailureBackoff time.Duration `yaml:"failureBackoff"`

	// ServiceTimeout is how long a loop may take to return after cancellation.
	ServiceTimeout time.Duration `yaml:"serviceTimeout"`
}

// Config is the configuration for the Supervisor.
//
// All duration fields accept standard Go duration strings like "500ms", "5s", "1m".
type Config struct {
	Health      HealthConfig      `yaml:"health"`
	Recovery    RecoveryConfig    `yaml:"recovery"`
	Store       StoreConfig       `yaml:"store"`
	Backend     BackendConfig     `yaml:"backend"`
	Supervision SupervisionConfig `yaml:"supervision"`

	// ShutdownGracePeriod is how long each worker has to acknowledge Stop
	// during shutdown before it is marked Dead.
	ShutdownGracePeriod time.Duration `yaml:"shutdownGracePeriod"`
}

// DefaultConfig returns a Config with sensible defaults.
//
// Returns:
//   - Config: A configuration with production defaults
func DefaultConfig() Config {
	hc := health.DefaultConfig()
	rc := recovery.DefaultConfig()
	pc := store.DefaultPersistConfig()

	return Config{
		Health: HealthConfig{
			TickInterval:         hc.TickInterval,
			FrozenTimeout:        hc.FrozenTimeout,
			DeadTimeout:          hc.DeadTimeout,
			DegradedThreshold:    hc.DegradedThreshold,
			DegradeAfterTicks:    hc.DegradeAfterTicks,
			OverloadLimit:        hc.OverloadLimit,
			MemoryWindow:         hc.MemoryWindow,
			DeadReemitInterval:   hc.DeadReemitInterval,
			HeartbeatWarnAge:     hc.HeartbeatWarnAge,
			TargetProcessingTime: hc.TargetProcessingTime,
			QueueSize:            hc.QueueSize,
		},
		Recovery: RecoveryConfig{
			ActionTimeout: rc.ActionTimeout,
			MaxRestarts:   rc.MaxRestarts,
			Cooldown:      rc.Cooldown,
			HistoryLimit:  rc.HistoryLimit,
		},
		Store: StoreConfig{
			NotifyQueueSize:  256,
			HistoryLimit:     100,
			PruneInterval:    time.Minute,
			FlushInterval:    pc.FlushInterval,
			OperationTimeout: pc.OperationTimeout,
			BreakerFailures:  pc.BreakerFailures,
			BreakerCooldown:  pc.BreakerCooldown,
		},
		Backend: BackendConfig{
			Type: BackendMemory,
			NATS: NATSConfig{
				Bucket:         "vigil-state",
				Replicas:       1,
				History:        1,
				ConnectTimeout: 5 * time.Second,
			},
		},
		Supervision: SupervisionConfig{
			FailureThreshold: 5,
			FailureDecay:     30,
			FailureBackoff:   time.Second,
			ServiceTimeout:   5 * time.Second,
		},
		ShutdownGracePeriod: 5 * time.Second,
	}
}

// SetDefaults fills in missing configuration values with production defaults.
//
// Parameters:
//   - cfg: Configuration to update in place
func SetDefaults(cfg *Config) {
	d := DefaultConfig()

	setDuration(&cfg.Health.TickInterval, d.Health.TickInterval)
	setDuration(&cfg.Health.FrozenTimeout, d.Health.FrozenTimeout)
	setDuration(&cfg.Health.DeadTimeout, d.Health.DeadTimeout)
	setDuration(&cfg.Health.DegradedThreshold, d.Health.DegradedThreshold)
	setDuration(&cfg.Health.DeadReemitInterval, d.Health.DeadReemitInterval)
	setDuration(&cfg.Health.HeartbeatWarnAge, d.Health.HeartbeatWarnAge)
	setDuration(&cfg.Health.TargetProcessingTime, d.Health.TargetProcessingTime)
	if cfg.Health.DegradeAfterTicks == 0 {
		cfg.Health.DegradeAfterTicks = d.Health.DegradeAfterTicks
	}
	if cfg.Health.QueueSize == 0 {
		cfg.Health.QueueSize = d.Health.QueueSize
	}
	// OverloadLimit and MemoryWindow of 0 disable their flags, so they are kept.

	setDuration(&cfg.Recovery.ActionTimeout, d.Recovery.ActionTimeout)
	if cfg.Recovery.MaxRestarts == 0 {
		cfg.Recovery.MaxRestarts = d.Recovery.MaxRestarts
	}
	if cfg.Recovery.HistoryLimit == 0 {
		cfg.Recovery.HistoryLimit = d.Recovery.HistoryLimit
	}

	if cfg.Store.NotifyQueueSize == 0 {
		cfg.Store.NotifyQueueSize = d.Store.NotifyQueueSize
	}
	if cfg.Store.HistoryLimit == 0 {
		cfg.Store.HistoryLimit = d.Store.HistoryLimit
	}
	setDuration(&cfg.Store.PruneInterval, d.Store.PruneInterval)
	setDuration(&cfg.Store.FlushInterval, d.Store.FlushInterval)
	setDuration(&cfg.Store.OperationTimeout, d.Store.OperationTimeout)
	setDuration(&cfg.Store.BreakerCooldown, d.Store.BreakerCooldown)
	if cfg.Store.BreakerFailures == 0 {
		cfg.Store.BreakerFailures = d.Store.BreakerFailures
	}

	if cfg.Backend.Type == "" {
		cfg.Backend.Type = d.Backend.Type
	}
	if cfg.Backend.NATS.Bucket == "" {
		cfg.Backend.NATS.Bucket = d.Backend.NATS.Bucket
	}
	if cfg.Backend.NATS.Replicas == 0 {
		cfg.Backend.NATS.Replicas = d.Backend.NATS.Replicas
	}
	if cfg.Backend.NATS.History == 0 {
		cfg.Backend.NATS.History = d.Backend.NATS.History
	}
	setDuration(&cfg.Backend.NATS.ConnectTimeout, d.Backend.NATS.ConnectTimeout)

	if cfg.Supervision.FailureThreshold == 0 {
		cfg.Supervision.FailureThreshold = d.Supervision.FailureThreshold
	}
	if cfg.Supervision.FailureDecay == 0 {
		cfg.Supervision.FailureDecay = d.Supervision.FailureDecay
	}
	setDuration(&cfg.Supervision.FailureBackoff, d.Supervision.FailureBackoff)
	setDuration(&cfg.Supervision.ServiceTimeout, d.Supervision.ServiceTimeout)

	setDuration(&cfg.ShutdownGracePeriod, d.ShutdownGracePeriod)
}

func setDuration(field *time.Duration, def time.Duration) {
	if *field == 0 {
		*field = def
	}
}

// Validate checks configuration constraints and returns an error wrapping
// ErrInvalidConfig for invalid values.
//
// Hard Validation Rules:
//   - DeadTimeout > FrozenTimeout (a worker freezes before it dies)
//   - TickInterval < FrozenTimeout (at least one tick per frozen window)
//   - All durations and sizes non-negative
//   - Backend type is memory, badger or nats; badger needs a directory, nats a URL
//
// Returns:
//   - error: Validation error with clear explanation, nil if valid
func (cfg *Config) Validate() error {
	var errs []error

	h := cfg.Health
	if h.TickInterval <= 0 {
		errs = append(errs, fmt.Errorf("health.tickInterval must be > 0, got %v", h.TickInterval))
	}
	if h.FrozenTimeout <= 0 {
		errs = append(errs, fmt.Errorf("health.frozenTimeout must be > 0, got %v", h.FrozenTimeout))
	}
	if h.DeadTimeout <= h.FrozenTimeout {
		errs = append(errs, fmt.Errorf("health.deadTimeout (%v) must be > health.frozenTimeout (%v)",
			h.DeadTimeout, h.FrozenTimeout))
	}
	if h.TickInterval >= h.FrozenTimeout {
		errs = append(errs, fmt.Errorf("health.tickInterval (%v) must be < health.frozenTimeout (%v)",
			h.TickInterval, h.FrozenTimeout))
	}
	if h.DegradeAfterTicks < 0 || h.OverloadLimit < 0 || h.MemoryWindow < 0 || h.QueueSize < 0 {
		errs = append(errs, errors.New("health counts must not be negative"))
	}

	r := cfg.Recovery
	if r.ActionTimeout <= 0 {
		errs = append(errs, fmt.Errorf("recovery.actionTimeout must be > 0, got %v", r.ActionTimeout))
	}
	if r.MaxRestarts < 0 {
		errs = append(errs, fmt.Errorf("recovery.maxRestarts must not be negative, got %d", r.MaxRestarts))
	}
	if r.Cooldown < 0 {
		errs = append(errs, fmt.Errorf("recovery.cooldown must not be negative, got %v", r.Cooldown))
	}

	s := cfg.Store
	if s.NotifyQueueSize < 0 || s.HistoryLimit < 0 {
		errs = append(errs, errors.New("store sizes must not be negative"))
	}
	if s.HistoryMaxAge < 0 {
		errs = append(errs, fmt.Errorf("store.historyMaxAge must not be negative, got %v", s.HistoryMaxAge))
	}

	switch cfg.Backend.Type {
	case BackendMemory:
	case BackendBadger:
		if cfg.Backend.Badger.Dir == "" {
			errs = append(errs, errors.New("backend.badger.dir is required for the badger backend"))
		}
	case BackendNATS:
		if cfg.Backend.NATS.URL == "" {
			errs = append(errs, errors.New("backend.nats.url is required for the nats backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("backend.type %q is not one of memory, badger, nats", cfg.Backend.Type))
	}

	if cfg.ShutdownGracePeriod <= 0 {
		errs = append(errs, fmt.Errorf("shutdownGracePeriod must be > 0, got %v", cfg.ShutdownGracePeriod))
	}

	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, errors.Join(errs...))
	}

	return nil
}

// ValidateWithWarnings logs warnings for values that are valid but not recommended.
//
// This is called after Validate() in NewSupervisor() to provide operator guidance.
//
// Parameters:
//   - logger: Logger instance for warning output
func (cfg *Config) ValidateWithWarnings(logger Logger) {
	if cfg.Health.DeadReemitInterval < cfg.Health.TickInterval {
		logger.Warn(
			"deadReemitInterval is shorter than the tick, Dead workers are reported every tick",
			"deadReemitInterval", cfg.Health.DeadReemitInterval,
			"tickInterval", cfg.Health.TickInterval,
		)
	}

	if cfg.Recovery.ActionTimeout > cfg.Health.FrozenTimeout {
		logger.Warn(
			"actionTimeout exceeds frozenTimeout, a hung hook may outlive the next transition",
			"actionTimeout", cfg.Recovery.ActionTimeout,
			"frozenTimeout", cfg.Health.FrozenTimeout,
		)
	}

	if cfg.Backend.Type == BackendNATS && cfg.Backend.NATS.Replicas == 1 {
		logger.Warn("nats backend runs with a single replica", "bucket", cfg.Backend.NATS.Bucket)
	}
}

// LoadConfig reads a YAML configuration file.
//
// Missing fields take their defaults; the result is validated.
//
// Parameters:
//   - path: Path to the YAML file
//
// Returns:
//   - Config: Parsed configuration
//   - error: Read, parse or validation error
//
// Example:
//
//	cfg, err := vigil.LoadConfig("/etc/vigil/config.yaml")
//	if err != nil {
//	    log.Fatal(err)
//	}
func LoadConfig(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config %s: %w", path, err)
	}

	return ParseConfig(data)
}

// ParseConfig parses a YAML configuration document.
//
// The document is decoded over DefaultConfig(), so omitted fields keep their
// defaults, including those where zero has a meaning of its own.
//
// Parameters:
//   - data: YAML document
//
// Returns:
//   - Config: Parsed configuration with defaults applied
//   - error: Parse or validation error
func ParseConfig(data []byte) (Config, error) {
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("%w: parse yaml: %w", ErrInvalidConfig, err)
	}

	SetDefaults(&cfg)
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

// TestConfig returns a configuration optimized for fast test execution.
//
// Timings are roughly 50x faster than the defaults. Use DefaultConfig()
// for real deployments.
//
// Returns:
//   - Config: Configuration with fast timings for tests
//
// Example:
//
//	cfg := vigil.TestConfig()
//	sup, err := vigil.NewSupervisor(ctx, &cfg)
func TestConfig() Config {
	cfg := DefaultConfig()

	cfg.Health.TickInterval = 20 * time.Millisecond
	cfg.Health.FrozenTimeout = 100 * time.Millisecond
	cfg.Health.DeadTimeout = 300 * time.Millisecond
	cfg.Health.DeadReemitInterval = 200 * time.Millisecond
	cfg.Health.HeartbeatWarnAge = 50 * time.Millisecond
	cfg.Recovery.ActionTimeout = 100 * time.Millisecond
	cfg.Store.FlushInterval = 10 * time.Millisecond
	cfg.Store.PruneInterval = 50 * time.Millisecond
	cfg.Supervision.FailureBackoff = 50 * time.Millisecond
	cfg.Supervision.ServiceTimeout = time.Second
	cfg.ShutdownGracePeriod = 200 * time.Millisecond

	return cfg
}

func (h HealthConfig) classifierConfig() health.Config {
	return health.Config{
		TickInterval:         h.TickInterval,
		FrozenTimeout:        h.FrozenTimeout,
		DeadTimeout:          h.DeadTimeout,
		DegradedThreshold:    h.DegradedThreshold,
		DegradeAfterTicks:    h.DegradeAfterTicks,
		OverloadLimit:        h.OverloadLimit,
		MemoryWindow:         h.MemoryWindow,
		DeadReemitInterval:   h.DeadReemitInterval,
		HeartbeatWarnAge:     h.HeartbeatWarnAge,
		TargetProcessingTime: h.TargetProcessingTime,
		QueueSize:            h.QueueSize,
	}
}

func (r RecoveryConfig) dispatcherConfig() recovery.Config {
	return recovery.Config{
		ActionTimeout: r.ActionTimeout,
		MaxRestarts:   r.MaxRestarts,
		Cooldown:      r.Cooldown,
		HistoryLimit:  r.HistoryLimit,
	}
}

func (s StoreConfig) persistConfig() store.PersistConfig {
	return store.PersistConfig{
		FlushInterval:    s.FlushInterval,
		OperationTimeout: s.OperationTimeout,
		BreakerFailures:  s.BreakerFailures,
		BreakerCooldown:  s.BreakerCooldown,
	}
}

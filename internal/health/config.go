package health

import "time"

// Config holds classifier thresholds.
type Config struct {
	// TickInterval is how often every worker is classified.
	TickInterval time.Duration

	// FrozenTimeout is the heartbeat age after which a worker is Frozen.
	FrozenTimeout time.Duration

	// DeadTimeout is the heartbeat age after which a worker is Dead.
	DeadTimeout time.Duration

	// DegradedThreshold is the processing time above which a tick counts as slow.
	DegradedThreshold time.Duration

	// DegradeAfterTicks is the number of consecutive slow ticks before Degraded.
	DegradeAfterTicks int

	// OverloadLimit is the queue size above which FlagOverloaded is set. Zero disables the flag.
	OverloadLimit int

	// MemoryWindow is the number of strictly increasing memory samples that set
	// FlagMemoryLeakSuspected. Values below 2 disable the flag.
	MemoryWindow int

	// DeadReemitInterval is how often a Dead worker's transition is emitted again.
	DeadReemitInterval time.Duration

	// HeartbeatWarnAge is the heartbeat age after which the score starts to drop.
	HeartbeatWarnAge time.Duration

	// TargetProcessingTime is the processing time above which the score starts to drop.
	TargetProcessingTime time.Duration

	// QueueSize is the capacity of the transition channel.
	QueueSize int
}

// DefaultConfig returns the default classifier thresholds.
func DefaultConfig() Config {
	return Config{
		TickInterval:         time.Second,
		FrozenTimeout:        5 * time.Second,
		DeadTimeout:          15 * time.Second,
		DegradedThreshold:    50 * time.Millisecond,
		DegradeAfterTicks:    1,
		OverloadLimit:        1000,
		MemoryWindow:         5,
		DeadReemitInterval:   10 * time.Second,
		HeartbeatWarnAge:     2 * time.Second,
		TargetProcessingTime: 10 * time.Millisecond,
		QueueSize:            64,
	}
}

func (c *Config) setDefaults() {
	d := DefaultConfig()
	if c.TickInterval <= 0 {
		c.TickInterval = d.TickInterval
	}
	if c.FrozenTimeout <= 0 {
		c.FrozenTimeout = d.FrozenTimeout
	}
	if c.DeadTimeout <= 0 {
		c.DeadTimeout = d.DeadTimeout
	}
	if c.DegradedThreshold <= 0 {
		c.DegradedThreshold = d.DegradedThreshold
	}
	if c.DegradeAfterTicks <= 0 {
		c.DegradeAfterTicks = d.DegradeAfterTicks
	}
	if c.DeadReemitInterval <= 0 {
		c.DeadReemitInterval = d.DeadReemitInterval
	}
	if c.HeartbeatWarnAge <= 0 {
		c.HeartbeatWarnAge = d.HeartbeatWarnAge
	}
	if c.TargetProcessingTime <= 0 {
		c.TargetProcessingTime = d.TargetProcessingTime
	}
	if c.QueueSize <= 0 {
		c.QueueSize = d.QueueSize
	}
}

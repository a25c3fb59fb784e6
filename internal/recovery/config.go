package recovery

import "time"

// Config holds dispatcher settings.
type Config struct {
	// ActionTimeout bounds a single control hook call (default: 5s).
	ActionTimeout time.Duration

	// MaxRestarts is the number of restarts after which a worker that has not
	// returned to Healthy is isolated (default: 3).
	MaxRestarts int

	// Cooldown is the minimum time between automatic actions on the same
	// worker. Zero disables it.
	Cooldown time.Duration

	// HistoryLimit bounds the in-memory action history (default: 100).
	HistoryLimit int
}

// DefaultConfig returns the default dispatcher settings.
func DefaultConfig() Config {
	return Config{
		ActionTimeout: 5 * time.Second,
		MaxRestarts:   3,
		HistoryLimit:  100,
	}
}

func (c *Config) setDefaults() {
	d := DefaultConfig()
	if c.ActionTimeout <= 0 {
		c.ActionTimeout = d.ActionTimeout
	}
	if c.MaxRestarts <= 0 {
		c.MaxRestarts = d.MaxRestarts
	}
	if c.Cooldown < 0 {
		c.Cooldown = 0
	}
	if c.HistoryLimit <= 0 {
		c.HistoryLimit = d.HistoryLimit
	}
}

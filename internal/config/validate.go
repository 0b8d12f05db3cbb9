package config

import (
	"fmt"
	"regexp"
)

// Validate checks cross-field constraints that TOML decoding cannot express.
// It is called after file decode; defaults are assumed to be valid.
func (c *Config) Validate() error {
	switch c.Resolver.Strategy {
	case StrategyManual, StrategyPreferLocal, StrategyPreferRemote:
	default:
		return fmt.Errorf("resolver.strategy must be one of %q, %q, %q; got %q",
			StrategyManual, StrategyPreferLocal, StrategyPreferRemote, c.Resolver.Strategy)
	}

	if c.Queue.HourlyCap < 1 {
		return fmt.Errorf("queue.hourly_cap must be at least 1; got %d", c.Queue.HourlyCap)
	}

	if c.Queue.MaxAttempts < 1 {
		return fmt.Errorf("queue.max_attempts must be at least 1; got %d", c.Queue.MaxAttempts)
	}

	if c.Snapshots.Keep < 1 {
		return fmt.Errorf("snapshots.keep must be at least 1; got %d", c.Snapshots.Keep)
	}

	for _, d := range []struct {
		name string
		val  Duration
	}{
		{"coordinator.lock_max", c.Coordinator.LockMax},
		{"coordinator.pause_timeout", c.Coordinator.PauseTimeout},
		{"coordinator.poll_interval", c.Coordinator.PollInterval},
		{"classifier.layer_timeout", c.Classifier.LayerTimeout},
	} {
		if d.val <= 0 {
			return fmt.Errorf("%s must be positive; got %s", d.name, d.val.Std())
		}
	}

	// Compile the layer-1 rule tables up front so a bad regex fails at load
	// time rather than on the first classification.
	for _, table := range [][]string{c.Classifier.BlockPatterns, c.Classifier.AllowPatterns} {
		for _, p := range table {
			if _, err := regexp.Compile(p); err != nil {
				return fmt.Errorf("classifier pattern %q: %w", p, err)
			}
		}
	}

	switch c.Logging.Level {
	case "", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level must be debug, info, warn, or error; got %q", c.Logging.Level)
	}

	return nil
}

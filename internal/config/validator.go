package config

import (
	"errors"
	"fmt"
)

// ErrInvalidConfig indicates that the configuration failed validation.
var ErrInvalidConfig = errors.New("invalid configuration")

// Validate checks the configuration for consistency.
func (c *Config) Validate() error {
	if c.HTTPPort <= 0 || c.HTTPPort > 65535 {
		return fmt.Errorf("%w: httpPort %d out of range", ErrInvalidConfig, c.HTTPPort)
	}
	if c.MetricsEnabled {
		if c.MetricsPort <= 0 || c.MetricsPort > 65535 {
			return fmt.Errorf("%w: metricsPort %d out of range", ErrInvalidConfig, c.MetricsPort)
		}
		if c.MetricsPort == c.HTTPPort {
			return fmt.Errorf("%w: metricsPort must differ from httpPort", ErrInvalidConfig)
		}
	}

	switch c.LogFormat {
	case "json", "console":
	default:
		return fmt.Errorf("%w: logFormat %q (want json or console)", ErrInvalidConfig, c.LogFormat)
	}

	if c.TracingSampleRate < 0 || c.TracingSampleRate > 1 {
		return fmt.Errorf("%w: tracingSampleRate %v out of [0,1]", ErrInvalidConfig, c.TracingSampleRate)
	}

	if c.Engine.CycleCheckCeiling <= 0 {
		return fmt.Errorf("%w: cycleCheckCeiling must be positive", ErrInvalidConfig)
	}
	if c.Engine.TraversalCeiling <= 0 {
		return fmt.Errorf("%w: traversalCeiling must be positive", ErrInvalidConfig)
	}

	switch c.Closure.Backend {
	case "memory":
	case "redis":
		if c.Closure.RedisAddr == "" {
			return fmt.Errorf("%w: redisAddr required for redis closure backend", ErrInvalidConfig)
		}
	default:
		return fmt.Errorf("%w: closure backend %q (want memory or redis)", ErrInvalidConfig, c.Closure.Backend)
	}
	if c.Closure.MaxEntries <= 0 {
		return fmt.Errorf("%w: closure maxEntries must be positive", ErrInvalidConfig)
	}

	if c.RateLimit.Enabled {
		if c.RateLimit.RequestsPerSecond <= 0 {
			return fmt.Errorf("%w: rateLimit requestsPerSecond must be positive", ErrInvalidConfig)
		}
		if c.RateLimit.Burst <= 0 {
			return fmt.Errorf("%w: rateLimit burst must be positive", ErrInvalidConfig)
		}
	}

	if c.Plugins.QueueSize <= 0 {
		return fmt.Errorf("%w: plugin queueSize must be positive", ErrInvalidConfig)
	}

	return nil
}

package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// envPrefix is the prefix for all environment variable overrides.
const envPrefix = "GROUPD_"

// Load builds the configuration: defaults, then the YAML file at path
// (if path is non-empty), then environment variable overrides. The
// result is validated before being returned.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		if err := loadFile(cfg, path); err != nil {
			return nil, err
		}
	}

	applyEnv(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// loadFile overlays the YAML file at path onto cfg.
func loadFile(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	return nil
}

// applyEnv overlays environment variable overrides onto cfg.
// Environment variables take precedence over file values.
func applyEnv(cfg *Config) {
	envInt("HTTP_PORT", &cfg.HTTPPort)
	envInt("METRICS_PORT", &cfg.MetricsPort)
	envDuration("READ_TIMEOUT", &cfg.ReadTimeout)
	envDuration("WRITE_TIMEOUT", &cfg.WriteTimeout)
	envDuration("IDLE_TIMEOUT", &cfg.IdleTimeout)
	envDuration("SHUTDOWN_TIMEOUT", &cfg.ShutdownTimeout)

	envString("LOG_LEVEL", &cfg.LogLevel)
	envString("LOG_FORMAT", &cfg.LogFormat)
	envString("LOG_OUTPUT", &cfg.LogOutput)

	envBool("TRACING_ENABLED", &cfg.TracingEnabled)
	envString("OTLP_ENDPOINT", &cfg.OTLPEndpoint)
	envFloat("TRACING_SAMPLE_RATE", &cfg.TracingSampleRate)
	envBool("TRACING_INSECURE", &cfg.TracingInsecure)
	envString("SERVICE_NAME", &cfg.ServiceName)
	envString("SERVICE_VERSION", &cfg.ServiceVersion)

	envBool("METRICS_ENABLED", &cfg.MetricsEnabled)
	envString("METRICS_PATH", &cfg.MetricsPath)

	envInt("CYCLE_CHECK_CEILING", &cfg.Engine.CycleCheckCeiling)
	envInt("TRAVERSAL_CEILING", &cfg.Engine.TraversalCeiling)

	envString("CLOSURE_BACKEND", &cfg.Closure.Backend)
	envInt("CLOSURE_MAX_ENTRIES", &cfg.Closure.MaxEntries)
	envDuration("CLOSURE_TTL", &cfg.Closure.TTL)
	envDuration("CLOSURE_REFRESH_INTERVAL", &cfg.Closure.RefreshInterval)
	envString("REDIS_ADDR", &cfg.Closure.RedisAddr)
	envString("REDIS_PASSWORD", &cfg.Closure.RedisPassword)
	envInt("REDIS_DB", &cfg.Closure.RedisDB)

	envBool("RATE_LIMIT_ENABLED", &cfg.RateLimit.Enabled)
	envFloat("RATE_LIMIT_RPS", &cfg.RateLimit.RequestsPerSecond)
	envInt("RATE_LIMIT_BURST", &cfg.RateLimit.Burst)

	envInt("PLUGIN_QUEUE_SIZE", &cfg.Plugins.QueueSize)
}

func envString(key string, dst *string) {
	if v, ok := os.LookupEnv(envPrefix + key); ok {
		*dst = v
	}
}

func envInt(key string, dst *int) {
	if v, ok := os.LookupEnv(envPrefix + key); ok {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func envFloat(key string, dst *float64) {
	if v, ok := os.LookupEnv(envPrefix + key); ok {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func envBool(key string, dst *bool) {
	if v, ok := os.LookupEnv(envPrefix + key); ok {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func envDuration(key string, dst *Duration) {
	if v, ok := os.LookupEnv(envPrefix + key); ok {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = Duration(d)
		}
	}
}

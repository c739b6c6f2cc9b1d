package config

import "time"

// Config holds all configuration settings for the service.
type Config struct {
	// Server settings
	HTTPPort    int `json:"httpPort" yaml:"httpPort"`
	MetricsPort int `json:"metricsPort" yaml:"metricsPort"`

	// Server timeouts
	ReadTimeout     Duration `json:"readTimeout" yaml:"readTimeout"`
	WriteTimeout    Duration `json:"writeTimeout" yaml:"writeTimeout"`
	IdleTimeout     Duration `json:"idleTimeout" yaml:"idleTimeout"`
	ShutdownTimeout Duration `json:"shutdownTimeout" yaml:"shutdownTimeout"`

	// Observability - Logging
	LogLevel  string `json:"logLevel" yaml:"logLevel"`
	LogFormat string `json:"logFormat" yaml:"logFormat"`
	LogOutput string `json:"logOutput" yaml:"logOutput"`

	// Observability - Tracing
	TracingEnabled    bool    `json:"tracingEnabled" yaml:"tracingEnabled"`
	OTLPEndpoint      string  `json:"otlpEndpoint" yaml:"otlpEndpoint"`
	TracingSampleRate float64 `json:"tracingSampleRate" yaml:"tracingSampleRate"`
	TracingInsecure   bool    `json:"tracingInsecure" yaml:"tracingInsecure"`
	ServiceName       string  `json:"serviceName" yaml:"serviceName"`
	ServiceVersion    string  `json:"serviceVersion" yaml:"serviceVersion"`

	// Observability - Metrics
	MetricsEnabled bool   `json:"metricsEnabled" yaml:"metricsEnabled"`
	MetricsPath    string `json:"metricsPath" yaml:"metricsPath"`

	// Engine tunables
	Engine EngineConfig `json:"engine" yaml:"engine"`

	// Closure cache policy
	Closure ClosureConfig `json:"closure" yaml:"closure"`

	// Mutation rate limiting
	RateLimit RateLimitConfig `json:"rateLimit" yaml:"rateLimit"`

	// Plugin dispatch
	Plugins PluginConfig `json:"plugins" yaml:"plugins"`
}

// EngineConfig holds graph engine tunables. The ceilings convert runaway
// traversals into internal-consistency errors instead of hangs.
type EngineConfig struct {
	// CycleCheckCeiling bounds the number of groups visited by a single
	// cycle-guard reachability search.
	CycleCheckCeiling int `json:"cycleCheckCeiling" yaml:"cycleCheckCeiling"`

	// TraversalCeiling bounds the number of nodes visited by a single
	// closure computation.
	TraversalCeiling int `json:"traversalCeiling" yaml:"traversalCeiling"`
}

// ClosureConfig holds closure cache policy.
type ClosureConfig struct {
	// Backend selects the cache tier: "memory" or "redis".
	Backend string `json:"backend" yaml:"backend"`

	// MaxEntries bounds the in-memory cache size.
	MaxEntries int `json:"maxEntries" yaml:"maxEntries"`

	// TTL is the redis entry lifetime. Version-keyed entries self
	// invalidate, so the TTL only bounds storage of dead versions.
	TTL Duration `json:"ttl" yaml:"ttl"`

	// RefreshInterval enables background eager recomputation of stale
	// closures when non-zero.
	RefreshInterval Duration `json:"refreshInterval" yaml:"refreshInterval"`

	// Redis connection settings, used when Backend is "redis".
	RedisAddr     string `json:"redisAddr" yaml:"redisAddr"`
	RedisPassword string `json:"redisPassword" yaml:"redisPassword"`
	RedisDB       int    `json:"redisDB" yaml:"redisDB"`
	KeyPrefix     string `json:"keyPrefix" yaml:"keyPrefix"`
}

// RateLimitConfig holds mutation rate limiting settings.
type RateLimitConfig struct {
	Enabled           bool    `json:"enabled" yaml:"enabled"`
	RequestsPerSecond float64 `json:"requestsPerSecond" yaml:"requestsPerSecond"`
	Burst             int     `json:"burst" yaml:"burst"`
}

// PluginConfig holds plugin dispatch settings.
type PluginConfig struct {
	// QueueSize is the buffered event queue size. Events beyond the
	// buffer are dropped rather than blocking mutations.
	QueueSize int `json:"queueSize" yaml:"queueSize"`
}

// DefaultConfig returns a Config with default values.
func DefaultConfig() *Config {
	return &Config{
		HTTPPort:          8080,
		MetricsPort:       9091,
		ReadTimeout:       Duration(30 * time.Second),
		WriteTimeout:      Duration(30 * time.Second),
		IdleTimeout:       Duration(120 * time.Second),
		ShutdownTimeout:   Duration(15 * time.Second),
		LogLevel:          "info",
		LogFormat:         "json",
		LogOutput:         "stdout",
		TracingEnabled:    false,
		OTLPEndpoint:      "localhost:4317",
		TracingSampleRate: 1.0,
		TracingInsecure:   true,
		ServiceName:       "groupd",
		ServiceVersion:    "dev",
		MetricsEnabled:    true,
		MetricsPath:       "/metrics",
		Engine: EngineConfig{
			CycleCheckCeiling: 100000,
			TraversalCeiling:  1000000,
		},
		Closure: ClosureConfig{
			Backend:    "memory",
			MaxEntries: 10000,
			TTL:        Duration(5 * time.Minute),
			KeyPrefix:  "groupd:closure:",
		},
		RateLimit: RateLimitConfig{
			Enabled:           false,
			RequestsPerSecond: 100,
			Burst:             200,
		},
		Plugins: PluginConfig{
			QueueSize: 1024,
		},
	}
}

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	t.Parallel()

	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 8080, cfg.HTTPPort)
	assert.Equal(t, "memory", cfg.Closure.Backend)
	assert.Positive(t, cfg.Engine.CycleCheckCeiling)
	assert.Positive(t, cfg.Engine.TraversalCeiling)
}

func TestValidate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{name: "bad http port", mutate: func(c *Config) { c.HTTPPort = 0 }},
		{name: "metrics port clash", mutate: func(c *Config) { c.MetricsPort = c.HTTPPort }},
		{name: "bad log format", mutate: func(c *Config) { c.LogFormat = "xml" }},
		{name: "bad sample rate", mutate: func(c *Config) { c.TracingSampleRate = 2 }},
		{name: "zero cycle ceiling", mutate: func(c *Config) { c.Engine.CycleCheckCeiling = 0 }},
		{name: "zero traversal ceiling", mutate: func(c *Config) { c.Engine.TraversalCeiling = 0 }},
		{name: "unknown closure backend", mutate: func(c *Config) { c.Closure.Backend = "memcached" }},
		{name: "redis without addr", mutate: func(c *Config) { c.Closure.Backend = "redis" }},
		{name: "rate limit without rps", mutate: func(c *Config) {
			c.RateLimit.Enabled = true
			c.RateLimit.RequestsPerSecond = 0
		}},
		{name: "zero plugin queue", mutate: func(c *Config) { c.Plugins.QueueSize = 0 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			cfg := DefaultConfig()
			tt.mutate(cfg)
			assert.ErrorIs(t, cfg.Validate(), ErrInvalidConfig)
		})
	}
}

func TestLoad_FileAndEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "groupd.yaml")
	data := []byte(`
httpPort: 9000
logLevel: debug
engine:
  cycleCheckCeiling: 500
closure:
  backend: memory
  maxEntries: 42
  ttl: "1m"
`)
	require.NoError(t, os.WriteFile(path, data, 0o600))

	t.Setenv("GROUPD_HTTP_PORT", "9001")
	t.Setenv("GROUPD_TRAVERSAL_CEILING", "777")

	cfg, err := Load(path)
	require.NoError(t, err)

	// Env overrides file, file overrides defaults.
	assert.Equal(t, 9001, cfg.HTTPPort)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, 500, cfg.Engine.CycleCheckCeiling)
	assert.Equal(t, 777, cfg.Engine.TraversalCeiling)
	assert.Equal(t, 42, cfg.Closure.MaxEntries)
	assert.Equal(t, time.Minute, cfg.Closure.TTL.Duration())
}

func TestLoad_MissingFile(t *testing.T) {
	t.Parallel()

	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestTunables(t *testing.T) {
	t.Parallel()

	tun := NewTunables(EngineConfig{CycleCheckCeiling: 10, TraversalCeiling: 20})
	assert.Equal(t, 10, tun.CycleCheckCeiling())
	assert.Equal(t, 20, tun.TraversalCeiling())

	tun.Apply(EngineConfig{CycleCheckCeiling: 30})
	assert.Equal(t, 30, tun.CycleCheckCeiling())
	// Non-positive values must not clear the existing ceiling.
	assert.Equal(t, 20, tun.TraversalCeiling())
}

func TestDuration_Marshaling(t *testing.T) {
	t.Parallel()

	var d Duration
	require.NoError(t, d.UnmarshalJSON([]byte(`"1h30m"`)))
	assert.Equal(t, 90*time.Minute, d.Duration())

	out, err := d.MarshalJSON()
	require.NoError(t, err)
	assert.Equal(t, `"1h30m0s"`, string(out))

	require.NoError(t, d.UnmarshalJSON([]byte(`null`)))
	assert.Zero(t, d.Duration())
}

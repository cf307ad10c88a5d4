package config

import (
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, dir, body string) string {
	t.Helper()
	path := filepath.Join(dir, "config.yaml")
	tmp := path + ".tmp"
	require.NoError(t, os.WriteFile(tmp, []byte(body), 0o644))
	require.NoError(t, os.Rename(tmp, path))
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	d := GetDefaults()
	assert.Equal(t, d.Engine, cfg.Engine)
	assert.Equal(t, d.Pool, cfg.Pool)
	assert.Equal(t, d.Batch, cfg.Batch)
	assert.Equal(t, d.Server, cfg.Server)
	assert.Equal(t, d.Vault, cfg.Vault)
	assert.Equal(t, d.Metrics, cfg.Metrics)
	assert.Equal(t, d.Logging, cfg.Logging)
	assert.Equal(t, d.Tracing, cfg.Tracing)
	assert.False(t, cfg.Tracing.Enabled)
	assert.True(t, cfg.WebSocket.Enabled)
	assert.True(t, cfg.WebSocket.BroadcastDetections)
	assert.Empty(t, cfg.Catalog.Path)

	opts := cfg.Engine.Options()
	assert.Equal(t, 60, opts.ContextWindow)
	assert.True(t, opts.EnableContextValidation)
}

func TestLoadFile(t *testing.T) {
	path := writeConfig(t, t.TempDir(), `
engine:
  max_depth: 40
  placeholder_seed: 5
catalog:
  path: /etc/pii-scrubber/catalog.yaml
  disabled: [PHONE]
pool:
  num_workers: 3
  max_queue_size: 10
  shutdown_timeout: 5s
batch:
  chunk_size: 25
server:
  port: 9090
  rate_limit:
    enabled: false
vault:
  enabled: true
  backend: redis
  redis_url: redis://cache:6379/1
  default_ttl: 1h
websocket:
  username: admin
  password: secret
  broadcast_system: false
tracing:
  enabled: true
  sample_ratio: 0.25
logging:
  level: debug
  format: console
  file:
    enabled: true
    path: /tmp/scrubber.log
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 40, cfg.Engine.ContextWindow, "max_depth aliases context_window")
	assert.Equal(t, 5, cfg.Engine.PlaceholderSeed)
	assert.Equal(t, []string{"PHONE"}, cfg.Catalog.Disabled)
	assert.Equal(t, "/etc/pii-scrubber/catalog.yaml", cfg.Catalog.LoadOptions().Path)

	assert.Equal(t, 3, cfg.Pool.WorkerConfig().NumWorkers)
	assert.Equal(t, 10, cfg.Pool.WorkerConfig().MaxQueueSize)
	assert.Equal(t, 5*time.Second, cfg.Pool.ShutdownTimeout)
	assert.Equal(t, 25, cfg.Batch.ChunkSize)
	assert.Equal(t, 1000, cfg.Batch.ProgressLogEvery, "unset keys keep defaults")

	assert.Equal(t, 9090, cfg.Server.Port)
	assert.False(t, cfg.Server.RateLimit.Enabled)
	assert.Equal(t, 600, cfg.Server.RateLimit.RequestsPerMin)

	assert.True(t, cfg.Vault.Enabled)
	assert.Equal(t, "redis", cfg.Vault.Backend)
	assert.Equal(t, time.Hour, cfg.Vault.DefaultTTL)

	assert.Equal(t, "admin", cfg.WebSocket.Username)
	assert.False(t, cfg.WebSocket.BroadcastSystem)
	assert.True(t, cfg.WebSocket.BroadcastDetections)

	assert.True(t, cfg.Tracing.Enabled)
	assert.Equal(t, 0.25, cfg.Tracing.SampleRatio)
	assert.Equal(t, "pii-scrubber", cfg.Tracing.ServiceName)

	lc := cfg.Logging.LoggerConfig()
	assert.Equal(t, "debug", lc.Level)
	require.NotNil(t, lc.File)
	assert.Equal(t, "/tmp/scrubber.log", lc.File.Path)
}

func TestLoadContextWindowWins(t *testing.T) {
	path := writeConfig(t, t.TempDir(), "engine:\n  context_window: 30\n  max_depth: 90\n")
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 30, cfg.Engine.ContextWindow)
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("SCRUBBER_POOL_MAX_QUEUE_SIZE", "7")
	t.Setenv("SCRUBBER_SERVER_RATE_LIMIT_ENABLED", "false")
	t.Setenv("SCRUBBER_LOGGING_LEVEL", "warn")

	path := writeConfig(t, t.TempDir(), "pool:\n  max_queue_size: 50\n")
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 7, cfg.Pool.MaxQueueSize)
	assert.False(t, cfg.Server.RateLimit.Enabled)
	assert.Equal(t, "warn", cfg.Logging.Level)
}

func TestLoadErrors(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)

	path := writeConfig(t, t.TempDir(), "pool: [unclosed\n")
	_, err = Load(path)
	assert.Error(t, err)

	path = writeConfig(t, t.TempDir(), "logging:\n  level: loud\n")
	_, err = Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid log level")
}

func TestValidateConfig(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"port", func(c *Config) { c.Server.Port = 0 }, "invalid server port"},
		{"context window", func(c *Config) { c.Engine.ContextWindow = 0 }, "context_window"},
		{"seed", func(c *Config) { c.Engine.PlaceholderSeed = 0 }, "placeholder_seed"},
		{"workers", func(c *Config) { c.Pool.NumWorkers = -1 }, "num_workers"},
		{"queue", func(c *Config) { c.Pool.MaxQueueSize = 0 }, "max_queue_size"},
		{"concurrency", func(c *Config) { c.Batch.MaxConcurrency = -2 }, "max_concurrency"},
		{"chunk", func(c *Config) { c.Batch.ChunkSize = 0 }, "chunk_size"},
		{"rate limit", func(c *Config) { c.Server.RateLimit.RequestsPerMin = 0 }, "rate limit"},
		{"vault backend", func(c *Config) { c.Vault.Backend = "etcd" }, "vault backend"},
		{"redis url", func(c *Config) {
			c.Vault.Enabled = true
			c.Vault.Backend = "redis"
			c.Vault.RedisURL = ""
		}, "redis_url"},
		{"sample ratio", func(c *Config) { c.Tracing.SampleRatio = 2 }, "sample_ratio"},
		{"log format", func(c *Config) { c.Logging.Format = "xml" }, "log format"},
	}

	require.NoError(t, validateConfig(GetDefaults()))

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := GetDefaults()
			tt.mutate(cfg)
			err := validateConfig(cfg)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestWatch(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, "pool:\n  num_workers: 2\n")

	var latest atomic.Pointer[Config]
	initial, err := Watch(path, nil, func(c *Config) { latest.Store(c) })
	require.NoError(t, err)
	assert.Equal(t, 2, initial.Pool.NumWorkers)

	// Give the watcher time to attach before rewriting.
	time.Sleep(100 * time.Millisecond)
	writeConfig(t, dir, "pool:\n  num_workers: 6\n")

	assert.Eventually(t, func() bool {
		c := latest.Load()
		return c != nil && c.Pool.NumWorkers == 6
	}, 3*time.Second, 20*time.Millisecond)
}

func TestWatchWithoutFile(t *testing.T) {
	cfg, err := Watch("", nil, func(*Config) { t.Fatal("no file to watch") })
	require.NoError(t, err)
	assert.Equal(t, 8080, cfg.Server.Port)
}

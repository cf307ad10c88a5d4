package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

// EnvPrefix prefixes environment overrides, e.g. SCRUBBER_POOL_NUM_WORKERS.
const EnvPrefix = "SCRUBBER"

// Load loads configuration from file and environment variables
func Load(configPath string) (*Config, error) {
	v, err := newViper(configPath)
	if err != nil {
		return nil, err
	}
	return decode(v)
}

func newViper(configPath string) (*viper.Viper, error) {
	v := viper.New()
	setDefaults(v, GetDefaults())

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./configs")
	v.AddConfigPath("/etc/pii-scrubber/")
	v.AddConfigPath("$HOME/.pii-scrubber/")

	// Environment variable overrides
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
	}

	if err := v.ReadInConfig(); err != nil {
		// Config file not found is not an error - we'll use defaults
		var notFound viper.ConfigFileNotFoundError
		if configPath != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}
	return v, nil
}

func decode(v *viper.Viper) (*Config, error) {
	config := &Config{}
	if err := v.Unmarshal(config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	// max_depth is honoured unless context_window is given explicitly.
	if config.Engine.MaxDepth > 0 && !v.InConfig("engine.context_window") {
		config.Engine.ContextWindow = config.Engine.MaxDepth
	}

	if err := validateConfig(config); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return config, nil
}

// setDefaults registers every key so that environment overrides apply to
// keys absent from the config file.
func setDefaults(v *viper.Viper, d *Config) {
	v.SetDefault("engine.context_window", d.Engine.ContextWindow)
	v.SetDefault("engine.max_depth", d.Engine.MaxDepth)
	v.SetDefault("engine.enable_context_validation", d.Engine.EnableContextValidation)
	v.SetDefault("engine.placeholder_seed", d.Engine.PlaceholderSeed)

	v.SetDefault("catalog.path", d.Catalog.Path)
	v.SetDefault("catalog.enabled", strs(d.Catalog.Enabled))
	v.SetDefault("catalog.disabled", strs(d.Catalog.Disabled))
	v.SetDefault("catalog.watch", d.Catalog.Watch)

	v.SetDefault("pool.num_workers", d.Pool.NumWorkers)
	v.SetDefault("pool.max_queue_size", d.Pool.MaxQueueSize)
	v.SetDefault("pool.shutdown_timeout", d.Pool.ShutdownTimeout)

	v.SetDefault("batch.max_concurrency", d.Batch.MaxConcurrency)
	v.SetDefault("batch.chunk_size", d.Batch.ChunkSize)
	v.SetDefault("batch.progress_log_every", d.Batch.ProgressLogEvery)
	v.SetDefault("batch.retry_initial_interval", d.Batch.RetryInitialInterval)
	v.SetDefault("batch.retry_max_interval", d.Batch.RetryMaxInterval)
	v.SetDefault("batch.retry_max_elapsed", d.Batch.RetryMaxElapsed)

	v.SetDefault("server.host", d.Server.Host)
	v.SetDefault("server.port", d.Server.Port)
	v.SetDefault("server.read_timeout", d.Server.ReadTimeout)
	v.SetDefault("server.write_timeout", d.Server.WriteTimeout)
	v.SetDefault("server.idle_timeout", d.Server.IdleTimeout)
	v.SetDefault("server.max_body_bytes", d.Server.MaxBodyBytes)
	v.SetDefault("server.max_batch_inputs", d.Server.MaxBatchInputs)
	v.SetDefault("server.status_interval", d.Server.StatusInterval)
	v.SetDefault("server.rate_limit.enabled", d.Server.RateLimit.Enabled)
	v.SetDefault("server.rate_limit.requests_per_min", d.Server.RateLimit.RequestsPerMin)
	v.SetDefault("server.rate_limit.burst", d.Server.RateLimit.Burst)

	v.SetDefault("vault.enabled", d.Vault.Enabled)
	v.SetDefault("vault.backend", d.Vault.Backend)
	v.SetDefault("vault.redis_url", d.Vault.RedisURL)
	v.SetDefault("vault.max_connections", d.Vault.MaxConnections)
	v.SetDefault("vault.min_idle_conns", d.Vault.MinIdleConns)
	v.SetDefault("vault.default_ttl", d.Vault.DefaultTTL)
	v.SetDefault("vault.key_prefix", d.Vault.KeyPrefix)
	v.SetDefault("vault.cleanup_interval", d.Vault.CleanupInterval)

	v.SetDefault("websocket.enabled", d.WebSocket.Enabled)
	v.SetDefault("websocket.broadcast_detections", d.WebSocket.BroadcastDetections)
	v.SetDefault("websocket.broadcast_batch_progress", d.WebSocket.BroadcastBatchProgress)
	v.SetDefault("websocket.broadcast_system", d.WebSocket.BroadcastSystem)
	v.SetDefault("websocket.broadcast_connections", d.WebSocket.BroadcastConnections)
	v.SetDefault("websocket.username", d.WebSocket.Username)
	v.SetDefault("websocket.password", d.WebSocket.Password)
	v.SetDefault("websocket.allowed_origins", strs(d.WebSocket.AllowedOrigins))

	v.SetDefault("metrics.enabled", d.Metrics.Enabled)
	v.SetDefault("metrics.path", d.Metrics.Path)
	v.SetDefault("metrics.namespace", d.Metrics.Namespace)

	v.SetDefault("tracing.enabled", d.Tracing.Enabled)
	v.SetDefault("tracing.service_name", d.Tracing.ServiceName)
	v.SetDefault("tracing.sample_ratio", d.Tracing.SampleRatio)
	v.SetDefault("tracing.pretty_print", d.Tracing.PrettyPrint)

	v.SetDefault("logging.level", d.Logging.Level)
	v.SetDefault("logging.format", d.Logging.Format)
	v.SetDefault("logging.file.enabled", d.Logging.File.Enabled)
	v.SetDefault("logging.file.path", d.Logging.File.Path)
}

func strs(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

// validateConfig validates the loaded configuration
func validateConfig(config *Config) error {
	if config.Server.Port <= 0 || config.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", config.Server.Port)
	}

	if config.Engine.ContextWindow <= 0 {
		return fmt.Errorf("invalid engine context_window: %d (must be positive)", config.Engine.ContextWindow)
	}

	if config.Engine.PlaceholderSeed < 1 {
		return fmt.Errorf("invalid engine placeholder_seed: %d (must be at least 1)", config.Engine.PlaceholderSeed)
	}

	if config.Pool.NumWorkers < 0 {
		return fmt.Errorf("invalid pool num_workers: %d", config.Pool.NumWorkers)
	}

	if config.Pool.MaxQueueSize <= 0 {
		return fmt.Errorf("invalid pool max_queue_size: %d (must be positive)", config.Pool.MaxQueueSize)
	}

	if config.Batch.MaxConcurrency < 0 {
		return fmt.Errorf("invalid batch max_concurrency: %d", config.Batch.MaxConcurrency)
	}

	if config.Batch.ChunkSize <= 0 {
		return fmt.Errorf("invalid batch chunk_size: %d (must be positive)", config.Batch.ChunkSize)
	}

	if config.Server.RateLimit.Enabled && config.Server.RateLimit.RequestsPerMin <= 0 {
		return fmt.Errorf("invalid rate limit: %d requests per minute", config.Server.RateLimit.RequestsPerMin)
	}

	switch config.Vault.Backend {
	case "memory":
	case "redis":
		if config.Vault.Enabled && config.Vault.RedisURL == "" {
			return fmt.Errorf("vault backend redis requires redis_url")
		}
	default:
		return fmt.Errorf("invalid vault backend: %s (must be memory or redis)", config.Vault.Backend)
	}

	if config.Tracing.SampleRatio < 0 || config.Tracing.SampleRatio > 1 {
		return fmt.Errorf("invalid tracing sample_ratio: %v (must be between 0 and 1)", config.Tracing.SampleRatio)
	}

	if config.Logging.Level != "debug" && config.Logging.Level != "info" && config.Logging.Level != "warn" && config.Logging.Level != "error" {
		return fmt.Errorf("invalid log level: %s (must be debug, info, warn, or error)", config.Logging.Level)
	}

	if config.Logging.Format != "json" && config.Logging.Format != "console" {
		return fmt.Errorf("invalid log format: %s (must be json or console)", config.Logging.Format)
	}

	return nil
}

// Watch loads the configuration and invokes callback with every valid
// revision written to the config file afterwards. Invalid revisions are
// logged and skipped.
func Watch(configPath string, logger *zap.Logger, callback func(*Config)) (*Config, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	v, err := newViper(configPath)
	if err != nil {
		return nil, err
	}
	initial, err := decode(v)
	if err != nil {
		return nil, err
	}
	if v.ConfigFileUsed() == "" {
		return initial, nil
	}

	v.OnConfigChange(func(e fsnotify.Event) {
		next, err := decode(v)
		if err != nil {
			logger.Warn("Ignoring invalid configuration change",
				zap.String("file", e.Name),
				zap.Error(err))
			return
		}
		logger.Info("Configuration reloaded", zap.String("file", e.Name))
		callback(next)
	})
	v.WatchConfig()

	return initial, nil
}

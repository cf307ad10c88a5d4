package config

import (
	"time"

	"github.com/raaihank/pii-scrubber/internal/batch"
	"github.com/raaihank/pii-scrubber/internal/catalog"
	"github.com/raaihank/pii-scrubber/internal/logger"
	"github.com/raaihank/pii-scrubber/internal/privacy"
	"github.com/raaihank/pii-scrubber/internal/telemetry"
	"github.com/raaihank/pii-scrubber/internal/vault"
	"github.com/raaihank/pii-scrubber/internal/websocket"
	"github.com/raaihank/pii-scrubber/internal/workerpool"
)

// Config represents the main configuration structure
type Config struct {
	Engine    EngineConfig     `yaml:"engine" mapstructure:"engine"`
	Catalog   CatalogConfig    `yaml:"catalog" mapstructure:"catalog"`
	Pool      PoolConfig       `yaml:"pool" mapstructure:"pool"`
	Batch     batch.Config     `yaml:"batch" mapstructure:"batch"`
	Server    ServerConfig     `yaml:"server" mapstructure:"server"`
	Vault     vault.Config     `yaml:"vault" mapstructure:"vault"`
	WebSocket WebSocketConfig  `yaml:"websocket" mapstructure:"websocket"`
	Metrics   MetricsConfig    `yaml:"metrics" mapstructure:"metrics"`
	Tracing   telemetry.Config `yaml:"tracing" mapstructure:"tracing"`
	Logging   LoggingConfig    `yaml:"logging" mapstructure:"logging"`
}

// EngineConfig contains detection engine options
type EngineConfig struct {
	ContextWindow int `yaml:"context_window" mapstructure:"context_window"`
	// MaxDepth is accepted as an alias of ContextWindow.
	MaxDepth                int  `yaml:"max_depth" mapstructure:"max_depth"`
	EnableContextValidation bool `yaml:"enable_context_validation" mapstructure:"enable_context_validation"`
	PlaceholderSeed         int  `yaml:"placeholder_seed" mapstructure:"placeholder_seed"`
}

// Options converts the engine section into detector options.
func (e EngineConfig) Options() privacy.Options {
	return privacy.Options{
		ContextWindow:           e.ContextWindow,
		EnableContextValidation: e.EnableContextValidation,
		PlaceholderSeed:         e.PlaceholderSeed,
	}
}

// CatalogConfig selects the pattern catalog
type CatalogConfig struct {
	// Path is a YAML catalog layered over the built-in patterns. Empty uses
	// the built-in catalog only.
	Path     string   `yaml:"path" mapstructure:"path"`
	Enabled  []string `yaml:"enabled" mapstructure:"enabled"`
	Disabled []string `yaml:"disabled" mapstructure:"disabled"`
	// Watch reloads the catalog when Path changes.
	Watch bool `yaml:"watch" mapstructure:"watch"`
}

// LoadOptions converts the catalog section into loader options.
func (c CatalogConfig) LoadOptions() catalog.LoadOptions {
	return catalog.LoadOptions{
		Path:     c.Path,
		Enabled:  c.Enabled,
		Disabled: c.Disabled,
	}
}

// PoolConfig contains worker pool configuration
type PoolConfig struct {
	NumWorkers      int           `yaml:"num_workers" mapstructure:"num_workers"`
	MaxQueueSize    int           `yaml:"max_queue_size" mapstructure:"max_queue_size"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" mapstructure:"shutdown_timeout"`
}

// WorkerConfig converts the section for workerpool.New.
func (p PoolConfig) WorkerConfig() workerpool.Config {
	return workerpool.Config{
		NumWorkers:   p.NumWorkers,
		MaxQueueSize: p.MaxQueueSize,
	}
}

// ServerConfig contains HTTP server configuration
type ServerConfig struct {
	Host         string        `yaml:"host" mapstructure:"host"`
	Port         int           `yaml:"port" mapstructure:"port"`
	ReadTimeout  time.Duration `yaml:"read_timeout" mapstructure:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout" mapstructure:"write_timeout"`
	IdleTimeout  time.Duration `yaml:"idle_timeout" mapstructure:"idle_timeout"`
	// MaxBodyBytes caps request bodies.
	MaxBodyBytes int64 `yaml:"max_body_bytes" mapstructure:"max_body_bytes"`
	// MaxBatchInputs caps the inputs of one /v1/batch request.
	MaxBatchInputs int `yaml:"max_batch_inputs" mapstructure:"max_batch_inputs"`
	// StatusInterval is how often system status is pushed to dashboards.
	StatusInterval time.Duration   `yaml:"status_interval" mapstructure:"status_interval"`
	RateLimit      RateLimitConfig `yaml:"rate_limit" mapstructure:"rate_limit"`
}

// RateLimitConfig contains per-client rate limiting configuration
type RateLimitConfig struct {
	Enabled        bool `yaml:"enabled" mapstructure:"enabled"`
	RequestsPerMin int  `yaml:"requests_per_min" mapstructure:"requests_per_min"`
	Burst          int  `yaml:"burst" mapstructure:"burst"`
}

// WebSocketConfig contains WebSocket configuration
type WebSocketConfig struct {
	Enabled             bool `yaml:"enabled" mapstructure:"enabled"`
	websocket.HubConfig `yaml:",inline" mapstructure:",squash"`
}

// MetricsConfig contains Prometheus configuration
type MetricsConfig struct {
	Enabled   bool   `yaml:"enabled" mapstructure:"enabled"`
	Path      string `yaml:"path" mapstructure:"path"`
	Namespace string `yaml:"namespace" mapstructure:"namespace"`
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"` // json or console
	File   struct {
		Enabled bool   `yaml:"enabled" mapstructure:"enabled"`
		Path    string `yaml:"path" mapstructure:"path"`
	} `yaml:"file" mapstructure:"file"`
}

// LoggerConfig converts the section for logger.New.
func (l LoggingConfig) LoggerConfig() logger.Config {
	cfg := logger.Config{Level: l.Level, Format: l.Format}
	if l.File.Enabled {
		cfg.File = &logger.FileConfig{Enabled: true, Path: l.File.Path}
	}
	return cfg
}

// GetDefaults returns a configuration with sensible defaults
func GetDefaults() *Config {
	cfg := &Config{
		Engine: EngineConfig{
			ContextWindow:           privacy.DefaultContextWindow,
			EnableContextValidation: true,
			PlaceholderSeed:         1,
		},
		Pool: PoolConfig{
			MaxQueueSize:    workerpool.DefaultMaxQueueSize,
			ShutdownTimeout: 30 * time.Second,
		},
		Batch: batch.DefaultConfig(),
		Server: ServerConfig{
			Port:           8080,
			ReadTimeout:    30 * time.Second,
			WriteTimeout:   60 * time.Second,
			IdleTimeout:    60 * time.Second,
			MaxBodyBytes:   10 << 20,
			MaxBatchInputs: 10000,
			StatusInterval: 10 * time.Second,
			RateLimit: RateLimitConfig{
				Enabled:        true,
				RequestsPerMin: 600,
				Burst:          50,
			},
		},
		Vault: vault.Config{
			Backend:         "memory",
			RedisURL:        "redis://localhost:6379/0",
			MaxConnections:  10,
			MinIdleConns:    2,
			DefaultTTL:      24 * time.Hour,
			KeyPrefix:       vault.DefaultKeyPrefix,
			CleanupInterval: time.Minute,
		},
		WebSocket: WebSocketConfig{
			Enabled: true,
			HubConfig: websocket.HubConfig{
				BroadcastDetections:    true,
				BroadcastBatchProgress: true,
				BroadcastSystem:        true,
				BroadcastConnections:   true,
			},
		},
		Metrics: MetricsConfig{
			Enabled:   true,
			Path:      "/metrics",
			Namespace: "pii_scrubber",
		},
		Tracing: telemetry.Config{
			ServiceName: telemetry.DefaultServiceName,
			SampleRatio: 1,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
	cfg.Logging.File.Path = "logs/scrubber.log"
	return cfg
}

package vault

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// ErrNotFound is returned for unknown or expired entries.
var ErrNotFound = errors.New("vault: entry not found")

// Store keeps the placeholder mappings of redacted documents so that a
// redaction can be reversed later, possibly by another process.
type Store interface {
	// Put stores a mapping and returns its ID. ttl <= 0 uses the store default.
	Put(ctx context.Context, placeholders map[string]string, ttl time.Duration) (string, error)
	// Get returns the mapping stored under id or ErrNotFound.
	Get(ctx context.Context, id string) (map[string]string, error)
	// Delete removes an entry. Deleting an unknown ID is not an error.
	Delete(ctx context.Context, id string) error
	// Stats reports lookup counters.
	Stats() Stats
	Close() error
}

// Cleaner is implemented by stores that must evict expired entries
// themselves. Redis expires keys on its own and does not implement it.
type Cleaner interface {
	RunCleanup(ctx context.Context, interval time.Duration)
}

// Stats counts vault lookups.
type Stats struct {
	Hits    int64   `json:"hits"`
	Misses  int64   `json:"misses"`
	HitRate float64 `json:"hitRate"`
	// Expired and Entries are only tracked by the memory backend.
	Expired int64 `json:"expired,omitempty"`
	Entries int64 `json:"entries,omitempty"`
}

type counters struct {
	hits    atomic.Int64
	misses  atomic.Int64
	expired atomic.Int64
}

func (c *counters) hit()         { c.hits.Add(1) }
func (c *counters) miss()        { c.misses.Add(1) }
func (c *counters) expire(n int) { c.expired.Add(int64(n)) }

func (c *counters) snapshot() Stats {
	s := Stats{Hits: c.hits.Load(), Misses: c.misses.Load(), Expired: c.expired.Load()}
	if total := s.Hits + s.Misses; total > 0 {
		s.HitRate = float64(s.Hits) / float64(total) * 100
	}
	return s
}

// Config selects and configures the vault backend.
type Config struct {
	Enabled bool `yaml:"enabled" mapstructure:"enabled"`
	// Backend is "memory" or "redis".
	Backend        string        `yaml:"backend" mapstructure:"backend"`
	RedisURL       string        `yaml:"redis_url" mapstructure:"redis_url"`
	MaxConnections int           `yaml:"max_connections" mapstructure:"max_connections"`
	MinIdleConns   int           `yaml:"min_idle_conns" mapstructure:"min_idle_conns"`
	DefaultTTL     time.Duration `yaml:"default_ttl" mapstructure:"default_ttl"`
	KeyPrefix      string        `yaml:"key_prefix" mapstructure:"key_prefix"`
	// CleanupInterval is how often the memory backend evicts expired entries.
	CleanupInterval time.Duration `yaml:"cleanup_interval" mapstructure:"cleanup_interval"`
}

// New builds the configured store.
func New(cfg Config, logger *zap.Logger) (Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	switch cfg.Backend {
	case "", "memory":
		return NewMemoryStore(cfg.DefaultTTL), nil
	case "redis":
		return NewRedisStore(cfg, logger)
	default:
		return nil, fmt.Errorf("unknown vault backend %q", cfg.Backend)
	}
}

func copyMap(m map[string]string) map[string]string {
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

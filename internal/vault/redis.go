package vault

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// DefaultKeyPrefix namespaces vault keys when Config.KeyPrefix is empty.
const DefaultKeyPrefix = "pii-scrubber"

// RedisStore keeps each entry as a Redis hash of placeholder to original
// text, expiring with the entry TTL.
type RedisStore struct {
	client     *redis.Client
	prefix     string
	defaultTTL time.Duration
	logger     *zap.Logger
	counters
}

// NewRedisStore connects to Redis and verifies the connection.
func NewRedisStore(cfg Config, logger *zap.Logger) (*RedisStore, error) {
	opts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}
	if cfg.MaxConnections > 0 {
		opts.PoolSize = cfg.MaxConnections
	}
	opts.MinIdleConns = cfg.MinIdleConns

	store := NewRedisStoreWithClient(redis.NewClient(opts), cfg, logger)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := store.client.Ping(ctx).Err(); err != nil {
		_ = store.client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	store.logger.Info("Placeholder vault initialized",
		zap.String("redis_url", maskRedisURL(cfg.RedisURL)),
		zap.Int("max_connections", opts.PoolSize),
		zap.Duration("default_ttl", cfg.DefaultTTL))

	return store, nil
}

// NewRedisStoreWithClient wraps an existing client without pinging it.
func NewRedisStoreWithClient(client *redis.Client, cfg Config, logger *zap.Logger) *RedisStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = DefaultKeyPrefix
	}
	return &RedisStore{
		client:     client,
		prefix:     prefix,
		defaultTTL: cfg.DefaultTTL,
		logger:     logger,
	}
}

func (s *RedisStore) Put(ctx context.Context, placeholders map[string]string, ttl time.Duration) (string, error) {
	if ttl <= 0 {
		ttl = s.defaultTTL
	}

	id := uuid.NewString()
	key := s.key(id)

	fields := make([]interface{}, 0, 2*len(placeholders)+2)
	// A marker field keeps empty mappings retrievable.
	fields = append(fields, "_", "")
	for k, v := range placeholders {
		fields = append(fields, k, v)
	}

	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, key, fields...)
		if ttl > 0 {
			pipe.Expire(ctx, key, ttl)
		}
		return nil
	})
	if err != nil {
		s.logger.Error("Failed to store vault entry", zap.Error(err))
		return "", fmt.Errorf("failed to store vault entry: %w", err)
	}

	s.logger.Debug("Vault entry stored",
		zap.String("id", id),
		zap.Int("placeholders", len(placeholders)),
		zap.Duration("ttl", ttl))
	return id, nil
}

func (s *RedisStore) Get(ctx context.Context, id string) (map[string]string, error) {
	fields, err := s.client.HGetAll(ctx, s.key(id)).Result()
	if err != nil {
		return nil, fmt.Errorf("vault lookup failed: %w", err)
	}
	if len(fields) == 0 {
		s.miss()
		return nil, ErrNotFound
	}
	s.hit()
	delete(fields, "_")
	return fields, nil
}

func (s *RedisStore) Delete(ctx context.Context, id string) error {
	if err := s.client.Del(ctx, s.key(id)).Err(); err != nil {
		return fmt.Errorf("failed to delete vault entry: %w", err)
	}
	return nil
}

func (s *RedisStore) Stats() Stats { return s.snapshot() }

// Close closes the Redis connection.
func (s *RedisStore) Close() error {
	if s.client != nil {
		return s.client.Close()
	}
	return nil
}

func (s *RedisStore) key(id string) string {
	return fmt.Sprintf("%s:vault:%s", s.prefix, id)
}

// maskRedisURL hides the password of a Redis URL for logging.
func maskRedisURL(url string) string {
	at := strings.LastIndex(url, "@")
	if at < 0 {
		return url
	}
	userinfo := url[:at]
	colon := strings.LastIndex(userinfo, ":")
	scheme := strings.Index(userinfo, "://")
	if colon < 0 || colon <= scheme+2 {
		return url
	}
	return userinfo[:colon+1] + "***" + url[at:]
}

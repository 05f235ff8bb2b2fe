package export

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
)

// DefaultKeyPrefix namespaces exported logs in Redis.
const DefaultKeyPrefix = "bike-data:"

// RedisConfig configures a RedisExporter.
type RedisConfig struct {
	Addr      string
	Password  string
	DB        int
	KeyPrefix string
	TTL       time.Duration // 0 keeps exports forever
}

// RedisExporter stores each export as a string key.
type RedisExporter struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// NewRedisExporter creates a RedisExporter. The server is not contacted
// until the first export.
func NewRedisExporter(cfg RedisConfig) *RedisExporter {
	client := redis.NewClient(&redis.Options{
		Addr:       cfg.Addr,
		Password:   cfg.Password,
		DB:         cfg.DB,
		MaxRetries: 3,
	})
	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = DefaultKeyPrefix
	}
	return &RedisExporter{client: client, prefix: prefix, ttl: cfg.TTL}
}

// Backend implements Exporter.
func (e *RedisExporter) Backend() string { return "redis" }

// Key returns the Redis key used for name.
func (e *RedisExporter) Key(name string) string {
	return e.prefix + name
}

// Export implements Exporter using SET NX so an existing export is never
// replaced.
func (e *RedisExporter) Export(ctx context.Context, name string, data []byte) error {
	if err := validName(name); err != nil {
		return err
	}
	if err := e.client.Ping(ctx).Err(); err != nil {
		return errors.Wrapf(ErrUnavailable, "%v", err)
	}

	ok, err := e.client.SetNX(ctx, e.Key(name), data, e.ttl).Result()
	if err != nil {
		return errors.Wrapf(ErrWrite, "%v", err)
	}
	if !ok {
		return errors.Wrapf(ErrExists, "%s", e.Key(name))
	}
	return nil
}

// Close closes the Redis client.
func (e *RedisExporter) Close() error {
	return e.client.Close()
}

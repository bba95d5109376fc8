// Package cache provides the Redis-backed byte store CacheBytes uses as
// its shared fresh/stale tier, plus the distributed lock that coordinates
// singleflight compute across processes.
package cache

import (
	"context"
	"errors"
	"time"
)

// BackendRedis identifies the Redis cache driver in configuration.
const BackendRedis = "redis"

// ErrKeyNotFound is returned when a requested key does not exist in the cache.
var ErrKeyNotFound = errors.New("key not found")

// Cache is the byte store CacheBytes reads/writes its fresh/stale tiers
// through. RedisCache is its only implementation; the file-backed fallback
// bypasses it entirely via byteStore/fileAdapter.
type Cache interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Close() error
}

// Options configures a Redis-backed Cache.
type Options struct {
	DefaultTTL time.Duration // Used when Set is called with ttl <= 0.

	RedisAddr     string
	RedisPassword string
	RedisDB       int
	RedisPoolSize int
}

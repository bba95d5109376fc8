package cache

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// releaseScript deletes KEYS[1] iff its current value still equals ARGV[1],
// so a holder can never release a lock some other process has since
// retaken after the original TTL expired.
var releaseScript = redis.NewScript(`
	if redis.call('GET', KEYS[1]) == ARGV[1] then
		return redis.call('DEL', KEYS[1])
	end
	return 0
`)

// Locker implements CacheBytes' per-key lock: SET NX PX semantics plus a
// token-checked release and a short cooldown marker applied after a failed
// compute, so contending callers don't hammer a key that just failed.
type Locker interface {
	// TryAcquire attempts to take the lock for key, storing token as its
	// value with the given TTL. It reports whether the lock was acquired.
	TryAcquire(ctx context.Context, key, token string, ttl time.Duration) (bool, error)
	// Release clears the lock iff its current value still matches token.
	// A mismatch (the lock already expired and was retaken) is not an
	// error; it is silently ignored per spec §4.1's failure semantics.
	Release(ctx context.Context, key, token string) error
	// Cooldown overwrites the lock with a short-lived marker after a
	// failed compute, so other waiters don't retry in a tight loop.
	Cooldown(ctx context.Context, key string, ttl time.Duration) error
}

// NewLockToken generates a random per-acquisition token used to guard
// against releasing a lock some other holder now owns.
func NewLockToken() string {
	return uuid.NewString()
}

// RedisLocker implements Locker against a shared redis.Client, giving
// at-most-one-compute-per-fingerprint across every process sharing that
// Redis instance.
type RedisLocker struct {
	client *redis.Client
}

// NewRedisLocker wraps an existing redis client as a Locker.
func NewRedisLocker(client *redis.Client) *RedisLocker {
	return &RedisLocker{client: client}
}

func (l *RedisLocker) TryAcquire(ctx context.Context, key, token string, ttl time.Duration) (bool, error) {
	ok, err := l.client.SetNX(ctx, key, token, ttl).Result()
	if err != nil {
		return false, err
	}
	return ok, nil
}

func (l *RedisLocker) Release(ctx context.Context, key, token string) error {
	// compare-then-delete must be atomic: a plain GET followed by a
	// conditional DEL could race another holder's TryAcquire between the
	// two calls and delete a lock this token no longer owns.
	return releaseScript.Run(ctx, l.client, []string{key}, token).Err()
}

func (l *RedisLocker) Cooldown(ctx context.Context, key string, ttl time.Duration) error {
	return l.client.Set(ctx, key, "cooldown", ttl).Err()
}

// MemoryLocker implements Locker in-process, for the Redis-absent file
// cache fallback. A single process serializes compute per fingerprint
// through this map+mutex, which is itself the singleflight mechanism the
// file-backed CacheBytes relies on.
type MemoryLocker struct {
	mu    sync.Mutex
	locks map[string]memoryLock
}

type memoryLock struct {
	token     string
	expiresAt time.Time
}

// NewMemoryLocker creates an in-process Locker.
func NewMemoryLocker() *MemoryLocker {
	return &MemoryLocker{locks: make(map[string]memoryLock)}
}

func (l *MemoryLocker) TryAcquire(_ context.Context, key, token string, ttl time.Duration) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if existing, ok := l.locks[key]; ok && time.Now().Before(existing.expiresAt) {
		return false, nil
	}

	l.locks[key] = memoryLock{token: token, expiresAt: time.Now().Add(ttl)}
	return true, nil
}

func (l *MemoryLocker) Release(_ context.Context, key, token string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if existing, ok := l.locks[key]; ok && existing.token == token {
		delete(l.locks, key)
	}
	return nil
}

func (l *MemoryLocker) Cooldown(_ context.Context, key string, ttl time.Duration) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.locks[key] = memoryLock{token: "cooldown", expiresAt: time.Now().Add(ttl)}
	return nil
}

package cache

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"weathercompute/pkg/apperror"
	"weathercompute/pkg/logger"
	"weathercompute/pkg/metrics"
)

// Outcome labels the result of a CacheBytes lookup returned to callers.
// RecordCacheLookup gets its own labels: hit, stale, miss, fresh, timeout.
type Outcome string

const (
	OutcomeFresh    Outcome = "fresh"
	OutcomeStale    Outcome = "stale"
	OutcomeComputed Outcome = "computed"
)

// byteStore is the storage tier CacheBytes reads/writes fresh and stale
// bodies through; it is satisfied by both the shared Redis-backed Cache
// and the per-process FileStore fallback.
type byteStore interface {
	Get(ctx context.Context, key, tier string, ttl time.Duration) ([]byte, bool, error)
	Set(ctx context.Context, key, tier string, body []byte, ttl time.Duration) error
}

// cacheAdapter adapts the generic Cache interface (RedisCache) to
// byteStore, namespacing fresh/stale values under "<key>:<tier>".
type cacheAdapter struct {
	c Cache
}

func (a cacheAdapter) Get(ctx context.Context, key, tier string, _ time.Duration) ([]byte, bool, error) {
	body, err := a.c.Get(ctx, key+":"+tier)
	if errors.Is(err, ErrKeyNotFound) {
		return nil, false, nil
	}
	if err != nil {
		// Transport failures during reads degrade to a cache miss, per
		// spec §4.1's failure semantics.
		return nil, false, nil
	}
	return body, true, nil
}

func (a cacheAdapter) Set(ctx context.Context, key, tier string, body []byte, ttl time.Duration) error {
	return a.c.Set(ctx, key+":"+tier, body, ttl)
}

// fileAdapter adapts *FileStore to byteStore.
type fileAdapter struct {
	s *FileStore
}

func (a fileAdapter) Get(ctx context.Context, key, tier string, ttl time.Duration) ([]byte, bool, error) {
	return a.s.Get(ctx, key, tier, ttl)
}

func (a fileAdapter) Set(ctx context.Context, key, tier string, body []byte, _ time.Duration) error {
	return a.s.Set(ctx, key, tier, body)
}

// Config carries the tunables CacheBytes needs, mirroring config.CacheConfig.
type Config struct {
	FreshTTL     time.Duration
	StaleTTL     time.Duration
	LockTTL      time.Duration
	WaitTimeout  time.Duration
	PollInterval time.Duration
	CooldownMin  time.Duration
	CooldownMax  time.Duration
}

// CacheBytes is the two-tier singleflight stale-while-revalidate byte
// cache described in spec §4.1.
type CacheBytes struct {
	store  byteStore
	locker Locker
	cfg    Config
}

// NewRedisCacheBytes builds a CacheBytes backed by a shared Cache (Redis)
// plus a RedisLocker sharing the same client, giving at-most-one-compute
// guarantees across every process pointed at that Redis instance.
func NewRedisCacheBytes(store Cache, locker Locker, cfg Config) *CacheBytes {
	return &CacheBytes{store: cacheAdapter{c: store}, locker: locker, cfg: cfg}
}

// NewFileCacheBytes builds a CacheBytes backed by the per-process
// FileStore fallback, with a MemoryLocker providing in-process
// singleflight.
func NewFileCacheBytes(store *FileStore, cfg Config) *CacheBytes {
	return &CacheBytes{store: fileAdapter{s: store}, locker: NewMemoryLocker(), cfg: cfg}
}

// ComputeFunc produces a fresh byte payload for a fingerprint on a cache
// miss. Implementations dispatch their own blocking work onto a worker
// pool; CacheBytes itself never blocks the caller's goroutine beyond the
// wait-and-retry loop.
type ComputeFunc func(ctx context.Context) ([]byte, error)

// GetOrCompute implements the protocol in spec §4.1: a fresh hit returns
// immediately; a miss with no concurrent compute acquires the lock and
// runs fn, populating both tiers; a miss racing an in-flight compute
// either returns the stale body or waits briefly for the leader to finish.
func (cb *CacheBytes) GetOrCompute(ctx context.Context, fp string, fn ComputeFunc) ([]byte, Outcome, error) {
	if body, ok, err := cb.store.Get(ctx, fp, "fresh", cb.cfg.FreshTTL); err != nil {
		return nil, "", err
	} else if ok {
		cb.recordLookup("hit")
		return body, OutcomeFresh, nil
	}

	staleBody, staleOK, _ := cb.store.Get(ctx, fp, "stale", cb.cfg.StaleTTL)

	lockKey := "lock:" + fp
	token := NewLockToken()
	acquired, err := cb.locker.TryAcquire(ctx, lockKey, token, cb.cfg.LockTTL)
	if err != nil {
		// Lock transport failure: degrade to the stale body if we have
		// one, otherwise surface as an upstream failure.
		if staleOK {
			cb.recordLookup("stale")
			return staleBody, OutcomeStale, nil
		}
		return nil, "", fmt.Errorf("cache: lock acquisition failed: %w", err)
	}

	if acquired {
		return cb.runCompute(ctx, fp, lockKey, token, staleBody, staleOK, fn)
	}

	if staleOK {
		cb.recordLookup("stale")
		return staleBody, OutcomeStale, nil
	}

	return cb.waitForFresh(ctx, fp)
}

func (cb *CacheBytes) runCompute(ctx context.Context, fp, lockKey, token string, staleBody []byte, staleOK bool, fn ComputeFunc) ([]byte, Outcome, error) {
	body, err := fn(ctx)
	if err != nil {
		cooldown := cb.randomCooldown()
		if cdErr := cb.locker.Cooldown(ctx, lockKey, cooldown); cdErr != nil {
			logger.Log.Warn("cache: failed to set cooldown marker", "fingerprint", ShortFingerprint(fp, 12), "error", cdErr)
		}

		if staleOK {
			logger.Log.Warn("cache: compute failed, serving stale body", "fingerprint", ShortFingerprint(fp, 12), "error", err)
			cb.recordLookup("stale")
			return staleBody, OutcomeStale, nil
		}

		cb.recordLookup("miss")
		return nil, "", err
	}

	if setErr := cb.store.Set(ctx, fp, "fresh", body, cb.cfg.FreshTTL); setErr != nil {
		logger.Log.Warn("cache: failed to write fresh tier", "fingerprint", ShortFingerprint(fp, 12), "error", setErr)
	}
	if setErr := cb.store.Set(ctx, fp, "stale", body, cb.cfg.StaleTTL); setErr != nil {
		logger.Log.Warn("cache: failed to write stale tier", "fingerprint", ShortFingerprint(fp, 12), "error", setErr)
	}

	if relErr := cb.locker.Release(ctx, lockKey, token); relErr != nil {
		logger.Log.Warn("cache: failed to release lock", "fingerprint", ShortFingerprint(fp, 12), "error", relErr)
	}

	cb.recordLookup("miss")
	return body, OutcomeComputed, nil
}

func (cb *CacheBytes) waitForFresh(ctx context.Context, fp string) ([]byte, Outcome, error) {
	deadline := time.Now().Add(cb.cfg.WaitTimeout)
	ticker := time.NewTicker(cb.cfg.PollInterval)
	defer ticker.Stop()

	start := time.Now()
	defer func() {
		if m := metrics.Get(); m != nil {
			m.RecordCacheWait("cache", time.Since(start))
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil, "", ctx.Err()
		case <-ticker.C:
			if body, ok, _ := cb.store.Get(ctx, fp, "fresh", cb.cfg.FreshTTL); ok {
				cb.recordLookup("fresh")
				return body, OutcomeFresh, nil
			}
			if time.Now().After(deadline) {
				cb.recordLookup("timeout")
				return nil, "", apperror.ErrCacheWarmTimeout
			}
		}
	}
}

func (cb *CacheBytes) randomCooldown() time.Duration {
	lo, hi := cb.cfg.CooldownMin, cb.cfg.CooldownMax
	if hi <= lo {
		return lo
	}
	span := hi - lo
	return lo + time.Duration(rand.Int63n(int64(span)))
}

func (cb *CacheBytes) recordLookup(outcome string) {
	if m := metrics.Get(); m != nil {
		m.RecordCacheLookup(outcome)
	}
}

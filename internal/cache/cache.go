// Package cache holds short-lived ledger snapshots in Redis, falling back to
// process memory when Redis is not configured or unreachable.
package cache

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/route-quota/internal/resilience"
)

// ErrMiss is returned by Get when the key is absent or expired.
var ErrMiss = eris.New("cache: miss")

// Cache is a string key/value store with per-key TTL.
type Cache interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key string, value string, ttl time.Duration) error
	Del(ctx context.Context, keys ...string) error
}

// RedisCache wraps go-redis. Calls are guarded by a circuit breaker so a
// Redis outage degrades to cache misses instead of slow requests.
type RedisCache struct {
	client  *redis.Client
	breaker *resilience.CircuitBreaker
}

// NewRedisCache wraps client. A nil breaker disables the guard.
func NewRedisCache(client *redis.Client, breaker *resilience.CircuitBreaker) *RedisCache {
	return &RedisCache{client: client, breaker: breaker}
}

func (r *RedisCache) Get(ctx context.Context, key string) (string, error) {
	if err := r.allow(); err != nil {
		return "", err
	}
	res, err := r.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		r.record(nil)
		return "", ErrMiss
	}
	r.record(err)
	if err != nil {
		return "", eris.Wrapf(err, "redis: get %s", key)
	}
	return res, nil
}

func (r *RedisCache) Set(ctx context.Context, key string, value string, ttl time.Duration) error {
	if err := r.allow(); err != nil {
		return err
	}
	err := r.client.Set(ctx, key, value, ttl).Err()
	r.record(err)
	return eris.Wrapf(err, "redis: set %s", key)
}

func (r *RedisCache) Del(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	if err := r.allow(); err != nil {
		return err
	}
	err := r.client.Del(ctx, keys...).Err()
	r.record(err)
	return eris.Wrap(err, "redis: del")
}

func (r *RedisCache) allow() error {
	if r.breaker == nil {
		return nil
	}
	return r.breaker.Allow()
}

func (r *RedisCache) record(err error) {
	if r.breaker != nil {
		r.breaker.Record(err)
	}
}

// MemoryCache is a simple in-memory TTL cache.
type MemoryCache struct {
	mu    sync.Mutex
	items map[string]memItem

	nowFunc func() time.Time
}

type memItem struct {
	value     string
	expiresAt time.Time
}

// NewMemoryCache returns an empty MemoryCache.
func NewMemoryCache() *MemoryCache {
	return &MemoryCache{items: map[string]memItem{}, nowFunc: time.Now}
}

func (m *MemoryCache) Get(_ context.Context, key string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	item, ok := m.items[key]
	if !ok {
		return "", ErrMiss
	}
	if !m.nowFunc().Before(item.expiresAt) {
		delete(m.items, key)
		return "", ErrMiss
	}
	return item.value, nil
}

func (m *MemoryCache) Set(_ context.Context, key string, value string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cleanupLocked()
	m.items[key] = memItem{value: value, expiresAt: m.nowFunc().Add(ttl)}
	return nil
}

func (m *MemoryCache) Del(_ context.Context, keys ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, k := range keys {
		delete(m.items, k)
	}
	return nil
}

// Len returns the number of stored items, expired ones included.
func (m *MemoryCache) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.items)
}

func (m *MemoryCache) cleanupLocked() {
	now := m.nowFunc()
	for k, v := range m.items {
		if !now.Before(v.expiresAt) {
			delete(m.items, k)
		}
	}
}

// New tries Redis and falls back to memory when client is nil or the ping
// fails.
func New(ctx context.Context, client *redis.Client, breaker *resilience.CircuitBreaker) Cache {
	if client != nil {
		err := client.Ping(ctx).Err()
		if err == nil {
			return NewRedisCache(client, breaker)
		}
		zap.L().Warn("redis unavailable, using in-memory snapshot cache", zap.Error(err))
	}
	return NewMemoryCache()
}

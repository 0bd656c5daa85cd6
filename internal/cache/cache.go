// Package cache holds rendered API responses for a short TTL, in Redis when
// it is configured and in process otherwise.
package cache

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/singleflight"

	"github.com/Yisonco-Stellargold/larue-civic-intel/internal/monitoring"
	"github.com/Yisonco-Stellargold/larue-civic-intel/internal/resilience"
)

const keyPrefix = "larue:cache:"

// CacheItem represents a cached item with expiration
type CacheItem struct {
	Data      []byte    `json:"data"`
	ExpiresAt time.Time `json:"expires_at"`
}

// IsExpired reports whether the item is stale at now
func (c *CacheItem) IsExpired(now time.Time) bool {
	return !now.Before(c.ExpiresAt)
}

// Cache provides thread-safe caching with TTL
type Cache struct {
	mu    sync.RWMutex
	items map[string]*CacheItem
	ttl   time.Duration
	now   func() time.Time

	redis   *redis.Client
	breaker *resilience.CircuitBreaker
	group   singleflight.Group
	metrics *monitoring.Metrics
	logger  *slog.Logger

	stop      chan struct{}
	closeOnce sync.Once
}

// NewCache creates a cache. client, metrics and logger may be nil.
func NewCache(ttl time.Duration, client *redis.Client, metrics *monitoring.Metrics, logger *slog.Logger) *Cache {
	if logger == nil {
		logger = slog.Default()
	}
	c := &Cache{
		items:   make(map[string]*CacheItem),
		ttl:     ttl,
		now:     time.Now,
		redis:   client,
		metrics: metrics,
		logger:  logger,
		stop:    make(chan struct{}),
		breaker: resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{
			FailureThreshold: 3,
			RecoveryTimeout:  30 * time.Second,
		}),
	}

	go c.cleanup()
	return c
}

// cleanup removes expired items periodically
func (c *Cache) cleanup() {
	interval := c.ttl
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-c.stop:
			return
		case <-ticker.C:
			c.purgeExpired()
		}
	}
}

func (c *Cache) purgeExpired() {
	now := c.now()
	c.mu.Lock()
	defer c.mu.Unlock()
	for key, item := range c.items {
		if item.IsExpired(now) {
			delete(c.items, key)
		}
	}
}

// Get retrieves an item from the cache
func (c *Cache) Get(ctx context.Context, key string) ([]byte, bool) {
	if c.redis != nil {
		var data []byte
		err := c.breaker.Call(func() error {
			var err error
			data, err = c.redis.Get(ctx, keyPrefix+key).Bytes()
			if errors.Is(err, redis.Nil) {
				return nil
			}
			return err
		})
		if err == nil {
			return data, data != nil
		}
		if !resilience.IsCircuitOpen(err) {
			c.logger.Warn("Redis cache read failed, using memory", "key", key, "error", err)
		}
	}

	c.mu.RLock()
	item, exists := c.items[key]
	c.mu.RUnlock()
	if !exists || item.IsExpired(c.now()) {
		return nil, false
	}
	return item.Data, true
}

// Set stores an item in the cache
func (c *Cache) Set(ctx context.Context, key string, data []byte) {
	if c.redis != nil {
		err := c.breaker.Call(func() error {
			return c.redis.Set(ctx, keyPrefix+key, data, c.ttl).Err()
		})
		if err == nil {
			return
		}
		if !resilience.IsCircuitOpen(err) {
			c.logger.Warn("Redis cache write failed, using memory", "key", key, "error", err)
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.items[key] = &CacheItem{
		Data:      data,
		ExpiresAt: c.now().Add(c.ttl),
	}
}

// GetOrLoad returns the cached value for key, calling load at most once per
// key across concurrent callers on a miss. Load errors are not cached.
func (c *Cache) GetOrLoad(ctx context.Context, key string, load func(context.Context) ([]byte, error)) ([]byte, error) {
	if data, ok := c.Get(ctx, key); ok {
		c.record(true)
		return data, nil
	}
	c.record(false)

	v, err, _ := c.group.Do(key, func() (interface{}, error) {
		data, err := load(ctx)
		if err != nil {
			return nil, err
		}
		c.Set(ctx, key, data)
		return data, nil
	})
	if err != nil {
		return nil, err
	}
	return v.([]byte), nil
}

func (c *Cache) record(hit bool) {
	if c.metrics != nil {
		c.metrics.RecordCache(hit)
	}
}

// Delete removes an item from the cache
func (c *Cache) Delete(ctx context.Context, key string) {
	if c.redis != nil {
		_ = c.breaker.Call(func() error { return c.redis.Del(ctx, keyPrefix+key).Err() })
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.items, key)
}

// Size returns the number of in-process items
func (c *Cache) Size() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.items)
}

// Stats returns cache statistics
func (c *Cache) Stats() map[string]interface{} {
	now := c.now()
	c.mu.RLock()
	defer c.mu.RUnlock()

	expired := 0
	for _, item := range c.items {
		if item.IsExpired(now) {
			expired++
		}
	}
	return map[string]interface{}{
		"backend":       c.backend(),
		"total_items":   len(c.items),
		"expired_items": expired,
		"ttl_seconds":   c.ttl.Seconds(),
	}
}

func (c *Cache) backend() string {
	if c.redis != nil {
		return "redis"
	}
	return "memory"
}

// Close stops the cleanup goroutine
func (c *Cache) Close() {
	c.closeOnce.Do(func() { close(c.stop) })
}

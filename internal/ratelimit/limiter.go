// Package ratelimit throttles the read API per client, in Redis when it is
// configured and in process otherwise.
package ratelimit

import (
	"context"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/go-redis/redis_rate/v10"
	"golang.org/x/time/rate"

	"github.com/Yisonco-Stellargold/larue-civic-intel/internal/monitoring"
	"github.com/Yisonco-Stellargold/larue-civic-intel/internal/resilience"
)

// Backend labels
const (
	BackendRedis  = "redis"
	BackendMemory = "memory"
)

// Config holds rate limiter configuration
type Config struct {
	RequestsPerSecond float64
	Burst             int
	// IdleTTL is how long an unused in-process bucket is kept
	IdleTTL time.Duration
}

// DefaultConfig returns default rate limiting configuration
func DefaultConfig() Config {
	return Config{
		RequestsPerSecond: 10,
		Burst:             20,
		IdleTTL:           10 * time.Minute,
	}
}

// Result represents the result of a rate limit check
type Result struct {
	Allowed    bool
	Limit      int
	Remaining  int
	RetryAfter time.Duration
	Backend    string
}

type bucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// RateLimiter checks keys against Redis when available and falls back to
// per-key token buckets when Redis is disabled, failing, or its circuit is open.
type RateLimiter struct {
	redisLimiter *redis_rate.Limiter
	breaker      *resilience.CircuitBreaker
	config       Config
	metrics      *monitoring.Metrics
	logger       *slog.Logger
	now          func() time.Time

	mu      sync.Mutex
	buckets map[string]*bucket

	stop      chan struct{}
	closeOnce sync.Once
}

// NewRateLimiter creates a limiter. metrics and logger may be nil.
func NewRateLimiter(redisClient *RedisClient, config Config, metrics *monitoring.Metrics, logger *slog.Logger) *RateLimiter {
	if config.RequestsPerSecond <= 0 {
		config.RequestsPerSecond = DefaultConfig().RequestsPerSecond
	}
	if config.Burst < 1 {
		config.Burst = DefaultConfig().Burst
	}
	if config.IdleTTL <= 0 {
		config.IdleTTL = DefaultConfig().IdleTTL
	}
	if logger == nil {
		logger = slog.Default()
	}

	rl := &RateLimiter{
		config:  config,
		metrics: metrics,
		logger:  logger,
		now:     time.Now,
		buckets: make(map[string]*bucket),
		stop:    make(chan struct{}),
		breaker: resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{
			FailureThreshold: 3,
			RecoveryTimeout:  30 * time.Second,
		}),
	}
	if client := redisClient.Client(); client != nil {
		rl.redisLimiter = redis_rate.NewLimiter(client)
	}

	go rl.cleanup()
	return rl
}

// Allow consumes one request for key
func (rl *RateLimiter) Allow(ctx context.Context, key string) *Result {
	if rl.redisLimiter != nil {
		var res *Result
		err := rl.breaker.Call(func() error {
			var err error
			res, err = rl.allowRedis(ctx, key)
			return err
		})
		if err == nil {
			rl.record(res)
			return res
		}
		if !resilience.IsCircuitOpen(err) {
			rl.logger.Warn("Redis rate limit check failed, using fallback", "key", key, "error", err)
		}
	}

	res := rl.allowMemory(key)
	rl.record(res)
	return res
}

func (rl *RateLimiter) record(res *Result) {
	if !res.Allowed && rl.metrics != nil {
		rl.metrics.RecordRateLimited(res.Backend)
	}
}

func (rl *RateLimiter) allowRedis(ctx context.Context, key string) (*Result, error) {
	limit := redis_rate.Limit{
		Rate:   int(math.Ceil(rl.config.RequestsPerSecond)),
		Burst:  rl.config.Burst,
		Period: time.Second,
	}

	res, err := rl.redisLimiter.Allow(ctx, key, limit)
	if err != nil {
		return nil, err
	}

	retryAfter := res.RetryAfter
	if retryAfter < 0 {
		retryAfter = 0
	}
	return &Result{
		Allowed:    res.Allowed > 0,
		Limit:      res.Limit.Burst,
		Remaining:  res.Remaining,
		RetryAfter: retryAfter,
		Backend:    BackendRedis,
	}, nil
}

func (rl *RateLimiter) allowMemory(key string) *Result {
	now := rl.now()

	rl.mu.Lock()
	b, ok := rl.buckets[key]
	if !ok {
		b = &bucket{limiter: rate.NewLimiter(rate.Limit(rl.config.RequestsPerSecond), rl.config.Burst)}
		rl.buckets[key] = b
	}
	b.lastSeen = now
	rl.mu.Unlock()

	res := &Result{
		Allowed: b.limiter.AllowN(now, 1),
		Limit:   rl.config.Burst,
		Backend: BackendMemory,
	}
	if remaining := int(b.limiter.TokensAt(now)); remaining > 0 {
		res.Remaining = remaining
	}
	if !res.Allowed {
		r := b.limiter.ReserveN(now, 1)
		res.RetryAfter = r.DelayFrom(now)
		r.CancelAt(now)
	}
	return res
}

// cleanup drops in-process buckets idle for longer than IdleTTL
func (rl *RateLimiter) cleanup() {
	ticker := time.NewTicker(rl.config.IdleTTL)
	defer ticker.Stop()

	for {
		select {
		case <-rl.stop:
			return
		case <-ticker.C:
			rl.evictIdle()
		}
	}
}

func (rl *RateLimiter) evictIdle() int {
	cutoff := rl.now().Add(-rl.config.IdleTTL)

	rl.mu.Lock()
	defer rl.mu.Unlock()

	evicted := 0
	for key, b := range rl.buckets {
		if b.lastSeen.Before(cutoff) {
			delete(rl.buckets, key)
			evicted++
		}
	}
	if evicted > 0 {
		rl.logger.Debug("Evicted idle rate limit buckets", "count", evicted)
	}
	return evicted
}

// Stats returns rate limiter statistics
func (rl *RateLimiter) Stats() map[string]interface{} {
	rl.mu.Lock()
	buckets := len(rl.buckets)
	rl.mu.Unlock()

	return map[string]interface{}{
		"redis_enabled":  rl.redisLimiter != nil,
		"redis_circuit":  rl.breaker.State().String(),
		"memory_buckets": buckets,
	}
}

// Close stops the cleanup goroutine
func (rl *RateLimiter) Close() {
	rl.closeOnce.Do(func() { close(rl.stop) })
}

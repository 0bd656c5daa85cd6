package ratelimit

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Yisonco-Stellargold/larue-civic-intel/internal/monitoring"
)

func newFallbackLimiter(t *testing.T, config Config) (*RateLimiter, *monitoring.Metrics, *time.Time) {
	t.Helper()

	metrics := monitoring.NewMetrics()
	limiter := NewRateLimiter(&RedisClient{enabled: false}, config, metrics, nil)
	t.Cleanup(limiter.Close)

	clock := time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)
	limiter.now = func() time.Time { return clock }
	return limiter, metrics, &clock
}

func TestRateLimiterFallbackMode(t *testing.T) {
	limiter, metrics, clock := newFallbackLimiter(t, Config{RequestsPerSecond: 1, Burst: 3})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		result := limiter.Allow(ctx, "client-a")
		assert.True(t, result.Allowed, "request %d should be allowed", i+1)
		assert.Equal(t, 3, result.Limit)
		assert.Equal(t, BackendMemory, result.Backend)
	}

	result := limiter.Allow(ctx, "client-a")
	assert.False(t, result.Allowed)
	assert.Equal(t, 0, result.Remaining)
	assert.Equal(t, time.Second, result.RetryAfter)
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.RateLimited.WithLabelValues(BackendMemory)))

	*clock = clock.Add(time.Second)
	assert.True(t, limiter.Allow(ctx, "client-a").Allowed, "one token refills per second")
}

func TestRateLimiterMultipleKeys(t *testing.T) {
	limiter, _, _ := newFallbackLimiter(t, Config{RequestsPerSecond: 1, Burst: 2})
	ctx := context.Background()

	for _, key := range []string{"a", "b", "c"} {
		assert.True(t, limiter.Allow(ctx, key).Allowed)
		assert.True(t, limiter.Allow(ctx, key).Allowed)
		assert.False(t, limiter.Allow(ctx, key).Allowed, "key %s third request", key)
	}
}

func TestRateLimiterEvictsIdleBuckets(t *testing.T) {
	limiter, _, clock := newFallbackLimiter(t, Config{RequestsPerSecond: 1, Burst: 1, IdleTTL: time.Minute})
	ctx := context.Background()

	limiter.Allow(ctx, "old")
	*clock = clock.Add(2 * time.Minute)
	limiter.Allow(ctx, "fresh")

	assert.Equal(t, 1, limiter.evictIdle())
	assert.Equal(t, 1, limiter.Stats()["memory_buckets"])
	assert.Equal(t, false, limiter.Stats()["redis_enabled"])
}

func TestRateLimiterDefaults(t *testing.T) {
	limiter := NewRateLimiter(nil, Config{}, nil, nil)
	defer limiter.Close()

	assert.Equal(t, DefaultConfig(), limiter.config)
	assert.True(t, limiter.Allow(context.Background(), "k").Allowed)
	limiter.Close()
}

func TestRateLimiterConcurrency(t *testing.T) {
	limiter, _, _ := newFallbackLimiter(t, Config{RequestsPerSecond: 1, Burst: 100})
	ctx := context.Background()

	var mu sync.Mutex
	allowed := 0
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 10; j++ {
				if limiter.Allow(ctx, "shared").Allowed {
					mu.Lock()
					allowed++
					mu.Unlock()
				}
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 100, allowed)
}

func TestMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	limiter, _, _ := newFallbackLimiter(t, Config{RequestsPerSecond: 1, Burst: 1})

	router := gin.New()
	router.Use(limiter.Middleware("/health"))
	router.GET("/api/scores", func(c *gin.Context) { c.Status(http.StatusOK) })
	router.GET("/health", func(c *gin.Context) { c.Status(http.StatusOK) })

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/scores", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "1", w.Header().Get("X-RateLimit-Limit"))

	w = httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/scores", nil))
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "1", w.Header().Get("Retry-After"))
	assert.Contains(t, w.Body.String(), "rate limit exceeded")

	for i := 0; i < 3; i++ {
		w = httptest.NewRecorder()
		router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))
		assert.Equal(t, http.StatusOK, w.Code)
	}
}

func TestRedisClientDisabled(t *testing.T) {
	client, err := NewRedisClient("", "", nil)
	require.NoError(t, err)

	assert.False(t, client.IsEnabled())
	assert.Nil(t, client.Client())
	assert.Error(t, client.HealthCheck(context.Background()))
	assert.NoError(t, client.Close())
	assert.Equal(t, false, client.PoolStats()["enabled"])
}

func TestRedisLimiter(t *testing.T) {
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		t.Skip("REDIS_ADDR not set")
	}

	client, err := NewRedisClient(addr, os.Getenv("REDIS_PASSWORD"), nil)
	require.NoError(t, err)
	defer client.Close()

	limiter := NewRateLimiter(client, Config{RequestsPerSecond: 1, Burst: 2}, nil, nil)
	defer limiter.Close()

	ctx := context.Background()
	key := "ratelimit:test:" + time.Now().Format(time.RFC3339Nano)
	require.NoError(t, client.Client().Del(ctx, "rate:"+key).Err())

	assert.True(t, limiter.Allow(ctx, key).Allowed)
	assert.True(t, limiter.Allow(ctx, key).Allowed)
	result := limiter.Allow(ctx, key)
	assert.False(t, result.Allowed)
	assert.Equal(t, BackendRedis, result.Backend)
}

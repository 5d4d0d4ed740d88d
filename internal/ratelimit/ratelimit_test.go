package ratelimit

import (
	"context"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func TestMemoryWindow_LimitAndReset(t *testing.T) {
	clock := &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	w := NewMemoryWindow(Config{Limit: 3, Window: time.Minute}).WithClock(clock.Now)
	defer w.Stop()
	ctx := context.Background()

	for i := 1; i <= 3; i++ {
		d, err := w.Allow(ctx, "k")
		require.NoError(t, err)
		assert.True(t, d.Allowed, "hit %d", i)
		assert.Equal(t, i, d.Count)
	}

	d, err := w.Allow(ctx, "k")
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Equal(t, clock.Now().Add(time.Minute), d.ResetAt)

	// Window boundary: expiry time itself starts a fresh window.
	clock.Advance(time.Minute)
	d, err = w.Allow(ctx, "k")
	require.NoError(t, err)
	assert.True(t, d.Allowed)
	assert.Equal(t, 1, d.Count)
}

func TestMemoryWindow_KeysIndependent(t *testing.T) {
	w := NewMemoryWindow(Config{Limit: 1, Window: time.Minute})
	defer w.Stop()
	ctx := context.Background()

	d, _ := w.Allow(ctx, "a")
	assert.True(t, d.Allowed)
	d, _ = w.Allow(ctx, "a")
	assert.False(t, d.Allowed)
	d, _ = w.Allow(ctx, "b")
	assert.True(t, d.Allowed)
}

func TestMemoryWindow_ConcurrentHitsNeverExceedLimit(t *testing.T) {
	w := NewMemoryWindow(Config{Limit: 10, Window: time.Minute})
	defer w.Stop()

	var allowed atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			d, err := w.Allow(context.Background(), "shared")
			if err == nil && d.Allowed {
				allowed.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(10), allowed.Load())
}

func TestMemoryWindow_StopIsIdempotent(t *testing.T) {
	w := NewMemoryWindow(DefaultConfig())
	w.Stop()
	w.Stop()
}

func TestDecision_RetryAfter(t *testing.T) {
	now := time.Now()
	assert.Equal(t, 30*time.Second, Decision{ResetAt: now.Add(30 * time.Second)}.RetryAfter(now))
	assert.Equal(t, time.Duration(0), Decision{ResetAt: now.Add(-time.Second)}.RetryAfter(now))
}

func TestMiddleware_RejectsOverLimit(t *testing.T) {
	gin.SetMode(gin.TestMode)
	w := NewMemoryWindow(Config{Limit: 2, Window: time.Minute})
	defer w.Stop()

	r := gin.New()
	r.Use(Middleware(w, slog.New(slog.DiscardHandler)))
	r.GET("/ping", func(c *gin.Context) { c.String(http.StatusOK, "pong") })

	codes := make([]int, 0, 3)
	for i := 0; i < 3; i++ {
		rec := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/ping", nil)
		req.RemoteAddr = "192.0.2.1:1234"
		r.ServeHTTP(rec, req)
		codes = append(codes, rec.Code)
		if rec.Code == http.StatusTooManyRequests {
			assert.NotEmpty(t, rec.Header().Get("Retry-After"))
			assert.Contains(t, rec.Body.String(), "rate_limit_exceeded")
		}
	}
	assert.Equal(t, []int{200, 200, 429}, codes)
}

type failingCounter struct{}

func (failingCounter) Allow(context.Context, string) (Decision, error) {
	return Decision{}, assert.AnError
}

func TestMiddleware_FailsOpen(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(Middleware(failingCounter{}, slog.New(slog.DiscardHandler)))
	r.GET("/ping", func(c *gin.Context) { c.String(http.StatusOK, "pong") })

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ping", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestRedisWindow(t *testing.T) {
	url := os.Getenv("REDIS_URL")
	if url == "" {
		t.Skip("REDIS_URL not set, skipping redis test")
	}
	opts, err := redis.ParseURL(url)
	require.NoError(t, err)
	rdb := redis.NewClient(opts)
	defer rdb.Close()

	ctx := context.Background()
	prefix := "rl:test:" + time.Now().Format("150405.000000") + ":"
	w := NewRedisWindow(rdb, prefix, Config{Limit: 2, Window: time.Minute})

	for i := 1; i <= 3; i++ {
		d, err := w.Allow(ctx, "k")
		require.NoError(t, err)
		assert.Equal(t, i, d.Count)
		assert.Equal(t, i <= 2, d.Allowed)
		assert.True(t, d.ResetAt.After(time.Now()))
	}
	_ = rdb.Del(ctx, prefix+"k").Err()
}

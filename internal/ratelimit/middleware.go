package ratelimit

import (
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/trustgate/internal/metrics"
)

// Middleware returns a Gin middleware that rate limits by client IP. A
// counter error lets the request through; the API limit protects capacity,
// not correctness.
func Middleware(counter Counter, logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		d, err := counter.Allow(c.Request.Context(), c.ClientIP())
		if err != nil {
			logger.Warn("rate limiter unavailable", "error", err)
			c.Next()
			return
		}

		c.Header("X-RateLimit-Limit", strconv.Itoa(d.Limit))
		c.Header("X-RateLimit-Remaining", strconv.Itoa(max(d.Limit-d.Count, 0)))

		if !d.Allowed {
			metrics.RateLimitedTotal.WithLabelValues("api").Inc()
			retry := int(math.Ceil(d.RetryAfter(time.Now()).Seconds()))
			c.Header("Retry-After", strconv.Itoa(retry))
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error":       "rate_limit_exceeded",
				"message":     "Too many requests. Please slow down.",
				"retry_after": retry,
			})
			return
		}

		c.Next()
	}
}

package middleware

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"

	"callbridge-backend/pkg/metrics"
)

// RateLimiter implements Redis-based fixed-window rate limiting, keyed by
// user when authenticated and by client IP otherwise.
type RateLimiter struct {
	redisClient *redis.Client
	metrics     *metrics.Metrics // nil when metrics are disabled
	requests    int
	window      time.Duration
}

// NewRateLimiter creates a limiter allowing requests per window
func NewRateLimiter(redisClient *redis.Client, appMetrics *metrics.Metrics, requests int, window time.Duration) *RateLimiter {
	return &RateLimiter{
		redisClient: redisClient,
		metrics:     appMetrics,
		requests:    requests,
		window:      window,
	}
}

// Middleware returns a Gin middleware enforcing the limit. Redis failures
// fail open; a degraded limiter must not take the endpoint down with it.
func (rl *RateLimiter) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		identifier := "ip:" + c.ClientIP()
		if userID, exists := c.Get("user_id"); exists {
			identifier = fmt.Sprintf("user:%v", userID)
		}

		count, resetAt, err := rl.hit(c.Request.Context(), identifier)
		if err != nil {
			c.Next()
			return
		}

		remaining := rl.requests - count
		if remaining < 0 {
			remaining = 0
		}

		c.Header("X-RateLimit-Limit", strconv.Itoa(rl.requests))
		c.Header("X-RateLimit-Remaining", strconv.Itoa(remaining))
		c.Header("X-RateLimit-Reset", strconv.FormatInt(resetAt, 10))

		if count > rl.requests {
			if rl.metrics != nil {
				rl.metrics.RecordRateLimitBlocked(c.FullPath())
			}
			c.JSON(http.StatusTooManyRequests, gin.H{
				"error":     "Rate limit exceeded",
				"limit":     rl.requests,
				"remaining": remaining,
				"reset_at":  resetAt,
			})
			c.Abort()
			return
		}

		c.Next()
	}
}

// hit counts one request in the current window and returns the new count and
// the unix time the window resets
func (rl *RateLimiter) hit(ctx context.Context, identifier string) (int, int64, error) {
	key := "ratelimit:" + identifier

	count, err := rl.redisClient.Incr(ctx, key).Result()
	if err != nil {
		return 0, 0, fmt.Errorf("failed to count request: %w", err)
	}
	// first hit starts the window
	if count == 1 {
		if err := rl.redisClient.Expire(ctx, key, rl.window).Err(); err != nil {
			return 0, 0, fmt.Errorf("failed to start rate limit window: %w", err)
		}
	}

	ttl, err := rl.redisClient.TTL(ctx, key).Result()
	if err != nil || ttl < 0 {
		ttl = rl.window
	}

	return int(count), time.Now().Add(ttl).Unix(), nil
}

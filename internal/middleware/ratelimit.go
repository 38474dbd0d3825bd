package middleware

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"chatcore-backend/internal/database"
	"chatcore-backend/pkg/logger"
	"chatcore-backend/pkg/response"
)

// RateLimiter is a fixed-window limiter keyed by user (or client IP before
// authentication). It lets requests through while Redis is degraded.
type RateLimiter struct {
	client   *database.RedisClient
	name     string
	requests int
	window   time.Duration
	now      func() time.Time
}

// NewRateLimiter allows requests per window for each caller. name separates
// the counters of different limiters.
func NewRateLimiter(client *database.RedisClient, name string, requests int, window time.Duration) *RateLimiter {
	return &RateLimiter{
		client:   client,
		name:     name,
		requests: requests,
		window:   window,
		now:      time.Now,
	}
}

// Middleware returns a Gin middleware for rate limiting
func (rl *RateLimiter) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		identifier := "ip:" + c.ClientIP()
		if userID := UserID(c); userID != uuid.Nil {
			identifier = "user:" + userID.String()
		}

		allowed, remaining, resetAt, err := rl.check(c.Request.Context(), identifier)
		if err != nil {
			logger.FromContext(c.Request.Context()).Debug("Rate limit check skipped",
				zap.String("limiter", rl.name),
				zap.Error(err))
			c.Next()
			return
		}

		c.Header("X-RateLimit-Limit", strconv.Itoa(rl.requests))
		c.Header("X-RateLimit-Remaining", strconv.Itoa(remaining))
		c.Header("X-RateLimit-Reset", strconv.FormatInt(resetAt, 10))

		if !allowed {
			response.Error(c, http.StatusTooManyRequests, "RATE_LIMITED", "Rate limit exceeded")
			c.Abort()
			return
		}

		c.Next()
	}
}

func (rl *RateLimiter) check(ctx context.Context, identifier string) (bool, int, int64, error) {
	if rl.client.IsDegraded() {
		return false, 0, 0, fmt.Errorf("redis is in degraded mode")
	}

	now := rl.now()
	windowStart := now.Truncate(rl.window)
	key := fmt.Sprintf("ratelimit:%s:%s:%d", rl.name, identifier, windowStart.Unix())

	var incr *redis.IntCmd
	_, err := rl.client.Client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		incr = pipe.Incr(ctx, key)
		pipe.Expire(ctx, key, rl.window)
		return nil
	})
	if err != nil {
		return false, 0, 0, fmt.Errorf("failed to increment rate limit: %w", err)
	}

	count := int(incr.Val())
	remaining := rl.requests - count
	if remaining < 0 {
		remaining = 0
	}
	return count <= rl.requests, remaining, windowStart.Add(rl.window).Unix(), nil
}

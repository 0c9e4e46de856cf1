package middleware

import (
	"context"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"medilink-signal/internal/redis"
	"medilink-signal/internal/transport/httpdto"
)

// Limiter is satisfied by *redis.RateLimiter.
type Limiter interface {
	AllowCall(ctx context.Context, userID string) (*redis.RateLimitResult, error)
	AllowSessionRefresh(ctx context.Context, ip string) (*redis.RateLimitResult, error)
}

// CallRateLimitMiddleware limits call creation and start per user. It must run
// after AuthMiddleware.
func CallRateLimitMiddleware(limiter Limiter) gin.HandlerFunc {
	return func(c *gin.Context) {
		userID := UserID(c)
		if userID == "" {
			c.Next()
			return
		}
		result, err := limiter.AllowCall(c.Request.Context(), userID)
		if !enforce(c, result, err, "call rate limit exceeded") {
			return
		}
		c.Next()
	}
}

// SessionRateLimitMiddleware limits session refreshes per client address.
func SessionRateLimitMiddleware(limiter Limiter) gin.HandlerFunc {
	return func(c *gin.Context) {
		result, err := limiter.AllowSessionRefresh(c.Request.Context(), c.ClientIP())
		if !enforce(c, result, err, "session refresh rate limit exceeded") {
			return
		}
		c.Next()
	}
}

func enforce(c *gin.Context, result *redis.RateLimitResult, err error, message string) bool {
	if err != nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, httpdto.NewErrorResponse("rate limit error", "internal"))
		return false
	}
	setRateLimitHeaders(c, result)
	if !result.Allowed {
		c.AbortWithStatusJSON(http.StatusTooManyRequests, httpdto.NewErrorResponse(message, "rate-limited"))
		return false
	}
	return true
}

func setRateLimitHeaders(c *gin.Context, result *redis.RateLimitResult) {
	c.Header("X-RateLimit-Limit", strconv.Itoa(result.Limit))
	c.Header("X-RateLimit-Remaining", strconv.Itoa(result.Remaining))
	c.Header("X-RateLimit-Reset", strconv.FormatInt(int64(result.ResetIn.Seconds()), 10))
}

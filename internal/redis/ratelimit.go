package redis

import (
	"context"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"
)

// Rate limiting key patterns:
// - ratelimit:{user_id}:calls - per-window call creation limit
// - ratelimit:{ip}:sessions - per-window session refresh limit

// RateLimitConfig contains configuration for rate limiting
type RateLimitConfig struct {
	CallLimit     int           // Max calls created per window
	CallWindow    time.Duration // Call rate limit window
	SessionLimit  int           // Max session refreshes per window
	SessionWindow time.Duration // Session rate limit window
}

// DefaultRateLimitConfig returns sensible defaults
func DefaultRateLimitConfig() RateLimitConfig {
	return RateLimitConfig{
		CallLimit:     10,
		CallWindow:    60 * time.Second,
		SessionLimit:  20,
		SessionWindow: 60 * time.Second,
	}
}

// RateLimiter handles rate limiting using Redis
type RateLimiter struct {
	client *goredis.Client
	config RateLimitConfig
}

// RateLimitResult contains the result of a rate limit check
type RateLimitResult struct {
	Allowed   bool          // Whether the action is allowed
	Remaining int           // Remaining actions in the window
	ResetIn   time.Duration // Time until the window resets
	Limit     int           // The limit for this action
}

func NewRateLimiter(client *goredis.Client, config RateLimitConfig) *RateLimiter {
	return &RateLimiter{
		client: client,
		config: config,
	}
}

// AllowCall checks if a user can create another call record
func (r *RateLimiter) AllowCall(ctx context.Context, userID string) (*RateLimitResult, error) {
	key := fmt.Sprintf("ratelimit:%s:calls", userID)
	return r.checkLimit(ctx, key, r.config.CallLimit, r.config.CallWindow)
}

// AllowSessionRefresh checks if a client address can refresh its session again
func (r *RateLimiter) AllowSessionRefresh(ctx context.Context, ip string) (*RateLimitResult, error) {
	key := fmt.Sprintf("ratelimit:%s:sessions", ip)
	return r.checkLimit(ctx, key, r.config.SessionLimit, r.config.SessionWindow)
}

var limitScript = goredis.NewScript(`
	local key = KEYS[1]
	local limit = tonumber(ARGV[1])
	local window = tonumber(ARGV[2])

	local current = redis.call('GET', key)
	if current == false then
		current = 0
	else
		current = tonumber(current)
	end

	local ttl = redis.call('TTL', key)
	if ttl < 0 then
		ttl = window
	end

	if current < limit then
		redis.call('INCR', key)
		if ttl == window then
			redis.call('EXPIRE', key, window)
		end
		return {1, limit - current - 1, ttl}
	else
		return {0, 0, ttl}
	end
`)

// checkLimit increments a fixed-window counter atomically
func (r *RateLimiter) checkLimit(ctx context.Context, key string, limit int, window time.Duration) (*RateLimitResult, error) {
	result, err := limitScript.Run(ctx, r.client, []string{key}, limit, int(window.Seconds())).Result()
	if err != nil {
		return nil, fmt.Errorf("rate limit check failed: %w", err)
	}

	values, ok := result.([]interface{})
	if !ok || len(values) < 3 {
		return nil, fmt.Errorf("unexpected rate limit result format")
	}
	allowed, _ := values[0].(int64)
	remaining, _ := values[1].(int64)
	resetIn, _ := values[2].(int64)

	return &RateLimitResult{
		Allowed:   allowed == 1,
		Remaining: int(remaining),
		ResetIn:   time.Duration(resetIn) * time.Second,
		Limit:     limit,
	}, nil
}

// Reset clears the counters for a user and address (admin operation)
func (r *RateLimiter) Reset(ctx context.Context, userID, ip string) error {
	return r.client.Del(ctx,
		fmt.Sprintf("ratelimit:%s:calls", userID),
		fmt.Sprintf("ratelimit:%s:sessions", ip),
	).Err()
}

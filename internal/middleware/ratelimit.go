// Package middleware provides HTTP middleware for the dashboard API.
package middleware

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// tokenBucket atomically takes one token from the bucket at KEYS[1].
// Returns {allowed, remaining, burst}.
const tokenBucket = `
	local key = KEYS[1]
	local now = tonumber(ARGV[1])
	local rate = tonumber(ARGV[2])
	local burst = tonumber(ARGV[3])
	local window = tonumber(ARGV[4])

	local tokens_key = key .. ":tokens"
	local timestamp_key = key .. ":ts"

	local tokens = tonumber(redis.call('GET', tokens_key) or burst)
	local last_update = tonumber(redis.call('GET', timestamp_key) or now)

	tokens = math.min(burst, tokens + (now - last_update) * rate)

	if tokens >= 1 then
		tokens = tokens - 1
		redis.call('SET', tokens_key, tokens, 'EX', window * 2)
		redis.call('SET', timestamp_key, now, 'EX', window * 2)
		return {1, tokens, burst}
	end
	return {0, 0, burst}
`

// RateLimiter limits requests per client with token buckets kept in Redis,
// so several dashboard replicas share one budget towards the broker.
type RateLimiter struct {
	client redis.UniversalClient
	logger *zap.Logger
	config *RateLimitConfig
}

// RateLimitConfig contains rate limiting configuration.
type RateLimitConfig struct {
	// Enabled controls whether rate limiting is active
	Enabled bool

	// KeyPrefix namespaces the bucket keys (default: "trafficweave:ratelimit").
	KeyPrefix string

	// PerClient limits every client IP across all endpoints.
	PerClient LimitConfig

	// PerEndpoint adds tighter limits on specific routes.
	PerEndpoint []EndpointLimitConfig

	// RedisClient holds the buckets.
	RedisClient redis.UniversalClient
}

// LimitConfig is a token bucket rate and size.
type LimitConfig struct {
	RequestsPerSecond int
	BurstSize         int
}

// EndpointLimitConfig limits one route, identified by method and gin path
// pattern (e.g. "/api/v1/intersections/:index/lights/:light").
type EndpointLimitConfig struct {
	Method string
	Path   string
	LimitConfig
}

// NewRateLimiter creates a rate limiter and checks the Redis connection.
func NewRateLimiter(config *RateLimitConfig, logger *zap.Logger) (*RateLimiter, error) {
	if config == nil {
		return nil, fmt.Errorf("rate limit config cannot be nil")
	}
	if config.RedisClient == nil {
		return nil, fmt.Errorf("redis client cannot be nil")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger cannot be nil")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := config.RedisClient.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}

	if config.KeyPrefix == "" {
		config.KeyPrefix = "trafficweave:ratelimit"
	}

	return &RateLimiter{
		client: config.RedisClient,
		logger: logger,
		config: config,
	}, nil
}

// Middleware returns the gin middleware.
func (rl *RateLimiter) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !rl.config.Enabled {
			c.Next()
			return
		}

		ctx := c.Request.Context()
		client := c.ClientIP()

		if limit := rl.endpointLimit(c.Request.Method, c.FullPath()); limit != nil {
			key := fmt.Sprintf("%s:endpoint:%s:%s:%s", rl.config.KeyPrefix, client, c.Request.Method, c.FullPath())
			if !rl.allow(ctx, c, key, limit.LimitConfig) {
				return
			}
		}

		if rl.config.PerClient.RequestsPerSecond > 0 {
			key := fmt.Sprintf("%s:client:%s", rl.config.KeyPrefix, client)
			if !rl.allow(ctx, c, key, rl.config.PerClient) {
				return
			}
		}

		c.Next()
	}
}

// allow takes a token for key. It fails open when Redis is unavailable.
func (rl *RateLimiter) allow(ctx context.Context, c *gin.Context, key string, limit LimitConfig) bool {
	now := time.Now().Unix()
	const window = int64(1)

	burst := limit.BurstSize
	if burst <= 0 {
		burst = limit.RequestsPerSecond * 2
	}

	result, err := rl.client.Eval(ctx, tokenBucket, []string{key}, now, limit.RequestsPerSecond, burst, window).Result()
	if err != nil {
		rl.logger.Error("rate limit check failed", zap.String("key", key), zap.Error(err))
		return true
	}

	values, ok := result.([]interface{})
	if !ok || len(values) < 3 {
		rl.logger.Error("invalid rate limit result format")
		return true
	}
	allowed, _ := values[0].(int64)
	remaining, _ := values[1].(int64)
	size, _ := values[2].(int64)

	c.Header("X-RateLimit-Limit", strconv.FormatInt(size, 10))
	c.Header("X-RateLimit-Remaining", strconv.FormatInt(remaining, 10))
	c.Header("X-RateLimit-Reset", strconv.FormatInt(now+window, 10))

	if allowed != 1 {
		c.Header("Retry-After", strconv.FormatInt(window, 10))
		rl.logger.Warn("rate limit exceeded",
			zap.String("key", key),
			zap.String("method", c.Request.Method),
			zap.String("path", c.FullPath()),
			zap.String("client_ip", c.ClientIP()),
		)
		c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
			"error":   "RateLimited",
			"message": "rate limit exceeded",
			"code":    http.StatusTooManyRequests,
		})
		return false
	}
	return true
}

func (rl *RateLimiter) endpointLimit(method, path string) *EndpointLimitConfig {
	for i := range rl.config.PerEndpoint {
		limit := &rl.config.PerEndpoint[i]
		if limit.Method == method && limit.Path == path {
			return limit
		}
	}
	return nil
}

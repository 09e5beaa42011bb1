package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// RateLimiter is a per-channel sliding window limiter over the provider
// API, backed by a Redis sorted set. A Lua script atomically trims the
// window, checks the count and records the new send.
type RateLimiter struct {
	redisClient *redis.Client
	logger      *slog.Logger
	script      *redis.Script
}

// Lua script for atomic sliding window rate limiting:
// 1. Remove entries older than the window
// 2. Count remaining entries
// 3. Under the limit: record this send and return 1 (allowed)
// 4. Otherwise return 0 (deferred)
var slidingWindowScript = redis.NewScript(`
local key = KEYS[1]
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local limit = tonumber(ARGV[3])
local member = ARGV[4]

redis.call('ZREMRANGEBYSCORE', key, '-inf', now - window)

local count = redis.call('ZCARD', key)

if count < limit then
    redis.call('ZADD', key, now, member)
    redis.call('EXPIRE', key, window / 1000 + 1)
    return 1
else
    return 0
end
`)

// NewRateLimiter creates a rate limiter.
func NewRateLimiter(redisClient *redis.Client, logger *slog.Logger) *RateLimiter {
	return &RateLimiter{
		redisClient: redisClient,
		logger:      logger,
		script:      slidingWindowScript,
	}
}

func rlKey(channel string) string {
	return fmt.Sprintf("rl:%s", channel)
}

// Allow checks whether a send on this channel fits inside the per-second
// provider limit. A limit of zero or less means unlimited.
func (rl *RateLimiter) Allow(ctx context.Context, channel string, limit int) bool {
	if limit <= 0 {
		return true
	}

	key := rlKey(channel)
	now := time.Now().UnixMilli()
	window := int64(1000)
	member := fmt.Sprintf("%d:%d", now, time.Now().UnixNano()%10000)

	result, err := rl.script.Run(ctx, rl.redisClient, []string{key},
		now, window, limit, member,
	).Int64()
	if err != nil {
		rl.logger.Error("rate limiter script failed", "error", err, "channel", channel)
		return true // Fail open — defer only on a definite limit hit
	}

	if result == 0 {
		rl.logger.Debug("send rate limited", "channel", channel, "limit", limit)
		return false
	}

	return true
}

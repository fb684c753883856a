package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// tokenBucketScript runs the token bucket atomically in Redis.
// KEYS[1] = bucket key (e.g. "anchor:submit:org-1")
// ARGV[1] = refill rate (tokens per second)
// ARGV[2] = capacity (max tokens)
// ARGV[3] = cost (tokens to consume)
// ARGV[4] = current unix timestamp (seconds, fractional)
var tokenBucketScript = redis.NewScript(`
local key = KEYS[1]
local rate = tonumber(ARGV[1])
local capacity = tonumber(ARGV[2])
local cost = tonumber(ARGV[3])
local now = tonumber(ARGV[4])

local state = redis.call("HMGET", key, "tokens", "last_refill")
local tokens = tonumber(state[1])
local last_refill = tonumber(state[2])

if not tokens or not last_refill then
    tokens = capacity
    last_refill = now
end

local elapsed = now - last_refill
if elapsed > 0 then
    tokens = tokens + elapsed * rate
    if tokens > capacity then
        tokens = capacity
    end
    last_refill = now
end

local allowed = 0
if tokens >= cost then
    tokens = tokens - cost
    allowed = 1
end

redis.call("HMSET", key, "tokens", tokens, "last_refill", last_refill)
redis.call("EXPIRE", key, 60)

return allowed
`)

// RedisLimiter is a token bucket shared across worker processes.
type RedisLimiter struct {
	client   redis.UniversalClient
	rps      float64
	capacity int
	prefix   string
}

// NewRedisLimiter creates a distributed limiter. prefix namespaces the bucket
// keys so unrelated limiters sharing the Redis instance do not collide.
func NewRedisLimiter(client redis.UniversalClient, prefix string, rps float64, capacity int) *RedisLimiter {
	return &RedisLimiter{client: client, rps: rps, capacity: capacity, prefix: prefix}
}

func (l *RedisLimiter) Allow(ctx context.Context, key string, cost int) (bool, error) {
	now := float64(time.Now().UnixMicro()) / 1e6
	res, err := tokenBucketScript.Run(ctx, l.client,
		[]string{l.prefix + ":" + key},
		l.rps, l.capacity, cost, now,
	).Int64()
	if err != nil {
		return false, fmt.Errorf("ratelimit: redis token bucket failed: %w", err)
	}
	return res == 1, nil
}

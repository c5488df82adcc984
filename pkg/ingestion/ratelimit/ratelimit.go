// Package ratelimit provides the optional ingestion-layer rate limiter
// named in SPEC_FULL.md §4.2: a distributed Redis token bucket (grounded
// on the teacher's pkg/kernel/limiter_redis.go Lua script) when a shared
// limit across processes is needed, or a local golang.org/x/time/rate
// limiter per actor when it isn't.
package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/time/rate"
)

// redisTokenBucketScript mirrors the teacher's limiter_redis.go script:
// refill by elapsed*rate, cap at capacity, consume cost if available.
var redisTokenBucketScript = redis.NewScript(`
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
    local added = elapsed * rate
    tokens = tokens + added
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

return {allowed, tokens}
`)

// RedisLimiter enforces a per-actor token bucket shared across every
// ingestion process pointed at the same Redis instance.
type RedisLimiter struct {
	client            *redis.Client
	ratePerSecond     float64
	capacity          float64
}

// NewRedisLimiter creates a limiter with the given sustained rate (tokens
// per second) and burst capacity.
func NewRedisLimiter(client *redis.Client, ratePerSecond, capacity float64) *RedisLimiter {
	if ratePerSecond <= 0 {
		ratePerSecond = 1
	}
	if capacity <= 0 {
		capacity = ratePerSecond
	}
	return &RedisLimiter{client: client, ratePerSecond: ratePerSecond, capacity: capacity}
}

// Allow consumes one token for actorID, returning false if none were
// available.
func (l *RedisLimiter) Allow(ctx context.Context, actorID string) (bool, error) {
	key := fmt.Sprintf("substrate:ingestion:limiter:%s", actorID)
	now := float64(time.Now().UnixMicro()) / 1e6

	res, err := redisTokenBucketScript.Run(ctx, l.client, []string{key}, l.ratePerSecond, l.capacity, 1, now).Result()
	if err != nil {
		return false, fmt.Errorf("ratelimit: redis script: %w", err)
	}
	results, ok := res.([]interface{})
	if !ok || len(results) != 2 {
		return false, fmt.Errorf("ratelimit: unexpected redis script result")
	}
	allowed, _ := results[0].(int64)
	return allowed == 1, nil
}

// LocalLimiter is an in-process per-actor token bucket, an alternative to
// RedisLimiter for single-process deployments with no Redis instance.
type LocalLimiter struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	r        rate.Limit
	burst    int
}

// NewLocalLimiter creates a limiter allowing ratePerSecond sustained
// throughput per actor with the given burst.
func NewLocalLimiter(ratePerSecond float64, burst int) *LocalLimiter {
	if burst <= 0 {
		burst = 1
	}
	return &LocalLimiter{
		limiters: make(map[string]*rate.Limiter),
		r:        rate.Limit(ratePerSecond),
		burst:    burst,
	}
}

// Allow consumes one token for actorID from its dedicated bucket,
// creating the bucket on first use.
func (l *LocalLimiter) Allow(_ context.Context, actorID string) (bool, error) {
	l.mu.Lock()
	lim, ok := l.limiters[actorID]
	if !ok {
		lim = rate.NewLimiter(l.r, l.burst)
		l.limiters[actorID] = lim
	}
	l.mu.Unlock()
	return lim.Allow(), nil
}

package cache

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/redis/go-redis/v9"
)

// loginBucketPrefix keys one token bucket per hashed client IP.
const loginBucketPrefix = "ratelimit:login:"

// RateLimitResult contains the result of a rate limit check.
type RateLimitResult struct {
	Allowed    bool
	Remaining  int64
	ResetAt    time.Time
	RetryAfter time.Duration
}

// loginBucket refills at ARGV[1] tokens per second up to ARGV[2] tokens.
// Times are in milliseconds. The bucket expires once it would be full
// again, so idle clients cost nothing.
//
// Returns {allowed, retry_after_ms, tokens_left}.
var loginBucket = redis.NewScript(`
local rate = tonumber(ARGV[1])
local burst = tonumber(ARGV[2])
local now = tonumber(ARGV[3])

local state = redis.call('HMGET', KEYS[1], 'tokens', 'ts')
local tokens = tonumber(state[1])
local ts = tonumber(state[2])
if tokens == nil or ts == nil then
	tokens = burst
	ts = now
end

tokens = math.min(burst, tokens + math.max(0, now - ts) * rate / 1000)

local allowed = 0
local wait = 0
if tokens >= 1 then
	tokens = tokens - 1
	allowed = 1
else
	wait = math.ceil((1 - tokens) * 1000 / rate)
end

redis.call('HSET', KEYS[1], 'tokens', tostring(tokens), 'ts', now)
redis.call('PEXPIRE', KEYS[1], math.ceil(burst * 1000 / rate) + 1000)

return {allowed, wait, math.floor(tokens)}
`)

// CheckLoginRateLimit takes one login attempt from the bucket of ip.
// A zero rate disables throttling. On Redis errors the returned result
// still allows the attempt.
func (c *Cache) CheckLoginRateLimit(ctx context.Context, ip string, ratePerSecond, burst int) (*RateLimitResult, error) {
	now := c.now()
	open := &RateLimitResult{Allowed: true, Remaining: int64(burst), ResetAt: now}
	if ratePerSecond <= 0 {
		return open, nil
	}

	res, err := loginBucket.Run(ctx, c.client,
		[]string{loginBucketPrefix + hashKey(ip, 8)},
		ratePerSecond, burst, now.UnixMilli(),
	).Int64Slice()
	if err != nil {
		return open, fmt.Errorf("run login bucket: %w", err)
	}

	// Time until the bucket is full again.
	missing := float64(int64(burst) - res[2])
	refill := time.Duration(math.Ceil(missing / float64(ratePerSecond) * float64(time.Second)))

	return &RateLimitResult{
		Allowed:    res[0] == 1,
		Remaining:  res[2],
		ResetAt:    now.Add(refill),
		RetryAfter: time.Duration(res[1]) * time.Millisecond,
	}, nil
}

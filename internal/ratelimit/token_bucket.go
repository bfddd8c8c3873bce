package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"report-scheduler/internal/clock"
)

// TokenBucket implements a distributed token bucket rate limiter using Redis.
// Time comes from the injected clock so every process refills identically.
type TokenBucket struct {
	client   redis.UniversalClient
	clock    clock.Clock
	capacity int
	refill   float64 // tokens per second
	ttl      time.Duration
}

// NewTokenBucket constructs a bucket with the provided capacity/refill.
func NewTokenBucket(client redis.UniversalClient, clk clock.Clock, capacity int, refillPerSecond float64, ttl time.Duration) *TokenBucket {
	if clk == nil {
		clk = clock.Real{}
	}
	return &TokenBucket{
		client:   client,
		clock:    clk,
		capacity: capacity,
		refill:   refillPerSecond,
		ttl:      ttl,
	}
}

// ClientKey is the bucket key for manual report requests. Buckets are scoped
// per client, not per caller: every API token and CLI invocation enqueueing
// for the same client draws from one bucket, shared by all processes through
// Redis. Schedule dispatch never consumes tokens.
func ClientKey(clientID string) string { return "rl:reports:" + clientID }

// Allow takes one token from key's bucket when one is available and reports
// the tokens left afterwards.
func (b *TokenBucket) Allow(ctx context.Context, key string) (bool, float64, error) {
	now := b.clock.Now().UnixMilli()
	res, err := bucketScript.Run(ctx, b.client, []string{key}, b.capacity, b.refill, now, b.ttl.Milliseconds()).Result()
	if err != nil {
		return false, 0, err
	}
	arr, ok := res.([]interface{})
	if !ok || len(arr) < 2 {
		return false, 0, fmt.Errorf("unexpected bucket reply %v", res)
	}
	allowed, _ := arr[0].(int64)
	var tokens float64
	switch v := arr[1].(type) {
	case int64:
		tokens = float64(v)
	case string:
		if _, err := fmt.Sscanf(v, "%g", &tokens); err != nil {
			return false, 0, fmt.Errorf("parse bucket tokens %q: %w", v, err)
		}
	}
	return allowed == 1, tokens, nil
}

// Lua numbers are truncated to integers in replies, so tokens comes back as a string.
var bucketScript = redis.NewScript(`
local key = KEYS[1]
local capacity = tonumber(ARGV[1])
local refill = tonumber(ARGV[2]) -- tokens per second
local now = tonumber(ARGV[3])
local ttl = tonumber(ARGV[4])

local data = redis.call('HMGET', key, 'tokens', 'last_ms')
local tokens = tonumber(data[1])
local last = tonumber(data[2])
if tokens == nil then tokens = capacity end
if last == nil then last = now end

local delta = math.max(0, now - last)
local add = delta / 1000 * refill
tokens = math.min(capacity, tokens + add)

local allowed = 0
if tokens >= 1 then
  allowed = 1
  tokens = tokens - 1
end

redis.call('HMSET', key, 'tokens', tokens, 'last_ms', now)
if ttl > 0 then redis.call('PEXPIRE', key, ttl) end
return {allowed, tostring(tokens)}
`)

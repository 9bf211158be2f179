// Package ratelimit throttles job submissions per client. The bucket
// lives in Redis so every server instance sharing the catalog observes
// the same spend, and the whole take-or-reject decision runs as one Lua
// script to stay atomic under concurrent submitters.
package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Limiter is a token bucket keyed by submitter.
type Limiter struct {
	client   *redis.Client
	capacity int
	refill   float64
	ttl      time.Duration
}

// New constructs a limiter. refillPerSecond is how many submissions per
// second a client earns back; capacity bounds the burst.
func New(client *redis.Client, capacity int, refillPerSecond float64, ttl time.Duration) *Limiter {
	return &Limiter{
		client:   client,
		capacity: capacity,
		refill:   refillPerSecond,
		ttl:      ttl,
	}
}

// Allow spends one token for key if available, returning whether the
// submission may proceed and the tokens remaining afterwards.
func (l *Limiter) Allow(ctx context.Context, key string) (bool, float64, error) {
	now := time.Now().UnixMilli()
	res, err := takeScript.Run(ctx, l.client, []string{key},
		l.capacity, l.refill, now, l.ttl.Milliseconds()).Result()
	if err != nil {
		return false, 0, err
	}
	return parseTakeReply(res)
}

// parseTakeReply decodes the {allowed, tokens} pair returned by the
// script. A reply of any other shape is an error, never a rejection:
// the caller decides whether a broken limiter fails open or closed.
func parseTakeReply(res any) (bool, float64, error) {
	arr, ok := res.([]interface{})
	if !ok || len(arr) < 2 {
		return false, 0, fmt.Errorf("ratelimit: unexpected script reply %T", res)
	}
	flag, ok := arr[0].(int64)
	if !ok {
		return false, 0, fmt.Errorf("ratelimit: unexpected allowed flag %T", arr[0])
	}
	var remaining float64
	switch v := arr[1].(type) {
	case int64:
		remaining = float64(v)
	case float64:
		remaining = v
	default:
		return false, 0, fmt.Errorf("ratelimit: unexpected token count %T", arr[1])
	}
	return flag == 1, remaining, nil
}

var takeScript = redis.NewScript(`
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

local elapsed = math.max(0, now - last)
tokens = math.min(capacity, tokens + elapsed / 1000 * refill)

local allowed = 0
if tokens >= 1 then
  allowed = 1
  tokens = tokens - 1
end

redis.call('HMSET', key, 'tokens', tokens, 'last_ms', now)
if ttl > 0 then redis.call('PEXPIRE', key, ttl) end
return {allowed, tokens}
`)

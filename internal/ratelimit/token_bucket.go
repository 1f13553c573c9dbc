package ratelimit

import (
	"context"
	"strings"
	"time"

	"github.com/go-faster/errors"
	"github.com/redis/go-redis/v9"
)

// TokenBucket implements a distributed token bucket rate limiter using Redis.
type TokenBucket struct {
	client   redis.Cmdable
	capacity int
	refill   float64 // tokens per second
	ttl      time.Duration
	now      func() time.Time
}

// NewTokenBucket constructs a bucket with the provided capacity/refill.
func NewTokenBucket(client redis.Cmdable, capacity int, refillPerSecond float64, ttl time.Duration) *TokenBucket {
	return &TokenBucket{
		client:   client,
		capacity: capacity,
		refill:   refillPerSecond,
		ttl:      ttl,
		now:      time.Now,
	}
}

// Allow consumes a single token for the given key if available.
// Returns allowed flag and current token count.
func (b *TokenBucket) Allow(ctx context.Context, key string) (bool, float64, error) {
	now := b.now().UnixMilli()
	res, err := bucketScript.Run(ctx, b.client, []string{key}, b.capacity, b.refill, now, b.ttl.Milliseconds()).Result()
	if err != nil {
		return false, 0, errors.Wrap(err, "token bucket")
	}
	return parseBucketReply(res)
}

// parseBucketReply decodes the {allowed, tokens} pair returned by bucketScript.
func parseBucketReply(res any) (bool, float64, error) {
	arr, ok := res.([]interface{})
	if !ok || len(arr) < 2 {
		return false, 0, errors.Errorf("token bucket: unexpected reply %v", res)
	}
	flag, ok := arr[0].(int64)
	if !ok {
		return false, 0, errors.Errorf("token bucket: unexpected allowed flag %v", arr[0])
	}
	var tokens float64
	switch v := arr[1].(type) {
	case int64:
		tokens = float64(v)
	case float64:
		tokens = v
	}
	return flag == 1, tokens, nil
}

// SubmissionThrottle limits how often one reporter may submit snags.
// A nil throttle allows everything.
type SubmissionThrottle struct {
	bucket *TokenBucket
	prefix string
}

// NewSubmissionThrottle returns nil when capacity is zero.
func NewSubmissionThrottle(client redis.Cmdable, capacity int, refillPerSecond float64) *SubmissionThrottle {
	if capacity <= 0 || client == nil {
		return nil
	}
	ttl := time.Hour
	if refillPerSecond > 0 {
		full := time.Duration(float64(capacity)/refillPerSecond*float64(time.Second)) * 2
		if full > ttl {
			ttl = full
		}
	}
	return &SubmissionThrottle{
		bucket: NewTokenBucket(client, capacity, refillPerSecond, ttl),
		prefix: "ratelimit:submit:",
	}
}

// Allow consumes one submission token for reporter (case-insensitive).
func (t *SubmissionThrottle) Allow(ctx context.Context, reporter string) (bool, error) {
	if t == nil {
		return true, nil
	}
	ok, _, err := t.bucket.Allow(ctx, t.prefix+strings.ToLower(strings.TrimSpace(reporter)))
	return ok, err
}

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
return {allowed, tokens}
`)

package service

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// rateLimitScript is a Lua script for sliding window rate limiting.
// ARGV[4] is a unique member so concurrent hits in the same second all count.
var rateLimitScript = redis.NewScript(`
local key = KEYS[1]
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local limit = tonumber(ARGV[3])
local member = ARGV[4]

local windowStart = now - window

redis.call('ZREMRANGEBYSCORE', key, '-inf', windowStart)

local count = redis.call('ZCARD', key)

if count >= limit then
    local oldest = redis.call('ZRANGE', key, 0, 0, 'WITHSCORES')
    local resetAt = 0
    if #oldest >= 2 then
        resetAt = tonumber(oldest[2]) + window
    else
        resetAt = now + window
    end
    return {0, 0, resetAt}
end

redis.call('ZADD', key, now, member)
redis.call('EXPIRE', key, window + 10)

return {1, limit - count - 1, now + window}
`)

type RateLimitResult struct {
	Allowed   bool
	Remaining int
	ResetAt   time.Time
}

// RateLimiter provides sliding-window rate limiting backed by Redis.
type RateLimiter struct {
	client redis.Scripter
	now    func() time.Time
}

func NewRateLimiter(client redis.Scripter) *RateLimiter {
	return &RateLimiter{client: client, now: time.Now}
}

// CheckLimit records a hit on key and reports whether it fits in the window.
// Errors are returned to the caller, which decides whether to fail open.
func (rl *RateLimiter) CheckLimit(ctx context.Context, key string, limit int, window time.Duration) (*RateLimitResult, error) {
	now := rl.now().Unix()

	result, err := rateLimitScript.Run(
		ctx,
		rl.client,
		[]string{key},
		now,
		int64(window.Seconds()),
		limit,
		uuid.NewString(),
	).Int64Slice()
	if err != nil {
		return nil, err
	}
	if len(result) != 3 {
		return nil, fmt.Errorf("unexpected rate limit result: %v", result)
	}

	return &RateLimitResult{
		Allowed:   result[0] == 1,
		Remaining: int(result[1]),
		ResetAt:   time.Unix(result[2], 0),
	}, nil
}

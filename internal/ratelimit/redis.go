package ratelimit

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"revealgate.dev/internal/ids"
)

// slidingWindowScript prunes, checks and records a hit in one step.
// KEYS[1] window key; ARGV: now_ms, window_ms, limit, member.
// Returns {allowed, count, retry_after_ms}.
const slidingWindowScript = `
local key = KEYS[1]
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local limit = tonumber(ARGV[3])

redis.call('ZREMRANGEBYSCORE', key, '-inf', now - window)
local count = redis.call('ZCARD', key)
if count >= limit then
  local oldest = redis.call('ZRANGE', key, 0, 0, 'WITHSCORES')
  local retry = 0
  if oldest[2] then
    retry = tonumber(oldest[2]) + window - now
  end
  return {0, count, retry}
end
redis.call('ZADD', key, now, ARGV[4])
redis.call('PEXPIRE', key, window)
return {1, count + 1, 0}
`

// Redis stores windows as sorted sets scored by hit time in milliseconds, so
// every replica sharing the server sees the same counters.
type Redis struct {
	client redis.UniversalClient
	script *redis.Script
}

var _ Backend = (*Redis)(nil)

// NewRedis wraps a client (single node or cluster).
func NewRedis(client redis.UniversalClient) *Redis {
	return &Redis{client: client, script: redis.NewScript(slidingWindowScript)}
}

func (r *Redis) Hit(ctx context.Context, key string, now time.Time, p Policy) (Decision, error) {
	args := []any{now.UnixMilli(), p.Window.Milliseconds(), p.Limit, ids.NewAt(now)}
	res, err := r.script.Run(ctx, r.client, []string{key}, args...).Result()
	if err != nil && strings.Contains(err.Error(), "NOSCRIPT") {
		if _, loadErr := r.script.Load(ctx, r.client).Result(); loadErr != nil {
			return Decision{}, fmt.Errorf("ratelimit: load script: %w", loadErr)
		}
		res, err = r.script.Run(ctx, r.client, []string{key}, args...).Result()
	}
	if err != nil {
		return Decision{}, fmt.Errorf("ratelimit: run script: %w", err)
	}

	values, ok := res.([]any)
	if !ok || len(values) != 3 {
		return Decision{}, fmt.Errorf("ratelimit: unexpected script result %T", res)
	}
	allowed, _ := values[0].(int64)
	count, _ := values[1].(int64)
	retryMS, _ := values[2].(int64)

	d := Decision{Allowed: allowed == 1, Count: int(count), Remaining: max(p.Limit-int(count), 0)}
	if !d.Allowed {
		d.RetryAfter = time.Duration(retryMS) * time.Millisecond
	}
	return d, nil
}

func (r *Redis) Count(ctx context.Context, key string, now time.Time, p Policy) (int, error) {
	minScore := fmt.Sprintf("(%d", now.Add(-p.Window).UnixMilli())
	n, err := r.client.ZCount(ctx, key, minScore, "+inf").Result()
	if err != nil {
		return 0, fmt.Errorf("ratelimit: count: %w", err)
	}
	return int(n), nil
}

func (r *Redis) Reset(ctx context.Context, key string) error {
	if err := r.client.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("ratelimit: reset: %w", err)
	}
	return nil
}

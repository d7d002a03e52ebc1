package rate

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const defaultRedisPrefix = "ledger:rl:"

// fixedWindow increments the key and starts its window on first use.
// Returns {allowed, ttl_ms}.
var fixedWindow = redis.NewScript(`
local current = redis.call("INCR", KEYS[1])
if current == 1 then
  redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
local ttl = redis.call("PTTL", KEYS[1])
if ttl < 0 then
  ttl = tonumber(ARGV[2])
end
if current > tonumber(ARGV[1]) then
  return {0, ttl}
end
return {1, ttl}
`)

type RedisLimiter struct {
	client redis.Scripter
	limit  int
	window time.Duration
	prefix string
}

func NewRedisLimiter(client redis.Scripter, limit int, window time.Duration, prefix string) *RedisLimiter {
	if prefix == "" {
		prefix = defaultRedisPrefix
	}
	return &RedisLimiter{client: client, limit: limit, window: window, prefix: prefix}
}

func (l *RedisLimiter) Allow(ctx context.Context, key string, _ time.Time) (bool, time.Duration, error) {
	windowMS := l.window.Milliseconds()
	if windowMS <= 0 {
		return false, 0, fmt.Errorf("invalid rate limit window %s", l.window)
	}

	vals, err := fixedWindow.Run(ctx, l.client, []string{l.prefix + key}, l.limit, windowMS).Int64Slice()
	if err != nil {
		return false, 0, fmt.Errorf("rate limit script: %w", err)
	}
	if len(vals) != 2 {
		return false, 0, fmt.Errorf("unexpected rate limit reply %v", vals)
	}
	retryAfter := max(time.Duration(vals[1])*time.Millisecond, 0)
	return vals[0] == 1, retryAfter, nil
}

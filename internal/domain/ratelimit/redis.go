package ratelimit

import (
	"context"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"
)

// RedisStore is the multi-instance Store. The whole check-reset-increment
// step runs as one Lua script, so concurrent requests from the same user
// serialize on the Redis side.
type RedisStore struct {
	client goredis.Cmdable
}

func NewRedisStore(client goredis.Cmdable) *RedisStore {
	return &RedisStore{client: client}
}

// KEYS[1] = window hash key
// ARGV[1] = limit
// ARGV[2] = window length (seconds)
// ARGV[3] = now (unix seconds)
//
// Returns {allowed(0|1), count, window_start}.
var incrScript = goredis.NewScript(`
local key = KEYS[1]
local limit = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local now = tonumber(ARGV[3])

local start = tonumber(redis.call("HGET", key, "start") or "0")
local count = tonumber(redis.call("HGET", key, "count") or "0")

if now - start >= window then
    start = now
    count = 0
end

if count >= limit then
    return {0, count, start}
end

count = count + 1
redis.call("HSET", key, "start", tostring(start), "count", tostring(count))
redis.call("EXPIRE", key, window * 2)
return {1, count, start}
`)

func (s *RedisStore) Incr(ctx context.Context, key string, limit int, window time.Duration) (int, time.Time, bool, error) {
	now := time.Now()
	winSec := int64(window / time.Second)

	vals, err := incrScript.Run(ctx, s.client, []string{key}, limit, winSec, now.Unix()).Int64Slice()
	if err != nil {
		return 0, time.Time{}, false, fmt.Errorf("ratelimit/redis: incr: %w", err)
	}
	if len(vals) != 3 {
		return 0, time.Time{}, false, fmt.Errorf("ratelimit/redis: unexpected incr result: %v", vals)
	}
	allowed := vals[0] == 1
	count := int(vals[1])
	resetAt := time.Unix(vals[2], 0).Add(window)
	return count, resetAt, allowed, nil
}

func (s *RedisStore) Probe(ctx context.Context, key string, window time.Duration) (int, time.Time, error) {
	now := time.Now()

	vals, err := s.client.HMGet(ctx, key, "start", "count").Result()
	if err != nil {
		return 0, time.Time{}, fmt.Errorf("ratelimit/redis: probe: %w", err)
	}
	start := parseInt64(vals[0])
	count := parseInt64(vals[1])
	if start == 0 || now.Unix()-start >= int64(window/time.Second) {
		return 0, now.Add(window), nil
	}
	return int(count), time.Unix(start, 0).Add(window), nil
}

func parseInt64(v any) int64 {
	s, ok := v.(string)
	if !ok {
		return 0
	}
	var n int64
	_, _ = fmt.Sscanf(s, "%d", &n)
	return n
}

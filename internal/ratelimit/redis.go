package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const keyWindowCounter = "ratelimit:window:%s"

// RedisLimiter shares fixed-window counters across server instances. The
// window is anchored at the first recorded hit: INCR creates the key and the
// TTL set alongside it expires the whole window at once, which matches the
// all-or-nothing reset rule.
type RedisLimiter struct {
	client *redis.Client
	limit  int64
	size   time.Duration
}

// NewRedisLimiter wraps an existing redis client.
func NewRedisLimiter(client *redis.Client, limit int64, size time.Duration) *RedisLimiter {
	return &RedisLimiter{client: client, limit: limit, size: size}
}

// NewRedisLimiterFromURL connects to redis and verifies the connection before
// returning a limiter.
func NewRedisLimiterFromURL(redisURL string, limit int64, size time.Duration) (*RedisLimiter, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis URL: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return &RedisLimiter{client: client, limit: limit, size: size}, nil
}

// Check reads the current window counter. A missing key is a fresh window.
func (l *RedisLimiter) Check(ctx context.Context, key string) (Decision, error) {
	counterKey := fmt.Sprintf(keyWindowCounter, key)

	count, err := l.client.Get(ctx, counterKey).Int64()
	if errors.Is(err, redis.Nil) {
		count = 0
	} else if err != nil {
		return Decision{}, err
	}

	remaining := l.limit - count
	if remaining < 0 {
		remaining = 0
	}
	return Decision{Allowed: count < l.limit, Remaining: remaining}, nil
}

// recordScript increments the counter only while it is below the limit, and
// starts the window expiry on the first hit. Running it server-side keeps the
// check-and-increment indivisible across instances.
var recordScript = redis.NewScript(`
local count = tonumber(redis.call("GET", KEYS[1]) or "0")
if count >= tonumber(ARGV[1]) then
  return count
end
count = redis.call("INCR", KEYS[1])
if count == 1 then
  redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return count
`)

// Record increments the window counter, starting the window (and its expiry)
// on the first hit. The increment is clamped at the limit so racing
// check/record pairs cannot overrun the window.
func (l *RedisLimiter) Record(ctx context.Context, key string) error {
	counterKey := fmt.Sprintf(keyWindowCounter, key)
	return recordScript.Run(ctx, l.client, []string{counterKey}, l.limit, l.size.Milliseconds()).Err()
}

// Close releases the underlying redis connection.
func (l *RedisLimiter) Close() error {
	return l.client.Close()
}

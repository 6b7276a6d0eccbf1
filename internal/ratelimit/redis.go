package ratelimit

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisLimiter allows burst requests per key in each fixed window of
// burst/rate seconds. Counters live in Redis, so every instance pointed at
// the same server enforces one shared budget.
type RedisLimiter struct {
	client *redis.Client
	prefix string
	limit  int64
	window time.Duration
	now    func() time.Time
}

// NewRedisLimiter connects to the server at url (redis://host:port/db).
func NewRedisLimiter(ctx context.Context, url string, rate float64, burst int) (*RedisLimiter, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("ratelimit: parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ratelimit: ping redis: %w", err)
	}
	return newRedisLimiter(client, rate, burst), nil
}

func newRedisLimiter(client *redis.Client, rate float64, burst int) *RedisLimiter {
	window := time.Duration(math.Ceil(float64(burst)/rate*1000)) * time.Millisecond
	return &RedisLimiter{
		client: client,
		prefix: "metaorcha:ratelimit:",
		limit:  int64(burst),
		window: max(window, time.Millisecond),
		now:    time.Now,
	}
}

// Allow increments key's counter for the current window.
func (l *RedisLimiter) Allow(ctx context.Context, key string) (bool, error) {
	slot := l.now().UnixMilli() / l.window.Milliseconds()
	k := fmt.Sprintf("%s%s:%d", l.prefix, key, slot)

	var incr *redis.IntCmd
	_, err := l.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		incr = p.Incr(ctx, k)
		p.PExpire(ctx, k, l.window)
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("ratelimit: redis incr: %w", err)
	}
	return incr.Val() <= l.limit, nil
}

// Close closes the Redis client.
func (l *RedisLimiter) Close() error {
	return l.client.Close()
}

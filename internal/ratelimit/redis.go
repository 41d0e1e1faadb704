package ratelimit

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// RedisLimiter keeps the sliding window in a shared Redis sorted set so the
// limit holds across instances. Each attempt is a set member scored with its
// unix-millisecond timestamp; pruning is a ZREMRANGEBYSCORE over everything
// older than the window.
type RedisLimiter struct {
	client      redis.UniversalClient
	prefix      string
	maxAttempts int
	window      time.Duration

	now func() time.Time
}

// NewRedisLimiter returns a Redis-backed limiter. The prefix namespaces the
// keys so distinct limiter instances (login, verification, reset) never
// share state.
func NewRedisLimiter(client redis.UniversalClient, prefix string, maxAttempts int, window time.Duration) *RedisLimiter {
	if prefix == "" {
		prefix = "ratelimit"
	}
	return &RedisLimiter{
		client:      client,
		prefix:      prefix,
		maxAttempts: maxAttempts,
		window:      window,
		now:         time.Now,
	}
}

func (l *RedisLimiter) key(identifier, addr string) string {
	return fmt.Sprintf("%s:%s:%s", l.prefix, identifier, addr)
}

func (l *RedisLimiter) pruneAndCount(ctx context.Context, key string, now time.Time) (int64, error) {
	cutoff := strconv.FormatInt(now.Add(-l.window).UnixMilli(), 10)
	if err := l.client.ZRemRangeByScore(ctx, key, "-inf", cutoff).Err(); err != nil {
		return 0, err
	}
	return l.client.ZCard(ctx, key).Result()
}

func (l *RedisLimiter) Allow(ctx context.Context, identifier, addr string) (bool, error) {
	count, err := l.pruneAndCount(ctx, l.key(identifier, addr), l.now())
	if err != nil {
		return false, err
	}
	return count < int64(l.maxAttempts), nil
}

func (l *RedisLimiter) Record(ctx context.Context, identifier, addr string) error {
	key := l.key(identifier, addr)
	now := l.now()
	if _, err := l.pruneAndCount(ctx, key, now); err != nil {
		return err
	}
	member := redis.Z{Score: float64(now.UnixMilli()), Member: uuid.NewString()}
	if err := l.client.ZAdd(ctx, key, member).Err(); err != nil {
		return err
	}
	return l.client.PExpire(ctx, key, l.window).Err()
}

func (l *RedisLimiter) Reset(ctx context.Context, identifier, addr string) error {
	return l.client.Del(ctx, l.key(identifier, addr)).Err()
}

func (l *RedisLimiter) RetryAfter(ctx context.Context, identifier, addr string) (time.Duration, error) {
	key := l.key(identifier, addr)
	now := l.now()
	count, err := l.pruneAndCount(ctx, key, now)
	if err != nil {
		return 0, err
	}
	if count < int64(l.maxAttempts) {
		return 0, nil
	}
	oldest, err := l.client.ZRangeWithScores(ctx, key, 0, 0).Result()
	if err != nil {
		return 0, err
	}
	if len(oldest) == 0 {
		return 0, nil
	}
	freeAt := time.UnixMilli(int64(oldest[0].Score)).Add(l.window)
	d := freeAt.Sub(now)
	if d < 0 {
		d = 0
	}
	return d, nil
}

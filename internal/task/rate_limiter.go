package task

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisRateLimiter bounds instant-mode operations per user with a fixed
// window counter in Redis (INCR + EXPIRE on first hit). Shared across
// server replicas, unlike an in-process window map.
type RedisRateLimiter struct {
	rdb    *redis.Client
	limit  int
	window time.Duration
	logger *log.Logger
}

// NewRedisRateLimiter creates a limiter allowing limit operations per
// window per key. Defaults: 10 per minute.
func NewRedisRateLimiter(rdb *redis.Client, limit int, window time.Duration) *RedisRateLimiter {
	if limit <= 0 {
		limit = 10
	}
	if window <= 0 {
		window = time.Minute
	}
	return &RedisRateLimiter{
		rdb:    rdb,
		limit:  limit,
		window: window,
		logger: log.New(log.Writer(), "[RATE-LIMIT] ", log.LstdFlags),
	}
}

// Allow counts one operation against key and reports whether it is within
// the limit. The count is taken before the check, so a denied call still
// extends pressure on the window.
func (rl *RedisRateLimiter) Allow(ctx context.Context, key string) (bool, error) {
	redisKey := fmt.Sprintf("hx:ratelimit:%s", key)

	count, err := rl.rdb.Incr(ctx, redisKey).Result()
	if err != nil {
		return false, err
	}
	if count == 1 {
		if err := rl.rdb.Expire(ctx, redisKey, rl.window).Err(); err != nil {
			return false, err
		}
	}

	if count > int64(rl.limit) {
		rl.logger.Printf("⚠️ Rate limit exceeded: key=%s count=%d limit=%d", key, count, rl.limit)
		return false, nil
	}
	return true, nil
}

var _ RateLimiter = (*RedisRateLimiter)(nil)

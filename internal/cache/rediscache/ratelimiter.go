package rediscache

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
)

// RateLimiter ограничивает число вызовов внешней системы в фиксированном окне.
// Ключ окна выбирает вызывающий (например, rl:carrier:202503011015).
type RateLimiter struct {
	c *redis.Client
}

func NewRateLimiter(addr, password string, db int) *RateLimiter {
	return &RateLimiter{
		c: redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db}),
	}
}

// Allow увеличивает счётчик окна и сообщает, уложились ли в limit.
// TTL ставится только ключу без срока жизни, поэтому окно не сдвигается с каждым вызовом.
func (rl *RateLimiter) Allow(ctx context.Context, key string, limit int64, window time.Duration) (bool, int64, error) {
	pipe := rl.c.TxPipeline()
	incr := pipe.Incr(ctx, key)
	ttl := pipe.TTL(ctx, key)
	if _, err := pipe.Exec(ctx); err != nil {
		return false, 0, errors.Wrap(err, "redis ratelimit")
	}
	if ttl.Val() < 0 {
		if err := rl.c.Expire(ctx, key, window).Err(); err != nil {
			return false, 0, errors.Wrap(err, "redis ratelimit expire")
		}
	}
	n := incr.Val()
	return n <= limit, n, nil
}

func (rl *RateLimiter) Close() error {
	return rl.c.Close()
}

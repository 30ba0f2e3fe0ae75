package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/layer-3/notary/ports"
)

// incrScript starts the window on the first hit so the key expires with it
var incrScript = redis.NewScript(`
local n = redis.call('INCR', KEYS[1])
if n == 1 then
	redis.call('PEXPIRE', KEYS[1], ARGV[1])
end
return n
`)

// RedisLimiter is a fixed-window limiter shared by every instance through Redis
type RedisLimiter struct {
	client redis.UniversalClient
	prefix string
	limit  int
	period time.Duration
}

var _ ports.RateLimiter = (*RedisLimiter)(nil)

// NewRedisLimiter admits limit requests per key in each period
func NewRedisLimiter(client redis.UniversalClient, limit int, period time.Duration) *RedisLimiter {
	return &RedisLimiter{
		client: client,
		prefix: "notary:ratelimit:",
		limit:  limit,
		period: period,
	}
}

// Allow counts a request against key and reports whether it fits the window
func (l *RedisLimiter) Allow(ctx context.Context, key string) (bool, error) {
	n, err := incrScript.Run(ctx, l.client, []string{l.prefix + key}, l.period.Milliseconds()).Int()
	if err != nil {
		return false, fmt.Errorf("failed to count request: %w", err)
	}
	return n <= l.limit, nil
}

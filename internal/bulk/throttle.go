package bulk

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisThrottle enforces per-domain hourly send budgets with counter keys
// in Redis. RemainingCapacity reports the headroom left in the current
// window; ConsumeCapacity charges it after a send.
type RedisThrottle struct {
	client *redis.Client
	// HourlyLimit is the per-domain send budget per route. Zero means
	// unlimited.
	HourlyLimit int
}

// NewRedisThrottle builds a throttle with the given hourly budget.
func NewRedisThrottle(client *redis.Client, hourlyLimit int) *RedisThrottle {
	return &RedisThrottle{client: client, HourlyLimit: hourlyLimit}
}

func (t *RedisThrottle) key(tenantID, route, domain string) string {
	window := time.Now().UTC().Format("2006010215")
	return fmt.Sprintf("throttle:%s:%s:%s:%s", tenantID, route, domain, window)
}

// RemainingCapacity returns how many more messages the route may send to
// the domain within the current hour.
func (t *RedisThrottle) RemainingCapacity(ctx context.Context, tenantID, route, domain string) (int, error) {
	if t.HourlyLimit <= 0 {
		return int(^uint(0) >> 1), nil
	}
	used, err := t.client.Get(ctx, t.key(tenantID, route, domain)).Int()
	if err == redis.Nil {
		return t.HourlyLimit, nil
	}
	if err != nil {
		return 0, fmt.Errorf("throttle read: %w", err)
	}
	remaining := t.HourlyLimit - used
	if remaining < 0 {
		remaining = 0
	}
	return remaining, nil
}

// ConsumeCapacity charges n sends against the domain's current window.
func (t *RedisThrottle) ConsumeCapacity(ctx context.Context, tenantID, route, domain string, n int) error {
	if t.HourlyLimit <= 0 || n <= 0 {
		return nil
	}
	key := t.key(tenantID, route, domain)
	pipe := t.client.TxPipeline()
	pipe.IncrBy(ctx, key, int64(n))
	pipe.Expire(ctx, key, 2*time.Hour)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("throttle charge: %w", err)
	}
	return nil
}

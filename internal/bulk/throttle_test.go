package bulk

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestThrottle(t *testing.T, limit int) *RedisThrottle {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return NewRedisThrottle(client, limit)
}

func TestThrottleFreshWindowHasFullBudget(t *testing.T) {
	throttle := newTestThrottle(t, 100)
	remaining, err := throttle.RemainingCapacity(context.Background(), "acme", "route-1", "example.com")
	require.NoError(t, err)
	assert.Equal(t, 100, remaining)
}

func TestThrottleConsumeReducesBudget(t *testing.T) {
	throttle := newTestThrottle(t, 100)
	ctx := context.Background()

	require.NoError(t, throttle.ConsumeCapacity(ctx, "acme", "route-1", "example.com", 30))
	remaining, err := throttle.RemainingCapacity(ctx, "acme", "route-1", "example.com")
	require.NoError(t, err)
	assert.Equal(t, 70, remaining)

	// other domains keep their own budget
	remaining, err = throttle.RemainingCapacity(ctx, "acme", "route-1", "other.test")
	require.NoError(t, err)
	assert.Equal(t, 100, remaining)
}

func TestThrottleOverspendClampsToZero(t *testing.T) {
	throttle := newTestThrottle(t, 10)
	ctx := context.Background()

	require.NoError(t, throttle.ConsumeCapacity(ctx, "acme", "route-1", "example.com", 25))
	remaining, err := throttle.RemainingCapacity(ctx, "acme", "route-1", "example.com")
	require.NoError(t, err)
	assert.Equal(t, 0, remaining)
}

func TestThrottleUnlimitedWhenNoBudget(t *testing.T) {
	throttle := newTestThrottle(t, 0)
	remaining, err := throttle.RemainingCapacity(context.Background(), "acme", "route-1", "example.com")
	require.NoError(t, err)
	assert.Greater(t, remaining, 1<<30)
}

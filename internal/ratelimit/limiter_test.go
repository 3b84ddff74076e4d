package ratelimit

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/furnacehq/furnace/internal/cache"
	"github.com/furnacehq/furnace/internal/config"
)

func setupLimiter(t *testing.T, cfg config.RateLimitConfig) (*Limiter, *cache.Client) {
	client, err := cache.New(config.RedisConfig{Addr: "localhost:6379"})
	if err != nil {
		t.Skipf("Redis not available: %v", err)
	}
	t.Cleanup(func() {
		client.Raw().Del(context.Background(), globalKey)
		client.Close()
	})
	return NewLimiter(client, cfg), client
}

func testUser(t *testing.T, l *Limiter) string {
	userID := fmt.Sprintf("test-%s-%d", t.Name(), time.Now().UnixNano())
	t.Cleanup(func() {
		l.Reset(context.Background(), userID)
	})
	return userID
}

func TestCheckUserUnderLimit(t *testing.T) {
	l, _ := setupLimiter(t, config.RateLimitConfig{PerMinute: 5, PerHour: 100, GlobalMultiplier: 50})
	userID := testUser(t, l)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		require.NoError(t, l.CheckUser(ctx, userID, 1))
	}
}

func TestCheckUserRejectsOverLimit(t *testing.T) {
	l, _ := setupLimiter(t, config.RateLimitConfig{PerMinute: 3, PerHour: 100, GlobalMultiplier: 50})
	userID := testUser(t, l)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		require.NoError(t, l.CheckUser(ctx, userID, 1))
	}

	err := l.CheckUser(ctx, userID, 1)
	require.Error(t, err)
	assert.True(t, IsRateLimited(err))

	var rle *RateLimitError
	require.ErrorAs(t, err, &rle)
	assert.Equal(t, 3, rle.Limit)
	assert.GreaterOrEqual(t, rle.RetryAfter, 1, "retry-after is always at least one second")
	assert.LessOrEqual(t, rle.RetryAfter, 61)
}

func TestCheckUserCost(t *testing.T) {
	l, _ := setupLimiter(t, config.RateLimitConfig{PerMinute: 10, PerHour: 100, GlobalMultiplier: 50})
	userID := testUser(t, l)
	ctx := context.Background()

	require.NoError(t, l.CheckUser(ctx, userID, 8))
	err := l.CheckUser(ctx, userID, 5)
	assert.True(t, IsRateLimited(err), "8 + 5 exceeds the 10/minute window")
	assert.NoError(t, l.CheckUser(ctx, userID, 2))
}

func TestStatusDoesNotCharge(t *testing.T) {
	l, _ := setupLimiter(t, config.RateLimitConfig{PerMinute: 5, PerHour: 50, GlobalMultiplier: 50})
	userID := testUser(t, l)
	ctx := context.Background()

	require.NoError(t, l.CheckUser(ctx, userID, 2))

	first, err := l.Status(ctx, userID)
	require.NoError(t, err)
	second, err := l.Status(ctx, userID)
	require.NoError(t, err)

	require.Len(t, first, 3)
	assert.Equal(t, first[0].Remaining, second[0].Remaining, "status reads must not consume quota")
	assert.Equal(t, 3, first[0].Remaining)
	assert.Equal(t, 48, first[1].Remaining)
}

func TestReset(t *testing.T) {
	l, _ := setupLimiter(t, config.RateLimitConfig{PerMinute: 1, PerHour: 100, GlobalMultiplier: 50})
	userID := testUser(t, l)
	ctx := context.Background()

	require.NoError(t, l.CheckUser(ctx, userID, 1))
	require.Error(t, l.CheckUser(ctx, userID, 1))

	require.NoError(t, l.Reset(ctx, userID))
	assert.NoError(t, l.CheckUser(ctx, userID, 1))
}

func TestFailOpenWhenRedisDown(t *testing.T) {
	// Point at a port nothing listens on; every check must still admit.
	rdb := redis.NewClient(&redis.Options{Addr: "localhost:1", DialTimeout: 100 * time.Millisecond})
	l := NewLimiter(cache.NewFromClient(rdb), config.RateLimitConfig{PerMinute: 1, PerHour: 1, GlobalMultiplier: 1})

	ctx := context.Background()
	for i := 0; i < 5; i++ {
		assert.NoError(t, l.CheckUser(ctx, "anyone", 1))
		assert.NoError(t, l.CheckGlobal(ctx, 1))
	}
}

func TestGlobalLimit(t *testing.T) {
	l, client := setupLimiter(t, config.RateLimitConfig{PerMinute: 1, PerHour: 100, GlobalMultiplier: 3})
	ctx := context.Background()
	client.Raw().Del(ctx, globalKey)

	for i := 0; i < 3; i++ {
		require.NoError(t, l.CheckGlobal(ctx, 1))
	}
	err := l.CheckGlobal(ctx, 1)
	require.Error(t, err)
	assert.True(t, IsRateLimited(err))
}

package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/furnacehq/furnace/internal/cache"
	"github.com/furnacehq/furnace/internal/config"
	"github.com/furnacehq/furnace/internal/logging"
	"github.com/furnacehq/furnace/internal/metrics"
)

// RateLimitError reports a rejected request and how long the caller should
// wait before retrying.
type RateLimitError struct {
	Scope      string
	Limit      int
	RetryAfter int
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limit exceeded for %s (limit %d), retry after %ds", e.Scope, e.Limit, e.RetryAfter)
}

// IsRateLimited reports whether err is a RateLimitError.
func IsRateLimited(err error) bool {
	var target *RateLimitError
	return errors.As(err, &target)
}

// Status is a non-mutating view of one window.
type Status struct {
	Scope     string    `json:"scope"`
	Limit     int       `json:"limit"`
	Remaining int       `json:"remaining"`
	ResetTime time.Time `json:"reset_time"`
}

// Limiter is a sliding-window rate limiter on Redis sorted sets. Each request
// writes cost timestamped members; admission counts the members still inside
// the window. When Redis is unreachable the limiter fails open: admission
// control is load shedding, not a security boundary.
type Limiter struct {
	rdb *redis.Client
	cfg config.RateLimitConfig
	log *slog.Logger
}

func NewLimiter(client *cache.Client, cfg config.RateLimitConfig) *Limiter {
	return &Limiter{
		rdb: client.Raw(),
		cfg: cfg,
		log: logging.WithComponent("ratelimit"),
	}
}

func userMinuteKey(userID string) string { return "rate_limit:user:" + userID + ":minute" }
func userHourKey(userID string) string   { return "rate_limit:user:" + userID + ":hour" }

const globalKey = "rate_limit:global:minute"

// CheckUser admits or rejects one request for userID against the per-minute
// and per-hour windows. Both windows are charged on admission.
func (l *Limiter) CheckUser(ctx context.Context, userID string, cost int) error {
	if err := l.check(ctx, userMinuteKey(userID), "user:"+userID+":minute", l.cfg.PerMinute, time.Minute, cost); err != nil {
		return err
	}
	return l.check(ctx, userHourKey(userID), "user:"+userID+":hour", l.cfg.PerHour, time.Hour, cost)
}

// CheckGlobal admits or rejects one request against the shared global window,
// sized as the per-minute user limit times the global multiplier.
func (l *Limiter) CheckGlobal(ctx context.Context, cost int) error {
	limit := l.cfg.PerMinute * l.cfg.GlobalMultiplier
	return l.check(ctx, globalKey, "global", limit, time.Minute, cost)
}

func (l *Limiter) check(ctx context.Context, key, scope string, limit int, window time.Duration, cost int) error {
	if cost <= 0 {
		cost = 1
	}
	now := time.Now()
	windowStart := now.Add(-window)

	pipe := l.rdb.Pipeline()
	pipe.ZRemRangeByScore(ctx, key, "-inf", formatScore(windowStart))
	card := pipe.ZCard(ctx, key)
	if _, err := pipe.Exec(ctx); err != nil {
		l.log.Warn("rate limit check failed, allowing request", "scope", scope, "error", err)
		return nil
	}

	if int(card.Val())+cost > limit {
		metrics.RateLimitRejections.WithLabelValues(scope).Inc()
		return &RateLimitError{
			Scope:      scope,
			Limit:      limit,
			RetryAfter: l.retryAfter(ctx, key, window, now),
		}
	}

	members := make([]redis.Z, cost)
	score := float64(now.UnixNano()) / 1e9
	for i := range members {
		members[i] = redis.Z{Score: score, Member: uuid.NewString()}
	}
	charge := l.rdb.Pipeline()
	charge.ZAdd(ctx, key, members...)
	charge.Expire(ctx, key, window+time.Second)
	if _, err := charge.Exec(ctx); err != nil {
		l.log.Warn("rate limit charge failed", "scope", scope, "error", err)
	}
	return nil
}

// retryAfter computes when the oldest in-window entry slides out. At least one
// second, so rejected callers never busy-loop.
func (l *Limiter) retryAfter(ctx context.Context, key string, window time.Duration, now time.Time) int {
	oldest, err := l.rdb.ZRangeWithScores(ctx, key, 0, 0).Result()
	if err != nil || len(oldest) == 0 {
		return 1
	}
	expiry := oldest[0].Score + window.Seconds() - float64(now.UnixNano())/1e9
	if expiry < 1 {
		return 1
	}
	return int(expiry)
}

// Status reports the current usage of every window for userID without
// charging any of them.
func (l *Limiter) Status(ctx context.Context, userID string) ([]Status, error) {
	globalLimit := l.cfg.PerMinute * l.cfg.GlobalMultiplier
	windows := []struct {
		key    string
		scope  string
		limit  int
		window time.Duration
	}{
		{userMinuteKey(userID), "user:minute", l.cfg.PerMinute, time.Minute},
		{userHourKey(userID), "user:hour", l.cfg.PerHour, time.Hour},
		{globalKey, "global", globalLimit, time.Minute},
	}

	now := time.Now()
	statuses := make([]Status, 0, len(windows))
	for _, w := range windows {
		count, err := l.rdb.ZCount(ctx, w.key, formatScore(now.Add(-w.window)), "+inf").Result()
		if err != nil {
			return nil, fmt.Errorf("failed to read rate limit window %s: %w", w.scope, err)
		}
		remaining := w.limit - int(count)
		if remaining < 0 {
			remaining = 0
		}
		reset := now
		if oldest, err := l.rdb.ZRangeWithScores(ctx, w.key, 0, 0).Result(); err == nil && len(oldest) > 0 {
			reset = time.Unix(0, int64(oldest[0].Score*1e9)).Add(w.window)
		}
		statuses = append(statuses, Status{
			Scope:     w.scope,
			Limit:     w.limit,
			Remaining: remaining,
			ResetTime: reset,
		})
	}
	return statuses, nil
}

// Reset clears the windows for userID. Admin surface only.
func (l *Limiter) Reset(ctx context.Context, userID string) error {
	if err := l.rdb.Del(ctx, userMinuteKey(userID), userHourKey(userID)).Err(); err != nil {
		return fmt.Errorf("failed to reset rate limit for %s: %w", userID, err)
	}
	return nil
}

func formatScore(t time.Time) string {
	return fmt.Sprintf("%f", float64(t.UnixNano())/1e9)
}

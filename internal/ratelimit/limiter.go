// Package ratelimit throttles externally fed submissions with a Redis
// fixed-window counter (INCR + EXPIRE), so that several client processes
// signed in as one user share a budget.
package ratelimit

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// Rule is a rate limiting policy: the key prefix, the number of requests
// allowed per window and the window length.
type Rule struct {
	Key    string
	Limit  int
	Window time.Duration
}

// RuleOutbox allows 20 relayed outbox messages per minute per user.
var RuleOutbox = Rule{Key: "rl:outbox:", Limit: 20, Window: time.Minute}

// Limiter performs rate limiting checks against Redis.
type Limiter struct {
	client *redis.Client
	logger *slog.Logger
}

// NewLimiter creates a Limiter backed by the given Redis client.
func NewLimiter(client *redis.Client, logger *slog.Logger) *Limiter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Limiter{client: client, logger: logger}
}

// Allow counts one request for identifier and reports whether it is within
// rule. Redis errors fail open: the request is allowed and the error
// returned.
func (l *Limiter) Allow(ctx context.Context, identifier string, rule Rule) (bool, error) {
	key := rule.Key + identifier

	count, err := l.client.Incr(ctx, key).Result()
	if err != nil {
		l.logger.Warn("[ratelimit] redis error, failing open", "key", key, "err", err)
		return true, fmt.Errorf("ratelimit: allow: %w", err)
	}

	// The first increment opens the window.
	if count == 1 {
		if err := l.client.Expire(ctx, key, rule.Window).Err(); err != nil {
			l.logger.Warn("[ratelimit] redis error, failing open", "key", key, "err", err)
			// A key without TTL would limit identifier forever.
			l.client.Del(ctx, key)
			return true, fmt.Errorf("ratelimit: allow: %w", err)
		}
	}
	return int(count) <= rule.Limit, nil
}

// Remaining returns how many requests identifier has left in the current
// window. It returns the full limit when no window is open or Redis fails.
func (l *Limiter) Remaining(ctx context.Context, identifier string, rule Rule) (int, error) {
	key := rule.Key + identifier

	count, err := l.client.Get(ctx, key).Int()
	if err == redis.Nil {
		return rule.Limit, nil
	}
	if err != nil {
		l.logger.Warn("[ratelimit] redis error, failing open", "key", key, "err", err)
		return rule.Limit, fmt.Errorf("ratelimit: remaining: %w", err)
	}

	remaining := rule.Limit - count
	if remaining < 0 {
		remaining = 0
	}
	return remaining, nil
}

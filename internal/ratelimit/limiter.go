// Package ratelimit throttles clients with fixed Redis windows (INCR plus
// EXPIRE). It fails open: a Redis outage never blocks traffic.
package ratelimit

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// Rule is a limit of Limit hits per Window under a key prefix.
type Rule struct {
	Key    string
	Limit  int
	Window time.Duration
}

var (
	// RuleSend allows 20 messages per 10 seconds per user.
	RuleSend = Rule{Key: "rl:send:", Limit: 20, Window: 10 * time.Second}

	// RuleUpload allows 10 uploads per minute per user.
	RuleUpload = Rule{Key: "rl:upload:", Limit: 10, Window: time.Minute}

	// RuleConnect allows 10 WebSocket upgrades per minute per client IP.
	RuleConnect = Rule{Key: "rl:conn:", Limit: 10, Window: time.Minute}
)

// Decision is the outcome of one Allow call.
type Decision struct {
	Allowed    bool
	Remaining  int
	RetryAfter time.Duration
}

// Limiter checks rules against Redis.
type Limiter struct {
	client *redis.Client
	logger *slog.Logger
}

// NewLimiter creates a Limiter.
func NewLimiter(client *redis.Client, logger *slog.Logger) *Limiter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Limiter{client: client, logger: logger.With("component", "ratelimit")}
}

// Allow counts one hit for identifier under rule. On Redis errors it allows
// the hit and returns the error for the caller to log.
func (l *Limiter) Allow(ctx context.Context, identifier string, rule Rule) (Decision, error) {
	key := rule.Key + identifier
	open := Decision{Allowed: true, Remaining: rule.Limit}

	count, err := l.client.Incr(ctx, key).Result()
	if err != nil {
		l.logger.Warn("incr failed, failing open", "key", key, "error", err)
		return open, err
	}

	// The first hit opens the window.
	if count == 1 {
		if err := l.client.Expire(ctx, key, rule.Window).Err(); err != nil {
			l.logger.Warn("expire failed, failing open", "key", key, "error", err)
			// A key without TTL would throttle forever.
			l.client.Del(ctx, key)
			return open, err
		}
	}

	remaining := rule.Limit - int(count)
	if remaining >= 0 {
		return Decision{Allowed: true, Remaining: remaining}, nil
	}

	ttl, err := l.client.TTL(ctx, key).Result()
	if err != nil || ttl < 0 {
		ttl = rule.Window
	}
	return Decision{Allowed: false, RetryAfter: ttl}, nil
}

// Remaining returns how many hits identifier has left in the current window.
func (l *Limiter) Remaining(ctx context.Context, identifier string, rule Rule) (int, error) {
	key := rule.Key + identifier

	count, err := l.client.Get(ctx, key).Int()
	if errors.Is(err, redis.Nil) {
		return rule.Limit, nil
	}
	if err != nil {
		l.logger.Warn("get failed, failing open", "key", key, "error", err)
		return rule.Limit, err
	}
	if remaining := rule.Limit - count; remaining > 0 {
		return remaining, nil
	}
	return 0, nil
}

// RetrySeconds rounds d up to whole seconds, at least 1.
func RetrySeconds(d time.Duration) int {
	s := int((d + time.Second - 1) / time.Second)
	if s < 1 {
		return 1
	}
	return s
}

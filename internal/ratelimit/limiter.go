// Package ratelimit provides Redis-backed rate limiting using an INCR +
// EXPIRE fixed-window counter, unchanged from the teacher's
// implementation aside from retuning the rule set to the core's own
// limits (RATE_WS_MSG, RATE_QUEUE_JOIN, and a connect-time IP rule).
package ratelimit

import (
	"context"
	"log"
	"time"

	"github.com/redis/go-redis/v9"
)

// Rule defines a rate limiting policy: the Redis key prefix, maximum
// number of requests allowed in the window, and the window duration.
type Rule struct {
	Key    string
	Limit  int
	Window time.Duration
}

// NewMessageRule builds the per-socket message rule from RATE_WS_MSG
// (requests per second).
func NewMessageRule(perSecond int) Rule {
	return Rule{Key: "rl:msg:", Limit: perSecond, Window: 1 * time.Second}
}

// NewQueueJoinRule builds the per-user enqueue rule from RATE_QUEUE_JOIN
// (requests per window).
func NewQueueJoinRule(limit int, window time.Duration) Rule {
	return Rule{Key: "rl:queue:", Limit: limit, Window: window}
}

// NewConnectRule builds the per-IP connect rule.
func NewConnectRule(perMinute int) Rule {
	return Rule{Key: "rl:conn:", Limit: perMinute, Window: 1 * time.Minute}
}

// Limiter performs rate limiting checks against Redis.
type Limiter struct {
	client *redis.Client
}

// NewLimiter creates a Limiter backed by the given Redis client.
func NewLimiter(client *redis.Client) *Limiter {
	return &Limiter{client: client}
}

// Allow checks whether identifier is within rule's limit. It increments
// the counter in Redis and sets the expiry on first access.
//
// Returns true if the request is allowed, false if rate limited. On Redis
// errors the method fails open (returns true) so a Redis outage does not
// block legitimate traffic.
func (l *Limiter) Allow(ctx context.Context, identifier string, rule Rule) (bool, error) {
	key := rule.Key + identifier

	count, err := l.client.Incr(ctx, key).Result()
	if err != nil {
		log.Printf("[ratelimit] redis INCR error key=%s: %v (failing open)", key, err)
		return true, err
	}

	if count == 1 {
		if err := l.client.Expire(ctx, key, rule.Window).Err(); err != nil {
			log.Printf("[ratelimit] redis EXPIRE error key=%s: %v (failing open)", key, err)
			l.client.Del(ctx, key)
			return true, err
		}
	}

	if int(count) > rule.Limit {
		return false, nil
	}
	return true, nil
}

// Remaining returns the number of requests identifier has left in the
// current window for rule. Returns the full limit if the key does not
// exist yet, and on Redis errors (fail open).
func (l *Limiter) Remaining(ctx context.Context, identifier string, rule Rule) (int, error) {
	key := rule.Key + identifier

	count, err := l.client.Get(ctx, key).Int()
	if err == redis.Nil {
		return rule.Limit, nil
	}
	if err != nil {
		log.Printf("[ratelimit] redis GET error key=%s: %v (failing open)", key, err)
		return rule.Limit, err
	}

	remaining := rule.Limit - count
	if remaining < 0 {
		remaining = 0
	}
	return remaining, nil
}

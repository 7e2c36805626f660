package rate

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Policy bounds one action to Limit hits per Window for a single key.
type Policy struct {
	Limit  int
	Window time.Duration
}

// Enabled reports whether the policy limits anything.
func (p Policy) Enabled() bool {
	return p.Limit > 0 && p.Window > 0
}

// Limiter enforces per-action, per-key fixed-window limits with Redis
// counters. Actions without a policy are never limited.
type Limiter struct {
	redis    redis.UniversalClient
	prefix   string
	policies map[string]Policy
}

// New creates a rate [Limiter] backed by the given Redis client.
func New(redisClient redis.UniversalClient, prefix string, policies map[string]Policy) *Limiter {
	if prefix == "" {
		prefix = "arl"
	}
	copied := make(map[string]Policy, len(policies))
	for action, p := range policies {
		copied[action] = p
	}
	return &Limiter{
		redis:    redisClient,
		prefix:   prefix,
		policies: copied,
	}
}

// ConsumeOrReject counts one hit for (action, key) and reports whether it
// stayed within budget.
func (l *Limiter) ConsumeOrReject(ctx context.Context, action, key string) (bool, error) {
	policy, ok := l.policies[action]
	if !ok || !policy.Enabled() {
		return true, nil
	}

	count, err := l.incrementWithTTL(ctx, l.key(action, key), policy.Window)
	if err != nil {
		return false, err
	}
	return count <= int64(policy.Limit), nil
}

// Reset clears the counter for (action, key).
func (l *Limiter) Reset(ctx context.Context, action, key string) error {
	if err := l.redis.Del(ctx, l.key(action, key)).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	return nil
}

func (l *Limiter) key(action, key string) string {
	return l.prefix + ":" + action + ":" + key
}

func (l *Limiter) incrementWithTTL(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	count, err := l.redis.Incr(ctx, key).Result()
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}

	// Fixed-window semantics: set TTL only for the first hit in the window.
	if count == 1 {
		if err := l.redis.Expire(ctx, key, ttl).Err(); err != nil {
			return 0, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
		}
	}

	return count, nil
}

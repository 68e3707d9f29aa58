package app

import (
	"context"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// Fixed-window counter: first increment in a window arms the expiry, the
// reply carries the running count and the window's remaining TTL so callers
// can compute a Retry-After without a second round trip.
var manualRetryRateLimitScript = redis.NewScript(`
local current = redis.call("INCR", KEYS[1])
if current == 1 then
  redis.call("PEXPIRE", KEYS[1], ARGV[1])
end
local ttl = redis.call("PTTL", KEYS[1])
if ttl < 0 then
  ttl = tonumber(ARGV[1])
end
return {current, ttl}
`)

// RedisRetryRateLimiter throttles operator-triggered retries per invoice
// across all API replicas. A nil client or non-positive limit makes every
// call a pass-through, so the limiter is safe to wire unconditionally.
type RedisRetryRateLimiter struct {
	client redis.UniversalClient
	prefix string
}

func NewRedisRetryRateLimiter(client redis.UniversalClient, prefix string) *RedisRetryRateLimiter {
	prefix = strings.TrimSuffix(strings.TrimSpace(prefix), ":")
	if prefix == "" {
		prefix = "zentla:rate_limit"
	}
	return &RedisRetryRateLimiter{client: client, prefix: prefix}
}

// key layout: <prefix>:<scope>:<subject>, e.g. zentla:rate_limit:manual_retry:<invoice_id>
func (r *RedisRetryRateLimiter) limiterKey(scope, subject string) string {
	return r.prefix + ":" + scope + ":" + subject
}

func (r *RedisRetryRateLimiter) ConsumeRateLimit(
	ctx context.Context,
	scope string,
	subject string,
	limit int,
	window time.Duration,
) (count int, retryAfterSeconds int, err error) {
	if r == nil || r.client == nil || limit <= 0 || window <= 0 {
		return 0, 0, nil
	}

	scope = strings.TrimSpace(scope)
	subject = strings.TrimSpace(subject)
	if scope == "" || subject == "" {
		return 0, 0, nil
	}

	// PEXPIRE wants milliseconds; hold a one-second floor so a tiny window
	// cannot degenerate into a key that never expires between calls.
	windowMs := window.Milliseconds()
	if windowMs < 1000 {
		windowMs = 1000
	}

	raw, err := manualRetryRateLimitScript.Run(ctx, r.client, []string{r.limiterKey(scope, subject)}, windowMs).Result()
	if err != nil {
		return 0, 0, err
	}

	current, ttlMs, err := parseLimiterReply(raw)
	if err != nil {
		return int(current), 0, err
	}
	if ttlMs < 0 {
		ttlMs = windowMs
	}
	return int(current), retryAfterFromTTL(ttlMs), nil
}

// parseLimiterReply unpacks the {count, ttl_ms} pair the Lua script returns.
func parseLimiterReply(raw interface{}) (count int64, ttlMs int64, err error) {
	values, ok := raw.([]interface{})
	if !ok || len(values) != 2 {
		return 0, 0, fmt.Errorf("unexpected redis limiter reply shape: %T", raw)
	}
	count, ok = values[0].(int64)
	if !ok {
		return 0, 0, fmt.Errorf("unexpected redis limiter count type: %T", values[0])
	}
	ttlMs, ok = values[1].(int64)
	if !ok {
		return count, 0, fmt.Errorf("unexpected redis limiter ttl type: %T", values[1])
	}
	return count, ttlMs, nil
}

// retryAfterFromTTL rounds the remaining window up to whole seconds, never
// below one, so a Retry-After header is always meaningful.
func retryAfterFromTTL(ttlMs int64) int {
	seconds := int(math.Ceil(float64(ttlMs) / 1000.0))
	if seconds < 1 {
		return 1
	}
	return seconds
}

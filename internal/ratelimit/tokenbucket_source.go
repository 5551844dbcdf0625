// Package ratelimit implements the per-user bandwidth token bucket that
// gates the upload pipeline, backed by Redis so the limit is shared across
// every instance of the server.
package ratelimit

import (
	"context"
	"fmt"
	"math"
	"os"
	"time"

	"github.com/redis/go-redis/v9"
)

// Config configures the Redis-backed bandwidth limiter.
type Config struct {
	RedisURL  string // defaults to UPLOAD_REDIS_URL or redis://localhost:6379/0
	KeyPrefix string // defaults to "ratelimit:"
}

// Limiter is a Redis-backed token bucket keyed per user. Each bucket holds
// bytes rather than requests: every upload consumes tokens equal to the
// payload size, refilling at a configured bytes/sec rate up to a maximum
// debt, matching the bandwidth limiting described in spec.md §5.
type Limiter struct {
	client *redis.Client
	prefix string
}

// NewLimiter creates a new Redis-backed bandwidth limiter.
func NewLimiter(ctx context.Context, config Config) (*Limiter, error) {
	redisURL := config.RedisURL
	if redisURL == "" {
		redisURL = os.Getenv("UPLOAD_REDIS_URL")
	}
	if redisURL == "" {
		redisURL = "redis://localhost:6379/0"
	}

	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}

	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	prefix := config.KeyPrefix
	if prefix == "" {
		prefix = "ratelimit:"
	}

	return &Limiter{client: client, prefix: prefix}, nil
}

// Close closes the Redis connection.
func (l *Limiter) Close() error {
	return l.client.Close()
}

// bucketScript atomically refills a bucket by elapsed time since its last
// touch, debits cost tokens, and reports whether the debit pushed the
// bucket's debt past maxDebt. Token count is allowed to go negative down to
// -maxDebt, which is how a single oversized upload is still admitted once
// and then throttled on the next request, per spec.md §5.
var bucketScript = redis.NewScript(`
local key = KEYS[1]
local rate = tonumber(ARGV[1])
local max_debt = tonumber(ARGV[2])
local cost = tonumber(ARGV[3])
local now = tonumber(ARGV[4])

local data = redis.call("HMGET", key, "tokens", "ts")
local tokens = tonumber(data[1])
local ts = tonumber(data[2])

if tokens == nil then
  tokens = max_debt
  ts = now
end

local elapsed = now - ts
if elapsed > 0 then
  tokens = math.min(max_debt, tokens + elapsed * rate)
end

local allowed = 1
local new_tokens = tokens - cost
if new_tokens < -max_debt then
  allowed = 0
  new_tokens = tokens
else
  tokens = new_tokens
end

redis.call("HMSET", key, "tokens", tokens, "ts", now)
redis.call("EXPIRE", key, 3600)

local deficit = 0
if tokens < 0 then
  deficit = -tokens
end

return {allowed, tostring(tokens), tostring(deficit)}
`)

// Result describes the outcome of an admission check.
type Result struct {
	Allowed    bool
	Tokens     float64
	RetryAfter time.Duration
}

// Allow debits cost bytes from the bucket identified by key, refilling at
// ratePerSecond bytes/sec up to maxDebt bytes of negative balance. When the
// debit would exceed maxDebt the call is rejected, nothing is debited, and
// Result.RetryAfter reports how long the bucket's balance takes to refill
// back to zero, rounded up to whole seconds (zero when the balance is not
// negative); the size of the rejected request is not taken into account.
func (l *Limiter) Allow(ctx context.Context, key string, cost, ratePerSecond, maxDebt float64, now time.Time) (Result, error) {
	fullKey := l.prefix + key

	res, err := bucketScript.Run(ctx, l.client, []string{fullKey},
		ratePerSecond, maxDebt, cost, float64(now.UnixNano())/1e9,
	).Result()
	if err != nil {
		return Result{}, fmt.Errorf("bandwidth limiter script failed: %w", err)
	}

	values, ok := res.([]interface{})
	if !ok || len(values) != 3 {
		return Result{}, fmt.Errorf("unexpected bandwidth limiter script result: %v", res)
	}

	allowed := values[0].(int64) == 1
	var tokens, deficit float64
	fmt.Sscanf(values[1].(string), "%g", &tokens)
	fmt.Sscanf(values[2].(string), "%g", &deficit)

	result := Result{Allowed: allowed, Tokens: tokens}
	if !allowed {
		result.RetryAfter = time.Duration(math.Ceil(deficit/ratePerSecond)) * time.Second
	}
	return result, nil
}

// Reset clears the bucket for key, used by tests to start from a full
// allowance.
func (l *Limiter) Reset(ctx context.Context, key string) error {
	return l.client.Del(ctx, l.prefix+key).Err()
}

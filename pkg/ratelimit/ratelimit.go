// Package ratelimit throttles the submission endpoint per client IP,
// before the pipeline spends a CAPTCHA round-trip on a flood. Redis backs
// the bucket when configured so limits hold across replicas; otherwise an
// in-process limiter covers the single-instance case.
package ratelimit

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/time/rate"

	"github.com/erfianugrah/forminator-sub000/pkg/api"
	"github.com/erfianugrah/forminator-sub000/pkg/metadata"
)

// Limiter decides whether a key may proceed.
type Limiter interface {
	Allow(ctx context.Context, key string) (bool, error)
}

// tokenBucketScript runs the refill-and-consume step atomically in Redis.
// KEYS[1] = bucket key, ARGV[1] = tokens/sec, ARGV[2] = capacity,
// ARGV[3] = cost, ARGV[4] = now (seconds, fractional).
var tokenBucketScript = redis.NewScript(`
local key = KEYS[1]
local rate = tonumber(ARGV[1])
local capacity = tonumber(ARGV[2])
local cost = tonumber(ARGV[3])
local now = tonumber(ARGV[4])

local state = redis.call("HMGET", key, "tokens", "last_refill")
local tokens = tonumber(state[1])
local last_refill = tonumber(state[2])

if not tokens or not last_refill then
    tokens = capacity
    last_refill = now
end

local elapsed = now - last_refill
if elapsed > 0 then
    tokens = tokens + elapsed * rate
    if tokens > capacity then
        tokens = capacity
    end
    last_refill = now
end

local allowed = 0
if tokens >= cost then
    tokens = tokens - cost
    allowed = 1
end

redis.call("HMSET", key, "tokens", tokens, "last_refill", last_refill)
redis.call("EXPIRE", key, 120)

return allowed
`)

// RedisLimiter is a token bucket shared across instances.
type RedisLimiter struct {
	client *redis.Client
	rpm    int
	burst  int
}

// NewRedisLimiter connects a limiter to Redis.
func NewRedisLimiter(addr, password string, db, rpm, burst int) *RedisLimiter {
	return &RedisLimiter{
		client: redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db}),
		rpm:    rpm,
		burst:  burst,
	}
}

// Allow consumes one token for the key.
func (l *RedisLimiter) Allow(ctx context.Context, key string) (bool, error) {
	perSecond := float64(l.rpm) / 60.0
	if perSecond <= 0 {
		perSecond = 1
	}
	now := float64(time.Now().UnixMicro()) / 1e6

	res, err := tokenBucketScript.Run(ctx, l.client,
		[]string{"ratelimit:" + key}, perSecond, l.burst, 1, now).Int64()
	if err != nil {
		return false, fmt.Errorf("ratelimit: redis bucket: %w", err)
	}
	return res == 1, nil
}

// Close releases the Redis connection.
func (l *RedisLimiter) Close() error {
	return l.client.Close()
}

// LocalLimiter keeps one in-process bucket per key. Suitable for a single
// replica; idle buckets are pruned.
type LocalLimiter struct {
	mu      sync.Mutex
	buckets map[string]*localBucket
	limit   rate.Limit
	burst   int
	maxIdle time.Duration
	now     func() time.Time
}

type localBucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewLocalLimiter builds an in-process limiter.
func NewLocalLimiter(rpm, burst int) *LocalLimiter {
	perSecond := rate.Limit(float64(rpm) / 60.0)
	if perSecond <= 0 {
		perSecond = 1
	}
	if burst < 1 {
		burst = 1
	}
	return &LocalLimiter{
		buckets: make(map[string]*localBucket),
		limit:   perSecond,
		burst:   burst,
		maxIdle: 10 * time.Minute,
		now:     time.Now,
	}
}

// Allow consumes one token for the key.
func (l *LocalLimiter) Allow(ctx context.Context, key string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	b, ok := l.buckets[key]
	if !ok {
		if len(l.buckets) > 10000 {
			l.prune(now)
		}
		b = &localBucket{limiter: rate.NewLimiter(l.limit, l.burst)}
		l.buckets[key] = b
	}
	b.lastSeen = now
	return b.limiter.AllowN(now, 1), nil
}

func (l *LocalLimiter) prune(now time.Time) {
	for key, b := range l.buckets {
		if now.Sub(b.lastSeen) > l.maxIdle {
			delete(l.buckets, key)
		}
	}
}

// Middleware enforces the limiter per client IP. Limiter errors fail open:
// an unreachable Redis must not take the form down, and the fraud pipeline
// still scores whatever gets through.
func Middleware(limiter Limiter, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ip := metadata.FromRequest(r).RemoteIP
			ok, err := limiter.Allow(r.Context(), ip)
			if err != nil {
				logger.Warn("rate limiter unavailable, failing open", "error", err)
				ok = true
			}
			if !ok {
				api.WriteTooManyRequests(w, 60, "")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

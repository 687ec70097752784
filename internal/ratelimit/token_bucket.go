// Package ratelimit throttles API callers with a token bucket kept in Redis,
// so every daemon replica draws from the same budget.
package ratelimit

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/crowsandbox/crow/pkg/config"

	"github.com/go-redis/redis/v8"
)

const keyPrefix = "crow:rl"

type Bucket struct {
	RequestsPerMinute int
	BurstSize         int
}

func BucketFrom(c config.RateLimitBucketConfig) Bucket {
	return Bucket{RequestsPerMinute: c.RequestsPerMinute, BurstSize: c.BurstSize}
}

func (b Bucket) Enabled() bool {
	return b.RequestsPerMinute > 0 && b.BurstSize > 0
}

func (b Bucket) perSecond() float64 { return float64(b.RequestsPerMinute) / 60.0 }

type Decision struct {
	Allowed    bool
	Remaining  int
	RetryAfter time.Duration
}

type Limiter interface {
	Allow(ctx context.Context, scope string, subject string, bucket Bucket) (Decision, error)
}

type TokenBucketLimiter struct {
	rdb *redis.Client
	now func() time.Time
}

func NewTokenBucketLimiter(rdb *redis.Client) *TokenBucketLimiter {
	return &TokenBucketLimiter{rdb: rdb, now: time.Now}
}

// Refills at ARGV[1] tokens/sec up to ARGV[2], spends one token when
// available and returns {allowed, remaining, retry_after_s}.
var tokenBucketScript = redis.NewScript(`
local key = KEYS[1]
local rate = tonumber(ARGV[1])
local capacity = tonumber(ARGV[2])
local now = tonumber(ARGV[3])
local ttl_ms = tonumber(ARGV[4])

local state = redis.call("HMGET", key, "tokens", "ts")
local tokens = tonumber(state[1]) or capacity
local ts = tonumber(state[2]) or now
if now < ts then ts = now end

tokens = math.min(capacity, tokens + (now - ts) * (rate / 1000.0))

local allowed = 0
local retry_after_s = 0
if tokens >= 1.0 then
  allowed = 1
  tokens = tokens - 1.0
elseif rate > 0 then
  retry_after_s = math.max(1, math.ceil((1.0 - tokens) / rate))
else
  retry_after_s = 60
end

redis.call("HSET", key, "tokens", tokens, "ts", now)
redis.call("PEXPIRE", key, ttl_ms)
return {allowed, math.floor(tokens), retry_after_s}
`)

func (l *TokenBucketLimiter) Allow(ctx context.Context, scope string, subject string, bucket Bucket) (Decision, error) {
	if l == nil || l.rdb == nil || !bucket.Enabled() {
		return Decision{Allowed: true}, nil
	}
	key := bucketKey(scope, subject)
	capacity := float64(bucket.BurstSize)
	nowMS := l.now().UTC().UnixMilli()

	res, err := tokenBucketScript.Run(ctx, l.rdb, []string{key},
		bucket.perSecond(), capacity, nowMS, ttlFor(bucket).Milliseconds()).Result()
	if err != nil {
		return Decision{}, fmt.Errorf("rate limit %s: %w", scope, err)
	}
	vals, ok := res.([]interface{})
	if !ok || len(vals) < 3 {
		return Decision{}, fmt.Errorf("unexpected redis ratelimit response: %T", res)
	}

	allowed, _ := vals[0].(int64)
	remaining, _ := vals[1].(int64)
	retryAfterS, _ := vals[2].(int64)
	if allowed == 1 {
		return Decision{Allowed: true, Remaining: int(remaining)}, nil
	}
	if retryAfterS <= 0 {
		retryAfterS = 1
	}
	return Decision{RetryAfter: time.Duration(retryAfterS) * time.Second}, nil
}

// bucketKey hashes the subject so bearer tokens never land in Redis verbatim.
func bucketKey(scope, subject string) string {
	scope = strings.TrimSpace(scope)
	if scope == "" {
		scope = "default"
	}
	subject = strings.TrimSpace(subject)
	if subject == "" {
		subject = "anonymous"
	}
	sum := sha256.Sum256([]byte(subject))
	return keyPrefix + ":" + scope + ":" + hex.EncodeToString(sum[:])
}

// ttlFor keeps idle bucket state for about two full refills.
func ttlFor(b Bucket) time.Duration {
	const (
		minTTL = 30 * time.Second
		maxTTL = time.Hour
	)
	rate := b.perSecond()
	if rate <= 0 {
		return 2 * time.Minute
	}
	ttl := time.Duration(math.Ceil(float64(b.BurstSize)/rate*2.0))*time.Second + 5*time.Second
	return min(max(ttl, minTTL), maxTTL)
}

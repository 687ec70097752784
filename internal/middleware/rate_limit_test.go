package middleware

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/crowsandbox/crow/internal/ratelimit"

	"github.com/alicebob/miniredis/v2"
	"github.com/gin-gonic/gin"
	"github.com/go-redis/redis/v8"
)

type mockLimiter struct {
	decision ratelimit.Decision
	err      error
	subjects []string
}

func (m *mockLimiter) Allow(ctx context.Context, scope string, subject string, bucket ratelimit.Bucket) (ratelimit.Decision, error) {
	m.subjects = append(m.subjects, subject)
	return m.decision, m.err
}

var enabled = ratelimit.Bucket{RequestsPerMinute: 60, BurstSize: 5}

func runLimited(lim ratelimit.Limiter, bucket ratelimit.Bucket, authHeader string) (*gin.Context, *httptest.ResponseRecorder) {
	rec := httptest.NewRecorder()
	ctx, _ := gin.CreateTestContext(rec)
	ctx.Request = httptest.NewRequest(http.MethodPost, "/v1/crow/jobs", nil)
	ctx.Request.RemoteAddr = "10.1.2.3:5555"
	if authHeader != "" {
		ctx.Request.Header.Set("Authorization", authHeader)
	}
	RateLimit(lim, "submit", "create_job", bucket)(ctx)
	return ctx, rec
}

func TestRateLimitDisabledBucket(t *testing.T) {
	lim := &mockLimiter{decision: ratelimit.Decision{Allowed: false}}
	ctx, _ := runLimited(lim, ratelimit.Bucket{}, "Bearer t")
	if ctx.IsAborted() || len(lim.subjects) != 0 {
		t.Fatal("expected pass-through without consulting the limiter")
	}
	if ctx, _ := runLimited(nil, enabled, "Bearer t"); ctx.IsAborted() {
		t.Fatal("expected pass-through with nil limiter")
	}
}

func TestRateLimitAllowed(t *testing.T) {
	lim := &mockLimiter{decision: ratelimit.Decision{Allowed: true, Remaining: 4}}
	ctx, rec := runLimited(lim, enabled, "Bearer tok")
	if ctx.IsAborted() {
		t.Fatal("expected request to pass through when rate limit allows")
	}
	if rec.Header().Get("X-RateLimit-Remaining") != "4" {
		t.Fatalf("expected remaining header, got %q", rec.Header().Get("X-RateLimit-Remaining"))
	}
	if lim.subjects[0] != "tok" {
		t.Fatalf("expected bearer token as subject, got %q", lim.subjects[0])
	}
}

func TestRateLimitKeysAnonymousCallersByIP(t *testing.T) {
	lim := &mockLimiter{decision: ratelimit.Decision{Allowed: true}}
	runLimited(lim, enabled, "")
	if lim.subjects[0] != "ip:10.1.2.3" {
		t.Fatalf("expected ip subject, got %q", lim.subjects[0])
	}
}

func TestRateLimitDenied(t *testing.T) {
	lim := &mockLimiter{decision: ratelimit.Decision{RetryAfter: 5 * time.Second}}
	ctx, rec := runLimited(lim, enabled, "Bearer tok")
	if !ctx.IsAborted() || rec.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", rec.Code)
	}
	if rec.Header().Get("Retry-After") != "5" {
		t.Fatalf("expected Retry-After: 5, got %s", rec.Header().Get("Retry-After"))
	}
	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body["scope"] != "submit" || body["operation"] != "create_job" || body["retryAfterSeconds"] != float64(5) {
		t.Fatalf("unexpected body %v", body)
	}
}

func TestRateLimitSubSecondRetryRoundsUp(t *testing.T) {
	lim := &mockLimiter{decision: ratelimit.Decision{RetryAfter: 300 * time.Millisecond}}
	_, rec := runLimited(lim, enabled, "Bearer tok")
	if rec.Header().Get("Retry-After") != "1" {
		t.Fatalf("expected Retry-After: 1, got %s", rec.Header().Get("Retry-After"))
	}
}

func TestRateLimitFailsOpen(t *testing.T) {
	lim := &mockLimiter{err: errors.New("redis down")}
	if ctx, _ := runLimited(lim, enabled, "Bearer tok"); ctx.IsAborted() {
		t.Fatal("expected fail-open on limiter error")
	}
}

func TestRateLimitWithRedisBucket(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	lim := ratelimit.NewTokenBucketLimiter(rdb)
	bucket := ratelimit.Bucket{RequestsPerMinute: 1, BurstSize: 2}

	for i := 0; i < 2; i++ {
		if ctx, _ := runLimited(lim, bucket, "Bearer same"); ctx.IsAborted() {
			t.Fatalf("request %d should be within burst", i)
		}
	}
	if _, rec := runLimited(lim, bucket, "Bearer same"); rec.Code != http.StatusTooManyRequests {
		t.Fatalf("expected third request limited, got %d", rec.Code)
	}
}

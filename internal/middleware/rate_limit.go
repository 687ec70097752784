package middleware

import (
	"log/slog"
	"net/http"
	"strconv"

	"github.com/crowsandbox/crow/internal/metrics"
	"github.com/crowsandbox/crow/internal/ratelimit"

	"github.com/gin-gonic/gin"
)

// RateLimit spends one token from the caller's bucket for scope. Callers are
// keyed by bearer token, or by client IP when unauthenticated. Limiter errors
// fail open.
func RateLimit(lim ratelimit.Limiter, scope, operation string, bucket ratelimit.Bucket) gin.HandlerFunc {
	return func(c *gin.Context) {
		if lim == nil || !bucket.Enabled() {
			c.Next()
			return
		}

		subject := bearerToken(c.GetHeader("Authorization"))
		if subject == "" {
			subject = "ip:" + c.ClientIP()
		}

		dec, err := lim.Allow(c.Request.Context(), scope, subject, bucket)
		if err != nil {
			slog.Default().WarnContext(c.Request.Context(), "rate limit check failed", "scope", scope, "op", operation, "err", err)
			c.Next()
			return
		}
		if dec.Allowed {
			c.Header("X-RateLimit-Remaining", strconv.Itoa(dec.Remaining))
			c.Next()
			return
		}

		retryAfterSeconds := int(dec.RetryAfter.Seconds())
		if retryAfterSeconds <= 0 {
			retryAfterSeconds = 1
		}
		c.Header("Retry-After", strconv.Itoa(retryAfterSeconds))
		metrics.RateLimitHitsTotal.WithLabelValues(scope, operation).Inc()
		c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
			"error":             "rate limit exceeded",
			"scope":             scope,
			"operation":         operation,
			"retryAfterSeconds": retryAfterSeconds,
		})
	}
}

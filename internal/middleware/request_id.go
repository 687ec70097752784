package middleware

import (
	"log/slog"
	"strings"

	"github.com/crowsandbox/crow/internal/logging"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

const requestIDHeader = "X-Request-Id"

// RequestIDMiddleware propagates or assigns a request id and attaches it to
// every log record written with the request context.
func RequestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		reqID := strings.TrimSpace(c.GetHeader(requestIDHeader))
		if reqID == "" || len(reqID) > 128 {
			reqID = uuid.NewString()
		}
		c.Writer.Header().Set(requestIDHeader, reqID)
		ctx := logging.ContextAttrs(c.Request.Context(), slog.String("request_id", reqID))
		c.Request = c.Request.WithContext(ctx)
		c.Set("request_id", reqID)
		c.Next()
	}
}

package middleware

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

// TracingMiddleware continues an incoming W3C trace, if any, and wraps the
// handler chain in a server span named after the matched route.
func TracingMiddleware(serviceName string) gin.HandlerFunc {
	if strings.TrimSpace(serviceName) == "" {
		serviceName = "crow"
	}
	tracer := otel.Tracer(serviceName + "/http")

	return func(c *gin.Context) {
		ctx := otel.GetTextMapPropagator().Extract(c.Request.Context(), propagation.HeaderCarrier(c.Request.Header))
		ctx, span := tracer.Start(ctx, "HTTP "+c.Request.Method,
			trace.WithSpanKind(trace.SpanKindServer),
			trace.WithAttributes(
				attribute.String("http.request.method", c.Request.Method),
				attribute.String("url.path", c.Request.URL.Path),
				attribute.String("server.address", c.Request.Host),
			),
		)
		defer span.End()
		c.Request = c.Request.WithContext(ctx)

		c.Next()

		status := c.Writer.Status()
		if route := c.FullPath(); route != "" {
			span.SetName("HTTP " + c.Request.Method + " " + route)
			span.SetAttributes(attribute.String("http.route", route))
		}
		if id := c.GetString("request_id"); id != "" {
			span.SetAttributes(attribute.String("crow.request_id", id))
		}
		span.SetAttributes(attribute.Int("http.response.status_code", status))
		if status >= http.StatusInternalServerError {
			span.SetStatus(codes.Error, http.StatusText(status))
		}
	}
}

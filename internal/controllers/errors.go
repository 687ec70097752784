package controllers

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/crowsandbox/crow/pkg/domain"

	"github.com/gin-gonic/gin"
)

func respondError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, domain.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
	case errors.Is(err, domain.ErrStoreUnavailable):
		c.Header("Retry-After", "5")
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "job store unavailable"})
	default:
		requestLogger(c).ErrorContext(c.Request.Context(), "request failed", "path", c.FullPath(), "err", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}

func requestLogger(c *gin.Context) *slog.Logger {
	if v, ok := c.Get("logger"); ok {
		if l, ok := v.(*slog.Logger); ok {
			return l
		}
	}
	return slog.Default()
}

package controllers

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
)

// HealthChecker is anything that can report backend reachability.
type HealthChecker interface {
	Health(ctx context.Context) error
}

type healthController struct{ hc HealthChecker }

func NewHealthController(hc HealthChecker) *healthController {
	return &healthController{hc}
}

func (h *healthController) Handle(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()
	if err := h.hc.Health(ctx); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable", "error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

package controllers

import (
	"net/http"

	"github.com/crowsandbox/crow/internal/services"
	"github.com/crowsandbox/crow/pkg/domain"

	"github.com/gin-gonic/gin"
)

type statsController struct{ svc services.JobsService }

func NewStatsController(svc services.JobsService) *statsController {
	return &statsController{svc: svc}
}

func (h *statsController) Handle(c *gin.Context) {
	counts, err := h.svc.Stats(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}
	out := make(map[domain.JobStatus]int64, len(domain.AllStatuses))
	for _, st := range domain.AllStatuses {
		out[st] = counts[st]
	}
	c.JSON(http.StatusOK, gin.H{"jobs": out})
}

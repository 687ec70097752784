package controllers

import (
	"net/http"

	"github.com/crowsandbox/crow/internal/services"

	"github.com/gin-gonic/gin"
)

type getReportController struct{ svc services.JobsService }

func NewGetReportController(svc services.JobsService) *getReportController {
	return &getReportController{svc}
}

func (h *getReportController) Handle(c *gin.Context) {
	report, err := h.svc.Report(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, report)
}

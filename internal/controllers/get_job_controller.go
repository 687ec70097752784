package controllers

import (
	"net/http"

	"github.com/crowsandbox/crow/internal/services"

	"github.com/gin-gonic/gin"
)

type getJobController struct{ svc services.JobsService }

func NewGetJobController(svc services.JobsService) *getJobController {
	return &getJobController{svc}
}

func (h *getJobController) Handle(c *gin.Context) {
	job, err := h.svc.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, job)
}

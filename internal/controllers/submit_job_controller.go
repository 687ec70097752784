package controllers

import (
	"errors"
	"net/http"

	"github.com/crowsandbox/crow/internal/artifacts"
	"github.com/crowsandbox/crow/internal/services"

	"github.com/gin-gonic/gin"
)

type submitJobController struct{ svc services.JobsService }

func NewSubmitJobController(svc services.JobsService) *submitJobController {
	return &submitJobController{svc}
}

// Handle accepts a multipart upload in field "file". A new job answers 202;
// an existing job for the same content answers 200.
func (h *submitJobController) Handle(c *gin.Context) {
	fh, err := c.FormFile("file")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "multipart field 'file' is required"})
		return
	}
	f, err := fh.Open()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unreadable upload"})
		return
	}
	defer f.Close()

	job, created, err := h.svc.Submit(c.Request.Context(), fh.Filename, f)
	switch {
	case errors.Is(err, artifacts.ErrEmpty):
		c.JSON(http.StatusBadRequest, gin.H{"error": "file is empty"})
		return
	case errors.Is(err, artifacts.ErrTooLarge):
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": err.Error()})
		return
	case err != nil:
		respondError(c, err)
		return
	}
	if created {
		c.JSON(http.StatusAccepted, job)
		return
	}
	c.JSON(http.StatusOK, job)
}

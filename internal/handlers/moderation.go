package handlers

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"postmedia/internal/middleware"
	"postmedia/internal/models"
)

func (h HandlerSet) ModerationQueue(c *gin.Context) {
	status := models.ModerationStatus(c.DefaultQuery("status", string(models.ModerationFlagged)))
	limit := 0
	if v, err := strconv.Atoi(c.Query("limit")); err == nil {
		limit = v
	}

	records, err := h.images.ReviewQueue(c.Request.Context(), status, limit)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"items": toImageList(records)})
}

type resolveRequest struct {
	Status models.ModerationStatus `json:"status" binding:"required"`
	Note   string                  `json:"note"`
}

func (h HandlerSet) ResolveModeration(c *gin.Context) {
	var req resolveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.badRequest(c, "body must be {\"status\": \"approved|rejected\"}")
		return
	}

	reviewer, _ := middleware.CallerFrom(c)
	record, err := h.images.ResolveModeration(c.Request.Context(), reviewer, c.Param("imageId"), req.Status, req.Note)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, toImageResponse(record))
}

package handlers

import (
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"postmedia/internal/middleware"
	"postmedia/internal/models"
	"postmedia/internal/service"
)

type renditionResponse struct {
	URL         string `json:"url"`
	ContentType string `json:"contentType"`
	Width       int    `json:"width"`
	Height      int    `json:"height"`
	SizeBytes   int64  `json:"sizeBytes"`
}

type moderationResponse struct {
	Status    models.ModerationStatus `json:"status"`
	MaxScore  float64                 `json:"maxScore"`
	MaxLabel  string                  `json:"maxLabel,omitempty"`
	Attempts  int                     `json:"attempts"`
	DecidedBy string                  `json:"decidedBy,omitempty"`
	DecidedAt *time.Time              `json:"decidedAt,omitempty"`
}

type imageResponse struct {
	ID               string             `json:"id"`
	PostID           string             `json:"postId"`
	UserID           string             `json:"userId"`
	OriginalFilename string             `json:"originalFilename"`
	OriginalSize     int64              `json:"originalSize"`
	MIME             string             `json:"mime"`
	Width            int                `json:"width"`
	Height           int                `json:"height"`
	IsPrimary        bool               `json:"isPrimary"`
	DisplayOrder     int                `json:"displayOrder"`
	Thumbnail        renditionResponse  `json:"thumbnail"`
	Medium           renditionResponse  `json:"medium"`
	Full             renditionResponse  `json:"full"`
	Moderation       moderationResponse `json:"moderation"`
	CreatedAt        time.Time          `json:"createdAt"`
}

func toRendition(r models.Rendition) renditionResponse {
	return renditionResponse{URL: r.URL, ContentType: r.ContentType, Width: r.Width, Height: r.Height, SizeBytes: r.SizeBytes}
}

func toImageResponse(r models.ImageRecord) imageResponse {
	return imageResponse{
		ID:               r.ID,
		PostID:           r.PostID,
		UserID:           r.UserID,
		OriginalFilename: r.OriginalFilename,
		OriginalSize:     r.OriginalSize,
		MIME:             r.DeclaredMIME,
		Width:            r.Width,
		Height:           r.Height,
		IsPrimary:        r.IsPrimary,
		DisplayOrder:     r.DisplayOrder,
		Thumbnail:        toRendition(r.Thumbnail),
		Medium:           toRendition(r.Medium),
		Full:             toRendition(r.Full),
		Moderation: moderationResponse{
			Status:    r.ModerationStatus,
			MaxScore:  r.ModerationDetails.MaxScore,
			MaxLabel:  r.ModerationDetails.MaxLabel,
			Attempts:  r.ModerationAttempts,
			DecidedBy: r.ModerationDetails.DecidedBy,
			DecidedAt: r.ModeratedAt,
		},
		CreatedAt: r.CreatedAt,
	}
}

func toImageList(records []models.ImageRecord) []imageResponse {
	items := make([]imageResponse, 0, len(records))
	for _, r := range records {
		items = append(items, toImageResponse(r))
	}
	return items
}

func (h HandlerSet) UploadImage(c *gin.Context) {
	caller, _ := middleware.CallerFrom(c)
	maxBytes := h.cfg.Upload.MaxBytes

	if limit := h.cfg.HTTP.MaxRequestBytes; limit > 0 {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, limit)
	}
	header, err := c.FormFile("file")
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			h.writeError(c, models.NewError(models.CodeFileTooLarge, "request body too large").
				WithDetails(map[string]any{"max_size": maxBytes}))
			return
		}
		h.badRequest(c, "multipart field \"file\" is required")
		return
	}
	file, err := header.Open()
	if err != nil {
		h.badRequest(c, "file could not be read")
		return
	}
	defer file.Close()

	// One byte past the limit is enough for the validator to reject it.
	content, err := io.ReadAll(io.LimitReader(file, maxBytes+1))
	if err != nil {
		h.badRequest(c, "file could not be read")
		return
	}

	record, err := h.images.Upload(c.Request.Context(), service.UploadInput{
		Caller:       caller,
		PostID:       c.Param("postId"),
		Filename:     header.Filename,
		DeclaredMIME: header.Header.Get("Content-Type"),
		Content:      content,
		Size:         header.Size,
		ClientIP:     c.ClientIP(),
		UserAgent:    c.GetHeader("User-Agent"),
	})
	if err != nil {
		h.writeError(c, err)
		return
	}

	c.JSON(http.StatusCreated, toImageResponse(record))
}

func (h HandlerSet) ListImages(c *gin.Context) {
	records, err := h.images.ListVisible(c.Request.Context(), c.Param("postId"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"items": toImageList(records)})
}

func (h HandlerSet) GetImage(c *gin.Context) {
	record, err := h.images.Get(c.Request.Context(), c.Param("imageId"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, toImageResponse(record))
}

func (h HandlerSet) PrimaryImage(c *gin.Context) {
	record, err := h.images.Primary(c.Request.Context(), c.Param("postId"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, toImageResponse(record))
}

func (h HandlerSet) DeleteImage(c *gin.Context) {
	caller, _ := middleware.CallerFrom(c)
	if err := h.images.Delete(c.Request.Context(), caller, c.Param("imageId")); err != nil {
		h.writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h HandlerSet) SetPrimary(c *gin.Context) {
	caller, _ := middleware.CallerFrom(c)
	if err := h.images.SetPrimary(c.Request.Context(), caller, c.Param("imageId")); err != nil {
		h.writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

type reorderRequest struct {
	IDs []string `json:"ids" binding:"required"`
}

func (h HandlerSet) ReorderImages(c *gin.Context) {
	var req reorderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.badRequest(c, "body must be {\"ids\": [...]}")
		return
	}

	caller, _ := middleware.CallerFrom(c)
	if err := h.images.Reorder(c.Request.Context(), caller, c.Param("postId"), req.IDs); err != nil {
		h.writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

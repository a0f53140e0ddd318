package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"postmedia/internal/middleware"
	"postmedia/internal/models"
)

var errorStatus = map[models.ErrorCode]int{
	models.CodeFileTooLarge:          http.StatusRequestEntityTooLarge,
	models.CodeUnsupportedExtension:  http.StatusUnsupportedMediaType,
	models.CodeMimeMismatch:          http.StatusUnsupportedMediaType,
	models.CodeCorruptImage:          http.StatusUnprocessableEntity,
	models.CodeNotOwner:              http.StatusForbidden,
	models.CodeCategoryLimitExceeded: http.StatusConflict,
	models.CodeInvalidReorderSet:     http.StatusBadRequest,
	models.CodeNotFound:              http.StatusNotFound,
	models.CodeInvalidTransition:     http.StatusConflict,
	models.CodeDecodeFailure:         http.StatusUnprocessableEntity,
	models.CodeEncodeFailure:         http.StatusUnprocessableEntity,
	models.CodeStorageUnavailable:    http.StatusServiceUnavailable,
	models.CodeInternal:              http.StatusInternalServerError,
}

func statusFor(code models.ErrorCode) int {
	if status, ok := errorStatus[code]; ok {
		return status
	}
	return http.StatusInternalServerError
}

// writeError renders err in the public error envelope. Internal causes are
// logged, never returned.
func (h HandlerSet) writeError(c *gin.Context, err error) {
	appErr := models.AsError(err)
	status := statusFor(appErr.Code)
	_ = c.Error(err)
	if status >= http.StatusInternalServerError {
		h.log.Error().Err(err).
			Str("code", string(appErr.Code)).
			Str("path", c.FullPath()).
			Str("request_id", middleware.RequestIDFrom(c)).
			Msg("request failed")
	}
	c.AbortWithStatusJSON(status, appErr.Envelope())
}

func (h HandlerSet) badRequest(c *gin.Context, message string) {
	c.AbortWithStatusJSON(http.StatusBadRequest, models.NewError(models.CodeBadRequest, message).Envelope())
}

package middleware

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"postmedia/internal/models"
	"postmedia/internal/security"
)

const callerKey = "caller"

// Auth accepts a bearer access token and stores the caller on the context.
func Auth(secret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		authHeader := c.GetHeader("Authorization")
		if authHeader == "" || !strings.HasPrefix(authHeader, "Bearer ") {
			abort(c, http.StatusUnauthorized, models.CodeUnauthorized, "missing bearer token")
			return
		}

		tokenStr := strings.TrimPrefix(authHeader, "Bearer ")
		claims, err := security.ParseAccessToken(tokenStr, secret)
		if err != nil {
			abort(c, http.StatusUnauthorized, models.CodeUnauthorized, "invalid access token")
			return
		}

		c.Set(callerKey, claims.Caller())
		c.Next()
	}
}

// CallerFrom returns the caller stored by Auth.
func CallerFrom(c *gin.Context) (models.Caller, bool) {
	v, ok := c.Get(callerKey)
	if !ok {
		return models.Caller{}, false
	}
	caller, ok := v.(models.Caller)
	return caller, ok
}

func abort(c *gin.Context, status int, code models.ErrorCode, message string) {
	c.AbortWithStatusJSON(status, models.NewError(code, message).Envelope())
}

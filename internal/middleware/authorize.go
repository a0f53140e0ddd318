package middleware

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"postmedia/internal/models"
)

func RequireRoles(roles ...models.UserRole) gin.HandlerFunc {
	roleSet := make(map[models.UserRole]struct{}, len(roles))
	for _, role := range roles {
		roleSet[role] = struct{}{}
	}

	return func(c *gin.Context) {
		caller, ok := CallerFrom(c)
		if !ok {
			abort(c, http.StatusUnauthorized, models.CodeUnauthorized, "authentication required")
			return
		}

		if _, ok := roleSet[caller.Role]; !ok {
			abort(c, http.StatusForbidden, models.CodeForbidden, "role not permitted")
			return
		}

		c.Next()
	}
}

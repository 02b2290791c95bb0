package middleware

import (
	"github.com/gin-gonic/gin"

	"github.com/noah-isme/timetrack-api/internal/models"
	appErrors "github.com/noah-isme/timetrack-api/pkg/errors"
	"github.com/noah-isme/timetrack-api/pkg/response"
)

// SelfRole lets a caller through when the :id route parameter is their own user id.
const SelfRole = "SELF"

// RBAC enforces role-based access control for routes. Must run after JWT.
func RBAC(allowed ...string) gin.HandlerFunc {
	allowSelf := false
	roles := make([]string, 0, len(allowed))
	for _, a := range allowed {
		if a == SelfRole {
			allowSelf = true
			continue
		}
		roles = append(roles, a)
	}

	return func(c *gin.Context) {
		claims := Claims(c)
		if claims == nil {
			response.Error(c, appErrors.ErrUnauthorized)
			return
		}

		for _, role := range roles {
			if claims.HasRole(role) {
				c.Next()
				return
			}
		}

		if allowSelf {
			if targetID := c.Param("id"); targetID != "" && targetID == claims.Subject {
				c.Next()
				return
			}
		}

		response.Error(c, appErrors.ErrForbidden)
	}
}

// RequireRoles is a helper that accepts a list of roles.
func RequireRoles(roles ...models.UserRole) gin.HandlerFunc {
	allowed := make([]string, len(roles))
	for i, r := range roles {
		allowed[i] = string(r)
	}
	return RBAC(allowed...)
}


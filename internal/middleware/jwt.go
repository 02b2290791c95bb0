package middleware

import (
	"context"

	"github.com/gin-gonic/gin"

	"github.com/noah-isme/timetrack-api/internal/models"
	"github.com/noah-isme/timetrack-api/internal/service"
	appErrors "github.com/noah-isme/timetrack-api/pkg/errors"
	"github.com/noah-isme/timetrack-api/pkg/response"
)

const (
	// ContextUserKey is the gin context key storing JWT claims.
	ContextUserKey = "currentUser"
	// ContextTokenKey holds the raw bearer token of the request.
	ContextTokenKey = "accessToken"
)

type tokenValidator interface {
	ValidateToken(ctx context.Context, tokenString string) (*models.Claims, error)
}

// JWT protects routes by requiring a valid, non-revoked access token.
func JWT(tokens tokenValidator) gin.HandlerFunc {
	return func(c *gin.Context) {
		raw, err := service.ExtractBearerToken(c.GetHeader("Authorization"))
		if err != nil {
			response.Error(c, err)
			return
		}

		claims, err := tokens.ValidateToken(c.Request.Context(), raw)
		if err != nil {
			response.Error(c, err)
			return
		}
		if claims.TokenType != models.TokenTypeAccess {
			response.Error(c, appErrors.InvalidToken("expected access token"))
			return
		}

		c.Set(ContextUserKey, claims)
		c.Set(ContextTokenKey, raw)
		c.Next()
	}
}

// OptionalJWT attaches claims when a valid access token is present but never blocks.
func OptionalJWT(tokens tokenValidator) gin.HandlerFunc {
	return func(c *gin.Context) {
		raw, err := service.ExtractBearerToken(c.GetHeader("Authorization"))
		if err != nil {
			c.Next()
			return
		}
		claims, err := tokens.ValidateToken(c.Request.Context(), raw)
		if err == nil && claims.TokenType == models.TokenTypeAccess {
			c.Set(ContextUserKey, claims)
			c.Set(ContextTokenKey, raw)
		}
		c.Next()
	}
}

// Claims returns the claims stored by JWT, or nil.
func Claims(c *gin.Context) *models.Claims {
	value, exists := c.Get(ContextUserKey)
	if !exists {
		return nil
	}
	claims, _ := value.(*models.Claims)
	return claims
}

// AccessToken returns the raw bearer token stored by JWT.
func AccessToken(c *gin.Context) string {
	return c.GetString(ContextTokenKey)
}

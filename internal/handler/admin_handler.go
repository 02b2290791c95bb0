package handler

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/noah-isme/timetrack-api/internal/models"
	"github.com/noah-isme/timetrack-api/internal/validation"
	appErrors "github.com/noah-isme/timetrack-api/pkg/errors"
	"github.com/noah-isme/timetrack-api/pkg/response"
)

type accountAdminService interface {
	GetLoginStatistics(ctx context.Context, email string) (*models.LoginStatistics, error)
	UnlockAccount(ctx context.Context, userID string) error
}

// AdminHandler serves account security endpoints for administrators.
type AdminHandler struct {
	service accountAdminService
}

// NewAdminHandler constructs the handler.
func NewAdminHandler(svc accountAdminService) *AdminHandler {
	return &AdminHandler{service: svc}
}

// LoginAttempts godoc
// @Summary Recent login attempts for an email
// @Tags Admin
// @Produce json
// @Security BearerAuth
// @Param email query string true "Account email"
// @Success 200 {object} response.Envelope{data=models.LoginStatistics}
// @Failure 400 {object} response.Envelope
// @Failure 403 {object} response.Envelope
// @Router /admin/login-attempts [get]
func (h *AdminHandler) LoginAttempts(c *gin.Context) {
	email := c.Query("email")
	if !validation.ValidEmail(validation.NormalizeEmail(email)) {
		response.Error(c, appErrors.WithFields(appErrors.ErrValidation, appErrors.FieldError{Field: "email", Message: "must be a valid email address"}))
		return
	}

	stats, err := h.service.GetLoginStatistics(c.Request.Context(), email)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, stats)
}

// Unlock godoc
// @Summary Lift every active lockout of a user
// @Tags Admin
// @Produce json
// @Security BearerAuth
// @Param id path string true "User ID"
// @Success 200 {object} response.Envelope{data=models.MessageResponse}
// @Failure 403 {object} response.Envelope
// @Router /admin/users/{id}/unlock [post]
func (h *AdminHandler) Unlock(c *gin.Context) {
	userID := c.Param("id")
	if userID == "" {
		response.Error(c, appErrors.WithFields(appErrors.ErrValidation, appErrors.FieldError{Field: "id", Message: "is required"}))
		return
	}

	if err := h.service.UnlockAccount(c.Request.Context(), userID); err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, models.MessageResponse{Message: "Account unlocked."})
}

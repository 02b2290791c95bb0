package service

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/noah-isme/timetrack-api/internal/models"
	"github.com/noah-isme/timetrack-api/internal/ratelimit"
	"github.com/noah-isme/timetrack-api/internal/repository"
	"github.com/noah-isme/timetrack-api/internal/validation"
	"github.com/noah-isme/timetrack-api/pkg/clock"
	appErrors "github.com/noah-isme/timetrack-api/pkg/errors"
	"github.com/noah-isme/timetrack-api/pkg/hashing"
)

// LogoutMessage acknowledges a logout.
const LogoutMessage = "Logged out successfully."

type authUserRepository interface {
	FindByID(ctx context.Context, id string) (*models.User, error)
	Create(ctx context.Context, user *models.User) error
	UpdatePassword(ctx context.Context, id, passwordHash string, updatedAt time.Time) error
}

// AuthServiceParams groups constructor dependencies.
type AuthServiceParams struct {
	Users     authUserRepository
	Tokens    *TokenService
	Login     *LoginService
	Resets    *PasswordResetService
	Hasher    hashing.Hasher
	Limiter   rateLimiter
	Validator *validator.Validate
	Clock     clock.Clock
	Metrics   *MetricsService
	Security  *SecurityLogger
	Logger    *zap.Logger
}

// AuthService is the entry point used by the HTTP layer.
type AuthService struct {
	users     authUserRepository
	tokens    *TokenService
	login     *LoginService
	resets    *PasswordResetService
	hasher    hashing.Hasher
	limiter   rateLimiter
	validator *validator.Validate
	clock     clock.Clock
	metrics   *MetricsService
	security  *SecurityLogger
	logger    *zap.Logger
}

// NewAuthService constructs an AuthService instance.
func NewAuthService(params AuthServiceParams) *AuthService {
	validate := params.Validator
	if validate == nil {
		validate = validation.New()
	}
	logger := params.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &AuthService{
		users:     params.Users,
		tokens:    params.Tokens,
		login:     params.Login,
		resets:    params.Resets,
		hasher:    params.Hasher,
		limiter:   params.Limiter,
		validator: validate,
		clock:     clock.OrSystem(params.Clock),
		metrics:   params.Metrics,
		security:  params.Security,
		logger:    logger,
	}
}

// Register creates an account after the per-IP registration limit and
// password strength checks.
func (s *AuthService) Register(ctx context.Context, req models.RegisterRequest) (*models.UserInfo, error) {
	if err := s.allow(ratelimit.FamilyRegister, req.IP); err != nil {
		return nil, err
	}
	if req.Name != nil {
		trimmed := strings.TrimSpace(*req.Name)
		req.Name = &trimmed
		if trimmed == "" {
			req.Name = nil
		}
	}
	req.Email = strings.TrimSpace(req.Email)
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.FromValidation(err, "invalid registration payload")
	}

	passwordHash, err := s.hasher.Hash(ctx, req.Password)
	if err != nil {
		return nil, appErrors.Transient(err, "hash password")
	}

	now := s.clock.Now()
	user := &models.User{
		Name:         req.Name,
		Email:        validation.NormalizeEmail(req.Email),
		PasswordHash: passwordHash,
		Role:         models.RoleUser,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := s.users.Create(ctx, user); err != nil {
		if errors.Is(err, repository.ErrDuplicateEmail) {
			return nil, appErrors.Clone(appErrors.ErrEmailTaken, "")
		}
		return nil, appErrors.Transient(err, "create user")
	}

	s.security.Log(SecurityEvent{Type: EventUserRegistration, IP: req.IP, UserID: user.ID, Email: user.Email, Success: true})
	profile := user.Profile()
	return &profile, nil
}

// Login authenticates credentials through the login guard.
func (s *AuthService) Login(ctx context.Context, req models.LoginRequest) (*models.LoginResponse, error) {
	req.Email = strings.TrimSpace(req.Email)
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.FromValidation(err, "invalid login payload")
	}
	return s.login.Login(ctx, req)
}

// Refresh rotates a refresh token into a new pair, subject to the per-user
// refresh limit.
func (s *AuthService) Refresh(ctx context.Context, req models.RefreshTokenRequest) (*models.TokenPair, error) {
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.FromValidation(err, "invalid refresh payload")
	}
	claims, err := s.tokens.DecodeWithoutValidation(req.RefreshToken)
	if err != nil {
		return nil, err
	}
	if err := s.allow(ratelimit.FamilyRefresh, claims.Subject); err != nil {
		return nil, err
	}
	return s.tokens.RefreshWithRotation(ctx, req.RefreshToken, claims.Subject)
}

// Logout blacklists the access token, revokes the refresh token when given
// and, with allDevices, every refresh token of the user.
func (s *AuthService) Logout(ctx context.Context, accessToken string, req models.LogoutRequest) (*models.MessageResponse, error) {
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.FromValidation(err, "invalid logout payload")
	}
	access, err := s.tokens.DecodeWithoutValidation(accessToken)
	if err != nil {
		return nil, err
	}
	if err := s.tokens.BlacklistToken(ctx, accessToken); err != nil {
		return nil, err
	}

	if req.RefreshToken != "" {
		refresh, err := s.tokens.DecodeWithoutValidation(req.RefreshToken)
		if err != nil {
			return nil, err
		}
		if refresh.Subject != access.Subject {
			return nil, appErrors.Clone(appErrors.ErrForbidden, "refresh token does not belong to user")
		}
		if err := s.tokens.RevokeRefreshToken(ctx, req.RefreshToken); err != nil {
			return nil, err
		}
	}

	if req.LogoutAllDevices {
		n, err := s.tokens.RevokeAllUserRefreshTokens(ctx, access.Subject)
		if err != nil {
			return nil, err
		}
		s.logger.Info("revoked all sessions", zap.String("user_id", access.Subject), zap.Int64("sessions", n))
	}

	s.security.Log(SecurityEvent{Type: EventLogout, UserID: access.Subject, Email: access.Email, Success: true})
	return &models.MessageResponse{Message: LogoutMessage}, nil
}

// ForgotPassword starts the reset flow. The response never reveals whether
// the address is registered.
func (s *AuthService) ForgotPassword(ctx context.Context, req models.ForgotPasswordRequest) (*models.MessageResponse, error) {
	return s.resets.ForgotPassword(ctx, req)
}

// ResetPassword completes the reset flow.
func (s *AuthService) ResetPassword(ctx context.Context, req models.ResetPasswordRequest) (*models.MessageResponse, error) {
	return s.resets.ResetPassword(ctx, req)
}

// ChangePassword replaces the password of an authenticated user and ends
// every other session.
func (s *AuthService) ChangePassword(ctx context.Context, userID string, req models.ChangePasswordRequest) (*models.MessageResponse, error) {
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.FromValidation(err, "invalid change password payload")
	}

	user, err := s.users.FindByID(ctx, userID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "user not found")
		}
		return nil, appErrors.Transient(err, "load user")
	}

	ok, err := s.hasher.Verify(ctx, req.CurrentPassword, user.PasswordHash)
	if err != nil {
		return nil, appErrors.Transient(err, "verify password")
	}
	if !ok {
		return nil, appErrors.WithFields(appErrors.ErrValidation, appErrors.FieldError{Field: "current_password", Message: "is incorrect"})
	}

	newHash, err := s.hasher.Hash(ctx, req.NewPassword)
	if err != nil {
		return nil, appErrors.Transient(err, "hash password")
	}
	if err := s.users.UpdatePassword(ctx, userID, newHash, s.clock.Now()); err != nil {
		return nil, appErrors.Transient(err, "update password")
	}
	if _, err := s.tokens.RevokeAllUserRefreshTokens(ctx, userID); err != nil {
		s.logger.Warn("failed to revoke refresh tokens after password change", zap.String("user_id", userID), zap.Error(err))
	}

	s.security.Log(SecurityEvent{Type: EventPasswordChanged, UserID: userID, Email: user.Email, Success: true})
	return &models.MessageResponse{Message: "Password changed successfully."}, nil
}

// Me returns the profile of the authenticated user.
func (s *AuthService) Me(ctx context.Context, userID string) (*models.UserInfo, error) {
	user, err := s.users.FindByID(ctx, userID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "user not found")
		}
		return nil, appErrors.Transient(err, "load user")
	}
	profile := user.Profile()
	return &profile, nil
}

func (s *AuthService) allow(family ratelimit.Family, subject string) error {
	if s.limiter == nil {
		return nil
	}
	d := s.limiter.Allow(family, subject)
	if d.Allowed {
		return nil
	}
	s.metrics.RecordRateLimited(string(family))
	event := SecurityEvent{Type: EventRateLimitExceeded, Details: string(family)}
	if family == ratelimit.FamilyRefresh {
		event.UserID = subject
	} else {
		event.IP = subject
	}
	s.security.Log(event)
	return appErrors.RateLimited(d.RetryAfter)
}

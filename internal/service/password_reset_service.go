package service

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/noah-isme/timetrack-api/internal/models"
	"github.com/noah-isme/timetrack-api/internal/ratelimit"
	"github.com/noah-isme/timetrack-api/internal/validation"
	"github.com/noah-isme/timetrack-api/pkg/clock"
	appErrors "github.com/noah-isme/timetrack-api/pkg/errors"
	"github.com/noah-isme/timetrack-api/pkg/hashing"
)

const (
	// ForgotPasswordMessage is returned for every forgot-password request.
	ForgotPasswordMessage = "If your email is registered, you will receive a password reset link shortly."
	// ResetPasswordMessage acknowledges a completed reset.
	ResetPasswordMessage = "Password has been reset successfully."
)

type resetUserStore interface {
	FindByEmail(ctx context.Context, email string) (*models.User, error)
}

type resetTokenStore interface {
	Create(ctx context.Context, token *models.PasswordResetToken) error
	ListValid(ctx context.Context, now time.Time) ([]models.PasswordResetToken, error)
	CountRecentByUser(ctx context.Context, userID string, since time.Time) (int, error)
	Consume(ctx context.Context, tokenID, userID, passwordHash string, now time.Time) (bool, error)
	DeleteExpired(ctx context.Context, now time.Time) (int64, error)
}

type sessionRevoker interface {
	RevokeAllUserRefreshTokens(ctx context.Context, userID string) (int64, error)
}

type resetNotifier interface {
	SendPasswordReset(ctx context.Context, to, token string, expiresAt time.Time) error
}

// PasswordResetConfig controls reset token issuance.
type PasswordResetConfig struct {
	TokenTTL           time.Duration
	MaxRequestsPerHour int
}

// PasswordResetServiceParams groups constructor dependencies.
type PasswordResetServiceParams struct {
	Config    PasswordResetConfig
	Users     resetUserStore
	Tokens    resetTokenStore
	Sessions  sessionRevoker
	Notifier  resetNotifier
	Hasher    hashing.Hasher
	Limiter   rateLimiter
	Validator *validator.Validate
	Clock     clock.Clock
	Metrics   *MetricsService
	Security  *SecurityLogger
	Logger    *zap.Logger
}

// PasswordResetService runs the forgot/reset password lifecycle.
type PasswordResetService struct {
	cfg       PasswordResetConfig
	users     resetUserStore
	tokens    resetTokenStore
	sessions  sessionRevoker
	notifier  resetNotifier
	hasher    hashing.Hasher
	limiter   rateLimiter
	validator *validator.Validate
	clock     clock.Clock
	metrics   *MetricsService
	security  *SecurityLogger
	logger    *zap.Logger
}

// NewPasswordResetService constructs the service.
func NewPasswordResetService(params PasswordResetServiceParams) *PasswordResetService {
	cfg := params.Config
	if cfg.TokenTTL <= 0 {
		cfg.TokenTTL = models.DefaultResetTokenTTL
	}
	if cfg.MaxRequestsPerHour <= 0 {
		cfg.MaxRequestsPerHour = 3
	}
	validate := params.Validator
	if validate == nil {
		validate = validation.New()
	}
	logger := params.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PasswordResetService{
		cfg:       cfg,
		users:     params.Users,
		tokens:    params.Tokens,
		sessions:  params.Sessions,
		notifier:  params.Notifier,
		hasher:    params.Hasher,
		limiter:   params.Limiter,
		validator: validate,
		clock:     clock.OrSystem(params.Clock),
		metrics:   params.Metrics,
		security:  params.Security,
		logger:    logger,
	}
}

// ForgotPassword issues a reset token when the address belongs to a user.
// The response is identical whether or not it does.
func (s *PasswordResetService) ForgotPassword(ctx context.Context, req models.ForgotPasswordRequest) (*models.MessageResponse, error) {
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.FromValidation(err, "invalid forgot password payload")
	}
	email := validation.NormalizeEmail(req.Email)
	ack := &models.MessageResponse{Message: ForgotPasswordMessage}

	if s.limiter != nil {
		if d := s.limiter.Allow(ratelimit.FamilyPasswordReset, email); !d.Allowed {
			s.metrics.RecordRateLimited(string(ratelimit.FamilyPasswordReset))
			s.security.Log(SecurityEvent{Type: EventPasswordResetAbuse, Email: email, Details: "per-email limit reached"})
			return ack, nil
		}
	}

	user, err := s.users.FindByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			s.burnHash(ctx)
			return ack, nil
		}
		return nil, appErrors.Transient(err, "find user")
	}

	now := s.clock.Now()
	recent, err := s.tokens.CountRecentByUser(ctx, user.ID, now.Add(-time.Hour))
	if err != nil {
		return nil, appErrors.Transient(err, "count reset requests")
	}
	if recent >= s.cfg.MaxRequestsPerHour {
		s.security.Log(SecurityEvent{Type: EventPasswordResetAbuse, UserID: user.ID, Email: email, Details: "per-user hourly limit reached"})
		return ack, nil
	}

	plain, err := models.GenerateSecureToken()
	if err != nil {
		return nil, appErrors.Internal(err, "generate reset token")
	}
	token, err := models.NewPasswordResetToken(ctx, user.ID, plain, s.hasher, now, s.cfg.TokenTTL)
	if err != nil {
		return nil, appErrors.Transient(err, "hash reset token")
	}
	if err := s.tokens.Create(ctx, token); err != nil {
		return nil, appErrors.Transient(err, "store reset token")
	}
	if err := s.notifier.SendPasswordReset(ctx, user.Email, plain, token.ExpiresAt); err != nil {
		s.logger.Error("failed to queue password reset email", zap.String("user_id", user.ID), zap.Error(err))
	}

	s.security.Log(SecurityEvent{Type: EventPasswordResetRequest, UserID: user.ID, Email: email, Success: true})
	return ack, nil
}

// burnHash spends one hash on the unknown-address path so both paths take
// comparable time.
func (s *PasswordResetService) burnHash(ctx context.Context) {
	if plain, err := models.GenerateSecureToken(); err == nil {
		_, _ = s.hasher.Hash(ctx, plain)
	}
}

// ResetPassword redeems a reset token and replaces the user's password.
// Every currently valid token is hash-compared against the candidate since
// only hashes are stored.
func (s *PasswordResetService) ResetPassword(ctx context.Context, req models.ResetPasswordRequest) (*models.MessageResponse, error) {
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.FromValidation(err, "invalid reset password payload")
	}
	now := s.clock.Now()

	candidates, err := s.tokens.ListValid(ctx, now)
	if err != nil {
		return nil, appErrors.Transient(err, "list reset tokens")
	}

	var match *models.PasswordResetToken
	for i := range candidates {
		token := &candidates[i]
		if !token.IsValid(now) {
			continue
		}
		ok, err := token.VerifyToken(ctx, req.Token, s.hasher)
		if err != nil {
			s.logger.Warn("reset token verification error", zap.String("token_id", token.ID), zap.Error(err))
			continue
		}
		if ok {
			match = token
			break
		}
	}
	if match == nil {
		return nil, appErrors.Clone(appErrors.ErrResetTokenInvalid, "")
	}

	passwordHash, err := s.hasher.Hash(ctx, req.Password)
	if err != nil {
		return nil, appErrors.Transient(err, "hash password")
	}
	consumed, err := s.tokens.Consume(ctx, match.ID, match.UserID, passwordHash, now)
	if err != nil {
		return nil, appErrors.Transient(err, "consume reset token")
	}
	if !consumed {
		return nil, appErrors.Clone(appErrors.ErrResetTokenInvalid, "")
	}

	if _, err := s.sessions.RevokeAllUserRefreshTokens(ctx, match.UserID); err != nil {
		s.logger.Warn("failed to revoke sessions after password reset", zap.String("user_id", match.UserID), zap.Error(err))
	}
	s.security.Log(SecurityEvent{Type: EventPasswordChanged, UserID: match.UserID, Success: true, Details: "password reset"})
	return &models.MessageResponse{Message: ResetPasswordMessage}, nil
}

// CleanupExpiredTokens purges expired reset tokens.
func (s *PasswordResetService) CleanupExpiredTokens(ctx context.Context) (int64, error) {
	n, err := s.tokens.DeleteExpired(ctx, s.clock.Now())
	if err != nil {
		return 0, appErrors.Transient(err, "cleanup reset tokens")
	}
	return n, nil
}

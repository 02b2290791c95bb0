package service

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/noah-isme/timetrack-api/internal/models"
	"github.com/noah-isme/timetrack-api/internal/ratelimit"
	"github.com/noah-isme/timetrack-api/internal/validation"
	"github.com/noah-isme/timetrack-api/pkg/clock"
	appErrors "github.com/noah-isme/timetrack-api/pkg/errors"
	"github.com/noah-isme/timetrack-api/pkg/hashing"
)

type loginUserStore interface {
	FindByEmail(ctx context.Context, email string) (*models.User, error)
	UpdateLastLogin(ctx context.Context, id string, ts time.Time) error
}

type loginAttemptStore interface {
	Create(ctx context.Context, attempt *models.LoginAttempt) error
	CountFailedByIP(ctx context.Context, ip string, since time.Time) (int, error)
	CountFailedByEmail(ctx context.Context, email string, since time.Time) (int, error)
	RecentByEmail(ctx context.Context, email string, limit int) ([]models.LoginAttempt, error)
	DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
	CreateLockout(ctx context.Context, lockout *models.AccountLockout) error
	ActiveLockout(ctx context.Context, userID string, now time.Time) (*models.AccountLockout, error)
	Unlock(ctx context.Context, userID string, at time.Time) (int64, error)
	ReleaseExpired(ctx context.Context, now time.Time) (int64, error)
}

type tokenIssuer interface {
	GenerateTokenPair(ctx context.Context, user *models.User) (*models.TokenPair, error)
}

type rateLimiter interface {
	Allow(family ratelimit.Family, subject string) ratelimit.Decision
}

// LoginConfig tunes the brute-force thresholds.
type LoginConfig struct {
	IPMaxFailures    int
	IPWindow         time.Duration
	LockoutThreshold int
	LockoutWindow    time.Duration
	LockoutDuration  time.Duration
	StatisticsLimit  int
}

// LoginServiceParams groups constructor dependencies.
type LoginServiceParams struct {
	Config   LoginConfig
	Users    loginUserStore
	Attempts loginAttemptStore
	Tokens   tokenIssuer
	Hasher   hashing.Hasher
	Limiter  rateLimiter
	Clock    clock.Clock
	Metrics  *MetricsService
	Security *SecurityLogger
	Logger   *zap.Logger
}

// LoginService guards the login flow with IP rate limiting, account lockout
// and an audit trail of every attempt.
type LoginService struct {
	cfg      LoginConfig
	users    loginUserStore
	attempts loginAttemptStore
	tokens   tokenIssuer
	hasher   hashing.Hasher
	limiter  rateLimiter
	clock    clock.Clock
	metrics  *MetricsService
	security *SecurityLogger
	logger   *zap.Logger
}

// NewLoginService constructs a LoginService with sane defaults.
func NewLoginService(params LoginServiceParams) *LoginService {
	cfg := params.Config
	if cfg.IPMaxFailures <= 0 {
		cfg.IPMaxFailures = 5
	}
	if cfg.IPWindow <= 0 {
		cfg.IPWindow = 15 * time.Minute
	}
	if cfg.LockoutThreshold <= 0 {
		cfg.LockoutThreshold = 10
	}
	if cfg.LockoutWindow <= 0 {
		cfg.LockoutWindow = time.Hour
	}
	if cfg.LockoutDuration <= 0 {
		cfg.LockoutDuration = 30 * time.Minute
	}
	if cfg.StatisticsLimit <= 0 {
		cfg.StatisticsLimit = 10
	}
	logger := params.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LoginService{
		cfg:      cfg,
		users:    params.Users,
		attempts: params.Attempts,
		tokens:   params.Tokens,
		hasher:   params.Hasher,
		limiter:  params.Limiter,
		clock:    clock.OrSystem(params.Clock),
		metrics:  params.Metrics,
		security: params.Security,
		logger:   logger,
	}
}

// Login authenticates req. Each branch writes one audit row; audit failures
// are logged and never change the result.
func (s *LoginService) Login(ctx context.Context, req models.LoginRequest) (*models.LoginResponse, error) {
	req.Email = validation.NormalizeEmail(req.Email)
	now := s.clock.Now()

	ipFailures, err := s.attempts.CountFailedByIP(ctx, req.IP, now.Add(-s.cfg.IPWindow))
	if err != nil {
		return nil, s.systemError(err, "count ip failures")
	}
	if ipFailures >= s.cfg.IPMaxFailures {
		retry := s.cfg.IPWindow
		if s.limiter != nil {
			if d := s.limiter.Allow(ratelimit.FamilyLogin, req.IP); !d.Allowed {
				retry = d.RetryAfter
			}
		}
		s.recordAttempt(ctx, req, nil, false, models.FailureIPRateLimited)
		s.metrics.RecordLogin(OutcomeRateLimited)
		s.metrics.RecordRateLimited(string(ratelimit.FamilyLogin))
		s.security.Log(SecurityEvent{Type: EventRateLimitExceeded, IP: req.IP, UserAgent: req.UserAgent, Email: req.Email, Details: models.FailureIPRateLimited})
		return nil, appErrors.RateLimited(retry)
	}

	user, err := s.users.FindByEmail(ctx, req.Email)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, s.rejectCredentials(ctx, req, nil, models.FailureInvalidCredentials)
		}
		return nil, s.systemError(err, "find user")
	}

	lockout, err := s.attempts.ActiveLockout(ctx, user.ID, now)
	if err != nil {
		return nil, s.systemError(err, "load lockout")
	}
	if lockout != nil && lockout.IsLocked(now) {
		s.recordAttempt(ctx, req, &user.ID, false, models.FailureAccountLocked)
		s.metrics.RecordLogin(OutcomeLocked)
		s.security.Log(SecurityEvent{Type: EventLoginFailed, IP: req.IP, UserAgent: req.UserAgent, UserID: user.ID, Email: req.Email, Details: models.FailureAccountLocked})
		return nil, appErrors.Locked(appErrors.ErrAccountLocked, lockout.LockedUntil, now)
	}

	ok, err := s.hasher.Verify(ctx, req.Password, user.PasswordHash)
	if err != nil {
		s.logger.Warn("password verification error", zap.String("user_id", user.ID), zap.Error(err))
		return nil, s.rejectCredentials(ctx, req, &user.ID, models.FailurePasswordVerification)
	}
	if !ok {
		return nil, s.handleInvalidPassword(ctx, req, user, now)
	}

	pair, err := s.tokens.GenerateTokenPair(ctx, user)
	if err != nil {
		s.recordAttempt(ctx, req, &user.ID, false, models.FailureTokenGeneration)
		s.metrics.RecordLogin(OutcomeSystemError)
		s.logger.Error("token generation failed", zap.String("user_id", user.ID), zap.Error(err))
		if appErrors.IsKind(err, appErrors.KindInternal) {
			return nil, err
		}
		return nil, appErrors.Internal(err, "generate token pair")
	}

	s.recordAttempt(ctx, req, &user.ID, true, "")
	if _, err := s.attempts.Unlock(ctx, user.ID, now); err != nil {
		s.logger.Warn("failed to clear lockout after login", zap.String("user_id", user.ID), zap.Error(err))
	}
	if err := s.users.UpdateLastLogin(ctx, user.ID, now); err != nil {
		s.logger.Warn("failed to update last login", zap.String("user_id", user.ID), zap.Error(err))
	}
	user.LastLogin = &now

	s.metrics.RecordLogin(OutcomeSuccess)
	s.security.Log(SecurityEvent{Type: EventLoginSuccess, IP: req.IP, UserAgent: req.UserAgent, UserID: user.ID, Email: req.Email, Success: true})

	return &models.LoginResponse{User: user.Profile(), Tokens: *pair}, nil
}

func (s *LoginService) handleInvalidPassword(ctx context.Context, req models.LoginRequest, user *models.User, now time.Time) error {
	prior, countErr := s.attempts.CountFailedByEmail(ctx, req.Email, now.Add(-s.cfg.LockoutWindow))
	s.recordAttempt(ctx, req, &user.ID, false, models.FailureInvalidPassword)
	s.trackFailure(req.IP)

	if countErr != nil {
		s.logger.Warn("failed to count email failures", zap.String("user_id", user.ID), zap.Error(countErr))
	} else if failures := prior + 1; failures >= s.cfg.LockoutThreshold {
		lockedUntil := now.Add(s.cfg.LockoutDuration)
		lockout := &models.AccountLockout{
			ID:             uuid.NewString(),
			UserID:         user.ID,
			FailedAttempts: failures,
			LockedAt:       now,
			LockedUntil:    lockedUntil,
		}
		if err := s.attempts.CreateLockout(ctx, lockout); err != nil {
			s.logger.Error("failed to create account lockout", zap.String("user_id", user.ID), zap.Error(err))
		}
		s.metrics.RecordLogin(OutcomeJustLocked)
		s.security.Log(SecurityEvent{Type: EventAccountLocked, IP: req.IP, UserAgent: req.UserAgent, UserID: user.ID, Email: req.Email, Details: "failed attempt threshold reached"})
		return appErrors.Locked(appErrors.ErrAccountJustLocked, lockedUntil, now)
	}

	s.metrics.RecordLogin(OutcomeInvalidCredentials)
	s.security.Log(SecurityEvent{Type: EventLoginFailed, IP: req.IP, UserAgent: req.UserAgent, UserID: user.ID, Email: req.Email, Details: models.FailureInvalidPassword})
	return appErrors.Clone(appErrors.ErrInvalidCredentials, "")
}

func (s *LoginService) rejectCredentials(ctx context.Context, req models.LoginRequest, userID *string, reason string) error {
	s.recordAttempt(ctx, req, userID, false, reason)
	s.trackFailure(req.IP)
	s.metrics.RecordLogin(OutcomeInvalidCredentials)
	event := SecurityEvent{Type: EventLoginFailed, IP: req.IP, UserAgent: req.UserAgent, Email: req.Email, Details: reason}
	if userID != nil {
		event.UserID = *userID
	}
	s.security.Log(event)
	return appErrors.Clone(appErrors.ErrInvalidCredentials, "")
}

func (s *LoginService) systemError(err error, reason string) error {
	s.metrics.RecordLogin(OutcomeSystemError)
	return appErrors.Transient(err, reason)
}

// trackFailure feeds the in-process login window so rate-limited callers get
// an accurate retry hint.
func (s *LoginService) trackFailure(ip string) {
	if s.limiter != nil {
		s.limiter.Allow(ratelimit.FamilyLogin, ip)
	}
}

func (s *LoginService) recordAttempt(ctx context.Context, req models.LoginRequest, userID *string, success bool, reason string) {
	attempt := &models.LoginAttempt{
		ID:        uuid.NewString(),
		IPAddress: req.IP,
		Email:     req.Email,
		UserID:    userID,
		Success:   success,
		CreatedAt: s.clock.Now(),
	}
	if reason != "" {
		attempt.FailureReason = &reason
	}
	if req.UserAgent != "" {
		ua := req.UserAgent
		attempt.UserAgent = &ua
	}
	if err := s.attempts.Create(ctx, attempt); err != nil {
		s.logger.Warn("failed to record login attempt", zap.String("email", req.Email), zap.Error(err))
	}
}

// GetLoginStatistics returns the most recent attempts for email together
// with the current failure count and lock state.
func (s *LoginService) GetLoginStatistics(ctx context.Context, email string) (*models.LoginStatistics, error) {
	email = validation.NormalizeEmail(email)
	now := s.clock.Now()

	attempts, err := s.attempts.RecentByEmail(ctx, email, s.cfg.StatisticsLimit)
	if err != nil {
		return nil, appErrors.Transient(err, "list login attempts")
	}
	failed, err := s.attempts.CountFailedByEmail(ctx, email, now.Add(-s.cfg.LockoutWindow))
	if err != nil {
		return nil, appErrors.Transient(err, "count email failures")
	}

	stats := &models.LoginStatistics{Email: email, Attempts: attempts, FailedLastHour: failed}
	if stats.Attempts == nil {
		stats.Attempts = []models.LoginAttempt{}
	}

	user, err := s.users.FindByEmail(ctx, email)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return stats, nil
	case err != nil:
		return nil, appErrors.Transient(err, "find user")
	}
	lockout, err := s.attempts.ActiveLockout(ctx, user.ID, now)
	if err != nil {
		return nil, appErrors.Transient(err, "load lockout")
	}
	if lockout != nil && lockout.IsLocked(now) {
		stats.Locked = true
		until := lockout.LockedUntil
		stats.LockedUntil = &until
	}
	return stats, nil
}

// UnlockAccount lifts every open lockout of userID.
func (s *LoginService) UnlockAccount(ctx context.Context, userID string) error {
	n, err := s.attempts.Unlock(ctx, userID, s.clock.Now())
	if err != nil {
		return appErrors.Transient(err, "unlock account")
	}
	s.security.Log(SecurityEvent{Type: EventAccountUnlocked, UserID: userID, Success: true})
	s.logger.Info("account unlocked", zap.String("user_id", userID), zap.Int64("lockouts", n))
	return nil
}

// CleanupOldLoginAttempts deletes attempts older than days.
func (s *LoginService) CleanupOldLoginAttempts(ctx context.Context, days int) (int64, error) {
	if days <= 0 {
		return 0, appErrors.WithFields(appErrors.ErrValidation, appErrors.FieldError{Field: "days", Message: "must be positive"})
	}
	cutoff := s.clock.Now().Add(-time.Duration(days) * 24 * time.Hour)
	n, err := s.attempts.DeleteOlderThan(ctx, cutoff)
	if err != nil {
		return 0, appErrors.Transient(err, "cleanup login attempts")
	}
	return n, nil
}

// CleanupExpiredLockouts marks lapsed lockouts as released.
func (s *LoginService) CleanupExpiredLockouts(ctx context.Context) (int64, error) {
	n, err := s.attempts.ReleaseExpired(ctx, s.clock.Now())
	if err != nil {
		return 0, appErrors.Transient(err, "release expired lockouts")
	}
	return n, nil
}

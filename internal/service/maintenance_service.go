package service

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/noah-isme/timetrack-api/pkg/jobs"
)

// JobTypeMaintenance identifies the periodic cleanup job.
const JobTypeMaintenance = "auth_maintenance"

type tokenJanitor interface {
	CleanupExpiredBlacklistedTokens(ctx context.Context) (int64, error)
	CleanupExpiredRefreshTokens(ctx context.Context) (int64, error)
}

type loginJanitor interface {
	CleanupOldLoginAttempts(ctx context.Context, days int) (int64, error)
	CleanupExpiredLockouts(ctx context.Context) (int64, error)
}

type resetJanitor interface {
	CleanupExpiredTokens(ctx context.Context) (int64, error)
}

type limiterJanitor interface {
	Cleanup() int
}

// MaintenanceService prunes expired security state. Every task is
// idempotent and safe to run alongside live traffic.
type MaintenanceService struct {
	tokens        tokenJanitor
	logins        loginJanitor
	resets        resetJanitor
	limiter       limiterJanitor
	retentionDays int
	metrics       *MetricsService
	logger        *zap.Logger
}

// NewMaintenanceService constructs the service. retentionDays bounds the
// login audit log.
func NewMaintenanceService(tokens tokenJanitor, logins loginJanitor, resets resetJanitor, limiter limiterJanitor, retentionDays int, metrics *MetricsService, logger *zap.Logger) *MaintenanceService {
	if retentionDays <= 0 {
		retentionDays = 30
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &MaintenanceService{
		tokens:        tokens,
		logins:        logins,
		resets:        resets,
		limiter:       limiter,
		retentionDays: retentionDays,
		metrics:       metrics,
		logger:        logger,
	}
}

// RunOnce executes every cleanup task. A failing task does not stop the others.
func (s *MaintenanceService) RunOnce(ctx context.Context) error {
	tasks := []struct {
		name string
		run  func(context.Context) (int64, error)
	}{
		{"blacklisted_tokens", s.tokens.CleanupExpiredBlacklistedTokens},
		{"refresh_tokens", s.tokens.CleanupExpiredRefreshTokens},
		{"login_attempts", func(ctx context.Context) (int64, error) {
			return s.logins.CleanupOldLoginAttempts(ctx, s.retentionDays)
		}},
		{"lockouts", s.logins.CleanupExpiredLockouts},
		{"password_reset_tokens", s.resets.CleanupExpiredTokens},
	}

	var errs []error
	for _, task := range tasks {
		n, err := task.run(ctx)
		if err != nil {
			s.logger.Error("maintenance task failed", zap.String("task", task.name), zap.Error(err))
			errs = append(errs, fmt.Errorf("%s: %w", task.name, err))
			continue
		}
		s.metrics.RecordMaintenance(task.name, n)
		s.logger.Debug("maintenance task finished", zap.String("task", task.name), zap.Int64("rows", n))
	}

	if s.limiter != nil {
		dropped := s.limiter.Cleanup()
		s.metrics.RecordMaintenance("rate_limit_keys", int64(dropped))
	}
	return errors.Join(errs...)
}

// Handle is the queue handler for maintenance jobs.
func (s *MaintenanceService) Handle(ctx context.Context, job jobs.Job) error {
	if job.Type != JobTypeMaintenance {
		s.logger.Warn("unknown maintenance job type", zap.String("job_id", job.ID), zap.String("type", job.Type))
		return nil
	}
	return s.RunOnce(ctx)
}

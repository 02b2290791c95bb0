package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jmoiron/sqlx"
	"github.com/redis/go-redis/v9"
	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"
	"go.uber.org/zap"

	_ "github.com/noah-isme/timetrack-api/api/swagger"
	"github.com/noah-isme/timetrack-api/internal/handler"
	"github.com/noah-isme/timetrack-api/internal/middleware"
	"github.com/noah-isme/timetrack-api/internal/ratelimit"
	"github.com/noah-isme/timetrack-api/internal/repository"
	"github.com/noah-isme/timetrack-api/internal/service"
	"github.com/noah-isme/timetrack-api/pkg/cache"
	"github.com/noah-isme/timetrack-api/pkg/clock"
	"github.com/noah-isme/timetrack-api/pkg/config"
	"github.com/noah-isme/timetrack-api/pkg/database"
	"github.com/noah-isme/timetrack-api/pkg/hashing"
	"github.com/noah-isme/timetrack-api/pkg/jobs"
	"github.com/noah-isme/timetrack-api/pkg/logger"
	reqidmiddleware "github.com/noah-isme/timetrack-api/pkg/middleware/requestid"
	"github.com/noah-isme/timetrack-api/pkg/observability"
)

// @title TimeTrack API
// @version 1.0.0
// @description Authentication and session security for the TimeTrack backend
// @BasePath /api/v1
// @schemes http https
// @securityDefinitions.apikey BearerAuth
// @in header
// @name Authorization

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	logr, err := logger.New(cfg)
	if err != nil {
		log.Fatalf("failed to init logger: %v", err)
	}
	defer logr.Sync() //nolint:errcheck

	if err := observability.InitSentry(cfg.Sentry.DSN, cfg.Env); err != nil {
		logr.Warn("sentry disabled", zap.Error(err))
	}
	defer observability.FlushSentry()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := database.NewPostgres(cfg.Database)
	if err != nil {
		logr.Fatal("failed to connect database", zap.Error(err))
	}
	defer db.Close()

	redisClient, err := cache.NewRedis(ctx, cfg.Redis)
	if err != nil {
		logr.Warn("redis unavailable, blacklist cache disabled", zap.Error(err))
		redisClient = nil
	}
	if redisClient != nil {
		defer redisClient.Close()
	}

	if err := run(ctx, cfg, logr, db, redisClient); err != nil {
		logr.Fatal("server failed", zap.Error(err))
	}
}

func run(ctx context.Context, cfg *config.Config, logr *zap.Logger, db *sqlx.DB, redisClient *redis.Client) error {
	sysClock := clock.System()

	limiter := ratelimit.NewLimiter(
		ratelimit.NewMemoryStore(cfg.RateLimit.Shards, sysClock),
		ratelimit.PoliciesFromConfig(cfg.RateLimit),
		cfg.RateLimit.Horizon,
	)
	metrics := service.NewMetricsService(func() float64 { return float64(limiter.Len()) })
	security := service.NewSecurityLogger(logger.NewSecurity(logr, cfg.Log))

	hashCfg := hashing.DefaultConfig()
	hashCfg.Memory = cfg.Hash.MemoryKB
	hashCfg.Time = cfg.Hash.Time
	hashCfg.Parallelism = cfg.Hash.Parallelism
	hashCfg.MaxConcurrent = cfg.Hash.MaxConcurrency
	argon, err := hashing.NewArgon2(hashCfg)
	if err != nil {
		return fmt.Errorf("configure argon2: %w", err)
	}
	hasher := metrics.InstrumentHasher(argon)

	userRepo := repository.NewUserRepository(db)
	refreshRepo := repository.NewRefreshTokenRepository(db)
	blacklistRepo := repository.NewBlacklistRepository(db)
	attemptRepo := repository.NewLoginAttemptRepository(db)
	resetRepo := repository.NewPasswordResetRepository(db)
	cacheRepo := repository.NewCacheRepository(redisClient)

	tokenSvc := service.NewTokenService(service.TokenServiceParams{
		Config: service.TokenConfig{
			Secret:     cfg.JWT.Secret,
			Issuer:     cfg.JWT.Issuer,
			AccessTTL:  cfg.JWT.AccessTTL,
			RefreshTTL: cfg.JWT.RefreshTTL,
		},
		RefreshTokens: refreshRepo,
		Blacklist:     blacklistRepo,
		Cache:         cacheRepo,
		Users:         userRepo,
		Hasher:        hasher,
		Clock:         sysClock,
		Metrics:       metrics,
		Security:      security,
		Logger:        logr,
	})

	loginSvc := service.NewLoginService(service.LoginServiceParams{
		Config: service.LoginConfig{
			IPMaxFailures:    cfg.Login.IPMaxFailures,
			IPWindow:         cfg.Login.IPWindow,
			LockoutThreshold: cfg.Login.LockoutThreshold,
			LockoutWindow:    cfg.Login.LockoutWindow,
			LockoutDuration:  cfg.Login.LockoutDuration,
			StatisticsLimit:  cfg.Login.StatisticsLimit,
		},
		Users:    userRepo,
		Attempts: attemptRepo,
		Tokens:   tokenSvc,
		Hasher:   hasher,
		Limiter:  limiter,
		Clock:    sysClock,
		Metrics:  metrics,
		Security: security,
		Logger:   logr,
	})

	mailer := service.LogMailer{Logger: logr.Named("mail"), IncludeBody: cfg.Env != config.EnvProduction}
	var emailSvc *service.EmailService
	emailQueue := jobs.NewQueue("email", func(ctx context.Context, job jobs.Job) error {
		return emailSvc.Handle(ctx, job)
	}, jobs.QueueConfig{Workers: 2, BufferSize: 256, MaxRetries: 3, RetryDelay: 5 * time.Second, Logger: logr})
	emailSvc = service.NewEmailService(emailQueue, mailer, cfg.Reset.BaseURL, logr)

	resetSvc := service.NewPasswordResetService(service.PasswordResetServiceParams{
		Config: service.PasswordResetConfig{
			TokenTTL:           cfg.Reset.TokenTTL,
			MaxRequestsPerHour: cfg.Reset.MaxRequestsPerHour,
		},
		Users:    userRepo,
		Tokens:   resetRepo,
		Sessions: tokenSvc,
		Notifier: emailSvc,
		Hasher:   hasher,
		Limiter:  limiter,
		Clock:    sysClock,
		Metrics:  metrics,
		Security: security,
		Logger:   logr,
	})

	authSvc := service.NewAuthService(service.AuthServiceParams{
		Users:    userRepo,
		Tokens:   tokenSvc,
		Login:    loginSvc,
		Resets:   resetSvc,
		Hasher:   hasher,
		Limiter:  limiter,
		Clock:    sysClock,
		Metrics:  metrics,
		Security: security,
		Logger:   logr,
	})

	maintenanceSvc := service.NewMaintenanceService(tokenSvc, loginSvc, resetSvc, limiter, cfg.Login.AttemptRetention, metrics, logr)
	maintenanceQueue := jobs.NewQueue("maintenance", maintenanceSvc.Handle, jobs.QueueConfig{Workers: 1, BufferSize: 1, Logger: logr})
	scheduler := jobs.NewScheduler(maintenanceQueue, service.JobTypeMaintenance, cfg.Maintenance.Interval, logr)

	emailQueue.Start(ctx)
	defer emailQueue.Stop()
	if cfg.Maintenance.Enabled {
		maintenanceQueue.Start(ctx)
		defer maintenanceQueue.Stop()
		scheduler.Start(ctx, true)
		defer scheduler.Stop()
	}

	checks := map[string]handler.ReadinessCheck{"postgres": db.PingContext}
	if cacheRepo.Enabled() {
		checks["redis"] = cacheRepo.Ping
	}

	if cfg.Env == config.EnvProduction {
		gin.SetMode(gin.ReleaseMode)
	}
	r := gin.New()
	r.Use(observability.Recovery(logr))
	r.Use(reqidmiddleware.Middleware())
	r.Use(logger.GinMiddleware(logr))
	r.Use(middleware.Metrics(metrics))

	handler.Register(r, handler.Routes{
		Prefix:  cfg.APIPrefix,
		Auth:    handler.NewAuthHandler(authSvc),
		Admin:   handler.NewAdminHandler(loginSvc),
		Metrics: handler.NewMetricsHandler(metrics, checks, logr),
		JWT:     middleware.JWT(tokenSvc),
	})
	if cfg.Env != config.EnvProduction {
		r.GET("/docs/*any", ginSwagger.WrapHandler(swaggerFiles.Handler))
	}

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logr.Info("server starting", zap.String("addr", srv.Addr), zap.String("env", cfg.Env))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logr.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

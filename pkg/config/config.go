package config

import (
	"errors"
	"io/fs"
	"runtime"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

const (
	EnvDevelopment = "development"
	EnvProduction  = "production"
)

type Config struct {
	Env       string
	Port      int
	APIPrefix string

	Database    DatabaseConfig
	Redis       RedisConfig
	JWT         JWTConfig
	Login       LoginConfig
	RateLimit   RateLimitConfig
	Reset       PasswordResetConfig
	Hash        HashConfig
	Maintenance MaintenanceConfig
	Log         LogConfig
	Sentry      SentryConfig
}

type DatabaseConfig struct {
	Host         string
	Port         int
	User         string
	Password     string
	Name         string
	SSLMode      string
	MaxOpenConns int
	MaxIdleConns int
}

type RedisConfig struct {
	Enabled  bool
	Host     string
	Port     int
	Password string
	DB       int
}

type JWTConfig struct {
	Secret     string
	Issuer     string
	AccessTTL  time.Duration
	RefreshTTL time.Duration
}

// LoginConfig tunes brute-force defence on the login path.
type LoginConfig struct {
	IPMaxFailures    int
	IPWindow         time.Duration
	LockoutThreshold int
	LockoutWindow    time.Duration
	LockoutDuration  time.Duration
	StatisticsLimit  int
	AttemptRetention int
}

// RateLimitPolicy is a limit of Max events per Window.
type RateLimitPolicy struct {
	Max    int
	Window time.Duration
}

// RateLimitConfig groups the in-process limiter families.
type RateLimitConfig struct {
	Shards        int
	Horizon       time.Duration
	Register      RateLimitPolicy
	Login         RateLimitPolicy
	Refresh       RateLimitPolicy
	PasswordReset RateLimitPolicy
}

// PasswordResetConfig controls reset token lifetime and request throttling.
type PasswordResetConfig struct {
	TokenTTL           time.Duration
	MaxRequestsPerHour int
	BaseURL            string
}

// HashConfig tunes argon2id.
type HashConfig struct {
	MemoryKB       uint32
	Time           uint32
	Parallelism    uint8
	MaxConcurrency int
}

// MaintenanceConfig schedules periodic cleanup.
type MaintenanceConfig struct {
	Enabled  bool
	Interval time.Duration
}

type LogConfig struct {
	Level        string
	Format       string
	SecurityFile string
	MaxSizeMB    int
	MaxBackups   int
	MaxAgeDays   int
}

// SentryConfig enables error reporting when DSN is set.
type SentryConfig struct {
	DSN string
}

func Load() (*Config, error) {
	_ = godotenv.Load()

	v := viper.New()
	v.SetConfigFile(".env")
	v.SetConfigType("env")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !errors.Is(err, fs.ErrNotExist) {
			return nil, err
		}
	}

	cfg := &Config{}

	cfg.Env = v.GetString("ENV")
	cfg.Port = v.GetInt("PORT")
	cfg.APIPrefix = v.GetString("API_PREFIX")

	cfg.Database = DatabaseConfig{
		Host:         v.GetString("DB_HOST"),
		Port:         v.GetInt("DB_PORT"),
		User:         v.GetString("DB_USER"),
		Password:     v.GetString("DB_PASSWORD"),
		Name:         v.GetString("DB_NAME"),
		SSLMode:      v.GetString("DB_SSL_MODE"),
		MaxOpenConns: v.GetInt("DB_MAX_OPEN_CONNS"),
		MaxIdleConns: v.GetInt("DB_MAX_IDLE_CONNS"),
	}

	cfg.Redis = RedisConfig{
		Enabled:  v.GetBool("REDIS_ENABLED"),
		Host:     v.GetString("REDIS_HOST"),
		Port:     v.GetInt("REDIS_PORT"),
		Password: v.GetString("REDIS_PASSWORD"),
		DB:       v.GetInt("REDIS_DB"),
	}

	cfg.JWT = JWTConfig{
		Secret:     v.GetString("JWT_SECRET"),
		Issuer:     v.GetString("JWT_ISSUER"),
		AccessTTL:  parseDuration(v.GetString("JWT_ACCESS_TTL"), 15*time.Minute),
		RefreshTTL: parseDuration(v.GetString("JWT_REFRESH_TTL"), 7*24*time.Hour),
	}

	cfg.Login = LoginConfig{
		IPMaxFailures:    positiveInt(v.GetInt("LOGIN_IP_MAX_FAILURES"), 5),
		IPWindow:         parseDuration(v.GetString("LOGIN_IP_WINDOW"), 15*time.Minute),
		LockoutThreshold: positiveInt(v.GetInt("LOCKOUT_THRESHOLD"), 10),
		LockoutWindow:    parseDuration(v.GetString("LOCKOUT_WINDOW"), time.Hour),
		LockoutDuration:  parseDuration(v.GetString("LOCKOUT_DURATION"), 30*time.Minute),
		StatisticsLimit:  positiveInt(v.GetInt("LOGIN_STATISTICS_LIMIT"), 10),
		AttemptRetention: positiveInt(v.GetInt("LOGIN_ATTEMPT_RETENTION_DAYS"), 30),
	}

	cfg.RateLimit = RateLimitConfig{
		Shards:  positiveInt(v.GetInt("RATE_LIMIT_SHARDS"), 32),
		Horizon: parseDuration(v.GetString("RATE_LIMIT_HORIZON"), 2*time.Hour),
		Register: RateLimitPolicy{
			Max:    positiveInt(v.GetInt("RATE_LIMIT_REGISTER_MAX"), 5),
			Window: parseDuration(v.GetString("RATE_LIMIT_REGISTER_WINDOW"), time.Hour),
		},
		Login: RateLimitPolicy{
			Max:    cfg.Login.IPMaxFailures,
			Window: cfg.Login.IPWindow,
		},
		Refresh: RateLimitPolicy{
			Max:    positiveInt(v.GetInt("RATE_LIMIT_REFRESH_MAX"), 10),
			Window: parseDuration(v.GetString("RATE_LIMIT_REFRESH_WINDOW"), time.Minute),
		},
		PasswordReset: RateLimitPolicy{
			Max:    positiveInt(v.GetInt("RATE_LIMIT_RESET_MAX"), 3),
			Window: parseDuration(v.GetString("RATE_LIMIT_RESET_WINDOW"), time.Hour),
		},
	}

	cfg.Reset = PasswordResetConfig{
		TokenTTL:           parseDuration(v.GetString("PASSWORD_RESET_TTL"), time.Hour),
		MaxRequestsPerHour: positiveInt(v.GetInt("PASSWORD_RESET_MAX_PER_HOUR"), 3),
		BaseURL:            v.GetString("PASSWORD_RESET_BASE_URL"),
	}

	cfg.Hash = HashConfig{
		MemoryKB:       uint32(positiveInt(v.GetInt("HASH_MEMORY_KB"), 19*1024)),
		Time:           uint32(positiveInt(v.GetInt("HASH_TIME"), 2)),
		Parallelism:    uint8(positiveInt(v.GetInt("HASH_PARALLELISM"), 1)),
		MaxConcurrency: positiveInt(v.GetInt("HASH_MAX_CONCURRENCY"), runtime.NumCPU()),
	}

	cfg.Maintenance = MaintenanceConfig{
		Enabled:  v.GetBool("ENABLE_MAINTENANCE"),
		Interval: parseDuration(v.GetString("MAINTENANCE_INTERVAL"), time.Hour),
	}

	cfg.Log = LogConfig{
		Level:        v.GetString("LOG_LEVEL"),
		Format:       v.GetString("LOG_FORMAT"),
		SecurityFile: v.GetString("LOG_SECURITY_FILE"),
		MaxSizeMB:    positiveInt(v.GetInt("LOG_MAX_SIZE_MB"), 100),
		MaxBackups:   v.GetInt("LOG_MAX_BACKUPS"),
		MaxAgeDays:   v.GetInt("LOG_MAX_AGE_DAYS"),
	}

	cfg.Sentry = SentryConfig{DSN: v.GetString("SENTRY_DSN")}

	if cfg.Env == EnvProduction && (cfg.JWT.Secret == "" || cfg.JWT.Secret == devJWTSecret) {
		return nil, errors.New("JWT_SECRET must be set in production")
	}

	return cfg, nil
}

const devJWTSecret = "dev_secret"

func setDefaults(v *viper.Viper) {
	v.SetDefault("ENV", EnvDevelopment)
	v.SetDefault("PORT", 8080)
	v.SetDefault("API_PREFIX", "/api/v1")

	v.SetDefault("DB_HOST", "localhost")
	v.SetDefault("DB_PORT", 5432)
	v.SetDefault("DB_USER", "postgres")
	v.SetDefault("DB_PASSWORD", "postgres")
	v.SetDefault("DB_NAME", "timetrack")
	v.SetDefault("DB_SSL_MODE", "disable")
	v.SetDefault("DB_MAX_OPEN_CONNS", 10)
	v.SetDefault("DB_MAX_IDLE_CONNS", 5)

	v.SetDefault("REDIS_ENABLED", false)
	v.SetDefault("REDIS_HOST", "localhost")
	v.SetDefault("REDIS_PORT", 6379)
	v.SetDefault("REDIS_PASSWORD", "")
	v.SetDefault("REDIS_DB", 0)

	v.SetDefault("JWT_SECRET", devJWTSecret)
	v.SetDefault("JWT_ISSUER", "timetrack-api")
	v.SetDefault("JWT_ACCESS_TTL", "15m")
	v.SetDefault("JWT_REFRESH_TTL", "168h")

	v.SetDefault("LOGIN_IP_MAX_FAILURES", 5)
	v.SetDefault("LOGIN_IP_WINDOW", "15m")
	v.SetDefault("LOCKOUT_THRESHOLD", 10)
	v.SetDefault("LOCKOUT_WINDOW", "1h")
	v.SetDefault("LOCKOUT_DURATION", "30m")
	v.SetDefault("LOGIN_STATISTICS_LIMIT", 10)
	v.SetDefault("LOGIN_ATTEMPT_RETENTION_DAYS", 30)

	v.SetDefault("RATE_LIMIT_SHARDS", 32)
	v.SetDefault("RATE_LIMIT_HORIZON", "2h")
	v.SetDefault("RATE_LIMIT_REGISTER_MAX", 5)
	v.SetDefault("RATE_LIMIT_REGISTER_WINDOW", "1h")
	v.SetDefault("RATE_LIMIT_REFRESH_MAX", 10)
	v.SetDefault("RATE_LIMIT_REFRESH_WINDOW", "1m")
	v.SetDefault("RATE_LIMIT_RESET_MAX", 3)
	v.SetDefault("RATE_LIMIT_RESET_WINDOW", "1h")

	v.SetDefault("PASSWORD_RESET_TTL", "1h")
	v.SetDefault("PASSWORD_RESET_MAX_PER_HOUR", 3)
	v.SetDefault("PASSWORD_RESET_BASE_URL", "http://localhost:8000/reset-password")

	v.SetDefault("HASH_MEMORY_KB", 19*1024)
	v.SetDefault("HASH_TIME", 2)
	v.SetDefault("HASH_PARALLELISM", 1)
	v.SetDefault("HASH_MAX_CONCURRENCY", 0)

	v.SetDefault("ENABLE_MAINTENANCE", true)
	v.SetDefault("MAINTENANCE_INTERVAL", "1h")

	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("LOG_FORMAT", "json")
	v.SetDefault("LOG_SECURITY_FILE", "")
	v.SetDefault("LOG_MAX_SIZE_MB", 100)
	v.SetDefault("LOG_MAX_BACKUPS", 5)
	v.SetDefault("LOG_MAX_AGE_DAYS", 30)

	v.SetDefault("SENTRY_DSN", "")
}

func parseDuration(raw string, fallback time.Duration) time.Duration {
	if raw == "" {
		return fallback
	}

	d, err := time.ParseDuration(raw)
	if err != nil || d <= 0 {
		return fallback
	}

	return d
}

func positiveInt(value, fallback int) int {
	if value <= 0 {
		return fallback
	}
	return value
}

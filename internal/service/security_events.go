package service

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// SecurityEventType names an auditable security occurrence.
type SecurityEventType string

const (
	EventLoginSuccess         SecurityEventType = "login_success"
	EventLoginFailed          SecurityEventType = "login_failed"
	EventAccountLocked        SecurityEventType = "account_locked"
	EventAccountUnlocked      SecurityEventType = "account_unlocked"
	EventRateLimitExceeded    SecurityEventType = "rate_limit_exceeded"
	EventTokenRefreshed       SecurityEventType = "token_refreshed"
	EventTokenReplay          SecurityEventType = "token_manipulation_attempt"
	EventLogout               SecurityEventType = "logout_successful"
	EventUserRegistration     SecurityEventType = "user_registration"
	EventPasswordResetRequest SecurityEventType = "password_reset_requested"
	EventPasswordResetAbuse   SecurityEventType = "password_reset_abuse"
	EventPasswordChanged      SecurityEventType = "password_changed"
)

// Severity ranks security events.
type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityHigh     Severity = "high"
	SeverityMedium   Severity = "medium"
	SeverityLow      Severity = "low"
)

// SecurityEvent is a structured record written to the security log.
type SecurityEvent struct {
	Type      SecurityEventType
	IP        string
	UserAgent string
	UserID    string
	Email     string
	Success   bool
	Details   string
}

// Severity derives the event severity from its type and outcome.
func (e SecurityEvent) Severity() Severity {
	switch {
	case e.Type == EventAccountLocked:
		return SeverityHigh
	case e.Type == EventTokenReplay && !e.Success:
		return SeverityHigh
	case !e.Success && (e.Type == EventLoginFailed || e.Type == EventRateLimitExceeded || e.Type == EventPasswordResetAbuse):
		return SeverityHigh
	case e.Success && (e.Type == EventLoginSuccess || e.Type == EventPasswordChanged || e.Type == EventTokenRefreshed):
		return SeverityMedium
	case e.Success && (e.Type == EventUserRegistration || e.Type == EventLogout):
		return SeverityLow
	}
	return SeverityMedium
}

func (s Severity) level() zapcore.Level {
	switch s {
	case SeverityCritical:
		return zapcore.ErrorLevel
	case SeverityHigh:
		return zapcore.WarnLevel
	}
	return zapcore.InfoLevel
}

// SecurityLogger writes SecurityEvents through a dedicated zap logger.
type SecurityLogger struct {
	logger *zap.Logger
}

// NewSecurityLogger wraps logger. A nil logger discards events.
func NewSecurityLogger(logger *zap.Logger) *SecurityLogger {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SecurityLogger{logger: logger}
}

// Log emits the event at the level matching its severity.
func (l *SecurityLogger) Log(event SecurityEvent) {
	if l == nil {
		return
	}
	severity := event.Severity()
	ce := l.logger.Check(severity.level(), "security_event")
	if ce == nil {
		return
	}
	fields := []zap.Field{
		zap.String("event_type", string(event.Type)),
		zap.String("severity", string(severity)),
		zap.Bool("success", event.Success),
	}
	if event.IP != "" {
		fields = append(fields, zap.String("ip_address", event.IP))
	}
	if event.UserAgent != "" {
		fields = append(fields, zap.String("user_agent", event.UserAgent))
	}
	if event.UserID != "" {
		fields = append(fields, zap.String("user_id", event.UserID))
	}
	if event.Email != "" {
		fields = append(fields, zap.String("email", event.Email))
	}
	if event.Details != "" {
		fields = append(fields, zap.String("details", event.Details))
	}
	ce.Write(fields...)
}

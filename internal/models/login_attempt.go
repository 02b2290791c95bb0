package models

import "time"

// Login failure reasons written to the audit log.
const (
	FailureIPRateLimited        = "IP rate limit exceeded"
	FailureInvalidCredentials   = "Invalid credentials"
	FailureAccountLocked        = "Account locked"
	FailurePasswordVerification = "Password verification error"
	FailureInvalidPassword      = "Invalid password"
	FailureTokenGeneration      = "Token generation failed"
)

// LoginAttempt is one row of the login audit log.
type LoginAttempt struct {
	ID            string    `db:"id" json:"id"`
	IPAddress     string    `db:"ip_address" json:"ip_address"`
	Email         string    `db:"email" json:"email"`
	UserID        *string   `db:"user_id" json:"user_id,omitempty"`
	Success       bool      `db:"success" json:"success"`
	FailureReason *string   `db:"failure_reason" json:"failure_reason,omitempty"`
	UserAgent     *string   `db:"user_agent" json:"user_agent,omitempty"`
	CreatedAt     time.Time `db:"created_at" json:"created_at"`
}

// AccountLockout is a time-bounded lock on a user account.
type AccountLockout struct {
	ID             string     `db:"id" json:"id"`
	UserID         string     `db:"user_id" json:"user_id"`
	FailedAttempts int        `db:"failed_attempts" json:"failed_attempts"`
	LockedAt       time.Time  `db:"locked_at" json:"locked_at"`
	LockedUntil    time.Time  `db:"locked_until" json:"locked_until"`
	UnlockedAt     *time.Time `db:"unlocked_at" json:"unlocked_at,omitempty"`
}

// IsLocked reports whether the lockout is in force at now.
func (l *AccountLockout) IsLocked(now time.Time) bool {
	return l.UnlockedAt == nil && now.Before(l.LockedUntil)
}

// LoginStatistics summarises recent attempts for an email.
type LoginStatistics struct {
	Email          string         `json:"email"`
	Attempts       []LoginAttempt `json:"attempts"`
	FailedLastHour int            `json:"failed_last_hour"`
	Locked         bool           `json:"locked"`
	LockedUntil    *time.Time     `json:"locked_until,omitempty"`
}

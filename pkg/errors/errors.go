package errors

import (
	"errors"
	"fmt"
	"net/http"
	"time"
)

// Kind classifies an error for propagation and presentation.
type Kind string

const (
	KindInputValidation Kind = "input_validation"
	KindAuthentication  Kind = "authentication"
	KindAuthorization   Kind = "authorization"
	KindRateLimited     Kind = "rate_limited"
	KindLocked          Kind = "locked"
	KindNotFound        Kind = "not_found"
	KindConflict        Kind = "conflict"
	KindTransient       Kind = "transient"
	KindInternal        Kind = "internal"
)

// FieldError describes a single invalid input field.
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// Error represents a typed domain error with HTTP awareness.
// Only Code, Message, Status, Details, RetryAfter and LockedUntil are ever serialised;
// Reason and Err stay internal.
type Error struct {
	Kind        Kind         `json:"-"`
	Code        string       `json:"code"`
	Message     string       `json:"message"`
	Status      int          `json:"status"`
	Details     []FieldError `json:"details,omitempty"`
	RetryAfter  int64        `json:"retry_after,omitempty"`
	LockedUntil *time.Time   `json:"locked_until,omitempty"`
	Reason      string       `json:"-"`
	Err         error        `json:"-"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e == nil {
		return "<nil>"
	}
	msg := e.Message
	if e.Reason != "" {
		msg = fmt.Sprintf("%s (%s)", msg, e.Reason)
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

// Unwrap returns the wrapped error.
func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// Is reports whether target is an *Error with the same code, so that
// errors.Is(err, ErrExpiredToken) works on clones.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok || e == nil || t == nil {
		return false
	}
	return e.Code == t.Code
}

// New creates a new Error instance.
func New(kind Kind, code string, status int, message string) *Error {
	return &Error{Kind: kind, Code: code, Status: status, Message: message}
}

// Wrap attaches a cause to a copy of base.
func Wrap(err error, base *Error, message string) *Error {
	clone := Clone(base, message)
	clone.Err = err
	return clone
}

// Predefined errors for common scenarios.
var (
	ErrValidation         = New(KindInputValidation, "VALIDATION_ERROR", http.StatusBadRequest, "the provided data contains validation errors")
	ErrInvalidCredentials = New(KindAuthentication, "INVALID_CREDENTIALS", http.StatusUnauthorized, "invalid email or password")
	ErrUnauthorized       = New(KindAuthentication, "UNAUTHORIZED", http.StatusUnauthorized, "unauthorized")
	ErrExpiredToken       = New(KindAuthentication, "TOKEN_EXPIRED", http.StatusUnauthorized, "your session has expired, please log in again")
	ErrInvalidToken       = New(KindAuthentication, "TOKEN_INVALID", http.StatusUnauthorized, "invalid authentication token")
	ErrBlacklistedToken   = New(KindAuthentication, "TOKEN_REVOKED", http.StatusUnauthorized, "authentication token has been revoked")
	ErrMissingToken       = New(KindAuthentication, "TOKEN_MISSING", http.StatusUnauthorized, "authentication token is required")
	ErrInvalidClaims      = New(KindAuthentication, "INVALID_CLAIMS", http.StatusUnauthorized, "invalid authentication token")
	ErrResetTokenInvalid  = New(KindAuthentication, "PASSWORD_RESET_TOKEN_INVALID", http.StatusBadRequest, "password reset link is invalid or has already been used")
	ErrForbidden          = New(KindAuthorization, "FORBIDDEN", http.StatusForbidden, "you don't have permission to perform this action")
	ErrRateLimited        = New(KindRateLimited, "RATE_LIMIT_EXCEEDED", http.StatusTooManyRequests, "too many requests, please try again later")
	ErrAccountLocked      = New(KindLocked, "ACCOUNT_LOCKED", http.StatusLocked, "account is temporarily locked due to too many failed attempts")
	ErrAccountJustLocked  = New(KindLocked, "ACCOUNT_JUST_LOCKED", http.StatusLocked, "too many failed attempts, account has been temporarily locked")
	ErrNotFound           = New(KindNotFound, "NOT_FOUND", http.StatusNotFound, "resource not found")
	ErrConflict           = New(KindConflict, "CONFLICT", http.StatusConflict, "conflict")
	ErrEmailTaken         = New(KindConflict, "USER_ALREADY_EXISTS", http.StatusConflict, "an account with this email already exists")
	ErrTransient          = New(KindTransient, "SERVICE_UNAVAILABLE", http.StatusServiceUnavailable, "a temporary service issue occurred, please try again later")
	ErrTokenCreation      = New(KindInternal, "TOKEN_CREATION_FAILED", http.StatusInternalServerError, "an internal error occurred, please try again later")
	ErrInternal           = New(KindInternal, "INTERNAL_ERROR", http.StatusInternalServerError, "an internal error occurred, please try again later")
)

// FromError normalises any error into an *Error.
func FromError(err error) *Error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return Wrap(err, ErrInternal, "")
}

// Clone returns a copy of the error allowing for message overrides.
func Clone(err *Error, message string) *Error {
	if err == nil {
		return nil
	}
	clone := *err
	if message != "" {
		clone.Message = message
	}
	if err.Details != nil {
		clone.Details = append([]FieldError(nil), err.Details...)
	}
	return &clone
}

// InvalidToken returns a TOKEN_INVALID error carrying an internal reason.
func InvalidToken(reason string) *Error {
	e := Clone(ErrInvalidToken, "")
	e.Reason = reason
	return e
}

// InvalidClaims returns an INVALID_CLAIMS error carrying an internal reason.
func InvalidClaims(reason string) *Error {
	e := Clone(ErrInvalidClaims, "")
	e.Reason = reason
	return e
}

// TokenCreation wraps a signing or persistence failure during token issuance.
func TokenCreation(err error, reason string) *Error {
	e := Wrap(err, ErrTokenCreation, "")
	e.Reason = reason
	return e
}

// Transient wraps a database or hashing-library failure.
func Transient(err error, reason string) *Error {
	e := Wrap(err, ErrTransient, "")
	e.Reason = reason
	return e
}

// Internal wraps an unexpected failure.
func Internal(err error, reason string) *Error {
	e := Wrap(err, ErrInternal, "")
	e.Reason = reason
	return e
}

// RateLimited returns a rate-limit error with a retry hint rounded up to whole seconds.
func RateLimited(retryAfter time.Duration) *Error {
	e := Clone(ErrRateLimited, "")
	e.RetryAfter = ceilSeconds(retryAfter)
	return e
}

// Locked returns a lockout error surfacing when the lock lifts.
func Locked(base *Error, lockedUntil, now time.Time) *Error {
	e := Clone(base, "")
	until := lockedUntil.UTC()
	e.LockedUntil = &until
	e.RetryAfter = ceilSeconds(lockedUntil.Sub(now))
	return e
}

// WithFields returns a copy of base carrying field-level details.
func WithFields(base *Error, fields ...FieldError) *Error {
	e := Clone(base, "")
	e.Details = append(e.Details, fields...)
	return e
}

func ceilSeconds(d time.Duration) int64 {
	if d <= 0 {
		return 1
	}
	secs := int64(d / time.Second)
	if d%time.Second != 0 {
		secs++
	}
	return secs
}

package errors

import (
	"errors"
	"net/http"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap/zapcore"
)

// Descriptor is the public face of an error plus how loudly to log it.
type Descriptor struct {
	Code       string
	Message    string
	Status     int
	Level      zapcore.Level
	Fields     []FieldError
	RetryAfter int64
}

var kindStatus = map[Kind]int{
	KindInputValidation: http.StatusBadRequest,
	KindAuthentication:  http.StatusUnauthorized,
	KindAuthorization:   http.StatusForbidden,
	KindRateLimited:     http.StatusTooManyRequests,
	KindLocked:          http.StatusLocked,
	KindNotFound:        http.StatusNotFound,
	KindConflict:        http.StatusConflict,
	KindTransient:       http.StatusServiceUnavailable,
	KindInternal:        http.StatusInternalServerError,
}

// StatusFor returns the HTTP status associated with kind.
func StatusFor(kind Kind) int {
	if status, ok := kindStatus[kind]; ok {
		return status
	}
	return http.StatusInternalServerError
}

// LevelFor returns the log severity for an error.
// Transient and internal failures are errors, brute-force signals are warnings.
func LevelFor(e *Error) zapcore.Level {
	switch e.Kind {
	case KindTransient, KindInternal:
		return zapcore.ErrorLevel
	case KindRateLimited, KindLocked:
		return zapcore.WarnLevel
	}
	if e.Code == ErrInvalidCredentials.Code {
		return zapcore.WarnLevel
	}
	return zapcore.InfoLevel
}

// Describe maps any error to its public representation.
func Describe(err error) Descriptor {
	e := FromError(err)
	if e == nil {
		return Descriptor{Status: http.StatusOK, Level: zapcore.DebugLevel}
	}
	status := e.Status
	if status == 0 {
		status = StatusFor(e.Kind)
	}
	message := e.Message
	if message == "" {
		message = ErrInternal.Message
	}
	return Descriptor{
		Code:       e.Code,
		Message:    message,
		Status:     status,
		Level:      LevelFor(e),
		Fields:     e.Details,
		RetryAfter: e.RetryAfter,
	}
}

// IsKind reports whether err is an *Error of the given kind.
func IsKind(err error, kind Kind) bool {
	var e *Error
	return errors.As(err, &e) && e.Kind == kind
}

// FromValidation converts validator errors into a VALIDATION_ERROR with field details.
func FromValidation(err error, message string) *Error {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return Wrap(err, ErrValidation, message)
	}
	fields := make([]FieldError, 0, len(verrs))
	for _, fe := range verrs {
		fields = append(fields, FieldError{
			Field:   fe.Field(),
			Message: fieldMessage(fe),
		})
	}
	e := WithFields(ErrValidation, fields...)
	if message != "" {
		e.Message = message
	}
	e.Err = err
	return e
}

func fieldMessage(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "email":
		return "must be a valid email address"
	case "strongpassword":
		return "must be 8-128 characters with upper and lower case letters, a number and a special character, without common or repeated patterns"
	case "len":
		return "must be exactly " + fe.Param() + " characters"
	case "max":
		return "must not exceed " + fe.Param() + " characters"
	case "min":
		return "must be at least " + fe.Param() + " characters"
	case "alphanum":
		return "must contain only letters and numbers"
	case "jwt":
		return "must be a valid token"
	}
	return "is invalid"
}

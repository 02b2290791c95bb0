package validation

import (
	"errors"
	"reflect"
	"regexp"
	"strings"

	"github.com/go-playground/validator/v10"
)

var (
	ErrPasswordTooShort   = errors.New("password must be at least 8 characters long")
	ErrPasswordTooLong    = errors.New("password must not exceed 128 characters")
	ErrPasswordCommon     = errors.New("password contains common patterns and is not secure")
	ErrPasswordComplexity = errors.New("password must contain an uppercase letter, a lowercase letter, a number and one of @$!%*?&")
	ErrPasswordPattern    = errors.New("password must not contain sequential or repeated characters")
)

const passwordSpecials = "@$!%*?&"

var commonPasswords = []string{
	"password", "123456", "123456789", "12345678", "12345", "1234567", "password123",
	"admin", "qwerty", "letmein", "welcome", "monkey", "dragon", "master", "654321",
	"111111", "123123", "1234567890", "iloveyou",
}

var emailPattern = regexp.MustCompile(`^[a-zA-Z0-9._%+-]+@[a-zA-Z0-9.-]+\.[a-zA-Z]{2,}$`)

// New returns a validator with the auth-specific tags registered:
// email (stricter than the built-in), strongpassword and personname.
// Field errors are reported under the json key of the field.
func New() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(jsonFieldName)
	_ = v.RegisterValidation("email", func(fl validator.FieldLevel) bool {
		return ValidEmail(fl.Field().String())
	})
	_ = v.RegisterValidation("strongpassword", func(fl validator.FieldLevel) bool {
		return StrongPassword(fl.Field().String()) == nil
	})
	_ = v.RegisterValidation("personname", func(fl validator.FieldLevel) bool {
		return validName(fl.Field().String())
	})
	return v
}

func jsonFieldName(field reflect.StructField) string {
	name, _, _ := strings.Cut(field.Tag.Get("json"), ",")
	if name == "" || name == "-" {
		return field.Name
	}
	return name
}

// NormalizeEmail trims and lowercases an address for lookups and rate-limit keys.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// ValidEmail applies the address pattern plus length and dot-placement rules.
func ValidEmail(email string) bool {
	if email == "" || len(email) > 254 {
		return false
	}
	if !emailPattern.MatchString(email) {
		return false
	}
	return !strings.Contains(email, "..") && !strings.HasPrefix(email, ".") && !strings.HasSuffix(email, ".")
}

// StrongPassword returns the first rule the password breaks, or nil.
func StrongPassword(password string) error {
	if len(password) < 8 {
		return ErrPasswordTooShort
	}
	if len(password) > 128 {
		return ErrPasswordTooLong
	}

	lower := strings.ToLower(password)
	for _, common := range commonPasswords {
		if strings.Contains(lower, common) {
			return ErrPasswordCommon
		}
	}

	var hasLower, hasUpper, hasDigit, hasSpecial bool
	for _, r := range password {
		switch {
		case r >= 'a' && r <= 'z':
			hasLower = true
		case r >= 'A' && r <= 'Z':
			hasUpper = true
		case r >= '0' && r <= '9':
			hasDigit = true
		case strings.ContainsRune(passwordSpecials, r):
			hasSpecial = true
		}
	}
	if !hasLower || !hasUpper || !hasDigit || !hasSpecial {
		return ErrPasswordComplexity
	}

	if hasRun(password) {
		return ErrPasswordPattern
	}
	return nil
}

// hasRun reports three consecutive runes that are equal or step by one in either direction.
func hasRun(s string) bool {
	runes := []rune(s)
	for i := 2; i < len(runes); i++ {
		a, b, c := runes[i-2], runes[i-1], runes[i]
		switch {
		case a == b && b == c:
			return true
		case a+1 == b && b+1 == c:
			return true
		case a-1 == b && b-1 == c:
			return true
		}
	}
	return false
}

func validName(name string) bool {
	name = strings.TrimSpace(name)
	if name == "" || len(name) > 100 {
		return false
	}
	return !strings.ContainsAny(name, "<>&")
}

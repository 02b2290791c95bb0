package service

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/timetrack-api/internal/models"
	appErrors "github.com/noah-isme/timetrack-api/pkg/errors"
)

const testPassword = "Str0ng!Pass1"

func loginReq(email, password, ip string) models.LoginRequest {
	return models.LoginRequest{Email: email, Password: password, IP: ip, UserAgent: "go-test"}
}

func TestLoginSuccessWritesAuditAndLastLogin(t *testing.T) {
	f := newAuthFixture(t)
	user := f.users.add("a@b.com", testPassword, models.RoleUser)

	resp, err := f.login.Login(context.Background(), loginReq("A@B.com ", testPassword, "10.0.0.1"))
	require.NoError(t, err)
	assert.Equal(t, user.ID, resp.User.ID)
	assert.NotEmpty(t, resp.Tokens.AccessToken)
	require.NotNil(t, resp.User.LastLogin)
	assert.Equal(t, testNow, *resp.User.LastLogin)
	assert.Equal(t, testNow, f.users.login[user.ID])

	attempt := f.attempts.last()
	assert.True(t, attempt.Success)
	assert.Equal(t, "a@b.com", attempt.Email)
	assert.Equal(t, user.ID, *attempt.UserID)
	assert.Equal(t, "go-test", *attempt.UserAgent)
	assert.Nil(t, attempt.FailureReason)
}

func TestLoginUnknownEmailIndistinguishableFromWrongPassword(t *testing.T) {
	f := newAuthFixture(t)
	f.users.add("a@b.com", testPassword, models.RoleUser)
	ctx := context.Background()

	_, unknownErr := f.login.Login(ctx, loginReq("ghost@b.com", testPassword, "10.0.0.1"))
	_, wrongErr := f.login.Login(ctx, loginReq("a@b.com", "Wr0ng!Pass9", "10.0.0.2"))

	unknown := appErrors.Describe(unknownErr)
	wrong := appErrors.Describe(wrongErr)
	assert.Equal(t, wrong.Code, unknown.Code)
	assert.Equal(t, wrong.Message, unknown.Message)
	assert.Equal(t, wrong.Status, unknown.Status)
	assert.Equal(t, appErrors.ErrInvalidCredentials.Code, unknown.Code)

	reasons := []string{}
	for _, a := range f.attempts.all() {
		reasons = append(reasons, *a.FailureReason)
	}
	assert.Equal(t, []string{models.FailureInvalidCredentials, models.FailureInvalidPassword}, reasons)
}

func TestLoginIPRateLimitScopedToIP(t *testing.T) {
	f := newAuthFixture(t)
	f.users.add("a@b.com", testPassword, models.RoleUser)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_, err := f.login.Login(ctx, loginReq("a@b.com", "Wr0ng!Pass9", "203.0.113.7"))
		require.ErrorIs(t, err, appErrors.ErrInvalidCredentials)
		f.clock.Advance(time.Minute)
	}

	_, err := f.login.Login(ctx, loginReq("a@b.com", testPassword, "203.0.113.7"))
	require.Error(t, err)
	assert.True(t, appErrors.IsKind(err, appErrors.KindRateLimited))
	desc := appErrors.Describe(err)
	assert.Equal(t, int64(10*60), desc.RetryAfter)
	assert.Equal(t, models.FailureIPRateLimited, *f.attempts.last().FailureReason)

	resp, err := f.login.Login(ctx, loginReq("a@b.com", testPassword, "198.51.100.9"))
	require.NoError(t, err)
	assert.NotEmpty(t, resp.Tokens.RefreshToken)
}

func TestLoginIPRateLimitExpiresWithWindow(t *testing.T) {
	f := newAuthFixture(t)
	f.users.add("a@b.com", testPassword, models.RoleUser)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_, _ = f.login.Login(ctx, loginReq("ghost@b.com", testPassword, "203.0.113.7"))
	}
	_, err := f.login.Login(ctx, loginReq("a@b.com", testPassword, "203.0.113.7"))
	require.True(t, appErrors.IsKind(err, appErrors.KindRateLimited))

	f.clock.Advance(16 * time.Minute)
	_, err = f.login.Login(ctx, loginReq("a@b.com", testPassword, "203.0.113.7"))
	assert.NoError(t, err)
}

func lockAccount(t *testing.T, f *authFixture, email string) error {
	t.Helper()
	var err error
	for i := 0; i < 10; i++ {
		_, err = f.login.Login(context.Background(), loginReq(email, "Wr0ng!Pass9", fmt.Sprintf("10.0.1.%d", i)))
		require.Error(t, err)
		if i < 9 {
			require.ErrorIs(t, err, appErrors.ErrInvalidCredentials, "attempt %d", i+1)
		}
	}
	return err
}

func TestLoginLocksAccountOnTenthFailure(t *testing.T) {
	f := newAuthFixture(t)
	user := f.users.add("a@b.com", testPassword, models.RoleUser)
	ctx := context.Background()

	err := lockAccount(t, f, "a@b.com")
	assert.ErrorIs(t, err, appErrors.ErrAccountJustLocked)
	desc := appErrors.Describe(err)
	assert.Equal(t, 423, desc.Status)
	assert.Equal(t, int64(30*60), desc.RetryAfter)

	rows := f.attempts.lockoutRows()
	require.Len(t, rows, 1)
	assert.Equal(t, user.ID, rows[0].UserID)
	assert.Equal(t, 10, rows[0].FailedAttempts)
	assert.Equal(t, testNow.Add(30*time.Minute), rows[0].LockedUntil)

	f.clock.Advance(5 * time.Minute)
	_, err = f.login.Login(ctx, loginReq("a@b.com", testPassword, "192.0.2.50"))
	require.ErrorIs(t, err, appErrors.ErrAccountLocked)
	var appErr *appErrors.Error
	require.True(t, errors.As(err, &appErr))
	require.NotNil(t, appErr.LockedUntil)
	assert.Equal(t, testNow.Add(30*time.Minute), *appErr.LockedUntil)
	assert.Equal(t, models.FailureAccountLocked, *f.attempts.last().FailureReason)

	require.NoError(t, f.login.UnlockAccount(ctx, user.ID))
	_, err = f.login.Login(ctx, loginReq("a@b.com", testPassword, "192.0.2.50"))
	assert.NoError(t, err)
}

func TestLoginAfterLockoutExpiryClearsLockout(t *testing.T) {
	f := newAuthFixture(t)
	f.users.add("a@b.com", testPassword, models.RoleUser)
	ctx := context.Background()

	require.ErrorIs(t, lockAccount(t, f, "a@b.com"), appErrors.ErrAccountJustLocked)

	f.clock.Advance(31 * time.Minute)
	_, err := f.login.Login(ctx, loginReq("a@b.com", testPassword, "192.0.2.50"))
	require.NoError(t, err)

	rows := f.attempts.lockoutRows()
	require.Len(t, rows, 1)
	require.NotNil(t, rows[0].UnlockedAt)
	assert.Equal(t, testNow.Add(31*time.Minute), *rows[0].UnlockedAt)
}

func TestLoginAuditFailureNeverMasksOutcome(t *testing.T) {
	f := newAuthFixture(t)
	f.users.add("a@b.com", testPassword, models.RoleUser)
	f.attempts.createErr = errors.New("audit table unavailable")
	ctx := context.Background()

	_, err := f.login.Login(ctx, loginReq("a@b.com", testPassword, "10.0.0.1"))
	assert.NoError(t, err)

	_, err = f.login.Login(ctx, loginReq("a@b.com", "Wr0ng!Pass9", "10.0.0.1"))
	assert.ErrorIs(t, err, appErrors.ErrInvalidCredentials)
}

func TestLoginHashLibraryErrorFoldsIntoInvalidCredentials(t *testing.T) {
	f := newAuthFixture(t)
	f.users.add("a@b.com", testPassword, models.RoleUser)
	f.hasher.verifyErr = errors.New("argon2: malformed hash")

	_, err := f.login.Login(context.Background(), loginReq("a@b.com", testPassword, "10.0.0.1"))
	assert.ErrorIs(t, err, appErrors.ErrInvalidCredentials)
	assert.Equal(t, models.FailurePasswordVerification, *f.attempts.last().FailureReason)
}

func TestLoginTokenGenerationFailureIsInternal(t *testing.T) {
	f := newAuthFixture(t)
	f.users.add("a@b.com", testPassword, models.RoleUser)
	f.refresh.createErr = errors.New("db down")

	_, err := f.login.Login(context.Background(), loginReq("a@b.com", testPassword, "10.0.0.1"))
	require.Error(t, err)
	assert.True(t, appErrors.IsKind(err, appErrors.KindInternal))
	assert.Equal(t, models.FailureTokenGeneration, *f.attempts.last().FailureReason)
}

func TestLoginStoreFailureIsTransient(t *testing.T) {
	f := newAuthFixture(t)
	f.attempts.countErr = errors.New("db down")

	_, err := f.login.Login(context.Background(), loginReq("a@b.com", testPassword, "10.0.0.1"))
	assert.True(t, appErrors.IsKind(err, appErrors.KindTransient))
}

func TestGetLoginStatistics(t *testing.T) {
	f := newAuthFixture(t)
	f.users.add("a@b.com", testPassword, models.RoleUser)
	ctx := context.Background()

	for i := 0; i < 12; i++ {
		_, _ = f.login.Login(ctx, loginReq("a@b.com", "Wr0ng!Pass9", fmt.Sprintf("10.0.2.%d", i)))
		f.clock.Advance(time.Second)
	}

	stats, err := f.login.GetLoginStatistics(ctx, "A@b.com")
	require.NoError(t, err)
	assert.Equal(t, "a@b.com", stats.Email)
	assert.Len(t, stats.Attempts, 10)
	assert.True(t, stats.Attempts[0].CreatedAt.After(stats.Attempts[9].CreatedAt))
	assert.Equal(t, 12, stats.FailedLastHour)
	assert.True(t, stats.Locked)
	require.NotNil(t, stats.LockedUntil)

	empty, err := f.login.GetLoginStatistics(ctx, "ghost@b.com")
	require.NoError(t, err)
	assert.Empty(t, empty.Attempts)
	assert.False(t, empty.Locked)
}

func TestLoginMaintenance(t *testing.T) {
	f := newAuthFixture(t)
	f.users.add("a@b.com", testPassword, models.RoleUser)
	ctx := context.Background()

	_, err := f.login.CleanupOldLoginAttempts(ctx, 0)
	assert.ErrorIs(t, err, appErrors.ErrValidation)

	require.ErrorIs(t, lockAccount(t, f, "a@b.com"), appErrors.ErrAccountJustLocked)

	released, err := f.login.CleanupExpiredLockouts(ctx)
	require.NoError(t, err)
	assert.Zero(t, released)

	f.clock.Advance(31 * 24 * time.Hour)
	released, err = f.login.CleanupExpiredLockouts(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), released)

	removed, err := f.login.CleanupOldLoginAttempts(ctx, 30)
	require.NoError(t, err)
	assert.Equal(t, int64(10), removed)
	assert.Empty(t, f.attempts.all())
}

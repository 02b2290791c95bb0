package service

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/timetrack-api/internal/models"
	appErrors "github.com/noah-isme/timetrack-api/pkg/errors"
)

func forgot(t *testing.T, svc *PasswordResetService, email string) *models.MessageResponse {
	t.Helper()
	resp, err := svc.ForgotPassword(context.Background(), models.ForgotPasswordRequest{Email: email})
	require.NoError(t, err)
	return resp
}

func TestForgotPasswordSameResponseForUnknownEmail(t *testing.T) {
	f := newAuthFixture(t)
	user := f.users.add("a@b.com", testPassword, models.RoleUser)

	known := forgot(t, f.reset, "A@b.com")
	unknown := forgot(t, f.reset, "ghost@b.com")
	assert.Equal(t, known, unknown)
	assert.Equal(t, ForgotPasswordMessage, known.Message)

	tokens := f.resets.all()
	require.Len(t, tokens, 1)
	assert.Equal(t, user.ID, tokens[0].UserID)
	assert.Equal(t, testNow.Add(time.Hour), tokens[0].ExpiresAt)
	assert.False(t, tokens[0].Used)

	sent := f.notifier.messages()
	require.Len(t, sent, 1)
	assert.Equal(t, "a@b.com", sent[0].to)
	assert.Len(t, sent[0].token, models.ResetTokenLength)
	assert.Equal(t, "hash:"+sent[0].token, tokens[0].TokenHash)
}

func TestForgotPasswordRejectsMalformedEmail(t *testing.T) {
	f := newAuthFixture(t)

	_, err := f.reset.ForgotPassword(context.Background(), models.ForgotPasswordRequest{Email: "not-an-email"})
	require.ErrorIs(t, err, appErrors.ErrValidation)
	assert.Equal(t, "email", appErrors.Describe(err).Fields[0].Field)
}

func TestForgotPasswordPerUserCapIsSilent(t *testing.T) {
	f := newAuthFixture(t)
	f.users.add("a@b.com", testPassword, models.RoleUser)
	svc := NewPasswordResetService(PasswordResetServiceParams{
		Users:    f.users,
		Tokens:   f.resets,
		Sessions: f.tokens,
		Notifier: f.notifier,
		Hasher:   f.hasher,
		Clock:    f.clock,
	})

	for i := 0; i < 5; i++ {
		assert.Equal(t, ForgotPasswordMessage, forgot(t, svc, "a@b.com").Message)
		f.clock.Advance(time.Minute)
	}
	assert.Len(t, f.resets.all(), 3)
	assert.Len(t, f.notifier.messages(), 3)

	f.clock.Advance(time.Hour)
	forgot(t, svc, "a@b.com")
	assert.Len(t, f.resets.all(), 4)
}

func TestForgotPasswordLimiterIsSilent(t *testing.T) {
	f := newAuthFixture(t)

	for i := 0; i < 4; i++ {
		assert.Equal(t, ForgotPasswordMessage, forgot(t, f.reset, "ghost@b.com").Message)
	}
	d := f.limiter.Allow("reset", "GHOST@b.com")
	assert.False(t, d.Allowed)
}

func TestForgotPasswordNotifierFailureStillAcknowledges(t *testing.T) {
	f := newAuthFixture(t)
	f.users.add("a@b.com", testPassword, models.RoleUser)
	queue := &recordingQueue{err: errors.New("queue full")}
	svc := NewPasswordResetService(PasswordResetServiceParams{
		Users:    f.users,
		Tokens:   f.resets,
		Sessions: f.tokens,
		Notifier: NewEmailService(queue, nil, "https://app.example.com/reset", nil),
		Hasher:   f.hasher,
		Clock:    f.clock,
	})

	assert.Equal(t, ForgotPasswordMessage, forgot(t, svc, "a@b.com").Message)
	assert.Len(t, f.resets.all(), 1)
}

func issueResetToken(t *testing.T, f *authFixture, email string) string {
	t.Helper()
	before := len(f.notifier.messages())
	forgot(t, f.reset, email)
	sent := f.notifier.messages()
	require.Len(t, sent, before+1)
	return sent[len(sent)-1].token
}

func TestResetPasswordSingleUseAndRevokesSessions(t *testing.T) {
	f := newAuthFixture(t)
	user := f.users.add("a@b.com", testPassword, models.RoleUser)
	ctx := context.Background()

	session, err := f.tokens.GenerateTokenPair(ctx, user)
	require.NoError(t, err)

	token := issueResetToken(t, f, "a@b.com")
	f.clock.Advance(10 * time.Minute)

	resp, err := f.reset.ResetPassword(ctx, models.ResetPasswordRequest{Token: token, Password: "N3w!Secure#Pw"})
	require.NoError(t, err)
	assert.Equal(t, ResetPasswordMessage, resp.Message)
	assert.Equal(t, "hash:N3w!Secure#Pw", f.users.get(user.ID).PasswordHash)
	assert.True(t, f.resets.all()[0].Used)

	_, err = f.tokens.RefreshWithRotation(ctx, session.RefreshToken, user.ID)
	assert.ErrorIs(t, err, appErrors.ErrInvalidToken)

	_, err = f.reset.ResetPassword(ctx, models.ResetPasswordRequest{Token: token, Password: "An0ther!Secure#Pw"})
	assert.ErrorIs(t, err, appErrors.ErrResetTokenInvalid)
	assert.Equal(t, "hash:N3w!Secure#Pw", f.users.get(user.ID).PasswordHash)

	_, err = f.login.Login(ctx, loginReq("a@b.com", "N3w!Secure#Pw", "10.0.0.1"))
	assert.NoError(t, err)
}

func TestResetPasswordExpiredToken(t *testing.T) {
	f := newAuthFixture(t)
	user := f.users.add("a@b.com", testPassword, models.RoleUser)

	token := issueResetToken(t, f, "a@b.com")
	f.clock.Advance(time.Hour + time.Second)

	_, err := f.reset.ResetPassword(context.Background(), models.ResetPasswordRequest{Token: token, Password: "N3w!Secure#Pw"})
	assert.ErrorIs(t, err, appErrors.ErrResetTokenInvalid)
	assert.Equal(t, "hash:"+testPassword, f.users.get(user.ID).PasswordHash)
}

func TestResetPasswordPicksMatchingTokenAmongMany(t *testing.T) {
	f := newAuthFixture(t)
	alice := f.users.add("alice@b.com", testPassword, models.RoleUser)
	bob := f.users.add("bob@b.com", testPassword, models.RoleUser)

	issueResetToken(t, f, "alice@b.com")
	bobToken := issueResetToken(t, f, "bob@b.com")

	_, err := f.reset.ResetPassword(context.Background(), models.ResetPasswordRequest{Token: bobToken, Password: "N3w!Secure#Pw"})
	require.NoError(t, err)
	assert.Equal(t, "hash:N3w!Secure#Pw", f.users.get(bob.ID).PasswordHash)
	assert.Equal(t, "hash:"+testPassword, f.users.get(alice.ID).PasswordHash)
}

func TestResetPasswordUnknownToken(t *testing.T) {
	f := newAuthFixture(t)
	f.users.add("a@b.com", testPassword, models.RoleUser)
	issueResetToken(t, f, "a@b.com")

	_, err := f.reset.ResetPassword(context.Background(), models.ResetPasswordRequest{Token: strings.Repeat("Z", 64), Password: "N3w!Secure#Pw"})
	assert.ErrorIs(t, err, appErrors.ErrResetTokenInvalid)
	assert.False(t, f.resets.all()[0].Used)
}

func TestResetPasswordValidation(t *testing.T) {
	f := newAuthFixture(t)
	f.users.add("a@b.com", testPassword, models.RoleUser)
	token := issueResetToken(t, f, "a@b.com")
	ctx := context.Background()

	_, err := f.reset.ResetPassword(ctx, models.ResetPasswordRequest{Token: token, Password: "password"})
	require.ErrorIs(t, err, appErrors.ErrValidation)
	assert.Equal(t, "password", appErrors.Describe(err).Fields[0].Field)

	_, err = f.reset.ResetPassword(ctx, models.ResetPasswordRequest{Token: "short", Password: "N3w!Secure#Pw"})
	require.ErrorIs(t, err, appErrors.ErrValidation)
	assert.Equal(t, "token", appErrors.Describe(err).Fields[0].Field)

	assert.False(t, f.resets.all()[0].Used)
}

func TestCleanupExpiredResetTokens(t *testing.T) {
	f := newAuthFixture(t)
	f.users.add("a@b.com", testPassword, models.RoleUser)
	issueResetToken(t, f, "a@b.com")

	n, err := f.reset.CleanupExpiredTokens(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)

	f.clock.Advance(2 * time.Hour)
	n, err = f.reset.CleanupExpiredTokens(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	assert.Empty(t, f.resets.all())
}

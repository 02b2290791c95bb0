package repository

import (
	"context"
	"regexp"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/timetrack-api/internal/models"
)

func TestLoginAttemptCounts(t *testing.T) {
	db, mock, cleanup := newMock(t)
	defer cleanup()
	repo := NewLoginAttemptRepository(db)
	since := time.Now().Add(-15 * time.Minute)

	mock.ExpectQuery(regexp.QuoteMeta("WHERE ip_address = $1 AND success = FALSE AND created_at > $2")).
		WithArgs("10.0.0.1", since).WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(4))
	mock.ExpectQuery(regexp.QuoteMeta("WHERE email = $1 AND success = FALSE AND created_at > $2")).
		WithArgs("a@example.com", since).WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(9))

	ipCount, err := repo.CountFailedByIP(context.Background(), "10.0.0.1", since)
	require.NoError(t, err)
	assert.Equal(t, 4, ipCount)

	emailCount, err := repo.CountFailedByEmail(context.Background(), "a@example.com", since)
	require.NoError(t, err)
	assert.Equal(t, 9, emailCount)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestLoginAttemptCreateAndRecent(t *testing.T) {
	db, mock, cleanup := newMock(t)
	defer cleanup()
	repo := NewLoginAttemptRepository(db)
	now := time.Now()

	mock.ExpectExec("INSERT INTO login_attempts").WillReturnResult(sqlmock.NewResult(1, 1))
	reason := models.FailureInvalidPassword
	attempt := &models.LoginAttempt{IPAddress: "10.0.0.1", Email: "a@example.com", FailureReason: &reason, CreatedAt: now}
	require.NoError(t, repo.Create(context.Background(), attempt))
	assert.NotEmpty(t, attempt.ID)

	rows := sqlmock.NewRows([]string{"id", "ip_address", "email", "user_id", "success", "failure_reason", "user_agent", "created_at"}).
		AddRow("a1", "10.0.0.1", "a@example.com", nil, false, reason, nil, now)
	mock.ExpectQuery(regexp.QuoteMeta("ORDER BY created_at DESC LIMIT $2")).WithArgs("a@example.com", 10).WillReturnRows(rows)

	attempts, err := repo.RecentByEmail(context.Background(), "a@example.com", 10)
	require.NoError(t, err)
	require.Len(t, attempts, 1)
	require.NotNil(t, attempts[0].FailureReason)
	assert.Equal(t, reason, *attempts[0].FailureReason)
	assert.Nil(t, attempts[0].UserID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestLockoutLifecycle(t *testing.T) {
	db, mock, cleanup := newMock(t)
	defer cleanup()
	repo := NewLoginAttemptRepository(db)
	now := time.Now()

	mock.ExpectExec("INSERT INTO account_lockouts").WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectQuery(regexp.QuoteMeta("FROM account_lockouts WHERE user_id = $1 AND unlocked_at IS NULL AND locked_until > $2")).
		WithArgs("u1", now).
		WillReturnRows(sqlmock.NewRows([]string{"id", "user_id", "failed_attempts", "locked_at", "locked_until", "unlocked_at"}).
			AddRow("l1", "u1", 10, now, now.Add(30*time.Minute), nil))
	mock.ExpectExec(regexp.QuoteMeta("UPDATE account_lockouts SET unlocked_at = $2 WHERE user_id = $1 AND unlocked_at IS NULL")).
		WithArgs("u1", now).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(regexp.QuoteMeta("FROM account_lockouts WHERE user_id = $1")).
		WithArgs("u1", now).
		WillReturnRows(sqlmock.NewRows([]string{"id"}))
	mock.ExpectExec(regexp.QuoteMeta("UPDATE account_lockouts SET unlocked_at = locked_until WHERE unlocked_at IS NULL AND locked_until <= $1")).
		WithArgs(now).WillReturnResult(sqlmock.NewResult(0, 2))

	require.NoError(t, repo.CreateLockout(context.Background(), &models.AccountLockout{UserID: "u1", FailedAttempts: 10, LockedAt: now, LockedUntil: now.Add(30 * time.Minute)}))

	lockout, err := repo.ActiveLockout(context.Background(), "u1", now)
	require.NoError(t, err)
	require.NotNil(t, lockout)
	assert.True(t, lockout.IsLocked(now))

	unlocked, err := repo.Unlock(context.Background(), "u1", now)
	require.NoError(t, err)
	assert.Equal(t, int64(1), unlocked)

	lockout, err = repo.ActiveLockout(context.Background(), "u1", now)
	require.NoError(t, err)
	assert.Nil(t, lockout)

	released, err := repo.ReleaseExpired(context.Background(), now)
	require.NoError(t, err)
	assert.Equal(t, int64(2), released)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestDeleteOldLoginAttempts(t *testing.T) {
	db, mock, cleanup := newMock(t)
	defer cleanup()
	repo := NewLoginAttemptRepository(db)
	cutoff := time.Now().AddDate(0, 0, -30)

	mock.ExpectExec(regexp.QuoteMeta("DELETE FROM login_attempts WHERE created_at < $1")).WithArgs(cutoff).
		WillReturnResult(sqlmock.NewResult(0, 12))

	deleted, err := repo.DeleteOlderThan(context.Background(), cutoff)
	require.NoError(t, err)
	assert.Equal(t, int64(12), deleted)
}

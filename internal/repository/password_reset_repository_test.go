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

const markResetUsedSQL = "UPDATE password_reset_tokens SET used = TRUE WHERE id = $1 AND used = FALSE AND expires_at > $2"

func TestPasswordResetCreateAndList(t *testing.T) {
	db, mock, cleanup := newMock(t)
	defer cleanup()
	repo := NewPasswordResetRepository(db)
	now := time.Now()

	mock.ExpectExec("INSERT INTO password_reset_tokens").WillReturnResult(sqlmock.NewResult(1, 1))
	rows := sqlmock.NewRows([]string{"id", "user_id", "token_hash", "expires_at", "used", "created_at"}).
		AddRow("t1", "u1", "h1", now.Add(time.Hour), false, now).
		AddRow("t2", "u2", "h2", now.Add(30*time.Minute), false, now.Add(-30*time.Minute))
	mock.ExpectQuery(regexp.QuoteMeta("WHERE used = FALSE AND expires_at > $1")).WithArgs(now).WillReturnRows(rows)
	mock.ExpectQuery(regexp.QuoteMeta("SELECT COUNT(*) FROM password_reset_tokens WHERE user_id = $1 AND created_at > $2")).
		WithArgs("u1", now.Add(-time.Hour)).WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(2))

	require.NoError(t, repo.Create(context.Background(), &models.PasswordResetToken{UserID: "u1", TokenHash: "h1", ExpiresAt: now.Add(time.Hour), CreatedAt: now}))

	tokens, err := repo.ListValid(context.Background(), now)
	require.NoError(t, err)
	assert.Len(t, tokens, 2)

	count, err := repo.CountRecentByUser(context.Background(), "u1", now.Add(-time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 2, count)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestConsumeUpdatesPasswordAtomically(t *testing.T) {
	db, mock, cleanup := newMock(t)
	defer cleanup()
	repo := NewPasswordResetRepository(db)
	now := time.Now()

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta(markResetUsedSQL)).WithArgs("t1", now).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta("UPDATE users SET password_hash = $2, updated_at = $3 WHERE id = $1")).
		WithArgs("u1", "newhash", now).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	consumed, err := repo.Consume(context.Background(), "t1", "u1", "newhash", now)
	require.NoError(t, err)
	assert.True(t, consumed)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestConsumeRejectsUsedToken(t *testing.T) {
	db, mock, cleanup := newMock(t)
	defer cleanup()
	repo := NewPasswordResetRepository(db)
	now := time.Now()

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta(markResetUsedSQL)).WithArgs("t1", now).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()

	consumed, err := repo.Consume(context.Background(), "t1", "u1", "newhash", now)
	require.NoError(t, err)
	assert.False(t, consumed)
	assert.NoError(t, mock.ExpectationsWereMet())
}

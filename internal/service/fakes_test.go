package service

import (
	"context"
	"database/sql"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/noah-isme/timetrack-api/internal/models"
	"github.com/noah-isme/timetrack-api/internal/ratelimit"
	"github.com/noah-isme/timetrack-api/internal/repository"
	"github.com/noah-isme/timetrack-api/pkg/clock"
	"github.com/noah-isme/timetrack-api/pkg/jobs"
)

var testNow = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

const testSecret = "test-secret-key"

// fakeHasher stores "hash:" + plaintext so tests stay fast and deterministic.
type fakeHasher struct {
	hashErr   error
	verifyErr error
}

func (h *fakeHasher) Hash(_ context.Context, plain string) (string, error) {
	if h.hashErr != nil {
		return "", h.hashErr
	}
	return "hash:" + plain, nil
}

func (h *fakeHasher) Verify(_ context.Context, plain, encoded string) (bool, error) {
	if h.verifyErr != nil {
		return false, h.verifyErr
	}
	return encoded == "hash:"+plain, nil
}

type memUsers struct {
	mu    sync.Mutex
	byID  map[string]*models.User
	err   error
	login map[string]time.Time
}

func newMemUsers() *memUsers {
	return &memUsers{byID: map[string]*models.User{}, login: map[string]time.Time{}}
}

func (m *memUsers) add(email, password string, role models.UserRole) *models.User {
	u := &models.User{ID: uuid.NewString(), Email: email, PasswordHash: "hash:" + password, Role: role, CreatedAt: testNow}
	m.mu.Lock()
	m.byID[u.ID] = u
	m.mu.Unlock()
	copied := *u
	return &copied
}

func (m *memUsers) get(id string) *models.User {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.byID[id]
	if !ok {
		return nil
	}
	copied := *u
	return &copied
}

func (m *memUsers) FindByEmail(_ context.Context, email string) (*models.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return nil, m.err
	}
	for _, u := range m.byID {
		if strings.EqualFold(u.Email, email) {
			copied := *u
			return &copied, nil
		}
	}
	return nil, sql.ErrNoRows
}

func (m *memUsers) FindByID(_ context.Context, id string) (*models.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return nil, m.err
	}
	u, ok := m.byID[id]
	if !ok {
		return nil, sql.ErrNoRows
	}
	copied := *u
	return &copied, nil
}

func (m *memUsers) Create(_ context.Context, user *models.User) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, u := range m.byID {
		if strings.EqualFold(u.Email, user.Email) {
			return repository.ErrDuplicateEmail
		}
	}
	if user.ID == "" {
		user.ID = uuid.NewString()
	}
	copied := *user
	m.byID[user.ID] = &copied
	return nil
}

func (m *memUsers) UpdateLastLogin(_ context.Context, id string, ts time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.login[id] = ts
	if u, ok := m.byID[id]; ok {
		u.LastLogin = &ts
	}
	return nil
}

func (m *memUsers) UpdatePassword(_ context.Context, id, passwordHash string, updatedAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.byID[id]
	if !ok {
		return sql.ErrNoRows
	}
	u.PasswordHash = passwordHash
	u.UpdatedAt = updatedAt
	return nil
}

type memRefresh struct {
	mu        sync.Mutex
	records   map[string]*models.RefreshTokenRecord
	createErr error
}

func newMemRefresh() *memRefresh {
	return &memRefresh{records: map[string]*models.RefreshTokenRecord{}}
}

func (m *memRefresh) get(jti string) *models.RefreshTokenRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.records[jti]
	if !ok {
		return nil
	}
	copied := *r
	return &copied
}

func (m *memRefresh) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.records)
}

func (m *memRefresh) Create(_ context.Context, record *models.RefreshTokenRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.createErr != nil {
		return m.createErr
	}
	copied := *record
	m.records[record.JTI] = &copied
	return nil
}

func (m *memRefresh) FindByJTI(_ context.Context, jti string) (*models.RefreshTokenRecord, error) {
	return m.get(jti), nil
}

func (m *memRefresh) TouchLastUsed(_ context.Context, jti string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if r, ok := m.records[jti]; ok {
		r.LastUsedAt = &at
	}
	return nil
}

func (m *memRefresh) Rotate(_ context.Context, oldJTI string, next *models.RefreshTokenRecord, revokedAt time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	old, ok := m.records[oldJTI]
	if !ok || old.RevokedAt != nil || !old.ExpiresAt.After(revokedAt) {
		return false, nil
	}
	old.RevokedAt = &revokedAt
	copied := *next
	m.records[next.JTI] = &copied
	return true, nil
}

func (m *memRefresh) Revoke(_ context.Context, jti string, at time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.records[jti]
	if !ok || r.RevokedAt != nil {
		return false, nil
	}
	r.RevokedAt = &at
	return true, nil
}

func (m *memRefresh) RevokeAllForUser(_ context.Context, userID string, at time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for _, r := range m.records {
		if r.UserID == userID && r.RevokedAt == nil {
			r.RevokedAt = &at
			n++
		}
	}
	return n, nil
}

func (m *memRefresh) DeleteExpired(_ context.Context, now time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for jti, r := range m.records {
		if !r.ExpiresAt.After(now) {
			delete(m.records, jti)
			n++
		}
	}
	return n, nil
}

type memBlacklist struct {
	mu        sync.Mutex
	entries   map[string]models.BlacklistedToken
	insertErr error
	existsErr error
}

func newMemBlacklist() *memBlacklist {
	return &memBlacklist{entries: map[string]models.BlacklistedToken{}}
}

func (m *memBlacklist) Insert(_ context.Context, token *models.BlacklistedToken) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.insertErr != nil {
		return m.insertErr
	}
	if _, ok := m.entries[token.JTI]; !ok {
		m.entries[token.JTI] = *token
	}
	return nil
}

func (m *memBlacklist) Exists(_ context.Context, jti string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.existsErr != nil {
		return false, m.existsErr
	}
	_, ok := m.entries[jti]
	return ok, nil
}

func (m *memBlacklist) DeleteExpired(_ context.Context, now time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for jti, e := range m.entries {
		if !e.ExpiresAt.After(now) {
			delete(m.entries, jti)
			n++
		}
	}
	return n, nil
}

type memAttempts struct {
	mu        sync.Mutex
	attempts  []models.LoginAttempt
	lockouts  []*models.AccountLockout
	createErr error
	countErr  error
}

func (m *memAttempts) Create(_ context.Context, attempt *models.LoginAttempt) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.createErr != nil {
		return m.createErr
	}
	m.attempts = append(m.attempts, *attempt)
	return nil
}

func (m *memAttempts) all() []models.LoginAttempt {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]models.LoginAttempt(nil), m.attempts...)
}

func (m *memAttempts) last() models.LoginAttempt {
	all := m.all()
	return all[len(all)-1]
}

func (m *memAttempts) CountFailedByIP(_ context.Context, ip string, since time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.countErr != nil {
		return 0, m.countErr
	}
	n := 0
	for _, a := range m.attempts {
		if a.IPAddress == ip && !a.Success && !a.CreatedAt.Before(since) {
			n++
		}
	}
	return n, nil
}

func (m *memAttempts) CountFailedByEmail(_ context.Context, email string, since time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, a := range m.attempts {
		if a.Email == email && !a.Success && !a.CreatedAt.Before(since) {
			n++
		}
	}
	return n, nil
}

func (m *memAttempts) RecentByEmail(_ context.Context, email string, limit int) ([]models.LoginAttempt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.LoginAttempt
	for _, a := range m.attempts {
		if a.Email == email {
			out = append(out, a)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *memAttempts) DeleteOlderThan(_ context.Context, cutoff time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	kept := m.attempts[:0]
	var n int64
	for _, a := range m.attempts {
		if a.CreatedAt.Before(cutoff) {
			n++
			continue
		}
		kept = append(kept, a)
	}
	m.attempts = kept
	return n, nil
}

func (m *memAttempts) CreateLockout(_ context.Context, lockout *models.AccountLockout) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	copied := *lockout
	m.lockouts = append(m.lockouts, &copied)
	return nil
}

func (m *memAttempts) ActiveLockout(_ context.Context, userID string, now time.Time) (*models.AccountLockout, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := len(m.lockouts) - 1; i >= 0; i-- {
		l := m.lockouts[i]
		if l.UserID == userID && l.UnlockedAt == nil && l.LockedUntil.After(now) {
			copied := *l
			return &copied, nil
		}
	}
	return nil, nil
}

func (m *memAttempts) Unlock(_ context.Context, userID string, at time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for _, l := range m.lockouts {
		if l.UserID == userID && l.UnlockedAt == nil {
			l.UnlockedAt = &at
			n++
		}
	}
	return n, nil
}

func (m *memAttempts) ReleaseExpired(_ context.Context, now time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for _, l := range m.lockouts {
		if l.UnlockedAt == nil && !l.LockedUntil.After(now) {
			until := l.LockedUntil
			l.UnlockedAt = &until
			n++
		}
	}
	return n, nil
}

func (m *memAttempts) lockoutRows() []models.AccountLockout {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]models.AccountLockout, 0, len(m.lockouts))
	for _, l := range m.lockouts {
		out = append(out, *l)
	}
	return out
}

type memResets struct {
	mu     sync.Mutex
	tokens []*models.PasswordResetToken
	users  *memUsers
}

func (m *memResets) Create(_ context.Context, token *models.PasswordResetToken) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	copied := *token
	m.tokens = append(m.tokens, &copied)
	return nil
}

func (m *memResets) ListValid(_ context.Context, now time.Time) ([]models.PasswordResetToken, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.PasswordResetToken
	for _, t := range m.tokens {
		if !t.Used && t.ExpiresAt.After(now) {
			out = append(out, *t)
		}
	}
	return out, nil
}

func (m *memResets) CountRecentByUser(_ context.Context, userID string, since time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, t := range m.tokens {
		if t.UserID == userID && !t.CreatedAt.Before(since) {
			n++
		}
	}
	return n, nil
}

func (m *memResets) Consume(ctx context.Context, tokenID, userID, passwordHash string, now time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, t := range m.tokens {
		if t.ID == tokenID && !t.Used && t.ExpiresAt.After(now) {
			t.Used = true
			return true, m.users.UpdatePassword(ctx, userID, passwordHash, now)
		}
	}
	return false, nil
}

func (m *memResets) DeleteExpired(_ context.Context, now time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	kept := m.tokens[:0]
	var n int64
	for _, t := range m.tokens {
		if !t.ExpiresAt.After(now) {
			n++
			continue
		}
		kept = append(kept, t)
	}
	m.tokens = kept
	return n, nil
}

func (m *memResets) all() []models.PasswordResetToken {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]models.PasswordResetToken, 0, len(m.tokens))
	for _, t := range m.tokens {
		out = append(out, *t)
	}
	return out
}

type sentReset struct {
	to    string
	token string
}

type recordingNotifier struct {
	mu   sync.Mutex
	sent []sentReset
}

func (n *recordingNotifier) SendPasswordReset(_ context.Context, to, token string, _ time.Time) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sent = append(n.sent, sentReset{to: to, token: token})
	return nil
}

func (n *recordingNotifier) messages() []sentReset {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]sentReset(nil), n.sent...)
}

type recordingQueue struct {
	jobs []jobs.Job
	err  error
}

func (q *recordingQueue) TryEnqueue(job jobs.Job) error {
	if q.err != nil {
		return q.err
	}
	q.jobs = append(q.jobs, job)
	return nil
}

type authFixture struct {
	clock     *clock.Mock
	users     *memUsers
	refresh   *memRefresh
	blacklist *memBlacklist
	attempts  *memAttempts
	resets    *memResets
	hasher    *fakeHasher
	notifier  *recordingNotifier
	limiter   *ratelimit.Limiter
	tokens    *TokenService
	login     *LoginService
	reset     *PasswordResetService
	auth      *AuthService
}

func newAuthFixture(t *testing.T) *authFixture {
	t.Helper()
	return newAuthFixtureWithPolicies(t, nil)
}

func newAuthFixtureWithPolicies(t *testing.T, policies map[ratelimit.Family]ratelimit.Policy) *authFixture {
	t.Helper()
	f := &authFixture{
		clock:     clock.NewMock(testNow),
		users:     newMemUsers(),
		refresh:   newMemRefresh(),
		blacklist: newMemBlacklist(),
		attempts:  &memAttempts{},
		hasher:    &fakeHasher{},
		notifier:  &recordingNotifier{},
	}
	f.resets = &memResets{users: f.users}
	f.limiter = ratelimit.NewLimiter(ratelimit.NewMemoryStore(4, f.clock), policies, 0)

	f.tokens = NewTokenService(TokenServiceParams{
		Config:        TokenConfig{Secret: testSecret, Issuer: "timetrack-test"},
		RefreshTokens: f.refresh,
		Blacklist:     f.blacklist,
		Users:         f.users,
		Hasher:        f.hasher,
		Clock:         f.clock,
	})
	f.login = NewLoginService(LoginServiceParams{
		Users:    f.users,
		Attempts: f.attempts,
		Tokens:   f.tokens,
		Hasher:   f.hasher,
		Limiter:  f.limiter,
		Clock:    f.clock,
	})
	f.reset = NewPasswordResetService(PasswordResetServiceParams{
		Users:    f.users,
		Tokens:   f.resets,
		Sessions: f.tokens,
		Notifier: f.notifier,
		Hasher:   f.hasher,
		Limiter:  f.limiter,
		Clock:    f.clock,
	})
	f.auth = NewAuthService(AuthServiceParams{
		Users:   f.users,
		Tokens:  f.tokens,
		Login:   f.login,
		Resets:  f.reset,
		Hasher:  f.hasher,
		Limiter: f.limiter,
		Clock:   f.clock,
	})
	return f
}

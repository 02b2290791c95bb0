package service

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/noah-isme/timetrack-api/internal/models"
	"github.com/noah-isme/timetrack-api/pkg/clock"
	appErrors "github.com/noah-isme/timetrack-api/pkg/errors"
	"github.com/noah-isme/timetrack-api/pkg/hashing"
)

const (
	defaultAccessTTL  = 15 * time.Minute
	defaultRefreshTTL = 7 * 24 * time.Hour
)

type refreshTokenStore interface {
	Create(ctx context.Context, record *models.RefreshTokenRecord) error
	FindByJTI(ctx context.Context, jti string) (*models.RefreshTokenRecord, error)
	TouchLastUsed(ctx context.Context, jti string, at time.Time) error
	Rotate(ctx context.Context, oldJTI string, next *models.RefreshTokenRecord, revokedAt time.Time) (bool, error)
	Revoke(ctx context.Context, jti string, at time.Time) (bool, error)
	RevokeAllForUser(ctx context.Context, userID string, at time.Time) (int64, error)
	DeleteExpired(ctx context.Context, now time.Time) (int64, error)
}

type blacklistStore interface {
	Insert(ctx context.Context, token *models.BlacklistedToken) error
	Exists(ctx context.Context, jti string) (bool, error)
	DeleteExpired(ctx context.Context, now time.Time) (int64, error)
}

type blacklistCache interface {
	MarkRevoked(ctx context.Context, jti string, ttl time.Duration) error
	IsRevoked(ctx context.Context, jti string) (bool, error)
}

type tokenUserReader interface {
	FindByID(ctx context.Context, id string) (*models.User, error)
}

// TokenConfig defines signing parameters.
type TokenConfig struct {
	Secret     string
	Issuer     string
	AccessTTL  time.Duration
	RefreshTTL time.Duration
}

// TokenServiceParams groups constructor dependencies.
type TokenServiceParams struct {
	Config        TokenConfig
	RefreshTokens refreshTokenStore
	Blacklist     blacklistStore
	Cache         blacklistCache
	Users         tokenUserReader
	Hasher        hashing.Hasher
	Clock         clock.Clock
	Metrics       *MetricsService
	Security      *SecurityLogger
	Logger        *zap.Logger
}

// TokenService mints, validates, rotates and revokes JWT pairs.
type TokenService struct {
	cfg       TokenConfig
	refresh   refreshTokenStore
	blacklist blacklistStore
	cache     blacklistCache
	users     tokenUserReader
	hasher    hashing.Hasher
	clock     clock.Clock
	metrics   *MetricsService
	security  *SecurityLogger
	logger    *zap.Logger
}

// NewTokenService constructs a TokenService with default TTLs applied.
func NewTokenService(params TokenServiceParams) *TokenService {
	cfg := params.Config
	if cfg.AccessTTL <= 0 {
		cfg.AccessTTL = defaultAccessTTL
	}
	if cfg.RefreshTTL <= 0 {
		cfg.RefreshTTL = defaultRefreshTTL
	}
	logger := params.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &TokenService{
		cfg:       cfg,
		refresh:   params.RefreshTokens,
		blacklist: params.Blacklist,
		cache:     params.Cache,
		users:     params.Users,
		hasher:    params.Hasher,
		clock:     clock.OrSystem(params.Clock),
		metrics:   params.Metrics,
		security:  params.Security,
		logger:    logger,
	}
}

// AccessTTL returns the configured access token lifetime.
func (s *TokenService) AccessTTL() time.Duration { return s.cfg.AccessTTL }

// RefreshTTL returns the configured refresh token lifetime.
func (s *TokenService) RefreshTTL() time.Duration { return s.cfg.RefreshTTL }

// GenerateTokenPair mints an access and refresh token for user and persists
// the refresh token's hash.
func (s *TokenService) GenerateTokenPair(ctx context.Context, user *models.User) (*models.TokenPair, error) {
	pair, record, err := s.mint(ctx, user, s.clock.Now())
	if err == nil {
		if createErr := s.refresh.Create(ctx, record); createErr != nil {
			err = appErrors.TokenCreation(createErr, "persist refresh token")
		}
	}
	s.metrics.RecordTokenOperation("issue", err)
	if err != nil {
		return nil, err
	}
	return pair, nil
}

// ValidateToken checks signature and shape, then expiry, then the blacklist.
func (s *TokenService) ValidateToken(ctx context.Context, tokenString string) (*models.Claims, error) {
	claims, err := s.parse(tokenString, jwt.WithExpirationRequired())
	if err != nil {
		s.metrics.RecordTokenOperation("validate", err)
		return nil, err
	}
	revoked, err := s.isBlacklisted(ctx, claims)
	if err == nil && revoked {
		err = appErrors.ErrBlacklistedToken
	}
	s.metrics.RecordTokenOperation("validate", err)
	if err != nil {
		return nil, err
	}
	return claims, nil
}

// DecodeWithoutValidation verifies the signature but skips time-based claims,
// so expired tokens can still be identified for revocation.
func (s *TokenService) DecodeWithoutValidation(tokenString string) (*models.Claims, error) {
	claims, err := s.parse(tokenString, jwt.WithoutClaimsValidation())
	if err != nil {
		return nil, err
	}
	if claims.ExpiresAt == nil {
		return nil, appErrors.InvalidClaims("missing exp")
	}
	return claims, nil
}

// RefreshAccessToken exchanges a refresh token for a new access token bound
// to the same subject. The refresh token itself is returned unchanged.
func (s *TokenService) RefreshAccessToken(ctx context.Context, refreshToken string) (*models.TokenPair, error) {
	pair, err := s.refreshAccess(ctx, refreshToken)
	s.metrics.RecordTokenOperation("refresh", err)
	return pair, err
}

func (s *TokenService) refreshAccess(ctx context.Context, refreshToken string) (*models.TokenPair, error) {
	claims, record, err := s.verifyRefresh(ctx, refreshToken)
	if err != nil {
		return nil, err
	}
	now := s.clock.Now()
	access, _, err := s.sign(claims.Subject, claims.Email, claims.Roles, models.TokenTypeAccess, now, s.cfg.AccessTTL)
	if err != nil {
		return nil, appErrors.TokenCreation(err, "sign access token")
	}
	if err := s.refresh.TouchLastUsed(ctx, record.JTI, now); err != nil {
		s.logger.Warn("failed to touch refresh token", zap.String("jti", record.JTI), zap.Error(err))
	}
	return &models.TokenPair{
		AccessToken:      access,
		RefreshToken:     refreshToken,
		TokenType:        models.BearerTokenType,
		ExpiresIn:        int64(s.cfg.AccessTTL.Seconds()),
		RefreshExpiresIn: int64(record.ExpiresAt.Sub(now).Seconds()),
	}, nil
}

// RefreshWithRotation revokes the presented refresh token and issues a new
// pair. A refresh token can be rotated at most once. When userID is non-empty
// it must match the token's subject.
func (s *TokenService) RefreshWithRotation(ctx context.Context, refreshToken, userID string) (*models.TokenPair, error) {
	pair, err := s.rotate(ctx, refreshToken, userID)
	s.metrics.RecordTokenOperation("rotate", err)
	return pair, err
}

func (s *TokenService) rotate(ctx context.Context, refreshToken, userID string) (*models.TokenPair, error) {
	claims, record, err := s.verifyRefresh(ctx, refreshToken)
	if err != nil {
		return nil, err
	}
	if userID != "" && claims.Subject != userID {
		return nil, appErrors.InvalidToken("refresh token subject mismatch")
	}

	user, err := s.users.FindByID(ctx, claims.Subject)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.InvalidToken("user no longer exists")
		}
		return nil, appErrors.Transient(err, "load user for rotation")
	}

	now := s.clock.Now()
	pair, next, err := s.mint(ctx, user, now)
	if err != nil {
		return nil, err
	}

	rotated, err := s.refresh.Rotate(ctx, record.JTI, next, now)
	if err != nil {
		return nil, appErrors.Transient(err, "rotate refresh token")
	}
	if !rotated {
		s.security.Log(SecurityEvent{Type: EventTokenReplay, UserID: claims.Subject, Details: "refresh token reuse"})
		return nil, appErrors.InvalidToken("refresh token already used")
	}

	s.blacklistClaims(ctx, claims)
	s.security.Log(SecurityEvent{Type: EventTokenRefreshed, UserID: user.ID, Email: user.Email, Success: true})
	return pair, nil
}

// BlacklistToken revokes token by jti until its original expiry. Expired
// tokens are accepted.
func (s *TokenService) BlacklistToken(ctx context.Context, tokenString string) error {
	claims, err := s.DecodeWithoutValidation(tokenString)
	if err == nil {
		err = s.insertBlacklist(ctx, claims)
	}
	s.metrics.RecordTokenOperation("blacklist", err)
	return err
}

// RevokeRefreshToken revokes the record behind a refresh token and
// blacklists its jti.
func (s *TokenService) RevokeRefreshToken(ctx context.Context, tokenString string) error {
	claims, err := s.DecodeWithoutValidation(tokenString)
	if err != nil {
		return err
	}
	if claims.TokenType != models.TokenTypeRefresh {
		return appErrors.InvalidToken("expected refresh token")
	}
	if _, err := s.RevokeRefreshTokenByJTI(ctx, claims.ID); err != nil {
		return err
	}
	return s.insertBlacklist(ctx, claims)
}

// RevokeRefreshTokenByJTI marks one refresh record revoked. It reports false
// when the record was missing or already revoked.
func (s *TokenService) RevokeRefreshTokenByJTI(ctx context.Context, jti string) (bool, error) {
	revoked, err := s.refresh.Revoke(ctx, jti, s.clock.Now())
	if err != nil {
		err = appErrors.Transient(err, "revoke refresh token")
	}
	s.metrics.RecordTokenOperation("revoke", err)
	return revoked, err
}

// RevokeAllUserRefreshTokens revokes every active refresh record of userID.
func (s *TokenService) RevokeAllUserRefreshTokens(ctx context.Context, userID string) (int64, error) {
	n, err := s.refresh.RevokeAllForUser(ctx, userID, s.clock.Now())
	if err != nil {
		err = appErrors.Transient(err, "revoke user refresh tokens")
	}
	s.metrics.RecordTokenOperation("revoke_all", err)
	return n, err
}

// CleanupExpiredBlacklistedTokens removes blacklist rows whose token has expired.
func (s *TokenService) CleanupExpiredBlacklistedTokens(ctx context.Context) (int64, error) {
	n, err := s.blacklist.DeleteExpired(ctx, s.clock.Now())
	if err != nil {
		return 0, appErrors.Transient(err, "cleanup blacklisted tokens")
	}
	return n, nil
}

// CleanupExpiredRefreshTokens removes expired refresh records.
func (s *TokenService) CleanupExpiredRefreshTokens(ctx context.Context) (int64, error) {
	n, err := s.refresh.DeleteExpired(ctx, s.clock.Now())
	if err != nil {
		return 0, appErrors.Transient(err, "cleanup refresh tokens")
	}
	return n, nil
}

// ExtractBearerToken returns the token from an Authorization header value.
func ExtractBearerToken(header string) (string, error) {
	header = strings.TrimSpace(header)
	if header == "" {
		return "", appErrors.ErrMissingToken
	}
	scheme, token, _ := strings.Cut(header, " ")
	if !strings.EqualFold(scheme, models.BearerTokenType) {
		return "", appErrors.InvalidToken("invalid authorization header format")
	}
	token = strings.TrimSpace(token)
	if token == "" {
		return "", appErrors.ErrMissingToken
	}
	return token, nil
}

func (s *TokenService) mint(ctx context.Context, user *models.User, now time.Time) (*models.TokenPair, *models.RefreshTokenRecord, error) {
	roles := user.Roles()
	access, _, err := s.sign(user.ID, user.Email, roles, models.TokenTypeAccess, now, s.cfg.AccessTTL)
	if err != nil {
		return nil, nil, appErrors.TokenCreation(err, "sign access token")
	}
	refresh, refreshClaims, err := s.sign(user.ID, user.Email, roles, models.TokenTypeRefresh, now, s.cfg.RefreshTTL)
	if err != nil {
		return nil, nil, appErrors.TokenCreation(err, "sign refresh token")
	}
	hash, err := s.hasher.Hash(ctx, refresh)
	if err != nil {
		return nil, nil, appErrors.TokenCreation(err, "hash refresh token")
	}

	record := &models.RefreshTokenRecord{
		ID:        uuid.NewString(),
		JTI:       refreshClaims.ID,
		UserID:    user.ID,
		TokenHash: hash,
		ExpiresAt: refreshClaims.ExpiresAt.Time.UTC(),
		CreatedAt: now,
	}
	pair := &models.TokenPair{
		AccessToken:      access,
		RefreshToken:     refresh,
		TokenType:        models.BearerTokenType,
		ExpiresIn:        int64(s.cfg.AccessTTL.Seconds()),
		RefreshExpiresIn: int64(s.cfg.RefreshTTL.Seconds()),
	}
	return pair, record, nil
}

func (s *TokenService) sign(subject, email string, roles []string, tokenType models.TokenType, now time.Time, ttl time.Duration) (string, *models.Claims, error) {
	claims := &models.Claims{
		Email:     email,
		Roles:     roles,
		TokenType: tokenType,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			Issuer:    s.cfg.Issuer,
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(s.cfg.Secret))
	if err != nil {
		return "", nil, err
	}
	return signed, claims, nil
}

func (s *TokenService) parse(tokenString string, extra ...jwt.ParserOption) (*models.Claims, error) {
	tokenString = strings.TrimSpace(tokenString)
	if tokenString == "" {
		return nil, appErrors.ErrMissingToken
	}

	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(s.clock.Now),
	}
	if s.cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(s.cfg.Issuer))
	}
	opts = append(opts, extra...)

	claims := &models.Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(*jwt.Token) (interface{}, error) {
		return []byte(s.cfg.Secret), nil
	}, opts...)
	if err != nil {
		return nil, classifyJWTError(err)
	}
	if !token.Valid {
		return nil, appErrors.InvalidToken("token not valid")
	}
	if claims.ID == "" || claims.Subject == "" {
		return nil, appErrors.InvalidClaims("missing jti or sub")
	}
	if claims.TokenType != models.TokenTypeAccess && claims.TokenType != models.TokenTypeRefresh {
		return nil, appErrors.InvalidClaims("unknown token_type")
	}
	return claims, nil
}

// classifyJWTError maps parser failures. Signature failures are checked
// first so a forged token is never reported as merely expired.
func classifyJWTError(err error) error {
	switch {
	case errors.Is(err, jwt.ErrTokenSignatureInvalid):
		return appErrors.InvalidToken("invalid signature")
	case errors.Is(err, jwt.ErrTokenMalformed):
		return appErrors.InvalidToken("malformed token")
	case errors.Is(err, jwt.ErrTokenUnverifiable):
		return appErrors.InvalidToken("unverifiable token")
	case errors.Is(err, jwt.ErrTokenExpired):
		return appErrors.Clone(appErrors.ErrExpiredToken, "")
	case errors.Is(err, jwt.ErrTokenRequiredClaimMissing), errors.Is(err, jwt.ErrTokenInvalidIssuer):
		return appErrors.InvalidClaims(err.Error())
	}
	return appErrors.InvalidToken(err.Error())
}

func (s *TokenService) verifyRefresh(ctx context.Context, refreshToken string) (*models.Claims, *models.RefreshTokenRecord, error) {
	claims, err := s.ValidateToken(ctx, refreshToken)
	if err != nil {
		return nil, nil, err
	}
	if claims.TokenType != models.TokenTypeRefresh {
		return nil, nil, appErrors.InvalidToken("expected refresh token")
	}

	record, err := s.refresh.FindByJTI(ctx, claims.ID)
	if err != nil {
		return nil, nil, appErrors.Transient(err, "load refresh token")
	}
	if record == nil || record.UserID != claims.Subject {
		return nil, nil, appErrors.InvalidToken("refresh token not recognised")
	}
	if record.IsRevoked() {
		return nil, nil, appErrors.InvalidToken("refresh token already used")
	}
	if record.IsExpired(s.clock.Now()) {
		return nil, nil, appErrors.Clone(appErrors.ErrExpiredToken, "")
	}

	ok, err := s.hasher.Verify(ctx, refreshToken, record.TokenHash)
	if err != nil {
		return nil, nil, appErrors.Transient(err, "verify refresh token hash")
	}
	if !ok {
		return nil, nil, appErrors.InvalidToken("refresh token hash mismatch")
	}
	return claims, record, nil
}

func (s *TokenService) isBlacklisted(ctx context.Context, claims *models.Claims) (bool, error) {
	if s.cache != nil {
		hit, err := s.cache.IsRevoked(ctx, claims.ID)
		if err != nil {
			s.logger.Warn("blacklist cache lookup failed", zap.Error(err))
		}
		s.metrics.RecordBlacklistCache(hit)
		if hit {
			return true, nil
		}
	}

	exists, err := s.blacklist.Exists(ctx, claims.ID)
	if err != nil {
		return false, appErrors.Transient(err, "check blacklist")
	}
	if exists {
		s.cacheRevoked(ctx, claims)
	}
	return exists, nil
}

func (s *TokenService) insertBlacklist(ctx context.Context, claims *models.Claims) error {
	entry := &models.BlacklistedToken{
		ID:            uuid.NewString(),
		JTI:           claims.ID,
		UserID:        claims.Subject,
		TokenType:     claims.TokenType,
		ExpiresAt:     claims.ExpiresAt.Time.UTC(),
		BlacklistedAt: s.clock.Now(),
	}
	if err := s.blacklist.Insert(ctx, entry); err != nil {
		return appErrors.Transient(err, "insert blacklist entry")
	}
	s.cacheRevoked(ctx, claims)
	return nil
}

// blacklistClaims is the best-effort variant used after rotation, where the
// primary revocation already happened in the refresh store.
func (s *TokenService) blacklistClaims(ctx context.Context, claims *models.Claims) {
	if err := s.insertBlacklist(ctx, claims); err != nil {
		s.logger.Warn("failed to blacklist rotated refresh token", zap.String("jti", claims.ID), zap.Error(err))
	}
}

func (s *TokenService) cacheRevoked(ctx context.Context, claims *models.Claims) {
	if s.cache == nil || claims.ExpiresAt == nil {
		return
	}
	ttl := claims.ExpiresAt.Time.UTC().Sub(s.clock.Now())
	if err := s.cache.MarkRevoked(ctx, claims.ID, ttl); err != nil {
		s.logger.Warn("failed to cache blacklist entry", zap.String("jti", claims.ID), zap.Error(err))
	}
}

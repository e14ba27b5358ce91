// Package services contains server-side business logic. This file implements
// AuthService, which orchestrates registration, login, token refresh, and
// current-principal resolution over the credential hasher, the token codec,
// the rate limiter, and the principal repositories.
package services

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/dezztech/incentives/internal/apperr"
	"github.com/dezztech/incentives/internal/dbx"
	"github.com/dezztech/incentives/internal/logging"
	"github.com/dezztech/incentives/internal/server/config"
	"github.com/dezztech/incentives/internal/server/models"
	"github.com/dezztech/incentives/internal/server/password"
	"github.com/dezztech/incentives/internal/server/ratelimit"
	"github.com/dezztech/incentives/internal/server/repositories/repomanager"
	"github.com/dezztech/incentives/internal/server/token"
)

// TokenPair bundles a short-lived access token and a long-lived refresh token.
type TokenPair struct {
	AccessToken  string
	RefreshToken string
}

// AuthService provides authentication operations:
//   - Register: create principals
//   - Login: verify credentials and mint tokens (rate-limited)
//   - Refresh: rotate single-use refresh tokens and mint new access tokens
//   - CurrentPrincipal: resolve an access token to its principal
//   - Logout / RevokeAll: invalidate outstanding tokens
//
// All collaborators are supplied at construction; the service holds no
// global state and is safe for concurrent use.
type AuthService struct {
	db        *sql.DB
	repos     repomanager.RepositoryManager
	hasher    *password.Hasher
	codec     *token.Codec
	limiter   ratelimit.Limiter
	logger    logging.Logger
	autoLogin bool

	// dummyHash is compared against when no principal matches the login
	// email, so absent accounts cost the same as wrong passwords.
	dummyHash string
}

// NewAuthService constructs an AuthService from its collaborators and config.
func NewAuthService(db *sql.DB, m repomanager.RepositoryManager, hasher *password.Hasher,
	codec *token.Codec, limiter ratelimit.Limiter, logger logging.Logger, cfg *config.Config) *AuthService {

	// only fails on an invalid cost, which NewHasher clamps
	dummyHash, _ := hasher.Hash("decoy-credential-for-timing")

	return &AuthService{
		db:        db,
		repos:     m,
		hasher:    hasher,
		codec:     codec,
		limiter:   limiter,
		logger:    logger,
		autoLogin: cfg.AutoLoginOnRegister,
		dummyHash: dummyHash,
	}
}

// Register validates input, checks email uniqueness, hashes the password,
// and creates an active principal. When auto-login is enabled it also
// returns a token pair; otherwise the pair is nil and the client logs in
// separately.
func (s *AuthService) Register(ctx context.Context, email, plainPassword, name string) (*models.Principal, *TokenPair, error) {
	email, err := normalizeEmail(email)
	if err != nil {
		return nil, nil, err
	}
	if err := validatePassword(plainPassword); err != nil {
		return nil, nil, err
	}
	name, err = validateName(name)
	if err != nil {
		return nil, nil, err
	}

	repo := s.repos.Principals(s.db)

	if _, err := repo.GetByEmail(ctx, email); err == nil {
		return nil, nil, apperr.Conflict("Email already registered", map[string]any{"email": email})
	} else if !errors.Is(err, apperr.ErrNotFound) {
		return nil, nil, apperr.Internal(fmt.Errorf("error checking email uniqueness: %w", err))
	}

	hash, err := s.hasher.Hash(plainPassword)
	if err != nil {
		return nil, nil, apperr.Internal(fmt.Errorf("error hashing password: %w", err))
	}

	p := &models.Principal{
		Email:        email,
		PasswordHash: hash,
		Name:         name,
		IsActive:     true,
	}

	created, err := repo.Create(ctx, p)
	if err != nil {
		// a concurrent registration can win the race after the uniqueness check
		if errors.Is(err, apperr.ErrConflict) {
			return nil, nil, err
		}
		return nil, nil, apperr.Internal(fmt.Errorf("error creating principal: %w", err))
	}

	s.logger.Info(ctx, "principal registered", "principal_id", created.ID)

	if !s.autoLogin {
		return created, nil, nil
	}

	pair, err := s.generateTokenPair(ctx, s.db, created)
	if err != nil {
		return nil, nil, err
	}
	return created, pair, nil
}

// Login authenticates email/password and returns a token pair. limitKey is
// the caller-chosen rate-limit key (client address, account, or composite);
// the budget check runs before any credential work. A missing account, a
// deactivated account, and a wrong password are indistinguishable to the
// caller.
func (s *AuthService) Login(ctx context.Context, limitKey, email, plainPassword string) (*TokenPair, error) {
	if !s.limiter.Allow(limitKey) {
		s.logger.Warn(ctx, "login rate limited", "key", limitKey)
		return nil, apperr.RateLimited()
	}

	email = normalizeLoose(email)

	repo := s.repos.Principals(s.db)
	p, err := repo.GetByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, apperr.ErrNotFound) {
			// burn a comparison so the miss costs as much as a mismatch
			_, _ = s.hasher.Verify(plainPassword, s.dummyHash)
			return nil, apperr.InvalidCredentials()
		}
		return nil, apperr.Internal(fmt.Errorf("error loading principal: %w", err))
	}

	ok, err := s.hasher.Verify(plainPassword, p.PasswordHash)
	if err != nil {
		s.logger.Error(ctx, "stored credential is malformed", "principal_id", p.ID)
		return nil, apperr.Internal(err)
	}
	if !ok || !p.IsActive {
		s.logger.Warn(ctx, "failed login attempt")
		return nil, apperr.InvalidCredentials()
	}

	pair, err := s.generateTokenPair(ctx, s.db, p)
	if err != nil {
		return nil, err
	}

	s.logger.Info(ctx, "login succeeded", "principal_id", p.ID)
	return pair, nil
}

// Refresh validates a refresh token, rotates it transactionally (refresh
// tokens are single-use), and returns a fresh TokenPair. A replayed or
// version-lagged token yields TokenInvalid; an expired one TokenExpired.
func (s *AuthService) Refresh(ctx context.Context, refreshToken string) (*TokenPair, error) {
	claims, err := s.codec.Verify(refreshToken, token.KindRefresh)
	if err != nil {
		return nil, err
	}

	session, err := s.repos.RefreshSessions(s.db).Find(ctx, claims.ID)
	if err != nil {
		if errors.Is(err, apperr.ErrNotFound) {
			// already rotated or revoked
			return nil, apperr.TokenInvalid()
		}
		return nil, apperr.Internal(fmt.Errorf("error searching refresh session: %w", err))
	}
	if session.ExpiresAt.Before(time.Now()) {
		return nil, apperr.TokenExpired()
	}

	p, err := s.loadActivePrincipal(ctx, claims)
	if err != nil {
		return nil, err
	}

	var pair *TokenPair
	if err := dbx.WithTx(ctx, s.db, nil, func(ctx context.Context, tx dbx.DBTX) error {
		n, err := s.repos.RefreshSessions(tx).Delete(ctx, claims.ID)
		if err != nil {
			return fmt.Errorf("error deleting refresh session: %w", err)
		}
		if n == 0 {
			// a concurrent refresh rotated this token after the lookup above
			return apperr.TokenInvalid()
		}
		var genErr error
		pair, genErr = s.generateTokenPair(ctx, tx, p)
		return genErr
	}); err != nil {
		return nil, asTaxonomy(err)
	}

	s.logger.Info(ctx, "refresh token rotated", "principal_id", p.ID)
	return pair, nil
}

// CurrentPrincipal resolves an access token to its principal. This is the
// guard every protected operation composes with.
func (s *AuthService) CurrentPrincipal(ctx context.Context, accessToken string) (*models.Principal, error) {
	claims, err := s.codec.Verify(accessToken, token.KindAccess)
	if err != nil {
		return nil, err
	}
	return s.loadActivePrincipal(ctx, claims)
}

// Logout invalidates the presented refresh token immediately. Logging out
// with an already-rotated token is a no-op.
func (s *AuthService) Logout(ctx context.Context, refreshToken string) error {
	claims, err := s.codec.Verify(refreshToken, token.KindRefresh)
	if err != nil {
		return err
	}
	if _, err := s.repos.RefreshSessions(s.db).Delete(ctx, claims.ID); err != nil {
		return apperr.Internal(fmt.Errorf("error deleting refresh session: %w", err))
	}
	s.logger.Info(ctx, "logout", "principal_id", claims.Subject)
	return nil
}

// RevokeAll bumps the principal's token version and purges its refresh
// sessions, invalidating every previously issued token without enumerating
// them. Returns the new version.
func (s *AuthService) RevokeAll(ctx context.Context, principalID string) (int64, error) {
	var version int64
	if err := dbx.WithTx(ctx, s.db, nil, func(ctx context.Context, tx dbx.DBTX) error {
		v, err := s.repos.Principals(tx).IncrementTokenVersion(ctx, principalID)
		if err != nil {
			return err
		}
		version = v
		return s.repos.RefreshSessions(tx).DeleteByPrincipal(ctx, principalID)
	}); err != nil {
		if errors.Is(err, apperr.ErrNotFound) {
			return 0, apperr.NotFound("principal not found")
		}
		return 0, apperr.Internal(err)
	}
	s.logger.Info(ctx, "tokens revoked", "principal_id", principalID, "token_version", version)
	return version, nil
}

// --- helpers below ---

// loadActivePrincipal loads the claims' subject and enforces the account and
// version checks shared by Refresh and CurrentPrincipal.
func (s *AuthService) loadActivePrincipal(ctx context.Context, claims *token.Claims) (*models.Principal, error) {
	p, err := s.repos.Principals(s.db).GetByID(ctx, claims.Subject)
	if err != nil {
		if errors.Is(err, apperr.ErrNotFound) {
			return nil, apperr.TokenInvalid()
		}
		return nil, apperr.Internal(fmt.Errorf("error loading principal: %w", err))
	}
	if !p.IsActive {
		return nil, apperr.AccountInactive()
	}
	if claims.Version != p.TokenVersion {
		// the version was bumped after this token was issued
		return nil, apperr.TokenInvalid()
	}
	return p, nil
}

// generateTokenPair issues an access and a refresh token for p and persists
// the refresh session under the token's jti, on the given DB handle (pool or
// open transaction).
func (s *AuthService) generateTokenPair(ctx context.Context, db dbx.DBTX, p *models.Principal) (*TokenPair, error) {
	access, _, err := s.codec.Issue(p.ID, token.KindAccess, p.TokenVersion)
	if err != nil {
		return nil, apperr.Internal(err)
	}

	refresh, claims, err := s.codec.Issue(p.ID, token.KindRefresh, p.TokenVersion)
	if err != nil {
		return nil, apperr.Internal(err)
	}

	validity := claims.ExpiresAt.Time.Sub(claims.IssuedAt.Time)
	if err := s.repos.RefreshSessions(db).Create(ctx, p.ID, claims.ID, validity); err != nil {
		return nil, apperr.Internal(err)
	}

	return &TokenPair{AccessToken: access, RefreshToken: refresh}, nil
}

// normalizeLoose lowercases without validating; login treats an unparseable
// email the same as an unknown one.
func normalizeLoose(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// asTaxonomy returns err unchanged when it is already a taxonomy error and
// wraps everything else as Internal.
func asTaxonomy(err error) error {
	var e *apperr.Error
	if errors.As(err, &e) {
		return e
	}
	return apperr.Internal(err)
}

package services

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/dezztech/incentives/internal/apperr"
	"github.com/dezztech/incentives/internal/dbx"
	"github.com/dezztech/incentives/internal/logging"
	"github.com/dezztech/incentives/internal/server/config"
	"github.com/dezztech/incentives/internal/server/models"
	"github.com/dezztech/incentives/internal/server/password"
	"github.com/dezztech/incentives/internal/server/ratelimit"
	principalsrepo "github.com/dezztech/incentives/internal/server/repositories/principals"
	"github.com/dezztech/incentives/internal/server/repositories/refreshsessions"
	"github.com/dezztech/incentives/internal/server/repositories/repomanager"
	"github.com/dezztech/incentives/internal/server/token"
	"golang.org/x/crypto/bcrypt"
)

// --- in-memory fakes ---

type fakeState struct {
	mu         sync.Mutex
	seq        int
	principals map[string]*models.Principal     // by id
	emails     map[string]string                // email -> id
	sessions   map[string]*models.RefreshSession // by jti

	emailLookups int
	getErr       error
}

func newFakeState() *fakeState {
	return &fakeState{
		principals: make(map[string]*models.Principal),
		emails:     make(map[string]string),
		sessions:   make(map[string]*models.RefreshSession),
	}
}

type fakePrincipalsRepo struct{ st *fakeState }

func (f *fakePrincipalsRepo) Create(ctx context.Context, p *models.Principal) (*models.Principal, error) {
	f.st.mu.Lock()
	defer f.st.mu.Unlock()
	if _, taken := f.st.emails[p.Email]; taken {
		return nil, apperr.Conflict("Email already registered", map[string]any{"email": p.Email})
	}
	f.st.seq++
	p.ID = fmt.Sprintf("p-%d", f.st.seq)
	p.CreatedAt = time.Now()
	cp := *p
	f.st.principals[p.ID] = &cp
	f.st.emails[p.Email] = p.ID
	return p, nil
}

func (f *fakePrincipalsRepo) GetByEmail(ctx context.Context, email string) (*models.Principal, error) {
	f.st.mu.Lock()
	defer f.st.mu.Unlock()
	f.st.emailLookups++
	if f.st.getErr != nil {
		return nil, f.st.getErr
	}
	id, ok := f.st.emails[email]
	if !ok {
		return nil, apperr.NotFound("principal not found")
	}
	cp := *f.st.principals[id]
	return &cp, nil
}

func (f *fakePrincipalsRepo) GetByID(ctx context.Context, id string) (*models.Principal, error) {
	f.st.mu.Lock()
	defer f.st.mu.Unlock()
	p, ok := f.st.principals[id]
	if !ok {
		return nil, apperr.NotFound("principal not found")
	}
	cp := *p
	return &cp, nil
}

func (f *fakePrincipalsRepo) IncrementTokenVersion(ctx context.Context, id string) (int64, error) {
	f.st.mu.Lock()
	defer f.st.mu.Unlock()
	p, ok := f.st.principals[id]
	if !ok {
		return 0, apperr.NotFound("principal not found")
	}
	p.TokenVersion++
	return p.TokenVersion, nil
}

type fakeSessionsRepo struct{ st *fakeState }

func (f *fakeSessionsRepo) Create(ctx context.Context, principalID, jti string, validity time.Duration) error {
	f.st.mu.Lock()
	defer f.st.mu.Unlock()
	f.st.sessions[jti] = &models.RefreshSession{
		ID:          jti,
		PrincipalID: principalID,
		ExpiresAt:   time.Now().Add(validity),
		CreatedAt:   time.Now(),
	}
	return nil
}

func (f *fakeSessionsRepo) Find(ctx context.Context, jti string) (*models.RefreshSession, error) {
	f.st.mu.Lock()
	defer f.st.mu.Unlock()
	s, ok := f.st.sessions[jti]
	if !ok {
		return nil, apperr.NotFound("refresh session not found")
	}
	cp := *s
	return &cp, nil
}

func (f *fakeSessionsRepo) Delete(ctx context.Context, jti string) (int64, error) {
	f.st.mu.Lock()
	defer f.st.mu.Unlock()
	if _, ok := f.st.sessions[jti]; !ok {
		return 0, nil
	}
	delete(f.st.sessions, jti)
	return 1, nil
}

func (f *fakeSessionsRepo) DeleteByPrincipal(ctx context.Context, principalID string) error {
	f.st.mu.Lock()
	defer f.st.mu.Unlock()
	for jti, s := range f.st.sessions {
		if s.PrincipalID == principalID {
			delete(f.st.sessions, jti)
		}
	}
	return nil
}

type fakeRepoManager struct {
	st       *fakeState
	sessions refreshsessions.Repository // optional override
}

func (m *fakeRepoManager) RunMigrations(context.Context, *sql.DB) error { return nil }
func (m *fakeRepoManager) Principals(db dbx.DBTX) principalsrepo.Repository {
	return &fakePrincipalsRepo{st: m.st}
}
func (m *fakeRepoManager) RefreshSessions(db dbx.DBTX) refreshsessions.Repository {
	if m.sessions != nil {
		return m.sessions
	}
	return &fakeSessionsRepo{st: m.st}
}

type fakeLimiter struct{ allow bool }

func (l *fakeLimiter) Allow(string) bool { return l.allow }

type nopLogger struct{}

func (nopLogger) Debug(context.Context, string, ...any) {}
func (nopLogger) Info(context.Context, string, ...any)  {}
func (nopLogger) Warn(context.Context, string, ...any)  {}
func (nopLogger) Error(context.Context, string, ...any) {}
func (nopLogger) With(...any) logging.Logger            { return nopLogger{} }

// --- helpers ---

func newSQLMockDB(t *testing.T) (*sql.DB, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New error: %v", err)
	}
	return db, mock
}

func newAuthService(t *testing.T, db *sql.DB, st *fakeState, limiter ratelimit.Limiter, autoLogin bool) *AuthService {
	t.Helper()
	return newAuthServiceWithManager(t, db, &fakeRepoManager{st: st}, limiter, autoLogin)
}

func newAuthServiceWithManager(t *testing.T, db *sql.DB, m repomanager.RepositoryManager, limiter ratelimit.Limiter, autoLogin bool) *AuthService {
	t.Helper()
	cfg := &config.Config{
		SecretKey:           "test-secret",
		AccessTokenTTL:      time.Minute,
		RefreshTokenTTL:     time.Hour,
		BcryptCost:          bcrypt.MinCost,
		AutoLoginOnRegister: autoLogin,
	}
	hasher := password.NewHasher(cfg.BcryptCost)
	codec := token.NewCodec([]byte(cfg.SecretKey), cfg.AccessTokenTTL, cfg.RefreshTokenTTL, cfg.TokenLeeway)
	return NewAuthService(db, m, hasher, codec, limiter, nopLogger{}, cfg)
}

// --- tests ---

func TestRegister_Success(t *testing.T) {
	db, _ := newSQLMockDB(t)
	defer db.Close()

	st := newFakeState()
	s := newAuthService(t, db, st, &fakeLimiter{allow: true}, false)

	p, pair, err := s.Register(context.Background(), " Alice@X.Com ", "Pw123456!", "Alice")
	if err != nil {
		t.Fatalf("Register error: %v", err)
	}
	if pair != nil {
		t.Fatalf("no tokens expected without auto-login")
	}
	if p.Email != "alice@x.com" {
		t.Fatalf("email not normalized: %q", p.Email)
	}
	if !p.IsActive {
		t.Fatalf("new principal must be active")
	}
	if p.PasswordHash == "Pw123456!" || p.PasswordHash == "" {
		t.Fatalf("password must be stored hashed")
	}
}

func TestRegister_Conflict(t *testing.T) {
	db, _ := newSQLMockDB(t)
	defer db.Close()

	st := newFakeState()
	s := newAuthService(t, db, st, &fakeLimiter{allow: true}, false)

	if _, _, err := s.Register(context.Background(), "a@x.com", "Pw123456!", "A"); err != nil {
		t.Fatalf("first Register error: %v", err)
	}
	_, _, err := s.Register(context.Background(), "a@x.com", "Other-pass1", "B")
	if !errors.Is(err, apperr.ErrConflict) {
		t.Fatalf("want Conflict, got %v", err)
	}
}

func TestRegister_Validation(t *testing.T) {
	db, _ := newSQLMockDB(t)
	defer db.Close()

	st := newFakeState()
	s := newAuthService(t, db, st, &fakeLimiter{allow: true}, false)

	cases := []struct {
		name, email, pass, display string
	}{
		{"bad email", "not-an-email", "Pw123456!", "A"},
		{"short password", "a@x.com", "Pw1!abc", "A"},
		{"no uppercase or special", "a@x.com", "password1", "A"},
		{"digits only", "a@x.com", "12345678", "A"},
		{"empty name", "a@x.com", "Pw123456!", "  "},
	}
	for _, tc := range cases {
		_, _, err := s.Register(context.Background(), tc.email, tc.pass, tc.display)
		if !errors.Is(err, apperr.ErrValidationFailed) {
			t.Fatalf("%s: want ValidationFailed, got %v", tc.name, err)
		}
	}
}

func TestRegister_AutoLogin(t *testing.T) {
	db, _ := newSQLMockDB(t)
	defer db.Close()

	st := newFakeState()
	s := newAuthService(t, db, st, &fakeLimiter{allow: true}, true)

	p, pair, err := s.Register(context.Background(), "a@x.com", "Pw123456!", "A")
	if err != nil {
		t.Fatalf("Register error: %v", err)
	}
	if pair == nil || pair.AccessToken == "" || pair.RefreshToken == "" {
		t.Fatalf("auto-login must return a token pair, got %+v", pair)
	}

	resolved, err := s.CurrentPrincipal(context.Background(), pair.AccessToken)
	if err != nil {
		t.Fatalf("CurrentPrincipal error: %v", err)
	}
	if resolved.ID != p.ID {
		t.Fatalf("resolved %q, want %q", resolved.ID, p.ID)
	}
}

func TestLogin_RateLimited(t *testing.T) {
	db, _ := newSQLMockDB(t)
	defer db.Close()

	st := newFakeState()
	s := newAuthService(t, db, st, &fakeLimiter{allow: false}, false)

	_, err := s.Login(context.Background(), "1.2.3.4|a@x.com", "a@x.com", "Pw123456!")
	if !errors.Is(err, apperr.ErrRateLimited) {
		t.Fatalf("want RateLimited, got %v", err)
	}
	if st.emailLookups != 0 {
		t.Fatalf("rate limit must fire before any lookup, got %d lookups", st.emailLookups)
	}
}

func TestLogin_UniformInvalidCredentials(t *testing.T) {
	db, _ := newSQLMockDB(t)
	defer db.Close()

	st := newFakeState()
	s := newAuthService(t, db, st, &fakeLimiter{allow: true}, false)

	if _, _, err := s.Register(context.Background(), "a@x.com", "Pw123456!", "A"); err != nil {
		t.Fatalf("Register error: %v", err)
	}

	_, errGhost := s.Login(context.Background(), "k", "ghost@x.com", "Pw123456!")
	_, errWrong := s.Login(context.Background(), "k", "a@x.com", "wrong-password")

	if !errors.Is(errGhost, apperr.ErrInvalidCredentials) {
		t.Fatalf("unknown email: want InvalidCredentials, got %v", errGhost)
	}
	if !errors.Is(errWrong, apperr.ErrInvalidCredentials) {
		t.Fatalf("wrong password: want InvalidCredentials, got %v", errWrong)
	}

	var eGhost, eWrong *apperr.Error
	errors.As(errGhost, &eGhost)
	errors.As(errWrong, &eWrong)
	if eGhost.Code != eWrong.Code || eGhost.Message != eWrong.Message {
		t.Fatalf("envelopes must be identical: %+v vs %+v", eGhost, eWrong)
	}
}

func TestLogin_InactiveAccount(t *testing.T) {
	db, _ := newSQLMockDB(t)
	defer db.Close()

	st := newFakeState()
	s := newAuthService(t, db, st, &fakeLimiter{allow: true}, false)

	p, _, err := s.Register(context.Background(), "a@x.com", "Pw123456!", "A")
	if err != nil {
		t.Fatalf("Register error: %v", err)
	}
	st.mu.Lock()
	st.principals[p.ID].IsActive = false
	st.mu.Unlock()

	_, err = s.Login(context.Background(), "k", "a@x.com", "Pw123456!")
	if !errors.Is(err, apperr.ErrInvalidCredentials) {
		t.Fatalf("inactive account must look like bad credentials, got %v", err)
	}
}

func TestLogin_InternalOnLookupFailure(t *testing.T) {
	db, _ := newSQLMockDB(t)
	defer db.Close()

	st := newFakeState()
	st.getErr = errors.New("connection reset")
	s := newAuthService(t, db, st, &fakeLimiter{allow: true}, false)

	_, err := s.Login(context.Background(), "k", "a@x.com", "Pw123456!")
	if !errors.Is(err, apperr.ErrInternal) {
		t.Fatalf("want Internal, got %v", err)
	}
}

func TestRefresh_RejectsAccessToken(t *testing.T) {
	db, _ := newSQLMockDB(t)
	defer db.Close()

	st := newFakeState()
	s := newAuthService(t, db, st, &fakeLimiter{allow: true}, false)

	if _, _, err := s.Register(context.Background(), "a@x.com", "Pw123456!", "A"); err != nil {
		t.Fatalf("Register error: %v", err)
	}
	pair, err := s.Login(context.Background(), "k", "a@x.com", "Pw123456!")
	if err != nil {
		t.Fatalf("Login error: %v", err)
	}

	_, err = s.Refresh(context.Background(), pair.AccessToken)
	if !errors.Is(err, apperr.ErrTokenInvalid) {
		t.Fatalf("access token presented as refresh: want TokenInvalid, got %v", err)
	}
}

func TestRefresh_RotationIsSingleUse(t *testing.T) {
	db, mock := newSQLMockDB(t)
	defer db.Close()
	mock.ExpectBegin()
	mock.ExpectCommit()

	st := newFakeState()
	s := newAuthService(t, db, st, &fakeLimiter{allow: true}, false)

	if _, _, err := s.Register(context.Background(), "a@x.com", "Pw123456!", "A"); err != nil {
		t.Fatalf("Register error: %v", err)
	}
	pair, err := s.Login(context.Background(), "k", "a@x.com", "Pw123456!")
	if err != nil {
		t.Fatalf("Login error: %v", err)
	}

	fresh, err := s.Refresh(context.Background(), pair.RefreshToken)
	if err != nil {
		t.Fatalf("Refresh error: %v", err)
	}
	if fresh.AccessToken == "" || fresh.RefreshToken == "" {
		t.Fatalf("empty tokens: %+v", fresh)
	}

	// the old refresh token was rotated away
	_, err = s.Refresh(context.Background(), pair.RefreshToken)
	if !errors.Is(err, apperr.ErrTokenInvalid) {
		t.Fatalf("replayed refresh token: want TokenInvalid, got %v", err)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("sql expectations: %v", err)
	}
}

// staleSessions serves a pinned session from Find even after it was deleted,
// the way a second request sees the row before the first one's rotation
// commits.
type staleSessions struct {
	*fakeSessionsRepo
	pinned *models.RefreshSession
}

func (s *staleSessions) Find(ctx context.Context, jti string) (*models.RefreshSession, error) {
	if s.pinned != nil && s.pinned.ID == jti {
		cp := *s.pinned
		return &cp, nil
	}
	return s.fakeSessionsRepo.Find(ctx, jti)
}

func TestRefresh_ReplayRacingRotation(t *testing.T) {
	db, mock := newSQLMockDB(t)
	defer db.Close()
	mock.ExpectBegin()
	mock.ExpectCommit()
	mock.ExpectBegin()
	mock.ExpectRollback()

	st := newFakeState()
	stale := &staleSessions{fakeSessionsRepo: &fakeSessionsRepo{st: st}}
	s := newAuthServiceWithManager(t, db, &fakeRepoManager{st: st, sessions: stale}, &fakeLimiter{allow: true}, false)
	ctx := context.Background()

	if _, _, err := s.Register(ctx, "a@x.com", "Pw123456!", "A"); err != nil {
		t.Fatalf("Register error: %v", err)
	}
	pair, err := s.Login(ctx, "k", "a@x.com", "Pw123456!")
	if err != nil {
		t.Fatalf("Login error: %v", err)
	}

	// pin the login session so a later lookup still sees it after rotation
	st.mu.Lock()
	for _, sess := range st.sessions {
		cp := *sess
		stale.pinned = &cp
	}
	st.mu.Unlock()

	if _, err := s.Refresh(ctx, pair.RefreshToken); err != nil {
		t.Fatalf("first Refresh error: %v", err)
	}

	// the second rotation finds the session gone inside the transaction and
	// must not mint a pair
	_, err = s.Refresh(ctx, pair.RefreshToken)
	if !errors.Is(err, apperr.ErrTokenInvalid) {
		t.Fatalf("racing replay: want TokenInvalid, got %v", err)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("sql expectations: %v", err)
	}
}

func TestRefresh_VersionBumpInvalidates(t *testing.T) {
	db, mock := newSQLMockDB(t)
	defer db.Close()
	mock.ExpectBegin()
	mock.ExpectCommit()

	st := newFakeState()
	s := newAuthService(t, db, st, &fakeLimiter{allow: true}, false)

	p, _, err := s.Register(context.Background(), "a@x.com", "Pw123456!", "A")
	if err != nil {
		t.Fatalf("Register error: %v", err)
	}
	pair, err := s.Login(context.Background(), "k", "a@x.com", "Pw123456!")
	if err != nil {
		t.Fatalf("Login error: %v", err)
	}

	if _, err := s.RevokeAll(context.Background(), p.ID); err != nil {
		t.Fatalf("RevokeAll error: %v", err)
	}

	_, err = s.Refresh(context.Background(), pair.RefreshToken)
	if !errors.Is(err, apperr.ErrTokenInvalid) {
		t.Fatalf("revoked refresh token: want TokenInvalid, got %v", err)
	}

	_, err = s.CurrentPrincipal(context.Background(), pair.AccessToken)
	if !errors.Is(err, apperr.ErrTokenInvalid) {
		t.Fatalf("revoked access token: want TokenInvalid, got %v", err)
	}
}

func TestCurrentPrincipal_InactiveAccount(t *testing.T) {
	db, _ := newSQLMockDB(t)
	defer db.Close()

	st := newFakeState()
	s := newAuthService(t, db, st, &fakeLimiter{allow: true}, false)

	p, _, err := s.Register(context.Background(), "a@x.com", "Pw123456!", "A")
	if err != nil {
		t.Fatalf("Register error: %v", err)
	}
	pair, err := s.Login(context.Background(), "k", "a@x.com", "Pw123456!")
	if err != nil {
		t.Fatalf("Login error: %v", err)
	}

	st.mu.Lock()
	st.principals[p.ID].IsActive = false
	st.mu.Unlock()

	_, err = s.CurrentPrincipal(context.Background(), pair.AccessToken)
	if !errors.Is(err, apperr.ErrAccountInactive) {
		t.Fatalf("want AccountInactive, got %v", err)
	}
}

func TestLogout_InvalidatesRefreshToken(t *testing.T) {
	db, _ := newSQLMockDB(t)
	defer db.Close()

	st := newFakeState()
	s := newAuthService(t, db, st, &fakeLimiter{allow: true}, false)

	if _, _, err := s.Register(context.Background(), "a@x.com", "Pw123456!", "A"); err != nil {
		t.Fatalf("Register error: %v", err)
	}
	pair, err := s.Login(context.Background(), "k", "a@x.com", "Pw123456!")
	if err != nil {
		t.Fatalf("Login error: %v", err)
	}

	if err := s.Logout(context.Background(), pair.RefreshToken); err != nil {
		t.Fatalf("Logout error: %v", err)
	}

	_, err = s.Refresh(context.Background(), pair.RefreshToken)
	if !errors.Is(err, apperr.ErrTokenInvalid) {
		t.Fatalf("refresh after logout: want TokenInvalid, got %v", err)
	}

	// logging out again is a no-op
	if err := s.Logout(context.Background(), pair.RefreshToken); err != nil {
		t.Fatalf("repeated Logout error: %v", err)
	}
}

func TestFullFlow(t *testing.T) {
	db, mock := newSQLMockDB(t)
	defer db.Close()
	mock.ExpectBegin()
	mock.ExpectCommit()

	st := newFakeState()
	s := newAuthService(t, db, st, &fakeLimiter{allow: true}, false)
	ctx := context.Background()

	p, _, err := s.Register(ctx, "a@x.com", "Pw123456!", "A")
	if err != nil {
		t.Fatalf("Register error: %v", err)
	}

	if _, _, err := s.Register(ctx, "a@x.com", "Otherpass1!", "B"); !errors.Is(err, apperr.ErrConflict) {
		t.Fatalf("duplicate register: want Conflict, got %v", err)
	}

	if _, err := s.Login(ctx, "k", "a@x.com", "wrong"); !errors.Is(err, apperr.ErrInvalidCredentials) {
		t.Fatalf("wrong password: want InvalidCredentials, got %v", err)
	}

	pair, err := s.Login(ctx, "k", "a@x.com", "Pw123456!")
	if err != nil {
		t.Fatalf("Login error: %v", err)
	}

	me, err := s.CurrentPrincipal(ctx, pair.AccessToken)
	if err != nil {
		t.Fatalf("CurrentPrincipal error: %v", err)
	}
	if me.ID != p.ID {
		t.Fatalf("resolved %q, want %q", me.ID, p.ID)
	}

	if _, err := s.Refresh(ctx, pair.AccessToken); !errors.Is(err, apperr.ErrTokenInvalid) {
		t.Fatalf("refresh with access token: want TokenInvalid, got %v", err)
	}

	fresh, err := s.Refresh(ctx, pair.RefreshToken)
	if err != nil {
		t.Fatalf("Refresh error: %v", err)
	}

	me2, err := s.CurrentPrincipal(ctx, fresh.AccessToken)
	if err != nil {
		t.Fatalf("CurrentPrincipal after refresh error: %v", err)
	}
	if me2.ID != p.ID {
		t.Fatalf("refreshed access resolves %q, want %q", me2.ID, p.ID)
	}
}

func TestRateLimiterIntegration_BudgetThenWindow(t *testing.T) {
	db, _ := newSQLMockDB(t)
	defer db.Close()

	st := newFakeState()
	limiter := ratelimit.NewFixedWindow(2, time.Minute)
	s := newAuthService(t, db, st, limiter, false)
	ctx := context.Background()

	if _, _, err := s.Register(ctx, "a@x.com", "Pw123456!", "A"); err != nil {
		t.Fatalf("Register error: %v", err)
	}

	// two failures exhaust the budget
	for i := 0; i < 2; i++ {
		if _, err := s.Login(ctx, "key", "a@x.com", "wrong"); !errors.Is(err, apperr.ErrInvalidCredentials) {
			t.Fatalf("attempt %d: want InvalidCredentials, got %v", i+1, err)
		}
	}

	// even correct credentials are refused now
	if _, err := s.Login(ctx, "key", "a@x.com", "Pw123456!"); !errors.Is(err, apperr.ErrRateLimited) {
		t.Fatalf("want RateLimited, got %v", err)
	}

	// a different key is unaffected
	if _, err := s.Login(ctx, "other-key", "a@x.com", "Pw123456!"); err != nil {
		t.Fatalf("other key must pass: %v", err)
	}
}

package services

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/dmitrijs2005/authkeeper/internal/common"
	"github.com/dmitrijs2005/authkeeper/internal/dbx"
	"github.com/dmitrijs2005/authkeeper/internal/logging"
	"github.com/dmitrijs2005/authkeeper/internal/ratelimit"
	"github.com/dmitrijs2005/authkeeper/internal/security"
	"github.com/dmitrijs2005/authkeeper/internal/server/config"
	"github.com/dmitrijs2005/authkeeper/internal/server/models"
	"github.com/dmitrijs2005/authkeeper/internal/server/repositories/accounts"
	"github.com/dmitrijs2005/authkeeper/internal/server/repositories/refreshtokens"
	"github.com/dmitrijs2005/authkeeper/internal/server/repositories/singleusetokens"
)

// ---- in-memory fakes -------------------------------------------------------

type fakeAccountRepo struct {
	byID   map[string]*models.Account
	nextID int
}

func newFakeAccountRepo() *fakeAccountRepo {
	return &fakeAccountRepo{byID: make(map[string]*models.Account)}
}

func (r *fakeAccountRepo) Create(ctx context.Context, account *models.Account) (*models.Account, error) {
	for _, a := range r.byID {
		if a.Email == account.Email {
			return nil, common.ErrorAlreadyExists
		}
	}
	r.nextID++
	c := *account
	c.ID = fmt.Sprintf("acc-%d", r.nextID)
	c.CreatedAt = time.Now()
	c.UpdatedAt = c.CreatedAt
	r.byID[c.ID] = &c
	out := c
	return &out, nil
}

func (r *fakeAccountRepo) GetByEmail(ctx context.Context, email string) (*models.Account, error) {
	for _, a := range r.byID {
		if a.Email == email {
			out := *a
			return &out, nil
		}
	}
	return nil, common.ErrorNotFound
}

func (r *fakeAccountRepo) GetByID(ctx context.Context, id string) (*models.Account, error) {
	a, ok := r.byID[id]
	if !ok {
		return nil, common.ErrorNotFound
	}
	out := *a
	return &out, nil
}

func (r *fakeAccountRepo) UpdatePasswordHash(ctx context.Context, id string, passwordHash string) error {
	a, ok := r.byID[id]
	if !ok {
		return common.ErrorNotFound
	}
	a.PasswordHash = passwordHash
	return nil
}

func (r *fakeAccountRepo) MarkEmailVerified(ctx context.Context, id string) error {
	a, ok := r.byID[id]
	if !ok {
		return common.ErrorNotFound
	}
	a.EmailVerified = true
	return nil
}

func (r *fakeAccountRepo) SetActive(ctx context.Context, id string, active bool) error {
	a, ok := r.byID[id]
	if !ok {
		return common.ErrorNotFound
	}
	a.Active = active
	return nil
}

type fakeRefreshTokenRepo struct {
	byHash map[string]*models.RefreshToken
	nextID int
}

func newFakeRefreshTokenRepo() *fakeRefreshTokenRepo {
	return &fakeRefreshTokenRepo{byHash: make(map[string]*models.RefreshToken)}
}

func (r *fakeRefreshTokenRepo) Create(ctx context.Context, token *models.RefreshToken) error {
	r.nextID++
	c := *token
	c.ID = fmt.Sprintf("rt-%d", r.nextID)
	c.CreatedAt = time.Now()
	r.byHash[c.TokenHash] = &c
	return nil
}

func (r *fakeRefreshTokenRepo) FindByHash(ctx context.Context, tokenHash string) (*models.RefreshToken, error) {
	t, ok := r.byHash[tokenHash]
	if !ok {
		return nil, common.ErrorNotFound
	}
	out := *t
	return &out, nil
}

func (r *fakeRefreshTokenRepo) FindByHashForUpdate(ctx context.Context, tokenHash string) (*models.RefreshToken, error) {
	return r.FindByHash(ctx, tokenHash)
}

func (r *fakeRefreshTokenRepo) FindByHashAndAccount(ctx context.Context, tokenHash, accountID string) (*models.RefreshToken, error) {
	t, ok := r.byHash[tokenHash]
	if !ok || t.AccountID != accountID {
		return nil, common.ErrorNotFound
	}
	out := *t
	return &out, nil
}

func (r *fakeRefreshTokenRepo) Revoke(ctx context.Context, id string) error {
	for _, t := range r.byHash {
		if t.ID == id {
			t.Revoked = true
			return nil
		}
	}
	return nil
}

type fakeSingleUseTokenRepo struct {
	byHash map[string]*models.SingleUseToken
	nextID int
}

func newFakeSingleUseTokenRepo() *fakeSingleUseTokenRepo {
	return &fakeSingleUseTokenRepo{byHash: make(map[string]*models.SingleUseToken)}
}

func (r *fakeSingleUseTokenRepo) Create(ctx context.Context, accountID, tokenHash string, expiresAt time.Time) error {
	r.nextID++
	r.byHash[tokenHash] = &models.SingleUseToken{
		ID:        fmt.Sprintf("sut-%d", r.nextID),
		AccountID: accountID,
		TokenHash: tokenHash,
		ExpiresAt: expiresAt,
		CreatedAt: time.Now(),
	}
	return nil
}

func (r *fakeSingleUseTokenRepo) FindByHashForUpdate(ctx context.Context, tokenHash string) (*models.SingleUseToken, error) {
	t, ok := r.byHash[tokenHash]
	if !ok {
		return nil, common.ErrorNotFound
	}
	out := *t
	return &out, nil
}

func (r *fakeSingleUseTokenRepo) MarkUsed(ctx context.Context, id string) error {
	for _, t := range r.byHash {
		if t.ID == id {
			t.Used = true
			return nil
		}
	}
	return common.ErrorNotFound
}

type fakeRepoManager struct {
	accounts      *fakeAccountRepo
	refreshTokens *fakeRefreshTokenRepo
	verification  *fakeSingleUseTokenRepo
	passwordReset *fakeSingleUseTokenRepo
}

func newFakeRepoManager() *fakeRepoManager {
	return &fakeRepoManager{
		accounts:      newFakeAccountRepo(),
		refreshTokens: newFakeRefreshTokenRepo(),
		verification:  newFakeSingleUseTokenRepo(),
		passwordReset: newFakeSingleUseTokenRepo(),
	}
}

func (m *fakeRepoManager) RunMigrations(ctx context.Context, db *sql.DB) error { return nil }
func (m *fakeRepoManager) Accounts(db dbx.DBTX) accounts.Repository           { return m.accounts }
func (m *fakeRepoManager) RefreshTokens(db dbx.DBTX) refreshtokens.Repository { return m.refreshTokens }
func (m *fakeRepoManager) VerificationTokens(db dbx.DBTX) singleusetokens.Repository {
	return m.verification
}
func (m *fakeRepoManager) PasswordResetTokens(db dbx.DBTX) singleusetokens.Repository {
	return m.passwordReset
}

// ---- test harness ----------------------------------------------------------

type testEnv struct {
	service *AuthService
	manager *fakeRepoManager
	mock    sqlmock.Sqlmock
	cfg     *config.Config
}

// newTestEnv builds an AuthService over fake repositories and a mocked
// *sql.DB. Only Begin/Commit/Rollback ever reach the mock; expectTx arms it
// for that many transactional calls.
func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New error: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	cfg := &config.Config{}
	cfg.LoadDefaults()
	cfg.BcryptCost = 4 // MinCost, keeps hashing fast in tests
	cfg.LoginMaxAttempts = 3
	cfg.VerificationMaxAttempts = 2
	cfg.PasswordResetMaxAttempts = 2

	manager := newFakeRepoManager()
	limiters := Limiters{
		Login:         ratelimit.NewMemoryLimiter(cfg.LoginMaxAttempts, cfg.LoginWindow),
		Verification:  ratelimit.NewMemoryLimiter(cfg.VerificationMaxAttempts, cfg.VerificationWindow),
		PasswordReset: ratelimit.NewMemoryLimiter(cfg.PasswordResetMaxAttempts, cfg.PasswordResetWindow),
	}

	service := NewAuthService(db, manager, cfg, logging.NewDiscardLogger(), limiters)
	return &testEnv{service: service, manager: manager, mock: mock, cfg: cfg}
}

func (e *testEnv) expectTx(n int) {
	for i := 0; i < n; i++ {
		e.mock.ExpectBegin()
		e.mock.ExpectCommit()
	}
}

func (e *testEnv) expectTxRollback(n int) {
	for i := 0; i < n; i++ {
		e.mock.ExpectBegin()
		e.mock.ExpectRollback()
	}
}

func (e *testEnv) register(t *testing.T, email, password string) *models.Account {
	t.Helper()
	account, err := e.service.Register(context.Background(), email, password)
	if err != nil {
		t.Fatalf("Register error: %v", err)
	}
	return account
}

// ---- Register --------------------------------------------------------------

func TestRegister(t *testing.T) {
	env := newTestEnv(t)

	account := env.register(t, "user@example.com", "password123")
	if account.ID == "" {
		t.Fatal("expected generated id")
	}
	if account.Role != models.RoleUser {
		t.Fatalf("expected role user, got %v", account.Role)
	}
	if !account.Active {
		t.Fatal("expected account active by default")
	}
	if account.EmailVerified {
		t.Fatal("expected account unverified on registration")
	}
	if account.PasswordHash == "password123" {
		t.Fatal("password stored in plain text")
	}
	ok, err := security.VerifyPassword("password123", account.PasswordHash)
	if err != nil || !ok {
		t.Fatalf("stored hash does not verify: ok=%v err=%v", ok, err)
	}
}

func TestRegister_DuplicateEmail(t *testing.T) {
	env := newTestEnv(t)
	env.register(t, "user@example.com", "password123")

	_, err := env.service.Register(context.Background(), "user@example.com", "otherpass")
	if !errors.Is(err, common.ErrorAlreadyExists) {
		t.Fatalf("expected ErrorAlreadyExists, got %v", err)
	}
}

func TestRegister_Inactive(t *testing.T) {
	env := newTestEnv(t)
	env.service.registerInactive = true

	account := env.register(t, "user@example.com", "password123")
	if account.Active {
		t.Fatal("expected account inactive when RegisterInactive is set")
	}
}

// ---- Authenticate ----------------------------------------------------------

func TestAuthenticate(t *testing.T) {
	env := newTestEnv(t)
	registered := env.register(t, "user@example.com", "password123")

	account, pair, err := env.service.Authenticate(context.Background(), "user@example.com", "password123", "10.0.0.1", "cli/1.0")
	if err != nil {
		t.Fatalf("Authenticate error: %v", err)
	}
	if account.ID != registered.ID {
		t.Fatalf("expected account %s, got %s", registered.ID, account.ID)
	}
	if pair.AccessToken == "" || pair.RefreshToken == "" {
		t.Fatal("expected non-empty token pair")
	}

	// Only the hash of the refresh token may be stored.
	if _, ok := env.manager.refreshTokens.byHash[pair.RefreshToken]; ok {
		t.Fatal("raw refresh token stored")
	}
	record, ok := env.manager.refreshTokens.byHash[security.HashToken(pair.RefreshToken)]
	if !ok {
		t.Fatal("refresh token record not stored under its hash")
	}
	if record.AccountID != account.ID {
		t.Fatalf("record owned by %s, want %s", record.AccountID, account.ID)
	}
	if record.DeviceInfo != "cli/1.0" {
		t.Fatalf("device info = %q, want cli/1.0", record.DeviceInfo)
	}
}

func TestAuthenticate_UnknownEmailAndWrongPasswordIndistinguishable(t *testing.T) {
	env := newTestEnv(t)
	env.register(t, "user@example.com", "password123")

	_, _, errUnknown := env.service.Authenticate(context.Background(), "nobody@example.com", "password123", "10.0.0.1", "")
	_, _, errWrongPw := env.service.Authenticate(context.Background(), "user@example.com", "wrongpass", "10.0.0.1", "")

	if !errors.Is(errUnknown, common.ErrInvalidCredentials) {
		t.Fatalf("unknown email: expected ErrInvalidCredentials, got %v", errUnknown)
	}
	if !errors.Is(errWrongPw, common.ErrInvalidCredentials) {
		t.Fatalf("wrong password: expected ErrInvalidCredentials, got %v", errWrongPw)
	}
}

func TestAuthenticate_InactiveAccount(t *testing.T) {
	env := newTestEnv(t)
	account := env.register(t, "user@example.com", "password123")
	env.manager.accounts.byID[account.ID].Active = false

	_, _, err := env.service.Authenticate(context.Background(), "user@example.com", "password123", "10.0.0.1", "")
	if !errors.Is(err, common.ErrUserInactive) {
		t.Fatalf("expected ErrUserInactive, got %v", err)
	}
}

func TestAuthenticate_RateLimited(t *testing.T) {
	env := newTestEnv(t)
	env.register(t, "user@example.com", "password123")
	ctx := context.Background()

	// Cap is 3; exhaust it with failures.
	for i := 0; i < env.cfg.LoginMaxAttempts; i++ {
		_, _, err := env.service.Authenticate(ctx, "user@example.com", "wrongpass", "10.0.0.1", "")
		if !errors.Is(err, common.ErrInvalidCredentials) {
			t.Fatalf("attempt %d: expected ErrInvalidCredentials, got %v", i, err)
		}
	}

	// Next attempt is refused before credentials are even checked.
	_, _, err := env.service.Authenticate(ctx, "user@example.com", "password123", "10.0.0.1", "")
	if !errors.Is(err, common.ErrRateLimited) {
		t.Fatalf("expected ErrRateLimited, got %v", err)
	}

	// A different source address is unaffected.
	_, _, err = env.service.Authenticate(ctx, "user@example.com", "password123", "10.0.0.2", "")
	if err != nil {
		t.Fatalf("different addr should not be limited: %v", err)
	}
}

func TestAuthenticate_SuccessResetsLimiter(t *testing.T) {
	env := newTestEnv(t)
	env.register(t, "user@example.com", "password123")
	ctx := context.Background()

	for i := 0; i < env.cfg.LoginMaxAttempts-1; i++ {
		env.service.Authenticate(ctx, "user@example.com", "wrongpass", "10.0.0.1", "")
	}
	if _, _, err := env.service.Authenticate(ctx, "user@example.com", "password123", "10.0.0.1", ""); err != nil {
		t.Fatalf("Authenticate error: %v", err)
	}

	// The counter is cleared, so a full run of failures is possible again.
	for i := 0; i < env.cfg.LoginMaxAttempts; i++ {
		_, _, err := env.service.Authenticate(ctx, "user@example.com", "wrongpass", "10.0.0.1", "")
		if !errors.Is(err, common.ErrInvalidCredentials) {
			t.Fatalf("attempt %d after reset: expected ErrInvalidCredentials, got %v", i, err)
		}
	}
}

// ---- RefreshTokens ---------------------------------------------------------

func TestRefreshTokens_Rotation(t *testing.T) {
	env := newTestEnv(t)
	env.register(t, "user@example.com", "password123")
	ctx := context.Background()

	_, pair, err := env.service.Authenticate(ctx, "user@example.com", "password123", "10.0.0.1", "cli/1.0")
	if err != nil {
		t.Fatalf("Authenticate error: %v", err)
	}

	env.expectTx(1)
	newPair, err := env.service.RefreshTokens(ctx, pair.RefreshToken)
	if err != nil {
		t.Fatalf("RefreshTokens error: %v", err)
	}
	if newPair.RefreshToken == pair.RefreshToken {
		t.Fatal("rotation returned the same refresh token")
	}

	old := env.manager.refreshTokens.byHash[security.HashToken(pair.RefreshToken)]
	if !old.Revoked {
		t.Fatal("old refresh token not revoked by rotation")
	}
	replacement := env.manager.refreshTokens.byHash[security.HashToken(newPair.RefreshToken)]
	if replacement == nil {
		t.Fatal("replacement refresh token not stored")
	}
	if replacement.DeviceInfo != "cli/1.0" {
		t.Fatalf("replacement device info = %q, want cli/1.0", replacement.DeviceInfo)
	}

	// Reusing the rotated-out token fails.
	env.expectTxRollback(1)
	_, err = env.service.RefreshTokens(ctx, pair.RefreshToken)
	if !errors.Is(err, common.ErrInvalidToken) {
		t.Fatalf("reuse after rotation: expected ErrInvalidToken, got %v", err)
	}
}

func TestRefreshTokens_Invalid(t *testing.T) {
	env := newTestEnv(t)
	account := env.register(t, "user@example.com", "password123")
	ctx := context.Background()

	seed := func(token string, mutate func(*models.RefreshToken)) {
		r := &models.RefreshToken{
			AccountID: account.ID,
			TokenHash: security.HashToken(token),
			ExpiresAt: time.Now().Add(time.Hour),
		}
		mutate(r)
		if err := env.manager.refreshTokens.Create(ctx, r); err != nil {
			t.Fatalf("seed error: %v", err)
		}
	}
	seed("revoked-token", func(r *models.RefreshToken) { r.Revoked = true })
	seed("expired-token", func(r *models.RefreshToken) { r.ExpiresAt = time.Now().Add(-time.Minute) })
	seed("orphaned-token", func(r *models.RefreshToken) { r.AccountID = "acc-gone" })

	cases := []struct {
		name  string
		token string
	}{
		{"unknown", "never-issued"},
		{"revoked", "revoked-token"},
		{"expired", "expired-token"},
		{"orphaned", "orphaned-token"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			env.expectTxRollback(1)
			_, err := env.service.RefreshTokens(ctx, tc.token)
			if !errors.Is(err, common.ErrInvalidToken) {
				t.Fatalf("expected ErrInvalidToken, got %v", err)
			}
		})
	}
}

func TestRefreshTokens_InactiveAccount(t *testing.T) {
	env := newTestEnv(t)
	account := env.register(t, "user@example.com", "password123")
	ctx := context.Background()

	_, pair, err := env.service.Authenticate(ctx, "user@example.com", "password123", "10.0.0.1", "")
	if err != nil {
		t.Fatalf("Authenticate error: %v", err)
	}
	env.manager.accounts.byID[account.ID].Active = false

	env.expectTxRollback(1)
	_, err = env.service.RefreshTokens(ctx, pair.RefreshToken)
	if !errors.Is(err, common.ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken for inactive account, got %v", err)
	}
}

// ---- Logout ----------------------------------------------------------------

func TestLogout_Idempotent(t *testing.T) {
	env := newTestEnv(t)
	account := env.register(t, "user@example.com", "password123")
	ctx := context.Background()

	_, pair, err := env.service.Authenticate(ctx, "user@example.com", "password123", "10.0.0.1", "")
	if err != nil {
		t.Fatalf("Authenticate error: %v", err)
	}

	if err := env.service.Logout(ctx, account.ID, pair.RefreshToken); err != nil {
		t.Fatalf("Logout error: %v", err)
	}
	record := env.manager.refreshTokens.byHash[security.HashToken(pair.RefreshToken)]
	if !record.Revoked {
		t.Fatal("refresh token not revoked by logout")
	}

	// Again with the same token, and with a token that never existed.
	if err := env.service.Logout(ctx, account.ID, pair.RefreshToken); err != nil {
		t.Fatalf("second Logout error: %v", err)
	}
	if err := env.service.Logout(ctx, account.ID, "never-issued"); err != nil {
		t.Fatalf("Logout of unknown token error: %v", err)
	}
}

func TestLogout_OtherAccountsToken(t *testing.T) {
	env := newTestEnv(t)
	env.register(t, "alice@example.com", "password123")
	bob := env.register(t, "bob@example.com", "password123")
	ctx := context.Background()

	_, alicePair, err := env.service.Authenticate(ctx, "alice@example.com", "password123", "10.0.0.1", "")
	if err != nil {
		t.Fatalf("Authenticate error: %v", err)
	}

	// Bob cannot revoke Alice's token; the call is a silent no-op.
	if err := env.service.Logout(ctx, bob.ID, alicePair.RefreshToken); err != nil {
		t.Fatalf("Logout error: %v", err)
	}
	record := env.manager.refreshTokens.byHash[security.HashToken(alicePair.RefreshToken)]
	if record.Revoked {
		t.Fatal("token revoked by a different account")
	}
}

// ---- email verification ----------------------------------------------------

func TestVerifyEmail(t *testing.T) {
	env := newTestEnv(t)
	account := env.register(t, "user@example.com", "password123")
	ctx := context.Background()

	token, err := env.service.CreateVerificationToken(ctx, account)
	if err != nil {
		t.Fatalf("CreateVerificationToken error: %v", err)
	}
	if _, ok := env.manager.verification.byHash[token]; ok {
		t.Fatal("raw verification token stored")
	}

	env.expectTx(1)
	verified, err := env.service.VerifyEmail(ctx, token)
	if err != nil {
		t.Fatalf("VerifyEmail error: %v", err)
	}
	if !verified.EmailVerified {
		t.Fatal("returned account not marked verified")
	}
	if !env.manager.accounts.byID[account.ID].EmailVerified {
		t.Fatal("stored account not marked verified")
	}
	record := env.manager.verification.byHash[security.HashToken(token)]
	if !record.Used {
		t.Fatal("verification token not marked used")
	}

	// Single use: the same token cannot be consumed twice.
	env.expectTxRollback(1)
	_, err = env.service.VerifyEmail(ctx, token)
	if !errors.Is(err, common.ErrInvalidToken) {
		t.Fatalf("second use: expected ErrInvalidToken, got %v", err)
	}
}

func TestVerifyEmail_Expired(t *testing.T) {
	env := newTestEnv(t)
	account := env.register(t, "user@example.com", "password123")
	ctx := context.Background()

	token, err := env.service.CreateVerificationToken(ctx, account)
	if err != nil {
		t.Fatalf("CreateVerificationToken error: %v", err)
	}
	env.manager.verification.byHash[security.HashToken(token)].ExpiresAt = time.Now().Add(-time.Second)

	env.expectTxRollback(1)
	_, err = env.service.VerifyEmail(ctx, token)
	if !errors.Is(err, common.ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken for expired token, got %v", err)
	}
}

func TestVerifyEmail_AlreadyVerified(t *testing.T) {
	env := newTestEnv(t)
	account := env.register(t, "user@example.com", "password123")
	ctx := context.Background()

	token, err := env.service.CreateVerificationToken(ctx, account)
	if err != nil {
		t.Fatalf("CreateVerificationToken error: %v", err)
	}
	env.manager.accounts.byID[account.ID].EmailVerified = true

	env.expectTxRollback(1)
	_, err = env.service.VerifyEmail(ctx, token)
	if !errors.Is(err, common.ErrAlreadyVerified) {
		t.Fatalf("expected ErrAlreadyVerified, got %v", err)
	}
	// The token survives: already-verified is detected before consumption.
	if env.manager.verification.byHash[security.HashToken(token)].Used {
		t.Fatal("token consumed despite rolled-back verification")
	}
}

func TestResendVerification(t *testing.T) {
	env := newTestEnv(t)
	account := env.register(t, "user@example.com", "password123")
	ctx := context.Background()

	token, err := env.service.ResendVerification(ctx, "user@example.com", "10.0.0.1")
	if err != nil {
		t.Fatalf("ResendVerification error: %v", err)
	}
	record := env.manager.verification.byHash[security.HashToken(token)]
	if record == nil || record.AccountID != account.ID {
		t.Fatal("verification token not stored for the account")
	}
}

func TestResendVerification_UnknownEmail(t *testing.T) {
	env := newTestEnv(t)

	_, err := env.service.ResendVerification(context.Background(), "nobody@example.com", "10.0.0.1")
	if !errors.Is(err, common.ErrUserNotFound) {
		t.Fatalf("expected ErrUserNotFound, got %v", err)
	}
}

func TestResendVerification_AlreadyVerified(t *testing.T) {
	env := newTestEnv(t)
	account := env.register(t, "user@example.com", "password123")
	env.manager.accounts.byID[account.ID].EmailVerified = true

	_, err := env.service.ResendVerification(context.Background(), "user@example.com", "10.0.0.1")
	if !errors.Is(err, common.ErrAlreadyVerified) {
		t.Fatalf("expected ErrAlreadyVerified, got %v", err)
	}
}

func TestResendVerification_RateLimited(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	// Cap is 2, and every attempt counts, including ones for unknown emails.
	for i := 0; i < env.cfg.VerificationMaxAttempts; i++ {
		env.service.ResendVerification(ctx, "nobody@example.com", "10.0.0.1")
	}
	_, err := env.service.ResendVerification(ctx, "nobody@example.com", "10.0.0.1")
	if !errors.Is(err, common.ErrRateLimited) {
		t.Fatalf("expected ErrRateLimited, got %v", err)
	}
}

// ---- password reset --------------------------------------------------------

func TestRequestPasswordReset(t *testing.T) {
	env := newTestEnv(t)
	account := env.register(t, "user@example.com", "password123")

	token, err := env.service.RequestPasswordReset(context.Background(), "user@example.com", "10.0.0.1")
	if err != nil {
		t.Fatalf("RequestPasswordReset error: %v", err)
	}
	record := env.manager.passwordReset.byHash[security.HashToken(token)]
	if record == nil || record.AccountID != account.ID {
		t.Fatal("reset token not stored for the account")
	}
}

func TestRequestPasswordReset_UnknownEmailSilent(t *testing.T) {
	env := newTestEnv(t)

	token, err := env.service.RequestPasswordReset(context.Background(), "nobody@example.com", "10.0.0.1")
	if err != nil {
		t.Fatalf("unknown email must not error, got %v", err)
	}
	if token != "" {
		t.Fatal("unknown email must not produce a token")
	}
}

func TestRequestPasswordReset_RateLimited(t *testing.T) {
	env := newTestEnv(t)
	env.register(t, "user@example.com", "password123")
	ctx := context.Background()

	for i := 0; i < env.cfg.PasswordResetMaxAttempts; i++ {
		if _, err := env.service.RequestPasswordReset(ctx, "user@example.com", "10.0.0.1"); err != nil {
			t.Fatalf("attempt %d error: %v", i, err)
		}
	}
	_, err := env.service.RequestPasswordReset(ctx, "user@example.com", "10.0.0.1")
	if !errors.Is(err, common.ErrRateLimited) {
		t.Fatalf("expected ErrRateLimited, got %v", err)
	}
}

func TestResetPassword(t *testing.T) {
	env := newTestEnv(t)
	account := env.register(t, "user@example.com", "password123")
	ctx := context.Background()

	token, err := env.service.RequestPasswordReset(ctx, "user@example.com", "10.0.0.1")
	if err != nil {
		t.Fatalf("RequestPasswordReset error: %v", err)
	}

	env.expectTx(1)
	if _, err := env.service.ResetPassword(ctx, token, "newpassword"); err != nil {
		t.Fatalf("ResetPassword error: %v", err)
	}

	stored := env.manager.accounts.byID[account.ID]
	if ok, _ := security.VerifyPassword("newpassword", stored.PasswordHash); !ok {
		t.Fatal("new password does not verify")
	}
	if ok, _ := security.VerifyPassword("password123", stored.PasswordHash); ok {
		t.Fatal("old password still verifies")
	}

	// Single use: a second reset with the same token fails.
	env.expectTxRollback(1)
	_, err = env.service.ResetPassword(ctx, token, "thirdpassword")
	if !errors.Is(err, common.ErrInvalidToken) {
		t.Fatalf("second use: expected ErrInvalidToken, got %v", err)
	}
}

func TestResetPassword_InvalidToken(t *testing.T) {
	env := newTestEnv(t)

	env.expectTxRollback(1)
	_, err := env.service.ResetPassword(context.Background(), "never-issued", "newpassword")
	if !errors.Is(err, common.ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken, got %v", err)
	}
}

// ---- full lifecycle --------------------------------------------------------

func TestAuthLifecycle(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	account := env.register(t, "user@example.com", "password123")

	verificationToken, err := env.service.CreateVerificationToken(ctx, account)
	if err != nil {
		t.Fatalf("CreateVerificationToken error: %v", err)
	}
	env.expectTx(1)
	if _, err := env.service.VerifyEmail(ctx, verificationToken); err != nil {
		t.Fatalf("VerifyEmail error: %v", err)
	}

	_, pair, err := env.service.Authenticate(ctx, "user@example.com", "password123", "10.0.0.1", "cli/1.0")
	if err != nil {
		t.Fatalf("Authenticate error: %v", err)
	}

	env.expectTx(1)
	rotated, err := env.service.RefreshTokens(ctx, pair.RefreshToken)
	if err != nil {
		t.Fatalf("RefreshTokens error: %v", err)
	}

	env.expectTxRollback(1)
	if _, err := env.service.RefreshTokens(ctx, pair.RefreshToken); !errors.Is(err, common.ErrInvalidToken) {
		t.Fatalf("old token reuse: expected ErrInvalidToken, got %v", err)
	}

	if err := env.service.Logout(ctx, account.ID, rotated.RefreshToken); err != nil {
		t.Fatalf("Logout error: %v", err)
	}
	env.expectTxRollback(1)
	if _, err := env.service.RefreshTokens(ctx, rotated.RefreshToken); !errors.Is(err, common.ErrInvalidToken) {
		t.Fatalf("post-logout refresh: expected ErrInvalidToken, got %v", err)
	}
}

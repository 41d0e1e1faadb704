// Package services contains server-side business logic. This file implements
// AuthService, which orchestrates registration, login, refresh-token
// rotation, logout, email verification, and password reset against the
// repository layer.
package services

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/dmitrijs2005/authkeeper/internal/common"
	"github.com/dmitrijs2005/authkeeper/internal/dbx"
	"github.com/dmitrijs2005/authkeeper/internal/logging"
	"github.com/dmitrijs2005/authkeeper/internal/ratelimit"
	"github.com/dmitrijs2005/authkeeper/internal/security"
	"github.com/dmitrijs2005/authkeeper/internal/server/auth"
	"github.com/dmitrijs2005/authkeeper/internal/server/config"
	"github.com/dmitrijs2005/authkeeper/internal/server/models"
	"github.com/dmitrijs2005/authkeeper/internal/server/repositories/repomanager"
	"github.com/dmitrijs2005/authkeeper/internal/server/repositories/singleusetokens"
)

// TokenPair bundles a short-lived access token and a long-lived refresh token.
type TokenPair struct {
	AccessToken  string
	RefreshToken string
}

// Limiters groups the per-operation rate limiters. The three instances must
// not share state; each protected operation has its own cap and window.
type Limiters struct {
	Login         ratelimit.Limiter
	Verification  ratelimit.Limiter
	PasswordReset ratelimit.Limiter
}

// AuthService provides the authentication operations consumed by the
// transport layer:
//   - Register: create accounts
//   - Authenticate: verify credentials and mint tokens
//   - RefreshTokens: rotate refresh tokens and mint new access tokens
//   - Logout: revoke a refresh token
//   - VerifyEmail / ResendVerification: single-use email verification
//   - RequestPasswordReset / ResetPassword: single-use password reset
//
// Business failures surface as the sentinel errors in internal/common;
// storage failures wrap into a distinct internal category and roll back any
// open transaction before propagating.
type AuthService struct {
	db                                *sql.DB
	repomanager                       repomanager.RepositoryManager
	logger                            logging.Logger
	limiters                          Limiters
	jwtSecret                         []byte
	bcryptCost                        int
	registerInactive                  bool
	accessTokenValidityDuration       time.Duration
	refreshTokenValidityDuration      time.Duration
	verificationTokenValidityDuration time.Duration
	passwordResetValidityDuration     time.Duration
}

// NewAuthService constructs an AuthService using repositories, limiters, and
// server config.
func NewAuthService(db *sql.DB, m repomanager.RepositoryManager, cfg *config.Config, logger logging.Logger, limiters Limiters) *AuthService {
	return &AuthService{
		db:                                db,
		repomanager:                       m,
		logger:                            logger,
		limiters:                          limiters,
		jwtSecret:                         []byte(cfg.SecretKey),
		bcryptCost:                        cfg.BcryptCost,
		registerInactive:                  cfg.RegisterInactive,
		accessTokenValidityDuration:       cfg.AccessTokenValidityDuration,
		refreshTokenValidityDuration:      cfg.RefreshTokenValidityDuration,
		verificationTokenValidityDuration: cfg.VerificationTokenValidityDuration,
		passwordResetValidityDuration:     cfg.PasswordResetValidityDuration,
	}
}

// Register creates a new account with the given email and password. The
// email must not already be registered.
func (s *AuthService) Register(ctx context.Context, email, password string) (*models.Account, error) {
	s.logger.Info(ctx, "auth.register_started")

	hash, err := security.HashPassword(password, s.bcryptCost)
	if err != nil {
		return nil, common.ErrorInternal
	}

	account := &models.Account{
		Email:        email,
		PasswordHash: hash,
		Role:         models.RoleUser,
		Active:       !s.registerInactive,
	}

	repo := s.repomanager.Accounts(s.db)
	created, err := repo.Create(ctx, account)
	if err != nil {
		if errors.Is(err, common.ErrorAlreadyExists) {
			s.logger.Warn(ctx, "auth.register_failed", "reason", "email_exists")
			return nil, common.ErrorAlreadyExists
		}
		s.logger.Error(ctx, "auth.register_failed", "error", err.Error())
		return nil, fmt.Errorf("error creating account: %w", err)
	}

	s.logger.Info(ctx, "auth.register_completed", "account_id", created.ID)
	return created, nil
}

// Authenticate verifies the credentials and, on success, returns the account
// together with a fresh token pair. Unknown email and wrong password both
// collapse to ErrInvalidCredentials and both count against the login rate
// limit for (email, addr).
func (s *AuthService) Authenticate(ctx context.Context, email, password, addr, deviceInfo string) (*models.Account, *TokenPair, error) {
	s.logger.Info(ctx, "auth.login_started", "addr", addr)

	// Rate-limit check comes first, before any storage access.
	allowed, err := s.limiters.Login.Allow(ctx, email, addr)
	if err != nil {
		return nil, nil, common.ErrorInternal
	}
	if !allowed {
		s.logger.Warn(ctx, "auth.login_failed", "reason", "rate_limit_exceeded", "addr", addr)
		return nil, nil, common.ErrRateLimited
	}

	repo := s.repomanager.Accounts(s.db)
	account, err := repo.GetByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, common.ErrorNotFound) {
			_ = s.limiters.Login.Record(ctx, email, addr)
			s.logger.Warn(ctx, "auth.login_failed", "reason", "user_not_found")
			return nil, nil, common.ErrInvalidCredentials
		}
		return nil, nil, common.ErrorInternal
	}

	ok, err := security.VerifyPassword(password, account.PasswordHash)
	if err != nil {
		return nil, nil, common.ErrorInternal
	}
	if !ok {
		_ = s.limiters.Login.Record(ctx, email, addr)
		s.logger.Warn(ctx, "auth.login_failed", "reason", "invalid_password", "account_id", account.ID)
		return nil, nil, common.ErrInvalidCredentials
	}

	// Past the credential check, so revealing the inactive state leaks
	// nothing about account existence.
	if !account.Active {
		s.logger.Warn(ctx, "auth.login_failed", "reason", "user_inactive", "account_id", account.ID)
		return nil, nil, common.ErrUserInactive
	}

	if err := s.limiters.Login.Reset(ctx, email, addr); err != nil {
		return nil, nil, common.ErrorInternal
	}

	pair, err := s.generateTokenPair(ctx, account, deviceInfo, s.db)
	if err != nil {
		return nil, nil, err
	}

	s.logger.Info(ctx, "auth.login_completed", "account_id", account.ID, "role", account.Role.String())
	return account, pair, nil
}

// RefreshTokens exchanges a valid refresh token for a new token pair,
// revoking the old one in the same transaction (rotation). Not-found,
// revoked, expired, and orphaned tokens all collapse to ErrInvalidToken.
// Two rotations racing on the same token serialize on the row lock; the
// loser observes the revoked record and fails.
func (s *AuthService) RefreshTokens(ctx context.Context, refreshToken string) (*TokenPair, error) {
	s.logger.Info(ctx, "auth.refresh_started")

	tokenHash := security.HashToken(refreshToken)

	var pair *TokenPair
	err := dbx.WithTx(ctx, s.db, nil, func(ctx context.Context, tx dbx.DBTX) error {
		repo := s.repomanager.RefreshTokens(tx)

		record, err := repo.FindByHashForUpdate(ctx, tokenHash)
		if err != nil {
			if errors.Is(err, common.ErrorNotFound) {
				s.logger.Warn(ctx, "auth.refresh_failed", "reason", "token_not_found")
				return common.ErrInvalidToken
			}
			return fmt.Errorf("error searching refresh token: %w", err)
		}
		if record.Revoked {
			s.logger.Warn(ctx, "auth.refresh_failed", "reason", "token_revoked", "account_id", record.AccountID)
			return common.ErrInvalidToken
		}
		if record.ExpiresAt.Before(time.Now()) {
			s.logger.Warn(ctx, "auth.refresh_failed", "reason", "token_expired", "account_id", record.AccountID)
			return common.ErrInvalidToken
		}

		account, err := s.repomanager.Accounts(tx).GetByID(ctx, record.AccountID)
		if err != nil {
			if errors.Is(err, common.ErrorNotFound) {
				s.logger.Warn(ctx, "auth.refresh_failed", "reason", "user_not_found", "account_id", record.AccountID)
				return common.ErrInvalidToken
			}
			return fmt.Errorf("error loading account: %w", err)
		}
		if !account.Active {
			s.logger.Warn(ctx, "auth.refresh_failed", "reason", "user_inactive", "account_id", account.ID)
			return common.ErrInvalidToken
		}

		if err := repo.Revoke(ctx, record.ID); err != nil {
			return fmt.Errorf("error revoking refresh token: %w", err)
		}

		// The replacement inherits the device descriptor of the record
		// it rotates out.
		pair, err = s.generateTokenPair(ctx, account, record.DeviceInfo, tx)
		if err != nil {
			return err
		}

		s.logger.Info(ctx, "auth.refresh_completed", "account_id", account.ID)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return pair, nil
}

// Logout revokes the given refresh token for the account. Unknown and
// already revoked tokens are a no-op; logout never fails for business
// reasons.
func (s *AuthService) Logout(ctx context.Context, accountID, refreshToken string) error {
	s.logger.Info(ctx, "auth.logout_started", "account_id", accountID)

	tokenHash := security.HashToken(refreshToken)
	repo := s.repomanager.RefreshTokens(s.db)

	record, err := repo.FindByHashAndAccount(ctx, tokenHash, accountID)
	if err != nil {
		if errors.Is(err, common.ErrorNotFound) {
			s.logger.Info(ctx, "auth.logout_completed", "account_id", accountID)
			return nil
		}
		return fmt.Errorf("error searching refresh token: %w", err)
	}

	if !record.Revoked {
		if err := repo.Revoke(ctx, record.ID); err != nil {
			return fmt.Errorf("error revoking refresh token: %w", err)
		}
	}

	s.logger.Info(ctx, "auth.logout_completed", "account_id", accountID)
	return nil
}

// CreateVerificationToken issues a new email-verification token for the
// account and returns the raw value. Only the hash is persisted; out-of-band
// delivery is the caller's job.
func (s *AuthService) CreateVerificationToken(ctx context.Context, account *models.Account) (string, error) {
	return s.createSingleUseToken(ctx, account, s.repomanager.VerificationTokens(s.db), s.verificationTokenValidityDuration)
}

// CreatePasswordResetToken issues a new password-reset token for the account
// and returns the raw value.
func (s *AuthService) CreatePasswordResetToken(ctx context.Context, account *models.Account) (string, error) {
	return s.createSingleUseToken(ctx, account, s.repomanager.PasswordResetTokens(s.db), s.passwordResetValidityDuration)
}

// VerifyEmail consumes a verification token and marks the owning account
// verified. Marking the token used and the account verified commit as one
// transaction. Not-found, used, expired, and orphaned tokens collapse to
// ErrInvalidToken; a valid token for an already verified account signals
// ErrAlreadyVerified.
func (s *AuthService) VerifyEmail(ctx context.Context, token string) (*models.Account, error) {
	s.logger.Info(ctx, "auth.email_verification_started")

	tokenHash := security.HashToken(token)

	var account *models.Account
	err := dbx.WithTx(ctx, s.db, nil, func(ctx context.Context, tx dbx.DBTX) error {
		record, err := s.consumableToken(ctx, s.repomanager.VerificationTokens(tx), tokenHash, "auth.email_verification_failed")
		if err != nil {
			return err
		}

		accountRepo := s.repomanager.Accounts(tx)
		account, err = accountRepo.GetByID(ctx, record.AccountID)
		if err != nil {
			if errors.Is(err, common.ErrorNotFound) {
				s.logger.Warn(ctx, "auth.email_verification_failed", "reason", "user_not_found", "account_id", record.AccountID)
				return common.ErrInvalidToken
			}
			return fmt.Errorf("error loading account: %w", err)
		}
		if account.EmailVerified {
			s.logger.Warn(ctx, "auth.email_verification_failed", "reason", "already_verified", "account_id", account.ID)
			return common.ErrAlreadyVerified
		}

		if err := s.repomanager.VerificationTokens(tx).MarkUsed(ctx, record.ID); err != nil {
			return fmt.Errorf("error marking token used: %w", err)
		}
		if err := accountRepo.MarkEmailVerified(ctx, account.ID); err != nil {
			return fmt.Errorf("error marking email verified: %w", err)
		}
		account.EmailVerified = true

		s.logger.Info(ctx, "auth.email_verification_completed", "account_id", account.ID)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return account, nil
}

// ResendVerification issues a fresh verification token for the email.
// Rate-limited; every attempt counts. Outstanding unused tokens stay valid.
func (s *AuthService) ResendVerification(ctx context.Context, email, addr string) (string, error) {
	s.logger.Info(ctx, "auth.resend_verification_started", "addr", addr)

	allowed, err := s.limiters.Verification.Allow(ctx, email, addr)
	if err != nil {
		return "", common.ErrorInternal
	}
	if !allowed {
		s.logger.Warn(ctx, "auth.resend_verification_failed", "reason", "rate_limit_exceeded", "addr", addr)
		return "", common.ErrRateLimited
	}
	if err := s.limiters.Verification.Record(ctx, email, addr); err != nil {
		return "", common.ErrorInternal
	}

	account, err := s.repomanager.Accounts(s.db).GetByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, common.ErrorNotFound) {
			s.logger.Warn(ctx, "auth.resend_verification_failed", "reason", "user_not_found")
			return "", common.ErrUserNotFound
		}
		return "", common.ErrorInternal
	}
	if account.EmailVerified {
		s.logger.Warn(ctx, "auth.resend_verification_failed", "reason", "already_verified", "account_id", account.ID)
		return "", common.ErrAlreadyVerified
	}

	token, err := s.CreateVerificationToken(ctx, account)
	if err != nil {
		return "", err
	}

	s.logger.Info(ctx, "auth.resend_verification_completed", "account_id", account.ID)
	return token, nil
}

// RequestPasswordReset issues a password-reset token for the email.
// Rate-limited; every attempt counts. An unknown email returns ("", nil)
// silently so that the caller-visible outcome never reveals whether the
// account exists.
func (s *AuthService) RequestPasswordReset(ctx context.Context, email, addr string) (string, error) {
	s.logger.Info(ctx, "auth.password_reset_requested", "addr", addr)

	allowed, err := s.limiters.PasswordReset.Allow(ctx, email, addr)
	if err != nil {
		return "", common.ErrorInternal
	}
	if !allowed {
		s.logger.Warn(ctx, "auth.password_reset_request_failed", "reason", "rate_limit_exceeded", "addr", addr)
		return "", common.ErrRateLimited
	}
	if err := s.limiters.PasswordReset.Record(ctx, email, addr); err != nil {
		return "", common.ErrorInternal
	}

	account, err := s.repomanager.Accounts(s.db).GetByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, common.ErrorNotFound) {
			// Deliberately indistinguishable from the found case.
			s.logger.Info(ctx, "auth.password_reset_request_completed", "user_found", false)
			return "", nil
		}
		return "", common.ErrorInternal
	}

	token, err := s.CreatePasswordResetToken(ctx, account)
	if err != nil {
		return "", err
	}

	s.logger.Info(ctx, "auth.password_reset_request_completed", "user_found", true, "account_id", account.ID)
	return token, nil
}

// ResetPassword consumes a reset token and overwrites the account's
// credential hash. Marking the token used and updating the hash commit as
// one transaction. Invalid tokens collapse to ErrInvalidToken.
func (s *AuthService) ResetPassword(ctx context.Context, token, newPassword string) (*models.Account, error) {
	s.logger.Info(ctx, "auth.password_reset_started")

	tokenHash := security.HashToken(token)

	newHash, err := security.HashPassword(newPassword, s.bcryptCost)
	if err != nil {
		return nil, common.ErrorInternal
	}

	var account *models.Account
	err = dbx.WithTx(ctx, s.db, nil, func(ctx context.Context, tx dbx.DBTX) error {
		record, err := s.consumableToken(ctx, s.repomanager.PasswordResetTokens(tx), tokenHash, "auth.password_reset_failed")
		if err != nil {
			return err
		}

		accountRepo := s.repomanager.Accounts(tx)
		account, err = accountRepo.GetByID(ctx, record.AccountID)
		if err != nil {
			if errors.Is(err, common.ErrorNotFound) {
				s.logger.Warn(ctx, "auth.password_reset_failed", "reason", "user_not_found", "account_id", record.AccountID)
				return common.ErrInvalidToken
			}
			return fmt.Errorf("error loading account: %w", err)
		}

		if err := s.repomanager.PasswordResetTokens(tx).MarkUsed(ctx, record.ID); err != nil {
			return fmt.Errorf("error marking token used: %w", err)
		}
		if err := accountRepo.UpdatePasswordHash(ctx, account.ID, newHash); err != nil {
			return fmt.Errorf("error updating password: %w", err)
		}
		account.PasswordHash = newHash

		s.logger.Info(ctx, "auth.password_reset_completed", "account_id", account.ID)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return account, nil
}

// GetAccountByID fetches an account by its surrogate id.
func (s *AuthService) GetAccountByID(ctx context.Context, id string) (*models.Account, error) {
	return s.repomanager.Accounts(s.db).GetByID(ctx, id)
}

// GetAccountByEmail fetches an account by email.
func (s *AuthService) GetAccountByEmail(ctx context.Context, email string) (*models.Account, error) {
	return s.repomanager.Accounts(s.db).GetByEmail(ctx, email)
}

// --- helpers below ---

func (s *AuthService) generateTokenPair(ctx context.Context, account *models.Account, deviceInfo string, db dbx.DBTX) (*TokenPair, error) {
	access, err := auth.GenerateAccessToken(account.ID, account.Role, s.jwtSecret, s.accessTokenValidityDuration)
	if err != nil {
		return nil, common.ErrorInternal
	}
	refresh, err := auth.GenerateRefreshToken()
	if err != nil {
		return nil, common.ErrorInternal
	}

	record := &models.RefreshToken{
		AccountID:  account.ID,
		TokenHash:  security.HashToken(refresh),
		ExpiresAt:  auth.RefreshExpiry(time.Now(), s.refreshTokenValidityDuration),
		DeviceInfo: deviceInfo,
	}
	if err := s.repomanager.RefreshTokens(db).Create(ctx, record); err != nil {
		return nil, common.ErrorInternal
	}

	return &TokenPair{AccessToken: access, RefreshToken: refresh}, nil
}

func (s *AuthService) createSingleUseToken(ctx context.Context, account *models.Account, repo singleusetokens.Repository, validity time.Duration) (string, error) {
	raw, err := security.MakeRandHexString(32)
	if err != nil {
		return "", common.ErrorInternal
	}

	expiresAt := time.Now().Add(validity)
	if err := repo.Create(ctx, account.ID, security.HashToken(raw), expiresAt); err != nil {
		return "", common.ErrorInternal
	}

	s.logger.Info(ctx, "auth.single_use_token_created", "account_id", account.ID, "expires_at", expiresAt)
	return raw, nil
}

// consumableToken loads a single-use token by hash and checks it is still
// consumable. Not-found, used, and expired all collapse to ErrInvalidToken.
func (s *AuthService) consumableToken(ctx context.Context, repo singleusetokens.Repository, tokenHash, logEvent string) (*models.SingleUseToken, error) {
	record, err := repo.FindByHashForUpdate(ctx, tokenHash)
	if err != nil {
		if errors.Is(err, common.ErrorNotFound) {
			s.logger.Warn(ctx, logEvent, "reason", "token_not_found")
			return nil, common.ErrInvalidToken
		}
		return nil, fmt.Errorf("error searching token: %w", err)
	}
	if record.Used {
		s.logger.Warn(ctx, logEvent, "reason", "token_already_used", "account_id", record.AccountID)
		return nil, common.ErrInvalidToken
	}
	if record.ExpiresAt.Before(time.Now()) {
		s.logger.Warn(ctx, logEvent, "reason", "token_expired", "account_id", record.AccountID)
		return nil, common.ErrInvalidToken
	}
	return record, nil
}

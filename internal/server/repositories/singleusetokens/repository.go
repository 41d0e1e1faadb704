// Package singleusetokens declares the shared storage contract for
// email-verification and password-reset tokens. The two kinds live in
// separate tables but share a row shape and lifecycle: unused, then either
// used (terminal) or expired (derived from the timestamp).
package singleusetokens

import (
	"context"
	"time"

	"github.com/dmitrijs2005/authkeeper/internal/server/models"
)

// Kind selects which single-use token table a repository operates on.
type Kind string

const (
	KindEmailVerification Kind = "email_verification"
	KindPasswordReset     Kind = "password_reset"
)

// table maps a kind to its table name. The set is closed, so the name is
// safe to interpolate into SQL.
func (k Kind) table() string {
	switch k {
	case KindPasswordReset:
		return "password_reset_tokens"
	default:
		return "verification_tokens"
	}
}

// Repository defines operations for issuing and consuming single-use tokens.
type Repository interface {
	// Create stores a new token record. tokenHash must already be the
	// one-way hash, never the raw token.
	Create(ctx context.Context, accountID, tokenHash string, expiresAt time.Time) error

	// FindByHashForUpdate looks up a record by hash with a row lock so
	// that mark-used serializes against concurrent consumption. Returns
	// common.ErrorNotFound when absent. Call inside a transaction.
	FindByHashForUpdate(ctx context.Context, tokenHash string) (*models.SingleUseToken, error)

	// MarkUsed flips the used flag. The flag never transitions back.
	MarkUsed(ctx context.Context, id string) error
}

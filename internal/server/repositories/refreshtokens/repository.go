// Package refreshtokens declares the storage contract for refresh-token
// records. Tokens are stored as SHA-256 hashes; revocation is one-way.
package refreshtokens

import (
	"context"

	"github.com/dmitrijs2005/authkeeper/internal/server/models"
)

// Repository defines operations for issuing, retrieving, and revoking
// refresh-token records.
type Repository interface {
	// Create stores a new refresh-token record. The token field must
	// already be the one-way hash, never the raw token.
	Create(ctx context.Context, token *models.RefreshToken) error

	// FindByHash looks up a record by its token hash. Returns
	// common.ErrorNotFound when absent.
	FindByHash(ctx context.Context, tokenHash string) (*models.RefreshToken, error)

	// FindByHashForUpdate is FindByHash with a row lock, so that the
	// revoke-and-replace of a rotation serializes against concurrent
	// rotations of the same token. Call inside a transaction.
	FindByHashForUpdate(ctx context.Context, tokenHash string) (*models.RefreshToken, error)

	// FindByHashAndAccount looks up a record scoped to an owning account.
	FindByHashAndAccount(ctx context.Context, tokenHash, accountID string) (*models.RefreshToken, error)

	// Revoke marks a record revoked. Revoking an already revoked record
	// is a no-op.
	Revoke(ctx context.Context, id string) error
}

// Package accounts declares the storage contract for user accounts.
package accounts

import (
	"context"

	"github.com/dmitrijs2005/authkeeper/internal/server/models"
)

// Repository defines persistence operations for accounts. Implementations
// return common.ErrorNotFound for missing rows and common.ErrorAlreadyExists
// for email collisions.
type Repository interface {
	Create(ctx context.Context, account *models.Account) (*models.Account, error)
	GetByEmail(ctx context.Context, email string) (*models.Account, error)
	GetByID(ctx context.Context, id string) (*models.Account, error)

	// UpdatePasswordHash overwrites the stored credential hash.
	UpdatePasswordHash(ctx context.Context, id string, passwordHash string) error

	// MarkEmailVerified flips the verified flag.
	MarkEmailVerified(ctx context.Context, id string) error

	// SetActive toggles the active flag.
	SetActive(ctx context.Context, id string, active bool) error
}

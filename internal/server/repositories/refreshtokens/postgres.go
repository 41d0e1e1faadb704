package refreshtokens

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/dmitrijs2005/authkeeper/internal/common"
	"github.com/dmitrijs2005/authkeeper/internal/dbx"
	"github.com/dmitrijs2005/authkeeper/internal/server/models"
)

// PostgresRepository implements Repository over dbx.DBTX (satisfied by
// *sql.DB or *sql.Tx).
type PostgresRepository struct {
	db dbx.DBTX
}

func NewPostgresRepository(db dbx.DBTX) *PostgresRepository {
	return &PostgresRepository{db: db}
}

func (r *PostgresRepository) Create(ctx context.Context, token *models.RefreshToken) error {
	query := `
		INSERT INTO refresh_tokens (account_id, token_hash, expires_at, device_info)
		VALUES ($1, $2, $3, $4)
	`
	if _, err := r.db.ExecContext(ctx, query,
		token.AccountID, token.TokenHash, token.ExpiresAt, token.DeviceInfo); err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	return nil
}

func (r *PostgresRepository) FindByHash(ctx context.Context, tokenHash string) (*models.RefreshToken, error) {
	query := `
		SELECT id, account_id, token_hash, expires_at, is_revoked, device_info, created_at
		FROM refresh_tokens
		WHERE token_hash = $1
	`
	return r.scanOne(r.db.QueryRowContext(ctx, query, tokenHash))
}

func (r *PostgresRepository) FindByHashForUpdate(ctx context.Context, tokenHash string) (*models.RefreshToken, error) {
	query := `
		SELECT id, account_id, token_hash, expires_at, is_revoked, device_info, created_at
		FROM refresh_tokens
		WHERE token_hash = $1
		FOR UPDATE
	`
	return r.scanOne(r.db.QueryRowContext(ctx, query, tokenHash))
}

func (r *PostgresRepository) FindByHashAndAccount(ctx context.Context, tokenHash, accountID string) (*models.RefreshToken, error) {
	query := `
		SELECT id, account_id, token_hash, expires_at, is_revoked, device_info, created_at
		FROM refresh_tokens
		WHERE token_hash = $1 AND account_id = $2
	`
	return r.scanOne(r.db.QueryRowContext(ctx, query, tokenHash, accountID))
}

func (r *PostgresRepository) Revoke(ctx context.Context, id string) error {
	query := `
		UPDATE refresh_tokens SET is_revoked = TRUE
		WHERE id = $1
	`
	if _, err := r.db.ExecContext(ctx, query, id); err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	return nil
}

func (r *PostgresRepository) scanOne(row *sql.Row) (*models.RefreshToken, error) {
	token := &models.RefreshToken{}
	err := row.Scan(&token.ID, &token.AccountID, &token.TokenHash,
		&token.ExpiresAt, &token.Revoked, &token.DeviceInfo, &token.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, common.ErrorNotFound
		}
		return nil, fmt.Errorf("db error: %w", err)
	}
	return token, nil
}

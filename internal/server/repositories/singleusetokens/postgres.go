package singleusetokens

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/dmitrijs2005/authkeeper/internal/common"
	"github.com/dmitrijs2005/authkeeper/internal/dbx"
	"github.com/dmitrijs2005/authkeeper/internal/server/models"
)

// PostgresRepository implements Repository for one token kind over dbx.DBTX
// (satisfied by *sql.DB or *sql.Tx).
type PostgresRepository struct {
	db   dbx.DBTX
	kind Kind
}

func NewPostgresRepository(db dbx.DBTX, kind Kind) *PostgresRepository {
	return &PostgresRepository{db: db, kind: kind}
}

func (r *PostgresRepository) Create(ctx context.Context, accountID, tokenHash string, expiresAt time.Time) error {
	query := fmt.Sprintf(`
		INSERT INTO %s (account_id, token_hash, expires_at)
		VALUES ($1, $2, $3)
	`, r.kind.table())
	if _, err := r.db.ExecContext(ctx, query, accountID, tokenHash, expiresAt); err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	return nil
}

func (r *PostgresRepository) FindByHashForUpdate(ctx context.Context, tokenHash string) (*models.SingleUseToken, error) {
	query := fmt.Sprintf(`
		SELECT id, account_id, token_hash, expires_at, is_used, created_at
		FROM %s
		WHERE token_hash = $1
		FOR UPDATE
	`, r.kind.table())

	token := &models.SingleUseToken{}
	err := r.db.QueryRowContext(ctx, query, tokenHash).Scan(
		&token.ID, &token.AccountID, &token.TokenHash,
		&token.ExpiresAt, &token.Used, &token.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, common.ErrorNotFound
		}
		return nil, fmt.Errorf("db error: %w", err)
	}
	return token, nil
}

func (r *PostgresRepository) MarkUsed(ctx context.Context, id string) error {
	query := fmt.Sprintf(`
		UPDATE %s SET is_used = TRUE
		WHERE id = $1
	`, r.kind.table())
	if _, err := r.db.ExecContext(ctx, query, id); err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	return nil
}

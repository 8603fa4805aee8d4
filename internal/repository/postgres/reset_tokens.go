package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	squirrel "github.com/Masterminds/squirrel"

	"github.com/arklim/identity-core/internal/core/domain"
	"github.com/arklim/identity-core/internal/core/port"
	"github.com/arklim/identity-core/internal/repository"
)

const consumeResetTokenSQL = `
        UPDATE identity.password_reset_tokens
           SET used_at = $2
         WHERE id = $1
           AND used_at IS NULL
           AND invalidated_at IS NULL
           AND expires_at > $2
    `

const invalidateResetTokensSQL = `
        UPDATE identity.password_reset_tokens
           SET invalidated_at = $2
         WHERE account_id = $1
           AND used_at IS NULL
           AND invalidated_at IS NULL
    `

// PasswordResetRepository implements port.PasswordResetRepository using PostgreSQL.
type PasswordResetRepository struct {
	db      DB
	builder squirrel.StatementBuilderType
}

// NewPasswordResetRepository constructs a new reset token repository.
func NewPasswordResetRepository(db DB) *PasswordResetRepository {
	return &PasswordResetRepository{db: db, builder: newBuilder()}
}

// Create inserts a hashed reset token.
func (r *PasswordResetRepository) Create(ctx context.Context, token domain.PasswordResetToken) error {
	stmt, args, err := r.builder.Insert("identity.password_reset_tokens").
		Columns("id", "account_id", "token_hash", "created_at", "expires_at", "used_at", "invalidated_at").
		Values(
			token.ID,
			token.AccountID,
			token.TokenHash,
			token.CreatedAt.UTC(),
			token.ExpiresAt.UTC(),
			optionalTime(token.UsedAt),
			optionalTime(token.InvalidatedAt),
		).
		ToSql()
	if err != nil {
		return fmt.Errorf("build insert reset token sql: %w", err)
	}

	if _, err := executor(ctx, r.db).Exec(ctx, stmt, args...); err != nil {
		return mapWriteError("insert reset token", err)
	}
	return nil
}

// GetByHash looks a token up by the hash of its value.
func (r *PasswordResetRepository) GetByHash(ctx context.Context, tokenHash string) (*domain.PasswordResetToken, error) {
	stmt, args, err := r.builder.
		Select("id", "account_id", "token_hash", "created_at", "expires_at", "used_at", "invalidated_at").
		From("identity.password_reset_tokens").
		Where(squirrel.Eq{"token_hash": tokenHash}).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build select reset token sql: %w", err)
	}

	var (
		token         domain.PasswordResetToken
		usedAt        sql.NullTime
		invalidatedAt sql.NullTime
	)
	if err := executor(ctx, r.db).QueryRow(ctx, stmt, args...).Scan(
		&token.ID,
		&token.AccountID,
		&token.TokenHash,
		&token.CreatedAt,
		&token.ExpiresAt,
		&usedAt,
		&invalidatedAt,
	); err != nil {
		if isNoRows(err) {
			return nil, repository.ErrNotFound
		}
		return nil, fmt.Errorf("scan reset token: %w", err)
	}
	token.UsedAt = nullableTimePtr(usedAt)
	token.InvalidatedAt = nullableTimePtr(invalidatedAt)
	return &token, nil
}

// Consume marks the token used while it is still usable at the given moment.
func (r *PasswordResetRepository) Consume(ctx context.Context, id string, at time.Time) (bool, error) {
	tag, err := executor(ctx, r.db).Exec(ctx, consumeResetTokenSQL, id, at.UTC())
	if err != nil {
		return false, fmt.Errorf("consume reset token: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// InvalidateOutstanding voids every unused token of the account.
func (r *PasswordResetRepository) InvalidateOutstanding(ctx context.Context, accountID string, at time.Time) (int, error) {
	tag, err := executor(ctx, r.db).Exec(ctx, invalidateResetTokensSQL, accountID, at.UTC())
	if err != nil {
		return 0, fmt.Errorf("invalidate reset tokens: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

var _ port.PasswordResetRepository = (*PasswordResetRepository)(nil)

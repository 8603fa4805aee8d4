package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	squirrel "github.com/Masterminds/squirrel"
	"github.com/jackc/pgx/v5"

	"github.com/arklim/identity-core/internal/core/domain"
	"github.com/arklim/identity-core/internal/core/port"
	"github.com/arklim/identity-core/internal/repository"
)

var apiKeyColumns = []string{
	"id",
	"account_id",
	"label",
	"prefix",
	"key_hash",
	"scopes",
	"active",
	"created_at",
	"last_used_at",
	"expires_at",
	"revoked_at",
}

const revokeAPIKeySQL = `
        UPDATE identity.api_keys
           SET active = FALSE,
               revoked_at = $3
         WHERE id = $1 AND account_id = $2 AND active
    `

// APIKeyRepository implements port.APIKeyRepository using PostgreSQL.
type APIKeyRepository struct {
	db      DB
	builder squirrel.StatementBuilderType
}

// NewAPIKeyRepository constructs a new API key repository.
func NewAPIKeyRepository(db DB) *APIKeyRepository {
	return &APIKeyRepository{db: db, builder: newBuilder()}
}

// Create inserts API key metadata. Only the key hash is stored.
func (r *APIKeyRepository) Create(ctx context.Context, key domain.APIKey) error {
	scopes := key.Scopes
	if scopes == nil {
		scopes = []string{}
	}

	stmt, args, err := r.builder.Insert("identity.api_keys").
		Columns(apiKeyColumns...).
		Values(
			key.ID,
			key.AccountID,
			key.Label,
			key.Prefix,
			key.KeyHash,
			scopes,
			key.Active,
			key.CreatedAt.UTC(),
			optionalTime(key.LastUsedAt),
			optionalTime(key.ExpiresAt),
			optionalTime(key.RevokedAt),
		).
		ToSql()
	if err != nil {
		return fmt.Errorf("build insert api key sql: %w", err)
	}

	if _, err := executor(ctx, r.db).Exec(ctx, stmt, args...); err != nil {
		return mapWriteError("insert api key", err)
	}
	return nil
}

// ListByAccount returns every key of the account, newest first.
func (r *APIKeyRepository) ListByAccount(ctx context.Context, accountID string) ([]domain.APIKey, error) {
	stmt, args, err := r.builder.
		Select(apiKeyColumns...).
		From("identity.api_keys").
		Where(squirrel.Eq{"account_id": accountID}).
		OrderBy("created_at DESC").
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build list api keys sql: %w", err)
	}

	rows, err := executor(ctx, r.db).Query(ctx, stmt, args...)
	if err != nil {
		return nil, fmt.Errorf("list api keys: %w", err)
	}
	defer rows.Close()

	var keys []domain.APIKey
	for rows.Next() {
		key, err := scanAPIKey(rows)
		if err != nil {
			return nil, fmt.Errorf("scan api key: %w", err)
		}
		keys = append(keys, *key)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate api keys: %w", err)
	}
	return keys, nil
}

// GetByHash looks a key up by the hash of its plaintext.
func (r *APIKeyRepository) GetByHash(ctx context.Context, keyHash string) (*domain.APIKey, error) {
	stmt, args, err := r.builder.
		Select(apiKeyColumns...).
		From("identity.api_keys").
		Where(squirrel.Eq{"key_hash": keyHash}).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build select api key sql: %w", err)
	}

	key, err := scanAPIKey(executor(ctx, r.db).QueryRow(ctx, stmt, args...))
	if err != nil {
		if isNoRows(err) {
			return nil, repository.ErrNotFound
		}
		return nil, fmt.Errorf("scan api key: %w", err)
	}
	return key, nil
}

// Revoke deactivates a key owned by accountID. It reports false when the key was already revoked.
func (r *APIKeyRepository) Revoke(ctx context.Context, accountID, keyID string, at time.Time) (bool, error) {
	exec := executor(ctx, r.db)
	tag, err := exec.Exec(ctx, revokeAPIKeySQL, keyID, accountID, at.UTC())
	if err != nil {
		return false, fmt.Errorf("revoke api key: %w", err)
	}
	if tag.RowsAffected() > 0 {
		return true, nil
	}

	found, err := exists(ctx, exec, "SELECT 1 FROM identity.api_keys WHERE id = $1 AND account_id = $2", keyID, accountID)
	if err != nil {
		return false, err
	}
	if !found {
		return false, repository.ErrNotFound
	}
	return false, nil
}

// TouchLastUsed records the latest successful verification.
func (r *APIKeyRepository) TouchLastUsed(ctx context.Context, id string, at time.Time) error {
	tag, err := executor(ctx, r.db).Exec(ctx,
		"UPDATE identity.api_keys SET last_used_at = $2 WHERE id = $1",
		id, at.UTC(),
	)
	if err != nil {
		return fmt.Errorf("touch api key: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return repository.ErrNotFound
	}
	return nil
}

func scanAPIKey(row pgx.Row) (*domain.APIKey, error) {
	var (
		key        domain.APIKey
		lastUsedAt sql.NullTime
		expiresAt  sql.NullTime
		revokedAt  sql.NullTime
	)
	if err := row.Scan(
		&key.ID,
		&key.AccountID,
		&key.Label,
		&key.Prefix,
		&key.KeyHash,
		&key.Scopes,
		&key.Active,
		&key.CreatedAt,
		&lastUsedAt,
		&expiresAt,
		&revokedAt,
	); err != nil {
		return nil, err
	}
	key.LastUsedAt = nullableTimePtr(lastUsedAt)
	key.ExpiresAt = nullableTimePtr(expiresAt)
	key.RevokedAt = nullableTimePtr(revokedAt)
	return &key, nil
}

var _ port.APIKeyRepository = (*APIKeyRepository)(nil)

package postgres

import (
	"context"
	"fmt"
	"time"

	squirrel "github.com/Masterminds/squirrel"

	"github.com/arklim/identity-core/internal/core/domain"
	"github.com/arklim/identity-core/internal/core/port"
	"github.com/arklim/identity-core/internal/repository"
)

var accountColumns = []string{
	"id",
	"email",
	"username",
	"password_hash",
	"is_active",
	"is_verified",
	"created_at",
	"updated_at",
}

// AccountRepository implements port.AccountRepository using PostgreSQL.
type AccountRepository struct {
	db      DB
	builder squirrel.StatementBuilderType
}

// NewAccountRepository wires a PostgreSQL-backed account repository.
func NewAccountRepository(db DB) *AccountRepository {
	return &AccountRepository{db: db, builder: newBuilder()}
}

// Create inserts a new account row.
func (r *AccountRepository) Create(ctx context.Context, account domain.Account) error {
	stmt, args, err := r.builder.Insert("identity.accounts").
		Columns(accountColumns...).
		Values(
			account.ID,
			account.Email,
			account.Username,
			account.PasswordHash,
			account.IsActive,
			account.IsVerified,
			account.CreatedAt.UTC(),
			account.UpdatedAt.UTC(),
		).
		ToSql()
	if err != nil {
		return fmt.Errorf("build insert account sql: %w", err)
	}

	if _, err := executor(ctx, r.db).Exec(ctx, stmt, args...); err != nil {
		return mapWriteError("insert account", err)
	}
	return nil
}

// GetByID retrieves an account by identifier.
func (r *AccountRepository) GetByID(ctx context.Context, id string) (*domain.Account, error) {
	return r.getOne(ctx, squirrel.Eq{"id": id})
}

// GetByEmail retrieves an account by email, ignoring case.
func (r *AccountRepository) GetByEmail(ctx context.Context, email string) (*domain.Account, error) {
	return r.getOne(ctx, squirrel.Expr("lower(email) = lower(?)", email))
}

// GetByUsername retrieves an account by username, ignoring case.
func (r *AccountRepository) GetByUsername(ctx context.Context, username string) (*domain.Account, error) {
	return r.getOne(ctx, squirrel.Expr("lower(username) = lower(?)", username))
}

func (r *AccountRepository) getOne(ctx context.Context, where squirrel.Sqlizer) (*domain.Account, error) {
	stmt, args, err := r.builder.
		Select(accountColumns...).
		From("identity.accounts").
		Where(where).
		Limit(1).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build select account sql: %w", err)
	}

	var account domain.Account
	if err := executor(ctx, r.db).QueryRow(ctx, stmt, args...).Scan(
		&account.ID,
		&account.Email,
		&account.Username,
		&account.PasswordHash,
		&account.IsActive,
		&account.IsVerified,
		&account.CreatedAt,
		&account.UpdatedAt,
	); err != nil {
		if isNoRows(err) {
			return nil, repository.ErrNotFound
		}
		return nil, fmt.Errorf("scan account: %w", err)
	}
	return &account, nil
}

// UpdatePassword replaces the stored password digest.
func (r *AccountRepository) UpdatePassword(ctx context.Context, id, passwordHash string, at time.Time) error {
	return r.update(ctx, "update account password", id, map[string]any{
		"password_hash": passwordHash,
		"updated_at":    at.UTC(),
	})
}

// UpdateProfile changes email and/or username.
func (r *AccountRepository) UpdateProfile(ctx context.Context, id string, update domain.ProfileUpdate, at time.Time) error {
	values := map[string]any{"updated_at": at.UTC()}
	if update.Email != nil {
		values["email"] = *update.Email
	}
	if update.Username != nil {
		values["username"] = *update.Username
	}
	return r.update(ctx, "update account profile", id, values)
}

// SetActive toggles whether the account may authenticate.
func (r *AccountRepository) SetActive(ctx context.Context, id string, active bool, at time.Time) error {
	return r.update(ctx, "update account status", id, map[string]any{
		"is_active":  active,
		"updated_at": at.UTC(),
	})
}

// MarkVerified flags the account email as verified.
func (r *AccountRepository) MarkVerified(ctx context.Context, id string, at time.Time) error {
	return r.update(ctx, "mark account verified", id, map[string]any{
		"is_verified": true,
		"updated_at":  at.UTC(),
	})
}

func (r *AccountRepository) update(ctx context.Context, op, id string, values map[string]any) error {
	stmt, args, err := r.builder.Update("identity.accounts").
		SetMap(values).
		Where(squirrel.Eq{"id": id}).
		ToSql()
	if err != nil {
		return fmt.Errorf("build %s sql: %w", op, err)
	}

	tag, err := executor(ctx, r.db).Exec(ctx, stmt, args...)
	if err != nil {
		return mapWriteError(op, err)
	}
	if tag.RowsAffected() == 0 {
		return repository.ErrNotFound
	}
	return nil
}

// GetExternalIdentity returns the link for a provider subject.
func (r *AccountRepository) GetExternalIdentity(ctx context.Context, provider, subject string) (*domain.ExternalIdentity, error) {
	stmt, args, err := r.builder.
		Select("provider", "subject", "account_id", "email", "linked_at").
		From("identity.external_identities").
		Where(squirrel.Eq{"provider": provider, "subject": subject}).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build select external identity sql: %w", err)
	}

	var identity domain.ExternalIdentity
	if err := executor(ctx, r.db).QueryRow(ctx, stmt, args...).Scan(
		&identity.Provider,
		&identity.Subject,
		&identity.AccountID,
		&identity.Email,
		&identity.LinkedAt,
	); err != nil {
		if isNoRows(err) {
			return nil, repository.ErrNotFound
		}
		return nil, fmt.Errorf("scan external identity: %w", err)
	}
	return &identity, nil
}

// LinkExternalIdentity binds a provider subject to an account.
func (r *AccountRepository) LinkExternalIdentity(ctx context.Context, identity domain.ExternalIdentity) error {
	stmt, args, err := r.builder.Insert("identity.external_identities").
		Columns("provider", "subject", "account_id", "email", "linked_at").
		Values(identity.Provider, identity.Subject, identity.AccountID, identity.Email, identity.LinkedAt.UTC()).
		ToSql()
	if err != nil {
		return fmt.Errorf("build insert external identity sql: %w", err)
	}

	if _, err := executor(ctx, r.db).Exec(ctx, stmt, args...); err != nil {
		return mapWriteError("insert external identity", err)
	}
	return nil
}

var _ port.AccountRepository = (*AccountRepository)(nil)

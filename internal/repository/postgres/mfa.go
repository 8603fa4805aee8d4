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

const savePendingMFASQL = `
        INSERT INTO identity.mfa_settings (account_id, secret, enabled, last_used_step, created_at)
        VALUES ($1, $2, FALSE, 0, $3)
        ON CONFLICT (account_id) DO UPDATE
           SET secret = EXCLUDED.secret,
               last_used_step = 0,
               created_at = EXCLUDED.created_at
         WHERE NOT identity.mfa_settings.enabled
    `

const enableMFASQL = `
        UPDATE identity.mfa_settings
           SET enabled = TRUE,
               enabled_at = $3,
               last_used_step = $4
         WHERE account_id = $1 AND secret = $2 AND NOT enabled
    `

const advanceStepSQL = `
        UPDATE identity.mfa_settings
           SET last_used_step = $2
         WHERE account_id = $1 AND last_used_step < $2
    `

const mfaExistsSQL = "SELECT 1 FROM identity.mfa_settings WHERE account_id = $1"

// MFARepository implements port.MFARepository using PostgreSQL.
type MFARepository struct {
	db      DB
	builder squirrel.StatementBuilderType
}

// NewMFARepository wires a PostgreSQL-backed MFA repository.
func NewMFARepository(db DB) *MFARepository {
	return &MFARepository{db: db, builder: newBuilder()}
}

// Get returns the MFA settings of the account.
func (r *MFARepository) Get(ctx context.Context, accountID string) (*domain.MFASettings, error) {
	stmt, args, err := r.builder.
		Select("account_id", "secret", "enabled", "last_used_step", "created_at", "enabled_at").
		From("identity.mfa_settings").
		Where(squirrel.Eq{"account_id": accountID}).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build select mfa settings sql: %w", err)
	}

	var (
		settings  domain.MFASettings
		enabledAt sql.NullTime
	)
	if err := executor(ctx, r.db).QueryRow(ctx, stmt, args...).Scan(
		&settings.AccountID,
		&settings.Secret,
		&settings.Enabled,
		&settings.LastUsedStep,
		&settings.CreatedAt,
		&enabledAt,
	); err != nil {
		if isNoRows(err) {
			return nil, repository.ErrNotFound
		}
		return nil, fmt.Errorf("scan mfa settings: %w", err)
	}
	settings.EnabledAt = nullableTimePtr(enabledAt)
	return &settings, nil
}

// SavePending stores a new unconfirmed secret unless MFA is already enabled.
func (r *MFARepository) SavePending(ctx context.Context, settings domain.MFASettings) error {
	tag, err := executor(ctx, r.db).Exec(ctx, savePendingMFASQL, settings.AccountID, settings.Secret, settings.CreatedAt.UTC())
	if err != nil {
		return mapWriteError("save pending mfa", err)
	}
	if tag.RowsAffected() == 0 {
		return repository.ErrConflict
	}
	return nil
}

// Enable activates the pending secret and stores the initial backup codes.
func (r *MFARepository) Enable(ctx context.Context, accountID, secret string, step int64, codes []domain.BackupCode, at time.Time) error {
	return withinTx(ctx, r.db, func(ctx context.Context) error {
		exec := executor(ctx, r.db)

		tag, err := exec.Exec(ctx, enableMFASQL, accountID, secret, at.UTC(), step)
		if err != nil {
			return fmt.Errorf("enable mfa: %w", err)
		}
		if tag.RowsAffected() == 0 {
			found, err := exists(ctx, exec, mfaExistsSQL, accountID)
			if err != nil {
				return err
			}
			if !found {
				return repository.ErrNotFound
			}
			return repository.ErrConflict
		}

		return r.writeBackupCodes(ctx, exec, accountID, codes)
	})
}

// Delete removes the MFA settings and every backup code of the account.
func (r *MFARepository) Delete(ctx context.Context, accountID string) error {
	return withinTx(ctx, r.db, func(ctx context.Context) error {
		exec := executor(ctx, r.db)

		if _, err := exec.Exec(ctx, "DELETE FROM identity.mfa_backup_codes WHERE account_id = $1", accountID); err != nil {
			return fmt.Errorf("delete backup codes: %w", err)
		}
		tag, err := exec.Exec(ctx, "DELETE FROM identity.mfa_settings WHERE account_id = $1", accountID)
		if err != nil {
			return fmt.Errorf("delete mfa settings: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return repository.ErrNotFound
		}
		return nil
	})
}

// AdvanceStep records step as the last accepted TOTP step when it is newer.
func (r *MFARepository) AdvanceStep(ctx context.Context, accountID string, step int64) (bool, error) {
	exec := executor(ctx, r.db)
	tag, err := exec.Exec(ctx, advanceStepSQL, accountID, step)
	if err != nil {
		return false, fmt.Errorf("advance totp step: %w", err)
	}
	if tag.RowsAffected() > 0 {
		return true, nil
	}

	found, err := exists(ctx, exec, mfaExistsSQL, accountID)
	if err != nil {
		return false, err
	}
	if !found {
		return false, repository.ErrNotFound
	}
	return false, nil
}

// ListBackupCodes returns the unused backup codes of the account.
func (r *MFARepository) ListBackupCodes(ctx context.Context, accountID string) ([]domain.BackupCode, error) {
	stmt, args, err := r.builder.
		Select("id", "account_id", "code_hash", "created_at").
		From("identity.mfa_backup_codes").
		Where(squirrel.Eq{"account_id": accountID}).
		OrderBy("id").
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build list backup codes sql: %w", err)
	}

	rows, err := executor(ctx, r.db).Query(ctx, stmt, args...)
	if err != nil {
		return nil, fmt.Errorf("list backup codes: %w", err)
	}
	defer rows.Close()

	var codes []domain.BackupCode
	for rows.Next() {
		var code domain.BackupCode
		if err := rows.Scan(&code.ID, &code.AccountID, &code.CodeHash, &code.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan backup code: %w", err)
		}
		codes = append(codes, code)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate backup codes: %w", err)
	}
	return codes, nil
}

// ConsumeBackupCode deletes one code; false means another caller already used it.
func (r *MFARepository) ConsumeBackupCode(ctx context.Context, accountID, codeID string) (bool, error) {
	tag, err := executor(ctx, r.db).Exec(ctx,
		"DELETE FROM identity.mfa_backup_codes WHERE id = $1 AND account_id = $2",
		codeID, accountID,
	)
	if err != nil {
		return false, fmt.Errorf("consume backup code: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// ReplaceBackupCodes swaps the whole backup code set of an enabled account.
func (r *MFARepository) ReplaceBackupCodes(ctx context.Context, accountID string, codes []domain.BackupCode) error {
	return withinTx(ctx, r.db, func(ctx context.Context) error {
		exec := executor(ctx, r.db)

		enabled, err := exists(ctx, exec, mfaExistsSQL+" AND enabled", accountID)
		if err != nil {
			return err
		}
		if !enabled {
			return repository.ErrNotFound
		}
		if _, err := exec.Exec(ctx, "DELETE FROM identity.mfa_backup_codes WHERE account_id = $1", accountID); err != nil {
			return fmt.Errorf("delete backup codes: %w", err)
		}
		return r.writeBackupCodes(ctx, exec, accountID, codes)
	})
}

func (r *MFARepository) writeBackupCodes(ctx context.Context, exec pgExecutor, accountID string, codes []domain.BackupCode) error {
	if len(codes) == 0 {
		return nil
	}

	insert := r.builder.Insert("identity.mfa_backup_codes").
		Columns("id", "account_id", "code_hash", "created_at")
	for _, code := range codes {
		insert = insert.Values(code.ID, accountID, code.CodeHash, code.CreatedAt.UTC())
	}

	stmt, args, err := insert.ToSql()
	if err != nil {
		return fmt.Errorf("build insert backup codes sql: %w", err)
	}
	if _, err := exec.Exec(ctx, stmt, args...); err != nil {
		return mapWriteError("insert backup codes", err)
	}
	return nil
}

var _ port.MFARepository = (*MFARepository)(nil)

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

var sessionColumns = []string{
	"id",
	"account_id",
	"family_id",
	"access_token_id",
	"refresh_token_hash",
	"device_label",
	"ip_address",
	"user_agent",
	"active",
	"created_at",
	"expires_at",
	"revoked_at",
	"revoke_reason",
	"replaced_by",
}

const revokeSessionSQL = `
        UPDATE identity.sessions
           SET active = FALSE,
               revoked_at = $2,
               revoke_reason = $3
         WHERE id = $1 AND active
    `

const rotateSessionSQL = `
        UPDATE identity.sessions
           SET active = FALSE,
               revoked_at = $2,
               revoke_reason = $3,
               replaced_by = $4
         WHERE id = $1 AND active
    `

// SessionRepository implements port.SessionRepository backed by PostgreSQL.
type SessionRepository struct {
	db      DB
	builder squirrel.StatementBuilderType
}

// NewSessionRepository constructs a repository backed by any DB.
func NewSessionRepository(db DB) *SessionRepository {
	return &SessionRepository{db: db, builder: newBuilder()}
}

// Create persists a new session.
func (r *SessionRepository) Create(ctx context.Context, session domain.Session) error {
	return r.insert(ctx, executor(ctx, r.db), session)
}

func (r *SessionRepository) insert(ctx context.Context, exec pgExecutor, session domain.Session) error {
	stmt, args, err := r.builder.Insert("identity.sessions").
		Columns(sessionColumns...).
		Values(
			session.ID,
			session.AccountID,
			session.FamilyID,
			session.AccessTokenID,
			session.RefreshTokenHash,
			session.Device.Label,
			session.Device.IPAddress,
			session.Device.UserAgent,
			session.Active,
			session.CreatedAt.UTC(),
			session.ExpiresAt.UTC(),
			optionalTime(session.RevokedAt),
			optionalString(session.RevokeReason),
			optionalString(session.ReplacedBy),
		).
		ToSql()
	if err != nil {
		return fmt.Errorf("build insert session sql: %w", err)
	}

	if _, err := exec.Exec(ctx, stmt, args...); err != nil {
		return mapWriteError("insert session", err)
	}
	return nil
}

// Get fetches a session by its identifier.
func (r *SessionRepository) Get(ctx context.Context, id string) (*domain.Session, error) {
	stmt, args, err := r.builder.
		Select(sessionColumns...).
		From("identity.sessions").
		Where(squirrel.Eq{"id": id}).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build select session sql: %w", err)
	}

	session, err := scanSession(executor(ctx, r.db).QueryRow(ctx, stmt, args...))
	if err != nil {
		if isNoRows(err) {
			return nil, repository.ErrNotFound
		}
		return nil, fmt.Errorf("scan session: %w", err)
	}
	return session, nil
}

// ListActiveByAccount returns unexpired active sessions, newest first.
func (r *SessionRepository) ListActiveByAccount(ctx context.Context, accountID string, at time.Time) ([]domain.Session, error) {
	stmt, args, err := r.builder.
		Select(sessionColumns...).
		From("identity.sessions").
		Where(squirrel.Eq{"account_id": accountID, "active": true}).
		Where(squirrel.Gt{"expires_at": at.UTC()}).
		OrderBy("created_at DESC").
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build list sessions sql: %w", err)
	}

	rows, err := executor(ctx, r.db).Query(ctx, stmt, args...)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var sessions []domain.Session
	for rows.Next() {
		session, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		sessions = append(sessions, *session)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate sessions: %w", err)
	}
	return sessions, nil
}

// Rotate deactivates currentID and inserts next in one transaction. The
// guarded UPDATE serializes concurrent rotations on the row lock, so only one
// caller sees an affected row.
func (r *SessionRepository) Rotate(ctx context.Context, currentID string, next domain.Session, at time.Time) error {
	return withinTx(ctx, r.db, func(ctx context.Context) error {
		exec := executor(ctx, r.db)

		tag, err := exec.Exec(ctx, rotateSessionSQL, currentID, at.UTC(), domain.RevokeReasonRotated, next.ID)
		if err != nil {
			return fmt.Errorf("rotate session: %w", err)
		}
		if tag.RowsAffected() == 0 {
			found, err := exists(ctx, exec, "SELECT 1 FROM identity.sessions WHERE id = $1", currentID)
			if err != nil {
				return err
			}
			if !found {
				return repository.ErrNotFound
			}
			return repository.ErrConflict
		}

		return r.insert(ctx, exec, next)
	})
}

// Revoke deactivates one session. It reports false when the session was already inactive.
func (r *SessionRepository) Revoke(ctx context.Context, id, reason string, at time.Time) (bool, error) {
	exec := executor(ctx, r.db)
	tag, err := exec.Exec(ctx, revokeSessionSQL, id, at.UTC(), reason)
	if err != nil {
		return false, fmt.Errorf("revoke session: %w", err)
	}
	if tag.RowsAffected() > 0 {
		return true, nil
	}

	found, err := exists(ctx, exec, "SELECT 1 FROM identity.sessions WHERE id = $1", id)
	if err != nil {
		return false, err
	}
	if !found {
		return false, repository.ErrNotFound
	}
	return false, nil
}

// RevokeAllForAccount deactivates every active session of the account.
func (r *SessionRepository) RevokeAllForAccount(ctx context.Context, accountID, reason string, at time.Time) (int, error) {
	return r.revokeWhere(ctx, "account_id", accountID, reason, at)
}

// RevokeFamily deactivates every active session sharing the family.
func (r *SessionRepository) RevokeFamily(ctx context.Context, familyID, reason string, at time.Time) (int, error) {
	return r.revokeWhere(ctx, "family_id", familyID, reason, at)
}

func (r *SessionRepository) revokeWhere(ctx context.Context, column, value, reason string, at time.Time) (int, error) {
	stmt, args, err := r.builder.Update("identity.sessions").
		Set("active", false).
		Set("revoked_at", at.UTC()).
		Set("revoke_reason", reason).
		Where(squirrel.Eq{column: value, "active": true}).
		ToSql()
	if err != nil {
		return 0, fmt.Errorf("build revoke sessions sql: %w", err)
	}

	tag, err := executor(ctx, r.db).Exec(ctx, stmt, args...)
	if err != nil {
		return 0, fmt.Errorf("revoke sessions by %s: %w", column, err)
	}
	return int(tag.RowsAffected()), nil
}

func scanSession(row pgx.Row) (*domain.Session, error) {
	var (
		session      domain.Session
		revokedAt    sql.NullTime
		revokeReason sql.NullString
		replacedBy   sql.NullString
	)

	if err := row.Scan(
		&session.ID,
		&session.AccountID,
		&session.FamilyID,
		&session.AccessTokenID,
		&session.RefreshTokenHash,
		&session.Device.Label,
		&session.Device.IPAddress,
		&session.Device.UserAgent,
		&session.Active,
		&session.CreatedAt,
		&session.ExpiresAt,
		&revokedAt,
		&revokeReason,
		&replacedBy,
	); err != nil {
		return nil, err
	}

	session.RevokedAt = nullableTimePtr(revokedAt)
	session.RevokeReason = nullableStringPtr(revokeReason)
	session.ReplacedBy = nullableStringPtr(replacedBy)
	return &session, nil
}

var _ port.SessionRepository = (*SessionRepository)(nil)

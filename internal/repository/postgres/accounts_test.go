package postgres

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	pgxmock "github.com/pashagolub/pgxmock/v2"

	"github.com/arklim/identity-core/internal/core/domain"
	"github.com/arklim/identity-core/internal/repository"
)

var fixedNow = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

func newMockPool(t *testing.T) pgxmock.PgxPoolIface {
	t.Helper()
	mock, err := pgxmock.NewPool()
	if err != nil {
		t.Fatalf("pgxmock.NewPool: %v", err)
	}
	t.Cleanup(mock.Close)
	return mock
}

func TestAccountRepository_Create(t *testing.T) {
	mock := newMockPool(t)
	repo := NewAccountRepository(mock)

	account := domain.Account{
		ID:           "acc-1",
		Email:        "alice@example.com",
		Username:     "alice",
		PasswordHash: "digest",
		IsActive:     true,
		CreatedAt:    fixedNow,
		UpdatedAt:    fixedNow,
	}

	mock.ExpectExec(`INSERT INTO identity\.accounts`).
		WithArgs(account.ID, account.Email, account.Username, account.PasswordHash, true, false, fixedNow, fixedNow).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	if err := repo.Create(context.Background(), account); err != nil {
		t.Fatalf("Create returned error: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestAccountRepository_CreateMapsUniqueViolation(t *testing.T) {
	mock := newMockPool(t)
	repo := NewAccountRepository(mock)

	mock.ExpectExec(`INSERT INTO identity\.accounts`).
		WithArgs(pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnError(&pgconn.PgError{Code: pgUniqueViolation, ConstraintName: "accounts_email_key"})

	err := repo.Create(context.Background(), domain.Account{ID: "acc-2", Email: "alice@example.com", Username: "bob"})
	var conflict *repository.ConflictError
	if !errors.As(err, &conflict) {
		t.Fatalf("expected ConflictError, got %v", err)
	}
	if conflict.Field != "email" {
		t.Fatalf("expected email field, got %q", conflict.Field)
	}
}

func TestAccountRepository_GetByEmail(t *testing.T) {
	mock := newMockPool(t)
	repo := NewAccountRepository(mock)

	rows := pgxmock.NewRows(accountColumns).
		AddRow("acc-1", "alice@example.com", "alice", "digest", true, true, fixedNow, fixedNow)

	mock.ExpectQuery(`SELECT .* FROM identity\.accounts WHERE lower\(email\) = lower\(\$1\)`).
		WithArgs("Alice@Example.com").
		WillReturnRows(rows)

	account, err := repo.GetByEmail(context.Background(), "Alice@Example.com")
	if err != nil {
		t.Fatalf("GetByEmail returned error: %v", err)
	}
	if account.ID != "acc-1" || !account.IsVerified {
		t.Fatalf("unexpected account: %+v", account)
	}
}

func TestAccountRepository_GetByIDNotFound(t *testing.T) {
	mock := newMockPool(t)
	repo := NewAccountRepository(mock)

	mock.ExpectQuery(`SELECT .* FROM identity\.accounts`).
		WithArgs("missing").
		WillReturnError(pgx.ErrNoRows)

	if _, err := repo.GetByID(context.Background(), "missing"); !errors.Is(err, repository.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestAccountRepository_UpdatePasswordMissingAccount(t *testing.T) {
	mock := newMockPool(t)
	repo := NewAccountRepository(mock)

	mock.ExpectExec(`UPDATE identity\.accounts SET password_hash = \$1, updated_at = \$2 WHERE id = \$3`).
		WithArgs("new-digest", fixedNow, "acc-9").
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	if err := repo.UpdatePassword(context.Background(), "acc-9", "new-digest", fixedNow); !errors.Is(err, repository.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestAccountRepository_LinkExternalIdentityConflict(t *testing.T) {
	mock := newMockPool(t)
	repo := NewAccountRepository(mock)

	identity := domain.ExternalIdentity{Provider: "github", Subject: "42", AccountID: "acc-1", LinkedAt: fixedNow}
	mock.ExpectExec(`INSERT INTO identity\.external_identities`).
		WithArgs("github", "42", "acc-1", "", fixedNow).
		WillReturnError(&pgconn.PgError{Code: pgUniqueViolation, ConstraintName: "external_identities_pkey"})

	err := repo.LinkExternalIdentity(context.Background(), identity)
	var conflict *repository.ConflictError
	if !errors.As(err, &conflict) || conflict.Field != "external_identity" {
		t.Fatalf("expected external_identity conflict, got %v", err)
	}
}

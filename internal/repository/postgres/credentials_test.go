package postgres

import (
	"context"
	"errors"
	"testing"
	"time"

	pgxmock "github.com/pashagolub/pgxmock/v2"

	"github.com/arklim/identity-core/internal/repository"
)

func TestPasswordResetRepository_ConsumeOnce(t *testing.T) {
	mock := newMockPool(t)
	repo := NewPasswordResetRepository(mock)

	mock.ExpectExec(`UPDATE identity\.password_reset_tokens`).
		WithArgs("r-1", fixedNow).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectExec(`UPDATE identity\.password_reset_tokens`).
		WithArgs("r-1", fixedNow).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	if ok, err := repo.Consume(context.Background(), "r-1", fixedNow); err != nil || !ok {
		t.Fatalf("first consume: %v %v", ok, err)
	}
	if ok, err := repo.Consume(context.Background(), "r-1", fixedNow); err != nil || ok {
		t.Fatalf("second consume: %v %v", ok, err)
	}
}

func TestPasswordResetRepository_GetByHash(t *testing.T) {
	mock := newMockPool(t)
	repo := NewPasswordResetRepository(mock)

	used := fixedNow.Add(time.Minute)
	rows := pgxmock.NewRows([]string{"id", "account_id", "token_hash", "created_at", "expires_at", "used_at", "invalidated_at"}).
		AddRow("r-1", "acc-1", "hash", fixedNow, fixedNow.Add(time.Hour), used, nil)
	mock.ExpectQuery(`SELECT .* FROM identity\.password_reset_tokens`).
		WithArgs("hash").
		WillReturnRows(rows)

	token, err := repo.GetByHash(context.Background(), "hash")
	if err != nil {
		t.Fatalf("GetByHash returned error: %v", err)
	}
	if !token.Used() || token.Usable(fixedNow) {
		t.Fatalf("expected used token, got %+v", token)
	}
}

func TestAPIKeyRepository_GetByHash(t *testing.T) {
	mock := newMockPool(t)
	repo := NewAPIKeyRepository(mock)

	rows := pgxmock.NewRows(apiKeyColumns).
		AddRow("k-1", "acc-1", "ci", "ak_abcd", "hash", []string{"read", "write"}, true, fixedNow, nil, nil, nil)
	mock.ExpectQuery(`SELECT .* FROM identity\.api_keys`).
		WithArgs("hash").
		WillReturnRows(rows)

	key, err := repo.GetByHash(context.Background(), "hash")
	if err != nil {
		t.Fatalf("GetByHash returned error: %v", err)
	}
	if !key.IsUsable(fixedNow) || !key.HasScope("write") {
		t.Fatalf("unexpected key: %+v", key)
	}
}

func TestAPIKeyRepository_RevokeForeignKey(t *testing.T) {
	mock := newMockPool(t)
	repo := NewAPIKeyRepository(mock)

	mock.ExpectExec(`UPDATE identity\.api_keys`).
		WithArgs("k-1", "acc-2", fixedNow).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))
	mock.ExpectQuery(`SELECT EXISTS`).
		WithArgs("k-1", "acc-2").
		WillReturnRows(pgxmock.NewRows([]string{"exists"}).AddRow(false))

	if _, err := repo.Revoke(context.Background(), "acc-2", "k-1", fixedNow); !errors.Is(err, repository.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

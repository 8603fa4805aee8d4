package port

import (
	"context"
	"time"

	"github.com/arklim/identity-core/internal/core/domain"
)

// APIKeyRepository persists API key metadata and hashes.
type APIKeyRepository interface {
	Create(ctx context.Context, key domain.APIKey) error
	ListByAccount(ctx context.Context, accountID string) ([]domain.APIKey, error)
	GetByHash(ctx context.Context, keyHash string) (*domain.APIKey, error)
	Revoke(ctx context.Context, accountID, keyID string, at time.Time) (bool, error)
	TouchLastUsed(ctx context.Context, id string, at time.Time) error
}

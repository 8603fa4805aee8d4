package port

import (
	"context"
	"time"

	"github.com/arklim/identity-core/internal/core/domain"
)

// AccountRepository persists accounts and their external identity links.
// Email and username lookups are case-insensitive; duplicates surface as repository.ErrConflict.
type AccountRepository interface {
	Create(ctx context.Context, account domain.Account) error
	GetByID(ctx context.Context, id string) (*domain.Account, error)
	GetByEmail(ctx context.Context, email string) (*domain.Account, error)
	GetByUsername(ctx context.Context, username string) (*domain.Account, error)
	UpdatePassword(ctx context.Context, id, passwordHash string, at time.Time) error
	UpdateProfile(ctx context.Context, id string, update domain.ProfileUpdate, at time.Time) error
	SetActive(ctx context.Context, id string, active bool, at time.Time) error
	MarkVerified(ctx context.Context, id string, at time.Time) error
	GetExternalIdentity(ctx context.Context, provider, subject string) (*domain.ExternalIdentity, error)
	LinkExternalIdentity(ctx context.Context, identity domain.ExternalIdentity) error
}

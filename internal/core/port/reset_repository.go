package port

import (
	"context"
	"time"

	"github.com/arklim/identity-core/internal/core/domain"
)

// PasswordResetRepository persists hashed reset tokens. Consume marks the token
// used only while it is unused, not invalidated and unexpired at the supplied moment.
type PasswordResetRepository interface {
	Create(ctx context.Context, token domain.PasswordResetToken) error
	GetByHash(ctx context.Context, tokenHash string) (*domain.PasswordResetToken, error)
	Consume(ctx context.Context, id string, at time.Time) (bool, error)
	InvalidateOutstanding(ctx context.Context, accountID string, at time.Time) (int, error)
}

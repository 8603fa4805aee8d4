package port

import (
	"context"
	"time"

	"github.com/arklim/identity-core/internal/core/domain"
)

// SessionRepository persists session records.
//
// Rotate is the compare-and-swap used by refresh: it deactivates currentID only
// while it is still active and inserts next in the same atomic step. When the
// current record is no longer active it returns repository.ErrConflict and
// inserts nothing.
type SessionRepository interface {
	Create(ctx context.Context, session domain.Session) error
	Get(ctx context.Context, id string) (*domain.Session, error)
	ListActiveByAccount(ctx context.Context, accountID string, at time.Time) ([]domain.Session, error)
	Rotate(ctx context.Context, currentID string, next domain.Session, at time.Time) error
	Revoke(ctx context.Context, id, reason string, at time.Time) (bool, error)
	RevokeAllForAccount(ctx context.Context, accountID, reason string, at time.Time) (int, error)
	RevokeFamily(ctx context.Context, familyID, reason string, at time.Time) (int, error)
}

package port

import (
	"context"
	"time"

	"github.com/arklim/identity-core/internal/core/domain"
)

// LoginAttemptStore keeps failed-attempt counters keyed by identity.
// RecordFailure must apply the policy atomically per identity and reports
// whether this failure locked it.
type LoginAttemptStore interface {
	Get(ctx context.Context, identity string) (*domain.LoginAttemptCounter, error)
	RecordFailure(ctx context.Context, identity string, policy domain.LockoutPolicy, at time.Time) (domain.LoginAttemptCounter, bool, error)
	Reset(ctx context.Context, identity string) error
}

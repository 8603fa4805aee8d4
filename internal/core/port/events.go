package port

import (
	"context"

	"github.com/arklim/identity-core/internal/core/domain"
)

// EventPublisher emits domain events to downstream consumers.
type EventPublisher interface {
	PublishAccountRegistered(ctx context.Context, event domain.AccountRegisteredEvent) error
	PublishPasswordChanged(ctx context.Context, event domain.PasswordChangedEvent) error
	PublishPasswordResetRequested(ctx context.Context, event domain.PasswordResetRequestedEvent) error
	PublishSessionRevoked(ctx context.Context, event domain.SessionRevokedEvent) error
	PublishAccountLocked(ctx context.Context, event domain.AccountLockedEvent) error
	PublishMFAChanged(ctx context.Context, event domain.MFAChangedEvent) error
	PublishAPIKeyRevoked(ctx context.Context, event domain.APIKeyRevokedEvent) error
}

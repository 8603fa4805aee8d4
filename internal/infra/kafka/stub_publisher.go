package kafka

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/arklim/identity-core/internal/core/domain"
	"github.com/arklim/identity-core/internal/core/port"
	"github.com/arklim/identity-core/internal/infra/logger"
)

// StubPublisher logs events instead of sending them to Kafka. Useful for development environments.
type StubPublisher struct {
	logger *zap.Logger
}

// NewStubPublisher constructs a development-friendly event publisher.
func NewStubPublisher(logger *zap.Logger) *StubPublisher {
	return &StubPublisher{logger: logger}
}

func (p *StubPublisher) logEvent(eventType, accountID string, at time.Time, fields ...zap.Field) {
	if at.IsZero() {
		at = time.Now().UTC()
	}

	p.logger.Info("Stub event published", append([]zap.Field{
		zap.String("event_type", eventType),
		zap.String("account_id", accountID),
		zap.Time("timestamp", at.UTC()),
	}, fields...)...)
}

// PublishAccountRegistered logs identity.account.registered events.
func (p *StubPublisher) PublishAccountRegistered(_ context.Context, event domain.AccountRegisteredEvent) error {
	p.logEvent(EventAccountRegistered, event.AccountID, event.RegisteredAt,
		zap.String("username", event.Username),
		zap.String("email", logger.MaskEmail(event.Email)),
		zap.String("method", event.Method),
		zap.String("provider", event.Provider),
	)
	return nil
}

// PublishPasswordChanged logs identity.account.password.changed events.
func (p *StubPublisher) PublishPasswordChanged(_ context.Context, event domain.PasswordChangedEvent) error {
	p.logEvent(EventPasswordChanged, event.AccountID, event.ChangedAt,
		zap.String("reason", event.Reason),
		zap.Int("sessions_revoked", event.SessionsRevoked),
	)
	return nil
}

// PublishPasswordResetRequested logs identity.account.password.reset_requested events.
// The token itself is never written to the log.
func (p *StubPublisher) PublishPasswordResetRequested(_ context.Context, event domain.PasswordResetRequestedEvent) error {
	p.logEvent(EventPasswordResetRequested, event.AccountID, event.RequestedAt,
		zap.String("request_id", event.RequestID),
		zap.String("destination", event.MaskedDestination),
		zap.String("ip_address", logger.MaskIP(event.IPAddress)),
		zap.Time("expires_at", event.ExpiresAt),
	)
	return nil
}

// PublishSessionRevoked logs identity.session.revoked events.
func (p *StubPublisher) PublishSessionRevoked(_ context.Context, event domain.SessionRevokedEvent) error {
	p.logEvent(EventSessionRevoked, event.AccountID, event.RevokedAt,
		zap.String("session_id", event.SessionID),
		zap.String("reason", event.Reason),
		zap.Int("count", event.Count),
	)
	return nil
}

// PublishAccountLocked logs identity.account.locked events.
func (p *StubPublisher) PublishAccountLocked(_ context.Context, event domain.AccountLockedEvent) error {
	p.logEvent(EventAccountLocked, event.AccountID, event.LockedAt,
		zap.Int("failures", event.Failures),
		zap.Time("locked_until", event.LockedUntil),
	)
	return nil
}

// PublishMFAChanged logs identity.account.mfa.changed events.
func (p *StubPublisher) PublishMFAChanged(_ context.Context, event domain.MFAChangedEvent) error {
	p.logEvent(EventMFAChanged, event.AccountID, event.ChangedAt, zap.String("action", event.Action))
	return nil
}

// PublishAPIKeyRevoked logs identity.api_key.revoked events.
func (p *StubPublisher) PublishAPIKeyRevoked(_ context.Context, event domain.APIKeyRevokedEvent) error {
	p.logEvent(EventAPIKeyRevoked, event.AccountID, event.RevokedAt, zap.String("key_id", event.KeyID))
	return nil
}

var _ port.EventPublisher = (*StubPublisher)(nil)

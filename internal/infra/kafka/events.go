package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/IBM/sarama"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/arklim/identity-core/internal/core/domain"
	"github.com/arklim/identity-core/internal/core/port"
	"github.com/arklim/identity-core/internal/infra/config"
)

const schemaVersion = "1.0"

// Event types, also used as topic suffixes.
const (
	EventAccountRegistered      = "identity.account.registered"
	EventPasswordChanged        = "identity.account.password.changed"
	EventPasswordResetRequested = "identity.account.password.reset_requested"
	EventSessionRevoked         = "identity.session.revoked"
	EventAccountLocked          = "identity.account.locked"
	EventMFAChanged             = "identity.account.mfa.changed"
	EventAPIKeyRevoked          = "identity.api_key.revoked"
)

// EventPublisher implements port.EventPublisher using Kafka.
type EventPublisher struct {
	producer *Producer
	logger   *zap.Logger
	appCfg   config.AppSettings
}

// NewEventPublisher constructs a Kafka-backed event publisher.
func NewEventPublisher(producer *Producer, appCfg config.AppSettings, logger *zap.Logger) *EventPublisher {
	return &EventPublisher{producer: producer, appCfg: appCfg, logger: logger}
}

type envelopeMetadata map[string]string

type eventEnvelope struct {
	EventID   string           `json:"event_id"`
	EventType string           `json:"event_type"`
	AccountID string           `json:"account_id,omitempty"`
	Timestamp time.Time        `json:"timestamp"`
	Version   string           `json:"version"`
	Payload   any              `json:"payload"`
	Metadata  envelopeMetadata `json:"metadata,omitempty"`
}

func (p *EventPublisher) publish(ctx context.Context, eventID, eventType, accountID string, ts time.Time, payload any) error {
	if ts.IsZero() {
		ts = time.Now().UTC()
	}

	id := eventID
	if id == "" {
		id = uuid.NewString()
	}

	metadata := envelopeMetadata{
		"service":     p.appCfg.Name,
		"environment": p.appCfg.Env,
	}

	if sc := trace.SpanContextFromContext(ctx); sc.IsValid() {
		metadata["trace_id"] = sc.TraceID().String()
	}

	envelope := eventEnvelope{
		EventID:   id,
		EventType: eventType,
		AccountID: accountID,
		Timestamp: ts.UTC(),
		Version:   schemaVersion,
		Payload:   payload,
		Metadata:  metadata,
	}

	bytes, err := json.Marshal(envelope)
	if err != nil {
		return fmt.Errorf("marshal event envelope: %w", err)
	}

	message := &sarama.ProducerMessage{
		Topic: p.producer.TopicName(eventType),
		Value: sarama.ByteEncoder(bytes),
	}
	if accountID != "" {
		// Keyed by account so one account's events stay ordered on a partition.
		message.Key = sarama.StringEncoder(accountID)
	}

	select {
	case p.producer.Producer().Input() <- message:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// PublishAccountRegistered publishes identity.account.registered events.
func (p *EventPublisher) PublishAccountRegistered(ctx context.Context, event domain.AccountRegisteredEvent) error {
	payload := struct {
		AccountID          string    `json:"account_id"`
		Username           string    `json:"username"`
		Email              string    `json:"email"`
		RegisteredAt       time.Time `json:"registered_at"`
		RegistrationMethod string    `json:"registration_method"`
		Provider           string    `json:"provider,omitempty"`
	}{
		AccountID:          event.AccountID,
		Username:           event.Username,
		Email:              event.Email,
		RegisteredAt:       event.RegisteredAt.UTC(),
		RegistrationMethod: event.Method,
		Provider:           event.Provider,
	}

	return p.publish(ctx, event.EventID, EventAccountRegistered, event.AccountID, event.RegisteredAt, payload)
}

// PublishPasswordChanged publishes identity.account.password.changed events.
func (p *EventPublisher) PublishPasswordChanged(ctx context.Context, event domain.PasswordChangedEvent) error {
	payload := struct {
		AccountID       string    `json:"account_id"`
		Reason          string    `json:"reason"`
		ChangedAt       time.Time `json:"changed_at"`
		SessionsRevoked int       `json:"sessions_revoked"`
	}{
		AccountID:       event.AccountID,
		Reason:          event.Reason,
		ChangedAt:       event.ChangedAt.UTC(),
		SessionsRevoked: event.SessionsRevoked,
	}

	return p.publish(ctx, event.EventID, EventPasswordChanged, event.AccountID, event.ChangedAt, payload)
}

// PublishPasswordResetRequested publishes identity.account.password.reset_requested events.
// The topic is consumed by the mail worker that delivers the token.
func (p *EventPublisher) PublishPasswordResetRequested(ctx context.Context, event domain.PasswordResetRequestedEvent) error {
	payload := struct {
		AccountID         string    `json:"account_id"`
		RequestID         string    `json:"request_id"`
		RequestedAt       time.Time `json:"requested_at"`
		DeliveryMethod    string    `json:"delivery_method"`
		Destination       string    `json:"destination"`
		MaskedDestination string    `json:"masked_destination,omitempty"`
		Token             string    `json:"token"`
		IPAddress         string    `json:"ip_address,omitempty"`
		ExpiresAt         time.Time `json:"expires_at"`
	}{
		AccountID:         event.AccountID,
		RequestID:         event.RequestID,
		RequestedAt:       event.RequestedAt.UTC(),
		DeliveryMethod:    "email",
		Destination:       event.Email,
		MaskedDestination: event.MaskedDestination,
		Token:             event.Token,
		IPAddress:         event.IPAddress,
		ExpiresAt:         event.ExpiresAt.UTC(),
	}

	return p.publish(ctx, event.EventID, EventPasswordResetRequested, event.AccountID, event.RequestedAt, payload)
}

// PublishSessionRevoked publishes identity.session.revoked events.
func (p *EventPublisher) PublishSessionRevoked(ctx context.Context, event domain.SessionRevokedEvent) error {
	payload := struct {
		SessionID string    `json:"session_id,omitempty"`
		AccountID string    `json:"account_id"`
		Reason    string    `json:"reason"`
		Count     int       `json:"sessions_revoked"`
		RevokedAt time.Time `json:"revoked_at"`
	}{
		SessionID: event.SessionID,
		AccountID: event.AccountID,
		Reason:    event.Reason,
		Count:     event.Count,
		RevokedAt: event.RevokedAt.UTC(),
	}

	return p.publish(ctx, event.EventID, EventSessionRevoked, event.AccountID, event.RevokedAt, payload)
}

// PublishAccountLocked publishes identity.account.locked events.
func (p *EventPublisher) PublishAccountLocked(ctx context.Context, event domain.AccountLockedEvent) error {
	payload := struct {
		AccountID   string    `json:"account_id,omitempty"`
		Failures    int       `json:"failures"`
		LockedAt    time.Time `json:"locked_at"`
		LockedUntil time.Time `json:"locked_until"`
	}{
		AccountID:   event.AccountID,
		Failures:    event.Failures,
		LockedAt:    event.LockedAt.UTC(),
		LockedUntil: event.LockedUntil.UTC(),
	}

	return p.publish(ctx, event.EventID, EventAccountLocked, event.AccountID, event.LockedAt, payload)
}

// PublishMFAChanged publishes identity.account.mfa.changed events.
func (p *EventPublisher) PublishMFAChanged(ctx context.Context, event domain.MFAChangedEvent) error {
	payload := struct {
		AccountID string    `json:"account_id"`
		Action    string    `json:"action"`
		ChangedAt time.Time `json:"changed_at"`
	}{
		AccountID: event.AccountID,
		Action:    event.Action,
		ChangedAt: event.ChangedAt.UTC(),
	}

	return p.publish(ctx, event.EventID, EventMFAChanged, event.AccountID, event.ChangedAt, payload)
}

// PublishAPIKeyRevoked publishes identity.api_key.revoked events.
func (p *EventPublisher) PublishAPIKeyRevoked(ctx context.Context, event domain.APIKeyRevokedEvent) error {
	payload := struct {
		AccountID string    `json:"account_id"`
		KeyID     string    `json:"key_id"`
		RevokedAt time.Time `json:"revoked_at"`
	}{
		AccountID: event.AccountID,
		KeyID:     event.KeyID,
		RevokedAt: event.RevokedAt.UTC(),
	}

	return p.publish(ctx, event.EventID, EventAPIKeyRevoked, event.AccountID, event.RevokedAt, payload)
}

var _ port.EventPublisher = (*EventPublisher)(nil)

// Package usecase holds the identity services: credentials, sessions,
// lockout, MFA, password reset, API keys and the login orchestration that
// composes them.
package usecase

import (
	"context"
	"errors"
	"time"

	uuid "github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/arklim/identity-core/internal/core/domain"
	"github.com/arklim/identity-core/internal/core/port"
	"github.com/arklim/identity-core/internal/repository"
)

const tracerName = "github.com/arklim/identity-core/internal/usecase"

// Metric outcome labels.
const (
	outcomeSuccess   = "success"
	outcomeFailure   = "failure"
	outcomeLocked    = "locked"
	outcomeInactive  = "inactive"
	outcomeMFA       = "mfa_required"
	outcomeRevoked   = "revoked"
	outcomeReused    = "reused"
	outcomeError     = "error"
	outcomeThrottled = "throttled"
	outcomeUnknown   = "unknown"
)

func tracer() trace.Tracer {
	return otel.Tracer(tracerName)
}

// startSpan opens a span for a service operation. The returned finish func
// records err on the span before ending it.
func startSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, func(*error)) {
	ctx, span := tracer().Start(ctx, name, trace.WithAttributes(attrs...))
	return ctx, func(errp *error) {
		if errp != nil && *errp != nil {
			span.RecordError(*errp)
			span.SetStatus(codes.Error, (*errp).Error())
		}
		span.End()
	}
}

func storageError(op string, err error) error {
	if err == nil {
		return nil
	}
	var se *domain.StorageError
	if errors.As(err, &se) {
		return err
	}
	return domain.NewStorageError(op, err)
}

func isNotFound(err error) bool {
	return errors.Is(err, repository.ErrNotFound)
}

func newID() string {
	return uuid.NewString()
}

func defaultClock() time.Time {
	return time.Now().UTC()
}

func nopLogger(logger *zap.Logger) *zap.Logger {
	if logger == nil {
		return zap.NewNop()
	}
	return logger
}

type nopMetrics struct{}

func (nopMetrics) LoginAttempt(string)            {}
func (nopMetrics) TokenRefresh(string)            {}
func (nopMetrics) SessionsRevoked(string, int)    {}
func (nopMetrics) AccountLocked()                 {}
func (nopMetrics) MFAVerification(string, string) {}
func (nopMetrics) APIKeyVerification(string)      {}
func (nopMetrics) PasswordReset(string, string)   {}

func metricsOrNop(m port.AuthMetrics) port.AuthMetrics {
	if m == nil {
		return nopMetrics{}
	}
	return m
}

// sanitize strips the password digest before an account leaves the service boundary.
func sanitize(account *domain.Account) *domain.Account {
	if account == nil {
		return nil
	}
	copied := *account
	copied.PasswordHash = ""
	return &copied
}

package usecase

import (
	"context"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/arklim/identity-core/internal/core/domain"
	"github.com/arklim/identity-core/internal/core/port"
	"github.com/arklim/identity-core/internal/infra/config"
	"github.com/arklim/identity-core/internal/infra/logger"
)

const (
	defaultLockoutThreshold = 5
	defaultLockoutWindow    = 15 * time.Minute
	defaultLockoutDuration  = 15 * time.Minute

	// unknownIdentityPrefix marks lockout keys derived from an identifier
	// that matched no account.
	unknownIdentityPrefix = "id:"
)

// LockoutGuard counts failed authentications per identity and locks the
// identity once the threshold is crossed inside the window.
type LockoutGuard struct {
	store   port.LoginAttemptStore
	policy  domain.LockoutPolicy
	events  port.EventPublisher
	metrics port.AuthMetrics
	logger  *zap.Logger
	now     func() time.Time
}

// NewLockoutGuard constructs a guard. Zero settings fall back to five failures
// in fifteen minutes locking for fifteen minutes.
func NewLockoutGuard(store port.LoginAttemptStore, cfg config.LockoutSettings, events port.EventPublisher, metrics port.AuthMetrics, log *zap.Logger) *LockoutGuard {
	policy := domain.LockoutPolicy{
		Threshold: cfg.Threshold,
		Window:    cfg.Window,
		Duration:  cfg.Duration,
	}
	if policy.Threshold <= 0 {
		policy.Threshold = defaultLockoutThreshold
	}
	if policy.Window <= 0 {
		policy.Window = defaultLockoutWindow
	}
	if policy.Duration <= 0 {
		policy.Duration = defaultLockoutDuration
	}
	return &LockoutGuard{
		store:   store,
		policy:  policy,
		events:  events,
		metrics: metricsOrNop(metrics),
		logger:  nopLogger(log),
		now:     defaultClock,
	}
}

// WithClock overrides the guard clock for deterministic tests.
func (g *LockoutGuard) WithClock(now func() time.Time) *LockoutGuard {
	if now != nil {
		g.now = now
	}
	return g
}

// Policy returns the effective lockout policy.
func (g *LockoutGuard) Policy() domain.LockoutPolicy {
	return g.policy
}

// IdentityKey returns the counter key for a login attempt: the account id when
// the identifier resolved, otherwise the normalized identifier itself.
func IdentityKey(account *domain.Account, identifier string) string {
	if account != nil && account.ID != "" {
		return account.ID
	}
	return unknownIdentityPrefix + strings.ToLower(strings.TrimSpace(identifier))
}

// RecordFailure counts one failed attempt and reports whether it locked the identity.
func (g *LockoutGuard) RecordFailure(ctx context.Context, identity string) (bool, error) {
	at := g.now()
	counter, locked, err := g.store.RecordFailure(ctx, identity, g.policy, at)
	if err != nil {
		return false, storageError("record login failure", err)
	}
	if !locked {
		return false, nil
	}

	g.metrics.AccountLocked()
	g.logger.Warn("identity locked after repeated failures",
		zap.String("identity", logger.MaskIdentifier(identity)),
		zap.Int("failures", counter.Failures),
	)

	if g.events != nil && counter.LockedUntil != nil {
		event := domain.AccountLockedEvent{
			EventID:     newID(),
			Identity:    logger.MaskIdentifier(identity),
			Failures:    counter.Failures,
			LockedAt:    at,
			LockedUntil: *counter.LockedUntil,
		}
		if !strings.HasPrefix(identity, unknownIdentityPrefix) {
			event.AccountID = identity
		}
		if err := g.events.PublishAccountLocked(ctx, event); err != nil {
			g.logger.Warn("failed to publish account locked event", zap.Error(err))
		}
	}
	return true, nil
}

// RecordSuccess clears the failure counter.
func (g *LockoutGuard) RecordSuccess(ctx context.Context, identity string) error {
	if err := g.store.Reset(ctx, identity); err != nil {
		return storageError("reset login attempts", err)
	}
	return nil
}

// CheckLocked reports whether identity is locked and until when.
func (g *LockoutGuard) CheckLocked(ctx context.Context, identity string) (bool, time.Time, error) {
	counter, err := g.store.Get(ctx, identity)
	if err != nil {
		if isNotFound(err) {
			return false, time.Time{}, nil
		}
		return false, time.Time{}, storageError("get login attempts", err)
	}
	if counter == nil || !counter.IsLocked(g.now()) {
		return false, time.Time{}, nil
	}
	return true, *counter.LockedUntil, nil
}

// EnsureNotLocked returns *domain.AccountLockedError while identity is locked.
// Storage failures deny the attempt.
func (g *LockoutGuard) EnsureNotLocked(ctx context.Context, identity string) error {
	locked, until, err := g.CheckLocked(ctx, identity)
	if err != nil {
		return err
	}
	if locked {
		return &domain.AccountLockedError{Until: until}
	}
	return nil
}

// Unlock lifts a lock before it expires.
func (g *LockoutGuard) Unlock(ctx context.Context, identity string) error {
	if err := g.store.Reset(ctx, identity); err != nil {
		return storageError("unlock identity", err)
	}
	g.logger.Info("identity unlocked", zap.String("identity", logger.MaskIdentifier(identity)))
	return nil
}

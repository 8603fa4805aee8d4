package usecase

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/arklim/identity-core/internal/core/domain"
	"github.com/arklim/identity-core/internal/core/port"
	"github.com/arklim/identity-core/internal/infra/config"
	"github.com/arklim/identity-core/internal/infra/security"
	"github.com/arklim/identity-core/internal/repository"
)

const tokenTypeBearer = "Bearer"

// SessionRegistry issues token pairs backed by session records and rotates
// them on refresh. The session id travels in both tokens, so a token is only
// honored while its session row is active.
type SessionRegistry struct {
	sessions port.SessionRepository
	accounts port.AccountRepository
	tokens   port.TokenEngine
	events   port.EventPublisher
	metrics  port.AuthMetrics
	cfg      config.SessionSettings
	logger   *zap.Logger
	now      func() time.Time
}

// NewSessionRegistry constructs a SessionRegistry.
func NewSessionRegistry(
	sessions port.SessionRepository,
	accounts port.AccountRepository,
	tokens port.TokenEngine,
	events port.EventPublisher,
	metrics port.AuthMetrics,
	cfg config.SessionSettings,
	log *zap.Logger,
) *SessionRegistry {
	return &SessionRegistry{
		sessions: sessions,
		accounts: accounts,
		tokens:   tokens,
		events:   events,
		metrics:  metricsOrNop(metrics),
		cfg:      cfg,
		logger:   nopLogger(log),
		now:      defaultClock,
	}
}

// WithClock overrides the registry clock for deterministic tests.
func (r *SessionRegistry) WithClock(now func() time.Time) *SessionRegistry {
	if now != nil {
		r.now = now
	}
	return r
}

// Create starts a new session family for accountID.
func (r *SessionRegistry) Create(ctx context.Context, accountID string, device domain.DeviceInfo) (issued *domain.IssuedSession, err error) {
	ctx, finish := startSpan(ctx, "SessionRegistry.Create", attribute.String("account.id", accountID))
	defer finish(&err)

	sessionID := newID()
	issued, err = r.issue(accountID, sessionID, sessionID, device)
	if err != nil {
		return nil, err
	}
	if err := r.sessions.Create(ctx, issued.Session); err != nil {
		return nil, storageError("create session", err)
	}

	r.logger.Info("session created",
		zap.String("account_id", accountID),
		zap.String("session_id", sessionID),
	)
	return issued, nil
}

// issue signs the token pair for a new session record without persisting it.
func (r *SessionRegistry) issue(accountID, sessionID, familyID string, device domain.DeviceInfo) (*domain.IssuedSession, error) {
	access, err := r.tokens.Issue(accountID, sessionID, domain.TokenKindAccess)
	if err != nil {
		return nil, fmt.Errorf("issue access token: %w", err)
	}
	refresh, err := r.tokens.Issue(accountID, sessionID, domain.TokenKindRefresh)
	if err != nil {
		return nil, fmt.Errorf("issue refresh token: %w", err)
	}

	session := domain.Session{
		ID:               sessionID,
		AccountID:        accountID,
		FamilyID:         familyID,
		AccessTokenID:    access.Claims.TokenID,
		RefreshTokenHash: security.HashToken(refresh.Token),
		Device:           device,
		Active:           true,
		CreatedAt:        access.Claims.IssuedAt,
		ExpiresAt:        refresh.Claims.ExpiresAt,
	}
	return &domain.IssuedSession{
		Session:          session,
		AccessToken:      access.Token,
		RefreshToken:     refresh.Token,
		TokenType:        tokenTypeBearer,
		AccessExpiresAt:  access.Claims.ExpiresAt,
		RefreshExpiresAt: refresh.Claims.ExpiresAt,
	}, nil
}

// Refresh exchanges a refresh token for a new pair. The old session is
// deactivated and its successor inserted in one compare-and-swap, so of two
// concurrent refreshes with the same token exactly one wins and the other gets
// domain.ErrSessionRevoked.
func (r *SessionRegistry) Refresh(ctx context.Context, refreshToken string) (issued *domain.IssuedSession, err error) {
	ctx, finish := startSpan(ctx, "SessionRegistry.Refresh")
	defer finish(&err)

	outcome := outcomeFailure
	defer func() { r.metrics.TokenRefresh(outcome) }()

	claims, err := r.tokens.Verify(refreshToken, domain.TokenKindRefresh)
	if err != nil {
		return nil, err
	}

	current, err := r.sessions.Get(ctx, claims.SessionID)
	if err != nil {
		if isNotFound(err) {
			outcome = outcomeRevoked
			return nil, domain.ErrSessionRevoked
		}
		outcome = outcomeError
		return nil, storageError("get session", err)
	}
	if current.AccountID != claims.Subject || !security.EqualHashes(current.RefreshTokenHash, security.HashToken(refreshToken)) {
		return nil, domain.ErrInvalidToken
	}

	at := r.now()
	if !current.IsActive(at) {
		outcome = outcomeRevoked
		if current.WasRotated() {
			outcome = outcomeReused
			r.handleReuse(ctx, current, at)
		}
		return nil, domain.ErrSessionRevoked
	}

	account, err := r.accounts.GetByID(ctx, current.AccountID)
	if err != nil {
		if isNotFound(err) {
			outcome = outcomeRevoked
			return nil, domain.ErrSessionRevoked
		}
		outcome = outcomeError
		return nil, storageError("get account", err)
	}
	if !account.IsActive {
		outcome = outcomeInactive
		return nil, domain.ErrAccountInactive
	}

	issued, err = r.issue(current.AccountID, newID(), current.FamilyID, current.Device)
	if err != nil {
		outcome = outcomeError
		return nil, err
	}

	if err := r.sessions.Rotate(ctx, current.ID, issued.Session, at); err != nil {
		switch {
		case errors.Is(err, repository.ErrConflict):
			outcome = outcomeRevoked
			return nil, domain.ErrSessionRevoked
		case isNotFound(err):
			outcome = outcomeRevoked
			return nil, domain.ErrSessionRevoked
		default:
			outcome = outcomeError
			return nil, storageError("rotate session", err)
		}
	}

	outcome = outcomeSuccess
	r.logger.Debug("session rotated",
		zap.String("account_id", current.AccountID),
		zap.String("previous_session_id", current.ID),
		zap.String("session_id", issued.Session.ID),
	)
	return issued, nil
}

// handleReuse reacts to a refresh token that was already rotated away. With
// family revocation enabled every session descended from the same login dies.
func (r *SessionRegistry) handleReuse(ctx context.Context, session *domain.Session, at time.Time) {
	r.logger.Warn("rotated refresh token presented again",
		zap.String("account_id", session.AccountID),
		zap.String("session_id", session.ID),
		zap.Bool("revoke_family", r.cfg.RevokeFamilyOnReuse),
	)
	if !r.cfg.RevokeFamilyOnReuse {
		return
	}

	count, err := r.sessions.RevokeFamily(ctx, session.FamilyID, domain.RevokeReasonReuseDetected, at)
	if err != nil {
		r.logger.Error("failed to revoke session family", zap.String("family_id", session.FamilyID), zap.Error(err))
		return
	}
	r.afterRevoke(ctx, session.AccountID, "", domain.RevokeReasonReuseDetected, count, at)
}

// ValidateAccessToken checks signature, kind and that the backing session is
// still live and was issued alongside this exact token.
func (r *SessionRegistry) ValidateAccessToken(ctx context.Context, accessToken string) (*domain.AccessContext, error) {
	claims, err := r.tokens.Verify(accessToken, domain.TokenKindAccess)
	if err != nil {
		return nil, err
	}

	session, err := r.sessions.Get(ctx, claims.SessionID)
	if err != nil {
		if isNotFound(err) {
			return nil, domain.ErrSessionRevoked
		}
		return nil, storageError("get session", err)
	}
	if session.AccountID != claims.Subject {
		return nil, domain.ErrInvalidToken
	}
	if !session.IsActive(r.now()) || session.AccessTokenID != claims.TokenID {
		return nil, domain.ErrSessionRevoked
	}

	return &domain.AccessContext{
		AccountID: claims.Subject,
		SessionID: claims.SessionID,
		TokenID:   claims.TokenID,
		ExpiresAt: claims.ExpiresAt,
	}, nil
}

// Logout revokes the session behind a live access token.
func (r *SessionRegistry) Logout(ctx context.Context, accessToken string) (err error) {
	ctx, finish := startSpan(ctx, "SessionRegistry.Logout")
	defer finish(&err)

	access, err := r.ValidateAccessToken(ctx, accessToken)
	if err != nil {
		return err
	}
	_, err = r.Revoke(ctx, access.SessionID, domain.RevokeReasonLogout)
	return err
}

// Revoke deactivates one session. It reports false when the session was
// already inactive.
func (r *SessionRegistry) Revoke(ctx context.Context, sessionID, reason string) (bool, error) {
	session, err := r.sessions.Get(ctx, sessionID)
	if err != nil {
		if isNotFound(err) {
			return false, domain.ErrSessionNotFound
		}
		return false, storageError("get session", err)
	}
	return r.revoke(ctx, session, reason)
}

// RevokeForAccount revokes a session on behalf of its owner. Sessions of other
// accounts are reported as not found.
func (r *SessionRegistry) RevokeForAccount(ctx context.Context, accountID, sessionID string) (bool, error) {
	session, err := r.sessions.Get(ctx, sessionID)
	if err != nil {
		if isNotFound(err) {
			return false, domain.ErrSessionNotFound
		}
		return false, storageError("get session", err)
	}
	if session.AccountID != accountID {
		return false, domain.ErrSessionNotFound
	}
	return r.revoke(ctx, session, domain.RevokeReasonUserRevoked)
}

func (r *SessionRegistry) revoke(ctx context.Context, session *domain.Session, reason string) (bool, error) {
	at := r.now()
	changed, err := r.sessions.Revoke(ctx, session.ID, reason, at)
	if err != nil {
		if isNotFound(err) {
			return false, domain.ErrSessionNotFound
		}
		return false, storageError("revoke session", err)
	}
	if changed {
		r.afterRevoke(ctx, session.AccountID, session.ID, reason, 1, at)
	}
	return changed, nil
}

// RevokeAll deactivates every active session of accountID and returns how many changed.
func (r *SessionRegistry) RevokeAll(ctx context.Context, accountID, reason string) (int, error) {
	at := r.now()
	count, err := r.revokeAccount(ctx, accountID, reason, at)
	if err != nil {
		return 0, err
	}
	if count > 0 {
		r.afterRevoke(ctx, accountID, "", reason, count, at)
	}
	return count, nil
}

// revokeAccount only writes. Callers inside a unit of work report through
// afterRevoke once the unit commits.
func (r *SessionRegistry) revokeAccount(ctx context.Context, accountID, reason string, at time.Time) (int, error) {
	count, err := r.sessions.RevokeAllForAccount(ctx, accountID, reason, at)
	if err != nil {
		return 0, storageError("revoke account sessions", err)
	}
	return count, nil
}

// ListActive returns the live sessions of accountID.
func (r *SessionRegistry) ListActive(ctx context.Context, accountID string) ([]domain.Session, error) {
	sessions, err := r.sessions.ListActiveByAccount(ctx, accountID, r.now())
	if err != nil {
		return nil, storageError("list sessions", err)
	}
	for i := range sessions {
		sessions[i].RefreshTokenHash = ""
	}
	return sessions, nil
}

// afterRevoke records metrics and emits the revocation event. Publishing is
// best effort; the revocation itself already happened.
func (r *SessionRegistry) afterRevoke(ctx context.Context, accountID, sessionID, reason string, count int, at time.Time) {
	r.metrics.SessionsRevoked(reason, count)
	r.logger.Info("sessions revoked",
		zap.String("account_id", accountID),
		zap.String("session_id", sessionID),
		zap.String("reason", reason),
		zap.Int("count", count),
	)
	if r.events == nil {
		return
	}
	event := domain.SessionRevokedEvent{
		EventID:   newID(),
		AccountID: accountID,
		SessionID: sessionID,
		Reason:    reason,
		Count:     count,
		RevokedAt: at,
	}
	if err := r.events.PublishSessionRevoked(ctx, event); err != nil {
		r.logger.Warn("failed to publish session revoked event",
			zap.String("account_id", accountID),
			zap.Error(err),
		)
	}
}

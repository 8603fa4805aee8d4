package usecase

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/arklim/identity-core/internal/core/domain"
	"github.com/arklim/identity-core/internal/core/port"
	"github.com/arklim/identity-core/internal/infra/config"
	"github.com/arklim/identity-core/internal/infra/logger"
	"github.com/arklim/identity-core/internal/infra/security"
)

const (
	defaultResetTokenTTL      = time.Hour
	defaultResetRequestWindow = time.Hour
	defaultResetMaxRequests   = 3
	resetTokenBytes           = 32

	resetReceiptMessage = "If an account matches, password reset instructions have been sent."
	resetRateLimitScope = "password_reset:"

	resetStageRequest = "request"
	resetStageConfirm = "confirm"
)

// PasswordResetService issues single-use reset tokens and redeems them. The
// plaintext token only leaves through the PasswordResetRequested event; the
// caller always receives the same generic receipt.
type PasswordResetService struct {
	accounts   port.AccountRepository
	tokens     port.PasswordResetRepository
	sessions   port.SessionRepository
	rateLimits port.RateLimitStore
	tx         port.Transactor
	hasher     port.PasswordHasher
	policy     port.PasswordPolicy
	events     port.EventPublisher
	metrics    port.AuthMetrics
	cfg        config.PasswordResetSettings
	logger     *zap.Logger
	now        func() time.Time
}

// NewPasswordResetService constructs a PasswordResetService.
func NewPasswordResetService(
	accounts port.AccountRepository,
	tokens port.PasswordResetRepository,
	sessions port.SessionRepository,
	rateLimits port.RateLimitStore,
	tx port.Transactor,
	hasher port.PasswordHasher,
	policy port.PasswordPolicy,
	events port.EventPublisher,
	metrics port.AuthMetrics,
	cfg config.PasswordResetSettings,
	log *zap.Logger,
) *PasswordResetService {
	if cfg.TokenTTL <= 0 {
		cfg.TokenTTL = defaultResetTokenTTL
	}
	if cfg.RequestWindow <= 0 {
		cfg.RequestWindow = defaultResetRequestWindow
	}
	if cfg.MaxRequests <= 0 {
		cfg.MaxRequests = defaultResetMaxRequests
	}
	return &PasswordResetService{
		accounts:   accounts,
		tokens:     tokens,
		sessions:   sessions,
		rateLimits: rateLimits,
		tx:         tx,
		hasher:     hasher,
		policy:     policy,
		events:     events,
		metrics:    metricsOrNop(metrics),
		cfg:        cfg,
		logger:     nopLogger(log),
		now:        defaultClock,
	}
}

// WithClock overrides the service clock for deterministic tests.
func (s *PasswordResetService) WithClock(now func() time.Time) *PasswordResetService {
	if now != nil {
		s.now = now
	}
	return s
}

// RequestReset starts a reset for identity (email or username). Unknown,
// inactive and throttled identities get the same receipt as a real request.
func (s *PasswordResetService) RequestReset(ctx context.Context, identity, ipAddress string) (receipt *domain.ResetReceipt, err error) {
	ctx, finish := startSpan(ctx, "PasswordResetService.RequestReset")
	defer finish(&err)

	at := s.now()
	receipt = &domain.ResetReceipt{
		RequestID:   newID(),
		RequestedAt: at,
		Message:     resetReceiptMessage,
	}

	account, err := s.lookup(ctx, identity)
	if err != nil {
		if errors.Is(err, domain.ErrAccountNotFound) {
			s.metrics.PasswordReset(resetStageRequest, outcomeUnknown)
			s.logger.Info("password reset requested for unknown identity",
				zap.String("identity", logger.MaskIdentifier(identity)),
				zap.String("ip", logger.MaskIP(ipAddress)),
			)
			return receipt, nil
		}
		s.metrics.PasswordReset(resetStageRequest, outcomeError)
		return nil, err
	}
	if !account.IsActive {
		s.metrics.PasswordReset(resetStageRequest, outcomeInactive)
		return receipt, nil
	}

	if s.throttled(ctx, account.ID, at) {
		s.metrics.PasswordReset(resetStageRequest, outcomeThrottled)
		s.logger.Warn("password reset throttled", zap.String("account_id", account.ID))
		return receipt, nil
	}

	plaintext, err := security.GenerateSecureToken(resetTokenBytes)
	if err != nil {
		return nil, fmt.Errorf("generate reset token: %w", err)
	}
	token := domain.PasswordResetToken{
		ID:        newID(),
		AccountID: account.ID,
		TokenHash: security.HashToken(plaintext),
		CreatedAt: at,
		ExpiresAt: at.Add(s.cfg.TokenTTL),
	}

	if err := s.tx.WithinTx(ctx, func(txCtx context.Context) error {
		if _, err := s.tokens.InvalidateOutstanding(txCtx, account.ID, at); err != nil {
			return storageError("invalidate reset tokens", err)
		}
		if err := s.tokens.Create(txCtx, token); err != nil {
			return storageError("create reset token", err)
		}
		return nil
	}); err != nil {
		s.metrics.PasswordReset(resetStageRequest, outcomeError)
		return nil, err
	}

	s.metrics.PasswordReset(resetStageRequest, outcomeSuccess)
	s.logger.Info("password reset token issued",
		zap.String("account_id", account.ID),
		zap.String("request_id", receipt.RequestID),
		zap.Time("expires_at", token.ExpiresAt),
	)

	if s.events != nil {
		event := domain.PasswordResetRequestedEvent{
			EventID:           newID(),
			AccountID:         account.ID,
			RequestID:         receipt.RequestID,
			Email:             account.Email,
			MaskedDestination: logger.MaskEmail(account.Email),
			Token:             plaintext,
			RequestedAt:       at,
			ExpiresAt:         token.ExpiresAt,
			IPAddress:         ipAddress,
		}
		if err := s.events.PublishPasswordResetRequested(ctx, event); err != nil {
			s.logger.Error("failed to publish password reset requested event",
				zap.String("account_id", account.ID),
				zap.String("request_id", receipt.RequestID),
				zap.Error(err),
			)
		}
	}
	return receipt, nil
}

func (s *PasswordResetService) lookup(ctx context.Context, identity string) (*domain.Account, error) {
	identity = strings.TrimSpace(identity)
	if identity == "" {
		return nil, domain.ErrAccountNotFound
	}
	var (
		account *domain.Account
		err     error
	)
	if domain.LooksLikeEmail(identity) {
		account, err = s.accounts.GetByEmail(ctx, domain.NormalizeEmail(identity))
	} else {
		account, err = s.accounts.GetByUsername(ctx, domain.NormalizeUsername(identity))
	}
	if err != nil {
		if isNotFound(err) {
			return nil, domain.ErrAccountNotFound
		}
		return nil, storageError("find account", err)
	}
	return account, nil
}

// throttled applies the per-account sliding window. Rate limiter failures are
// logged and let the request through.
func (s *PasswordResetService) throttled(ctx context.Context, accountID string, at time.Time) bool {
	if s.rateLimits == nil {
		return false
	}
	key := resetRateLimitScope + accountID

	if err := s.rateLimits.TrimWindow(ctx, key, s.cfg.RequestWindow, at); err != nil {
		s.logger.Warn("failed to trim reset rate limit window", zap.String("account_id", accountID), zap.Error(err))
	}
	count, err := s.rateLimits.CountAttempts(ctx, key, s.cfg.RequestWindow, at)
	if err != nil {
		s.logger.Warn("failed to count reset requests", zap.String("account_id", accountID), zap.Error(err))
		return false
	}
	if count >= s.cfg.MaxRequests {
		return true
	}
	if err := s.rateLimits.RecordAttempt(ctx, key, at); err != nil {
		s.logger.Warn("failed to record reset request", zap.String("account_id", accountID), zap.Error(err))
	}
	return false
}

// ConfirmReset redeems token and sets newPassword. Consuming the token,
// writing the password, invalidating sibling tokens and revoking every session
// happen in one unit of work.
func (s *PasswordResetService) ConfirmReset(ctx context.Context, token, newPassword string) (err error) {
	ctx, finish := startSpan(ctx, "PasswordResetService.ConfirmReset")
	defer finish(&err)

	outcome := outcomeFailure
	defer func() { s.metrics.PasswordReset(resetStageConfirm, outcome) }()

	token = strings.TrimSpace(token)
	if token == "" {
		return domain.ErrInvalidOrExpiredToken
	}

	record, err := s.tokens.GetByHash(ctx, security.HashToken(token))
	if err != nil {
		if isNotFound(err) {
			return domain.ErrInvalidOrExpiredToken
		}
		outcome = outcomeError
		return storageError("get reset token", err)
	}
	at := s.now()
	if !record.Usable(at) {
		return domain.ErrInvalidOrExpiredToken
	}

	account, err := s.accounts.GetByID(ctx, record.AccountID)
	if err != nil {
		if isNotFound(err) {
			return domain.ErrInvalidOrExpiredToken
		}
		outcome = outcomeError
		return storageError("get account", err)
	}
	if !account.IsActive {
		return domain.ErrAccountInactive
	}

	if err := s.policy.Validate(newPassword, account.PasswordContext()); err != nil {
		return err
	}
	digest, err := s.hasher.Hash(newPassword)
	if err != nil {
		outcome = outcomeError
		return fmt.Errorf("hash password: %w", err)
	}

	var revoked int
	err = s.tx.WithinTx(ctx, func(txCtx context.Context) error {
		consumed, err := s.tokens.Consume(txCtx, record.ID, at)
		if err != nil {
			return storageError("consume reset token", err)
		}
		if !consumed {
			return domain.ErrInvalidOrExpiredToken
		}
		if err := s.accounts.UpdatePassword(txCtx, account.ID, digest, at); err != nil {
			return storageError("update password", err)
		}
		if _, err := s.tokens.InvalidateOutstanding(txCtx, account.ID, at); err != nil {
			return storageError("invalidate reset tokens", err)
		}
		revoked, err = s.sessions.RevokeAllForAccount(txCtx, account.ID, domain.RevokeReasonPasswordReset, at)
		if err != nil {
			return storageError("revoke sessions", err)
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, domain.ErrStorage) {
			outcome = outcomeError
		}
		return err
	}

	outcome = outcomeSuccess
	s.metrics.SessionsRevoked(domain.RevokeReasonPasswordReset, revoked)
	s.logger.Info("password reset completed",
		zap.String("account_id", account.ID),
		zap.Int("sessions_revoked", revoked),
	)
	s.publishCompleted(ctx, account.ID, revoked, at)
	return nil
}

func (s *PasswordResetService) publishCompleted(ctx context.Context, accountID string, revoked int, at time.Time) {
	if s.events == nil {
		return
	}
	changed := domain.PasswordChangedEvent{
		EventID:         newID(),
		AccountID:       accountID,
		Reason:          passwordReasonReset,
		ChangedAt:       at,
		SessionsRevoked: revoked,
	}
	if err := s.events.PublishPasswordChanged(ctx, changed); err != nil {
		s.logger.Warn("failed to publish password changed event", zap.String("account_id", accountID), zap.Error(err))
	}
	if revoked == 0 {
		return
	}
	sessions := domain.SessionRevokedEvent{
		EventID:   newID(),
		AccountID: accountID,
		Reason:    domain.RevokeReasonPasswordReset,
		Count:     revoked,
		RevokedAt: at,
	}
	if err := s.events.PublishSessionRevoked(ctx, sessions); err != nil {
		s.logger.Warn("failed to publish session revoked event", zap.String("account_id", accountID), zap.Error(err))
	}
}

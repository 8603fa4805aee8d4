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
	"github.com/arklim/identity-core/internal/infra/security"
	"github.com/arklim/identity-core/internal/repository"
)

const (
	defaultBackupCodeCount = 10

	mfaMethodTOTP   = "totp"
	mfaMethodBackup = "backup_code"
)

// MFAService manages TOTP enrolment, verification and backup codes.
type MFAService struct {
	settings port.MFARepository
	accounts port.AccountRepository
	totp     port.TOTPProvider
	events   port.EventPublisher
	metrics  port.AuthMetrics
	cfg      config.MFASettings
	logger   *zap.Logger
	now      func() time.Time
}

// NewMFAService constructs an MFAService.
func NewMFAService(
	settings port.MFARepository,
	accounts port.AccountRepository,
	totp port.TOTPProvider,
	events port.EventPublisher,
	metrics port.AuthMetrics,
	cfg config.MFASettings,
	log *zap.Logger,
) *MFAService {
	if cfg.BackupCodeCount <= 0 {
		cfg.BackupCodeCount = defaultBackupCodeCount
	}
	return &MFAService{
		settings: settings,
		accounts: accounts,
		totp:     totp,
		events:   events,
		metrics:  metricsOrNop(metrics),
		cfg:      cfg,
		logger:   nopLogger(log),
		now:      defaultClock,
	}
}

// WithClock overrides the service clock for deterministic tests.
func (s *MFAService) WithClock(now func() time.Time) *MFAService {
	if now != nil {
		s.now = now
	}
	return s
}

// Setup issues a new pending secret, replacing any earlier unconfirmed one.
func (s *MFAService) Setup(ctx context.Context, accountID string) (*domain.MFAEnrollment, error) {
	account, err := s.accounts.GetByID(ctx, accountID)
	if err != nil {
		if isNotFound(err) {
			return nil, domain.ErrAccountNotFound
		}
		return nil, storageError("get account", err)
	}

	current, err := s.settings.Get(ctx, accountID)
	switch {
	case err == nil && current.Enabled:
		return nil, domain.ErrMFAAlreadyEnabled
	case err != nil && !isNotFound(err):
		return nil, storageError("get mfa settings", err)
	}

	enrollment, err := s.totp.Enroll(account.Email)
	if err != nil {
		return nil, fmt.Errorf("enroll totp: %w", err)
	}

	pending := domain.MFASettings{
		AccountID: accountID,
		Secret:    enrollment.Secret,
		CreatedAt: s.now(),
	}
	if err := s.settings.SavePending(ctx, pending); err != nil {
		if errors.Is(err, repository.ErrConflict) {
			return nil, domain.ErrMFAAlreadyEnabled
		}
		return nil, storageError("save pending mfa", err)
	}

	s.logger.Info("mfa setup started", zap.String("account_id", accountID))
	return enrollment, nil
}

// Confirm proves possession of the pending secret, activates MFA and returns
// the plaintext backup codes. They are not retrievable afterwards.
func (s *MFAService) Confirm(ctx context.Context, accountID, code string) ([]string, error) {
	current, err := s.settings.Get(ctx, accountID)
	if err != nil {
		if isNotFound(err) {
			return nil, domain.ErrMFASetupRequired
		}
		return nil, storageError("get mfa settings", err)
	}
	if current.Enabled {
		return nil, domain.ErrMFAAlreadyEnabled
	}
	if !current.Pending() {
		return nil, domain.ErrMFASetupRequired
	}

	at := s.now()
	step, ok := s.totp.Validate(current.Secret, code, at)
	if !ok {
		s.metrics.MFAVerification(mfaMethodTOTP, outcomeFailure)
		return nil, domain.ErrInvalidMFACode
	}

	plaintext, codes, err := s.generateBackupCodes(accountID, at)
	if err != nil {
		return nil, err
	}

	if err := s.settings.Enable(ctx, accountID, current.Secret, step, codes, at); err != nil {
		switch {
		case isNotFound(err):
			return nil, domain.ErrMFASetupRequired
		case errors.Is(err, repository.ErrConflict):
			// The pending secret was replaced or confirmed concurrently.
			return nil, domain.ErrMFASetupRequired
		default:
			return nil, storageError("enable mfa", err)
		}
	}

	s.metrics.MFAVerification(mfaMethodTOTP, outcomeSuccess)
	s.logger.Info("mfa enabled", zap.String("account_id", accountID))
	s.publishChanged(ctx, accountID, domain.MFAActionEnabled, at)
	return plaintext, nil
}

// Verify checks a TOTP code against the active secret. An accepted time step
// cannot be accepted again for the same account.
func (s *MFAService) Verify(ctx context.Context, accountID, code string) (bool, error) {
	current, err := s.enabledSettings(ctx, accountID)
	if err != nil {
		return false, err
	}

	step, ok := s.totp.Validate(current.Secret, code, s.now())
	if !ok {
		s.metrics.MFAVerification(mfaMethodTOTP, outcomeFailure)
		return false, nil
	}

	advanced, err := s.settings.AdvanceStep(ctx, accountID, step)
	if err != nil {
		return false, storageError("advance totp step", err)
	}
	if !advanced {
		s.metrics.MFAVerification(mfaMethodTOTP, outcomeReused)
		s.logger.Warn("totp code replayed", zap.String("account_id", accountID), zap.Int64("step", step))
		return false, nil
	}

	s.metrics.MFAVerification(mfaMethodTOTP, outcomeSuccess)
	return true, nil
}

// VerifyBackupCode checks code against the stored hashes and removes the
// matching one. A code verifies at most once.
func (s *MFAService) VerifyBackupCode(ctx context.Context, accountID, code string) (bool, error) {
	if _, err := s.enabledSettings(ctx, accountID); err != nil {
		return false, err
	}
	if security.NormalizeBackupCode(code) == "" {
		s.metrics.MFAVerification(mfaMethodBackup, outcomeFailure)
		return false, nil
	}

	codes, err := s.settings.ListBackupCodes(ctx, accountID)
	if err != nil {
		return false, storageError("list backup codes", err)
	}

	for _, candidate := range codes {
		if !security.VerifyBackupCode(code, candidate.CodeHash) {
			continue
		}
		consumed, err := s.settings.ConsumeBackupCode(ctx, accountID, candidate.ID)
		if err != nil {
			return false, storageError("consume backup code", err)
		}
		if !consumed {
			break
		}

		s.metrics.MFAVerification(mfaMethodBackup, outcomeSuccess)
		s.logger.Info("backup code consumed",
			zap.String("account_id", accountID),
			zap.Int("remaining", len(codes)-1),
		)
		s.publishChanged(ctx, accountID, domain.MFAActionBackupCodeConsumed, s.now())
		return true, nil
	}

	s.metrics.MFAVerification(mfaMethodBackup, outcomeFailure)
	return false, nil
}

// VerifyAny accepts either a TOTP code or a backup code and reports which
// method matched.
func (s *MFAService) VerifyAny(ctx context.Context, accountID, code string) (string, bool, error) {
	code = strings.TrimSpace(code)
	if looksLikeTOTP(code) {
		ok, err := s.Verify(ctx, accountID, code)
		return mfaMethodTOTP, ok, err
	}
	ok, err := s.VerifyBackupCode(ctx, accountID, code)
	return mfaMethodBackup, ok, err
}

func looksLikeTOTP(code string) bool {
	if len(code) < 6 || len(code) > 8 {
		return false
	}
	for _, r := range code {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

// Disable clears the secret and the remaining backup codes after a valid
// TOTP or backup code.
func (s *MFAService) Disable(ctx context.Context, accountID, code string) error {
	_, ok, err := s.VerifyAny(ctx, accountID, code)
	if err != nil {
		return err
	}
	if !ok {
		return domain.ErrInvalidMFACode
	}

	if err := s.settings.Delete(ctx, accountID); err != nil {
		if isNotFound(err) {
			return domain.ErrMFANotEnabled
		}
		return storageError("delete mfa settings", err)
	}

	s.logger.Info("mfa disabled", zap.String("account_id", accountID))
	s.publishChanged(ctx, accountID, domain.MFAActionDisabled, s.now())
	return nil
}

// RegenerateBackupCodes replaces every backup code with a fresh set.
func (s *MFAService) RegenerateBackupCodes(ctx context.Context, accountID string) ([]string, error) {
	if _, err := s.enabledSettings(ctx, accountID); err != nil {
		return nil, err
	}

	at := s.now()
	plaintext, codes, err := s.generateBackupCodes(accountID, at)
	if err != nil {
		return nil, err
	}
	if err := s.settings.ReplaceBackupCodes(ctx, accountID, codes); err != nil {
		if isNotFound(err) {
			return nil, domain.ErrMFANotEnabled
		}
		return nil, storageError("replace backup codes", err)
	}

	s.logger.Info("backup codes regenerated", zap.String("account_id", accountID))
	s.publishChanged(ctx, accountID, domain.MFAActionBackupRegenerated, at)
	return plaintext, nil
}

// Status summarizes the MFA state of accountID.
func (s *MFAService) Status(ctx context.Context, accountID string) (*domain.MFAStatus, error) {
	current, err := s.settings.Get(ctx, accountID)
	if err != nil {
		if isNotFound(err) {
			return &domain.MFAStatus{}, nil
		}
		return nil, storageError("get mfa settings", err)
	}

	status := &domain.MFAStatus{
		Enabled:   current.Enabled,
		Pending:   current.Pending(),
		EnabledAt: current.EnabledAt,
	}
	if current.Enabled {
		codes, err := s.settings.ListBackupCodes(ctx, accountID)
		if err != nil {
			return nil, storageError("list backup codes", err)
		}
		status.BackupCodesRemaining = len(codes)
	}
	return status, nil
}

// Enabled reports whether accountID must pass a second factor at login.
func (s *MFAService) Enabled(ctx context.Context, accountID string) (bool, error) {
	current, err := s.settings.Get(ctx, accountID)
	if err != nil {
		if isNotFound(err) {
			return false, nil
		}
		return false, storageError("get mfa settings", err)
	}
	return current.Enabled, nil
}

func (s *MFAService) enabledSettings(ctx context.Context, accountID string) (*domain.MFASettings, error) {
	current, err := s.settings.Get(ctx, accountID)
	if err != nil {
		if isNotFound(err) {
			return nil, domain.ErrMFANotEnabled
		}
		return nil, storageError("get mfa settings", err)
	}
	if !current.Enabled {
		return nil, domain.ErrMFANotEnabled
	}
	return current, nil
}

func (s *MFAService) generateBackupCodes(accountID string, at time.Time) ([]string, []domain.BackupCode, error) {
	plaintext := make([]string, 0, s.cfg.BackupCodeCount)
	codes := make([]domain.BackupCode, 0, s.cfg.BackupCodeCount)
	for i := 0; i < s.cfg.BackupCodeCount; i++ {
		code, err := security.GenerateBackupCode()
		if err != nil {
			return nil, nil, err
		}
		hash, err := security.HashBackupCode(code)
		if err != nil {
			return nil, nil, err
		}
		plaintext = append(plaintext, code)
		codes = append(codes, domain.BackupCode{
			ID:        newID(),
			AccountID: accountID,
			CodeHash:  hash,
			CreatedAt: at,
		})
	}
	return plaintext, codes, nil
}

func (s *MFAService) publishChanged(ctx context.Context, accountID, action string, at time.Time) {
	if s.events == nil {
		return
	}
	event := domain.MFAChangedEvent{
		EventID:   newID(),
		AccountID: accountID,
		Action:    action,
		ChangedAt: at,
	}
	if err := s.events.PublishMFAChanged(ctx, event); err != nil {
		s.logger.Warn("failed to publish mfa changed event",
			zap.String("account_id", accountID),
			zap.String("action", action),
			zap.Error(err),
		)
	}
}

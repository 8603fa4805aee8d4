package usecase

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/arklim/identity-core/internal/core/domain"
	"github.com/arklim/identity-core/internal/core/port"
	"github.com/arklim/identity-core/internal/infra/logger"
	"github.com/arklim/identity-core/internal/repository"
)

const (
	registrationMethodPassword = "password"
	registrationMethodExternal = "external"

	passwordReasonChanged = "password_change"
	passwordReasonReset   = "password_reset"

	dummyPassword = "identity-core-timing-equalizer"
)

var (
	// ErrInvalidEmail indicates the supplied email address is malformed.
	ErrInvalidEmail = errors.New("invalid email address")
	// ErrInvalidUsername indicates the supplied username is empty or malformed.
	ErrInvalidUsername = errors.New("invalid username")
	// ErrPasswordUnchanged indicates the new password equals the current one.
	ErrPasswordUnchanged = errors.New("new password must differ from the current password")
)

// RegisterInput carries the fields of a password registration.
type RegisterInput struct {
	Email    string
	Username string
	Password string
}

// CredentialService owns account records and password verification. Digests
// never leave it: every account it returns has PasswordHash cleared.
type CredentialService struct {
	accounts port.AccountRepository
	hasher   port.PasswordHasher
	policy   port.PasswordPolicy
	sessions *SessionRegistry
	tx       port.Transactor
	events   port.EventPublisher
	logger   *zap.Logger
	now      func() time.Time

	dummyOnce   sync.Once
	dummyDigest string
}

// NewCredentialService constructs a CredentialService.
func NewCredentialService(
	accounts port.AccountRepository,
	hasher port.PasswordHasher,
	policy port.PasswordPolicy,
	sessions *SessionRegistry,
	tx port.Transactor,
	events port.EventPublisher,
	log *zap.Logger,
) *CredentialService {
	return &CredentialService{
		accounts: accounts,
		hasher:   hasher,
		policy:   policy,
		sessions: sessions,
		tx:       tx,
		events:   events,
		logger:   nopLogger(log),
		now:      defaultClock,
	}
}

// WithClock overrides the service clock for deterministic tests.
func (s *CredentialService) WithClock(now func() time.Time) *CredentialService {
	if now != nil {
		s.now = now
	}
	return s
}

// Register creates an active, unverified account.
func (s *CredentialService) Register(ctx context.Context, input RegisterInput) (account *domain.Account, err error) {
	ctx, finish := startSpan(ctx, "CredentialService.Register")
	defer finish(&err)

	email := domain.NormalizeEmail(input.Email)
	username := domain.NormalizeUsername(input.Username)
	if !domain.LooksLikeEmail(email) {
		return nil, ErrInvalidEmail
	}
	if username == "" || strings.Contains(username, "@") {
		return nil, ErrInvalidUsername
	}

	if err := s.policy.Validate(input.Password, domain.PasswordContext{Email: email, Username: username}); err != nil {
		return nil, err
	}

	digest, err := s.hasher.Hash(input.Password)
	if err != nil {
		return nil, fmt.Errorf("hash password: %w", err)
	}

	now := s.now()
	record := domain.Account{
		ID:           newID(),
		Email:        email,
		Username:     username,
		PasswordHash: digest,
		IsActive:     true,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := s.accounts.Create(ctx, record); err != nil {
		return nil, mapAccountWriteError("create account", err)
	}

	s.logger.Info("account registered",
		zap.String("account_id", record.ID),
		zap.String("email", logger.MaskEmail(email)),
	)
	s.publishRegistered(ctx, record, registrationMethodPassword, "")
	return sanitize(&record), nil
}

// createExternal stores an account for an external identity. The random
// password makes local password login impossible until a reset.
func (s *CredentialService) createExternal(ctx context.Context, email, username string, verified bool) (*domain.Account, error) {
	secret := newID() + newID()
	digest, err := s.hasher.Hash(secret)
	if err != nil {
		return nil, fmt.Errorf("hash password: %w", err)
	}

	now := s.now()
	record := domain.Account{
		ID:           newID(),
		Email:        email,
		Username:     username,
		PasswordHash: digest,
		IsActive:     true,
		IsVerified:   verified,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := s.accounts.Create(ctx, record); err != nil {
		return nil, mapAccountWriteError("create account", err)
	}
	return sanitize(&record), nil
}

func (s *CredentialService) publishRegistered(ctx context.Context, account domain.Account, method, provider string) {
	if s.events == nil {
		return
	}
	event := domain.AccountRegisteredEvent{
		EventID:      newID(),
		AccountID:    account.ID,
		Username:     account.Username,
		Email:        account.Email,
		Method:       method,
		Provider:     provider,
		RegisteredAt: account.CreatedAt,
	}
	if err := s.events.PublishAccountRegistered(ctx, event); err != nil {
		s.logger.Warn("failed to publish account registered event",
			zap.String("account_id", account.ID),
			zap.Error(err),
		)
	}
}

// GetAccount returns the account with id.
func (s *CredentialService) GetAccount(ctx context.Context, id string) (*domain.Account, error) {
	account, err := s.accounts.GetByID(ctx, id)
	if err != nil {
		if isNotFound(err) {
			return nil, domain.ErrAccountNotFound
		}
		return nil, storageError("get account", err)
	}
	return sanitize(account), nil
}

// FindByIdentifier resolves a username or email address to an account.
func (s *CredentialService) FindByIdentifier(ctx context.Context, identifier string) (*domain.Account, error) {
	account, err := s.lookup(ctx, identifier)
	if err != nil {
		return nil, err
	}
	return sanitize(account), nil
}

func (s *CredentialService) lookup(ctx context.Context, identifier string) (*domain.Account, error) {
	identifier = strings.TrimSpace(identifier)
	if identifier == "" {
		return nil, domain.ErrAccountNotFound
	}

	var (
		account *domain.Account
		err     error
	)
	if domain.LooksLikeEmail(identifier) {
		account, err = s.accounts.GetByEmail(ctx, domain.NormalizeEmail(identifier))
	} else {
		account, err = s.accounts.GetByUsername(ctx, domain.NormalizeUsername(identifier))
	}
	if err != nil {
		if isNotFound(err) {
			return nil, domain.ErrAccountNotFound
		}
		return nil, storageError("find account", err)
	}
	return account, nil
}

// VerifyPassword authenticates identifier and password. Unknown identifiers
// cost the same hash work as known ones and yield domain.ErrInvalidCredentials.
func (s *CredentialService) VerifyPassword(ctx context.Context, identifier, password string) (*domain.Account, error) {
	account, err := s.lookup(ctx, identifier)
	if err != nil {
		if errors.Is(err, domain.ErrAccountNotFound) {
			s.burnVerification(password)
			return nil, domain.ErrInvalidCredentials
		}
		return nil, err
	}
	if err := s.checkPassword(ctx, account, password); err != nil {
		return nil, err
	}
	return sanitize(account), nil
}

// CheckPassword verifies password against the stored digest of accountID.
// An empty accountID performs a dummy verification and fails.
func (s *CredentialService) CheckPassword(ctx context.Context, accountID, password string) error {
	if accountID == "" {
		s.burnVerification(password)
		return domain.ErrInvalidCredentials
	}
	account, err := s.accounts.GetByID(ctx, accountID)
	if err != nil {
		if isNotFound(err) {
			s.burnVerification(password)
			return domain.ErrInvalidCredentials
		}
		return storageError("get account", err)
	}
	return s.checkPassword(ctx, account, password)
}

func (s *CredentialService) checkPassword(ctx context.Context, account *domain.Account, password string) error {
	if !s.hasher.Verify(password, account.PasswordHash) {
		return domain.ErrInvalidCredentials
	}
	if s.hasher.NeedsRehash(account.PasswordHash) {
		s.rehash(ctx, account.ID, password)
	}
	return nil
}

// rehash upgrades a digest produced with outdated parameters. Failure leaves
// the old digest in place, which still verifies.
func (s *CredentialService) rehash(ctx context.Context, accountID, password string) {
	digest, err := s.hasher.Hash(password)
	if err != nil {
		s.logger.Warn("failed to rehash password", zap.String("account_id", accountID), zap.Error(err))
		return
	}
	if err := s.accounts.UpdatePassword(ctx, accountID, digest, s.now()); err != nil {
		s.logger.Warn("failed to store rehashed password", zap.String("account_id", accountID), zap.Error(err))
		return
	}
	s.logger.Debug("password digest upgraded", zap.String("account_id", accountID))
}

func (s *CredentialService) burnVerification(password string) {
	s.dummyOnce.Do(func() {
		digest, err := s.hasher.Hash(dummyPassword)
		if err != nil {
			s.logger.Warn("failed to prepare dummy digest", zap.Error(err))
			return
		}
		s.dummyDigest = digest
	})
	if s.dummyDigest != "" {
		s.hasher.Verify(password, s.dummyDigest)
	}
}

// ChangePassword replaces the password after verifying the current one and
// revokes every session of the account. Both writes commit together or not at all.
func (s *CredentialService) ChangePassword(ctx context.Context, accountID, current, next string) (err error) {
	ctx, finish := startSpan(ctx, "CredentialService.ChangePassword")
	defer finish(&err)

	account, err := s.accounts.GetByID(ctx, accountID)
	if err != nil {
		if isNotFound(err) {
			return domain.ErrAccountNotFound
		}
		return storageError("get account", err)
	}
	if !s.hasher.Verify(current, account.PasswordHash) {
		return domain.ErrInvalidCredentials
	}
	if current == next {
		return ErrPasswordUnchanged
	}
	if err := s.policy.Validate(next, account.PasswordContext()); err != nil {
		return err
	}

	digest, err := s.hasher.Hash(next)
	if err != nil {
		return fmt.Errorf("hash password: %w", err)
	}
	now := s.now()
	var revoked int
	if err := s.tx.WithinTx(ctx, func(txCtx context.Context) error {
		if err := s.accounts.UpdatePassword(txCtx, accountID, digest, now); err != nil {
			if isNotFound(err) {
				return domain.ErrAccountNotFound
			}
			return storageError("update password", err)
		}
		count, err := s.sessions.revokeAccount(txCtx, accountID, domain.RevokeReasonPasswordChange, now)
		revoked = count
		return err
	}); err != nil {
		return err
	}
	if revoked > 0 {
		s.sessions.afterRevoke(ctx, accountID, "", domain.RevokeReasonPasswordChange, revoked, now)
	}

	s.logger.Info("password changed",
		zap.String("account_id", accountID),
		zap.Int("sessions_revoked", revoked),
	)
	s.publishPasswordChanged(ctx, accountID, passwordReasonChanged, revoked, now)
	return nil
}

func (s *CredentialService) publishPasswordChanged(ctx context.Context, accountID, reason string, revoked int, at time.Time) {
	if s.events == nil {
		return
	}
	event := domain.PasswordChangedEvent{
		EventID:         newID(),
		AccountID:       accountID,
		Reason:          reason,
		ChangedAt:       at,
		SessionsRevoked: revoked,
	}
	if err := s.events.PublishPasswordChanged(ctx, event); err != nil {
		s.logger.Warn("failed to publish password changed event",
			zap.String("account_id", accountID),
			zap.Error(err),
		)
	}
}

// UpdateProfile changes the email and/or username, keeping both unique.
func (s *CredentialService) UpdateProfile(ctx context.Context, accountID string, update domain.ProfileUpdate) (*domain.Account, error) {
	if update.Email != nil {
		email := domain.NormalizeEmail(*update.Email)
		if !domain.LooksLikeEmail(email) {
			return nil, ErrInvalidEmail
		}
		update.Email = &email
	}
	if update.Username != nil {
		username := domain.NormalizeUsername(*update.Username)
		if username == "" || strings.Contains(username, "@") {
			return nil, ErrInvalidUsername
		}
		update.Username = &username
	}

	if !update.Empty() {
		if err := s.accounts.UpdateProfile(ctx, accountID, update, s.now()); err != nil {
			if isNotFound(err) {
				return nil, domain.ErrAccountNotFound
			}
			return nil, mapAccountWriteError("update profile", err)
		}
	}
	return s.GetAccount(ctx, accountID)
}

// Deactivate disables the account and revokes all of its sessions in one
// unit of work.
func (s *CredentialService) Deactivate(ctx context.Context, accountID string) error {
	now := s.now()
	var revoked int
	if err := s.tx.WithinTx(ctx, func(txCtx context.Context) error {
		if err := s.setActive(txCtx, accountID, false); err != nil {
			return err
		}
		count, err := s.sessions.revokeAccount(txCtx, accountID, domain.RevokeReasonDeactivated, now)
		revoked = count
		return err
	}); err != nil {
		return err
	}
	if revoked > 0 {
		s.sessions.afterRevoke(ctx, accountID, "", domain.RevokeReasonDeactivated, revoked, now)
	}
	s.logger.Info("account deactivated",
		zap.String("account_id", accountID),
		zap.Int("sessions_revoked", revoked),
	)
	return nil
}

// Reactivate re-enables a deactivated account.
func (s *CredentialService) Reactivate(ctx context.Context, accountID string) error {
	if err := s.setActive(ctx, accountID, true); err != nil {
		return err
	}
	s.logger.Info("account reactivated", zap.String("account_id", accountID))
	return nil
}

func (s *CredentialService) setActive(ctx context.Context, accountID string, active bool) error {
	if err := s.accounts.SetActive(ctx, accountID, active, s.now()); err != nil {
		if isNotFound(err) {
			return domain.ErrAccountNotFound
		}
		return storageError("set account active", err)
	}
	return nil
}

// MarkVerified flags the account email as verified.
func (s *CredentialService) MarkVerified(ctx context.Context, accountID string) error {
	if err := s.accounts.MarkVerified(ctx, accountID, s.now()); err != nil {
		if isNotFound(err) {
			return domain.ErrAccountNotFound
		}
		return storageError("mark account verified", err)
	}
	return nil
}

// mapAccountWriteError turns uniqueness violations into
// *domain.DuplicateIdentityError and wraps everything else as a storage error.
func mapAccountWriteError(op string, err error) error {
	var conflict *repository.ConflictError
	if errors.As(err, &conflict) {
		return &domain.DuplicateIdentityError{Field: conflict.Field}
	}
	if errors.Is(err, repository.ErrConflict) {
		return &domain.DuplicateIdentityError{}
	}
	return storageError(op, err)
}

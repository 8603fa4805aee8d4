package usecase

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/arklim/identity-core/internal/core/domain"
	"github.com/arklim/identity-core/internal/core/port"
	"github.com/arklim/identity-core/internal/infra/config"
	"github.com/arklim/identity-core/internal/infra/logger"
	"github.com/arklim/identity-core/internal/repository"
)

const (
	defaultChallengeTTL         = 5 * time.Minute
	defaultChallengeMaxAttempts = 5

	maxUsernameLength     = 32
	usernameProbeAttempts = 20
	fallbackUsername      = "user"
)

// LoginInput carries one password login attempt. Identifier is a username or
// an email address.
type LoginInput struct {
	Identifier string
	Password   string
	MFACode    string
	Device     domain.DeviceInfo
}

// LoginResult holds either the issued session or, together with
// domain.ErrMFARequired, the challenge to complete with CompleteMFALogin.
type LoginResult struct {
	Session   *domain.IssuedSession
	Challenge *domain.MFAChallenge
}

// AuthService orchestrates password, second-factor and external-provider logins.
type AuthService struct {
	credentials *CredentialService
	lockout     *LockoutGuard
	sessions    *SessionRegistry
	mfa         *MFAService
	challenges  port.MFAChallengeStore
	accounts    port.AccountRepository
	tx          port.Transactor
	resolvers   map[string]port.ExternalIdentityResolver
	metrics     port.AuthMetrics
	cfg         config.MFASettings
	logger      *zap.Logger
	now         func() time.Time
}

// AuthDependencies groups the collaborators of AuthService.
type AuthDependencies struct {
	Credentials *CredentialService
	Lockout     *LockoutGuard
	Sessions    *SessionRegistry
	MFA         *MFAService
	Challenges  port.MFAChallengeStore
	Accounts    port.AccountRepository
	Tx          port.Transactor
	Resolvers   map[string]port.ExternalIdentityResolver
	Metrics     port.AuthMetrics
}

// NewAuthService constructs an AuthService.
func NewAuthService(deps AuthDependencies, cfg config.MFASettings, log *zap.Logger) (*AuthService, error) {
	switch {
	case deps.Credentials == nil:
		return nil, errors.New("auth service: credential service is required")
	case deps.Lockout == nil:
		return nil, errors.New("auth service: lockout guard is required")
	case deps.Sessions == nil:
		return nil, errors.New("auth service: session registry is required")
	case deps.MFA == nil || deps.Challenges == nil:
		return nil, errors.New("auth service: mfa service and challenge store are required")
	case deps.Accounts == nil || deps.Tx == nil:
		return nil, errors.New("auth service: account repository and transactor are required")
	}
	if cfg.ChallengeTTL <= 0 {
		cfg.ChallengeTTL = defaultChallengeTTL
	}
	if cfg.ChallengeMaxAttempts <= 0 {
		cfg.ChallengeMaxAttempts = defaultChallengeMaxAttempts
	}

	resolvers := make(map[string]port.ExternalIdentityResolver, len(deps.Resolvers))
	for name, resolver := range deps.Resolvers {
		resolvers[strings.ToLower(strings.TrimSpace(name))] = resolver
	}

	return &AuthService{
		credentials: deps.Credentials,
		lockout:     deps.Lockout,
		sessions:    deps.Sessions,
		mfa:         deps.MFA,
		challenges:  deps.Challenges,
		accounts:    deps.Accounts,
		tx:          deps.Tx,
		resolvers:   resolvers,
		metrics:     metricsOrNop(deps.Metrics),
		cfg:         cfg,
		logger:      nopLogger(log),
		now:         defaultClock,
	}, nil
}

// WithClock overrides the service clock for deterministic tests.
func (s *AuthService) WithClock(now func() time.Time) *AuthService {
	if now != nil {
		s.now = now
	}
	return s
}

// Login authenticates a password attempt. The lockout check runs before any
// credential comparison; unknown identities pay for a dummy verification and
// are counted under their identifier. With MFA enabled and no code supplied
// the result carries a challenge and the error is domain.ErrMFARequired.
func (s *AuthService) Login(ctx context.Context, input LoginInput) (result *LoginResult, err error) {
	ctx, finish := startSpan(ctx, "AuthService.Login")
	defer finish(&err)

	outcome := outcomeFailure
	defer func() { s.metrics.LoginAttempt(outcome) }()

	log := logger.WithContext(ctx, s.logger).With(zap.String("identifier", logger.MaskIdentifier(input.Identifier)))

	account, err := s.credentials.lookup(ctx, input.Identifier)
	if err != nil && !errors.Is(err, domain.ErrAccountNotFound) {
		outcome = outcomeError
		return nil, err
	}
	identity := IdentityKey(account, input.Identifier)

	if err := s.lockout.EnsureNotLocked(ctx, identity); err != nil {
		if errors.Is(err, domain.ErrAccountLocked) {
			outcome = outcomeLocked
			log.Info("login rejected for locked identity")
		} else {
			outcome = outcomeError
		}
		return nil, err
	}

	var verifyErr error
	if account == nil {
		s.credentials.burnVerification(input.Password)
		verifyErr = domain.ErrInvalidCredentials
	} else {
		verifyErr = s.credentials.checkPassword(ctx, account, input.Password)
	}
	if verifyErr != nil {
		return nil, s.failLogin(ctx, log, &outcome, identity, verifyErr)
	}

	if !account.IsActive {
		outcome = outcomeInactive
		return nil, domain.ErrAccountInactive
	}

	mfaEnabled, err := s.mfa.Enabled(ctx, account.ID)
	if err != nil {
		outcome = outcomeError
		return nil, err
	}
	if mfaEnabled {
		if strings.TrimSpace(input.MFACode) == "" {
			challenge, err := s.issueChallenge(ctx, account.ID, input.Device)
			if err != nil {
				outcome = outcomeError
				return nil, err
			}
			outcome = outcomeMFA
			log.Info("login awaiting second factor", zap.String("account_id", account.ID))
			return &LoginResult{Challenge: challenge}, domain.ErrMFARequired
		}

		_, ok, err := s.mfa.VerifyAny(ctx, account.ID, input.MFACode)
		if err != nil {
			outcome = outcomeError
			return nil, err
		}
		if !ok {
			return nil, s.failLogin(ctx, log, &outcome, identity, domain.ErrInvalidMFACode)
		}
	}

	issued, err := s.completeLogin(ctx, account.ID, identity, input.Device)
	if err != nil {
		outcome = outcomeError
		return nil, err
	}
	outcome = outcomeSuccess
	log.Info("login succeeded", zap.String("account_id", account.ID), zap.String("session_id", issued.Session.ID))
	return &LoginResult{Session: issued}, nil
}

// failLogin counts the failure and returns cause unless the counter could
// not be written, in which case the storage error wins and outcome becomes
// an error.
func (s *AuthService) failLogin(ctx context.Context, log *zap.Logger, outcome *string, identity string, cause error) error {
	locked, err := s.lockout.RecordFailure(ctx, identity)
	if err != nil {
		*outcome = outcomeError
		return err
	}
	if locked {
		log.Warn("identity locked by this failure")
	}
	return cause
}

func (s *AuthService) completeLogin(ctx context.Context, accountID, identity string, device domain.DeviceInfo) (*domain.IssuedSession, error) {
	issued, err := s.sessions.Create(ctx, accountID, device)
	if err != nil {
		return nil, err
	}
	if err := s.lockout.RecordSuccess(ctx, identity); err != nil {
		s.logger.Warn("failed to reset login attempts", zap.String("account_id", accountID), zap.Error(err))
	}
	return issued, nil
}

func (s *AuthService) issueChallenge(ctx context.Context, accountID string, device domain.DeviceInfo) (*domain.MFAChallenge, error) {
	at := s.now()
	challenge := domain.MFAChallenge{
		ID:        newID(),
		AccountID: accountID,
		Device:    device,
		CreatedAt: at,
		ExpiresAt: at.Add(s.cfg.ChallengeTTL),
	}
	if err := s.challenges.Save(ctx, challenge); err != nil {
		return nil, storageError("save mfa challenge", err)
	}
	return &challenge, nil
}

// CompleteMFALogin finishes a login interrupted by domain.ErrMFARequired. A
// challenge allows a limited number of attempts and is consumed on success.
// Wrong codes count toward the account's lockout like wrong passwords.
func (s *AuthService) CompleteMFALogin(ctx context.Context, challengeID, code string) (issued *domain.IssuedSession, err error) {
	ctx, finish := startSpan(ctx, "AuthService.CompleteMFALogin")
	defer finish(&err)

	outcome := outcomeFailure
	defer func() { s.metrics.LoginAttempt(outcome) }()

	challenge, err := s.challenges.Get(ctx, challengeID)
	if err != nil {
		if isNotFound(err) {
			return nil, domain.ErrInvalidMFAChallenge
		}
		outcome = outcomeError
		return nil, storageError("get mfa challenge", err)
	}

	log := logger.WithContext(ctx, s.logger).With(zap.String("account_id", challenge.AccountID))

	if err := s.lockout.EnsureNotLocked(ctx, challenge.AccountID); err != nil {
		if errors.Is(err, domain.ErrAccountLocked) {
			outcome = outcomeLocked
			s.discardChallenge(ctx, challenge.ID)
			log.Info("second factor rejected for locked identity")
		} else {
			outcome = outcomeError
		}
		return nil, err
	}

	attempts, err := s.challenges.IncrementAttempts(ctx, challenge.ID)
	if err != nil {
		if isNotFound(err) {
			return nil, domain.ErrInvalidMFAChallenge
		}
		outcome = outcomeError
		return nil, storageError("count mfa challenge attempt", err)
	}
	if attempts > s.cfg.ChallengeMaxAttempts {
		s.discardChallenge(ctx, challenge.ID)
		return nil, domain.ErrInvalidMFAChallenge
	}

	_, ok, err := s.mfa.VerifyAny(ctx, challenge.AccountID, code)
	if err != nil {
		if errors.Is(err, domain.ErrMFANotEnabled) {
			s.discardChallenge(ctx, challenge.ID)
			return nil, domain.ErrInvalidMFAChallenge
		}
		outcome = outcomeError
		return nil, err
	}
	if !ok {
		if attempts >= s.cfg.ChallengeMaxAttempts {
			s.discardChallenge(ctx, challenge.ID)
		}
		return nil, s.failLogin(ctx, log, &outcome, challenge.AccountID, domain.ErrInvalidMFACode)
	}

	consumed, err := s.challenges.Consume(ctx, challenge.ID)
	if err != nil {
		outcome = outcomeError
		return nil, storageError("consume mfa challenge", err)
	}
	if !consumed {
		return nil, domain.ErrInvalidMFAChallenge
	}

	account, err := s.accounts.GetByID(ctx, challenge.AccountID)
	if err != nil {
		if isNotFound(err) {
			return nil, domain.ErrInvalidMFAChallenge
		}
		outcome = outcomeError
		return nil, storageError("get account", err)
	}
	if !account.IsActive {
		outcome = outcomeInactive
		return nil, domain.ErrAccountInactive
	}

	issued, err = s.completeLogin(ctx, account.ID, account.ID, challenge.Device)
	if err != nil {
		outcome = outcomeError
		return nil, err
	}
	outcome = outcomeSuccess
	log.Info("login succeeded", zap.String("session_id", issued.Session.ID))
	return issued, nil
}

func (s *AuthService) discardChallenge(ctx context.Context, id string) {
	if _, err := s.challenges.Consume(ctx, id); err != nil {
		s.logger.Warn("failed to discard mfa challenge", zap.String("challenge_id", id), zap.Error(err))
	}
}

// Refresh rotates a refresh token.
func (s *AuthService) Refresh(ctx context.Context, refreshToken string) (*domain.IssuedSession, error) {
	return s.sessions.Refresh(ctx, refreshToken)
}

// Logout revokes the session behind accessToken.
func (s *AuthService) Logout(ctx context.Context, accessToken string) error {
	return s.sessions.Logout(ctx, accessToken)
}

// LoginWithProvider exchanges an authorization code through the configured
// resolver and reconciles the asserted identity.
func (s *AuthService) LoginWithProvider(ctx context.Context, provider, code string, device domain.DeviceInfo) (*domain.IssuedSession, error) {
	provider = strings.ToLower(strings.TrimSpace(provider))
	resolver, ok := s.resolvers[provider]
	if !ok || resolver == nil {
		return nil, domain.ErrUnknownProvider
	}

	info, err := resolver.ResolveExternalIdentity(ctx, code)
	if err != nil {
		s.logger.Warn("external identity resolution failed", zap.String("provider", provider), zap.Error(err))
		return nil, fmt.Errorf("resolve %s identity: %w", provider, err)
	}
	return s.ReconcileExternalIdentity(ctx, provider, *info, device)
}

// ReconcileExternalIdentity maps a provider identity to a local account and
// issues a session. A linked identity wins; otherwise an account with the
// same email is linked when the provider vouches for the email; otherwise a
// new account is created and linked.
func (s *AuthService) ReconcileExternalIdentity(ctx context.Context, provider string, info domain.ExternalUserInfo, device domain.DeviceInfo) (issued *domain.IssuedSession, err error) {
	provider = strings.ToLower(strings.TrimSpace(provider))
	ctx, finish := startSpan(ctx, "AuthService.ReconcileExternalIdentity", attribute.String("provider", provider))
	defer finish(&err)

	outcome := outcomeFailure
	defer func() { s.metrics.LoginAttempt(outcome) }()

	subject := strings.TrimSpace(info.Subject)
	if provider == "" {
		return nil, domain.ErrUnknownProvider
	}
	if subject == "" {
		return nil, domain.ErrInvalidCredentials
	}
	email := domain.NormalizeEmail(info.Email)

	account, err := s.resolveExternalAccount(ctx, provider, subject, email, info)
	if err != nil {
		if errors.Is(err, domain.ErrStorage) {
			outcome = outcomeError
		}
		return nil, err
	}
	if !account.IsActive {
		outcome = outcomeInactive
		return nil, domain.ErrAccountInactive
	}

	issued, err = s.completeLogin(ctx, account.ID, account.ID, device)
	if err != nil {
		outcome = outcomeError
		return nil, err
	}
	outcome = outcomeSuccess
	s.logger.Info("external login succeeded",
		zap.String("provider", provider),
		zap.String("account_id", account.ID),
	)
	return issued, nil
}

func (s *AuthService) resolveExternalAccount(ctx context.Context, provider, subject, email string, info domain.ExternalUserInfo) (*domain.Account, error) {
	linked, err := s.accounts.GetExternalIdentity(ctx, provider, subject)
	switch {
	case err == nil:
		account, err := s.accounts.GetByID(ctx, linked.AccountID)
		if err != nil {
			return nil, storageError("get linked account", err)
		}
		return account, nil
	case !isNotFound(err):
		return nil, storageError("get external identity", err)
	}

	if email != "" {
		existing, err := s.accounts.GetByEmail(ctx, email)
		switch {
		case err == nil:
			return s.bindExisting(ctx, provider, subject, email, existing, info.EmailVerified)
		case !isNotFound(err):
			return nil, storageError("find account by email", err)
		}
	}
	if email == "" || !domain.LooksLikeEmail(email) {
		return nil, domain.ErrExternalIdentityUnverified
	}

	return s.createExternalAccount(ctx, provider, subject, email, info)
}

func (s *AuthService) bindExisting(ctx context.Context, provider, subject, email string, account *domain.Account, verified bool) (*domain.Account, error) {
	if !verified {
		s.logger.Warn("refusing to bind unverified external email",
			zap.String("provider", provider),
			zap.String("email", logger.MaskEmail(email)),
		)
		return nil, domain.ErrExternalIdentityUnverified
	}

	at := s.now()
	err := s.tx.WithinTx(ctx, func(txCtx context.Context) error {
		if err := s.accounts.LinkExternalIdentity(txCtx, domain.ExternalIdentity{
			Provider:  provider,
			Subject:   subject,
			AccountID: account.ID,
			Email:     email,
			LinkedAt:  at,
		}); err != nil {
			return err
		}
		if !account.IsVerified {
			return s.accounts.MarkVerified(txCtx, account.ID, at)
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, repository.ErrConflict) {
			return s.linkedAfterRace(ctx, provider, subject)
		}
		return nil, storageError("link external identity", err)
	}

	s.logger.Info("external identity linked",
		zap.String("provider", provider),
		zap.String("account_id", account.ID),
	)
	account.IsVerified = true
	return account, nil
}

func (s *AuthService) createExternalAccount(ctx context.Context, provider, subject, email string, info domain.ExternalUserInfo) (*domain.Account, error) {
	username, err := s.availableUsername(ctx, usernameCandidates(info, email))
	if err != nil {
		return nil, err
	}

	var created *domain.Account
	err = s.tx.WithinTx(ctx, func(txCtx context.Context) error {
		account, err := s.credentials.createExternal(txCtx, email, username, info.EmailVerified)
		if err != nil {
			return err
		}
		if err := s.accounts.LinkExternalIdentity(txCtx, domain.ExternalIdentity{
			Provider:  provider,
			Subject:   subject,
			AccountID: account.ID,
			Email:     email,
			LinkedAt:  account.CreatedAt,
		}); err != nil {
			return err
		}
		created = account
		return nil
	})
	if err != nil {
		switch {
		case errors.Is(err, repository.ErrConflict):
			return s.linkedAfterRace(ctx, provider, subject)
		case errors.Is(err, domain.ErrDuplicateIdentity):
			return nil, err
		default:
			return nil, storageError("create external account", err)
		}
	}

	s.logger.Info("account created from external identity",
		zap.String("provider", provider),
		zap.String("account_id", created.ID),
	)
	s.credentials.publishRegistered(ctx, *created, registrationMethodExternal, provider)
	return created, nil
}

// linkedAfterRace resolves a concurrent first login of the same external
// identity by reading the link the winner wrote.
func (s *AuthService) linkedAfterRace(ctx context.Context, provider, subject string) (*domain.Account, error) {
	linked, err := s.accounts.GetExternalIdentity(ctx, provider, subject)
	if err != nil {
		if isNotFound(err) {
			return nil, &domain.DuplicateIdentityError{Field: "email"}
		}
		return nil, storageError("get external identity", err)
	}
	account, err := s.accounts.GetByID(ctx, linked.AccountID)
	if err != nil {
		return nil, storageError("get linked account", err)
	}
	return account, nil
}

// availableUsername returns the first free candidate, then numbered variants
// of the first candidate.
func (s *AuthService) availableUsername(ctx context.Context, candidates []string) (string, error) {
	base := candidates[0]
	probe := func(name string) (bool, error) {
		_, err := s.accounts.GetByUsername(ctx, name)
		if err == nil {
			return false, nil
		}
		if isNotFound(err) {
			return true, nil
		}
		return false, storageError("find account by username", err)
	}

	for _, name := range candidates {
		free, err := probe(name)
		if err != nil {
			return "", err
		}
		if free {
			return name, nil
		}
	}
	for i := 2; i < usernameProbeAttempts+2; i++ {
		suffix := strconv.Itoa(i)
		name := truncateUsername(base, maxUsernameLength-len(suffix)) + suffix
		free, err := probe(name)
		if err != nil {
			return "", err
		}
		if free {
			return name, nil
		}
	}
	suffix := "-" + strings.ReplaceAll(newID(), "-", "")[:8]
	return truncateUsername(base, maxUsernameLength-len(suffix)) + suffix, nil
}

func usernameCandidates(info domain.ExternalUserInfo, email string) []string {
	var candidates []string
	seen := make(map[string]struct{})
	add := func(raw string) {
		name := sanitizeUsername(raw)
		if name == "" {
			return
		}
		if _, ok := seen[name]; ok {
			return
		}
		seen[name] = struct{}{}
		candidates = append(candidates, name)
	}

	add(info.Username)
	add(info.Name)
	if local, _, ok := strings.Cut(email, "@"); ok {
		add(local)
	}
	if len(candidates) == 0 {
		candidates = append(candidates, fallbackUsername)
	}
	return candidates
}

func sanitizeUsername(raw string) string {
	var sb strings.Builder
	for _, r := range strings.ToLower(strings.TrimSpace(raw)) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '_', r == '-', r == '.':
			sb.WriteRune(r)
		case r == ' ':
			sb.WriteRune('.')
		}
	}
	name := strings.Trim(sb.String(), "._-")
	return truncateUsername(name, maxUsernameLength)
}

func truncateUsername(name string, limit int) string {
	if len(name) > limit {
		name = strings.TrimRight(name[:limit], "._-")
	}
	return name
}

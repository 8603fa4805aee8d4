package usecase

import (
	"context"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"

	"github.com/arklim/identity-core/internal/core/domain"
	"github.com/arklim/identity-core/internal/core/port"
	"github.com/arklim/identity-core/internal/infra/config"
	"github.com/arklim/identity-core/internal/infra/security"
	"github.com/arklim/identity-core/internal/repository/memory"
)

var testEpoch = time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: testEpoch}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type recordingPublisher struct {
	mu            sync.Mutex
	registered    []domain.AccountRegisteredEvent
	passwords     []domain.PasswordChangedEvent
	resets        []domain.PasswordResetRequestedEvent
	revocations   []domain.SessionRevokedEvent
	locks         []domain.AccountLockedEvent
	mfaChanges    []domain.MFAChangedEvent
	apiKeyRevokes []domain.APIKeyRevokedEvent
}

func (p *recordingPublisher) PublishAccountRegistered(_ context.Context, event domain.AccountRegisteredEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.registered = append(p.registered, event)
	return nil
}

func (p *recordingPublisher) PublishPasswordChanged(_ context.Context, event domain.PasswordChangedEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.passwords = append(p.passwords, event)
	return nil
}

func (p *recordingPublisher) PublishPasswordResetRequested(_ context.Context, event domain.PasswordResetRequestedEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.resets = append(p.resets, event)
	return nil
}

func (p *recordingPublisher) PublishSessionRevoked(_ context.Context, event domain.SessionRevokedEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.revocations = append(p.revocations, event)
	return nil
}

func (p *recordingPublisher) PublishAccountLocked(_ context.Context, event domain.AccountLockedEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.locks = append(p.locks, event)
	return nil
}

func (p *recordingPublisher) PublishMFAChanged(_ context.Context, event domain.MFAChangedEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.mfaChanges = append(p.mfaChanges, event)
	return nil
}

func (p *recordingPublisher) PublishAPIKeyRevoked(_ context.Context, event domain.APIKeyRevokedEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.apiKeyRevokes = append(p.apiKeyRevokes, event)
	return nil
}

func (p *recordingPublisher) lastReset(t *testing.T) domain.PasswordResetRequestedEvent {
	t.Helper()
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.resets) == 0 {
		t.Fatalf("expected a password reset event")
	}
	return p.resets[len(p.resets)-1]
}

func (p *recordingPublisher) resetCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.resets)
}

type countingMetrics struct {
	mu     sync.Mutex
	counts map[string]int
}

func newCountingMetrics() *countingMetrics {
	return &countingMetrics{counts: make(map[string]int)}
}

func (m *countingMetrics) inc(key string, n int) {
	m.mu.Lock()
	m.counts[key] += n
	m.mu.Unlock()
}

func (m *countingMetrics) get(key string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.counts[key]
}

func (m *countingMetrics) LoginAttempt(outcome string) { m.inc("login:"+outcome, 1) }
func (m *countingMetrics) TokenRefresh(outcome string) { m.inc("refresh:"+outcome, 1) }
func (m *countingMetrics) SessionsRevoked(reason string, count int) {
	m.inc("revoked:"+reason, count)
}
func (m *countingMetrics) AccountLocked() { m.inc("locked", 1) }
func (m *countingMetrics) MFAVerification(method, outcome string) {
	m.inc("mfa:"+method+":"+outcome, 1)
}
func (m *countingMetrics) APIKeyVerification(outcome string) { m.inc("apikey:"+outcome, 1) }
func (m *countingMetrics) PasswordReset(stage, outcome string) {
	m.inc("reset:"+stage+":"+outcome, 1)
}

type stubResolver struct {
	info *domain.ExternalUserInfo
	err  error
}

func (r stubResolver) ResolveExternalIdentity(context.Context, string) (*domain.ExternalUserInfo, error) {
	if r.err != nil {
		return nil, r.err
	}
	copied := *r.info
	return &copied, nil
}

type testEnv struct {
	clock   *testClock
	store   *memory.Store
	events  *recordingPublisher
	metrics *countingMetrics
	totp    *security.TOTP

	credentials *CredentialService
	lockout     *LockoutGuard
	sessions    *SessionRegistry
	mfa         *MFAService
	resets      *PasswordResetService
	apiKeys     *APIKeyService
	auth        *AuthService
}

type envOption func(*envConfig)

type envConfig struct {
	session   config.SessionSettings
	resolvers map[string]port.ExternalIdentityResolver
	faults    *storeFaults
}

// withFaults routes the session, attempt, reset and MFA stores through f.
func withFaults(f *storeFaults) envOption {
	return func(c *envConfig) { c.faults = f }
}

func withFamilyRevocation() envOption {
	return func(c *envConfig) { c.session.RevokeFamilyOnReuse = true }
}

func withResolver(name string, resolver port.ExternalIdentityResolver) envOption {
	return func(c *envConfig) {
		if c.resolvers == nil {
			c.resolvers = make(map[string]port.ExternalIdentityResolver)
		}
		c.resolvers[name] = resolver
	}
}

func newTestEnv(t *testing.T, opts ...envOption) *testEnv {
	t.Helper()

	var cfg envConfig
	for _, opt := range opts {
		opt(&cfg)
	}

	log := zaptest.NewLogger(t)
	clock := newTestClock()
	store := memory.New(memory.WithClock(clock.Now))
	events := &recordingPublisher{}
	metrics := newCountingMetrics()

	hasher, err := security.NewArgon2Hasher(security.Argon2Config{
		Memory:      8 * 1024,
		Iterations:  1,
		Parallelism: 1,
		SaltLength:  16,
		KeyLength:   32,
	})
	if err != nil {
		t.Fatalf("new hasher: %v", err)
	}
	policy := security.NewPasswordPolicy(security.DefaultPasswordPolicyConfig())

	keys, err := security.NewEphemeralKeyProvider("test-key")
	if err != nil {
		t.Fatalf("new key provider: %v", err)
	}
	engine, err := security.NewTokenEngine(keys, security.TokenEngineConfig{
		Issuer:     "identity-core-test",
		Audience:   []string{"identity-core"},
		AccessTTL:  15 * time.Minute,
		RefreshTTL: 24 * time.Hour,
		ClockSkew:  30 * time.Second,
	})
	if err != nil {
		t.Fatalf("new token engine: %v", err)
	}
	engine.WithClock(clock.Now)

	totp := security.NewTOTP(security.TOTPConfig{Issuer: "identity-core-test", Skew: 1})

	var (
		sessionRepo port.SessionRepository       = store.Sessions()
		attempts    port.LoginAttemptStore       = store.LoginAttempts()
		resetRepo   port.PasswordResetRepository = store.ResetTokens()
		mfaRepo     port.MFARepository           = store.MFA()
	)
	if f := cfg.faults; f != nil {
		sessionRepo = faultySessions{SessionRepository: sessionRepo, faults: f}
		attempts = faultyAttempts{LoginAttemptStore: attempts, faults: f}
		resetRepo = faultyResets{PasswordResetRepository: resetRepo, faults: f}
		mfaRepo = faultyMFA{MFARepository: mfaRepo, faults: f}
	}

	sessions := NewSessionRegistry(sessionRepo, store.Accounts(), engine, events, metrics, cfg.session, log).WithClock(clock.Now)
	credentials := NewCredentialService(store.Accounts(), hasher, policy, sessions, store, events, log).WithClock(clock.Now)
	lockout := NewLockoutGuard(attempts, config.LockoutSettings{}, events, metrics, log).WithClock(clock.Now)
	mfa := NewMFAService(mfaRepo, store.Accounts(), totp, events, metrics, config.MFASettings{}, log).WithClock(clock.Now)
	resets := NewPasswordResetService(
		store.Accounts(),
		resetRepo,
		sessionRepo,
		store.RateLimits(),
		store,
		hasher,
		policy,
		events,
		metrics,
		config.PasswordResetSettings{},
		log,
	).WithClock(clock.Now)
	apiKeys := NewAPIKeyService(store.APIKeys(), store.Accounts(), events, metrics, config.APIKeySettings{}, log).WithClock(clock.Now)

	auth, err := NewAuthService(AuthDependencies{
		Credentials: credentials,
		Lockout:     lockout,
		Sessions:    sessions,
		MFA:         mfa,
		Challenges:  store.MFAChallenges(),
		Accounts:    store.Accounts(),
		Tx:          store,
		Resolvers:   cfg.resolvers,
		Metrics:     metrics,
	}, config.MFASettings{}, log)
	if err != nil {
		t.Fatalf("new auth service: %v", err)
	}
	auth.WithClock(clock.Now)

	return &testEnv{
		clock:       clock,
		store:       store,
		events:      events,
		metrics:     metrics,
		totp:        totp,
		credentials: credentials,
		lockout:     lockout,
		sessions:    sessions,
		mfa:         mfa,
		resets:      resets,
		apiKeys:     apiKeys,
		auth:        auth,
	}
}

func (e *testEnv) register(t *testing.T, email, username, password string) *domain.Account {
	t.Helper()
	account, err := e.credentials.Register(context.Background(), RegisterInput{
		Email:    email,
		Username: username,
		Password: password,
	})
	if err != nil {
		t.Fatalf("register %s: %v", username, err)
	}
	return account
}

func (e *testEnv) login(t *testing.T, identifier, password string) *domain.IssuedSession {
	t.Helper()
	result, err := e.auth.Login(context.Background(), LoginInput{Identifier: identifier, Password: password})
	if err != nil {
		t.Fatalf("login %s: %v", identifier, err)
	}
	if result.Session == nil {
		t.Fatalf("login %s: expected a session", identifier)
	}
	return result.Session
}

// enableMFA runs setup and confirmation and returns the secret and backup codes.
func (e *testEnv) enableMFA(t *testing.T, accountID string) (string, []string) {
	t.Helper()
	ctx := context.Background()

	enrollment, err := e.mfa.Setup(ctx, accountID)
	if err != nil {
		t.Fatalf("mfa setup: %v", err)
	}
	code, err := e.totp.GenerateCode(enrollment.Secret, e.clock.Now())
	if err != nil {
		t.Fatalf("generate code: %v", err)
	}
	codes, err := e.mfa.Confirm(ctx, accountID, code)
	if err != nil {
		t.Fatalf("mfa confirm: %v", err)
	}
	return enrollment.Secret, codes
}

package usecase

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/arklim/identity-core/internal/core/domain"
	"github.com/arklim/identity-core/internal/core/port"
	"github.com/arklim/identity-core/internal/infra/config"
	"github.com/arklim/identity-core/internal/infra/security"
)

const (
	defaultAPIKeyPrefix = "ak_"
	defaultAPIKeyLabel  = "default"
	apiKeySecretBytes   = 32
	apiKeyDisplayChars  = 8
)

var defaultAPIKeyScopes = []string{"read"}

// CreateAPIKeyInput describes a new key. A zero TTL uses the configured
// default; a negative TTL never expires.
type CreateAPIKeyInput struct {
	AccountID string
	Label     string
	Scopes    []string
	TTL       time.Duration
}

// APIKeyService manages long-lived keys. Only SHA-256 hashes of the keys are
// stored; the plaintext is returned once from Create.
type APIKeyService struct {
	keys     port.APIKeyRepository
	accounts port.AccountRepository
	events   port.EventPublisher
	metrics  port.AuthMetrics
	cfg      config.APIKeySettings
	logger   *zap.Logger
	now      func() time.Time
}

// NewAPIKeyService constructs an APIKeyService.
func NewAPIKeyService(
	keys port.APIKeyRepository,
	accounts port.AccountRepository,
	events port.EventPublisher,
	metrics port.AuthMetrics,
	cfg config.APIKeySettings,
	log *zap.Logger,
) *APIKeyService {
	if strings.TrimSpace(cfg.Prefix) == "" {
		cfg.Prefix = defaultAPIKeyPrefix
	}
	if len(domain.NormalizeScopes(cfg.DefaultScopes)) == 0 {
		cfg.DefaultScopes = defaultAPIKeyScopes
	}
	return &APIKeyService{
		keys:     keys,
		accounts: accounts,
		events:   events,
		metrics:  metricsOrNop(metrics),
		cfg:      cfg,
		logger:   nopLogger(log),
		now:      defaultClock,
	}
}

// WithClock overrides the service clock for deterministic tests.
func (s *APIKeyService) WithClock(now func() time.Time) *APIKeyService {
	if now != nil {
		s.now = now
	}
	return s
}

// Create issues a key for an active account.
func (s *APIKeyService) Create(ctx context.Context, input CreateAPIKeyInput) (*domain.CreatedAPIKey, error) {
	account, err := s.accounts.GetByID(ctx, input.AccountID)
	if err != nil {
		if isNotFound(err) {
			return nil, domain.ErrAccountNotFound
		}
		return nil, storageError("get account", err)
	}
	if !account.IsActive {
		return nil, domain.ErrAccountInactive
	}

	secret, err := security.GenerateSecureToken(apiKeySecretBytes)
	if err != nil {
		return nil, fmt.Errorf("generate api key: %w", err)
	}
	plaintext := s.cfg.Prefix + secret

	label := strings.TrimSpace(input.Label)
	if label == "" {
		label = defaultAPIKeyLabel
	}
	scopes := domain.NormalizeScopes(input.Scopes)
	if len(scopes) == 0 {
		scopes = domain.NormalizeScopes(s.cfg.DefaultScopes)
	}

	at := s.now()
	key := domain.APIKey{
		ID:        newID(),
		AccountID: account.ID,
		Label:     label,
		Prefix:    plaintext[:len(s.cfg.Prefix)+apiKeyDisplayChars],
		KeyHash:   security.HashToken(plaintext),
		Scopes:    scopes,
		Active:    true,
		CreatedAt: at,
	}
	ttl := input.TTL
	if ttl == 0 {
		ttl = s.cfg.DefaultTTL
	}
	if ttl > 0 {
		expires := at.Add(ttl)
		key.ExpiresAt = &expires
	}

	if err := s.keys.Create(ctx, key); err != nil {
		return nil, storageError("create api key", err)
	}

	s.logger.Info("api key created",
		zap.String("account_id", account.ID),
		zap.String("key_id", key.ID),
		zap.String("prefix", key.Prefix),
		zap.Strings("scopes", scopes),
	)
	key.KeyHash = ""
	return &domain.CreatedAPIKey{Key: key, Plaintext: plaintext}, nil
}

// List returns key metadata for accountID, newest first.
func (s *APIKeyService) List(ctx context.Context, accountID string) ([]domain.APIKey, error) {
	keys, err := s.keys.ListByAccount(ctx, accountID)
	if err != nil {
		return nil, storageError("list api keys", err)
	}
	for i := range keys {
		keys[i].KeyHash = ""
	}
	return keys, nil
}

// Verify resolves a plaintext key to its principal. Unknown, revoked and
// expired keys and keys of inactive accounts all yield domain.ErrKeyNotFound.
func (s *APIKeyService) Verify(ctx context.Context, plaintext string) (principal *domain.APIKeyPrincipal, err error) {
	ctx, finish := startSpan(ctx, "APIKeyService.Verify")
	defer finish(&err)

	outcome := outcomeFailure
	defer func() { s.metrics.APIKeyVerification(outcome) }()

	plaintext = strings.TrimSpace(plaintext)
	if plaintext == "" {
		return nil, domain.ErrKeyNotFound
	}

	key, err := s.keys.GetByHash(ctx, security.HashToken(plaintext))
	if err != nil {
		if isNotFound(err) {
			return nil, domain.ErrKeyNotFound
		}
		outcome = outcomeError
		return nil, storageError("get api key", err)
	}
	at := s.now()
	if !key.IsUsable(at) {
		return nil, domain.ErrKeyNotFound
	}

	account, err := s.accounts.GetByID(ctx, key.AccountID)
	if err != nil {
		if isNotFound(err) {
			return nil, domain.ErrKeyNotFound
		}
		outcome = outcomeError
		return nil, storageError("get account", err)
	}
	if !account.IsActive {
		outcome = outcomeInactive
		return nil, domain.ErrKeyNotFound
	}

	if err := s.keys.TouchLastUsed(ctx, key.ID, at); err != nil {
		s.logger.Warn("failed to update api key last use", zap.String("key_id", key.ID), zap.Error(err))
	}

	outcome = outcomeSuccess
	return &domain.APIKeyPrincipal{
		AccountID: key.AccountID,
		KeyID:     key.ID,
		Scopes:    append([]string(nil), key.Scopes...),
	}, nil
}

// Revoke deactivates keyID if it belongs to accountID.
func (s *APIKeyService) Revoke(ctx context.Context, accountID, keyID string) error {
	at := s.now()
	changed, err := s.keys.Revoke(ctx, accountID, keyID, at)
	if err != nil {
		if isNotFound(err) {
			return domain.ErrKeyNotFound
		}
		return storageError("revoke api key", err)
	}
	if !changed {
		return nil
	}

	s.logger.Info("api key revoked", zap.String("account_id", accountID), zap.String("key_id", keyID))
	if s.events != nil {
		event := domain.APIKeyRevokedEvent{
			EventID:   newID(),
			AccountID: accountID,
			KeyID:     keyID,
			RevokedAt: at,
		}
		if err := s.events.PublishAPIKeyRevoked(ctx, event); err != nil {
			s.logger.Warn("failed to publish api key revoked event", zap.String("key_id", keyID), zap.Error(err))
		}
	}
	return nil
}

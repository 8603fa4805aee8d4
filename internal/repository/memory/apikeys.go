package memory

import (
	"context"
	"sort"
	"time"

	"github.com/arklim/identity-core/internal/core/domain"
	"github.com/arklim/identity-core/internal/core/port"
	"github.com/arklim/identity-core/internal/repository"
)

// APIKeyRepository implements port.APIKeyRepository.
type APIKeyRepository struct {
	s *Store
}

func (r *APIKeyRepository) Create(ctx context.Context, key domain.APIKey) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	if _, ok := r.s.data.apiKeyIndex[key.KeyHash]; ok {
		return &repository.ConflictError{Field: "key_hash"}
	}
	track(ctx, r.s, "api_keys", r.s.data.apiKeys, key.ID)
	track(ctx, r.s, "api_key_index", r.s.data.apiKeyIndex, key.KeyHash)
	r.s.data.apiKeys[key.ID] = cloneAPIKey(key)
	r.s.data.apiKeyIndex[key.KeyHash] = key.ID
	return nil
}

func (r *APIKeyRepository) ListByAccount(_ context.Context, accountID string) ([]domain.APIKey, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	var keys []domain.APIKey
	for _, key := range r.s.data.apiKeys {
		if key.AccountID == accountID {
			keys = append(keys, cloneAPIKey(key))
		}
	}
	sort.Slice(keys, func(i, j int) bool {
		return keys[i].CreatedAt.After(keys[j].CreatedAt)
	})
	return keys, nil
}

func (r *APIKeyRepository) GetByHash(_ context.Context, keyHash string) (*domain.APIKey, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	id, ok := r.s.data.apiKeyIndex[keyHash]
	if !ok {
		return nil, repository.ErrNotFound
	}
	key := cloneAPIKey(r.s.data.apiKeys[id])
	return &key, nil
}

func (r *APIKeyRepository) Revoke(ctx context.Context, accountID, keyID string, at time.Time) (bool, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	key, ok := r.s.data.apiKeys[keyID]
	if !ok || key.AccountID != accountID {
		return false, repository.ErrNotFound
	}
	if !key.Active {
		return false, nil
	}
	key.Active = false
	key.RevokedAt = &at
	track(ctx, r.s, "api_keys", r.s.data.apiKeys, keyID)
	r.s.data.apiKeys[keyID] = key
	return true, nil
}

func (r *APIKeyRepository) TouchLastUsed(ctx context.Context, id string, at time.Time) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	key, ok := r.s.data.apiKeys[id]
	if !ok {
		return repository.ErrNotFound
	}
	key.LastUsedAt = &at
	track(ctx, r.s, "api_keys", r.s.data.apiKeys, id)
	r.s.data.apiKeys[id] = key
	return nil
}

var _ port.APIKeyRepository = (*APIKeyRepository)(nil)

package memory

import (
	"context"
	"time"

	"github.com/arklim/identity-core/internal/core/domain"
	"github.com/arklim/identity-core/internal/core/port"
	"github.com/arklim/identity-core/internal/repository"
)

// PasswordResetRepository implements port.PasswordResetRepository.
type PasswordResetRepository struct {
	s *Store
}

func (r *PasswordResetRepository) Create(ctx context.Context, token domain.PasswordResetToken) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	if _, ok := r.s.data.resetIndex[token.TokenHash]; ok {
		return &repository.ConflictError{Field: "token_hash"}
	}
	track(ctx, r.s, "reset_tokens", r.s.data.resetTokens, token.ID)
	track(ctx, r.s, "reset_index", r.s.data.resetIndex, token.TokenHash)
	r.s.data.resetTokens[token.ID] = token
	r.s.data.resetIndex[token.TokenHash] = token.ID
	return nil
}

func (r *PasswordResetRepository) GetByHash(_ context.Context, tokenHash string) (*domain.PasswordResetToken, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	id, ok := r.s.data.resetIndex[tokenHash]
	if !ok {
		return nil, repository.ErrNotFound
	}
	token := r.s.data.resetTokens[id]
	return &token, nil
}

func (r *PasswordResetRepository) Consume(ctx context.Context, id string, at time.Time) (bool, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	token, ok := r.s.data.resetTokens[id]
	if !ok || !token.Usable(at) {
		return false, nil
	}
	token.UsedAt = &at
	track(ctx, r.s, "reset_tokens", r.s.data.resetTokens, id)
	r.s.data.resetTokens[id] = token
	return true, nil
}

func (r *PasswordResetRepository) InvalidateOutstanding(ctx context.Context, accountID string, at time.Time) (int, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	count := 0
	for id, token := range r.s.data.resetTokens {
		if token.AccountID != accountID || token.UsedAt != nil || token.InvalidatedAt != nil {
			continue
		}
		invalidatedAt := at
		token.InvalidatedAt = &invalidatedAt
		track(ctx, r.s, "reset_tokens", r.s.data.resetTokens, id)
		r.s.data.resetTokens[id] = token
		count++
	}
	return count, nil
}

var _ port.PasswordResetRepository = (*PasswordResetRepository)(nil)

package memory

import (
	"context"
	"time"

	"github.com/arklim/identity-core/internal/core/domain"
	"github.com/arklim/identity-core/internal/core/port"
	"github.com/arklim/identity-core/internal/repository"
)

// AccountRepository implements port.AccountRepository.
type AccountRepository struct {
	s *Store
}

func (r *AccountRepository) Create(ctx context.Context, account domain.Account) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	d := &r.s.data
	if _, ok := d.accounts[account.ID]; ok {
		return &repository.ConflictError{Field: "id"}
	}
	if _, ok := d.emailIndex[indexKey(account.Email)]; ok {
		return &repository.ConflictError{Field: "email"}
	}
	if _, ok := d.usernameIndex[indexKey(account.Username)]; ok {
		return &repository.ConflictError{Field: "username"}
	}

	track(ctx, r.s, "accounts", d.accounts, account.ID)
	track(ctx, r.s, "email_index", d.emailIndex, indexKey(account.Email))
	track(ctx, r.s, "username_index", d.usernameIndex, indexKey(account.Username))
	d.accounts[account.ID] = account
	d.emailIndex[indexKey(account.Email)] = account.ID
	d.usernameIndex[indexKey(account.Username)] = account.ID
	return nil
}

func (r *AccountRepository) GetByID(_ context.Context, id string) (*domain.Account, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	return r.lookup(id)
}

func (r *AccountRepository) GetByEmail(_ context.Context, email string) (*domain.Account, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	id, ok := r.s.data.emailIndex[indexKey(email)]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return r.lookup(id)
}

func (r *AccountRepository) GetByUsername(_ context.Context, username string) (*domain.Account, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	id, ok := r.s.data.usernameIndex[indexKey(username)]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return r.lookup(id)
}

func (r *AccountRepository) lookup(id string) (*domain.Account, error) {
	account, ok := r.s.data.accounts[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return &account, nil
}

func (r *AccountRepository) UpdatePassword(ctx context.Context, id, passwordHash string, at time.Time) error {
	return r.mutate(ctx, id, func(a *domain.Account) {
		a.PasswordHash = passwordHash
		a.UpdatedAt = at
	})
}

func (r *AccountRepository) UpdateProfile(ctx context.Context, id string, update domain.ProfileUpdate, at time.Time) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	d := &r.s.data
	account, ok := d.accounts[id]
	if !ok {
		return repository.ErrNotFound
	}

	if update.Email != nil {
		if owner, taken := d.emailIndex[indexKey(*update.Email)]; taken && owner != id {
			return &repository.ConflictError{Field: "email"}
		}
	}
	if update.Username != nil {
		if owner, taken := d.usernameIndex[indexKey(*update.Username)]; taken && owner != id {
			return &repository.ConflictError{Field: "username"}
		}
	}

	track(ctx, r.s, "accounts", d.accounts, id)
	if update.Email != nil {
		track(ctx, r.s, "email_index", d.emailIndex, indexKey(account.Email))
		track(ctx, r.s, "email_index", d.emailIndex, indexKey(*update.Email))
		delete(d.emailIndex, indexKey(account.Email))
		account.Email = *update.Email
		d.emailIndex[indexKey(account.Email)] = id
	}
	if update.Username != nil {
		track(ctx, r.s, "username_index", d.usernameIndex, indexKey(account.Username))
		track(ctx, r.s, "username_index", d.usernameIndex, indexKey(*update.Username))
		delete(d.usernameIndex, indexKey(account.Username))
		account.Username = *update.Username
		d.usernameIndex[indexKey(account.Username)] = id
	}
	account.UpdatedAt = at
	d.accounts[id] = account
	return nil
}

func (r *AccountRepository) SetActive(ctx context.Context, id string, active bool, at time.Time) error {
	return r.mutate(ctx, id, func(a *domain.Account) {
		a.IsActive = active
		a.UpdatedAt = at
	})
}

func (r *AccountRepository) MarkVerified(ctx context.Context, id string, at time.Time) error {
	return r.mutate(ctx, id, func(a *domain.Account) {
		a.IsVerified = true
		a.UpdatedAt = at
	})
}

func (r *AccountRepository) mutate(ctx context.Context, id string, fn func(*domain.Account)) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	account, ok := r.s.data.accounts[id]
	if !ok {
		return repository.ErrNotFound
	}
	fn(&account)
	track(ctx, r.s, "accounts", r.s.data.accounts, id)
	r.s.data.accounts[id] = account
	return nil
}

func (r *AccountRepository) GetExternalIdentity(_ context.Context, provider, subject string) (*domain.ExternalIdentity, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	identity, ok := r.s.data.external[externalKey(provider, subject)]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return &identity, nil
}

func (r *AccountRepository) LinkExternalIdentity(ctx context.Context, identity domain.ExternalIdentity) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	key := externalKey(identity.Provider, identity.Subject)
	if _, ok := r.s.data.external[key]; ok {
		return &repository.ConflictError{Field: "external_identity"}
	}
	if _, ok := r.s.data.accounts[identity.AccountID]; !ok {
		return repository.ErrNotFound
	}
	track(ctx, r.s, "external", r.s.data.external, key)
	r.s.data.external[key] = identity
	return nil
}

func externalKey(provider, subject string) string {
	return provider + "\x00" + subject
}

var _ port.AccountRepository = (*AccountRepository)(nil)

package memory

import (
	"context"
	"sort"
	"time"

	"github.com/arklim/identity-core/internal/core/domain"
	"github.com/arklim/identity-core/internal/core/port"
	"github.com/arklim/identity-core/internal/repository"
)

// MFARepository implements port.MFARepository.
type MFARepository struct {
	s *Store
}

func (r *MFARepository) Get(_ context.Context, accountID string) (*domain.MFASettings, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	settings, ok := r.s.data.mfa[accountID]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return &settings, nil
}

func (r *MFARepository) SavePending(ctx context.Context, settings domain.MFASettings) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	if existing, ok := r.s.data.mfa[settings.AccountID]; ok && existing.Enabled {
		return repository.ErrConflict
	}
	settings.Enabled = false
	settings.EnabledAt = nil
	track(ctx, r.s, "mfa", r.s.data.mfa, settings.AccountID)
	r.s.data.mfa[settings.AccountID] = settings
	return nil
}

func (r *MFARepository) Enable(ctx context.Context, accountID, secret string, step int64, codes []domain.BackupCode, at time.Time) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	settings, ok := r.s.data.mfa[accountID]
	if !ok {
		return repository.ErrNotFound
	}
	if settings.Enabled || settings.Secret != secret {
		return repository.ErrConflict
	}

	settings.Enabled = true
	settings.EnabledAt = &at
	settings.LastUsedStep = step
	track(ctx, r.s, "mfa", r.s.data.mfa, accountID)
	track(ctx, r.s, "backup_codes", r.s.data.backupCodes, accountID)
	r.s.data.mfa[accountID] = settings
	r.s.data.backupCodes[accountID] = codeSet(codes)
	return nil
}

func (r *MFARepository) Delete(ctx context.Context, accountID string) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	if _, ok := r.s.data.mfa[accountID]; !ok {
		return repository.ErrNotFound
	}
	track(ctx, r.s, "mfa", r.s.data.mfa, accountID)
	track(ctx, r.s, "backup_codes", r.s.data.backupCodes, accountID)
	delete(r.s.data.mfa, accountID)
	delete(r.s.data.backupCodes, accountID)
	return nil
}

func (r *MFARepository) AdvanceStep(ctx context.Context, accountID string, step int64) (bool, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	settings, ok := r.s.data.mfa[accountID]
	if !ok {
		return false, repository.ErrNotFound
	}
	if step <= settings.LastUsedStep {
		return false, nil
	}
	settings.LastUsedStep = step
	track(ctx, r.s, "mfa", r.s.data.mfa, accountID)
	r.s.data.mfa[accountID] = settings
	return true, nil
}

func (r *MFARepository) ListBackupCodes(_ context.Context, accountID string) ([]domain.BackupCode, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	set := r.s.data.backupCodes[accountID]
	codes := make([]domain.BackupCode, 0, len(set))
	for _, code := range set {
		codes = append(codes, code)
	}
	sort.Slice(codes, func(i, j int) bool { return codes[i].ID < codes[j].ID })
	return codes, nil
}

// ConsumeBackupCode replaces the code set instead of editing it in place, so
// an undo step can still hand back the previous set.
func (r *MFARepository) ConsumeBackupCode(ctx context.Context, accountID, codeID string) (bool, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	set := r.s.data.backupCodes[accountID]
	if _, ok := set[codeID]; !ok {
		return false, nil
	}
	remaining := cloneMap(set)
	delete(remaining, codeID)
	track(ctx, r.s, "backup_codes", r.s.data.backupCodes, accountID)
	r.s.data.backupCodes[accountID] = remaining
	return true, nil
}

func (r *MFARepository) ReplaceBackupCodes(ctx context.Context, accountID string, codes []domain.BackupCode) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	if settings, ok := r.s.data.mfa[accountID]; !ok || !settings.Enabled {
		return repository.ErrNotFound
	}
	track(ctx, r.s, "backup_codes", r.s.data.backupCodes, accountID)
	r.s.data.backupCodes[accountID] = codeSet(codes)
	return nil
}

func codeSet(codes []domain.BackupCode) map[string]domain.BackupCode {
	set := make(map[string]domain.BackupCode, len(codes))
	for _, code := range codes {
		set[code.ID] = code
	}
	return set
}

var _ port.MFARepository = (*MFARepository)(nil)

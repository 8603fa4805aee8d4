package usecase

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/arklim/identity-core/internal/core/domain"
	"github.com/arklim/identity-core/internal/core/port"
)

var errStoreDown = errors.New("connection reset by peer")

// storeFaults makes named store operations fail until cleared.
type storeFaults struct {
	mu     sync.Mutex
	failed map[string]bool
}

func (f *storeFaults) fail(ops ...string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failed == nil {
		f.failed = make(map[string]bool)
	}
	for _, op := range ops {
		f.failed[op] = true
	}
}

func (f *storeFaults) clear() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failed = nil
}

func (f *storeFaults) check(op string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failed[op] {
		return errStoreDown
	}
	return nil
}

type faultySessions struct {
	port.SessionRepository
	faults *storeFaults
}

func (r faultySessions) Create(ctx context.Context, session domain.Session) error {
	if err := r.faults.check("sessions.Create"); err != nil {
		return err
	}
	return r.SessionRepository.Create(ctx, session)
}

func (r faultySessions) Get(ctx context.Context, id string) (*domain.Session, error) {
	if err := r.faults.check("sessions.Get"); err != nil {
		return nil, err
	}
	return r.SessionRepository.Get(ctx, id)
}

func (r faultySessions) Rotate(ctx context.Context, currentID string, next domain.Session, at time.Time) error {
	if err := r.faults.check("sessions.Rotate"); err != nil {
		return err
	}
	return r.SessionRepository.Rotate(ctx, currentID, next, at)
}

func (r faultySessions) RevokeAllForAccount(ctx context.Context, accountID, reason string, at time.Time) (int, error) {
	if err := r.faults.check("sessions.RevokeAllForAccount"); err != nil {
		return 0, err
	}
	return r.SessionRepository.RevokeAllForAccount(ctx, accountID, reason, at)
}

type faultyAttempts struct {
	port.LoginAttemptStore
	faults *storeFaults
}

func (s faultyAttempts) Get(ctx context.Context, identity string) (*domain.LoginAttemptCounter, error) {
	if err := s.faults.check("attempts.Get"); err != nil {
		return nil, err
	}
	return s.LoginAttemptStore.Get(ctx, identity)
}

func (s faultyAttempts) RecordFailure(ctx context.Context, identity string, policy domain.LockoutPolicy, at time.Time) (domain.LoginAttemptCounter, bool, error) {
	if err := s.faults.check("attempts.RecordFailure"); err != nil {
		return domain.LoginAttemptCounter{}, false, err
	}
	return s.LoginAttemptStore.RecordFailure(ctx, identity, policy, at)
}

type faultyResets struct {
	port.PasswordResetRepository
	faults *storeFaults
}

func (r faultyResets) GetByHash(ctx context.Context, tokenHash string) (*domain.PasswordResetToken, error) {
	if err := r.faults.check("resets.GetByHash"); err != nil {
		return nil, err
	}
	return r.PasswordResetRepository.GetByHash(ctx, tokenHash)
}

func (r faultyResets) Consume(ctx context.Context, id string, at time.Time) (bool, error) {
	if err := r.faults.check("resets.Consume"); err != nil {
		return false, err
	}
	return r.PasswordResetRepository.Consume(ctx, id, at)
}

type faultyMFA struct {
	port.MFARepository
	faults *storeFaults
}

func (r faultyMFA) Get(ctx context.Context, accountID string) (*domain.MFASettings, error) {
	if err := r.faults.check("mfa.Get"); err != nil {
		return nil, err
	}
	return r.MFARepository.Get(ctx, accountID)
}

func (r faultyMFA) ListBackupCodes(ctx context.Context, accountID string) ([]domain.BackupCode, error) {
	if err := r.faults.check("mfa.ListBackupCodes"); err != nil {
		return nil, err
	}
	return r.MFARepository.ListBackupCodes(ctx, accountID)
}

func (r faultyMFA) ConsumeBackupCode(ctx context.Context, accountID, codeID string) (bool, error) {
	if err := r.faults.check("mfa.ConsumeBackupCode"); err != nil {
		return false, err
	}
	return r.MFARepository.ConsumeBackupCode(ctx, accountID, codeID)
}

package port

import (
	"context"
	"time"

	"github.com/arklim/identity-core/internal/core/domain"
)

// MFARepository persists TOTP settings and backup codes.
//
// SavePending replaces any pending secret and fails with repository.ErrConflict
// when MFA is already enabled. Enable activates the pending secret only if it
// still matches and stores the backup codes in the same step. AdvanceStep
// records the last accepted TOTP time step and returns false when the step is
// not newer. ConsumeBackupCode deletes a single code and returns false when
// another caller already removed it.
type MFARepository interface {
	Get(ctx context.Context, accountID string) (*domain.MFASettings, error)
	SavePending(ctx context.Context, settings domain.MFASettings) error
	Enable(ctx context.Context, accountID, secret string, step int64, codes []domain.BackupCode, at time.Time) error
	Delete(ctx context.Context, accountID string) error
	AdvanceStep(ctx context.Context, accountID string, step int64) (bool, error)
	ListBackupCodes(ctx context.Context, accountID string) ([]domain.BackupCode, error)
	ConsumeBackupCode(ctx context.Context, accountID, codeID string) (bool, error)
	ReplaceBackupCodes(ctx context.Context, accountID string, codes []domain.BackupCode) error
}

// MFAChallengeStore keeps short-lived login challenges issued between password
// and second-factor verification. Consume removes the challenge and returns
// false when it was already gone.
type MFAChallengeStore interface {
	Save(ctx context.Context, challenge domain.MFAChallenge) error
	Get(ctx context.Context, id string) (*domain.MFAChallenge, error)
	IncrementAttempts(ctx context.Context, id string) (int, error)
	Consume(ctx context.Context, id string) (bool, error)
}

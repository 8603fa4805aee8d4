package memory

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/arklim/identity-core/internal/core/domain"
	"github.com/arklim/identity-core/internal/repository"
)

var testNow = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

func newTestStore() *Store {
	return New(WithClock(func() time.Time { return testNow }))
}

func seedAccount(t *testing.T, s *Store, id, email, username string) domain.Account {
	t.Helper()
	account := domain.Account{
		ID:           id,
		Email:        email,
		Username:     username,
		PasswordHash: "hash",
		IsActive:     true,
		CreatedAt:    testNow,
		UpdatedAt:    testNow,
	}
	if err := s.Accounts().Create(context.Background(), account); err != nil {
		t.Fatalf("create account: %v", err)
	}
	return account
}

func TestAccountsRejectDuplicateIdentityCaseInsensitive(t *testing.T) {
	s := newTestStore()
	seedAccount(t, s, "a1", "Alice@Example.com", "Alice")

	err := s.Accounts().Create(context.Background(), domain.Account{ID: "a2", Email: "alice@example.com", Username: "other"})
	var conflict *repository.ConflictError
	if !errors.As(err, &conflict) || conflict.Field != "email" {
		t.Fatalf("expected email conflict, got %v", err)
	}

	err = s.Accounts().Create(context.Background(), domain.Account{ID: "a3", Email: "other@example.com", Username: "ALICE"})
	if !errors.As(err, &conflict) || conflict.Field != "username" {
		t.Fatalf("expected username conflict, got %v", err)
	}

	got, err := s.Accounts().GetByUsername(context.Background(), "alice")
	if err != nil || got.ID != "a1" {
		t.Fatalf("lookup by username: %v %+v", err, got)
	}
}

func TestAccountsUpdateProfileReindexes(t *testing.T) {
	s := newTestStore()
	seedAccount(t, s, "a1", "alice@example.com", "alice")
	seedAccount(t, s, "a2", "bob@example.com", "bob")
	ctx := context.Background()

	taken := "bob@example.com"
	if err := s.Accounts().UpdateProfile(ctx, "a1", domain.ProfileUpdate{Email: &taken}, testNow); !errors.Is(err, repository.ErrConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}

	fresh := "alice@new.example.com"
	if err := s.Accounts().UpdateProfile(ctx, "a1", domain.ProfileUpdate{Email: &fresh}, testNow); err != nil {
		t.Fatalf("update profile: %v", err)
	}
	if _, err := s.Accounts().GetByEmail(ctx, "alice@example.com"); !errors.Is(err, repository.ErrNotFound) {
		t.Fatalf("old email should be released, got %v", err)
	}
	if got, err := s.Accounts().GetByEmail(ctx, fresh); err != nil || got.ID != "a1" {
		t.Fatalf("new email lookup: %v", err)
	}
}

func newSession(id, account, family string) domain.Session {
	return domain.Session{
		ID:        id,
		AccountID: account,
		FamilyID:  family,
		Active:    true,
		CreatedAt: testNow,
		ExpiresAt: testNow.Add(time.Hour),
	}
}

func TestSessionRotateAllowsSingleWinner(t *testing.T) {
	s := newTestStore()
	ctx := context.Background()
	if err := s.Sessions().Create(ctx, newSession("s0", "a1", "f1")); err != nil {
		t.Fatalf("create: %v", err)
	}

	const racers = 16
	var (
		wg        sync.WaitGroup
		winners   atomic.Int32
		conflicts atomic.Int32
	)
	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			next := newSession("next-"+string(rune('a'+i)), "a1", "f1")
			err := s.Sessions().Rotate(ctx, "s0", next, testNow)
			switch {
			case err == nil:
				winners.Add(1)
			case errors.Is(err, repository.ErrConflict):
				conflicts.Add(1)
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}(i)
	}
	wg.Wait()

	if winners.Load() != 1 || conflicts.Load() != racers-1 {
		t.Fatalf("expected one winner, got %d winners and %d conflicts", winners.Load(), conflicts.Load())
	}

	active, err := s.Sessions().ListActiveByAccount(ctx, "a1", testNow)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(active) != 1 {
		t.Fatalf("expected exactly one active session, got %d", len(active))
	}

	old, _ := s.Sessions().Get(ctx, "s0")
	if old.Active || old.ReplacedBy == nil || *old.ReplacedBy != active[0].ID {
		t.Fatalf("rotated session not linked to successor: %+v", old)
	}
}

func TestSessionRevokeFamily(t *testing.T) {
	s := newTestStore()
	ctx := context.Background()
	for _, sess := range []domain.Session{
		newSession("s1", "a1", "f1"),
		newSession("s2", "a1", "f1"),
		newSession("s3", "a1", "f2"),
	} {
		if err := s.Sessions().Create(ctx, sess); err != nil {
			t.Fatalf("create: %v", err)
		}
	}

	n, err := s.Sessions().RevokeFamily(ctx, "f1", domain.RevokeReasonReuseDetected, testNow)
	if err != nil || n != 2 {
		t.Fatalf("expected 2 revoked, got %d (%v)", n, err)
	}
	changed, err := s.Sessions().Revoke(ctx, "s1", domain.RevokeReasonLogout, testNow)
	if err != nil || changed {
		t.Fatalf("second revoke should be a no-op, got %v %v", changed, err)
	}
	if _, err := s.Sessions().Revoke(ctx, "missing", domain.RevokeReasonLogout, testNow); !errors.Is(err, repository.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestWithinTxRollsBackOnError(t *testing.T) {
	s := newTestStore()
	seedAccount(t, s, "a1", "alice@example.com", "alice")
	boom := errors.New("boom")

	err := s.WithinTx(context.Background(), func(ctx context.Context) error {
		if err := s.Accounts().UpdatePassword(ctx, "a1", "new-hash", testNow); err != nil {
			return err
		}
		if err := s.Sessions().Create(ctx, newSession("s1", "a1", "f1")); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}

	account, _ := s.Accounts().GetByID(context.Background(), "a1")
	if account.PasswordHash != "hash" {
		t.Fatalf("password change should be rolled back, got %q", account.PasswordHash)
	}
	if _, err := s.Sessions().Get(context.Background(), "s1"); !errors.Is(err, repository.ErrNotFound) {
		t.Fatalf("session insert should be rolled back, got %v", err)
	}
}

func TestWithinTxRollbackKeepsConcurrentWrites(t *testing.T) {
	s := newTestStore()
	seedAccount(t, s, "a1", "alice@example.com", "alice")
	seedAccount(t, s, "a2", "bob@example.com", "bob")
	if err := s.Sessions().Create(context.Background(), newSession("s1", "a1", "f1")); err != nil {
		t.Fatalf("create session: %v", err)
	}
	boom := errors.New("boom")

	err := s.WithinTx(context.Background(), func(ctx context.Context) error {
		if err := s.Accounts().UpdatePassword(ctx, "a2", "tx-hash", testNow); err != nil {
			return err
		}
		if err := s.WithinTx(ctx, func(inner context.Context) error {
			return s.Sessions().Create(inner, newSession("s3", "a2", "f3"))
		}); err != nil {
			return err
		}

		done := make(chan error, 1)
		go func() {
			plain := context.Background()
			if err := s.Sessions().Rotate(plain, "s1", newSession("s2", "a1", "f1"), testNow); err != nil {
				done <- err
				return
			}
			done <- s.Accounts().UpdatePassword(plain, "a2", "outside-hash", testNow)
		}()
		if err := <-done; err != nil {
			t.Errorf("concurrent write: %v", err)
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}

	ctx := context.Background()
	rotated, err := s.Sessions().Get(ctx, "s1")
	if err != nil {
		t.Fatalf("get rotated session: %v", err)
	}
	if rotated.Active || rotated.ReplacedBy == nil || *rotated.ReplacedBy != "s2" {
		t.Fatalf("rotation outside the unit must survive rollback, got %+v", rotated)
	}
	if _, err := s.Sessions().Get(ctx, "s2"); err != nil {
		t.Fatalf("replacement session must survive rollback: %v", err)
	}
	if _, err := s.Sessions().Get(ctx, "s3"); !errors.Is(err, repository.ErrNotFound) {
		t.Fatalf("nested unit write should roll back with the outer unit, got %v", err)
	}
	account, _ := s.Accounts().GetByID(ctx, "a2")
	if account.PasswordHash != "outside-hash" {
		t.Fatalf("later write outside the unit must win over rollback, got %q", account.PasswordHash)
	}
}

func TestWithinTxRollsBackBackupCodeConsumption(t *testing.T) {
	s := newTestStore()
	ctx := context.Background()
	repo := s.MFA()
	if err := repo.SavePending(ctx, domain.MFASettings{AccountID: "a1", Secret: "S1", CreatedAt: testNow}); err != nil {
		t.Fatalf("save pending: %v", err)
	}
	codes := []domain.BackupCode{{ID: "c1", AccountID: "a1", CodeHash: "h1"}, {ID: "c2", AccountID: "a1", CodeHash: "h2"}}
	if err := repo.Enable(ctx, "a1", "S1", 1, codes, testNow); err != nil {
		t.Fatalf("enable: %v", err)
	}

	boom := errors.New("boom")
	err := s.WithinTx(ctx, func(ctx context.Context) error {
		if ok, err := repo.ConsumeBackupCode(ctx, "a1", "c1"); err != nil || !ok {
			t.Errorf("consume: %v %v", ok, err)
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}

	remaining, err := repo.ListBackupCodes(ctx, "a1")
	if err != nil {
		t.Fatalf("list backup codes: %v", err)
	}
	if len(remaining) != 2 {
		t.Fatalf("expected consumed code restored, got %d codes", len(remaining))
	}
}

func TestMFALifecycle(t *testing.T) {
	s := newTestStore()
	ctx := context.Background()
	repo := s.MFA()

	if err := repo.SavePending(ctx, domain.MFASettings{AccountID: "a1", Secret: "S1", CreatedAt: testNow}); err != nil {
		t.Fatalf("save pending: %v", err)
	}
	if err := repo.Enable(ctx, "a1", "STALE", 10, nil, testNow); !errors.Is(err, repository.ErrConflict) {
		t.Fatalf("enable with stale secret should conflict, got %v", err)
	}

	codes := []domain.BackupCode{{ID: "c1", AccountID: "a1"}, {ID: "c2", AccountID: "a1"}}
	if err := repo.Enable(ctx, "a1", "S1", 10, codes, testNow); err != nil {
		t.Fatalf("enable: %v", err)
	}
	if err := repo.SavePending(ctx, domain.MFASettings{AccountID: "a1", Secret: "S2"}); !errors.Is(err, repository.ErrConflict) {
		t.Fatalf("pending over enabled should conflict, got %v", err)
	}

	if ok, _ := repo.AdvanceStep(ctx, "a1", 10); ok {
		t.Fatal("replayed step must be rejected")
	}
	if ok, _ := repo.AdvanceStep(ctx, "a1", 11); !ok {
		t.Fatal("newer step must be accepted")
	}

	if ok, _ := repo.ConsumeBackupCode(ctx, "a1", "c1"); !ok {
		t.Fatal("first consume must succeed")
	}
	if ok, _ := repo.ConsumeBackupCode(ctx, "a1", "c1"); ok {
		t.Fatal("second consume must fail")
	}
	remaining, _ := repo.ListBackupCodes(ctx, "a1")
	if len(remaining) != 1 || remaining[0].ID != "c2" {
		t.Fatalf("unexpected remaining codes: %+v", remaining)
	}

	if err := repo.Delete(ctx, "a1"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if remaining, _ := repo.ListBackupCodes(ctx, "a1"); len(remaining) != 0 {
		t.Fatalf("codes should be gone after delete, got %d", len(remaining))
	}
}

func TestResetTokenConsumeOnce(t *testing.T) {
	s := newTestStore()
	ctx := context.Background()
	repo := s.ResetTokens()

	token := domain.PasswordResetToken{ID: "r1", AccountID: "a1", TokenHash: "h1", CreatedAt: testNow, ExpiresAt: testNow.Add(time.Hour)}
	if err := repo.Create(ctx, token); err != nil {
		t.Fatalf("create: %v", err)
	}
	if ok, _ := repo.Consume(ctx, "r1", testNow.Add(2*time.Hour)); ok {
		t.Fatal("expired token must not be consumed")
	}
	if ok, _ := repo.Consume(ctx, "r1", testNow); !ok {
		t.Fatal("first consume must succeed")
	}
	if ok, _ := repo.Consume(ctx, "r1", testNow); ok {
		t.Fatal("second consume must fail")
	}

	if err := repo.Create(ctx, domain.PasswordResetToken{ID: "r2", AccountID: "a1", TokenHash: "h2", ExpiresAt: testNow.Add(time.Hour)}); err != nil {
		t.Fatalf("create: %v", err)
	}
	n, err := repo.InvalidateOutstanding(ctx, "a1", testNow)
	if err != nil || n != 1 {
		t.Fatalf("expected one invalidated token, got %d (%v)", n, err)
	}
	if ok, _ := repo.Consume(ctx, "r2", testNow); ok {
		t.Fatal("invalidated token must not be consumed")
	}
}

func TestAPIKeyRevokeScopedToOwner(t *testing.T) {
	s := newTestStore()
	ctx := context.Background()
	repo := s.APIKeys()

	key := domain.APIKey{ID: "k1", AccountID: "a1", KeyHash: "kh", Scopes: []string{"read"}, Active: true, CreatedAt: testNow}
	if err := repo.Create(ctx, key); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := repo.Revoke(ctx, "a2", "k1", testNow); !errors.Is(err, repository.ErrNotFound) {
		t.Fatalf("foreign revoke should be not found, got %v", err)
	}
	if ok, err := repo.Revoke(ctx, "a1", "k1", testNow); err != nil || !ok {
		t.Fatalf("revoke: %v %v", ok, err)
	}
	got, err := repo.GetByHash(ctx, "kh")
	if err != nil || got.IsUsable(testNow) {
		t.Fatalf("revoked key must not be usable: %+v %v", got, err)
	}
}

func TestLoginAttemptsLockAtThreshold(t *testing.T) {
	s := newTestStore()
	ctx := context.Background()
	policy := domain.LockoutPolicy{Threshold: 3, Window: 15 * time.Minute, Duration: 15 * time.Minute}

	var locked bool
	for i := 0; i < 3; i++ {
		_, locked, _ = s.LoginAttempts().RecordFailure(ctx, "a1", policy, testNow.Add(time.Duration(i)*time.Second))
	}
	if !locked {
		t.Fatal("third failure should lock")
	}
	counter, _ := s.LoginAttempts().Get(ctx, "a1")
	if !counter.IsLocked(testNow.Add(time.Minute)) {
		t.Fatal("counter should report locked")
	}
	if counter.IsLocked(testNow.Add(16 * time.Minute)) {
		t.Fatal("lock should lapse after the duration")
	}

	if err := s.LoginAttempts().Reset(ctx, "a1"); err != nil {
		t.Fatalf("reset: %v", err)
	}
	counter, _ = s.LoginAttempts().Get(ctx, "a1")
	if counter.Failures != 0 {
		t.Fatalf("expected cleared counter, got %d failures", counter.Failures)
	}
}

func TestChallengeExpiresAndConsumesOnce(t *testing.T) {
	now := testNow
	s := New(WithClock(func() time.Time { return now }))
	ctx := context.Background()
	store := s.MFAChallenges()

	challenge := domain.MFAChallenge{ID: "c1", AccountID: "a1", CreatedAt: now, ExpiresAt: now.Add(5 * time.Minute)}
	if err := store.Save(ctx, challenge); err != nil {
		t.Fatalf("save: %v", err)
	}
	if n, err := store.IncrementAttempts(ctx, "c1"); err != nil || n != 1 {
		t.Fatalf("increment: %d %v", n, err)
	}
	if ok, _ := store.Consume(ctx, "c1"); !ok {
		t.Fatal("first consume must succeed")
	}
	if ok, _ := store.Consume(ctx, "c1"); ok {
		t.Fatal("second consume must fail")
	}

	if err := store.Save(ctx, domain.MFAChallenge{ID: "c2", ExpiresAt: now.Add(time.Minute)}); err != nil {
		t.Fatalf("save: %v", err)
	}
	now = now.Add(2 * time.Minute)
	if _, err := store.Get(ctx, "c2"); !errors.Is(err, repository.ErrNotFound) {
		t.Fatalf("expired challenge should be gone, got %v", err)
	}
}

func TestRateLimitSlidingWindow(t *testing.T) {
	s := newTestStore()
	ctx := context.Background()
	store := s.RateLimits()

	for i := 0; i < 3; i++ {
		if err := store.RecordAttempt(ctx, "reset:a1", testNow.Add(time.Duration(i)*10*time.Minute)); err != nil {
			t.Fatalf("record: %v", err)
		}
	}
	reference := testNow.Add(65 * time.Minute)
	if err := store.TrimWindow(ctx, "reset:a1", time.Hour, reference); err != nil {
		t.Fatalf("trim: %v", err)
	}
	count, err := store.CountAttempts(ctx, "reset:a1", time.Hour, reference)
	if err != nil || count != 2 {
		t.Fatalf("expected 2 attempts in window, got %d (%v)", count, err)
	}
}

package usecase

import (
	"context"
	"errors"
	"testing"

	"github.com/arklim/identity-core/internal/core/domain"
	"github.com/arklim/identity-core/internal/infra/security"
)

func TestCredentialService_Register(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	account, err := env.credentials.Register(ctx, RegisterInput{
		Email:    "  Alice@X.com ",
		Username: " alice ",
		Password: "P@ss1",
	})
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if account.Email != "alice@x.com" || account.Username != "alice" {
		t.Fatalf("expected normalized identity, got %q %q", account.Email, account.Username)
	}
	if !account.IsActive || account.IsVerified {
		t.Fatalf("expected active unverified account, got %+v", account)
	}
	if account.PasswordHash != "" {
		t.Fatalf("expected digest to stay inside the credential store")
	}

	stored, err := env.store.Accounts().GetByID(ctx, account.ID)
	if err != nil {
		t.Fatalf("get stored account: %v", err)
	}
	if stored.PasswordHash == "" || stored.PasswordHash == "P@ss1" {
		t.Fatalf("expected a password digest, got %q", stored.PasswordHash)
	}
	if len(env.events.registered) != 1 || env.events.registered[0].Method != "password" {
		t.Fatalf("expected a password registration event, got %+v", env.events.registered)
	}
}

func TestCredentialService_Register_Duplicates(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.register(t, "a@x.com", "alice", "P@ss1")

	tests := []struct {
		name  string
		input RegisterInput
		field string
	}{
		{name: "email", input: RegisterInput{Email: "A@X.COM", Username: "other", Password: "P@ss1"}, field: "email"},
		{name: "username", input: RegisterInput{Email: "other@x.com", Username: "ALICE", Password: "P@ss1"}, field: "username"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := env.credentials.Register(ctx, tt.input)
			if !errors.Is(err, domain.ErrDuplicateIdentity) {
				t.Fatalf("expected ErrDuplicateIdentity, got %v", err)
			}
			var dup *domain.DuplicateIdentityError
			if !errors.As(err, &dup) || dup.Field != tt.field {
				t.Fatalf("expected duplicate on %s, got %v", tt.field, err)
			}
		})
	}
}

func TestCredentialService_Register_Validation(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	if _, err := env.credentials.Register(ctx, RegisterInput{Email: "not-an-email", Username: "bob", Password: "x"}); !errors.Is(err, ErrInvalidEmail) {
		t.Fatalf("expected ErrInvalidEmail, got %v", err)
	}
	if _, err := env.credentials.Register(ctx, RegisterInput{Email: "b@x.com", Username: "  ", Password: "x"}); !errors.Is(err, ErrInvalidUsername) {
		t.Fatalf("expected ErrInvalidUsername, got %v", err)
	}

	_, err := env.credentials.Register(ctx, RegisterInput{Email: "b@x.com", Username: "bob", Password: ""})
	var policyErr *security.PasswordValidationError
	if !errors.As(err, &policyErr) {
		t.Fatalf("expected password policy violation, got %v", err)
	}
}

func TestCredentialService_VerifyPassword(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	registered := env.register(t, "a@x.com", "alice", "P@ss1")

	account, err := env.credentials.VerifyPassword(ctx, "A@x.com", "P@ss1")
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if account.ID != registered.ID || account.PasswordHash != "" {
		t.Fatalf("unexpected account %+v", account)
	}

	if _, err := env.credentials.VerifyPassword(ctx, "alice", "P@ss2"); !errors.Is(err, domain.ErrInvalidCredentials) {
		t.Fatalf("expected ErrInvalidCredentials, got %v", err)
	}
	if _, err := env.credentials.VerifyPassword(ctx, "ghost", "P@ss1"); !errors.Is(err, domain.ErrInvalidCredentials) {
		t.Fatalf("expected unknown identity to look like a wrong password, got %v", err)
	}
	if err := env.credentials.CheckPassword(ctx, registered.ID, "P@ss1"); err != nil {
		t.Fatalf("check password: %v", err)
	}
}

func TestCredentialService_FindByIdentifier(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	registered := env.register(t, "a@x.com", "alice", "P@ss1")

	for _, identifier := range []string{"alice", "ALICE", "a@x.com", " A@X.com "} {
		account, err := env.credentials.FindByIdentifier(ctx, identifier)
		if err != nil {
			t.Fatalf("find %q: %v", identifier, err)
		}
		if account.ID != registered.ID {
			t.Fatalf("find %q: expected %s, got %s", identifier, registered.ID, account.ID)
		}
	}
	if _, err := env.credentials.FindByIdentifier(ctx, "nobody"); !errors.Is(err, domain.ErrAccountNotFound) {
		t.Fatalf("expected ErrAccountNotFound, got %v", err)
	}
}

func TestCredentialService_ChangePassword(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	account := env.register(t, "a@x.com", "alice", "P@ss1")
	issued := env.login(t, "alice", "P@ss1")

	if err := env.credentials.ChangePassword(ctx, account.ID, "wrong", "N3w-pass"); !errors.Is(err, domain.ErrInvalidCredentials) {
		t.Fatalf("expected ErrInvalidCredentials, got %v", err)
	}
	if err := env.credentials.ChangePassword(ctx, account.ID, "P@ss1", "P@ss1"); !errors.Is(err, ErrPasswordUnchanged) {
		t.Fatalf("expected ErrPasswordUnchanged, got %v", err)
	}
	if err := env.credentials.ChangePassword(ctx, account.ID, "P@ss1", "N3w-pass"); err != nil {
		t.Fatalf("change password: %v", err)
	}

	if _, err := env.auth.Refresh(ctx, issued.RefreshToken); !errors.Is(err, domain.ErrSessionRevoked) {
		t.Fatalf("expected sessions to be revoked, got %v", err)
	}
	env.login(t, "alice", "N3w-pass")

	if len(env.events.passwords) != 1 || env.events.passwords[0].SessionsRevoked != 1 {
		t.Fatalf("unexpected password events %+v", env.events.passwords)
	}
}

func TestCredentialService_ChangePassword_AtomicWithRevocation(t *testing.T) {
	faults := &storeFaults{}
	env := newTestEnv(t, withFaults(faults))
	ctx := context.Background()
	account := env.register(t, "a@x.com", "alice", "P@ss1")
	issued := env.login(t, "alice", "P@ss1")

	faults.fail("sessions.RevokeAllForAccount")
	err := env.credentials.ChangePassword(ctx, account.ID, "P@ss1", "N3w-pass")
	if !errors.Is(err, domain.ErrStorage) {
		t.Fatalf("expected storage error, got %v", err)
	}
	faults.clear()

	if _, err := env.credentials.VerifyPassword(ctx, "alice", "N3w-pass"); !errors.Is(err, domain.ErrInvalidCredentials) {
		t.Fatalf("password update must roll back with the failed revocation, got %v", err)
	}
	env.login(t, "alice", "P@ss1")
	if _, err := env.auth.Refresh(ctx, issued.RefreshToken); err != nil {
		t.Fatalf("existing session should stay live, got %v", err)
	}
	if len(env.events.passwords) != 0 {
		t.Fatalf("expected no password changed event, got %+v", env.events.passwords)
	}
}

func TestCredentialService_Deactivate_AtomicWithRevocation(t *testing.T) {
	faults := &storeFaults{}
	env := newTestEnv(t, withFaults(faults))
	ctx := context.Background()
	account := env.register(t, "a@x.com", "alice", "P@ss1")
	env.login(t, "alice", "P@ss1")

	faults.fail("sessions.RevokeAllForAccount")
	if err := env.credentials.Deactivate(ctx, account.ID); !errors.Is(err, domain.ErrStorage) {
		t.Fatalf("expected storage error, got %v", err)
	}
	faults.clear()

	got, err := env.credentials.GetAccount(ctx, account.ID)
	if err != nil {
		t.Fatalf("get account: %v", err)
	}
	if !got.IsActive {
		t.Fatalf("deactivation must roll back with the failed revocation")
	}

	if err := env.credentials.Deactivate(ctx, account.ID); err != nil {
		t.Fatalf("deactivate: %v", err)
	}
	if got := env.metrics.get("revoked:" + domain.RevokeReasonDeactivated); got != 1 {
		t.Fatalf("expected one deactivation revocation counted, got %d", got)
	}
}

func TestCredentialService_UpdateProfile(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	alice := env.register(t, "a@x.com", "alice", "P@ss1")
	env.register(t, "b@x.com", "bob", "P@ss2")

	taken := "Bob"
	if _, err := env.credentials.UpdateProfile(ctx, alice.ID, domain.ProfileUpdate{Username: &taken}); !errors.Is(err, domain.ErrDuplicateIdentity) {
		t.Fatalf("expected ErrDuplicateIdentity, got %v", err)
	}

	email := "Alice@New.com"
	username := "alice2"
	updated, err := env.credentials.UpdateProfile(ctx, alice.ID, domain.ProfileUpdate{Email: &email, Username: &username})
	if err != nil {
		t.Fatalf("update profile: %v", err)
	}
	if updated.Email != "alice@new.com" || updated.Username != "alice2" {
		t.Fatalf("unexpected profile %+v", updated)
	}
	env.login(t, "alice@new.com", "P@ss1")

	if _, err := env.credentials.UpdateProfile(ctx, "missing", domain.ProfileUpdate{Username: &username}); !errors.Is(err, domain.ErrAccountNotFound) {
		t.Fatalf("expected ErrAccountNotFound, got %v", err)
	}
}

func TestCredentialService_DeactivateReactivateVerify(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	account := env.register(t, "a@x.com", "alice", "P@ss1")
	issued := env.login(t, "alice", "P@ss1")

	if err := env.credentials.Deactivate(ctx, account.ID); err != nil {
		t.Fatalf("deactivate: %v", err)
	}
	if _, err := env.sessions.ValidateAccessToken(ctx, issued.AccessToken); !errors.Is(err, domain.ErrSessionRevoked) {
		t.Fatalf("expected sessions to be revoked on deactivation, got %v", err)
	}

	if err := env.credentials.Reactivate(ctx, account.ID); err != nil {
		t.Fatalf("reactivate: %v", err)
	}
	env.login(t, "alice", "P@ss1")

	if err := env.credentials.MarkVerified(ctx, account.ID); err != nil {
		t.Fatalf("mark verified: %v", err)
	}
	got, err := env.credentials.GetAccount(ctx, account.ID)
	if err != nil {
		t.Fatalf("get account: %v", err)
	}
	if !got.IsVerified {
		t.Fatalf("expected account to be verified")
	}

	if err := env.credentials.Deactivate(ctx, "missing"); !errors.Is(err, domain.ErrAccountNotFound) {
		t.Fatalf("expected ErrAccountNotFound, got %v", err)
	}
}

func TestCredentialService_RehashesOutdatedDigest(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	account := env.register(t, "a@x.com", "alice", "P@ss1")

	legacy, err := security.NewArgon2Hasher(security.Argon2Config{
		Memory:      8 * 1024,
		Iterations:  2,
		Parallelism: 1,
		SaltLength:  16,
		KeyLength:   32,
	})
	if err != nil {
		t.Fatalf("legacy hasher: %v", err)
	}
	digest, err := legacy.Hash("P@ss1")
	if err != nil {
		t.Fatalf("legacy hash: %v", err)
	}
	if err := env.store.Accounts().UpdatePassword(ctx, account.ID, digest, env.clock.Now()); err != nil {
		t.Fatalf("store legacy digest: %v", err)
	}

	if _, err := env.credentials.VerifyPassword(ctx, "alice", "P@ss1"); err != nil {
		t.Fatalf("verify legacy digest: %v", err)
	}
	stored, err := env.store.Accounts().GetByID(ctx, account.ID)
	if err != nil {
		t.Fatalf("get account: %v", err)
	}
	if stored.PasswordHash == digest {
		t.Fatalf("expected digest to be upgraded")
	}
}

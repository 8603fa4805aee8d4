package usecase

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/arklim/identity-core/internal/core/domain"
)

func TestAPIKeyService_CreateVerifyRevoke(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	account := env.register(t, "a@x.com", "alice", "P@ss1")

	created, err := env.apiKeys.Create(ctx, CreateAPIKeyInput{AccountID: account.ID, Label: "ci"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if !strings.HasPrefix(created.Plaintext, "ak_") {
		t.Fatalf("expected ak_ prefix, got %q", created.Plaintext)
	}
	if !strings.HasPrefix(created.Plaintext, created.Key.Prefix) || len(created.Key.Prefix) != len("ak_")+8 {
		t.Fatalf("unexpected display prefix %q", created.Key.Prefix)
	}
	if created.Key.KeyHash != "" {
		t.Fatalf("expected key hash to stay inside the store")
	}
	if len(created.Key.Scopes) != 1 || created.Key.Scopes[0] != "read" {
		t.Fatalf("expected default read scope, got %v", created.Key.Scopes)
	}

	env.clock.Advance(time.Minute)
	principal, err := env.apiKeys.Verify(ctx, created.Plaintext)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if principal.AccountID != account.ID || principal.KeyID != created.Key.ID {
		t.Fatalf("unexpected principal %+v", principal)
	}

	keys, err := env.apiKeys.List(ctx, account.ID)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(keys) != 1 || keys[0].KeyHash != "" {
		t.Fatalf("expected one key without secret material, got %+v", keys)
	}
	if keys[0].LastUsedAt == nil || !keys[0].LastUsedAt.Equal(env.clock.Now()) {
		t.Fatalf("expected last use to be recorded, got %v", keys[0].LastUsedAt)
	}

	if err := env.apiKeys.Revoke(ctx, account.ID, created.Key.ID); err != nil {
		t.Fatalf("revoke: %v", err)
	}
	if _, err := env.apiKeys.Verify(ctx, created.Plaintext); !errors.Is(err, domain.ErrKeyNotFound) {
		t.Fatalf("expected revoked key to fail, got %v", err)
	}
	if len(env.events.apiKeyRevokes) != 1 {
		t.Fatalf("expected one revocation event, got %d", len(env.events.apiKeyRevokes))
	}
}

func TestAPIKeyService_Verify_UnknownKey(t *testing.T) {
	env := newTestEnv(t)

	for _, key := range []string{"", "ak_unknown"} {
		if _, err := env.apiKeys.Verify(context.Background(), key); !errors.Is(err, domain.ErrKeyNotFound) {
			t.Fatalf("key %q: expected ErrKeyNotFound, got %v", key, err)
		}
	}
}

func TestAPIKeyService_Verify_Expired(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	account := env.register(t, "a@x.com", "alice", "P@ss1")

	created, err := env.apiKeys.Create(ctx, CreateAPIKeyInput{
		AccountID: account.ID,
		Scopes:    []string{"write", " write ", "read"},
		TTL:       time.Hour,
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if got := created.Key.Scopes; len(got) != 2 || got[0] != "write" || got[1] != "read" {
		t.Fatalf("expected normalized scopes, got %v", got)
	}

	env.clock.Advance(time.Hour)
	if _, err := env.apiKeys.Verify(ctx, created.Plaintext); !errors.Is(err, domain.ErrKeyNotFound) {
		t.Fatalf("expected expired key to fail, got %v", err)
	}
}

func TestAPIKeyService_Verify_InactiveAccount(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	account := env.register(t, "a@x.com", "alice", "P@ss1")

	created, err := env.apiKeys.Create(ctx, CreateAPIKeyInput{AccountID: account.ID})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := env.credentials.Deactivate(ctx, account.ID); err != nil {
		t.Fatalf("deactivate: %v", err)
	}
	if _, err := env.apiKeys.Verify(ctx, created.Plaintext); !errors.Is(err, domain.ErrKeyNotFound) {
		t.Fatalf("expected key of inactive account to fail, got %v", err)
	}
	if _, err := env.apiKeys.Create(ctx, CreateAPIKeyInput{AccountID: account.ID}); !errors.Is(err, domain.ErrAccountInactive) {
		t.Fatalf("expected ErrAccountInactive on create, got %v", err)
	}
}

func TestAPIKeyService_Revoke_OtherOwner(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	alice := env.register(t, "a@x.com", "alice", "P@ss1")
	bob := env.register(t, "b@x.com", "bob", "P@ss2")

	created, err := env.apiKeys.Create(ctx, CreateAPIKeyInput{AccountID: alice.ID})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := env.apiKeys.Revoke(ctx, bob.ID, created.Key.ID); !errors.Is(err, domain.ErrKeyNotFound) {
		t.Fatalf("expected ErrKeyNotFound for another owner, got %v", err)
	}
	if _, err := env.apiKeys.Verify(ctx, created.Plaintext); err != nil {
		t.Fatalf("expected key to stay valid: %v", err)
	}
}

package security

import (
	"strings"
	"testing"

	"golang.org/x/crypto/bcrypt"
)

func testArgon2Config() Argon2Config {
	return Argon2Config{
		Memory:      8 * 1024,
		Iterations:  1,
		Parallelism: 1,
		SaltLength:  16,
		KeyLength:   32,
	}
}

func newTestHasher(t *testing.T) *Argon2Hasher {
	t.Helper()
	hasher, err := NewArgon2Hasher(testArgon2Config())
	if err != nil {
		t.Fatalf("NewArgon2Hasher returned error: %v", err)
	}
	return hasher
}

func TestArgon2HashAndVerify(t *testing.T) {
	hasher := newTestHasher(t)

	encoded, err := hasher.Hash("correct horse battery staple")
	if err != nil {
		t.Fatalf("Hash returned error: %v", err)
	}

	parts := strings.Split(strings.TrimPrefix(encoded, "$"), "$")
	if len(parts) != 5 {
		t.Fatalf("unexpected hash format: %q", encoded)
	}
	if parts[0] != argon2Variant || parts[1] != argon2Version {
		t.Fatalf("unexpected header: %s $ %s", parts[0], parts[1])
	}
	if parts[2] != "m=8192,t=1,p=1" {
		t.Fatalf("unexpected params segment: %s", parts[2])
	}

	if !hasher.Verify("correct horse battery staple", encoded) {
		t.Fatal("Verify returned false for correct password")
	}
	if hasher.Verify("Tr0ub4dor&3", encoded) {
		t.Fatal("Verify returned true for incorrect password")
	}
}

func TestArgon2HashIsSalted(t *testing.T) {
	hasher := newTestHasher(t)

	first, err := hasher.Hash("same-password")
	if err != nil {
		t.Fatalf("Hash returned error: %v", err)
	}
	second, err := hasher.Hash("same-password")
	if err != nil {
		t.Fatalf("Hash returned error: %v", err)
	}
	if first == second {
		t.Fatal("expected distinct digests for the same password")
	}
}

func TestArgon2VerifyMalformedDigest(t *testing.T) {
	hasher := newTestHasher(t)

	for _, digest := range []string{
		"",
		"not-a-hash",
		"$argon2id$v=19$m=8192,t=1$c2FsdA$aGFzaA",
		"$argon2i$v=19$m=8192,t=1,p=1$c2FsdHNhbHRzYWx0$aGFzaGhhc2hoYXNoaGFzaA",
		"$argon2id$v=19$m=8192,t=1,p=1$!!!$aGFzaA",
	} {
		if hasher.Verify("password", digest) {
			t.Fatalf("expected malformed digest %q to fail verification", digest)
		}
	}
}

func TestArgon2NeedsRehash(t *testing.T) {
	hasher := newTestHasher(t)

	encoded, err := hasher.Hash("password")
	if err != nil {
		t.Fatalf("Hash returned error: %v", err)
	}
	if hasher.NeedsRehash(encoded) {
		t.Fatal("fresh digest should not need rehash")
	}

	cfg := testArgon2Config()
	cfg.Iterations = 2
	stronger, err := NewArgon2Hasher(cfg)
	if err != nil {
		t.Fatalf("NewArgon2Hasher returned error: %v", err)
	}
	if !stronger.NeedsRehash(encoded) {
		t.Fatal("expected digest with old parameters to need rehash")
	}
	if !stronger.Verify("password", encoded) {
		t.Fatal("digest must stay verifiable after parameters change")
	}
}

func TestArgon2VerifiesLegacyBcrypt(t *testing.T) {
	hasher := newTestHasher(t)

	legacy, err := bcrypt.GenerateFromPassword([]byte("legacy-secret"), bcrypt.MinCost)
	if err != nil {
		t.Fatalf("bcrypt.GenerateFromPassword returned error: %v", err)
	}

	if !hasher.Verify("legacy-secret", string(legacy)) {
		t.Fatal("expected bcrypt digest to verify")
	}
	if hasher.Verify("other", string(legacy)) {
		t.Fatal("expected wrong password to fail against bcrypt digest")
	}
	if !hasher.NeedsRehash(string(legacy)) {
		t.Fatal("bcrypt digests should be upgraded")
	}
}

func TestArgon2ConfigValidate(t *testing.T) {
	cfg := testArgon2Config()
	cfg.Memory = 1024
	if _, err := NewArgon2Hasher(cfg); err == nil {
		t.Fatal("expected error for undersized memory")
	}
	if err := DefaultArgon2Config().Validate(); err != nil {
		t.Fatalf("default config should be valid, got %v", err)
	}
}

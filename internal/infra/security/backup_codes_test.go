package security

import (
	"strings"
	"testing"
)

func TestGenerateBackupCodeFormat(t *testing.T) {
	seen := make(map[string]struct{})
	for i := 0; i < 20; i++ {
		code, err := GenerateBackupCode()
		if err != nil {
			t.Fatalf("GenerateBackupCode returned error: %v", err)
		}
		if len(code) != 11 || code[5] != '-' {
			t.Fatalf("unexpected code format %q", code)
		}
		for _, r := range strings.ReplaceAll(code, "-", "") {
			if !strings.ContainsRune(backupCodeAlphabet, r) {
				t.Fatalf("unexpected character %q in %q", r, code)
			}
		}
		seen[code] = struct{}{}
	}
	if len(seen) < 19 {
		t.Fatalf("expected distinct codes, got %d unique of 20", len(seen))
	}
}

func TestBackupCodeHashAndVerify(t *testing.T) {
	code := "ABCDE-FGHJK"

	encoded, err := HashBackupCode(code)
	if err != nil {
		t.Fatalf("HashBackupCode returned error: %v", err)
	}
	if strings.Contains(encoded, "ABCDE") {
		t.Fatal("encoded hash must not contain the plaintext")
	}

	if !VerifyBackupCode(code, encoded) {
		t.Fatal("expected exact code to verify")
	}
	if !VerifyBackupCode("abcde fghjk", encoded) {
		t.Fatal("expected normalized code to verify")
	}
	if VerifyBackupCode("ABCDE-FGHJL", encoded) {
		t.Fatal("expected different code to fail")
	}
	if VerifyBackupCode(code, "plain$value") {
		t.Fatal("expected malformed hash to fail")
	}
}

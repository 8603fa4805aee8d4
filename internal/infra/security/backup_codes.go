package security

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
	"strings"
)

const (
	backupCodeAlphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"
	backupCodeLength   = 10
	backupCodeSaltLen  = 16
	backupCodeScheme   = "sha256"
)

// GenerateBackupCode returns a random recovery code formatted as XXXXX-XXXXX.
func GenerateBackupCode() (string, error) {
	buf := make([]byte, backupCodeLength)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate backup code: %w", err)
	}

	var sb strings.Builder
	for i, b := range buf {
		if i == backupCodeLength/2 {
			sb.WriteByte('-')
		}
		sb.WriteByte(backupCodeAlphabet[int(b)%len(backupCodeAlphabet)])
	}
	return sb.String(), nil
}

// NormalizeBackupCode uppercases the code and strips separators and whitespace.
func NormalizeBackupCode(code string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case '-', ' ', '\t':
			return -1
		}
		if r >= 'a' && r <= 'z' {
			return r - 'a' + 'A'
		}
		return r
	}, code)
}

// HashBackupCode returns sha256$<salt>$<digest> for the normalized code.
func HashBackupCode(code string) (string, error) {
	salt := make([]byte, backupCodeSaltLen)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("generate backup code salt: %w", err)
	}
	sum := saltedDigest(salt, NormalizeBackupCode(code))
	return strings.Join([]string{
		backupCodeScheme,
		base64.RawStdEncoding.EncodeToString(salt),
		base64.RawStdEncoding.EncodeToString(sum),
	}, "$"), nil
}

// VerifyBackupCode reports whether code matches the encoded salted hash.
func VerifyBackupCode(code, encoded string) bool {
	parts := strings.Split(encoded, "$")
	if len(parts) != 3 || parts[0] != backupCodeScheme {
		return false
	}
	salt, err := base64.RawStdEncoding.DecodeString(parts[1])
	if err != nil {
		return false
	}
	expected, err := base64.RawStdEncoding.DecodeString(parts[2])
	if err != nil {
		return false
	}
	computed := saltedDigest(salt, NormalizeBackupCode(code))
	return subtle.ConstantTimeCompare(computed, expected) == 1
}

func saltedDigest(salt []byte, code string) []byte {
	h := sha256.New()
	h.Write(salt)
	h.Write([]byte(code))
	return h.Sum(nil)
}

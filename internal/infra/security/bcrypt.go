package security

import (
	"strings"

	"golang.org/x/crypto/bcrypt"
)

func isBcryptDigest(digest string) bool {
	return strings.HasPrefix(digest, "$2a$") ||
		strings.HasPrefix(digest, "$2b$") ||
		strings.HasPrefix(digest, "$2y$")
}

// verifyBcrypt checks digests imported from deployments that hashed with bcrypt.
// Callers should rehash with Argon2id after a successful match.
func verifyBcrypt(password, digest string) bool {
	return bcrypt.CompareHashAndPassword([]byte(digest), []byte(password)) == nil
}

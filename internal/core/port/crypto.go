package port

import (
	"time"

	"github.com/arklim/identity-core/internal/core/domain"
)

// PasswordHasher hashes passwords into self-describing digests.
type PasswordHasher interface {
	Hash(password string) (string, error)
	Verify(password, digest string) bool
	NeedsRehash(digest string) bool
}

// PasswordPolicy validates candidate passwords.
type PasswordPolicy interface {
	Validate(password string, ctx domain.PasswordContext) error
}

// TokenEngine issues and verifies signed access and refresh tokens.
type TokenEngine interface {
	Issue(subject, sessionID string, kind domain.TokenKind) (*domain.IssuedToken, error)
	Verify(token string, expected domain.TokenKind) (*domain.TokenClaims, error)
}

// TOTPProvider generates and validates time-based one-time passwords.
// Validate returns the matched time step so callers can reject replays.
type TOTPProvider interface {
	Enroll(accountName string) (*domain.MFAEnrollment, error)
	Validate(secret, code string, at time.Time) (int64, bool)
}

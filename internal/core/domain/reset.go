package domain

import "time"

// PasswordResetToken is a single-use, time-bounded credential for replacing a password.
// Only the hash of the token value is stored.
type PasswordResetToken struct {
	ID            string
	AccountID     string
	TokenHash     string
	CreatedAt     time.Time
	ExpiresAt     time.Time
	UsedAt        *time.Time
	InvalidatedAt *time.Time
}

// Used reports whether the token was consumed.
func (t PasswordResetToken) Used() bool {
	return t.UsedAt != nil
}

// Usable reports whether the token can still be consumed at the supplied moment.
func (t PasswordResetToken) Usable(at time.Time) bool {
	if t.UsedAt != nil || t.InvalidatedAt != nil {
		return false
	}
	return t.ExpiresAt.After(at)
}

// ResetReceipt is the caller-visible outcome of a reset request. It has the same
// shape whether or not the identity exists.
type ResetReceipt struct {
	RequestID   string
	RequestedAt time.Time
	Message     string
}

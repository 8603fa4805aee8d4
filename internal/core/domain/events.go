package domain

import "time"

// AccountRegisteredEvent represents the payload for identity.account.registered messages.
type AccountRegisteredEvent struct {
	EventID      string
	AccountID    string
	Username     string
	Email        string
	Method       string
	Provider     string
	RegisteredAt time.Time
}

// PasswordChangedEvent represents the payload for identity.account.password.changed messages.
type PasswordChangedEvent struct {
	EventID         string
	AccountID       string
	Reason          string
	ChangedAt       time.Time
	SessionsRevoked int
}

// PasswordResetRequestedEvent represents the payload for identity.account.password.reset_requested
// messages. Token is the plaintext reset token destined for the out-of-band delivery worker.
type PasswordResetRequestedEvent struct {
	EventID           string
	AccountID         string
	RequestID         string
	Email             string
	MaskedDestination string
	Token             string
	RequestedAt       time.Time
	ExpiresAt         time.Time
	IPAddress         string
}

// SessionRevokedEvent represents the payload for identity.session.revoked messages.
type SessionRevokedEvent struct {
	EventID   string
	AccountID string
	SessionID string
	Reason    string
	Count     int
	RevokedAt time.Time
}

// AccountLockedEvent represents the payload for identity.account.locked messages.
type AccountLockedEvent struct {
	EventID     string
	AccountID   string
	Identity    string
	Failures    int
	LockedAt    time.Time
	LockedUntil time.Time
}

// MFAChangedEvent represents the payload for identity.account.mfa.changed messages.
type MFAChangedEvent struct {
	EventID   string
	AccountID string
	Action    string
	ChangedAt time.Time
}

// APIKeyRevokedEvent represents the payload for identity.api_key.revoked messages.
type APIKeyRevokedEvent struct {
	EventID   string
	AccountID string
	KeyID     string
	RevokedAt time.Time
}

// MFA change actions.
const (
	MFAActionEnabled            = "enabled"
	MFAActionDisabled           = "disabled"
	MFAActionBackupRegenerated  = "backup_codes_regenerated"
	MFAActionBackupCodeConsumed = "backup_code_consumed"
)

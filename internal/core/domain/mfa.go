package domain

import "time"

// MFASettings holds the TOTP enrolment of an account. A record starts pending
// (secret issued, not yet proven) and becomes enabled after one correct code.
type MFASettings struct {
	AccountID    string
	Secret       string
	Enabled      bool
	LastUsedStep int64
	CreatedAt    time.Time
	EnabledAt    *time.Time
}

// Pending reports whether the secret awaits confirmation.
func (m MFASettings) Pending() bool {
	return !m.Enabled && m.Secret != ""
}

// BackupCode is one single-use recovery code stored as a salted hash.
type BackupCode struct {
	ID        string
	AccountID string
	CodeHash  string
	CreatedAt time.Time
}

// MFAEnrollment is returned by setup so the user can register the secret with an authenticator.
type MFAEnrollment struct {
	Secret          string
	ProvisioningURI string
	QRCode          string
}

// MFAStatus summarizes the MFA state of an account.
type MFAStatus struct {
	Enabled              bool
	Pending              bool
	BackupCodesRemaining int
	EnabledAt            *time.Time
}

// MFAChallenge is a short-lived login continuation issued after a correct
// password when the account requires a second factor.
type MFAChallenge struct {
	ID        string
	AccountID string
	Device    DeviceInfo
	Attempts  int
	CreatedAt time.Time
	ExpiresAt time.Time
}

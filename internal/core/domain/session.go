package domain

import "time"

// Session revocation reasons.
const (
	RevokeReasonLogout         = "logout"
	RevokeReasonRotated        = "rotated"
	RevokeReasonUserRevoked    = "user_revoked"
	RevokeReasonPasswordReset  = "password_reset"
	RevokeReasonPasswordChange = "password_change"
	RevokeReasonDeactivated    = "account_deactivated"
	RevokeReasonReuseDetected  = "refresh_reuse_detected"
	RevokeReasonAdmin          = "admin"
)

// DeviceInfo is client metadata captured when a session is created.
type DeviceInfo struct {
	Label     string
	IPAddress string
	UserAgent string
}

// Session represents one refresh-token family member. Each rotation deactivates
// the current record and creates its successor within the same family.
type Session struct {
	ID               string
	AccountID        string
	FamilyID         string
	AccessTokenID    string
	RefreshTokenHash string
	Device           DeviceInfo
	Active           bool
	CreatedAt        time.Time
	ExpiresAt        time.Time
	RevokedAt        *time.Time
	RevokeReason     *string
	ReplacedBy       *string
}

// IsActive reports whether the session can still back a token at the supplied moment.
func (s Session) IsActive(at time.Time) bool {
	if !s.Active || s.RevokedAt != nil {
		return false
	}
	return s.ExpiresAt.After(at)
}

// WasRotated reports whether the session was replaced by a successor.
func (s Session) WasRotated() bool {
	return s.ReplacedBy != nil
}

// Revoke marks the session inactive. Returns true when the session changed state.
func (s *Session) Revoke(at time.Time, reason string) bool {
	if !s.Active {
		return false
	}
	s.Active = false
	s.RevokedAt = &at
	s.RevokeReason = &reason
	return true
}

// IssuedSession is the result of a login or refresh: the session record plus its token pair.
type IssuedSession struct {
	Session          Session
	AccessToken      string
	RefreshToken     string
	TokenType        string
	AccessExpiresAt  time.Time
	RefreshExpiresAt time.Time
}

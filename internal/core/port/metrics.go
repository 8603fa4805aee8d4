package port

// AuthMetrics records security-relevant outcomes.
type AuthMetrics interface {
	LoginAttempt(outcome string)
	TokenRefresh(outcome string)
	SessionsRevoked(reason string, count int)
	AccountLocked()
	MFAVerification(method, outcome string)
	APIKeyVerification(outcome string)
	PasswordReset(stage, outcome string)
}

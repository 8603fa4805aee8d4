package postgres

// Repositories groups the PostgreSQL-backed storage ports.
type Repositories struct {
	Accounts    *AccountRepository
	Sessions    *SessionRepository
	MFA         *MFARepository
	ResetTokens *PasswordResetRepository
	APIKeys     *APIKeyRepository
	Tx          *TxManager
}

// NewRepositories wires all repositories backed by the provided pool.
func NewRepositories(db DB) *Repositories {
	return &Repositories{
		Accounts:    NewAccountRepository(db),
		Sessions:    NewSessionRepository(db),
		MFA:         NewMFARepository(db),
		ResetTokens: NewPasswordResetRepository(db),
		APIKeys:     NewAPIKeyRepository(db),
		Tx:          NewTxManager(db),
	}
}

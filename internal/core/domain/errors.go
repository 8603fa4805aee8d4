package domain

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrInvalidCredentials indicates the identity/password pair did not authenticate.
	ErrInvalidCredentials = errors.New("invalid credentials")
	// ErrAccountLocked indicates too many failed attempts; see AccountLockedError for the expiry.
	ErrAccountLocked = errors.New("account locked")
	// ErrAccountInactive indicates the account was deactivated.
	ErrAccountInactive = errors.New("account inactive")
	// ErrAccountNotFound indicates no account matches the supplied reference.
	ErrAccountNotFound = errors.New("account not found")
	// ErrDuplicateIdentity indicates the email or username is already registered.
	ErrDuplicateIdentity = errors.New("duplicate identity")

	// ErrInvalidToken indicates a malformed token or a bad signature.
	ErrInvalidToken = errors.New("invalid token")
	// ErrExpiredToken indicates the token lapsed its expiry.
	ErrExpiredToken = errors.New("expired token")
	// ErrWrongTokenKind indicates an access token was presented as a refresh token or vice versa.
	ErrWrongTokenKind = errors.New("wrong token kind")
	// ErrSessionRevoked indicates the session backing a token is no longer active.
	ErrSessionRevoked = errors.New("session revoked")
	// ErrSessionNotFound indicates the session does not exist or is not owned by the caller.
	ErrSessionNotFound = errors.New("session not found")

	// ErrInvalidMFACode indicates a wrong, expired or replayed second-factor code.
	ErrInvalidMFACode = errors.New("invalid mfa code")
	// ErrMFARequired indicates the account requires a second factor to complete login.
	ErrMFARequired = errors.New("mfa required")
	// ErrMFANotEnabled indicates an operation needs MFA to be active.
	ErrMFANotEnabled = errors.New("mfa not enabled")
	// ErrMFAAlreadyEnabled indicates setup was requested while MFA is active.
	ErrMFAAlreadyEnabled = errors.New("mfa already enabled")
	// ErrMFASetupRequired indicates confirmation was requested without a pending secret.
	ErrMFASetupRequired = errors.New("mfa setup required")
	// ErrInvalidMFAChallenge indicates an unknown, expired or exhausted login challenge.
	ErrInvalidMFAChallenge = errors.New("invalid mfa challenge")

	// ErrInvalidOrExpiredToken indicates an unknown, used or expired password-reset token.
	ErrInvalidOrExpiredToken = errors.New("invalid or expired reset token")

	// ErrKeyNotFound indicates an unknown, revoked or expired API key.
	ErrKeyNotFound = errors.New("api key not found")

	// ErrUnknownProvider indicates an external identity provider that is not configured.
	ErrUnknownProvider = errors.New("unknown identity provider")
	// ErrExternalIdentityUnverified indicates a provider identity without a verified email tried to bind to an existing account.
	ErrExternalIdentityUnverified = errors.New("external identity email not verified")

	// ErrStorage matches every StorageError via errors.Is.
	ErrStorage = errors.New("storage failure")
)

// StorageError is the opaque failure raised when the record store cannot complete an operation.
type StorageError struct {
	Op  string
	Err error
}

// NewStorageError wraps a record-store failure for the named operation.
func NewStorageError(op string, err error) error {
	return &StorageError{Op: op, Err: err}
}

func (e *StorageError) Error() string {
	if e.Op == "" {
		return ErrStorage.Error()
	}
	return fmt.Sprintf("%s: %s", ErrStorage.Error(), e.Op)
}

// Unwrap exposes the underlying cause for logging.
func (e *StorageError) Unwrap() error {
	return e.Err
}

// Is reports ErrStorage as a match.
func (e *StorageError) Is(target error) bool {
	return target == ErrStorage
}

// AccountLockedError carries the lock expiry of a locked identity.
type AccountLockedError struct {
	Until time.Time
}

func (e *AccountLockedError) Error() string {
	return fmt.Sprintf("%s until %s", ErrAccountLocked.Error(), e.Until.UTC().Format(time.RFC3339))
}

// Is reports ErrAccountLocked as a match.
func (e *AccountLockedError) Is(target error) bool {
	return target == ErrAccountLocked
}

// DuplicateIdentityError names the field that collided during registration or profile update.
type DuplicateIdentityError struct {
	Field string
}

func (e *DuplicateIdentityError) Error() string {
	if e.Field == "" {
		return ErrDuplicateIdentity.Error()
	}
	return fmt.Sprintf("%s: %s already registered", ErrDuplicateIdentity.Error(), e.Field)
}

// Is reports ErrDuplicateIdentity as a match.
func (e *DuplicateIdentityError) Is(target error) bool {
	return target == ErrDuplicateIdentity
}

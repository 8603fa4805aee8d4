package domain

import (
	"strings"
	"time"
)

// Account is the local identity record owned by the credential store.
type Account struct {
	ID           string
	Email        string
	Username     string
	PasswordHash string
	IsActive     bool
	IsVerified   bool
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// PasswordContext carries user attributes that a password must not resemble.
type PasswordContext struct {
	Email    string
	Username string
}

// PasswordContext returns the strength-check inputs for the account.
func (a Account) PasswordContext() PasswordContext {
	return PasswordContext{Email: a.Email, Username: a.Username}
}

// ProfileUpdate describes a partial change of account identity fields.
type ProfileUpdate struct {
	Email    *string
	Username *string
}

// Empty reports whether the update carries no changes.
func (u ProfileUpdate) Empty() bool {
	return u.Email == nil && u.Username == nil
}

// NormalizeEmail lowercases and trims an email address.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// NormalizeUsername trims a username. Usernames are compared case-insensitively by the stores.
func NormalizeUsername(username string) string {
	return strings.TrimSpace(username)
}

// LooksLikeEmail reports whether an identifier should be treated as an email address.
func LooksLikeEmail(identifier string) bool {
	at := strings.LastIndex(identifier, "@")
	return at > 0 && at < len(identifier)-1
}

package domain

import "time"

// ExternalUserInfo is the normalized identity returned by a third-party provider.
type ExternalUserInfo struct {
	Subject       string
	Email         string
	EmailVerified bool
	Name          string
	Username      string
}

// ExternalIdentity binds a provider subject to a local account.
type ExternalIdentity struct {
	Provider  string
	Subject   string
	AccountID string
	Email     string
	LinkedAt  time.Time
}

package domain

import "time"

// TokenKind tags a signed bearer token with the role it may play.
type TokenKind string

const (
	TokenKindAccess  TokenKind = "access"
	TokenKindRefresh TokenKind = "refresh"
)

// Valid reports whether the kind is one the token engine issues.
func (k TokenKind) Valid() bool {
	return k == TokenKindAccess || k == TokenKindRefresh
}

func (k TokenKind) String() string {
	return string(k)
}

// TokenClaims is the verified content of a signed bearer token.
type TokenClaims struct {
	TokenID   string
	Subject   string
	SessionID string
	Kind      TokenKind
	IssuedAt  time.Time
	ExpiresAt time.Time
}

// IssuedToken is a freshly signed token together with its claims.
type IssuedToken struct {
	Token  string
	Claims TokenClaims
}

// AccessContext describes the caller behind a verified access token backed by a live session.
type AccessContext struct {
	AccountID string
	SessionID string
	TokenID   string
	ExpiresAt time.Time
}

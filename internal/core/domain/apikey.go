package domain

import (
	"strings"
	"time"
)

// APIKey is the stored metadata of a long-lived key. The secret itself is never stored.
type APIKey struct {
	ID         string
	AccountID  string
	Label      string
	Prefix     string
	KeyHash    string
	Scopes     []string
	Active     bool
	CreatedAt  time.Time
	LastUsedAt *time.Time
	ExpiresAt  *time.Time
	RevokedAt  *time.Time
}

// IsUsable reports whether the key may authenticate at the supplied moment.
func (k APIKey) IsUsable(at time.Time) bool {
	if !k.Active || k.RevokedAt != nil {
		return false
	}
	return k.ExpiresAt == nil || k.ExpiresAt.After(at)
}

// HasScope reports whether the key grants the requested scope.
func (k APIKey) HasScope(scope string) bool {
	scope = strings.TrimSpace(scope)
	for _, s := range k.Scopes {
		if s == scope || s == "*" {
			return true
		}
	}
	return false
}

// CreatedAPIKey carries the plaintext key, returned exactly once at creation.
type CreatedAPIKey struct {
	Key       APIKey
	Plaintext string
}

// APIKeyPrincipal is the identity resolved from a verified API key.
type APIKeyPrincipal struct {
	AccountID string
	KeyID     string
	Scopes    []string
}

// NormalizeScopes trims, deduplicates and drops empty scope names, preserving order.
func NormalizeScopes(scopes []string) []string {
	if len(scopes) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(scopes))
	result := make([]string, 0, len(scopes))
	for _, scope := range scopes {
		scope = strings.TrimSpace(scope)
		if scope == "" {
			continue
		}
		if _, ok := seen[scope]; ok {
			continue
		}
		seen[scope] = struct{}{}
		result = append(result, scope)
	}
	if len(result) == 0 {
		return nil
	}
	return result
}

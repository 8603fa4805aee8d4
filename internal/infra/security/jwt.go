package security

import (
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	uuid "github.com/google/uuid"

	"github.com/arklim/identity-core/internal/core/domain"
	"github.com/arklim/identity-core/internal/core/port"
)

const (
	defaultAccessTokenTTL  = 30 * time.Minute
	defaultRefreshTokenTTL = 7 * 24 * time.Hour
	defaultClockSkew       = 30 * time.Second
)

// ErrKeyIDMissing indicates no kid is associated with the supplied key.
var ErrKeyIDMissing = errors.New("jwt: missing key identifier")

// TokenEngineConfig configures token lifetimes and the claims checked on verification.
type TokenEngineConfig struct {
	Issuer     string
	Audience   []string
	AccessTTL  time.Duration
	RefreshTTL time.Duration
	ClockSkew  time.Duration
}

// tokenClaims is the wire form of both token kinds.
type tokenClaims struct {
	Kind      string `json:"kind"`
	SessionID string `json:"sid"`
	jwt.RegisteredClaims
}

// TokenEngine signs access and refresh tokens with one RS256 key and keeps
// the two kinds apart on verification.
type TokenEngine struct {
	keys       KeyProvider
	cfg        TokenEngineConfig
	now        func() time.Time
	mu         sync.RWMutex
	publicKeys map[string]*rsa.PublicKey
}

// NewTokenEngine constructs a TokenEngine for the supplied key provider.
func NewTokenEngine(keys KeyProvider, cfg TokenEngineConfig) (*TokenEngine, error) {
	if keys == nil {
		return nil, errors.New("jwt: key provider not configured")
	}
	if strings.TrimSpace(keys.SigningKeyID()) == "" {
		return nil, ErrKeyIDMissing
	}
	if strings.TrimSpace(cfg.Issuer) == "" {
		return nil, errors.New("jwt: issuer is required")
	}
	if cfg.AccessTTL <= 0 {
		cfg.AccessTTL = defaultAccessTokenTTL
	}
	if cfg.RefreshTTL <= 0 {
		cfg.RefreshTTL = defaultRefreshTokenTTL
	}
	if cfg.ClockSkew < 0 {
		cfg.ClockSkew = 0
	}

	engine := &TokenEngine{
		keys:       keys,
		cfg:        cfg,
		now:        func() time.Time { return time.Now().UTC() },
		publicKeys: make(map[string]*rsa.PublicKey),
	}

	if enumerator, ok := keys.(interface {
		ListVerificationKeys() map[string]*rsa.PublicKey
	}); ok {
		for kid, key := range enumerator.ListVerificationKeys() {
			engine.publicKeys[kid] = key
		}
	}

	return engine, nil
}

// WithClock overrides the internal clock for deterministic tests.
func (e *TokenEngine) WithClock(clock func() time.Time) *TokenEngine {
	if clock != nil {
		e.now = clock
	}
	return e
}

// TTL returns the configured lifetime for kind.
func (e *TokenEngine) TTL(kind domain.TokenKind) time.Duration {
	if kind == domain.TokenKindRefresh {
		return e.cfg.RefreshTTL
	}
	return e.cfg.AccessTTL
}

// Issue signs a token of the given kind for subject, correlated to sessionID.
func (e *TokenEngine) Issue(subject, sessionID string, kind domain.TokenKind) (*domain.IssuedToken, error) {
	subject = strings.TrimSpace(subject)
	sessionID = strings.TrimSpace(sessionID)
	switch {
	case !kind.Valid():
		return nil, fmt.Errorf("jwt: unsupported token kind %q", kind)
	case subject == "":
		return nil, errors.New("jwt: subject is required")
	case sessionID == "":
		return nil, errors.New("jwt: session id is required")
	}

	signingKey, err := e.keys.GetSigningKey()
	if err != nil {
		return nil, fmt.Errorf("jwt: get signing key: %w", err)
	}
	if signingKey == nil {
		return nil, errors.New("jwt: signing key unavailable")
	}

	now := e.now().UTC().Truncate(time.Second)
	expiresAt := now.Add(e.TTL(kind))
	jti := uuid.NewString()

	claims := &tokenClaims{
		Kind:      kind.String(),
		SessionID: sessionID,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			Issuer:    e.cfg.Issuer,
			Audience:  e.cfg.Audience,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
			ID:        jti,
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	token.Header["kid"] = e.keys.SigningKeyID()

	signed, err := token.SignedString(signingKey)
	if err != nil {
		return nil, fmt.Errorf("jwt: sign token: %w", err)
	}

	return &domain.IssuedToken{
		Token: signed,
		Claims: domain.TokenClaims{
			TokenID:   jti,
			Subject:   subject,
			SessionID: sessionID,
			Kind:      kind,
			IssuedAt:  now,
			ExpiresAt: expiresAt,
		},
	}, nil
}

// Verify checks signature, issuer, audience and expiry (with clock skew) and
// then the kind tag. It returns domain.ErrInvalidToken, domain.ErrExpiredToken
// or domain.ErrWrongTokenKind.
func (e *TokenEngine) Verify(raw string, expected domain.TokenKind) (*domain.TokenClaims, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, domain.ErrInvalidToken
	}

	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodRS256.Alg()}),
		jwt.WithTimeFunc(e.now),
		jwt.WithLeeway(e.cfg.ClockSkew),
		jwt.WithIssuer(e.cfg.Issuer),
		jwt.WithExpirationRequired(),
	}
	if len(e.cfg.Audience) > 0 {
		opts = append(opts, jwt.WithAudience(e.cfg.Audience[0]))
	}

	claims := &tokenClaims{}
	if _, err := jwt.NewParser(opts...).ParseWithClaims(raw, claims, e.keyFunc); err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, domain.ErrExpiredToken
		}
		return nil, domain.ErrInvalidToken
	}

	kind := domain.TokenKind(claims.Kind)
	if !kind.Valid() || claims.Subject == "" || claims.SessionID == "" || claims.ID == "" {
		return nil, domain.ErrInvalidToken
	}
	if kind != expected {
		return nil, domain.ErrWrongTokenKind
	}

	result := &domain.TokenClaims{
		TokenID:   claims.ID,
		Subject:   claims.Subject,
		SessionID: claims.SessionID,
		Kind:      kind,
	}
	if claims.IssuedAt != nil {
		result.IssuedAt = claims.IssuedAt.Time.UTC()
	}
	if claims.ExpiresAt != nil {
		result.ExpiresAt = claims.ExpiresAt.Time.UTC()
	}
	return result, nil
}

func (e *TokenEngine) keyFunc(token *jwt.Token) (any, error) {
	kid, _ := token.Header["kid"].(string)
	return e.verificationKey(kid)
}

func (e *TokenEngine) verificationKey(kid string) (*rsa.PublicKey, error) {
	kid = strings.TrimSpace(kid)
	if kid == "" {
		return nil, ErrKeyIDMissing
	}

	e.mu.RLock()
	key, ok := e.publicKeys[kid]
	e.mu.RUnlock()
	if ok {
		return key, nil
	}

	fetched, err := e.keys.GetVerificationKey(kid)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	e.publicKeys[kid] = fetched
	e.mu.Unlock()
	return fetched, nil
}

// JWKS produces the JSON Web Key Set for the known verification keys.
func (e *TokenEngine) JWKS() ([]byte, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	keys := make([]map[string]string, 0, len(e.publicKeys))
	for kid, key := range e.publicKeys {
		if key == nil {
			continue
		}
		keys = append(keys, buildJWK(kid, key))
	}

	return json.Marshal(map[string]any{"keys": keys})
}

func buildJWK(kid string, key *rsa.PublicKey) map[string]string {
	return map[string]string{
		"kty": "RSA",
		"use": "sig",
		"alg": "RS256",
		"kid": kid,
		"n":   base64.RawURLEncoding.EncodeToString(key.N.Bytes()),
		"e":   base64.RawURLEncoding.EncodeToString(big.NewInt(int64(key.E)).Bytes()),
	}
}

var _ port.TokenEngine = (*TokenEngine)(nil)

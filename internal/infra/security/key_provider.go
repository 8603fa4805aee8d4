package security

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// ErrKeyNotFound indicates no verification key is registered for a kid.
var ErrKeyNotFound = errors.New("key not found")

// KeyProvider supplies the RSA signing key and the public keys used to verify tokens.
type KeyProvider interface {
	SigningKeyID() string
	GetSigningKey() (*rsa.PrivateKey, error)
	GetVerificationKey(kid string) (*rsa.PublicKey, error)
}

// DirKeyProvider reads PEM encoded keys from a directory. Each file name
// (without extension) is the kid. The first private key found signs.
type DirKeyProvider struct {
	keys       map[string]*rsa.PublicKey
	signingKID string
	signingKey *rsa.PrivateKey
}

// NewDirKeyProvider loads all keys found in keyDir.
func NewDirKeyProvider(keyDir string) (*DirKeyProvider, error) {
	files, err := os.ReadDir(keyDir)
	if err != nil {
		return nil, fmt.Errorf("failed to read key directory: %w", err)
	}

	provider := &DirKeyProvider{
		keys: make(map[string]*rsa.PublicKey),
	}

	for _, file := range files {
		if file.IsDir() || !strings.EqualFold(filepath.Ext(file.Name()), ".pem") {
			continue
		}

		path := filepath.Join(keyDir, file.Name())
		keyData, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read key file %s: %w", path, err)
		}

		block, _ := pem.Decode(keyData)
		if block == nil {
			return nil, fmt.Errorf("failed to decode PEM block from %s", path)
		}

		kid := strings.TrimSuffix(file.Name(), filepath.Ext(file.Name()))
		if private := parsePrivateKey(block.Bytes); private != nil {
			if provider.signingKey == nil {
				provider.signingKey = private
				provider.signingKID = kid
			}
			provider.keys[kid] = &private.PublicKey
			continue
		}
		if public := parsePublicKey(block.Bytes); public != nil {
			provider.keys[kid] = public
			continue
		}

		return nil, fmt.Errorf("failed to parse key from file %s", path)
	}

	if provider.signingKey == nil {
		return nil, errors.New("no private key found for signing")
	}

	return provider, nil
}

func parsePrivateKey(der []byte) *rsa.PrivateKey {
	if key, err := x509.ParsePKCS1PrivateKey(der); err == nil {
		return key
	}
	if key, err := x509.ParsePKCS8PrivateKey(der); err == nil {
		if rsaKey, ok := key.(*rsa.PrivateKey); ok {
			return rsaKey
		}
	}
	return nil
}

func parsePublicKey(der []byte) *rsa.PublicKey {
	if key, err := x509.ParsePKCS1PublicKey(der); err == nil {
		return key
	}
	if key, err := x509.ParsePKIXPublicKey(der); err == nil {
		if rsaKey, ok := key.(*rsa.PublicKey); ok {
			return rsaKey
		}
	}
	return nil
}

// SigningKeyID returns the kid stamped on issued tokens.
func (p *DirKeyProvider) SigningKeyID() string {
	return p.signingKID
}

// GetSigningKey returns the private key for signing tokens.
func (p *DirKeyProvider) GetSigningKey() (*rsa.PrivateKey, error) {
	return p.signingKey, nil
}

// GetVerificationKey returns the public key registered for kid.
func (p *DirKeyProvider) GetVerificationKey(kid string) (*rsa.PublicKey, error) {
	key, ok := p.keys[kid]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrKeyNotFound, kid)
	}
	return key, nil
}

// ListVerificationKeys exposes every loaded public key for JWKS publication.
func (p *DirKeyProvider) ListVerificationKeys() map[string]*rsa.PublicKey {
	out := make(map[string]*rsa.PublicKey, len(p.keys))
	for kid, key := range p.keys {
		out[kid] = key
	}
	return out
}

// StaticKeyProvider serves a single in-memory key pair.
type StaticKeyProvider struct {
	kid string
	key *rsa.PrivateKey
}

// NewStaticKeyProvider wraps an existing key pair.
func NewStaticKeyProvider(kid string, key *rsa.PrivateKey) *StaticKeyProvider {
	return &StaticKeyProvider{kid: kid, key: key}
}

// NewEphemeralKeyProvider generates a fresh 2048-bit key pair. Tokens signed
// with it do not survive a restart.
func NewEphemeralKeyProvider(kid string) (*StaticKeyProvider, error) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return nil, fmt.Errorf("generate rsa key: %w", err)
	}
	return NewStaticKeyProvider(kid, key), nil
}

// SigningKeyID returns the kid stamped on issued tokens.
func (p *StaticKeyProvider) SigningKeyID() string {
	return p.kid
}

// GetSigningKey returns the private key.
func (p *StaticKeyProvider) GetSigningKey() (*rsa.PrivateKey, error) {
	return p.key, nil
}

// GetVerificationKey returns the public key when kid matches.
func (p *StaticKeyProvider) GetVerificationKey(kid string) (*rsa.PublicKey, error) {
	if kid != p.kid {
		return nil, fmt.Errorf("%w: %s", ErrKeyNotFound, kid)
	}
	return &p.key.PublicKey, nil
}

// ListVerificationKeys exposes the public key for JWKS publication.
func (p *StaticKeyProvider) ListVerificationKeys() map[string]*rsa.PublicKey {
	return map[string]*rsa.PublicKey{p.kid: &p.key.PublicKey}
}

// NewKeyProvider loads keys from keyDir. Outside production an empty keyDir
// falls back to an ephemeral key pair.
func NewKeyProvider(env, keyDir string) (KeyProvider, error) {
	if strings.TrimSpace(keyDir) == "" {
		if env == "production" {
			return nil, errors.New("jwt key directory is required in production")
		}
		return NewEphemeralKeyProvider("ephemeral")
	}
	return NewDirKeyProvider(keyDir)
}

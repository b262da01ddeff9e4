package auth

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"sync"
)

// SigningKey is the private key currently used to sign credentials.
type SigningKey struct {
	ID      string
	Private *rsa.PrivateKey
}

// KeyProvider supplies signing and verification key material.
type KeyProvider interface {
	SigningKey() (SigningKey, error)
	// PublicKeys returns every verification key by key identifier.
	PublicKeys() (map[string]*rsa.PublicKey, error)
}

// CachedKeyProvider loads the signing key lazily on first use and keeps it for
// the lifetime of the process. Invalidate drops the cached key so the next
// call reloads it. A failed load is not cached.
type CachedKeyProvider struct {
	kid  string
	load func() (*rsa.PrivateKey, error)

	mu  sync.Mutex
	key *rsa.PrivateKey
}

func NewCachedKeyProvider(kid string, load func() (*rsa.PrivateKey, error)) *CachedKeyProvider {
	return &CachedKeyProvider{kid: kid, load: load}
}

// NewStaticKeyProvider wraps an already loaded key.
func NewStaticKeyProvider(kid string, key *rsa.PrivateKey) *CachedKeyProvider {
	return &CachedKeyProvider{kid: kid, key: key, load: func() (*rsa.PrivateKey, error) { return key, nil }}
}

func (p *CachedKeyProvider) private() (*rsa.PrivateKey, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.key != nil {
		return p.key, nil
	}
	key, err := p.load()
	if err != nil {
		return nil, err
	}
	if key == nil {
		return nil, errors.New("missing_private_key")
	}
	p.key = key
	return key, nil
}

func (p *CachedKeyProvider) SigningKey() (SigningKey, error) {
	key, err := p.private()
	if err != nil {
		return SigningKey{}, err
	}
	return SigningKey{ID: p.kid, Private: key}, nil
}

func (p *CachedKeyProvider) PublicKeys() (map[string]*rsa.PublicKey, error) {
	key, err := p.private()
	if err != nil {
		return nil, err
	}
	return map[string]*rsa.PublicKey{p.kid: &key.PublicKey}, nil
}

// Invalidate forces the next access to reload the key material.
func (p *CachedKeyProvider) Invalidate() {
	p.mu.Lock()
	p.key = nil
	p.mu.Unlock()
}

// PEMLoader returns a loader that parses the given PEM text.
func PEMLoader(pemData string) func() (*rsa.PrivateKey, error) {
	return func() (*rsa.PrivateKey, error) {
		return ParseRSAPrivateKey(pemData)
	}
}

// EphemeralLoader generates a throwaway key. Development only.
func EphemeralLoader() func() (*rsa.PrivateKey, error) {
	return func() (*rsa.PrivateKey, error) {
		return rsa.GenerateKey(rand.Reader, 2048)
	}
}

func ParseRSAPrivateKey(pemData string) (*rsa.PrivateKey, error) {
	block, _ := pem.Decode([]byte(pemData))
	if block == nil {
		return nil, errors.New("invalid_private_key")
	}
	switch block.Type {
	case "PRIVATE KEY":
		parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
		if err != nil {
			return nil, err
		}
		privateKey, ok := parsed.(*rsa.PrivateKey)
		if !ok {
			return nil, errors.New("invalid_private_key_type")
		}
		return privateKey, nil
	case "RSA PRIVATE KEY":
		return x509.ParsePKCS1PrivateKey(block.Bytes)
	default:
		return nil, errors.New("invalid_private_key")
	}
}

func ParseRSAPublicKey(pemData string) (*rsa.PublicKey, error) {
	block, _ := pem.Decode([]byte(pemData))
	if block == nil {
		return nil, errors.New("invalid_public_key")
	}
	switch block.Type {
	case "PUBLIC KEY":
		parsed, err := x509.ParsePKIXPublicKey(block.Bytes)
		if err != nil {
			return nil, err
		}
		publicKey, ok := parsed.(*rsa.PublicKey)
		if !ok {
			return nil, errors.New("invalid_public_key_type")
		}
		return publicKey, nil
	case "RSA PUBLIC KEY":
		return x509.ParsePKCS1PublicKey(block.Bytes)
	default:
		return nil, errors.New("invalid_public_key")
	}
}

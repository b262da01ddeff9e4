package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"koresoft/device-identity/internal/model"
)

const ScopeHeartbeat = "heartbeat"

var (
	ErrInvalidSignature = errors.New("invalid credential signature")
	ErrExpired          = errors.New("credential expired")
	ErrMalformed        = errors.New("malformed credential")
	ErrInvalidToken     = errors.New("invalid credential")
)

// Confirmation binds a credential to a device key (RFC 7800 "cnf").
type Confirmation struct {
	JKT string `json:"jkt,omitempty"`
}

// Claims is the credential payload. Registered claims carry sub (device id),
// iat, nbf, exp and jti.
type Claims struct {
	ClientID   string        `json:"cid,omitempty"`
	RenewFrom  int64         `json:"renew_from,omitempty"`
	MaxOffline int64         `json:"max_offline,omitempty"`
	Scopes     []string      `json:"scopes,omitempty"`
	Nonce      string        `json:"nonce,omitempty"`
	Cnf        *Confirmation `json:"cnf,omitempty"`
	jwt.RegisteredClaims
}

func (c *Claims) HasScope(scope string) bool {
	for _, s := range c.Scopes {
		if s == scope {
			return true
		}
	}
	return false
}

// Thumbprint returns the proof-of-possession key thumbprint, if bound.
func (c *Claims) Thumbprint() string {
	if c.Cnf == nil {
		return ""
	}
	return c.Cnf.JKT
}

// Record describes the credential for the issuance log.
func (c *Claims) Record() model.CredentialRecord {
	record := model.CredentialRecord{
		JTI:      c.ID,
		DeviceID: c.Subject,
		Scopes:   append([]string(nil), c.Scopes...),
	}
	if c.IssuedAt != nil {
		record.IssuedAt = c.IssuedAt.Time
	}
	if c.ExpiresAt != nil {
		record.ExpiresAt = c.ExpiresAt.Time
	}
	return record
}

// Lifetime describes the validity and renewal policy of device credentials.
type Lifetime struct {
	TTL         time.Duration
	RenewWindow time.Duration
	MaxOffline  time.Duration
}

// DeviceClaims builds a fresh credential payload anchored at now, with a new
// token identifier.
func (l Lifetime) DeviceClaims(deviceID, clientID string, scopes []string, thumbprint string, now time.Time) Claims {
	issuedAt := now.UTC().Truncate(time.Second)
	expiresAt := issuedAt.Add(l.TTL)
	claims := Claims{
		ClientID:   clientID,
		RenewFrom:  expiresAt.Add(-l.RenewWindow).Unix(),
		MaxOffline: int64(l.MaxOffline / time.Second),
		Scopes:     append([]string(nil), scopes...),
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   deviceID,
			IssuedAt:  jwt.NewNumericDate(issuedAt),
			NotBefore: jwt.NewNumericDate(issuedAt),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
			ID:        uuid.NewString(),
		},
	}
	if thumbprint != "" {
		claims.Cnf = &Confirmation{JKT: thumbprint}
	}
	return claims
}

// Codec signs and verifies credentials with the provider's current RS256 key.
type Codec struct {
	keys   KeyProvider
	issuer string
	now    func() time.Time
}

type Option func(*Codec)

func WithIssuer(issuer string) Option {
	return func(c *Codec) { c.issuer = issuer }
}

func WithClock(now func() time.Time) Option {
	return func(c *Codec) { c.now = now }
}

func NewCodec(keys KeyProvider, opts ...Option) *Codec {
	c := &Codec{keys: keys, now: time.Now}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Codec) Now() time.Time {
	return c.now()
}

func (c *Codec) Issue(claims Claims) (string, error) {
	key, err := c.keys.SigningKey()
	if err != nil {
		return "", fmt.Errorf("signing key: %w", err)
	}
	if c.issuer != "" && claims.Issuer == "" {
		claims.Issuer = c.issuer
	}
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	token.Header["kid"] = key.ID
	return token.SignedString(key.Private)
}

// IssueChallenge signs a short-lived attestation of an enrollment nonce.
func (c *Codec) IssueChallenge(clientID, nonce string, ttl time.Duration) (string, error) {
	now := c.now().UTC().Truncate(time.Second)
	return c.Issue(Claims{
		ClientID: clientID,
		Nonce:    nonce,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			ID:        uuid.NewString(),
		},
	})
}

// Verify checks signature, key identifier, algorithm and the nbf/exp claims.
// An expired but otherwise valid credential yields its claims together with
// ErrExpired so callers can decide what to do with it.
func (c *Codec) Verify(tokenString string) (*Claims, error) {
	options := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodRS256.Alg()}),
		jwt.WithTimeFunc(c.now),
		jwt.WithExpirationRequired(),
	}
	if c.issuer != "" {
		options = append(options, jwt.WithIssuer(c.issuer))
	}

	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, c.keyFunc, options...)
	switch {
	case err == nil && token != nil && token.Valid:
		return claims, nil
	case err == nil:
		return nil, ErrInvalidToken
	case errors.Is(err, jwt.ErrTokenSignatureInvalid), errors.Is(err, jwt.ErrTokenUnverifiable):
		return nil, ErrInvalidSignature
	case errors.Is(err, jwt.ErrTokenMalformed):
		return nil, ErrMalformed
	case errors.Is(err, jwt.ErrTokenExpired):
		return claims, ErrExpired
	default:
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
}

func (c *Codec) keyFunc(token *jwt.Token) (interface{}, error) {
	kid, _ := token.Header["kid"].(string)
	if kid == "" {
		return nil, errors.New("missing_kid")
	}
	keys, err := c.keys.PublicKeys()
	if err != nil {
		return nil, err
	}
	key, ok := keys[kid]
	if !ok {
		return nil, errors.New("unknown_kid")
	}
	return key, nil
}

// JWKS returns the public verification keys for discovery.
func (c *Codec) JWKS() (JWKSet, error) {
	keys, err := c.keys.PublicKeys()
	if err != nil {
		return JWKSet{}, err
	}
	return NewJWKSet(keys)
}

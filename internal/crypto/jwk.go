package crypto

import (
	"bytes"
	"crypto"
	"crypto/ecdh"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/elliptic"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"math/big"
)

var (
	ErrInvalidKey     = errors.New("invalid device key")
	ErrUnsupportedKey = errors.New("unsupported device key")
	ErrBadSignature   = errors.New("bad signature")
)

const minRSABits = 2048

// JWK is the public part of a device key as sent during enrollment.
type JWK struct {
	Kty string `json:"kty"`
	Crv string `json:"crv,omitempty"`
	X   string `json:"x,omitempty"`
	Y   string `json:"y,omitempty"`
	N   string `json:"n,omitempty"`
	E   string `json:"e,omitempty"`
	Alg string `json:"alg,omitempty"`
}

// ParseJWK decodes and validates a device key. Supported: OKP/Ed25519,
// EC/P-256 and RSA of at least 2048 bits.
func ParseJWK(raw []byte) (JWK, error) {
	var key JWK
	if err := json.Unmarshal(raw, &key); err != nil {
		return JWK{}, ErrInvalidKey
	}
	if _, err := key.PublicKey(); err != nil {
		return JWK{}, err
	}
	return key.normalized()
}

// normalized re-encodes the key members from their decoded bytes, so padding,
// trailing bits and leading zeros of RSA integers do not change the key's
// stored form or thumbprint.
func (k JWK) normalized() (JWK, error) {
	reencode := func(value string, trimZeros bool) (string, error) {
		raw, err := DecodeBase64URL(value)
		if err != nil {
			return "", ErrInvalidKey
		}
		if trimZeros {
			raw = bytes.TrimLeft(raw, "\x00")
			if len(raw) == 0 {
				return "", ErrInvalidKey
			}
		}
		return base64.RawURLEncoding.EncodeToString(raw), nil
	}
	var err error
	switch k.Kty {
	case "OKP":
		k.X, err = reencode(k.X, false)
	case "EC":
		if k.X, err = reencode(k.X, false); err == nil {
			k.Y, err = reencode(k.Y, false)
		}
	case "RSA":
		if k.N, err = reencode(k.N, true); err == nil {
			k.E, err = reencode(k.E, true)
		}
	default:
		err = ErrUnsupportedKey
	}
	if err != nil {
		return JWK{}, err
	}
	return k, nil
}

func (k JWK) expectedAlg() string {
	switch k.Kty {
	case "OKP":
		return "EdDSA"
	case "EC":
		return "ES256"
	case "RSA":
		return "RS256"
	}
	return ""
}

// PublicKey returns an ed25519.PublicKey, *ecdsa.PublicKey or *rsa.PublicKey.
func (k JWK) PublicKey() (crypto.PublicKey, error) {
	if k.Alg != "" && k.Alg != k.expectedAlg() {
		return nil, ErrUnsupportedKey
	}
	switch k.Kty {
	case "OKP":
		if k.Crv != "Ed25519" {
			return nil, ErrUnsupportedKey
		}
		x, err := DecodeBase64URL(k.X)
		if err != nil || len(x) != ed25519.PublicKeySize {
			return nil, ErrInvalidKey
		}
		return ed25519.PublicKey(x), nil
	case "EC":
		if k.Crv != "P-256" {
			return nil, ErrUnsupportedKey
		}
		x, errX := DecodeBase64URL(k.X)
		y, errY := DecodeBase64URL(k.Y)
		if errX != nil || errY != nil || len(x) != 32 || len(y) != 32 {
			return nil, ErrInvalidKey
		}
		point := append([]byte{0x04}, append(x, y...)...)
		if _, err := ecdh.P256().NewPublicKey(point); err != nil {
			return nil, ErrInvalidKey
		}
		return &ecdsa.PublicKey{Curve: elliptic.P256(), X: new(big.Int).SetBytes(x), Y: new(big.Int).SetBytes(y)}, nil
	case "RSA":
		n, errN := DecodeBase64URL(k.N)
		e, errE := DecodeBase64URL(k.E)
		if errN != nil || errE != nil || len(e) == 0 || len(e) > 4 {
			return nil, ErrInvalidKey
		}
		publicKey := &rsa.PublicKey{N: new(big.Int).SetBytes(n), E: int(new(big.Int).SetBytes(e).Int64())}
		if publicKey.N.BitLen() < minRSABits || publicKey.E < 3 {
			return nil, ErrInvalidKey
		}
		return publicKey, nil
	case "":
		return nil, ErrInvalidKey
	default:
		return nil, ErrUnsupportedKey
	}
}

// Verify checks signature over message with the key's declared algorithm.
// ES256 accepts raw r||s as well as ASN.1 DER signatures.
func (k JWK) Verify(message, signature []byte) error {
	publicKey, err := k.PublicKey()
	if err != nil {
		return err
	}
	switch pub := publicKey.(type) {
	case ed25519.PublicKey:
		if !ed25519.Verify(pub, message, signature) {
			return ErrBadSignature
		}
	case *ecdsa.PublicKey:
		digest := sha256.Sum256(message)
		if len(signature) == 64 {
			r := new(big.Int).SetBytes(signature[:32])
			s := new(big.Int).SetBytes(signature[32:])
			if !ecdsa.Verify(pub, digest[:], r, s) {
				return ErrBadSignature
			}
			return nil
		}
		if !ecdsa.VerifyASN1(pub, digest[:], signature) {
			return ErrBadSignature
		}
	case *rsa.PublicKey:
		digest := sha256.Sum256(message)
		if err := rsa.VerifyPKCS1v15(pub, crypto.SHA256, digest[:], signature); err != nil {
			return ErrBadSignature
		}
	default:
		return ErrUnsupportedKey
	}
	return nil
}

// Canonical returns the required members of the key in lexicographic order,
// as defined by RFC 7638. It is the stored form of a device public key.
func (k JWK) Canonical() (string, error) {
	k, err := k.normalized()
	if err != nil {
		return "", err
	}
	var members any
	switch k.Kty {
	case "OKP":
		members = struct {
			Crv string `json:"crv"`
			Kty string `json:"kty"`
			X   string `json:"x"`
		}{k.Crv, k.Kty, k.X}
	case "EC":
		members = struct {
			Crv string `json:"crv"`
			Kty string `json:"kty"`
			X   string `json:"x"`
			Y   string `json:"y"`
		}{k.Crv, k.Kty, k.X, k.Y}
	case "RSA":
		members = struct {
			E   string `json:"e"`
			Kty string `json:"kty"`
			N   string `json:"n"`
		}{k.E, k.Kty, k.N}
	default:
		return "", ErrUnsupportedKey
	}
	raw, err := json.Marshal(members)
	if err != nil {
		return "", err
	}
	return string(raw), nil
}

// Thumbprint is the RFC 7638 SHA-256 thumbprint, base64url encoded.
func (k JWK) Thumbprint() (string, error) {
	canonical, err := k.Canonical()
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256([]byte(canonical))
	return base64.RawURLEncoding.EncodeToString(sum[:]), nil
}

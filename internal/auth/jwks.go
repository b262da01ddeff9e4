package auth

import (
	"crypto/rsa"
	"encoding/base64"
	"errors"
	"math/big"
	"sort"
)

type JWKSet struct {
	Keys []JWK `json:"keys"`
}

type JWK struct {
	Kty string `json:"kty"`
	Use string `json:"use,omitempty"`
	Kid string `json:"kid,omitempty"`
	Alg string `json:"alg,omitempty"`
	N   string `json:"n"`
	E   string `json:"e"`
}

// NewJWKSet renders the verification keys, ordered by key identifier.
func NewJWKSet(publicKeys map[string]*rsa.PublicKey) (JWKSet, error) {
	if len(publicKeys) == 0 {
		return JWKSet{}, errors.New("missing_public_key")
	}
	kids := make([]string, 0, len(publicKeys))
	for kid := range publicKeys {
		kids = append(kids, kid)
	}
	sort.Strings(kids)

	set := JWKSet{Keys: make([]JWK, 0, len(kids))}
	for _, kid := range kids {
		publicKey := publicKeys[kid]
		if publicKey == nil {
			return JWKSet{}, errors.New("missing_public_key")
		}
		set.Keys = append(set.Keys, JWK{
			Kty: "RSA",
			Use: "sig",
			Alg: "RS256",
			Kid: kid,
			N:   base64.RawURLEncoding.EncodeToString(publicKey.N.Bytes()),
			E:   base64.RawURLEncoding.EncodeToString(intToBytes(publicKey.E)),
		})
	}
	return set, nil
}

func intToBytes(value int) []byte {
	if value == 0 {
		return []byte{0}
	}
	return big.NewInt(int64(value)).Bytes()
}

package crypt

import (
	"crypto/ecdsa"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt"
	"github.com/nrednav/cuid2"
)

const Issuer = "courier"

var ErrInvalidToken = errors.New("invalid token")

// Signer issues and verifies ES256 bearer tokens for account ids.
type Signer struct {
	key   *ecdsa.PrivateKey
	keyID string
	ttl   time.Duration
	now   func() time.Time
}

func NewSigner(key *ecdsa.PrivateKey, ttl time.Duration) *Signer {
	return &Signer{
		key:   key,
		keyID: KeyID(&key.PublicKey),
		ttl:   ttl,
		now:   time.Now,
	}
}

func (s *Signer) KeyID() string {
	return s.keyID
}

// Issue returns a signed token for subject and its expiry time.
func (s *Signer) Issue(subject string) (string, time.Time, error) {
	now := s.now()
	expires := now.Add(s.ttl)
	token := jwt.NewWithClaims(jwt.SigningMethodES256, jwt.StandardClaims{
		Id:        cuid2.Generate(),
		Issuer:    Issuer,
		Subject:   subject,
		IssuedAt:  now.Unix(),
		ExpiresAt: expires.Unix(),
	})
	token.Header["kid"] = s.keyID

	signed, err := token.SignedString(s.key)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("signing token: %w", err)
	}
	return signed, expires, nil
}

// Parse verifies raw and returns its subject.
func (s *Signer) Parse(raw string) (string, error) {
	claims := &jwt.StandardClaims{}
	_, err := jwt.ParseWithClaims(raw, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodECDSA); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", token.Header["alg"])
		}
		if kid, _ := token.Header["kid"].(string); kid != s.keyID {
			return nil, fmt.Errorf("unknown key %q", kid)
		}
		return &s.key.PublicKey, nil
	})
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if claims.Issuer != Issuer || claims.Subject == "" {
		return "", fmt.Errorf("%w: bad claims", ErrInvalidToken)
	}
	return claims.Subject, nil
}

// JWKS returns the JSON Web Key Set publishing the verification key.
func (s *Signer) JWKS() ([]byte, error) {
	keyData, err := EncodePublicKey(&s.key.PublicKey)
	if err != nil {
		return nil, err
	}
	return json.Marshal(struct {
		Keys []json.RawMessage `json:"keys"`
	}{Keys: []json.RawMessage{keyData}})
}

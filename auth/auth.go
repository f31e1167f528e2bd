// Package auth provides bearer credentials for the bridge's dial handshake
// and the matching validation used by automation backends in tests and
// examples.
package auth

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// TokenSource yields the bearer token attached to the upgrade request.
type TokenSource interface {
	Token() (string, error)
}

// StaticToken is a TokenSource for a pre-issued token.
type StaticToken string

// Token returns the static token.
func (s StaticToken) Token() (string, error) {
	if s == "" {
		return "", errors.New("empty static token")
	}
	return string(s), nil
}

// HS256Source mints short-lived HS256 tokens from a shared secret. Useful
// when the bridge and backend share a deployment secret.
type HS256Source struct {
	Secret   []byte
	Subject  string
	Issuer   string
	Audience string
	TTL      time.Duration
}

// Token signs a fresh token.
func (s *HS256Source) Token() (string, error) {
	if len(s.Secret) == 0 {
		return "", errors.New("hs256 source missing secret")
	}
	now := time.Now().UTC()
	rc := jwt.RegisteredClaims{
		Subject:   s.Subject,
		IssuedAt:  jwt.NewNumericDate(now),
		NotBefore: jwt.NewNumericDate(now),
	}
	ttl := s.TTL
	if ttl <= 0 {
		ttl = time.Hour
	}
	rc.ExpiresAt = jwt.NewNumericDate(now.Add(ttl))
	if s.Issuer != "" {
		rc.Issuer = s.Issuer
	}
	if s.Audience != "" {
		rc.Audience = jwt.ClaimStrings{s.Audience}
	}
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, &Claims{RegisteredClaims: rc})
	return tok.SignedString(s.Secret)
}

// Claims is the token claim set exchanged on the handshake.
type Claims struct {
	jwt.RegisteredClaims
	Scopes []string `json:"scopes,omitempty"`
}

// Validator checks handshake tokens on the backend side.
type Validator interface {
	ParseAndValidate(token string) (*Claims, error)
}

// HS256Validator implements Validator for HS256 tokens with a shared
// secret.
type HS256Validator struct {
	Secret []byte
}

// ParseAndValidate parses and validates a token string, returning its
// claims when valid.
func (v *HS256Validator) ParseAndValidate(tokenStr string) (*Claims, error) {
	tok, err := jwt.ParseWithClaims(tokenStr, &Claims{}, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok || t.Method.Alg() != jwt.SigningMethodHS256.Alg() {
			return nil, errors.New("unexpected signing method")
		}
		return v.Secret, nil
	})
	if err != nil {
		return nil, err
	}
	claims, ok := tok.Claims.(*Claims)
	if !ok || !tok.Valid {
		return nil, errors.New("invalid token")
	}
	return claims, nil
}

// BearerFromRequest extracts a bearer token from an upgrade request. It
// checks the Authorization header and the access_token query parameter.
func BearerFromRequest(r *http.Request) (string, bool) {
	h := r.Header.Get("Authorization")
	if strings.HasPrefix(strings.ToLower(h), "bearer ") {
		return strings.TrimSpace(h[len("Bearer "):]), true
	}
	if q := r.URL.Query().Get("access_token"); q != "" {
		return q, true
	}
	return "", false
}

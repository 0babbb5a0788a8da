// Package auth validates and mints the HS256 session tokens that identify note owners.
package auth

import (
	"errors"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrMissingSessionSigningKey = errors.New("session: signing key required")
	ErrMissingSessionIssuer     = errors.New("session: issuer required")
	ErrMissingSessionCookieName = errors.New("session: cookie name required")
	ErrMissingSessionToken      = errors.New("session: token required")
	ErrInvalidSessionToken      = errors.New("session: invalid token")
	ErrExpiredSessionToken      = errors.New("session: token expired")
	ErrMissingSessionSubject    = errors.New("session: subject required")
)

// SessionClaims is the JWT payload of a geonotes session. The subject is the owner id.
type SessionClaims struct {
	DisplayName string `json:"display_name,omitempty"`
	jwt.RegisteredClaims
}

// OwnerID returns the note owner the session speaks for.
func (c SessionClaims) OwnerID() string {
	return strings.TrimSpace(c.Subject)
}

// sessionKey is the material shared by the issuer and the validator.
type sessionKey struct {
	secret []byte
	issuer string
	clock  func() time.Time
}

func newSessionKey(secret []byte, issuer string, clock func() time.Time) (sessionKey, error) {
	if len(secret) == 0 {
		return sessionKey{}, ErrMissingSessionSigningKey
	}
	issuer = strings.TrimSpace(issuer)
	if issuer == "" {
		return sessionKey{}, ErrMissingSessionIssuer
	}
	if clock == nil {
		clock = time.Now
	}
	return sessionKey{secret: append([]byte(nil), secret...), issuer: issuer, clock: clock}, nil
}

func (k sessionKey) sign(claims SessionClaims) (string, error) {
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(k.secret)
}

func (k sessionKey) parse(raw string) (SessionClaims, error) {
	var claims SessionClaims
	_, err := jwt.ParseWithClaims(raw, &claims,
		func(*jwt.Token) (interface{}, error) { return k.secret, nil },
		jwt.WithTimeFunc(k.clock),
		jwt.WithIssuer(k.issuer),
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
	)
	switch {
	case errors.Is(err, jwt.ErrTokenExpired):
		return SessionClaims{}, ErrExpiredSessionToken
	case err != nil:
		return SessionClaims{}, errors.Join(ErrInvalidSessionToken, err)
	}
	return claims, nil
}

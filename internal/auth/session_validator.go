package auth

import (
	"net/http"
	"strings"
	"time"
)

const bearerScheme = "bearer"

// SessionValidatorConfig describes how to validate session JWTs.
type SessionValidatorConfig struct {
	SigningSecret []byte
	Issuer        string
	CookieName    string
	Clock         func() time.Time
}

// SessionValidator accepts sessions from an Authorization bearer header or a cookie.
type SessionValidator struct {
	key        sessionKey
	cookieName string
}

func NewSessionValidator(cfg SessionValidatorConfig) (*SessionValidator, error) {
	key, err := newSessionKey(cfg.SigningSecret, cfg.Issuer, cfg.Clock)
	if err != nil {
		return nil, err
	}
	cookieName := strings.TrimSpace(cfg.CookieName)
	if cookieName == "" {
		return nil, ErrMissingSessionCookieName
	}
	return &SessionValidator{key: key, cookieName: cookieName}, nil
}

// ValidateToken parses a session token and requires a subject.
func (v *SessionValidator) ValidateToken(raw string) (SessionClaims, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return SessionClaims{}, ErrMissingSessionToken
	}
	claims, err := v.key.parse(raw)
	if err != nil {
		return SessionClaims{}, err
	}
	if claims.OwnerID() == "" {
		return SessionClaims{}, ErrMissingSessionSubject
	}
	return claims, nil
}

// ValidateRequest prefers the bearer header; the cookie is only consulted without one.
func (v *SessionValidator) ValidateRequest(r *http.Request) (SessionClaims, error) {
	if r == nil {
		return SessionClaims{}, ErrMissingSessionToken
	}
	if token, ok := bearerToken(r.Header.Get("Authorization")); ok {
		return v.ValidateToken(token)
	}
	cookie, err := r.Cookie(v.cookieName)
	if err != nil {
		return SessionClaims{}, ErrMissingSessionToken
	}
	return v.ValidateToken(cookie.Value)
}

func bearerToken(header string) (string, bool) {
	scheme, token, found := strings.Cut(strings.TrimSpace(header), " ")
	if !found || !strings.EqualFold(scheme, bearerScheme) {
		return "", false
	}
	return token, true
}

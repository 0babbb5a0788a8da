package auth

import (
	"errors"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const defaultSessionTTL = 12 * time.Hour

var errMissingOwnerSubject = errors.New("session: owner id required")

// SessionIssuerConfig configures the session token issuer.
type SessionIssuerConfig struct {
	SigningSecret []byte
	Issuer        string
	TTL           time.Duration
	Clock         func() time.Time
}

// SessionIssuer mints sessions the SessionValidator accepts. Operators use it for service
// accounts and local development.
type SessionIssuer struct {
	key sessionKey
	ttl time.Duration
}

// NewSessionIssuer constructs an issuer; a non-positive TTL uses twelve hours.
func NewSessionIssuer(cfg SessionIssuerConfig) (*SessionIssuer, error) {
	key, err := newSessionKey(cfg.SigningSecret, cfg.Issuer, cfg.Clock)
	if err != nil {
		return nil, err
	}
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = defaultSessionTTL
	}
	return &SessionIssuer{key: key, ttl: ttl}, nil
}

// Issue signs a session for ownerID and reports when it expires.
func (i *SessionIssuer) Issue(ownerID, displayName string) (string, time.Time, error) {
	subject := strings.TrimSpace(ownerID)
	if subject == "" {
		return "", time.Time{}, errMissingOwnerSubject
	}

	issuedAt := i.key.clock().UTC()
	expiresAt := issuedAt.Add(i.ttl)
	token, err := i.key.sign(SessionClaims{
		DisplayName: strings.TrimSpace(displayName),
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			Issuer:    i.key.issuer,
			IssuedAt:  jwt.NewNumericDate(issuedAt),
			NotBefore: jwt.NewNumericDate(issuedAt),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
	})
	if err != nil {
		return "", time.Time{}, err
	}
	return token, expiresAt, nil
}

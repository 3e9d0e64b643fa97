// Package auth verifies bearer credentials presented at the websocket
// handshake and on inbound auth frames. Verification is a local signature
// check; the gateway never issues tokens.
package auth

import (
	"errors"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	// ErrUnauthenticated means the credential was missing or garbled.
	ErrUnauthenticated = errors.New("unauthenticated")
	// ErrExpired means the credential was well-formed but past its expiry.
	ErrExpired = errors.New("token expired")
	// ErrInvalid means the signature or claims did not check out.
	ErrInvalid = errors.New("token invalid")
)

// Principal is the verified identity behind a connection.
type Principal struct {
	ID        string
	Name      string
	Role      string
	ExpiresAt time.Time
}

type claims struct {
	UserID string `json:"user_id"`
	Name   string `json:"name"`
	Role   string `json:"role"`
	jwt.RegisteredClaims
}

type Verifier struct {
	key []byte
	now func() time.Time
}

func NewVerifier(secret string) *Verifier {
	return &Verifier{key: []byte(secret), now: time.Now}
}

// Verify checks an HS256-signed token and returns the principal it carries.
// It does no I/O and is safe for concurrent use.
func (v *Verifier) Verify(token string) (Principal, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return Principal{}, ErrUnauthenticated
	}

	parsed, err := jwt.ParseWithClaims(token, &claims{}, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, ErrInvalid
		}
		return v.key, nil
	}, jwt.WithTimeFunc(v.now))
	if err != nil {
		switch {
		case errors.Is(err, jwt.ErrTokenExpired):
			return Principal{}, ErrExpired
		case errors.Is(err, jwt.ErrTokenMalformed):
			return Principal{}, ErrUnauthenticated
		default:
			return Principal{}, ErrInvalid
		}
	}

	c, ok := parsed.Claims.(*claims)
	if !ok || !parsed.Valid {
		return Principal{}, ErrInvalid
	}

	id := c.UserID
	if id == "" {
		id = c.Subject
	}
	if id == "" {
		return Principal{}, ErrInvalid
	}

	p := Principal{ID: id, Name: c.Name, Role: c.Role}
	if c.ExpiresAt != nil {
		p.ExpiresAt = c.ExpiresAt.Time
	}
	return p, nil
}

// ParseBearer extracts the token from an "Authorization: Bearer x" value.
func ParseBearer(header string) (string, error) {
	parts := strings.Fields(header)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
		return "", ErrUnauthenticated
	}
	return parts[1], nil
}

// Package auth verifies the bearer tokens the portal issues for the local
// API. Tokens are HS256 JWTs whose subject is the user id.
package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	medilink_errors "medilink-signal/pkg/errors"
)

type Claims struct {
	Email string `json:"email,omitempty"`
	jwt.RegisteredClaims
}

func (c Claims) UserID() string { return c.Subject }

type Verifier struct {
	secret []byte
	now    func() time.Time
}

func NewVerifier(secret string) (*Verifier, error) {
	if strings.TrimSpace(secret) == "" {
		return nil, errors.New("jwt secret is required")
	}
	return &Verifier{secret: []byte(secret), now: time.Now}, nil
}

func (v *Verifier) Parse(tokenString string) (Claims, error) {
	if tokenString == "" {
		return Claims{}, medilink_errors.ErrUnauthorized
	}
	parsed, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, medilink_errors.ErrUnauthorized
		}
		return v.secret, nil
	}, jwt.WithTimeFunc(v.now))
	if err != nil {
		return Claims{}, fmt.Errorf("%w: %v", medilink_errors.ErrUnauthorized, err)
	}

	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid || claims.Subject == "" {
		return Claims{}, medilink_errors.ErrUnauthorized
	}
	return *claims, nil
}

// Issue signs a token for userID. The agent only verifies tokens; Issue
// exists for tooling and tests.
func (v *Verifier) Issue(userID, email string, ttl time.Duration) (string, error) {
	now := v.now()
	claims := Claims{
		Email: email,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(v.secret)
}

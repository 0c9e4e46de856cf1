package auth

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"

	medilink_errors "medilink-signal/pkg/errors"
)

func TestVerifierRoundTrip(t *testing.T) {
	v, err := NewVerifier("s3cret")
	require.NoError(t, err)

	token, err := v.Issue("pt-1", "pt@example.com", time.Hour)
	require.NoError(t, err)

	claims, err := v.Parse(token)
	require.NoError(t, err)
	require.Equal(t, "pt-1", claims.UserID())
	require.Equal(t, "pt@example.com", claims.Email)
}

func TestVerifierRejects(t *testing.T) {
	v, err := NewVerifier("s3cret")
	require.NoError(t, err)
	other, err := NewVerifier("other")
	require.NoError(t, err)

	foreign, err := other.Issue("pt-1", "", time.Hour)
	require.NoError(t, err)
	expired, err := v.Issue("pt-1", "", -time.Minute)
	require.NoError(t, err)
	noSubject, err := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{}).SignedString([]byte("s3cret"))
	require.NoError(t, err)

	for name, token := range map[string]string{
		"empty":      "",
		"garbage":    "not.a.jwt",
		"wrong key":  foreign,
		"expired":    expired,
		"no subject": noSubject,
	} {
		_, err := v.Parse(token)
		require.ErrorIs(t, err, medilink_errors.ErrUnauthorized, name)
	}
}

func TestNewVerifierRequiresSecret(t *testing.T) {
	_, err := NewVerifier("  ")
	require.Error(t, err)
}

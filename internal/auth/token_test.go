// ABOUTME: Unit tests for JWT token verification and generation
// ABOUTME: Tests valid tokens, bound user IDs, invalid and expired tokens

package auth

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestVerifier(t *testing.T, secret string) *JWTVerifier {
	t.Helper()
	v, err := NewJWTVerifier([]byte(secret))
	require.NoError(t, err)
	return v
}

func TestJWTVerifier_ValidToken(t *testing.T) {
	verifier := newTestVerifier(t, "test-secret-key-for-jwt-signing")

	token, err := verifier.Generate("ops-bot", "", time.Hour)
	require.NoError(t, err)

	claims, err := verifier.Verify(token)
	require.NoError(t, err)
	assert.Equal(t, "ops-bot", claims.Subject)
	assert.Nil(t, claims.UserID)
}

func TestJWTVerifier_BoundUser(t *testing.T) {
	verifier := newTestVerifier(t, "test-secret-key-for-jwt-signing")

	token, err := verifier.Generate("ada", "user-123", time.Hour)
	require.NoError(t, err)

	claims, err := verifier.Verify(token)
	require.NoError(t, err)
	require.NotNil(t, claims.UserID)
	assert.Equal(t, "user-123", *claims.UserID)
}

func TestJWTVerifier_InvalidToken(t *testing.T) {
	verifier := newTestVerifier(t, "test-secret-key-for-jwt-signing")

	other := newTestVerifier(t, "different-secret")
	wrongSecret, err := other.Generate("ops-bot", "", time.Hour)
	require.NoError(t, err)

	foreign := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"iss": "someone-else",
		"sub": "ops-bot",
		"exp": time.Now().Add(time.Hour).Unix(),
	})
	wrongIssuer, err := foreign.SignedString([]byte("test-secret-key-for-jwt-signing"))
	require.NoError(t, err)

	tests := []struct {
		name  string
		token string
	}{
		{name: "empty token", token: ""},
		{name: "garbage token", token: "not-a-jwt-token"},
		{name: "malformed JWT", token: "header.payload.signature"},
		{name: "wrong secret", token: wrongSecret},
		{name: "wrong issuer", token: wrongIssuer},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := verifier.Verify(tt.token)
			assert.ErrorIs(t, err, ErrInvalidToken)
		})
	}
}

func TestJWTVerifier_ExpiredToken(t *testing.T) {
	verifier := newTestVerifier(t, "test-secret-key-for-jwt-signing")

	token, err := verifier.Generate("ops-bot", "", -time.Hour)
	require.NoError(t, err)

	_, err = verifier.Verify(token)
	assert.ErrorIs(t, err, ErrExpiredToken)
}

func TestJWTVerifier_MissingSubject(t *testing.T) {
	verifier := newTestVerifier(t, "s")

	_, err := verifier.Generate("", "", time.Hour)
	assert.ErrorIs(t, err, ErrMissingClaim)

	raw := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"iss": issuer,
		"exp": time.Now().Add(time.Hour).Unix(),
	})
	token, err := raw.SignedString([]byte("s"))
	require.NoError(t, err)

	_, err = verifier.Verify(token)
	assert.ErrorIs(t, err, ErrMissingClaim)
}

func TestNewJWTVerifier_EmptySecret(t *testing.T) {
	_, err := NewJWTVerifier(nil)
	assert.ErrorIs(t, err, ErrNoSecret)
}

package auth

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "test-secret"

func signToken(t *testing.T, secret string, c jwt.MapClaims) string {
	t.Helper()
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, c).SignedString([]byte(secret))
	require.NoError(t, err)
	return token
}

func TestVerify_ValidToken(t *testing.T) {
	v := NewVerifier(testSecret)
	token := signToken(t, testSecret, jwt.MapClaims{
		"user_id": "u-1",
		"name":    "Alice",
		"role":    "courier",
		"exp":     time.Now().Add(time.Hour).Unix(),
	})

	p, err := v.Verify(token)
	require.NoError(t, err)
	assert.Equal(t, "u-1", p.ID)
	assert.Equal(t, "Alice", p.Name)
	assert.Equal(t, "courier", p.Role)
	assert.WithinDuration(t, time.Now().Add(time.Hour), p.ExpiresAt, 5*time.Second)
}

func TestVerify_SubjectFallback(t *testing.T) {
	v := NewVerifier(testSecret)
	token := signToken(t, testSecret, jwt.MapClaims{
		"sub": "subject-1",
		"exp": time.Now().Add(time.Hour).Unix(),
	})

	p, err := v.Verify(token)
	require.NoError(t, err)
	assert.Equal(t, "subject-1", p.ID)
}

func TestVerify_EmptyToken(t *testing.T) {
	v := NewVerifier(testSecret)
	_, err := v.Verify("")
	assert.ErrorIs(t, err, ErrUnauthenticated)

	_, err = v.Verify("   ")
	assert.ErrorIs(t, err, ErrUnauthenticated)
}

func TestVerify_Malformed(t *testing.T) {
	v := NewVerifier(testSecret)
	_, err := v.Verify("not.a.token")
	assert.ErrorIs(t, err, ErrUnauthenticated)
}

func TestVerify_WrongSignature(t *testing.T) {
	v := NewVerifier(testSecret)
	token := signToken(t, "other-secret", jwt.MapClaims{
		"user_id": "u-1",
		"exp":     time.Now().Add(time.Hour).Unix(),
	})

	_, err := v.Verify(token)
	assert.ErrorIs(t, err, ErrInvalid)
}

func TestVerify_Expired(t *testing.T) {
	v := NewVerifier(testSecret)
	token := signToken(t, testSecret, jwt.MapClaims{
		"user_id": "u-1",
		"exp":     time.Now().Add(-time.Hour).Unix(),
	})

	_, err := v.Verify(token)
	assert.ErrorIs(t, err, ErrExpired)
}

func TestVerify_ExpiredAgainstInjectedClock(t *testing.T) {
	v := NewVerifier(testSecret)
	v.now = func() time.Time { return time.Now().Add(48 * time.Hour) }
	token := signToken(t, testSecret, jwt.MapClaims{
		"user_id": "u-1",
		"exp":     time.Now().Add(time.Hour).Unix(),
	})

	_, err := v.Verify(token)
	assert.ErrorIs(t, err, ErrExpired)
}

func TestVerify_MissingIdentity(t *testing.T) {
	v := NewVerifier(testSecret)
	token := signToken(t, testSecret, jwt.MapClaims{
		"exp": time.Now().Add(time.Hour).Unix(),
	})

	_, err := v.Verify(token)
	assert.ErrorIs(t, err, ErrInvalid)
}

func TestVerify_RejectsNoneAlgorithm(t *testing.T) {
	v := NewVerifier(testSecret)
	token, err := jwt.NewWithClaims(jwt.SigningMethodNone, jwt.MapClaims{
		"user_id": "u-1",
	}).SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)

	_, err = v.Verify(token)
	assert.ErrorIs(t, err, ErrInvalid)
}

func TestParseBearer(t *testing.T) {
	token, err := ParseBearer("Bearer abc123")
	require.NoError(t, err)
	assert.Equal(t, "abc123", token)

	token, err = ParseBearer("bearer abc123")
	require.NoError(t, err)
	assert.Equal(t, "abc123", token)

	_, err = ParseBearer("Bearer")
	assert.ErrorIs(t, err, ErrUnauthenticated)

	_, err = ParseBearer("Basic abc123")
	assert.ErrorIs(t, err, ErrUnauthenticated)

	_, err = ParseBearer("")
	assert.ErrorIs(t, err, ErrUnauthenticated)
}

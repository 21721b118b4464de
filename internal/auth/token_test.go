package auth

import (
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"
)

const testSecret = "test-secret-0123456789abcdef-0123456789"

func newTestCodec(now func() time.Time) *TokenCodec {
	return NewTokenCodec(TokenConfig{
		Secret:   testSecret,
		Issuer:   "garden-api",
		Audience: "garden-clients",
		TTL:      15 * time.Minute,
	}).WithClock(now)
}

func testUser() User {
	return User{
		ID:       "0190a4d2-7b1c-7c3e-9a61-1f2e3d4c5b6a",
		Username: "alice",
		Email:    "alice@garden.example",
		Role:     RoleStaff,
		Active:   true,
	}
}

func TestTokenCodecRoundTrip(t *testing.T) {
	issuedAt := time.Date(2026, 4, 2, 9, 30, 0, 0, time.UTC)
	codec := newTestCodec(func() time.Time { return issuedAt })

	token, expiresAt, err := codec.Issue(testUser())
	require.NoError(t, err)
	require.Equal(t, issuedAt.Add(15*time.Minute), expiresAt)

	claims, ok := codec.Validate(token)
	require.True(t, ok)
	require.Equal(t, testUser().ID, claims.Subject)
	require.Equal(t, "alice", claims.Name)
	require.Equal(t, "alice@garden.example", claims.Email)
	require.Equal(t, RoleStaff, claims.Role)
	require.NotEmpty(t, claims.ID)
	require.Equal(t, issuedAt, claims.IssuedAt.Time.UTC())
	require.Equal(t, expiresAt, claims.ExpiresAt.Time.UTC())
}

func TestTokenCodecUniqueJTI(t *testing.T) {
	codec := newTestCodec(time.Now)

	first, _, err := codec.Issue(testUser())
	require.NoError(t, err)
	second, _, err := codec.Issue(testUser())
	require.NoError(t, err)

	a, ok := codec.Validate(first)
	require.True(t, ok)
	b, ok := codec.Validate(second)
	require.True(t, ok)
	require.NotEqual(t, a.ID, b.ID)
}

func TestTokenCodecRejectsExpired(t *testing.T) {
	now := time.Date(2026, 4, 2, 9, 30, 0, 0, time.UTC)
	codec := newTestCodec(func() time.Time { return now })

	token, _, err := codec.Issue(testUser())
	require.NoError(t, err)

	now = now.Add(15 * time.Minute)
	_, ok := codec.Validate(token)
	require.False(t, ok, "token must be invalid exactly at expiry")

	now = now.Add(time.Hour)
	_, ok = codec.Validate(token)
	require.False(t, ok)
}

func TestTokenCodecRejectsTampering(t *testing.T) {
	now := func() time.Time { return time.Date(2026, 4, 2, 9, 30, 0, 0, time.UTC) }
	codec := newTestCodec(now)
	token, _, err := codec.Issue(testUser())
	require.NoError(t, err)

	otherSecret := NewTokenCodec(TokenConfig{Secret: "another-secret-0123456789abcdef", Issuer: "garden-api", Audience: "garden-clients"}).WithClock(now)
	otherIssuer := NewTokenCodec(TokenConfig{Secret: testSecret, Issuer: "someone-else", Audience: "garden-clients"}).WithClock(now)
	otherAudience := NewTokenCodec(TokenConfig{Secret: testSecret, Issuer: "garden-api", Audience: "other-clients"}).WithClock(now)

	for name, c := range map[string]*TokenCodec{"secret": otherSecret, "issuer": otherIssuer, "audience": otherAudience} {
		_, ok := c.Validate(token)
		require.False(t, ok, name)
	}

	parts := strings.Split(token, ".")
	require.Len(t, parts, 3)
	_, ok := codec.Validate(parts[0] + "." + parts[1] + ".AAAA")
	require.False(t, ok)
}

func TestTokenCodecRejectsMalformedAndNoneAlg(t *testing.T) {
	now := func() time.Time { return time.Date(2026, 4, 2, 9, 30, 0, 0, time.UTC) }
	codec := newTestCodec(now)

	for _, token := range []string{"", "garbage", "a.b.c", "Bearer x.y.z"} {
		_, ok := codec.Validate(token)
		require.False(t, ok, token)
	}

	claims := Claims{
		Role: RoleAdmin,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "attacker",
			Issuer:    "garden-api",
			Audience:  jwt.ClaimStrings{"garden-clients"},
			IssuedAt:  jwt.NewNumericDate(now()),
			ExpiresAt: jwt.NewNumericDate(now().Add(time.Hour)),
		},
	}
	unsigned, err := jwt.NewWithClaims(jwt.SigningMethodNone, claims).SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)
	_, ok := codec.Validate(unsigned)
	require.False(t, ok)
}

func TestTokenCodecMissingSecret(t *testing.T) {
	codec := NewTokenCodec(TokenConfig{Issuer: "garden-api", Audience: "garden-clients"})

	_, _, err := codec.Issue(testUser())
	require.ErrorIs(t, err, ErrMissingSigningKey)

	_, ok := codec.Validate("x.y.z")
	require.False(t, ok)
}

package auth

import (
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "test-secret"

type fakeClock struct{ t time.Time }

func (c *fakeClock) Now() time.Time { return c.t }

func newClockedService(secret string) (*TokenService, *fakeClock) {
	clock := &fakeClock{t: time.Unix(1_700_000_000, 0)}
	return NewTokenService(StaticKeys(secret, "HS256"), WithClock(clock.Now)), clock
}

func TestToken_IssueValidate(t *testing.T) {
	svc, _ := newClockedService(testSecret)
	sub := uuid.NewString()

	token, err := svc.Issue(sub, time.Minute)
	require.NoError(t, err)

	got, err := svc.Validate(token)
	require.NoError(t, err)
	assert.Equal(t, sub, got)
}

func TestToken_ExpiryIsStrict(t *testing.T) {
	svc, clock := newClockedService(testSecret)
	issued := clock.t

	token, err := svc.Issue("u1", time.Minute)
	require.NoError(t, err)

	clock.t = issued.Add(time.Minute)
	_, err = svc.Validate(token)
	assert.NoError(t, err, "exp == now is still valid")

	clock.t = issued.Add(time.Minute + time.Second)
	_, err = svc.Validate(token)
	assert.ErrorIs(t, err, ErrUnauthorized)
}

func TestToken_Claims(t *testing.T) {
	svc, clock := newClockedService(testSecret)
	token, err := svc.Issue("u1", time.Hour)
	require.NoError(t, err)

	claims := jwt.RegisteredClaims{}
	_, _, err = jwt.NewParser().ParseUnverified(token, &claims)
	require.NoError(t, err)
	assert.Equal(t, "u1", claims.Subject)
	assert.Equal(t, clock.t.Unix(), claims.IssuedAt.Unix())
	assert.Equal(t, clock.t.Add(time.Hour).Unix(), claims.ExpiresAt.Unix())
}

func TestToken_RejectionsAreGeneric(t *testing.T) {
	svc, clock := newClockedService(testSecret)
	other, _ := newClockedService("another-secret")

	good, err := svc.Issue("u1", time.Minute)
	require.NoError(t, err)
	foreign, err := other.Issue("u1", time.Minute)
	require.NoError(t, err)

	parts := strings.Split(good, ".")
	require.Len(t, parts, 3)
	forgedPayload := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   "u2",
		ExpiresAt: jwt.NewNumericDate(clock.t.Add(time.Hour)),
	})
	forged, err := forgedPayload.SignedString([]byte("x"))
	require.NoError(t, err)
	tampered := parts[0] + "." + strings.Split(forged, ".")[1] + "." + parts[2]

	noSubject, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		ExpiresAt: jwt.NewNumericDate(clock.t.Add(time.Hour)),
	}).SignedString([]byte(testSecret))
	require.NoError(t, err)

	noExpiry, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject: "u1",
	}).SignedString([]byte(testSecret))
	require.NoError(t, err)

	noneAlg, err := jwt.NewWithClaims(jwt.SigningMethodNone, jwt.RegisteredClaims{
		Subject:   "u1",
		ExpiresAt: jwt.NewNumericDate(clock.t.Add(time.Hour)),
	}).SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)

	cases := map[string]string{
		"other secret": foreign,
		"tampered":     tampered,
		"malformed":    "invalid.token.here",
		"empty":        "",
		"no subject":   noSubject,
		"no expiry":    noExpiry,
		"alg none":     noneAlg,
	}
	for name, token := range cases {
		t.Run(name, func(t *testing.T) {
			sub, err := svc.Validate(token)
			assert.Empty(t, sub)
			assert.Equal(t, ErrUnauthorized, err)
		})
	}
}

func TestToken_KeysReadAtCallTime(t *testing.T) {
	secret := "first"
	svc := NewTokenService(func() (string, string) { return secret, "HS256" })

	token, err := svc.Issue("u1", time.Minute)
	require.NoError(t, err)
	_, err = svc.Validate(token)
	require.NoError(t, err)

	secret = "rotated"
	_, err = svc.Validate(token)
	assert.ErrorIs(t, err, ErrUnauthorized)

	token, err = svc.Issue("u1", time.Minute)
	require.NoError(t, err)
	_, err = svc.Validate(token)
	assert.NoError(t, err)
}

func TestToken_IssueErrors(t *testing.T) {
	svc, _ := newClockedService(testSecret)
	_, err := svc.Issue("", time.Minute)
	assert.Error(t, err)
	_, err = svc.Issue("u1", 0)
	assert.Error(t, err)

	empty := NewTokenService(StaticKeys("", "HS256"))
	_, err = empty.Issue("u1", time.Minute)
	assert.Error(t, err)

	rsa := NewTokenService(StaticKeys(testSecret, "RS256"))
	_, err = rsa.Issue("u1", time.Minute)
	assert.Error(t, err)
}

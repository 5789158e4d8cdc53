package auth

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testAdapterSecret = "adapter-secret-at-least-32-bytes-long!!"
	testClientSecret  = "client-secret-at-least-32-bytes-long!!!"
)

func TestParseRole(t *testing.T) {
	assert.Equal(t, RoleGuest, ParseRole("guest"))
	assert.Equal(t, RolePlayer, ParseRole("player"))
	assert.Equal(t, RoleAdmin, ParseRole("admin"))
	assert.Equal(t, RoleAdmin, ParseRole("operator"))
	assert.Equal(t, RoleSystem, ParseRole("SYSTEM"))
	assert.Equal(t, RoleGuest, ParseRole("nonsense"))
}

func TestRoleCapabilities(t *testing.T) {
	assert.True(t, RoleSystem.CanSendToAdapters())
	assert.False(t, RoleAdmin.CanSendToAdapters())
	assert.True(t, RoleAdmin.CanReceiveAllEvents())
	assert.True(t, RoleSystem.CanReceiveAllEvents())
	assert.False(t, RolePlayer.CanReceiveAllEvents())
	assert.False(t, RoleGuest.RequiresAuthentication())
	assert.True(t, RolePlayer.RequiresAuthentication())
}

func TestAdapterTokenRoundTrip(t *testing.T) {
	svc := NewService(testAdapterSecret, testClientSecret)
	name := "Survival Server"

	token, err := svc.CreateAdapterToken("srv-1", &name, 30)
	require.NoError(t, err)

	validated, err := svc.VerifyAdapterToken(token)
	require.NoError(t, err)
	assert.Equal(t, "srv-1", validated.ServerID)
	require.NotNil(t, validated.ServerName)
	assert.Equal(t, name, *validated.ServerName)
}

func TestAdapterTokenWrongSecretFails(t *testing.T) {
	svc := NewService(testAdapterSecret, testClientSecret)
	token, err := svc.CreateAdapterToken("srv-1", nil, 30)
	require.NoError(t, err)

	other := NewService("a-totally-different-secret-32-bytes!!", testClientSecret)
	_, err = other.VerifyAdapterToken(token)
	assert.Error(t, err)
	assert.Equal(t, uint64(1), other.FailureCount())
}

func TestAdapterTokenExpired(t *testing.T) {
	claims := AdapterClaims{
		ServerID: "srv-1",
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Hour)),
			IssuedAt:  jwt.NewNumericDate(time.Now().Add(-2 * time.Hour)),
		},
	}
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := tok.SignedString([]byte(testAdapterSecret))
	require.NoError(t, err)

	svc := NewService(testAdapterSecret, testClientSecret)
	_, err = svc.VerifyAdapterToken(signed)
	assert.Error(t, err)
}

func TestAdapterTokenMissingServerID(t *testing.T) {
	claims := AdapterClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	}
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := tok.SignedString([]byte(testAdapterSecret))
	require.NoError(t, err)

	svc := NewService(testAdapterSecret, testClientSecret)
	_, err = svc.VerifyAdapterToken(signed)
	assert.Error(t, err)
}

func TestClientTokenRoundTrip(t *testing.T) {
	svc := NewService(testAdapterSecret, testClientSecret)
	uid := "user-1"
	uname := "alice"

	token, err := svc.CreateClientToken(&uid, &uname, RoleAdmin, 24)
	require.NoError(t, err)

	validated, err := svc.VerifyClientToken(token)
	require.NoError(t, err)
	assert.Equal(t, RoleAdmin, validated.Role)
	require.NotNil(t, validated.UserID)
	assert.Equal(t, uid, *validated.UserID)
	require.NotNil(t, validated.Username)
	assert.Equal(t, uname, *validated.Username)
}

func TestClientTokenFailureCountResets(t *testing.T) {
	svc := NewService(testAdapterSecret, testClientSecret)
	_, err := svc.VerifyClientToken("not-a-jwt")
	assert.Error(t, err)
	assert.Equal(t, uint64(1), svc.FailureCount())

	svc.ResetFailureCount()
	assert.Equal(t, uint64(0), svc.FailureCount())
}

func TestSecretDigestRoundTrip(t *testing.T) {
	digest, err := SecretDigest(testAdapterSecret)
	require.NoError(t, err)
	assert.True(t, VerifySecretDigest(testAdapterSecret, digest))
	assert.False(t, VerifySecretDigest("wrong-secret", digest))
}

func TestFingerprintIsStableAndShort(t *testing.T) {
	a := fingerprint("some-token")
	b := fingerprint("some-token")
	c := fingerprint("a-different-token")
	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
	assert.Len(t, a, 16)
}

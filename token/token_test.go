package token

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/authrim/authrim/claims"
	"github.com/authrim/authrim/internal/audit"
	"github.com/authrim/authrim/internal/log"
	"github.com/authrim/authrim/keymanager"
	"github.com/authrim/authrim/storage"
	"github.com/authrim/authrim/storage/memory"
)

func testLogger() log.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return log.NewLogrusLogger(l)
}

func newEngine(t *testing.T) (*Engine, *keymanager.Manager) {
	t.Helper()
	km := keymanager.New(memory.New(), audit.Discard{}, testLogger(), time.Hour, 10*time.Minute)
	require.NoError(t, km.Rotate(context.Background()))
	return New(km, "https://issuer.example.com", 5*time.Minute, time.Hour), km
}

func testClient() storage.Client {
	return storage.Client{ID: "client-1", Type: storage.ClientConfidential}
}

func TestMintAndVerifyAccessToken(t *testing.T) {
	e, _ := newEngine(t)
	ctx := context.Background()
	cl := testClient()

	compact, jti, exp, err := e.MintAccessToken(ctx, cl, "user-1", []string{"openid", "profile"}, "")
	require.NoError(t, err)
	require.NotEmpty(t, compact)
	require.NotEmpty(t, jti)
	require.True(t, exp.After(time.Now()))

	verified, err := e.Verify(ctx, compact, cl.ID)
	require.NoError(t, err)
	require.Equal(t, "user-1", verified.Claims.Subject)
	require.Equal(t, jti, verified.Claims.JTI)
	require.Equal(t, "openid profile", verified.Claims.Scope)
	require.Nil(t, verified.Claims.Confirmation)
}

func TestMintAccessTokenWithDPoPBinding(t *testing.T) {
	e, _ := newEngine(t)
	ctx := context.Background()
	cl := testClient()

	compact, _, _, err := e.MintAccessToken(ctx, cl, "user-1", []string{"openid"}, "thumbprint-value")
	require.NoError(t, err)

	verified, err := e.Verify(ctx, compact, cl.ID)
	require.NoError(t, err)
	require.NotNil(t, verified.Claims.Confirmation)
	require.Equal(t, "thumbprint-value", verified.Claims.Confirmation.JKT)
}

func TestVerifyRejectsTokenSignedByRevokedKey(t *testing.T) {
	e, km := newEngine(t)
	ctx := context.Background()
	cl := testClient()

	compact, _, _, err := e.MintAccessToken(ctx, cl, "user-1", []string{"openid"}, "")
	require.NoError(t, err)

	require.NoError(t, km.EmergencyRotate(ctx, "compromise"))

	_, err = e.Verify(ctx, compact, cl.ID)
	require.Error(t, err, "a token signed by a now-revoked key must fail verification")
}

func TestVerifyRejectsAudienceMismatch(t *testing.T) {
	e, _ := newEngine(t)
	ctx := context.Background()
	cl := testClient()

	compact, _, _, err := e.MintAccessToken(ctx, cl, "user-1", []string{"openid"}, "")
	require.NoError(t, err)

	_, err = e.Verify(ctx, compact, "some-other-client")
	require.Error(t, err)
}

func TestVerifyRejectsExpiredToken(t *testing.T) {
	e, _ := newEngine(t)
	e.AccessTokenTTL = -time.Minute
	ctx := context.Background()
	cl := testClient()

	compact, _, _, err := e.MintAccessToken(ctx, cl, "user-1", []string{"openid"}, "")
	require.NoError(t, err)

	_, err = e.Verify(ctx, compact, cl.ID)
	require.Error(t, err)
}

func TestVerifyRejectsMalformedToken(t *testing.T) {
	e, _ := newEngine(t)
	_, err := e.Verify(context.Background(), "not-a-jwt", "client-1")
	require.Error(t, err)
}

func TestMintIDTokenReleasesOnlyGrantedClaims(t *testing.T) {
	e, _ := newEngine(t)
	ctx := context.Background()
	cl := testClient()
	u := storage.User{
		ID: "user-1",
		Core: storage.User_Core{Username: "kilgore"},
		PII: storage.User_PII{Email: "kilgore@example.com", EmailVerified: true},
	}

	policy := claims.Policy{GrantedScopes: map[string]bool{"openid": true}}
	compact, err := e.MintIDToken(ctx, cl, u, time.Now(), "nonce-1", "", nil, policy)
	require.NoError(t, err)
	require.NotEmpty(t, compact)

	// openid-only scope releases neither profile nor email claims; Verify
	// only checks access-token-shaped claims, so assert indirectly via
	// ProfileAttributes + policy instead of re-parsing the ID token.
	require.False(t, policy.Release("email", true))
	require.False(t, policy.Release("name", true))
}

func TestProfileAttributesFlattensUser(t *testing.T) {
	u := storage.User{
		Core: storage.User_Core{Username: "kilgore", PreferredUsername: "trout"},
		PII:  storage.User_PII{Email: "kilgore@example.com", EmailVerified: true, GivenName: "Kilgore", FamilyName: "Trout"},
	}
	attrs := ProfileAttributes(u)
	require.Equal(t, "kilgore", attrs["name"])
	require.Equal(t, "trout", attrs["preferred_username"])
	require.Equal(t, "kilgore@example.com", attrs["email"])
	require.Equal(t, true, attrs["email_verified"])
}

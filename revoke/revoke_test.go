package revoke

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/authrim/authrim/client"
	"github.com/authrim/authrim/ephemeral"
	"github.com/authrim/authrim/ephemeral/memory"
	"github.com/authrim/authrim/internal/audit"
	"github.com/authrim/authrim/internal/log"
	"github.com/authrim/authrim/keymanager"
	"github.com/authrim/authrim/refreshfamily"
	"github.com/authrim/authrim/storage"
	storagememory "github.com/authrim/authrim/storage/memory"
	"github.com/authrim/authrim/token"
)

func newFixture(t *testing.T) (*Service, *token.Engine, *refreshfamily.Store, ephemeral.Store, storage.Client) {
	t.Helper()
	ctx := context.Background()
	st := storagememory.New()

	hash, err := client.HashSecret("s3cret")
	require.NoError(t, err)
	cl := storage.Client{ID: "rp1", Type: storage.ClientConfidential, SecretHash: hash, AllowedScopes: []string{"openid"}}
	require.NoError(t, st.CreateClient(ctx, cl))

	clients := client.New(st)
	keys := keymanager.New(st, audit.Discard{}, log.NewDefault(), time.Hour, 10*time.Minute)
	require.NoError(t, keys.Rotate(ctx))
	tokens := token.New(keys, "https://authrim.example.com", time.Hour, time.Hour)
	refresh := refreshfamily.New(memory.New(), audit.Discard{}, 30*24*time.Hour)
	revocations := memory.New()

	return New(clients, tokens, refresh, revocations, audit.Discard{}), tokens, refresh, revocations, cl
}

func TestRevokeAccessTokenInsertsRevocation(t *testing.T) {
	s, tokens, _, revocations, cl := newFixture(t)
	ctx := context.Background()

	compact, jti, _, err := tokens.MintAccessToken(ctx, cl, "user1", []string{"openid"}, "")
	require.NoError(t, err)

	clientID, err := s.Authenticate(ctx, "rp1", "s3cret")
	require.NoError(t, err)

	s.Revoke(ctx, clientID, compact, "access_token")

	_, err = revocations.Get(ctx, "revoke:jti:"+jti)
	require.NoError(t, err)
}

func TestRevokeRefreshTokenKillsFamily(t *testing.T) {
	s, _, refresh, _, _ := newFixture(t)
	ctx := context.Background()

	f, err := refresh.Create(ctx, "rp1", "user1", []string{"openid"}, "tok1")
	require.NoError(t, err)
	rt := refreshfamily.FormatToken(f.FamilyID, "tok1")

	clientID, err := s.Authenticate(ctx, "rp1", "s3cret")
	require.NoError(t, err)

	s.Revoke(ctx, clientID, rt, "refresh_token")

	_, err = refresh.Rotate(ctx, f.FamilyID, "tok1", "tok2")
	require.Error(t, err)
}

func TestRevokeUnknownTokenIsNoop(t *testing.T) {
	s, _, _, _, _ := newFixture(t)
	ctx := context.Background()

	clientID, err := s.Authenticate(ctx, "rp1", "s3cret")
	require.NoError(t, err)

	require.NotPanics(t, func() {
		s.Revoke(ctx, clientID, "not-a-real-token", "")
	})
}

func TestAuthenticationFailure(t *testing.T) {
	s, _, _, _, _ := newFixture(t)
	ctx := context.Background()

	_, err := s.Authenticate(ctx, "rp1", "wrong-secret")
	require.Error(t, err)
}

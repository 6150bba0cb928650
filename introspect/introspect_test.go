package introspect

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/authrim/authrim/client"
	"github.com/authrim/authrim/ephemeral/memory"
	"github.com/authrim/authrim/internal/audit"
	"github.com/authrim/authrim/internal/log"
	"github.com/authrim/authrim/keymanager"
	"github.com/authrim/authrim/refreshfamily"
	"github.com/authrim/authrim/storage"
	storagememory "github.com/authrim/authrim/storage/memory"
	"github.com/authrim/authrim/token"
)

func newFixture(t *testing.T) (*Service, *client.Registry, *token.Engine, *refreshfamily.Store, storage.Client) {
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

	return New(clients, tokens, refresh, revocations), clients, tokens, refresh, cl
}

func TestIntrospectAccessToken(t *testing.T) {
	s, _, tokens, _, cl := newFixture(t)
	ctx := context.Background()

	compact, _, _, err := tokens.MintAccessToken(ctx, cl, "user1", []string{"openid"}, "")
	require.NoError(t, err)

	clientID, err := s.Authenticate(ctx, "rp1", "s3cret")
	require.NoError(t, err)

	resp, err := s.Introspect(ctx, clientID, compact, "access_token")
	require.NoError(t, err)
	require.True(t, resp.Active)
	require.Equal(t, "user1", resp.Subject)
}

func TestIntrospectUnknownTokenIsInactive(t *testing.T) {
	s, _, _, _, _ := newFixture(t)
	ctx := context.Background()

	clientID, err := s.Authenticate(ctx, "rp1", "s3cret")
	require.NoError(t, err)

	resp, err := s.Introspect(ctx, clientID, "not-a-real-token", "")
	require.NoError(t, err)
	require.False(t, resp.Active)
	require.Empty(t, resp.Scope)
}

func TestIntrospectAuthenticationFailure(t *testing.T) {
	s, _, _, _, _ := newFixture(t)
	ctx := context.Background()

	_, err := s.Authenticate(ctx, "rp1", "wrong-secret")
	require.Error(t, err)
}

func TestIntrospectRefreshToken(t *testing.T) {
	s, _, _, refresh, _ := newFixture(t)
	ctx := context.Background()

	f, err := refresh.Create(ctx, "rp1", "user1", []string{"openid"}, "tok1")
	require.NoError(t, err)
	rt := refreshfamily.FormatToken(f.FamilyID, "tok1")

	clientID, err := s.Authenticate(ctx, "rp1", "s3cret")
	require.NoError(t, err)

	resp, err := s.Introspect(ctx, clientID, rt, "refresh_token")
	require.NoError(t, err)
	require.True(t, resp.Active)
	require.Equal(t, "user1", resp.Subject)
}

func TestIntrospectWrongClientIsInactive(t *testing.T) {
	s, _, tokens, _, cl := newFixture(t)
	ctx := context.Background()

	compact, _, _, err := tokens.MintAccessToken(ctx, cl, "user1", []string{"openid"}, "")
	require.NoError(t, err)

	resp, err := s.Introspect(ctx, "someone-else", compact, "access_token")
	require.NoError(t, err)
	require.False(t, resp.Active)
}

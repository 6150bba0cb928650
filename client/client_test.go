package client

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/authrim/authrim/storage/memory"
	"github.com/authrim/authrim/storage"
)

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	return New(memory.New())
}

func TestAuthenticatePublicClient(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()
	require.NoError(t, r.Storage.CreateClient(ctx, storage.Client{ID: "spa", Type: storage.ClientPublic}))

	_, err := r.Authenticate(ctx, "spa", "")
	require.NoError(t, err)

	_, err = r.Authenticate(ctx, "spa", "anything")
	require.Error(t, err)
}

func TestAuthenticateConfidentialClient(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()
	hash, err := HashSecret("s3cret")
	require.NoError(t, err)
	require.NoError(t, r.Storage.CreateClient(ctx, storage.Client{ID: "svc", Type: storage.ClientConfidential, SecretHash: hash}))

	_, err = r.Authenticate(ctx, "svc", "s3cret")
	require.NoError(t, err)

	_, err = r.Authenticate(ctx, "svc", "wrong")
	require.Error(t, err)

	_, err = r.Authenticate(ctx, "svc", "")
	require.Error(t, err)
}

func TestValidateRedirectURI(t *testing.T) {
	r := newTestRegistry(t)
	cl := storage.Client{RedirectURIs: []string{"https://app.example.com/callback"}}

	require.NoError(t, r.ValidateRedirectURI(cl, "https://app.example.com/callback"))
	require.Error(t, r.ValidateRedirectURI(cl, "https://app.example.com/callback/"))
	require.Error(t, r.ValidateRedirectURI(cl, "https://evil.example.com/callback"))
}

func TestValidateScopes(t *testing.T) {
	r := newTestRegistry(t)
	cl := storage.Client{AllowedScopes: []string{"openid", "profile"}}

	require.NoError(t, r.ValidateScopes(cl, []string{"openid"}))
	require.Error(t, r.ValidateScopes(cl, []string{"openid", "admin"}))

	unrestricted := storage.Client{}
	require.NoError(t, r.ValidateScopes(unrestricted, []string{"anything"}))
}

func TestRequiresPKCE(t *testing.T) {
	require.True(t, RequiresPKCE(storage.Client{Type: storage.ClientPublic}))
	require.False(t, RequiresPKCE(storage.Client{Type: storage.ClientConfidential}))
	require.True(t, RequiresPKCE(storage.Client{Type: storage.ClientConfidential, RequirePKCE: true}))
}

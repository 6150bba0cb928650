package authcode

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/authrim/authrim/ephemeral/memory"
	"github.com/authrim/authrim/internal/audit"
)

func newStore() *Store {
	return New(memory.New(), audit.Discard{}, 10*time.Minute)
}

func TestCreateConsumeHappyPath(t *testing.T) {
	s := newStore()
	ctx := context.Background()
	code, err := s.Create(ctx, Record{ClientID: "c1", UserID: "u1", Scope: []string{"openid"}})
	require.NoError(t, err)

	rec, err := s.Consume(ctx, code, "c1", "")
	require.NoError(t, err)
	require.Equal(t, "u1", rec.UserID)
	require.True(t, rec.Used)
}

func TestConsumeTwiceFails(t *testing.T) {
	s := newStore()
	ctx := context.Background()
	code, err := s.Create(ctx, Record{ClientID: "c1", UserID: "u1"})
	require.NoError(t, err)

	_, err = s.Consume(ctx, code, "c1", "")
	require.NoError(t, err)

	_, err = s.Consume(ctx, code, "c1", "")
	require.Error(t, err)
}

func TestConsumeClientMismatch(t *testing.T) {
	s := newStore()
	ctx := context.Background()
	code, err := s.Create(ctx, Record{ClientID: "c1", UserID: "u1"})
	require.NoError(t, err)

	_, err = s.Consume(ctx, code, "c2", "")
	require.Error(t, err)
}

func TestConsumePKCE_S256(t *testing.T) {
	s := newStore()
	ctx := context.Background()

	verifier := "a-random-code-verifier-value-1234567890"
	sum := sha256.Sum256([]byte(verifier))
	challenge := base64.RawURLEncoding.EncodeToString(sum[:])

	code, err := s.Create(ctx, Record{
		ClientID: "c1", UserID: "u1",
		CodeChallenge: challenge, CodeChallengeMethod: "S256",
	})
	require.NoError(t, err)

	_, err = s.Consume(ctx, code, "c1", "wrong-verifier")
	require.Error(t, err)

	code2, err := s.Create(ctx, Record{
		ClientID: "c1", UserID: "u1",
		CodeChallenge: challenge, CodeChallengeMethod: "S256",
	})
	require.NoError(t, err)

	_, err = s.Consume(ctx, code2, "c1", verifier)
	require.NoError(t, err)
}

func TestOnReuseCallback(t *testing.T) {
	s := newStore()
	ctx := context.Background()
	code, err := s.Create(ctx, Record{ClientID: "c1", UserID: "u1"})
	require.NoError(t, err)

	called := false
	s.OnReuse = func(context.Context, Record) { called = true }

	_, err = s.Consume(ctx, code, "c1", "")
	require.NoError(t, err)
	_, err = s.Consume(ctx, code, "c1", "")
	require.Error(t, err)
	require.True(t, called)
}

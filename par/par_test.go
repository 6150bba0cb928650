package par

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/authrim/authrim/ephemeral/memory"
)

func newStore() *Store {
	return New(memory.New(), 90*time.Second)
}

func TestPushConsumeHappyPath(t *testing.T) {
	s := newStore()
	ctx := context.Background()

	uri, exp, err := s.Push(ctx, Request{ClientID: "c1", ResponseType: "code", Scope: "openid"})
	require.NoError(t, err)
	require.Contains(t, uri, requestURIPrefix)
	require.True(t, exp.After(time.Now()))

	req, err := s.Consume(ctx, "c1", uri)
	require.NoError(t, err)
	require.Equal(t, "openid", req.Scope)
}

func TestConsumeTwiceFails(t *testing.T) {
	s := newStore()
	ctx := context.Background()

	uri, _, err := s.Push(ctx, Request{ClientID: "c1"})
	require.NoError(t, err)

	_, err = s.Consume(ctx, "c1", uri)
	require.NoError(t, err)

	_, err = s.Consume(ctx, "c1", uri)
	require.Error(t, err)
}

func TestConsumeClientMismatch(t *testing.T) {
	s := newStore()
	ctx := context.Background()

	uri, _, err := s.Push(ctx, Request{ClientID: "c1"})
	require.NoError(t, err)

	_, err = s.Consume(ctx, "c2", uri)
	require.Error(t, err)
}

func TestConsumeUnknownURI(t *testing.T) {
	s := newStore()
	ctx := context.Background()

	_, err := s.Consume(ctx, "c1", requestURIPrefix+"does-not-exist")
	require.Error(t, err)
}

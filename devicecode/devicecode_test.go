package devicecode

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/authrim/authrim/ephemeral/memory"
)

func newStore() *Store {
	return New(memory.New(), 10*time.Minute, 0)
}

func TestCreateLookupApprovePoll(t *testing.T) {
	s := newStore()
	ctx := context.Background()

	rec, err := s.Create(ctx, "c1", []string{"openid"})
	require.NoError(t, err)
	require.NotEmpty(t, rec.DeviceCode)
	require.NotEmpty(t, rec.UserCode)

	found, err := s.Lookup(ctx, rec.UserCode)
	require.NoError(t, err)
	require.Equal(t, rec.DeviceCode, found.DeviceCode)

	// pending: poll returns authorization_pending
	_, err = s.Poll(ctx, rec.DeviceCode, "c1")
	require.Error(t, err)

	require.NoError(t, s.Approve(ctx, rec.UserCode, "u1"))

	polled, err := s.Poll(ctx, rec.DeviceCode, "c1")
	require.NoError(t, err)
	require.Equal(t, "u1", polled.UserID)

	// single use: second poll fails since the record is gone
	_, err = s.Poll(ctx, rec.DeviceCode, "c1")
	require.Error(t, err)
}

func TestLookupNormalizesUserCode(t *testing.T) {
	s := newStore()
	ctx := context.Background()

	rec, err := s.Create(ctx, "c1", nil)
	require.NoError(t, err)

	found, err := s.Lookup(ctx, rec.UserCode) // already canonical form
	require.NoError(t, err)
	require.Equal(t, rec.DeviceCode, found.DeviceCode)
}

func TestDeny(t *testing.T) {
	s := newStore()
	ctx := context.Background()

	rec, err := s.Create(ctx, "c1", nil)
	require.NoError(t, err)
	require.NoError(t, s.Deny(ctx, rec.UserCode))

	_, err = s.Poll(ctx, rec.DeviceCode, "c1")
	require.Error(t, err)
}

func TestPollClientMismatch(t *testing.T) {
	s := newStore()
	ctx := context.Background()

	rec, err := s.Create(ctx, "c1", nil)
	require.NoError(t, err)

	_, err = s.Poll(ctx, rec.DeviceCode, "c2")
	require.Error(t, err)
}

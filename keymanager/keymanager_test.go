package keymanager

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/kylelemons/godebug/pretty"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/authrim/authrim/internal/audit"
	"github.com/authrim/authrim/internal/log"
	"github.com/authrim/authrim/storage"
	"github.com/authrim/authrim/storage/memory"
)

func testLogger() log.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return log.NewLogrusLogger(l)
}

func newManager() *Manager {
	return New(memory.New(), audit.Discard{}, testLogger(), time.Hour, 10*time.Minute)
}

func TestRotateProducesExactlyOneActiveKey(t *testing.T) {
	m := newManager()
	ctx := context.Background()

	require.NoError(t, m.Rotate(ctx))

	keys, err := m.Storage.GetKeys(ctx)
	require.NoError(t, err)

	active := 0
	for _, k := range keys.Keys {
		if k.Status == storage.KeyActive {
			active++
		}
	}
	require.Equal(t, 1, active)
}

func TestRotateIsNoopBeforeNextRotation(t *testing.T) {
	m := newManager()
	ctx := context.Background()

	require.NoError(t, m.Rotate(ctx))
	first, err := m.Storage.GetKeys(ctx)
	require.NoError(t, err)

	// RotationFrequency is an hour; rotating again immediately must not
	// change the ring.
	require.NoError(t, m.Rotate(ctx))
	second, err := m.Storage.GetKeys(ctx)
	require.NoError(t, err)
	require.Equal(t, first, second)
}

func TestRotateDemotesActiveToOverlap(t *testing.T) {
	m := newManager()
	m.now = func() time.Time { return time.Unix(0, 0) }
	ctx := context.Background()

	require.NoError(t, m.Rotate(ctx))
	firstActive, err := m.Active(ctx)
	require.NoError(t, err)

	// Force the next rotation to be due.
	m.now = func() time.Time { return time.Unix(0, 0).Add(2 * time.Hour) }
	require.NoError(t, m.Rotate(ctx))

	keys, err := m.Storage.GetKeys(ctx)
	require.NoError(t, err)

	var foundOverlap bool
	for _, k := range keys.Keys {
		if k.ID == firstActive.ID {
			require.Equal(t, storage.KeyOverlap, k.Status)
			require.Nil(t, k.PrivateJWK)
			foundOverlap = true
		}
	}
	require.True(t, foundOverlap, "previously active key must be retained as overlap")

	newActive, err := m.Active(ctx)
	require.NoError(t, err)
	require.NotEqual(t, firstActive.ID, newActive.ID)
}

func TestEmergencyRotateRevokesRatherThanOverlaps(t *testing.T) {
	m := newManager()
	ctx := context.Background()

	require.NoError(t, m.Rotate(ctx))
	active, err := m.Active(ctx)
	require.NoError(t, err)

	require.NoError(t, m.EmergencyRotate(ctx, "suspected compromise"))

	keys, err := m.Storage.GetKeys(ctx)
	require.NoError(t, err)

	var revoked bool
	for _, k := range keys.Keys {
		if k.ID == active.ID {
			require.Equal(t, storage.KeyRevoked, k.Status)
			require.Nil(t, k.PrivateJWK)
			require.Equal(t, "suspected compromise", k.RevokedReason)
			revoked = true
		}
	}
	require.True(t, revoked)

	newActive, err := m.Active(ctx)
	require.NoError(t, err)
	require.NotEqual(t, active.ID, newActive.ID)
}

func TestRevokedKeyFailsLookupVerification(t *testing.T) {
	m := newManager()
	ctx := context.Background()

	require.NoError(t, m.Rotate(ctx))
	active, err := m.Active(ctx)
	require.NoError(t, err)
	require.NoError(t, m.EmergencyRotate(ctx, "compromise"))

	key, err := m.Lookup(ctx, active.ID)
	require.NoError(t, err)
	require.Equal(t, storage.KeyRevoked, key.Status)
}

func TestJWKSExcludesRevokedAndPrivateMaterial(t *testing.T) {
	m := newManager()
	ctx := context.Background()

	require.NoError(t, m.Rotate(ctx))
	active, err := m.Active(ctx)
	require.NoError(t, err)
	require.NoError(t, m.EmergencyRotate(ctx, "compromise"))

	set, err := m.JWKS(ctx)
	require.NoError(t, err)

	for _, jwk := range set.Keys {
		require.NotEqual(t, active.ID, jwk.KeyID, "revoked key must not appear in the JWKS")
		require.True(t, jwk.IsPublic(), "JWKS must only carry public keys")
	}
	require.Len(t, set.Keys, 1, "exactly the new active key should be published")
}

func TestLookupUnknownKidFails(t *testing.T) {
	m := newManager()
	ctx := context.Background()
	require.NoError(t, m.Rotate(ctx))

	_, err := m.Lookup(ctx, "does-not-exist")
	require.Error(t, err)
}

// jwksKeyIDs reduces a JWKS to its sorted kid list, the structural shape
// pretty.Compare diffs below — the exact key material is non-deterministic
// (a fresh RSA key per rotation) so comparing whole JWKS documents would
// never stabilize.
func jwksKeyIDs(t *testing.T, m *Manager) []string {
	t.Helper()
	set, err := m.JWKS(context.Background())
	require.NoError(t, err)
	ids := make([]string, len(set.Keys))
	for i, k := range set.Keys {
		ids[i] = k.KeyID
	}
	return ids
}

func TestJWKSDiffReflectsOnlyTheRotationThatOccurred(t *testing.T) {
	m := newManager()
	m.now = func() time.Time { return time.Unix(0, 0) }
	ctx := context.Background()
	require.NoError(t, m.Rotate(ctx))

	before := jwksKeyIDs(t, m)
	if diff := pretty.Compare(before, before); diff != "" {
		t.Fatalf("JWKS key-id set must diff empty against itself, got:\n%s", diff)
	}

	m.now = func() time.Time { return time.Unix(0, 0).Add(2 * time.Hour) }
	require.NoError(t, m.Rotate(ctx))
	after := jwksKeyIDs(t, m)

	diff := pretty.Compare(before, after)
	if diff == "" {
		t.Fatal("expected the JWKS key-id set to change after a rotation added a new key")
	}
	require.Len(t, after, len(before)+1, "rotation demotes the old key to overlap rather than dropping it")
}

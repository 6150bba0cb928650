package refreshfamily

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/authrim/authrim/ephemeral/memory"
	"github.com/authrim/authrim/internal/audit"
)

func newStore() *Store {
	return New(memory.New(), audit.Discard{}, time.Hour)
}

func TestFormatAndParseTokenRoundTrip(t *testing.T) {
	token := FormatToken("family-1", "tok-1")
	familyID, tokenID, ok := ParseToken(token)
	require.True(t, ok)
	require.Equal(t, "family-1", familyID)
	require.Equal(t, "tok-1", tokenID)
}

func TestParseTokenRejectsMalformed(t *testing.T) {
	for _, bad := range []string{"", "no-separator", ".leading-dot", "trailing-dot."} {
		_, _, ok := ParseToken(bad)
		require.False(t, ok, "expected %q to be rejected", bad)
	}
}

func TestCreateAndGet(t *testing.T) {
	s := newStore()
	ctx := context.Background()

	f, err := s.Create(ctx, "client-1", "user-1", []string{"openid"}, "tok-1")
	require.NoError(t, err)
	require.Equal(t, "tok-1", f.Current)
	require.False(t, f.Revoked)

	got, err := s.Get(ctx, f.FamilyID)
	require.NoError(t, err)
	require.Equal(t, f.FamilyID, got.FamilyID)
	require.Equal(t, f.ClientID, got.ClientID)
	require.Equal(t, f.UserID, got.UserID)
	require.Equal(t, f.Current, got.Current)
}

func TestRotateAdvancesCurrentToken(t *testing.T) {
	s := newStore()
	ctx := context.Background()

	f, err := s.Create(ctx, "client-1", "user-1", []string{"openid"}, "tok-1")
	require.NoError(t, err)

	updated, err := s.Rotate(ctx, f.FamilyID, "tok-1", "tok-2")
	require.NoError(t, err)
	require.Equal(t, "tok-2", updated.Current)
	require.Equal(t, []string{"tok-1"}, updated.Superseded)
	require.False(t, updated.Revoked)
}

// TestReuseOfSupersededTokenKillsWholeFamily exercises the family's core
// invariant: presenting any token other than the current one — including a
// token that was once valid but has since been superseded — revokes the
// entire family, so the legitimate holder of the current token is also cut
// off rather than the attacker alone.
func TestReuseOfSupersededTokenKillsWholeFamily(t *testing.T) {
	s := newStore()
	ctx := context.Background()

	f, err := s.Create(ctx, "client-1", "user-1", []string{"openid"}, "tok-1")
	require.NoError(t, err)

	_, err = s.Rotate(ctx, f.FamilyID, "tok-1", "tok-2")
	require.NoError(t, err)

	// Reuse of the now-superseded tok-1: the family must be killed.
	_, err = s.Rotate(ctx, f.FamilyID, "tok-1", "tok-3")
	require.Error(t, err)

	killed, err := s.Get(ctx, f.FamilyID)
	require.NoError(t, err)
	require.True(t, killed.Revoked)

	// The legitimate holder of tok-2 (the actually-current token) is also
	// rejected now that the family is dead.
	_, err = s.Rotate(ctx, f.FamilyID, "tok-2", "tok-4")
	require.Error(t, err)
}

func TestRotateAgainstRevokedFamilyFails(t *testing.T) {
	s := newStore()
	ctx := context.Background()

	f, err := s.Create(ctx, "client-1", "user-1", []string{"openid"}, "tok-1")
	require.NoError(t, err)
	require.NoError(t, s.Revoke(ctx, f.FamilyID))

	_, err = s.Rotate(ctx, f.FamilyID, "tok-1", "tok-2")
	require.Error(t, err)
}

func TestRotateUnknownFamilyFails(t *testing.T) {
	s := newStore()
	_, err := s.Rotate(context.Background(), "no-such-family", "tok-1", "tok-2")
	require.Error(t, err)
}

func TestRevokeIsIdempotent(t *testing.T) {
	s := newStore()
	ctx := context.Background()

	f, err := s.Create(ctx, "client-1", "user-1", []string{"openid"}, "tok-1")
	require.NoError(t, err)

	require.NoError(t, s.Revoke(ctx, f.FamilyID))
	require.NoError(t, s.Revoke(ctx, f.FamilyID))

	// Revoking a family that was never created at all is also a no-op, not
	// an error (revocation is a best-effort cleanup step, e.g. from /revoke).
	require.NoError(t, s.Revoke(ctx, "never-existed"))
}

func TestNarrowScopeAllowsSubsetOnly(t *testing.T) {
	granted := []string{"openid", "profile", "email"}

	narrowed, err := NarrowScope(granted, []string{"openid", "email"})
	require.NoError(t, err)
	require.Equal(t, []string{"openid", "email"}, narrowed)

	// No requested scope at all means "keep everything granted".
	same, err := NarrowScope(granted, nil)
	require.NoError(t, err)
	require.Equal(t, granted, same)
}

func TestNarrowScopeRejectsWidening(t *testing.T) {
	granted := []string{"openid"}
	_, err := NarrowScope(granted, []string{"openid", "admin"})
	require.Error(t, err)
}

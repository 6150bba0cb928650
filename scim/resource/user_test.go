package resource

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/authrim/authrim/internal/audit"
	storagememory "github.com/authrim/authrim/storage/memory"
)

func newFixture() *Service {
	return New(storagememory.New(), audit.Discard{})
}

func TestCreateAndGetUser(t *testing.T) {
	s := newFixture()
	ctx := context.Background()

	created, err := s.CreateUser(ctx, "admin", User{
		UserName: "alice",
		Name:     Name{GivenName: "Alice", FamilyName: "Anderson"},
		Emails:   []Email{{Value: "alice@example.com", Primary: true}},
		Active:   true,
	})
	require.NoError(t, err)
	require.NotEmpty(t, created.ID)
	require.Equal(t, "alice", created.UserName)
	require.True(t, created.Active)
	require.NotEmpty(t, created.Meta.Version)

	fetched, err := s.GetUser(ctx, created.ID)
	require.NoError(t, err)
	require.Equal(t, "alice@example.com", fetched.Emails[0].Value)
}

func TestCreateUserRequiresUserName(t *testing.T) {
	s := newFixture()
	_, err := s.CreateUser(context.Background(), "admin", User{Active: true})
	require.Error(t, err)
}

func TestReplaceUserRequiresMatchingIfMatch(t *testing.T) {
	s := newFixture()
	ctx := context.Background()

	created, err := s.CreateUser(ctx, "admin", User{UserName: "bob", Active: true})
	require.NoError(t, err)

	_, err = s.ReplaceUser(ctx, "admin", created.ID, `W/"stale"`, User{UserName: "bob", Active: false})
	require.Error(t, err)

	etag := ETag(created.Meta.Version)
	replaced, err := s.ReplaceUser(ctx, "admin", created.ID, etag, User{UserName: "bob", Active: false})
	require.NoError(t, err)
	require.False(t, replaced.Active)
	require.NotEqual(t, created.Meta.Version, replaced.Meta.Version)
}

func TestPatchUserReplacesGivenName(t *testing.T) {
	s := newFixture()
	ctx := context.Background()

	created, err := s.CreateUser(ctx, "admin", User{UserName: "carol", Name: Name{GivenName: "Carol"}, Active: true})
	require.NoError(t, err)

	patched, err := s.PatchUser(ctx, "admin", created.ID, "", []PatchOp{
		{Op: "replace", Path: "name.givenName", Value: "Caroline"},
	})
	require.NoError(t, err)
	require.Equal(t, "Caroline", patched.Name.GivenName)
}

func TestDeleteUser(t *testing.T) {
	s := newFixture()
	ctx := context.Background()

	created, err := s.CreateUser(ctx, "admin", User{UserName: "dave", Active: true})
	require.NoError(t, err)

	require.NoError(t, s.DeleteUser(ctx, "admin", created.ID))
	_, err = s.GetUser(ctx, created.ID)
	require.Error(t, err)
}

func TestListUsersFilter(t *testing.T) {
	s := newFixture()
	ctx := context.Background()

	_, err := s.CreateUser(ctx, "admin", User{UserName: "erin", Active: true})
	require.NoError(t, err)
	_, err = s.CreateUser(ctx, "admin", User{UserName: "frank", Active: true})
	require.NoError(t, err)

	resp, err := s.ListUsers(ctx, `userName eq "erin"`, 1, 10)
	require.NoError(t, err)
	require.Equal(t, 1, resp.TotalResults)
}

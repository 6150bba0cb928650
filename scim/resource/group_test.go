package resource

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCreateGroupWithMembers(t *testing.T) {
	s := newFixture()
	ctx := context.Background()

	alice, err := s.CreateUser(ctx, "admin", User{UserName: "alice", Active: true})
	require.NoError(t, err)

	group, err := s.CreateGroup(ctx, "admin", Group{
		DisplayName: "engineers",
		Members:     []GroupRef{{Value: alice.ID}},
	})
	require.NoError(t, err)
	require.Len(t, group.Members, 1)
	require.Equal(t, alice.ID, group.Members[0].Value)

	fetchedUser, err := s.GetUser(ctx, alice.ID)
	require.NoError(t, err)
	require.Len(t, fetchedUser.Groups, 1)
	require.Equal(t, group.ID, fetchedUser.Groups[0].Value)
}

func TestReplaceGroupReconcilesMembership(t *testing.T) {
	s := newFixture()
	ctx := context.Background()

	alice, err := s.CreateUser(ctx, "admin", User{UserName: "alice", Active: true})
	require.NoError(t, err)
	bob, err := s.CreateUser(ctx, "admin", User{UserName: "bob", Active: true})
	require.NoError(t, err)

	group, err := s.CreateGroup(ctx, "admin", Group{DisplayName: "engineers", Members: []GroupRef{{Value: alice.ID}}})
	require.NoError(t, err)

	etag := ETag(group.Meta.Version)
	replaced, err := s.ReplaceGroup(ctx, "admin", group.ID, etag, Group{
		DisplayName: "engineers",
		Members:     []GroupRef{{Value: bob.ID}},
	})
	require.NoError(t, err)
	require.Len(t, replaced.Members, 1)
	require.Equal(t, bob.ID, replaced.Members[0].Value)

	aliceAfter, err := s.GetUser(ctx, alice.ID)
	require.NoError(t, err)
	require.Empty(t, aliceAfter.Groups)
}

func TestPatchGroupAddAndRemoveMember(t *testing.T) {
	s := newFixture()
	ctx := context.Background()

	alice, err := s.CreateUser(ctx, "admin", User{UserName: "alice", Active: true})
	require.NoError(t, err)
	bob, err := s.CreateUser(ctx, "admin", User{UserName: "bob", Active: true})
	require.NoError(t, err)

	group, err := s.CreateGroup(ctx, "admin", Group{DisplayName: "engineers"})
	require.NoError(t, err)

	patched, err := s.PatchGroup(ctx, "admin", group.ID, "", []PatchOp{
		{Op: "add", Path: "members", Value: map[string]interface{}{"value": alice.ID}},
		{Op: "add", Path: "members", Value: map[string]interface{}{"value": bob.ID}},
	})
	require.NoError(t, err)
	require.Len(t, patched.Members, 2)

	patched, err = s.PatchGroup(ctx, "admin", group.ID, "", []PatchOp{
		{Op: "remove", Path: `members[value eq "` + alice.ID + `"]`},
	})
	require.NoError(t, err)
	require.Len(t, patched.Members, 1)
	require.Equal(t, bob.ID, patched.Members[0].Value)
}

func TestDeleteGroupClearsMembership(t *testing.T) {
	s := newFixture()
	ctx := context.Background()

	alice, err := s.CreateUser(ctx, "admin", User{UserName: "alice", Active: true})
	require.NoError(t, err)

	group, err := s.CreateGroup(ctx, "admin", Group{DisplayName: "engineers", Members: []GroupRef{{Value: alice.ID}}})
	require.NoError(t, err)

	require.NoError(t, s.DeleteGroup(ctx, "admin", group.ID))

	aliceAfter, err := s.GetUser(ctx, alice.ID)
	require.NoError(t, err)
	require.Empty(t, aliceAfter.Groups)
}

package resource

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPatchOpAddReplaceTopLevel(t *testing.T) {
	doc := map[string]interface{}{"active": true}
	op := PatchOp{Op: "replace", Value: map[string]interface{}{"active": false}}
	require.NoError(t, op.Apply(doc))
	require.Equal(t, false, doc["active"])
}

func TestPatchOpDotPath(t *testing.T) {
	doc := map[string]interface{}{"name": map[string]interface{}{"givenName": "Carol"}}
	op := PatchOp{Op: "replace", Path: "name.familyName", Value: "Danvers"}
	require.NoError(t, op.Apply(doc))
	name := doc["name"].(map[string]interface{})
	require.Equal(t, "Danvers", name["familyName"])
	require.Equal(t, "Carol", name["givenName"])
}

func TestPatchOpRemoveDotPath(t *testing.T) {
	doc := map[string]interface{}{"name": map[string]interface{}{"givenName": "Carol", "familyName": "Danvers"}}
	op := PatchOp{Op: "remove", Path: "name.familyName"}
	require.NoError(t, op.Apply(doc))
	name := doc["name"].(map[string]interface{})
	_, ok := name["familyName"]
	require.False(t, ok)
}

func TestPatchOpFilteredRemove(t *testing.T) {
	doc := map[string]interface{}{
		"members": []interface{}{
			map[string]interface{}{"value": "u1"},
			map[string]interface{}{"value": "u2"},
		},
	}
	op := PatchOp{Op: "remove", Path: `members[value eq "u1"]`}
	require.NoError(t, op.Apply(doc))
	members := doc["members"].([]interface{})
	require.Len(t, members, 1)
	require.Equal(t, "u2", members[0].(map[string]interface{})["value"])
}

func TestPatchOpRemoveWithoutPathFails(t *testing.T) {
	op := PatchOp{Op: "remove"}
	require.Error(t, op.Apply(map[string]interface{}{}))
}

func TestPatchOpUnsupportedOp(t *testing.T) {
	op := PatchOp{Op: "bogus"}
	require.Error(t, op.Apply(map[string]interface{}{}))
}

package claims

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseEmpty(t *testing.T) {
	req, err := Parse("")
	require.NoError(t, err)
	require.Empty(t, req.UserInfo)
	require.Empty(t, req.IDToken)
}

func TestParseValid(t *testing.T) {
	req, err := Parse(`{"userinfo":{"name":{"essential":true}},"id_token":{"acr":null}}`)
	require.NoError(t, err)
	require.Contains(t, req.UserInfo, "name")
	require.NotNil(t, req.UserInfo["name"].Essential)
	require.True(t, *req.UserInfo["name"].Essential)
	require.Contains(t, req.IDToken, "acr")
}

func TestParseRejectsUnknownTopLevelKey(t *testing.T) {
	_, err := Parse(`{"bogus":{}}`)
	require.Error(t, err)
}

func TestParseRejectsNonObject(t *testing.T) {
	_, err := Parse(`[1,2,3]`)
	require.Error(t, err)
}

func TestPolicyReleaseByScope(t *testing.T) {
	p := Policy{GrantedScopes: map[string]bool{"profile": true}}
	require.True(t, p.Release("name", false))
	require.False(t, p.Release("email", false))
}

func TestPolicyReleaseByClaimsWithoutScope(t *testing.T) {
	req, err := Parse(`{"userinfo":{"name":{"essential":true}}}`)
	require.NoError(t, err)

	p := Policy{GrantedScopes: map[string]bool{}, AllowClaimsWithoutScope: true, Claims: req}
	require.True(t, p.Release("name", false))
	require.False(t, p.Release("email", false))

	p.AllowClaimsWithoutScope = false
	require.False(t, p.Release("name", false))
}

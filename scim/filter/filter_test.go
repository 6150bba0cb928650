package filter

import (
	"testing"

	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/require"
)

func TestParseSimpleEquality(t *testing.T) {
	n, err := Parse(`userName eq "jdoe"`)
	require.NoError(t, err)
	require.Equal(t, OpEqual, n.Op)
	require.Equal(t, "jdoe", n.Value)
}

func TestParseAndOrGrouping(t *testing.T) {
	n, err := Parse(`(userName eq "jdoe" or userName eq "jsmith") and active eq true`)
	require.NoError(t, err)
	require.True(t, n.And)
	require.True(t, n.Left.Or)
}

func TestParseNot(t *testing.T) {
	n, err := Parse(`not (active eq false)`)
	require.NoError(t, err)
	require.True(t, n.Not)
}

func TestParsePresence(t *testing.T) {
	n, err := Parse(`emails pr`)
	require.NoError(t, err)
	require.Equal(t, OpPresent, n.Op)
	require.Nil(t, n.Value)
}

func TestParseUnknownOperator(t *testing.T) {
	_, err := Parse(`userName xx "jdoe"`)
	require.Error(t, err)
}

func TestParseUnterminatedGroup(t *testing.T) {
	_, err := Parse(`(userName eq "jdoe"`)
	require.Error(t, err)
}

var attrs = AttributeMap{
	"username": "user_name",
	"active":   "active",
	"emails":   "email",
}

func TestCompileEquality(t *testing.T) {
	n, err := Parse(`userName eq "jdoe"`)
	require.NoError(t, err)
	clause, args, err := Compile(n, attrs, sqlx.DOLLAR)
	require.NoError(t, err)
	require.Equal(t, "user_name = $1", clause)
	require.Equal(t, []interface{}{"jdoe"}, args)
}

func TestCompileUnmappedAttribute(t *testing.T) {
	n, err := Parse(`nickName eq "j"`)
	require.NoError(t, err)
	_, _, err = Compile(n, attrs, sqlx.DOLLAR)
	require.Error(t, err)
}

func TestCompileAndOr(t *testing.T) {
	n, err := Parse(`userName eq "jdoe" and active eq true`)
	require.NoError(t, err)
	clause, args, err := Compile(n, attrs, sqlx.QUESTION)
	require.NoError(t, err)
	require.Equal(t, "(user_name = ? AND active = ?)", clause)
	require.Len(t, args, 2)
}

func TestCompileContainsEscapesLike(t *testing.T) {
	n, err := Parse(`userName co "50%_off"`)
	require.NoError(t, err)
	_, args, err := Compile(n, attrs, sqlx.DOLLAR)
	require.NoError(t, err)
	require.Equal(t, `%50\%\_off%`, args[0])
}

package filter

import (
	"fmt"
	"strings"

	"github.com/jmoiron/sqlx"

	"github.com/authrim/authrim/internal/apierr"
)

// AttributeMap maps a SCIM attribute path (e.g. "userName", "name.givenName")
// to its backing SQL column. An attribute absent from the map cannot be
// filtered on.
type AttributeMap map[string]string

// Compile renders node as a parameterized SQL WHERE clause (without the
// leading "WHERE") against attrs, returning the clause and its bind
// arguments in appearance order. bindvar selects the placeholder style
// (sqlx.DOLLAR for Postgres, sqlx.QUESTION for SQLite/MySQL) so the same AST
// compiles correctly regardless of backing flavor.
func Compile(node *Node, attrs AttributeMap, bindvar int) (string, []interface{}, error) {
	var sb strings.Builder
	var args []interface{}
	if err := compileNode(&sb, &args, node, attrs); err != nil {
		return "", nil, err
	}
	clause := sqlx.Rebind(bindvar, sb.String())
	return clause, args, nil
}

func compileNode(sb *strings.Builder, args *[]interface{}, n *Node, attrs AttributeMap) error {
	switch {
	case n.And:
		return compileBinary(sb, args, n, attrs, "AND")
	case n.Or:
		return compileBinary(sb, args, n, attrs, "OR")
	case n.Not:
		sb.WriteString("NOT (")
		if err := compileNode(sb, args, n.Left, attrs); err != nil {
			return err
		}
		sb.WriteString(")")
		return nil
	default:
		return compileLeaf(sb, args, n, attrs)
	}
}

func compileBinary(sb *strings.Builder, args *[]interface{}, n *Node, attrs AttributeMap, joiner string) error {
	sb.WriteString("(")
	if err := compileNode(sb, args, n.Left, attrs); err != nil {
		return err
	}
	sb.WriteString(" " + joiner + " ")
	if err := compileNode(sb, args, n.Right, attrs); err != nil {
		return err
	}
	sb.WriteString(")")
	return nil
}

func compileLeaf(sb *strings.Builder, args *[]interface{}, n *Node, attrs AttributeMap) error {
	col, ok := attrs[strings.ToLower(n.Attribute)]
	if !ok {
		return apierr.Invalid("invalidFilter", fmt.Sprintf("unmapped attribute %q", n.Attribute))
	}
	switch n.Op {
	case OpPresent:
		sb.WriteString(col + " IS NOT NULL")
		return nil
	case OpEqual:
		sb.WriteString(col + " = ?")
		*args = append(*args, n.Value)
	case OpNotEqual:
		sb.WriteString(col + " <> ?")
		*args = append(*args, n.Value)
	case OpContains:
		sb.WriteString(col + " LIKE ?")
		*args = append(*args, "%"+escapeLike(fmt.Sprintf("%v", n.Value))+"%")
	case OpStartsWith:
		sb.WriteString(col + " LIKE ?")
		*args = append(*args, escapeLike(fmt.Sprintf("%v", n.Value))+"%")
	case OpEndsWith:
		sb.WriteString(col + " LIKE ?")
		*args = append(*args, "%"+escapeLike(fmt.Sprintf("%v", n.Value)))
	case OpGreater:
		sb.WriteString(col + " > ?")
		*args = append(*args, n.Value)
	case OpGreaterEq:
		sb.WriteString(col + " >= ?")
		*args = append(*args, n.Value)
	case OpLess:
		sb.WriteString(col + " < ?")
		*args = append(*args, n.Value)
	case OpLessEq:
		sb.WriteString(col + " <= ?")
		*args = append(*args, n.Value)
	default:
		return apierr.Invalid("invalidFilter", fmt.Sprintf("unsupported operator %q", n.Op))
	}
	return nil
}

// escapeLike escapes SQL LIKE metacharacters so a co/sw/ew filter value is
// matched literally.
func escapeLike(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, "%", `\%`)
	s = strings.ReplaceAll(s, "_", `\_`)
	return s
}

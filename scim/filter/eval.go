package filter

import "strings"

// Eval evaluates node in-process against a single resource, using get to
// fetch an attribute's current value (ok is false when the attribute is
// absent). This gives the in-memory storage backend filtering without a
// database. String comparisons here ignore case; the SQL-compiled path uses
// plain = and LIKE, so its case handling follows the database collation.
func Eval(node *Node, get func(attr string) (interface{}, bool)) bool {
	switch {
	case node.And:
		return Eval(node.Left, get) && Eval(node.Right, get)
	case node.Or:
		return Eval(node.Left, get) || Eval(node.Right, get)
	case node.Not:
		return !Eval(node.Left, get)
	default:
		return evalLeaf(node, get)
	}
}

func evalLeaf(n *Node, get func(attr string) (interface{}, bool)) bool {
	val, ok := get(n.Attribute)
	if n.Op == OpPresent {
		return ok && !isZero(val)
	}
	if !ok {
		return false
	}
	switch n.Op {
	case OpEqual:
		return compareEqual(val, n.Value)
	case OpNotEqual:
		return !compareEqual(val, n.Value)
	case OpContains:
		return strings.Contains(strings.ToLower(toString(val)), strings.ToLower(toString(n.Value)))
	case OpStartsWith:
		return strings.HasPrefix(strings.ToLower(toString(val)), strings.ToLower(toString(n.Value)))
	case OpEndsWith:
		return strings.HasSuffix(strings.ToLower(toString(val)), strings.ToLower(toString(n.Value)))
	case OpGreater, OpGreaterEq, OpLess, OpLessEq:
		return compareOrdered(n.Op, val, n.Value)
	default:
		return false
	}
}

func isZero(v interface{}) bool {
	switch t := v.(type) {
	case string:
		return t == ""
	case nil:
		return true
	default:
		return false
	}
}

func compareEqual(a, b interface{}) bool {
	if as, ok := a.(string); ok {
		if bs, ok := b.(string); ok {
			return strings.EqualFold(as, bs)
		}
	}
	return a == b
}

func compareOrdered(op Op, a, b interface{}) bool {
	as, aok := a.(string)
	bs, bok := b.(string)
	if aok && bok {
		switch op {
		case OpGreater:
			return as > bs
		case OpGreaterEq:
			return as >= bs
		case OpLess:
			return as < bs
		case OpLessEq:
			return as <= bs
		}
	}
	af, aok := toFloat(a)
	bf, bok := toFloat(b)
	if aok && bok {
		switch op {
		case OpGreater:
			return af > bf
		case OpGreaterEq:
			return af >= bf
		case OpLess:
			return af < bf
		case OpLessEq:
			return af <= bf
		}
	}
	return false
}

func toFloat(v interface{}) (float64, bool) {
	f, ok := v.(float64)
	return f, ok
}

func toString(v interface{}) string {
	if s, ok := v.(string); ok {
		return s
	}
	return ""
}

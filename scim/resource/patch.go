package resource

import (
	"regexp"
	"strings"

	"github.com/authrim/authrim/internal/apierr"
)

// PatchOp is one entry of a SCIM PATCH request body's Operations array
// (RFC 7644 §3.5.2). Path supports plain attribute names, one level of
// dot-nesting ("name.givenName"), and a minimal value-filter selector on a
// multi-valued attribute ("members[value eq \"<id>\"]") — enough to cover
// spec.md §4.6's "remove with selector filters applies to matching
// sub-values" without implementing the full RFC 7644 path-filter grammar.
type PatchOp struct {
	Op    string      `json:"op"`
	Path  string      `json:"path,omitempty"`
	Value interface{} `json:"value,omitempty"`
}

// pathFilterPattern matches "<attr>[<subattr> eq "<value>"]".
var pathFilterPattern = regexp.MustCompile(`^(\w+)\[(\w+)\s+eq\s+"([^"]*)"\]$`)

// Apply applies op to doc, a generic JSON object representation of the
// resource under patch, per RFC 7644 §3.5.2.
func (op PatchOp) Apply(doc map[string]interface{}) error {
	switch strings.ToLower(op.Op) {
	case "add", "replace":
		return op.applyAddReplace(doc)
	case "remove":
		return op.applyRemove(doc)
	default:
		return apierr.Invalid("invalidValue", "unsupported patch operation: "+op.Op)
	}
}

func (op PatchOp) applyAddReplace(doc map[string]interface{}) error {
	if op.Path == "" {
		m, ok := op.Value.(map[string]interface{})
		if !ok {
			return apierr.Invalid("invalidValue", "add/replace with no path requires an object value")
		}
		for k, v := range m {
			doc[k] = v
		}
		return nil
	}
	if attr, sub, filterVal, ok := parsePathFilter(op.Path); ok {
		return addToFiltered(doc, attr, sub, filterVal, op.Value)
	}
	if parent, leaf, ok := splitDotPath(op.Path); ok {
		nested, _ := doc[parent].(map[string]interface{})
		if nested == nil {
			nested = map[string]interface{}{}
		}
		nested[leaf] = op.Value
		doc[parent] = nested
		return nil
	}
	if strings.EqualFold(op.Op, "add") {
		// add on a multi-valued (or not yet present) attribute appends the
		// given value(s) instead of replacing what is there.
		if list, isList := doc[op.Path].([]interface{}); isList || doc[op.Path] == nil {
			switch v := op.Value.(type) {
			case []interface{}:
				doc[op.Path] = append(list, v...)
				return nil
			case map[string]interface{}:
				doc[op.Path] = append(list, v)
				return nil
			}
		}
	}
	doc[op.Path] = op.Value
	return nil
}

func (op PatchOp) applyRemove(doc map[string]interface{}) error {
	if op.Path == "" {
		return apierr.Invalid("noTarget", "remove requires a path")
	}
	if attr, sub, filterVal, ok := parsePathFilter(op.Path); ok {
		return removeFromFiltered(doc, attr, sub, filterVal)
	}
	if parent, leaf, ok := splitDotPath(op.Path); ok {
		if nested, ok := doc[parent].(map[string]interface{}); ok {
			delete(nested, leaf)
		}
		return nil
	}
	delete(doc, op.Path)
	return nil
}

func splitDotPath(path string) (parent, leaf string, ok bool) {
	i := strings.Index(path, ".")
	if i < 0 {
		return "", "", false
	}
	return path[:i], path[i+1:], true
}

func parsePathFilter(path string) (attr, subAttr, value string, ok bool) {
	m := pathFilterPattern.FindStringSubmatch(path)
	if m == nil {
		return "", "", "", false
	}
	return m[1], m[2], m[3], true
}

// addToFiltered appends value to the multi-valued attribute attr. The filter
// clause is only meaningful for remove; on add the new entry is simply
// appended, matching how SCIM clients use filtered paths for idempotent
// membership adds.
func addToFiltered(doc map[string]interface{}, attr, subAttr, filterValue string, value interface{}) error {
	list, _ := doc[attr].([]interface{})
	entry, ok := value.(map[string]interface{})
	if !ok {
		entry = map[string]interface{}{subAttr: filterValue}
	}
	doc[attr] = append(list, entry)
	return nil
}

// removeFromFiltered drops every element of the multi-valued attribute attr
// whose subAttr equals filterValue.
func removeFromFiltered(doc map[string]interface{}, attr, subAttr, filterValue string) error {
	list, ok := doc[attr].([]interface{})
	if !ok {
		return nil
	}
	out := make([]interface{}, 0, len(list))
	for _, item := range list {
		m, ok := item.(map[string]interface{})
		if !ok {
			out = append(out, item)
			continue
		}
		if v, _ := m[subAttr].(string); v == filterValue {
			continue
		}
		out = append(out, item)
	}
	doc[attr] = out
	return nil
}

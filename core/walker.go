package core

// maxWalkDepth caps recursion so hostile payloads cannot blow the stack.
const maxWalkDepth = 128

// StringVisitor transforms one string leaf of a value tree.
type StringVisitor func(s string) string

// WalkStrings applies visit to every string leaf of a generic value tree
// (nested maps, slices and scalars, as produced by encoding/json) and
// returns the rewritten tree. Non-string scalars pass through unchanged.
//
// Bidi sanitization, PII redaction and template interpolation all run on
// this single walker so their traversal semantics cannot diverge.
func WalkStrings(v interface{}, visit StringVisitor) interface{} {
	return walkStrings(v, visit, 0)
}

func walkStrings(v interface{}, visit StringVisitor, depth int) interface{} {
	if depth > maxWalkDepth {
		return v
	}
	switch val := v.(type) {
	case string:
		return visit(val)
	case map[string]interface{}:
		out := make(map[string]interface{}, len(val))
		for k, item := range val {
			out[k] = walkStrings(item, visit, depth+1)
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(val))
		for i, item := range val {
			out[i] = walkStrings(item, visit, depth+1)
		}
		return out
	default:
		return v
	}
}

// LookupPath resolves a dot-notation path ("data.form.id") against a value
// tree. The second return is false when any segment is missing or a
// non-map value is traversed into.
func LookupPath(root interface{}, path string) (interface{}, bool) {
	current := root
	start := 0
	for i := 0; i <= len(path); i++ {
		if i == len(path) || path[i] == '.' {
			segment := path[start:i]
			start = i + 1
			if segment == "" {
				return nil, false
			}
			m, ok := current.(map[string]interface{})
			if !ok {
				return nil, false
			}
			current, ok = m[segment]
			if !ok {
				return nil, false
			}
		}
	}
	return current, true
}

// MaxDepth returns the nesting depth of a value tree. A scalar has depth
// zero; each enclosing map or slice adds one. Traversal stops counting at
// limit to bound work on hostile inputs.
func MaxDepth(v interface{}, limit int) int {
	return maxDepth(v, 0, limit)
}

func maxDepth(v interface{}, depth, limit int) int {
	if depth >= limit {
		return depth
	}
	deepest := depth
	switch val := v.(type) {
	case map[string]interface{}:
		for _, item := range val {
			if d := maxDepth(item, depth+1, limit); d > deepest {
				deepest = d
			}
		}
	case []interface{}:
		for _, item := range val {
			if d := maxDepth(item, depth+1, limit); d > deepest {
				deepest = d
			}
		}
	}
	return deepest
}

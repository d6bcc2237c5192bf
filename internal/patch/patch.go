package patch

import (
	"encoding/json"
	"fmt"
	"reflect"
	"sort"
	"strconv"
	"strings"
)

// Operation is a single JSON Patch step (RFC 6902 subset: add, remove, replace).
type Operation struct {
	Op    string `json:"op"`
	Path  string `json:"path"`
	Value any    `json:"value,omitempty"`
}

// Patch is an ordered list of operations transforming one document snapshot
// into another. Operations must be applied in order.
type Patch []Operation

// Normalize converts an arbitrary JSON-serializable value into the generic
// tree representation (map[string]any, []any, scalars) that Diff and Apply
// operate on.
func Normalize(v any) (any, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("normalizing value: %w", err)
	}
	var tree any
	if err := json.Unmarshal(data, &tree); err != nil {
		return nil, fmt.Errorf("normalizing value: %w", err)
	}
	return tree, nil
}

// Diff computes the patch that transforms old into new. Both values must be
// JSON-shaped trees (see Normalize). Returns nil when the values are equal.
func Diff(old, new any) Patch {
	var ops Patch
	diffValue("", old, new, &ops)
	return ops
}

func diffValue(path string, a, b any, ops *Patch) {
	if reflect.DeepEqual(a, b) {
		return
	}

	am, aIsMap := a.(map[string]any)
	bm, bIsMap := b.(map[string]any)
	if aIsMap && bIsMap {
		diffMap(path, am, bm, ops)
		return
	}

	as, aIsSlice := a.([]any)
	bs, bIsSlice := b.([]any)
	if aIsSlice && bIsSlice {
		diffSlice(path, as, bs, ops)
		return
	}

	*ops = append(*ops, Operation{Op: "replace", Path: path, Value: b})
}

func diffMap(path string, a, b map[string]any, ops *Patch) {
	keys := make([]string, 0, len(a)+len(b))
	for k := range a {
		keys = append(keys, k)
	}
	for k := range b {
		if _, ok := a[k]; !ok {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)

	for _, k := range keys {
		child := path + "/" + escapeToken(k)
		av, inA := a[k]
		bv, inB := b[k]
		switch {
		case inA && !inB:
			*ops = append(*ops, Operation{Op: "remove", Path: child})
		case !inA && inB:
			*ops = append(*ops, Operation{Op: "add", Path: child, Value: bv})
		default:
			diffValue(child, av, bv, ops)
		}
	}
}

func diffSlice(path string, a, b []any, ops *Patch) {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	for i := 0; i < n; i++ {
		diffValue(path+"/"+strconv.Itoa(i), a[i], b[i], ops)
	}
	// Appends in ascending order so each add lands at the current tail.
	for i := len(a); i < len(b); i++ {
		*ops = append(*ops, Operation{Op: "add", Path: path + "/" + strconv.Itoa(i), Value: b[i]})
	}
	// Removals from the tail down so earlier indices stay valid.
	for i := len(a) - 1; i >= len(b); i-- {
		*ops = append(*ops, Operation{Op: "remove", Path: path + "/" + strconv.Itoa(i)})
	}
}

// Apply applies the patch to doc and returns the resulting tree. The input
// document is not mutated. doc must be a JSON-shaped tree (see Normalize).
func Apply(doc any, p Patch) (any, error) {
	result := deepCopy(doc)
	for i, op := range p {
		tokens, err := parsePointer(op.Path)
		if err != nil {
			return nil, fmt.Errorf("op %d: %w", i, err)
		}
		result, err = applyAt(result, tokens, op)
		if err != nil {
			return nil, fmt.Errorf("op %d (%s %s): %w", i, op.Op, op.Path, err)
		}
	}
	return result, nil
}

func applyAt(node any, tokens []string, op Operation) (any, error) {
	if len(tokens) == 0 {
		switch op.Op {
		case "add", "replace":
			return deepCopy(op.Value), nil
		default:
			return nil, fmt.Errorf("cannot %s the document root", op.Op)
		}
	}

	tok := tokens[0]
	switch c := node.(type) {
	case map[string]any:
		if len(tokens) > 1 {
			child, ok := c[tok]
			if !ok {
				return nil, fmt.Errorf("path element %q not found", tok)
			}
			updated, err := applyAt(child, tokens[1:], op)
			if err != nil {
				return nil, err
			}
			c[tok] = updated
			return c, nil
		}
		switch op.Op {
		case "add":
			c[tok] = deepCopy(op.Value)
		case "replace":
			if _, ok := c[tok]; !ok {
				return nil, fmt.Errorf("key %q not found", tok)
			}
			c[tok] = deepCopy(op.Value)
		case "remove":
			if _, ok := c[tok]; !ok {
				return nil, fmt.Errorf("key %q not found", tok)
			}
			delete(c, tok)
		default:
			return nil, fmt.Errorf("unsupported op %q", op.Op)
		}
		return c, nil

	case []any:
		if len(tokens) > 1 {
			idx, err := sliceIndex(tok, len(c), false)
			if err != nil {
				return nil, err
			}
			updated, err := applyAt(c[idx], tokens[1:], op)
			if err != nil {
				return nil, err
			}
			c[idx] = updated
			return c, nil
		}
		switch op.Op {
		case "add":
			idx, err := sliceIndex(tok, len(c), true)
			if err != nil {
				return nil, err
			}
			c = append(c, nil)
			copy(c[idx+1:], c[idx:])
			c[idx] = deepCopy(op.Value)
		case "replace":
			idx, err := sliceIndex(tok, len(c), false)
			if err != nil {
				return nil, err
			}
			c[idx] = deepCopy(op.Value)
		case "remove":
			idx, err := sliceIndex(tok, len(c), false)
			if err != nil {
				return nil, err
			}
			c = append(c[:idx], c[idx+1:]...)
		default:
			return nil, fmt.Errorf("unsupported op %q", op.Op)
		}
		return c, nil

	default:
		return nil, fmt.Errorf("cannot descend into %T at %q", node, tok)
	}
}

// sliceIndex parses an array pointer token. "-" addresses the position past
// the last element and is only valid for add.
func sliceIndex(tok string, length int, forAdd bool) (int, error) {
	if tok == "-" {
		if !forAdd {
			return 0, fmt.Errorf("token %q only valid for add", tok)
		}
		return length, nil
	}
	idx, err := strconv.Atoi(tok)
	if err != nil {
		return 0, fmt.Errorf("invalid array index %q", tok)
	}
	limit := length
	if forAdd {
		limit = length + 1
	}
	if idx < 0 || idx >= limit {
		return 0, fmt.Errorf("array index %d out of range (len %d)", idx, length)
	}
	return idx, nil
}

func parsePointer(path string) ([]string, error) {
	if path == "" {
		return nil, nil
	}
	if !strings.HasPrefix(path, "/") {
		return nil, fmt.Errorf("invalid JSON pointer %q", path)
	}
	raw := strings.Split(path[1:], "/")
	tokens := make([]string, len(raw))
	for i, t := range raw {
		tokens[i] = unescapeToken(t)
	}
	return tokens, nil
}

func escapeToken(tok string) string {
	tok = strings.ReplaceAll(tok, "~", "~0")
	return strings.ReplaceAll(tok, "/", "~1")
}

func unescapeToken(tok string) string {
	tok = strings.ReplaceAll(tok, "~1", "/")
	return strings.ReplaceAll(tok, "~0", "~")
}

func deepCopy(v any) any {
	switch c := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(c))
		for k, val := range c {
			out[k] = deepCopy(val)
		}
		return out
	case []any:
		out := make([]any, len(c))
		for i, val := range c {
			out[i] = deepCopy(val)
		}
		return out
	default:
		return v
	}
}

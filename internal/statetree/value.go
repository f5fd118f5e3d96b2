package statetree

import (
	"encoding/json"
	"math"
	"reflect"
	"sort"
)

// Normalize converts v into the canonical JSON-like representation used by
// trees. The result shares nothing with v.
func Normalize(v interface{}) interface{} {
	switch val := v.(type) {
	case nil:
		return nil
	case bool, string:
		return val
	case float64:
		return val
	case float32:
		return float64(val)
	case int:
		return float64(val)
	case int8:
		return float64(val)
	case int16:
		return float64(val)
	case int32:
		return float64(val)
	case int64:
		return float64(val)
	case uint:
		return float64(val)
	case uint8:
		return float64(val)
	case uint16:
		return float64(val)
	case uint32:
		return float64(val)
	case uint64:
		return float64(val)
	case json.Number:
		f, err := val.Float64()
		if err != nil {
			return val.String()
		}
		return f
	case map[string]interface{}:
		out := make(map[string]interface{}, len(val))
		for k, child := range val {
			out[k] = Normalize(child)
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(val))
		for i, child := range val {
			out[i] = Normalize(child)
		}
		return out
	case json.RawMessage:
		if len(val) == 0 {
			return nil
		}
		var decoded interface{}
		if err := json.Unmarshal(val, &decoded); err != nil {
			return string(val)
		}
		return decoded
	default:
		data, err := json.Marshal(val)
		if err != nil {
			return nil
		}
		var decoded interface{}
		if err := json.Unmarshal(data, &decoded); err != nil {
			return nil
		}
		return decoded
	}
}

// Equal reports whether two normalized values are structurally identical.
func Equal(a, b interface{}) bool {
	switch av := a.(type) {
	case map[string]interface{}:
		bv, ok := b.(map[string]interface{})
		if !ok || len(av) != len(bv) {
			return false
		}
		for k, ac := range av {
			bc, ok := bv[k]
			if !ok || !Equal(ac, bc) {
				return false
			}
		}
		return true
	case []interface{}:
		bv, ok := b.([]interface{})
		if !ok || len(av) != len(bv) {
			return false
		}
		for i := range av {
			if !Equal(av[i], bv[i]) {
				return false
			}
		}
		return true
	case float64:
		bv, ok := b.(float64)
		if !ok {
			return false
		}
		return av == bv || (math.IsNaN(av) && math.IsNaN(bv))
	default:
		return reflect.DeepEqual(a, b)
	}
}

// Snapshot returns a full, independent copy of the tree suitable for sending
// to a client that has no prior state.
func Snapshot(tree map[string]interface{}) map[string]interface{} {
	if tree == nil {
		return map[string]interface{}{}
	}
	return Normalize(tree).(map[string]interface{})
}

func sortedKeys(m map[string]interface{}) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Get resolves a pointer in the tree.
func Get(tree map[string]interface{}, path string) (interface{}, error) {
	tokens, err := ParsePath(path)
	if err != nil {
		return nil, err
	}
	var node interface{} = tree
	for _, tok := range tokens {
		switch container := node.(type) {
		case map[string]interface{}:
			child, ok := container[tok]
			if !ok {
				return nil, ErrPathNotFound
			}
			node = child
		case []interface{}:
			idx, err := arrayIndex(tok, len(container), false)
			if err != nil {
				return nil, err
			}
			node = container[idx]
		default:
			return nil, ErrPathNotFound
		}
	}
	return node, nil
}

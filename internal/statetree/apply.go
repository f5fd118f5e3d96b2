package statetree

import "fmt"

// ApplyMutation applies one operation and returns the resulting tree. The
// input tree is never modified: containers along the touched path are copied
// and every other subtree is shared with the input.
func ApplyMutation(tree map[string]interface{}, path string, op OpType, value interface{}) (map[string]interface{}, error) {
	tokens, err := ParsePath(path)
	if err != nil {
		return nil, err
	}
	if tree == nil {
		tree = map[string]interface{}{}
	}

	if len(tokens) == 0 {
		switch op {
		case OpAdd, OpReplace:
			root, ok := Normalize(value).(map[string]interface{})
			if !ok {
				return nil, fmt.Errorf("%w: root must be an object", ErrInvalidOperation)
			}
			return root, nil
		case OpRemove:
			return nil, fmt.Errorf("%w: cannot remove the root", ErrInvalidOperation)
		default:
			return nil, fmt.Errorf("%w: %q", ErrInvalidOperation, op)
		}
	}

	var normalized interface{}
	if op != OpRemove {
		normalized = Normalize(value)
	}
	out, err := applyAt(tree, tokens, op, normalized)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", op, path, err)
	}
	return out.(map[string]interface{}), nil
}

// Apply applies an ordered operation list.
func Apply(tree map[string]interface{}, ops []Operation) (map[string]interface{}, error) {
	current := tree
	for i, op := range ops {
		next, err := ApplyMutation(current, op.Path, op.Op, op.Value)
		if err != nil {
			return nil, fmt.Errorf("operation %d: %w", i, err)
		}
		current = next
	}
	if current == nil {
		current = map[string]interface{}{}
	}
	return current, nil
}

func applyAt(node interface{}, tokens []string, op OpType, value interface{}) (interface{}, error) {
	tok := tokens[0]
	last := len(tokens) == 1

	switch container := node.(type) {
	case map[string]interface{}:
		child, exists := container[tok]
		out := make(map[string]interface{}, len(container)+1)
		for k, v := range container {
			out[k] = v
		}
		if !last {
			if !exists {
				return nil, ErrPathNotFound
			}
			updated, err := applyAt(child, tokens[1:], op, value)
			if err != nil {
				return nil, err
			}
			out[tok] = updated
			return out, nil
		}
		switch op {
		case OpAdd:
			out[tok] = value
		case OpReplace:
			if !exists {
				return nil, ErrPathNotFound
			}
			out[tok] = value
		case OpRemove:
			if !exists {
				return nil, ErrPathNotFound
			}
			delete(out, tok)
		default:
			return nil, fmt.Errorf("%w: %q", ErrInvalidOperation, op)
		}
		return out, nil

	case []interface{}:
		if !last {
			idx, err := arrayIndex(tok, len(container), false)
			if err != nil {
				return nil, err
			}
			updated, err := applyAt(container[idx], tokens[1:], op, value)
			if err != nil {
				return nil, err
			}
			out := make([]interface{}, len(container))
			copy(out, container)
			out[idx] = updated
			return out, nil
		}
		switch op {
		case OpAdd:
			idx, err := arrayIndex(tok, len(container), true)
			if err != nil {
				return nil, err
			}
			out := make([]interface{}, 0, len(container)+1)
			out = append(out, container[:idx]...)
			out = append(out, value)
			out = append(out, container[idx:]...)
			return out, nil
		case OpReplace:
			idx, err := arrayIndex(tok, len(container), false)
			if err != nil {
				return nil, err
			}
			out := make([]interface{}, len(container))
			copy(out, container)
			out[idx] = value
			return out, nil
		case OpRemove:
			idx, err := arrayIndex(tok, len(container), false)
			if err != nil {
				return nil, err
			}
			out := make([]interface{}, 0, len(container)-1)
			out = append(out, container[:idx]...)
			out = append(out, container[idx+1:]...)
			return out, nil
		default:
			return nil, fmt.Errorf("%w: %q", ErrInvalidOperation, op)
		}

	default:
		return nil, ErrPathNotFound
	}
}

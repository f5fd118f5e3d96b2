// Package statetree implements the per-session state document and the patch
// engine that mutates, diffs, and snapshots it. Trees are JSON-like values:
// map[string]interface{}, []interface{}, string, float64, bool and nil.
package statetree

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// OpType is a patch operation kind.
type OpType string

const (
	OpAdd     OpType = "add"
	OpReplace OpType = "replace"
	OpRemove  OpType = "remove"
)

var (
	// ErrPathNotFound is returned when a path does not resolve in the tree.
	ErrPathNotFound = errors.New("path not found")
	// ErrInvalidPath is returned for a malformed JSON pointer.
	ErrInvalidPath = errors.New("invalid path")
	// ErrInvalidOperation is returned for an unsupported operation or target.
	ErrInvalidOperation = errors.New("invalid operation")
)

// Operation is one patch step. Paths are RFC 6901 JSON pointers.
type Operation struct {
	Op    OpType      `json:"op"`
	Path  string      `json:"path"`
	Value interface{} `json:"value,omitempty"`
}

// MarshalJSON keeps an explicit null value for add/replace and drops value for remove.
func (o Operation) MarshalJSON() ([]byte, error) {
	if o.Op == OpRemove {
		return json.Marshal(struct {
			Op   OpType `json:"op"`
			Path string `json:"path"`
		}{o.Op, o.Path})
	}
	return json.Marshal(struct {
		Op    OpType      `json:"op"`
		Path  string      `json:"path"`
		Value interface{} `json:"value"`
	}{o.Op, o.Path, o.Value})
}

func (o Operation) String() string {
	if o.Op == OpRemove {
		return fmt.Sprintf("%s %s", o.Op, o.Path)
	}
	return fmt.Sprintf("%s %s %v", o.Op, o.Path, o.Value)
}

// ParsePath splits a JSON pointer into unescaped reference tokens.
// The empty pointer addresses the whole tree.
func ParsePath(path string) ([]string, error) {
	if path == "" {
		return nil, nil
	}
	if !strings.HasPrefix(path, "/") {
		return nil, fmt.Errorf("%w: %q must start with /", ErrInvalidPath, path)
	}
	parts := strings.Split(path[1:], "/")
	for i, p := range parts {
		if strings.Contains(strings.ReplaceAll(strings.ReplaceAll(p, "~0", ""), "~1", ""), "~") {
			return nil, fmt.Errorf("%w: bad escape in %q", ErrInvalidPath, path)
		}
		parts[i] = strings.ReplaceAll(strings.ReplaceAll(p, "~1", "/"), "~0", "~")
	}
	return parts, nil
}

// EscapeToken escapes a single reference token.
func EscapeToken(token string) string {
	return strings.ReplaceAll(strings.ReplaceAll(token, "~", "~0"), "/", "~1")
}

// JoinPath appends escaped tokens to a pointer.
func JoinPath(base string, tokens ...string) string {
	var b strings.Builder
	b.WriteString(base)
	for _, t := range tokens {
		b.WriteByte('/')
		b.WriteString(EscapeToken(t))
	}
	return b.String()
}

// arrayIndex parses an array token. allowEnd permits len(arr) and "-" (add only).
func arrayIndex(token string, length int, allowEnd bool) (int, error) {
	if token == "-" {
		if allowEnd {
			return length, nil
		}
		return 0, fmt.Errorf("%w: \"-\" only valid for add", ErrInvalidPath)
	}
	if token == "" || (len(token) > 1 && token[0] == '0') {
		return 0, fmt.Errorf("%w: bad array index %q", ErrInvalidPath, token)
	}
	idx, err := strconv.Atoi(token)
	if err != nil || idx < 0 {
		return 0, fmt.Errorf("%w: bad array index %q", ErrInvalidPath, token)
	}
	limit := length - 1
	if allowEnd {
		limit = length
	}
	if idx > limit {
		return 0, fmt.Errorf("%w: index %d out of range (len %d)", ErrPathNotFound, idx, length)
	}
	return idx, nil
}

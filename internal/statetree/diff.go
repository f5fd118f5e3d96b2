package statetree

import "strconv"

// maxArrayDiffCells bounds the edit-distance table; larger arrays are
// replaced wholesale.
const maxArrayDiffCells = 1 << 20

// Diff returns the operation list that transforms oldTree into newTree.
//
// Objects are compared key by key in sorted order. A nested container is
// descended into only when that yields at most one operation; otherwise the
// whole container is replaced, so the list stays minimal and a tie goes to
// replace. Arrays use a minimum edit script over their elements after
// trimming the common prefix and suffix. A value whose kind changes is
// replaced in place. The root is never replaced.
func Diff(oldTree, newTree map[string]interface{}) []Operation {
	ops := []Operation{}
	diffObject("", Normalize(orEmpty(oldTree)).(map[string]interface{}), Normalize(orEmpty(newTree)).(map[string]interface{}), &ops)
	return ops
}

func orEmpty(m map[string]interface{}) map[string]interface{} {
	if m == nil {
		return map[string]interface{}{}
	}
	return m
}

func diffValue(path string, a, b interface{}, ops *[]Operation) {
	if Equal(a, b) {
		return
	}
	var child []Operation
	switch av := a.(type) {
	case map[string]interface{}:
		if bv, ok := b.(map[string]interface{}); ok {
			diffObject(path, av, bv, &child)
		}
	case []interface{}:
		if bv, ok := b.([]interface{}); ok {
			diffArray(path, av, bv, &child)
		}
	}
	if len(child) == 1 {
		*ops = append(*ops, child[0])
		return
	}
	*ops = append(*ops, Operation{Op: OpReplace, Path: path, Value: b})
}

func diffObject(path string, a, b map[string]interface{}, ops *[]Operation) {
	for _, k := range sortedKeys(a) {
		if _, ok := b[k]; !ok {
			*ops = append(*ops, Operation{Op: OpRemove, Path: JoinPath(path, k)})
		}
	}
	for _, k := range sortedKeys(b) {
		bv := b[k]
		av, ok := a[k]
		if !ok {
			*ops = append(*ops, Operation{Op: OpAdd, Path: JoinPath(path, k), Value: bv})
			continue
		}
		diffValue(JoinPath(path, k), av, bv, ops)
	}
}

type editKind int

const (
	editKeep editKind = iota
	editReplace
	editRemove
	editInsert
)

func diffArray(path string, a, b []interface{}, ops *[]Operation) {
	prefix := 0
	for prefix < len(a) && prefix < len(b) && Equal(a[prefix], b[prefix]) {
		prefix++
	}
	suffix := 0
	for suffix < len(a)-prefix && suffix < len(b)-prefix && Equal(a[len(a)-1-suffix], b[len(b)-1-suffix]) {
		suffix++
	}
	as := a[prefix : len(a)-suffix]
	bs := b[prefix : len(b)-suffix]
	n, m := len(as), len(bs)

	if (n+1)*(m+1) > maxArrayDiffCells {
		*ops = append(*ops, Operation{Op: OpReplace, Path: path, Value: b})
		return
	}

	// dist[i][j] is the edit distance between as[:i] and bs[:j].
	dist := make([][]int, n+1)
	for i := range dist {
		dist[i] = make([]int, m+1)
		dist[i][0] = i
	}
	for j := 0; j <= m; j++ {
		dist[0][j] = j
	}
	for i := 1; i <= n; i++ {
		for j := 1; j <= m; j++ {
			if Equal(as[i-1], bs[j-1]) {
				dist[i][j] = dist[i-1][j-1]
				continue
			}
			best := dist[i-1][j-1] + 1
			if d := dist[i-1][j] + 1; d < best {
				best = d
			}
			if d := dist[i][j-1] + 1; d < best {
				best = d
			}
			dist[i][j] = best
		}
	}

	// Walk back from the end so every emitted index is still valid when the
	// operations are applied in order.
	i, j := n, m
	for i > 0 || j > 0 {
		var kind editKind
		switch {
		case i > 0 && j > 0 && Equal(as[i-1], bs[j-1]) && dist[i][j] == dist[i-1][j-1]:
			kind = editKeep
		case i > 0 && j > 0 && dist[i][j] == dist[i-1][j-1]+1:
			kind = editReplace
		case i > 0 && dist[i][j] == dist[i-1][j]+1:
			kind = editRemove
		default:
			kind = editInsert
		}

		switch kind {
		case editKeep:
			i--
			j--
		case editReplace:
			*ops = append(*ops, Operation{Op: OpReplace, Path: JoinPath(path, strconv.Itoa(prefix+i-1)), Value: bs[j-1]})
			i--
			j--
		case editRemove:
			*ops = append(*ops, Operation{Op: OpRemove, Path: JoinPath(path, strconv.Itoa(prefix+i-1))})
			i--
		case editInsert:
			*ops = append(*ops, Operation{Op: OpAdd, Path: JoinPath(path, strconv.Itoa(prefix+i)), Value: bs[j-1]})
			j--
		}
	}
}

package aggregate

import "reflect"

// diffFields walks prev and next in lock-step and returns the dotted
// leaf paths whose value differs. Arrays are compared as whole values,
// never element-wise, matching spec.md §4.6: an append to a list is one
// CellChange at the list's own path, not one per element.
func diffFields(prev, next map[string]interface{}) [][]string {
	var paths [][]string
	diffInto(prev, next, nil, &paths)
	return paths
}

func diffInto(prev, next interface{}, path []string, paths *[][]string) {
	prevMap, prevIsMap := prev.(map[string]interface{})
	nextMap, nextIsMap := next.(map[string]interface{})

	if prevIsMap && nextIsMap {
		diffMaps(prevMap, nextMap, path, paths)
		return
	}

	if !valuesEqual(prev, next) {
		*paths = append(*paths, append([]string{}, path...))
	}
}

func diffMaps(prev, next map[string]interface{}, path []string, paths *[][]string) {
	keys := make(map[string]struct{}, len(prev)+len(next))
	for k := range prev {
		keys[k] = struct{}{}
	}
	for k := range next {
		keys[k] = struct{}{}
	}

	for k := range keys {
		childPath := append(append([]string{}, path...), k)
		pv, pOk := prev[k]
		nv, nOk := next[k]

		switch {
		case pOk && !nOk, !pOk && nOk:
			*paths = append(*paths, childPath)
		case pOk && nOk:
			diffInto(pv, nv, childPath, paths)
		}
	}
}

// valuesEqual treats arrays/slices and scalars alike as opaque leaves
// compared by deep equality.
func valuesEqual(a, b interface{}) bool {
	return reflect.DeepEqual(a, b)
}

// GetNestedValue walks a dotted field path through a decoded document,
// returning the value and whether every segment along the path existed.
// Paths never address into an array (diffFields treats arrays as
// opaque leaves), so only map traversal is needed. Exported for
// consumers that resolve a CellChange's current value for display,
// e.g. the CLI's watch command.
func GetNestedValue(obj map[string]interface{}, path []string) (interface{}, bool) {
	var current interface{} = obj
	for _, field := range path {
		m, ok := current.(map[string]interface{})
		if !ok {
			return nil, false
		}
		current, ok = m[field]
		if !ok {
			return nil, false
		}
	}
	return current, true
}

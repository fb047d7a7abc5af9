package schema

import "sort"

// Merge computes the structural union of one or more per-context field
// trees, per spec.md §4.4's merge semantics. Merge is symmetric and
// order-independent: Merge(a, b) and Merge(b, a) produce equal trees,
// because every rule below only ever inspects the *set* of node shapes
// present across trees, never a specific tree's position in the slice.
func Merge(trees []*Node) *Node {
	if len(trees) == 0 {
		return nil
	}
	if len(trees) == 1 {
		return trees[0]
	}
	return mergeNodes(trees)
}

func mergeNodes(nodes []*Node) *Node {
	first := nodes[0]
	merged := &Node{
		Name:     first.Name,
		FullPath: first.FullPath,
		Level:    first.Level,
	}

	// Ignored-ness is a configuration property of the path, identical
	// across every context's tree for that path; any one tree's value
	// is authoritative.
	for _, n := range nodes {
		if n.Ignored {
			merged.Ignored = true
			break
		}
	}
	if merged.Ignored {
		merged.Type = shapeAgreement(nodes)
		return merged
	}

	shape := shapeAgreement(nodes)
	merged.Type = shape

	switch shape {
	case TypeUnknown:
		// Irreconcilable: drop children, keep name visible.
		return merged
	case TypeScalar:
		merged.Scalar = nodes[0].Scalar
		return merged
	case TypeContainer:
		elementNodes := make([]*Node, 0, len(nodes))
		for _, n := range nodes {
			if child := childNamed(n, ScalarWildcard); child != nil {
				elementNodes = append(elementNodes, child)
			}
		}
		if len(elementNodes) > 0 {
			merged.Children = []*Node{mergeNodes(elementNodes)}
		}
		return merged
	case TypeObject:
		merged.Children = mergeObjectChildren(nodes)
		return merged
	default:
		return merged
	}
}

// shapeAgreement reports the unified NodeType across nodes: the common
// type if every node agrees (scalar nodes must also agree on Scalar
// kind), otherwise TypeUnknown.
func shapeAgreement(nodes []*Node) NodeType {
	first := nodes[0]
	for _, n := range nodes[1:] {
		if n.Type != first.Type {
			return TypeUnknown
		}
		if first.Type == TypeScalar && n.Scalar != first.Scalar {
			return TypeUnknown
		}
	}
	return first.Type
}

func childNamed(node *Node, name string) *Node {
	for _, c := range node.Children {
		if c.Name == name {
			return c
		}
	}
	return nil
}

// mergeObjectChildren unions child names across nodes' children lists,
// merging each name's contributing child nodes (only from the trees
// that have it) and sorting for deterministic output.
func mergeObjectChildren(nodes []*Node) []*Node {
	order := make([]string, 0)
	byName := make(map[string][]*Node)

	for _, n := range nodes {
		for _, c := range n.Children {
			if _, seen := byName[c.Name]; !seen {
				order = append(order, c.Name)
			}
			byName[c.Name] = append(byName[c.Name], c)
		}
	}
	sort.Strings(order)

	result := make([]*Node, 0, len(order))
	for _, name := range order {
		result = append(result, mergeNodes(byName[name]))
	}
	return result
}

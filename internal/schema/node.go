package schema

import (
	"sort"
	"strings"

	"k8s.io/kube-openapi/pkg/spec3"
	kubespec "k8s.io/kube-openapi/pkg/validation/spec"
)

// NodeType classifies a SchemaNode per spec.md §3.
type NodeType string

const (
	TypeScalar    NodeType = "scalar"
	TypeContainer NodeType = "container"
	TypeObject    NodeType = "object"
	TypeUnknown   NodeType = "unknown"
)

// ScalarWildcard is the child name used for array/map element shapes.
const ScalarWildcard = "*"

// Node is a field-tree node: {name, type, fullPath, level, children}.
type Node struct {
	Name     string
	Type     NodeType
	Scalar   string // populated when Type == TypeScalar: string/integer/boolean/number
	FullPath []string
	Level    int
	Ignored  bool
	Children []*Node
}

// maxDepth bounds recursion through self-referential schemas (e.g.
// JSONSchemaProps recursing into itself via x-kubernetes-preserve-unknown-fields
// structures) when the cycle guard alone isn't enough to keep the walk finite.
const maxDepth = 24

// buildTree builds a field tree rooted at propSchema. ignored is the set
// of dotted field paths (e.g. "metadata.managedFields") whose subtree is
// not expanded.
func buildTree(name string, path []string, level int, propSchema *kubespec.Schema, doc *documentT, ignored map[string]bool) *Node {
	node := &Node{Name: name, FullPath: append([]string{}, path...), Level: level}

	if level > maxDepth {
		node.Type = TypeUnknown
		return node
	}

	if ignored[strings.Join(node.FullPath, ".")] {
		node.Ignored = true
		node.Type = classify(propSchema, doc)
		return node
	}

	resolved := propSchema
	refString := propSchema.Ref.String()
	if refString != "" {
		if doc.history[refString] {
			node.Type = TypeObject
			return node
		}
		doc.history[refString] = true
		defer delete(doc.history, refString)

		if r := resolveRef(refString, doc.openapi); r != nil {
			resolved = r
		}
	}

	node.Type = classify(resolved, doc)
	if node.Type == TypeScalar {
		node.Scalar = scalarKind(resolved, doc)
	}

	switch node.Type {
	case TypeObject:
		keys := make([]string, 0, len(resolved.Properties))
		for key := range resolved.Properties {
			keys = append(keys, key)
		}
		sort.Strings(keys)
		for _, key := range keys {
			prop := resolved.Properties[key]
			node.Children = append(node.Children, buildTree(key, append(path, key), level+1, &prop, doc, ignored))
		}
		for _, sub := range resolved.AllOf {
			sub := sub
			merged := buildTree(name, path, level, &sub, doc, ignored)
			node.Children = append(node.Children, merged.Children...)
		}
	case TypeContainer:
		if resolved.Items != nil && resolved.Items.Schema != nil {
			node.Children = []*Node{buildTree(ScalarWildcard, append(path, ScalarWildcard), level+1, resolved.Items.Schema, doc, ignored)}
		} else if resolved.AdditionalProperties != nil && resolved.AdditionalProperties.Schema != nil {
			node.Children = []*Node{buildTree(ScalarWildcard, append(path, ScalarWildcard), level+1, resolved.AdditionalProperties.Schema, doc, ignored)}
		}
	}

	return node
}

// classify maps a resolved schema onto scalar/container/object/unknown.
func classify(s *kubespec.Schema, doc *documentT) NodeType {
	if s == nil {
		return TypeUnknown
	}

	if s.Items != nil && s.Items.Schema != nil {
		return TypeContainer
	}
	if s.AdditionalProperties != nil && s.AdditionalProperties.Schema != nil {
		return TypeContainer
	}

	if refString := s.Ref.String(); refString != "" {
		if resolved := resolveRef(refString, doc.openapi); resolved != nil {
			return classify(resolved, doc)
		}
		return TypeUnknown
	}

	if len(s.AllOf) == 1 && len(s.Properties) == 0 {
		sub := s.AllOf[0]
		return classify(&sub, doc)
	}

	if len(s.Type) == 0 {
		if len(s.Properties) > 0 || len(s.AllOf) > 0 {
			return TypeObject
		}
		return TypeObject // untyped object schema, e.g. x-kubernetes-preserve-unknown-fields
	}

	switch s.Type[0] {
	case "object":
		return TypeObject
	case "string", "integer", "boolean", "number":
		return TypeScalar
	default:
		return TypeUnknown
	}
}

// scalarKind returns the primitive type name for a scalar node, used to
// populate Node.Scalar.
func scalarKind(s *kubespec.Schema, doc *documentT) string {
	resolved := s
	if refString := s.Ref.String(); refString != "" {
		if r := resolveRef(refString, doc.openapi); r != nil {
			resolved = r
		}
	}
	if len(resolved.Type) == 0 {
		return ""
	}
	return resolved.Type[0]
}

// documentT bundles an OpenAPI document with the circular-ref guard used
// while walking it, scoped to one FieldTree call.
type documentT struct {
	openapi *spec3.OpenAPI
	history map[string]bool
}

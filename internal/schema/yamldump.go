package schema

import "sigs.k8s.io/yaml"

// dumpable mirrors a Node for YAML rendering without exporting the
// internal pointer-graph shape directly.
type dumpable struct {
	Name     string      `json:"name"`
	Type     NodeType    `json:"type"`
	Scalar   string      `json:"scalar,omitempty"`
	FullPath []string    `json:"fullPath"`
	Ignored  bool        `json:"ignored,omitempty"`
	Children []*dumpable `json:"children,omitempty"`
}

func toDumpable(n *Node) *dumpable {
	if n == nil {
		return nil
	}
	d := &dumpable{Name: n.Name, Type: n.Type, Scalar: n.Scalar, FullPath: n.FullPath, Ignored: n.Ignored}
	for _, c := range n.Children {
		d.Children = append(d.Children, toDumpable(c))
	}
	return d
}

// DumpYAML renders a field tree as YAML, for debugging and the CLI's
// `schema` subcommand.
func DumpYAML(n *Node) (string, error) {
	out, err := yaml.Marshal(toDumpable(n))
	if err != nil {
		return "", err
	}
	return string(out), nil
}

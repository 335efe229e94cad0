package modelspec

import (
	"fmt"
	"io"
	"strings"

	"github.com/goccy/go-json"

	"github.com/samcharles93/qtree/pkg/nn"
)

// Node is a printable snapshot of one module in a tree.
type Node struct {
	Name     string   `json:"name"`
	Path     string   `json:"path"`
	Kind     nn.Kind  `json:"kind"`
	Inner    nn.Kind  `json:"inner,omitempty"`
	Parts    []string `json:"parts,omitempty"`
	QConfig  string   `json:"qconfig,omitempty"`
	Skip     bool     `json:"skip,omitempty"`
	Observer string   `json:"observer,omitempty"`
	Training bool     `json:"training"`
	Children []Node   `json:"children,omitempty"`
}

// Dump snapshots root. Probed modules report the module they wrap in Inner
// and their probe in Observer. Fused modules list their part kinds.
func Dump(root nn.Module) Node {
	return dump("", "", root)
}

func dump(name, path string, m nn.Module) Node {
	meta := m.Meta()
	n := Node{
		Name:     name,
		Path:     path,
		Kind:     m.Kind(),
		Skip:     meta.Skip,
		Training: meta.Training,
	}
	if meta.Effective != nil {
		n.QConfig = meta.Effective.String()
	}
	if obs, ok := m.(*nn.Observed); ok {
		n.Inner = obs.Module.Kind()
		n.Observer = obs.Probe.Spec().String()
		m = obs.Module
	}
	if comp, ok := m.(nn.Composite); ok {
		for _, p := range comp.Parts() {
			n.Parts = append(n.Parts, string(p.Kind()))
		}
	}
	if c, ok := m.(nn.Container); ok {
		for _, child := range c.Names() {
			cm, _ := c.Child(child)
			n.Children = append(n.Children, dump(child, nn.Join(path, child), cm))
		}
	}
	return n
}

// WriteText prints the tree with one line per node, children indented.
func (n Node) WriteText(w io.Writer) error {
	return n.writeText(w, 0)
}

func (n Node) writeText(w io.Writer, depth int) error {
	name := n.Name
	if name == "" {
		name = "(root)"
	}
	var b strings.Builder
	b.WriteString(strings.Repeat("  ", depth))
	b.WriteString(name)
	b.WriteString(" ")
	b.WriteString(string(n.Kind))
	if n.Inner != "" {
		fmt.Fprintf(&b, "(%s)", n.Inner)
	}
	if len(n.Parts) > 0 {
		fmt.Fprintf(&b, "[%s]", strings.Join(n.Parts, ","))
	}
	switch {
	case n.Skip:
		b.WriteString(" skip")
	case n.QConfig != "":
		fmt.Fprintf(&b, " qconfig=%s", n.QConfig)
	}
	if n.Observer != "" {
		fmt.Fprintf(&b, " observer=%s", n.Observer)
	}
	b.WriteString("\n")
	if _, err := io.WriteString(w, b.String()); err != nil {
		return err
	}
	for _, c := range n.Children {
		if err := c.writeText(w, depth+1); err != nil {
			return err
		}
	}
	return nil
}

// WriteJSON prints the tree as indented JSON.
func (n Node) WriteJSON(w io.Writer) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(n)
}

// Find returns the node at path.
func (n Node) Find(path string) (Node, bool) {
	if n.Path == path {
		return n, true
	}
	for _, c := range n.Children {
		if c.Path == path || strings.HasPrefix(path, c.Path+".") {
			return c.Find(path)
		}
	}
	return Node{}, false
}

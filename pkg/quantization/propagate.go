package quantization

import (
	"fmt"

	"github.com/samcharles93/qtree/pkg/nn"
	"github.com/samcharles93/qtree/pkg/qconfig"
)

// Conflict records a node whose own configuration disagrees with the one it
// would otherwise receive. The nearer configuration always wins.
type Conflict struct {
	Path string
	// Replaced is the configuration that lost: the inherited one, or the
	// module's own when an override won.
	Replaced *qconfig.QConfig
	// Chosen is the configuration the node received.
	Chosen *qconfig.QConfig
	// Override is true when Chosen came from Options.Overrides.
	Override bool
}

func (c Conflict) Error() string {
	src := "explicit"
	if c.Override {
		src = "override"
	}
	return fmt.Sprintf("%s: %s config %s replaces %s", c.Path, src, c.Chosen, c.Replaced)
}

func (c Conflict) Unwrap() error { return ErrConflictingConfiguration }

// Propagate assigns every node its effective configuration: its own
// configuration (or a path override), else its parent's, else opts.Default
// at the root. Skipped nodes and everything below them get none. The
// returned conflicts are informational.
func Propagate(root nn.Module, opts Options) []Conflict {
	p := propagator{opts: opts}
	p.visit("", root, opts.Default, false)
	for _, c := range p.conflicts {
		opts.log().Debug("configuration conflict", "path", c.Path, "override", c.Override,
			"replaced", c.Replaced.String(), "chosen", c.Chosen.String())
	}
	return p.conflicts
}

type propagator struct {
	opts      Options
	conflicts []Conflict
}

func (p *propagator) visit(path string, m nn.Module, inherited *qconfig.QConfig, skipped bool) {
	meta := m.Meta()
	skipped = skipped || meta.Skip
	if skipped {
		meta.Effective = nil
	} else {
		eff := inherited
		explicit := meta.QConfig
		if o, ok := p.opts.Overrides[path]; ok && o != nil {
			if explicit != nil && !explicit.Equal(o) {
				p.conflicts = append(p.conflicts, Conflict{Path: path, Replaced: explicit, Chosen: o, Override: true})
			}
			explicit = o
		}
		if explicit != nil {
			if inherited != nil && !inherited.Equal(explicit) {
				p.conflicts = append(p.conflicts, Conflict{Path: path, Replaced: inherited, Chosen: explicit})
			}
			eff = explicit
		}
		meta.Effective = eff
	}

	c, ok := m.(nn.Container)
	if !ok {
		return
	}
	for _, name := range c.Names() {
		child, _ := c.Child(name)
		p.visit(nn.Join(path, name), child, meta.Effective, skipped)
	}
}

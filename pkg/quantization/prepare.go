package quantization

import (
	"fmt"
	"strconv"

	"github.com/samcharles93/qtree/pkg/nn"
	"github.com/samcharles93/qtree/pkg/qconfig"
)

// Prepare propagates configurations and instruments the tree for
// calibration. Every configured leaf that has a quantized counterpart, and
// every configured QuantStub, is wrapped with a probe built from its
// activation spec. Unless opts.NoAutoStubs is set, quant and dequant adapters
// are then inserted wherever the stream switches between float and quantized
// modules. Prepare is idempotent.
//
// The returned module is root, except when root itself is an instrumented
// leaf.
func Prepare(root nn.Module, opts Options) (nn.Module, error) {
	Propagate(root, opts)
	p := preparer{opts: opts, mapping: opts.mapping()}

	out, err := p.instrument("", root)
	if err != nil {
		return root, err
	}
	if opts.NoAutoStubs {
		return out, nil
	}
	if nn.IsLeaf(out) {
		return p.wrapRoot(out)
	}
	if err := p.insertAdapters(out); err != nil {
		return out, err
	}
	opts.log().Info("prepared model", "probes", p.probes, "adapters", p.adapters)
	return out, nil
}

type preparer struct {
	opts    Options
	mapping Mapping

	probes   int
	adapters int
}

func (p *preparer) instrument(path string, m nn.Module) (nn.Module, error) {
	if c, ok := m.(nn.Container); ok {
		for _, name := range c.Names() {
			child, _ := c.Child(name)
			next, err := p.instrument(nn.Join(path, name), child)
			if err != nil {
				return m, err
			}
			if next != child {
				if err := c.SetChild(name, next); err != nil {
					return m, err
				}
			}
		}
		return m, nil
	}
	return p.observe(path, m)
}

func (p *preparer) observe(path string, m nn.Module) (nn.Module, error) {
	if nn.HasObserver(m) {
		return m, nil
	}
	cfg := m.Meta().Effective
	if cfg == nil {
		return m, nil
	}
	if _, ok := p.mapping[m.Kind()]; !ok && m.Kind() != nn.KindQuantStub {
		if m.Kind() != nn.KindDeQuantStub && m.Kind() != nn.KindFlatten && m.Kind() != nn.KindIdentity {
			p.opts.log().Debug("no quantized counterpart", "path", path, "kind", m.Kind())
		}
		return m, nil
	}
	// the weight observer is only built at conversion, so check it here
	if err := cfg.Validate(); err != nil {
		return m, &nn.PathError{Op: "prepare", Path: path, Err: err}
	}
	obs, err := nn.Observe(m, cfg.Activation)
	if err != nil {
		return m, &nn.PathError{Op: "prepare", Path: path, Err: err}
	}
	p.probes++
	p.opts.log().Debug("attached probe", "path", path, "kind", m.Kind(), "observer", cfg.Activation.String())
	return obs, nil
}

// domain is the representation a leaf consumes or produces.
type domain int

const (
	anyDomain domain = iota
	floatDomain
	quantDomain
)

func flow(m nn.Module) (in, out domain) {
	k := nn.Unwrap(m).Kind()
	cfg := m.Meta().Effective
	switch {
	case nn.HasObserver(m) && k == nn.KindQuantStub:
		return floatDomain, quantDomain
	case nn.HasObserver(m) && cfg.QuantizedActivations():
		return quantDomain, quantDomain
	case nn.HasObserver(m):
		return floatDomain, floatDomain
	case k == nn.KindDeQuantStub && cfg != nil, k == nn.KindDeQuantize:
		return anyDomain, floatDomain
	case k == nn.KindQuantize:
		return floatDomain, quantDomain
	case k == nn.KindQuantStub, k == nn.KindDeQuantStub, k == nn.KindFlatten, k == nn.KindIdentity:
		return anyDomain, anyDomain
	case k == nn.KindQuantizedLinearFP16:
		return floatDomain, floatDomain
	case k.IsQuantizedKernel():
		return quantDomain, quantDomain
	}
	return floatDomain, floatDomain
}

// site is a leaf and the container slot it occupies.
type site struct {
	parent inserter
	name   string
	path   string
	m      nn.Module
}

type inserter interface {
	nn.Container
	InsertBefore(ref, name string, m nn.Module) error
	InsertAfter(ref, name string, m nn.Module) error
}

func collect(path string, c nn.Container, out []site) []site {
	ins, _ := c.(inserter)
	for _, name := range c.Names() {
		child, _ := c.Child(name)
		childPath := nn.Join(path, name)
		if cc, ok := child.(nn.Container); ok {
			out = collect(childPath, cc, out)
			continue
		}
		out = append(out, site{parent: ins, name: name, path: childPath, m: child})
	}
	return out
}

// insertAdapters walks the leaves in execution order, tracking whether the
// stream carries float or quantized tensors, and bridges every mismatch.
func (p *preparer) insertAdapters(root nn.Module) error {
	c, ok := root.(nn.Container)
	if !ok {
		return nil
	}
	state := floatDomain
	var producer *site
	for _, s := range collect("", c, nil) {
		in, out := flow(s.m)
		switch {
		case in == quantDomain && state == floatDomain:
			if err := p.insertQuant(s); err != nil {
				return err
			}
		case in == floatDomain && state == quantDomain:
			if err := p.insertDeQuant(*producer); err != nil {
				return err
			}
		}
		if out != anyDomain {
			state = out
		}
		if out == quantDomain {
			producer = &s
		}
	}
	if state == quantDomain {
		return p.insertDeQuant(*producer)
	}
	return nil
}

func (p *preparer) insertQuant(s site) error {
	if s.parent == nil {
		return &nn.PathError{Op: "prepare", Path: s.path, Err: fmt.Errorf("container cannot take an adapter")}
	}
	cfg := s.m.Meta().Effective
	stub := nn.WithQConfig(nn.NewQuantStub(), cfg)
	stub.Meta().Effective = cfg
	stub.Meta().Training = s.m.Meta().Training
	obs, err := nn.Observe(stub, cfg.Activation)
	if err != nil {
		return &nn.PathError{Op: "prepare", Path: s.path, Err: err}
	}
	name := uniqueName(s.parent, s.name+"_quant")
	if err := s.parent.InsertBefore(s.name, name, obs); err != nil {
		return err
	}
	p.adapters++
	p.opts.log().Debug("inserted quant adapter", "path", s.path, "name", name)
	return nil
}

func (p *preparer) insertDeQuant(s site) error {
	if s.parent == nil {
		return &nn.PathError{Op: "prepare", Path: s.path, Err: fmt.Errorf("container cannot take an adapter")}
	}
	cfg := s.m.Meta().Effective
	if cfg == nil {
		cfg = p.opts.Default
	}
	if cfg == nil {
		cfg = qconfig.Default()
	}
	stub := nn.WithQConfig(nn.NewDeQuantStub(), cfg)
	stub.Meta().Effective = cfg
	stub.Meta().Training = s.m.Meta().Training
	name := uniqueName(s.parent, s.name+"_dequant")
	if err := s.parent.InsertAfter(s.name, name, stub); err != nil {
		return err
	}
	p.adapters++
	p.opts.log().Debug("inserted dequant adapter", "path", s.path, "name", name)
	return nil
}

// wrapRoot bridges a root that is itself an instrumented leaf by wrapping it
// in a QuantWrapper.
func (p *preparer) wrapRoot(m nn.Module) (nn.Module, error) {
	in, out := flow(m)
	if in != quantDomain && out != quantDomain {
		return m, nil
	}
	cfg := m.Meta().Effective
	w := nn.QuantWrapper(m)
	w.Meta().QConfig = cfg
	nn.SetTraining(w, m.Meta().Training)
	Propagate(w, p.opts)
	return p.instrument("", w)
}

func uniqueName(c nn.Container, base string) string {
	name := base
	for i := 1; ; i++ {
		if _, ok := c.Child(name); !ok {
			return name
		}
		name = base + "_" + strconv.Itoa(i)
	}
}

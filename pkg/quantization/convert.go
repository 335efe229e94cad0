package quantization

import (
	"github.com/samcharles93/qtree/pkg/nn"
	"github.com/samcharles93/qtree/pkg/nn/quantized"
	"github.com/samcharles93/qtree/pkg/observer"
	"github.com/samcharles93/qtree/pkg/quant"
)

// Convert replaces every probed module with the module its mapping builds
// from the probe's parameters, turns configured stubs into Quantize and
// DeQuantize, and leaves everything else alone. A probe that never saw data
// fails with ErrEmptyCalibrationRange.
//
// The returned module is root, except when root itself is converted.
func Convert(root nn.Module, opts Options) (nn.Module, error) {
	c := converter{opts: opts, mapping: opts.mapping()}
	out, err := c.visit("", root)
	if err != nil {
		return root, err
	}
	opts.log().Info("converted model", "modules", c.converted)
	return out, nil
}

type converter struct {
	opts      Options
	mapping   Mapping
	converted int
}

func (c *converter) visit(path string, m nn.Module) (nn.Module, error) {
	if ct, ok := m.(nn.Container); ok {
		for _, name := range ct.Names() {
			child, _ := ct.Child(name)
			next, err := c.visit(nn.Join(path, name), child)
			if err != nil {
				return m, err
			}
			if next != child {
				if err := ct.SetChild(name, next); err != nil {
					return m, err
				}
			}
		}
		return m, nil
	}

	var (
		out nn.Module
		err error
	)
	switch obs := m.(type) {
	case *nn.Observed:
		out, err = c.convertObserved(obs)
	default:
		if m.Kind() != nn.KindDeQuantStub || m.Meta().Effective == nil {
			return m, nil
		}
		out = quantized.NewDeQuantize()
	}
	if err != nil {
		return m, &nn.PathError{Op: "convert", Path: path, Err: err}
	}
	if out != nn.Unwrap(m) {
		*out.Meta() = *m.Meta()
		c.converted++
	}
	c.opts.log().Debug("converted", "path", path, "from", nn.Unwrap(m).Kind(), "to", out.Kind())
	return out, nil
}

func (c *converter) convertObserved(obs *nn.Observed) (nn.Module, error) {
	inner := obs.Module
	cfg := inner.Meta().Effective
	if cfg == nil {
		return inner, nil
	}
	act, err := probeParams(obs.Probe)
	if err != nil {
		return nil, err
	}
	if inner.Kind() == nn.KindQuantStub {
		if !act.DType.IsQuantized() {
			return inner, nil
		}
		return quantized.NewQuantize(act)
	}
	fn, ok := c.mapping[inner.Kind()]
	if !ok {
		return inner, nil
	}
	return fn(ConvertInput{Module: inner, Activation: act, QConfig: cfg})
}

// probeParams returns the output grid recorded by probe. Float probes need no
// observations.
func probeParams(probe observer.Observer) (quant.Params, error) {
	spec := probe.Spec()
	if spec.DType.IsQuantized() && probe.Count() == 0 {
		return quant.Params{}, observer.ErrEmptyRange
	}
	return probe.Params()
}

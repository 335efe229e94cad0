package nn

import (
	"github.com/samcharles93/qtree/pkg/observer"
	"github.com/samcharles93/qtree/pkg/tensor"
)

// Observed runs a module and records statistics of its output with Probe.
// It shares the wrapped module's metadata, so it stands in for the module
// wherever the tree is inspected. In evaluation mode the output is returned
// unchanged; in training mode a fake-quantize probe rounds it.
type Observed struct {
	Module Module
	Probe  observer.Observer
}

// Observe wraps m with a probe built from spec.
func Observe(m Module, spec observer.Spec) (*Observed, error) {
	probe, err := observer.New(spec)
	if err != nil {
		return nil, err
	}
	return &Observed{Module: m, Probe: probe}, nil
}

func (o *Observed) Kind() Kind      { return KindObserved }
func (o *Observed) Meta() *Meta     { return o.Module.Meta() }
func (o *Observed) Parts() []Module { return []Module{o.Module} }

func (o *Observed) Forward(x *tensor.Tensor) (*tensor.Tensor, error) {
	y, err := o.Module.Forward(x)
	if err != nil {
		return nil, err
	}
	return o.Probe.Observe(y, o.Module.Meta().Training)
}

// Backward treats the probe as identity and continues into the module.
func (o *Observed) Backward(grad *tensor.Tensor) (*tensor.Tensor, error) {
	return Backward(o.Module, grad)
}

func (o *Observed) Parameters() []*Param { return Parameters(o.Module) }

// Unwrap returns the module inside any number of probe wrappers.
func Unwrap(m Module) Module {
	for {
		o, ok := m.(*Observed)
		if !ok {
			return m
		}
		m = o.Module
	}
}

// HasObserver reports whether m carries a probe.
func HasObserver(m Module) bool {
	_, ok := m.(*Observed)
	return ok
}

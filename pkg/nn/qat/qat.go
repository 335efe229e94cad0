// Package qat holds the training-time counterparts of the float layers. Each
// keeps float weights but runs them through a weight fake quantizer in
// training mode, so the optimizer sees the rounding the deployed kernel will
// apply. Gradients pass the fake quantizer unchanged.
package qat

import (
	"fmt"

	"github.com/samcharles93/qtree/pkg/nn"
	"github.com/samcharles93/qtree/pkg/observer"
	"github.com/samcharles93/qtree/pkg/qconfig"
	"github.com/samcharles93/qtree/pkg/quant"
	"github.com/samcharles93/qtree/pkg/tensor"
)

// weightFakeQuant builds the weight probe for cfg. A configuration without
// fake quantization on its weight spec gets it switched on.
func weightFakeQuant(cfg *qconfig.QConfig) (*observer.FakeQuantize, error) {
	if cfg == nil {
		return nil, fmt.Errorf("qat: module has no quantization config")
	}
	spec := cfg.Weight
	spec.FakeQuant = true
	obs, err := observer.New(spec)
	if err != nil {
		return nil, fmt.Errorf("qat weight: %w", err)
	}
	fq, ok := obs.(*observer.FakeQuantize)
	if !ok {
		return nil, fmt.Errorf("qat weight: %w: %s", observer.ErrUnsupportedKind, spec)
	}
	return fq, nil
}

// weightState is shared by every QAT layer: the float weight, the probe that
// rounds it, and the weight actually used by the last forward pass.
type weightState struct {
	Weight    *tensor.Tensor
	FakeQuant *observer.FakeQuantize
	used      *tensor.Tensor
	input     *tensor.Tensor
}

func (w *weightState) effective(training bool) (*tensor.Tensor, error) {
	return w.FakeQuant.Observe(w.Weight, training)
}

// WeightParams returns the weight quantization parameters, observing the
// current weight first if training never ran.
func (w *weightState) WeightParams() (quant.Params, error) {
	if w.FakeQuant.Count() == 0 {
		if _, err := w.FakeQuant.Observe(w.Weight, false); err != nil {
			return quant.Params{}, err
		}
	}
	return w.FakeQuant.Params()
}

// Linear is a fully connected layer with fake-quantized weights.
type Linear struct {
	nn.Base
	weightState
	Bias   []float32
	params []*nn.Param
}

// NewLinear converts a float layer. The new module shares the float layer's
// parameters and inherits its annotations.
func NewLinear(l *nn.Linear, cfg *qconfig.QConfig) (*Linear, error) {
	fq, err := weightFakeQuant(cfg)
	if err != nil {
		return nil, err
	}
	q := &Linear{
		weightState: weightState{Weight: l.Weight, FakeQuant: fq},
		Bias:        l.Bias,
		params:      l.Parameters(),
	}
	*q.Meta() = *l.Meta()
	return q, nil
}

func (l *Linear) Kind() nn.Kind { return nn.KindQATLinear }

func (l *Linear) Forward(x *tensor.Tensor) (*tensor.Tensor, error) {
	training := l.Meta().Training
	w, err := l.effective(training)
	if err != nil {
		return nil, err
	}
	y, err := tensor.Linear(x, w, l.Bias)
	if err != nil {
		return nil, err
	}
	if training {
		l.input, l.used = x, w
	}
	return y, nil
}

func (l *Linear) Backward(grad *tensor.Tensor) (*tensor.Tensor, error) {
	return nn.LinearBackwardWith(l.input, l.used, l.params, grad)
}

func (l *Linear) Parameters() []*nn.Param { return l.params }

// ToFloat returns a float layer over the same parameters.
func (l *Linear) ToFloat() (*nn.Linear, error) {
	return nn.NewLinearFrom(l.Weight, l.Bias)
}

// Conv2d is a convolution with fake-quantized weights.
type Conv2d struct {
	nn.Base
	weightState
	Bias     []float32
	Geometry tensor.ConvParams
	params   []*nn.Param
}

func NewConv2d(c *nn.Conv2d, cfg *qconfig.QConfig) (*Conv2d, error) {
	fq, err := weightFakeQuant(cfg)
	if err != nil {
		return nil, err
	}
	q := &Conv2d{
		weightState: weightState{Weight: c.Weight, FakeQuant: fq},
		Bias:        c.Bias,
		Geometry:    c.Geometry,
		params:      c.Parameters(),
	}
	*q.Meta() = *c.Meta()
	return q, nil
}

func (c *Conv2d) Kind() nn.Kind { return nn.KindQATConv2d }

func (c *Conv2d) Forward(x *tensor.Tensor) (*tensor.Tensor, error) {
	training := c.Meta().Training
	w, err := c.effective(training)
	if err != nil {
		return nil, err
	}
	y, err := tensor.Conv2d(x, w, c.Bias, c.Geometry)
	if err != nil {
		return nil, err
	}
	if training {
		c.input, c.used = x, w
	}
	return y, nil
}

func (c *Conv2d) Backward(grad *tensor.Tensor) (*tensor.Tensor, error) {
	return nn.Conv2dBackwardWith(c.input, c.used, c.Geometry, c.params, grad)
}

func (c *Conv2d) Parameters() []*nn.Param { return c.params }

func (c *Conv2d) ToFloat() (*nn.Conv2d, error) {
	return nn.NewConv2dFrom(c.Weight, c.Bias, c.Geometry)
}

// ConvReLU2d is Conv2d followed by ReLU.
type ConvReLU2d struct {
	nn.Base
	Conv *Conv2d
	Act  *nn.ReLU
}

func NewConvReLU2d(m *nn.ConvReLU2d, cfg *qconfig.QConfig) (*ConvReLU2d, error) {
	conv, err := NewConv2d(m.Conv, cfg)
	if err != nil {
		return nil, err
	}
	q := &ConvReLU2d{Conv: conv, Act: m.Act}
	*q.Meta() = *m.Meta()
	return q, nil
}

func (m *ConvReLU2d) Kind() nn.Kind { return nn.KindQATConvReLU2d }

func (m *ConvReLU2d) Parts() []nn.Module { return []nn.Module{m.Conv, m.Act} }

func (m *ConvReLU2d) Forward(x *tensor.Tensor) (*tensor.Tensor, error) {
	y, err := m.Conv.Forward(x)
	if err != nil {
		return nil, err
	}
	return m.Act.Forward(y)
}

func (m *ConvReLU2d) Backward(grad *tensor.Tensor) (*tensor.Tensor, error) {
	g, err := m.Act.Backward(grad)
	if err != nil {
		return nil, err
	}
	return m.Conv.Backward(g)
}

func (m *ConvReLU2d) Parameters() []*nn.Param { return m.Conv.Parameters() }

// WeightParams returns the convolution's weight parameters.
func (m *ConvReLU2d) WeightParams() (quant.Params, error) { return m.Conv.WeightParams() }

// WeightQuantized is implemented by modules that carry their own weight
// quantization parameters.
type WeightQuantized interface {
	WeightParams() (quant.Params, error)
}

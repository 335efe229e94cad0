package qat

import (
	"math"

	"github.com/samcharles93/qtree/pkg/nn"
	"github.com/samcharles93/qtree/pkg/observer"
	"github.com/samcharles93/qtree/pkg/qconfig"
	"github.com/samcharles93/qtree/pkg/quant"
	"github.com/samcharles93/qtree/pkg/tensor"
)

// bnFolded is the convolution half of a fused conv and batch norm. In
// training the weight is scaled by gamma / sqrt(running_var + eps), fake
// quantized on that folded grid and scaled back, so the rounding matches the
// kernel conversion will build from the folded convolution. Batch norm still
// runs on batch statistics after it.
type bnFolded struct {
	Conv      *nn.Conv2d
	Bn        *nn.BatchNorm2d
	FakeQuant *observer.FakeQuantize
	used      *tensor.Tensor
	input     *tensor.Tensor
}

func newBnFolded(conv *nn.Conv2d, bn *nn.BatchNorm2d, cfg *qconfig.QConfig) (bnFolded, error) {
	fq, err := weightFakeQuant(cfg)
	if err != nil {
		return bnFolded{}, err
	}
	return bnFolded{Conv: conv, Bn: bn, FakeQuant: fq}, nil
}

// foldScale is the per-channel factor batch norm folding applies to the
// weight.
func (f *bnFolded) foldScale() []float64 {
	out := make([]float64, f.Bn.Channels)
	for c := range out {
		out[c] = float64(f.Bn.Weight[c]) / math.Sqrt(float64(f.Bn.RunningVar[c])+float64(f.Bn.Eps))
	}
	return out
}

// scaleWeight multiplies (or divides) every output channel of w by scale.
// Channels with a zero or non-finite factor are left as they are.
func scaleWeight(w *tensor.Tensor, scale []float64, divide bool) *tensor.Tensor {
	out := w.Clone()
	per := out.Numel() / len(scale)
	for c, s := range scale {
		if s == 0 || math.IsNaN(s) || math.IsInf(s, 0) {
			continue
		}
		if divide {
			s = 1 / s
		}
		ch := out.Data[c*per : (c+1)*per]
		for i := range ch {
			ch[i] = float32(float64(ch[i]) * s)
		}
	}
	return out
}

func (f *bnFolded) convForward(x *tensor.Tensor, training bool) (*tensor.Tensor, error) {
	if !training {
		return tensor.Conv2d(x, f.Conv.Weight, f.Conv.Bias, f.Conv.Geometry)
	}
	scale := f.foldScale()
	wq, err := f.FakeQuant.Observe(scaleWeight(f.Conv.Weight, scale, false), true)
	if err != nil {
		return nil, err
	}
	w := scaleWeight(wq, scale, true)
	y, err := tensor.Conv2d(x, w, f.Conv.Bias, f.Conv.Geometry)
	if err != nil {
		return nil, err
	}
	f.input, f.used = x, w
	return y, nil
}

func (f *bnFolded) convBackward(grad *tensor.Tensor) (*tensor.Tensor, error) {
	return nn.Conv2dBackwardWith(f.input, f.used, f.Conv.Geometry, f.Conv.Parameters(), grad)
}

// WeightParams returns the grid of the folded weight, observing the current
// folded weight first if training never ran.
func (f *bnFolded) WeightParams() (quant.Params, error) {
	if f.FakeQuant.Count() == 0 {
		if _, err := f.FakeQuant.Observe(scaleWeight(f.Conv.Weight, f.foldScale(), false), false); err != nil {
			return quant.Params{}, err
		}
	}
	return f.FakeQuant.Params()
}

func (f *bnFolded) parameters() []*nn.Param {
	return append(append([]*nn.Param(nil), f.Conv.Parameters()...), f.Bn.Parameters()...)
}

// ConvBn2d is a fused convolution and batch norm with fake-quantized folded
// weights.
type ConvBn2d struct {
	nn.Base
	bnFolded
}

func NewConvBn2d(m *nn.ConvBn2d, cfg *qconfig.QConfig) (*ConvBn2d, error) {
	f, err := newBnFolded(m.Conv, m.Bn, cfg)
	if err != nil {
		return nil, err
	}
	q := &ConvBn2d{bnFolded: f}
	*q.Meta() = *m.Meta()
	return q, nil
}

func (m *ConvBn2d) Kind() nn.Kind { return nn.KindQATConvBn2d }

func (m *ConvBn2d) Parts() []nn.Module { return []nn.Module{m.Conv, m.Bn} }

func (m *ConvBn2d) Forward(x *tensor.Tensor) (*tensor.Tensor, error) {
	y, err := m.convForward(x, m.Meta().Training)
	if err != nil {
		return nil, err
	}
	return m.Bn.Forward(y)
}

func (m *ConvBn2d) Backward(grad *tensor.Tensor) (*tensor.Tensor, error) {
	g, err := m.Bn.Backward(grad)
	if err != nil {
		return nil, err
	}
	return m.convBackward(g)
}

func (m *ConvBn2d) Parameters() []*nn.Param { return m.parameters() }

// ConvBnReLU2d is ConvBn2d followed by ReLU.
type ConvBnReLU2d struct {
	nn.Base
	bnFolded
	Act *nn.ReLU
}

func NewConvBnReLU2d(m *nn.ConvBnReLU2d, cfg *qconfig.QConfig) (*ConvBnReLU2d, error) {
	f, err := newBnFolded(m.Conv, m.Bn, cfg)
	if err != nil {
		return nil, err
	}
	q := &ConvBnReLU2d{bnFolded: f, Act: m.Act}
	*q.Meta() = *m.Meta()
	return q, nil
}

func (m *ConvBnReLU2d) Kind() nn.Kind { return nn.KindQATConvBnReLU2d }

func (m *ConvBnReLU2d) Parts() []nn.Module { return []nn.Module{m.Conv, m.Bn, m.Act} }

func (m *ConvBnReLU2d) Forward(x *tensor.Tensor) (*tensor.Tensor, error) {
	y, err := m.convForward(x, m.Meta().Training)
	if err != nil {
		return nil, err
	}
	if y, err = m.Bn.Forward(y); err != nil {
		return nil, err
	}
	return m.Act.Forward(y)
}

func (m *ConvBnReLU2d) Backward(grad *tensor.Tensor) (*tensor.Tensor, error) {
	g, err := m.Act.Backward(grad)
	if err != nil {
		return nil, err
	}
	if g, err = m.Bn.Backward(g); err != nil {
		return nil, err
	}
	return m.convBackward(g)
}

func (m *ConvBnReLU2d) Parameters() []*nn.Param { return m.parameters() }

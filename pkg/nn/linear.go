package nn

import (
	"fmt"
	"math"

	"github.com/samcharles93/qtree/pkg/tensor"
)

// Linear applies y = x * W^T + b to [N, In] inputs.
type Linear struct {
	Base
	In, Out int
	Weight  *tensor.Tensor // [Out, In]
	Bias    []float32      // [Out], nil when the layer has no bias

	input  *tensor.Tensor
	params []*Param
}

// NewLinear builds a layer with weights and bias drawn uniformly from
// [-1/sqrt(in), 1/sqrt(in)].
func NewLinear(in, out int, seed int64) *Linear {
	w := tensor.New(out, in)
	bound := float32(1 / math.Sqrt(float64(max(in, 1))))
	tensor.FillUniform(w, seed, -bound, bound)
	b := tensor.New(out)
	tensor.FillUniform(b, seed+1, -bound, bound)
	l, _ := NewLinearFrom(w, b.Data)
	return l
}

// NewLinearFrom wraps existing parameters.
func NewLinearFrom(weight *tensor.Tensor, bias []float32) (*Linear, error) {
	if len(weight.Shape) != 2 {
		return nil, fmt.Errorf("%w: linear weight %v", tensor.ErrShape, weight.Shape)
	}
	if bias != nil && len(bias) != weight.Shape[0] {
		return nil, fmt.Errorf("%w: linear bias %d for %d outputs", tensor.ErrShape, len(bias), weight.Shape[0])
	}
	l := &Linear{In: weight.Shape[1], Out: weight.Shape[0], Weight: weight, Bias: bias}
	l.params = []*Param{newParam("weight", weight.Data)}
	if bias != nil {
		l.params = append(l.params, newParam("bias", bias))
	}
	return l, nil
}

func (l *Linear) Kind() Kind { return KindLinear }

func (l *Linear) Forward(x *tensor.Tensor) (*tensor.Tensor, error) {
	y, err := tensor.Linear(x, l.Weight, l.Bias)
	if err != nil {
		return nil, err
	}
	if l.meta.Training {
		l.input = x
	}
	return y, nil
}

func (l *Linear) Backward(grad *tensor.Tensor) (*tensor.Tensor, error) {
	return LinearBackwardWith(l.input, l.Weight, l.params, grad)
}

func (l *Linear) Parameters() []*Param { return l.params }

// LinearBackwardWith runs the linear backward pass against weight, which may
// differ from the stored parameters (fake-quantized weights), and accumulates
// into params ordered weight, bias.
func LinearBackwardWith(input, weight *tensor.Tensor, params []*Param, grad *tensor.Tensor) (*tensor.Tensor, error) {
	if input == nil {
		return nil, ErrNoForwardCache
	}
	gradIn, gradW, gradB, err := tensor.LinearBackward(input, weight, grad)
	if err != nil {
		return nil, err
	}
	params[0].Accumulate(gradW)
	if len(params) > 1 {
		params[1].Accumulate(gradB)
	}
	return gradIn, nil
}

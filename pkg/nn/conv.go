package nn

import (
	"fmt"
	"math"

	"github.com/samcharles93/qtree/pkg/tensor"
)

// ConvOptions configures NewConv2d.
type ConvOptions struct {
	Stride  int
	Padding int
	NoBias  bool
}

// Conv2d is a 2-D convolution over NCHW inputs.
type Conv2d struct {
	Base
	InChannels, OutChannels int
	KernelH, KernelW        int
	Geometry                tensor.ConvParams
	Weight                  *tensor.Tensor // [Out, In, KH, KW]
	Bias                    []float32      // [Out] or nil

	input  *tensor.Tensor
	params []*Param
}

// NewConv2d builds a square-kernel convolution with uniformly initialised
// weights.
func NewConv2d(in, out, kernel int, opts ConvOptions, seed int64) *Conv2d {
	w := tensor.New(out, in, kernel, kernel)
	bound := float32(1 / math.Sqrt(float64(max(in*kernel*kernel, 1))))
	tensor.FillUniform(w, seed, -bound, bound)
	var bias []float32
	if !opts.NoBias {
		b := tensor.New(out)
		tensor.FillUniform(b, seed+1, -bound, bound)
		bias = b.Data
	}
	c, _ := NewConv2dFrom(w, bias, tensor.ConvParams{Stride: opts.Stride, Padding: opts.Padding})
	return c
}

// NewConv2dFrom wraps existing parameters.
func NewConv2dFrom(weight *tensor.Tensor, bias []float32, geom tensor.ConvParams) (*Conv2d, error) {
	if len(weight.Shape) != 4 {
		return nil, fmt.Errorf("%w: conv2d weight %v", tensor.ErrShape, weight.Shape)
	}
	if bias != nil && len(bias) != weight.Shape[0] {
		return nil, fmt.Errorf("%w: conv2d bias %d for %d channels", tensor.ErrShape, len(bias), weight.Shape[0])
	}
	if geom.Stride <= 0 {
		geom.Stride = 1
	}
	c := &Conv2d{
		InChannels:  weight.Shape[1],
		OutChannels: weight.Shape[0],
		KernelH:     weight.Shape[2],
		KernelW:     weight.Shape[3],
		Geometry:    geom,
		Weight:      weight,
		Bias:        bias,
	}
	c.params = []*Param{newParam("weight", weight.Data)}
	if bias != nil {
		c.params = append(c.params, newParam("bias", bias))
	}
	return c, nil
}

func (c *Conv2d) Kind() Kind { return KindConv2d }

func (c *Conv2d) Forward(x *tensor.Tensor) (*tensor.Tensor, error) {
	y, err := tensor.Conv2d(x, c.Weight, c.Bias, c.Geometry)
	if err != nil {
		return nil, err
	}
	if c.meta.Training {
		c.input = x
	}
	return y, nil
}

func (c *Conv2d) Backward(grad *tensor.Tensor) (*tensor.Tensor, error) {
	return Conv2dBackwardWith(c.input, c.Weight, c.Geometry, c.params, grad)
}

func (c *Conv2d) Parameters() []*Param { return c.params }

// Clone returns a deep copy with fresh parameter state.
func (c *Conv2d) Clone() *Conv2d {
	var bias []float32
	if c.Bias != nil {
		bias = append([]float32(nil), c.Bias...)
	}
	out, _ := NewConv2dFrom(c.Weight.Clone(), bias, c.Geometry)
	out.meta = c.meta
	return out
}

// Conv2dBackwardWith runs the convolution backward pass against weight and
// accumulates into params ordered weight, bias. A conv without bias ignores
// the bias gradient.
func Conv2dBackwardWith(input, weight *tensor.Tensor, geom tensor.ConvParams, params []*Param, grad *tensor.Tensor) (*tensor.Tensor, error) {
	if input == nil {
		return nil, ErrNoForwardCache
	}
	gradIn, gradW, gradB, err := tensor.Conv2dBackward(input, weight, grad, geom)
	if err != nil {
		return nil, err
	}
	params[0].Accumulate(gradW)
	if len(params) > 1 {
		params[1].Accumulate(gradB)
	}
	return gradIn, nil
}

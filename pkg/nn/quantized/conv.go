package quantized

import (
	"fmt"

	"github.com/samcharles93/qtree/pkg/nn"
	"github.com/samcharles93/qtree/pkg/quant"
	"github.com/samcharles93/qtree/pkg/tensor"
)

// Conv2d is a convolution over quantized NCHW input with int8 weights.
type Conv2d struct {
	nn.Base
	InChannels, OutChannels int
	KernelH, KernelW        int
	Geometry                tensor.ConvParams
	Weight                  *tensor.Tensor // quantized [Out, In, KH, KW]
	Bias                    []float32
	WeightParams            quant.Params
	OutParams               quant.Params

	relu    bool
	shifted []int32
}

func NewConv2d(weight *tensor.Tensor, bias []float32, geom tensor.ConvParams, wp, out quant.Params) (*Conv2d, error) {
	if len(weight.Shape) != 4 {
		return nil, fmt.Errorf("%w: conv2d weight %v", tensor.ErrShape, weight.Shape)
	}
	if !out.DType.IsQuantized() {
		return nil, fmt.Errorf("%w: output %s", quant.ErrNotQuantized, out.DType)
	}
	qw, shifted, err := packWeight(weight, wp)
	if err != nil {
		return nil, err
	}
	if geom.Stride <= 0 {
		geom.Stride = 1
	}
	return &Conv2d{
		InChannels:   weight.Shape[1],
		OutChannels:  weight.Shape[0],
		KernelH:      weight.Shape[2],
		KernelW:      weight.Shape[3],
		Geometry:     geom,
		Weight:       qw,
		Bias:         bias,
		WeightParams: wp,
		OutParams:    out,
		shifted:      shifted,
	}, nil
}

func (c *Conv2d) Kind() nn.Kind { return nn.KindQuantizedConv2d }

func (c *Conv2d) Forward(x *tensor.Tensor) (*tensor.Tensor, error) {
	if err := requireInput("quantized conv2d", x); err != nil {
		return nil, err
	}
	if len(x.Shape) != 4 || x.Shape[1] != c.InChannels {
		return nil, fmt.Errorf("%w: quantized conv2d input %v, in channels %d", tensor.ErrShape, x.Shape, c.InChannels)
	}
	accScale := float64(x.Scale) * float64(c.WeightParams.Scale)
	bias := quant.QuantizeBias(c.Bias, x.Scale, c.WeightParams.Scale)
	rows := c.InChannels * c.KernelH * c.KernelW
	floor := int32(-1 << 31)
	if c.relu {
		floor = c.OutParams.ZeroPoint
	}

	var y *tensor.Tensor
	for n := 0; n < x.Shape[0]; n++ {
		cols, oh, ow, err := tensor.Im2Col(x, n, c.KernelH, c.KernelW, c.Geometry)
		if err != nil {
			return nil, err
		}
		spatial := oh * ow
		if y == nil {
			y = tensor.NewQuantized(c.OutParams.DType, c.OutParams.Scale, c.OutParams.ZeroPoint, x.Shape[0], c.OutChannels, oh, ow)
		}
		base := n * c.OutChannels * spatial
		for o := 0; o < c.OutChannels; o++ {
			w := c.shifted[o*rows : (o+1)*rows]
			for s := 0; s < spatial; s++ {
				var acc int64
				if bias != nil {
					acc = int64(bias[o])
				}
				for k, wv := range w {
					acc += int64(wv) * int64(cols[k*spatial+s])
				}
				y.SetQ(base+o*spatial+s, max(quant.Requantize(acc, accScale, c.OutParams), floor))
			}
		}
	}
	if y == nil {
		return nil, fmt.Errorf("%w: quantized conv2d empty batch", tensor.ErrShape)
	}
	return y, nil
}

// ConvReLU2d is Conv2d with the ReLU applied on the output grid.
type ConvReLU2d struct {
	Conv2d
}

func NewConvReLU2d(weight *tensor.Tensor, bias []float32, geom tensor.ConvParams, wp, out quant.Params) (*ConvReLU2d, error) {
	c, err := NewConv2d(weight, bias, geom, wp, out)
	if err != nil {
		return nil, err
	}
	c.relu = true
	return &ConvReLU2d{Conv2d: *c}, nil
}

func (c *ConvReLU2d) Kind() nn.Kind { return nn.KindQuantizedConvReLU2d }

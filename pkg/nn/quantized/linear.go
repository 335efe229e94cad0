package quantized

import (
	"fmt"

	"github.com/samcharles93/qtree/pkg/nn"
	"github.com/samcharles93/qtree/pkg/quant"
	"github.com/samcharles93/qtree/pkg/tensor"
)

// Linear is a fully connected layer over quantized input with int8 weights.
// The bias stays float and is mapped onto the accumulator grid per call,
// since that grid depends on the input scale.
type Linear struct {
	nn.Base
	In, Out      int
	Weight       *tensor.Tensor // quantized [Out, In]
	Bias         []float32
	WeightParams quant.Params
	OutParams    quant.Params

	shifted []int32
}

// NewLinear quantizes a float weight [Out, In] with wp. The module produces
// output on the out grid.
func NewLinear(weight *tensor.Tensor, bias []float32, wp, out quant.Params) (*Linear, error) {
	if len(weight.Shape) != 2 {
		return nil, fmt.Errorf("%w: linear weight %v", tensor.ErrShape, weight.Shape)
	}
	if !out.DType.IsQuantized() {
		return nil, fmt.Errorf("%w: output %s", quant.ErrNotQuantized, out.DType)
	}
	qw, shifted, err := packWeight(weight, wp)
	if err != nil {
		return nil, err
	}
	return &Linear{
		In:           weight.Shape[1],
		Out:          weight.Shape[0],
		Weight:       qw,
		Bias:         bias,
		WeightParams: wp,
		OutParams:    out,
		shifted:      shifted,
	}, nil
}

func (l *Linear) Kind() nn.Kind { return nn.KindQuantizedLinear }

func (l *Linear) Forward(x *tensor.Tensor) (*tensor.Tensor, error) {
	if err := requireInput("quantized linear", x); err != nil {
		return nil, err
	}
	if len(x.Shape) != 2 || x.Shape[1] != l.In {
		return nil, fmt.Errorf("%w: quantized linear input %v, weight [%d %d]", tensor.ErrShape, x.Shape, l.Out, l.In)
	}
	n := x.Shape[0]
	accScale := float64(x.Scale) * float64(l.WeightParams.Scale)
	bias := quant.QuantizeBias(l.Bias, x.Scale, l.WeightParams.Scale)
	xs := make([]int64, l.In)
	y := tensor.NewQuantized(l.OutParams.DType, l.OutParams.Scale, l.OutParams.ZeroPoint, n, l.Out)
	for r := 0; r < n; r++ {
		for k := range xs {
			xs[k] = int64(x.Q(r*l.In+k) - x.ZeroPoint)
		}
		for o := 0; o < l.Out; o++ {
			var acc int64
			if bias != nil {
				acc = int64(bias[o])
			}
			w := l.shifted[o*l.In : (o+1)*l.In]
			for k, xv := range xs {
				acc += xv * int64(w[k])
			}
			y.SetQ(r*l.Out+o, quant.Requantize(acc, accScale, l.OutParams))
		}
	}
	return y, nil
}

// LinearFP16 stores its weight as float16 and computes in float32. It takes
// and returns float tensors.
type LinearFP16 struct {
	nn.Base
	In, Out int
	Weight  *tensor.Tensor // float16 [Out, In]
	Bias    []float32

	unpacked *tensor.Tensor
}

func NewLinearFP16(weight *tensor.Tensor, bias []float32) (*LinearFP16, error) {
	if len(weight.Shape) != 2 {
		return nil, fmt.Errorf("%w: linear weight %v", tensor.ErrShape, weight.Shape)
	}
	packed, err := quant.ToFloat16(weight)
	if err != nil {
		return nil, err
	}
	unpacked, err := quant.FromFloat16(packed)
	if err != nil {
		return nil, err
	}
	return &LinearFP16{
		In:       weight.Shape[1],
		Out:      weight.Shape[0],
		Weight:   packed,
		Bias:     bias,
		unpacked: unpacked,
	}, nil
}

func (l *LinearFP16) Kind() nn.Kind { return nn.KindQuantizedLinearFP16 }

func (l *LinearFP16) Forward(x *tensor.Tensor) (*tensor.Tensor, error) {
	return tensor.Linear(x, l.unpacked, l.Bias)
}

// Package quantized holds the deployment modules that convert produces. They
// compute on quantized tensors with integer accumulators and are not
// differentiable.
package quantized

import (
	"fmt"

	"github.com/samcharles93/qtree/pkg/nn"
	"github.com/samcharles93/qtree/pkg/quant"
	"github.com/samcharles93/qtree/pkg/tensor"
)

// Quantize maps float input onto a fixed (scale, zero-point) grid.
type Quantize struct {
	nn.Base
	Params quant.Params
}

func NewQuantize(p quant.Params) (*Quantize, error) {
	if !p.DType.IsQuantized() {
		return nil, fmt.Errorf("%w: %s", quant.ErrNotQuantized, p.DType)
	}
	return &Quantize{Params: p}, nil
}

func (q *Quantize) Kind() nn.Kind { return nn.KindQuantize }

func (q *Quantize) Forward(x *tensor.Tensor) (*tensor.Tensor, error) {
	return quant.Quantize(x, q.Params)
}

// DeQuantize returns quantized input to float32. Float input passes through.
type DeQuantize struct {
	nn.Base
}

func NewDeQuantize() *DeQuantize { return &DeQuantize{} }

func (d *DeQuantize) Kind() nn.Kind { return nn.KindDeQuantize }

func (d *DeQuantize) Forward(x *tensor.Tensor) (*tensor.Tensor, error) {
	if !x.DType.IsQuantized() {
		return x, nil
	}
	return quant.Dequantize(x)
}

// ReLU clamps quantized input at its zero point and maps the result onto the
// output grid.
type ReLU struct {
	nn.Base
	Out quant.Params
}

func NewReLU(out quant.Params) *ReLU { return &ReLU{Out: out} }

func (r *ReLU) Kind() nn.Kind { return nn.KindQuantizedReLU }

func (r *ReLU) Forward(x *tensor.Tensor) (*tensor.Tensor, error) {
	if err := tensor.RequireQuantized("quantized relu", x); err != nil {
		return nil, err
	}
	in := quant.ParamsOf(x)
	out := tensor.NewQuantized(r.Out.DType, r.Out.Scale, r.Out.ZeroPoint, x.Shape...)
	same := in == r.Out
	for i := range x.Raw {
		v := max(x.Q(i)-in.ZeroPoint, 0)
		if same {
			out.SetQ(i, v+in.ZeroPoint)
			continue
		}
		out.SetQ(i, quant.Requantize(int64(v), float64(in.Scale), r.Out))
	}
	return out, nil
}

func requireInput(op string, x *tensor.Tensor) error {
	if err := tensor.RequireQuantized(op, x); err != nil {
		return err
	}
	if x.Scale <= 0 {
		return fmt.Errorf("%w: %s input scale %g", tensor.ErrDType, op, x.Scale)
	}
	return nil
}

// packWeight quantizes a float weight with p and returns the shifted integer
// values w - zero_point.
func packWeight(w *tensor.Tensor, p quant.Params) (*tensor.Tensor, []int32, error) {
	qw, err := quant.Quantize(w, p)
	if err != nil {
		return nil, nil, fmt.Errorf("weight: %w", err)
	}
	shifted := make([]int32, qw.Numel())
	for i := range shifted {
		shifted[i] = qw.Q(i) - p.ZeroPoint
	}
	return qw, shifted, nil
}

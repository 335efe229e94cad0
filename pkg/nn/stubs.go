package nn

import "github.com/samcharles93/qtree/pkg/tensor"

// QuantStub marks the point where float tensors enter a quantized region.
// Before conversion it passes values through; conversion replaces it with a
// quantize module using the parameters observed here.
type QuantStub struct {
	Base
}

func NewQuantStub() *QuantStub { return &QuantStub{} }

func (q *QuantStub) Kind() Kind { return KindQuantStub }

func (q *QuantStub) Forward(x *tensor.Tensor) (*tensor.Tensor, error) { return x, nil }

func (q *QuantStub) Backward(grad *tensor.Tensor) (*tensor.Tensor, error) { return grad, nil }

// DeQuantStub marks the point where a quantized region hands floats back.
type DeQuantStub struct {
	Base
}

func NewDeQuantStub() *DeQuantStub { return &DeQuantStub{} }

func (d *DeQuantStub) Kind() Kind { return KindDeQuantStub }

func (d *DeQuantStub) Forward(x *tensor.Tensor) (*tensor.Tensor, error) { return x, nil }

func (d *DeQuantStub) Backward(grad *tensor.Tensor) (*tensor.Tensor, error) { return grad, nil }

package nn

import (
	"github.com/samcharles93/qtree/pkg/tensor"
)

// ReLU applies max(x, 0).
type ReLU struct {
	Base
	input *tensor.Tensor
}

func NewReLU() *ReLU { return &ReLU{} }

func (r *ReLU) Kind() Kind { return KindReLU }

func (r *ReLU) Forward(x *tensor.Tensor) (*tensor.Tensor, error) {
	y, err := tensor.ReLU(x)
	if err != nil {
		return nil, err
	}
	if r.meta.Training {
		r.input = x
	}
	return y, nil
}

func (r *ReLU) Backward(grad *tensor.Tensor) (*tensor.Tensor, error) {
	if r.input == nil {
		return nil, ErrNoForwardCache
	}
	return tensor.ReLUBackward(r.input, grad)
}

// Identity returns its input. Fusion leaves Identity in the slots of the
// modules it absorbed.
type Identity struct {
	Base
}

func NewIdentity() *Identity { return &Identity{} }

func (i *Identity) Kind() Kind { return KindIdentity }

func (i *Identity) Forward(x *tensor.Tensor) (*tensor.Tensor, error) { return x, nil }

func (i *Identity) Backward(grad *tensor.Tensor) (*tensor.Tensor, error) { return grad, nil }

// Flatten reshapes [N, ...] to [N, rest]. It accepts float and quantized
// tensors alike.
type Flatten struct {
	Base
	inShape []int
}

func NewFlatten() *Flatten { return &Flatten{} }

func (f *Flatten) Kind() Kind { return KindFlatten }

func (f *Flatten) Forward(x *tensor.Tensor) (*tensor.Tensor, error) {
	if f.meta.Training {
		f.inShape = append([]int(nil), x.Shape...)
	}
	if len(x.Shape) == 0 {
		return x.Reshape(1, 1)
	}
	return x.Reshape(x.Shape[0], -1)
}

func (f *Flatten) Backward(grad *tensor.Tensor) (*tensor.Tensor, error) {
	if f.inShape == nil {
		return nil, ErrNoForwardCache
	}
	return grad.Reshape(f.inShape...)
}

package nn

import (
	"fmt"

	"github.com/samcharles93/qtree/pkg/tensor"
)

// ConvReLU2d is a convolution followed by ReLU, executed as one module.
type ConvReLU2d struct {
	Base
	Conv *Conv2d
	Act  *ReLU
}

func NewConvReLU2d(conv *Conv2d, act *ReLU) *ConvReLU2d {
	m := &ConvReLU2d{Conv: conv, Act: act}
	m.meta.Training = conv.Meta().Training
	return m
}

func (m *ConvReLU2d) Kind() Kind        { return KindConvReLU2d }
func (m *ConvReLU2d) Parts() []Module   { return []Module{m.Conv, m.Act} }
func (m *ConvReLU2d) Part(i int) Module { return m.Parts()[i] }

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

func (m *ConvReLU2d) Parameters() []*Param { return m.Conv.Parameters() }

// ConvBn2d is a convolution followed by batch normalization. It keeps both
// modules so the normalization statistics continue to update in training;
// conversion folds them.
type ConvBn2d struct {
	Base
	Conv *Conv2d
	Bn   *BatchNorm2d
}

func NewConvBn2d(conv *Conv2d, bn *BatchNorm2d) (*ConvBn2d, error) {
	if conv.OutChannels != bn.Channels {
		return nil, fmt.Errorf("%w: conv has %d output channels, batch norm %d", tensor.ErrShape, conv.OutChannels, bn.Channels)
	}
	m := &ConvBn2d{Conv: conv, Bn: bn}
	m.meta.Training = conv.Meta().Training
	return m, nil
}

func (m *ConvBn2d) Kind() Kind        { return KindConvBn2d }
func (m *ConvBn2d) Parts() []Module   { return []Module{m.Conv, m.Bn} }
func (m *ConvBn2d) Part(i int) Module { return m.Parts()[i] }

func (m *ConvBn2d) Forward(x *tensor.Tensor) (*tensor.Tensor, error) {
	y, err := m.Conv.Forward(x)
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
	return m.Conv.Backward(g)
}

func (m *ConvBn2d) Parameters() []*Param {
	return append(append([]*Param(nil), m.Conv.Parameters()...), m.Bn.Parameters()...)
}

// Fold returns the convolution with the normalization folded in.
func (m *ConvBn2d) Fold() (*Conv2d, error) { return m.Bn.FoldInto(m.Conv) }

// ConvBnReLU2d is ConvBn2d followed by ReLU.
type ConvBnReLU2d struct {
	Base
	Conv *Conv2d
	Bn   *BatchNorm2d
	Act  *ReLU
}

func NewConvBnReLU2d(conv *Conv2d, bn *BatchNorm2d, act *ReLU) (*ConvBnReLU2d, error) {
	if conv.OutChannels != bn.Channels {
		return nil, fmt.Errorf("%w: conv has %d output channels, batch norm %d", tensor.ErrShape, conv.OutChannels, bn.Channels)
	}
	m := &ConvBnReLU2d{Conv: conv, Bn: bn, Act: act}
	m.meta.Training = conv.Meta().Training
	return m, nil
}

func (m *ConvBnReLU2d) Kind() Kind        { return KindConvBnReLU2d }
func (m *ConvBnReLU2d) Parts() []Module   { return []Module{m.Conv, m.Bn, m.Act} }
func (m *ConvBnReLU2d) Part(i int) Module { return m.Parts()[i] }

func (m *ConvBnReLU2d) Forward(x *tensor.Tensor) (*tensor.Tensor, error) {
	y, err := m.Conv.Forward(x)
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
	return m.Conv.Backward(g)
}

func (m *ConvBnReLU2d) Parameters() []*Param {
	return append(append([]*Param(nil), m.Conv.Parameters()...), m.Bn.Parameters()...)
}

// Fold returns a ConvReLU2d whose convolution has the normalization folded in.
func (m *ConvBnReLU2d) Fold() (*ConvReLU2d, error) {
	conv, err := m.Bn.FoldInto(m.Conv)
	if err != nil {
		return nil, err
	}
	return NewConvReLU2d(conv, m.Act), nil
}

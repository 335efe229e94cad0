// Package observer records statistics of the values flowing out of a module
// during calibration and turns them into quantization parameters.
package observer

import (
	"errors"
	"fmt"

	"github.com/samcharles93/qtree/pkg/quant"
	"github.com/samcharles93/qtree/pkg/tensor"
)

// Kind names an observer implementation.
type Kind string

const (
	KindMinMax              Kind = "minmax"
	KindMovingAverageMinMax Kind = "moving_average_minmax"
	KindHistogram           Kind = "histogram"
	KindPlaceholder         Kind = "placeholder"
)

const (
	DefaultAveragingConstant = float32(0.01)
	DefaultBins              = 2048
)

var (
	ErrUnsupportedKind = errors.New("unsupported observer kind")
	ErrEmptyRange      = errors.New("empty calibration range")
)

// Spec describes how to build an observer.
type Spec struct {
	Kind   Kind         `yaml:"kind" json:"kind"`
	DType  tensor.DType `yaml:"dtype" json:"dtype"`
	Scheme quant.Scheme `yaml:"scheme" json:"scheme"`

	// FakeQuant wraps the observer in a FakeQuantize that rounds values in
	// training mode.
	FakeQuant bool `yaml:"fake_quant,omitempty" json:"fake_quant,omitempty"`

	AveragingConstant float32 `yaml:"averaging_constant,omitempty" json:"averaging_constant,omitempty"`
	Bins              int     `yaml:"bins,omitempty" json:"bins,omitempty"`
}

func (s Spec) String() string {
	name := string(s.Kind)
	if s.FakeQuant {
		name = "fake_quant(" + name + ")"
	}
	return fmt.Sprintf("%s[%s,%s]", name, s.DType, s.Scheme)
}

// Observer is a probe attached to a module output.
//
// Observe is called once per forward pass. Implementations are safe for
// concurrent use; each call reduces its tensor locally and merges the result
// under a lock.
type Observer interface {
	Spec() Spec
	// Observe records x and returns the value to pass downstream. Only a
	// fake-quantizing observer in training mode returns something other than x.
	Observe(x *tensor.Tensor, training bool) (*tensor.Tensor, error)
	// Count is the number of observations recorded so far.
	Count() int
	// Params returns the quantization parameters for the recorded range.
	Params() (quant.Params, error)
	Reset()
}

// New builds the observer described by spec.
func New(spec Spec) (Observer, error) {
	if spec.Kind != KindPlaceholder && spec.DType != tensor.QUInt8 && spec.DType != tensor.QInt8 {
		return nil, fmt.Errorf("%w: %s cannot produce %s", ErrUnsupportedKind, spec.Kind, spec.DType)
	}
	var obs Observer
	switch spec.Kind {
	case KindMinMax:
		obs = &MinMax{spec: spec}
	case KindMovingAverageMinMax:
		if spec.AveragingConstant <= 0 || spec.AveragingConstant > 1 {
			spec.AveragingConstant = DefaultAveragingConstant
		}
		obs = &MinMax{spec: spec, averaging: spec.AveragingConstant}
	case KindHistogram:
		if spec.Bins <= 0 {
			spec.Bins = DefaultBins
		}
		obs = newHistogram(spec)
	case KindPlaceholder:
		if spec.DType != tensor.Float32 && spec.DType != tensor.Float16 {
			return nil, fmt.Errorf("%w: placeholder cannot produce %s", ErrUnsupportedKind, spec.DType)
		}
		obs = &Placeholder{spec: spec}
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedKind, spec.Kind)
	}
	if spec.FakeQuant {
		if spec.Kind == KindPlaceholder {
			return nil, fmt.Errorf("%w: placeholder cannot fake-quantize", ErrUnsupportedKind)
		}
		return NewFakeQuantize(obs), nil
	}
	return obs, nil
}

// Validate reports whether spec names a buildable observer.
func Validate(spec Spec) error {
	_, err := New(spec)
	return err
}

func floatInput(x *tensor.Tensor) error {
	return tensor.RequireFloat("observer", x)
}

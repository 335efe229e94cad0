// Package qconfig describes how a module should be quantized: which observer
// watches its activations and which one derives its weight parameters.
package qconfig

import (
	"fmt"

	"github.com/samcharles93/qtree/pkg/observer"
	"github.com/samcharles93/qtree/pkg/quant"
	"github.com/samcharles93/qtree/pkg/tensor"
)

// QConfig pairs an activation observer policy with a weight observer policy.
type QConfig struct {
	Name       string        `yaml:"name,omitempty" json:"name,omitempty"`
	Activation observer.Spec `yaml:"activation" json:"activation"`
	Weight     observer.Spec `yaml:"weight" json:"weight"`
}

func (c *QConfig) String() string {
	if c == nil {
		return "<none>"
	}
	if c.Name != "" {
		return c.Name
	}
	return fmt.Sprintf("act=%s weight=%s", c.Activation, c.Weight)
}

// Equal compares two configurations by value. Two nil configurations are
// equal.
func (c *QConfig) Equal(o *QConfig) bool {
	if c == nil || o == nil {
		return c == o
	}
	return c.Activation == o.Activation && c.Weight == o.Weight
}

// Validate checks that both observer specs can be built.
func (c *QConfig) Validate() error {
	if err := observer.Validate(c.Activation); err != nil {
		return fmt.Errorf("activation: %w", err)
	}
	if err := observer.Validate(c.Weight); err != nil {
		return fmt.Errorf("weight: %w", err)
	}
	return nil
}

// QuantizedActivations reports whether modules under this configuration
// exchange quantized tensors.
func (c *QConfig) QuantizedActivations() bool {
	return c != nil && c.Activation.DType.IsQuantized()
}

// Default is post-training static quantization: quint8 affine activations,
// qint8 symmetric weights, both tracked with min/max.
func Default() *QConfig {
	return &QConfig{
		Name: "default",
		Activation: observer.Spec{
			Kind:   observer.KindMinMax,
			DType:  tensor.QUInt8,
			Scheme: quant.PerTensorAffine,
		},
		Weight: defaultWeight(),
	}
}

// DefaultQAT is the quantization-aware training configuration: activations
// go through a moving-average fake quantizer, weights through a min/max one.
func DefaultQAT() *QConfig {
	w := defaultWeight()
	w.FakeQuant = true
	return &QConfig{
		Name: "default_qat",
		Activation: observer.Spec{
			Kind:              observer.KindMovingAverageMinMax,
			DType:             tensor.QUInt8,
			Scheme:            quant.PerTensorAffine,
			FakeQuant:         true,
			AveragingConstant: observer.DefaultAveragingConstant,
		},
		Weight: w,
	}
}

// Histogram uses histogram-based activation ranges.
func Histogram() *QConfig {
	return &QConfig{
		Name: "histogram",
		Activation: observer.Spec{
			Kind:   observer.KindHistogram,
			DType:  tensor.QUInt8,
			Scheme: quant.PerTensorAffine,
			Bins:   observer.DefaultBins,
		},
		Weight: defaultWeight(),
	}
}

// Float16 keeps activations in float32 and stores weights as float16.
func Float16() *QConfig {
	return &QConfig{
		Name:       "float16",
		Activation: observer.Spec{Kind: observer.KindPlaceholder, DType: tensor.Float32},
		Weight:     observer.Spec{Kind: observer.KindPlaceholder, DType: tensor.Float16},
	}
}

func defaultWeight() observer.Spec {
	return observer.Spec{
		Kind:   observer.KindMinMax,
		DType:  tensor.QInt8,
		Scheme: quant.PerTensorSymmetric,
	}
}

// Named returns one of the built-in configurations.
func Named(name string) (*QConfig, error) {
	switch name {
	case "default", "fbgemm":
		return Default(), nil
	case "default_qat", "qat":
		return DefaultQAT(), nil
	case "histogram":
		return Histogram(), nil
	case "float16", "fp16":
		return Float16(), nil
	default:
		return nil, fmt.Errorf("unknown qconfig %q", name)
	}
}

package quantization

import (
	"fmt"

	"github.com/samcharles93/qtree/pkg/nn"
	"github.com/samcharles93/qtree/pkg/nn/qat"
	"github.com/samcharles93/qtree/pkg/nn/quantized"
	"github.com/samcharles93/qtree/pkg/observer"
	"github.com/samcharles93/qtree/pkg/qconfig"
	"github.com/samcharles93/qtree/pkg/quant"
	"github.com/samcharles93/qtree/pkg/tensor"
)

// ConvertInput is what a ConvertFunc receives for one probed module.
type ConvertInput struct {
	// Module is the float or QAT module inside the probe.
	Module nn.Module
	// Activation is the output grid derived from the probe. Its dtype is a
	// float type when the configuration keeps activations in float.
	Activation quant.Params
	QConfig    *qconfig.QConfig
}

// ConvertFunc builds the deployment module for a probed module.
type ConvertFunc func(in ConvertInput) (nn.Module, error)

// Mapping selects the ConvertFunc for each module kind. Prepare probes only
// leaves whose kind is a key.
type Mapping map[nn.Kind]ConvertFunc

// DefaultMapping covers the float, fused and QAT layers of package nn.
func DefaultMapping() Mapping {
	return Mapping{
		nn.KindLinear:          convertLinear,
		nn.KindQATLinear:       convertLinear,
		nn.KindConv2d:          convertConv,
		nn.KindQATConv2d:       convertConv,
		nn.KindConvBn2d:        convertConv,
		nn.KindConvReLU2d:      convertConvReLU,
		nn.KindConvBnReLU2d:    convertConvReLU,
		nn.KindQATConvReLU2d:   convertConvReLU,
		nn.KindQATConvBn2d:     convertConv,
		nn.KindQATConvBnReLU2d: convertConvReLU,
		nn.KindReLU:            convertReLU,
	}
}

// QATFunc builds the training module that replaces a float module.
type QATFunc func(m nn.Module, cfg *qconfig.QConfig) (nn.Module, error)

// QATMapping selects the QATFunc for each float kind.
type QATMapping map[nn.Kind]QATFunc

func DefaultQATMapping() QATMapping {
	return QATMapping{
		nn.KindLinear: func(m nn.Module, cfg *qconfig.QConfig) (nn.Module, error) {
			return qat.NewLinear(m.(*nn.Linear), cfg)
		},
		nn.KindConv2d: func(m nn.Module, cfg *qconfig.QConfig) (nn.Module, error) {
			return qat.NewConv2d(m.(*nn.Conv2d), cfg)
		},
		nn.KindConvReLU2d: func(m nn.Module, cfg *qconfig.QConfig) (nn.Module, error) {
			return qat.NewConvReLU2d(m.(*nn.ConvReLU2d), cfg)
		},
		nn.KindConvBn2d: func(m nn.Module, cfg *qconfig.QConfig) (nn.Module, error) {
			return qat.NewConvBn2d(m.(*nn.ConvBn2d), cfg)
		},
		nn.KindConvBnReLU2d: func(m nn.Module, cfg *qconfig.QConfig) (nn.Module, error) {
			return qat.NewConvBnReLU2d(m.(*nn.ConvBnReLU2d), cfg)
		},
	}
}

// weightParams derives the weight grid of m: a QAT module reports its own,
// anything else gets a fresh observer built from cfg.Weight.
func weightParams(m nn.Module, weight *tensor.Tensor, cfg *qconfig.QConfig) (quant.Params, error) {
	if wq, ok := m.(qat.WeightQuantized); ok {
		return wq.WeightParams()
	}
	spec := cfg.Weight
	spec.FakeQuant = false
	obs, err := observer.New(spec)
	if err != nil {
		return quant.Params{}, fmt.Errorf("weight observer: %w", err)
	}
	if _, err := obs.Observe(weight, false); err != nil {
		return quant.Params{}, err
	}
	return obs.Params()
}

func unexpected(m nn.Module) error {
	return fmt.Errorf("%w: no conversion for %T", observer.ErrUnsupportedKind, m)
}

func convertLinear(in ConvertInput) (nn.Module, error) {
	var (
		weight *tensor.Tensor
		bias   []float32
	)
	switch m := in.Module.(type) {
	case *nn.Linear:
		weight, bias = m.Weight, m.Bias
	case *qat.Linear:
		weight, bias = m.Weight, m.Bias
	default:
		return nil, unexpected(in.Module)
	}
	if in.QConfig.Weight.DType == tensor.Float16 {
		return quantized.NewLinearFP16(weight, bias)
	}
	if !in.Activation.DType.IsQuantized() {
		return in.Module, nil
	}
	wp, err := weightParams(in.Module, weight, in.QConfig)
	if err != nil {
		return nil, err
	}
	return quantized.NewLinear(weight, bias, wp, in.Activation)
}

// convParts returns the convolution to quantize, folding batch norm when m
// carries one, and the module whose weight grid applies.
func convParts(m nn.Module) (weight *tensor.Tensor, bias []float32, geom tensor.ConvParams, owner nn.Module, err error) {
	switch m := m.(type) {
	case *nn.Conv2d:
		return m.Weight, m.Bias, m.Geometry, m, nil
	case *qat.Conv2d:
		return m.Weight, m.Bias, m.Geometry, m, nil
	case *nn.ConvReLU2d:
		return m.Conv.Weight, m.Conv.Bias, m.Conv.Geometry, m.Conv, nil
	case *qat.ConvReLU2d:
		return m.Conv.Weight, m.Conv.Bias, m.Conv.Geometry, m.Conv, nil
	case *nn.ConvBn2d:
		folded, err := m.Fold()
		if err != nil {
			return nil, nil, geom, nil, err
		}
		return folded.Weight, folded.Bias, folded.Geometry, folded, nil
	case *nn.ConvBnReLU2d:
		folded, err := m.Bn.FoldInto(m.Conv)
		if err != nil {
			return nil, nil, geom, nil, err
		}
		return folded.Weight, folded.Bias, folded.Geometry, folded, nil
	case *qat.ConvBn2d:
		folded, err := m.Bn.FoldInto(m.Conv)
		if err != nil {
			return nil, nil, geom, nil, err
		}
		return folded.Weight, folded.Bias, folded.Geometry, m, nil
	case *qat.ConvBnReLU2d:
		folded, err := m.Bn.FoldInto(m.Conv)
		if err != nil {
			return nil, nil, geom, nil, err
		}
		return folded.Weight, folded.Bias, folded.Geometry, m, nil
	}
	return nil, nil, geom, nil, unexpected(m)
}

// floatConv is the float fallback when activations stay in float: fused
// batch norm is still folded away.
func floatConv(m nn.Module) (nn.Module, error) {
	switch m := m.(type) {
	case *nn.ConvBn2d:
		return m.Fold()
	case *nn.ConvBnReLU2d:
		return m.Fold()
	case *qat.ConvBn2d:
		return m.Bn.FoldInto(m.Conv)
	case *qat.ConvBnReLU2d:
		conv, err := m.Bn.FoldInto(m.Conv)
		if err != nil {
			return nil, err
		}
		return nn.NewConvReLU2d(conv, m.Act), nil
	}
	return m, nil
}

func convertConv(in ConvertInput) (nn.Module, error) {
	if !in.Activation.DType.IsQuantized() {
		return floatConv(in.Module)
	}
	weight, bias, geom, owner, err := convParts(in.Module)
	if err != nil {
		return nil, err
	}
	wp, err := weightParams(owner, weight, in.QConfig)
	if err != nil {
		return nil, err
	}
	return quantized.NewConv2d(weight, bias, geom, wp, in.Activation)
}

func convertConvReLU(in ConvertInput) (nn.Module, error) {
	if !in.Activation.DType.IsQuantized() {
		return floatConv(in.Module)
	}
	weight, bias, geom, owner, err := convParts(in.Module)
	if err != nil {
		return nil, err
	}
	wp, err := weightParams(owner, weight, in.QConfig)
	if err != nil {
		return nil, err
	}
	return quantized.NewConvReLU2d(weight, bias, geom, wp, in.Activation)
}

func convertReLU(in ConvertInput) (nn.Module, error) {
	if !in.Activation.DType.IsQuantized() {
		return in.Module, nil
	}
	return quantized.NewReLU(in.Activation), nil
}

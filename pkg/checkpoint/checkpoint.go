// Package checkpoint stores module trees as safetensors state dicts.
//
// Float parameters and buffers are stored as F32 tensors named by dotted
// path ("sub.fc.weight", "bn.running_var"). Fused modules nest their parts
// under "conv" and "bn". Quantized kernels store their integer weights as I8
// or U8 tensors and their quantization parameters in the header metadata:
//
//	fc.weight.scale, fc.weight.zero_point, fc.weight.dtype
//	fc.scale, fc.zero_point, fc.dtype    (output grid)
package checkpoint

import (
	"errors"
	"fmt"
	"slices"
	"strconv"

	"github.com/samcharles93/qtree/internal/safetensors"
	"github.com/samcharles93/qtree/pkg/nn"
	"github.com/samcharles93/qtree/pkg/nn/qat"
	"github.com/samcharles93/qtree/pkg/nn/quantized"
	"github.com/samcharles93/qtree/pkg/quant"
	"github.com/samcharles93/qtree/pkg/tensor"
)

var (
	ErrMissingTensor = errors.New("missing tensor")
	ErrShapeMismatch = errors.New("shape mismatch")
)

// Format is recorded in the metadata of every file written here.
const Format = "qtree"

type slot struct {
	name  string
	shape []int
	data  []float32
}

// floatSlots lists the float parameters and buffers of a leaf.
func floatSlots(prefix string, m nn.Module) []slot {
	switch m := m.(type) {
	case *nn.Observed:
		return floatSlots(prefix, m.Module)
	case *nn.Linear:
		return weightBias(prefix, m.Weight, m.Bias)
	case *nn.Conv2d:
		return weightBias(prefix, m.Weight, m.Bias)
	case *qat.Linear:
		return weightBias(prefix, m.Weight, m.Bias)
	case *qat.Conv2d:
		return weightBias(prefix, m.Weight, m.Bias)
	case *qat.ConvReLU2d:
		return floatSlots(nn.Join(prefix, "conv"), m.Conv)
	case *qat.ConvBn2d:
		return append(floatSlots(nn.Join(prefix, "conv"), m.Conv), floatSlots(nn.Join(prefix, "bn"), m.Bn)...)
	case *qat.ConvBnReLU2d:
		return append(floatSlots(nn.Join(prefix, "conv"), m.Conv), floatSlots(nn.Join(prefix, "bn"), m.Bn)...)
	case *nn.BatchNorm2d:
		shape := []int{m.Channels}
		return []slot{
			{nn.Join(prefix, "weight"), shape, m.Weight},
			{nn.Join(prefix, "bias"), shape, m.Bias},
			{nn.Join(prefix, "running_mean"), shape, m.RunningMean},
			{nn.Join(prefix, "running_var"), shape, m.RunningVar},
		}
	case *nn.ConvReLU2d:
		return floatSlots(nn.Join(prefix, "conv"), m.Conv)
	case *nn.ConvBn2d:
		return append(floatSlots(nn.Join(prefix, "conv"), m.Conv), floatSlots(nn.Join(prefix, "bn"), m.Bn)...)
	case *nn.ConvBnReLU2d:
		return append(floatSlots(nn.Join(prefix, "conv"), m.Conv), floatSlots(nn.Join(prefix, "bn"), m.Bn)...)
	}
	return nil
}

func weightBias(prefix string, w *tensor.Tensor, bias []float32) []slot {
	out := []slot{{nn.Join(prefix, "weight"), w.Shape, w.Data}}
	if bias != nil {
		out = append(out, slot{nn.Join(prefix, "bias"), []int{len(bias)}, bias})
	}
	return out
}

// StateDict collects the tensors and metadata of root.
func StateDict(root nn.Module) ([]safetensors.Tensor, map[string]string, error) {
	var tensors []safetensors.Tensor
	meta := map[string]string{"format": Format}

	err := nn.Walk(root, func(path string, m nn.Module) error {
		if !nn.IsLeaf(m) {
			return nil
		}
		switch q := m.(type) {
		case *quantized.Linear:
			return quantizedLayer(&tensors, meta, path, q.Weight, q.Bias, q.WeightParams, q.OutParams)
		case *quantized.Conv2d:
			return quantizedLayer(&tensors, meta, path, q.Weight, q.Bias, q.WeightParams, q.OutParams)
		case *quantized.ConvReLU2d:
			return quantizedLayer(&tensors, meta, path, q.Weight, q.Bias, q.WeightParams, q.OutParams)
		case *quantized.LinearFP16:
			tensors = append(tensors, safetensors.Tensor{
				Name:  nn.Join(path, "weight"),
				DType: safetensors.F16,
				Shape: slices.Clone(q.Weight.Shape),
				Data:  slices.Clone(q.Weight.Raw),
			})
			if q.Bias != nil {
				tensors = append(tensors, safetensors.FromF32(nn.Join(path, "bias"), []int{len(q.Bias)}, q.Bias))
			}
		case *quantized.Quantize:
			putParams(meta, path, q.Params)
		case *quantized.ReLU:
			putParams(meta, path, q.Out)
		default:
			for _, s := range floatSlots(path, m) {
				tensors = append(tensors, safetensors.FromF32(s.name, s.shape, s.data))
			}
		}
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	return tensors, meta, nil
}

func quantizedLayer(out *[]safetensors.Tensor, meta map[string]string, path string, w *tensor.Tensor, bias []float32, wp, op quant.Params) error {
	var dtype string
	switch w.DType {
	case tensor.QInt8:
		dtype = safetensors.I8
	case tensor.QUInt8:
		dtype = safetensors.U8
	default:
		return &nn.PathError{Op: "checkpoint", Path: path, Err: fmt.Errorf("weight dtype %s", w.DType)}
	}
	name := nn.Join(path, "weight")
	*out = append(*out, safetensors.Tensor{Name: name, DType: dtype, Shape: slices.Clone(w.Shape), Data: slices.Clone(w.Raw)})
	if bias != nil {
		*out = append(*out, safetensors.FromF32(nn.Join(path, "bias"), []int{len(bias)}, bias))
	}
	putParams(meta, name, wp)
	putParams(meta, path, op)
	return nil
}

func putParams(meta map[string]string, key string, p quant.Params) {
	if key != "" {
		key += "."
	}
	meta[key+"scale"] = strconv.FormatFloat(float64(p.Scale), 'g', -1, 32)
	meta[key+"zero_point"] = strconv.Itoa(int(p.ZeroPoint))
	meta[key+"dtype"] = p.DType.String()
}

// Params reads back the quantization parameters stored under key.
func Params(meta map[string]string, key string) (quant.Params, error) {
	if key != "" {
		key += "."
	}
	scale, err := strconv.ParseFloat(meta[key+"scale"], 32)
	if err != nil {
		return quant.Params{}, fmt.Errorf("%w: %sscale", ErrMissingTensor, key)
	}
	zp, err := strconv.Atoi(meta[key+"zero_point"])
	if err != nil {
		return quant.Params{}, fmt.Errorf("%w: %szero_point", ErrMissingTensor, key)
	}
	dt, err := tensor.ParseDType(meta[key+"dtype"])
	if err != nil {
		return quant.Params{}, err
	}
	return quant.Params{Scale: float32(scale), ZeroPoint: int32(zp), DType: dt}, nil
}

// Save writes the state dict of root to path.
func Save(path string, root nn.Module) error {
	tensors, meta, err := StateDict(root)
	if err != nil {
		return err
	}
	return safetensors.WriteFile(path, tensors, meta)
}

// Load copies float parameters and buffers from path into root. Every float
// slot of the tree must be present with a matching shape; extra tensors in
// the file are ignored. It returns the number of tensors loaded.
func Load(path string, root nn.Module) (int, error) {
	f, err := safetensors.Open(path)
	if err != nil {
		return 0, err
	}
	var slots []slot
	err = nn.Walk(root, func(p string, m nn.Module) error {
		if nn.IsLeaf(m) {
			slots = append(slots, floatSlots(p, m)...)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	// read everything first so a failure leaves root untouched
	values := make([][]float32, len(slots))
	for i, s := range slots {
		info, ok := f.Tensor(s.name)
		if !ok {
			return 0, fmt.Errorf("%w: %s", ErrMissingTensor, s.name)
		}
		if !slices.Equal(info.Shape, s.shape) {
			return 0, fmt.Errorf("%w: %s is %v, want %v", ErrShapeMismatch, s.name, info.Shape, s.shape)
		}
		if values[i], _, err = f.ReadTensorF32(s.name); err != nil {
			return 0, err
		}
	}
	for i, s := range slots {
		copy(s.data, values[i])
	}
	return len(slots), nil
}

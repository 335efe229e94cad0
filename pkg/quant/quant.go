// Package quant implements the affine mapping between float32 values and
// fixed-point integers used by observers and quantized kernels.
//
// A quantized value q represents the real number (q - ZeroPoint) * Scale.
package quant

import (
	"errors"
	"fmt"
	"math"
	"strings"

	"github.com/samcharles93/qtree/pkg/tensor"
)

// Scheme selects how a value range is mapped onto the integer range.
type Scheme uint8

const (
	PerTensorAffine Scheme = iota
	PerTensorSymmetric
)

func (s Scheme) String() string {
	switch s {
	case PerTensorAffine:
		return "per_tensor_affine"
	case PerTensorSymmetric:
		return "per_tensor_symmetric"
	default:
		return fmt.Sprintf("scheme(%d)", uint8(s))
	}
}

// ParseScheme converts a scheme name to a Scheme.
func ParseScheme(s string) (Scheme, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "per_tensor_affine", "affine":
		return PerTensorAffine, nil
	case "per_tensor_symmetric", "symmetric":
		return PerTensorSymmetric, nil
	default:
		return 0, fmt.Errorf("unknown quantization scheme %q", s)
	}
}

// MarshalText implements encoding.TextMarshaler.
func (s Scheme) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// UnmarshalText implements encoding.TextUnmarshaler.
func (s *Scheme) UnmarshalText(b []byte) error {
	v, err := ParseScheme(string(b))
	if err != nil {
		return err
	}
	*s = v
	return nil
}

// Params is a fixed (scale, zero-point) pair for one integer dtype.
type Params struct {
	Scale     float32
	ZeroPoint int32
	DType     tensor.DType
}

func (p Params) String() string {
	return fmt.Sprintf("%s(scale=%g, zero_point=%d)", p.DType, p.Scale, p.ZeroPoint)
}

// Eps is the smallest scale ChooseParams will return.
const Eps = float32(1.1920929e-07)

var ErrNotQuantized = errors.New("dtype is not quantized")

// ChooseParams derives (scale, zero-point) for the observed range [lo, hi].
// The range is widened to include zero so that zero is exactly representable.
func ChooseParams(lo, hi float32, dtype tensor.DType, scheme Scheme) (Params, error) {
	if dtype != tensor.QUInt8 && dtype != tensor.QInt8 {
		return Params{}, fmt.Errorf("%w: %s", ErrNotQuantized, dtype)
	}
	if lo > hi {
		return Params{}, fmt.Errorf("invalid range [%g, %g]", lo, hi)
	}
	qmin, qmax := dtype.Range()
	lo = min(lo, 0)
	hi = max(hi, 0)
	if lo == hi {
		return Params{Scale: 1, ZeroPoint: 0, DType: dtype}, nil
	}

	var scale float32
	var zp int32
	if scheme == PerTensorSymmetric {
		bound := max(-lo, hi)
		scale = bound / (float32(qmax-qmin) / 2)
		scale = max(scale, Eps)
		if dtype == tensor.QUInt8 {
			zp = 128
		}
	} else {
		scale = (hi - lo) / float32(qmax-qmin)
		scale = max(scale, Eps)
		zp = qmin - int32(math.RoundToEven(float64(lo/scale)))
		zp = clamp(zp, qmin, qmax)
	}
	return Params{Scale: scale, ZeroPoint: zp, DType: dtype}, nil
}

func clamp(v, lo, hi int32) int32 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// Clamp limits v to the integer range of dtype.
func Clamp(v int64, dtype tensor.DType) int32 {
	qmin, qmax := dtype.Range()
	if v < int64(qmin) {
		return qmin
	}
	if v > int64(qmax) {
		return qmax
	}
	return int32(v)
}

// QuantizeValue maps a real value to its clamped integer representation.
// Ties round to even.
func QuantizeValue(v float32, p Params) int32 {
	q := math.RoundToEven(float64(v)/float64(p.Scale)) + float64(p.ZeroPoint)
	if math.IsNaN(q) {
		return p.ZeroPoint
	}
	qmin, qmax := p.DType.Range()
	if q < float64(qmin) {
		return qmin
	}
	if q > float64(qmax) {
		return qmax
	}
	return int32(q)
}

// DequantizeValue maps an integer back to its real value.
func DequantizeValue(q int32, p Params) float32 {
	return float32(q-p.ZeroPoint) * p.Scale
}

// Quantize converts a float32 tensor to p.DType.
func Quantize(t *tensor.Tensor, p Params) (*tensor.Tensor, error) {
	if err := tensor.RequireFloat("quantize", t); err != nil {
		return nil, err
	}
	if p.DType != tensor.QUInt8 && p.DType != tensor.QInt8 {
		return nil, fmt.Errorf("%w: %s", ErrNotQuantized, p.DType)
	}
	out := tensor.NewQuantized(p.DType, p.Scale, p.ZeroPoint, t.Shape...)
	for i, v := range t.Data {
		out.SetQ(i, QuantizeValue(v, p))
	}
	return out, nil
}

// Dequantize converts a quantized tensor back to float32.
func Dequantize(t *tensor.Tensor) (*tensor.Tensor, error) {
	if err := tensor.RequireQuantized("dequantize", t); err != nil {
		return nil, err
	}
	p := ParamsOf(t)
	out := tensor.New(t.Shape...)
	for i := range out.Data {
		out.Data[i] = DequantizeValue(t.Q(i), p)
	}
	return out, nil
}

// ParamsOf returns the mapping carried by a quantized tensor.
func ParamsOf(t *tensor.Tensor) Params {
	return Params{Scale: t.Scale, ZeroPoint: t.ZeroPoint, DType: t.DType}
}

// FakeQuantize rounds every value of data through p in place.
func FakeQuantize(data []float32, p Params) {
	for i, v := range data {
		data[i] = DequantizeValue(QuantizeValue(v, p), p)
	}
}

// QuantizeBias maps a float bias onto the int32 accumulator grid of a kernel
// whose input and weight scales are inScale and wScale. Values beyond the
// int32 range saturate.
func QuantizeBias(bias []float32, inScale, wScale float32) []int32 {
	if bias == nil {
		return nil
	}
	s := float64(inScale) * float64(wScale)
	out := make([]int32, len(bias))
	for i, b := range bias {
		v := math.RoundToEven(float64(b) / s)
		switch {
		case math.IsNaN(v):
			v = 0
		case v > math.MaxInt32:
			v = math.MaxInt32
		case v < math.MinInt32:
			v = math.MinInt32
		}
		out[i] = int32(v)
	}
	return out
}

// Requantize maps an int32 accumulator with real scale accScale onto the
// output grid p.
func Requantize(acc int64, accScale float64, p Params) int32 {
	v := math.RoundToEven(float64(acc)*accScale/float64(p.Scale)) + float64(p.ZeroPoint)
	return Clamp(int64(v), p.DType)
}

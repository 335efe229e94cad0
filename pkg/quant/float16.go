package quant

import (
	"encoding/binary"
	"fmt"

	"github.com/x448/float16"

	"github.com/samcharles93/qtree/pkg/tensor"
)

// ToFloat16 packs a float32 tensor into a Float16 tensor.
func ToFloat16(t *tensor.Tensor) (*tensor.Tensor, error) {
	if err := tensor.RequireFloat("to_float16", t); err != nil {
		return nil, err
	}
	raw := make([]byte, 2*len(t.Data))
	for i, v := range t.Data {
		binary.LittleEndian.PutUint16(raw[2*i:], float16.Fromfloat32(v).Bits())
	}
	return &tensor.Tensor{
		Shape: append([]int(nil), t.Shape...),
		DType: tensor.Float16,
		Raw:   raw,
	}, nil
}

// FromFloat16 unpacks a Float16 tensor into float32.
func FromFloat16(t *tensor.Tensor) (*tensor.Tensor, error) {
	if t.DType != tensor.Float16 {
		return nil, fmt.Errorf("%w: from_float16 expects float16, got %s", tensor.ErrDType, t.DType)
	}
	n := t.Numel()
	if len(t.Raw) != 2*n {
		return nil, fmt.Errorf("%w: %d bytes for %d float16 values", tensor.ErrShape, len(t.Raw), n)
	}
	out := tensor.New(t.Shape...)
	for i := range out.Data {
		out.Data[i] = float16.Frombits(binary.LittleEndian.Uint16(t.Raw[2*i:])).Float32()
	}
	return out, nil
}

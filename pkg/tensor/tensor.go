package tensor

import (
	"errors"
	"fmt"
	"math"
	"math/rand"
	"strings"
)

// DType describes how a tensor stores its elements.
type DType uint8

const (
	Float32 DType = iota
	Float16
	QUInt8
	QInt8
	QInt32
)

var dtypeNames = map[DType]string{
	Float32: "float32",
	Float16: "float16",
	QUInt8:  "quint8",
	QInt8:   "qint8",
	QInt32:  "qint32",
}

func (d DType) String() string {
	if s, ok := dtypeNames[d]; ok {
		return s
	}
	return fmt.Sprintf("dtype(%d)", uint8(d))
}

// IsQuantized reports whether the dtype is an affine integer encoding.
func (d DType) IsQuantized() bool {
	return d == QUInt8 || d == QInt8 || d == QInt32
}

// Range returns the representable integer range of a quantized dtype.
func (d DType) Range() (qmin, qmax int32) {
	switch d {
	case QUInt8:
		return 0, 255
	case QInt8:
		return -128, 127
	case QInt32:
		return math.MinInt32, math.MaxInt32
	default:
		return 0, 0
	}
}

// ParseDType converts a dtype name to a DType.
func ParseDType(s string) (DType, error) {
	name := strings.ToLower(strings.TrimSpace(s))
	for d, n := range dtypeNames {
		if n == name {
			return d, nil
		}
	}
	return 0, fmt.Errorf("%w: unknown dtype %q", ErrDType, s)
}

// MarshalText implements encoding.TextMarshaler.
func (d DType) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *DType) UnmarshalText(b []byte) error {
	v, err := ParseDType(string(b))
	if err != nil {
		return err
	}
	*d = v
	return nil
}

// Tensor is a dense row-major tensor.
//
// Float32 tensors keep their values in Data. Quantized tensors (QUInt8, QInt8)
// keep one byte per element in Raw and carry the affine mapping
// real = (q - ZeroPoint) * Scale. QInt32 tensors are only produced internally
// as accumulators and are never stored in a Tensor. Float16 tensors keep two
// little-endian bytes per element in Raw.
type Tensor struct {
	Shape []int
	DType DType

	Data []float32
	Raw  []byte

	Scale     float32
	ZeroPoint int32
}

// Numel returns the number of elements described by shape.
func Numel(shape []int) int {
	n := 1
	for _, d := range shape {
		n *= d
	}
	return n
}

// New allocates a zeroed float32 tensor.
func New(shape ...int) *Tensor {
	for _, d := range shape {
		if d < 0 {
			panic("negative dimension for tensor")
		}
	}
	return &Tensor{
		Shape: append([]int(nil), shape...),
		DType: Float32,
		Data:  make([]float32, Numel(shape)),
	}
}

// FromData wraps data as a float32 tensor of the given shape. The slice is not
// copied.
func FromData(shape []int, data []float32) (*Tensor, error) {
	if Numel(shape) != len(data) {
		return nil, fmt.Errorf("%w: %d values for shape %v", ErrShape, len(data), shape)
	}
	return &Tensor{
		Shape: append([]int(nil), shape...),
		DType: Float32,
		Data:  data,
	}, nil
}

// MustFromData is FromData for fixtures; it panics on a size mismatch.
func MustFromData(shape []int, data []float32) *Tensor {
	t, err := FromData(shape, data)
	if err != nil {
		panic(err)
	}
	return t
}

// NewQuantized allocates a zeroed quantized tensor. The raw bytes are filled
// with the zero point so the tensor dequantizes to zeros.
func NewQuantized(dtype DType, scale float32, zeroPoint int32, shape ...int) *Tensor {
	if dtype != QUInt8 && dtype != QInt8 {
		panic("NewQuantized supports quint8 and qint8")
	}
	t := &Tensor{
		Shape:     append([]int(nil), shape...),
		DType:     dtype,
		Raw:       make([]byte, Numel(shape)),
		Scale:     scale,
		ZeroPoint: zeroPoint,
	}
	for i := range t.Raw {
		t.SetQ(i, zeroPoint)
	}
	return t
}

// Numel returns the number of elements in t.
func (t *Tensor) Numel() int { return Numel(t.Shape) }

// IsQuantized reports whether t holds affine integer values.
func (t *Tensor) IsQuantized() bool { return t.DType.IsQuantized() }

// Q returns the integer value of element i of a quantized tensor.
func (t *Tensor) Q(i int) int32 {
	if t.DType == QInt8 {
		return int32(int8(t.Raw[i]))
	}
	return int32(t.Raw[i])
}

// SetQ stores v as element i of a quantized tensor. The caller clamps.
func (t *Tensor) SetQ(i int, v int32) {
	if t.DType == QInt8 {
		t.Raw[i] = byte(int8(v))
		return
	}
	t.Raw[i] = byte(uint8(v))
}

// Clone returns a deep copy of t.
func (t *Tensor) Clone() *Tensor {
	out := &Tensor{
		Shape:     append([]int(nil), t.Shape...),
		DType:     t.DType,
		Scale:     t.Scale,
		ZeroPoint: t.ZeroPoint,
	}
	if t.Data != nil {
		out.Data = append([]float32(nil), t.Data...)
	}
	if t.Raw != nil {
		out.Raw = append([]byte(nil), t.Raw...)
	}
	return out
}

// Reshape returns a view of t with a new shape. One dimension may be -1 and
// is inferred from the others.
func (t *Tensor) Reshape(shape ...int) (*Tensor, error) {
	shape = append([]int(nil), shape...)
	infer := -1
	known := 1
	for i, d := range shape {
		switch {
		case d == -1 && infer < 0:
			infer = i
		case d < 0:
			return nil, fmt.Errorf("%w: invalid reshape %v", ErrShape, shape)
		default:
			known *= d
		}
	}
	n := t.Numel()
	if infer >= 0 {
		if known == 0 || n%known != 0 {
			return nil, fmt.Errorf("%w: cannot reshape %v to %v", ErrShape, t.Shape, shape)
		}
		shape[infer] = n / known
	}
	if Numel(shape) != n {
		return nil, fmt.Errorf("%w: cannot reshape %v to %v", ErrShape, t.Shape, shape)
	}
	view := *t
	view.Shape = shape
	return &view, nil
}

// RequireFloat returns ErrDType unless t is a float32 tensor.
func RequireFloat(op string, t *Tensor) error {
	if t == nil {
		return fmt.Errorf("%w: %s: nil input", ErrShape, op)
	}
	if t.DType != Float32 {
		return fmt.Errorf("%w: %s expects float32 input, got %s", ErrDType, op, t.DType)
	}
	return nil
}

// RequireQuantized returns ErrDType unless t is a quint8/qint8 tensor.
func RequireQuantized(op string, t *Tensor) error {
	if t == nil {
		return fmt.Errorf("%w: %s: nil input", ErrShape, op)
	}
	if t.DType != QUInt8 && t.DType != QInt8 {
		return fmt.Errorf("%w: %s expects quantized input, got %s", ErrDType, op, t.DType)
	}
	return nil
}

// SameShape reports whether a and b have identical shapes.
func SameShape(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// FillRand fills t with reproducible values uniformly drawn from [0, 1).
func FillRand(t *Tensor, seed int64) {
	FillUniform(t, seed, 0, 1)
}

// FillUniform fills t with reproducible values uniformly drawn from [lo, hi).
func FillUniform(t *Tensor, seed int64, lo, hi float32) {
	if t.DType != Float32 {
		panic("FillUniform only supports float32 tensors")
	}
	rng := rand.New(rand.NewSource(seed))
	for i := range t.Data {
		t.Data[i] = lo + rng.Float32()*(hi-lo)
	}
}

// MinMax returns the smallest and largest values of a float slice. It returns
// ok=false for an empty slice.
func MinMax(data []float32) (lo, hi float32, ok bool) {
	if len(data) == 0 {
		return 0, 0, false
	}
	lo, hi = data[0], data[0]
	for _, v := range data[1:] {
		if v < lo {
			lo = v
		}
		if v > hi {
			hi = v
		}
	}
	return lo, hi, true
}

var (
	ErrShape = errors.New("tensor shape mismatch")
	ErrDType = errors.New("tensor dtype mismatch")
)

package observer

import (
	"sync"

	"github.com/samcharles93/qtree/pkg/quant"
	"github.com/samcharles93/qtree/pkg/tensor"
)

// MinMax tracks the running minimum and maximum of observed values. With a
// non-zero averaging constant it tracks an exponential moving average of the
// per-batch extremes instead.
type MinMax struct {
	spec      Spec
	averaging float32

	mu     sync.Mutex
	lo, hi float32
	count  int
}

func (o *MinMax) Spec() Spec { return o.spec }

func (o *MinMax) Observe(x *tensor.Tensor, _ bool) (*tensor.Tensor, error) {
	if err := floatInput(x); err != nil {
		return nil, err
	}
	lo, hi, ok := tensor.MinMax(x.Data)
	if !ok {
		return x, nil
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	switch {
	case o.count == 0:
		o.lo, o.hi = lo, hi
	case o.averaging > 0:
		o.lo += o.averaging * (lo - o.lo)
		o.hi += o.averaging * (hi - o.hi)
	default:
		o.lo = min(o.lo, lo)
		o.hi = max(o.hi, hi)
	}
	o.count++
	return x, nil
}

func (o *MinMax) Count() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.count
}

// Range returns the tracked range.
func (o *MinMax) Range() (lo, hi float32) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.lo, o.hi
}

func (o *MinMax) Params() (quant.Params, error) {
	o.mu.Lock()
	lo, hi, n := o.lo, o.hi, o.count
	o.mu.Unlock()
	if n == 0 {
		return quant.Params{}, ErrEmptyRange
	}
	return quant.ChooseParams(lo, hi, o.spec.DType, o.spec.Scheme)
}

func (o *MinMax) Reset() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.lo, o.hi, o.count = 0, 0, 0
}

// Placeholder counts observations of modules that stay in a float dtype.
type Placeholder struct {
	spec  Spec
	mu    sync.Mutex
	count int
}

func (o *Placeholder) Spec() Spec { return o.spec }

func (o *Placeholder) Observe(x *tensor.Tensor, _ bool) (*tensor.Tensor, error) {
	if err := floatInput(x); err != nil {
		return nil, err
	}
	o.mu.Lock()
	o.count++
	o.mu.Unlock()
	return x, nil
}

func (o *Placeholder) Count() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.count
}

// Params returns a unit mapping tagged with the float dtype.
func (o *Placeholder) Params() (quant.Params, error) {
	return quant.Params{Scale: 1, DType: o.spec.DType}, nil
}

func (o *Placeholder) Reset() {
	o.mu.Lock()
	o.count = 0
	o.mu.Unlock()
}

package observer

import (
	"sync/atomic"

	"github.com/samcharles93/qtree/pkg/quant"
	"github.com/samcharles93/qtree/pkg/tensor"
)

// FakeQuantize wraps an observer and, in training mode, rounds the observed
// values through the current quantization parameters so training sees the
// quantization error. Gradients pass through unchanged.
type FakeQuantize struct {
	inner Observer

	observerEnabled  atomic.Bool
	fakeQuantEnabled atomic.Bool
}

// NewFakeQuantize wraps inner with both observation and fake quantization
// enabled.
func NewFakeQuantize(inner Observer) *FakeQuantize {
	fq := &FakeQuantize{inner: inner}
	fq.observerEnabled.Store(true)
	fq.fakeQuantEnabled.Store(true)
	return fq
}

func (f *FakeQuantize) Spec() Spec {
	s := f.inner.Spec()
	s.FakeQuant = true
	return s
}

// Inner returns the wrapped observer.
func (f *FakeQuantize) Inner() Observer { return f.inner }

// EnableObserver toggles statistics collection.
func (f *FakeQuantize) EnableObserver(on bool) { f.observerEnabled.Store(on) }

// EnableFakeQuant toggles rounding in training mode.
func (f *FakeQuantize) EnableFakeQuant(on bool) { f.fakeQuantEnabled.Store(on) }

func (f *FakeQuantize) Observe(x *tensor.Tensor, training bool) (*tensor.Tensor, error) {
	if err := floatInput(x); err != nil {
		return nil, err
	}
	if f.observerEnabled.Load() {
		if _, err := f.inner.Observe(x, training); err != nil {
			return nil, err
		}
	}
	if !training || !f.fakeQuantEnabled.Load() || f.inner.Count() == 0 {
		return x, nil
	}
	p, err := f.inner.Params()
	if err != nil {
		return nil, err
	}
	out := x.Clone()
	quant.FakeQuantize(out.Data, p)
	return out, nil
}

func (f *FakeQuantize) Count() int { return f.inner.Count() }

func (f *FakeQuantize) Params() (quant.Params, error) { return f.inner.Params() }

func (f *FakeQuantize) Reset() { f.inner.Reset() }

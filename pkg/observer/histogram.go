package observer

import (
	"math"
	"sort"
	"sync"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"

	"github.com/samcharles93/qtree/pkg/quant"
	"github.com/samcharles93/qtree/pkg/tensor"
)

// clipMass is the fraction of observed values that may fall outside the
// chosen range on each side.
const clipMass = 1e-4

// Histogram keeps a fixed-width histogram over the running range of observed
// values and picks a range that drops the sparse tails.
type Histogram struct {
	spec Spec

	mu     sync.Mutex
	lo, hi float64
	counts []float64
	total  float64
	count  int
}

func newHistogram(spec Spec) *Histogram {
	return &Histogram{spec: spec, counts: make([]float64, spec.Bins)}
}

func (o *Histogram) Spec() Spec { return o.spec }

func (o *Histogram) edges() (lo, hi float64) {
	if o.hi > o.lo {
		return o.lo, o.hi
	}
	return o.lo, o.lo + 1
}

func (o *Histogram) dividers() []float64 {
	lo, hi := o.edges()
	d := floats.Span(make([]float64, len(o.counts)+1), lo, hi)
	d[len(d)-1] = math.Nextafter(hi, math.Inf(1))
	return d
}

// rebin redistributes the existing counts after the range grew.
func (o *Histogram) rebin(oldLo, oldHi float64) {
	if o.total == 0 {
		return
	}
	if oldHi <= oldLo {
		oldHi = oldLo + 1
	}
	bins := len(o.counts)
	oldWidth := (oldHi - oldLo) / float64(bins)
	lo, hi := o.edges()
	width := (hi - lo) / float64(bins)
	next := make([]float64, bins)
	for i, c := range o.counts {
		if c == 0 {
			continue
		}
		center := oldLo + (float64(i)+0.5)*oldWidth
		j := int((center - lo) / width)
		j = max(0, min(bins-1, j))
		next[j] += c
	}
	o.counts = next
}

func (o *Histogram) Observe(x *tensor.Tensor, _ bool) (*tensor.Tensor, error) {
	if err := floatInput(x); err != nil {
		return nil, err
	}
	if len(x.Data) == 0 {
		return x, nil
	}
	values := make([]float64, len(x.Data))
	for i, v := range x.Data {
		values[i] = float64(v)
	}
	sort.Float64s(values)
	lo, hi := values[0], values[len(values)-1]

	o.mu.Lock()
	defer o.mu.Unlock()
	if o.count == 0 {
		o.lo, o.hi = lo, hi
	} else if lo < o.lo || hi > o.hi {
		oldLo, oldHi := o.lo, o.hi
		o.lo, o.hi = math.Min(o.lo, lo), math.Max(o.hi, hi)
		o.rebin(oldLo, oldHi)
	}
	batch := stat.Histogram(nil, o.dividers(), values, nil)
	floats.Add(o.counts, batch)
	o.total += float64(len(values))
	o.count++
	return x, nil
}

func (o *Histogram) Count() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.count
}

// Range returns the clipped range Params will quantize.
func (o *Histogram) Range() (lo, hi float32) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.clippedRange()
}

func (o *Histogram) clippedRange() (float32, float32) {
	d := o.dividers()
	budget := o.total * clipMass
	first := 0
	for acc := 0.0; first < len(o.counts)-1; first++ {
		acc += o.counts[first]
		if acc > budget {
			break
		}
	}
	last := len(o.counts) - 1
	for acc := 0.0; last > first; last-- {
		acc += o.counts[last]
		if acc > budget {
			break
		}
	}
	lo := math.Max(o.lo, d[first])
	hi := math.Min(o.hi, d[last+1])
	return float32(lo), float32(hi)
}

func (o *Histogram) Params() (quant.Params, error) {
	o.mu.Lock()
	if o.count == 0 {
		o.mu.Unlock()
		return quant.Params{}, ErrEmptyRange
	}
	lo, hi := o.clippedRange()
	o.mu.Unlock()
	return quant.ChooseParams(lo, hi, o.spec.DType, o.spec.Scheme)
}

func (o *Histogram) Reset() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.lo, o.hi, o.total, o.count = 0, 0, 0, 0
	for i := range o.counts {
		o.counts[i] = 0
	}
}

package nn

import (
	"errors"
	"fmt"
	"math"

	"github.com/samcharles93/qtree/pkg/tensor"
)

var ErrBatchNormStats = errors.New("batch norm running statistics are not initialized")

// BatchNorm2d normalizes each channel of an NCHW input. In training mode it
// uses batch statistics and updates the running estimates; in evaluation mode
// it uses the running estimates.
type BatchNorm2d struct {
	Base
	Channels int
	Eps      float32
	Momentum float32

	Weight      []float32 // gamma
	Bias        []float32 // beta
	RunningMean []float32
	RunningVar  []float32

	NumBatchesTracked int

	cache  *tensor.BatchNormCache
	params []*Param
}

// NewBatchNorm2d returns a layer with unit scale, zero shift, zero running
// mean and unit running variance.
func NewBatchNorm2d(channels int) *BatchNorm2d {
	bn := &BatchNorm2d{
		Channels:    channels,
		Eps:         1e-5,
		Momentum:    0.1,
		Weight:      make([]float32, channels),
		Bias:        make([]float32, channels),
		RunningMean: make([]float32, channels),
		RunningVar:  make([]float32, channels),
	}
	for i := range bn.Weight {
		bn.Weight[i] = 1
		bn.RunningVar[i] = 1
	}
	bn.params = []*Param{newParam("weight", bn.Weight), newParam("bias", bn.Bias)}
	return bn
}

func (b *BatchNorm2d) Kind() Kind { return KindBatchNorm2d }

func (b *BatchNorm2d) Forward(x *tensor.Tensor) (*tensor.Tensor, error) {
	if !b.meta.Training {
		if err := b.StatsInitialized(); err != nil {
			return nil, err
		}
		return tensor.BatchNormEval(x, b.RunningMean, b.RunningVar, b.Weight, b.Bias, b.Eps)
	}
	y, mean, variance, cache, err := tensor.BatchNormTrain(x, b.Weight, b.Bias, b.Eps)
	if err != nil {
		return nil, err
	}
	count := x.Numel() / b.Channels
	correction := float32(1)
	if count > 1 {
		correction = float32(count) / float32(count-1)
	}
	m := b.Momentum
	for c := range mean {
		b.RunningMean[c] = (1-m)*b.RunningMean[c] + m*mean[c]
		b.RunningVar[c] = (1-m)*b.RunningVar[c] + m*variance[c]*correction
	}
	b.NumBatchesTracked++
	b.cache = cache
	return y, nil
}

func (b *BatchNorm2d) Backward(grad *tensor.Tensor) (*tensor.Tensor, error) {
	if b.cache == nil {
		return nil, ErrNoForwardCache
	}
	gradIn, gradGamma, gradBeta, err := tensor.BatchNormBackward(b.cache, b.Weight, grad)
	if err != nil {
		return nil, err
	}
	b.params[0].Accumulate(gradGamma)
	b.params[1].Accumulate(gradBeta)
	return gradIn, nil
}

func (b *BatchNorm2d) Parameters() []*Param { return b.params }

// StatsInitialized reports whether the running statistics can be used to
// normalize or fold: every slice has one entry per channel, nothing is NaN,
// and every variance denominator is positive.
func (b *BatchNorm2d) StatsInitialized() error {
	n := b.Channels
	if len(b.RunningMean) != n || len(b.RunningVar) != n || len(b.Weight) != n || len(b.Bias) != n {
		return fmt.Errorf("%w: expected %d channels", ErrBatchNormStats, n)
	}
	for c := 0; c < n; c++ {
		mean, v := float64(b.RunningMean[c]), float64(b.RunningVar[c])
		if math.IsNaN(mean) || math.IsNaN(v) || math.IsInf(mean, 0) || math.IsInf(v, 0) {
			return fmt.Errorf("%w: channel %d is not finite", ErrBatchNormStats, c)
		}
		if v+float64(b.Eps) <= 0 {
			return fmt.Errorf("%w: channel %d has variance %g", ErrBatchNormStats, c, v)
		}
	}
	return nil
}

// FoldInto returns a copy of conv with this layer's normalization folded into
// its weight and bias:
//
//	w' = w * gamma / sqrt(var + eps)
//	b' = (b - mean) * gamma / sqrt(var + eps) + beta
func (b *BatchNorm2d) FoldInto(conv *Conv2d) (*Conv2d, error) {
	if err := b.StatsInitialized(); err != nil {
		return nil, err
	}
	if conv.OutChannels != b.Channels {
		return nil, fmt.Errorf("%w: conv has %d output channels, batch norm %d", tensor.ErrShape, conv.OutChannels, b.Channels)
	}
	folded := conv.Clone()
	per := folded.Weight.Numel() / folded.OutChannels
	bias := make([]float32, b.Channels)
	for c := 0; c < b.Channels; c++ {
		scale := float64(b.Weight[c]) / math.Sqrt(float64(b.RunningVar[c])+float64(b.Eps))
		w := folded.Weight.Data[c*per : (c+1)*per]
		for i := range w {
			w[i] = float32(float64(w[i]) * scale)
		}
		var cb float64
		if conv.Bias != nil {
			cb = float64(conv.Bias[c])
		}
		bias[c] = float32((cb-float64(b.RunningMean[c]))*scale + float64(b.Bias[c]))
	}
	return NewConv2dFrom(folded.Weight, bias, folded.Geometry)
}

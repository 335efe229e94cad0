package tensor

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/blas"
	"gonum.org/v1/gonum/blas/blas32"
)

func general(rows, cols int, data []float32) blas32.General {
	return blas32.General{Rows: rows, Cols: cols, Stride: cols, Data: data}
}

// Linear computes y = x * w^T + b for x [N, in] and w [out, in]. b may be nil.
func Linear(x, w *Tensor, b []float32) (*Tensor, error) {
	if err := RequireFloat("linear", x); err != nil {
		return nil, err
	}
	if len(x.Shape) != 2 || len(w.Shape) != 2 || x.Shape[1] != w.Shape[1] {
		return nil, fmt.Errorf("%w: linear input %v, weight %v", ErrShape, x.Shape, w.Shape)
	}
	n, out := x.Shape[0], w.Shape[0]
	if b != nil && len(b) != out {
		return nil, fmt.Errorf("%w: linear bias %d, out features %d", ErrShape, len(b), out)
	}
	y := New(n, out)
	if n > 0 && out > 0 && x.Shape[1] > 0 {
		blas32.Gemm(blas.NoTrans, blas.Trans, 1,
			general(n, x.Shape[1], x.Data), general(out, w.Shape[1], w.Data),
			0, general(n, out, y.Data))
	}
	if b != nil {
		for i := 0; i < n; i++ {
			Add(y.Data[i*out:(i+1)*out], b)
		}
	}
	return y, nil
}

// LinearBackward returns the gradients of Linear with respect to its input,
// weight and bias.
func LinearBackward(x, w, gradOut *Tensor) (gradIn *Tensor, gradW, gradB []float32, err error) {
	if len(gradOut.Shape) != 2 || gradOut.Shape[0] != x.Shape[0] || gradOut.Shape[1] != w.Shape[0] {
		return nil, nil, nil, fmt.Errorf("%w: linear grad %v for input %v, weight %v", ErrShape, gradOut.Shape, x.Shape, w.Shape)
	}
	n, in, out := x.Shape[0], x.Shape[1], w.Shape[0]
	gradIn = New(n, in)
	gradW = make([]float32, out*in)
	gradB = make([]float32, out)
	if n == 0 {
		return gradIn, gradW, gradB, nil
	}
	blas32.Gemm(blas.NoTrans, blas.NoTrans, 1,
		general(n, out, gradOut.Data), general(out, in, w.Data),
		0, general(n, in, gradIn.Data))
	blas32.Gemm(blas.Trans, blas.NoTrans, 1,
		general(n, out, gradOut.Data), general(n, in, x.Data),
		0, general(out, in, gradW))
	for i := 0; i < n; i++ {
		Add(gradB, gradOut.Data[i*out:(i+1)*out])
	}
	return gradIn, gradW, gradB, nil
}

// ConvParams holds the geometry of a 2-D convolution.
type ConvParams struct {
	Stride  int
	Padding int
}

func (p ConvParams) normalized() ConvParams {
	if p.Stride <= 0 {
		p.Stride = 1
	}
	if p.Padding < 0 {
		p.Padding = 0
	}
	return p
}

// ConvOutSize returns the spatial output size of a convolution.
func ConvOutSize(in, kernel int, p ConvParams) int {
	p = p.normalized()
	return (in+2*p.Padding-kernel)/p.Stride + 1
}

type convGeom struct {
	n, c, h, w       int
	oc, kh, kw       int
	oh, ow           int
	stride, pad      int
	colRows, spatial int
}

func conv2dGeom(x, w *Tensor, p ConvParams) (convGeom, error) {
	if len(x.Shape) != 4 || len(w.Shape) != 4 || x.Shape[1] != w.Shape[1] {
		return convGeom{}, fmt.Errorf("%w: conv2d input %v, weight %v", ErrShape, x.Shape, w.Shape)
	}
	p = p.normalized()
	g := convGeom{
		n: x.Shape[0], c: x.Shape[1], h: x.Shape[2], w: x.Shape[3],
		oc: w.Shape[0], kh: w.Shape[2], kw: w.Shape[3],
		stride: p.Stride, pad: p.Padding,
	}
	g.oh = ConvOutSize(g.h, g.kh, p)
	g.ow = ConvOutSize(g.w, g.kw, p)
	if g.oh <= 0 || g.ow <= 0 {
		return convGeom{}, fmt.Errorf("%w: conv2d kernel %dx%d larger than padded input %dx%d", ErrShape, g.kh, g.kw, g.h, g.w)
	}
	g.colRows = g.c * g.kh * g.kw
	g.spatial = g.oh * g.ow
	return g, nil
}

// im2col lays out the receptive fields of one sample as a
// [C*KH*KW, OH*OW] matrix.
func im2col(src []float32, g convGeom, cols []float32) {
	for c := 0; c < g.c; c++ {
		for ki := 0; ki < g.kh; ki++ {
			for kj := 0; kj < g.kw; kj++ {
				row := (c*g.kh+ki)*g.kw + kj
				dst := cols[row*g.spatial : (row+1)*g.spatial]
				for oy := 0; oy < g.oh; oy++ {
					iy := oy*g.stride - g.pad + ki
					for ox := 0; ox < g.ow; ox++ {
						ix := ox*g.stride - g.pad + kj
						v := float32(0)
						if iy >= 0 && iy < g.h && ix >= 0 && ix < g.w {
							v = src[(c*g.h+iy)*g.w+ix]
						}
						dst[oy*g.ow+ox] = v
					}
				}
			}
		}
	}
}

func col2im(cols []float32, g convGeom, dst []float32) {
	for c := 0; c < g.c; c++ {
		for ki := 0; ki < g.kh; ki++ {
			for kj := 0; kj < g.kw; kj++ {
				row := (c*g.kh+ki)*g.kw + kj
				src := cols[row*g.spatial : (row+1)*g.spatial]
				for oy := 0; oy < g.oh; oy++ {
					iy := oy*g.stride - g.pad + ki
					if iy < 0 || iy >= g.h {
						continue
					}
					for ox := 0; ox < g.ow; ox++ {
						ix := ox*g.stride - g.pad + kj
						if ix < 0 || ix >= g.w {
							continue
						}
						dst[(c*g.h+iy)*g.w+ix] += src[oy*g.ow+ox]
					}
				}
			}
		}
	}
}

// Im2Col exposes the receptive-field layout of sample n of an NCHW tensor for
// integer kernels. The result is [C*KH*KW, OH*OW] in row-major order.
func Im2Col(x *Tensor, n, kh, kw int, p ConvParams) ([]float32, int, int, error) {
	if len(x.Shape) != 4 {
		return nil, 0, 0, fmt.Errorf("%w: im2col input %v", ErrShape, x.Shape)
	}
	w := &Tensor{Shape: []int{1, x.Shape[1], kh, kw}}
	g, err := conv2dGeom(x, w, p)
	if err != nil {
		return nil, 0, 0, err
	}
	sample := g.c * g.h * g.w
	src := x.Data
	if x.IsQuantized() {
		// Padding must land on the zero point, so shift before laying out.
		src = make([]float32, sample)
		for i := range src {
			src[i] = float32(x.Q(n*sample+i) - x.ZeroPoint)
		}
	} else {
		src = src[n*sample : (n+1)*sample]
	}
	cols := make([]float32, g.colRows*g.spatial)
	im2col(src, g, cols)
	return cols, g.oh, g.ow, nil
}

// Conv2d computes a 2-D convolution of x [N, C, H, W] with w [OC, C, KH, KW].
// b may be nil.
func Conv2d(x, w *Tensor, b []float32, p ConvParams) (*Tensor, error) {
	if err := RequireFloat("conv2d", x); err != nil {
		return nil, err
	}
	g, err := conv2dGeom(x, w, p)
	if err != nil {
		return nil, err
	}
	if b != nil && len(b) != g.oc {
		return nil, fmt.Errorf("%w: conv2d bias %d, out channels %d", ErrShape, len(b), g.oc)
	}
	y := New(g.n, g.oc, g.oh, g.ow)
	cols := make([]float32, g.colRows*g.spatial)
	sample := g.c * g.h * g.w
	outSample := g.oc * g.spatial
	for n := 0; n < g.n; n++ {
		im2col(x.Data[n*sample:(n+1)*sample], g, cols)
		dst := y.Data[n*outSample : (n+1)*outSample]
		blas32.Gemm(blas.NoTrans, blas.NoTrans, 1,
			general(g.oc, g.colRows, w.Data), general(g.colRows, g.spatial, cols),
			0, general(g.oc, g.spatial, dst))
		if b != nil {
			for o := 0; o < g.oc; o++ {
				row := dst[o*g.spatial : (o+1)*g.spatial]
				for i := range row {
					row[i] += b[o]
				}
			}
		}
	}
	return y, nil
}

// Conv2dBackward returns the gradients of Conv2d with respect to its input,
// weight and bias.
func Conv2dBackward(x, w, gradOut *Tensor, p ConvParams) (gradIn *Tensor, gradW, gradB []float32, err error) {
	g, err := conv2dGeom(x, w, p)
	if err != nil {
		return nil, nil, nil, err
	}
	if !SameShape(gradOut.Shape, []int{g.n, g.oc, g.oh, g.ow}) {
		return nil, nil, nil, fmt.Errorf("%w: conv2d grad %v", ErrShape, gradOut.Shape)
	}
	gradIn = New(x.Shape...)
	gradW = make([]float32, len(w.Data))
	gradB = make([]float32, g.oc)
	cols := make([]float32, g.colRows*g.spatial)
	gradCols := make([]float32, g.colRows*g.spatial)
	sample := g.c * g.h * g.w
	outSample := g.oc * g.spatial
	for n := 0; n < g.n; n++ {
		gout := gradOut.Data[n*outSample : (n+1)*outSample]
		im2col(x.Data[n*sample:(n+1)*sample], g, cols)
		blas32.Gemm(blas.NoTrans, blas.Trans, 1,
			general(g.oc, g.spatial, gout), general(g.colRows, g.spatial, cols),
			1, general(g.oc, g.colRows, gradW))
		blas32.Gemm(blas.Trans, blas.NoTrans, 1,
			general(g.oc, g.colRows, w.Data), general(g.oc, g.spatial, gout),
			0, general(g.colRows, g.spatial, gradCols))
		col2im(gradCols, g, gradIn.Data[n*sample:(n+1)*sample])
		for o := 0; o < g.oc; o++ {
			for _, v := range gout[o*g.spatial : (o+1)*g.spatial] {
				gradB[o] += v
			}
		}
	}
	return gradIn, gradW, gradB, nil
}

// ReLU returns max(x, 0) element-wise.
func ReLU(x *Tensor) (*Tensor, error) {
	if err := RequireFloat("relu", x); err != nil {
		return nil, err
	}
	y := New(x.Shape...)
	for i, v := range x.Data {
		if v > 0 {
			y.Data[i] = v
		}
	}
	return y, nil
}

// ReLUBackward masks gradOut where the forward input was not positive.
func ReLUBackward(x, gradOut *Tensor) (*Tensor, error) {
	if !SameShape(x.Shape, gradOut.Shape) {
		return nil, fmt.Errorf("%w: relu grad %v for input %v", ErrShape, gradOut.Shape, x.Shape)
	}
	g := New(x.Shape...)
	for i, v := range x.Data {
		if v > 0 {
			g.Data[i] = gradOut.Data[i]
		}
	}
	return g, nil
}

// BatchNormCache keeps what BatchNormBackward needs from a training pass.
type BatchNormCache struct {
	XHat   *Tensor
	InvStd []float32
}

func bnGeom(x *Tensor, channels int) (n, c, hw int, err error) {
	if len(x.Shape) != 4 || x.Shape[1] != channels {
		return 0, 0, 0, fmt.Errorf("%w: batchnorm2d input %v, channels %d", ErrShape, x.Shape, channels)
	}
	return x.Shape[0], x.Shape[1], x.Shape[2] * x.Shape[3], nil
}

// BatchNormEval normalizes x [N, C, H, W] with fixed statistics.
func BatchNormEval(x *Tensor, mean, variance, gamma, beta []float32, eps float32) (*Tensor, error) {
	if err := RequireFloat("batchnorm2d", x); err != nil {
		return nil, err
	}
	n, c, hw, err := bnGeom(x, len(mean))
	if err != nil {
		return nil, err
	}
	y := New(x.Shape...)
	for ch := 0; ch < c; ch++ {
		inv := float32(1 / math.Sqrt(float64(variance[ch]+eps)))
		scale := gamma[ch] * inv
		shift := beta[ch] - mean[ch]*scale
		for s := 0; s < n; s++ {
			off := (s*c + ch) * hw
			for i := off; i < off+hw; i++ {
				y.Data[i] = x.Data[i]*scale + shift
			}
		}
	}
	return y, nil
}

// BatchNormTrain normalizes x with its own batch statistics and returns them
// alongside the output. variance is the biased batch variance.
func BatchNormTrain(x *Tensor, gamma, beta []float32, eps float32) (y *Tensor, mean, variance []float32, cache *BatchNormCache, err error) {
	if err := RequireFloat("batchnorm2d", x); err != nil {
		return nil, nil, nil, nil, err
	}
	n, c, hw, err := bnGeom(x, len(gamma))
	if err != nil {
		return nil, nil, nil, nil, err
	}
	count := float64(n * hw)
	if count == 0 {
		return nil, nil, nil, nil, fmt.Errorf("%w: batchnorm2d over an empty batch", ErrShape)
	}
	mean = make([]float32, c)
	variance = make([]float32, c)
	y = New(x.Shape...)
	cache = &BatchNormCache{XHat: New(x.Shape...), InvStd: make([]float32, c)}
	for ch := 0; ch < c; ch++ {
		var sum, sq float64
		for s := 0; s < n; s++ {
			off := (s*c + ch) * hw
			for _, v := range x.Data[off : off+hw] {
				sum += float64(v)
			}
		}
		mu := sum / count
		for s := 0; s < n; s++ {
			off := (s*c + ch) * hw
			for _, v := range x.Data[off : off+hw] {
				d := float64(v) - mu
				sq += d * d
			}
		}
		vr := sq / count
		inv := float32(1 / math.Sqrt(vr+float64(eps)))
		mean[ch] = float32(mu)
		variance[ch] = float32(vr)
		cache.InvStd[ch] = inv
		for s := 0; s < n; s++ {
			off := (s*c + ch) * hw
			for i := off; i < off+hw; i++ {
				xh := (x.Data[i] - float32(mu)) * inv
				cache.XHat.Data[i] = xh
				y.Data[i] = xh*gamma[ch] + beta[ch]
			}
		}
	}
	return y, mean, variance, cache, nil
}

// BatchNormBackward returns the gradients of a training-mode batch norm.
func BatchNormBackward(cache *BatchNormCache, gamma []float32, gradOut *Tensor) (gradIn *Tensor, gradGamma, gradBeta []float32, err error) {
	n, c, hw, err := bnGeom(gradOut, len(gamma))
	if err != nil {
		return nil, nil, nil, err
	}
	if !SameShape(cache.XHat.Shape, gradOut.Shape) {
		return nil, nil, nil, fmt.Errorf("%w: batchnorm2d grad %v", ErrShape, gradOut.Shape)
	}
	count := float32(n * hw)
	gradIn = New(gradOut.Shape...)
	gradGamma = make([]float32, c)
	gradBeta = make([]float32, c)
	for ch := 0; ch < c; ch++ {
		var sumDy, sumDyXh float32
		for s := 0; s < n; s++ {
			off := (s*c + ch) * hw
			for i := off; i < off+hw; i++ {
				sumDy += gradOut.Data[i]
				sumDyXh += gradOut.Data[i] * cache.XHat.Data[i]
			}
		}
		gradGamma[ch] = sumDyXh
		gradBeta[ch] = sumDy
		k := gamma[ch] * cache.InvStd[ch] / count
		for s := 0; s < n; s++ {
			off := (s*c + ch) * hw
			for i := off; i < off+hw; i++ {
				gradIn.Data[i] = k * (count*gradOut.Data[i] - sumDy - cache.XHat.Data[i]*sumDyXh)
			}
		}
	}
	return gradIn, gradGamma, gradBeta, nil
}

// Add adds src to dst element-wise.
func Add(dst, src []float32) {
	for i := range dst {
		dst[i] += src[i]
	}
}

// Softmax applies the softmax function to x in place.
func Softmax(x []float32) {
	if len(x) == 0 {
		return
	}
	maxv := x[0]
	for i := 1; i < len(x); i++ {
		if x[i] > maxv {
			maxv = x[i]
		}
	}
	var sum float64
	for i := range x {
		v := math.Exp(float64(x[i] - maxv))
		x[i] = float32(v)
		sum += v
	}
	if sum == 0 {
		return
	}
	inv := float32(1.0 / sum)
	for i := range x {
		x[i] *= inv
	}
}

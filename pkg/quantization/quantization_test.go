package quantization

import (
	"context"
	"errors"
	"math"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/samcharles93/qtree/pkg/nn"
	"github.com/samcharles93/qtree/pkg/nn/qat"
	"github.com/samcharles93/qtree/pkg/observer"
	"github.com/samcharles93/qtree/pkg/qconfig"
	"github.com/samcharles93/qtree/pkg/runner"
	"github.com/samcharles93/qtree/pkg/tensor"
)

func calibrate() RunFunc { return runner.EvalFunc(runner.EvalConfig{Workers: 4}) }

func train() RunFunc {
	return runner.TrainFunc(runner.TrainConfig{Epochs: 2, LearningRate: 0.01})
}

// assertKinds checks the kind at every path in want and ignores the rest.
func assertKinds(t *testing.T, root nn.Module, want map[string]nn.Kind) {
	t.Helper()
	all := nn.Kinds(root)
	got := make(map[string]nn.Kind, len(want))
	for path := range want {
		if k, ok := all[path]; ok {
			got[path] = k
		}
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("kinds mismatch (-want +got):\n%s", diff)
	}
}

func names(t *testing.T, root nn.Module, path string) []string {
	t.Helper()
	m, err := nn.Get(root, path)
	require.NoError(t, err)
	c, ok := m.(nn.Container)
	require.True(t, ok, "%q is not a container", path)
	return c.Names()
}

func forward(t *testing.T, m nn.Module, x *tensor.Tensor) *tensor.Tensor {
	t.Helper()
	y, err := m.Forward(x)
	require.NoError(t, err)
	require.Equal(t, tensor.Float32, y.DType)
	return y
}

func maxAbsDiff(a, b []float32) float64 {
	var d float64
	for i := range a {
		d = math.Max(d, math.Abs(float64(a[i]-b[i])))
	}
	return d
}

// assertTracksFloat runs the first batch through both models.
func assertTracksFloat(t *testing.T, ref, got nn.Module, data runner.Dataset, tol float64) {
	t.Helper()
	want := forward(t, nn.Eval(ref), data[0].Input)
	y := forward(t, got, data[0].Input)
	require.Equal(t, want.Shape, y.Shape)
	assert.LessOrEqual(t, maxAbsDiff(want.Data, y.Data), tol)
}

func TestPropagateNearestWins(t *testing.T) {
	m := annotatedCustomConfigNested()
	conflicts := Propagate(m, Options{})

	require.Len(t, conflicts, 1)
	c := conflicts[0]
	assert.Equal(t, "sub2.fc1.module", c.Path)
	assert.Equal(t, "histogram", c.Chosen.Name)
	assert.Equal(t, "default", c.Replaced.Name)
	assert.False(t, c.Override)
	assert.True(t, errors.Is(c, ErrConflictingConfiguration))

	eff := func(path string) *qconfig.QConfig {
		n, err := nn.Get(m, path)
		require.NoError(t, err)
		return n.Meta().Effective
	}
	assert.Nil(t, eff("sub1"))
	assert.Nil(t, eff("sub1.fc"))
	assert.Equal(t, "default", eff("sub2").Name)
	assert.Equal(t, "default", eff("sub2.fc1.quant").Name)
	assert.Equal(t, "histogram", eff("sub2.fc1.module").Name)
	assert.Equal(t, "default", eff("sub2.fc2.module").Name)
	assert.Equal(t, "default", eff("fc3.module").Name)
}

func TestPropagateDefaultsOverridesAndSkip(t *testing.T) {
	m := nn.NewSequential().
		Add("fc1", nn.WithQConfig(linear(5, 5, 1), qconfig.Float16())).
		Add("sub", nn.Skip(nn.NewSequential().
			Add("fc", nn.WithQConfig(linear(5, 5, 2), qconfig.Default())))).
		Add("fc2", linear(5, 5, 3))

	conflicts := Propagate(m, Options{
		Default:   qconfig.Default(),
		Overrides: map[string]*qconfig.QConfig{"fc1": qconfig.Histogram()},
	})

	require.Len(t, conflicts, 2)
	assert.Equal(t, Conflict{Path: "fc1", Replaced: qconfig.Float16(), Chosen: qconfig.Histogram(), Override: true}, conflicts[0])
	assert.Equal(t, "fc1", conflicts[1].Path)
	assert.Equal(t, "default", conflicts[1].Replaced.Name)
	assert.Contains(t, conflicts[0].Error(), "override")

	assert.Equal(t, "default", m.Meta().Effective.Name)
	fc1, _ := nn.Get(m, "fc1")
	assert.Equal(t, "histogram", fc1.Meta().Effective.Name)
	fc, _ := nn.Get(m, "sub.fc")
	assert.Nil(t, fc.Meta().Effective, "skip covers explicit configurations below it")
	fc2, _ := nn.Get(m, "fc2")
	assert.Equal(t, "default", fc2.Meta().Effective.Name)
}

func TestPrepareLeavesUnconfiguredTreeAlone(t *testing.T) {
	m := twoLayerLinear()
	before := make(map[string]nn.Module)
	require.NoError(t, nn.Walk(m, func(path string, n nn.Module) error {
		before[path] = n
		return nil
	}))

	out, err := Prepare(m, Options{})
	require.NoError(t, err)
	assert.Same(t, m, out)
	after := make(map[string]nn.Module)
	require.NoError(t, nn.Walk(out, func(path string, n nn.Module) error {
		after[path] = n
		return nil
	}))
	require.Len(t, after, len(before))
	for path, n := range before {
		assert.Same(t, n, after[path], path)
		assert.False(t, nn.HasObserver(after[path]), path)
	}

	converted, err := Convert(out, Options{})
	require.NoError(t, err)
	assert.Equal(t, nn.Kinds(twoLayerLinear()), nn.Kinds(converted))
}

func TestPrepareInsertsAdapters(t *testing.T) {
	m, err := Prepare(singleLayerLinear(), Options{})
	require.NoError(t, err)
	assert.Equal(t, []string{"fc1_quant", "fc1", "fc1_dequant"}, names(t, m, ""))
	assertKinds(t, m, map[string]nn.Kind{
		"fc1_quant":   nn.KindObserved,
		"fc1":         nn.KindObserved,
		"fc1_dequant": nn.KindDeQuantStub,
	})
	stub, _ := nn.Get(m, "fc1_quant")
	assert.Equal(t, nn.KindQuantStub, nn.Unwrap(stub).Kind())

	m, err = Prepare(autoStubModel(), Options{})
	require.NoError(t, err)
	assert.Equal(t, []string{"fc1_quant", "fc1", "relu", "relu_dequant", "fc2"}, names(t, m, ""))
	fc2, _ := nn.Get(m, "fc2")
	assert.False(t, nn.HasObserver(fc2))

	m, err = Prepare(annotatedTwoLayer(), Options{})
	require.NoError(t, err)
	assert.Equal(t, []string{"fc1", "fc2_quant", "fc2", "fc2_dequant"}, names(t, m, ""))
}

func TestPrepareKeepsExplicitStubs(t *testing.T) {
	m, err := Prepare(quantStubModel(), Options{})
	require.NoError(t, err)
	assert.Equal(t, []string{"quant", "fc", "dequant"}, names(t, m, ""))

	m, err = Prepare(annotatedSubNested(), Options{})
	require.NoError(t, err)
	assert.Equal(t, []string{"sub1", "sub2", "fc3"}, names(t, m, ""))
	assert.Equal(t, []string{"fc1", "fc2"}, names(t, m, "sub2.module"))

	m, err = Prepare(quantStubModel(), Options{NoAutoStubs: true})
	require.NoError(t, err)
	assert.Equal(t, []string{"quant", "fc", "dequant"}, names(t, m, ""))
}

func TestPrepareIsIdempotent(t *testing.T) {
	m, err := Prepare(autoStubModel(), Options{})
	require.NoError(t, err)
	want := nn.Kinds(m)
	fc1, _ := nn.Get(m, "fc1")

	again, err := Prepare(m, Options{})
	require.NoError(t, err)
	assert.Equal(t, want, nn.Kinds(again))
	same, _ := nn.Get(again, "fc1")
	assert.Same(t, fc1, same)
}

func TestPrepareWrapsLeafRoot(t *testing.T) {
	root := nn.WithQConfig(linear(5, 5, 1), qconfig.Default())
	m, err := Prepare(root, Options{})
	require.NoError(t, err)
	require.True(t, nn.IsQuantWrapper(m))
	assertKinds(t, m, map[string]nn.Kind{
		"quant":   nn.KindObserved,
		"module":  nn.KindObserved,
		"dequant": nn.KindDeQuantStub,
	})

	data := calibData()
	require.NoError(t, calibrate()(context.Background(), m, data))
	q, err := Convert(m, Options{})
	require.NoError(t, err)
	assertTracksFloat(t, linear(5, 5, 1), q, data, 0.05)
}

func TestPrepareRejectsUnknownObserver(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(cfg *qconfig.QConfig)
	}{
		{"activation", func(cfg *qconfig.QConfig) { cfg.Activation.Kind = observer.Kind("percentile") }},
		{"weight", func(cfg *qconfig.QConfig) { cfg.Weight.Kind = observer.Kind("percentile") }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := qconfig.Default()
			tt.mutate(cfg)
			_, err := Prepare(nn.NewSequential().Add("fc", nn.WithQConfig(linear(5, 5, 1), cfg)), Options{})
			require.ErrorIs(t, err, ErrUnsupportedObserverKind)
			assert.ErrorContains(t, err, tt.name)

			var pe *nn.PathError
			require.True(t, errors.As(err, &pe))
			assert.Equal(t, "fc", pe.Path)
		})
	}
}

func TestConvertWithoutCalibrationFails(t *testing.T) {
	for name, build := range map[string]func() *nn.Sequential{
		"single":     singleLayerLinear,
		"stubs":      quantStubModel,
		"two_layer":  annotatedTwoLayer,
		"sub_nested": annotatedSubNested,
	} {
		t.Run(name, func(t *testing.T) {
			m, err := Prepare(build(), Options{})
			require.NoError(t, err)
			_, err = Convert(m, Options{})
			assert.ErrorIs(t, err, ErrEmptyCalibrationRange)
		})
	}
}

func TestQuantizeSingleLayer(t *testing.T) {
	data := calibData()
	m, err := Quantize(context.Background(), singleLayerLinear(), calibrate(), data, Options{})
	require.NoError(t, err)

	assertKinds(t, m, map[string]nn.Kind{
		"fc1_quant":   nn.KindQuantize,
		"fc1":         nn.KindQuantizedLinear,
		"fc1_dequant": nn.KindDeQuantize,
	})
	fc1, _ := nn.Get(m, "fc1")
	assert.Equal(t, "default", fc1.Meta().Effective.Name)
	assertTracksFloat(t, singleLayerLinear(), m, data, 0.05)
}

func TestQuantizeTwoLayerOnlySecond(t *testing.T) {
	data := calibData()
	for name, build := range map[string]func() *nn.Sequential{
		"annotated": annotatedTwoLayer,
		"wrapped":   annotatedTwoLayerWrapped,
	} {
		t.Run(name, func(t *testing.T) {
			m, err := Quantize(context.Background(), build(), calibrate(), data, Options{})
			require.NoError(t, err)

			kinds := nn.Kinds(m)
			assert.Equal(t, nn.KindLinear, kinds["fc1"])
			if name == "wrapped" {
				assert.Equal(t, nn.KindQuantizedLinear, kinds["fc2.module"])
				assert.Equal(t, nn.KindQuantize, kinds["fc2.quant"])
				assert.Equal(t, nn.KindDeQuantize, kinds["fc2.dequant"])
			} else {
				assert.Equal(t, nn.KindQuantizedLinear, kinds["fc2"])
			}
			assertTracksFloat(t, twoLayerLinear(), m, data, 0.1)
		})
	}
}

func TestQuantizeNested(t *testing.T) {
	data := calibData()

	m, err := Quantize(context.Background(), annotatedNested(), calibrate(), data, Options{})
	require.NoError(t, err)
	assert.Equal(t, []string{"sub1", "sub2", "fc3"}, names(t, m, ""))
	assertKinds(t, m, map[string]nn.Kind{
		"sub1.fc":          nn.KindLinear,
		"sub1.relu":        nn.KindReLU,
		"sub2.fc1.quant":   nn.KindQuantize,
		"sub2.fc1.module":  nn.KindQuantizedLinear,
		"sub2.fc1.dequant": nn.KindDeQuantize,
		"sub2.fc2":         nn.KindLinear,
		"fc3.quant":        nn.KindQuantize,
		"fc3.module":       nn.KindQuantizedLinear,
		"fc3.dequant":      nn.KindDeQuantize,
	})
	forward(t, m, data[0].Input)

	m, err = Quantize(context.Background(), annotatedSubNested(), calibrate(), data, Options{})
	require.NoError(t, err)
	assertKinds(t, m, map[string]nn.Kind{
		"sub1.fc":         nn.KindLinear,
		"sub2.quant":      nn.KindQuantize,
		"sub2.module.fc1": nn.KindQuantizedLinear,
		"sub2.module.fc2": nn.KindQuantizedLinear,
		"sub2.dequant":    nn.KindDeQuantize,
		"fc3.module":      nn.KindQuantizedLinear,
	})
	forward(t, m, data[0].Input)
}

func TestQuantizeCustomConfigNested(t *testing.T) {
	data := calibData()
	m, err := Prepare(annotatedCustomConfigNested(), Options{})
	require.NoError(t, err)
	probe, err := nn.Get(m, "sub2.fc1.module")
	require.NoError(t, err)
	assert.Equal(t, observer.KindHistogram, probe.(*nn.Observed).Probe.Spec().Kind)

	require.NoError(t, calibrate()(context.Background(), m, data))
	m, err = Convert(m, Options{})
	require.NoError(t, err)
	assertKinds(t, m, map[string]nn.Kind{
		"sub1.fc":         nn.KindLinear,
		"sub2.fc1.module": nn.KindQuantizedLinear,
		"sub2.fc2.module": nn.KindQuantizedLinear,
		"fc3.module":      nn.KindQuantizedLinear,
	})
	forward(t, m, data[0].Input)
}

func TestQuantizeSkip(t *testing.T) {
	data := calibData()
	m, err := Quantize(context.Background(), skipQuant(), calibrate(), data, Options{})
	require.NoError(t, err)

	assert.Equal(t, []string{"sub", "fc"}, names(t, m, ""))
	assertKinds(t, m, map[string]nn.Kind{
		"sub.quant":       nn.KindQuantize,
		"sub.module.fc1":  nn.KindQuantizedLinear,
		"sub.module.relu": nn.KindQuantizedReLU,
		"sub.module.fc2":  nn.KindQuantizedLinear,
		"sub.dequant":     nn.KindDeQuantize,
		"fc":              nn.KindLinear,
	})
	assertTracksFloat(t, skipQuant(), m, data, 0.15)
}

func TestQuantizeRoundTrip(t *testing.T) {
	data := calibData()
	m, err := Quantize(context.Background(), autoStubModel(), calibrate(), data, Options{})
	require.NoError(t, err)
	assertKinds(t, m, map[string]nn.Kind{
		"fc1_quant":    nn.KindQuantize,
		"fc1":          nn.KindQuantizedLinear,
		"relu":         nn.KindQuantizedReLU,
		"relu_dequant": nn.KindDeQuantize,
		"fc2":          nn.KindLinear,
	})
	assertTracksFloat(t, autoStubModel(), m, data, 0.1)

	m, err = Quantize(context.Background(), quantStubModel(), calibrate(), data, Options{})
	require.NoError(t, err)
	assertKinds(t, m, map[string]nn.Kind{
		"quant":   nn.KindQuantize,
		"fc":      nn.KindQuantizedLinear,
		"dequant": nn.KindDeQuantize,
	})
}

func TestQuantizeFloat16(t *testing.T) {
	data := calibData()
	m, err := Quantize(context.Background(), twoLayerLinear(), calibrate(), data, Options{Default: qconfig.Float16()})
	require.NoError(t, err)

	assert.Equal(t, []string{"fc1", "fc2"}, names(t, m, ""))
	assertKinds(t, m, map[string]nn.Kind{
		"fc1": nn.KindQuantizedLinearFP16,
		"fc2": nn.KindQuantizedLinearFP16,
	})
	assertTracksFloat(t, twoLayerLinear(), m, data, 1e-2)
}

func TestQuantizeCalibrationError(t *testing.T) {
	boom := errors.New("boom")
	_, err := Quantize(context.Background(), singleLayerLinear(), func(context.Context, nn.Module, runner.Dataset) error {
		return boom
	}, nil, Options{})
	assert.ErrorIs(t, err, boom)
}

func TestPrepareQATSwapsLayers(t *testing.T) {
	m, err := PrepareQAT(manualLinearQAT(), Options{})
	require.NoError(t, err)
	assert.Equal(t, []string{"quant", "fc1", "fc2", "dequant"}, names(t, m, ""))
	for _, path := range []string{"fc1", "fc2"} {
		n, err := nn.Get(m, path)
		require.NoError(t, err)
		assert.True(t, nn.HasObserver(n), path)
		assert.Equal(t, nn.KindQATLinear, nn.Unwrap(n).Kind(), path)
	}
}

func TestEvalModeFakeQuantDoesNotPerturb(t *testing.T) {
	data := calibData()
	m, err := PrepareQAT(manualLinearQAT(), Options{})
	require.NoError(t, err)
	require.NoError(t, calibrate()(context.Background(), m, data))
	fc1, _ := nn.Get(m, "fc1")
	require.Positive(t, fc1.(*nn.Observed).Probe.Count())

	ref := nn.Eval(manualLinearQAT())
	for _, b := range data {
		want := forward(t, ref, b.Input)
		got := forward(t, m, b.Input)
		assert.InDeltaSlice(t, want.Data, got.Data, 1e-6)
	}

	// the same probes round in training mode
	want := forward(t, ref, data[0].Input)
	got := forward(t, nn.Train(m), data[0].Input)
	assert.NotEqual(t, want.Data, got.Data)
}

func TestQuantizeQATLinear(t *testing.T) {
	data := calibData()
	m, err := QuantizeQAT(context.Background(), manualLinearQAT(), train(), data, Options{})
	require.NoError(t, err)

	assertKinds(t, m, map[string]nn.Kind{
		"quant":   nn.KindQuantize,
		"fc1":     nn.KindQuantizedLinear,
		"fc2":     nn.KindQuantizedLinear,
		"dequant": nn.KindDeQuantize,
	})
	y := forward(t, m, data[0].Input)
	assert.Equal(t, []int{20, 10}, y.Shape)
}

func TestQuantizeQATConvLinear(t *testing.T) {
	data := imgData()
	m, err := QuantizeQAT(context.Background(), manualConvLinearQAT(), train(), data, Options{})
	require.NoError(t, err)

	assertKinds(t, m, map[string]nn.Kind{
		"quant":   nn.KindQuantize,
		"conv":    nn.KindQuantizedConv2d,
		"flatten": nn.KindFlatten,
		"fc1":     nn.KindQuantizedLinear,
		"fc2":     nn.KindQuantizedLinear,
		"dequant": nn.KindDeQuantize,
	})
	y := forward(t, m, data[0].Input)
	assert.Equal(t, []int{2, 10}, y.Shape)
}

var fusionGroups = [][]string{{"conv1", "bn1", "relu1"}, {"sub1.conv", "sub1.bn"}}

func TestFuseTraining(t *testing.T) {
	data := imgData()
	m := nn.Train(modForFusion())
	require.NoError(t, FuseModules(m, fusionGroups, Options{}))

	assertKinds(t, m, map[string]nn.Kind{
		"conv1":     nn.KindConvBnReLU2d,
		"bn1":       nn.KindIdentity,
		"relu1":     nn.KindIdentity,
		"sub1.conv": nn.KindConvBn2d,
		"sub1.bn":   nn.KindIdentity,
		"sub2.conv": nn.KindConv2d,
		"sub2.bn":   nn.KindBatchNorm2d,
	})
	fused, _ := nn.Get(m, "conv1")
	assert.True(t, fused.Meta().Training)

	ref := nn.Train(modForFusion())
	want := forward(t, ref, data[0].Input)
	got := forward(t, m, data[0].Input)
	assert.InDeltaSlice(t, want.Data, got.Data, 1e-5)
}

func TestFuseEval(t *testing.T) {
	data := imgData()
	m := nn.Eval(modForFusion())
	require.NoError(t, FuseModules(m, fusionGroups, Options{}))

	assertKinds(t, m, map[string]nn.Kind{
		"conv1":     nn.KindConvReLU2d,
		"bn1":       nn.KindIdentity,
		"relu1":     nn.KindIdentity,
		"sub1.conv": nn.KindConv2d,
		"sub1.bn":   nn.KindIdentity,
		"sub2.bn":   nn.KindBatchNorm2d,
	})
	fused, _ := nn.Get(m, "conv1")
	cr := fused.(*nn.ConvReLU2d)
	assert.Equal(t, nn.KindConv2d, cr.Part(0).Kind())
	assert.Equal(t, nn.KindReLU, cr.Part(1).Kind())

	ref := nn.Eval(modForFusion())
	want := forward(t, ref, data[0].Input)
	got := forward(t, m, data[0].Input)
	assert.InDeltaSlice(t, want.Data, got.Data, 1e-4)
}

func TestFuseEvalFoldsBatchNorm(t *testing.T) {
	conv, err := nn.NewConv2dFrom(tensor.MustFromData([]int{1, 1, 1, 1}, []float32{2}), []float32{0}, tensor.ConvParams{})
	require.NoError(t, err)
	bn := nn.NewBatchNorm2d(1)
	bn.RunningMean[0] = 1
	bn.RunningVar[0] = 3
	bn.Weight[0] = 2
	m := nn.Eval(nn.NewSequential().Add("conv", conv).Add("bn", bn))

	require.NoError(t, FuseModules(m, [][]string{{"conv", "bn"}}, Options{}))
	folded, _ := nn.Get(m, "conv")
	c := folded.(*nn.Conv2d)
	scale := 2 / math.Sqrt(3.00001)
	assert.InDelta(t, 2*scale, c.Weight.Data[0], 1e-5)
	assert.InDelta(t, -scale, c.Bias[0], 1e-5)
	assert.InDelta(t, 2.309, c.Weight.Data[0], 1e-3)
	assert.InDelta(t, -1.1547, c.Bias[0], 1e-4)

	slot, _ := nn.Get(m, "bn")
	assert.Equal(t, nn.KindIdentity, slot.Kind())
	assert.NotSame(t, conv, folded, "the float conv is not modified")
	assert.Equal(t, float32(2), conv.Weight.Data[0])
}

func TestFuseTwiceFails(t *testing.T) {
	m := nn.Eval(modForFusion())
	require.NoError(t, FuseModules(m, fusionGroups, Options{}))
	err := FuseModules(m, fusionGroups, Options{})
	assert.ErrorIs(t, err, ErrPathNotFound)
}

func TestFuseRejectsBadGroups(t *testing.T) {
	tests := []struct {
		name   string
		groups [][]string
		want   error
	}{
		{"too short", [][]string{{"conv1"}}, ErrInvalidFusionGroup},
		{"too long", [][]string{{"conv1", "bn1", "relu1", "sub1"}}, ErrInvalidFusionGroup},
		{"not siblings", [][]string{{"conv1", "sub1.bn"}}, ErrInvalidFusionGroup},
		{"overlap", [][]string{{"conv1", "bn1"}, {"conv1", "bn1", "relu1"}}, ErrInvalidFusionGroup},
		{"wrong kind", [][]string{{"conv1", "relu1"}}, ErrPathNotFound},
		{"missing", [][]string{{"conv9", "bn1"}}, ErrPathNotFound},
		{"second group missing", [][]string{{"conv1", "bn1", "relu1"}, {"sub1.conv", "sub1.nope"}}, ErrPathNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := nn.Eval(modForFusion())
			want := nn.Kinds(m)
			err := FuseModules(m, tt.groups, Options{})
			assert.ErrorIs(t, err, tt.want)
			assert.Equal(t, want, nn.Kinds(m), "failed fusion leaves the tree unchanged")
		})
	}
}

func TestFuseRejectsUninitializedStats(t *testing.T) {
	m := nn.Eval(modForFusion())
	bn, _ := nn.Get(m, "bn1")
	bn.(*nn.BatchNorm2d).RunningVar[1] = float32(math.NaN())

	err := FuseModules(m, fusionGroups, Options{})
	assert.ErrorIs(t, err, ErrUninitializedBatchNormStats)
	conv, _ := nn.Get(m, "conv1")
	assert.Equal(t, nn.KindConv2d, conv.Kind())

	// training-mode fusion keeps the batch norm and does not need its stats
	require.NoError(t, FuseModules(nn.Train(m), fusionGroups, Options{}))
}

func TestPrepareQATFakeQuantizesFusedWeights(t *testing.T) {
	data := imgData()
	m := nn.WithQConfig(nn.Train(modForFusion()), qconfig.DefaultQAT())
	require.NoError(t, FuseModules(m, fusionGroups, Options{}))

	prepared, err := PrepareQAT(m, Options{})
	require.NoError(t, err)
	for path, want := range map[string]nn.Kind{
		"conv1":     nn.KindQATConvBnReLU2d,
		"sub1.conv": nn.KindQATConvBn2d,
		"sub2.conv": nn.KindQATConv2d,
	} {
		got, err := nn.Get(prepared, path)
		require.NoError(t, err)
		inner := nn.Unwrap(got)
		assert.Equal(t, want, inner.Kind(), path)
		_, ok := inner.(qat.WeightQuantized)
		assert.True(t, ok, "%s carries a weight fake quantizer", path)
	}

	nn.Train(prepared)
	forward(t, prepared, data[0].Input)
	nn.Eval(prepared)
	q, err := Convert(prepared, Options{})
	require.NoError(t, err)
	assertKinds(t, q, map[string]nn.Kind{
		"conv1":     nn.KindQuantizedConvReLU2d,
		"sub1.conv": nn.KindQuantizedConv2d,
		"sub2.conv": nn.KindQuantizedConv2d,
	})
	forward(t, q, data[1].Input)
}

func TestFuseThenQuantize(t *testing.T) {
	data := imgData()
	m := nn.WithQConfig(nn.Eval(modForFusion()), qconfig.Default())
	require.NoError(t, FuseModules(m, fusionGroups, Options{}))

	q, err := Quantize(context.Background(), m, calibrate(), data, Options{})
	require.NoError(t, err)
	assertKinds(t, q, map[string]nn.Kind{
		"conv1_quant":       nn.KindQuantize,
		"conv1":             nn.KindQuantizedConvReLU2d,
		"bn1":               nn.KindIdentity,
		"sub1.conv":         nn.KindQuantizedConv2d,
		"sub2.conv":         nn.KindQuantizedConv2d,
		"sub2.conv_dequant": nn.KindDeQuantize,
		"sub2.bn":           nn.KindBatchNorm2d,
	})
	assertTracksFloat(t, modForFusion(), q, data, 0.1)
}

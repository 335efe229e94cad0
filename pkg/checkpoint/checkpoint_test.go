package checkpoint

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/samcharles93/qtree/internal/safetensors"
	"github.com/samcharles93/qtree/pkg/nn"
	"github.com/samcharles93/qtree/pkg/qconfig"
	"github.com/samcharles93/qtree/pkg/quantization"
	"github.com/samcharles93/qtree/pkg/runner"
	"github.com/samcharles93/qtree/pkg/tensor"
)

func convNet(seed int64) *nn.Sequential {
	return nn.NewSequential().
		Add("conv", nn.NewConv2d(2, 3, 3, nn.ConvOptions{Padding: 1}, seed)).
		Add("bn", nn.NewBatchNorm2d(3)).
		Add("relu", nn.NewReLU()).
		Add("flatten", nn.NewFlatten()).
		Add("head", nn.NewSequential().Add("fc", nn.NewLinear(48, 4, seed+10)))
}

func TestSaveLoadFloat(t *testing.T) {
	path := filepath.Join(t.TempDir(), "net.safetensors")
	src := convNet(1)
	bn, _ := nn.Get(src, "bn")
	bn.(*nn.BatchNorm2d).RunningMean[1] = 0.25
	require.NoError(t, Save(path, src))

	f, err := safetensors.Open(path)
	require.NoError(t, err)
	assert.Equal(t, Format, f.Metadata["format"])
	for _, name := range []string{"conv.weight", "conv.bias", "bn.weight", "bn.running_var", "head.fc.weight", "head.fc.bias"} {
		_, ok := f.Tensor(name)
		assert.True(t, ok, name)
	}

	dst := convNet(2)
	n, err := Load(path, dst)
	require.NoError(t, err)
	assert.Equal(t, 8, n)

	for _, p := range []string{"conv", "head.fc"} {
		a, _ := nn.Get(src, p)
		b, _ := nn.Get(dst, p)
		assert.Equal(t, floatSlots(p, a)[0].data, floatSlots(p, b)[0].data, p)
	}
	bn, _ = nn.Get(dst, "bn")
	assert.Equal(t, float32(0.25), bn.(*nn.BatchNorm2d).RunningMean[1])
}

func TestLoadErrors(t *testing.T) {
	path := filepath.Join(t.TempDir(), "net.safetensors")
	require.NoError(t, Save(path, nn.NewSequential().Add("fc", nn.NewLinear(3, 2, 1))))

	_, err := Load(path, nn.NewSequential().Add("fc", nn.NewLinear(4, 2, 1)))
	assert.ErrorIs(t, err, ErrShapeMismatch)

	dst := nn.NewSequential().Add("fc", nn.NewLinear(3, 2, 1)).Add("out", nn.NewLinear(2, 2, 7))
	fc, _ := nn.Get(dst, "fc")
	before := append([]float32(nil), fc.(*nn.Linear).Weight.Data...)
	_, err = Load(path, dst)
	assert.ErrorIs(t, err, ErrMissingTensor)
	assert.Equal(t, before, fc.(*nn.Linear).Weight.Data, "failed load must not touch the tree")

	_, err = Load(filepath.Join(t.TempDir(), "none.safetensors"), dst)
	assert.Error(t, err)
}

func TestFusedNames(t *testing.T) {
	root := nn.Train(convNet(1))
	require.NoError(t, quantization.FuseModules(root, [][]string{{"conv", "bn", "relu"}}, quantization.Options{}))
	tensors, _, err := StateDict(root)
	require.NoError(t, err)

	var names []string
	for _, tt := range tensors {
		names = append(names, tt.Name)
	}
	assert.Contains(t, names, "conv.conv.weight")
	assert.Contains(t, names, "conv.bn.running_var")
	assert.NotContains(t, names, "bn.weight")
}

func TestSaveQuantized(t *testing.T) {
	root := nn.WithQConfig(nn.NewSequential().
		Add("fc1", nn.NewLinear(5, 6, 1)).
		Add("relu", nn.NewReLU()).
		Add("fc2", nn.NewLinear(6, 3, 2)), qconfig.Default())
	data := runner.RandomDataset(3, 4, 3, 8, 5)
	q, err := quantization.Quantize(context.Background(), root, runner.EvalFunc(runner.EvalConfig{}), data, quantization.Options{})
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "q.safetensors")
	require.NoError(t, Save(path, q))
	f, err := safetensors.Open(path)
	require.NoError(t, err)

	info, ok := f.Tensor("fc1.weight")
	require.True(t, ok)
	assert.Equal(t, safetensors.I8, info.DType)
	assert.Equal(t, []int{6, 5}, info.Shape)
	assert.EqualValues(t, 30, info.End-info.Start)

	fc1, _ := nn.Get(q, "fc1")
	wp, err := Params(f.Metadata, "fc1.weight")
	require.NoError(t, err)
	assert.Equal(t, nn.KindQuantizedLinear, fc1.Kind())
	assert.Equal(t, tensor.QInt8, wp.DType)

	in, err := Params(f.Metadata, "fc1_quant")
	require.NoError(t, err)
	assert.Equal(t, tensor.QUInt8, in.DType)
	assert.Greater(t, in.Scale, float32(0))

	_, err = Params(f.Metadata, "relu_quant")
	assert.ErrorIs(t, err, ErrMissingTensor)
}

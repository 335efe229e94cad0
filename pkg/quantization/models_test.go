package quantization

import (
	"github.com/samcharles93/qtree/pkg/nn"
	"github.com/samcharles93/qtree/pkg/qconfig"
	"github.com/samcharles93/qtree/pkg/runner"
)

// Fixture models. Seeds are fixed so two calls build identical weights and a
// float reference can be compared against its quantized twin.

func linear(in, out int, seed int64) *nn.Linear { return nn.NewLinear(in, out, seed) }

func wrapped(m nn.Module) *nn.Sequential {
	return nn.WithQConfig(nn.QuantWrapper(m), qconfig.Default())
}

func singleLayerLinear() *nn.Sequential {
	return nn.WithQConfig(nn.NewSequential().Add("fc1", linear(5, 5, 1)), qconfig.Default())
}

func twoLayerLinear() *nn.Sequential {
	return nn.NewSequential().
		Add("fc1", linear(5, 8, 1)).
		Add("fc2", linear(8, 5, 2))
}

func linearReLU() *nn.Sequential {
	return nn.NewSequential().
		Add("fc", linear(5, 5, 3)).
		Add("relu", nn.NewReLU())
}

// annotatedTwoLayer quantizes only its second layer.
func annotatedTwoLayer() *nn.Sequential {
	return nn.NewSequential().
		Add("fc1", linear(5, 8, 1)).
		Add("fc2", nn.WithQConfig(linear(8, 5, 2), qconfig.Default()))
}

func annotatedTwoLayerWrapped() *nn.Sequential {
	return nn.NewSequential().
		Add("fc1", linear(5, 8, 1)).
		Add("fc2", wrapped(linear(8, 5, 2)))
}

func annotatedNested() *nn.Sequential {
	sub2 := nn.NewSequential().
		Add("fc1", wrapped(linear(5, 8, 4))).
		Add("fc2", linear(8, 5, 5))
	return nn.NewSequential().
		Add("sub1", linearReLU()).
		Add("sub2", sub2).
		Add("fc3", wrapped(linear(5, 5, 6)))
}

func annotatedSubNested() *nn.Sequential {
	return nn.NewSequential().
		Add("sub1", linearReLU()).
		Add("sub2", wrapped(twoLayerLinear())).
		Add("fc3", wrapped(linear(5, 5, 6)))
}

// annotatedCustomConfigNested gives sub2 the default configuration and its
// first layer a histogram one.
func annotatedCustomConfigNested() *nn.Sequential {
	sub2 := nn.NewSequential().
		Add("fc1", nn.QuantWrapper(nn.WithQConfig(linear(5, 8, 4), qconfig.Histogram()))).
		Add("fc2", nn.QuantWrapper(linear(8, 5, 5)))
	return nn.NewSequential().
		Add("sub1", linearReLU()).
		Add("sub2", nn.WithQConfig(sub2, qconfig.Default())).
		Add("fc3", wrapped(linear(5, 5, 6)))
}

func skipQuant() *nn.Sequential {
	inner := nn.NewSequential().
		Add("fc1", linear(5, 8, 1)).
		Add("relu", nn.NewReLU()).
		Add("fc2", linear(8, 5, 2))
	return nn.WithQConfig(nn.NewSequential().
		Add("sub", nn.QuantWrapper(inner)).
		Add("fc", nn.Skip(linear(5, 5, 3))), qconfig.Default())
}

func quantStubModel() *nn.Sequential {
	return nn.WithQConfig(nn.NewSequential().
		Add("quant", nn.NewQuantStub()).
		Add("fc", linear(5, 5, 1)).
		Add("dequant", nn.NewDeQuantStub()), qconfig.Default())
}

// autoStubModel has no stubs; prepare has to bridge the float tail.
func autoStubModel() *nn.Sequential {
	return nn.WithQConfig(nn.NewSequential().
		Add("fc1", linear(5, 8, 1)).
		Add("relu", nn.NewReLU()).
		Add("fc2", nn.Skip(linear(8, 5, 2))), qconfig.Default())
}

func manualLinearQAT() *nn.Sequential {
	return nn.WithQConfig(nn.NewSequential().
		Add("quant", nn.NewQuantStub()).
		Add("fc1", linear(5, 1, 1)).
		Add("fc2", linear(1, 10, 2)).
		Add("dequant", nn.NewDeQuantStub()), qconfig.DefaultQAT())
}

func manualConvLinearQAT() *nn.Sequential {
	return nn.WithQConfig(nn.NewSequential().
		Add("quant", nn.NewQuantStub()).
		Add("conv", nn.NewConv2d(3, 1, 3, nn.ConvOptions{}, 1)).
		Add("flatten", nn.NewFlatten()).
		Add("fc1", linear(64, 10, 2)).
		Add("fc2", linear(10, 10, 3)).
		Add("dequant", nn.NewDeQuantStub()), qconfig.DefaultQAT())
}

func convBn(seed int64) *nn.Sequential {
	return nn.NewSequential().
		Add("conv", nn.NewConv2d(2, 2, 1, nn.ConvOptions{NoBias: true}, seed)).
		Add("bn", nn.NewBatchNorm2d(2))
}

func modForFusion() *nn.Sequential {
	return nn.NewSequential().
		Add("conv1", nn.NewConv2d(3, 2, 5, nn.ConvOptions{NoBias: true}, 1)).
		Add("bn1", nn.NewBatchNorm2d(2)).
		Add("relu1", nn.NewReLU()).
		Add("sub1", convBn(2)).
		Add("sub2", convBn(3))
}

func calibData() runner.Dataset { return runner.RandomDataset(11, 8, 5, 20, 5) }

func imgData() runner.Dataset { return runner.RandomDataset(12, 2, 10, 2, 3, 10, 10) }

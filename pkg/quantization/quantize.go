package quantization

import (
	"context"
	"fmt"

	"github.com/samcharles93/qtree/pkg/nn"
	"github.com/samcharles93/qtree/pkg/runner"
)

// Quantize runs post-training static quantization: Prepare, calibrate with
// run in evaluation mode, Convert.
func Quantize(ctx context.Context, root nn.Module, run RunFunc, data runner.Dataset, opts Options) (nn.Module, error) {
	prepared, err := Prepare(root, opts)
	if err != nil {
		return root, err
	}
	nn.Eval(prepared)
	if err := run(ctx, prepared, data); err != nil {
		return prepared, fmt.Errorf("calibrate: %w", err)
	}
	return Convert(prepared, opts)
}

// PrepareQAT propagates configurations, swaps configured float layers for
// their fake-quantized training versions and prepares the result.
func PrepareQAT(root nn.Module, opts Options) (nn.Module, error) {
	Propagate(root, opts)
	mapping := opts.qatMapping()
	swapped := 0

	var swap func(path string, m nn.Module) (nn.Module, error)
	swap = func(path string, m nn.Module) (nn.Module, error) {
		if c, ok := m.(nn.Container); ok {
			for _, name := range c.Names() {
				child, _ := c.Child(name)
				next, err := swap(nn.Join(path, name), child)
				if err != nil {
					return m, err
				}
				if next != child {
					if err := c.SetChild(name, next); err != nil {
						return m, err
					}
				}
			}
			return m, nil
		}
		cfg := m.Meta().Effective
		fn, ok := mapping[m.Kind()]
		if cfg == nil || !ok {
			return m, nil
		}
		out, err := fn(m, cfg)
		if err != nil {
			return m, &nn.PathError{Op: "prepare_qat", Path: path, Err: err}
		}
		swapped++
		opts.log().Debug("swapped for training", "path", path, "from", m.Kind(), "to", out.Kind())
		return out, nil
	}

	root, err := swap("", root)
	if err != nil {
		return root, err
	}
	opts.log().Info("swapped qat modules", "modules", swapped)
	return Prepare(root, opts)
}

// QuantizeQAT runs quantization-aware training: PrepareQAT, train in training
// mode, switch to evaluation mode, Convert.
func QuantizeQAT(ctx context.Context, root nn.Module, train RunFunc, data runner.Dataset, opts Options) (nn.Module, error) {
	prepared, err := PrepareQAT(root, opts)
	if err != nil {
		return root, err
	}
	nn.Train(prepared)
	if err := train(ctx, prepared, data); err != nil {
		return prepared, fmt.Errorf("train: %w", err)
	}
	nn.Eval(prepared)
	return Convert(prepared, opts)
}

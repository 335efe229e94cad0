// Package pipeline runs a quantization job end to end: build the model from
// its description, fuse, then quantize with synthetic calibration or training
// data. The CLI and the HTTP service share it.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/samcharles93/qtree/internal/logger"
	"github.com/samcharles93/qtree/pkg/checkpoint"
	"github.com/samcharles93/qtree/pkg/modelspec"
	"github.com/samcharles93/qtree/pkg/nn"
	"github.com/samcharles93/qtree/pkg/qconfig"
	"github.com/samcharles93/qtree/pkg/quantization"
	"github.com/samcharles93/qtree/pkg/runner"
)

type Mode string

const (
	// ModePTQ fuses in evaluation mode, calibrates and converts.
	ModePTQ Mode = "ptq"
	// ModeQAT fuses in training mode, trains with fake quantization and
	// converts.
	ModeQAT Mode = "qat"
	// ModeFuse only fuses.
	ModeFuse Mode = "fuse"
	// ModeInspect only propagates configurations.
	ModeInspect Mode = "inspect"
)

var (
	ErrUnknownMode     = errors.New("unknown mode")
	ErrInvalidOverride = errors.New("invalid override")
)

// ParseMode accepts the mode names case-insensitively. Empty means ptq.
func ParseMode(s string) (Mode, error) {
	switch m := Mode(strings.ToLower(strings.TrimSpace(s))); m {
	case "":
		return ModePTQ, nil
	case ModePTQ, ModeQAT, ModeFuse, ModeInspect:
		return m, nil
	default:
		return "", fmt.Errorf("%w %q", ErrUnknownMode, s)
	}
}

// Calibration sizes the synthetic dataset.
type Calibration struct {
	Batches   int   `json:"batches,omitempty" yaml:"batches"`
	BatchSize int   `json:"batch_size,omitempty" yaml:"batch_size"`
	Seed      int64 `json:"seed,omitempty" yaml:"seed"`
	Workers   int   `json:"workers,omitempty" yaml:"workers"`
}

func (c Calibration) withDefaults() Calibration {
	if c.Batches <= 0 {
		c.Batches = 8
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 16
	}
	return c
}

type Training struct {
	Epochs       int     `json:"epochs,omitempty" yaml:"epochs"`
	LearningRate float32 `json:"learning_rate,omitempty" yaml:"learning_rate"`
}

type Request struct {
	Model *modelspec.Model
	Mode  Mode
	// Weights is an optional safetensors file loaded into the float model
	// before fusion.
	Weights string
	// Fuse groups run after the model's own groups.
	Fuse [][]string
	// FuseTraining fuses in training mode. QAT always does.
	FuseTraining bool
	// Overrides maps dotted paths to builtin configuration names.
	Overrides   map[string]string
	NoAutoStubs bool
	Calibration Calibration
	Training    Training
}

type Result struct {
	Root      nn.Module
	Conflicts []quantization.Conflict
	Elapsed   time.Duration
}

// Tree dumps the result for printing.
func (r *Result) Tree() modelspec.Node {
	return modelspec.Dump(r.Root)
}

// Run executes req. Errors from the engine are returned unwrapped enough for
// errors.Is against the quantization sentinels.
func Run(ctx context.Context, req Request, log logger.Logger) (*Result, error) {
	log = logger.OrDiscard(log)
	if req.Model == nil {
		return nil, fmt.Errorf("%w: no model", modelspec.ErrInvalidModel)
	}
	mode, err := ParseMode(string(req.Mode))
	if err != nil {
		return nil, err
	}
	start := time.Now()

	overrides, err := resolveOverrides(req.Overrides)
	if err != nil {
		return nil, err
	}
	opts := quantization.Options{
		Logger:      log,
		Overrides:   overrides,
		NoAutoStubs: req.NoAutoStubs,
	}
	if req.Model.QConfig != nil {
		opts.Default = req.Model.QConfig.QConfig
	}

	root, err := req.Model.Build()
	if err != nil {
		return nil, err
	}
	log.Info("built model", "name", req.Model.Name, "leaves", len(nn.Leaves(root)), "mode", mode)
	if req.Weights != "" {
		n, err := checkpoint.Load(req.Weights, root)
		if err != nil {
			return nil, fmt.Errorf("load weights: %w", err)
		}
		log.Info("loaded weights", "path", req.Weights, "tensors", n)
	}

	groups := append(append([][]string(nil), req.Model.Fuse...), req.Fuse...)
	if len(groups) > 0 {
		if mode == ModeQAT || (mode == ModeFuse && req.FuseTraining) {
			nn.Train(root)
		} else {
			nn.Eval(root)
		}
		if err := quantization.FuseModules(root, groups, opts); err != nil {
			return nil, fmt.Errorf("fuse: %w", err)
		}
	}

	res := &Result{Root: root}
	res.Conflicts = quantization.Propagate(root, opts)
	if n := len(res.Conflicts); n > 0 {
		log.Info("configuration conflicts", "count", n)
	}

	cal := req.Calibration.withDefaults()
	switch mode {
	case ModeFuse, ModeInspect:
	case ModePTQ:
		data := req.Model.Dataset(cal.Seed, cal.Batches, cal.BatchSize)
		run := runner.EvalFunc(runner.EvalConfig{Workers: cal.Workers, Logger: log})
		res.Root, err = quantization.Quantize(ctx, root, run, data, opts)
	case ModeQAT:
		data := req.Model.Dataset(cal.Seed, cal.Batches, cal.BatchSize)
		train := runner.TrainFunc(runner.TrainConfig{
			Epochs:       req.Training.Epochs,
			LearningRate: req.Training.LearningRate,
			Logger:       log,
		})
		res.Root, err = quantization.QuantizeQAT(ctx, root, train, data, opts)
	}
	if err != nil {
		return nil, err
	}
	res.Elapsed = time.Since(start)
	log.Info("job finished", "mode", mode, "elapsed", res.Elapsed)
	return res, nil
}

func resolveOverrides(names map[string]string) (map[string]*qconfig.QConfig, error) {
	if len(names) == 0 {
		return nil, nil
	}
	out := make(map[string]*qconfig.QConfig, len(names))
	for path, name := range names {
		cfg, err := qconfig.Named(name)
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %w", ErrInvalidOverride, path, err)
		}
		out[path] = cfg
	}
	return out, nil
}

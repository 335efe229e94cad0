// Package runner drives a module tree over batches of data: evaluation for
// calibration and SGD training for quantization-aware fine-tuning.
package runner

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"runtime"

	"golang.org/x/sync/errgroup"

	"github.com/samcharles93/qtree/internal/logger"
	"github.com/samcharles93/qtree/pkg/nn"
	"github.com/samcharles93/qtree/pkg/tensor"
)

// Batch is one input tensor and, for training, a class label per sample.
type Batch struct {
	Input  *tensor.Tensor
	Labels []int
}

// Dataset is an ordered list of batches.
type Dataset []Batch

var ErrLabels = errors.New("labels do not match model output")

// RandomDataset returns batches of inputs drawn uniformly from [0, 1) with
// labels drawn uniformly from [0, classes). shape is the shape of one batch.
func RandomDataset(seed int64, batches, classes int, shape ...int) Dataset {
	rng := rand.New(rand.NewSource(seed))
	data := make(Dataset, batches)
	for i := range data {
		x := tensor.New(shape...)
		tensor.FillRand(x, rng.Int63())
		var labels []int
		if classes > 0 && len(shape) > 0 {
			labels = make([]int, shape[0])
			for j := range labels {
				labels[j] = rng.Intn(classes)
			}
		}
		data[i] = Batch{Input: x, Labels: labels}
	}
	return data
}

// EvalConfig controls Eval.
type EvalConfig struct {
	// Workers bounds the batches in flight. Zero means GOMAXPROCS.
	Workers int
	Logger  logger.Logger
}

// Eval puts m in evaluation mode and runs every batch through it. Batches
// run concurrently; evaluation-mode modules keep no per-call state and
// probes serialize their own updates.
func Eval(ctx context.Context, m nn.Module, data Dataset, cfg EvalConfig) error {
	nn.Eval(m)
	workers := cfg.Workers
	if workers <= 0 {
		workers = runtime.GOMAXPROCS(0)
	}
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for i, b := range data {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			if _, err := m.Forward(b.Input); err != nil {
				return fmt.Errorf("batch %d: %w", i, err)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	logger.OrDiscard(cfg.Logger).Debug("evaluated", "batches", len(data), "workers", workers)
	return nil
}

// EvalFunc adapts Eval to the calibration callback of the quantization
// passes.
func EvalFunc(cfg EvalConfig) func(context.Context, nn.Module, Dataset) error {
	return func(ctx context.Context, m nn.Module, data Dataset) error {
		return Eval(ctx, m, data, cfg)
	}
}

// TrainConfig controls Train.
type TrainConfig struct {
	Epochs       int
	LearningRate float32
	Logger       logger.Logger
}

// TrainStats summarizes a training run.
type TrainStats struct {
	Steps int
	// Loss is the mean loss of the last epoch.
	Loss float64
}

// Train puts m in training mode and runs plain SGD with softmax
// cross-entropy over data, one batch at a time.
func Train(ctx context.Context, m nn.Module, data Dataset, cfg TrainConfig) (TrainStats, error) {
	nn.Train(m)
	epochs := max(cfg.Epochs, 1)
	lr := cfg.LearningRate
	if lr == 0 {
		lr = 0.01
	}
	log := logger.OrDiscard(cfg.Logger)
	params := nn.Parameters(m)

	var stats TrainStats
	for epoch := 0; epoch < epochs; epoch++ {
		var total float64
		for i, b := range data {
			if err := ctx.Err(); err != nil {
				return stats, err
			}
			for _, p := range params {
				p.ZeroGrad()
			}
			out, err := m.Forward(b.Input)
			if err != nil {
				return stats, fmt.Errorf("epoch %d batch %d: %w", epoch, i, err)
			}
			loss, grad, err := SoftmaxCrossEntropy(out, b.Labels)
			if err != nil {
				return stats, fmt.Errorf("epoch %d batch %d: %w", epoch, i, err)
			}
			if _, err := nn.Backward(m, grad); err != nil {
				return stats, fmt.Errorf("epoch %d batch %d: %w", epoch, i, err)
			}
			for _, p := range params {
				for j := range p.Data {
					p.Data[j] -= lr * p.Grad[j]
				}
			}
			total += loss
			stats.Steps++
		}
		if len(data) > 0 {
			stats.Loss = total / float64(len(data))
		}
		log.Debug("epoch done", "epoch", epoch, "loss", stats.Loss)
	}
	return stats, nil
}

// TrainFunc adapts Train to the training callback of QuantizeQAT.
func TrainFunc(cfg TrainConfig) func(context.Context, nn.Module, Dataset) error {
	return func(ctx context.Context, m nn.Module, data Dataset) error {
		_, err := Train(ctx, m, data, cfg)
		return err
	}
}

// SoftmaxCrossEntropy returns the mean loss of logits [N, C] against labels
// and its gradient with respect to the logits. Outputs with more than two
// dimensions are treated as [N, rest].
func SoftmaxCrossEntropy(logits *tensor.Tensor, labels []int) (float64, *tensor.Tensor, error) {
	if err := tensor.RequireFloat("cross entropy", logits); err != nil {
		return 0, nil, err
	}
	if len(logits.Shape) == 0 || logits.Shape[0] != len(labels) {
		return 0, nil, fmt.Errorf("%w: %d labels for output %v", ErrLabels, len(labels), logits.Shape)
	}
	n := len(labels)
	if n == 0 {
		return 0, tensor.New(logits.Shape...), nil
	}
	c := logits.Numel() / n
	grad := tensor.New(logits.Shape...)
	copy(grad.Data, logits.Data)

	var loss float64
	for i, label := range labels {
		if label < 0 || label >= c {
			return 0, nil, fmt.Errorf("%w: label %d outside [0, %d)", ErrLabels, label, c)
		}
		row := grad.Data[i*c : (i+1)*c]
		tensor.Softmax(row)
		loss -= math.Log(math.Max(float64(row[label]), 1e-12))
		row[label]--
		for j := range row {
			row[j] /= float32(n)
		}
	}
	return loss / float64(n), grad, nil
}

// Package quantization rewrites float module trees into quantized ones.
//
// The workflow mirrors eager-mode post-training quantization: Propagate
// assigns each node its effective configuration, Prepare attaches probes and
// boundary adapters, the caller runs calibration data through the model, and
// Convert swaps every probed module for its integer kernel. PrepareQAT and
// QuantizeQAT do the same with fake-quantized training in between, and
// FuseModules merges Conv2d, BatchNorm2d and ReLU runs ahead of either.
//
// All passes rewrite the tree in place and keep slot names stable. They are
// not safe for concurrent use on the same tree.
package quantization

import (
	"context"
	"errors"

	"github.com/samcharles93/qtree/internal/logger"
	"github.com/samcharles93/qtree/pkg/nn"
	"github.com/samcharles93/qtree/pkg/observer"
	"github.com/samcharles93/qtree/pkg/qconfig"
	"github.com/samcharles93/qtree/pkg/runner"
)

var (
	ErrPathNotFound                = nn.ErrPathNotFound
	ErrUnsupportedObserverKind     = observer.ErrUnsupportedKind
	ErrEmptyCalibrationRange       = observer.ErrEmptyRange
	ErrUninitializedBatchNormStats = nn.ErrBatchNormStats

	// ErrConflictingConfiguration is carried by Conflict values. It is never
	// returned from a pass.
	ErrConflictingConfiguration = errors.New("conflicting quantization configuration")

	ErrInvalidFusionGroup = errors.New("invalid fusion group")
)

// Options controls every pass. The zero value works: no default
// configuration, built-in mappings, adapters on, logging off.
type Options struct {
	Logger logger.Logger
	// Default is the configuration of the root when it has none.
	Default *qconfig.QConfig
	// Overrides assigns configurations by dotted path. An override replaces
	// the module's own explicit configuration.
	Overrides map[string]*qconfig.QConfig
	// Mapping selects the quantized module built for each float kind.
	Mapping Mapping
	// QATMapping selects the training module swapped in by PrepareQAT.
	QATMapping QATMapping
	// NoAutoStubs stops Prepare from inserting quant and dequant adapters.
	NoAutoStubs bool
}

func (o Options) log() logger.Logger { return logger.OrDiscard(o.Logger) }

func (o Options) mapping() Mapping {
	if o.Mapping == nil {
		return DefaultMapping()
	}
	return o.Mapping
}

func (o Options) qatMapping() QATMapping {
	if o.QATMapping == nil {
		return DefaultQATMapping()
	}
	return o.QATMapping
}

// RunFunc drives a prepared model over data: calibration for Quantize,
// training for QuantizeQAT.
type RunFunc func(ctx context.Context, m nn.Module, data runner.Dataset) error

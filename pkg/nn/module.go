// Package nn defines the module tree the quantization engine rewrites.
//
// A model is a tree of Modules. Containers own named children in execution
// order; every other module is a leaf. Modules are tagged with a Kind, and the
// engine dispatches on kinds and capabilities (Container, Differentiable,
// Parameterized) rather than on concrete types. A node is addressed by the
// dotted path of child names from the root, and rewrites replace the module
// occupying a slot while the slot name stays the same.
package nn

import (
	"errors"

	"github.com/samcharles93/qtree/pkg/qconfig"
	"github.com/samcharles93/qtree/pkg/tensor"
)

// Kind tags the variant of a module.
type Kind string

const (
	KindSequential  Kind = "Sequential"
	KindLinear      Kind = "Linear"
	KindConv2d      Kind = "Conv2d"
	KindBatchNorm2d Kind = "BatchNorm2d"
	KindReLU        Kind = "ReLU"
	KindIdentity    Kind = "Identity"
	KindFlatten     Kind = "Flatten"
	KindQuantStub   Kind = "QuantStub"
	KindDeQuantStub Kind = "DeQuantStub"
	KindObserved    Kind = "Observed"

	KindConvBn2d     Kind = "ConvBn2d"
	KindConvBnReLU2d Kind = "ConvBnReLU2d"
	KindConvReLU2d   Kind = "ConvReLU2d"

	KindQATLinear       Kind = "qat.Linear"
	KindQATConv2d       Kind = "qat.Conv2d"
	KindQATConvReLU2d   Kind = "qat.ConvReLU2d"
	KindQATConvBn2d     Kind = "qat.ConvBn2d"
	KindQATConvBnReLU2d Kind = "qat.ConvBnReLU2d"

	KindQuantizedLinear     Kind = "quantized.Linear"
	KindQuantizedLinearFP16 Kind = "quantized.LinearFP16"
	KindQuantizedConv2d     Kind = "quantized.Conv2d"
	KindQuantizedConvReLU2d Kind = "quantized.ConvReLU2d"
	KindQuantizedReLU       Kind = "quantized.ReLU"
	KindQuantize            Kind = "quantized.Quantize"
	KindDeQuantize          Kind = "quantized.DeQuantize"
)

// IsQuantizedKernel reports whether k is a deployment module that computes on
// quantized tensors.
func (k Kind) IsQuantizedKernel() bool {
	switch k {
	case KindQuantizedLinear, KindQuantizedLinearFP16, KindQuantizedConv2d,
		KindQuantizedConvReLU2d, KindQuantizedReLU, KindQuantize, KindDeQuantize:
		return true
	}
	return false
}

// Module is a node of the tree.
type Module interface {
	Kind() Kind
	Forward(x *tensor.Tensor) (*tensor.Tensor, error)
	Meta() *Meta
}

// Meta carries the per-node annotations the engine reads and writes.
type Meta struct {
	// QConfig is the configuration set explicitly on this node.
	QConfig *qconfig.QConfig
	// Skip excludes the node and its subtree from quantization.
	Skip bool
	// Effective is the configuration assigned by propagation.
	Effective *qconfig.QConfig
	Training  bool
}

// Base implements Meta for embedding.
type Base struct {
	meta Meta
}

func (b *Base) Meta() *Meta { return &b.meta }

// Container is a module with named, ordered children.
type Container interface {
	Module
	Names() []string
	Child(name string) (Module, bool)
	// SetChild replaces the occupant of an existing slot.
	SetChild(name string, m Module) error
}

// Composite is implemented by leaves built from other modules, such as fused
// modules and probe wrappers. Parts are not addressable by path.
type Composite interface {
	Parts() []Module
}

// Param is a trainable tensor and its accumulated gradient.
type Param struct {
	Name string
	Data []float32
	Grad []float32
}

func newParam(name string, data []float32) *Param {
	return &Param{Name: name, Data: data, Grad: make([]float32, len(data))}
}

// Accumulate adds g to the gradient.
func (p *Param) Accumulate(g []float32) {
	for i := range p.Grad {
		p.Grad[i] += g[i]
	}
}

// ZeroGrad clears the gradient.
func (p *Param) ZeroGrad() {
	for i := range p.Grad {
		p.Grad[i] = 0
	}
}

// Parameterized is implemented by modules with trainable parameters.
type Parameterized interface {
	Parameters() []*Param
}

// Differentiable is implemented by modules that can propagate gradients.
// Backward uses the input cached by the last training-mode Forward.
type Differentiable interface {
	Backward(grad *tensor.Tensor) (*tensor.Tensor, error)
}

var (
	ErrPathNotFound      = errors.New("module path not found")
	ErrNotDifferentiable = errors.New("module is not differentiable")
	ErrNoForwardCache    = errors.New("backward called without a training forward pass")
)

// WithQConfig sets an explicit configuration on m and returns it.
func WithQConfig[M Module](m M, cfg *qconfig.QConfig) M {
	m.Meta().QConfig = cfg
	return m
}

// Skip marks m so it and its subtree are never quantized, and returns it.
func Skip[M Module](m M) M {
	m.Meta().Skip = true
	return m
}

// IsLeaf reports whether m has no addressable children.
func IsLeaf(m Module) bool {
	_, ok := m.(Container)
	return !ok
}

// Parameters collects the parameters of m and everything below it.
func Parameters(m Module) []*Param {
	var out []*Param
	if p, ok := m.(Parameterized); ok {
		return p.Parameters()
	}
	if c, ok := m.(Container); ok {
		for _, name := range c.Names() {
			child, _ := c.Child(name)
			out = append(out, Parameters(child)...)
		}
	}
	return out
}

// Backward propagates grad through m.
func Backward(m Module, grad *tensor.Tensor) (*tensor.Tensor, error) {
	d, ok := m.(Differentiable)
	if !ok {
		return nil, &PathError{Op: "backward", Path: string(m.Kind()), Err: ErrNotDifferentiable}
	}
	return d.Backward(grad)
}

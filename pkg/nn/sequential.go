package nn

import (
	"fmt"

	orderedmap "github.com/wk8/go-ordered-map/v2"

	"github.com/samcharles93/qtree/pkg/tensor"
)

// Sequential is a container that runs its children in insertion order.
type Sequential struct {
	Base
	children *orderedmap.OrderedMap[string, Module]
}

// NewSequential returns an empty container.
func NewSequential() *Sequential {
	return &Sequential{children: orderedmap.New[string, Module]()}
}

// Add appends a child and returns the container. Adding an existing name
// panics; model definitions are static.
func (s *Sequential) Add(name string, m Module) *Sequential {
	if name == "" || m == nil {
		panic("nn: Sequential.Add needs a name and a module")
	}
	if _, ok := s.children.Get(name); ok {
		panic(fmt.Sprintf("nn: duplicate child %q", name))
	}
	s.children.Set(name, m)
	return s
}

func (s *Sequential) Kind() Kind { return KindSequential }

func (s *Sequential) Names() []string {
	names := make([]string, 0, s.children.Len())
	for pair := s.children.Oldest(); pair != nil; pair = pair.Next() {
		names = append(names, pair.Key)
	}
	return names
}

func (s *Sequential) Child(name string) (Module, bool) {
	return s.children.Get(name)
}

func (s *Sequential) SetChild(name string, m Module) error {
	if _, ok := s.children.Get(name); !ok {
		return &PathError{Op: "set", Path: name, Err: ErrPathNotFound}
	}
	s.children.Set(name, m)
	return nil
}

// InsertBefore adds a new child directly before ref.
func (s *Sequential) InsertBefore(ref, name string, m Module) error {
	return s.insert(ref, name, m, true)
}

// InsertAfter adds a new child directly after ref.
func (s *Sequential) InsertAfter(ref, name string, m Module) error {
	return s.insert(ref, name, m, false)
}

func (s *Sequential) insert(ref, name string, m Module, before bool) error {
	if _, ok := s.children.Get(ref); !ok {
		return &PathError{Op: "insert", Path: ref, Err: ErrPathNotFound}
	}
	if _, ok := s.children.Get(name); ok {
		return fmt.Errorf("nn: child %q already exists", name)
	}
	s.children.Set(name, m)
	if before {
		return s.children.MoveBefore(name, ref)
	}
	return s.children.MoveAfter(name, ref)
}

// Len returns the number of children.
func (s *Sequential) Len() int { return s.children.Len() }

func (s *Sequential) Forward(x *tensor.Tensor) (*tensor.Tensor, error) {
	var err error
	for pair := s.children.Oldest(); pair != nil; pair = pair.Next() {
		x, err = pair.Value.Forward(x)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", pair.Key, err)
		}
	}
	return x, nil
}

func (s *Sequential) Backward(grad *tensor.Tensor) (*tensor.Tensor, error) {
	var err error
	for pair := s.children.Newest(); pair != nil; pair = pair.Prev() {
		grad, err = Backward(pair.Value, grad)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", pair.Key, err)
		}
	}
	return grad, nil
}

// QuantWrapper surrounds m with a QuantStub and a DeQuantStub so it runs on
// quantized tensors while its callers keep exchanging floats. The children are
// named quant, module and dequant.
func QuantWrapper(m Module) *Sequential {
	return NewSequential().
		Add("quant", NewQuantStub()).
		Add("module", m).
		Add("dequant", NewDeQuantStub())
}

// IsQuantWrapper reports whether c has the quant, module, dequant layout.
func IsQuantWrapper(m Module) bool {
	c, ok := m.(Container)
	if !ok {
		return false
	}
	names := c.Names()
	return len(names) == 3 && names[0] == "quant" && names[1] == "module" && names[2] == "dequant"
}

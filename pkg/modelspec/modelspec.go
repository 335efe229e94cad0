// Package modelspec reads declarative model definitions and builds module
// trees from them. Definitions are YAML or JSON:
//
//	name: mlp
//	qconfig: default
//	input: [5]
//	classes: 10
//	layers:
//	  - {name: fc1, type: linear, in: 5, out: 8}
//	  - {name: relu, type: relu}
//	  - {name: fc2, type: linear, in: 8, out: 10, skip: true}
//
// A qconfig is either the name of a built-in configuration or an inline
// object with activation and weight observer specs.
package modelspec

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/goccy/go-json"
	"gopkg.in/yaml.v3"

	"github.com/samcharles93/qtree/pkg/nn"
	"github.com/samcharles93/qtree/pkg/qconfig"
	"github.com/samcharles93/qtree/pkg/runner"
)

var (
	ErrInvalidModel = errors.New("invalid model definition")
	ErrUnknownLayer = errors.New("unknown layer type")
)

// Layer types.
const (
	TypeSequential   = "sequential"
	TypeQuantWrapper = "quant_wrapper"
	TypeLinear       = "linear"
	TypeConv2d       = "conv2d"
	TypeBatchNorm2d  = "batchnorm2d"
	TypeReLU         = "relu"
	TypeFlatten      = "flatten"
	TypeIdentity     = "identity"
	TypeQuantStub    = "quant_stub"
	TypeDeQuantStub  = "dequant_stub"
)

// Model is a whole definition file.
type Model struct {
	Name    string      `yaml:"name" json:"name"`
	Seed    int64       `yaml:"seed,omitempty" json:"seed,omitempty"`
	QConfig *QConfigRef `yaml:"qconfig,omitempty" json:"qconfig,omitempty"`
	// Input is the shape of one sample, without the batch dimension.
	Input []int `yaml:"input" json:"input"`
	// Classes is the label range used for training data.
	Classes int        `yaml:"classes,omitempty" json:"classes,omitempty"`
	Fuse    [][]string `yaml:"fuse,omitempty" json:"fuse,omitempty"`
	Layers  []Layer    `yaml:"layers" json:"layers"`
}

// Layer is one node. Which fields apply depends on Type.
type Layer struct {
	Name string `yaml:"name" json:"name"`
	Type string `yaml:"type" json:"type"`

	In       int   `yaml:"in,omitempty" json:"in,omitempty"`
	Out      int   `yaml:"out,omitempty" json:"out,omitempty"`
	Kernel   int   `yaml:"kernel,omitempty" json:"kernel,omitempty"`
	Stride   int   `yaml:"stride,omitempty" json:"stride,omitempty"`
	Padding  int   `yaml:"padding,omitempty" json:"padding,omitempty"`
	Channels int   `yaml:"channels,omitempty" json:"channels,omitempty"`
	Bias     *bool `yaml:"bias,omitempty" json:"bias,omitempty"`

	Skip    bool        `yaml:"skip,omitempty" json:"skip,omitempty"`
	QConfig *QConfigRef `yaml:"qconfig,omitempty" json:"qconfig,omitempty"`

	Layers []Layer `yaml:"layers,omitempty" json:"layers,omitempty"`
}

// QConfigRef is a configuration given by name or spelled out.
type QConfigRef struct {
	*qconfig.QConfig
}

func (r *QConfigRef) setName(name string) error {
	cfg, err := qconfig.Named(name)
	if err != nil {
		return err
	}
	r.QConfig = cfg
	return nil
}

func (r *QConfigRef) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind == yaml.ScalarNode {
		return r.setName(node.Value)
	}
	var cfg qconfig.QConfig
	if err := node.Decode(&cfg); err != nil {
		return err
	}
	r.QConfig = &cfg
	return nil
}

func (r *QConfigRef) UnmarshalJSON(b []byte) error {
	if b = bytes.TrimSpace(b); len(b) > 0 && b[0] == '"' {
		var name string
		if err := json.Unmarshal(b, &name); err != nil {
			return err
		}
		return r.setName(name)
	}
	var cfg qconfig.QConfig
	if err := json.Unmarshal(b, &cfg); err != nil {
		return err
	}
	r.QConfig = &cfg
	return nil
}

// builtin returns the name to write for r when it matches its built-in
// configuration.
func (r QConfigRef) builtin() (string, bool) {
	if r.QConfig == nil || r.Name == "" {
		return "", false
	}
	named, err := qconfig.Named(r.Name)
	return r.Name, err == nil && named.Equal(r.QConfig)
}

func (r QConfigRef) MarshalYAML() (any, error) {
	if name, ok := r.builtin(); ok {
		return name, nil
	}
	return r.QConfig, nil
}

func (r QConfigRef) MarshalJSON() ([]byte, error) {
	if name, ok := r.builtin(); ok {
		return json.Marshal(name)
	}
	return json.Marshal(r.QConfig)
}

func (r *QConfigRef) get() *qconfig.QConfig {
	if r == nil {
		return nil
	}
	return r.QConfig
}

// Format is a definition file encoding.
type Format string

const (
	YAML Format = "yaml"
	JSON Format = "json"
)

// FormatOf picks the format from a file extension. Anything that is not
// .json is read as YAML.
func FormatOf(path string) Format {
	if strings.EqualFold(filepath.Ext(path), ".json") {
		return JSON
	}
	return YAML
}

// Parse decodes and validates a definition.
func Parse(data []byte, format Format) (*Model, error) {
	var m Model
	var err error
	switch format {
	case JSON:
		err = json.Unmarshal(data, &m)
	case YAML, "":
		err = yaml.Unmarshal(data, &m)
	default:
		return nil, fmt.Errorf("%w: format %q", ErrInvalidModel, format)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidModel, err)
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return &m, nil
}

// Load reads a definition file.
func Load(path string) (*Model, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read model: %w", err)
	}
	m, err := Parse(data, FormatOf(path))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return m, nil
}

// Encode writes m in the given format.
func (m *Model) Encode(format Format) ([]byte, error) {
	if format == JSON {
		return json.MarshalIndent(m, "", "  ")
	}
	return yaml.Marshal(m)
}

// Validate checks names, layer types and the fields each type needs.
func (m *Model) Validate() error {
	if len(m.Layers) == 0 {
		return fmt.Errorf("%w: no layers", ErrInvalidModel)
	}
	if err := validateConfig("", m.QConfig); err != nil {
		return err
	}
	if err := validateLayers("", m.Layers); err != nil {
		return err
	}
	for _, v := range m.Input {
		if v <= 0 {
			return fmt.Errorf("%w: input shape %v", ErrInvalidModel, m.Input)
		}
	}
	if m.Classes < 0 {
		return fmt.Errorf("%w: classes %d", ErrInvalidModel, m.Classes)
	}
	return nil
}

func validateConfig(path string, r *QConfigRef) error {
	cfg := r.get()
	if cfg == nil {
		return nil
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("%w: %s qconfig: %w", ErrInvalidModel, displayPath(path), err)
	}
	return nil
}

func validateLayers(parent string, layers []Layer) error {
	seen := make(map[string]bool, len(layers))
	for _, l := range layers {
		path := nn.Join(parent, l.Name)
		if l.Name == "" || strings.Contains(l.Name, ".") {
			return fmt.Errorf("%w: bad layer name %q under %s", ErrInvalidModel, l.Name, displayPath(parent))
		}
		if seen[l.Name] {
			return fmt.Errorf("%w: duplicate layer %s", ErrInvalidModel, path)
		}
		seen[l.Name] = true
		if err := validateConfig(path, l.QConfig); err != nil {
			return err
		}
		if err := validateLayer(path, l); err != nil {
			return err
		}
	}
	return nil
}

func validateLayer(path string, l Layer) error {
	positive := func(fields ...int) error {
		for _, f := range fields {
			if f <= 0 {
				return fmt.Errorf("%w: %s %s needs positive sizes", ErrInvalidModel, l.Type, path)
			}
		}
		return nil
	}
	switch strings.ToLower(l.Type) {
	case TypeSequential:
		if len(l.Layers) == 0 {
			return fmt.Errorf("%w: %s has no layers", ErrInvalidModel, path)
		}
		return validateLayers(path, l.Layers)
	case TypeQuantWrapper:
		if len(l.Layers) != 1 {
			return fmt.Errorf("%w: %s wraps %d layers, want 1", ErrInvalidModel, path, len(l.Layers))
		}
		// the wrapped layer always sits in the module slot
		inner := nn.Join(path, "module")
		if err := validateConfig(inner, l.Layers[0].QConfig); err != nil {
			return err
		}
		return validateLayer(inner, l.Layers[0])
	case TypeLinear:
		return positive(l.In, l.Out)
	case TypeConv2d:
		return positive(l.In, l.Out, l.Kernel)
	case TypeBatchNorm2d:
		return positive(l.Channels)
	case TypeReLU, TypeFlatten, TypeIdentity, TypeQuantStub, TypeDeQuantStub:
		return nil
	}
	return fmt.Errorf("%w: %q at %s", ErrUnknownLayer, l.Type, path)
}

func displayPath(path string) string {
	if path == "" {
		return "root"
	}
	return path
}

// Build returns a fresh float tree. Parameter seeds derive from m.Seed and
// the layer order, so two builds are identical.
func (m *Model) Build() (*nn.Sequential, error) {
	b := builder{seed: m.Seed}
	root := nn.NewSequential()
	if err := b.addAll(root, m.Layers); err != nil {
		return nil, err
	}
	root.Meta().QConfig = m.QConfig.get()
	return root, nil
}

type builder struct {
	seed int64
}

func (b *builder) next() int64 {
	b.seed++
	return b.seed
}

func (b *builder) addAll(parent *nn.Sequential, layers []Layer) error {
	for _, l := range layers {
		mod, err := b.build(l)
		if err != nil {
			return err
		}
		parent.Add(l.Name, mod)
	}
	return nil
}

func (b *builder) build(l Layer) (nn.Module, error) {
	var mod nn.Module
	switch strings.ToLower(l.Type) {
	case TypeSequential:
		seq := nn.NewSequential()
		if err := b.addAll(seq, l.Layers); err != nil {
			return nil, err
		}
		mod = seq
	case TypeQuantWrapper:
		inner, err := b.build(l.Layers[0])
		if err != nil {
			return nil, err
		}
		mod = nn.QuantWrapper(inner)
	case TypeLinear:
		mod = nn.NewLinear(l.In, l.Out, b.next())
	case TypeConv2d:
		opts := nn.ConvOptions{Stride: l.Stride, Padding: l.Padding, NoBias: l.Bias != nil && !*l.Bias}
		mod = nn.NewConv2d(l.In, l.Out, l.Kernel, opts, b.next())
	case TypeBatchNorm2d:
		mod = nn.NewBatchNorm2d(l.Channels)
	case TypeReLU:
		mod = nn.NewReLU()
	case TypeFlatten:
		mod = nn.NewFlatten()
	case TypeIdentity:
		mod = nn.NewIdentity()
	case TypeQuantStub:
		mod = nn.NewQuantStub()
	case TypeDeQuantStub:
		mod = nn.NewDeQuantStub()
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownLayer, l.Type)
	}
	meta := mod.Meta()
	meta.QConfig = l.QConfig.get()
	meta.Skip = l.Skip
	return mod, nil
}

// Dataset returns random batches shaped for the model input. Labels are
// drawn when Classes is set.
func (m *Model) Dataset(seed int64, batches, batchSize int) runner.Dataset {
	shape := append([]int{batchSize}, m.Input...)
	return runner.RandomDataset(seed, batches, m.Classes, shape...)
}

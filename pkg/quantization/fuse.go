package quantization

import (
	"fmt"

	"github.com/samcharles93/qtree/pkg/nn"
)

// FuseModules merges each group of sibling paths, [conv, bn] or
// [conv, bn, relu], into one module in the conv's slot and leaves Identity in
// the other slots. A training-mode conv yields ConvBn2d or ConvBnReLU2d, which
// keep updating batch-norm statistics. An evaluation-mode conv has the batch
// norm folded into its weights, yielding Conv2d or ConvReLU2d.
//
// Every group is resolved and built before any slot changes, so a failing
// call leaves the tree as it was.
func FuseModules(root nn.Module, groups [][]string, opts Options) error {
	seen := make(map[string]bool)
	plans := make([]fusion, 0, len(groups))
	for _, g := range groups {
		for _, path := range g {
			if seen[path] {
				return &nn.PathError{Op: "fuse", Path: path, Err: fmt.Errorf("%w: path appears in two groups", ErrInvalidFusionGroup)}
			}
			seen[path] = true
		}
		f, err := planFusion(root, g)
		if err != nil {
			return err
		}
		plans = append(plans, f)
	}
	for _, f := range plans {
		for i, path := range f.paths {
			if _, err := nn.Set(root, path, f.modules[i]); err != nil {
				return err
			}
		}
		opts.log().Debug("fused", "paths", f.paths, "kind", f.modules[0].Kind())
	}
	opts.log().Info("fused modules", "groups", len(plans))
	return nil
}

type fusion struct {
	paths   []string
	modules []nn.Module
}

func planFusion(root nn.Module, group []string) (fusion, error) {
	if len(group) != 2 && len(group) != 3 {
		return fusion{}, &nn.PathError{Op: "fuse", Path: fmt.Sprint(group), Err: fmt.Errorf("%w: want 2 or 3 paths", ErrInvalidFusionGroup)}
	}
	parent, _ := nn.Split(group[0])
	for _, path := range group[1:] {
		if p, _ := nn.Split(path); p != parent {
			return fusion{}, &nn.PathError{Op: "fuse", Path: path, Err: fmt.Errorf("%w: not a sibling of %s", ErrInvalidFusionGroup, group[0])}
		}
	}

	conv, err := resolve[*nn.Conv2d](root, group[0])
	if err != nil {
		return fusion{}, err
	}
	bn, err := resolve[*nn.BatchNorm2d](root, group[1])
	if err != nil {
		return fusion{}, err
	}
	var act *nn.ReLU
	if len(group) == 3 {
		if act, err = resolve[*nn.ReLU](root, group[2]); err != nil {
			return fusion{}, err
		}
	}

	training := conv.Meta().Training
	var fused nn.Module
	switch {
	case training && act == nil:
		fused, err = nn.NewConvBn2d(conv, bn)
	case training:
		fused, err = nn.NewConvBnReLU2d(conv, bn, act)
	default:
		var folded *nn.Conv2d
		folded, err = bn.FoldInto(conv)
		fused = folded
		if err == nil && act != nil {
			fused = nn.NewConvReLU2d(folded, act)
		}
	}
	if err != nil {
		return fusion{}, &nn.PathError{Op: "fuse", Path: group[0], Err: err}
	}
	*fused.Meta() = *conv.Meta()

	f := fusion{paths: group, modules: []nn.Module{fused}}
	for range group[1:] {
		id := nn.NewIdentity()
		id.Meta().Training = training
		f.modules = append(f.modules, id)
	}
	return f, nil
}

// resolve finds path and checks it holds an M. Anything else is reported as
// ErrPathNotFound, which is what a second fusion of the same group sees.
func resolve[M nn.Module](root nn.Module, path string) (M, error) {
	var zero M
	m, err := nn.Get(root, path)
	if err != nil {
		return zero, &nn.PathError{Op: "fuse", Path: path, Err: ErrPathNotFound}
	}
	typed, ok := m.(M)
	if !ok {
		return zero, &nn.PathError{Op: "fuse", Path: path, Err: fmt.Errorf("%w: found %s", ErrPathNotFound, m.Kind())}
	}
	return typed, nil
}

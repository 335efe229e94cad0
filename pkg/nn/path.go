package nn

import (
	"strings"
)

// PathError records a failed tree operation and the path it was applied to.
type PathError struct {
	Op   string
	Path string
	Err  error
}

func (e *PathError) Error() string {
	if e.Path == "" {
		return e.Op + ": " + e.Err.Error()
	}
	return e.Op + " " + e.Path + ": " + e.Err.Error()
}

func (e *PathError) Unwrap() error { return e.Err }

// Join returns the dotted path of child name under parent.
func Join(parent, name string) string {
	if parent == "" {
		return name
	}
	return parent + "." + name
}

// Split returns the parent path and the last segment of path.
func Split(path string) (parent, name string) {
	i := strings.LastIndexByte(path, '.')
	if i < 0 {
		return "", path
	}
	return path[:i], path[i+1:]
}

// Get resolves a dotted path from root. The empty path is the root itself.
func Get(root Module, path string) (Module, error) {
	if path == "" {
		return root, nil
	}
	cur := root
	for _, seg := range strings.Split(path, ".") {
		c, ok := cur.(Container)
		if !ok {
			return nil, &PathError{Op: "get", Path: path, Err: ErrPathNotFound}
		}
		child, ok := c.Child(seg)
		if !ok {
			return nil, &PathError{Op: "get", Path: path, Err: ErrPathNotFound}
		}
		cur = child
	}
	return cur, nil
}

// Set replaces the module at path and returns the (possibly new) root.
func Set(root Module, path string, m Module) (Module, error) {
	if path == "" {
		return m, nil
	}
	parentPath, name := Split(path)
	parent, err := Get(root, parentPath)
	if err != nil {
		return root, &PathError{Op: "set", Path: path, Err: ErrPathNotFound}
	}
	c, ok := parent.(Container)
	if !ok {
		return root, &PathError{Op: "set", Path: path, Err: ErrPathNotFound}
	}
	if err := c.SetChild(name, m); err != nil {
		return root, &PathError{Op: "set", Path: path, Err: ErrPathNotFound}
	}
	return root, nil
}

// WalkFunc is called for every node in pre-order.
type WalkFunc func(path string, m Module) error

// Walk visits root and every addressable node below it in pre-order.
func Walk(root Module, fn WalkFunc) error {
	return walk("", root, fn)
}

func walk(path string, m Module, fn WalkFunc) error {
	if err := fn(path, m); err != nil {
		return err
	}
	c, ok := m.(Container)
	if !ok {
		return nil
	}
	for _, name := range c.Names() {
		child, _ := c.Child(name)
		if err := walk(Join(path, name), child, fn); err != nil {
			return err
		}
	}
	return nil
}

// Leaves returns the paths of all leaves in execution order.
func Leaves(root Module) []string {
	var out []string
	_ = Walk(root, func(path string, m Module) error {
		if IsLeaf(m) {
			out = append(out, path)
		}
		return nil
	})
	return out
}

// SetTraining switches m and everything below it, including the parts of
// composite modules, between training and evaluation behaviour.
func SetTraining(m Module, on bool) {
	m.Meta().Training = on
	if comp, ok := m.(Composite); ok {
		for _, p := range comp.Parts() {
			SetTraining(p, on)
		}
	}
	if c, ok := m.(Container); ok {
		for _, name := range c.Names() {
			child, _ := c.Child(name)
			SetTraining(child, on)
		}
	}
}

// Train puts m in training mode and returns it.
func Train[M Module](m M) M {
	SetTraining(m, true)
	return m
}

// Eval puts m in evaluation mode and returns it.
func Eval[M Module](m M) M {
	SetTraining(m, false)
	return m
}

// Kinds maps every path under root to the kind occupying it.
func Kinds(root Module) map[string]Kind {
	out := make(map[string]Kind)
	_ = Walk(root, func(path string, m Module) error {
		out[path] = m.Kind()
		return nil
	})
	return out
}

// ABOUTME: Dotted path addressing into document content
// ABOUTME: Lookup, resolvability checks and in-place mutation for operations

package document

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

var (
	// ErrPathNotFound indicates a path that cannot be resolved against the content
	ErrPathNotFound = errors.New("document: path not found")

	// ErrInvalidOperation indicates an operation with an unknown type or empty path
	ErrInvalidOperation = errors.New("document: invalid operation")
)

// Segments splits a dotted path. Empty paths and empty segments are rejected.
func Segments(path string) ([]string, error) {
	if path == "" {
		return nil, fmt.Errorf("%w: empty path", ErrInvalidOperation)
	}
	segs := strings.Split(path, ".")
	for _, s := range segs {
		if s == "" {
			return nil, fmt.Errorf("%w: empty segment in %q", ErrInvalidOperation, path)
		}
	}
	return segs, nil
}

// Overlaps reports whether two paths address overlapping state: equal paths,
// or one is an ancestor of the other.
func Overlaps(a, b string) bool {
	return a == b || strings.HasPrefix(a, b+".") || strings.HasPrefix(b, a+".")
}

// Lookup returns the value at path
func Lookup(content map[string]any, path string) (any, bool) {
	segs, err := Segments(path)
	if err != nil {
		return nil, false
	}
	var node any = content
	for _, seg := range segs {
		next, ok := child(node, seg)
		if !ok {
			return nil, false
		}
		node = next
	}
	return node, true
}

// Resolve checks that op can be applied: update and delete need an existing
// leaf, create needs an existing parent container.
func Resolve(content map[string]any, op Operation) error {
	if !op.Type.Valid() {
		return fmt.Errorf("%w: type %q", ErrInvalidOperation, op.Type)
	}
	segs, err := Segments(op.Path)
	if err != nil {
		return err
	}

	var node any = content
	for _, seg := range segs[:len(segs)-1] {
		next, ok := child(node, seg)
		if !ok {
			return fmt.Errorf("%w: %s", ErrPathNotFound, op.Path)
		}
		node = next
	}

	leaf := segs[len(segs)-1]
	switch c := node.(type) {
	case map[string]any:
		if op.Type == OpCreate {
			return nil
		}
		if _, ok := c[leaf]; ok {
			return nil
		}
	case []any:
		idx, err := strconv.Atoi(leaf)
		if err != nil || idx < 0 {
			break
		}
		if idx < len(c) || (op.Type == OpCreate && idx == len(c)) {
			return nil
		}
	}
	return fmt.Errorf("%w: %s", ErrPathNotFound, op.Path)
}

// Apply mutates content at op.Path and returns the previous value. Slices are
// replaced in their parent when their length changes.
func Apply(content map[string]any, op Operation) (any, error) {
	if err := Resolve(content, op); err != nil {
		return nil, err
	}
	segs, _ := Segments(op.Path)
	_, old, err := apply(content, segs, op)
	return old, err
}

func child(node any, seg string) (any, bool) {
	switch c := node.(type) {
	case map[string]any:
		v, ok := c[seg]
		return v, ok
	case []any:
		idx, err := strconv.Atoi(seg)
		if err != nil || idx < 0 || idx >= len(c) {
			return nil, false
		}
		return c[idx], true
	}
	return nil, false
}

func apply(node any, segs []string, op Operation) (any, any, error) {
	key := segs[0]
	last := len(segs) == 1

	switch c := node.(type) {
	case map[string]any:
		if last {
			old := c[key]
			if op.Type == OpDelete {
				delete(c, key)
			} else {
				c[key] = op.Value
			}
			return c, old, nil
		}
		updated, old, err := apply(c[key], segs[1:], op)
		if err != nil {
			return nil, nil, err
		}
		c[key] = updated
		return c, old, nil

	case []any:
		idx, err := strconv.Atoi(key)
		if err != nil || idx < 0 || idx > len(c) {
			return nil, nil, fmt.Errorf("%w: %s", ErrPathNotFound, op.Path)
		}
		if last {
			switch op.Type {
			case OpCreate:
				c = append(c, nil)
				copy(c[idx+1:], c[idx:])
				c[idx] = op.Value
				return c, nil, nil
			case OpDelete:
				old := c[idx]
				return append(c[:idx:idx], c[idx+1:]...), old, nil
			default:
				old := c[idx]
				c[idx] = op.Value
				return c, old, nil
			}
		}
		if idx == len(c) {
			return nil, nil, fmt.Errorf("%w: %s", ErrPathNotFound, op.Path)
		}
		updated, old, err := apply(c[idx], segs[1:], op)
		if err != nil {
			return nil, nil, err
		}
		c[idx] = updated
		return c, old, nil
	}
	return nil, nil, fmt.Errorf("%w: %s", ErrPathNotFound, op.Path)
}

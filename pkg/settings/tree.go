// Package settings maps slash separated paths onto the fields of a settings
// struct and applies updates to it atomically.
//
// The registry is built explicitly at startup: every leaf is registered with
// its path and a Field describing how to reach, encode, decode and validate
// it. The tree shape is fixed once built.
//
// S must be a plain value type (no slices, maps or pointers) so that
// assigning it produces an independent copy; updates are applied to such a
// copy and installed through a Cell.
package settings

import (
	"bytes"
	"errors"
	"fmt"
	"iter"
	"maps"
	"slices"
	"sync"

	"github.com/segmentio/encoding/json"
)

type node[S any] struct {
	name     string
	path     string
	children []*node[S]
	index    map[string]*node[S]
	field    Field[S]
}

func (n *node[S]) isLeaf() bool {
	return n.field != nil
}

type validator[S any] struct {
	name string
	fn   func(*S) error
}

// Builder registers leaves and validators before the tree is built.
type Builder[S any] struct {
	root       *node[S]
	validators []validator[S]
	err        error
}

// NewBuilder returns an empty builder.
func NewBuilder[S any]() *Builder[S] {
	return &Builder[S]{root: &node[S]{index: map[string]*node[S]{}}}
}

// Leaf registers f at path. Registration errors are reported by Build.
func (b *Builder[S]) Leaf(path string, f Field[S]) *Builder[S] {
	if b.err != nil {
		return b
	}
	segments, err := Split(path)
	if err != nil {
		b.err = err
		return b
	}
	if f.Descriptor().Kind == KindArray && len(segments) >= MaxDepth {
		b.err = fmt.Errorf("array leaf %q leaves no room for an index segment", path)
		return b
	}
	n := b.root
	for i, seg := range segments {
		if n.isLeaf() {
			b.err = fmt.Errorf("leaf %q: %q is already a leaf", path, n.path)
			return b
		}
		child, ok := n.index[seg]
		if !ok {
			child = &node[S]{
				name:  seg,
				path:  Join(segments[:i+1]...),
				index: map[string]*node[S]{},
			}
			n.index[seg] = child
			n.children = append(n.children, child)
		}
		n = child
	}
	if n.isLeaf() || len(n.children) > 0 {
		b.err = fmt.Errorf("leaf %q registered twice or over a group", path)
		return b
	}
	n.field = f
	n.index = nil
	return b
}

// Validate registers a whole-value check run on the candidate value of every
// update. It is where invariants spanning several leaves live.
func (b *Builder[S]) Validate(name string, fn func(*S) error) *Builder[S] {
	b.validators = append(b.validators, validator[S]{name: name, fn: fn})
	return b
}

// Build checks initial against every leaf and validator and returns the tree.
func (b *Builder[S]) Build(initial S) (*Tree[S], error) {
	if b.err != nil {
		return nil, b.err
	}
	if len(b.root.children) == 0 {
		return nil, fmt.Errorf("settings tree has no leaves")
	}
	t := &Tree[S]{
		root:       b.root,
		validators: b.validators,
	}
	t.collect(b.root)

	// Round-trip every leaf through its codec so that leaf checks apply to
	// the initial value too.
	check := initial
	for _, leaf := range t.leaves {
		payload, err := leaf.field.Encode(&check)
		if err != nil {
			return nil, fmt.Errorf("initial value of %q: %w", leaf.path, err)
		}
		if err := leaf.field.Decode(&check, payload); err != nil {
			return nil, fmt.Errorf("initial value of %q: %w", leaf.path, err)
		}
	}
	if err := t.validate(&check); err != nil {
		return nil, fmt.Errorf("initial value: %w", err)
	}
	t.cell = NewCell(initial)
	return t, nil
}

// Tree is the path addressable view of a settings value.
type Tree[S any] struct {
	root       *node[S]
	leaves     []*node[S]
	groups     []*node[S]
	validators []validator[S]
	cell       *Cell[S]

	// mu serializes writers. Readers never take it.
	mu sync.Mutex
}

func (t *Tree[S]) collect(n *node[S]) {
	for _, child := range n.children {
		if child.isLeaf() {
			t.leaves = append(t.leaves, child)
			continue
		}
		t.groups = append(t.groups, child)
		t.collect(child)
	}
}

func (t *Tree[S]) validate(s *S) error {
	for _, v := range t.validators {
		if err := v.fn(s); err != nil {
			return validationFailed(fmt.Errorf("%s: %w", v.name, err))
		}
	}
	return nil
}

// Handle is a resolved path: a leaf, an element of an array leaf, or a group.
type Handle[S any] struct {
	path  string
	field Field[S]
}

// Path returns the resolved path.
func (h Handle[S]) Path() string { return h.path }

// Descriptor returns the type descriptor of the resolved node.
func (h Handle[S]) Descriptor() Descriptor { return h.field.Descriptor() }

// Resolve walks the tree along path. A segment following an array leaf is
// an element index; an absent key or an index out of bounds is
// ErrPathNotFound.
func (t *Tree[S]) Resolve(path string) (Handle[S], error) {
	segments, err := Split(path)
	if err != nil {
		return Handle[S]{}, fmt.Errorf("%w: %v", ErrPathNotFound, err)
	}
	n := t.root
	for i, seg := range segments {
		if n.isLeaf() {
			arr, ok := n.field.(Indexed[S])
			if !ok || i != len(segments)-1 {
				return Handle[S]{}, pathNotFound(path)
			}
			idx, ok := parseIndex(seg)
			if !ok || idx >= arr.Len() {
				return Handle[S]{}, pathNotFound(path)
			}
			return Handle[S]{path: path, field: arr.Element(idx)}, nil
		}
		child, ok := n.index[seg]
		if !ok {
			return Handle[S]{}, pathNotFound(path)
		}
		n = child
	}
	if n.isLeaf() {
		return Handle[S]{path: path, field: n.field}, nil
	}
	return Handle[S]{path: path, field: &group[S]{node: n}}, nil
}

// Get returns the serialized current value at path.
func (t *Tree[S]) Get(path string) ([]byte, error) {
	h, err := t.Resolve(path)
	if err != nil {
		return nil, err
	}
	return h.field.Encode(t.cell.Load())
}

// Set decodes payload into a copy of the current value at path, validates
// the copy and installs it. On any error the installed value is unchanged.
// Updates are applied in the order Set calls complete successfully.
func (t *Tree[S]) Set(path string, payload []byte) error {
	h, err := t.Resolve(path)
	if err != nil {
		return err
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	next := *t.cell.Load()
	if err := h.field.Decode(&next, payload); err != nil {
		return err
	}
	if err := t.validate(&next); err != nil {
		return err
	}
	t.cell.Store(&next)
	return nil
}

// Update applies fn to a copy of the current value, validates it and
// installs it. fn returning an error aborts the update.
func (t *Tree[S]) Update(fn func(*S) error) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	next := *t.cell.Load()
	if err := fn(&next); err != nil {
		return err
	}
	if err := t.validate(&next); err != nil {
		return err
	}
	t.cell.Store(&next)
	return nil
}

// Restore decodes values, keyed by path, into one copy of the current value
// and installs it after a single validation, so that leaves whose checks
// depend on each other are restored together. A value that does not
// resolve or decode is skipped and reported in the returned error; a failed
// validation installs nothing. It returns the number of values applied.
func (t *Tree[S]) Restore(values map[string][]byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	next := *t.cell.Load()
	var errs []error
	applied := 0
	for _, path := range slices.Sorted(maps.Keys(values)) {
		h, err := t.Resolve(path)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		trial := next
		if err := h.field.Decode(&trial, values[path]); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", path, err))
			continue
		}
		next = trial
		applied++
	}
	if applied == 0 {
		return 0, errors.Join(errs...)
	}
	if err := t.validate(&next); err != nil {
		return 0, err
	}
	t.cell.Store(&next)
	return applied, errors.Join(errs...)
}

// Load returns the installed value for read-only use. This is the read side
// used by the real-time path: one atomic load, no locking.
func (t *Tree[S]) Load() *S {
	return t.cell.Load()
}

// Snapshot returns a copy of the installed value.
func (t *Tree[S]) Snapshot() S {
	return *t.cell.Load()
}

// Cell exposes the cell holding the installed value.
func (t *Tree[S]) Cell() *Cell[S] {
	return t.cell
}

// Enumerate yields every leaf path with its type descriptor, depth first in
// registration order. The sequence is read-only and can be walked any
// number of times.
func (t *Tree[S]) Enumerate() iter.Seq2[string, Descriptor] {
	return func(yield func(string, Descriptor) bool) {
		for _, leaf := range t.leaves {
			if !yield(leaf.path, leaf.field.Descriptor()) {
				return
			}
		}
	}
}

// Groups yields the path of every interior node in the same order.
func (t *Tree[S]) Groups() iter.Seq[string] {
	return func(yield func(string) bool) {
		for _, g := range t.groups {
			if !yield(g.path) {
				return
			}
		}
	}
}

// Len returns the number of leaves.
func (t *Tree[S]) Len() int {
	return len(t.leaves)
}

// group encodes an interior node as an object of its children and decodes
// any subset of them in one update.
type group[S any] struct {
	node *node[S]
}

func (g *group[S]) Descriptor() Descriptor {
	return Descriptor{Kind: KindGroup}
}

func (g *group[S]) field(n *node[S]) Field[S] {
	if n.isLeaf() {
		return n.field
	}
	return &group[S]{node: n}
}

func (g *group[S]) Encode(s *S) ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, child := range g.node.children {
		if i > 0 {
			buf.WriteByte(',')
		}
		key, _ := json.Marshal(child.name)
		buf.Write(key)
		buf.WriteByte(':')
		b, err := g.field(child).Encode(s)
		if err != nil {
			return nil, err
		}
		buf.Write(b)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

func (g *group[S]) Decode(s *S, payload []byte) error {
	var obj map[string]json.RawMessage
	if err := unmarshal(payload, &obj); err != nil {
		return typeMismatch("expected object for %q: %v", g.node.path, err)
	}
	for key := range obj {
		if _, ok := g.node.index[key]; !ok {
			return pathNotFound(g.node.path + Separator + key)
		}
	}
	// Decode in structure order so error reporting is deterministic.
	for _, child := range g.node.children {
		raw, ok := obj[child.name]
		if !ok {
			continue
		}
		if err := g.field(child).Decode(s, raw); err != nil {
			return fmt.Errorf("%s: %w", child.path, err)
		}
	}
	return nil
}

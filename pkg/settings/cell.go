package settings

import "sync/atomic"

// Cell holds the installed value of a settings struct.
//
// Readers call Load once per unit of work and use that snapshot throughout;
// the value behind a loaded pointer is never modified. Writers build a
// complete new value and install it with Store, a single atomic pointer
// swap, so a reader observes either the old or the new value and never a
// partial update.
type Cell[S any] struct {
	p atomic.Pointer[S]
}

// NewCell returns a cell holding a copy of v.
func NewCell[S any](v S) *Cell[S] {
	c := &Cell[S]{}
	c.p.Store(&v)
	return c
}

// Load returns the installed value. Callers must treat it as read-only.
func (c *Cell[S]) Load() *S {
	return c.p.Load()
}

// Store installs v. v must not be modified afterwards.
func (c *Cell[S]) Store(v *S) {
	c.p.Store(v)
}

// Swap installs v and returns the previously installed value.
func (c *Cell[S]) Swap(v *S) *S {
	return c.p.Swap(v)
}

// Package alloc implements a hierarchical allocator: every allocation has at
// most one parent, and freeing a parent recursively frees its entire subtree
// in post order, running destructors bottom-up on the way down.
//
// It is the object-lifetime substrate for the rest of this module: buffers,
// messages, watches and channels all hold their place in the forest through
// an *alloc.Node, and rely on Node.Free's cascade to release file
// descriptors, recycled byte slices and queued messages together.
package alloc

import (
	"container/list"
	"errors"
)

// ErrOutOfMemory is returned by New, and by higher-level operations built on
// it (buffer.Push, buffer.Resize), when a payload cannot be satisfied.
var ErrOutOfMemory = errors.New("alloc: out of memory")

// Destructor runs once per node, after its children have been freed and
// before its payload is released. A non-zero return is reported as a
// destruction error by Free's caller but never aborts the cascade.
type Destructor func(*Node) int

// Node is one allocation in the forest: a fixed-size payload, a parent link,
// an ordered set of children, an optional destructor, and a diagnostic name.
//
// A Node is addressed by its *Node handle rather than by a raw pointer to
// its payload: Go slices already give the "stable address for the node's
// lifetime" guarantee the spec asks for (see Payload), so there is no need
// for the header-before-payload trick the C original uses.
type Node struct {
	name       string
	payload    []byte
	destructor Destructor

	parent   *Node
	elem     *list.Element // this node's element in parent.children
	children *list.List    // of *Node

	freed bool
}

// New allocates a payload of size bytes, linked under parent (a root if
// parent is nil), and records name for diagnostics. The new node has no
// destructor.
func New(parent *Node, size int, name string) (*Node, error) {
	if size < 0 {
		return nil, ErrOutOfMemory
	}
	payload, err := acquirePayload(size)
	if err != nil {
		return nil, err
	}
	n := &Node{
		name:     name,
		payload:  payload,
		children: list.New(),
	}
	if parent != nil {
		n.parent = parent
		n.elem = parent.children.PushBack(n)
	}
	return n, nil
}

// Payload returns the node's fixed-size payload region. The backing array is
// allocated once in New and never reallocated, so the returned slice's
// address is stable for the node's lifetime.
func (n *Node) Payload() []byte { return n.payload }

// Size returns the caller-visible payload length requested at New.
func (n *Node) Size() int { return len(n.payload) }

// Name returns the node's diagnostic name.
func (n *Node) Name() string { return n.name }

// SetName replaces the node's diagnostic name.
func (n *Node) SetName(name string) { n.name = name }

// SetDestructor installs fn as the node's destructor, replacing any
// previous one. Calling SetDestructor on a node that is already being freed
// is undefined, matching the spec's own carve-out.
func (n *Node) SetDestructor(fn Destructor) { n.destructor = fn }

// Parent returns the node's current parent, or nil if it is a root.
func (n *Node) Parent() *Node { return n.parent }

// Reparent detaches the node from its current parent (or the root set) and
// attaches it under newParent (nil makes it a root). It is O(1): a single
// container/list splice.
//
// Cycles are prohibited by the forest contract; Reparent defends against
// them by walking newParent's ancestor chain and panicking if it finds n,
// since a silent cycle would hang Free's cascade rather than merely leak.
func (n *Node) Reparent(newParent *Node) {
	for p := newParent; p != nil; p = p.parent {
		if p == n {
			panic("alloc: Reparent would create a cycle")
		}
	}
	if n.parent != nil {
		n.parent.children.Remove(n.elem)
		n.elem = nil
	}
	n.parent = newParent
	if newParent != nil {
		n.elem = newParent.children.PushBack(n)
	}
}

// Free destroys n and its entire subtree: children first, in the order they
// were added (post-order), then n's own destructor, then its payload. It
// returns the bitwise OR of every destructor return code encountered,
// including n's own.
//
// Free is idempotent: freeing an already-freed node is a silent no-op,
// which keeps the close-deferral pattern in package ioloop simple (a
// channel can be asked to close more than once).
func (n *Node) Free() int {
	if n.freed {
		return 0
	}
	n.freed = true

	if n.parent != nil {
		n.parent.children.Remove(n.elem)
		n.parent = nil
		n.elem = nil
	}

	code := 0
	for _, child := range n.childSnapshot() {
		code |= child.Free()
	}

	if n.destructor != nil {
		code |= n.destructor(n)
	}

	releasePayload(n.payload)
	n.payload = nil
	return code
}

// childSnapshot copies the current children into a slice so that Free can
// iterate safely even though each child's own Free detaches it from the
// list as it runs.
func (n *Node) childSnapshot() []*Node {
	out := make([]*Node, 0, n.children.Len())
	for e := n.children.Front(); e != nil; e = e.Next() {
		out = append(out, e.Value.(*Node))
	}
	return out
}

// Package ioloop implements the event-driven I/O core: a WatchRegistry over
// a select-style readiness set, and a per-fd Channel that automates
// non-blocking read/write with user-supplied callbacks, in either a stream
// (contiguous buffers) or message (datagram queues) mode.
package ioloop

import (
	"container/list"

	"github.com/mpx/nucore/alloc"
)

// EventMask is a bitmask of the event kinds a Watch can register for.
type EventMask uint8

const (
	EventRead EventMask = 1 << iota
	EventWrite
	EventExcept
)

// WatchFunc is invoked with the intersection of a watch's registered events
// and the readiness set passed to HandleFDs.
type WatchFunc func(w *Watch, events EventMask)

// Watch is one (fd, event-mask, callback) registration, alive for as long
// as its backing alloc.Node is. Removing a watch is done by freeing that
// node: its destructor splices the watch out of the registry.
type Watch struct {
	node *alloc.Node
	fd   int

	events EventMask
	cb     WatchFunc
	data   interface{}

	reg  *Registry
	elem *list.Element
	live bool
}

// Fd returns the watched file descriptor.
func (w *Watch) Fd() int { return w.fd }

// Events returns the watch's currently registered event mask.
func (w *Watch) Events() EventMask { return w.events }

// SetEvents replaces the watch's registered event mask.
func (w *Watch) SetEvents(events EventMask) { w.events = events }

// Data returns the user data supplied to AddWatch.
func (w *Watch) Data() interface{} { return w.data }

// Node returns the alloc.Node backing this watch's place in the forest.
func (w *Watch) Node() *alloc.Node { return w.node }

// Registry is the process-wide (per-host-loop) set of active watches. It is
// not goroutine-safe: per the module's Non-goals, the dispatcher is
// single-threaded and cooperative.
type Registry struct {
	watches *list.List // of *Watch
}

// NewRegistry creates an empty registry. Hosts thread the returned *Registry
// through their own loop rather than relying on a package-level global,
// per the "Runtime handle" alternative in the design notes.
func NewRegistry() *Registry {
	return &Registry{watches: list.New()}
}

// AddWatch allocates a watch for (fd, events), appends it to the registry,
// and parents its node under parent (a root if nil).
func (r *Registry) AddWatch(parent *alloc.Node, fd int, events EventMask, cb WatchFunc, data interface{}) *Watch {
	w := &Watch{fd: fd, events: events, cb: cb, data: data, reg: r, live: true}

	n, _ := alloc.New(parent, 0, "ioloop.Watch")
	w.node = n
	w.elem = r.watches.PushBack(w)

	n.SetDestructor(func(*alloc.Node) int {
		w.live = false
		if w.elem != nil {
			r.watches.Remove(w.elem)
			w.elem = nil
		}
		return 0
	})
	return w
}

// SelectFDs unions each watch's registered events into rd/wr/ex and raises
// *nfds to at least fd+1 for every watched fd, so the result is ready to
// pass straight into the host's own call to select(2).
func (r *Registry) SelectFDs(nfds *int, rd, wr, ex *FDSet) {
	for e := r.watches.Front(); e != nil; e = e.Next() {
		w := e.Value.(*Watch)
		if w.events&EventRead != 0 {
			rd.Set(w.fd)
		}
		if w.events&EventWrite != 0 {
			wr.Set(w.fd)
		}
		if w.events&EventExcept != 0 {
			ex.Set(w.fd)
		}
		if w.fd+1 > *nfds {
			*nfds = w.fd + 1
		}
	}
}

// HandleFDs invokes each watch whose registered events intersect the ready
// sets, passing exactly that intersection. Iteration runs over a snapshot
// taken before any callback fires, so a callback that frees another watch
// mid-tick simply causes that watch to be skipped rather than disturbing
// the iteration itself (see the design notes' ordering resolution).
func (r *Registry) HandleFDs(rd, wr, ex *FDSet) {
	snapshot := make([]*Watch, 0, r.watches.Len())
	for e := r.watches.Front(); e != nil; e = e.Next() {
		snapshot = append(snapshot, e.Value.(*Watch))
	}

	for _, w := range snapshot {
		if !w.live {
			continue
		}
		var matched EventMask
		if w.events&EventRead != 0 && rd.IsSet(w.fd) {
			matched |= EventRead
		}
		if w.events&EventWrite != 0 && wr.IsSet(w.fd) {
			matched |= EventWrite
		}
		if w.events&EventExcept != 0 && ex.IsSet(w.fd) {
			matched |= EventExcept
		}
		if matched != 0 && w.cb != nil {
			w.cb(w, matched)
		}
	}
}

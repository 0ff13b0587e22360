// Package nerr implements the error-reporting façade the rest of the core
// consumes but does not design: a single process-wide "last error" slot
// asynchronous paths raise into, and callers drain with Get.
//
// It mirrors fuse.Status's errno-shaped result type and its ToStatus
// conversion (fuse/misc.go) scoped down to the four kinds this module's
// components actually raise.
package nerr

import (
	"errors"
	"fmt"
	"sync"
	"syscall"

	"github.com/mpx/nucore/alloc"
)

// Kind enumerates the error kinds the core raises.
type Kind int

const (
	KindNone Kind = iota
	KindOutOfMemory
	KindTruncated
	KindIoSystem
	KindBadFd
)

func (k Kind) String() string {
	switch k {
	case KindNone:
		return "none"
	case KindOutOfMemory:
		return "out of memory"
	case KindTruncated:
		return "truncated"
	case KindIoSystem:
		return "io system error"
	case KindBadFd:
		return "bad file descriptor"
	default:
		return fmt.Sprintf("nerr.Kind(%d)", int(k))
	}
}

// Error is a raised condition: a kind plus a human-readable message.
type Error struct {
	Kind    Kind
	Message string
}

func (e *Error) Error() string { return fmt.Sprintf("%s: %s", e.Kind, e.Message) }

var (
	mu      sync.Mutex
	pending *Error
)

// Raise records kind/message as the pending error, replacing any previous
// unconsumed one.
func Raise(kind Kind, message string) {
	mu.Lock()
	defer mu.Unlock()
	pending = &Error{Kind: kind, Message: message}
}

// Get retrieves and clears the pending error. The boolean is false if no
// error is pending.
func Get() (Kind, string, bool) {
	mu.Lock()
	defer mu.Unlock()
	if pending == nil {
		return KindNone, "", false
	}
	e := pending
	pending = nil
	return e.Kind, e.Message, true
}

// FromError maps a Go error into the Kind it corresponds to, following the
// same "classify by errno, fall through to IoSystem" shape as
// fuse.ToStatus.
func FromError(err error) Kind {
	if err == nil {
		return KindNone
	}
	if errors.Is(err, alloc.ErrOutOfMemory) {
		return KindOutOfMemory
	}
	var errno syscall.Errno
	if errors.As(err, &errno) {
		if errno == syscall.EBADF {
			return KindBadFd
		}
		return KindIoSystem
	}
	return KindIoSystem
}

// NewAllocated copies message into a new alloc.Node payload parented under
// parent, so that a caller who wants an error to live as a proper
// allocation (rather than a plain Go value) can get one: "error objects are
// themselves allocations," per the façade's contract.
func NewAllocated(parent *alloc.Node, kind Kind, message string) *alloc.Node {
	n, _ := alloc.New(parent, len(message), "nerr.Error")
	copy(n.Payload(), message)
	n.SetName(kind.String())
	return n
}

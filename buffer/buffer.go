// Package buffer implements a growable byte buffer whose backing region is
// always sized in page multiples, following the same rounding arithmetic
// fuse.BufferPoolImpl uses for its page-bucketed I/O buffers.
package buffer

import "github.com/mpx/nucore/alloc"

// PageSize is the granularity buffer regions are grown in. The spec leaves
// the exact constant to the implementation, subject to a floor of 512; 4096
// matches the common POSIX page size without tying correctness to the host's
// actual runtime page size the way a page-aligned mmap would.
const PageSize = 4096

// Buffer is a growable byte region: data[:length] is valid, cap(data) is the
// current page-rounded Size.
//
// Buffer is itself parented under an alloc.Node purely to take part in the
// forest's lifetime (a destructor releases the region when the node's
// subtree is freed); the node's own payload is unused (zero-length) since
// Buffer keeps its bytes in an ordinary Go slice rather than in the node's
// payload region.
type Buffer struct {
	node   *alloc.Node
	data   []byte
	length int
}

// New creates an empty buffer, parented under parent (a root if nil).
func New(parent *alloc.Node) *Buffer {
	n, _ := alloc.New(parent, 0, "buffer.Buffer")
	b := &Buffer{node: n}
	n.SetDestructor(func(*alloc.Node) int {
		b.release()
		return 0
	})
	return b
}

// Node returns the alloc.Node backing this buffer's place in the forest.
func (b *Buffer) Node() *alloc.Node { return b.node }

// Length returns the number of valid bytes currently buffered.
func (b *Buffer) Length() int { return b.length }

// Size returns the buffer's current page-rounded capacity.
func (b *Buffer) Size() int { return cap(b.data) }

// Bytes returns the valid prefix of the buffer without consuming it.
func (b *Buffer) Bytes() []byte { return b.data[:b.length] }

// Spare returns the writable region beyond Length, for direct reads into
// the buffer's tail. Callers must follow a write into Spare with Commit.
func (b *Buffer) Spare() []byte { return b.data[b.length:cap(b.data)] }

// Commit records that n bytes were written into the slice returned by the
// most recent Spare call.
func (b *Buffer) Commit(n int) { b.length += n }

func (b *Buffer) release() {
	if b.data != nil {
		alloc.ReleaseBytes(b.data)
	}
	b.data = nil
	b.length = 0
}

// Resize ensures at least growBy bytes beyond the current Length are
// addressable, growing Size to the smallest multiple of PageSize that
// admits Length+growBy. A zero growBy with zero Length releases the region.
// Growth is checked out through alloc.AcquireBytes, so it is subject to the
// same recycle-pool ceiling as any other allocation in the forest and
// returns alloc.ErrOutOfMemory if satisfying it would exceed that ceiling.
func (b *Buffer) Resize(growBy int) error {
	if growBy < 0 {
		growBy = 0
	}
	want := b.length + growBy
	if growBy == 0 && b.length == 0 {
		b.release()
		return nil
	}
	if want <= cap(b.data) {
		return nil
	}

	newSize := roundUpPage(want)
	grown, err := alloc.AcquireBytes(newSize)
	if err != nil {
		return err
	}
	copy(grown, b.data[:b.length])
	if b.data != nil {
		alloc.ReleaseBytes(b.data)
	}
	b.data = grown
	return nil
}

// Push appends src, growing the buffer if necessary.
func (b *Buffer) Push(src []byte) error {
	if len(src) == 0 {
		return nil
	}
	if err := b.Resize(len(src)); err != nil {
		return err
	}
	n := copy(b.data[b.length:cap(b.data)], src)
	b.length += n
	return nil
}

// Shrink discards n front bytes (clamped to Length), shifting the remainder
// down. If the result is empty, the region is released.
func (b *Buffer) Shrink(n int) {
	if n <= 0 {
		return
	}
	if n > b.length {
		n = b.length
	}
	copy(b.data, b.data[n:b.length])
	b.length -= n
	if b.length == 0 {
		b.release()
	}
}

// Pop copies up to n front bytes into a new null-terminated allocation
// parented under parent, shrinks the buffer by the copied count, and
// returns the allocation along with the actual count copied (<= n). The
// allocation's payload length is actual+1, with the terminator always
// present.
func (b *Buffer) Pop(parent *alloc.Node, n int) (*alloc.Node, int) {
	if n < 0 {
		n = 0
	}
	if n > b.length {
		n = b.length
	}
	out, _ := alloc.New(parent, n+1, "buffer.pop")
	copy(out.Payload(), b.data[:n])
	out.Payload()[n] = 0
	b.Shrink(n)
	return out, n
}

func roundUpPage(n int) int {
	if n <= 0 {
		return 0
	}
	return (n + PageSize - 1) / PageSize * PageSize
}

package alloc

import "sync"

// smallThreshold splits the recycle pool's small- and large-block caches,
// mirroring the bucket-by-size-class free list fuse.BufferPoolImpl uses one
// layer up (bufferpool.go), just applied to raw alloc.Node payloads instead
// of page-granular I/O buffers.
const smallThreshold = 4096

// recyclePool holds freed payload slices bucketed by exact size so New can
// reuse them instead of allocating fresh memory. It is not goroutine-safe
// beyond the mutex guarding its own bookkeeping: the forest itself is
// single-threaded per the module's Non-goals.
//
// ceiling, when non-zero, bounds outstanding: the total size of payload
// slices currently checked out (acquired but not yet released) across the
// whole forest. get refuses a request that would push outstanding past
// ceiling with ErrOutOfMemory, which is how New and buffer growth model
// resource exhaustion in tests — there is no other source of
// ErrOutOfMemory in normal operation.
type recyclePool struct {
	mu          sync.Mutex
	small       map[int][][]byte
	large       map[int][][]byte
	ceiling     int64
	outstanding int64
}

var globalRecycle = &recyclePool{
	small: make(map[int][][]byte),
	large: make(map[int][][]byte),
}

func (p *recyclePool) bucketFor(size int) map[int][][]byte {
	if size > smallThreshold {
		return p.large
	}
	return p.small
}

func (p *recyclePool) get(size int) ([]byte, error) {
	if size == 0 {
		return []byte{}, nil
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.ceiling > 0 && p.outstanding+int64(size) > p.ceiling {
		return nil, ErrOutOfMemory
	}

	bucket := p.bucketFor(size)
	var b []byte
	if list := bucket[size]; len(list) > 0 {
		b = list[len(list)-1]
		bucket[size] = list[:len(list)-1]
		for i := range b {
			b[i] = 0
		}
	} else {
		b = make([]byte, size)
	}
	p.outstanding += int64(size)
	return b, nil
}

func (p *recyclePool) put(b []byte) {
	if len(b) == 0 {
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	p.outstanding -= int64(len(b))
	bucket := p.bucketFor(len(b))
	bucket[len(b)] = append(bucket[len(b)], b)
}

// returnUnused implements ReturnUnused's large/small hint.
func (p *recyclePool) returnUnused(large bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.small = make(map[int][][]byte)
	if large {
		p.large = make(map[int][][]byte)
	}
}

func (p *recyclePool) setCeiling(ceiling int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ceiling = int64(ceiling)
}

func acquirePayload(size int) ([]byte, error) {
	return globalRecycle.get(size)
}

func releasePayload(b []byte) {
	globalRecycle.put(b)
}

// AcquireBytes checks out a byte slice of the given size from the same
// shared, ceiling-bounded recycle pool New draws a Node's payload from.
// package buffer uses it to grow its regions, so a buffer's growth is
// accounted and capped exactly like any other allocation in the forest.
func AcquireBytes(size int) ([]byte, error) {
	return globalRecycle.get(size)
}

// ReleaseBytes returns a slice acquired via AcquireBytes to the shared
// recycle pool.
func ReleaseBytes(b []byte) {
	globalRecycle.put(b)
}

// ReturnUnused hints that recycled payload blocks should be released back to
// the system allocator. A "small" hint (large=false) drops only the
// small-block recycle cache; "large" additionally drops the large-block
// cache.
func ReturnUnused(large bool) {
	globalRecycle.returnUnused(large)
}

// SetCeiling bounds the recycle pool's total outstanding payload bytes
// (acquired via New or buffer growth, and not yet released by a Free or a
// buffer shrink/release) to ceiling bytes. A ceiling of 0 removes the bound,
// which is the default. Once outstanding would exceed a positive ceiling,
// acquirePayload returns ErrOutOfMemory instead of growing further.
func SetCeiling(ceiling int) {
	globalRecycle.setCeiling(ceiling)
}

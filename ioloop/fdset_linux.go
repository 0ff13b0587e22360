//go:build linux

package ioloop

import "golang.org/x/sys/unix"

// FDSet is the select-style readiness set SelectFDs/HandleFDs operate on.
// It wraps unix.FdSet directly rather than a hand-rolled bitmap, so a
// value is byte-for-byte what the host's own call to unix.Select expects
// and returns.
type FDSet struct {
	unix.FdSet
}

const bitsPerWord = 64

// Set marks fd as a member of the set.
func (s *FDSet) Set(fd int) {
	s.Bits[fd/bitsPerWord] |= 1 << uint(fd%bitsPerWord)
}

// Clear removes fd from the set.
func (s *FDSet) Clear(fd int) {
	s.Bits[fd/bitsPerWord] &^= 1 << uint(fd%bitsPerWord)
}

// IsSet reports whether fd is a member of the set.
func (s *FDSet) IsSet(fd int) bool {
	return s.Bits[fd/bitsPerWord]&(1<<uint(fd%bitsPerWord)) != 0
}

// Zero clears every member of the set.
func (s *FDSet) Zero() {
	for i := range s.Bits {
		s.Bits[i] = 0
	}
}

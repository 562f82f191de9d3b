// Package chunkset implements the fixed-size bit-set that records which chunk
// indices of an upload session have been written and verified.
package chunkset

import (
	"errors"
	"fmt"
	"math/bits"
)

// ErrOutOfRange is returned for an index outside [0, Len()).
var ErrOutOfRange = errors.New("chunk index out of range")

// Set is a bit-set of n chunk indices. The zero value is an empty set of length 0.
type Set struct {
	n    int
	bits []byte
}

// New returns an empty set for n chunks.
func New(n int) Set {
	if n < 0 {
		n = 0
	}
	return Set{n: n, bits: make([]byte, byteLen(n))}
}

// FromBytes restores a set persisted with Bytes.
func FromBytes(n int, raw []byte) (Set, error) {
	if n < 0 || len(raw) != byteLen(n) {
		return Set{}, fmt.Errorf("chunk set of %d chunks needs %d bytes, got %d", n, byteLen(n), len(raw))
	}

	set := Set{n: n, bits: make([]byte, len(raw))}
	copy(set.bits, raw)

	// Bits past n must be clear so Count stays exact.
	if rem := n % 8; rem != 0 && len(set.bits) > 0 {
		set.bits[len(set.bits)-1] &= byte(1<<rem) - 1
	}
	return set, nil
}

func byteLen(n int) int {
	return (n + 7) / 8
}

// Len returns the number of chunks the set covers.
func (s Set) Len() int {
	return s.n
}

// Has reports whether index i is recorded. Out of range indices report false.
func (s Set) Has(i int) bool {
	if i < 0 || i >= s.n {
		return false
	}
	return s.bits[i/8]&(1<<(i%8)) != 0
}

// Add records index i and reports whether it was newly added.
func (s Set) Add(i int) (bool, error) {
	if i < 0 || i >= s.n {
		return false, fmt.Errorf("%w: %d not in [0, %d)", ErrOutOfRange, i, s.n)
	}
	if s.Has(i) {
		return false, nil
	}
	s.bits[i/8] |= 1 << (i % 8)
	return true, nil
}

// Remove clears index i and reports whether it was recorded.
func (s Set) Remove(i int) (bool, error) {
	if i < 0 || i >= s.n {
		return false, fmt.Errorf("%w: %d not in [0, %d)", ErrOutOfRange, i, s.n)
	}
	if !s.Has(i) {
		return false, nil
	}
	s.bits[i/8] &^= 1 << (i % 8)
	return true, nil
}

// Count returns the number of recorded indices.
func (s Set) Count() int {
	total := 0
	for _, b := range s.bits {
		total += bits.OnesCount8(b)
	}
	return total
}

// Complete reports whether every index is recorded.
func (s Set) Complete() bool {
	return s.Count() == s.n
}

// Indices returns the recorded indices in ascending order.
func (s Set) Indices() []int {
	out := make([]int, 0, s.Count())
	for i := 0; i < s.n; i++ {
		if s.Has(i) {
			out = append(out, i)
		}
	}
	return out
}

// Missing returns the indices not yet recorded in ascending order.
func (s Set) Missing() []int {
	out := make([]int, 0, s.n-s.Count())
	for i := 0; i < s.n; i++ {
		if !s.Has(i) {
			out = append(out, i)
		}
	}
	return out
}

// Bytes returns a copy of the persisted representation.
func (s Set) Bytes() []byte {
	out := make([]byte, len(s.bits))
	copy(out, s.bits)
	return out
}

// Clone returns an independent copy.
func (s Set) Clone() Set {
	return Set{n: s.n, bits: s.Bytes()}
}

package bitset

import (
	"fmt"
	"math/bits"
)

// Bitset implements a fixed-length bitset sized at construction time.
//
// It is designed for dense index spaces scanned word by word, such as the
// pending-chunk masks of the lookup engines.
type Bitset struct {
	words []uint64
	size  uint32
}

// New constructs a bitset capable of holding indices in [0, size).
func New(size uint32) *Bitset {
	return &Bitset{
		words: make([]uint64, (size+63)/64),
		size:  size,
	}
}

// Size returns the number of indices the bitset can hold.
func (m *Bitset) Size() uint32 {
	return m.size
}

// Set sets the bit at the given index.
func (m *Bitset) Set(idx uint32) {
	if idx >= m.size {
		panic(fmt.Sprintf("index %d is too big: must be less than %d", idx, m.size))
	}

	m.words[idx/64] |= 1 << (idx % 64)
}

// Clear clears the bit at the given index.
func (m *Bitset) Clear(idx uint32) {
	if idx >= m.size {
		panic(fmt.Sprintf("index %d is too big: must be less than %d", idx, m.size))
	}

	m.words[idx/64] &^= 1 << (idx % 64)
}

// Test reports whether the bit at the given index is set.
func (m *Bitset) Test(idx uint32) bool {
	if idx >= m.size {
		return false
	}

	return m.words[idx/64]&(1<<(idx%64)) != 0
}

// Count returns the number of bits set in the bitset.
func (m *Bitset) Count() uint {
	count := uint(0)
	for _, word := range m.words {
		count += uint(bits.OnesCount64(word))
	}

	return count
}

// Fill sets every bit in the bitset.
func (m *Bitset) Fill() {
	for idx := range m.words {
		m.words[idx] = ^uint64(0)
	}
	if tail := m.size % 64; tail != 0 {
		m.words[len(m.words)-1] = 1<<tail - 1
	}
}

// Reset clears every bit in the bitset.
func (m *Bitset) Reset() {
	clear(m.words)
}

// TraverseRange traverses the set bits with indices in [lo, hi] and calls the
// given function for each one, in ascending order.
//
// Whole zero words are skipped, so sparse masks over large index spaces scan
// cheaply. Traversal stops early if the function returns false.
func (m *Bitset) TraverseRange(lo, hi uint32, fn func(uint32) bool) {
	if lo >= m.size {
		return
	}
	if hi >= m.size {
		hi = m.size - 1
	}

	for w := lo / 64; w <= hi/64; w++ {
		word := m.words[w]
		for word != 0 {
			r := uint32(bits.TrailingZeros64(word))
			// Clearing the lowest set bit with "word & (word-1)"
			// compiles down to a single blsr instruction.
			word &= word - 1

			idx := 64*w + r
			if idx < lo {
				continue
			}
			if idx > hi {
				return
			}
			if !fn(idx) {
				return
			}
		}
	}
}

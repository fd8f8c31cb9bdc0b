package dir

import "fmt"

// initHeap seeds the prefix-length priority stack with the route covering
// dst, or the discard default when nothing matches.
func (e *Engine) initHeap(dst uint32) {
	e.heapIndex = 0
	if start, end, preflen, nh, ok := e.tbl.Match4(dst); ok {
		e.heap[0] = heapEntry{start: start, end: end, preflen: preflen, nh: nh}
	} else {
		e.heap[0] = heapEntry{start: 0, end: 0xffffffff, preflen: 0, nh: 0}
	}
}

// heapInject pushes a covering route, keeping the stack ordered by
// ascending prefix length from bottom to top. A prefix already on the stack
// is left alone: equal length at equal start can only be the same route.
func (e *Engine) heapInject(start, end uint32, preflen int, nh uint32) {
	i := e.heapIndex
	for ; i >= 0; i-- {
		if preflen > e.heap[i].preflen {
			break
		}
		if preflen == e.heap[i].preflen {
			return
		}
	}
	for j := e.heapIndex; j > i; j-- {
		e.heap[j+1] = e.heap[j]
	}
	e.heap[i+1] = heapEntry{start: start, end: end, preflen: preflen, nh: nh}
	e.heapIndex++
}

// dirWalk consumes one route from the ordered range walk, maintaining the
// priority stack and emitting a fragment wherever the winning next-hop
// changes.
func (e *Engine) dirWalk(chunk, start, end uint32, preflen int, nh uint32) error {
	first := chunk << chunkShift
	last := first | chunkMask

	if start > last {
		return errWalkStop
	}
	if start < first {
		return nil
	}

	fhp := &e.heap[e.heapIndex]
	fp := &e.rangeBuf[e.rangeFrags]

	switch {
	case start == fhp.start:
		e.heapInject(start, end, preflen, nh)
	case start < fhp.start:
		panic("dir: range walk went backwards")
	default:
		for start > fhp.end {
			oend := fhp.end
			if e.heapIndex > 0 {
				e.heapIndex--
			} else {
				e.initHeap(oend + 1)
			}
			fhp = &e.heap[e.heapIndex]
			if fhp.end > oend && fhp.nh != fp.nh {
				e.rangeFrags++
				fp = &e.rangeBuf[e.rangeFrags]
				fp.start = oend + 1
				fp.nh = fhp.nh
			}
		}
		if start > fp.start && nh != fp.nh {
			e.rangeFrags++
			fp = &e.rangeBuf[e.rangeFrags]
			fp.start = start
		} else if e.rangeFrags > 0 {
			// The new route starts exactly where the current
			// fragment does; drop the fragment if it now coalesces
			// with its predecessor.
			if e.rangeBuf[e.rangeFrags-1].nh == nh {
				e.rangeFrags--
				fp = &e.rangeBuf[e.rangeFrags]
			}
		}
		fp.nh = nh
		e.heapInject(start, end, preflen, nh)
	}

	return nil
}

// updateChunk re-expands one /16 chunk from the radix table into primary
// and secondary entries.
func (e *Engine) updateChunk(chunk uint32) {
	first := chunk << chunkShift
	last := first | chunkMask

	e.rangeFrags = 0
	e.initHeap(first)
	e.rangeBuf[0] = rangeEntry{start: first, nh: e.heap[0].nh}

	err := e.tbl.WalkRange4(first, chunkPreflen, func(start, end uint32, preflen int, nh uint32) error {
		return e.dirWalk(chunk, start, end, preflen, nh)
	})
	if err != nil && err != errWalkStop {
		panic(fmt.Sprintf("dir: range walk failed: %v", err))
	}

	// Drain stack entries still inside the chunk, emitting the fragments
	// their ends expose.
	fp := &e.rangeBuf[e.rangeFrags]
	for e.heap[e.heapIndex].preflen > chunkPreflen {
		oend := e.heap[e.heapIndex].end
		if oend >= last {
			break
		}
		if e.heapIndex > 0 {
			e.heapIndex--
		} else {
			e.initHeap(oend + 1)
		}
		fhp := &e.heap[e.heapIndex]
		if fhp.end > oend && fhp.nh != fp.nh {
			e.rangeFrags++
			fp = &e.rangeBuf[e.rangeFrags]
			fp.start = oend + 1
			fp.nh = fhp.nh
		}
	}

	// Release the secondary blocks held by the chunk's previous
	// expansion back onto the free list, chained via their first slot.
	for i := chunk << (chunkShift - secondaryBits); i < (chunk+1)<<(chunkShift-secondaryBits); i++ {
		pri := e.primary[i]
		if pri&directBit == 0 {
			e.secondary[uint32(pri)<<secondaryBits] = e.secondaryFreeHead
			e.secondaryFreeHead = pri
			e.secondaryUsed--
		}
	}

	// Transform range notation into lookup table entries.
	cur := e.rangeBuf[0].start
	nh := e.rangeBuf[0].nh
	for i := 1; i <= e.rangeFrags; i++ {
		next := e.rangeBuf[i].start
		for cur < next {
			switch {
			case cur&secondaryMask == 0 && (next&secondaryMask == 0 || (cur^next)>>secondaryBits != 0):
				// The fragment covers this whole /24.
				e.primary[cur>>secondaryBits] = uint16(nh) ^ 0xffff
				cur += 1 << secondaryBits
			case cur&secondaryMask == 0:
				e.allocSecondary(cur, nh)
				cur++
			default:
				e.fillSecondary(cur, nh)
				cur++
			}
		}
		nh = e.rangeBuf[i].nh
	}
	// The final fragment runs to the chunk's last address, inclusive.
	for cur <= last {
		if cur&secondaryMask == 0 {
			e.primary[cur>>secondaryBits] = uint16(nh) ^ 0xffff
			cur += 1 << secondaryBits
		} else {
			e.fillSecondary(cur, nh)
			cur++
		}
		if cur == 0 {
			break // wrapped past the end of the IPv4 space
		}
	}

	e.sched.Clear(chunk)
}

// allocSecondary takes a block off the free list and installs it for the
// /24 containing addr, filling the first slot.
func (e *Engine) allocSecondary(addr, nh uint32) {
	if e.secondaryUsed >= secondaryBlocks {
		panic("dir: secondary block pool exhausted")
	}
	blk := e.secondaryFreeHead
	e.secondaryFreeHead = e.secondary[uint32(blk)<<secondaryBits]
	e.secondaryUsed++
	e.primary[addr>>secondaryBits] = blk
	e.secondary[uint32(blk)<<secondaryBits] = uint16(nh)
}

// fillSecondary writes one slot of the block already installed for the /24
// containing addr.
func (e *Engine) fillSecondary(addr, nh uint32) {
	blk := uint32(e.primary[addr>>secondaryBits])
	e.secondary[blk<<secondaryBits+(addr&secondaryMask)] = uint16(nh)
}

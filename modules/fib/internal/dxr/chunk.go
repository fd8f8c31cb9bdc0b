package dxr

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
// ascending prefix length from bottom to top.
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

// dxrWalkShort consumes one route from the ordered range walk while
// building a short-format chunk. The walk aborts with errLongFormat as
// soon as any constraint of the packed format fails: a range not starting
// on a 256-address boundary, spanning less than 256 addresses, or a
// next-hop handle beyond 8 bits.
func (e *Engine) dxrWalkShort(chunk, start, end uint32, preflen int, nh uint32) error {
	first := chunk << e.rangeShift
	last := first | e.rangeMask

	if start > last {
		return errWalkStop
	}
	if start < first {
		return nil
	}
	if start&0xff != 0 || end < start|0xff || nh > 0xff {
		return errLongFormat
	}

	fhp := &e.heap[e.heapIndex]
	switch {
	case start == fhp.start:
		e.heapInject(start, end, preflen, nh)
	case start < fhp.start:
		panic("dxr: range walk went backwards")
	default:
		for start > fhp.end {
			oend := fhp.end
			if e.heapIndex > 0 {
				e.heapIndex--
			} else {
				e.initHeap(oend + 1)
			}
			fhp = &e.heap[e.heapIndex]
			if _, curNh := e.shortGet(e.curFrags); fhp.end > oend && fhp.nh != curNh {
				if fhp.nh > 0xff {
					return errLongFormat
				}
				e.curFrags++
				e.shortSet(e.curFrags, ((oend+1)&e.rangeMask)>>8, fhp.nh)
			}
		}
		curStart, curNh := e.shortGet(e.curFrags)
		if start > first|curStart<<8 && nh != curNh {
			e.curFrags++
			e.shortSetStart(e.curFrags, (start&e.rangeMask)>>8)
		} else if e.curFrags > 0 {
			if _, prevNh := e.shortGet(e.curFrags - 1); prevNh == nh {
				e.curFrags--
			}
		}
		e.shortSetNh(e.curFrags, nh)
		e.heapInject(start, end, preflen, nh)
	}

	return nil
}

// dxrWalkLong is the long-format counterpart of dxrWalkShort; it has no
// format constraints beyond the fragment budget of a chunk.
func (e *Engine) dxrWalkLong(chunk, start, end uint32, preflen int, nh uint32) error {
	first := chunk << e.rangeShift
	last := first | e.rangeMask

	if start > last {
		return errWalkStop
	}
	if start < first {
		return nil
	}

	fhp := &e.heap[e.heapIndex]
	switch {
	case start == fhp.start:
		e.heapInject(start, end, preflen, nh)
	case start < fhp.start:
		panic("dxr: range walk went backwards")
	default:
		for start > fhp.end {
			oend := fhp.end
			if e.heapIndex > 0 {
				e.heapIndex--
			} else {
				e.initHeap(oend + 1)
			}
			fhp = &e.heap[e.heapIndex]
			if _, curNh := e.longGet(e.curFrags); fhp.end > oend && fhp.nh != curNh {
				if e.curFrags >= fragMax-1 {
					panic("dxr: chunk fragment budget exceeded")
				}
				e.curFrags++
				e.longSet(e.curFrags, (oend+1)&e.rangeMask, fhp.nh)
			}
		}
		curStart, curNh := e.longGet(e.curFrags)
		if start > first|curStart && nh != curNh {
			if e.curFrags >= fragMax-1 {
				panic("dxr: chunk fragment budget exceeded")
			}
			e.curFrags++
			e.longSetStart(e.curFrags, start&e.rangeMask)
		} else if e.curFrags > 0 {
			if _, prevNh := e.longGet(e.curFrags - 1); prevNh == nh {
				e.curFrags--
			}
		}
		e.longSetNh(e.curFrags, nh)
		e.heapInject(start, end, preflen, nh)
	}

	return nil
}

// updateChunk re-expands one /K chunk. The expansion starts optimistically
// in short format when the covering next-hop permits it and restarts in
// long format on the first constraint violation.
func (e *Engine) updateChunk(chunk uint32) {
	if descFrags(e.directTbl[chunk]) != fragMax {
		e.chunkUnref(chunk)
	}

	e.curBase = e.rangeTblFree
	e.curFrags = 0
	first := chunk << e.rangeShift
	last := first | e.rangeMask

	e.initHeap(first)
	if e.heap[0].nh > 0xff {
		e.updateChunkLong(chunk)
		return
	}
	e.shortSet(0, 0, e.heap[0].nh)

	err := e.tbl.WalkRange4(first, e.directBits, func(start, end uint32, preflen int, nh uint32) error {
		return e.dxrWalkShort(chunk, start, end, preflen, nh)
	})
	if err == errLongFormat {
		e.updateChunkLong(chunk)
		return
	}
	if err != nil && err != errWalkStop {
		panic(fmt.Sprintf("dxr: range walk failed: %v", err))
	}

	// Drain stack entries still inside the chunk.
	for e.heap[e.heapIndex].preflen > e.directBits {
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
		if _, curNh := e.shortGet(e.curFrags); fhp.end > oend && fhp.nh != curNh {
			if fhp.nh > 0xff {
				e.updateChunkLong(chunk)
				return
			}
			e.curFrags++
			e.shortSet(e.curFrags, ((oend+1)&e.rangeMask)>>8, fhp.nh)
		}
	}

	if e.curFrags > 0 {
		if e.curFrags&1 == 0 {
			// Odd number of fragments: duplicate the last entry so
			// the chunk occupies whole 32-bit words.
			s, n := e.shortGet(e.curFrags)
			e.curFrags++
			e.shortSet(e.curFrags, s, n)
		}
		e.chunksShort++
		e.fragmentsShort += int(e.curFrags) + 1
		e.directTbl[chunk] = makeDesc(e.curFrags>>1, false, e.curBase)
		e.rangeTblFree += e.curFrags>>1 + 1
		if e.rangeTblFree > baseMax {
			panic("dxr: range table exhausted")
		}
		e.chunkRef(chunk)
	} else {
		// Single fragment: the next-hop folds into the descriptor
		// itself and no chunk is stored.
		_, nh := e.shortGet(0)
		e.directTbl[chunk] = makeDesc(fragMax, false, nh)
	}

	e.sched.Clear(chunk)
}

func (e *Engine) updateChunkLong(chunk uint32) {
	e.curBase = e.rangeTblFree
	e.curFrags = 0
	first := chunk << e.rangeShift
	last := first | e.rangeMask

	e.initHeap(first)
	e.longSet(0, 0, e.heap[0].nh)

	err := e.tbl.WalkRange4(first, e.directBits, func(start, end uint32, preflen int, nh uint32) error {
		return e.dxrWalkLong(chunk, start, end, preflen, nh)
	})
	if err != nil && err != errWalkStop {
		panic(fmt.Sprintf("dxr: range walk failed: %v", err))
	}

	for e.heap[e.heapIndex].preflen > e.directBits {
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
		if _, curNh := e.longGet(e.curFrags); fhp.end > oend && fhp.nh != curNh {
			if e.curFrags >= fragMax {
				panic("dxr: chunk fragment budget exceeded")
			}
			e.curFrags++
			e.longSet(e.curFrags, (oend+1)&e.rangeMask, fhp.nh)
		}
	}

	if e.curFrags > 0 {
		e.chunksLong++
		e.fragmentsLong += int(e.curFrags) + 1
		e.directTbl[chunk] = makeDesc(e.curFrags, true, e.curBase)
		e.rangeTblFree += e.curFrags + 1
		if e.rangeTblFree > baseMax {
			panic("dxr: range table exhausted")
		}
		e.chunkRef(chunk)
	} else {
		_, nh := e.longGet(0)
		e.directTbl[chunk] = makeDesc(fragMax, true, nh)
	}

	e.sched.Clear(chunk)
}

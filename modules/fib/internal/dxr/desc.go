package dxr

import (
	"encoding/binary"
	"slices"

	"github.com/zeebo/xxh3"
)

// chunkDesc describes one stored run of range-table entries. Descriptors
// are members of two intrusive lists: the all-chunks list ordered by
// descending base from its head, and either a hash-bucket list (live) or
// the free list sorted by ascending base (unused). The prev links point at
// the pointer that leads here, BSD queue style, so removal needs no list
// head.
type chunkDesc struct {
	allNext *chunkDesc
	allPrev **chunkDesc
	lnkNext *chunkDesc
	lnkPrev **chunkDesc

	hash       uint32
	refcount   uint32
	base       uint32
	curSize    uint32
	maxSize    uint32
	chunkFirst int32
}

// chunkPtr ties a direct-table chunk to its descriptor and to the next
// chunk sharing it.
type chunkPtr struct {
	cdp  *chunkDesc
	next int32
}

func lnkInsertHead(head **chunkDesc, d *chunkDesc) {
	d.lnkNext = *head
	if *head != nil {
		(*head).lnkPrev = &d.lnkNext
	}
	*head = d
	d.lnkPrev = head
}

func lnkInsertAfter(ref, d *chunkDesc) {
	d.lnkNext = ref.lnkNext
	if ref.lnkNext != nil {
		ref.lnkNext.lnkPrev = &d.lnkNext
	}
	ref.lnkNext = d
	d.lnkPrev = &ref.lnkNext
}

func lnkInsertBefore(ref, d *chunkDesc) {
	d.lnkPrev = ref.lnkPrev
	d.lnkNext = ref
	*d.lnkPrev = d
	ref.lnkPrev = &d.lnkNext
}

func lnkRemove(d *chunkDesc) {
	if d.lnkNext != nil {
		d.lnkNext.lnkPrev = d.lnkPrev
	}
	*d.lnkPrev = d.lnkNext
	d.lnkNext, d.lnkPrev = nil, nil
}

func allInsertHead(head **chunkDesc, d *chunkDesc) {
	d.allNext = *head
	if *head != nil {
		(*head).allPrev = &d.allNext
	}
	*head = d
	d.allPrev = head
}

func allInsertBefore(ref, d *chunkDesc) {
	d.allPrev = ref.allPrev
	d.allNext = ref
	*d.allPrev = d
	ref.allPrev = &d.allNext
}

func allRemove(d *chunkDesc) {
	if d.allNext != nil {
		d.allNext.allPrev = d.allPrev
	}
	*d.allPrev = d.allNext
	d.allNext, d.allPrev = nil, nil
}

// chunkHash digests the entry words of a staged chunk. Any function that
// maps equal byte sequences to equal hashes serves; the fragment count
// seeds it so chunks of different sizes split buckets early.
func (e *Engine) chunkHash(base, size uint32) uint32 {
	e.hashBuf = e.hashBuf[:0]
	for _, w := range e.rangeTbl[base : base+size] {
		e.hashBuf = binary.LittleEndian.AppendUint32(e.hashBuf, w)
	}
	h := xxh3.HashSeed(e.hashBuf, uint64(size-1))
	return uint32(h ^ h>>32)
}

// chunkRef stores the chunk staged at the tail of the range table: either
// the staging is released in favor of an existing descriptor with
// byte-identical contents, or a new descriptor is created, preferably by
// recycling the smallest sufficient free one.
func (e *Engine) chunkRef(chunk uint32) {
	desc := e.directTbl[chunk]
	long := descLong(desc)
	base := descBase(desc)
	size := descFrags(desc) + 1
	hash := e.chunkHash(base, size)

	bucket := &e.hashTbl[hash&chunkHashMask]
	for cdp := *bucket; cdp != nil; cdp = cdp.lnkNext {
		if cdp.hash != hash || cdp.curSize != size ||
			!slices.Equal(e.rangeTbl[base:base+size], e.rangeTbl[cdp.base:cdp.base+size]) {
			continue
		}
		cdp.refcount++
		e.setDescBase(chunk, cdp.base)
		if long {
			e.aggrChunksLong++
			e.aggrFragmentsLong += int(size)
			e.chunksLong--
			e.fragmentsLong -= int(size)
		} else {
			e.aggrChunksShort++
			e.aggrFragmentsShort += int(size) << 1
			e.chunksShort--
			e.fragmentsShort -= int(size) << 1
		}
		e.rangeTblFree -= size
		e.cptbl[chunk] = chunkPtr{cdp: cdp, next: cdp.chunkFirst}
		cdp.chunkFirst = int32(chunk)
		return
	}

	// No identical chunk stored; recycle the smallest sufficient free
	// descriptor, splitting off any remainder as a new free one.
	var cdp *chunkDesc
	for free := e.unusedChunks; free != nil; free = free.lnkNext {
		if free.maxSize >= size && (cdp == nil || free.maxSize < cdp.maxSize) {
			cdp = free
			if free.maxSize == size {
				break
			}
		}
	}

	if cdp != nil {
		copy(e.rangeTbl[cdp.base:cdp.base+size], e.rangeTbl[base:base+size])
		e.setDescBase(chunk, cdp.base)
		e.rangeTblFree -= size
		if cdp.maxSize > size {
			rest := &chunkDesc{
				maxSize:    cdp.maxSize - size,
				base:       cdp.base + size,
				chunkFirst: -1,
			}
			allInsertBefore(cdp, rest)
			lnkInsertAfter(cdp, rest)
			cdp.maxSize = size
		}
		lnkRemove(cdp)
	} else {
		cdp = &chunkDesc{maxSize: size, base: base}
		allInsertHead(&e.allChunks, cdp)
	}

	cdp.hash = hash
	cdp.refcount = 1
	cdp.curSize = size
	cdp.chunkFirst = int32(chunk)
	e.cptbl[chunk] = chunkPtr{cdp: cdp, next: -1}
	lnkInsertHead(bucket, cdp)
}

// chunkUnref releases one chunk's claim on its descriptor. A descriptor
// dropping to zero references moves to the free list, merging with
// adjacent free neighbors in both directions.
func (e *Engine) chunkUnref(chunk uint32) {
	cdp := e.cptbl[chunk].cdp
	if cdp == nil {
		panic("dxr: chunk_unref of an unknown chunk")
	}
	desc := e.directTbl[chunk]
	size := int(descFrags(desc) + 1)

	cdp.refcount--
	if cdp.refcount > 0 {
		if descLong(desc) {
			e.aggrFragmentsLong -= size
			e.aggrChunksLong--
		} else {
			e.aggrFragmentsShort -= size << 1
			e.aggrChunksShort--
		}
		if cdp.chunkFirst == int32(chunk) {
			cdp.chunkFirst = e.cptbl[chunk].next
		} else {
			i := cdp.chunkFirst
			for e.cptbl[i].next != int32(chunk) {
				i = e.cptbl[i].next
			}
			e.cptbl[i].next = e.cptbl[chunk].next
		}
		e.cptbl[chunk] = chunkPtr{next: -1}
		return
	}

	lnkRemove(cdp)
	cdp.chunkFirst = -1
	cdp.curSize = 0
	e.cptbl[chunk] = chunkPtr{next: -1}

	// Keep the free list sorted by ascending base.
	if e.unusedChunks == nil {
		lnkInsertHead(&e.unusedChunks, cdp)
	} else {
		for free := e.unusedChunks; ; free = free.lnkNext {
			if free.base > cdp.base {
				lnkInsertBefore(free, cdp)
				break
			}
			if free.lnkNext == nil {
				lnkInsertAfter(free, cdp)
				break
			}
		}
	}

	// Merge with the memory-adjacent free descriptor below, then above.
	if below := cdp.allNext; below != nil && below.lnkNext == cdp {
		lnkRemove(cdp)
		allRemove(cdp)
		below.maxSize += cdp.maxSize
		cdp = below
	}
	if above := cdp.lnkNext; above != nil && above.allNext == cdp {
		lnkRemove(above)
		allRemove(above)
		cdp.maxSize += above.maxSize
	}

	if descLong(desc) {
		e.chunksLong--
		e.fragmentsLong -= size
	} else {
		e.chunksShort--
		e.fragmentsShort -= size << 1
	}
}

// pruneEmptyChunks compacts the range table by shifting the entries of
// every descriptor above a freed gap downwards and deleting the free
// descriptor, until no free descriptors remain.
func (e *Engine) pruneEmptyChunks() {
	for free := e.unusedChunks; free != nil; free = e.unusedChunks {
		from := free.base + free.maxSize
		to := free.base
		var length uint32

		stop := free.lnkNext
		if stop != nil {
			// More free chunks above: shift only up to the next
			// one and grow it over the reclaimed gap.
			length = stop.base - from
			stop.maxSize += free.maxSize
		} else {
			stop = e.allChunks
			if free != stop {
				// Single free chunk below live ones: shift
				// everything above it down.
				length = e.rangeTblFree - from
				e.rangeTblFree -= free.maxSize
			} else {
				// Free chunk sits at the top of the heap.
				e.rangeTblFree -= free.maxSize
				allRemove(free)
				lnkRemove(free)
				break
			}
		}

		copy(e.rangeTbl[to:to+length], e.rangeTbl[from:from+length])

		// Rebase every descriptor between the gap and the stop point,
		// and every direct-table entry resolving through it.
		for cdp := stop; ; cdp = cdp.allNext {
			cdp.base -= free.maxSize
			for c := cdp.chunkFirst; c >= 0; c = e.cptbl[c].next {
				if descFrags(e.directTbl[c]) != fragMax {
					e.setDescBase(uint32(c), descBase(e.directTbl[c])-free.maxSize)
				}
			}
			if cdp.allNext == free {
				break
			}
		}

		allRemove(free)
		lnkRemove(free)
	}
}

// Package dxr implements the DXR lookup engine: the routing table is
// expanded into a direct table of 2^K descriptors plus per-chunk sorted
// range arrays searched by binary search, typically costing a few bytes
// per prefix so the whole structure lives in the CPU cache hierarchy.
//
// Chunks with identical contents are interned: their descriptors are
// hashed and shared, and freed range-table space is merged and compacted
// after every update batch.
package dxr

import (
	"errors"
	"fmt"
	"net/netip"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/c2h5oh/datasize"
	"go.uber.org/zap"

	"github.com/fwdplane/fibd/common/go/xnetip"
	"github.com/fwdplane/fibd/modules/fib/internal/deferred"
	"github.com/fwdplane/fibd/modules/fib/internal/rib"
)

const (
	// DefaultDirectBits is the K of the D20R sweet-spot configuration.
	DefaultDirectBits = 20

	descBaseBits  = 19
	baseMax       = uint32(1)<<descBaseBits - 1
	fragBits      = 31 - descBaseBits
	longFormatBit = uint32(1) << fragBits
	fragMax       = longFormatBit - 1

	chunkHashBits = 16
	chunkHashSize = 1 << chunkHashBits
	chunkHashMask = chunkHashSize - 1
)

var (
	errWalkStop   = errors.New("walk done")
	errLongFormat = errors.New("short chunk format overflow")
)

type heapEntry struct {
	start   uint32
	end     uint32
	preflen int
	nh      uint32
}

// Direct-table descriptor packing: fragments in the low bits, one format
// bit, base in the high bits. A descriptor whose fragments field reads
// fragMax carries the next-hop handle directly in base.

func makeDesc(frags uint32, long bool, base uint32) uint32 {
	w := base<<(32-descBaseBits) | frags
	if long {
		w |= longFormatBit
	}
	return w
}

func descFrags(w uint32) uint32 { return w & fragMax }
func descLong(w uint32) bool    { return w&longFormatBit != 0 }
func descBase(w uint32) uint32  { return w >> (32 - descBaseBits) }

func (e *Engine) setDescBase(chunk, base uint32) {
	w := e.directTbl[chunk]
	e.directTbl[chunk] = makeDesc(descFrags(w), descLong(w), base)
}

// Engine is a DXR lookup engine over a route table.
type Engine struct {
	mu    sync.RWMutex
	tbl   *rib.Table
	sched *deferred.Scheduler
	clk   clock.Clock
	log   *zap.SugaredLogger

	directBits int
	rangeShift uint
	rangeMask  uint32

	directTbl    []uint32
	rangeTbl     []uint32
	rangeTblFree uint32

	cptbl        []chunkPtr
	hashTbl      []*chunkDesc
	allChunks    *chunkDesc
	unusedChunks *chunkDesc

	// Chunk-expansion scratch state, valid only inside updateChunk.
	heap      [33]heapEntry
	heapIndex int
	curBase   uint32
	curFrags  uint32
	hashBuf   []byte

	chunksShort        int
	chunksLong         int
	fragmentsShort     int
	fragmentsLong      int
	aggrChunksShort    int
	aggrChunksLong     int
	aggrFragmentsShort int
	aggrFragmentsLong  int

	lastUpdate time.Duration
}

// New constructs an engine with 2^directBits direct-table chunks over the
// given table. The packed field widths bound directBits to [16, 24].
func New(tbl *rib.Table, directBits int, delay time.Duration, clk clock.Clock, log *zap.SugaredLogger) (*Engine, error) {
	if directBits < 16 || directBits > 24 {
		return nil, fmt.Errorf("direct bits %d out of range [16, 24]", directBits)
	}

	size := uint32(1) << directBits
	e := &Engine{
		tbl:        tbl,
		clk:        clk,
		log:        log,
		directBits: directBits,
		rangeShift: uint(32 - directBits),
		rangeMask:  0xffffffff >> directBits,
		directTbl:  make([]uint32, size),
		rangeTbl:   make([]uint32, baseMax+1),
		cptbl:      make([]chunkPtr, size),
		hashTbl:    make([]*chunkDesc, chunkHashSize),
	}
	for i := range e.directTbl {
		e.directTbl[i] = makeDesc(fragMax, false, 0)
	}
	e.sched = deferred.New(size, delay, clk, e.onTimer)
	return e, nil
}

// Initialize attaches the deferred-update timer and synchronously applies
// updates accumulated during construction.
func (e *Engine) Initialize() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.sched.Initialize() {
		e.applyPending()
	}
}

// Close cancels the update timer. The engine must not be used afterwards.
func (e *Engine) Close() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.sched.Stop()
}

func (e *Engine) onTimer() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.sched.Pending() > 0 {
		e.applyPending()
	}
}

func (e *Engine) applyPending() {
	began := e.clk.Now()
	e.sched.Drain(e.updateChunk)
	e.pruneEmptyChunks()
	e.lastUpdate = e.clk.Now().Sub(began)
}

// AddRoute delegates to the route table and marks the affected chunks.
func (e *Engine) AddRoute(r rib.Route, set bool) (*rib.Route, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	old, err := e.tbl.AddRoute(r, set)
	if err != nil {
		return nil, err
	}
	e.scheduleUpdate(r.Prefix)
	return old, nil
}

// RemoveRoute delegates to the route table and marks the affected chunks.
func (e *Engine) RemoveRoute(prefix netip.Prefix) (*rib.Route, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	old, err := e.tbl.RemoveRoute(prefix)
	if err != nil {
		return nil, err
	}
	e.scheduleUpdate(prefix)
	return old, nil
}

func (e *Engine) scheduleUpdate(prefix netip.Prefix) {
	if !prefix.Addr().Is4() || prefix.Bits() == 0 {
		return
	}
	start, end := xnetip.Range4(prefix)
	e.sched.Mark(start>>e.rangeShift, end>>e.rangeShift)
}

// LookupRoute resolves a destination via the expanded tables; IPv6 falls
// through to the radix backend.
func (e *Engine) LookupRoute(addr netip.Addr) (int32, netip.Addr) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if addr.Is4In6() {
		addr = addr.Unmap()
	}
	if !addr.Is4() {
		return e.tbl.LookupRoute(addr)
	}
	gw, port := e.tbl.Resolve(e.lookupHandle(xnetip.AddrToUint32(addr)))
	return port, gw
}

// lookupHandle performs the two-stage DXR lookup: a direct-table probe
// followed, for multi-fragment chunks, by a binary search for the last
// range entry starting at or before the masked destination.
func (e *Engine) lookupHandle(dst uint32) uint32 {
	w := e.directTbl[dst>>e.rangeShift]
	nh := descBase(w)
	if descFrags(w) == fragMax {
		return nh
	}

	masked := dst & e.rangeMask
	if descLong(w) {
		base := nh
		lo, hi := uint32(0), descFrags(w)
		for lo < hi {
			mid := (lo + hi + 1) / 2
			if start, _ := longEntry(e.rangeTbl[base+mid]); start <= masked {
				lo = mid
			} else {
				hi = mid - 1
			}
		}
		_, out := longEntry(e.rangeTbl[base+lo])
		return out
	}

	masked >>= 8
	base := nh
	lo, hi := uint32(0), descFrags(w)*2+1
	for lo < hi {
		mid := (lo + hi + 1) / 2
		if start, _ := shortEntryAt(e.rangeTbl, base, mid); start <= masked {
			lo = mid
		} else {
			hi = mid - 1
		}
	}
	_, out := shortEntryAt(e.rangeTbl, base, lo)
	return out
}

// Long-format range entries hold a 16-bit chunk-relative start and a
// 16-bit next-hop handle in one 32-bit word; short-format entries pack two
// (start, nexthop) byte pairs per word.

func makeLong(start, nh uint32) uint32 { return start<<16 | nh }

func longEntry(w uint32) (start, nh uint32) { return w >> 16, w & 0xffff }

func shortEntryAt(tbl []uint32, base, i uint32) (start, nh uint32) {
	h := tbl[base+i/2] >> (16 * (i & 1))
	return (h >> 8) & 0xff, h & 0xff
}

// Staging accessors address the chunk being rebuilt, relative to its base.

func (e *Engine) longGet(i uint32) (start, nh uint32) {
	return longEntry(e.rangeTbl[e.curBase+i])
}

func (e *Engine) longSet(i, start, nh uint32) {
	e.rangeTbl[e.curBase+i] = makeLong(start, nh)
}

func (e *Engine) longSetStart(i, start uint32) {
	_, nh := e.longGet(i)
	e.longSet(i, start, nh)
}

func (e *Engine) longSetNh(i, nh uint32) {
	start, _ := e.longGet(i)
	e.longSet(i, start, nh)
}

func (e *Engine) shortGet(i uint32) (start, nh uint32) {
	return shortEntryAt(e.rangeTbl, e.curBase, i)
}

func (e *Engine) shortSet(i, start, nh uint32) {
	shift := 16 * (i & 1)
	w := &e.rangeTbl[e.curBase+i/2]
	*w = *w&^(0xffff<<shift) | (start<<8|nh)<<shift
}

func (e *Engine) shortSetStart(i, start uint32) {
	_, nh := e.shortGet(i)
	e.shortSet(i, start, nh)
}

func (e *Engine) shortSetNh(i, nh uint32) {
	start, _ := e.shortGet(i)
	e.shortSet(i, start, nh)
}

// DumpRoutes renders the authoritative table.
func (e *Engine) DumpRoutes() string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.tbl.Dump()
}

// Flush removes every route and rebuilds the expanded tables from the now
// empty trie, verifying that no chunk or fragment accounting survives.
func (e *Engine) Flush() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.tbl.Flush()
	if n := e.tbl.NexthopCount(); n != 0 {
		panic(fmt.Sprintf("dxr: %d nexthops survived flush", n))
	}
	e.sched.MarkAll()
	e.applyPending()
	if e.chunksShort != 0 || e.chunksLong != 0 ||
		e.fragmentsShort != 0 || e.fragmentsLong != 0 || e.rangeTblFree != 0 {
		panic("dxr: flush left chunk accounting residue")
	}
}

// PrefixCount returns the number of stored prefixes.
func (e *Engine) PrefixCount() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.tbl.PrefixCount()
}

// NexthopCount returns the number of live next-hop slots.
func (e *Engine) NexthopCount() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.tbl.NexthopCount()
}

// LastUpdate returns the duration of the most recent batch expansion.
func (e *Engine) LastUpdate() time.Duration {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.lastUpdate
}

// RangeEntriesUsed returns the number of occupied range-table words.
func (e *Engine) RangeEntriesUsed() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return int(e.rangeTblFree)
}

// Status renders a human-readable report on the expanded tables.
func (e *Engine) Status() string {
	e.mu.RLock()
	defer e.mu.RUnlock()

	directSize := uint32(1) << e.directBits
	directBytes := uint64(4) * uint64(directSize)
	rangeBytes := uint64(4) * uint64(e.rangeTblFree)

	maxChunk := uint32(0)
	for cdp := e.allChunks; cdp != nil; cdp = cdp.allNext {
		if cdp.curSize > maxChunk {
			maxChunk = cdp.curSize
		}
	}
	directHits := 0
	for _, w := range e.directTbl {
		if descFrags(w) == fragMax {
			directHits++
		}
	}

	var sb []byte
	sb = fmt.Appendf(sb, "D%dR: %d prefixes, %d unique nexthops\n",
		e.directBits, e.tbl.PrefixCount(), e.tbl.NexthopCount())
	sb = fmt.Appendf(sb, "Lookup tables: %s direct, %s range",
		datasize.ByteSize(directBytes).HumanReadable(),
		datasize.ByteSize(rangeBytes).HumanReadable())
	if cnt := e.tbl.PrefixCount(); cnt > 0 {
		sb = fmt.Appendf(sb, " (%.1f bytes/prefix)\n", float64(directBytes+rangeBytes)/float64(cnt))
	} else {
		sb = fmt.Appendf(sb, "\n")
	}
	sb = fmt.Appendf(sb, "Direct table resolves %.1f%% of IPv4 address space\n",
		100*float64(directHits)/float64(directSize))
	sb = fmt.Appendf(sb, "Longest range chunk contains %d fragments\n", maxChunk)
	sb = fmt.Appendf(sb, "Physical chunks: %d short, %d long\n", e.chunksShort, e.chunksLong)
	sb = fmt.Appendf(sb, "Physical fragments: %d short, %d long\n", e.fragmentsShort, e.fragmentsLong)
	sb = fmt.Appendf(sb, "Aggregated chunks: %d short, %d long\n",
		e.aggrChunksShort+e.chunksShort, e.aggrChunksLong+e.chunksLong)
	sb = fmt.Appendf(sb, "Aggregated fragments: %d short, %d long\n",
		e.aggrFragmentsShort+e.fragmentsShort, e.aggrFragmentsLong+e.fragmentsLong)
	sb = fmt.Appendf(sb, "Last update duration: %s\n", e.lastUpdate)
	return string(sb)
}

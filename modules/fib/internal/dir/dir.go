// Package dir implements the DIR-24-8-BASIC lookup engine: route lookup in
// one to at most two memory accesses, traded against a 32 MiB primary table
// and deferred chunk recomputation on updates.
//
// The primary table holds one 16-bit entry per /24. An entry with the high
// bit set directly encodes a next-hop handle (stored as handle ^ 0xffff);
// otherwise it indexes a 256-entry secondary block holding one handle per
// address. Chunks of /16 are re-expanded from the radix table after a quiet
// interval, walking the covered range with a prefix-length priority stack
// to produce maximal fragments of identical next-hop.
package dir

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
	chunkShift   = 16 // one chunk per /16
	chunkPreflen = 32 - chunkShift
	chunkMask    = uint32(1)<<chunkShift - 1
	chunks       = uint32(1) << (32 - chunkShift)

	secondaryBits   = 8
	secondaryMask   = uint32(1)<<secondaryBits - 1
	primarySize     = 1 << 24
	secondaryBlocks = 1 << 15
	secondarySize   = secondaryBlocks << secondaryBits

	// directBit tags primary entries that encode a handle directly.
	directBit = 0x8000
)

// errWalkStop aborts a range walk that ran past the chunk boundary.
var errWalkStop = errors.New("walk done")

type heapEntry struct {
	start   uint32
	end     uint32
	preflen int
	nh      uint32
}

type rangeEntry struct {
	start uint32
	nh    uint32
}

// Engine is a DIR-24-8 lookup engine over a route table.
type Engine struct {
	mu    sync.RWMutex
	tbl   *rib.Table
	sched *deferred.Scheduler
	clk   clock.Clock
	log   *zap.SugaredLogger

	primary           []uint16
	secondary         []uint16
	secondaryUsed     int
	secondaryFreeHead uint16

	// Chunk-expansion scratch state, valid only inside updateChunk.
	heap       [33]heapEntry
	heapIndex  int
	rangeBuf   []rangeEntry
	rangeFrags int

	lastUpdate time.Duration
}

// New constructs an engine over the given table. Updates are batched for
// the given quiet interval once Initialize attaches the timer source.
func New(tbl *rib.Table, delay time.Duration, clk clock.Clock, log *zap.SugaredLogger) *Engine {
	e := &Engine{
		tbl:      tbl,
		clk:      clk,
		log:      log,
		primary:  make([]uint16, primarySize),
		rangeBuf: make([]rangeEntry, chunkMask+2),
	}
	e.sched = deferred.New(chunks, delay, clk, e.onTimer)
	e.resetTables()
	return e
}

func (e *Engine) resetTables() {
	for i := range e.primary {
		e.primary[i] = 0xffff
	}
	if e.secondary == nil {
		e.secondary = make([]uint16, secondarySize)
	}
	// Chain all secondary blocks into the free list via their first slot.
	for i := 0; i < secondaryBlocks; i++ {
		e.secondary[i<<secondaryBits] = uint16(i + 1)
	}
	e.secondaryFreeHead = 0
	e.secondaryUsed = 0
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

// scheduleUpdate marks every /16 chunk the prefix overlaps. A default-route
// change needs no expansion: the lookup path resolves handle 0 through
// next-hop slot 0 on its own.
func (e *Engine) scheduleUpdate(prefix netip.Prefix) {
	if !prefix.Addr().Is4() || prefix.Bits() == 0 {
		return
	}
	start, end := xnetip.Range4(prefix)
	e.sched.Mark(start>>chunkShift, end>>chunkShift)
}

func (e *Engine) applyPending() {
	began := e.clk.Now()
	e.sched.Drain(e.updateChunk)
	e.lastUpdate = e.clk.Now().Sub(began)
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

func (e *Engine) lookupHandle(dst uint32) uint32 {
	pri := e.primary[dst>>secondaryBits]
	if pri&directBit != 0 {
		return uint32(pri ^ 0xffff)
	}
	return uint32(e.secondary[uint32(pri)<<secondaryBits+(dst&secondaryMask)])
}

// DumpRoutes renders the authoritative table.
func (e *Engine) DumpRoutes() string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.tbl.Dump()
}

// Flush removes every route and resets the expanded tables to their
// all-default fill.
func (e *Engine) Flush() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.tbl.Flush()
	if n := e.tbl.NexthopCount(); n != 0 {
		panic(fmt.Sprintf("dir: %d nexthops survived flush", n))
	}
	e.resetTables()
	e.sched.Reset()
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

// Status renders a human-readable report on the expanded tables.
func (e *Engine) Status() string {
	e.mu.RLock()
	defer e.mu.RUnlock()

	directBytes := uint64(2 * primarySize)
	secondaryBytes := uint64(2) << secondaryBits * uint64(e.secondaryUsed)
	directHits := 0
	for _, pri := range e.primary {
		if pri&directBit != 0 {
			directHits++
		}
	}

	var sb []byte
	sb = fmt.Appendf(sb, "DIR-%d-%d: %d prefixes, %d unique nexthops\n",
		32-secondaryBits, secondaryBits, e.tbl.PrefixCount(), e.tbl.NexthopCount())
	sb = fmt.Appendf(sb, "Lookup tables: %s direct, %s secondary",
		datasize.ByteSize(directBytes).HumanReadable(),
		datasize.ByteSize(secondaryBytes).HumanReadable())
	if cnt := e.tbl.PrefixCount(); cnt > 0 {
		sb = fmt.Appendf(sb, " (%.1f bytes/prefix)\n", float64(directBytes+secondaryBytes)/float64(cnt))
	} else {
		sb = fmt.Appendf(sb, "\n")
	}
	sb = fmt.Appendf(sb, "Secondary table utilization: %.1f%% (%d / %d)\n",
		100*float64(e.secondaryUsed)/float64(secondaryBlocks), e.secondaryUsed, secondaryBlocks)
	sb = fmt.Appendf(sb, "Direct table resolves %.1f%% of IPv4 address space\n",
		100*float64(directHits)/float64(primarySize))
	sb = fmt.Appendf(sb, "Last update duration: %s\n", e.lastUpdate)
	return string(sb)
}

// LastUpdate returns the duration of the most recent batch expansion.
func (e *Engine) LastUpdate() time.Duration {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.lastUpdate
}

// SecondaryUsed returns the number of allocated secondary blocks.
func (e *Engine) SecondaryUsed() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.secondaryUsed
}

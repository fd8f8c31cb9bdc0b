package fib

import (
	"net/netip"
	"sync"
	"time"

	"github.com/fwdplane/fibd/modules/fib/internal/rib"
)

// Engine is the lookup surface shared by the three co-designed engines:
// the radix backend alone, DIR-24-8 and DXR. The accelerated engines keep
// the radix table authoritative and answer IPv4 lookups from their
// expanded structures.
type Engine interface {
	// AddRoute adds a route; with set it replaces an existing one and
	// returns it.
	AddRoute(r rib.Route, set bool) (*rib.Route, error)
	// RemoveRoute deletes a prefix and returns the removed route.
	RemoveRoute(prefix netip.Prefix) (*rib.Route, error)
	// LookupRoute longest-prefix matches a destination. Port -1 denotes
	// discard.
	LookupRoute(addr netip.Addr) (int32, netip.Addr)
	// DumpRoutes renders the table, one "addr/len\tgw\tport" line per
	// route in trie key order.
	DumpRoutes() string
	// Flush removes all routes atomically.
	Flush()
	// Initialize attaches the deferred-update timer source and drains
	// updates accumulated during construction.
	Initialize()
	// Close cancels any pending deferred work.
	Close()
	// Status renders a human-readable database report.
	Status() string

	PrefixCount() int
	NexthopCount() int
	LastUpdate() time.Duration
}

// radixEngine serves lookups straight from the radix table, with no
// expansion step; updates are visible immediately.
type radixEngine struct {
	mu  sync.RWMutex
	tbl *rib.Table
}

func newRadixEngine(tbl *rib.Table) *radixEngine {
	return &radixEngine{tbl: tbl}
}

func (e *radixEngine) AddRoute(r rib.Route, set bool) (*rib.Route, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.tbl.AddRoute(r, set)
}

func (e *radixEngine) RemoveRoute(prefix netip.Prefix) (*rib.Route, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.tbl.RemoveRoute(prefix)
}

func (e *radixEngine) LookupRoute(addr netip.Addr) (int32, netip.Addr) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.tbl.LookupRoute(addr)
}

func (e *radixEngine) DumpRoutes() string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.tbl.Dump()
}

func (e *radixEngine) Flush() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.tbl.Flush()
}

func (e *radixEngine) Initialize() {}
func (e *radixEngine) Close()      {}

func (e *radixEngine) Status() string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return "radix: " + e.tbl.Status()
}

func (e *radixEngine) PrefixCount() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.tbl.PrefixCount()
}

func (e *radixEngine) NexthopCount() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.tbl.NexthopCount()
}

func (e *radixEngine) LastUpdate() time.Duration {
	return 0
}

// Package nexthop implements the interned next-hop table shared by the
// lookup engines.
//
// Every distinct (gateway, output port) pair is stored once and addressed by
// a small integer handle. Handle 0 is permanently reserved for the default
// route and is never refcounted.
package nexthop

import (
	"errors"
	"net/netip"
)

// SlotsMax bounds the number of next-hop slots, and therefore the handle
// space the lookup engines have to encode.
const SlotsMax = 8192

// ErrTableFull is returned when all next-hop slots are in use.
var ErrTableFull = errors.New("nexthop table full")

const nilSlot = int16(-1)

// Entry is a single next-hop record.
type Entry struct {
	GW   netip.Addr
	Port int32

	refcount int32
	next     int16
	prev     int16
}

// Table interns (gateway, port) pairs into refcounted slots.
//
// Live slots form an intrusive doubly-linked list and recycled slots a
// singly-linked free list (through next only) over the same backing array,
// so releasing and reusing a slot is O(1). Lookups by
// content scan the live list: the number of distinct next-hops is small
// compared to the number of prefixes referencing them.
type Table struct {
	slots     []Entry
	liveHead  int16
	emptyHead int16
	live      int
}

// New constructs a table with slot 0 initialized to the discard default.
func New() *Table {
	t := &Table{
		slots:     make([]Entry, 1, 256),
		liveHead:  nilSlot,
		emptyHead: nilSlot,
	}
	// Slot 0 always holds the default route and is never referenced.
	t.slots[0] = Entry{Port: -1}
	return t
}

// Ref returns a handle for the given (gateway, port) pair, interning a new
// slot if no live slot matches. Slot 0 is never returned.
func (t *Table) Ref(gw netip.Addr, port int32) (uint32, error) {
	for i := t.liveHead; i != nilSlot; i = t.slots[i].next {
		if t.slots[i].GW == gw && t.slots[i].Port == port {
			t.slots[i].refcount++
			return uint32(i), nil
		}
	}

	var idx int16
	if t.emptyHead != nilSlot {
		idx = t.emptyHead
		t.emptyHead = t.slots[idx].next
	} else {
		if len(t.slots) >= SlotsMax {
			return 0, ErrTableFull
		}
		idx = int16(len(t.slots))
		t.slots = append(t.slots, Entry{})
	}
	t.live++

	t.slots[idx] = Entry{
		GW:       gw,
		Port:     port,
		refcount: 1,
		prev:     nilSlot,
		next:     t.liveHead,
	}
	if t.liveHead != nilSlot {
		t.slots[t.liveHead].prev = idx
	}
	t.liveHead = idx

	return uint32(idx), nil
}

// Unref drops one reference from the slot and returns the remaining
// refcount. A slot reaching zero is unlinked from the live list and made
// available for recycling.
func (t *Table) Unref(handle uint32) int32 {
	idx := int16(handle)
	t.slots[idx].refcount--
	refc := t.slots[idx].refcount
	if refc > 0 {
		return refc
	}

	t.slots[idx].Port = -1

	prev, next := t.slots[idx].prev, t.slots[idx].next
	if prev != nilSlot {
		t.slots[prev].next = next
	} else {
		t.liveHead = next
	}
	if next != nilSlot {
		t.slots[next].prev = prev
	}

	t.slots[idx].next = t.emptyHead
	t.emptyHead = idx
	t.live--

	return refc
}

// Resolve returns the (gateway, port) pair behind a handle.
func (t *Table) Resolve(handle uint32) (netip.Addr, int32) {
	e := &t.slots[handle]
	return e.GW, e.Port
}

// SetDefault rewrites slot 0. The default route bypasses refcounting.
func (t *Table) SetDefault(gw netip.Addr, port int32) {
	t.slots[0].GW = gw
	t.slots[0].Port = port
}

// ClearDefault resets slot 0 to discard.
func (t *Table) ClearDefault() {
	t.slots[0] = Entry{Port: -1}
}

// Count returns the number of live (non-default) next-hop slots.
func (t *Table) Count() int {
	return t.live
}

// Refcount returns the current reference count of a slot. It exists for
// accounting checks; slot 0 always reports zero.
func (t *Table) Refcount(handle uint32) int32 {
	return t.slots[handle].refcount
}

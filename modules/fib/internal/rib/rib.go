// Package rib implements the authoritative route table: a pair of PATRICIA
// tries (IPv4, IPv6) over an interned next-hop table.
//
// The table is the control plane the accelerated lookup engines re-expand
// from; it is optimized for updates and consistent ordered walks rather
// than per-packet lookup speed.
package rib

import (
	"encoding/binary"
	"errors"
	"fmt"
	"net/netip"

	"go.uber.org/zap"

	"github.com/fwdplane/fibd/modules/fib/internal/nexthop"
	"github.com/fwdplane/fibd/modules/fib/internal/radix"
)

var (
	// ErrExists is returned by AddRoute without the set flag when the
	// prefix is already present.
	ErrExists = errors.New("route already exists")
	// ErrNotFound is returned by RemoveRoute for an absent prefix.
	ErrNotFound = errors.New("route not found")
	// ErrInvalidArgument is returned for malformed routes.
	ErrInvalidArgument = errors.New("invalid argument")
)

// Route is a single routing table entry. A zero GW means the route has no
// gateway. Port -1 denotes discard and is only ever reported, never added.
type Route struct {
	Prefix netip.Prefix
	GW     netip.Addr
	Port   int32
}

func (r Route) String() string {
	if r.GW.IsValid() {
		return fmt.Sprintf("%s via %s port %d", r.Prefix, r.GW, r.Port)
	}
	return fmt.Sprintf("%s port %d", r.Prefix, r.Port)
}

// Table is the route table façade over the radix tries and the next-hop
// table.
//
// The table performs no locking of its own: the spec's scheduling model is
// single-threaded per instance, and the enclosing engine serializes access.
type Table struct {
	v4       *radix.Tree[uint32]
	v6       *radix.Tree[uint32]
	nexthops *nexthop.Table

	prefixCnt int
	log       *zap.SugaredLogger
}

// NewTable constructs an empty table.
func NewTable(log *zap.SugaredLogger) *Table {
	return &Table{
		v4:       radix.New[uint32](4),
		v6:       radix.New[uint32](16),
		nexthops: nexthop.New(),
		log:      log,
	}
}

func (t *Table) treeFor(addr netip.Addr) *radix.Tree[uint32] {
	if addr.Is4() {
		return t.v4
	}
	return t.v6
}

func keyOf(prefix netip.Prefix) []byte {
	addr := prefix.Masked().Addr()
	if addr.Is4() {
		b := addr.As4()
		return b[:]
	}
	b := addr.As16()
	return b[:]
}

// isV4Default reports whether the prefix is the IPv4 default route, which
// lives in next-hop slot 0 rather than behind an interned handle. The IPv6
// default route is an ordinary trie leaf: slot 0 exists for the IPv4
// accelerators, which resolve unannounced space to handle 0.
func isV4Default(prefix netip.Prefix) bool {
	return prefix.Addr().Is4() && prefix.Bits() == 0
}

func (t *Table) validate(r Route) error {
	if !r.Prefix.IsValid() || r.Prefix.Addr().Is4In6() {
		return fmt.Errorf("%w: bad prefix %q", ErrInvalidArgument, r.Prefix)
	}
	if r.Port < 0 {
		return fmt.Errorf("%w: negative output port %d", ErrInvalidArgument, r.Port)
	}
	if r.GW.IsValid() && r.GW.Is4() != r.Prefix.Addr().Is4() {
		return fmt.Errorf("%w: gateway %s does not match family of %s", ErrInvalidArgument, r.GW, r.Prefix)
	}
	return nil
}

// AddRoute inserts the route. With set=false a duplicate prefix fails with
// ErrExists and the table is unchanged. With set=true an existing route is
// replaced and returned.
func (t *Table) AddRoute(r Route, set bool) (*Route, error) {
	if err := t.validate(r); err != nil {
		return nil, err
	}
	r.Prefix = r.Prefix.Masked()

	tree := t.treeFor(r.Prefix.Addr())
	key := keyOf(r.Prefix)

	leaf, err := tree.Insert(key, r.Prefix.Bits(), 0)
	if err != nil {
		if !set {
			return nil, fmt.Errorf("%w: %s", ErrExists, r.Prefix)
		}
		old := t.routeFromLeaf(r.Prefix, leaf)
		if isV4Default(r.Prefix) {
			t.nexthops.SetDefault(r.GW, r.Port)
		} else {
			nh, err := t.nexthops.Ref(r.GW, r.Port)
			if err != nil {
				return nil, err
			}
			t.nexthops.Unref(leaf.Value)
			leaf.Value = nh
		}
		t.log.Debugw("replaced route", zap.Stringer("route", r), zap.Stringer("old", old))
		return &old, nil
	}

	if isV4Default(r.Prefix) {
		t.nexthops.SetDefault(r.GW, r.Port)
	} else {
		nh, err := t.nexthops.Ref(r.GW, r.Port)
		if err != nil {
			tree.Delete(key, r.Prefix.Bits())
			return nil, err
		}
		leaf.Value = nh
	}
	t.prefixCnt++
	t.log.Debugw("added route", zap.Stringer("route", r))
	return nil, nil
}

// RemoveRoute deletes the prefix and returns the removed route.
func (t *Table) RemoveRoute(prefix netip.Prefix) (*Route, error) {
	if !prefix.IsValid() || prefix.Addr().Is4In6() {
		return nil, fmt.Errorf("%w: bad prefix %q", ErrInvalidArgument, prefix)
	}
	prefix = prefix.Masked()

	tree := t.treeFor(prefix.Addr())
	leaf, err := tree.Delete(keyOf(prefix), prefix.Bits())
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, prefix)
	}

	old := t.routeFromLeaf(prefix, leaf)
	if isV4Default(prefix) {
		t.nexthops.ClearDefault()
	} else {
		t.nexthops.Unref(leaf.Value)
	}
	t.prefixCnt--
	t.log.Debugw("removed route", zap.Stringer("route", old))
	return &old, nil
}

func (t *Table) routeFromLeaf(prefix netip.Prefix, leaf *radix.Node[uint32]) Route {
	gw, port := t.nexthops.Resolve(leaf.Value)
	return Route{Prefix: prefix, GW: gw, Port: port}
}

// LookupRoute returns the output port and gateway for the destination via a
// longest-prefix match against the trie. Port -1 denotes discard.
func (t *Table) LookupRoute(addr netip.Addr) (int32, netip.Addr) {
	if addr.Is4In6() {
		addr = addr.Unmap()
	}
	if addr.Is4() {
		b := addr.As4()
		var nh uint32
		if leaf := t.v4.MatchLongest(b[:]); leaf != nil {
			nh = leaf.Value
		}
		gw, port := t.nexthops.Resolve(nh)
		return port, gw
	}

	b := addr.As16()
	leaf := t.v6.MatchLongest(b[:])
	if leaf == nil {
		return -1, netip.Addr{}
	}
	gw, port := t.nexthops.Resolve(leaf.Value)
	return port, gw
}

// Flush removes every route. Afterwards the next-hop table holds no live
// slots and the default route is discard again.
func (t *Table) Flush() {
	type victim struct {
		key  []byte
		bits int
		v4   bool
	}
	var victims []victim

	collect := func(v4 bool) func(*radix.Node[uint32]) error {
		return func(leaf *radix.Node[uint32]) error {
			victims = append(victims, victim{key: leaf.Key(), bits: leaf.Bits(), v4: v4})
			return nil
		}
	}
	t.v4.Walk(collect(true))
	t.v6.Walk(collect(false))

	for _, v := range victims {
		tree := t.v6
		if v.v4 {
			tree = t.v4
		}
		leaf, err := tree.Delete(v.key, v.bits)
		if err != nil {
			panic(fmt.Sprintf("flush: lost track of %v/%d", v.key, v.bits))
		}
		if v.v4 && v.bits == 0 {
			t.nexthops.ClearDefault()
		} else {
			t.nexthops.Unref(leaf.Value)
		}
	}
	t.prefixCnt = 0
	t.log.Debugw("flushed table", zap.Int("routes", len(victims)))
}

// PrefixCount returns the number of stored prefixes.
func (t *Table) PrefixCount() int {
	return t.prefixCnt
}

// NexthopCount returns the number of live next-hop slots.
func (t *Table) NexthopCount() int {
	return t.nexthops.Count()
}

// Resolve maps a next-hop handle to its (gateway, port) pair. Handle 0 is
// the default route.
func (t *Table) Resolve(handle uint32) (netip.Addr, int32) {
	return t.nexthops.Resolve(handle)
}

// Match4 seeds chunk expansion: it longest-matches an IPv4 destination and
// returns the covering route as a host-order range with its prefix length
// and next-hop handle.
func (t *Table) Match4(dst uint32) (start, end uint32, preflen int, nh uint32, ok bool) {
	var key [4]byte
	binary.BigEndian.PutUint32(key[:], dst)
	leaf := t.v4.MatchLongest(key[:])
	if leaf == nil {
		return 0, 0, 0, 0, false
	}
	start, end = leafRange4(leaf)
	return start, end, leaf.Bits(), leaf.Value, true
}

// WalkRange4 walks IPv4 leaves in ascending key order over the subtree
// guarding the /plen region at first, handing each to the callback as a
// host-order range. A non-nil callback error aborts the walk and is
// returned.
func (t *Table) WalkRange4(first uint32, plen int, fn func(start, end uint32, preflen int, nh uint32) error) error {
	var key [4]byte
	binary.BigEndian.PutUint32(key[:], first)
	return t.v4.WalkFrom(key[:], plen, func(leaf *radix.Node[uint32]) error {
		start, end := leafRange4(leaf)
		return fn(start, end, leaf.Bits(), leaf.Value)
	})
}

func leafRange4(leaf *radix.Node[uint32]) (uint32, uint32) {
	start := binary.BigEndian.Uint32(leaf.Key())
	end := start | (uint32(1)<<(32-leaf.Bits()) - 1)
	return start, end
}

// Default returns the current default route contents (slot 0).
func (t *Table) Default() (netip.Addr, int32) {
	return t.nexthops.Resolve(0)
}

package rib

import (
	"fmt"
	"net/netip"
	"strings"

	"github.com/fwdplane/fibd/modules/fib/internal/radix"
)

// Dump renders the table one route per line, "addr/len\tgw\tport", IPv4
// routes in trie key order followed by IPv6 routes.
func (t *Table) Dump() string {
	var sb strings.Builder

	line := func(leaf *radix.Node[uint32], addr netip.Addr) error {
		gw, port := t.nexthops.Resolve(leaf.Value)
		if !gw.IsValid() {
			if addr.Is4() {
				gw = netip.IPv4Unspecified()
			} else {
				gw = netip.IPv6Unspecified()
			}
		}
		fmt.Fprintf(&sb, "%s/%d\t%s\t%d\n", addr, leaf.Bits(), gw, port)
		return nil
	}

	t.v4.Walk(func(leaf *radix.Node[uint32]) error {
		addr, _ := netip.AddrFromSlice(leaf.Key())
		return line(leaf, addr)
	})
	t.v6.Walk(func(leaf *radix.Node[uint32]) error {
		addr, _ := netip.AddrFromSlice(leaf.Key())
		return line(leaf, addr)
	})

	return sb.String()
}

// Status renders a one-line database summary.
func (t *Table) Status() string {
	return fmt.Sprintf("%d prefixes, %d unique nexthops\n", t.prefixCnt, t.nexthops.Count())
}

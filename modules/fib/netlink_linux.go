//go:build linux

package fib

import (
	"fmt"
	"net/netip"

	"github.com/vishvananda/netlink"
	"go.uber.org/zap"

	"github.com/fwdplane/fibd/modules/fib/internal/rib"
)

// importKernelRoutes seeds the engine from the host's main routing table.
// The kernel link index stands in for the output port. Routes the table
// cannot represent (multipath without a gateway and link, blackholes) are
// skipped with a log line rather than aborting the import.
func importKernelRoutes(engine Engine, log *zap.SugaredLogger) (int, error) {
	imported := 0
	for _, family := range []int{netlink.FAMILY_V4, netlink.FAMILY_V6} {
		routes, err := netlink.RouteList(nil, family)
		if err != nil {
			return imported, fmt.Errorf("failed to list kernel routes: %w", err)
		}

		for _, krt := range routes {
			r, ok := routeFromKernel(krt, family)
			if !ok {
				log.Debugw("skipping kernel route", zap.Any("route", krt))
				continue
			}
			if _, err := engine.AddRoute(r, true); err != nil {
				log.Warnw("failed to import kernel route",
					zap.Stringer("route", r), zap.Error(err))
				continue
			}
			imported++
		}
	}
	return imported, nil
}

func routeFromKernel(krt netlink.Route, family int) (rib.Route, bool) {
	var prefix netip.Prefix
	if krt.Dst == nil {
		if family == netlink.FAMILY_V4 {
			prefix = netip.PrefixFrom(netip.IPv4Unspecified(), 0)
		} else {
			prefix = netip.PrefixFrom(netip.IPv6Unspecified(), 0)
		}
	} else {
		addr, ok := netip.AddrFromSlice(krt.Dst.IP)
		if !ok {
			return rib.Route{}, false
		}
		ones, _ := krt.Dst.Mask.Size()
		prefix = netip.PrefixFrom(addr.Unmap(), ones)
	}

	if krt.LinkIndex <= 0 {
		return rib.Route{}, false
	}

	var gw netip.Addr
	if krt.Gw != nil {
		addr, ok := netip.AddrFromSlice(krt.Gw)
		if !ok {
			return rib.Route{}, false
		}
		gw = addr.Unmap()
	}

	return rib.Route{Prefix: prefix, GW: gw, Port: int32(krt.LinkIndex)}, true
}

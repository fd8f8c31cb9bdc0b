package fib

import (
	"fmt"
	"net/netip"
	"strconv"
	"strings"

	"github.com/fwdplane/fibd/modules/fib/internal/rib"
)

// parseRouteSpec parses one "ADDR/LEN [GW] PORT" route specification.
func parseRouteSpec(spec string) (rib.Route, error) {
	fields := strings.Fields(spec)
	if len(fields) < 2 || len(fields) > 3 {
		return rib.Route{}, fmt.Errorf("expected ADDR/LEN [GW] PORT, got %q", spec)
	}

	prefix, err := netip.ParsePrefix(fields[0])
	if err != nil {
		return rib.Route{}, fmt.Errorf("bad prefix %q: %w", fields[0], err)
	}

	var gw netip.Addr
	if len(fields) == 3 {
		gw, err = netip.ParseAddr(fields[1])
		if err != nil {
			return rib.Route{}, fmt.Errorf("bad gateway %q: %w", fields[1], err)
		}
	}

	port, err := strconv.ParseInt(fields[len(fields)-1], 10, 32)
	if err != nil || port < 0 {
		return rib.Route{}, fmt.Errorf("bad output port %q", fields[len(fields)-1])
	}

	return rib.Route{Prefix: prefix, GW: gw, Port: int32(port)}, nil
}

// parsePrefix parses the argument of a remove command.
func parsePrefix(arg string) (netip.Prefix, error) {
	prefix, err := netip.ParsePrefix(strings.TrimSpace(arg))
	if err != nil {
		return netip.Prefix{}, fmt.Errorf("bad prefix %q: %w", arg, err)
	}
	return prefix, nil
}

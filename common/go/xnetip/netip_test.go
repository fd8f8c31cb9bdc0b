package xnetip

import (
	"net/netip"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRange4(t *testing.T) {
	start, end := Range4(netip.MustParsePrefix("10.0.0.0/8"))
	require.Equal(t, uint32(0x0a000000), start)
	require.Equal(t, uint32(0x0affffff), end)

	start, end = Range4(netip.MustParsePrefix("0.0.0.0/0"))
	require.Equal(t, uint32(0), start)
	require.Equal(t, uint32(0xffffffff), end)

	start, end = Range4(netip.MustParsePrefix("192.0.2.1/32"))
	require.Equal(t, start, end)
}

func TestAddrUint32RoundTrip(t *testing.T) {
	addr := netip.MustParseAddr("203.0.113.7")
	require.Equal(t, addr, AddrFromUint32(AddrToUint32(addr)))
}

func TestLastAddr(t *testing.T) {
	require.Equal(t,
		netip.MustParseAddr("10.255.255.255"),
		LastAddr(netip.MustParsePrefix("10.0.0.0/8")))
	require.Equal(t,
		netip.MustParseAddr("2001:db8:0:ffff:ffff:ffff:ffff:ffff"),
		LastAddr(netip.MustParsePrefix("2001:db8::/48")))
}

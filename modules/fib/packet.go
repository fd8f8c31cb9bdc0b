package fib

import (
	"fmt"
	"net/netip"

	"github.com/gopacket/gopacket"
	"github.com/gopacket/gopacket/layers"
)

// LookupPacket decodes an Ethernet frame's network layer and looks up the
// destination address, returning the output port and gateway for the
// packet. Port -1 denotes discard.
func (m *FIBModule) LookupPacket(frame []byte) (int32, netip.Addr, error) {
	pkt := gopacket.NewPacket(frame, layers.LayerTypeEthernet, gopacket.DecodeOptions{
		Lazy:   true,
		NoCopy: true,
	})

	var dst netip.Addr
	switch nl := pkt.NetworkLayer().(type) {
	case *layers.IPv4:
		addr, ok := netip.AddrFromSlice(nl.DstIP.To4())
		if !ok {
			return -1, netip.Addr{}, fmt.Errorf("bad IPv4 destination %v", nl.DstIP)
		}
		dst = addr
	case *layers.IPv6:
		addr, ok := netip.AddrFromSlice(nl.DstIP.To16())
		if !ok {
			return -1, netip.Addr{}, fmt.Errorf("bad IPv6 destination %v", nl.DstIP)
		}
		dst = addr
	default:
		return -1, netip.Addr{}, fmt.Errorf("frame carries no IP network layer")
	}

	port, gw := m.engine.LookupRoute(dst)
	return port, gw, nil
}

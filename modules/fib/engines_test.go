package fib

import (
	"encoding/binary"
	"math/rand"
	"net/netip"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/fwdplane/fibd/modules/fib/internal/dir"
	"github.com/fwdplane/fibd/modules/fib/internal/dxr"
	"github.com/fwdplane/fibd/modules/fib/internal/rib"
)

type engineUnderTest struct {
	name   string
	engine Engine
	clk    *clock.Mock
}

// newEngines builds one instance of each lookup engine over its own table.
func newEngines(t *testing.T) []engineUnderTest {
	t.Helper()
	log := zap.NewNop().Sugar()

	dirClk := clock.NewMock()
	dxrClk := clock.NewMock()
	dxrEngine, err := dxr.New(rib.NewTable(log), 16, 200*time.Millisecond, dxrClk, log)
	require.NoError(t, err)

	return []engineUnderTest{
		{name: "radix", engine: newRadixEngine(rib.NewTable(log))},
		{name: "dir", engine: dir.New(rib.NewTable(log), 200*time.Millisecond, dirClk, log), clk: dirClk},
		{name: "dxr", engine: dxrEngine, clk: dxrClk},
	}
}

func (e engineUnderTest) drain() {
	if e.clk != nil {
		e.clk.Add(200 * time.Millisecond)
	}
}

func TestEnginesAgree(t *testing.T) {
	rng := rand.New(rand.NewSource(11))
	engines := newEngines(t)

	var routes []rib.Route
	for len(routes) < 800 {
		plen := rng.Intn(33)
		var b [4]byte
		binary.BigEndian.PutUint32(b[:], rng.Uint32())
		r := rib.Route{
			Prefix: netip.PrefixFrom(netip.AddrFrom4(b), plen).Masked(),
			Port:   int32(rng.Intn(1000)),
		}
		if _, err := engines[0].engine.AddRoute(r, false); err != nil {
			continue
		}
		for _, e := range engines[1:] {
			_, err := e.engine.AddRoute(r, false)
			require.NoError(t, err, "engine %s", e.name)
		}
		routes = append(routes, r)
	}
	for _, e := range engines {
		e.engine.Initialize()
	}

	compare := func() {
		probes := make([]netip.Addr, 0, 5000+2*len(routes))
		for i := 0; i < 5000; i++ {
			var b [4]byte
			binary.BigEndian.PutUint32(b[:], rng.Uint32())
			probes = append(probes, netip.AddrFrom4(b))
		}
		for _, r := range routes {
			probes = append(probes, r.Prefix.Addr())
		}
		for _, addr := range probes {
			wantPort, wantGW := engines[0].engine.LookupRoute(addr)
			for _, e := range engines[1:] {
				port, gw := e.engine.LookupRoute(addr)
				require.Equal(t, wantPort, port, "engine %s addr %s", e.name, addr)
				require.Equal(t, wantGW, gw, "engine %s addr %s", e.name, addr)
			}
		}
	}
	compare()

	// Remove a third of the routes in random order and reconverge.
	rng.Shuffle(len(routes), func(i, j int) { routes[i], routes[j] = routes[j], routes[i] })
	cut := len(routes) / 3
	for _, r := range routes[:cut] {
		for _, e := range engines {
			_, err := e.engine.RemoveRoute(r.Prefix)
			require.NoError(t, err, "engine %s", e.name)
		}
	}
	routes = routes[cut:]
	for _, e := range engines {
		e.drain()
	}
	compare()
}

func TestEnginesScenarioBasics(t *testing.T) {
	for _, e := range newEngines(t) {
		t.Run(e.name, func(t *testing.T) {
			add := func(cidr, gw string, port int32) {
				r := rib.Route{Prefix: netip.MustParsePrefix(cidr), Port: port}
				if gw != "" {
					r.GW = netip.MustParseAddr(gw)
				}
				_, err := e.engine.AddRoute(r, false)
				require.NoError(t, err)
			}

			add("0.0.0.0/0", "192.0.2.1", 0)
			add("10.0.0.0/8", "", 1)
			add("10.1.0.0/16", "", 2)
			e.engine.Initialize()

			port, _ := e.engine.LookupRoute(netip.MustParseAddr("10.1.2.3"))
			require.Equal(t, int32(2), port)
			port, _ = e.engine.LookupRoute(netip.MustParseAddr("10.2.2.3"))
			require.Equal(t, int32(1), port)
			port, gw := e.engine.LookupRoute(netip.MustParseAddr("9.0.0.1"))
			require.Equal(t, int32(0), port)
			require.Equal(t, netip.MustParseAddr("192.0.2.1"), gw)

			// Replace 10/8 via set; the stale nexthop must go.
			r := rib.Route{Prefix: netip.MustParsePrefix("10.0.0.0/8"), Port: 7}
			_, err := e.engine.AddRoute(r, true)
			require.NoError(t, err)
			e.drain()
			port, _ = e.engine.LookupRoute(netip.MustParseAddr("10.2.2.3"))
			require.Equal(t, int32(7), port)
			require.Equal(t, 2, e.engine.NexthopCount())
		})
	}
}

func TestEnginesMassAddRemoveFlush(t *testing.T) {
	rng := rand.New(rand.NewSource(12))

	for _, e := range newEngines(t) {
		t.Run(e.name, func(t *testing.T) {
			var prefixes []netip.Prefix
			for len(prefixes) < 10000 {
				var b [4]byte
				binary.BigEndian.PutUint32(b[:], rng.Uint32())
				p := netip.PrefixFrom(netip.AddrFrom4(b), 24).Masked()
				r := rib.Route{Prefix: p, Port: int32(len(prefixes) % 4096)}
				if _, err := e.engine.AddRoute(r, false); err != nil {
					continue
				}
				prefixes = append(prefixes, p)
			}
			e.engine.Initialize()
			require.Equal(t, 10000, e.engine.PrefixCount())

			rng.Shuffle(len(prefixes), func(i, j int) {
				prefixes[i], prefixes[j] = prefixes[j], prefixes[i]
			})
			for _, p := range prefixes[:5000] {
				_, err := e.engine.RemoveRoute(p)
				require.NoError(t, err)
			}
			e.drain()
			require.Equal(t, 5000, e.engine.PrefixCount())

			e.engine.Flush()
			require.Zero(t, e.engine.PrefixCount())
			require.Zero(t, e.engine.NexthopCount())
			for i := 0; i < 500; i++ {
				var b [4]byte
				binary.BigEndian.PutUint32(b[:], rng.Uint32())
				port, _ := e.engine.LookupRoute(netip.AddrFrom4(b))
				require.Equal(t, int32(-1), port)
			}
		})
	}
}

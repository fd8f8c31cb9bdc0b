package radix

import (
	"encoding/binary"
	"math/rand"
	"net/netip"
	"sort"
	"testing"

	"github.com/stretchr/testify/require"
)

func key4(s string) []byte {
	addr := netip.MustParseAddr(s)
	b := addr.As4()
	return b[:]
}

func prefix4(s string) ([]byte, int) {
	p := netip.MustParsePrefix(s).Masked()
	b := p.Addr().As4()
	return b[:], p.Bits()
}

func mustInsert(t *testing.T, tree *Tree[uint32], cidr string, v uint32) {
	t.Helper()
	key, plen := prefix4(cidr)
	_, err := tree.Insert(key, plen, v)
	require.NoError(t, err, "insert %s", cidr)
}

func TestInsertLookupExact(t *testing.T) {
	tree := New[uint32](4)

	mustInsert(t, tree, "10.0.0.0/8", 1)
	mustInsert(t, tree, "10.0.0.0/16", 2)
	mustInsert(t, tree, "10.1.0.0/16", 3)
	require.Equal(t, 3, tree.Len())

	key, plen := prefix4("10.0.0.0/8")
	leaf := tree.LookupExact(key, plen)
	require.NotNil(t, leaf)
	require.Equal(t, uint32(1), leaf.Value)

	key, plen = prefix4("10.0.0.0/16")
	leaf = tree.LookupExact(key, plen)
	require.NotNil(t, leaf)
	require.Equal(t, uint32(2), leaf.Value)

	require.Nil(t, tree.LookupExact(key4("10.2.0.0"), 16))

	// Duplicate insert must fail and leave the tree unchanged.
	key, plen = prefix4("10.0.0.0/8")
	existing, err := tree.Insert(key, plen, 99)
	require.ErrorIs(t, err, ErrExists)
	require.Equal(t, uint32(1), existing.Value)
	require.Equal(t, 3, tree.Len())
}

func TestMatchLongest(t *testing.T) {
	tree := New[uint32](4)

	mustInsert(t, tree, "10.0.0.0/8", 1)
	mustInsert(t, tree, "10.1.0.0/16", 2)
	mustInsert(t, tree, "10.1.2.0/24", 3)

	cases := []struct {
		addr string
		want uint32
		none bool
	}{
		{addr: "10.1.2.3", want: 3},
		{addr: "10.1.3.3", want: 2},
		{addr: "10.2.2.3", want: 1},
		{addr: "11.0.0.1", none: true},
		{addr: "0.0.0.0", none: true},
		{addr: "255.255.255.255", none: true},
	}
	for _, tc := range cases {
		leaf := tree.MatchLongest(key4(tc.addr))
		if tc.none {
			require.Nil(t, leaf, "addr %s", tc.addr)
			continue
		}
		require.NotNil(t, leaf, "addr %s", tc.addr)
		require.Equal(t, tc.want, leaf.Value, "addr %s", tc.addr)
	}
}

func TestDefaultRouteChainsOnSentinel(t *testing.T) {
	tree := New[uint32](4)

	mustInsert(t, tree, "0.0.0.0/0", 7)
	mustInsert(t, tree, "0.0.0.0/8", 8)
	require.Equal(t, 2, tree.Len())

	leaf := tree.MatchLongest(key4("0.1.2.3"))
	require.NotNil(t, leaf)
	require.Equal(t, uint32(8), leaf.Value)

	leaf = tree.MatchLongest(key4("192.0.2.1"))
	require.NotNil(t, leaf)
	require.Equal(t, uint32(7), leaf.Value)

	_, err := tree.Delete(key4("0.0.0.0"), 8)
	require.NoError(t, err)
	leaf = tree.MatchLongest(key4("0.1.2.3"))
	require.NotNil(t, leaf)
	require.Equal(t, uint32(7), leaf.Value)
}

func TestDeleteRestoresState(t *testing.T) {
	tree := New[uint32](4)

	mustInsert(t, tree, "10.0.0.0/8", 1)
	mustInsert(t, tree, "10.1.0.0/16", 2)

	key, plen := prefix4("10.1.0.0/16")
	leaf, err := tree.Delete(key, plen)
	require.NoError(t, err)
	require.Equal(t, uint32(2), leaf.Value)
	require.Equal(t, 1, tree.Len())

	got := tree.MatchLongest(key4("10.1.2.3"))
	require.NotNil(t, got)
	require.Equal(t, uint32(1), got.Value)

	_, err = tree.Delete(key, plen)
	require.ErrorIs(t, err, ErrNotFound)

	_, err = tree.Delete(key4("10.0.0.0"), 8)
	require.NoError(t, err)
	require.Equal(t, 0, tree.Len())
	require.Nil(t, tree.MatchLongest(key4("10.1.2.3")))
}

func TestHostRoutes(t *testing.T) {
	tree := New[uint32](4)

	mustInsert(t, tree, "10.0.0.1/32", 1)
	mustInsert(t, tree, "10.0.0.2/32", 2)
	mustInsert(t, tree, "10.0.0.0/24", 3)

	require.Equal(t, uint32(1), tree.MatchLongest(key4("10.0.0.1")).Value)
	require.Equal(t, uint32(2), tree.MatchLongest(key4("10.0.0.2")).Value)
	require.Equal(t, uint32(3), tree.MatchLongest(key4("10.0.0.3")).Value)
}

func TestWalkOrdered(t *testing.T) {
	tree := New[uint32](4)

	cidrs := []string{
		"128.0.0.0/1", "0.0.0.0/1", "10.0.0.0/8", "10.0.0.0/16",
		"192.168.0.0/16", "172.16.0.0/12", "255.255.255.0/24",
	}
	for i, c := range cidrs {
		mustInsert(t, tree, c, uint32(i))
	}

	var keys []uint32
	err := tree.Walk(func(leaf *Node[uint32]) error {
		keys = append(keys, binary.BigEndian.Uint32(leaf.Key()))
		return nil
	})
	require.NoError(t, err)
	require.Len(t, keys, len(cidrs))
	require.True(t, sort.SliceIsSorted(keys, func(i, j int) bool { return keys[i] <= keys[j] }))
}

func TestWalkFromSubtree(t *testing.T) {
	tree := New[uint32](4)

	mustInsert(t, tree, "10.1.0.0/24", 1)
	mustInsert(t, tree, "10.1.1.0/24", 2)
	mustInsert(t, tree, "10.2.0.0/24", 3)
	mustInsert(t, tree, "10.0.0.0/8", 4)

	var got []uint32
	err := tree.WalkFrom(key4("10.1.0.0"), 16, func(leaf *Node[uint32]) error {
		start := binary.BigEndian.Uint32(leaf.Key())
		if start < 0x0a010000 {
			return nil
		}
		if start > 0x0a01ffff {
			return ErrNotFound // any sentinel stops the walk
		}
		got = append(got, leaf.Value)
		return nil
	})
	if err != nil {
		require.ErrorIs(t, err, ErrNotFound)
	}
	require.Equal(t, []uint32{1, 2}, got)
}

func TestIPv6Width(t *testing.T) {
	tree := New[uint32](16)

	p := netip.MustParsePrefix("2001:db8::/32").Masked()
	b := p.Addr().As16()
	_, err := tree.Insert(b[:], p.Bits(), 5)
	require.NoError(t, err)

	addr := netip.MustParseAddr("2001:db8::1").As16()
	leaf := tree.MatchLongest(addr[:])
	require.NotNil(t, leaf)
	require.Equal(t, uint32(5), leaf.Value)

	addr = netip.MustParseAddr("2001:db9::1").As16()
	require.Nil(t, tree.MatchLongest(addr[:]))
}

// naiveTable is the reference model: exact-prefix map with brute-force
// longest match.
type naiveTable map[netip.Prefix]uint32

func (n naiveTable) match(addr netip.Addr) (uint32, bool) {
	for plen := 32; plen >= 0; plen-- {
		p, _ := addr.Prefix(plen)
		if v, ok := n[p]; ok {
			return v, true
		}
	}
	return 0, false
}

func TestRandomizedAgainstNaive(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	tree := New[uint32](4)
	model := naiveTable{}

	randPrefix := func() netip.Prefix {
		plen := rng.Intn(33)
		var b [4]byte
		binary.BigEndian.PutUint32(b[:], rng.Uint32())
		return netip.PrefixFrom(netip.AddrFrom4(b), plen).Masked()
	}

	var pool []netip.Prefix
	for step := 0; step < 4000; step++ {
		if rng.Intn(3) != 0 || len(pool) == 0 {
			p := randPrefix()
			v := rng.Uint32()
			b := p.Addr().As4()
			_, err := tree.Insert(b[:], p.Bits(), v)
			if _, dup := model[p]; dup {
				require.ErrorIs(t, err, ErrExists, "insert %s", p)
			} else {
				require.NoError(t, err, "insert %s", p)
				model[p] = v
				pool = append(pool, p)
			}
		} else {
			i := rng.Intn(len(pool))
			p := pool[i]
			pool = append(pool[:i], pool[i+1:]...)
			b := p.Addr().As4()
			leaf, err := tree.Delete(b[:], p.Bits())
			require.NoError(t, err, "delete %s", p)
			require.Equal(t, model[p], leaf.Value, "delete %s", p)
			delete(model, p)
		}
	}
	require.Equal(t, len(model), tree.Len())

	// Probe random addresses plus every stored boundary.
	probes := make([]netip.Addr, 0, 3000+2*len(pool))
	for i := 0; i < 3000; i++ {
		var b [4]byte
		binary.BigEndian.PutUint32(b[:], rng.Uint32())
		probes = append(probes, netip.AddrFrom4(b))
	}
	for _, p := range pool {
		probes = append(probes, p.Addr())
		last := p.Addr().As4()
		start := binary.BigEndian.Uint32(last[:])
		end := start | (uint32(1)<<(32-p.Bits()) - 1)
		binary.BigEndian.PutUint32(last[:], end)
		probes = append(probes, netip.AddrFrom4(last))
	}

	for _, addr := range probes {
		b := addr.As4()
		leaf := tree.MatchLongest(b[:])
		want, ok := model.match(addr)
		if !ok {
			require.Nil(t, leaf, "addr %s must not match", addr)
			continue
		}
		require.NotNil(t, leaf, "addr %s must match", addr)
		require.Equal(t, want, leaf.Value, "addr %s", addr)
	}
}

func TestWalkYieldsEveryRoute(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	tree := New[uint32](4)
	model := naiveTable{}

	for i := 0; i < 500; i++ {
		plen := rng.Intn(33)
		var b [4]byte
		binary.BigEndian.PutUint32(b[:], rng.Uint32())
		p := netip.PrefixFrom(netip.AddrFrom4(b), plen).Masked()
		if _, dup := model[p]; dup {
			continue
		}
		key := p.Addr().As4()
		_, err := tree.Insert(key[:], p.Bits(), uint32(i))
		require.NoError(t, err)
		model[p] = uint32(i)
	}

	seen := map[netip.Prefix]uint32{}
	prev := uint32(0)
	err := tree.Walk(func(leaf *Node[uint32]) error {
		start := binary.BigEndian.Uint32(leaf.Key())
		require.GreaterOrEqual(t, start, prev, "walk must not go backwards")
		prev = start
		addr, _ := netip.AddrFromSlice(leaf.Key())
		seen[netip.PrefixFrom(addr, leaf.Bits())] = leaf.Value
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, map[netip.Prefix]uint32(model), seen)
}

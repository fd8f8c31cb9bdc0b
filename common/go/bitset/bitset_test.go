package bitset

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSetClearTest(t *testing.T) {
	bs := New(200)

	bs.Set(0)
	bs.Set(63)
	bs.Set(64)
	bs.Set(199)
	require.True(t, bs.Test(0))
	require.True(t, bs.Test(63))
	require.True(t, bs.Test(64))
	require.True(t, bs.Test(199))
	require.False(t, bs.Test(1))
	require.Equal(t, uint(4), bs.Count())

	bs.Clear(63)
	require.False(t, bs.Test(63))
	require.Equal(t, uint(3), bs.Count())

	bs.Reset()
	require.Equal(t, uint(0), bs.Count())
}

func TestFillRespectsSize(t *testing.T) {
	bs := New(70)
	bs.Fill()
	require.Equal(t, uint(70), bs.Count())
	require.False(t, bs.Test(70))
}

func TestTraverseRange(t *testing.T) {
	bs := New(1024)
	for _, idx := range []uint32{3, 64, 65, 500, 1023} {
		bs.Set(idx)
	}

	var got []uint32
	bs.TraverseRange(4, 1000, func(idx uint32) bool {
		got = append(got, idx)
		return true
	})
	require.Equal(t, []uint32{64, 65, 500}, got)

	got = nil
	bs.TraverseRange(0, 1023, func(idx uint32) bool {
		got = append(got, idx)
		return len(got) < 2
	})
	require.Equal(t, []uint32{3, 64}, got)
}

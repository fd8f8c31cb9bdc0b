package deferred

import (
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/require"
)

func TestAccumulatesBeforeInitialize(t *testing.T) {
	mock := clock.NewMock()
	fired := 0
	s := New(256, 200*time.Millisecond, mock, func() { fired++ })

	s.Mark(3, 5)
	s.Mark(10, 10)
	mock.Add(time.Second)
	require.Zero(t, fired, "no timer may fire before Initialize")
	require.Equal(t, 2, s.Pending())

	require.True(t, s.Initialize(), "accumulated updates must be drained")

	var got []uint32
	s.Drain(func(c uint32) {
		got = append(got, c)
		s.Clear(c)
	})
	require.Equal(t, []uint32{3, 4, 5, 10}, got)
	require.Zero(t, s.Pending())
}

func TestTimerArmsOncePerBatch(t *testing.T) {
	mock := clock.NewMock()
	fired := 0
	s := New(256, 200*time.Millisecond, mock, func() { fired++ })
	require.False(t, s.Initialize())

	s.Mark(1, 1)
	mock.Add(150 * time.Millisecond)
	require.Zero(t, fired)

	// A second update inside the quiet interval must not re-arm.
	s.Mark(2, 2)
	mock.Add(50 * time.Millisecond)
	require.Equal(t, 1, fired)
	mock.Add(time.Second)
	require.Equal(t, 1, fired)

	var got []uint32
	s.Drain(func(c uint32) {
		got = append(got, c)
		s.Clear(c)
	})
	require.Equal(t, []uint32{1, 2}, got)

	// The next batch arms a fresh timer.
	s.Mark(7, 7)
	mock.Add(200 * time.Millisecond)
	require.Equal(t, 2, fired)
}

func TestMarkAllAndReset(t *testing.T) {
	mock := clock.NewMock()
	s := New(128, 200*time.Millisecond, mock, func() {})

	s.MarkAll()
	require.Equal(t, 1, s.Pending())
	n := 0
	s.Drain(func(c uint32) {
		n++
		s.Clear(c)
	})
	require.Equal(t, 128, n)

	s.Mark(5, 6)
	s.Reset()
	n = 0
	s.Drain(func(uint32) { n++ })
	require.Zero(t, n)
}

func TestStopCancelsTimer(t *testing.T) {
	mock := clock.NewMock()
	fired := 0
	s := New(64, 200*time.Millisecond, mock, func() { fired++ })
	s.Initialize()

	s.Mark(1, 1)
	s.Stop()
	mock.Add(time.Second)
	require.Zero(t, fired)
}

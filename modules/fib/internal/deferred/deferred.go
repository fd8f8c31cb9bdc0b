// Package deferred implements the batched-update scheduler shared by the
// accelerated lookup engines.
//
// Route updates mark the chunks whose expansion went stale in a pending
// bitmask; the first update of a batch arms a one-shot timer, and after the
// quiet interval the owning engine drains the mask and rebuilds each marked
// chunk. Before Initialize is called (construction time) updates only
// accumulate; the engine drains them synchronously once its timer source is
// attached.
package deferred

import (
	"time"

	"github.com/benbjohnson/clock"

	"github.com/fwdplane/fibd/common/go/bitset"
)

// Scheduler accumulates pending chunk indices and arms a one-shot timer on
// the first update of a batch. It performs no locking: the owning engine
// serializes Mark, Drain and the timer callback.
type Scheduler struct {
	clk   clock.Clock
	delay time.Duration
	fire  func()
	timer *clock.Timer

	mask    *bitset.Bitset
	start   uint32 // envelope of marked chunks, start > end when empty
	end     uint32
	pending int

	initialized bool
}

// New constructs a scheduler over the given number of chunks. The fire
// callback runs on the clock's timer goroutine when the quiet interval
// elapses.
func New(chunks uint32, delay time.Duration, clk clock.Clock, fire func()) *Scheduler {
	return &Scheduler{
		clk:   clk,
		delay: delay,
		fire:  fire,
		mask:  bitset.New(chunks),
		start: chunks,
	}
}

// Mark flags the chunk range [first, last] stale. The first update of a
// batch arms the timer, provided the scheduler has been initialized;
// re-arming is idempotent by construction.
func (s *Scheduler) Mark(first, last uint32) {
	for c := first; c <= last; c++ {
		s.mask.Set(c)
	}
	if first < s.start {
		s.start = first
	}
	if last > s.end {
		s.end = last
	}
	if s.pending == 0 && s.initialized {
		s.timer = s.clk.AfterFunc(s.delay, s.fire)
	}
	s.pending++
}

// MarkAll flags every chunk stale, as one pending update.
func (s *Scheduler) MarkAll() {
	s.mask.Fill()
	s.start = 0
	s.end = s.mask.Size() - 1
	s.pending = 1
}

// Initialize attaches the timer source and reports whether updates
// accumulated before it; the caller must drain them synchronously.
func (s *Scheduler) Initialize() bool {
	s.initialized = true
	return s.pending > 0
}

// Pending returns the number of updates in the current batch.
func (s *Scheduler) Pending() int {
	return s.pending
}

// Clear unflags a single chunk; engines call it as each chunk is rebuilt.
func (s *Scheduler) Clear(chunk uint32) {
	s.mask.Clear(chunk)
}

// Drain calls apply for every still-marked chunk between the envelope
// bounds in ascending order, then resets the batch state.
func (s *Scheduler) Drain(apply func(chunk uint32)) {
	if s.start <= s.end {
		s.mask.TraverseRange(s.start, s.end, func(c uint32) bool {
			apply(c)
			return true
		})
	}
	s.start = s.mask.Size()
	s.end = 0
	s.pending = 0
}

// Reset drops all pending state without applying it.
func (s *Scheduler) Reset() {
	s.mask.Reset()
	s.start = s.mask.Size()
	s.end = 0
	s.pending = 0
}

// Stop cancels an armed timer. It must be called before the owning engine
// is torn down.
func (s *Scheduler) Stop() {
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
}

package board

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/richardwooding/ignitiontimer/internal/capture"
)

// Clock is a 16-bit counter derived from the monotonic clock, counting at
// the machine cycle rate. It stands in for timer 0 on a host without one.
//
// Overflows are raised from Run up to a millisecond late, so edges sample
// the counter through Sample, which derives the extension from the same
// reading as the counter bytes.
type Clock struct {
	hz  uint64
	now func() time.Time

	epoch time.Time
	start atomic.Int64 // ns since epoch at the last Clear
	// state holds the Clear generation in the high 32 bits and the
	// overflows delivered in that generation in the low 32 bits.
	state atomic.Uint64

	onOverflow func()
}

// NewClock creates a counter running at hz that calls onOverflow, from Run,
// every time it wraps.
func NewClock(hz uint32, onOverflow func()) *Clock {
	c := &Clock{
		hz:         uint64(hz),
		now:        time.Now,
		onOverflow: onOverflow,
	}
	c.epoch = c.now()
	return c
}

func (c *Clock) cycles() uint64 {
	elapsed := c.now().Sub(c.epoch).Nanoseconds() - c.start.Load()
	if elapsed < 0 {
		return 0
	}
	ns := uint64(elapsed)
	sec := uint64(time.Second)
	return ns/sec*c.hz + ns%sec*c.hz/sec
}

// Low returns the low byte of the counter.
func (c *Clock) Low() uint8 {
	return uint8(c.cycles()) //nolint:gosec // Truncation to the low byte is intended
}

// High returns the high byte of the counter.
func (c *Clock) High() uint8 {
	return uint8(c.cycles() >> 8) //nolint:gosec // Truncation to one byte is intended
}

// Sample reads counter and extension from one clock reading. The extension
// counts every wrap since the last Clear, modulo 256.
func (c *Clock) Sample() capture.WideTimestamp {
	return capture.Unpack(uint32(c.cycles())) //nolint:gosec // Unpack keeps the low 24 bits
}

// Clear restarts the count from zero. Overflows of the previous count that
// Run has not delivered yet are dropped.
func (c *Clock) Clear() {
	c.start.Store(c.now().Sub(c.epoch).Nanoseconds())
	c.state.Store((c.state.Load()>>32 + 1) << 32)
}

// poll raises the overflows that are due since the last call.
func (c *Clock) poll() {
	for {
		s := c.state.Load()
		due := c.cycles() >> 16
		if due <= s&0xFFFFFFFF {
			return
		}
		// Fails when Clear started a new generation since the load.
		if c.state.CompareAndSwap(s, s+1) && c.onOverflow != nil {
			c.onOverflow()
		}
	}
}

// Run raises overflows until ctx is done. An overflow is delivered within
// one millisecond of the wrap.
func (c *Clock) Run(ctx context.Context) error {
	ticker := time.NewTicker(time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			c.poll()
		}
	}
}

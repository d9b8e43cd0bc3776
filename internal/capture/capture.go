// Package capture turns ignition and crank edges into wide timestamps.
//
// A 16-bit hardware counter runs freely between ignition edges. Its overflow
// interrupt increments an 8-bit software extension, giving 24 useful bits.
// The ignition edge samples low byte, high byte and extension, then restarts
// the count, so its timestamp is the ignition period. The crank edge samples
// the same counter without restarting it, so its timestamp is the time from
// the previous ignition edge to the crank pulse.
//
// The handlers here play the role of interrupt service routines: they run to
// completion, never block, and only touch state through atomics. The main loop
// consumes the results through the Event cells.
package capture

import "sync/atomic"

// Counter is the free-running hardware counter sampled on every edge.
type Counter interface {
	Low() uint8
	High() uint8
	Clear()
}

// WideCounter is a Counter that keeps its own overflow count, such as one
// derived from a host clock. Capture samples it in one call, so an overflow
// still waiting for its handler cannot drop a period from the timestamp.
type WideCounter interface {
	Counter
	Sample() WideTimestamp
}

// WideTimestamp is one snapshot of counter and extension.
type WideTimestamp struct {
	Low  uint8 // TL0
	High uint8 // TH0
	Ext  uint8 // software overflow extension
}

// Value assembles the bytes into a 24-bit count, extension most significant.
func (w WideTimestamp) Value() uint32 {
	return uint32(w.Ext)<<16 | uint32(w.High)<<8 | uint32(w.Low)
}

// Unpack splits a 24-bit count into its bytes. Bits above 23 are dropped.
func Unpack(v uint32) WideTimestamp {
	return WideTimestamp{
		Low:  uint8(v),       //nolint:gosec // Truncation to the low byte is intended
		High: uint8(v >> 8),  //nolint:gosec // Truncation to one byte is intended
		Ext:  uint8(v >> 16), //nolint:gosec // Truncation to one byte is intended
	}
}

// Capture holds the extension counter, both event cells and the flywheel
// noise latch.
type Capture struct {
	counter Counter

	ext     atomic.Uint32 // overflow count, read modulo 256
	latched atomic.Bool   // crank input latched until the next ignition edge

	Ignition Event
	Crank    Event

	// onLatch mirrors the latch onto a physical output when set.
	onLatch func(latched bool)
}

// New creates a Capture sampling the given counter.
func New(counter Counter) *Capture {
	return &Capture{counter: counter}
}

// SetLatchHook registers a function called whenever the crank latch changes.
// It must be set before edges are delivered.
func (c *Capture) SetLatchHook(fn func(latched bool)) {
	c.onLatch = fn
}

// Overflow is the counter overflow handler.
func (c *Capture) Overflow() {
	c.ext.Add(1)
}

// Extension returns the current overflow extension.
func (c *Capture) Extension() uint8 {
	return uint8(c.ext.Load()) //nolint:gosec // The extension is 8 bits wide and wraps
}

// Latched reports whether crank edges are currently ignored.
func (c *Capture) Latched() bool {
	return c.latched.Load()
}

// HandleIgnition is the ignition edge handler. The snapshot becomes the
// ignition period and the counter restarts from zero.
func (c *Capture) HandleIgnition() {
	ts := c.sample()
	c.counter.Clear()
	c.ext.Store(0)
	c.setLatch(false)
	c.Ignition.publish(ts)
}

// HandleCrank is the crank edge handler. Edges are dropped while the latch
// is armed, so bounce on the flywheel sensor yields one pulse per period.
func (c *Capture) HandleCrank() {
	if c.latched.Load() {
		return
	}
	ts := c.sample()
	c.Crank.publish(ts)
	c.setLatch(true)
}

// sample reads low, high, then extension. An overflow between the counter
// and extension reads shifts the result by one counter period; that error is
// accepted rather than corrected. A WideCounter is sampled as a whole.
func (c *Capture) sample() WideTimestamp {
	if wc, ok := c.counter.(WideCounter); ok {
		return wc.Sample()
	}
	var ts WideTimestamp
	ts.Low = c.counter.Low()
	ts.High = c.counter.High()
	ts.Ext = c.Extension()
	return ts
}

func (c *Capture) setLatch(latched bool) {
	if c.latched.Swap(latched) == latched {
		return
	}
	if c.onLatch != nil {
		c.onLatch(latched)
	}
}

// Reset restores the power-up state: extension zero, latch released and no
// pending events.
func (c *Capture) Reset() {
	c.ext.Store(0)
	c.setLatch(false)
	c.Ignition.reset()
	c.Crank.reset()
}

// Package display implements the multiplexed seven-segment refresh.
//
// The main loop writes a full frame of seven patterns into Digits once per
// iteration. The refresh tick, running at a fixed rate on its own goroutine or
// timer interrupt, lights one position per tick and never writes to Digits.
// Each position is an independent atomic cell, so a reader always sees a whole
// pattern; a frame torn across positions lasts less than one refresh cycle.
package display

import (
	"sync/atomic"

	"github.com/richardwooding/ignitiontimer/internal/segment"
)

// Frame is a full set of patterns indexed by physical position.
type Frame [segment.Positions]segment.Pattern

// Digits is the shared digit buffer.
type Digits struct {
	cells [segment.Positions]atomic.Uint32
}

// Commit writes a full frame.
func (d *Digits) Commit(f Frame) {
	for i, p := range f {
		d.cells[i].Store(uint32(p))
	}
}

// Load returns the pattern at position pos.
func (d *Digits) Load(pos int) segment.Pattern {
	return segment.Pattern(d.cells[pos].Load()) //nolint:gosec // Cells are only stored from a Pattern
}

// Snapshot reads every position. Positions are read one at a time.
func (d *Digits) Snapshot() Frame {
	var f Frame
	for i := range f {
		f[i] = d.Load(i)
	}
	return f
}

// Ticker is the millisecond counter advanced by the refresh tick and polled
// by the main loop for its cadence.
type Ticker struct {
	ms atomic.Uint32
}

// Tick advances the counter by one.
func (t *Ticker) Tick() {
	t.ms.Add(1)
}

// Millis returns the ticks since the last Reset.
func (t *Ticker) Millis() uint32 {
	return t.ms.Load()
}

// Reset starts a new timing window.
func (t *Ticker) Reset() {
	t.ms.Store(0)
}

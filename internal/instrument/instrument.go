// Package instrument implements the main loop of the ignition timer.
//
// The loop runs at a fixed cadence. Each iteration reads the edge events left
// by the capture handlers, picks a display mode from the switch port, writes a
// complete frame to the digit buffer, reports over serial, releases the events
// and then spins until the refresh tick has counted out the cadence.
//
// At most one ignition and one crank event are consumed per iteration. Edges
// arriving while an iteration runs replace the pending ones, and any that land
// between the read and the release are lost.
package instrument

import (
	"context"
	"runtime"
	"sync"

	"github.com/richardwooding/ignitiontimer/internal/capture"
	"github.com/richardwooding/ignitiontimer/internal/display"
	"github.com/richardwooding/ignitiontimer/internal/reading"
	"github.com/richardwooding/ignitiontimer/internal/segment"
	"github.com/richardwooding/ignitiontimer/internal/serial"
	"github.com/richardwooding/ignitiontimer/internal/switches"
	"github.com/richardwooding/ignitiontimer/internal/watchdog"
)

// SerialBanner is sent every iteration in serial test mode.
const SerialBanner = "SERIAL OUTPUT TEST MODE\r\n"

// Ticker is the millisecond time base polled by Wait.
type Ticker interface {
	Millis() uint32
	Reset()
}

// Instrument is the main loop state.
type Instrument struct {
	calc    reading.Calculator
	table   *segment.Table
	capture *capture.Capture
	digits  *display.Digits
	ticker  Ticker
	port    switches.Port
	serial  *serial.Port
	wd      watchdog.Feeder

	cadence uint32 // ticks per iteration
	walk    uint8  // display test step
	yield   func()

	mu   sync.Mutex // guards last
	last Snapshot
}

// Config collects the collaborators of an Instrument.
type Config struct {
	Calculator reading.Calculator
	Table      *segment.Table
	Capture    *capture.Capture
	Digits     *display.Digits
	Ticker     Ticker
	Switches   switches.Port
	Serial     *serial.Port
	Watchdog   watchdog.Feeder
	// CadenceTicks is the number of ticker counts per iteration.
	CadenceTicks uint32
}

// New creates an Instrument. A nil Watchdog is replaced by watchdog.Nop.
func New(cfg Config) *Instrument {
	wd := cfg.Watchdog
	if wd == nil {
		wd = watchdog.Nop{}
	}
	return &Instrument{
		calc:    cfg.Calculator,
		table:   cfg.Table,
		capture: cfg.Capture,
		digits:  cfg.Digits,
		ticker:  cfg.Ticker,
		port:    cfg.Switches,
		serial:  cfg.Serial,
		wd:      wd,
		cadence: cfg.CadenceTicks,
		yield:   runtime.Gosched,
	}
}

// Snapshot describes what the last iteration did.
type Snapshot struct {
	Selection switches.Selection
	State     State
	Reading   reading.Reading
	Frame     display.Frame
}

// State is the per-iteration computation state.
type State uint8

// States of one iteration.
const (
	StateNoIgnition State = iota
	StateRawDiagnostic
	StateWithAdvance
	StateNoAdvance
	StateTest // serial or display test, no measurement
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateNoIgnition:
		return "no ignition"
	case StateRawDiagnostic:
		return "raw diagnostic"
	case StateWithAdvance:
		return "rpm and advance"
	case StateNoAdvance:
		return "rpm only"
	case StateTest:
		return "test"
	}
	return "unknown"
}

// Last returns the snapshot of the previous Step.
func (in *Instrument) Last() Snapshot {
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.last
}

// Step runs one iteration without the cadence wait.
func (in *Instrument) Step() {
	in.wd.Feed()

	sel := switches.Decode(in.port.Read())
	snap := Snapshot{Selection: sel, State: StateTest}
	frame := in.digits.Snapshot()

	switch sel.Mode {
	case switches.ModeSerialTest:
		if in.serial != nil {
			in.serial.EmitString(SerialBanner)
		}
	case switches.ModeDisplayTest:
		frame = in.walkFrame()
	default:
		snap.State, snap.Reading, frame = in.measure(sel)
	}

	in.digits.Commit(frame)
	snap.Frame = frame

	if sel.Mode == switches.ModeMeasure && sel.Verbose && !sel.RawHex &&
		snap.State != StateNoIgnition && in.serial != nil {
		in.report(snap.Reading)
	}

	in.capture.Ignition.Clear()
	in.capture.Crank.Clear()

	if in.serial != nil {
		if c, ok := in.serial.Command(); ok {
			in.serial.Echo(c)
			in.serial.ClearCommand()
		}
	}

	in.mu.Lock()
	in.last = snap
	in.mu.Unlock()
}

// measure produces the frame for measure mode.
func (in *Instrument) measure(sel switches.Selection) (State, reading.Reading, display.Frame) {
	ign, ignPending := in.capture.Ignition.Claim()
	crank, crankPending := in.capture.Crank.Claim()

	if !ignPending {
		return StateNoIgnition, reading.Reading{}, in.dashFrame()
	}
	if sel.RawHex {
		return StateRawDiagnostic, reading.Reading{}, in.rawFrame(ign, crank, crankPending)
	}

	r := in.calc.Compute(ign.Value(), crank.Value(), crankPending)
	state := StateNoAdvance
	if r.HasAdvance {
		state = StateWithAdvance
	}
	return state, r, in.readingFrame(r)
}

// readingFrame lays out RPM and advance digits. Layout positions are least
// significant first while Reading digits are most significant first.
func (in *Instrument) readingFrame(r reading.Reading) display.Frame {
	var f display.Frame
	layout := in.table.Layout

	for i, pos := range layout.RPM {
		f[pos] = in.table.Encode(r.RPM[reading.RPMDigits-1-i])
	}
	for i, pos := range layout.Advance {
		if r.HasAdvance {
			f[pos] = in.table.Encode(r.Advance[reading.AdvanceDigits-1-i])
		} else {
			f[pos] = in.table.Dash
		}
	}
	return f
}

// rawFrame shows the captured counts in hex, least significant nibble in
// the least significant position. The extension bits and the top crank bits
// that do not fit are shown as decimal points.
func (in *Instrument) rawFrame(ign, crank capture.WideTimestamp, crankPending bool) display.Frame {
	var f display.Frame
	t := in.table
	layout := t.Layout

	f[layout.RPM[0]] = t.Encode(ign.Low)
	f[layout.RPM[1]] = t.Encode(ign.Low >> 4)
	f[layout.RPM[2]] = t.Encode(ign.High)
	f[layout.RPM[3]] = t.Encode(ign.High >> 4)
	for i, pos := range layout.RPM {
		if ign.Ext&(1<<i) != 0 {
			f[pos] |= t.Point
		}
	}

	if crankPending {
		f[layout.Advance[0]] = t.Encode(crank.Low)
		f[layout.Advance[1]] = t.Encode(crank.Low >> 4)
		f[layout.Advance[2]] = t.Encode(crank.High)
	} else {
		for _, pos := range layout.Advance {
			f[pos] = t.Dash
		}
	}
	// The points follow the last crank count even when no crank edge was
	// seen.
	for i, pos := range layout.Advance {
		if crank.High&(0x10<<i) != 0 {
			f[pos] |= t.Point
		}
	}
	return f
}

// walkFrame cycles every glyph across the display with a walking decimal
// point, one step per iteration.
func (in *Instrument) walkFrame() display.Frame {
	var f display.Frame
	n := in.walk
	for i := range f {
		f[i] = in.table.Encode((n & 31) >> 1)
		if i == int(n&7) {
			f[i] |= in.table.Point
		}
	}
	in.walk++
	return f
}

func (in *Instrument) dashFrame() display.Frame {
	var f display.Frame
	for i := range f {
		f[i] = in.table.Dash
	}
	return f
}

// report sends "RRRR AAA\r\n"; the advance is left out when there is none.
// Both fields go out most significant digit first; the old firmware sent the
// advance digits reversed and that order is not kept.
func (in *Instrument) report(r reading.Reading) {
	in.serial.EmitDigits(r.RPM[:])
	in.serial.EmitChar(' ')
	if r.HasAdvance {
		in.serial.EmitDigits(r.Advance[:])
	}
	in.serial.Newline()
}

// Wait spins until the ticker reaches the cadence, feeding the watchdog on
// every poll. It returns early only when ctx is done.
func (in *Instrument) Wait(ctx context.Context) error {
	for in.ticker.Millis() < in.cadence {
		in.wd.Feed()
		if err := ctx.Err(); err != nil {
			return err
		}
		in.yield()
	}
	return nil
}

// Run starts the first timing window and loops until ctx is done.
func (in *Instrument) Run(ctx context.Context) error {
	in.ticker.Reset()
	for {
		in.Step()
		if err := in.Wait(ctx); err != nil {
			return err
		}
		in.ticker.Reset()
	}
}

// Reset restores the power-up state of the loop: blank display, display test
// counter at zero.
func (in *Instrument) Reset() {
	in.walk = 0
	in.mu.Lock()
	in.last = Snapshot{}
	in.mu.Unlock()
	in.digits.Commit(display.Frame{})
}

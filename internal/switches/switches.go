// Package switches implements the DIP switch bank that selects the
// instrument mode.
//
// The switches pull port 1 lines to ground, so a closed ("on") switch reads
// as 0 and an open one as 1.
package switches

import "sync/atomic"

// Switch numbers one DIP switch; switch n is wired to port bit n-1.
type Switch uint8

// Switches of the bank.
const (
	Switch1 Switch = iota + 1
	Switch2        // P1.1: off selects the raw hex diagnostic
	Switch3        // P1.2: off selects a test mode
	Switch4        // P1.3: off selects serial output
)

// Port is anything that reads as the switch port byte.
type Port interface {
	Read() uint8
}

// Bank is an in-memory switch bank, used by the simulator and tests.
type Bank struct {
	closed atomic.Uint32 // bit n-1 set when switch n is on

	// Callback when a switch changes
	onChange func(port uint8)
}

// New creates a Bank with every switch off.
func New(onChange func(port uint8)) *Bank {
	return &Bank{onChange: onChange}
}

// Read returns the port byte. Lines without a closed switch read high.
func (b *Bank) Read() uint8 {
	return ^uint8(b.closed.Load()) //nolint:gosec // Only the low 4 bits are used
}

// On reports whether sw is closed.
func (b *Bank) On(sw Switch) bool {
	return b.closed.Load()&sw.bit() != 0
}

// Set opens or closes sw.
func (b *Bank) Set(sw Switch, on bool) {
	if sw < Switch1 || sw > Switch4 {
		return
	}
	for {
		old := b.closed.Load()
		next := old &^ sw.bit()
		if on {
			next |= sw.bit()
		}
		if b.closed.CompareAndSwap(old, next) {
			if old != next && b.onChange != nil {
				b.onChange(b.Read())
			}
			return
		}
	}
}

// Toggle flips sw.
func (b *Bank) Toggle(sw Switch) {
	b.Set(sw, !b.On(sw))
}

func (sw Switch) bit() uint32 {
	return 1 << (sw - 1)
}

// Mode is the top-level operating mode.
type Mode uint8

// Modes.
const (
	ModeMeasure Mode = iota
	ModeSerialTest
	ModeDisplayTest
)

// String returns the mode name.
func (m Mode) String() string {
	switch m {
	case ModeMeasure:
		return "measure"
	case ModeSerialTest:
		return "serial test"
	case ModeDisplayTest:
		return "display test"
	}
	return "unknown"
}

// Selection is the decoded switch state.
type Selection struct {
	Mode    Mode
	RawHex  bool // show timer counts in hex instead of RPM and advance
	Verbose bool // emit each reading over serial
}

// Decode maps a port byte to a Selection.
//
//	sw3 off, sw4 off  serial test
//	sw3 off, sw4 on   display test
//	otherwise         measure; sw2 off adds raw hex, sw4 off adds verbose
func Decode(port uint8) Selection {
	high := func(sw Switch) bool { return port&uint8(sw.bit()) != 0 } //nolint:gosec // Switch bits are below 8

	var s Selection
	switch {
	case high(Switch3) && high(Switch4):
		s.Mode = ModeSerialTest
	case high(Switch3) && !high(Switch4):
		s.Mode = ModeDisplayTest
	default:
		s.Mode = ModeMeasure
	}
	s.RawHex = high(Switch2)
	s.Verbose = high(Switch4)
	return s
}

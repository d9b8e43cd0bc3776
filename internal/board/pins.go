package board

import (
	"errors"
	"fmt"
	"sync"

	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/gpio/gpioreg"

	"github.com/richardwooding/ignitiontimer/internal/segment"
)

var (
	// ErrPinNotFound indicates a pin name unknown to the GPIO registry.
	ErrPinNotFound = errors.New("pin not found")

	// ErrPinMissing indicates a required pin was not supplied.
	ErrPinMissing = errors.New("pin missing")

	// ErrNoEdges indicates Probe saw no edge in time.
	ErrNoEdges = errors.New("no edges detected")
)

// Pins names the GPIO lines of the board, as understood by gpioreg.
type Pins struct {
	Ignition string
	Crank    string
	Latch    string
	Switches [4]string
	// Segments lists the segment lines in pattern bit order.
	Segments [8]string
	// Select lists the digit select lines by position.
	Select [segment.Positions]string
}

// DefaultPins is the wiring of the Raspberry Pi adapter board.
func DefaultPins() Pins {
	return Pins{
		Ignition: "GPIO4",
		Crank:    "GPIO17",
		Latch:    "GPIO27",
		Switches: [4]string{"GPIO5", "GPIO6", "GPIO13", "GPIO19"},
		Segments: [8]string{"GPIO2", "GPIO3", "GPIO14", "GPIO15", "GPIO18", "GPIO23", "GPIO24", "GPIO25"},
		Select:   [segment.Positions]string{"GPIO8", "GPIO7", "GPIO12", "GPIO16", "GPIO20", "GPIO21", "GPIO26"},
	}
}

// PinSet is the resolved set of lines.
type PinSet struct {
	Ignition gpio.PinIn
	Crank    gpio.PinIn
	Latch    gpio.PinOut
	Switches [4]gpio.PinIn
	Segments [8]gpio.PinOut
	Select   [segment.Positions]gpio.PinOut
}

// Resolve looks up every named pin in the registry.
func (p Pins) Resolve() (PinSet, error) {
	var set PinSet
	var err error

	lookup := func(name string) gpio.PinIO {
		if err != nil {
			return nil
		}
		pin := gpioreg.ByName(name)
		if pin == nil {
			err = fmt.Errorf("%w: %s", ErrPinNotFound, name)
		}
		return pin
	}

	set.Ignition = lookup(p.Ignition)
	set.Crank = lookup(p.Crank)
	set.Latch = lookup(p.Latch)
	for i, name := range p.Switches {
		set.Switches[i] = lookup(name)
	}
	for i, name := range p.Segments {
		set.Segments[i] = lookup(name)
	}
	for i, name := range p.Select {
		set.Select[i] = lookup(name)
	}
	if err != nil {
		return PinSet{}, err
	}
	return set, nil
}

func (s PinSet) check() error {
	if s.Ignition == nil || s.Crank == nil {
		return fmt.Errorf("%w: edge inputs", ErrPinMissing)
	}
	for i, pin := range s.Switches {
		if pin == nil {
			return fmt.Errorf("%w: switch %d", ErrPinMissing, i+1)
		}
	}
	for i, pin := range s.Segments {
		if pin == nil {
			return fmt.Errorf("%w: segment line %d", ErrPinMissing, i)
		}
	}
	for i, pin := range s.Select {
		if pin == nil {
			return fmt.Errorf("%w: select line %d", ErrPinMissing, i)
		}
	}
	return nil
}

// SwitchPort reads the DIP switches. A closed switch pulls its line low.
type SwitchPort struct {
	pins [4]gpio.PinIn
}

// Read returns the switch port byte. Bits above the bank read high.
func (s *SwitchPort) Read() uint8 {
	port := uint8(0xF0)
	for i, pin := range s.pins {
		if pin.Read() == gpio.High {
			port |= 1 << i
		}
	}
	return port
}

// DisplayPort drives the segment and select lines of the LED module.
type DisplayPort struct {
	segments [8]gpio.PinOut
	selects  [segment.Positions]gpio.PinOut

	mu  sync.Mutex
	err error
}

// WriteSegments drives the segment lines; a set bit lights its segment.
func (d *DisplayPort) WriteSegments(p segment.Pattern) {
	for bit, pin := range d.segments {
		d.out(pin, p&(1<<bit) != 0)
	}
}

// WriteSelect drives the select lines; a clear bit selects its position.
func (d *DisplayPort) WriteSelect(mask uint8) {
	for pos, pin := range d.selects {
		d.out(pin, mask&(1<<pos) != 0)
	}
}

func (d *DisplayPort) out(pin gpio.PinOut, l gpio.Level) {
	if err := pin.Out(l); err != nil {
		d.mu.Lock()
		if d.err == nil {
			d.err = fmt.Errorf("failed to drive %s: %w", pin, err)
		}
		d.mu.Unlock()
	}
}

// Err returns the first write error.
func (d *DisplayPort) Err() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.err
}

// Package config holds the clock-dependent constants of the instrument.
//
// The counters run at the machine cycle rate, one twelfth of the crystal.
// Everything time related is derived from it: the ignition factor and minimum
// count used by the calculator, the timer 2 reload for the 1 kHz display
// refresh and the timer 1 reload for the serial baud rate.
package config

import (
	"errors"
	"fmt"
	"time"

	"periph.io/x/conn/v3/physic"

	"github.com/richardwooding/ignitiontimer/internal/reading"
	"github.com/richardwooding/ignitiontimer/internal/segment"
)

var (
	// ErrUnknownCrystal indicates the crystal preset does not exist.
	ErrUnknownCrystal = errors.New("unknown crystal")

	// ErrInvalidTiming indicates an inconsistent set of timing constants.
	ErrInvalidTiming = errors.New("invalid timing")
)

// Crystal is a supported oscillator with its calibrated constants.
type Crystal struct {
	Name      string
	Frequency physic.Frequency

	// IgnitionFactor is counter ticks per minute divided by ignition events
	// per revolution, trimmed on the bench.
	IgnitionFactor uint32
	// MinCount is the shortest plausible ignition interval in ticks.
	MinCount uint32
	// RefreshReload is the timer 2 reload value for a 1 kHz tick.
	RefreshReload uint16
	// BaudReload is the timer 1 reload value (TH1).
	BaudReload uint8
}

// Crystal presets.
var (
	Crystal11 = Crystal{
		Name:           "11.0592MHz",
		Frequency:      11059200 * physic.Hertz,
		IgnitionFactor: 27656192,
		MinCount:       2766,
		RefreshReload:  0xFC67,
		BaudReload:     0xFA,
	}
	Crystal22 = Crystal{
		Name:           "22.1184MHz",
		Frequency:      22118400 * physic.Hertz,
		IgnitionFactor: 55312384,
		MinCount:       5532,
		RefreshReload:  0xF8CD,
		BaudReload:     0xFA,
	}
)

// Crystals lists the presets by name.
var Crystals = map[string]Crystal{
	Crystal11.Name: Crystal11,
	Crystal22.Name: Crystal22,
}

// LookupCrystal returns the preset with the given name.
func LookupCrystal(name string) (Crystal, error) {
	c, ok := Crystals[name]
	if !ok {
		return Crystal{}, fmt.Errorf("%w: %q", ErrUnknownCrystal, name)
	}
	return c, nil
}

// Default values.
const (
	DefaultCrystal = "11.0592MHz"
	DefaultLayout  = "flipped"
	DefaultCadence = 250 * time.Millisecond
)

// Timing is the complete instrument configuration.
type Timing struct {
	Crystal        Crystal
	Layout         *segment.Table
	FlywheelOffset uint32
	// Cadence is the main loop period.
	Cadence time.Duration
}

// New builds a Timing from preset names, with the default flywheel offset
// and cadence.
func New(crystal, layout string) (Timing, error) {
	c, err := LookupCrystal(crystal)
	if err != nil {
		return Timing{}, err
	}
	table, err := segment.Lookup(layout)
	if err != nil {
		return Timing{}, err
	}
	return Timing{
		Crystal:        c,
		Layout:         table,
		FlywheelOffset: reading.DefaultFlywheelOffset,
		Cadence:        DefaultCadence,
	}, nil
}

// Default returns the configuration of the reference board.
func Default() Timing {
	t, err := New(DefaultCrystal, DefaultLayout)
	if err != nil {
		panic(err)
	}
	return t
}

// Validate checks the constants for consistency.
func (t Timing) Validate() error {
	switch {
	case t.Layout == nil:
		return fmt.Errorf("%w: no display layout", ErrInvalidTiming)
	case t.Crystal.Frequency <= 0:
		return fmt.Errorf("%w: crystal frequency %s", ErrInvalidTiming, t.Crystal.Frequency)
	case t.Crystal.MinCount == 0:
		return fmt.Errorf("%w: minimum count must be positive", ErrInvalidTiming)
	case t.Crystal.IgnitionFactor/t.Crystal.MinCount > 9999:
		return fmt.Errorf("%w: minimum count %d allows more than four RPM digits", ErrInvalidTiming, t.Crystal.MinCount)
	case t.FlywheelOffset >= 180:
		return fmt.Errorf("%w: flywheel offset %d", ErrInvalidTiming, t.FlywheelOffset)
	case t.Cadence < time.Millisecond:
		return fmt.Errorf("%w: cadence %v", ErrInvalidTiming, t.Cadence)
	case t.Crystal.BaudReload == 0:
		return fmt.Errorf("%w: baud reload 0", ErrInvalidTiming)
	}
	return nil
}

// Calculator returns the reading calculator for these constants.
func (t Timing) Calculator() reading.Calculator {
	return reading.Calculator{
		IgnitionFactor: t.Crystal.IgnitionFactor,
		MinCount:       t.Crystal.MinCount,
		FlywheelOffset: t.FlywheelOffset,
	}
}

// MachineHz is the counter rate in Hz.
func (t Timing) MachineHz() uint32 {
	return uint32(t.Crystal.Frequency / physic.Hertz / 12) //nolint:gosec // Crystal frequencies fit in 32 bits
}

// RefreshPeriod is the number of machine cycles between display ticks.
func (t Timing) RefreshPeriod() uint32 {
	return 0x10000 - uint32(t.Crystal.RefreshReload)
}

// RefreshRate is the display tick rate.
func (t Timing) RefreshRate() physic.Frequency {
	return physic.Frequency(t.MachineHz()) * physic.Hertz / physic.Frequency(t.RefreshPeriod())
}

// CadenceTicks is the number of display ticks per main loop iteration.
func (t Timing) CadenceTicks() uint32 {
	return uint32(t.Cadence / time.Millisecond) //nolint:gosec // Cadence is validated by Validate
}

// Baud is the serial rate produced by timer 1 in auto-reload mode without
// baud doubling.
func (t Timing) Baud() uint32 {
	return t.MachineHz() / 32 / (256 - uint32(t.Crystal.BaudReload))
}

// CharTime is the time to shift out one 10-bit character.
func (t Timing) CharTime() time.Duration {
	return 10 * time.Second / time.Duration(t.Baud())
}

// DeriveIgnitionFactor computes ticks per minute divided by ignition events
// per revolution. The presets use bench-trimmed values close to this.
func DeriveIgnitionFactor(machineHz uint32, eventsPerRev uint32) uint32 {
	if eventsPerRev == 0 {
		return 0
	}
	return machineHz * 60 / eventsPerRev
}

// IntervalFor returns the ignition interval in ticks that reads as rpm.
func (t Timing) IntervalFor(rpm float64) uint32 {
	if rpm <= 0 {
		return 0
	}
	return uint32(float64(t.Crystal.IgnitionFactor) / rpm)
}

// Package reading converts captured intervals into RPM and advance digits.
//
// All arithmetic is unsigned 32-bit integer arithmetic, the same fixed-point
// scheme the controller uses: the ignition factor is the number of counter
// ticks per minute divided by the ignition events per revolution, so one
// truncating division yields whole RPM.
package reading

// Digit counts.
const (
	RPMDigits     = 4
	AdvanceDigits = 3
)

// OverflowDigit is shown in every RPM position when the interval is shorter
// than the minimum plausible count.
const OverflowDigit = 9

// DefaultFlywheelOffset is the angle in degrees between the flywheel notch
// sensor and top dead center.
const DefaultFlywheelOffset = 28

// Calculator holds the clock-dependent constants.
type Calculator struct {
	IgnitionFactor uint32 // counter ticks per minute / ignition events per revolution
	MinCount       uint32 // shortest interval that yields a displayable RPM
	FlywheelOffset uint32 // degrees
}

// Reading is the result of one computation, digits most significant first.
type Reading struct {
	RPM        [RPMDigits]uint8
	Overflow   bool
	Advance    [AdvanceDigits]uint8
	HasAdvance bool
}

// Digits writes v into out as decimal digits, most significant first. The
// digits are produced least significant first by repeated division, so
// anything above len(out) digits is dropped.
func Digits(v uint32, out []uint8) {
	for i := len(out) - 1; i >= 0; i-- {
		out[i] = uint8(v % 10) //nolint:gosec // A single decimal digit fits in a byte
		v /= 10
	}
}

// RPM returns the engine speed for an ignition interval. ok is false when the
// interval is below MinCount; the value is then meaningless and the caller
// shows the overflow sentinel. The check comes before the division so a tiny
// or zero interval never reaches it.
func (c Calculator) RPM(interval uint32) (rpm uint32, ok bool) {
	if interval < c.MinCount || interval == 0 {
		return 0, false
	}
	return c.IgnitionFactor / interval, true
}

// Advance returns the ignition advance in degrees for a crank timestamp
// measured from the previous ignition edge.
//
// The calculation maps the crank position within the ignition period onto
// 0-180 degrees, then subtracts the sensor offset. It wraps like the
// controller's unsigned arithmetic: a negative advance comes back as a large
// value, and only its low digits reach the display. ok is false for a zero
// ignition interval.
func (c Calculator) Advance(crank, ignition uint32) (advance uint32, ok bool) {
	if ignition == 0 {
		return 0, false
	}
	return 180*crank/ignition - c.FlywheelOffset, true
}

// Compute produces the display digits for one main loop iteration with a
// pending ignition event.
func (c Calculator) Compute(ignition, crank uint32, crankPending bool) Reading {
	var r Reading

	if rpm, ok := c.RPM(ignition); ok {
		Digits(rpm, r.RPM[:])
	} else {
		r.Overflow = true
		for i := range r.RPM {
			r.RPM[i] = OverflowDigit
		}
	}

	if crankPending {
		if adv, ok := c.Advance(crank, ignition); ok {
			Digits(adv, r.Advance[:])
			r.HasAdvance = true
		}
	}

	return r
}

// Signed interprets a wrapped advance value as a signed angle.
func Signed(advance uint32) int32 {
	return int32(advance) //nolint:gosec // Two's complement reinterpretation is intended
}

package display

import "github.com/richardwooding/ignitiontimer/internal/segment"

// Output drives the physical display lines.
type Output interface {
	// WriteSegments drives the segment lines (P2). 0 turns every segment off.
	WriteSegments(p segment.Pattern)
	// WriteSelect drives the digit select lines (P0), active low.
	WriteSelect(mask uint8)
}

// firstMask selects position 6, the first one lit after a wrap.
const firstMask = 0b10111111

// Multiplexer lights one digit position per tick.
type Multiplexer struct {
	digits *Digits
	out    Output
	ticker *Ticker

	// Refresh state, owned by Tick.
	pos  int
	mask uint8
}

// NewMultiplexer creates a multiplexer reading from digits, driving out and
// advancing ticker. ticker may be nil.
func NewMultiplexer(digits *Digits, out Output, ticker *Ticker) *Multiplexer {
	return &Multiplexer{
		digits: digits,
		out:    out,
		ticker: ticker,
		mask:   firstMask,
	}
}

// Tick is the refresh interrupt handler. It moves to the next position, with
// the select mask rotated rather than recomputed, then blanks the segments,
// selects the new position and drives its pattern. Blanking first keeps the
// old pattern from flashing on the new position.
func (m *Multiplexer) Tick() {
	if m.pos != 0 {
		m.pos--
		m.mask |= 0x80
		m.mask >>= 1
	} else {
		m.pos = segment.Positions - 1
		m.mask = firstMask
	}

	m.out.WriteSegments(0)
	m.out.WriteSelect(m.mask)
	m.out.WriteSegments(m.digits.Load(m.pos))

	if m.ticker != nil {
		m.ticker.Tick()
	}
}

// Position returns the position lit by the last tick.
func (m *Multiplexer) Position() int {
	return m.pos
}

// Mask returns the select mask written by the last tick.
func (m *Multiplexer) Mask() uint8 {
	return m.mask
}

// Reset restores the power-up refresh state.
func (m *Multiplexer) Reset() {
	m.pos = 0
	m.mask = firstMask
}

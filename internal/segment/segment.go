// Package segment holds the seven-segment encoding tables.
//
// A Table maps hexadecimal glyphs to the bit pattern expected by the display
// driver lines. The bit-to-segment wiring differs between boards, so each
// variant carries its own glyphs, its dash and decimal point bits, and the
// physical position of every digit.
package segment

import (
	"errors"
	"fmt"
)

// ErrUnknownLayout indicates the requested table variant does not exist.
var ErrUnknownLayout = errors.New("unknown display layout")

// Pattern is the byte written to the segment lines for one digit position.
type Pattern uint8

// Segment identifies one LED of a digit.
type Segment uint8

// Segments of a digit, in the conventional A-G order plus the decimal point.
const (
	A Segment = iota
	B
	C
	D
	E
	F
	G
	DP
)

// String returns the segment letter.
func (s Segment) String() string {
	if s == DP {
		return "DP"
	}
	if s > DP {
		return "?"
	}
	return string(rune('A' + s))
}

// Positions is the number of digit positions on the display.
const Positions = 7

// Layout places the RPM and advance digits on physical positions.
type Layout struct {
	// RPM positions, least significant digit first.
	RPM [4]int
	// Advance positions, least significant digit first.
	Advance [3]int
	// Columns lists the positions from left to right as seen by the driver.
	Columns [Positions]int
}

// Table is one display variant.
type Table struct {
	Name   string
	Glyphs [16]Pattern
	Dash   Pattern
	Point  Pattern
	// Bits maps a pattern bit index to the segment it lights.
	Bits   [8]Segment
	Layout Layout
}

// Direct is the variant with displays fitted on the front of the PCB.
var Direct = Table{
	Name: "direct",
	Glyphs: [16]Pattern{
		0b00111111, // 0
		0b00000110, // 1
		0b01011011, // 2
		0b01001111, // 3
		0b01100110, // 4
		0b01101101, // 5
		0b01111101, // 6
		0b00000111, // 7
		0b01111111, // 8
		0b01101111, // 9
		0b01110111, // A
		0b01111100, // b
		0b01011000, // c
		0b01011110, // d
		0b01111001, // E
		0b01110001, // F
	},
	Dash:  0b01000000,
	Point: 0b10000000,
	Bits:  [8]Segment{A, B, C, D, E, F, G, DP},
	Layout: Layout{
		RPM:     [4]int{6, 5, 4, 3},
		Advance: [3]int{2, 1, 0},
		Columns: [Positions]int{3, 4, 5, 6, 0, 1, 2},
	},
}

// Flipped is the variant with displays mounted on the rear of the PCB, which
// permutes the segment lines.
var Flipped = Table{
	Name: "flipped",
	Glyphs: [16]Pattern{
		0b11101101, // 0 ABCDEF
		0b01001000, // 1 BC
		0b11100110, // 2 AB DE G
		0b01101110, // 3 ABCD  G
		0b01001011, // 4 BC  FG
		0b00101111, // 5 A CD FG
		0b10101111, // 6 A CDEFG
		0b01101000, // 7 ABC
		0b11101111, // 8 ABCDEFG
		0b01101111, // 9 ABCD FG
		0b11101011, // A ABC EFG
		0b10001111, // b   CDEFG
		0b10000110, // c    DE G
		0b11001110, // d  BCDE G
		0b10100111, // E A  DEFG
		0b10100011, // F A   EFG
	},
	Dash:  0b00000010,
	Point: 0b00010000,
	Bits:  [8]Segment{F, G, D, C, DP, A, B, E},
	Layout: Layout{
		RPM:     [4]int{3, 4, 5, 6},
		Advance: [3]int{0, 1, 2},
		Columns: [Positions]int{6, 5, 4, 3, 2, 1, 0},
	},
}

// Lookup returns the table variant with the given name.
func Lookup(name string) (*Table, error) {
	switch name {
	case Direct.Name:
		return &Direct, nil
	case Flipped.Name:
		return &Flipped, nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownLayout, name)
}

// Names lists the available variants.
func Names() []string {
	return []string{Direct.Name, Flipped.Name}
}

// Encode returns the glyph for the low nibble of d.
func (t *Table) Encode(d uint8) Pattern {
	return t.Glyphs[d&0x0F]
}

// Lit reports whether segment s is on in pattern p.
func (t *Table) Lit(p Pattern, s Segment) bool {
	for bit, seg := range t.Bits {
		if seg == s {
			return p&(1<<bit) != 0
		}
	}
	return false
}

// Decode lists the segments lit by p, in bit order.
func (t *Table) Decode(p Pattern) []Segment {
	var segs []Segment
	for bit, seg := range t.Bits {
		if p&(1<<bit) != 0 {
			segs = append(segs, seg)
		}
	}
	return segs
}

// Char returns the character shown by p: a hex digit, '-' for the dash, ' '
// for a blank position and '?' for anything else. The decimal point is
// ignored.
func (t *Table) Char(p Pattern) byte {
	p &^= t.Point
	switch p {
	case 0:
		return ' '
	case t.Dash:
		return '-'
	}
	for d, g := range t.Glyphs {
		if g == p {
			return "0123456789ABCDEF"[d]
		}
	}
	return '?'
}

// Text reads a frame of patterns left to right in column order.
func (t *Table) Text(frame [Positions]Pattern) string {
	b := make([]byte, 0, Positions)
	for _, pos := range t.Layout.Columns {
		b = append(b, t.Char(frame[pos]))
	}
	return string(b)
}

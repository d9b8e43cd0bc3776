// Package render paints the seven-segment display as seen by a viewer.
//
// A Panel sits on the display lines in place of the LED module. It watches
// the select and segment writes of the multiplexer and keeps, per position,
// the pattern that was driven while that position was selected. A position
// stays visible for a few refresh periods after it was last driven, so a
// multiplexed display reads as a steady one.
package render

import (
	"image/color"
	"sync"

	"github.com/richardwooding/ignitiontimer/internal/segment"
)

const (
	// DigitWidth is the width of one digit cell in pixels, decimal point included.
	DigitWidth = 24
	// DigitHeight is the height of one digit cell in pixels.
	DigitHeight = 36
	// DigitStride is the distance between the left edges of two cells.
	DigitStride = 28
	// Margin surrounds the digits.
	Margin = 8

	// ScreenWidth is the panel width in pixels.
	ScreenWidth = 2*Margin + (segment.Positions-1)*DigitStride + DigitWidth
	// ScreenHeight is the panel height in pixels.
	ScreenHeight = 2*Margin + DigitHeight
)

// Color indices used in the framebuffer.
const (
	ColorBackground = 0
	ColorUnlit      = 1
	ColorLit        = 2
)

// DefaultPersistence is the number of refresh periods a position stays
// visible after it was last selected.
const DefaultPersistence = 2 * segment.Positions

// Palette maps framebuffer color indices to red LED colors.
var Palette = [3]color.RGBA{
	{0x10, 0x08, 0x08, 0xFF}, // Background
	{0x30, 0x10, 0x10, 0xFF}, // Unlit segment
	{0xFF, 0x30, 0x20, 0xFF}, // Lit segment
}

type rect struct {
	x0, y0, x1, y1 int
}

// Segment shapes within a digit cell.
var shapes = map[segment.Segment]rect{
	segment.A:  {3, 0, 17, 3},
	segment.B:  {17, 3, 20, 17},
	segment.C:  {17, 19, 20, 33},
	segment.D:  {3, 33, 17, 36},
	segment.E:  {0, 19, 3, 33},
	segment.F:  {0, 3, 3, 17},
	segment.G:  {3, 16, 17, 19},
	segment.DP: {21, 33, 24, 36},
}

// Panel is a display.Output that renders what the LEDs show.
type Panel struct {
	mu sync.Mutex

	table       *segment.Table
	persistence uint32

	selected uint8 // select lines, active low
	shown    [segment.Positions]segment.Pattern
	age      [segment.Positions]uint32 // select writes since the position was last selected

	// Framebuffer: ScreenWidth x ScreenHeight color indices
	framebuffer [ScreenWidth * ScreenHeight]uint8
}

// NewPanel creates a dark panel decoding patterns through table.
func NewPanel(table *segment.Table) *Panel {
	p := &Panel{
		table:       table,
		persistence: DefaultPersistence,
	}
	p.Reset()
	return p
}

// SetPersistence changes how many refresh periods a position stays visible.
func (p *Panel) SetPersistence(periods uint32) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.persistence = periods
}

// WriteSelect latches the select lines. Every newly selected position starts
// a fresh on-time window.
func (p *Panel) WriteSelect(mask uint8) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.selected = mask
	for pos := range p.shown {
		if mask&(1<<pos) == 0 {
			p.shown[pos] = 0
			p.age[pos] = 0
		} else if p.age[pos] <= p.persistence {
			p.age[pos]++
		}
	}
}

// WriteSegments drives the segment lines of every selected position.
func (p *Panel) WriteSegments(pattern segment.Pattern) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for pos := range p.shown {
		if p.selected&(1<<pos) == 0 {
			p.shown[pos] |= pattern
		}
	}
}

// Frame returns the pattern visible at each position. Positions not driven
// within the persistence window read as blank.
func (p *Panel) Frame() [segment.Positions]segment.Pattern {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.visible()
}

func (p *Panel) visible() [segment.Positions]segment.Pattern {
	var f [segment.Positions]segment.Pattern
	for pos := range f {
		if p.age[pos] <= p.persistence {
			f[pos] = p.shown[pos]
		}
	}
	return f
}

// Text returns the visible characters left to right.
func (p *Panel) Text() string {
	return p.table.Text(p.Frame())
}

// Render paints the visible frame into the framebuffer.
func (p *Panel) Render() {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.clear()
	frame := p.visible()
	for col, pos := range p.table.Layout.Columns {
		x := Margin + col*DigitStride
		for seg, r := range shapes {
			c := uint8(ColorUnlit)
			if p.table.Lit(frame[pos], seg) {
				c = ColorLit
			}
			p.fill(x, Margin, r, c)
		}
	}
}

func (p *Panel) fill(x, y int, r rect, c uint8) {
	for py := y + r.y0; py < y+r.y1; py++ {
		offset := py * ScreenWidth
		for px := x + r.x0; px < x+r.x1; px++ {
			p.framebuffer[offset+px] = c
		}
	}
}

func (p *Panel) clear() {
	for i := range p.framebuffer {
		p.framebuffer[i] = ColorBackground
	}
}

// ColorAt returns the color index of the rendered pixel at x, y.
func (p *Panel) ColorAt(x, y int) uint8 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.framebuffer[y*ScreenWidth+x]
}

// Pixels converts the framebuffer to RGBA bytes in dst, which must hold
// ScreenWidth*ScreenHeight*4 bytes.
func (p *Panel) Pixels(dst []byte) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for i, colorIndex := range p.framebuffer {
		c := Palette[colorIndex]
		offset := i * 4
		dst[offset] = c.R
		dst[offset+1] = c.G
		dst[offset+2] = c.B
		dst[offset+3] = c.A
	}
}

// Reset darkens the panel.
func (p *Panel) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.selected = 0xFF
	p.shown = [segment.Positions]segment.Pattern{}
	for pos := range p.age {
		p.age[pos] = p.persistence + 1
	}
	p.clear()
}

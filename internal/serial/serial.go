// Package serial implements the instrument's half-duplex character line.
//
// Transmission is byte at a time from the main loop, optionally paced at the
// line rate with the watchdog serviced while waiting for the shift register.
// Reception is a single command byte stored by the receive handler; a new byte
// replaces one that has not been handled yet.
package serial

import (
	"io"
	"runtime"
	"sync/atomic"
	"time"

	"github.com/richardwooding/ignitiontimer/internal/watchdog"
)

// Port is one serial line.
type Port struct {
	tx io.Writer

	charTime time.Duration
	feeder   watchdog.Feeder
	now      func() time.Time

	command atomic.Uint32 // pending received byte, 0 when none
	err     error
	sent    uint64
}

// New creates a Port transmitting to tx without pacing.
func New(tx io.Writer) *Port {
	return &Port{
		tx:     tx,
		feeder: watchdog.Nop{},
		now:    time.Now,
	}
}

// SetPacing makes every character take charTime, feeding f while waiting.
func (p *Port) SetPacing(charTime time.Duration, f watchdog.Feeder) {
	p.charTime = charTime
	if f != nil {
		p.feeder = f
	}
}

// Receive is the receive interrupt handler. A NUL byte reads as no command.
func (p *Port) Receive(b byte) {
	p.command.Store(uint32(b))
}

// Command returns the pending received byte.
func (p *Port) Command() (byte, bool) {
	c := p.command.Load()
	return byte(c), c != 0 //nolint:gosec // The slot is only stored from a byte
}

// ClearCommand marks the pending byte as handled.
func (p *Port) ClearCommand() {
	p.command.Store(0)
}

// EmitChar sends one character. After the first write error the port stops
// transmitting; Err reports it.
func (p *Port) EmitChar(c byte) {
	if p.err != nil {
		return
	}
	if _, err := p.tx.Write([]byte{c}); err != nil {
		p.err = err
		return
	}
	p.sent++
	p.waitShifted()
}

// waitShifted spins for one character time, feeding the watchdog.
func (p *Port) waitShifted() {
	if p.charTime <= 0 {
		return
	}
	start := p.now()
	for p.now().Sub(start) < p.charTime {
		p.feeder.Feed()
		runtime.Gosched()
	}
}

// EmitString sends s.
func (p *Port) EmitString(s string) {
	for i := 0; i < len(s); i++ {
		p.EmitChar(s[i])
	}
}

// EmitDigits sends decimal digits as ASCII.
func (p *Port) EmitDigits(d []uint8) {
	for _, v := range d {
		p.EmitChar('0' + v)
	}
}

// Newline sends CR LF.
func (p *Port) Newline() {
	p.EmitChar('\r')
	p.EmitChar('\n')
}

// Echo sends c back, expanding CR to CR LF.
func (p *Port) Echo(c byte) {
	p.EmitChar(c)
	if c == '\r' {
		p.EmitChar('\n')
	}
}

// Err returns the first transmit error.
func (p *Port) Err() error {
	return p.err
}

// Sent returns the number of characters transmitted.
func (p *Port) Sent() uint64 {
	return p.sent
}

// Reset drops the pending command and clears the transmit error.
func (p *Port) Reset() {
	p.command.Store(0)
	p.err = nil
}

// Package simulator provides an emulated instrument board that ties the
// capture counters, display refresh and main loop to a simulated engine.
//
// Hardware time is counted in machine cycles. RunCycles advances the board
// deterministically, delivering every engine edge at its exact cycle.
// RunFrames additionally runs the main loop, one iteration per cadence
// window. Run drives everything in real time on separate goroutines.
package simulator

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/richardwooding/ignitiontimer/internal/capture"
	"github.com/richardwooding/ignitiontimer/internal/config"
	"github.com/richardwooding/ignitiontimer/internal/display"
	"github.com/richardwooding/ignitiontimer/internal/hwtimer"
	"github.com/richardwooding/ignitiontimer/internal/instrument"
	"github.com/richardwooding/ignitiontimer/internal/render"
	"github.com/richardwooding/ignitiontimer/internal/serial"
	"github.com/richardwooding/ignitiontimer/internal/switches"
	"github.com/richardwooding/ignitiontimer/internal/watchdog"
)

// ErrRunning indicates Run was called on a simulator that is already running.
var ErrRunning = errors.New("simulator already running")

// DefaultWatchdogMillis is the watchdog timeout of the simulated board.
const DefaultWatchdogMillis = 1000

// Simulator is one emulated board.
type Simulator struct {
	Timing config.Timing

	Engine     *Engine
	Capture    *capture.Capture
	Digits     *display.Digits
	Ticker     *display.Ticker
	Mux        *display.Multiplexer
	Panel      *render.Panel
	Serial     *serial.Port
	Switches   *switches.Bank
	Watchdog   *watchdog.Timer
	Instrument *instrument.Instrument

	timer0 *hwtimer.Timer // free-running capture counter
	timer2 *hwtimer.Timer // display refresh

	mu     sync.Mutex // guards hardware state while Run is active
	cycles uint64

	tx syncBuffer

	onIgnition func()
	running    bool
}

// New creates a powered-up board in measure mode with serial reporting off.
func New(t config.Timing) (*Simulator, error) {
	if err := t.Validate(); err != nil {
		return nil, fmt.Errorf("failed to configure simulator: %w", err)
	}

	wd, err := watchdog.New(watchdog.Config{TimeoutMillis: DefaultWatchdogMillis})
	if err != nil {
		return nil, fmt.Errorf("failed to create watchdog: %w", err)
	}

	s := &Simulator{
		Timing:   t,
		Engine:   NewEngine(t.Crystal.IgnitionFactor, t.FlywheelOffset),
		Digits:   &display.Digits{},
		Ticker:   &display.Ticker{},
		Panel:    render.NewPanel(t.Layout),
		Switches: switches.New(nil),
		Watchdog: wd,
	}

	s.timer0 = hwtimer.New(func() { s.Capture.Overflow() })
	s.Capture = capture.New(s.timer0)
	s.Mux = display.NewMultiplexer(s.Digits, s.Panel, s.Ticker)
	s.timer2 = hwtimer.NewAutoReload(t.Crystal.RefreshReload, s.Mux.Tick)
	s.Serial = serial.New(&s.tx)

	s.Switches.Set(switches.Switch2, true)
	s.Switches.Set(switches.Switch3, true)
	s.Switches.Set(switches.Switch4, true)

	s.Instrument = instrument.New(instrument.Config{
		Calculator:   t.Calculator(),
		Table:        t.Layout,
		Capture:      s.Capture,
		Digits:       s.Digits,
		Ticker:       s.Ticker,
		Switches:     s.Switches,
		Serial:       s.Serial,
		Watchdog:     s.Watchdog,
		CadenceTicks: t.CadenceTicks(),
	})

	return s, nil
}

// SetIgnitionHook registers a function called on every ignition edge. It
// must be set before the board runs.
func (s *Simulator) SetIgnitionHook(fn func()) {
	s.onIgnition = fn
}

// SetVerbose turns serial reporting on or off (switch 4).
func (s *Simulator) SetVerbose(on bool) {
	s.Switches.Set(switches.Switch4, !on)
}

// SetRawHex turns the raw hex diagnostic on or off (switch 2).
func (s *Simulator) SetRawHex(on bool) {
	s.Switches.Set(switches.Switch2, !on)
}

// Cycles returns the machine cycles elapsed since power-up.
func (s *Simulator) Cycles() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cycles
}

// RunCycles advances the hardware by the given number of machine cycles.
func (s *Simulator) RunCycles(cycles uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.runCycles(cycles)
}

func (s *Simulator) runCycles(cycles uint64) {
	target := s.cycles + cycles
	for {
		ev, ok := s.Engine.Next(s.cycles)
		if !ok || ev.At > target {
			break
		}
		s.advance(ev.At - s.cycles)
		s.Engine.Pop()
		s.deliver(ev.Edge)
	}
	s.advance(target - s.cycles)
}

// advance moves both counters forward, raising their interrupts.
func (s *Simulator) advance(cycles uint64) {
	for cycles > 0 {
		step := uint32(0xFFFFFFFF)
		if cycles < uint64(step) {
			step = uint32(cycles)
		}
		s.timer0.Update(step)
		s.timer2.Update(step)
		s.cycles += uint64(step)
		cycles -= uint64(step)
	}
}

func (s *Simulator) deliver(edge Edge) {
	switch edge {
	case EdgeIgnition:
		s.Capture.HandleIgnition()
		if s.onIgnition != nil {
			s.onIgnition()
		}
	case EdgeCrank:
		s.Capture.HandleCrank()
	}
}

// RunFrames runs n main loop iterations, each followed by exactly one
// cadence window of hardware time.
func (s *Simulator) RunFrames(n int) {
	for i := 0; i < n; i++ {
		s.Instrument.Step()
		s.mu.Lock()
		for s.Ticker.Millis() < s.Timing.CadenceTicks() {
			s.runCycles(uint64(s.timer2.Until()))
		}
		s.mu.Unlock()
		s.Ticker.Reset()
	}
}

// Run drives the board in real time until ctx is done. The hardware, the
// main loop and the watchdog each run on their own goroutine. A watchdog
// expiry drops any stale edge events; Watchdog.Resets counts them.
func (s *Simulator) Run(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return ErrRunning
	}
	s.running = true
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
	}()

	s.Serial.SetPacing(s.Timing.CharTime(), s.Watchdog)
	defer s.Serial.SetPacing(0, nil)

	s.Watchdog.Start()
	defer s.Watchdog.Stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return s.runHardware(gctx) })
	g.Go(func() error { return s.Instrument.Run(gctx) })
	g.Go(func() error { return s.Watchdog.Run(gctx, s.Capture.Reset) })

	if err := g.Wait(); err != nil && ctx.Err() == nil {
		return err
	}
	return nil
}

// runHardware converts wall time to machine cycles once per millisecond.
func (s *Simulator) runHardware(ctx context.Context) error {
	hz := uint64(s.Timing.MachineHz())
	ticker := time.NewTicker(time.Millisecond)
	defer ticker.Stop()

	start := time.Now()
	var done uint64
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case now := <-ticker.C:
			elapsed := now.Sub(start)
			secs := uint64(elapsed / time.Second)
			frac := uint64(elapsed % time.Second)
			due := secs*hz + frac*hz/uint64(time.Second)
			if due > done {
				s.RunCycles(due - done)
				done = due
			}
		}
	}
}

// Receive delivers a byte on the serial receive line.
func (s *Simulator) Receive(b byte) {
	s.Serial.Receive(b)
}

// SetTransmitter copies serial output to w as it is sent.
func (s *Simulator) SetTransmitter(w io.Writer) {
	s.tx.setTee(w)
}

// SerialOutput returns everything transmitted since power-up.
func (s *Simulator) SerialOutput() string {
	return s.tx.String()
}

// Frame returns the committed digit buffer.
func (s *Simulator) Frame() display.Frame {
	return s.Digits.Snapshot()
}

// Text returns the committed digits left to right.
func (s *Simulator) Text() string {
	return s.Timing.Layout.Text(s.Digits.Snapshot())
}

// Reset restores the power-up state of the board. Engine and switch
// settings are kept.
func (s *Simulator) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.cycles = 0
	s.timer0.Reset()
	s.timer2.Reset()
	s.Engine.Reset()
	s.Capture.Reset()
	s.Mux.Reset()
	s.Ticker.Reset()
	s.Panel.Reset()
	s.Serial.Reset()
	s.Instrument.Reset()
	s.tx.Reset()
}

// syncBuffer is a bytes.Buffer safe for one writer and concurrent readers.
// Writes are copied to tee when set.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
	tee io.Writer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.tee != nil {
		if _, err := b.tee.Write(p); err != nil {
			return 0, err
		}
	}
	return b.buf.Write(p)
}

func (b *syncBuffer) setTee(w io.Writer) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.tee = w
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func (b *syncBuffer) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.buf.Reset()
}

// Package board runs the instrument on a Linux single-board computer.
//
// Ignition and crank edges arrive on GPIO inputs configured for falling
// edges, the DIP switches are read from pulled-up inputs and the LED module
// is driven directly from GPIO outputs. The capture counter is derived from
// the monotonic clock and the display refresh runs from a 1 kHz ticker.
package board

import (
	"context"
	"fmt"
	"io"
	"log"
	"time"

	"golang.org/x/sync/errgroup"
	"periph.io/x/conn/v3/gpio"
	"periph.io/x/host/v3"

	"github.com/richardwooding/ignitiontimer/internal/capture"
	"github.com/richardwooding/ignitiontimer/internal/config"
	"github.com/richardwooding/ignitiontimer/internal/display"
	"github.com/richardwooding/ignitiontimer/internal/instrument"
	"github.com/richardwooding/ignitiontimer/internal/serial"
	"github.com/richardwooding/ignitiontimer/internal/watchdog"
)

// edgePoll bounds how long an edge watcher blocks before checking for
// shutdown.
const edgePoll = 100 * time.Millisecond

// WatchdogMillis is the watchdog timeout of the board.
const WatchdogMillis = 1000

// Board is the instrument wired to GPIO lines.
type Board struct {
	Timing config.Timing

	Capture    *capture.Capture
	Digits     *display.Digits
	Ticker     *display.Ticker
	Mux        *display.Multiplexer
	Serial     *serial.Port
	Watchdog   *watchdog.Timer
	Instrument *instrument.Instrument

	Clock    *Clock
	Switches *SwitchPort
	Display  *DisplayPort

	ignition gpio.PinIn
	crank    gpio.PinIn
	latch    gpio.PinOut
}

// Open initializes the host drivers, resolves the named pins and creates the
// board.
func Open(t config.Timing, pins Pins, tx io.Writer) (*Board, error) {
	if _, err := host.Init(); err != nil {
		return nil, fmt.Errorf("failed to initialize host: %w", err)
	}
	set, err := pins.Resolve()
	if err != nil {
		return nil, err
	}
	return New(t, set, tx)
}

// New configures the pins and creates the board. Serial output goes to tx.
func New(t config.Timing, pins PinSet, tx io.Writer) (*Board, error) {
	if err := t.Validate(); err != nil {
		return nil, fmt.Errorf("failed to configure board: %w", err)
	}
	if err := pins.check(); err != nil {
		return nil, err
	}

	for _, pin := range []gpio.PinIn{pins.Ignition, pins.Crank} {
		if err := pin.In(gpio.PullUp, gpio.FallingEdge); err != nil {
			return nil, fmt.Errorf("failed to configure %s: %w", pin, err)
		}
	}
	for _, pin := range pins.Switches {
		if err := pin.In(gpio.PullUp, gpio.NoEdge); err != nil {
			return nil, fmt.Errorf("failed to configure %s: %w", pin, err)
		}
	}

	wd, err := watchdog.New(watchdog.Config{TimeoutMillis: WatchdogMillis})
	if err != nil {
		return nil, fmt.Errorf("failed to create watchdog: %w", err)
	}

	b := &Board{
		Timing:   t,
		Digits:   &display.Digits{},
		Ticker:   &display.Ticker{},
		Serial:   serial.New(tx),
		Watchdog: wd,
		Switches: &SwitchPort{pins: pins.Switches},
		Display:  &DisplayPort{segments: pins.Segments, selects: pins.Select},
		ignition: pins.Ignition,
		crank:    pins.Crank,
		latch:    pins.Latch,
	}

	b.Clock = NewClock(t.MachineHz(), func() { b.Capture.Overflow() })
	b.Capture = capture.New(b.Clock)
	if b.latch != nil {
		if err := b.latch.Out(gpio.Low); err != nil {
			return nil, fmt.Errorf("failed to configure %s: %w", b.latch, err)
		}
		b.Capture.SetLatchHook(b.driveLatch)
	}
	b.Mux = display.NewMultiplexer(b.Digits, b.Display, b.Ticker)
	b.Serial.SetPacing(t.CharTime(), b.Watchdog)

	b.Instrument = instrument.New(instrument.Config{
		Calculator:   t.Calculator(),
		Table:        t.Layout,
		Capture:      b.Capture,
		Digits:       b.Digits,
		Ticker:       b.Ticker,
		Switches:     b.Switches,
		Serial:       b.Serial,
		Watchdog:     b.Watchdog,
		CadenceTicks: t.CadenceTicks(),
	})

	return b, nil
}

func (b *Board) driveLatch(latched bool) {
	if err := b.latch.Out(gpio.Level(latched)); err != nil {
		log.Printf("latch: %v", err)
	}
}

// Run operates the instrument until ctx is done.
func (b *Board) Run(ctx context.Context) error {
	b.Watchdog.Start()
	defer b.Watchdog.Stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return watchEdges(gctx, b.ignition, b.Capture.HandleIgnition) })
	g.Go(func() error { return watchEdges(gctx, b.crank, b.Capture.HandleCrank) })
	g.Go(func() error { return b.Clock.Run(gctx) })
	g.Go(func() error { return b.refresh(gctx) })
	g.Go(func() error { return b.Instrument.Run(gctx) })
	g.Go(func() error { return b.Watchdog.Run(gctx, b.expired) })

	err := g.Wait()
	if derr := b.Display.Err(); derr != nil {
		log.Printf("display: %v", derr)
	}
	if err != nil && ctx.Err() == nil {
		return err
	}
	return nil
}

func (b *Board) expired() {
	log.Printf("watchdog expired after %v without a feed", b.Watchdog.Timeout())
	b.Capture.Reset()
}

// refresh ticks the multiplexer once per millisecond.
func (b *Board) refresh(ctx context.Context) error {
	ticker := time.NewTicker(time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			b.Display.WriteSegments(0)
			return ctx.Err()
		case <-ticker.C:
			b.Mux.Tick()
		}
	}
}

// watchEdges calls handle for every edge on pin until ctx is done.
func watchEdges(ctx context.Context, pin gpio.PinIn, handle func()) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		if pin.WaitForEdge(edgePoll) {
			handle()
		}
	}
}

// Probe waits up to timeout for an ignition edge, for checking the wiring.
func (b *Board) Probe(timeout time.Duration) error {
	if !b.ignition.WaitForEdge(timeout) {
		return fmt.Errorf("%w on %s within %v", ErrNoEdges, b.ignition, timeout)
	}
	return nil
}

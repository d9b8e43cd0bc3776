package instrument

import (
	"bytes"
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/richardwooding/ignitiontimer/internal/capture"
	"github.com/richardwooding/ignitiontimer/internal/display"
	"github.com/richardwooding/ignitiontimer/internal/hwtimer"
	"github.com/richardwooding/ignitiontimer/internal/reading"
	"github.com/richardwooding/ignitiontimer/internal/segment"
	"github.com/richardwooding/ignitiontimer/internal/serial"
	"github.com/richardwooding/ignitiontimer/internal/switches"
)

// autoTicker advances by one every time it is read.
type autoTicker struct {
	ms atomic.Uint32
}

func (a *autoTicker) Millis() uint32 { return a.ms.Add(1) - 1 }
func (a *autoTicker) Reset()         { a.ms.Store(0) }

type countingFeeder struct {
	feeds atomic.Int64
}

func (f *countingFeeder) Feed() { f.feeds.Add(1) }

type rig struct {
	in      *Instrument
	timer   *hwtimer.Timer
	capture *capture.Capture
	digits  *display.Digits
	bank    *switches.Bank
	out     *bytes.Buffer
	serial  *serial.Port
	ticker  *autoTicker
	feeder  *countingFeeder
	table   *segment.Table
}

// newRig builds an instrument with 22.1184 MHz constants, the flipped
// layout and switches set for measuring without serial output.
func newRig(t *testing.T) *rig {
	t.Helper()

	r := &rig{
		digits: &display.Digits{},
		bank:   switches.New(nil),
		out:    &bytes.Buffer{},
		ticker: &autoTicker{},
		feeder: &countingFeeder{},
		table:  &segment.Flipped,
	}
	r.timer = hwtimer.New(func() { r.capture.Overflow() })
	r.capture = capture.New(r.timer)
	r.serial = serial.New(r.out)

	r.bank.Set(switches.Switch2, true)
	r.bank.Set(switches.Switch3, true)
	r.bank.Set(switches.Switch4, true)

	r.in = New(Config{
		Calculator: reading.Calculator{
			IgnitionFactor: 55312384,
			MinCount:       5532,
			FlywheelOffset: reading.DefaultFlywheelOffset,
		},
		Table:        r.table,
		Capture:      r.capture,
		Digits:       r.digits,
		Ticker:       r.ticker,
		Switches:     r.bank,
		Serial:       r.serial,
		Watchdog:     r.feeder,
		CadenceTicks: 250,
	})
	return r
}

// edges produces an ignition period with an optional crank pulse.
func (r *rig) edges(crank, period uint32, withCrank bool) {
	r.capture.HandleIgnition()
	if withCrank {
		r.timer.Update(crank)
		r.capture.HandleCrank()
		r.timer.Update(period - crank)
	} else {
		r.timer.Update(period)
	}
	r.capture.HandleIgnition()
}

// text decodes the frame into characters per position, '-' for dash.
func (r *rig) text(f display.Frame) [segment.Positions]byte {
	var s [segment.Positions]byte
	for pos, p := range f {
		s[pos] = '?'
		if p == r.table.Dash {
			s[pos] = '-'
			continue
		}
		for d := uint8(0); d < 16; d++ {
			if r.table.Encode(d) == p&^r.table.Point {
				s[pos] = "0123456789ABCDEF"[d]
			}
		}
	}
	return s
}

// shown reads the frame left to right in display columns.
func (r *rig) shown() string {
	chars := r.text(r.digits.Snapshot())
	var b []byte
	for _, pos := range r.table.Layout.Columns {
		b = append(b, chars[pos])
	}
	return string(b)
}

func TestStepNoIgnition(t *testing.T) {
	r := newRig(t)

	r.in.Step()

	if got := r.shown(); got != "-------" {
		t.Errorf("display = %q, want all dashes", got)
	}
	if r.in.Last().State != StateNoIgnition {
		t.Errorf("state = %s, want no ignition", r.in.Last().State)
	}
	if r.out.Len() != 0 {
		t.Errorf("serial output %q, want none", r.out.String())
	}
}

func TestStepRPMAndAdvance(t *testing.T) {
	r := newRig(t)
	r.edges(9000, 10000, true)

	r.in.Step()

	if got := r.shown(); got != "5531134" {
		t.Errorf("display = %q, want 5531134", got)
	}
	if r.in.Last().State != StateWithAdvance {
		t.Errorf("state = %s, want rpm and advance", r.in.Last().State)
	}

	// Physical positions for the flipped board.
	chars := r.text(r.digits.Snapshot())
	if string(chars[:]) != "4311355" {
		t.Errorf("positions 0..6 = %q, want 4311355", string(chars[:]))
	}
}

func TestStepDirectLayout(t *testing.T) {
	r := newRig(t)
	r.table = &segment.Direct
	r.in.table = &segment.Direct
	r.edges(9000, 10000, true)

	r.in.Step()

	chars := r.text(r.digits.Snapshot())
	if string(chars[:]) != "1345531" {
		t.Errorf("positions 0..6 = %q, want 1345531", string(chars[:]))
	}
}

func TestStepNoCrank(t *testing.T) {
	r := newRig(t)
	r.edges(0, 10000, false)

	r.in.Step()

	if got := r.shown(); got != "5531---" {
		t.Errorf("display = %q, want 5531---", got)
	}
	if r.in.Last().State != StateNoAdvance {
		t.Errorf("state = %s, want rpm only", r.in.Last().State)
	}
}

func TestStepOverflow(t *testing.T) {
	r := newRig(t)
	r.edges(0, 5531, false)

	r.in.Step()

	if got := r.shown(); got != "9999---" {
		t.Errorf("display = %q, want 9999---", got)
	}
	if !r.in.Last().Reading.Overflow {
		t.Error("reading should be flagged as overflow")
	}
}

func TestStepVerboseSerial(t *testing.T) {
	tests := []struct {
		name      string
		withCrank bool
		want      string
	}{
		{"with advance", true, "5531 134\r\n"},
		{"without advance", false, "5531 \r\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := newRig(t)
			r.bank.Set(switches.Switch4, false)
			r.edges(9000, 10000, tt.withCrank)

			r.in.Step()

			if got := r.out.String(); got != tt.want {
				t.Errorf("serial = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestStepRawDiagnostic(t *testing.T) {
	r := newRig(t)
	r.bank.Set(switches.Switch2, false)

	// Ignition period 0x012710, crank at 0x005FA4.
	r.edges(0x005FA4, 0x012710, true)

	r.in.Step()

	if r.in.Last().State != StateRawDiagnostic {
		t.Fatalf("state = %s, want raw diagnostic", r.in.Last().State)
	}

	f := r.digits.Snapshot()
	chars := r.text(f)
	layout := r.table.Layout

	// Least significant nibble first.
	wantRPM := "0172"
	for i, pos := range layout.RPM {
		if chars[pos] != wantRPM[i] {
			t.Errorf("RPM position %d = %c, want %c", i, chars[pos], wantRPM[i])
		}
	}
	wantAdv := "4AF"
	for i, pos := range layout.Advance {
		if chars[pos] != wantAdv[i] {
			t.Errorf("advance position %d = %c, want %c", i, chars[pos], wantAdv[i])
		}
	}

	// Extension 0x01 sets the first RPM point only.
	for i, pos := range layout.RPM {
		point := f[pos]&r.table.Point != 0
		if point != (i == 0) {
			t.Errorf("RPM position %d point = %v", i, point)
		}
	}
	// Crank high byte 0x5F has bits 4 and 6 set.
	wantPoints := []bool{true, false, true}
	for i, pos := range layout.Advance {
		if point := f[pos]&r.table.Point != 0; point != wantPoints[i] {
			t.Errorf("advance position %d point = %v, want %v", i, point, wantPoints[i])
		}
	}

	if r.out.Len() != 0 {
		t.Errorf("raw diagnostic should not report over serial, got %q", r.out.String())
	}
}

func TestStepRawDiagnosticNoCrank(t *testing.T) {
	r := newRig(t)
	r.bank.Set(switches.Switch2, false)
	r.edges(0, 0x2710, false)

	r.in.Step()

	chars := r.text(r.digits.Snapshot())
	for _, pos := range r.table.Layout.Advance {
		if chars[pos] != '-' {
			t.Errorf("advance position %d = %c, want dash", pos, chars[pos])
		}
	}
}

func TestStepSerialTestMode(t *testing.T) {
	r := newRig(t)
	r.bank.Set(switches.Switch3, false)
	r.bank.Set(switches.Switch4, false)

	r.edges(9000, 10000, true)
	before := r.digits.Snapshot()

	r.in.Step()
	r.in.Step()

	if got := r.out.String(); got != SerialBanner+SerialBanner {
		t.Errorf("serial = %q, want banner twice", got)
	}
	if r.digits.Snapshot() != before {
		t.Error("serial test mode should leave the display unchanged")
	}
	if r.capture.Ignition.Pending() || r.capture.Crank.Pending() {
		t.Error("pending events should be released in every mode")
	}
}

func TestStepDisplayTestMode(t *testing.T) {
	r := newRig(t)
	r.bank.Set(switches.Switch3, false)

	tests := []struct {
		glyph uint8
		point int
	}{
		{0, 0}, {0, 1}, {1, 2}, {1, 3}, {2, 4}, {2, 5}, {3, 6}, {3, 7},
	}

	for step, tt := range tests {
		r.in.Step()
		f := r.digits.Snapshot()
		for pos, p := range f {
			want := r.table.Encode(tt.glyph)
			if pos == tt.point {
				want |= r.table.Point
			}
			if p != want {
				t.Errorf("step %d position %d = %08b, want %08b", step, pos, p, want)
			}
		}
	}
}

func TestStepDisplayTestWraps(t *testing.T) {
	r := newRig(t)
	r.bank.Set(switches.Switch3, false)

	// 32 steps cover every glyph twice; step 32 starts over.
	for i := 0; i < 32; i++ {
		r.in.Step()
	}
	r.in.Step()

	if got := r.digits.Load(1); got != r.table.Encode(0) {
		t.Errorf("after wrap position 1 = %08b, want glyph 0", got)
	}
}

func TestStepReleasesEvents(t *testing.T) {
	r := newRig(t)
	r.edges(9000, 10000, true)

	r.in.Step()
	if r.capture.Ignition.Pending() || r.capture.Crank.Pending() {
		t.Fatal("events should be released after Step")
	}

	// Nothing new arrived: the next iteration shows dashes.
	r.in.Step()
	if got := r.shown(); got != "-------" {
		t.Errorf("display = %q, want all dashes", got)
	}
}

func TestStepEcho(t *testing.T) {
	r := newRig(t)

	r.serial.Receive('\r')
	r.in.Step()

	if got := r.out.String(); got != "\r\n" {
		t.Errorf("serial = %q, want CR LF", got)
	}
	if _, ok := r.serial.Command(); ok {
		t.Error("command should be cleared after echo")
	}
}

func TestStepFeedsWatchdog(t *testing.T) {
	r := newRig(t)
	r.in.Step()
	if r.feeder.feeds.Load() == 0 {
		t.Error("Step should feed the watchdog")
	}
}

func TestWait(t *testing.T) {
	r := newRig(t)
	r.in.yield = func() {}

	if err := r.in.Wait(context.Background()); err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if r.ticker.ms.Load() < 250 {
		t.Errorf("Wait returned at %d ms, want at least 250", r.ticker.ms.Load())
	}
	if r.feeder.feeds.Load() < 250 {
		t.Errorf("feeds during wait = %d, want one per poll", r.feeder.feeds.Load())
	}
}

// stuckTicker never advances.
type stuckTicker struct{}

func (stuckTicker) Millis() uint32 { return 0 }
func (stuckTicker) Reset()         {}

func TestWaitCancelled(t *testing.T) {
	r := newRig(t)
	r.in.ticker = stuckTicker{}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	if err := r.in.Wait(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Wait = %v, want DeadlineExceeded", err)
	}
}

// TestRunWithRefresh runs the loop against a real display tick.
func TestRunWithRefresh(t *testing.T) {
	r := newRig(t)
	ticker := &display.Ticker{}
	r.in.ticker = ticker
	r.in.cadence = 5

	mux := display.NewMultiplexer(r.digits, discard{}, ticker)

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	go func() {
		tick := time.NewTicker(time.Millisecond)
		defer tick.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-tick.C:
				mux.Tick()
			}
		}
	}()

	r.edges(9000, 10000, true)
	if err := r.in.Run(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Run = %v, want DeadlineExceeded", err)
	}

	// The first iteration consumed the edges, later ones found nothing.
	if got := r.shown(); got != "-------" {
		t.Errorf("display = %q, want all dashes after the engine stopped", got)
	}
}

type discard struct{}

func (discard) WriteSegments(segment.Pattern) {}
func (discard) WriteSelect(uint8)             {}

func TestReset(t *testing.T) {
	r := newRig(t)
	r.bank.Set(switches.Switch3, false)
	r.in.Step()
	r.in.Step()

	r.in.Reset()

	if r.digits.Snapshot() != (display.Frame{}) {
		t.Error("Reset should blank the display")
	}
	r.in.Step()
	if r.digits.Load(0)&r.table.Point == 0 {
		t.Error("display test should restart from step 0 after Reset")
	}
}

func TestStateString(t *testing.T) {
	for s := StateNoIgnition; s <= StateTest; s++ {
		if s.String() == "unknown" {
			t.Errorf("State(%d) has no name", s)
		}
	}
}

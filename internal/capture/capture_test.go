package capture

import (
	"testing"

	"github.com/richardwooding/ignitiontimer/internal/hwtimer"
)

// newTestCapture wires a Capture to an emulated timer 0, the same way the
// board does.
func newTestCapture() (*Capture, *hwtimer.Timer) {
	var c *Capture
	timer := hwtimer.New(func() { c.Overflow() })
	c = New(timer)
	return c, timer
}

func TestWideTimestampValue(t *testing.T) {
	tests := []struct {
		name string
		ts   WideTimestamp
		want uint32
	}{
		{"zero", WideTimestamp{}, 0},
		{"low only", WideTimestamp{Low: 0x10}, 0x10},
		{"all bytes", WideTimestamp{Low: 0x10, High: 0x27, Ext: 0x01}, 0x012710},
		{"max", WideTimestamp{Low: 0xFF, High: 0xFF, Ext: 0xFF}, 0xFFFFFF},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.ts.Value(); got != tt.want {
				t.Errorf("Value() = 0x%06X, want 0x%06X", got, tt.want)
			}
			if got := Unpack(tt.want); got != tt.ts {
				t.Errorf("Unpack(0x%06X) = %+v, want %+v", tt.want, got, tt.ts)
			}
		})
	}
}

func TestUnpackDropsHighByte(t *testing.T) {
	if got := Unpack(0xAB123456).Value(); got != 0x123456 {
		t.Errorf("Unpack(0xAB123456).Value() = 0x%06X, want 0x123456", got)
	}
}

func TestIgnitionPeriod(t *testing.T) {
	c, timer := newTestCapture()

	// First edge sets the epoch.
	c.HandleIgnition()
	c.Ignition.Clear()

	// 2.5 counter periods later.
	timer.Update(2*0x10000 + 0x8000)
	c.HandleIgnition()

	ts, pending := c.Ignition.Claim()
	if !pending {
		t.Fatal("ignition event should be pending")
	}
	if ts.Value() != 2*0x10000+0x8000 {
		t.Errorf("ignition period = 0x%06X, want 0x%06X", ts.Value(), 2*0x10000+0x8000)
	}
	if ts.Ext != 2 {
		t.Errorf("extension byte = %d, want 2", ts.Ext)
	}

	// The edge restarts the count.
	if timer.Value() != 0 || c.Extension() != 0 {
		t.Errorf("counter after edge = %d ext %d, want 0 ext 0", timer.Value(), c.Extension())
	}
}

func TestCrankRelativeToIgnition(t *testing.T) {
	c, timer := newTestCapture()

	c.HandleIgnition()
	timer.Update(9000)
	c.HandleCrank()
	timer.Update(1000)
	c.HandleIgnition()

	crank, crankPending := c.Crank.Claim()
	ign, ignPending := c.Ignition.Claim()
	if !crankPending || !ignPending {
		t.Fatalf("pending crank=%v ignition=%v, want both", crankPending, ignPending)
	}
	if crank.Value() != 9000 {
		t.Errorf("crank timestamp = %d, want 9000", crank.Value())
	}
	if ign.Value() != 10000 {
		t.Errorf("ignition timestamp = %d, want 10000", ign.Value())
	}
}

func TestCrankDoesNotResetCounter(t *testing.T) {
	c, timer := newTestCapture()

	timer.Update(1234)
	c.HandleCrank()

	if timer.Value() != 1234 {
		t.Errorf("counter after crank = %d, want 1234", timer.Value())
	}
}

func TestCrankLatchSuppressesBounce(t *testing.T) {
	c, timer := newTestCapture()

	var hook []bool
	c.SetLatchHook(func(latched bool) { hook = append(hook, latched) })

	c.HandleIgnition()
	timer.Update(500)
	c.HandleCrank()
	if !c.Latched() {
		t.Fatal("crank edge should arm the latch")
	}

	// Contact bounce: more crank edges shortly after.
	timer.Update(20)
	c.HandleCrank()
	timer.Update(20)
	c.HandleCrank()

	if got := c.Crank.Timestamp().Value(); got != 500 {
		t.Errorf("crank timestamp = %d, want 500 (first edge only)", got)
	}

	// Next ignition releases the latch and the next crank edge is accepted.
	c.HandleIgnition()
	if c.Latched() {
		t.Fatal("ignition edge should release the latch")
	}
	timer.Update(700)
	c.HandleCrank()
	if got := c.Crank.Timestamp().Value(); got != 700 {
		t.Errorf("crank timestamp after release = %d, want 700", got)
	}

	want := []bool{true, false, true}
	if len(hook) != len(want) {
		t.Fatalf("latch hook calls = %v, want %v", hook, want)
	}
	for i := range want {
		if hook[i] != want[i] {
			t.Errorf("latch hook calls = %v, want %v", hook, want)
			break
		}
	}
}

func TestLastValueWins(t *testing.T) {
	c, timer := newTestCapture()

	c.HandleIgnition()
	timer.Update(3000)
	c.HandleIgnition()
	timer.Update(4000)
	c.HandleIgnition()

	ts, pending := c.Ignition.Claim()
	if !pending {
		t.Fatal("ignition should be pending")
	}
	if ts.Value() != 4000 {
		t.Errorf("ignition timestamp = %d, want 4000 (latest edge)", ts.Value())
	}

	c.Ignition.Clear()
	if c.Ignition.Pending() {
		t.Error("Clear should release the event")
	}
	if c.Ignition.Timestamp().Value() != 4000 {
		t.Error("Clear should keep the last timestamp")
	}
}

func TestExtensionWraps(t *testing.T) {
	c := New(hwtimer.New(nil))

	for i := 0; i < 256; i++ {
		c.Overflow()
	}
	if c.Extension() != 0 {
		t.Errorf("extension after 256 overflows = %d, want 0", c.Extension())
	}
	c.Overflow()
	if c.Extension() != 1 {
		t.Errorf("extension after 257 overflows = %d, want 1", c.Extension())
	}
}

// raceCounter overflows between the high byte and extension reads.
type raceCounter struct {
	c     *Capture
	value uint16
}

func (r *raceCounter) Low() uint8 { return uint8(r.value) }

func (r *raceCounter) High() uint8 {
	high := uint8(r.value >> 8)
	// The counter wraps and the overflow handler runs before the
	// extension is read.
	r.value = 0
	r.c.Overflow()
	return high
}

func (r *raceCounter) Clear() { r.value = 0 }

func TestOverflowRaceIsBounded(t *testing.T) {
	rc := &raceCounter{value: 0xFFFF}
	c := New(rc)
	rc.c = c

	c.HandleIgnition()

	got := c.Ignition.Timestamp().Value()
	if got != 0x1FFFF {
		t.Errorf("timestamp across overflow race = 0x%X, want 0x1FFFF (one period late)", got)
	}
	if got-0xFFFF != 0x10000 {
		t.Errorf("race error = 0x%X, want exactly one counter period", got-0xFFFF)
	}
}

func TestReset(t *testing.T) {
	c, timer := newTestCapture()

	c.HandleIgnition()
	timer.Update(100)
	c.HandleCrank()
	c.Overflow()

	c.Reset()

	if c.Ignition.Pending() || c.Crank.Pending() {
		t.Error("Reset should clear pending events")
	}
	if c.Latched() {
		t.Error("Reset should release the latch")
	}
	if c.Extension() != 0 {
		t.Errorf("extension after Reset = %d, want 0", c.Extension())
	}
}

// wideCounter counts overflows itself and never raises the handler.
type wideCounter struct {
	value   uint32
	cleared int
}

func (w *wideCounter) Low() uint8  { return uint8(w.value) }
func (w *wideCounter) High() uint8 { return uint8(w.value >> 8) }
func (w *wideCounter) Clear()      { w.value = 0; w.cleared++ }

func (w *wideCounter) Sample() WideTimestamp { return Unpack(w.value) }

func TestWideCounterSampledWhole(t *testing.T) {
	wc := &wideCounter{value: 0x010166}
	c := New(wc)

	// A stale extension must not leak into the timestamp.
	c.Overflow()
	c.Overflow()

	c.HandleIgnition()
	if got := c.Ignition.Timestamp().Value(); got != 0x010166 {
		t.Errorf("ignition timestamp = 0x%06X, want 0x010166", got)
	}
	if wc.cleared != 1 {
		t.Errorf("Clear called %d times, want 1", wc.cleared)
	}

	wc.value = 0x2000
	c.HandleCrank()
	if got := c.Crank.Timestamp().Value(); got != 0x2000 {
		t.Errorf("crank timestamp = 0x%06X, want 0x002000", got)
	}
}

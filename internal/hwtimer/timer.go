// Package hwtimer emulates the 16-bit counters of an 8052-class controller.
//
// Two counter modes are used by the instrument:
//   - Free-running (timer 0): counts machine cycles from 0 to 0xFFFF and raises
//     its overflow interrupt on every wrap back to 0.
//   - Auto-reload (timer 2): counts from the reload value to 0xFFFF, raises its
//     interrupt and restarts from the reload value, giving a fixed-rate tick.
//
// The counter value is held in an atomic so that edge handlers running on
// another goroutine can sample it while the board advances time.
package hwtimer

import "sync/atomic"

// InterruptCallback is the function type for counter overflow interrupts.
type InterruptCallback func()

// Timer represents one 16-bit hardware counter.
type Timer struct {
	count   atomic.Uint32 // 16-bit counter value (THx:TLx)
	reload  uint16        // Value loaded after overflow (RCAPx in auto-reload mode)
	running atomic.Bool   // TRx run control

	// Callback for the overflow interrupt
	requestInterrupt InterruptCallback
}

// New creates a free-running counter with the given overflow callback.
func New(requestInterrupt InterruptCallback) *Timer {
	t := &Timer{requestInterrupt: requestInterrupt}
	t.running.Store(true)
	return t
}

// NewAutoReload creates a counter that reloads to reload after every overflow.
// The counter starts at 0, so the first period is longer, as on the hardware
// where TLx and THx are cleared before the timer is started.
func NewAutoReload(reload uint16, requestInterrupt InterruptCallback) *Timer {
	t := New(requestInterrupt)
	t.reload = reload
	return t
}

// Period returns the number of cycles between overflows once the counter is
// reloading.
func (t *Timer) Period() uint32 {
	return 0x10000 - uint32(t.reload)
}

// Low returns the low byte of the counter (TLx).
func (t *Timer) Low() uint8 {
	return uint8(t.count.Load()) //nolint:gosec // Truncation to the low byte is intended
}

// High returns the high byte of the counter (THx).
func (t *Timer) High() uint8 {
	return uint8(t.count.Load() >> 8) //nolint:gosec // Truncation to one byte is intended
}

// Value returns the full 16-bit counter value.
func (t *Timer) Value() uint16 {
	return uint16(t.count.Load()) //nolint:gosec // The counter is kept within 16 bits
}

// Clear writes 0 to both counter bytes.
func (t *Timer) Clear() {
	t.count.Store(0)
}

// Start sets the run control bit.
func (t *Timer) Start() {
	t.running.Store(true)
}

// Stop clears the run control bit. A stopped counter ignores Update.
func (t *Timer) Stop() {
	t.running.Store(false)
}

// Running reports whether the counter is counting.
func (t *Timer) Running() bool {
	return t.running.Load()
}

// Until returns the number of cycles before the next overflow.
func (t *Timer) Until() uint32 {
	return 0x10000 - t.count.Load()
}

// Update advances the counter by the given number of machine cycles and raises
// one interrupt per overflow crossed.
//
// The first overflow happens after Until cycles; each further one after Period
// cycles, because the counter restarts from the reload value.
func (t *Timer) Update(cycles uint32) {
	if !t.running.Load() || cycles == 0 {
		return
	}

	count := t.count.Load()
	toOverflow := 0x10000 - count
	if cycles < toOverflow {
		t.count.Store(count + cycles)
		return
	}

	cycles -= toOverflow
	t.count.Store(uint32(t.reload))
	t.interrupt()

	period := t.Period()
	for ; cycles >= period; cycles -= period {
		t.interrupt()
	}
	t.count.Store(uint32(t.reload) + cycles)
}

func (t *Timer) interrupt() {
	if t.requestInterrupt != nil {
		t.requestInterrupt()
	}
}

// Reset restores the power-up state: counter cleared and running.
func (t *Timer) Reset() {
	t.count.Store(0)
	t.running.Store(true)
}

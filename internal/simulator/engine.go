package simulator

import "sync/atomic"

// Edge is the kind of input edge produced by the engine.
type Edge uint8

// Engine edges.
const (
	EdgeIgnition Edge = iota
	EdgeCrank
)

// String returns the edge name.
func (e Edge) String() string {
	if e == EdgeIgnition {
		return "ignition"
	}
	return "crank"
}

// BounceGap is the number of machine cycles between bounce edges of the
// flywheel sensor.
const BounceGap = 40

// Event is one scheduled edge.
type Event struct {
	At   uint64 // absolute machine cycle
	Edge Edge
}

// Engine generates ignition and crank edges for a running engine.
//
// The ignition period is derived from the instrument's own calibration, so
// an engine set to n RPM reads as n RPM. The flywheel mark passes the crank
// sensor once per revolution, (advance + offset) / 180 of a period after the
// ignition edge. Settings are atomic and may be changed while the board runs;
// they take effect from the next ignition edge.
type Engine struct {
	factor uint32 // counter ticks per minute per ignition event
	offset uint32 // flywheel mark offset in degrees

	rpm       atomic.Uint32
	advance   atomic.Int32
	cylinders atomic.Uint32
	crank     atomic.Bool
	bounce    atomic.Uint32

	// Schedule, owned by the goroutine advancing the board.
	queue   []Event
	last    uint64 // cycle of the last scheduled ignition edge
	started bool
	count   uint64 // ignition edges scheduled
}

// NewEngine creates a stopped four-cylinder engine with the crank sensor
// connected.
func NewEngine(factor, offset uint32) *Engine {
	e := &Engine{
		factor: factor,
		offset: offset,
		queue:  make([]Event, 0, 8),
	}
	e.cylinders.Store(4)
	e.crank.Store(true)
	return e
}

// SetRPM sets the engine speed. 0 stops the engine.
func (e *Engine) SetRPM(rpm uint32) { e.rpm.Store(rpm) }

// RPM returns the engine speed.
func (e *Engine) RPM() uint32 { return e.rpm.Load() }

// SetAdvance sets the ignition advance in degrees before top dead centre.
func (e *Engine) SetAdvance(deg int32) { e.advance.Store(deg) }

// Advance returns the ignition advance in degrees.
func (e *Engine) Advance() int32 { return e.advance.Load() }

// SetCylinders sets the cylinder count of a four-stroke engine. Odd counts
// are rounded down; fewer than two means one ignition per revolution.
func (e *Engine) SetCylinders(n uint32) { e.cylinders.Store(n) }

// Cylinders returns the cylinder count.
func (e *Engine) Cylinders() uint32 { return e.cylinders.Load() }

// SetCrank connects or disconnects the crank sensor.
func (e *Engine) SetCrank(on bool) { e.crank.Store(on) }

// Crank reports whether the crank sensor is connected.
func (e *Engine) Crank() bool { return e.crank.Load() }

// SetBounce sets the number of extra edges following each crank pulse.
func (e *Engine) SetBounce(n uint32) { e.bounce.Store(n) }

// Bounce returns the number of extra crank edges per pulse.
func (e *Engine) Bounce() uint32 { return e.bounce.Load() }

// Period returns the ignition period in machine cycles, 0 when stopped.
func (e *Engine) Period() uint32 {
	rpm := e.rpm.Load()
	if rpm == 0 {
		return 0
	}
	return e.factor / rpm
}

// EventsPerRev returns the ignition edges per crank revolution.
func (e *Engine) EventsPerRev() uint32 {
	n := e.cylinders.Load() / 2
	if n == 0 {
		return 1
	}
	return n
}

// CrankOffset returns the cycles from an ignition edge to the crank pulse for
// the given period. The result is rounded up so that the instrument, which
// truncates, reads back the set advance. Advances outside the measurable
// range are clamped.
func (e *Engine) CrankOffset(period uint32) uint32 {
	deg := int64(e.advance.Load()) + int64(e.offset)
	if deg < 0 {
		deg = 0
	}
	if deg > 179 {
		deg = 179
	}
	return uint32((deg*int64(period) + 179) / 180) //nolint:gosec // The result is bounded by the period
}

// Next returns the next edge at or after now without consuming it. A
// stopped engine drops the edges it had scheduled.
func (e *Engine) Next(now uint64) (Event, bool) {
	if e.rpm.Load() == 0 {
		e.queue = e.queue[:0]
		e.started = false
		return Event{}, false
	}
	if len(e.queue) == 0 && !e.schedule(now) {
		return Event{}, false
	}
	return e.queue[0], true
}

// Pop consumes the edge returned by Next.
func (e *Engine) Pop() {
	if len(e.queue) > 0 {
		e.queue = e.queue[1:]
	}
}

// schedule queues the next ignition edge and, once per revolution, the crank
// pulse that follows it.
func (e *Engine) schedule(now uint64) bool {
	period := e.Period()
	if period == 0 {
		e.started = false
		return false
	}

	at := e.last + uint64(period)
	if !e.started || at < now {
		at = now + uint64(period)
		e.started = true
	}
	e.last = at
	e.queue = append(e.queue[:0], Event{At: at, Edge: EdgeIgnition})

	e.count++
	if !e.crank.Load() || e.count%uint64(e.EventsPerRev()) != 0 {
		return true
	}

	crankAt := at + uint64(e.CrankOffset(period))
	e.queue = append(e.queue, Event{At: crankAt, Edge: EdgeCrank})
	for i := uint64(1); i <= uint64(e.bounce.Load()); i++ {
		t := crankAt + i*BounceGap
		if t >= at+uint64(period) {
			break
		}
		e.queue = append(e.queue, Event{At: t, Edge: EdgeCrank})
	}
	return true
}

// Reset clears the schedule. Settings are kept.
func (e *Engine) Reset() {
	e.queue = e.queue[:0]
	e.last = 0
	e.started = false
	e.count = 0
}

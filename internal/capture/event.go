package capture

import "sync/atomic"

// Event is a single-producer, single-consumer cell carrying the latest
// timestamp for one edge source.
//
// The edge handler owns the cell until it sets pending; the main loop then
// owns it until Clear. A second edge before Clear overwrites the timestamp.
type Event struct {
	ts      atomic.Uint32 // packed WideTimestamp
	pending atomic.Bool
}

func (e *Event) publish(ts WideTimestamp) {
	e.ts.Store(ts.Value())
	e.pending.Store(true)
}

// Pending reports whether an edge was seen since the last Clear.
func (e *Event) Pending() bool {
	return e.pending.Load()
}

// Timestamp returns the most recent snapshot, pending or not.
func (e *Event) Timestamp() WideTimestamp {
	return Unpack(e.ts.Load())
}

// Claim returns the latest snapshot and whether it is pending.
func (e *Event) Claim() (WideTimestamp, bool) {
	pending := e.pending.Load()
	return e.Timestamp(), pending
}

// Clear releases the cell back to the edge handler.
func (e *Event) Clear() {
	e.pending.Store(false)
}

func (e *Event) reset() {
	e.pending.Store(false)
	e.ts.Store(0)
}

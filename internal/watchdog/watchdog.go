// Package watchdog provides the keep-alive timer that resets the instrument
// when the main loop stops servicing it.
package watchdog

import (
	"context"
	"errors"
	"sync/atomic"
	"time"
)

// ErrInvalidTimeout indicates a timeout outside the supported range.
var ErrInvalidTimeout = errors.New("watchdog timeout must be between 1 and 8192 ms")

// MaxTimeoutMillis is the longest supported timeout.
const MaxTimeoutMillis = 8192

// Feeder is serviced by the main loop, including inside every busy-wait.
type Feeder interface {
	Feed()
}

// Nop is a Feeder that does nothing.
type Nop struct{}

// Feed does nothing.
func (Nop) Feed() {}

// Config configures a watchdog timer.
type Config struct {
	TimeoutMillis uint32
}

// Timer is a software watchdog.
type Timer struct {
	timeout time.Duration
	now     func() time.Time

	last    atomic.Int64 // UnixNano of the last feed
	started atomic.Bool
	feeds   atomic.Uint64
	resets  atomic.Uint64
}

// New creates a stopped watchdog.
func New(cfg Config) (*Timer, error) {
	if cfg.TimeoutMillis == 0 || cfg.TimeoutMillis > MaxTimeoutMillis {
		return nil, ErrInvalidTimeout
	}
	return &Timer{
		timeout: time.Duration(cfg.TimeoutMillis) * time.Millisecond,
		now:     time.Now,
	}, nil
}

// SetClock replaces the time source. It must be called before Start.
func (w *Timer) SetClock(now func() time.Time) {
	w.now = now
}

// Timeout returns the configured timeout.
func (w *Timer) Timeout() time.Duration {
	return w.timeout
}

// Start arms the watchdog. The first period begins now.
func (w *Timer) Start() {
	w.last.Store(w.now().UnixNano())
	w.started.Store(true)
}

// Stop disarms the watchdog.
func (w *Timer) Stop() {
	w.started.Store(false)
}

// Feed restarts the timeout period.
func (w *Timer) Feed() {
	w.last.Store(w.now().UnixNano())
	w.feeds.Add(1)
}

// Feeds returns how many times the watchdog was fed.
func (w *Timer) Feeds() uint64 {
	return w.feeds.Load()
}

// Resets returns how many times the watchdog fired.
func (w *Timer) Resets() uint64 {
	return w.resets.Load()
}

// Expired reports whether an armed watchdog has gone unfed for longer than
// its timeout.
func (w *Timer) Expired() bool {
	if !w.started.Load() {
		return false
	}
	return w.now().UnixNano()-w.last.Load() > int64(w.timeout)
}

// Run checks the watchdog every quarter timeout until ctx is done. When it
// expires, onExpire is called and the watchdog restarts.
func (w *Timer) Run(ctx context.Context, onExpire func()) error {
	ticker := time.NewTicker(w.timeout / 4)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if !w.Expired() {
				continue
			}
			w.resets.Add(1)
			if onExpire != nil {
				onExpire()
			}
			w.Start()
		}
	}
}

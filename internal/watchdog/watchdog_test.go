package watchdog

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

// fakeClock is a manually advanced time source.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestTimer(t *testing.T, ms uint32) (*Timer, *fakeClock) {
	t.Helper()
	w, err := New(Config{TimeoutMillis: ms})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	clock := &fakeClock{now: time.Unix(1000, 0)}
	w.SetClock(clock.Now)
	return w, clock
}

func TestNewTimeoutRange(t *testing.T) {
	tests := []struct {
		ms      uint32
		wantErr bool
	}{
		{0, true},
		{1, false},
		{1000, false},
		{8192, false},
		{8193, true},
	}

	for _, tt := range tests {
		_, err := New(Config{TimeoutMillis: tt.ms})
		if tt.wantErr != errors.Is(err, ErrInvalidTimeout) {
			t.Errorf("New(%d ms) error = %v, wantErr %v", tt.ms, err, tt.wantErr)
		}
	}
}

func TestExpired(t *testing.T) {
	w, clock := newTestTimer(t, 100)

	// Not armed yet.
	clock.Advance(time.Second)
	if w.Expired() {
		t.Fatal("stopped watchdog should never expire")
	}

	w.Start()
	clock.Advance(90 * time.Millisecond)
	if w.Expired() {
		t.Fatal("expired before timeout")
	}

	w.Feed()
	clock.Advance(90 * time.Millisecond)
	if w.Expired() {
		t.Fatal("feeding should restart the period")
	}

	clock.Advance(20 * time.Millisecond)
	if !w.Expired() {
		t.Fatal("should expire 110ms after the last feed")
	}

	w.Stop()
	if w.Expired() {
		t.Error("Stop should disarm the watchdog")
	}
}

func TestFeeds(t *testing.T) {
	w, _ := newTestTimer(t, 100)
	for i := 0; i < 5; i++ {
		w.Feed()
	}
	if w.Feeds() != 5 {
		t.Errorf("Feeds() = %d, want 5", w.Feeds())
	}
}

func TestRunFiresOnExpiry(t *testing.T) {
	w, err := New(Config{TimeoutMillis: 20})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	w.Start()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	fired := make(chan struct{}, 1)
	done := make(chan error, 1)
	go func() {
		done <- w.Run(ctx, func() {
			select {
			case fired <- struct{}{}:
			default:
			}
		})
	}()

	select {
	case <-fired:
	case <-time.After(500 * time.Millisecond):
		t.Fatal("watchdog did not fire without feeding")
	}
	cancel()

	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Errorf("Run returned %v, want context.Canceled", err)
	}
	if w.Resets() == 0 {
		t.Error("Resets() should count the expiry")
	}
}

func TestNop(t *testing.T) {
	var f Feeder = Nop{}
	f.Feed()
}

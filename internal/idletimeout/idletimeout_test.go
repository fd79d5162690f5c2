package idletimeout

import (
	"sync/atomic"
	"testing"
	"time"
)

func TestZeroTimeoutNeverFires(t *testing.T) {
	var closed atomic.Bool
	tm := New(0, func() { closed.Store(true) }, func() {}, nil)
	defer tm.Stop()

	time.Sleep(20 * time.Millisecond)
	if closed.Load() {
		t.Fatal("a zero-duration timer must never fire")
	}
}

func TestExpiryCallsClose(t *testing.T) {
	done := make(chan struct{})
	tm := New(10*time.Millisecond, func() { close(done) }, func() {}, nil)
	defer tm.Stop()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("close was not called after the idle timeout elapsed")
	}
}

func TestResetPostponesExpiry(t *testing.T) {
	var fired atomic.Bool
	tm := New(30*time.Millisecond, func() { fired.Store(true) }, func() {}, nil)
	defer tm.Stop()

	// Keep resetting for longer than the timeout would have allowed if it
	// had not been postponed.
	deadline := time.Now().Add(80 * time.Millisecond)
	for time.Now().Before(deadline) {
		tm.Reset()
		time.Sleep(10 * time.Millisecond)
	}

	if fired.Load() {
		t.Fatal("repeated Reset calls should have kept the timer from firing")
	}
}

func TestStopPreventsAbortAfterClose(t *testing.T) {
	var aborted atomic.Bool
	tm := New(5*time.Millisecond, func() {}, func() { aborted.Store(true) }, nil)

	time.Sleep(20 * time.Millisecond)
	// Simulate the close completing successfully before CloseTimeout elapses.
	tm.Stop()

	time.Sleep(CloseTimeout + 50*time.Millisecond)
	if aborted.Load() {
		t.Fatal("Stop before CloseTimeout elapses should prevent Abort from firing")
	}
}

func TestStopIsIdempotent(t *testing.T) {
	tm := New(time.Second, func() {}, func() {}, nil)
	tm.Stop()
	tm.Stop()
	tm.Reset()
}

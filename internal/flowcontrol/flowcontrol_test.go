package flowcontrol

import "testing"

func TestObservePausesAtHighWatermark(t *testing.T) {
	c := New(10, 100)

	if c.Paused() {
		t.Fatal("should not start paused")
	}

	waiter := c.Observe(100)
	if waiter == nil {
		t.Fatal("crossing the high watermark should produce a waiter")
	}
	if !c.Paused() {
		t.Fatal("should be paused at the high watermark")
	}

	select {
	case <-waiter:
		t.Fatal("waiter resolved before drain")
	default:
	}
}

func TestObserveResumesAtLowWatermark(t *testing.T) {
	c := New(10, 100)
	waiter := c.Observe(100)
	if waiter == nil {
		t.Fatal("expected a waiter")
	}

	if w := c.Observe(50); w != nil {
		t.Fatal("should not produce a new waiter while still above the low watermark")
	}
	if !c.Paused() {
		t.Fatal("should still be paused above the low watermark")
	}

	c.Observe(10)
	if c.Paused() {
		t.Fatal("should resume at the low watermark")
	}

	select {
	case <-waiter:
	default:
		t.Fatal("waiter should be resolved once the low watermark is reached")
	}
}

func TestObserveRepeatedHighCallsDoNotReplaceWaiter(t *testing.T) {
	c := New(10, 100)
	first := c.Observe(100)
	second := c.Observe(200)

	if second != nil {
		t.Fatal("already paused, a further high observation should not mint a new waiter")
	}
	if c.Waiter() != first {
		t.Fatal("the original waiter should remain the one callers wait on")
	}
}

func TestZeroLimitsNeverPause(t *testing.T) {
	c := New(0, 0)
	if c.Observe(1_000_000) != nil {
		t.Fatal("a zero high limit should disable pausing entirely")
	}
	if c.Paused() {
		t.Fatal("should never report paused")
	}
}

func TestWaiterNilWhenNotPaused(t *testing.T) {
	c := New(10, 100)
	if c.Waiter() != nil {
		t.Fatal("Waiter should be nil before any pause")
	}
}

// Package idletimeout implements the per-connection idle timer: reset on
// every read or write, and on expiry giving the connection a bounded window
// to close itself gracefully before being aborted outright.
package idletimeout

import (
	"log"
	"sync"
	"time"
)

// CloseTimeout is how long a soft close is given to complete before the
// transport is aborted.
const CloseTimeout = 3 * time.Second

// Timer drives a connection's idle timeout. Close is called on expiry; if
// the connection is not fully torn down within CloseTimeout, Abort is
// called. A Timer built with timeout 0 never fires.
type Timer struct {
	mu      sync.Mutex
	timeout time.Duration
	timer   *time.Timer
	close   func()
	abort   func()
	logger  *log.Logger
	stopped bool
}

// New creates a Timer for the given idle timeout, wired to close and abort
// callbacks. logger may be nil, in which case the standard logger is used.
// A timeout of 0 disables the timer: Reset and Stop remain safe to call but
// do nothing.
func New(timeout time.Duration, closeFn, abortFn func(), logger *log.Logger) *Timer {
	t := &Timer{
		timeout: timeout,
		close:   closeFn,
		abort:   abortFn,
		logger:  logger,
	}
	if timeout > 0 {
		t.timer = time.AfterFunc(timeout, t.onExpire)
	}
	return t
}

func (t *Timer) logf(format string, args ...interface{}) {
	if t.logger != nil {
		t.logger.Printf(format, args...)
		return
	}
	log.Printf(format, args...)
}

func (t *Timer) onExpire() {
	t.mu.Lock()
	if t.stopped {
		t.mu.Unlock()
		return
	}
	t.mu.Unlock()

	t.logf("idletimeout: connection idle for %s, closing", t.timeout)
	if t.close != nil {
		t.close()
	}

	// Give the soft close CloseTimeout to complete. If Stop has already
	// been called by then (the close succeeded), this is a no-op.
	time.AfterFunc(CloseTimeout, func() {
		t.mu.Lock()
		stopped := t.stopped
		t.mu.Unlock()
		if stopped {
			return
		}
		t.logf("idletimeout: close did not complete within %s, aborting", CloseTimeout)
		if t.abort != nil {
			t.abort()
		}
	})
}

// Reset restarts the countdown, called on every data_received and write. A
// no-op on a disabled (timeout == 0) or already-stopped Timer.
func (t *Timer) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.stopped || t.timeout <= 0 || t.timer == nil {
		return
	}
	t.timer.Reset(t.timeout)
}

// Stop cancels the timer permanently. Call it once the connection is
// closed, so a pending expiry or abort callback does not fire against a
// torn-down connection.
func (t *Timer) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.stopped {
		return
	}
	t.stopped = true
	if t.timer != nil {
		t.timer.Stop()
	}
}

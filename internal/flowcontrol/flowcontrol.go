// Package flowcontrol implements the high/low watermark back-pressure
// primitive shared by every ProtocolBase: a write pauses the source once the
// transport's outbound buffer crosses a high watermark, and resumes it once
// the buffer drains below a low watermark.
package flowcontrol

import "sync"

// Controller tracks the size of a transport's outbound buffer and exposes a
// waiter that resolves when the buffer has drained enough to resume writes.
// The zero value is not usable; build one with New.
type Controller struct {
	mu        sync.Mutex
	lowLimit  int64
	highLimit int64
	size      int64
	paused    bool
	waiter    chan struct{}
}

// New builds a Controller. lowLimit must be <= highLimit; callers that pass
// lowLimit == highLimit == 0 get a Controller that never pauses.
func New(lowLimit, highLimit int64) *Controller {
	return &Controller{lowLimit: lowLimit, highLimit: highLimit}
}

// Paused reports whether the controller currently considers the source
// paused.
func (c *Controller) Paused() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.paused
}

// Size returns the last buffer size reported to Observe.
func (c *Controller) Size() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.size
}

// Observe reports the transport's current outbound buffer size and updates
// pause state accordingly. It returns a waiter channel when the buffer has
// just crossed the high watermark (closed once the buffer drains below the
// low watermark), or nil if no new waiter was created by this call.
func (c *Controller) Observe(size int64) <-chan struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.size = size

	if c.highLimit > 0 && size >= c.highLimit && !c.paused {
		c.paused = true
		c.waiter = make(chan struct{})
		return c.waiter
	}
	if c.paused && size <= c.lowLimit {
		c.paused = false
		if c.waiter != nil {
			close(c.waiter)
			c.waiter = nil
		}
	}
	return nil
}

// Waiter returns the channel a caller should wait on to apply backpressure,
// or nil if the controller is not currently paused. Safe to call
// concurrently with Observe.
func (c *Controller) Waiter() <-chan struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.paused {
		return nil
	}
	return c.waiter
}

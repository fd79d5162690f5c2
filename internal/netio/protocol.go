// Package netio implements the Connection/Consumer/Producer triad: a
// long-lived transport dispatched to successive short-lived request
// handlers, including mid-stream protocol upgrade.
package netio

import (
	"errors"
	"io"
	"log"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/christopherjohns/streamcore/internal/event"
	"github.com/christopherjohns/streamcore/internal/flowcontrol"
	"github.com/christopherjohns/streamcore/internal/idletimeout"
)

// Sentinel errors, following the teacher's plain-error convention (no
// wrapping framework, no custom error types beyond what callers need to
// distinguish with errors.Is).
var (
	ErrNoTransport      = errors.New("netio: no transport attached")
	ErrAlreadyClosed    = errors.New("netio: protocol already closed")
	ErrConsumerAttached = errors.New("netio: consumer slot already occupied")
)

type closeState int32

const (
	stateOpen closeState = iota
	stateClosing
	stateClosed
)

// ProtocolBase binds a transport to an event.Hub: it owns the peer address,
// session id, producer back-reference, flow control and idle timer, and the
// close/abort state machine every Connection embeds.
type ProtocolBase struct {
	conn    net.Conn
	addr    net.Addr
	session int64
	logger  *log.Logger
	hub     *event.Hub

	flow *flowcontrol.Controller
	idle *idletimeout.Timer

	mu      sync.Mutex
	pending int64 // bytes queued on send but not yet written to conn
	send    chan []byte
	stopped chan struct{}

	state int32 // atomic closeState
}

// ProtocolOptions configures the flow-control watermarks and idle timeout a
// ProtocolBase enforces. Zero values disable the corresponding feature.
type ProtocolOptions struct {
	LowWatermark  int64
	HighWatermark int64
	IdleTimeout   int64 // seconds; 0 disables
}

// NewProtocolBase wires a connection into a ProtocolBase, starting its
// background write pump and (if configured) idle timer. session is the
// Producer-assigned session id.
func NewProtocolBase(conn net.Conn, session int64, logger *log.Logger, opts ProtocolOptions) *ProtocolBase {
	if logger == nil {
		logger = log.Default()
	}
	p := &ProtocolBase{
		conn:    conn,
		addr:    conn.RemoteAddr(),
		session: session,
		logger:  logger,
		hub:     event.NewHub(logger),
		flow:    flowcontrol.New(opts.LowWatermark, opts.HighWatermark),
		send:    make(chan []byte, 256),
		stopped: make(chan struct{}),
	}
	p.idle = idletimeout.New(time.Duration(opts.IdleTimeout)*time.Second, p.Close, func() {
		p.Abort(errors.New("netio: idle timeout close did not complete in time"))
	}, logger)

	go p.writePump()
	p.hub.OneShot("connection_made").Fire(nil)
	return p
}

// Hub returns the event registry for this protocol instance.
func (p *ProtocolBase) Hub() *event.Hub { return p.hub }

// Session returns the Producer-assigned session id.
func (p *ProtocolBase) Session() int64 { return p.session }

// Address returns the peer's address, recorded at connection time.
func (p *ProtocolBase) Address() net.Addr { return p.addr }

// Conn returns the underlying transport, for callers (a server's accept
// loop) that need to read from it directly. The write side should always
// go through Write, never through this directly.
func (p *ProtocolBase) Conn() net.Conn { return p.conn }

// Logger returns the logger this protocol was constructed with.
func (p *ProtocolBase) Logger() *log.Logger { return p.logger }

// Closed reports whether the protocol has begun (or finished) closing.
func (p *ProtocolBase) Closed() bool {
	return closeState(atomic.LoadInt32(&p.state)) != stateOpen
}

// Write enqueues data for the background write pump. It resets the idle
// timer (a write counts as activity) and returns a channel that is closed
// once the transport's buffered bytes drain below the low watermark, or nil
// if no backpressure is currently in effect. Per FlowControl's contract,
// data is always queued; the only difference paused state makes is whether
// this call also creates a new waiter.
func (p *ProtocolBase) Write(data []byte) (<-chan struct{}, error) {
	if p.Closed() {
		return nil, ErrNoTransport
	}
	p.idle.Reset()

	buf := make([]byte, len(data))
	copy(buf, data)

	select {
	case p.send <- buf:
	case <-p.stopped:
		return nil, ErrNoTransport
	}

	newPending := atomic.AddInt64(&p.pending, int64(len(buf)))
	p.flow.Observe(newPending)
	return p.flow.Waiter(), nil
}

// writePump drains queued writes to the transport, updating the
// flow-control controller as the queue drains. Grounded on the teacher's
// ConnManager.writePump: one goroutine owns the socket's write side. It
// also selects on p.stopped so an Abort - which tears the transport down
// without ever closing p.send - still lets this goroutine exit instead of
// blocking forever on an empty, open channel.
func (p *ProtocolBase) writePump() {
	for {
		select {
		case buf, ok := <-p.send:
			if !ok {
				return
			}
			if _, err := p.conn.Write(buf); err != nil && !errors.Is(err, io.EOF) {
				p.Abort(err)
			}
			remaining := atomic.AddInt64(&p.pending, -int64(len(buf)))
			p.flow.Observe(remaining)
		case <-p.stopped:
			return
		}
	}
}

// Close initiates a graceful shutdown: stop accepting new writes, flush
// what is queued, close the transport, then fire connection_lost(nil). It
// is idempotent; a Close racing an Abort (or a second Close) is a no-op.
func (p *ProtocolBase) Close() {
	if !atomic.CompareAndSwapInt32(&p.state, int32(stateOpen), int32(stateClosing)) {
		return
	}
	go p.softClose()
}

func (p *ProtocolBase) softClose() {
	close(p.send)
	// Let the write pump flush what is queued; an Abort in the meantime
	// moves the state to closed and ends the wait.
	for atomic.LoadInt64(&p.pending) > 0 && closeState(atomic.LoadInt32(&p.state)) == stateClosing {
		time.Sleep(time.Millisecond)
	}
	close(p.stopped)
	p.conn.Close()
	atomic.StoreInt32(&p.state, int32(stateClosed))
	p.finish(nil)
}

// Abort tears the transport down immediately, bypassing any queued writes.
// Used by IdleTimeout when a soft Close does not complete in time, and by
// the write pump on a hard transport error.
func (p *ProtocolBase) Abort(err error) {
	prev := closeState(atomic.SwapInt32(&p.state, int32(stateClosed)))
	if prev == stateClosed {
		return
	}
	if prev == stateOpen {
		// No writePump drain was requested yet; stop it directly.
		close(p.stopped)
	}
	p.conn.Close()
	p.finish(err)
}

func (p *ProtocolBase) finish(err error) {
	p.idle.Stop()
	p.hub.OneShot("connection_lost").Fire(err)
}

// ResetIdle restarts the idle timer; called on every inbound data_received
// as well as on Write.
func (p *ProtocolBase) ResetIdle() { p.idle.Reset() }

// ConnectionMade returns the one-shot event fired once, at construction.
func (p *ProtocolBase) ConnectionMade() *event.OneShot { return p.hub.OneShot("connection_made") }

// ConnectionLost returns the one-shot event fired exactly once, on Close or
// Abort (whichever completes first). See ProtocolBase.Closed for a
// synchronous check of the same state.
func (p *ProtocolBase) ConnectionLost() *event.OneShot { return p.hub.OneShot("connection_lost") }

// Package netserver implements the server lifecycle manager: bind, serve,
// track concurrent connections, enforce a max-requests cap, and graceful
// shutdown with a bounded wait, after which connections that have not
// closed are abandoned.
package netserver

import (
	"log"
	"net"
	"sync"
	"time"

	"github.com/christopherjohns/streamcore/internal/event"
	"github.com/christopherjohns/streamcore/internal/netio"
)

// defaultCloseTimeout bounds how long Close waits for live connections to
// finish on their own before abandoning them.
const defaultCloseTimeout = 5 * time.Second

// Option configures a TcpServer, in the functional-options style.
type Option func(*TcpServer)

// WithCloseTimeout overrides the default 5s bound on graceful Close.
func WithCloseTimeout(d time.Duration) Option {
	return func(s *TcpServer) { s.closeTimeout = d }
}

// WithAcceptFilter installs a predicate run against every newly accepted
// net.Conn before a Connection is built for it; returning false drops the
// connection immediately (used by ratelimit.IPLimiter.AllowConn).
func WithAcceptFilter(allow func(net.Conn) bool) Option {
	return func(s *TcpServer) { s.acceptFilter = allow }
}

// WithLogger overrides the server's logger (default: the standard logger).
func WithLogger(l *log.Logger) Option {
	return func(s *TcpServer) { s.logger = l }
}

// TcpServer binds one or more listeners and dispatches every accepted
// socket through a Producer, tracking concurrent connections for
// introspection and graceful shutdown. The Producer owns the
// ProtocolFactory (and therefore the per-connection flow-control/idle
// settings and initial consumer factory); the server only needs to know
// how to accept sockets and hand them to it.
type TcpServer struct {
	producer *netio.Producer

	closeTimeout time.Duration
	acceptFilter func(net.Conn) bool
	logger       *log.Logger

	hub *event.Hub

	mu        sync.Mutex
	listeners []net.Listener
	live      map[*netio.Connection]struct{}
	started   time.Time
	closed    bool
}

// New builds a TcpServer around prod, which tracks sessions and request
// counters across every connection this server accepts and builds each
// Connection via its registered ProtocolFactory.
func New(prod *netio.Producer, opts ...Option) *TcpServer {
	s := &TcpServer{
		producer:     prod,
		closeTimeout: defaultCloseTimeout,
		logger:       log.Default(),
		hub:          event.NewHub(nil),
		live:         make(map[*netio.Connection]struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Hub exposes the server's own event registry (start, stop). Repeated-event
// listeners bound here are copied onto each accepted connection's own
// protocol hub when the connection is minted.
func (s *TcpServer) Hub() *event.Hub { return s.hub }

// Started returns the one-shot event fired once listening begins.
func (s *TcpServer) Started() *event.OneShot { return s.hub.OneShot("start") }

// Stopped returns the one-shot event fired once Close completes.
func (s *TcpServer) Stopped() *event.OneShot { return s.hub.OneShot("stop") }

// ListenAndServe binds addr and runs the accept loop until Close is called.
// The start event fires once the listener is bound, deferred to the next
// scheduling step so listeners bound by the caller right after this call
// still observe it.
func (s *TcpServer) ListenAndServe(network, addr string) error {
	ln, err := net.Listen(network, addr)
	if err != nil {
		return err
	}
	return s.Serve(ln)
}

// Serve runs the accept loop against an already-bound listener. Useful for
// tests (net.Listen("tcp", "127.0.0.1:0")) and for servers handed a
// pre-opened socket (systemd socket activation and the like).
func (s *TcpServer) Serve(ln net.Listener) error {
	s.mu.Lock()
	s.listeners = append(s.listeners, ln)
	if s.started.IsZero() {
		s.started = time.Now()
	}
	s.mu.Unlock()

	go func() { s.hub.OneShot("start").Fire(nil) }()

	for {
		conn, err := ln.Accept()
		if err != nil {
			s.mu.Lock()
			closed := s.closed
			s.mu.Unlock()
			if closed {
				return nil
			}
			s.logger.Printf("netserver: accept error: %v", err)
			return err
		}
		go s.handleAccept(conn)
	}
}

func (s *TcpServer) handleAccept(conn net.Conn) {
	if s.acceptFilter != nil && !s.acceptFilter(conn) {
		conn.Close()
		return
	}

	if max := s.producer.MaxRequests(); max > 0 && s.producer.Sessions() >= max {
		s.logger.Printf("netserver: session cap %d reached, closing and initiating server shutdown", max)
		conn.Close()
		go s.Close()
		return
	}

	c := s.producer.CreateProtocol(conn)
	c.Hub().CopyManyTimesEvents(s.hub)

	s.mu.Lock()
	s.live[c] = struct{}{}
	s.mu.Unlock()

	c.ConnectionLost().Bind(func(error) error {
		s.mu.Lock()
		delete(s.live, c)
		s.mu.Unlock()
		return nil
	})

	s.pump(c)
}

// pump reads from the transport and feeds bytes to the connection until it
// closes. Grounded on the teacher's per-client read loop (handler.go's
// readLoop), adapted from a WebSocket-specific read to a generic byte pump.
func (s *TcpServer) pump(c *netio.Connection) {
	buf := make([]byte, 32*1024)
	for {
		n, err := c.Conn().Read(buf)
		if n > 0 {
			if derr := c.DataReceived(buf[:n]); derr != nil {
				c.Abort(derr)
				return
			}
		}
		if err != nil {
			c.Close()
			return
		}
	}
}

// Info mirrors spec.md §6's introspection contract.
type Info struct {
	UptimeSeconds     float64
	Sockets           []string
	MaxRequests       int64
	ConnectedClients  int
	Sessions          int64
	RequestsProcessed int64
}

// Info returns a point-in-time snapshot of server and producer state.
func (s *TcpServer) Info() Info {
	s.mu.Lock()
	defer s.mu.Unlock()

	sockets := make([]string, 0, len(s.listeners))
	for _, ln := range s.listeners {
		sockets = append(sockets, ln.Addr().String())
	}

	uptime := 0.0
	if !s.started.IsZero() {
		uptime = time.Since(s.started).Seconds()
	}

	return Info{
		UptimeSeconds:     uptime,
		Sockets:           sockets,
		MaxRequests:       s.producer.MaxRequests(),
		ConnectedClients:  len(s.live),
		Sessions:          s.producer.Sessions(),
		RequestsProcessed: s.producer.RequestsProcessed(),
	}
}

// ApplyMaxRequests updates the session cap on the underlying Producer
// without rebinding any listener, the server-side counterpart of
// config.Watcher's hot-reload callback.
func (s *TcpServer) ApplyMaxRequests(n int64) {
	s.producer.SetMaxRequests(n)
}

// Close stops accepting new connections, asks every live connection to
// close, waits up to closeTimeout for them to finish, and fires stop.
// Idempotent.
func (s *TcpServer) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	listeners := s.listeners
	live := make([]*netio.Connection, 0, len(s.live))
	for c := range s.live {
		live = append(live, c)
	}
	s.mu.Unlock()

	for _, ln := range listeners {
		ln.Close()
	}

	var wg sync.WaitGroup
	for _, c := range live {
		wg.Add(1)
		waiter := c.ConnectionLost().Waiter()
		go func(c *netio.Connection, waiter <-chan struct{}) {
			defer wg.Done()
			c.Close()
			select {
			case <-waiter:
			case <-time.After(s.closeTimeout):
				s.logger.Printf("netserver: connection did not close within %s, abandoning", s.closeTimeout)
			}
		}(c, waiter)
	}
	wg.Wait()

	s.hub.OneShot("stop").Fire(nil)
}

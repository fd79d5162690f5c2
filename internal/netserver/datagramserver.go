package netserver

import (
	"log"
	"net"
	"sync"
	"time"

	"github.com/christopherjohns/streamcore/internal/event"
)

// DatagramHandler processes one received packet. It is the datagram
// analogue of a Consumer, but since UDP is connectionless there is no
// per-peer state machine to drive: each packet is independent.
type DatagramHandler func(conn net.PacketConn, addr net.Addr, data []byte)

// DatagramServer mirrors TcpServer's lifecycle (init -> serving -> closed)
// for connectionless transports: bind, serve, graceful close. There is no
// per-connection tracking, since there is no connection.
//
// The reference implementation's constructor passed loop positionally into
// its base class, which only worked by argument-order accident; that does
// not translate to Go (there is no event-loop constructor parameter here),
// so DatagramServer simply has none.
type DatagramServer struct {
	handler DatagramHandler
	logger  *log.Logger
	hub     *event.Hub

	mu      sync.Mutex
	conn    net.PacketConn
	started time.Time
	closed  bool
}

// NewDatagramServer builds a DatagramServer that dispatches every received
// packet to handler.
func NewDatagramServer(handler DatagramHandler, logger *log.Logger) *DatagramServer {
	if logger == nil {
		logger = log.Default()
	}
	return &DatagramServer{handler: handler, logger: logger, hub: event.NewHub(logger)}
}

// Hub exposes the server's start/stop events.
func (s *DatagramServer) Hub() *event.Hub { return s.hub }

// Started returns the one-shot event fired once the endpoint is bound.
func (s *DatagramServer) Started() *event.OneShot { return s.hub.OneShot("start") }

// Stopped returns the one-shot event fired once Close completes.
func (s *DatagramServer) Stopped() *event.OneShot { return s.hub.OneShot("stop") }

// CreateEndpoint binds network/addr (e.g. "udp", "0.0.0.0:9000") and runs
// the receive loop until Close is called.
func (s *DatagramServer) CreateEndpoint(network, addr string) error {
	pc, err := net.ListenPacket(network, addr)
	if err != nil {
		return err
	}
	return s.Serve(pc)
}

// Serve runs the receive loop against an already-bound PacketConn.
func (s *DatagramServer) Serve(pc net.PacketConn) error {
	s.mu.Lock()
	s.conn = pc
	s.started = time.Now()
	s.mu.Unlock()

	go func() { s.hub.OneShot("start").Fire(nil) }()

	buf := make([]byte, 64*1024)
	for {
		n, addr, err := pc.ReadFrom(buf)
		if err != nil {
			s.mu.Lock()
			closed := s.closed
			s.mu.Unlock()
			if closed {
				return nil
			}
			s.logger.Printf("netserver: datagram read error: %v", err)
			return err
		}
		payload := make([]byte, n)
		copy(payload, buf[:n])
		go s.handler(pc, addr, payload)
	}
}

// Close stops the receive loop and fires stop. Idempotent.
func (s *DatagramServer) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	conn := s.conn
	s.mu.Unlock()

	if conn != nil {
		conn.Close()
	}
	s.hub.OneShot("stop").Fire(nil)
}

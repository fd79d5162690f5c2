package netio

import (
	"log"
	"net"
	"sync/atomic"

	"github.com/christopherjohns/streamcore/internal/event"
)

// ProtocolFactory builds a Connection for a freshly accepted transport.
// Producer.CreateProtocol supplies conn, the session id and logger;
// everything else (the initial consumer factory, flow-control watermarks,
// idle timeout) is the caller's concern.
type ProtocolFactory func(prod *Producer, conn net.Conn, session int64, logger *log.Logger) *Connection

// Producer is a factory and registry: it builds protocols and consumers,
// counts sessions, and provides the counters TcpServer.Info surfaces. The
// "_sessions" vs "sessions" naming ambiguity from the reference
// implementation does not exist here - Sessions is the one counter.
type Producer struct {
	sessions          int64 // atomic
	requestsProcessed int64 // atomic
	maxRequests       int64 // atomic

	factory ProtocolFactory
	hub     *event.Hub
	logger  *log.Logger
}

// NewProducer builds a Producer. maxRequests of 0 means no cap.
func NewProducer(factory ProtocolFactory, maxRequests int64, logger *log.Logger) *Producer {
	if logger == nil {
		logger = log.Default()
	}
	return &Producer{
		factory:     factory,
		maxRequests: maxRequests,
		hub:         event.NewHub(logger),
		logger:      logger,
	}
}

// Hub returns the Producer's event registry. Repeated listeners bound here
// (by a server, on behalf of its caller) are copied onto every consumer
// BuildConsumer constructs.
func (p *Producer) Hub() *event.Hub { return p.hub }

// Sessions returns the number of protocols this Producer has created.
func (p *Producer) Sessions() int64 { return atomic.LoadInt64(&p.sessions) }

// MaxRequests returns the configured session cap, or 0 if uncapped.
func (p *Producer) MaxRequests() int64 { return atomic.LoadInt64(&p.maxRequests) }

// SetMaxRequests updates the session cap at runtime, e.g. from a config
// hot-reload. Only sessions accepted after the update observe the new cap.
func (p *Producer) SetMaxRequests(n int64) { atomic.StoreInt64(&p.maxRequests, n) }

// RequestsProcessed returns the number of requests started (pre_request
// time, incremented by ConsumerBase.Start) across every connection this
// Producer has ever built.
func (p *Producer) RequestsProcessed() int64 { return atomic.LoadInt64(&p.requestsProcessed) }

// IncRequestsProcessed bumps the processed-request counter. Called by
// ConsumerBase.Start.
func (p *Producer) IncRequestsProcessed() { atomic.AddInt64(&p.requestsProcessed, 1) }

// CreateProtocol bumps sessions and delegates to the registered
// ProtocolFactory. Callers that need to track concurrent connections (a
// server) bind to the returned Connection's ConnectionMade/ConnectionLost
// events themselves.
func (p *Producer) CreateProtocol(conn net.Conn) *Connection {
	session := atomic.AddInt64(&p.sessions, 1)
	return p.factory(p, conn, session, p.logger)
}

// BuildConsumer constructs a consumer from factory, propagates this
// Producer's logger onto it, and copies this Producer's repeated-event
// listeners onto the consumer's own registry - so a server-wide
// data_received subscriber, for instance, observes every consumer's
// traffic without each consumer knowing about the server.
func (p *Producer) BuildConsumer(factory ConsumerFactory) *ConsumerBase {
	consumer := factory()
	consumer.logger = p.logger
	consumer.hub.CopyManyTimesEvents(p.hub)
	return consumer
}

package netio

import (
	"log"
	"sync"
	"sync/atomic"

	"github.com/christopherjohns/streamcore/internal/event"
)

// DataReceiver is the server-side half of the consumer contract: given
// bytes newly arrived on the connection, parse what can be parsed, respond
// as needed, and return whatever bytes were not consumed.
type DataReceiver interface {
	DataReceived(data []byte) (remaining []byte, err error)
}

// RequestStarter is the client-side half of the consumer contract. A
// ConsumerBase started with a non-nil request invokes StartRequest once,
// before any bytes arrive, to emit the initial outbound bytes. Most
// server-side consumers never implement it.
type RequestStarter interface {
	StartRequest() error
}

// ConsumerBase is a stateful per-request handler: it receives bytes, emits
// a response, and signals pre_request/post_request around its lifetime. A
// concrete protocol (httpconsumer, wsconsumer) embeds a *ConsumerBase and
// supplies a Behavior implementing DataReceiver (and, for client use,
// RequestStarter) at construction.
type ConsumerBase struct {
	mu      sync.Mutex
	conn    *Connection // non-owning back-reference
	request interface{}
	started bool

	dataReceivedCount int64
	hub               *event.Hub
	behavior          DataReceiver
	logger            *log.Logger
}

// NewConsumerBase builds a ConsumerBase around behavior. logger is
// overwritten by Producer.BuildConsumer once the consumer is attached to a
// connection; a nil logger here is fine.
func NewConsumerBase(behavior DataReceiver, logger *log.Logger) *ConsumerBase {
	if logger == nil {
		logger = log.Default()
	}
	c := &ConsumerBase{
		hub:      event.NewHub(logger),
		behavior: behavior,
		logger:   logger,
	}
	return c
}

// Hub returns this consumer's event registry.
func (c *ConsumerBase) Hub() *event.Hub { return c.hub }

// PreRequest fires at most once, before the request body is processed.
func (c *ConsumerBase) PreRequest() *event.OneShot { return c.hub.OneShot("pre_request") }

// PostRequest fires exactly once, when the request/response cycle ends.
func (c *ConsumerBase) PostRequest() *event.OneShot { return c.hub.OneShot("post_request") }

// DataReceivedEvent fires once per inbound chunk handed to the behavior.
func (c *ConsumerBase) DataReceivedEvent() *event.Repeated { return c.hub.Repeated("data_received") }

// DataProcessedEvent fires once per inbound chunk the behavior has finished
// handling.
func (c *ConsumerBase) DataProcessedEvent() *event.Repeated {
	return c.hub.Repeated("data_processed")
}

// Connection returns the attached Connection, or nil if this consumer has
// not yet been attached or has already detached.
func (c *ConsumerBase) Connection() *Connection {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn
}

func (c *ConsumerBase) attach(conn *Connection) {
	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
}

// Start begins the request/response cycle. request is non-nil only for
// client-mode consumers; its presence is what distinguishes "must emit
// bytes via StartRequest" from purely reactive server-mode consumers.
func (c *ConsumerBase) Start(request interface{}) error {
	c.mu.Lock()
	c.request = request
	conn := c.conn
	c.mu.Unlock()

	c.PostRequest().Bind(c.onPostRequest)

	if conn != nil {
		conn.producer().IncRequestsProcessed()
	}

	if err := c.PreRequest().Fire(nil); event.IsAbort(err) {
		c.logf("netio: consumer aborted in pre_request: %v", err)
		return nil
	}

	if request == nil {
		return nil
	}
	starter, ok := c.behavior.(RequestStarter)
	if !ok {
		return nil
	}
	if err := starter.StartRequest(); err != nil {
		return c.Finished(err)
	}
	return nil
}

// onPostRequest is bound to post_request during Start; it detaches the
// consumer from its Connection iff still attached. Bound first, ahead of
// any listener Connection.Upgrade adds later, so the consumer slot is
// guaranteed empty before the next consumer is built.
func (c *ConsumerBase) onPostRequest(error) error {
	c.mu.Lock()
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()
	if conn != nil {
		conn.detach(c)
	}
	return nil
}

// Finished fires post_request with exc. Safe to call multiple times; only
// the first call has any effect, per OneShot semantics.
func (c *ConsumerBase) Finished(exc error) error {
	return c.PostRequest().Fire(exc)
}

// Write delegates to the attached Connection's transport.
func (c *ConsumerBase) Write(data []byte) (<-chan struct{}, error) {
	conn := c.Connection()
	if conn == nil {
		return nil, ErrNoTransport
	}
	return conn.Write(data)
}

// AbortRequest builds the AbortEvent a pre_request listener should return
// to cooperatively abort the in-flight request.
func (c *ConsumerBase) AbortRequest(reason string) error {
	return event.NewAbort(reason)
}

func (c *ConsumerBase) logf(format string, args ...interface{}) {
	if c.logger != nil {
		c.logger.Printf(format, args...)
	}
}

// dataReceived is the internal routing step Connection.DataReceived calls
// for each chunk. On first invocation of a server-mode consumer (request
// never set) it first runs Start(nil); every invocation increments the
// counter, fires data_received/data_processed around the behavior call, and
// returns whatever the behavior left unconsumed.
func (c *ConsumerBase) dataReceived(data []byte) ([]byte, error) {
	c.mu.Lock()
	first := !c.started
	c.started = true
	c.mu.Unlock()

	if first {
		if err := c.Start(nil); err != nil {
			return nil, err
		}
	}

	atomic.AddInt64(&c.dataReceivedCount, 1)
	c.DataReceivedEvent().Fire(map[string]interface{}{"data": data})

	remaining, err := c.behavior.DataReceived(data)

	c.DataProcessedEvent().Fire(map[string]interface{}{"data": data})

	if err != nil {
		c.Finished(err)
		return nil, err
	}
	return remaining, nil
}

package netio

import (
	"sync"
	"sync/atomic"
)

// ConsumerFactory builds a fresh ConsumerBase on demand. Connection.Upgrade
// swaps this out mid-connection to switch protocols.
type ConsumerFactory func() *ConsumerBase

// Connection is a ProtocolBase that owns a current Consumer, feeds it
// inbound bytes, rebuilds it on completion, and supports swapping the
// consumer factory mid-stream (upgrade).
type Connection struct {
	*ProtocolBase

	prod *Producer

	mu              sync.Mutex
	currentConsumer *ConsumerBase
	consumerFactory ConsumerFactory

	processed int64
}

// NewConnection wraps base with consumer dispatch, built from the given
// Producer and initial factory. It binds itself to the protocol's
// connection_lost event so an in-flight consumer is always finished, even
// on abrupt disconnect.
func NewConnection(base *ProtocolBase, prod *Producer, factory ConsumerFactory) *Connection {
	c := &Connection{
		ProtocolBase:    base,
		prod:            prod,
		consumerFactory: factory,
	}
	c.ConnectionLost().Bind(c.onConnectionLost)
	return c
}

func (c *Connection) producer() *Producer { return c.prod }

// Producer returns the Producer that built this connection.
func (c *Connection) Producer() *Producer { return c.prod }

// Processed returns the number of consumers that have reached post_request
// on this connection.
func (c *Connection) Processed() int64 { return atomic.LoadInt64(&c.processed) }

// CurrentConsumer returns the attached consumer, building one from the
// current factory if the slot is empty.
func (c *Connection) CurrentConsumer() *ConsumerBase {
	c.mu.Lock()
	cur := c.currentConsumer
	c.mu.Unlock()
	if cur != nil {
		return cur
	}
	return c.buildConsumer()
}

// buildConsumer asks the Producer to build a consumer from the current
// factory, attaches it, and asserts the slot was empty beforehand -
// invariant 1: at most one current_consumer at any time.
func (c *Connection) buildConsumer() *ConsumerBase {
	c.mu.Lock()
	if c.currentConsumer != nil {
		c.mu.Unlock()
		panic(ErrConsumerAttached)
	}
	factory := c.consumerFactory
	c.mu.Unlock()

	consumer := c.prod.BuildConsumer(factory)
	consumer.attach(c)

	c.mu.Lock()
	c.currentConsumer = consumer
	c.mu.Unlock()

	return consumer
}

// detach clears the current consumer slot iff it still holds consumer,
// and bumps processed. Called from ConsumerBase.onPostRequest.
func (c *Connection) detach(consumer *ConsumerBase) {
	c.mu.Lock()
	if c.currentConsumer == consumer {
		c.currentConsumer = nil
		atomic.AddInt64(&c.processed, 1)
	}
	c.mu.Unlock()
}

// DataReceived routes inbound bytes to the current consumer, rebuilding a
// fresh one whenever the slot empties out and bytes remain - the
// keep-alive request multiplexing the Connection exists to provide. It
// stops if the connection closes mid-loop.
func (c *Connection) DataReceived(data []byte) error {
	c.ResetIdle()
	remaining := data
	for len(remaining) > 0 && !c.Closed() {
		consumer := c.CurrentConsumer()
		next, err := consumer.dataReceived(remaining)
		if err != nil {
			return err
		}
		if len(next) == len(remaining) && len(next) > 0 {
			// Behavior returned everything back unconsumed: nothing to do
			// until more bytes arrive, not an error condition.
			return nil
		}
		remaining = next
	}
	return nil
}

// Upgrade is the central mid-stream switch: replace the consumer factory,
// and arrange for the next consumer to be built from it - immediately if
// the slot is empty, or after the current consumer's post_request fires if
// one is still attached. No bytes are ever fed to the new consumer until
// the old one has fully completed.
func (c *Connection) Upgrade(newFactory ConsumerFactory) {
	c.mu.Lock()
	c.consumerFactory = newFactory
	current := c.currentConsumer
	c.mu.Unlock()

	if current == nil {
		c.buildConsumer()
		return
	}
	current.PostRequest().Bind(func(error) error {
		// A consumer attached but never started has no detach listener of
		// its own; clear the slot here (a no-op if it already detached).
		current.onPostRequest(nil)
		c.buildConsumer()
		return nil
	})
}

// onConnectionLost ensures the attached consumer's post_request always
// fires, even on an abrupt disconnect with no clean end-of-request.
func (c *Connection) onConnectionLost(exc error) error {
	c.mu.Lock()
	cur := c.currentConsumer
	c.mu.Unlock()
	if cur != nil {
		cur.Finished(exc)
	}
	return nil
}

// Package wsconsumer implements the WebSocket consumer: the frame-dispatch
// loop a connection switches to after a successful handshake upgrade (§6's
// application handler contract), wired to a wsframe.Framer.
package wsconsumer

import (
	"log"

	"github.com/christopherjohns/streamcore/internal/netio"
	"github.com/christopherjohns/streamcore/internal/wsframe"
)

// Handler is the application-level WebSocket handler contract. Every
// method must be implemented; a consumer built with a nil Handler
// dispatches no events at all.
type Handler interface {
	OnOpen(ws *Conn)
	OnMessage(ws *Conn, msg string)
	OnBytes(ws *Conn, data []byte)
	OnPing(ws *Conn, data []byte)
	OnPong(ws *Conn, data []byte)
	OnClose(ws *Conn)
}

// Conn is the handle an application Handler uses to write back to the
// client. It is a thin wrapper over the attached ConsumerBase and the
// negotiated Framer.
type Conn struct {
	c *consumer
}

// WriteText sends a text frame.
func (w *Conn) WriteText(msg string) error {
	_, err := w.c.Write(w.c.framer.Encode(wsframe.OpText, []byte(msg)))
	return err
}

// WriteBytes sends a binary frame.
func (w *Conn) WriteBytes(data []byte) error {
	_, err := w.c.Write(w.c.framer.Encode(wsframe.OpBinary, data))
	return err
}

// WritePing sends a ping frame.
func (w *Conn) WritePing(data []byte) error {
	_, err := w.c.Write(w.c.framer.Encode(wsframe.OpPing, data))
	return err
}

// WritePong sends a pong frame, typically in response to OnPing.
func (w *Conn) WritePong(data []byte) error {
	_, err := w.c.Write(w.c.framer.Encode(wsframe.OpPong, data))
	return err
}

// Close sends a close frame and finishes the request, per spec: writing a
// close frame always triggers a subsequent finish.
func (w *Conn) Close() error {
	_, err := w.c.Write(w.c.framer.Encode(wsframe.OpClose, nil))
	w.c.Finished(nil)
	return err
}

// NewFactory returns a netio.ConsumerFactory producing a WebSocket consumer
// bound to framer and handler. A Connection.Upgrade built from this factory
// is how C9's handshake result reaches the frame-dispatch loop.
func NewFactory(framer wsframe.Framer, handler Handler, logger *log.Logger) netio.ConsumerFactory {
	return func() *netio.ConsumerBase {
		c := &consumer{framer: framer, handler: handler}
		c.ConsumerBase = netio.NewConsumerBase(c, logger)
		c.ws = &Conn{c: c}
		// OnClose must fire exactly once on every termination, not only on
		// an explicit close frame - binding it to post_request covers the
		// abrupt-disconnect path too, and guarantees it runs after
		// post_request per the finish-then-notify ordering.
		c.PostRequest().Bind(func(error) error {
			if c.handler != nil {
				c.handler.OnClose(c.ws)
			}
			return nil
		})
		return c.ConsumerBase
	}
}

type consumer struct {
	*netio.ConsumerBase
	framer  wsframe.Framer
	handler Handler
	ws      *Conn

	buf    []byte
	opened bool
}

// DataReceived implements netio.DataReceiver. It decodes as many complete
// frames as are available, dispatching each to the handler, and always
// reports no bytes left over to the Connection: a partial trailing frame is
// held internally until more data arrives, never handed back for
// re-routing (this consumer owns the entire WebSocket session, not just one
// request).
func (c *consumer) DataReceived(data []byte) ([]byte, error) {
	c.buf = append(c.buf, data...)

	frames, remaining, err := c.framer.Decode(c.buf)
	if err != nil {
		return nil, err
	}
	c.buf = remaining

	for _, f := range frames {
		if f.Opcode == wsframe.OpClose {
			c.Finished(nil)
			return nil, nil
		}

		if !c.opened {
			c.opened = true
			if c.handler != nil {
				c.handler.OnOpen(c.ws)
			}
		}

		switch f.Opcode {
		case wsframe.OpText:
			if c.handler != nil {
				c.handler.OnMessage(c.ws, string(f.Payload))
			}
		case wsframe.OpBinary:
			if c.handler != nil {
				c.handler.OnBytes(c.ws, f.Payload)
			}
		case wsframe.OpPing:
			if c.handler != nil {
				c.handler.OnPing(c.ws, f.Payload)
			}
		case wsframe.OpPong:
			if c.handler != nil {
				c.handler.OnPong(c.ws, f.Payload)
			}
		}
	}
	return nil, nil
}

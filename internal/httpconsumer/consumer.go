// Package httpconsumer implements the default server-side HTTP/1.1
// consumer: a thin wrapper over stdlib net/http request parsing, one of the
// collaborators spec.md treats as external to the core design.
package httpconsumer

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"log"
	"net/http"

	"github.com/christopherjohns/streamcore/internal/netio"
	"github.com/christopherjohns/streamcore/internal/wshandshake"
)

// RequestHandler writes a raw HTTP/1.1 response for r to w. Implementations
// own status line, headers and body framing entirely; this mirrors the
// teacher's habit of writing plain handler functions rather than a routing
// framework.
type RequestHandler func(w io.Writer, r *http.Request) error

// UpgradeRoute matches a request against a WebSocket endpoint. It returns
// ok=false for any request that is not meant to upgrade on this path (the
// caller falls back to Handler), and a consumer factory to hand to
// Connection.Upgrade when it does.
type UpgradeRoute func(r *http.Request) (factory netio.ConsumerFactory, ok bool)

// Options configures a Factory.
type Options struct {
	Handler RequestHandler
	Upgrade UpgradeRoute
	// KeepAlive of 0 means close the connection after each response, per
	// the server's configured keep_alive of 0 ("close after one request").
	KeepAlive int64
	Logger    *log.Logger
}

// NewFactory returns a netio.ConsumerFactory building a fresh httpconsumer
// for each request cycle.
func NewFactory(opts Options) netio.ConsumerFactory {
	return func() *netio.ConsumerBase {
		c := &consumer{opts: opts}
		c.ConsumerBase = netio.NewConsumerBase(c, opts.Logger)
		return c.ConsumerBase
	}
}

// consumer accumulates inbound bytes until a full HTTP request header block
// is present, parses it with net/http, and either dispatches it to the
// configured RequestHandler or, if it matches an UpgradeRoute, validates it
// as a WebSocket handshake and upgrades the connection.
type consumer struct {
	*netio.ConsumerBase
	opts Options
	buf  bytes.Buffer
}

// DataReceived implements netio.DataReceiver.
func (c *consumer) DataReceived(data []byte) ([]byte, error) {
	c.buf.Write(data)

	raw := c.buf.Bytes()
	if !bytes.Contains(raw, []byte("\r\n\r\n")) {
		// Headers are not complete yet; wait for more bytes.
		return nil, nil
	}

	br := bufio.NewReader(bytes.NewReader(raw))
	req, err := http.ReadRequest(br)
	if err != nil {
		return nil, fmt.Errorf("httpconsumer: malformed request: %w", err)
	}
	// http.ReadRequest only reads the body lazily; draining it here keeps
	// "consumed" (len(raw) - br.Buffered()) accurate for pipelined requests
	// with a body.
	io.Copy(io.Discard, req.Body)
	req.Body.Close()

	consumed := len(raw) - br.Buffered()
	leftover := make([]byte, len(raw)-consumed)
	copy(leftover, raw[consumed:])
	c.buf.Reset()

	if err := c.dispatch(req); err != nil {
		return nil, err
	}
	return leftover, nil
}

func (c *consumer) dispatch(req *http.Request) error {
	if c.opts.Upgrade != nil {
		if factory, ok := c.opts.Upgrade(req); ok {
			return c.handleUpgrade(req, factory)
		}
	}

	conn := c.Connection()
	if conn == nil {
		return netio.ErrNoTransport
	}

	var resp bytes.Buffer
	if err := c.opts.Handler(&resp, req); err != nil {
		return err
	}
	if _, err := c.Write(resp.Bytes()); err != nil {
		return err
	}

	c.Finished(nil)
	if c.opts.KeepAlive == 0 {
		conn.Close()
	}
	return nil
}

func (c *consumer) handleUpgrade(req *http.Request, factory netio.ConsumerFactory) error {
	conn := c.Connection()
	if conn == nil {
		return netio.ErrNoTransport
	}

	result, err := wshandshake.Validate(req, nil)
	if err != nil {
		herr, ok := err.(*wshandshake.HandshakeError)
		if !ok {
			return err
		}
		wshandshake.WriteHandshakeError(connWriter{conn}, herr)
		c.Finished(nil)
		conn.Close()
		return nil
	}

	if err := wshandshake.WriteUpgradeResponse(connWriter{conn}, result); err != nil {
		return err
	}

	// The 101 response is itself this consumer's response; finishing fires
	// post_request, which Connection.Upgrade already arranged to rebuild
	// the next consumer from the WebSocket factory.
	conn.Upgrade(factory)
	c.Finished(nil)
	return nil
}

// connWriter lets wshandshake write its raw response bytes straight through
// a netio.Connection's flow-controlled Write.
type connWriter struct {
	conn *netio.Connection
}

func (w connWriter) Write(p []byte) (int, error) {
	if _, err := w.conn.Write(p); err != nil {
		return 0, err
	}
	return len(p), nil
}

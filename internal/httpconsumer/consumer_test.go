package httpconsumer

import (
	"bytes"
	"io"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/christopherjohns/streamcore/internal/netio"
)

func newTestConnection(t *testing.T, opts Options) (*netio.Connection, net.Conn) {
	t.Helper()
	client, server := net.Pipe()
	t.Cleanup(func() { client.Close() })

	base := netio.NewProtocolBase(server, 1, nil, netio.ProtocolOptions{})
	prod := netio.NewProducer(nil, 0, nil)
	conn := netio.NewConnection(base, prod, NewFactory(opts))
	return conn, client
}

func readAll(t *testing.T, r io.Reader, timeout time.Duration) []byte {
	t.Helper()
	done := make(chan []byte, 1)
	go func() {
		var buf bytes.Buffer
		io.Copy(&buf, r)
		done <- buf.Bytes()
	}()
	select {
	case b := <-done:
		return b
	case <-time.After(timeout):
		t.Fatal("timed out reading response")
		return nil
	}
}

func TestSimpleRequestResponseCloseAfterOne(t *testing.T) {
	conn, client := newTestConnection(t, Options{
		Handler: func(w io.Writer, r *http.Request) error {
			_, err := io.WriteString(w, "HTTP/1.1 200 OK\r\nContent-Length: 2\r\n\r\nok")
			return err
		},
		KeepAlive: 0,
	})
	defer conn.Close()

	go conn.DataReceived([]byte("GET / HTTP/1.1\r\nHost: x\r\n\r\n"))

	out := readAll(t, client, time.Second)
	if !bytes.Contains(out, []byte("200 OK")) {
		t.Fatalf("response = %q", out)
	}
}

func TestKeepAliveBuildsNewConsumerForSecondRequest(t *testing.T) {
	var handled int
	conn, client := newTestConnection(t, Options{
		Handler: func(w io.Writer, r *http.Request) error {
			handled++
			io.WriteString(w, "HTTP/1.1 200 OK\r\nContent-Length: 0\r\n\r\n")
			return nil
		},
		KeepAlive: 60,
	})
	defer conn.Close()

	go func() {
		client.SetReadDeadline(time.Now().Add(time.Second))
		buf := make([]byte, 4096)
		client.Read(buf)
		client.Read(buf)
	}()

	conn.DataReceived([]byte("GET /a HTTP/1.1\r\nHost: x\r\n\r\nGET /b HTTP/1.1\r\nHost: x\r\n\r\n"))

	time.Sleep(50 * time.Millisecond)
	if handled != 2 {
		t.Fatalf("handled %d requests, want 2", handled)
	}
	if conn.Processed() != 2 {
		t.Fatalf("processed = %d, want 2", conn.Processed())
	}
}

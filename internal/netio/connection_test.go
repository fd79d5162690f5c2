package netio

import (
	"bytes"
	"net"
	"sync"
	"testing"
	"time"
)

// lineEchoBehavior is a minimal server-mode DataReceiver: it finishes the
// request as soon as it sees a newline, echoing everything up to and
// including it, and returns whatever came after as leftover bytes.
type lineEchoBehavior struct {
	consumer *ConsumerBase
}

func (b *lineEchoBehavior) DataReceived(data []byte) ([]byte, error) {
	idx := bytes.IndexByte(data, '\n')
	if idx < 0 {
		return nil, nil
	}
	line := data[:idx+1]
	b.consumer.Write(line)
	b.consumer.Finished(nil)
	return data[idx+1:], nil
}

func newLineEchoFactory() ConsumerFactory {
	return func() *ConsumerBase {
		b := &lineEchoBehavior{}
		c := NewConsumerBase(b, nil)
		b.consumer = c
		return c
	}
}

func newTestConnection(t *testing.T) (*Connection, net.Conn) {
	t.Helper()
	client, server := net.Pipe()
	t.Cleanup(func() { client.Close() })

	base := NewProtocolBase(server, 1, nil, ProtocolOptions{})
	prod := NewProducer(nil, 0, nil)
	conn := NewConnection(base, prod, newLineEchoFactory())
	return conn, client
}

func TestConnectionKeepAliveBuildsNewConsumerPerLine(t *testing.T) {
	conn, client := newTestConnection(t)
	defer conn.Close()

	// net.Pipe has no internal buffer: a reader must keep draining while
	// the writer side (the connection's write pump) produces both echoed
	// lines, or the second Write blocks forever.
	var mu sync.Mutex
	var got bytes.Buffer
	readerDone := make(chan struct{})
	go func() {
		defer close(readerDone)
		client.SetReadDeadline(time.Now().Add(2 * time.Second))
		buf := make([]byte, 64)
		for got.Len() < len("first\nsecond\n") {
			n, err := client.Read(buf)
			if n > 0 {
				mu.Lock()
				got.Write(buf[:n])
				mu.Unlock()
			}
			if err != nil {
				return
			}
		}
	}()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		conn.DataReceived([]byte("first\nsecond\n"))
	}()

	wg.Wait()
	<-readerDone

	mu.Lock()
	gotStr := got.String()
	mu.Unlock()
	if gotStr != "first\nsecond\n" {
		t.Fatalf("echoed %q, want %q", gotStr, "first\nsecond\n")
	}
	if conn.Processed() != 2 {
		t.Fatalf("processed = %d, want 2", conn.Processed())
	}
}

func TestUpgradeSwitchesFactoryAfterCurrentConsumerCompletes(t *testing.T) {
	conn, client := newTestConnection(t)
	defer conn.Close()

	var upgraded bool
	upgradeFactory := func() *ConsumerBase {
		upgraded = true
		b := &lineEchoBehavior{}
		c := NewConsumerBase(b, nil)
		b.consumer = c
		return c
	}

	// Force a consumer into the slot before upgrading, exercising the
	// "bind to that consumer's post_request" branch rather than the
	// immediate-build branch.
	cur := conn.CurrentConsumer()
	conn.Upgrade(upgradeFactory)

	if upgraded {
		t.Fatal("upgrade factory should not run until the current consumer completes")
	}

	cur.Finished(nil)

	if !upgraded {
		t.Fatal("upgrade factory should run once the current consumer's post_request fires")
	}
	_ = client
}

func TestUpgradeWithEmptySlotBuildsImmediately(t *testing.T) {
	conn, client := newTestConnection(t)
	defer conn.Close()
	_ = client

	var built bool
	conn.Upgrade(func() *ConsumerBase {
		built = true
		b := &lineEchoBehavior{}
		c := NewConsumerBase(b, nil)
		b.consumer = c
		return c
	})

	if !built {
		t.Fatal("upgrading an idle connection should build the next consumer immediately")
	}
}

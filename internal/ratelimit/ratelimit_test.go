package ratelimit

import (
	"net"
	"testing"
	"time"
)

type stubConn struct {
	net.Conn
	remote net.Addr
}

func (c stubConn) RemoteAddr() net.Addr { return c.remote }

type stubAddr string

func (a stubAddr) Network() string { return "tcp" }
func (a stubAddr) String() string  { return string(a) }

func TestAllowConnKeysOnHostNotPort(t *testing.T) {
	l := NewIPLimiter(1, time.Hour)

	first := stubConn{remote: stubAddr("1.2.3.4:5000")}
	second := stubConn{remote: stubAddr("1.2.3.4:5001")}

	if !l.AllowConn(first) {
		t.Fatal("first connection from this host should be allowed")
	}
	if l.AllowConn(second) {
		t.Fatal("second connection from the same host on a different port should be denied")
	}
}

func TestAllowConnPermitsUnparsableAddress(t *testing.T) {
	l := NewIPLimiter(0, time.Hour)
	conn := stubConn{remote: stubAddr("not-a-host-port")}

	if !l.AllowConn(conn) {
		t.Fatal("a conn with an unparsable remote address should not be rate limited")
	}
}

func TestAllowUnderLimit(t *testing.T) {
	l := NewIPLimiter(3, time.Hour)

	for i := 0; i < 3; i++ {
		if !l.Allow("1.2.3.4") {
			t.Fatalf("request %d should be allowed", i+1)
		}
	}
}

func TestDenyOverLimit(t *testing.T) {
	l := NewIPLimiter(3, time.Hour)

	for i := 0; i < 3; i++ {
		l.Allow("1.2.3.4")
	}
	if l.Allow("1.2.3.4") {
		t.Fatal("4th request should be denied")
	}
}

func TestDifferentIPsIndependent(t *testing.T) {
	l := NewIPLimiter(2, time.Hour)

	l.Allow("1.1.1.1")
	l.Allow("1.1.1.1")

	if l.Allow("1.1.1.1") {
		t.Fatal("1.1.1.1 should be denied")
	}
	if !l.Allow("2.2.2.2") {
		t.Fatal("2.2.2.2 should be allowed")
	}
}

func TestExpiredEntriesPruned(t *testing.T) {
	l := NewIPLimiter(2, 50*time.Millisecond)

	l.Allow("1.2.3.4")
	l.Allow("1.2.3.4")

	if l.Allow("1.2.3.4") {
		t.Fatal("should be denied before window expires")
	}

	time.Sleep(60 * time.Millisecond)

	if !l.Allow("1.2.3.4") {
		t.Fatal("should be allowed after window expires")
	}
}

package logging

import (
	"bytes"
	"strings"
	"testing"
)

func TestNewDefaultsToInfoLevel(t *testing.T) {
	var buf bytes.Buffer
	l := New(Options{Name: "streamcore", Output: &buf})

	if !l.IsInfo() {
		t.Fatal("default level should be info")
	}
	if l.IsTrace() {
		t.Fatal("default level should not include trace")
	}
}

func TestNewHonorsExplicitLevel(t *testing.T) {
	var buf bytes.Buffer
	l := New(Options{Level: "warn", Output: &buf})

	if l.IsInfo() {
		t.Fatal("warn level should not include info")
	}
	if !l.IsWarn() {
		t.Fatal("warn level should include warn")
	}
}

func TestLifecycleConnectionClosedLogsErrorOnAbort(t *testing.T) {
	var buf bytes.Buffer
	lc := NewLifecycle(New(Options{Level: "debug", Output: &buf}))

	lc.ConnectionClosed(1, "127.0.0.1:9000", nil)
	if strings.Contains(buf.String(), "aborted") {
		t.Fatal("a clean close should not be logged as an abort")
	}

	buf.Reset()
	lc.ConnectionClosed(1, "127.0.0.1:9000", errAccept{})
	if !strings.Contains(buf.String(), "aborted") {
		t.Fatalf("an abrupt close should be logged as an abort, got: %s", buf.String())
	}
}

func TestLifecycleAcceptErrorWrites(t *testing.T) {
	var buf bytes.Buffer
	lc := NewLifecycle(New(Options{Level: "debug", Output: &buf}))

	lc.AcceptError(errAccept{})
	if buf.Len() == 0 {
		t.Fatal("expected a log line for the accept error")
	}
	if !strings.Contains(buf.String(), "accept error") {
		t.Fatalf("log output missing expected message: %s", buf.String())
	}
}

type errAccept struct{}

func (errAccept) Error() string { return "accept failed" }

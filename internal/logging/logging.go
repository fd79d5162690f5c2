// Package logging provides the structured logger used for server-level
// lifecycle events (start, stop, accept errors, idle reaps). Per-connection
// tracing stays on the plain *log.Logger threaded through internal/netio,
// matching the teacher; this package exists only for the handful of
// operator-facing events where structured fields are worth the dependency.
package logging

import (
	"io"
	"os"

	"github.com/hashicorp/go-hclog"
)

// Options configures New.
type Options struct {
	// Name prefixes every log line, e.g. "streamcore".
	Name string
	// Level is one of "trace", "debug", "info", "warn", "error". Defaults
	// to "info".
	Level string
	// Output defaults to os.Stderr.
	Output io.Writer
	// JSON switches to JSON-formatted output, for log aggregation.
	JSON bool
}

// New builds an hclog.Logger configured from opts.
func New(opts Options) hclog.Logger {
	if opts.Output == nil {
		opts.Output = os.Stderr
	}
	level := hclog.LevelFromString(opts.Level)
	if level == hclog.NoLevel {
		level = hclog.Info
	}
	return hclog.New(&hclog.LoggerOptions{
		Name:       opts.Name,
		Level:      level,
		Output:     opts.Output,
		JSONFormat: opts.JSON,
	})
}

// Lifecycle narrows hclog.Logger down to the handful of fields every server
// lifecycle event actually carries, so its callers (cmd/streamcore-server)
// don't need to know hclog's With()/Named() API.
type Lifecycle struct {
	log hclog.Logger
}

// NewLifecycle wraps an hclog.Logger for server lifecycle reporting.
func NewLifecycle(l hclog.Logger) Lifecycle {
	return Lifecycle{log: l}
}

// Started logs a server bind.
func (l Lifecycle) Started(socket string) {
	l.log.Info("listening", "event", "start", "socket", socket)
}

// Stopped logs a completed graceful shutdown.
func (l Lifecycle) Stopped(socket string) {
	l.log.Info("stopped", "event", "stop", "socket", socket)
}

// AcceptError logs a non-fatal accept-loop error.
func (l Lifecycle) AcceptError(err error) {
	l.log.Warn("accept error", "event", "accept_error", "error", err)
}

// ConnectionAccepted logs a new session being admitted.
func (l Lifecycle) ConnectionAccepted(session int64, remoteAddr string) {
	l.log.Debug("connection accepted", "event", "connection_made", "session", session, "remote_addr", remoteAddr)
}

// ConnectionClosed logs a session ending, with the error that caused it if
// any (nil for a clean close).
func (l Lifecycle) ConnectionClosed(session int64, remoteAddr string, cause error) {
	if cause == nil {
		l.log.Debug("connection closed", "event", "connection_lost", "session", session, "remote_addr", remoteAddr)
		return
	}
	l.log.Warn("connection aborted", "event", "connection_lost", "session", session, "remote_addr", remoteAddr, "error", cause)
}

// IdleReap logs a connection closed for sitting idle past its timeout.
func (l Lifecycle) IdleReap(session int64, remoteAddr string) {
	l.log.Info("idle timeout reached", "event", "idle_reap", "session", session, "remote_addr", remoteAddr)
}

// ConfigReloaded logs a hot-reload applying new tunables.
func (l Lifecycle) ConfigReloaded(path string) {
	l.log.Info("config reloaded", "event", "config_reload", "path", path)
}

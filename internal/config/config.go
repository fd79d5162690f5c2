// Package config loads streamcore's runtime tunables from a YAML file, lets
// environment variables override individual fields (mirroring the teacher's
// LISTEN_ADDR/REDIS_ADDR os.Getenv overlay), and can watch the file for
// changes to push updated tunables onto a running server without a restart.
package config

import (
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

// Config holds the tunables a streamcore server reads at startup and may
// reload while running.
type Config struct {
	ListenAddr     string `yaml:"listen_addr"`
	DatagramAddr   string `yaml:"datagram_addr,omitempty"`
	KeepAlive      int64  `yaml:"keep_alive_seconds"`
	IdleTimeout    int64  `yaml:"idle_timeout_seconds"`
	MaxConnections int64  `yaml:"max_connections"`
	MaxRequests    int64  `yaml:"max_requests"`
	LowWatermark   int64  `yaml:"low_watermark_bytes"`
	HighWatermark  int64  `yaml:"high_watermark_bytes"`
	RedisAddr      string `yaml:"redis_addr,omitempty"`
	LogLevel       string `yaml:"log_level"`
}

// Default returns the config used when no file is present.
func Default() Config {
	return Config{
		ListenAddr:     ":8080",
		KeepAlive:      0,
		IdleTimeout:    30,
		MaxConnections: 0,
		MaxRequests:    0,
		LowWatermark:   64 * 1024,
		HighWatermark:  256 * 1024,
		LogLevel:       "info",
	}
}

// Load reads path as YAML over the defaults, then applies the environment
// overlay. A missing file is not an error: Load returns the defaults plus
// whatever environment overrides are set, the same way the teacher's
// main.go falls back to ":8080" when LISTEN_ADDR is unset.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return Config{}, fmt.Errorf("config: reading %s: %w", path, err)
			}
		} else if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("config: parsing %s: %w", path, err)
		}
	}

	applyEnvOverlay(&cfg)
	return cfg, nil
}

func applyEnvOverlay(cfg *Config) {
	if v := os.Getenv("LISTEN_ADDR"); v != "" {
		cfg.ListenAddr = v
	}
	if v := os.Getenv("DATAGRAM_ADDR"); v != "" {
		cfg.DatagramAddr = v
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		cfg.RedisAddr = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
}

// Tunables is the subset of Config a running server can safely pick up
// without rebinding a listener: the max-requests cap, keep-alive seconds,
// and idle timeout. WatchFile pushes these onto apply whenever the file on disk
// changes.
type Tunables struct {
	KeepAlive   int64
	IdleTimeout int64
	MaxRequests int64
}

func (c Config) tunables() Tunables {
	return Tunables{KeepAlive: c.KeepAlive, IdleTimeout: c.IdleTimeout, MaxRequests: c.MaxRequests}
}

// Watcher watches a config file on disk and re-parses it on every write,
// create or rename event, delivering the new Tunables to apply. Grounded on
// the teacher corpus's own config-reload loop (rubiojr-ergs's cmd/serve.go),
// narrowed to the fields a TcpServer can change live: listen/datagram
// addresses and Redis target require a restart, same as the teacher's own
// CLI flags.
type Watcher struct {
	path  string
	apply func(Tunables)

	mu      sync.Mutex
	watcher *fsnotify.Watcher
	done    chan struct{}
}

// WatchFile starts watching path and calls apply with the newly loaded
// Tunables every time the file changes. Returns the Watcher so the caller
// can Stop it, or an error if the filesystem watch could not be installed.
func WatchFile(path string, apply func(Tunables)) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("config: creating watcher: %w", err)
	}
	if err := fw.Add(path); err != nil {
		fw.Close()
		return nil, fmt.Errorf("config: watching %s: %w", path, err)
	}

	w := &Watcher{path: path, apply: apply, watcher: fw, done: make(chan struct{})}
	go w.loop()
	return w, nil
}

func (w *Watcher) loop() {
	for {
		select {
		case ev, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
				continue
			}
			if ev.Has(fsnotify.Rename) {
				// Editors often replace the file atomically; the watch on
				// the old inode is now dead, so re-add it after a short
				// grace period for the new file to land.
				time.Sleep(100 * time.Millisecond)
				w.watcher.Add(w.path)
			}
			cfg, err := Load(w.path)
			if err != nil {
				continue
			}
			w.apply(cfg.tunables())
		case _, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
		case <-w.done:
			return
		}
	}
}

// Stop closes the underlying filesystem watch.
func (w *Watcher) Stop() {
	w.mu.Lock()
	defer w.mu.Unlock()
	select {
	case <-w.done:
		return
	default:
		close(w.done)
	}
	w.watcher.Close()
}

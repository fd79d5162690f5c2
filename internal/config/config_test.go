package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	want := Default()
	if cfg != want {
		t.Fatalf("cfg = %+v, want defaults %+v", cfg, want)
	}
}

func TestLoadParsesYAMLOverDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "streamcore.yaml")
	os.WriteFile(path, []byte(`
listen_addr: ":9090"
max_requests: 1000
idle_timeout_seconds: 45
`), 0644)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.ListenAddr != ":9090" || cfg.MaxRequests != 1000 || cfg.IdleTimeout != 45 {
		t.Fatalf("cfg = %+v", cfg)
	}
	// Fields not present in the file keep their defaults.
	if cfg.LowWatermark != Default().LowWatermark {
		t.Fatalf("LowWatermark = %d, want default", cfg.LowWatermark)
	}
}

func TestEnvOverlayWinsOverFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "streamcore.yaml")
	os.WriteFile(path, []byte("listen_addr: \":9090\"\n"), 0644)

	t.Setenv("LISTEN_ADDR", ":7070")
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.ListenAddr != ":7070" {
		t.Fatalf("ListenAddr = %q, want env override :7070", cfg.ListenAddr)
	}
}

func TestWatchFileAppliesTunablesOnWrite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "streamcore.yaml")
	os.WriteFile(path, []byte("max_requests: 10\n"), 0644)

	applied := make(chan Tunables, 4)
	w, err := WatchFile(path, func(t Tunables) { applied <- t })
	if err != nil {
		t.Fatalf("WatchFile: %v", err)
	}
	defer w.Stop()

	time.Sleep(50 * time.Millisecond)
	os.WriteFile(path, []byte("max_requests: 20\n"), 0644)

	select {
	case tun := <-applied:
		if tun.MaxRequests != 20 {
			t.Fatalf("MaxRequests = %d, want 20", tun.MaxRequests)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("watcher did not observe the file change")
	}
}

func TestWatchFileStopIsIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "streamcore.yaml")
	os.WriteFile(path, []byte("max_requests: 10\n"), 0644)

	w, err := WatchFile(path, func(Tunables) {})
	if err != nil {
		t.Fatalf("WatchFile: %v", err)
	}
	w.Stop()
	w.Stop() // must not panic
}

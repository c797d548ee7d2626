package config

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/steveyegge/wisync/internal/cache"
	"github.com/steveyegge/wisync/internal/cache/sqlite"
	"github.com/steveyegge/wisync/internal/remote"
	wsync "github.com/steveyegge/wisync/internal/sync"
	"github.com/steveyegge/wisync/internal/syncerr"
	"github.com/steveyegge/wisync/internal/types"
)

// setupDir returns a project dir with an isolated HOME and, when content
// is non-empty, a .wisync/<name> config file.
func setupDir(t *testing.T, name, content string) string {
	t.Helper()
	t.Setenv("HOME", t.TempDir())
	dir := t.TempDir()
	if content == "" {
		return dir
	}
	if err := os.MkdirAll(filepath.Join(dir, ".wisync"), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, ".wisync", name), []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
	return dir
}

func validConfig() *Config {
	return &Config{
		Remote: RemoteConfig{URL: "memory:"},
		Cache:  CacheConfig{Root: "/tmp/wisync", Backend: BackendFiles},
		Sync: SyncConfig{
			Types:       []string{"task"},
			QuickWindow: "24h",
			Workers:     4,
			Strategy:    "merge",
			Retry:       RetryConfig{MaxAttempts: 4},
		},
		Log:       LogConfig{Level: "info", Format: "text"},
		Dashboard: DashboardConfig{Port: 8080},
	}
}

func TestLoad_YAMLWithDefaults(t *testing.T) {
	dir := setupDir(t, "config.yaml", `
remote:
  url: "memory:"
sync:
  types: [task, story]
  strategy: local-wins
`)
	cfg, err := Load(Options{Dir: dir})
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}

	if diff := cmp.Diff([]string{"task", "story"}, cfg.Sync.Types); diff != "" {
		t.Errorf("types (-want +got):\n%s", diff)
	}
	if cfg.Sync.Strategy != "local-wins" || cfg.Sync.Workers != 4 || cfg.Sync.QuickWindow != "24h" {
		t.Errorf("sync = %+v", cfg.Sync)
	}
	if cfg.Sync.Retry.InitialBackoff != 200*time.Millisecond || cfg.Daemon.Debounce != 500*time.Millisecond {
		t.Errorf("durations not decoded: %+v %+v", cfg.Sync.Retry, cfg.Daemon)
	}
	if want := filepath.Join(dir, ".wisync", "cache"); cfg.Cache.Root != want {
		t.Errorf("cache root = %q, want %q", cfg.Cache.Root, want)
	}
	if !strings.HasSuffix(cfg.File, "config.yaml") {
		t.Errorf("File = %q", cfg.File)
	}
	if cfg.ItemsDir() != filepath.Join(cfg.Cache.Root, "items") {
		t.Errorf("ItemsDir() = %q", cfg.ItemsDir())
	}
}

func TestLoad_TOML(t *testing.T) {
	dir := setupDir(t, "config.toml", `
[remote]
url = "memory:"

[sync]
types = ["feature"]
workers = 2
quick_window = "3d"
`)
	cfg, err := Load(Options{Dir: dir})
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}
	if cfg.Sync.Workers != 2 || cfg.Sync.QuickWindow != "3d" {
		t.Errorf("sync = %+v", cfg.Sync)
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	dir := setupDir(t, "config.yaml", `
remote:
  url: https://tracker.example.com/api
sync:
  types: [task]
`)
	if err := os.WriteFile(filepath.Join(dir, ".env"), []byte("WISYNC_REMOTE_TOKEN=from-dotenv\n"), 0600); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { os.Unsetenv("WISYNC_REMOTE_TOKEN") })
	t.Setenv("WISYNC_SYNC_WORKERS", "8")
	t.Setenv("WISYNC_SYNC_TYPES", "task,story")
	t.Setenv("WISYNC_CACHE_BACKEND", "sqlite")

	cfg, err := Load(Options{Dir: dir})
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}
	if cfg.Remote.Token != "from-dotenv" {
		t.Errorf("token = %q", cfg.Remote.Token)
	}
	if cfg.Sync.Workers != 8 || cfg.Cache.Backend != BackendSQLite {
		t.Errorf("overrides not applied: %+v %+v", cfg.Sync, cfg.Cache)
	}
	if diff := cmp.Diff([]string{"task", "story"}, cfg.Sync.Types); diff != "" {
		t.Errorf("types (-want +got):\n%s", diff)
	}
	if cfg.ItemsDir() != "" {
		t.Errorf("ItemsDir() = %q for the sqlite backend", cfg.ItemsDir())
	}
}

func TestLoad_Errors(t *testing.T) {
	t.Run("http remote without token", func(t *testing.T) {
		dir := setupDir(t, "config.yaml", "remote:\n  url: https://tracker.example.com\nsync:\n  types: [task]\n")
		_, err := Load(Options{Dir: dir})
		if !errors.Is(err, syncerr.ErrInvalidConfig) || !strings.Contains(err.Error(), "remote.token") {
			t.Errorf("Load() = %v", err)
		}
	})
	t.Run("no remote", func(t *testing.T) {
		dir := setupDir(t, "config.yaml", "sync:\n  types: [task]\n")
		_, err := Load(Options{Dir: dir})
		if !errors.Is(err, syncerr.ErrInvalidConfig) || !strings.Contains(err.Error(), "remote.url") {
			t.Errorf("Load() = %v", err)
		}
	})
	t.Run("explicit file missing", func(t *testing.T) {
		dir := setupDir(t, "", "")
		_, err := Load(Options{Dir: dir, File: filepath.Join(dir, "nope.yaml")})
		if !errors.Is(err, syncerr.ErrInvalidConfig) {
			t.Errorf("Load() = %v", err)
		}
	})
	t.Run("malformed file", func(t *testing.T) {
		dir := setupDir(t, "config.yaml", "remote: [unclosed\n")
		_, err := Load(Options{Dir: dir})
		if !errors.Is(err, syncerr.ErrInvalidConfig) {
			t.Errorf("Load() = %v", err)
		}
	})
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		key    string
	}{
		{"no types", func(c *Config) { c.Sync.Types = nil }, "sync.types"},
		{"slash in type", func(c *Config) { c.Sync.Types = []string{"a/b"} }, "sync.types[0]"},
		{"zero workers", func(c *Config) { c.Sync.Workers = 0 }, "sync.workers"},
		{"unknown strategy", func(c *Config) { c.Sync.Strategy = "coinflip" }, "sync.strategy"},
		{"unknown backend", func(c *Config) { c.Cache.Backend = "tape" }, "cache.backend"},
		{"s3 without bucket", func(c *Config) { c.Cache.Backend = BackendS3 }, "cache.s3.bucket"},
		{"bad window", func(c *Config) { c.Sync.QuickWindow = "whenever" }, "sync.quick_window"},
		{"retry attempts", func(c *Config) { c.Sync.Retry.MaxAttempts = 0 }, "sync.retry.max_attempts"},
		{"log level", func(c *Config) { c.Log.Level = "loud" }, "log.level"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if !errors.Is(err, syncerr.ErrInvalidConfig) {
				t.Fatalf("Validate() = %v, want INVALID_CONFIGURATION", err)
			}
			if !strings.Contains(err.Error(), tt.key) {
				t.Errorf("Validate() = %v, want mention of %s", err, tt.key)
			}
		})
	}

	cfg := validConfig()
	cfg.Sync.Strategy = "Remote-Wins"
	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate() = %v for a mixed-case strategy", err)
	}
}

func TestNewEngine(t *testing.T) {
	discard := slog.New(slog.NewTextHandler(io.Discard, nil))

	t.Run("files", func(t *testing.T) {
		cfg := validConfig()
		cfg.Cache.Root = t.TempDir()
		eng, err := cfg.NewEngine(context.Background(), discard, nil)
		if err != nil {
			t.Fatalf("NewEngine() failed: %v", err)
		}
		defer eng.Close()

		if _, ok := eng.Store.(*cache.FileStore); !ok {
			t.Errorf("store = %T", eng.Store)
		}
		mem, ok := eng.Remote.(*remote.Memory)
		if !ok {
			t.Fatalf("remote = %T", eng.Remote)
		}
		mem.Put("task", "T-1", types.NewFields("title", "Write docs"))

		rep, err := eng.Orchestrator.Sync(context.Background(), wsync.Request{Scope: types.ScopeFull})
		if err != nil {
			t.Fatalf("Sync() failed: %v", err)
		}
		if got := rep.Totals().Downloaded; got != 1 {
			t.Errorf("downloaded = %d, want 1", got)
		}
	})

	t.Run("sqlite", func(t *testing.T) {
		cfg := validConfig()
		cfg.Cache.Root = t.TempDir()
		cfg.Cache.Backend = BackendSQLite
		eng, err := cfg.NewEngine(context.Background(), discard, nil)
		if err != nil {
			t.Fatalf("NewEngine() failed: %v", err)
		}
		defer eng.Close()
		if _, ok := eng.Store.(*sqlite.Store); !ok {
			t.Errorf("store = %T", eng.Store)
		}
	})

	t.Run("bad remote", func(t *testing.T) {
		cfg := validConfig()
		cfg.Cache.Root = t.TempDir()
		cfg.Remote.URL = "ftp://example.com"
		if _, err := cfg.NewEngine(context.Background(), discard, nil); err == nil {
			t.Error("NewEngine() should reject an unsupported remote")
		}
	})
}

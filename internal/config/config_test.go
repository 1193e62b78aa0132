package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}

const validJSON = `{
  "logging": {"level": "info", "console": true},
  "storage": {"path": "./data/cashpilot.db", "busy_timeout": "5s"},
  "engine": {"retry_backoff": "5s", "resync_interval": "10m"},
  "sweep": {"enabled": false, "every": "1m"}
}`

func TestLoadJSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	writeFile(t, path, validJSON)

	cfg, err := NewManager(path).Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Logging.Level != "info" || !cfg.Logging.Console {
		t.Fatalf("logging = %+v", cfg.Logging)
	}
	if cfg.Storage.Path != "./data/cashpilot.db" {
		t.Fatalf("storage = %+v", cfg.Storage)
	}
	if cfg.Sweep.Enabled {
		t.Fatal("sweep should default off")
	}
}

func TestLoadYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	writeFile(t, path, `
logging:
  level: debug
  console: true
storage:
  path: ./cashpilot.db
engine:
  retry_backoff: 3s
`)

	cfg, err := NewManager(path).Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Logging.Level != "debug" {
		t.Fatalf("level = %q", cfg.Logging.Level)
	}
	if cfg.Engine.RetryBackoff != "3s" {
		t.Fatalf("retry_backoff = %q", cfg.Engine.RetryBackoff)
	}
}

func TestLoadRejectsUnknownField(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	writeFile(t, path, `{"storage": {"path": "x"}, "schedular": {}}`)

	if _, err := NewManager(path).Load(); err == nil {
		t.Fatal("unknown top-level field accepted")
	}
}

func TestLoadRejectsTrailingData(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	writeFile(t, path, `{"storage": {"path": "x"}}{"extra": 1}`)

	if _, err := NewManager(path).Load(); err == nil {
		t.Fatal("trailing data accepted")
	}
}

func TestValidate(t *testing.T) {
	cases := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"valid", func(c *Config) {}, false},
		{"bad level", func(c *Config) { c.Logging.Level = "loud" }, true},
		{"file logging without path", func(c *Config) { c.Logging.File.Enabled = true }, true},
		{"missing storage path", func(c *Config) { c.Storage.Path = " " }, true},
		{"bad duration", func(c *Config) { c.Engine.RetryBackoff = "5 seconds" }, true},
		{"negative duration", func(c *Config) { c.Sweep.Every = "-1m" }, true},
		{"notify without token", func(c *Config) { c.Notify.Enabled = true; c.Notify.ChatID = 1 }, true},
		{"notify without chat", func(c *Config) { c.Notify.Enabled = true; c.Notify.Token = "t" }, true},
		{"notify complete", func(c *Config) {
			c.Notify.Enabled = true
			c.Notify.Token = "t"
			c.Notify.ChatID = 42
		}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := &Config{
				Logging: LoggingConfig{Level: "info"},
				Storage: StorageConfig{Path: "./db"},
			}
			tc.mutate(cfg)
			err := Validate(context.Background(), cfg)
			if (err != nil) != tc.wantErr {
				t.Fatalf("Validate() = %v, wantErr %v", err, tc.wantErr)
			}
		})
	}
}

func TestWatchPublishesAcceptedReload(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	writeFile(t, path, validJSON)

	m := NewManager(path)
	if _, err := m.Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}
	sub := m.Subscribe(4)
	defer m.Unsubscribe(sub)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = m.Watch(ctx)
	}()

	// Writes racing the watcher setup are lost, so rewrite until one is seen.
	// The content hash keeps repeated identical writes from double-publishing.
	edited := `{
  "logging": {"level": "debug", "console": true},
  "storage": {"path": "./data/cashpilot.db"}
}`
	if got := awaitReload(t, sub, func() { writeFile(t, path, edited) }); got.Logging.Level != "debug" {
		t.Fatalf("published level = %q, want debug", got.Logging.Level)
	}

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Watch did not stop")
	}
}

func TestWatchKeepsPreviousOnInvalidEdit(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	writeFile(t, path, validJSON)

	m := NewManager(path)
	if _, err := m.Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}

	sub := m.Subscribe(4)
	defer m.Unsubscribe(sub)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = m.Watch(ctx) }()

	// Prove the watcher is live before the edit under test: a valid rewrite
	// must publish. Once it has, later writes cannot be lost to setup races.
	edited := `{
  "logging": {"level": "debug", "console": true},
  "storage": {"path": "./data/cashpilot.db"}
}`
	if got := awaitReload(t, sub, func() { writeFile(t, path, edited) }); got.Logging.Level != "debug" {
		t.Fatalf("published level = %q, want debug", got.Logging.Level)
	}

	writeFile(t, path, `{"logging": {"level": "loud"}, "storage": {"path": "x"}}`)
	time.Sleep(800 * time.Millisecond)

	select {
	case cfg := <-sub:
		t.Fatalf("invalid edit published: %+v", cfg)
	default:
	}
	if got := m.Get().Logging.Level; got != "debug" {
		t.Fatalf("level = %q, want previous config retained", got)
	}
}

// awaitReload rewrites the config until the subscriber observes a reload.
// The pause between rewrites must outlast the trailing-edge debounce, or
// the writes themselves keep pushing the reload out.
func awaitReload(t *testing.T, sub <-chan *Config, write func()) *Config {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		write()
		select {
		case cfg := <-sub:
			return cfg
		case <-time.After(2 * watchDebounce):
		}
	}
	t.Fatal("no reload published")
	return nil
}

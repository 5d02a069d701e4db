package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

const sampleYAML = `
inventory:
  dir: /var/lib/notifierd/apps
  debounce: 500ms
policy:
  notify_installs: true
  notify_updates: true
  trust_channel: true
  trust_others: false
  text_style: enhanced
sink:
  driver: dbus
  rate_per_sec: 3
channel:
  listing_url: https://apps.example.com
  detail_url: https://apps.example.com/detail/%s
reconcile:
  schedule: "@every 15m"
storage:
  driver: sqlite
  path: ./notifierd.db
  busy_timeout: 5s
logging:
  level: info
  console: true
  file: { enabled: false, path: "" }
`

func TestParseYAML(t *testing.T) {
	m := NewManager(writeConfig(t, "config.yaml", sampleYAML))
	cfg, err := m.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Inventory.Dir != "/var/lib/notifierd/apps" {
		t.Fatalf("inventory.dir = %q", cfg.Inventory.Dir)
	}
	if !cfg.Policy.NotifyUpdates || cfg.Policy.TrustOthers {
		t.Fatalf("policy = %+v", cfg.Policy)
	}
	if cfg.Sink.Driver != SinkDriverDBus || cfg.Sink.RatePerSec != 3 {
		t.Fatalf("sink = %+v", cfg.Sink)
	}
	if cfg.Storage == nil || cfg.Storage.Driver != "sqlite" {
		t.Fatalf("storage = %+v", cfg.Storage)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if got := m.Get(); got != cfg {
		t.Fatal("Get must return the committed config")
	}
}

func TestLoadRejectsUnknownFields(t *testing.T) {
	m := NewManager(writeConfig(t, "config.yaml", sampleYAML+"\nextra_section: {}\n"))
	if _, err := m.Load(); err == nil {
		t.Fatal("unknown top-level key must be rejected")
	}
}

func TestDurationFields(t *testing.T) {
	m := NewManager(writeConfig(t, "config.yaml", sampleYAML))
	cfg, err := m.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if d, err := cfg.InventoryDebounce(); err != nil || d != 500*time.Millisecond {
		t.Fatalf("InventoryDebounce = %v, %v", d, err)
	}
	if d, err := cfg.StorageBusyTimeout(); err != nil || d != 5*time.Second {
		t.Fatalf("StorageBusyTimeout = %v, %v", d, err)
	}

	// Unset fields fall back to their defaults.
	empty := &Config{}
	if d, err := empty.InventoryDebounce(); err != nil || d != 0 {
		t.Fatalf("empty InventoryDebounce = %v, %v", d, err)
	}
	if d, err := empty.StorageBusyTimeout(); err != nil || d != time.Second {
		t.Fatalf("empty StorageBusyTimeout = %v, %v", d, err)
	}
	if d, err := empty.TelegramPollTimeout(); err != nil || d != 0 {
		t.Fatalf("empty TelegramPollTimeout = %v, %v", d, err)
	}

	bad := &Config{Inventory: InventoryConfig{Debounce: "soon"}}
	if _, err := bad.InventoryDebounce(); err == nil {
		t.Fatal("malformed duration must error")
	}
}

func TestValidate(t *testing.T) {
	base := func() *Config {
		return &Config{
			Inventory: InventoryConfig{Dir: "/apps"},
			Sink:      SinkConfig{Driver: SinkDriverDBus},
		}
	}

	if err := base().Validate(); err != nil {
		t.Fatalf("minimal config must validate: %v", err)
	}

	cases := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"missing dir", func(c *Config) { c.Inventory.Dir = " " }, "inventory.dir"},
		{"bad debounce", func(c *Config) { c.Inventory.Debounce = "fast" }, "inventory.debounce"},
		{"bad style", func(c *Config) { c.Policy.TextStyle = "fancy" }, "text_style"},
		{"bad driver", func(c *Config) { c.Sink.Driver = "smoke" }, "sink.driver"},
		{"telegram no token", func(c *Config) { c.Sink.Driver = SinkDriverTelegram }, "telegram.token"},
		{"telegram no chat", func(c *Config) {
			c.Sink.Driver = SinkDriverTelegram
			c.Sink.Telegram = &TelegramConfig{Token: "x"}
		}, "chat_id"},
		{"detail url no verb", func(c *Config) { c.Channel.DetailURL = "https://x/detail" }, "detail_url"},
		{"sqlite no path", func(c *Config) { c.Storage = &StorageConfig{Driver: "sqlite"} }, "storage.path"},
	}
	for _, tc := range cases {
		cfg := base()
		tc.mutate(cfg)
		err := cfg.Validate()
		if err == nil {
			t.Fatalf("%s: want error", tc.name)
		}
		if !strings.Contains(err.Error(), tc.want) {
			t.Fatalf("%s: error %q does not mention %q", tc.name, err, tc.want)
		}
	}
}

func TestSummarizeConfigChange(t *testing.T) {
	old := &Config{
		Inventory: InventoryConfig{Dir: "/apps"},
		Policy:    PolicyConfig{NotifyUpdates: true},
	}
	next := &Config{
		Inventory: InventoryConfig{Dir: "/apps"},
		Policy:    PolicyConfig{NotifyUpdates: true, NotifyInstalls: true},
		Sink:      SinkConfig{Driver: SinkDriverDBus, RatePerSec: 2},
	}

	changed, _ := SummarizeConfigChange(old, next)
	want := []string{"policy", "sink"}
	if len(changed) != len(want) {
		t.Fatalf("changed = %v, want %v", changed, want)
	}
	for i := range want {
		if changed[i] != want[i] {
			t.Fatalf("changed = %v, want %v", changed, want)
		}
	}

	if changed, _ := SummarizeConfigChange(next, next); len(changed) != 0 {
		t.Fatalf("identical configs must report no changes, got %v", changed)
	}
}

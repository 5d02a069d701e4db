package config

import (
	"fmt"
	"strings"
	"time"
)

type Config struct {
	Inventory InventoryConfig `json:"inventory"`
	Policy    PolicyConfig    `json:"policy"`
	Sink      SinkConfig      `json:"sink"`
	Channel   ChannelConfig   `json:"channel,omitempty"`
	Reconcile ReconcileConfig `json:"reconcile,omitempty"`
	Storage   *StorageConfig  `json:"storage,omitempty"`
	Logging   LoggingConfig   `json:"logging"`
}

// InventoryConfig points at the manifest directory describing the
// host's installed entities (one YAML manifest per entity).
//
// Debounce is a Go duration string (e.g. "500ms"); it coalesces bursts
// of manifest writes into a single rescan.
type InventoryConfig struct {
	Dir      string `json:"dir"`
	Debounce string `json:"debounce,omitempty"`
}

// PolicyConfig gates which events produce alerts. All fields hot-reload
// between events.
type PolicyConfig struct {
	NotifyInstalls bool `json:"notify_installs"`
	NotifyUpdates  bool `json:"notify_updates"`
	TrustChannel   bool `json:"trust_channel"`
	TrustOthers    bool `json:"trust_others"`
	// TextStyle is "original" or "enhanced".
	TextStyle string `json:"text_style,omitempty"`
}

// SinkConfig selects the notification delivery driver.
//
// Drivers:
//   - "dbus": desktop notifications via org.freedesktop.Notifications
//   - "telegram": messages to a chat (for headless hosts)
type SinkConfig struct {
	Driver     string          `json:"driver"`
	RatePerSec int             `json:"rate_per_sec,omitempty"`
	Telegram   *TelegramConfig `json:"telegram,omitempty"`
}

type TelegramConfig struct {
	Token  string `json:"token"`
	ChatID int64  `json:"chat_id"`
	// PollTimeout is a Go duration string (e.g. "10s").
	PollTimeout string `json:"poll_timeout,omitempty"`
}

// ChannelConfig holds the trusted distribution channel's web endpoints,
// used when an alert click cannot launch the entity directly.
// DetailURL must contain one %s verb for the entity id.
type ChannelConfig struct {
	ListingURL string `json:"listing_url,omitempty"`
	DetailURL  string `json:"detail_url,omitempty"`
}

// ReconcileConfig controls the periodic stale-entry sweep. Schedule is
// a cron expression ("@every 15m", "0 */6 * * *"); empty disables the
// sweep.
type ReconcileConfig struct {
	Schedule string `json:"schedule,omitempty"`
}

// StorageConfig controls the history persistence layer. Nil means an
// in-memory store (history lost on restart).
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string (sqlite)
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

const (
	SinkDriverDBus     = "dbus"
	SinkDriverTelegram = "telegram"

	TextStyleOriginal = "original"
	TextStyleEnhanced = "enhanced"
)

// Validate checks cross-field consistency. It is the hook installed on
// the manager so a broken edit never replaces a working config.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Inventory.Dir) == "" {
		return fmt.Errorf("inventory.dir is required")
	}
	if _, err := c.InventoryDebounce(); err != nil {
		return err
	}

	switch strings.TrimSpace(c.Policy.TextStyle) {
	case "", TextStyleOriginal, TextStyleEnhanced:
	default:
		return fmt.Errorf("policy.text_style: unknown style %q", c.Policy.TextStyle)
	}

	switch strings.TrimSpace(c.Sink.Driver) {
	case "", SinkDriverDBus:
	case SinkDriverTelegram:
		if c.Sink.Telegram == nil || strings.TrimSpace(c.Sink.Telegram.Token) == "" {
			return fmt.Errorf("sink.telegram.token is required for the telegram driver")
		}
		if c.Sink.Telegram.ChatID == 0 {
			return fmt.Errorf("sink.telegram.chat_id is required for the telegram driver")
		}
		if _, err := c.TelegramPollTimeout(); err != nil {
			return err
		}
	default:
		return fmt.Errorf("sink.driver: unknown driver %q", c.Sink.Driver)
	}
	if c.Sink.RatePerSec < 0 {
		return fmt.Errorf("sink.rate_per_sec must be >= 0")
	}

	if url := strings.TrimSpace(c.Channel.DetailURL); url != "" && !strings.Contains(url, "%s") {
		return fmt.Errorf("channel.detail_url must contain a %%s placeholder for the entity id")
	}

	if c.Storage != nil {
		switch strings.TrimSpace(c.Storage.Driver) {
		case "sqlite", "memory":
		default:
			return fmt.Errorf("storage.driver: unknown driver %q", c.Storage.Driver)
		}
		if strings.TrimSpace(c.Storage.Driver) == "sqlite" && strings.TrimSpace(c.Storage.Path) == "" {
			return fmt.Errorf("storage.path is required for the sqlite driver")
		}
		if _, err := c.StorageBusyTimeout(); err != nil {
			return err
		}
	}
	return nil
}

// InventoryDebounce parses the manifest-rescan debounce. Zero when
// unset; the watcher applies its own default.
func (c *Config) InventoryDebounce() (time.Duration, error) {
	return durationField("inventory.debounce", c.Inventory.Debounce, 0)
}

// StorageBusyTimeout parses the sqlite busy timeout, defaulting to 1s.
func (c *Config) StorageBusyTimeout() (time.Duration, error) {
	if c.Storage == nil {
		return time.Second, nil
	}
	return durationField("storage.busy_timeout", c.Storage.BusyTimeout, time.Second)
}

// TelegramPollTimeout parses the long-poll timeout. Zero when unset;
// the adapter applies its own default.
func (c *Config) TelegramPollTimeout() (time.Duration, error) {
	if c.Sink.Telegram == nil {
		return 0, nil
	}
	return durationField("sink.telegram.poll_timeout", c.Sink.Telegram.PollTimeout, 0)
}

func durationField(field, raw string, def time.Duration) (time.Duration, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return def, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid duration %q: %w", field, raw, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("%s: duration must be >= 0", field)
	}
	return d, nil
}

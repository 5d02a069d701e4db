package config

import (
	"reflect"
	"sort"
	"strings"

	logx "appnotifier/pkg/logx"
)

// SummarizeConfigChange returns a compact list of changed sections and
// safe structured attrs for logging (never includes secrets like
// tokens).
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 6)
	attrs := make([]logx.Field, 0, 16)

	if oldCfg.Inventory != newCfg.Inventory {
		changed = append(changed, "inventory")
		attrs = append(attrs,
			logx.String("inventory.dir", strings.TrimSpace(newCfg.Inventory.Dir)),
			logx.String("inventory.debounce", strings.TrimSpace(newCfg.Inventory.Debounce)),
		)
	}

	if oldCfg.Policy != newCfg.Policy {
		changed = append(changed, "policy")
		attrs = append(attrs,
			logx.Bool("policy.notify_installs", newCfg.Policy.NotifyInstalls),
			logx.Bool("policy.notify_updates", newCfg.Policy.NotifyUpdates),
			logx.Bool("policy.trust_channel", newCfg.Policy.TrustChannel),
			logx.Bool("policy.trust_others", newCfg.Policy.TrustOthers),
			logx.String("policy.text_style", strings.TrimSpace(newCfg.Policy.TextStyle)),
		)
	}

	// Sink (never log the telegram token).
	oTG := derefTelegram(oldCfg.Sink.Telegram)
	nTG := derefTelegram(newCfg.Sink.Telegram)
	if oldCfg.Sink.Driver != newCfg.Sink.Driver ||
		oldCfg.Sink.RatePerSec != newCfg.Sink.RatePerSec ||
		!reflect.DeepEqual(oTG, nTG) {
		changed = append(changed, "sink")
		attrs = append(attrs,
			logx.String("sink.driver", strings.TrimSpace(newCfg.Sink.Driver)),
			logx.Int("sink.rate_per_sec", newCfg.Sink.RatePerSec),
			logx.Bool("sink.telegram_token_set", strings.TrimSpace(nTG.Token) != ""),
		)
	}

	if oldCfg.Channel != newCfg.Channel {
		changed = append(changed, "channel")
		attrs = append(attrs,
			logx.Bool("channel.listing_set", strings.TrimSpace(newCfg.Channel.ListingURL) != ""),
			logx.Bool("channel.detail_set", strings.TrimSpace(newCfg.Channel.DetailURL) != ""),
		)
	}

	if oldCfg.Reconcile != newCfg.Reconcile {
		changed = append(changed, "reconcile")
		attrs = append(attrs,
			logx.String("reconcile.schedule", strings.TrimSpace(newCfg.Reconcile.Schedule)),
		)
	}

	oS := derefStorage(oldCfg.Storage)
	nS := derefStorage(newCfg.Storage)
	if (oldCfg.Storage != nil) != (newCfg.Storage != nil) || oS != nS {
		changed = append(changed, "storage")
		attrs = append(attrs,
			logx.String("storage.driver", strings.TrimSpace(nS.Driver)),
			logx.Bool("storage.path_set", strings.TrimSpace(nS.Path) != ""),
			logx.String("storage.busy_timeout", strings.TrimSpace(nS.BusyTimeout)),
		)
	}

	if oldCfg.Logging != newCfg.Logging {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logx.level", newCfg.Logging.Level),
			logx.Bool("logx.console", newCfg.Logging.Console),
			logx.Bool("logx.file_enabled", newCfg.Logging.File.Enabled),
		)
	}

	sort.Strings(changed)
	return changed, attrs
}

func derefTelegram(t *TelegramConfig) TelegramConfig {
	if t == nil {
		return TelegramConfig{}
	}
	return *t
}

func derefStorage(s *StorageConfig) StorageConfig {
	if s == nil {
		return StorageConfig{}
	}
	return *s
}

package config

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	yaml "go.yaml.in/yaml/v3"

	logx "appnotifier/pkg/logx"
)

// Manager owns the daemon's config file: initial load, strict decode
// and hot reload while notifierd runs. Reloads are transactional: a
// candidate that fails validation is logged and discarded, and the
// previous config stays in effect, so a broken edit never takes the
// policy or logging setup down with it.
type Manager struct {
	path string

	mu   sync.RWMutex
	cur  *Config
	hash uint64

	// subsMu also guards publish sends, so a channel is never closed
	// by Unsubscribe mid-send.
	subsMu sync.Mutex
	subs   []chan *Config

	log      logx.Logger
	validate func(ctx context.Context, cfg *Config) error
}

func NewManager(path string) *Manager {
	return &Manager{path: path}
}

func (m *Manager) SetLogger(log logx.Logger) { m.log = log }

// SetValidator installs the pre-commit hook run on every reload.
func (m *Manager) SetValidator(fn func(ctx context.Context, cfg *Config) error) {
	m.validate = fn
}

// Load reads and decodes the file and commits the result as current.
func (m *Manager) Load() (*Config, error) {
	cfg, err := m.read()
	if err != nil {
		return nil, err
	}
	m.commit(cfg)
	return cfg, nil
}

// Get returns the last committed config.
func (m *Manager) Get() *Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cur
}

func (m *Manager) read() (*Config, error) {
	raw, err := os.ReadFile(m.path)
	if err != nil {
		return nil, err
	}
	return decode(m.path, raw)
}

func (m *Manager) commit(cfg *Config) {
	m.mu.Lock()
	m.cur = cfg
	m.hash = fingerprint(cfg)
	m.mu.Unlock()
}

// decode strictly parses the config: unknown keys and trailing data are
// errors in both formats. YAML takes a JSON round trip so a single
// decoder enforces the schema.
func decode(path string, raw []byte) (*Config, error) {
	name := filepath.Base(path)

	if ext := strings.ToLower(filepath.Ext(path)); ext == ".yaml" || ext == ".yml" {
		var doc map[string]any
		if err := yaml.Unmarshal(raw, &doc); err != nil {
			return nil, fmt.Errorf("parse %s: %w", name, err)
		}
		j, err := json.Marshal(doc)
		if err != nil {
			return nil, fmt.Errorf("parse %s: %w", name, err)
		}
		raw = j
	}

	var cfg Config
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", name, err)
	}
	if dec.More() {
		return nil, fmt.Errorf("parse %s: trailing data", name)
	}
	return &cfg, nil
}

// fingerprint hashes the canonical JSON form; editors that rewrite the
// file without changing content then cause no republish.
func fingerprint(cfg *Config) uint64 {
	if cfg == nil {
		return 0
	}
	b, err := json.Marshal(cfg)
	if err != nil {
		return 0
	}
	return hashBytes(b)
}

// ---- subscriptions ----

// Subscribe registers for committed config updates.
func (m *Manager) Subscribe(buffer int) chan *Config {
	ch := make(chan *Config, buffer)
	m.subsMu.Lock()
	m.subs = append(m.subs, ch)
	m.subsMu.Unlock()
	return ch
}

// Unsubscribe removes and closes the channel.
func (m *Manager) Unsubscribe(ch chan *Config) {
	if ch == nil {
		return
	}
	m.subsMu.Lock()
	defer m.subsMu.Unlock()
	for i, s := range m.subs {
		if s == ch {
			m.subs[i] = m.subs[len(m.subs)-1]
			m.subs = m.subs[:len(m.subs)-1]
			close(ch)
			return
		}
	}
}

// publish hands the new config to every subscriber. A slow subscriber
// loses its oldest pending config, never the newest.
func (m *Manager) publish(cfg *Config) {
	m.subsMu.Lock()
	defer m.subsMu.Unlock()
	for _, ch := range m.subs {
		select {
		case ch <- cfg:
			continue
		default:
		}
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- cfg:
		default:
			m.log.Debug("config update dropped, subscriber stalled",
				logx.Int("buffered", len(ch)))
		}
	}
}

// ---- file watching ----

const (
	reloadDelay     = 250 * time.Millisecond
	watchBackoffMin = 250 * time.Millisecond
	watchBackoffMax = 5 * time.Second
)

// Watch re-decodes the file on change until ctx ends. Edits are
// debounced so a save that arrives as several write events (or a
// rename-over) reloads once. A broken inotify watcher is recreated
// with jittered backoff.
func (m *Manager) Watch(ctx context.Context) error {
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	backoff := watchBackoffMin

	for ctx.Err() == nil {
		started := time.Now()
		err := m.watchOnce(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if time.Since(started) > 30*time.Second {
			backoff = watchBackoffMin
		}

		wait := backoff + time.Duration(rng.Int63n(int64(backoff/2)+1))
		m.log.Warn("config watcher stopped, restarting",
			logx.Err(err), logx.Duration("backoff", wait))
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(wait):
		}
		if backoff *= 2; backoff > watchBackoffMax {
			backoff = watchBackoffMax
		}
	}
	return nil
}

// watchOnce runs one watcher lifetime. It watches the parent directory
// (not the file itself) so atomic saves that replace the inode keep
// reporting.
func (m *Manager) watchOnce(ctx context.Context) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer w.Close()

	dir := filepath.Dir(m.path)
	if err := w.Add(dir); err != nil {
		return fmt.Errorf("watch %s: %w", dir, err)
	}
	m.log.Debug("watching config", logx.String("path", m.path))

	var pending *time.Timer
	defer func() {
		if pending != nil {
			pending.Stop()
		}
	}()
	schedule := func() {
		if pending != nil {
			pending.Stop()
		}
		pending = time.AfterFunc(reloadDelay, func() { m.reload(ctx) })
	}

	base := filepath.Base(m.path)
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return errors.New("event channel closed")
			}
			if strings.EqualFold(filepath.Base(ev.Name), base) {
				schedule()
			}
		case werr, ok := <-w.Errors:
			if !ok {
				return errors.New("error channel closed")
			}
			if werr == nil {
				continue
			}
			if errors.Is(werr, fsnotify.ErrEventOverflow) {
				// Events were missed; the file may have changed unseen.
				schedule()
				continue
			}
			m.log.Warn("config watch error", logx.Err(werr))
		}
	}
}

// reload re-reads the file after the debounce window. Unchanged content
// and rejected candidates both leave the current config in place.
func (m *Manager) reload(ctx context.Context) {
	cfg, err := m.read()
	if err != nil {
		m.log.Warn("config reload failed", logx.String("path", m.path), logx.Err(err))
		return
	}

	h := fingerprint(cfg)
	m.mu.RLock()
	same := h != 0 && h == m.hash
	m.mu.RUnlock()
	if same {
		m.log.Debug("config unchanged, skipping publish")
		return
	}

	if m.validate != nil {
		vctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		verr := m.validate(vctx, cfg)
		cancel()
		if verr != nil {
			m.log.Warn("config rejected, keeping previous", logx.Err(verr))
			return
		}
	}

	m.commit(cfg)
	m.publish(cfg)
	m.log.Info("config reloaded", logx.String("path", m.path))
}

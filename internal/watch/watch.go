// Package watch synthesizes raw lifecycle events from changes to the
// inventory manifest directory. It is the host-side event source of the
// pipeline: it only reports what changed on disk, all deduplication and
// classification policy lives in the listener.
package watch

import (
	"context"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"appnotifier/internal/inventory"
	"appnotifier/internal/listener"
	logx "appnotifier/pkg/logx"
)

const defaultDebounce = 500 * time.Millisecond

// Handler receives one synthesized raw event per inventory change.
type Handler func(listener.RawEvent)

// Watcher diffs inventory snapshots whenever the manifest directory
// changes. A version change produces the removal-then-creation pair a
// real replace delivers, both halves flagged as replacing.
type Watcher struct {
	log      logx.Logger
	inv      inventory.Source
	dir      string
	debounce time.Duration
	handle   Handler

	mu   sync.Mutex
	prev map[string]int64
}

func New(dir string, debounce time.Duration, inv inventory.Source, handle Handler, log logx.Logger) *Watcher {
	if log.IsZero() {
		log = logx.Nop()
	}
	if debounce <= 0 {
		debounce = defaultDebounce
	}
	return &Watcher{
		log:      log,
		inv:      inv,
		dir:      dir,
		debounce: debounce,
		handle:   handle,
	}
}

// Run blocks until ctx is done. The initial scan only seeds the
// snapshot; nothing already installed is reported as an event.
//
// When fsnotify gets into a bad state the watcher may stop delivering
// events or close its channels; the loop self-heals by recreating it
// with a jittered exponential backoff.
func (w *Watcher) Run(ctx context.Context) error {
	if err := w.rescan(ctx, false); err != nil {
		return err
	}

	const (
		restartBackoffBase = 250 * time.Millisecond
		restartBackoffMax  = 5 * time.Second
	)
	backoff := restartBackoffBase
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))

	// Debounce bursts: package managers write several manifests in
	// quick succession and editors produce multiple events per save.
	var (
		timerMu sync.Mutex
		timer   *time.Timer
	)
	schedule := func() {
		timerMu.Lock()
		defer timerMu.Unlock()
		if timer != nil {
			timer.Stop()
		}
		timer = time.AfterFunc(w.debounce, func() {
			if ctx.Err() != nil {
				return
			}
			if err := w.rescan(ctx, true); err != nil {
				w.log.Warn("inventory rescan failed", logx.String("dir", w.dir), logx.Err(err))
			}
		})
	}

	for {
		if ctx.Err() != nil {
			return nil
		}

		fw, err := fsnotify.NewWatcher()
		if err == nil {
			err = fw.Add(w.dir)
			if err != nil {
				_ = fw.Close()
			}
		}
		if err != nil {
			w.log.Warn("inventory watch init failed", logx.String("dir", w.dir), logx.Err(err))
			wait := backoff + time.Duration(rng.Int63n(int64(backoff/2)+1))
			if backoff < restartBackoffMax {
				backoff *= 2
				if backoff > restartBackoffMax {
					backoff = restartBackoffMax
				}
			}
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(wait):
				continue
			}
		}

		backoff = restartBackoffBase
		w.log.Debug("inventory watcher started", logx.String("dir", w.dir))

		broken := false
		for !broken {
			select {
			case <-ctx.Done():
				_ = fw.Close()
				return nil
			case ev, ok := <-fw.Events:
				if !ok {
					broken = true
					break
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename|fsnotify.Remove) != 0 {
					schedule()
				}
			case werr, ok := <-fw.Errors:
				if !ok {
					broken = true
					break
				}
				if werr == nil {
					continue
				}
				// Overflow means missed events; a rescan resynchronizes
				// regardless of what was missed.
				if strings.Contains(strings.ToLower(werr.Error()), "overflow") {
					w.log.Warn("inventory watch overflow; forcing rescan", logx.Err(werr))
					schedule()
					continue
				}
				w.log.Warn("inventory watch error", logx.String("dir", w.dir), logx.Err(werr))
				if strings.Contains(strings.ToLower(werr.Error()), "closed") {
					broken = true
				}
			}
		}

		_ = fw.Close()
		if ctx.Err() != nil {
			return nil
		}
		wait := backoff + time.Duration(rng.Int63n(int64(backoff/2)+1))
		w.log.Warn("inventory watcher stopped; restarting",
			logx.String("dir", w.dir), logx.Duration("backoff", wait))
		if backoff < restartBackoffMax {
			backoff *= 2
			if backoff > restartBackoffMax {
				backoff = restartBackoffMax
			}
		}
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(wait):
		}
	}
}

// rescan snapshots the inventory and, when emit is set, reports the
// difference from the previous snapshot as raw events.
func (w *Watcher) rescan(ctx context.Context, emit bool) error {
	ents, err := w.inv.List(ctx)
	if err != nil {
		return err
	}
	next := make(map[string]int64, len(ents))
	for _, e := range ents {
		next[e.ID] = e.Version
	}

	w.mu.Lock()
	prev := w.prev
	w.prev = next
	w.mu.Unlock()

	if !emit {
		return nil
	}

	for id, ver := range next {
		old, existed := prev[id]
		switch {
		case !existed:
			w.handle(listener.RawEvent{EntityID: id, Version: ver})
		case ver != old:
			w.handle(listener.RawEvent{EntityID: id, Removed: true, Replacing: true})
			w.handle(listener.RawEvent{EntityID: id, Version: ver, Replacing: true})
		}
	}
	for id := range prev {
		if _, still := next[id]; !still {
			w.handle(listener.RawEvent{EntityID: id, Removed: true})
		}
	}
	return nil
}

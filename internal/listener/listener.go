// Package listener turns the raw, at-least-once lifecycle event stream
// into a clean classified stream for the notification controller. It
// owns the process-lifetime version cache used for duplicate
// suppression; the cache is rebuilt from the live inventory at startup
// and never persisted.
package listener

import (
	"context"
	"errors"
	"sync"
	"time"

	"appnotifier/internal/inventory"
	"appnotifier/internal/notify"
	"appnotifier/internal/taskq"
	logx "appnotifier/pkg/logx"
)

// RawEvent is one host-level lifecycle signal. Version carries the
// observed version for creations and updates and is ignored for
// removals. Replacing marks the event as part of a version change
// rather than a plain install or uninstall; the flag is authoritative
// for classification because the host may report a replace with an
// unchanged version.
type RawEvent struct {
	EntityID  string
	Version   int64
	Replacing bool
	Removed   bool
}

// Listener consumes RawEvents, deduplicates them against the version
// cache and hands classified work to the controller through a keyed
// runner so each entity's persist-then-reread sequence stays ordered.
type Listener struct {
	log    logx.Logger
	inv    inventory.Source
	ctl    *notify.Controller
	runner *taskq.Runner

	mu    sync.Mutex
	cache map[string]int64
}

func New(inv inventory.Source, ctl *notify.Controller, runner *taskq.Runner, log logx.Logger) *Listener {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Listener{
		log:    log,
		inv:    inv,
		ctl:    ctl,
		runner: runner,
		cache:  map[string]int64{},
	}
}

// Seed snapshots the current inventory into the version cache. Every
// entity already present counts as seen at its current version, so a
// re-delivered event for that version is suppressed rather than
// announced again.
func (l *Listener) Seed(ctx context.Context) error {
	ents, err := l.inv.List(ctx)
	if err != nil {
		return err
	}

	l.mu.Lock()
	for _, e := range ents {
		l.cache[e.ID] = e.Version
	}
	n := len(l.cache)
	l.mu.Unlock()

	l.log.Info("version cache seeded", logx.Int("entities", n))
	return nil
}

// Handle classifies one raw event. It is cheap and safe to call from
// the event-delivery goroutine: only the cache is touched inline, all
// resolution and persistence runs on the keyed runner.
func (l *Listener) Handle(ev RawEvent) {
	if ev.EntityID == "" {
		return
	}
	if ev.Removed {
		l.handleRemoved(ev)
		return
	}

	l.mu.Lock()
	cached := l.cache[ev.EntityID]
	if ev.Version <= cached {
		l.mu.Unlock()
		l.log.Debug("duplicate event suppressed",
			logx.String("entity", ev.EntityID), logx.Int64("version", ev.Version))
		return
	}
	l.cache[ev.EntityID] = ev.Version
	l.mu.Unlock()

	kind := notify.KindCreated
	if ev.Replacing {
		kind = notify.KindUpdated
	}
	at := time.Now()

	l.submit(ev.EntityID, func(ctx context.Context) {
		l.forward(ctx, ev.EntityID, kind, at)
	})
}

func (l *Listener) handleRemoved(ev RawEvent) {
	// A removal inside a replace is transient: the creation half of the
	// replace follows immediately, so the entity is not actually going
	// away.
	if ev.Replacing {
		l.log.Debug("removal skipped, replace in flight", logx.String("entity", ev.EntityID))
		return
	}

	l.mu.Lock()
	delete(l.cache, ev.EntityID)
	l.mu.Unlock()

	l.submit(ev.EntityID, func(ctx context.Context) {
		if err := l.ctl.HandleRemoved(ctx, ev.EntityID); err != nil {
			l.log.Error("removal handling failed",
				logx.String("entity", ev.EntityID), logx.Err(err))
		}
	})
}

// forward resolves the entity and calls into the controller. A failed
// resolution means the entity vanished between event and lookup; the
// event is dropped and any stale records are purged so aggregation
// never cites an entity that no longer exists.
func (l *Listener) forward(ctx context.Context, entityID string, kind notify.EventKind, at time.Time) {
	ent, err := l.inv.Resolve(ctx, entityID)
	if errors.Is(err, inventory.ErrNotFound) {
		l.log.Debug("entity vanished before resolution", logx.String("entity", entityID))
		l.mu.Lock()
		delete(l.cache, entityID)
		l.mu.Unlock()
		if perr := l.ctl.PurgeEntity(ctx, entityID); perr != nil {
			l.log.Error("stale record purge failed",
				logx.String("entity", entityID), logx.Err(perr))
		}
		return
	}
	if err != nil {
		l.log.Error("entity resolution failed",
			logx.String("entity", entityID), logx.Err(err))
		return
	}

	cev := notify.Event{Entity: ent, Kind: kind, At: at}
	switch kind {
	case notify.KindCreated:
		err = l.ctl.HandleCreated(ctx, cev)
	case notify.KindUpdated:
		err = l.ctl.HandleUpdated(ctx, cev)
	}
	if err != nil {
		l.log.Error("event handling failed",
			logx.String("entity", entityID),
			logx.String("kind", kind.String()),
			logx.Err(err))
	}
}

func (l *Listener) submit(key string, fn func(context.Context)) {
	ok := l.runner.Submit(key, func() {
		fn(context.Background())
	})
	if !ok {
		l.log.Warn("event dropped, runner closed", logx.String("entity", key))
	}
}

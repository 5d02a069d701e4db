package notify

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"appnotifier/internal/inventory"
	"appnotifier/internal/storage"
	logx "appnotifier/pkg/logx"
)

// Controller is the aggregation policy gate. It owns no state of its
// own: every alert it emits is a pure function of the history store
// and the current policy.
//
// Callers must serialize invocations per entity id (see taskq); the
// upsert-then-reread sequence is not safe to interleave for one key.
type Controller struct {
	log    logx.Logger
	store  storage.Store
	inv    inventory.Source
	sink   Sink
	opener Opener

	mu      sync.RWMutex
	pol     Policy
	limiter *rate.Limiter
}

func NewController(store storage.Store, inv inventory.Source, sink Sink, opener Opener, pol Policy, log logx.Logger) *Controller {
	if log.IsZero() {
		log = logx.Nop()
	}
	if opener == nil {
		opener = NopOpener{}
	}
	return &Controller{
		log:    log,
		store:  store,
		inv:    inv,
		sink:   sink,
		opener: opener,
		pol:    pol,
	}
}

// SetRateLimit bounds sink posts to n per second. Zero disables the
// limit.
func (c *Controller) SetRateLimit(n int) {
	var lim *rate.Limiter
	if n > 0 {
		lim = rate.NewLimiter(rate.Limit(n), n)
	}
	c.mu.Lock()
	c.limiter = lim
	c.mu.Unlock()
}

// SetPolicy swaps the gating flags; safe between events.
func (c *Controller) SetPolicy(p Policy) {
	c.mu.Lock()
	c.pol = p
	c.mu.Unlock()
}

func (c *Controller) Policy() Policy {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.pol
}

// HandleCreated processes a fresh-entity event: policy gate, persist
// an install record, emit the per-entity alert plus group summary.
// Persistence failures propagate; sink failures do not (the persisted
// state stays correct, so the next event or replay retries naturally).
func (c *Controller) HandleCreated(ctx context.Context, ev Event) error {
	pol := c.Policy()
	if !pol.allows(ev.Entity.Provenance, false) {
		c.log.Debug("install event rejected by policy", logx.String("entity", ev.Entity.ID))
		return nil
	}

	rec := recordFromEvent(ev, storage.CategoryInstall)
	if err := c.store.Upsert(ctx, rec); err != nil {
		return fmt.Errorf("persist install record: %w", err)
	}

	c.emitInstall(ctx, rec, ev.Entity.IconPath)
	return nil
}

// HandleUpdated processes a version-change event: policy gate, persist
// an update record, rebuild the aggregated view and replace the single
// update alert wholesale.
func (c *Controller) HandleUpdated(ctx context.Context, ev Event) error {
	pol := c.Policy()
	if !pol.allows(ev.Entity.Provenance, true) {
		c.log.Debug("update event rejected by policy", logx.String("entity", ev.Entity.ID))
		return nil
	}

	rec := recordFromEvent(ev, storage.CategoryUpdate)
	if err := c.store.Upsert(ctx, rec); err != nil {
		return fmt.Errorf("persist update record: %w", err)
	}

	view, err := c.updatesView(ctx)
	if err != nil {
		return err
	}
	c.emitUpdates(ctx, view, pol.TextStyle)
	return nil
}

// HandleRemoved processes an uninstall: the entity's install record and
// alert go away. Other entities' alerts are untouched, but an empty
// install partition also takes the group summary down.
func (c *Controller) HandleRemoved(ctx context.Context, entityID string) error {
	if err := c.store.Delete(ctx, entityID, storage.CategoryInstall); err != nil {
		return fmt.Errorf("delete install record: %w", err)
	}
	c.withdraw(ctx, InstallAlertID(entityID))
	return c.withdrawSummaryIfEmpty(ctx)
}

// PurgeEntity drops both of the entity's records without touching any
// alerts. Used for stale-entry reclamation when the entity can no
// longer be resolved on the host.
func (c *Controller) PurgeEntity(ctx context.Context, entityID string) error {
	if err := c.store.Delete(ctx, entityID, storage.CategoryInstall); err != nil {
		return err
	}
	return c.store.Delete(ctx, entityID, storage.CategoryUpdate)
}

// ---- click / dismiss ----

// UpdateAlertClicked opens the recently-updated view and clears every
// update record, mirroring the original's "clear all on open".
func (c *Controller) UpdateAlertClicked(ctx context.Context) error {
	if err := c.opener.OpenRecentUpdates(ctx); err != nil {
		c.log.Debug("open recent updates failed", logx.Err(err))
	}
	if err := c.store.DeleteCategory(ctx, storage.CategoryUpdate); err != nil {
		return fmt.Errorf("clear update records: %w", err)
	}
	c.withdraw(ctx, UpdateAlertID)
	return nil
}

// UpdateAlertDismissed mirrors the click's record clearing without
// navigation.
func (c *Controller) UpdateAlertDismissed(ctx context.Context) error {
	if err := c.store.DeleteCategory(ctx, storage.CategoryUpdate); err != nil {
		return fmt.Errorf("clear update records: %w", err)
	}
	return nil
}

// InstallAlertClicked launches the entity when launchable (falling back
// to the channel detail page) and clears that one install record.
func (c *Controller) InstallAlertClicked(ctx context.Context, alertID string) error {
	rec, ok, err := c.findInstallByAlertID(ctx, alertID)
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}

	ent, rerr := c.inv.Resolve(ctx, rec.EntityID)
	if rerr == nil && len(ent.Launch) > 0 {
		if err := c.opener.Launch(ctx, ent); err != nil {
			c.log.Debug("launch failed", logx.String("entity", rec.EntityID), logx.Err(err))
		}
	} else {
		if err := c.opener.OpenDetail(ctx, rec.EntityID); err != nil {
			c.log.Debug("open detail failed", logx.String("entity", rec.EntityID), logx.Err(err))
		}
	}

	if err := c.store.Delete(ctx, rec.EntityID, storage.CategoryInstall); err != nil {
		return fmt.Errorf("clear install record: %w", err)
	}
	return c.withdrawSummaryIfEmpty(ctx)
}

// InstallAlertDismissed clears the one install record without
// navigation. Dismissing the last one withdraws the group summary.
func (c *Controller) InstallAlertDismissed(ctx context.Context, alertID string) error {
	rec, ok, err := c.findInstallByAlertID(ctx, alertID)
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}
	if err := c.store.Delete(ctx, rec.EntityID, storage.CategoryInstall); err != nil {
		return fmt.Errorf("clear install record: %w", err)
	}
	return c.withdrawSummaryIfEmpty(ctx)
}

// ---- emission (shared with replay) ----

// updatesView returns the update partition most-recent-first.
func (c *Controller) updatesView(ctx context.Context) ([]storage.Record, error) {
	recs, err := c.store.ListCategory(ctx, storage.CategoryUpdate)
	if err != nil {
		return nil, fmt.Errorf("read update records: %w", err)
	}
	reverse(recs)
	return recs, nil
}

// emitUpdates replaces the aggregated update alert in place. The view
// must be most-recent-first and non-empty.
func (c *Controller) emitUpdates(ctx context.Context, view []storage.Record, style TextStyle) {
	if len(view) == 0 {
		return
	}

	iconPath := ""
	if style == TextEnhanced {
		// Large icon comes from the most recently updated entity.
		if ent, err := c.inv.Resolve(ctx, view[0].EntityID); err == nil {
			iconPath = ent.IconPath
		}
	}

	c.post(ctx, UpdateAlertID, formatUpdates(view, style, iconPath))
}

// emitInstall posts the group summary followed by the per-entity alert,
// matching the original's ordering.
func (c *Controller) emitInstall(ctx context.Context, rec storage.Record, iconPath string) {
	c.post(ctx, InstallSummaryID, formatInstallSummary())
	c.post(ctx, InstallAlertID(rec.EntityID), formatInstall(rec, iconPath))
}

func (c *Controller) post(ctx context.Context, id string, content Content) {
	c.mu.RLock()
	lim := c.limiter
	c.mu.RUnlock()
	if lim != nil {
		if err := lim.Wait(ctx); err != nil {
			return
		}
	}
	if err := c.sink.Post(ctx, id, content); err != nil {
		c.log.Warn("sink post failed", logx.String("alert", id), logx.Err(err))
	}
}

func (c *Controller) withdraw(ctx context.Context, id string) {
	if err := c.sink.Withdraw(ctx, id); err != nil {
		c.log.Debug("sink withdraw failed", logx.String("alert", id), logx.Err(err))
	}
}

func (c *Controller) withdrawSummaryIfEmpty(ctx context.Context) error {
	recs, err := c.store.ListCategory(ctx, storage.CategoryInstall)
	if err != nil {
		return fmt.Errorf("read install records: %w", err)
	}
	if len(recs) == 0 {
		c.withdraw(ctx, InstallSummaryID)
	}
	return nil
}

func (c *Controller) findInstallByAlertID(ctx context.Context, alertID string) (storage.Record, bool, error) {
	recs, err := c.store.ListCategory(ctx, storage.CategoryInstall)
	if err != nil {
		return storage.Record{}, false, fmt.Errorf("read install records: %w", err)
	}
	for _, r := range recs {
		if InstallAlertID(r.EntityID) == alertID {
			return r, true, nil
		}
	}
	return storage.Record{}, false, nil
}

func recordFromEvent(ev Event, cat storage.Category) storage.Record {
	at := ev.At
	if at.IsZero() {
		at = time.Now()
	}
	return storage.Record{
		EntityID:   ev.Entity.ID,
		Category:   cat,
		Label:      ev.Entity.Label,
		OccurredAt: at,
		Version:    ev.Entity.VersionName,
	}
}

func reverse(recs []storage.Record) {
	for i, j := 0, len(recs)-1; i < j; i, j = i+1, j-1 {
		recs[i], recs[j] = recs[j], recs[i]
	}
}

// ErrNoSink is returned by sinks that refuse to post (e.g. permission
// revoked); the pipeline logs it and relies on replay for recovery.
var ErrNoSink = errors.New("notification sink unavailable")

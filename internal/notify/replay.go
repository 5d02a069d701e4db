package notify

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"appnotifier/internal/inventory"
	"appnotifier/internal/storage"
	logx "appnotifier/pkg/logx"
)

const metaSelfVersion = "self_version"

// Replayer reconstructs outstanding alerts from the history store
// after a restart or a self-upgrade. Replay never re-runs policy
// persistence and performs one emission pass per category no matter
// how many records are stored.
type Replayer struct {
	log   logx.Logger
	store storage.Store
	ctl   *Controller
}

func NewReplayer(store storage.Store, ctl *Controller, log logx.Logger) *Replayer {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Replayer{log: log, store: store, ctl: ctl}
}

// Startup runs the full restart sequence: record the daemon's own
// version baseline, emit a normal-path "updated" alert for the daemon
// itself if its version advanced past the stored baseline, then replay
// both categories (skipping the update replay when the self alert
// already refreshed that surface).
func (r *Replayer) Startup(ctx context.Context, self inventory.Entity) error {
	handled, err := r.selfCheck(ctx, self)
	if err != nil {
		return err
	}
	if !handled {
		if err := r.ReplayUpdates(ctx); err != nil {
			return err
		}
	}
	return r.ReplayInstalls(ctx)
}

// selfCheck compares the daemon's build version against the persisted
// baseline. An advance goes through the normal Controller path (not
// replay) so it is counted exactly once.
func (r *Replayer) selfCheck(ctx context.Context, self inventory.Entity) (bool, error) {
	if self.ID == "" {
		return false, nil
	}

	raw, ok, err := r.store.GetMeta(ctx, metaSelfVersion)
	if err != nil {
		return false, fmt.Errorf("read version baseline: %w", err)
	}

	handled := false
	if ok {
		baseline, perr := strconv.ParseInt(raw, 10, 64)
		if perr == nil && self.Version > baseline {
			r.log.Info("self-upgrade detected",
				logx.Int64("from", baseline), logx.Int64("to", self.Version))
			if err := r.ctl.HandleUpdated(ctx, Event{Entity: self, Kind: KindUpdated}); err != nil {
				return false, err
			}
			handled = true
		}
	}

	if err := r.store.SetMeta(ctx, metaSelfVersion, strconv.FormatInt(self.Version, 10)); err != nil {
		return handled, fmt.Errorf("write version baseline: %w", err)
	}
	return handled, nil
}

// ReplayUpdates re-emits the aggregated update alert: exactly one post
// when any update records exist, none otherwise.
func (r *Replayer) ReplayUpdates(ctx context.Context) error {
	pol := r.ctl.Policy()
	if !pol.NotifyUpdates {
		return nil
	}

	view, err := r.ctl.updatesView(ctx)
	if err != nil {
		return err
	}
	if len(view) == 0 {
		return nil
	}

	r.log.Debug("replaying update alert", logx.Int("records", len(view)))
	r.ctl.emitUpdates(ctx, view, pol.TextStyle)
	return nil
}

// Reconcile is the periodic stale-entry sweep: records whose entity no
// longer resolves on the host are dropped, their alerts withdrawn, and
// the aggregated update alert refreshed (or withdrawn when the last
// update record went away).
func (r *Replayer) Reconcile(ctx context.Context) error {
	installs, err := r.store.ListCategory(ctx, storage.CategoryInstall)
	if err != nil {
		return fmt.Errorf("read install records: %w", err)
	}
	for _, rec := range installs {
		if _, rerr := r.ctl.inv.Resolve(ctx, rec.EntityID); !errors.Is(rerr, inventory.ErrNotFound) {
			continue
		}
		r.log.Info("reclaiming stale install record", logx.String("entity", rec.EntityID))
		if err := r.ctl.HandleRemoved(ctx, rec.EntityID); err != nil {
			return err
		}
	}

	updates, err := r.store.ListCategory(ctx, storage.CategoryUpdate)
	if err != nil {
		return fmt.Errorf("read update records: %w", err)
	}
	dropped := 0
	for _, rec := range updates {
		if _, rerr := r.ctl.inv.Resolve(ctx, rec.EntityID); !errors.Is(rerr, inventory.ErrNotFound) {
			continue
		}
		r.log.Info("reclaiming stale update record", logx.String("entity", rec.EntityID))
		if err := r.store.Delete(ctx, rec.EntityID, storage.CategoryUpdate); err != nil {
			return err
		}
		dropped++
	}
	if dropped == 0 {
		return nil
	}

	view, err := r.ctl.updatesView(ctx)
	if err != nil {
		return err
	}
	if len(view) == 0 {
		r.ctl.withdraw(ctx, UpdateAlertID)
		return nil
	}
	r.ctl.emitUpdates(ctx, view, r.ctl.Policy().TextStyle)
	return nil
}

// ReplayInstalls re-posts the install surface in one pass: the group
// summary once, then each per-entity alert. Records whose entity no
// longer resolves are purged instead of re-announced.
func (r *Replayer) ReplayInstalls(ctx context.Context) error {
	pol := r.ctl.Policy()
	if !pol.NotifyInstalls {
		return nil
	}

	recs, err := r.store.ListCategory(ctx, storage.CategoryInstall)
	if err != nil {
		return fmt.Errorf("read install records: %w", err)
	}
	if len(recs) == 0 {
		return nil
	}

	r.log.Debug("replaying install alerts", logx.Int("records", len(recs)))
	r.ctl.post(ctx, InstallSummaryID, formatInstallSummary())
	reposted := 0
	for _, rec := range recs {
		ent, rerr := r.ctl.inv.Resolve(ctx, rec.EntityID)
		if errors.Is(rerr, inventory.ErrNotFound) {
			if perr := r.ctl.PurgeEntity(ctx, rec.EntityID); perr != nil {
				return perr
			}
			continue
		}
		iconPath := ""
		if rerr == nil {
			iconPath = ent.IconPath
		}
		r.ctl.post(ctx, InstallAlertID(rec.EntityID), formatInstall(rec, iconPath))
		reposted++
	}
	if reposted == 0 {
		// Every record was stale; a summary over zero children is a leak.
		return r.ctl.withdrawSummaryIfEmpty(ctx)
	}
	return nil
}

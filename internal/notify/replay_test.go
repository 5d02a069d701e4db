package notify

import (
	"context"
	"reflect"
	"testing"
	"time"

	"appnotifier/internal/inventory"
	"appnotifier/internal/storage"
	logx "appnotifier/pkg/logx"
)

func TestReplayUpdatesSingleEmission(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemory()
	inv := newFakeInv()

	// Live path: three updates, one at a time.
	liveSink := newMemSink()
	live := NewController(store, inv, liveSink, NopOpener{}, allOnPolicy(), logx.Nop())
	base := time.Now().Add(-time.Hour)
	for i, id := range []string{"a", "b", "c"} {
		ev := Event{
			Entity: channelEntity("org.example."+id, id, 1),
			Kind:   KindUpdated,
			At:     base.Add(time.Duration(i) * time.Minute),
		}
		if err := live.HandleUpdated(ctx, ev); err != nil {
			t.Fatalf("HandleUpdated: %v", err)
		}
	}
	want := liveSink.lastPost(t)

	// Restart: fresh controller over the same store.
	replaySink := newMemSink()
	ctl := NewController(store, inv, replaySink, NopOpener{}, allOnPolicy(), logx.Nop())
	rp := NewReplayer(store, ctl, logx.Nop())
	if err := rp.ReplayUpdates(ctx); err != nil {
		t.Fatalf("ReplayUpdates: %v", err)
	}

	if replaySink.postCount() != 1 {
		t.Fatalf("replay must emit exactly once, got %d posts", replaySink.postCount())
	}
	got := replaySink.lastPost(t)
	if got.ID != want.ID || !reflect.DeepEqual(got.Content, want.Content) {
		t.Fatalf("replayed alert differs from live alert:\n got %+v\nwant %+v", got, want)
	}
}

func TestReplayEmptyCategoryEmitsNothing(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemory()
	sink := newMemSink()
	ctl := NewController(store, newFakeInv(), sink, NopOpener{}, allOnPolicy(), logx.Nop())
	rp := NewReplayer(store, ctl, logx.Nop())

	if err := rp.ReplayUpdates(ctx); err != nil {
		t.Fatalf("ReplayUpdates: %v", err)
	}
	if err := rp.ReplayInstalls(ctx); err != nil {
		t.Fatalf("ReplayInstalls: %v", err)
	}
	if sink.postCount() != 0 {
		t.Fatalf("empty categories must not emit, got %d posts", sink.postCount())
	}
}

func TestReplayInstallsPurgesUnresolvable(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemory()
	a := channelEntity("org.example.a", "A", 1)
	inv := newFakeInv(a, channelEntity("org.example.gone", "Gone", 1))

	liveSink := newMemSink()
	live := NewController(store, inv, liveSink, NopOpener{}, allOnPolicy(), logx.Nop())
	for _, ent := range []inventory.Entity{a, channelEntity("org.example.gone", "Gone", 1)} {
		if err := live.HandleCreated(ctx, Event{Entity: ent, Kind: KindCreated}); err != nil {
			t.Fatalf("HandleCreated: %v", err)
		}
	}

	// The entity disappears while the process is down.
	inv.remove("org.example.gone")

	sink := newMemSink()
	ctl := NewController(store, inv, sink, NopOpener{}, allOnPolicy(), logx.Nop())
	rp := NewReplayer(store, ctl, logx.Nop())
	if err := rp.ReplayInstalls(ctx); err != nil {
		t.Fatalf("ReplayInstalls: %v", err)
	}

	// Summary + the one resolvable install alert.
	if sink.postCount() != 2 {
		t.Fatalf("expected 2 posts, got %d", sink.postCount())
	}
	if sink.isActive(InstallAlertID("org.example.gone")) {
		t.Fatal("unresolvable entity must not be re-announced")
	}

	recs, err := store.ListCategory(ctx, storage.CategoryInstall)
	if err != nil {
		t.Fatalf("ListCategory: %v", err)
	}
	if len(recs) != 1 || recs[0].EntityID != "org.example.a" {
		t.Fatalf("stale record must be purged, got %+v", recs)
	}
}

func TestReplayInstallsAllStaleWithdrawsSummary(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemory()
	gone := channelEntity("org.example.gone", "Gone", 1)
	inv := newFakeInv(gone)

	live := NewController(store, inv, newMemSink(), NopOpener{}, allOnPolicy(), logx.Nop())
	if err := live.HandleCreated(ctx, Event{Entity: gone, Kind: KindCreated}); err != nil {
		t.Fatalf("HandleCreated: %v", err)
	}

	// The only recorded entity disappears while the process is down.
	inv.remove("org.example.gone")

	sink := newMemSink()
	ctl := NewController(store, inv, sink, NopOpener{}, allOnPolicy(), logx.Nop())
	rp := NewReplayer(store, ctl, logx.Nop())
	if err := rp.ReplayInstalls(ctx); err != nil {
		t.Fatalf("ReplayInstalls: %v", err)
	}

	if sink.isActive(InstallSummaryID) {
		t.Fatal("summary must not survive a replay with zero children")
	}
	recs, err := store.ListCategory(ctx, storage.CategoryInstall)
	if err != nil {
		t.Fatalf("ListCategory: %v", err)
	}
	if len(recs) != 0 {
		t.Fatalf("stale records must be purged, got %+v", recs)
	}
}

func TestReplayHonorsPolicy(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemory()
	if err := store.Upsert(ctx, storage.Record{EntityID: "a", Category: storage.CategoryUpdate, Label: "A", OccurredAt: time.Now()}); err != nil {
		t.Fatalf("Upsert: %v", err)
	}

	pol := allOnPolicy()
	pol.NotifyUpdates = false
	sink := newMemSink()
	ctl := NewController(store, newFakeInv(), sink, NopOpener{}, pol, logx.Nop())
	rp := NewReplayer(store, ctl, logx.Nop())

	if err := rp.ReplayUpdates(ctx); err != nil {
		t.Fatalf("ReplayUpdates: %v", err)
	}
	if sink.postCount() != 0 {
		t.Fatal("replay must respect disabled categories")
	}
}

func TestReconcileSweepsStaleEntries(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemory()
	keep := channelEntity("org.example.keep", "Keep", 1)
	gone := channelEntity("org.example.gone", "Gone", 1)
	inv := newFakeInv(keep, gone)

	sink := newMemSink()
	ctl := NewController(store, inv, sink, NopOpener{}, allOnPolicy(), logx.Nop())
	for _, ent := range []inventory.Entity{keep, gone} {
		if err := ctl.HandleCreated(ctx, Event{Entity: ent, Kind: KindCreated}); err != nil {
			t.Fatalf("HandleCreated: %v", err)
		}
		if err := ctl.HandleUpdated(ctx, Event{Entity: ent, Kind: KindUpdated}); err != nil {
			t.Fatalf("HandleUpdated: %v", err)
		}
	}

	inv.remove("org.example.gone")
	rp := NewReplayer(store, ctl, logx.Nop())
	if err := rp.Reconcile(ctx); err != nil {
		t.Fatalf("Reconcile: %v", err)
	}

	if sink.isActive(InstallAlertID("org.example.gone")) {
		t.Fatal("stale install alert must be withdrawn")
	}
	if !sink.isActive(InstallAlertID("org.example.keep")) {
		t.Fatal("surviving install alert must stay")
	}
	got := sink.lastPost(t)
	if got.ID != UpdateAlertID || got.Content.Title != "1 app updated" {
		t.Fatalf("update alert not refreshed: %+v", got)
	}
	for _, cat := range []storage.Category{storage.CategoryInstall, storage.CategoryUpdate} {
		recs, err := store.ListCategory(ctx, cat)
		if err != nil {
			t.Fatalf("ListCategory: %v", err)
		}
		if len(recs) != 1 || recs[0].EntityID != "org.example.keep" {
			t.Fatalf("%s records = %+v", cat, recs)
		}
	}

	// Last update record going stale takes the aggregated alert down.
	inv.remove("org.example.keep")
	if err := rp.Reconcile(ctx); err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	if sink.isActive(UpdateAlertID) {
		t.Fatal("update alert must be withdrawn when no records remain")
	}
}

func TestStartupSelfUpgrade(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemory()
	if err := store.SetMeta(ctx, metaSelfVersion, "7"); err != nil {
		t.Fatalf("SetMeta: %v", err)
	}
	// A stale update record from before the restart.
	if err := store.Upsert(ctx, storage.Record{EntityID: "org.example.x", Category: storage.CategoryUpdate, Label: "X", OccurredAt: time.Now().Add(-time.Hour)}); err != nil {
		t.Fatalf("Upsert: %v", err)
	}

	self := channelEntity("io.notifierd", "Notifier", 8)
	self.VersionName = "0.8"

	sink := newMemSink()
	ctl := NewController(store, newFakeInv(), sink, NopOpener{}, allOnPolicy(), logx.Nop())
	rp := NewReplayer(store, ctl, logx.Nop())
	if err := rp.Startup(ctx, self); err != nil {
		t.Fatalf("Startup: %v", err)
	}

	// The self alert went through the live path and already includes
	// the stale record, so no second update emission happens.
	if sink.postCount() != 1 {
		t.Fatalf("expected exactly 1 update post, got %d", sink.postCount())
	}
	got := sink.lastPost(t)
	if got.ID != UpdateAlertID {
		t.Fatalf("alert id = %q", got.ID)
	}
	if got.Content.Title != "2 apps updated" {
		t.Fatalf("title = %q", got.Content.Title)
	}

	v, ok, err := store.GetMeta(ctx, metaSelfVersion)
	if err != nil || !ok {
		t.Fatalf("GetMeta: ok=%v err=%v", ok, err)
	}
	if v != "8" {
		t.Fatalf("baseline = %q, want 8", v)
	}
}

func TestStartupWithoutBaselineJustReplays(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemory()
	if err := store.Upsert(ctx, storage.Record{EntityID: "org.example.x", Category: storage.CategoryUpdate, Label: "X", OccurredAt: time.Now()}); err != nil {
		t.Fatalf("Upsert: %v", err)
	}

	self := channelEntity("io.notifierd", "Notifier", 8)
	sink := newMemSink()
	ctl := NewController(store, newFakeInv(), sink, NopOpener{}, allOnPolicy(), logx.Nop())
	rp := NewReplayer(store, ctl, logx.Nop())
	if err := rp.Startup(ctx, self); err != nil {
		t.Fatalf("Startup: %v", err)
	}

	// First run on this store: baseline is recorded, no self alert,
	// the existing record replays once.
	if sink.postCount() != 1 {
		t.Fatalf("expected 1 replay post, got %d", sink.postCount())
	}
	if sink.lastPost(t).Content.Title != "1 app updated" {
		t.Fatalf("title = %q", sink.lastPost(t).Content.Title)
	}
	if _, ok, _ := store.GetMeta(ctx, metaSelfVersion); !ok {
		t.Fatal("baseline must be recorded on first run")
	}
}

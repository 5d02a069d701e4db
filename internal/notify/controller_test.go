package notify

import (
	"context"
	"sync"
	"testing"
	"time"

	"appnotifier/internal/inventory"
	"appnotifier/internal/storage"
	logx "appnotifier/pkg/logx"
)

// ---- test doubles ----

type sinkCall struct {
	ID      string
	Content Content
}

type memSink struct {
	mu        sync.Mutex
	posts     []sinkCall
	active    map[string]Content
	withdrawn []string
}

func newMemSink() *memSink {
	return &memSink{active: map[string]Content{}}
}

func (s *memSink) Post(_ context.Context, id string, c Content) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.posts = append(s.posts, sinkCall{ID: id, Content: c})
	s.active[id] = c
	return nil
}

func (s *memSink) Withdraw(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.active, id)
	s.withdrawn = append(s.withdrawn, id)
	return nil
}

func (s *memSink) Active(context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.active))
	for id := range s.active {
		out = append(out, id)
	}
	return out, nil
}

func (s *memSink) lastPost(t *testing.T) sinkCall {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.posts) == 0 {
		t.Fatal("no posts recorded")
	}
	return s.posts[len(s.posts)-1]
}

func (s *memSink) postCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.posts)
}

func (s *memSink) isActive(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.active[id]
	return ok
}

type fakeInv struct {
	mu   sync.Mutex
	ents map[string]inventory.Entity
}

func newFakeInv(ents ...inventory.Entity) *fakeInv {
	m := map[string]inventory.Entity{}
	for _, e := range ents {
		m[e.ID] = e
	}
	return &fakeInv{ents: m}
}

func (f *fakeInv) List(context.Context) ([]inventory.Entity, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]inventory.Entity, 0, len(f.ents))
	for _, e := range f.ents {
		out = append(out, e)
	}
	return out, nil
}

func (f *fakeInv) Resolve(_ context.Context, id string) (inventory.Entity, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	e, ok := f.ents[id]
	if !ok {
		return inventory.Entity{}, inventory.ErrNotFound
	}
	return e, nil
}

func (f *fakeInv) remove(id string) {
	f.mu.Lock()
	delete(f.ents, id)
	f.mu.Unlock()
}

func allOnPolicy() Policy {
	return Policy{
		NotifyInstalls: true,
		NotifyUpdates:  true,
		TrustChannel:   true,
		TrustOthers:    true,
		TextStyle:      TextOriginal,
	}
}

func channelEntity(id, label string, version int64) inventory.Entity {
	return inventory.Entity{
		ID:         id,
		Label:      label,
		Version:    version,
		Provenance: inventory.ProvenanceChannel,
	}
}

func newTestController(pol Policy, ents ...inventory.Entity) (*Controller, *memSink, storage.Store) {
	sink := newMemSink()
	store := storage.NewMemory()
	ctl := NewController(store, newFakeInv(ents...), sink, NopOpener{}, pol, logx.Nop())
	return ctl, sink, store
}

// ---- tests ----

func TestPolicyGateCategoryAndProvenance(t *testing.T) {
	pol := allOnPolicy()
	pol.NotifyInstalls = false
	ctl, sink, store := newTestController(pol)
	ctx := context.Background()

	a := channelEntity("org.example.a", "A", 2)
	a.VersionName = "2.0"
	if err := ctl.HandleUpdated(ctx, Event{Entity: a, Kind: KindUpdated}); err != nil {
		t.Fatalf("HandleUpdated: %v", err)
	}

	last := sink.lastPost(t)
	if last.ID != UpdateAlertID {
		t.Fatalf("alert id = %q", last.ID)
	}
	if last.Content.Title != "1 app updated" {
		t.Fatalf("title = %q", last.Content.Title)
	}
	if last.Content.Body != "A was updated" {
		t.Fatalf("body = %q", last.Content.Body)
	}

	// Installs are disabled: the created event is a silent no-op.
	before := sink.postCount()
	b := channelEntity("org.example.b", "B", 1)
	if err := ctl.HandleCreated(ctx, Event{Entity: b, Kind: KindCreated}); err != nil {
		t.Fatalf("HandleCreated: %v", err)
	}
	if sink.postCount() != before {
		t.Fatal("rejected event must not post")
	}
	installs, err := store.ListCategory(ctx, storage.CategoryInstall)
	if err != nil {
		t.Fatalf("ListCategory: %v", err)
	}
	if len(installs) != 0 {
		t.Fatal("rejected event must not persist a record")
	}
}

func TestPolicyGateTrustFilter(t *testing.T) {
	pol := allOnPolicy()
	pol.TrustOthers = false
	ctl, sink, _ := newTestController(pol)

	side := inventory.Entity{ID: "org.side.x", Label: "X", Version: 1, Provenance: inventory.ProvenanceOther}
	if err := ctl.HandleUpdated(context.Background(), Event{Entity: side, Kind: KindUpdated}); err != nil {
		t.Fatalf("HandleUpdated: %v", err)
	}
	if sink.postCount() != 0 {
		t.Fatal("untrusted provenance must be rejected")
	}
}

func TestAggregationMostRecentFirst(t *testing.T) {
	ctl, sink, store := newTestController(allOnPolicy())
	ctx := context.Background()
	base := time.Now().Add(-time.Hour)

	for i, id := range []string{"a", "b", "c"} {
		ev := Event{
			Entity: channelEntity("org.example."+id, map[string]string{"a": "Alpha", "b": "Beta", "c": "Gamma"}[id], 1),
			Kind:   KindUpdated,
			At:     base.Add(time.Duration(i) * time.Minute),
		}
		if err := ctl.HandleUpdated(ctx, ev); err != nil {
			t.Fatalf("HandleUpdated %s: %v", id, err)
		}
	}

	recsAsc, err := store.ListCategory(ctx, storage.CategoryUpdate)
	if err != nil {
		t.Fatalf("ListCategory: %v", err)
	}
	if len(recsAsc) != 3 {
		t.Fatalf("expected 3 records, got %d", len(recsAsc))
	}

	last := sink.lastPost(t)
	if last.Content.Title != "3 apps updated" {
		t.Fatalf("title = %q", last.Content.Title)
	}
	// Gamma arrived last, so the view names it first.
	if last.Content.Body != "Gamma, Beta and Alpha were updated" {
		t.Fatalf("body = %q", last.Content.Body)
	}
}

func TestRapidDoubleUpdateCollapses(t *testing.T) {
	ctl, sink, store := newTestController(allOnPolicy())
	ctx := context.Background()
	now := time.Now()

	a := channelEntity("org.example.a", "A", 2)
	a.VersionName = "2.0"
	if err := ctl.HandleUpdated(ctx, Event{Entity: a, Kind: KindUpdated, At: now}); err != nil {
		t.Fatalf("HandleUpdated v2: %v", err)
	}
	a.Version = 3
	a.VersionName = "3.0"
	if err := ctl.HandleUpdated(ctx, Event{Entity: a, Kind: KindUpdated, At: now.Add(time.Second)}); err != nil {
		t.Fatalf("HandleUpdated v3: %v", err)
	}

	recs, err := store.ListCategory(ctx, storage.CategoryUpdate)
	if err != nil {
		t.Fatalf("ListCategory: %v", err)
	}
	if len(recs) != 1 {
		t.Fatalf("double update must collapse to one record, got %d", len(recs))
	}
	if recs[0].Version != "3.0" {
		t.Fatalf("record version = %q, want latest", recs[0].Version)
	}
	if sink.lastPost(t).Content.Title != "1 app updated" {
		t.Fatalf("title = %q", sink.lastPost(t).Content.Title)
	}
}

func TestInstallPostsSummaryAndIndividual(t *testing.T) {
	ctl, sink, _ := newTestController(allOnPolicy())
	ctx := context.Background()

	a := channelEntity("org.example.a", "A", 1)
	if err := ctl.HandleCreated(ctx, Event{Entity: a, Kind: KindCreated}); err != nil {
		t.Fatalf("HandleCreated: %v", err)
	}

	if sink.postCount() != 2 {
		t.Fatalf("expected summary + individual, got %d posts", sink.postCount())
	}
	if !sink.isActive(InstallSummaryID) {
		t.Fatal("summary not active")
	}
	if !sink.isActive(InstallAlertID("org.example.a")) {
		t.Fatal("install alert not active")
	}
	last := sink.lastPost(t)
	if last.Content.Title != "A" || last.Content.Body != "Successfully installed" {
		t.Fatalf("unexpected install content: %+v", last.Content)
	}
}

func TestDismissLastInstallWithdrawsSummary(t *testing.T) {
	ctl, sink, _ := newTestController(allOnPolicy())
	ctx := context.Background()

	for _, id := range []string{"org.example.a", "org.example.b"} {
		ev := Event{Entity: channelEntity(id, id, 1), Kind: KindCreated}
		if err := ctl.HandleCreated(ctx, ev); err != nil {
			t.Fatalf("HandleCreated %s: %v", id, err)
		}
	}

	if err := ctl.InstallAlertDismissed(ctx, InstallAlertID("org.example.a")); err != nil {
		t.Fatalf("InstallAlertDismissed: %v", err)
	}
	if !sink.isActive(InstallSummaryID) {
		t.Fatal("summary must survive while other install alerts remain")
	}

	if err := ctl.InstallAlertDismissed(ctx, InstallAlertID("org.example.b")); err != nil {
		t.Fatalf("InstallAlertDismissed: %v", err)
	}
	if sink.isActive(InstallSummaryID) {
		t.Fatal("dismissing the last install alert must withdraw the summary")
	}
}

func TestHandleRemovedIsTargeted(t *testing.T) {
	ctl, sink, store := newTestController(allOnPolicy())
	ctx := context.Background()

	for _, id := range []string{"org.example.a", "org.example.b"} {
		ev := Event{Entity: channelEntity(id, id, 1), Kind: KindCreated}
		if err := ctl.HandleCreated(ctx, ev); err != nil {
			t.Fatalf("HandleCreated %s: %v", id, err)
		}
	}

	if err := ctl.HandleRemoved(ctx, "org.example.a"); err != nil {
		t.Fatalf("HandleRemoved: %v", err)
	}
	if sink.isActive(InstallAlertID("org.example.a")) {
		t.Fatal("removed entity's alert must be withdrawn")
	}
	if !sink.isActive(InstallAlertID("org.example.b")) {
		t.Fatal("other entities' alerts must survive")
	}

	recs, err := store.ListCategory(ctx, storage.CategoryInstall)
	if err != nil {
		t.Fatalf("ListCategory: %v", err)
	}
	if len(recs) != 1 || recs[0].EntityID != "org.example.b" {
		t.Fatalf("unexpected remaining records: %+v", recs)
	}
}

func TestUpdateAlertClickClearsAll(t *testing.T) {
	ctl, sink, store := newTestController(allOnPolicy())
	ctx := context.Background()

	for _, id := range []string{"a", "b"} {
		ev := Event{Entity: channelEntity("org.example."+id, id, 1), Kind: KindUpdated}
		if err := ctl.HandleUpdated(ctx, ev); err != nil {
			t.Fatalf("HandleUpdated: %v", err)
		}
	}

	if err := ctl.UpdateAlertClicked(ctx); err != nil {
		t.Fatalf("UpdateAlertClicked: %v", err)
	}
	recs, err := store.ListCategory(ctx, storage.CategoryUpdate)
	if err != nil {
		t.Fatalf("ListCategory: %v", err)
	}
	if len(recs) != 0 {
		t.Fatalf("click must clear all update records, got %d", len(recs))
	}
	if sink.isActive(UpdateAlertID) {
		t.Fatal("update alert must be withdrawn on click")
	}
}

func TestInstallAlertClickClearsOne(t *testing.T) {
	a := channelEntity("org.example.a", "A", 1)
	a.Launch = []string{"alpha"}
	ctl, _, store := newTestController(allOnPolicy(), a)
	ctx := context.Background()

	for _, ent := range []inventory.Entity{a, channelEntity("org.example.b", "B", 1)} {
		if err := ctl.HandleCreated(ctx, Event{Entity: ent, Kind: KindCreated}); err != nil {
			t.Fatalf("HandleCreated: %v", err)
		}
	}

	if err := ctl.InstallAlertClicked(ctx, InstallAlertID("org.example.a")); err != nil {
		t.Fatalf("InstallAlertClicked: %v", err)
	}
	recs, err := store.ListCategory(ctx, storage.CategoryInstall)
	if err != nil {
		t.Fatalf("ListCategory: %v", err)
	}
	if len(recs) != 1 || recs[0].EntityID != "org.example.b" {
		t.Fatalf("click must clear exactly one record, got %+v", recs)
	}
}

func TestRateLimitReloadDuringEmission(t *testing.T) {
	ctl, sink, _ := newTestController(allOnPolicy())
	ctx := context.Background()

	done := make(chan struct{})
	go func() {
		defer close(done)
		// Flip between unlimited and a limit generous enough to
		// never block; the point is the concurrent swap itself.
		for n := 0; n < 100; n++ {
			if n%2 == 0 {
				ctl.SetRateLimit(0)
			} else {
				ctl.SetRateLimit(100000)
			}
		}
	}()

	for i := 0; i < 100; i++ {
		ev := Event{Entity: channelEntity("org.example.a", "A", int64(i+1)), Kind: KindUpdated}
		if err := ctl.HandleUpdated(ctx, ev); err != nil {
			t.Fatalf("HandleUpdated: %v", err)
		}
	}
	<-done

	if sink.postCount() != 100 {
		t.Fatalf("expected 100 posts, got %d", sink.postCount())
	}
}

func TestStaleFeedbackIsIgnored(t *testing.T) {
	ctl, _, _ := newTestController(allOnPolicy())
	if err := ctl.InstallAlertDismissed(context.Background(), InstallAlertID("org.gone")); err != nil {
		t.Fatalf("stale dismissal must be a no-op, got %v", err)
	}
}

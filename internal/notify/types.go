package notify

import (
	"context"
	"time"

	"appnotifier/internal/inventory"
)

// EventKind classifies a lifecycle event after dedup.
type EventKind int

const (
	KindCreated EventKind = iota
	KindUpdated
	KindRemoved
)

func (k EventKind) String() string {
	switch k {
	case KindCreated:
		return "created"
	case KindUpdated:
		return "updated"
	case KindRemoved:
		return "removed"
	default:
		return "unknown"
	}
}

// Event is one classified lifecycle event, consumed exactly once by
// the controller.
type Event struct {
	Entity inventory.Entity
	Kind   EventKind
	At     time.Time
}

// TextStyle selects between the classic template body and the
// per-entity "label vX" rendering.
type TextStyle string

const (
	TextOriginal TextStyle = "original"
	TextEnhanced TextStyle = "enhanced"
)

// Policy are the read-only gating flags. They are hot-reloadable
// between events via Controller.SetPolicy.
type Policy struct {
	NotifyInstalls bool
	NotifyUpdates  bool
	TrustChannel   bool
	TrustOthers    bool
	TextStyle      TextStyle
}

// allows reports whether the policy admits an event for the given
// provenance and category.
func (p Policy) allows(prov inventory.Provenance, updates bool) bool {
	if updates && !p.NotifyUpdates {
		return false
	}
	if !updates && !p.NotifyInstalls {
		return false
	}
	switch prov {
	case inventory.ProvenanceChannel:
		return p.TrustChannel
	default:
		return p.TrustOthers
	}
}

// Content is what a sink renders for one alert.
type Content struct {
	Title        string
	Body         string
	Lines        []string // expanded multi-line body; empty means use Body
	IconPath     string
	Group        string
	GroupSummary bool
}

// Sink is the notification surface. Posting with an id that is already
// active replaces that alert in place; posts are fire-and-forget from
// the pipeline's point of view.
type Sink interface {
	Post(ctx context.Context, id string, c Content) error
	Withdraw(ctx context.Context, id string) error
	Active(ctx context.Context) ([]string, error)
}

// Opener performs the navigation side of alert clicks. Implementations
// are host glue (exec, URL open); failures are advisory.
type Opener interface {
	// OpenRecentUpdates shows the channel's recently-updated view,
	// falling back to the channel listing page.
	OpenRecentUpdates(ctx context.Context) error
	// OpenDetail shows the channel's detail page for one entity.
	OpenDetail(ctx context.Context, entityID string) error
	// Launch starts the entity itself.
	Launch(ctx context.Context, ent inventory.Entity) error
}

// NopOpener ignores all navigation.
type NopOpener struct{}

func (NopOpener) OpenRecentUpdates(context.Context) error        { return nil }
func (NopOpener) OpenDetail(context.Context, string) error       { return nil }
func (NopOpener) Launch(context.Context, inventory.Entity) error { return nil }

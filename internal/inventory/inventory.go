package inventory

import (
	"context"
	"errors"
)

// ErrNotFound is returned by Resolve when the entity is no longer
// present on the host (e.g. it was removed between the event and the
// lookup).
var ErrNotFound = errors.New("entity not found")

// Provenance records where an entity's installation came from.
type Provenance string

const (
	// ProvenanceChannel marks entities installed from the trusted
	// distribution channel.
	ProvenanceChannel Provenance = "channel"
	// ProvenanceOther marks entities from any other source.
	ProvenanceOther Provenance = "other"
)

// Entity is one installed software unit.
type Entity struct {
	ID          string
	Label       string
	Version     int64 // monotonic version code used for dedup
	VersionName string
	Provenance  Provenance
	IconPath    string
	Launch      []string // launch command, empty if not launchable
}

// Source enumerates and resolves installed entities.
type Source interface {
	List(ctx context.Context) ([]Entity, error)
	Resolve(ctx context.Context, id string) (Entity, error)
}

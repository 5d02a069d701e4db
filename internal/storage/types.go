package storage

import (
	"errors"
	"time"
)

var (
	ErrClosed        = errors.New("storage closed")
	ErrEmptyEntityID = errors.New("record entity id is empty")
)

// Config configures storage.
//
// Driver values:
//   - "sqlite": SQLite database file (default)
//
// If Driver is empty, "sqlite" is assumed.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // 0 means default
}

// Category partitions history records into the two independent alert
// classes. Each partition is aggregated and cleared on its own.
type Category string

const (
	CategoryUpdate  Category = "update"
	CategoryInstall Category = "install"
)

func (c Category) Valid() bool {
	return c == CategoryUpdate || c == CategoryInstall
}

// Record is one persisted history entry.
//
// At most one record exists per (EntityID, Category); a colliding
// upsert replaces the prior record wholesale.
type Record struct {
	EntityID   string
	Category   Category
	Label      string
	OccurredAt time.Time
	Version    string // display version, may be empty
}

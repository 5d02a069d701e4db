package storage

import (
	"context"
	"errors"
	"strings"

	logx "appnotifier/pkg/logx"
)

// Store is the history persistence API used by the controller and
// replay engine.
//
// Callers are responsible for serializing writes per (entity, category)
// key; the store itself applies no cross-call ordering.
type Store interface {
	// Upsert inserts the record, replacing any prior record for the
	// same (EntityID, Category).
	Upsert(ctx context.Context, r Record) error

	// Delete removes zero or one record. Absent keys are a no-op.
	Delete(ctx context.Context, entityID string, cat Category) error

	// DeleteCategory clears one partition.
	DeleteCategory(ctx context.Context, cat Category) error

	// ListCategory returns one partition ascending by OccurredAt.
	// Callers needing most-recent-first must reverse.
	ListCategory(ctx context.Context, cat Category) ([]Record, error)

	// GetMeta / SetMeta access small key-value state (e.g. the
	// daemon's own last-seen version baseline).
	GetMeta(ctx context.Context, key string) (value string, ok bool, err error)
	SetMeta(ctx context.Context, key, value string) error

	Close() error
}

// Open initializes the configured store.
func Open(cfg Config, log logx.Logger) (Store, error) {
	if log.IsZero() {
		log = logx.Nop()
	}

	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	switch driver {
	case "", "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	case "memory":
		return NewMemory(), nil
	default:
		return nil, errors.New("unknown storage driver: " + driver)
	}
}

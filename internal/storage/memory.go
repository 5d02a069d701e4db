package storage

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

// memoryStore is an in-memory Store used by tests and by components
// that want history semantics without a durable medium.
type memoryStore struct {
	mu      sync.Mutex
	seq     int64
	records map[Category]map[string]memRecord
	meta    map[string]string
	closed  bool
}

type memRecord struct {
	rec Record
	seq int64 // insertion order tiebreak for equal timestamps
}

// NewMemory returns a Store backed by process memory.
func NewMemory() Store {
	return &memoryStore{
		records: map[Category]map[string]memRecord{
			CategoryUpdate:  {},
			CategoryInstall: {},
		},
		meta: map[string]string{},
	}
}

func (s *memoryStore) Upsert(_ context.Context, r Record) error {
	if strings.TrimSpace(r.EntityID) == "" {
		return ErrEmptyEntityID
	}
	if !r.Category.Valid() {
		return fmt.Errorf("invalid category %q", r.Category)
	}
	if r.OccurredAt.IsZero() {
		r.OccurredAt = time.Now()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	s.seq++
	s.records[r.Category][r.EntityID] = memRecord{rec: r, seq: s.seq}
	return nil
}

func (s *memoryStore) Delete(_ context.Context, entityID string, cat Category) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	delete(s.records[cat], entityID)
	return nil
}

func (s *memoryStore) DeleteCategory(_ context.Context, cat Category) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	s.records[cat] = map[string]memRecord{}
	return nil
}

func (s *memoryStore) ListCategory(_ context.Context, cat Category) ([]Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}

	mrs := make([]memRecord, 0, len(s.records[cat]))
	for _, mr := range s.records[cat] {
		mrs = append(mrs, mr)
	}
	sort.Slice(mrs, func(i, j int) bool {
		a, b := mrs[i], mrs[j]
		if !a.rec.OccurredAt.Equal(b.rec.OccurredAt) {
			return a.rec.OccurredAt.Before(b.rec.OccurredAt)
		}
		return a.seq < b.seq
	})

	out := make([]Record, 0, len(mrs))
	for _, mr := range mrs {
		out = append(out, mr.rec)
	}
	return out, nil
}

func (s *memoryStore) GetMeta(_ context.Context, key string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return "", false, ErrClosed
	}
	v, ok := s.meta[key]
	return v, ok, nil
}

func (s *memoryStore) SetMeta(_ context.Context, key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	s.meta[key] = value
	return nil
}

func (s *memoryStore) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}

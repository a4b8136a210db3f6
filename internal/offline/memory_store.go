package offline

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/szibis/crash-relay/internal/report"
)

// MemoryStore is a Store kept entirely in process memory. It has the same
// capacity semantics as FileStore but does not survive restarts.
type MemoryStore struct {
	mu         sync.Mutex
	maxEntries int
	entries    []report.Entry
}

// NewMemoryStore creates a store holding at most maxEntries reports
// (default: DefaultMaxEntries).
func NewMemoryStore(maxEntries int) *MemoryStore {
	if maxEntries <= 0 {
		maxEntries = DefaultMaxEntries
	}
	return &MemoryStore{maxEntries: maxEntries}
}

// Save implements Store.
func (s *MemoryStore) Save(_ context.Context, r report.Report) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.entries) >= s.maxEntries {
		storeSavesTotal.WithLabelValues("full").Inc()
		return false
	}
	s.entries = append(s.entries, report.Entry{ID: uuid.New(), Report: r})
	storeSavesTotal.WithLabelValues("ok").Inc()
	return true
}

// GetAll implements Store.
func (s *MemoryStore) GetAll(context.Context) []report.Entry {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]report.Entry, len(s.entries))
	copy(out, s.entries)
	return out
}

// Remove implements Store.
func (s *MemoryStore) Remove(_ context.Context, id uuid.UUID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i, e := range s.entries {
		if e.ID == id {
			s.entries = append(s.entries[:i], s.entries[i+1:]...)
			storeRemovesTotal.Inc()
			return true
		}
	}
	return false
}

// Len returns the number of stored entries.
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

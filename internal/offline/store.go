// Package offline persists reports that could not be delivered and replays
// them later on a trigger cadence.
package offline

import (
	"context"

	"github.com/google/uuid"

	"github.com/szibis/crash-relay/internal/report"
)

// DefaultMaxEntries is the default number of reports a store holds.
const DefaultMaxEntries = 50

// Store is a bounded durable collection of undeliverable reports.
// Implementations must be safe for concurrent use. None of the methods
// return errors: failures are logged and reported as false or omitted.
type Store interface {
	// Save persists r under a fresh id. It returns false when the store is
	// full or the write failed.
	Save(ctx context.Context, r report.Report) bool
	// GetAll returns every readable entry, oldest first.
	GetAll(ctx context.Context) []report.Entry
	// Remove deletes the entry with the given id. It returns false if the
	// entry is unknown or already gone.
	Remove(ctx context.Context, id uuid.UUID) bool
}

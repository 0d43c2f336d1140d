package origin

import (
	"context"
	"time"
)

// Store persists origins and their audit trail.
type Store interface {
	// Get fetches the origin decided for a person, or nil when none
	// has been decided.
	Get(ctx context.Context, personID string) (*Origin, error)

	// List pages through origins, optionally filtered by resolution
	// status.
	List(ctx context.Context, status string, limit int) ([]Origin, error)

	// Upsert writes the origin and appends a history row capturing the
	// transition from the previous value, in one transaction.
	Upsert(ctx context.Context, o Origin, reason string) error

	// History lists a person's origin changes, newest first.
	History(ctx context.Context, personID string) ([]HistoryEntry, error)

	// PersonsWithoutOrigin lists persons that carry links but have no
	// decided origin yet, feeding the batch attribution sweep.
	PersonsWithoutOrigin(ctx context.Context, limit int) ([]string, error)
}

// NowFunc returns the current time; tests may swap it out.
var NowFunc = time.Now

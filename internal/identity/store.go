package identity

import (
	"context"
	"time"
)

// Store persists persons and the link/unmatched facts around them.
type Store interface {
	// GetPerson fetches a person by ID, or nil when absent.
	GetPerson(ctx context.Context, id string) (*Person, error)

	// CreateOrEnrichPerson inserts the person when its ID is new, otherwise
	// merges the incoming identifiers into the stored row. Returns the
	// resulting person.
	CreateOrEnrichPerson(ctx context.Context, p Person) (*Person, error)

	// FindPersonByDriver returns the person linked to a roster driver, or
	// nil when the driver has never been attached.
	FindPersonByDriver(ctx context.Context, driverID string) (*Person, error)

	// AttachPersonToDriver records that a roster driver resolves to a
	// person. Idempotent for the same pair.
	AttachPersonToDriver(ctx context.Context, personID, driverID string) error

	// UpsertLink writes a link and clears any unmatched row for the same
	// source key in one transaction.
	UpsertLink(ctx context.Context, l Link) error

	// UpsertUnmatched records an unresolved source record, replacing any
	// earlier verdict for the same source key.
	UpsertUnmatched(ctx context.Context, u Unmatched) error

	// LinkedSourceKeys lists the source PKs of a table that already carry a
	// link, so ingestion can skip them.
	LinkedSourceKeys(ctx context.Context, sourceTable string) (map[string]bool, error)

	// GetLinksByPerson lists all links pointing at a person, newest first.
	GetLinksByPerson(ctx context.Context, personID string) ([]Link, error)

	// ListUnmatched pages through unmatched rows, optionally filtered by
	// source table and status.
	ListUnmatched(ctx context.Context, sourceTable, status string, limit int) ([]Unmatched, error)
}

// NowFunc returns the current time; tests may swap it out.
var NowFunc = time.Now

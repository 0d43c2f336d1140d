package ingest

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/andes-mobility/attribution-cli/internal/db"
)

// RawRecord is one unprocessed source row. Fields are raw free text; the
// event date stays a string until the orchestrator parses it, so a
// malformed date becomes a diagnostic outcome instead of a crash.
type RawRecord struct {
	PK       string
	Scope    string
	Phone    string
	License  string
	Plate    string
	FullName string
	Brand    string
	Model    string
	Date     string
}

// Source pulls raw records for a date scope from one acquisition table.
type Source interface {
	Name() string
	Fetch(ctx context.Context, from, to *time.Time) ([]RawRecord, error)
}

// sqlSource reads one acquisition table. All three built-in sources share
// the same shape: a text PK, a handful of free-text identifier columns,
// and a text event-date column filtered by the run scope.
type sqlSource struct {
	pool  db.Pool
	name  string
	query string
}

func (s *sqlSource) Name() string { return s.name }

func (s *sqlSource) Fetch(ctx context.Context, from, to *time.Time) ([]RawRecord, error) {
	rows, err := s.pool.Query(ctx, s.query, from, to)
	if err != nil {
		return nil, eris.Wrapf(err, "ingest: fetch %s", s.name)
	}
	defer rows.Close()

	var out []RawRecord
	for rows.Next() {
		var r RawRecord
		err := rows.Scan(&r.PK, &r.Scope, &r.Phone, &r.License, &r.Plate,
			&r.FullName, &r.Brand, &r.Model, &r.Date)
		if err != nil {
			return nil, eris.Wrapf(err, "ingest: scan %s record", s.name)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, eris.Wrapf(err, "ingest: iterate %s records", s.name)
	}
	return out, nil
}

// NewCabinetLeadsSource reads the lead intake table.
func NewCabinetLeadsSource(pool db.Pool) Source {
	return &sqlSource{
		pool: pool,
		name: "cabinet_leads",
		query: `
			SELECT id::text,
				COALESCE(scope, ''),
				COALESCE(phone, ''),
				COALESCE(license_number, ''),
				COALESCE(plate, ''),
				COALESCE(full_name, ''),
				COALESCE(vehicle_brand, ''),
				COALESCE(vehicle_model, ''),
				COALESCE(lead_date::text, '')
			FROM cabinet_leads
			WHERE ($1::date IS NULL OR lead_date >= $1)
			  AND ($2::date IS NULL OR lead_date <= $2)
			ORDER BY id`,
	}
}

// NewScoutRegistrationsSource reads the field-scouting log.
func NewScoutRegistrationsSource(pool db.Pool) Source {
	return &sqlSource{
		pool: pool,
		name: "scout_registrations",
		query: `
			SELECT id::text,
				COALESCE(scope, ''),
				COALESCE(phone, ''),
				COALESCE(license_number, ''),
				COALESCE(plate, ''),
				COALESCE(driver_name, ''),
				COALESCE(vehicle_brand, ''),
				COALESCE(vehicle_model, ''),
				COALESCE(registered_at::text, '')
			FROM scout_registrations
			WHERE ($1::date IS NULL OR registered_at >= $1)
			  AND ($2::date IS NULL OR registered_at <= $2)
			ORDER BY id`,
	}
}

// NewMigratedDriversSource reads legacy rows carried over from the old
// system. Dates there are free text and frequently malformed.
func NewMigratedDriversSource(pool db.Pool) Source {
	return &sqlSource{
		pool: pool,
		name: "migrated_drivers",
		query: `
			SELECT id::text,
				COALESCE(scope, ''),
				COALESCE(phone, ''),
				COALESCE(license_number, ''),
				COALESCE(plate, ''),
				COALESCE(full_name, ''),
				COALESCE(vehicle_brand, ''),
				COALESCE(vehicle_model, ''),
				COALESCE(migrated_on, '')
			FROM migrated_drivers
			WHERE ($1::date IS NULL OR migrated_on ~ '^\d{4}-\d{2}-\d{2}' AND migrated_on::date >= $1)
			  AND ($2::date IS NULL OR migrated_on ~ '^\d{4}-\d{2}-\d{2}' AND migrated_on::date <= $2)
			ORDER BY id`,
	}
}

// BuildSources maps configured source names to their implementations.
func BuildSources(pool db.Pool, names []string) ([]Source, error) {
	constructors := map[string]func(db.Pool) Source{
		"cabinet_leads":       NewCabinetLeadsSource,
		"scout_registrations": NewScoutRegistrationsSource,
		"migrated_drivers":    NewMigratedDriversSource,
	}

	out := make([]Source, 0, len(names))
	for _, name := range names {
		ctor, ok := constructors[name]
		if !ok {
			return nil, eris.Errorf("ingest: unknown source %q", name)
		}
		out = append(out, ctor(pool))
	}
	return out, nil
}

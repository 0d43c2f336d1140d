package db

import (
	"context"

	"github.com/rotisserie/eris"
)

const migration = `
CREATE TABLE IF NOT EXISTS persons (
	id          TEXT PRIMARY KEY,
	confidence  TEXT NOT NULL,
	phone       TEXT,
	license     TEXT,
	full_name   TEXT,
	created_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at  TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_persons_phone ON persons(phone);
CREATE INDEX IF NOT EXISTS idx_persons_license ON persons(license);

CREATE TABLE IF NOT EXISTS links (
	id            BIGSERIAL PRIMARY KEY,
	person_id     TEXT NOT NULL REFERENCES persons(id),
	source_table  TEXT NOT NULL,
	source_pk     TEXT NOT NULL,
	snapshot_date DATE,
	match_rule    TEXT NOT NULL,
	match_score   NUMERIC(5,2) NOT NULL,
	confidence    TEXT NOT NULL,
	evidence      JSONB,
	linked_at     TIMESTAMPTZ NOT NULL DEFAULT now(),
	run_id        BIGINT,
	UNIQUE (source_table, source_pk)
);

CREATE INDEX IF NOT EXISTS idx_links_person_id ON links(person_id);
CREATE INDEX IF NOT EXISTS idx_links_run_id ON links(run_id);

CREATE TABLE IF NOT EXISTS unmatched_records (
	id            BIGSERIAL PRIMARY KEY,
	source_table  TEXT NOT NULL,
	source_pk     TEXT NOT NULL,
	snapshot_date DATE,
	reason        TEXT NOT NULL,
	details       JSONB,
	status        TEXT NOT NULL DEFAULT 'OPEN',
	recorded_at   TIMESTAMPTZ NOT NULL DEFAULT now(),
	run_id        BIGINT,
	UNIQUE (source_table, source_pk)
);

CREATE INDEX IF NOT EXISTS idx_unmatched_status ON unmatched_records(status);

CREATE TABLE IF NOT EXISTS origins (
	id                BIGSERIAL PRIMARY KEY,
	person_id         TEXT NOT NULL UNIQUE REFERENCES persons(id),
	origin_tag        TEXT NOT NULL,
	source_record_id  TEXT,
	confidence        NUMERIC(5,2) NOT NULL,
	occurred_at       TIMESTAMPTZ,
	resolution_status TEXT NOT NULL,
	evidence          JSONB,
	decided_by        TEXT NOT NULL,
	created_at        TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at        TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_origins_status ON origins(resolution_status);

CREATE TABLE IF NOT EXISTS origin_history (
	id                BIGSERIAL PRIMARY KEY,
	person_id         TEXT NOT NULL,
	prev_tag          TEXT,
	new_tag           TEXT NOT NULL,
	prev_source_id    TEXT,
	new_source_id     TEXT,
	prev_confidence   NUMERIC(5,2),
	new_confidence    NUMERIC(5,2) NOT NULL,
	resolution_status TEXT NOT NULL,
	reason            TEXT,
	actor             TEXT NOT NULL,
	changed_at        TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_origin_history_person ON origin_history(person_id);

-- Indexed roster the matching rules look up. Populated externally by the
-- refresh_driver_roster_index() procedure; fields arrive pre-normalized.
CREATE TABLE IF NOT EXISTS driver_roster (
	driver_id    TEXT PRIMARY KEY,
	scope        TEXT NOT NULL DEFAULT '',
	phone        TEXT,
	license      TEXT,
	full_name    TEXT,
	plate        TEXT,
	brand        TEXT,
	model        TEXT,
	enrolled_at  DATE,
	refreshed_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_roster_phone ON driver_roster(phone);
CREATE INDEX IF NOT EXISTS idx_roster_license ON driver_roster(license);
CREATE INDEX IF NOT EXISTS idx_roster_plate ON driver_roster(plate);
CREATE INDEX IF NOT EXISTS idx_roster_vehicle ON driver_roster(brand, model);

CREATE TABLE IF NOT EXISTS ingest_runs (
	id           BIGSERIAL PRIMARY KEY,
	job_type     TEXT NOT NULL,
	status       TEXT NOT NULL,
	scope_from   DATE,
	scope_to     DATE,
	incremental  BOOLEAN NOT NULL DEFAULT false,
	stats        JSONB,
	error        TEXT,
	started_at   TIMESTAMPTZ NOT NULL DEFAULT now(),
	completed_at TIMESTAMPTZ
);

CREATE INDEX IF NOT EXISTS idx_ingest_runs_job_type ON ingest_runs(job_type, status);

-- At most one RUNNING run per job type; concurrent starts race the
-- SELECT check, so the database has the final word.
CREATE UNIQUE INDEX IF NOT EXISTS idx_ingest_runs_one_running
	ON ingest_runs(job_type) WHERE status = 'RUNNING';
`

// Migrate creates the identity, origin, and run tables if they do not exist.
func Migrate(ctx context.Context, pool Pool) error {
	_, err := pool.Exec(ctx, migration)
	return eris.Wrap(err, "db: migrate")
}

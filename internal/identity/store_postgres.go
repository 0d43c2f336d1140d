package identity

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/andes-mobility/attribution-cli/internal/db"
)

// PostgresStore implements Store on a pgx connection pool.
type PostgresStore struct {
	pool db.Pool
}

// NewPostgresStore creates a PostgresStore.
func NewPostgresStore(pool db.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

var _ Store = (*PostgresStore)(nil)

const personColumns = `id, confidence, phone, license, full_name, created_at, updated_at`

func scanPerson(row pgx.Row) (*Person, error) {
	var p Person
	var tier string
	err := row.Scan(&p.ID, &tier, &p.Phone, &p.License, &p.FullName, &p.CreatedAt, &p.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrap(err, "identity: scan person")
	}
	if p.Confidence, err = ParseTier(tier); err != nil {
		return nil, err
	}
	return &p, nil
}

func (s *PostgresStore) GetPerson(ctx context.Context, id string) (*Person, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+personColumns+` FROM persons WHERE id = $1`, id)
	return scanPerson(row)
}

func (s *PostgresStore) CreateOrEnrichPerson(ctx context.Context, p Person) (*Person, error) {
	existing, err := s.GetPerson(ctx, p.ID)
	if err != nil {
		return nil, err
	}

	if existing == nil {
		now := NowFunc().UTC()
		_, err = s.pool.Exec(ctx, `
			INSERT INTO persons (id, confidence, phone, license, full_name, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $6)`,
			p.ID, p.Confidence.String(), p.Phone, p.License, p.FullName, now)
		if err != nil {
			return nil, eris.Wrap(err, "identity: insert person")
		}
		p.CreatedAt, p.UpdatedAt = now, now
		return &p, nil
	}

	merged, changed := MergePerson(*existing, p)
	if !changed {
		return existing, nil
	}

	merged.UpdatedAt = NowFunc().UTC()
	_, err = s.pool.Exec(ctx, `
		UPDATE persons
		SET confidence = $2, phone = $3, license = $4, full_name = $5, updated_at = $6
		WHERE id = $1`,
		merged.ID, merged.Confidence.String(), merged.Phone, merged.License, merged.FullName, merged.UpdatedAt)
	if err != nil {
		return nil, eris.Wrap(err, "identity: enrich person")
	}

	zap.L().Debug("enriched person",
		zap.String("person_id", merged.ID),
		zap.String("confidence", merged.Confidence.String()))
	return &merged, nil
}

func (s *PostgresStore) FindPersonByDriver(ctx context.Context, driverID string) (*Person, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT p.id, p.confidence, p.phone, p.license, p.full_name, p.created_at, p.updated_at
		FROM persons p
		JOIN links l ON l.person_id = p.id
		WHERE l.source_table = 'driver_roster' AND l.source_pk = $1`,
		driverID)
	return scanPerson(row)
}

func (s *PostgresStore) AttachPersonToDriver(ctx context.Context, personID, driverID string) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO links (person_id, source_table, source_pk, match_rule, match_score, confidence, linked_at)
		VALUES ($1, 'driver_roster', $2, 'ROSTER_IDENTITY', 100, 'HIGH', $3)
		ON CONFLICT (source_table, source_pk) DO NOTHING`,
		personID, driverID, NowFunc().UTC())
	if err != nil {
		return eris.Wrap(err, "identity: attach person to driver")
	}
	return nil
}

func (s *PostgresStore) UpsertLink(ctx context.Context, l Link) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return eris.Wrap(err, "identity: begin link tx")
	}
	defer tx.Rollback(ctx)

	linkedAt := l.LinkedAt
	if linkedAt.IsZero() {
		linkedAt = NowFunc().UTC()
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO links (person_id, source_table, source_pk, snapshot_date,
			match_rule, match_score, confidence, evidence, linked_at, run_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (source_table, source_pk) DO UPDATE SET
			person_id = EXCLUDED.person_id,
			snapshot_date = EXCLUDED.snapshot_date,
			match_rule = EXCLUDED.match_rule,
			match_score = EXCLUDED.match_score,
			confidence = EXCLUDED.confidence,
			evidence = EXCLUDED.evidence,
			linked_at = EXCLUDED.linked_at,
			run_id = EXCLUDED.run_id`,
		l.PersonID, l.SourceTable, l.SourcePK, l.SnapshotDate,
		string(l.MatchRule), l.MatchScore, l.Confidence.String(), l.Evidence, linkedAt, l.RunID)
	if err != nil {
		return eris.Wrap(err, "identity: upsert link")
	}

	// A linked record can no longer be unmatched.
	_, err = tx.Exec(ctx,
		`DELETE FROM unmatched_records WHERE source_table = $1 AND source_pk = $2`,
		l.SourceTable, l.SourcePK)
	if err != nil {
		return eris.Wrap(err, "identity: clear unmatched")
	}

	if err := tx.Commit(ctx); err != nil {
		return eris.Wrap(err, "identity: commit link tx")
	}
	return nil
}

func (s *PostgresStore) UpsertUnmatched(ctx context.Context, u Unmatched) error {
	recordedAt := u.RecordedAt
	if recordedAt.IsZero() {
		recordedAt = NowFunc().UTC()
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO unmatched_records (source_table, source_pk, snapshot_date,
			reason, details, status, recorded_at, run_id)
		VALUES ($1, $2, $3, $4, $5, 'OPEN', $6, $7)
		ON CONFLICT (source_table, source_pk) DO UPDATE SET
			snapshot_date = EXCLUDED.snapshot_date,
			reason = EXCLUDED.reason,
			details = EXCLUDED.details,
			status = 'OPEN',
			recorded_at = EXCLUDED.recorded_at,
			run_id = EXCLUDED.run_id`,
		u.SourceTable, u.SourcePK, u.SnapshotDate,
		string(u.Reason), u.Details, recordedAt, u.RunID)
	if err != nil {
		return eris.Wrap(err, "identity: upsert unmatched")
	}
	return nil
}

func (s *PostgresStore) LinkedSourceKeys(ctx context.Context, sourceTable string) (map[string]bool, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT source_pk FROM links WHERE source_table = $1`, sourceTable)
	if err != nil {
		return nil, eris.Wrap(err, "identity: list linked keys")
	}
	defer rows.Close()

	keys := make(map[string]bool)
	for rows.Next() {
		var pk string
		if err := rows.Scan(&pk); err != nil {
			return nil, eris.Wrap(err, "identity: scan linked key")
		}
		keys[pk] = true
	}
	if err := rows.Err(); err != nil {
		return nil, eris.Wrap(err, "identity: iterate linked keys")
	}
	return keys, nil
}

func (s *PostgresStore) GetLinksByPerson(ctx context.Context, personID string) ([]Link, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, person_id, source_table, source_pk, snapshot_date,
			match_rule, match_score, confidence, evidence, linked_at, run_id
		FROM links
		WHERE person_id = $1
		ORDER BY linked_at DESC`,
		personID)
	if err != nil {
		return nil, eris.Wrap(err, "identity: list links")
	}
	defer rows.Close()

	var links []Link
	for rows.Next() {
		var l Link
		var rule, tier string
		err := rows.Scan(&l.ID, &l.PersonID, &l.SourceTable, &l.SourcePK, &l.SnapshotDate,
			&rule, &l.MatchScore, &tier, &l.Evidence, &l.LinkedAt, &l.RunID)
		if err != nil {
			return nil, eris.Wrap(err, "identity: scan link")
		}
		l.MatchRule = Rule(rule)
		if l.Confidence, err = ParseTier(tier); err != nil {
			return nil, err
		}
		links = append(links, l)
	}
	if err := rows.Err(); err != nil {
		return nil, eris.Wrap(err, "identity: iterate links")
	}
	return links, nil
}

func (s *PostgresStore) ListUnmatched(ctx context.Context, sourceTable, status string, limit int) ([]Unmatched, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx, `
		SELECT id, source_table, source_pk, snapshot_date,
			reason, details, status, recorded_at, run_id
		FROM unmatched_records
		WHERE ($1 = '' OR source_table = $1)
		  AND ($2 = '' OR status = $2)
		ORDER BY recorded_at DESC
		LIMIT $3`,
		sourceTable, status, limit)
	if err != nil {
		return nil, eris.Wrap(err, "identity: list unmatched")
	}
	defer rows.Close()

	var out []Unmatched
	for rows.Next() {
		var u Unmatched
		var reason string
		err := rows.Scan(&u.ID, &u.SourceTable, &u.SourcePK, &u.SnapshotDate,
			&reason, &u.Details, &u.Status, &u.RecordedAt, &u.RunID)
		if err != nil {
			return nil, eris.Wrap(err, "identity: scan unmatched")
		}
		u.Reason = Reason(reason)
		out = append(out, u)
	}
	if err := rows.Err(); err != nil {
		return nil, eris.Wrap(err, "identity: iterate unmatched")
	}
	return out, nil
}

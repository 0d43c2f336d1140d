package origin

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/rotisserie/eris"

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

const originColumns = `id, person_id, origin_tag, source_record_id, confidence,
	occurred_at, resolution_status, evidence, decided_by, created_at, updated_at`

func scanOrigin(row pgx.Row) (*Origin, error) {
	var o Origin
	var tag string
	err := row.Scan(&o.ID, &o.PersonID, &tag, &o.SourceRecordID, &o.Confidence,
		&o.OccurredAt, &o.ResolutionStatus, &o.Evidence, &o.DecidedBy, &o.CreatedAt, &o.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrap(err, "origin: scan origin")
	}
	o.Tag = Tag(tag)
	return &o, nil
}

func (s *PostgresStore) Get(ctx context.Context, personID string) (*Origin, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+originColumns+` FROM origins WHERE person_id = $1`, personID)
	return scanOrigin(row)
}

func (s *PostgresStore) List(ctx context.Context, status string, limit int) ([]Origin, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx, `
		SELECT `+originColumns+`
		FROM origins
		WHERE ($1 = '' OR resolution_status = $1)
		ORDER BY updated_at DESC
		LIMIT $2`,
		status, limit)
	if err != nil {
		return nil, eris.Wrap(err, "origin: list origins")
	}
	defer rows.Close()

	var out []Origin
	for rows.Next() {
		var o Origin
		var tag string
		err := rows.Scan(&o.ID, &o.PersonID, &tag, &o.SourceRecordID, &o.Confidence,
			&o.OccurredAt, &o.ResolutionStatus, &o.Evidence, &o.DecidedBy, &o.CreatedAt, &o.UpdatedAt)
		if err != nil {
			return nil, eris.Wrap(err, "origin: scan origin")
		}
		o.Tag = Tag(tag)
		out = append(out, o)
	}
	if err := rows.Err(); err != nil {
		return nil, eris.Wrap(err, "origin: iterate origins")
	}
	return out, nil
}

func (s *PostgresStore) Upsert(ctx context.Context, o Origin, reason string) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return eris.Wrap(err, "origin: begin tx")
	}
	defer tx.Rollback(ctx)

	prev, err := scanOrigin(tx.QueryRow(ctx,
		`SELECT `+originColumns+` FROM origins WHERE person_id = $1`, o.PersonID))
	if err != nil {
		return err
	}

	now := NowFunc().UTC()
	_, err = tx.Exec(ctx, `
		INSERT INTO origins (person_id, origin_tag, source_record_id, confidence,
			occurred_at, resolution_status, evidence, decided_by, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $9)
		ON CONFLICT (person_id) DO UPDATE SET
			origin_tag = EXCLUDED.origin_tag,
			source_record_id = EXCLUDED.source_record_id,
			confidence = EXCLUDED.confidence,
			occurred_at = EXCLUDED.occurred_at,
			resolution_status = EXCLUDED.resolution_status,
			evidence = EXCLUDED.evidence,
			decided_by = EXCLUDED.decided_by,
			updated_at = EXCLUDED.updated_at`,
		o.PersonID, string(o.Tag), o.SourceRecordID, o.Confidence,
		o.OccurredAt, o.ResolutionStatus, o.Evidence, o.DecidedBy, now)
	if err != nil {
		return eris.Wrap(err, "origin: upsert origin")
	}

	var prevTag, prevSourceID *string
	var prevConfidence *float64
	if prev != nil {
		tag := string(prev.Tag)
		prevTag = &tag
		prevSourceID = &prev.SourceRecordID
		prevConfidence = &prev.Confidence
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO origin_history (person_id, prev_tag, new_tag, prev_source_id,
			new_source_id, prev_confidence, new_confidence, resolution_status,
			reason, actor, changed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		o.PersonID, prevTag, string(o.Tag), prevSourceID,
		o.SourceRecordID, prevConfidence, o.Confidence, o.ResolutionStatus,
		reason, o.DecidedBy, now)
	if err != nil {
		return eris.Wrap(err, "origin: append history")
	}

	if err := tx.Commit(ctx); err != nil {
		return eris.Wrap(err, "origin: commit tx")
	}
	return nil
}

func (s *PostgresStore) PersonsWithoutOrigin(ctx context.Context, limit int) ([]string, error) {
	if limit <= 0 {
		limit = 500
	}
	rows, err := s.pool.Query(ctx, `
		SELECT DISTINCT l.person_id
		FROM links l
		LEFT JOIN origins o ON o.person_id = l.person_id
		WHERE o.id IS NULL
		LIMIT $1`,
		limit)
	if err != nil {
		return nil, eris.Wrap(err, "origin: list persons without origin")
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, eris.Wrap(err, "origin: scan person id")
		}
		out = append(out, id)
	}
	if err := rows.Err(); err != nil {
		return nil, eris.Wrap(err, "origin: iterate person ids")
	}
	return out, nil
}

func (s *PostgresStore) History(ctx context.Context, personID string) ([]HistoryEntry, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, person_id, prev_tag, new_tag, prev_source_id, new_source_id,
			prev_confidence, new_confidence, resolution_status, reason, actor, changed_at
		FROM origin_history
		WHERE person_id = $1
		ORDER BY changed_at DESC`,
		personID)
	if err != nil {
		return nil, eris.Wrap(err, "origin: list history")
	}
	defer rows.Close()

	var out []HistoryEntry
	for rows.Next() {
		var h HistoryEntry
		var prevTag *string
		var newTag string
		err := rows.Scan(&h.ID, &h.PersonID, &prevTag, &newTag, &h.PrevSourceID,
			&h.NewSourceID, &h.PrevConfidence, &h.NewConfidence, &h.ResolutionStatus,
			&h.Reason, &h.Actor, &h.ChangedAt)
		if err != nil {
			return nil, eris.Wrap(err, "origin: scan history")
		}
		h.NewTag = Tag(newTag)
		if prevTag != nil {
			t := Tag(*prevTag)
			h.PrevTag = &t
		}
		out = append(out, h)
	}
	if err := rows.Err(); err != nil {
		return nil, eris.Wrap(err, "origin: iterate history")
	}
	return out, nil
}

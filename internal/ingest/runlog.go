// Package ingest drives batches of raw source records through
// normalization, matching, and the identity store, with run provenance.
package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/andes-mobility/attribution-cli/internal/db"
)

// Run statuses.
const (
	StatusRunning   = "RUNNING"
	StatusCompleted = "COMPLETED"
	StatusFailed    = "FAILED"
)

// ErrRunInFlight is returned when a run of the same job type is already
// RUNNING; two such runs must not race writes to the same links.
var ErrRunInFlight = eris.New("ingest: a run of this job type is already in flight")

// SourceStats counts outcomes for one source within a run.
type SourceStats struct {
	Processed int `json:"processed"`
	Matched   int `json:"matched"`
	Unmatched int `json:"unmatched"`
	Skipped   int `json:"skipped"`
}

// RunStats maps source name to its counters.
type RunStats map[string]*SourceStats

// Run is one batch execution of the pipeline.
type Run struct {
	ID          int64      `json:"id"`
	JobType     string     `json:"job_type"`
	Status      string     `json:"status"`
	ScopeFrom   *time.Time `json:"scope_from,omitempty"`
	ScopeTo     *time.Time `json:"scope_to,omitempty"`
	Incremental bool       `json:"incremental"`
	Stats       RunStats   `json:"stats,omitempty"`
	Error       string     `json:"error,omitempty"`
	StartedAt   time.Time  `json:"started_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// RunLog records run provenance in the ingest_runs table.
type RunLog struct {
	pool db.Pool
}

// NewRunLog creates a RunLog.
func NewRunLog(pool db.Pool) *RunLog {
	return &RunLog{pool: pool}
}

// Start opens a new RUNNING run, refusing while another run of the same
// job type is still in flight.
func (l *RunLog) Start(ctx context.Context, jobType string, scopeFrom, scopeTo *time.Time, incremental bool) (*Run, error) {
	var inFlight int
	err := l.pool.QueryRow(ctx,
		`SELECT count(*) FROM ingest_runs WHERE job_type = $1 AND status = $2`,
		jobType, StatusRunning).Scan(&inFlight)
	if err != nil {
		return nil, eris.Wrap(err, "ingest: check in-flight runs")
	}
	if inFlight > 0 {
		return nil, ErrRunInFlight
	}

	run := &Run{
		JobType:     jobType,
		Status:      StatusRunning,
		ScopeFrom:   scopeFrom,
		ScopeTo:     scopeTo,
		Incremental: incremental,
		StartedAt:   time.Now().UTC(),
	}
	err = l.pool.QueryRow(ctx, `
		INSERT INTO ingest_runs (job_type, status, scope_from, scope_to, incremental, started_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id`,
		jobType, StatusRunning, scopeFrom, scopeTo, incremental, run.StartedAt).Scan(&run.ID)
	if err != nil {
		// A concurrent start can slip past the count check; the partial
		// unique index on RUNNING runs rejects the loser here.
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return nil, ErrRunInFlight
		}
		return nil, eris.Wrap(err, "ingest: start run")
	}

	zap.L().Info("run started",
		zap.Int64("run_id", run.ID),
		zap.String("job_type", jobType),
		zap.Bool("incremental", incremental))
	return run, nil
}

// Complete closes a run as COMPLETED with its final stats.
func (l *RunLog) Complete(ctx context.Context, runID int64, stats RunStats) error {
	payload, err := json.Marshal(stats)
	if err != nil {
		return eris.Wrap(err, "ingest: marshal run stats")
	}
	_, err = l.pool.Exec(ctx, `
		UPDATE ingest_runs
		SET status = $2, stats = $3, completed_at = $4
		WHERE id = $1 AND status = $5`,
		runID, StatusCompleted, payload, time.Now().UTC(), StatusRunning)
	if err != nil {
		return eris.Wrap(err, "ingest: complete run")
	}
	return nil
}

// Fail closes a run as FAILED, preserving the error text and whatever
// stats accumulated before the failure.
func (l *RunLog) Fail(ctx context.Context, runID int64, stats RunStats, errMsg string) error {
	payload, err := json.Marshal(stats)
	if err != nil {
		payload = nil
	}
	_, err = l.pool.Exec(ctx, `
		UPDATE ingest_runs
		SET status = $2, stats = $3, error = $4, completed_at = $5
		WHERE id = $1 AND status = $6`,
		runID, StatusFailed, payload, errMsg, time.Now().UTC(), StatusRunning)
	if err != nil {
		return eris.Wrap(err, "ingest: fail run")
	}
	return nil
}

// LastCompletedScopeEnd returns the scope end of the most recent
// COMPLETED run of a job type, or nil when none exists.
func (l *RunLog) LastCompletedScopeEnd(ctx context.Context, jobType string) (*time.Time, error) {
	var scopeTo *time.Time
	err := l.pool.QueryRow(ctx, `
		SELECT scope_to FROM ingest_runs
		WHERE job_type = $1 AND status = $2
		ORDER BY completed_at DESC
		LIMIT 1`,
		jobType, StatusCompleted).Scan(&scopeTo)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrap(err, "ingest: last completed scope")
	}
	return scopeTo, nil
}

// Get fetches a run by id, or nil when absent.
func (l *RunLog) Get(ctx context.Context, runID int64) (*Run, error) {
	row := l.pool.QueryRow(ctx, `
		SELECT id, job_type, status, scope_from, scope_to, incremental,
			stats, error, started_at, completed_at
		FROM ingest_runs WHERE id = $1`,
		runID)
	run, err := scanRunRow(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	return run, err
}

// List returns recent runs, newest first, optionally filtered by job type.
func (l *RunLog) List(ctx context.Context, jobType string, limit int) ([]Run, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := l.pool.Query(ctx, `
		SELECT id, job_type, status, scope_from, scope_to, incremental,
			stats, error, started_at, completed_at
		FROM ingest_runs
		WHERE ($1 = '' OR job_type = $1)
		ORDER BY started_at DESC
		LIMIT $2`,
		jobType, limit)
	if err != nil {
		return nil, eris.Wrap(err, "ingest: list runs")
	}
	defer rows.Close()

	var out []Run
	for rows.Next() {
		run, err := scanRunRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *run)
	}
	if err := rows.Err(); err != nil {
		return nil, eris.Wrap(err, "ingest: iterate runs")
	}
	return out, nil
}

func scanRunRow(row pgx.Row) (*Run, error) {
	var run Run
	var stats []byte
	var errText *string
	err := row.Scan(&run.ID, &run.JobType, &run.Status, &run.ScopeFrom, &run.ScopeTo,
		&run.Incremental, &stats, &errText, &run.StartedAt, &run.CompletedAt)
	if err != nil {
		return nil, eris.Wrap(err, "ingest: scan run")
	}
	if errText != nil {
		run.Error = *errText
	}
	if len(stats) > 0 {
		if err := json.Unmarshal(stats, &run.Stats); err != nil {
			return nil, eris.Wrap(err, "ingest: unmarshal run stats")
		}
	}
	return &run, nil
}

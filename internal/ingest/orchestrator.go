package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/andes-mobility/attribution-cli/internal/db"
	"github.com/andes-mobility/attribution-cli/internal/identity"
	"github.com/andes-mobility/attribution-cli/internal/match"
	"github.com/andes-mobility/attribution-cli/internal/normalize"
)

// DefaultJobType names the standard attribution ingestion job.
const DefaultJobType = "attribution"

// ErrScopeRequired is returned when the first-ever run of a job type is
// requested without an explicit date scope; processing "all time"
// silently is refused.
var ErrScopeRequired = eris.New("ingest: first run of this job type requires an explicit date scope")

// dateLayouts are tried in order when parsing raw event dates.
var dateLayouts = []string{
	"2006-01-02",
	"2006-01-02 15:04:05",
	time.RFC3339,
	"02/01/2006",
}

// Request describes one ingestion invocation.
type Request struct {
	JobType      string
	ScopeFrom    *time.Time
	ScopeTo      *time.Time
	Incremental  bool
	Sources      []string // subset of configured sources; empty means all
	RefreshIndex bool
}

// Resolver is the matching entry point the orchestrator drives.
type Resolver interface {
	Resolve(ctx context.Context, c match.Candidate) (*match.Resolution, error)
}

// Orchestrator pulls raw records per source, resolves them, and persists
// the outcomes batch by batch under one Run.
type Orchestrator struct {
	runs     *RunLog
	store    identity.Store
	resolver Resolver
	pool     db.Pool
	sources  []Source

	batchSize int

	// freshPool builds a second store handle used only to persist the
	// FAILED status when the primary connection is the thing that broke.
	freshPool func(ctx context.Context) (db.Pool, error)
}

// NewOrchestrator creates an Orchestrator over the configured sources.
func NewOrchestrator(runs *RunLog, store identity.Store, resolver Resolver, pool db.Pool,
	sources []Source, batchSize int, freshPool func(ctx context.Context) (db.Pool, error)) *Orchestrator {
	if batchSize <= 0 {
		batchSize = 200
	}
	return &Orchestrator{
		runs:      runs,
		store:     store,
		resolver:  resolver,
		pool:      pool,
		sources:   sources,
		batchSize: batchSize,
		freshPool: freshPool,
	}
}

// Execute runs one ingestion end to end and returns the terminal Run.
// Scope problems and in-flight conflicts are reported before any Run row
// exists; everything after Begin lands in the Run's terminal status.
func (o *Orchestrator) Execute(ctx context.Context, req Request) (*Run, error) {
	run, err := o.Begin(ctx, req)
	if err != nil {
		return nil, err
	}
	return o.Finish(ctx, req, run), nil
}

// Begin resolves the scope and opens the Run row without processing
// anything, so callers can report the Run id before the heavy work. A
// Begin must always be paired with a Finish.
func (o *Orchestrator) Begin(ctx context.Context, req Request) (*Run, error) {
	if req.JobType == "" {
		req.JobType = DefaultJobType
	}

	scopeFrom, scopeTo, err := o.resolveScope(ctx, req)
	if err != nil {
		return nil, err
	}

	return o.runs.Start(ctx, req.JobType, scopeFrom, scopeTo, req.Incremental)
}

// Finish processes an opened Run to its terminal status. Infrastructure
// failures are absorbed into the FAILED run rather than returned.
func (o *Orchestrator) Finish(ctx context.Context, req Request, run *Run) *Run {
	stats := RunStats{}
	if err := o.process(ctx, req, run.ID, run.ScopeFrom, run.ScopeTo, stats); err != nil {
		o.fail(ctx, run, stats, err)
		run.Status = StatusFailed
		run.Error = err.Error()
		run.Stats = stats
		return run
	}

	if err := o.runs.Complete(ctx, run.ID, stats); err != nil {
		o.fail(ctx, run, stats, err)
		run.Status = StatusFailed
		run.Error = err.Error()
		run.Stats = stats
		return run
	}
	run.Status = StatusCompleted
	run.Stats = stats

	zap.L().Info("run completed",
		zap.Int64("run_id", run.ID),
		zap.String("job_type", run.JobType))
	return run
}

// resolveScope fills in a missing scope start from the last completed run
// of the same job type. The first-ever run must say what it wants.
func (o *Orchestrator) resolveScope(ctx context.Context, req Request) (*time.Time, *time.Time, error) {
	if req.ScopeFrom != nil {
		return req.ScopeFrom, req.ScopeTo, nil
	}

	if !req.Incremental {
		return nil, nil, ErrScopeRequired
	}

	last, err := o.runs.LastCompletedScopeEnd(ctx, req.JobType)
	if err != nil {
		return nil, nil, err
	}
	if last == nil {
		return nil, nil, ErrScopeRequired
	}

	scopeTo := req.ScopeTo
	if scopeTo == nil {
		now := time.Now().UTC()
		scopeTo = &now
	}
	return last, scopeTo, nil
}

func (o *Orchestrator) process(ctx context.Context, req Request, runID int64, from, to *time.Time, stats RunStats) error {
	if req.RefreshIndex {
		var affected int
		err := o.pool.QueryRow(ctx, `SELECT refresh_driver_roster_index()`).Scan(&affected)
		if err != nil {
			return eris.Wrap(err, "ingest: refresh roster index")
		}
		zap.L().Info("roster index refreshed", zap.Int("rows", affected))
	}

	for _, src := range o.selectSources(req.Sources) {
		if err := o.processSource(ctx, src, runID, from, to, stats); err != nil {
			return err
		}
	}
	return nil
}

func (o *Orchestrator) selectSources(names []string) []Source {
	if len(names) == 0 {
		return o.sources
	}
	wanted := make(map[string]bool, len(names))
	for _, n := range names {
		wanted[n] = true
	}
	var out []Source
	for _, s := range o.sources {
		if wanted[s.Name()] {
			out = append(out, s)
		}
	}
	return out
}

// recordOutcome is one buffered verdict, flushed per batch.
type recordOutcome struct {
	link      *identity.Link
	unmatched *identity.Unmatched
}

func (o *Orchestrator) processSource(ctx context.Context, src Source, runID int64, from, to *time.Time, stats RunStats) error {
	records, err := src.Fetch(ctx, from, to)
	if err != nil {
		return err
	}

	linked, err := o.store.LinkedSourceKeys(ctx, src.Name())
	if err != nil {
		return err
	}

	st := &SourceStats{}
	stats[src.Name()] = st

	for start := 0; start < len(records); start += o.batchSize {
		end := start + o.batchSize
		if end > len(records) {
			end = len(records)
		}

		buffer := make([]recordOutcome, 0, end-start)
		for _, rec := range records[start:end] {
			st.Processed++

			if linked[rec.PK] {
				st.Skipped++
				continue
			}

			out, err := o.processRecord(ctx, src.Name(), rec, runID)
			if err != nil {
				return err
			}
			if out.link != nil {
				st.Matched++
			} else {
				st.Unmatched++
			}
			buffer = append(buffer, out)
		}

		if err := o.flush(ctx, buffer); err != nil {
			return err
		}
	}

	zap.L().Info("source ingested",
		zap.String("source", src.Name()),
		zap.Int("processed", st.Processed),
		zap.Int("matched", st.Matched),
		zap.Int("unmatched", st.Unmatched),
		zap.Int("skipped", st.Skipped))
	return nil
}

// processRecord resolves one record. Data-quality problems become
// Unmatched outcomes; only infrastructure failures return an error.
func (o *Orchestrator) processRecord(ctx context.Context, sourceTable string, rec RawRecord, runID int64) (recordOutcome, error) {
	snapshot, dateErr := parseEventDate(rec.Date)
	if dateErr != nil {
		return unmatchedOutcome(sourceTable, rec.PK, nil, runID, identity.ReasonError, map[string]any{
			"error": fmt.Sprintf("unparseable date %q", rec.Date),
		}), nil
	}

	loose, _ := normalize.Phone(rec.Phone)
	c := match.Candidate{
		SourceTable:  sourceTable,
		SourcePK:     rec.PK,
		Scope:        rec.Scope,
		SnapshotDate: snapshot,
		PhoneLoose:   loose,
		License:      normalize.Document(rec.License),
		Plate:        normalize.Plate(rec.Plate),
		FullName:     normalize.Name(rec.FullName),
		Brand:        normalize.Name(rec.Brand),
		Model:        normalize.Name(rec.Model),
	}

	if c.PhoneLoose == "" && c.License == "" && c.Plate == "" && c.FullName == "" {
		return unmatchedOutcome(sourceTable, rec.PK, snapshot, runID, identity.ReasonMissingKeys, map[string]any{
			"raw_phone": rec.Phone,
			"raw_name":  rec.FullName,
		}), nil
	}

	res, err := o.resolver.Resolve(ctx, c)
	if err != nil {
		return recordOutcome{}, err
	}

	if res.Matched {
		evidence, _ := json.Marshal(res.Evidence)
		return recordOutcome{link: &identity.Link{
			PersonID:     res.PersonID,
			SourceTable:  sourceTable,
			SourcePK:     rec.PK,
			SnapshotDate: snapshot,
			MatchRule:    res.Rule,
			MatchScore:   res.Score,
			Confidence:   res.Confidence,
			Evidence:     evidence,
			RunID:        &runID,
		}}, nil
	}

	return unmatchedOutcome(sourceTable, rec.PK, snapshot, runID, res.Reason, res.Details), nil
}

func unmatchedOutcome(sourceTable, pk string, snapshot *time.Time, runID int64, reason identity.Reason, details map[string]any) recordOutcome {
	payload, _ := json.Marshal(details)
	return recordOutcome{unmatched: &identity.Unmatched{
		SourceTable:  sourceTable,
		SourcePK:     pk,
		SnapshotDate: snapshot,
		Reason:       reason,
		Details:      payload,
		RunID:        &runID,
	}}
}

// flush applies one batch's buffered outcomes. Each write is its own
// transaction so one bad record cannot poison the batch.
func (o *Orchestrator) flush(ctx context.Context, buffer []recordOutcome) error {
	for _, out := range buffer {
		switch {
		case out.link != nil:
			if err := o.store.UpsertLink(ctx, *out.link); err != nil {
				return err
			}
		case out.unmatched != nil:
			if err := o.store.UpsertUnmatched(ctx, *out.unmatched); err != nil {
				return err
			}
		}
	}
	return nil
}

// fail marks the run FAILED, falling back to a fresh store handle when
// the primary connection is unusable.
func (o *Orchestrator) fail(ctx context.Context, run *Run, stats RunStats, cause error) {
	zap.L().Error("run failed",
		zap.Int64("run_id", run.ID),
		zap.String("job_type", run.JobType),
		zap.Error(cause))

	if err := o.runs.Fail(ctx, run.ID, stats, cause.Error()); err == nil {
		return
	} else if o.freshPool == nil {
		zap.L().Error("could not persist FAILED status", zap.Int64("run_id", run.ID), zap.Error(err))
		return
	}

	pool, err := o.freshPool(ctx)
	if err != nil {
		zap.L().Error("could not open recovery handle", zap.Int64("run_id", run.ID), zap.Error(err))
		return
	}
	defer pool.Close()

	if err := NewRunLog(pool).Fail(ctx, run.ID, stats, cause.Error()); err != nil {
		zap.L().Error("could not persist FAILED status on recovery handle",
			zap.Int64("run_id", run.ID), zap.Error(err))
	}
}

func parseEventDate(raw string) (*time.Time, error) {
	if raw == "" {
		return nil, nil
	}
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, raw); err == nil {
			return &t, nil
		}
	}
	return nil, eris.Errorf("ingest: unparseable date %q", raw)
}

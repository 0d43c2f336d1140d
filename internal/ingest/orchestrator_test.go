package ingest

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/andes-mobility/attribution-cli/internal/identity"
	"github.com/andes-mobility/attribution-cli/internal/match"
)

type fakeSource struct {
	name    string
	records []RawRecord
	err     error
}

func (f *fakeSource) Name() string { return f.name }

func (f *fakeSource) Fetch(context.Context, *time.Time, *time.Time) ([]RawRecord, error) {
	return f.records, f.err
}

// captureStore records writes and serves a canned linked-key set.
type captureStore struct {
	identity.Store

	linkedKeys map[string]bool
	links      []identity.Link
	unmatched  []identity.Unmatched
	linkErr    error
}

func (c *captureStore) LinkedSourceKeys(context.Context, string) (map[string]bool, error) {
	if c.linkedKeys == nil {
		return map[string]bool{}, nil
	}
	return c.linkedKeys, nil
}

func (c *captureStore) UpsertLink(_ context.Context, l identity.Link) error {
	if c.linkErr != nil {
		return c.linkErr
	}
	c.links = append(c.links, l)
	return nil
}

func (c *captureStore) UpsertUnmatched(_ context.Context, u identity.Unmatched) error {
	c.unmatched = append(c.unmatched, u)
	return nil
}

// scriptedResolver matches records whose phone appears in the script.
type scriptedResolver struct {
	matches map[string]string // phone -> person id
	err     error
}

func (s *scriptedResolver) Resolve(_ context.Context, c match.Candidate) (*match.Resolution, error) {
	if s.err != nil {
		return nil, s.err
	}
	if personID, ok := s.matches[c.PhoneLoose]; ok {
		return &match.Resolution{
			Matched:    true,
			PersonID:   personID,
			Rule:       identity.RulePhoneExact,
			Score:      95,
			Confidence: identity.TierHigh,
		}, nil
	}
	return &match.Resolution{
		Matched: false,
		Reason:  identity.ReasonNoCandidates,
		Details: map[string]any{},
	}, nil
}

func newMockPool(t *testing.T) pgxmock.PgxPoolIface {
	t.Helper()
	mock, err := pgxmock.NewPool(pgxmock.QueryMatcherOption(pgxmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(mock.Close)
	return mock
}

func scopePtr(s string) *time.Time {
	ts, err := time.Parse("2006-01-02", s)
	if err != nil {
		panic(err)
	}
	return &ts
}

func expectStart(mock pgxmock.PgxPoolIface, runID int64) {
	mock.ExpectQuery(`SELECT count\(\*\) FROM ingest_runs`).
		WithArgs(DefaultJobType, StatusRunning).
		WillReturnRows(pgxmock.NewRows([]string{"count"}).AddRow(0))
	mock.ExpectQuery(`INSERT INTO ingest_runs`).
		WithArgs(DefaultJobType, StatusRunning, pgxmock.AnyArg(), pgxmock.AnyArg(),
			pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnRows(pgxmock.NewRows([]string{"id"}).AddRow(runID))
}

func expectComplete(mock pgxmock.PgxPoolIface, runID int64) {
	mock.ExpectExec(`UPDATE ingest_runs`).
		WithArgs(runID, StatusCompleted, pgxmock.AnyArg(), pgxmock.AnyArg(), StatusRunning).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
}

func expectFail(mock pgxmock.PgxPoolIface, runID int64) {
	mock.ExpectExec(`UPDATE ingest_runs`).
		WithArgs(runID, StatusFailed, pgxmock.AnyArg(), pgxmock.AnyArg(),
			pgxmock.AnyArg(), StatusRunning).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
}

func TestExecute_FirstRunWithoutScopeIsRejected(t *testing.T) {
	mock := newMockPool(t)
	// No completed runs yet; the scope check happens before any insert.
	mock.ExpectQuery(`SELECT scope_to FROM ingest_runs`).
		WithArgs(DefaultJobType, StatusCompleted).
		WillReturnRows(pgxmock.NewRows([]string{"scope_to"}))

	orch := NewOrchestrator(NewRunLog(mock), &captureStore{}, &scriptedResolver{}, mock, nil, 200, nil)
	_, err := orch.Execute(context.Background(), Request{Incremental: true})

	assert.ErrorIs(t, err, ErrScopeRequired)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestExecute_NonIncrementalRequiresScope(t *testing.T) {
	mock := newMockPool(t)

	orch := NewOrchestrator(NewRunLog(mock), &captureStore{}, &scriptedResolver{}, mock, nil, 200, nil)
	_, err := orch.Execute(context.Background(), Request{})

	assert.ErrorIs(t, err, ErrScopeRequired)
}

func TestExecute_RejectsConcurrentRunOfSameJobType(t *testing.T) {
	mock := newMockPool(t)
	mock.ExpectQuery(`SELECT count\(\*\) FROM ingest_runs`).
		WithArgs(DefaultJobType, StatusRunning).
		WillReturnRows(pgxmock.NewRows([]string{"count"}).AddRow(1))

	orch := NewOrchestrator(NewRunLog(mock), &captureStore{}, &scriptedResolver{}, mock, nil, 200, nil)
	_, err := orch.Execute(context.Background(), Request{ScopeFrom: scopePtr("2024-01-01")})

	assert.ErrorIs(t, err, ErrRunInFlight)
}

func TestExecute_HappyPath(t *testing.T) {
	mock := newMockPool(t)
	expectStart(mock, 7)
	expectComplete(mock, 7)

	store := &captureStore{linkedKeys: map[string]bool{"already-linked": true}}
	src := &fakeSource{name: "cabinet_leads", records: []RawRecord{
		{PK: "already-linked", Phone: "911111111", Date: "2024-03-01"},
		{PK: "lead-1", Phone: "987654321", FullName: "Juan Perez", Date: "2024-03-10"},
		{PK: "lead-2", Phone: "922222222", FullName: "Rosa Quispe", Date: "2024-03-11"},
	}}
	resolver := &scriptedResolver{matches: map[string]string{"987654321": "p1"}}

	orch := NewOrchestrator(NewRunLog(mock), store, resolver, mock, []Source{src}, 200, nil)
	run, err := orch.Execute(context.Background(), Request{ScopeFrom: scopePtr("2024-03-01")})
	require.NoError(t, err)

	assert.Equal(t, StatusCompleted, run.Status)
	st := run.Stats["cabinet_leads"]
	require.NotNil(t, st)
	assert.Equal(t, 3, st.Processed)
	assert.Equal(t, 1, st.Matched)
	assert.Equal(t, 1, st.Unmatched)
	assert.Equal(t, 1, st.Skipped)

	require.Len(t, store.links, 1)
	assert.Equal(t, "p1", store.links[0].PersonID)
	assert.Equal(t, "lead-1", store.links[0].SourcePK)
	require.NotNil(t, store.links[0].RunID)
	assert.Equal(t, int64(7), *store.links[0].RunID)

	require.Len(t, store.unmatched, 1)
	assert.Equal(t, "lead-2", store.unmatched[0].SourcePK)
	assert.Equal(t, identity.ReasonNoCandidates, store.unmatched[0].Reason)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestExecute_UnparseableDateBecomesUnmatched(t *testing.T) {
	mock := newMockPool(t)
	expectStart(mock, 3)
	expectComplete(mock, 3)

	store := &captureStore{}
	src := &fakeSource{name: "migrated_drivers", records: []RawRecord{
		{PK: "m1", Phone: "987654321", Date: "sometime in 2019"},
	}}

	orch := NewOrchestrator(NewRunLog(mock), store, &scriptedResolver{}, mock, []Source{src}, 200, nil)
	run, err := orch.Execute(context.Background(), Request{ScopeFrom: scopePtr("2024-01-01")})
	require.NoError(t, err)

	assert.Equal(t, StatusCompleted, run.Status)
	require.Len(t, store.unmatched, 1)
	assert.Equal(t, identity.ReasonError, store.unmatched[0].Reason)
	assert.Contains(t, string(store.unmatched[0].Details), "unparseable date")
}

func TestExecute_MissingKeysBecomesUnmatched(t *testing.T) {
	mock := newMockPool(t)
	expectStart(mock, 4)
	expectComplete(mock, 4)

	store := &captureStore{}
	src := &fakeSource{name: "cabinet_leads", records: []RawRecord{
		{PK: "empty-1", Date: "2024-03-01"},
	}}

	orch := NewOrchestrator(NewRunLog(mock), store, &scriptedResolver{}, mock, []Source{src}, 200, nil)
	run, err := orch.Execute(context.Background(), Request{ScopeFrom: scopePtr("2024-01-01")})
	require.NoError(t, err)

	assert.Equal(t, StatusCompleted, run.Status)
	require.Len(t, store.unmatched, 1)
	assert.Equal(t, identity.ReasonMissingKeys, store.unmatched[0].Reason)
}

func TestExecute_ResolverFailureFailsRun(t *testing.T) {
	mock := newMockPool(t)
	expectStart(mock, 9)
	expectFail(mock, 9)

	store := &captureStore{}
	src := &fakeSource{name: "cabinet_leads", records: []RawRecord{
		{PK: "lead-1", Phone: "987654321", Date: "2024-03-10"},
	}}
	resolver := &scriptedResolver{err: errors.New("connection refused")}

	orch := NewOrchestrator(NewRunLog(mock), store, resolver, mock, []Source{src}, 200, nil)
	run, err := orch.Execute(context.Background(), Request{ScopeFrom: scopePtr("2024-01-01")})
	require.NoError(t, err)

	assert.Equal(t, StatusFailed, run.Status)
	assert.Contains(t, run.Error, "connection refused")
	assert.Empty(t, store.links)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestExecute_EarlierBatchesSurviveLaterFailure(t *testing.T) {
	mock := newMockPool(t)
	expectStart(mock, 11)
	expectFail(mock, 11)

	// Batch size 1: the first record flushes, then the second batch's
	// flush fails and the run goes FAILED with the first link retained.
	store := &captureStore{}
	resolver := &scriptedResolver{matches: map[string]string{
		"987654321": "p1",
		"922222222": "p2",
	}}
	src := &fakeSource{name: "cabinet_leads", records: []RawRecord{
		{PK: "lead-1", Phone: "987654321", Date: "2024-03-10"},
		{PK: "lead-2", Phone: "922222222", Date: "2024-03-11"},
	}}

	flushed := false
	wrapper := &failAfterFirstLink{
		inner:   store,
		failErr: errors.New("server closed the connection"),
		flushed: &flushed,
	}

	orch := NewOrchestrator(NewRunLog(mock), wrapper, resolver, mock, []Source{src}, 1, nil)
	run, err := orch.Execute(context.Background(), Request{ScopeFrom: scopePtr("2024-01-01")})
	require.NoError(t, err)

	assert.Equal(t, StatusFailed, run.Status)
	assert.Contains(t, run.Error, "server closed the connection")
	assert.Len(t, store.links, 1)
	assert.Equal(t, "lead-1", store.links[0].SourcePK)
}

// failAfterFirstLink lets the first UpsertLink through and fails the rest.
type failAfterFirstLink struct {
	identity.Store

	inner   *captureStore
	failErr error
	flushed *bool
}

func (f *failAfterFirstLink) LinkedSourceKeys(ctx context.Context, table string) (map[string]bool, error) {
	return f.inner.LinkedSourceKeys(ctx, table)
}

func (f *failAfterFirstLink) UpsertLink(ctx context.Context, l identity.Link) error {
	if *f.flushed {
		return f.failErr
	}
	*f.flushed = true
	return f.inner.UpsertLink(ctx, l)
}

func (f *failAfterFirstLink) UpsertUnmatched(ctx context.Context, u identity.Unmatched) error {
	return f.inner.UpsertUnmatched(ctx, u)
}

func TestExecute_RefreshIndexInvoked(t *testing.T) {
	mock := newMockPool(t)
	expectStart(mock, 5)
	mock.ExpectQuery(`SELECT refresh_driver_roster_index\(\)`).
		WillReturnRows(pgxmock.NewRows([]string{"refresh_driver_roster_index"}).AddRow(120))
	expectComplete(mock, 5)

	orch := NewOrchestrator(NewRunLog(mock), &captureStore{}, &scriptedResolver{}, mock, nil, 200, nil)
	run, err := orch.Execute(context.Background(), Request{
		ScopeFrom:    scopePtr("2024-01-01"),
		RefreshIndex: true,
	})
	require.NoError(t, err)

	assert.Equal(t, StatusCompleted, run.Status)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestExecute_IncrementalScopeFromLastRun(t *testing.T) {
	mock := newMockPool(t)
	last := scopePtr("2024-02-15")
	mock.ExpectQuery(`SELECT scope_to FROM ingest_runs`).
		WithArgs(DefaultJobType, StatusCompleted).
		WillReturnRows(pgxmock.NewRows([]string{"scope_to"}).AddRow(last))
	expectStart(mock, 6)
	expectComplete(mock, 6)

	orch := NewOrchestrator(NewRunLog(mock), &captureStore{}, &scriptedResolver{}, mock, nil, 200, nil)
	run, err := orch.Execute(context.Background(), Request{Incremental: true})
	require.NoError(t, err)

	require.NotNil(t, run.ScopeFrom)
	assert.Equal(t, *last, *run.ScopeFrom)
	assert.Equal(t, StatusCompleted, run.Status)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestParseEventDate(t *testing.T) {
	ts, err := parseEventDate("2024-03-10")
	require.NoError(t, err)
	assert.Equal(t, 2024, ts.Year())

	ts, err = parseEventDate("")
	assert.NoError(t, err)
	assert.Nil(t, ts)

	_, err = parseEventDate("not a date")
	assert.Error(t, err)
}

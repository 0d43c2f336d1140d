package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/andes-mobility/attribution-cli/internal/config"
	"github.com/andes-mobility/attribution-cli/internal/identity"
	"github.com/andes-mobility/attribution-cli/internal/ingest"
	"github.com/andes-mobility/attribution-cli/internal/origin"
)

type stubIdentityStore struct {
	identity.Store

	links     []identity.Link
	unmatched []identity.Unmatched
}

func (s *stubIdentityStore) GetLinksByPerson(context.Context, string) ([]identity.Link, error) {
	return s.links, nil
}

func (s *stubIdentityStore) ListUnmatched(context.Context, string, string, int) ([]identity.Unmatched, error) {
	return s.unmatched, nil
}

func (s *stubIdentityStore) LinkedSourceKeys(context.Context, string) (map[string]bool, error) {
	return map[string]bool{}, nil
}

type stubOriginStore struct {
	origins map[string]origin.Origin
	upserts []origin.Origin
	history []origin.HistoryEntry
}

func newStubOriginStore() *stubOriginStore {
	return &stubOriginStore{origins: map[string]origin.Origin{}}
}

func (s *stubOriginStore) Get(_ context.Context, personID string) (*origin.Origin, error) {
	o, ok := s.origins[personID]
	if !ok {
		return nil, nil
	}
	return &o, nil
}

func (s *stubOriginStore) List(context.Context, string, int) ([]origin.Origin, error) {
	var out []origin.Origin
	for _, o := range s.origins {
		out = append(out, o)
	}
	return out, nil
}

func (s *stubOriginStore) Upsert(_ context.Context, o origin.Origin, _ string) error {
	s.origins[o.PersonID] = o
	s.upserts = append(s.upserts, o)
	return nil
}

func (s *stubOriginStore) History(context.Context, string) ([]origin.HistoryEntry, error) {
	return s.history, nil
}

func (s *stubOriginStore) PersonsWithoutOrigin(context.Context, int) ([]string, error) {
	return nil, nil
}

type testHarness struct {
	server      *Server
	mock        pgxmock.PgxPoolIface
	identities  *stubIdentityStore
	originStore *stubOriginStore
}

func newHarness(t *testing.T) *testHarness {
	t.Helper()

	mock, err := pgxmock.NewPool(pgxmock.QueryMatcherOption(pgxmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(mock.Close)

	identities := &stubIdentityStore{}
	originStore := newStubOriginStore()

	origins, err := origin.NewService(identities, originStore, config.OriginConfig{
		LeadSystemCutover: "2022-07-01",
		ConflictThreshold: 85,
	})
	require.NoError(t, err)

	runs := ingest.NewRunLog(mock)
	orch := ingest.NewOrchestrator(runs, identities, nil, mock, nil, 200, nil)

	return &testHarness{
		server:      NewServer(orch, runs, origins, originStore, identities),
		mock:        mock,
		identities:  identities,
		originStore: originStore,
	}
}

func (h *testHarness) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	rec := httptest.NewRecorder()
	h.server.Handler().ServeHTTP(rec, req)
	return rec
}

func TestHealth(t *testing.T) {
	h := newHarness(t)
	rec := h.do(t, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestTriggerRun_NoScopeRejected(t *testing.T) {
	h := newHarness(t)
	rec := h.do(t, http.MethodPost, "/api/v1/ingestion/runs", triggerRequest{})
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
}

func TestTriggerRun_ConflictingScopeParams(t *testing.T) {
	h := newHarness(t)
	rec := h.do(t, http.MethodPost, "/api/v1/ingestion/runs", triggerRequest{
		ScopeDate: "2024-03-10",
		DateFrom:  "2024-03-01",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestTriggerRun_BadDate(t *testing.T) {
	h := newHarness(t)
	rec := h.do(t, http.MethodPost, "/api/v1/ingestion/runs", triggerRequest{
		DateFrom: "10/03/2024",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestTriggerRun_Accepted(t *testing.T) {
	h := newHarness(t)
	h.mock.ExpectQuery(`SELECT count\(\*\) FROM ingest_runs`).
		WithArgs(ingest.DefaultJobType, ingest.StatusRunning).
		WillReturnRows(pgxmock.NewRows([]string{"count"}).AddRow(0))
	h.mock.ExpectQuery(`INSERT INTO ingest_runs`).
		WithArgs(ingest.DefaultJobType, ingest.StatusRunning, pgxmock.AnyArg(),
			pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnRows(pgxmock.NewRows([]string{"id"}).AddRow(int64(12)))
	// The async completion lands after the response.
	h.mock.ExpectExec(`UPDATE ingest_runs`).
		WithArgs(int64(12), ingest.StatusCompleted, pgxmock.AnyArg(),
			pgxmock.AnyArg(), ingest.StatusRunning).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	rec := h.do(t, http.MethodPost, "/api/v1/ingestion/runs", triggerRequest{
		ScopeDate: "2024-03-10",
	})
	require.Equal(t, http.StatusAccepted, rec.Code)

	var run ingest.Run
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &run))
	assert.Equal(t, int64(12), run.ID)
	assert.Equal(t, ingest.StatusRunning, run.Status)
}

func TestTriggerRun_InFlightConflict(t *testing.T) {
	h := newHarness(t)
	h.mock.ExpectQuery(`SELECT count\(\*\) FROM ingest_runs`).
		WithArgs(ingest.DefaultJobType, ingest.StatusRunning).
		WillReturnRows(pgxmock.NewRows([]string{"count"}).AddRow(1))

	rec := h.do(t, http.MethodPost, "/api/v1/ingestion/runs", triggerRequest{
		ScopeDate: "2024-03-10",
	})
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestGetRun_InvalidID(t *testing.T) {
	h := newHarness(t)
	rec := h.do(t, http.MethodGet, "/api/v1/ingestion/runs/abc", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestGetRun_NotFound(t *testing.T) {
	h := newHarness(t)
	h.mock.ExpectQuery(`SELECT .* FROM ingest_runs WHERE id`).
		WithArgs(int64(99)).
		WillReturnRows(pgxmock.NewRows([]string{
			"id", "job_type", "status", "scope_from", "scope_to",
			"incremental", "stats", "error", "started_at", "completed_at",
		}))

	rec := h.do(t, http.MethodGet, "/api/v1/ingestion/runs/99", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestGetOrigin_NotFound(t *testing.T) {
	h := newHarness(t)
	rec := h.do(t, http.MethodGet, "/api/v1/origins/p1", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestGetOrigin_Found(t *testing.T) {
	h := newHarness(t)
	h.originStore.origins["p1"] = origin.Origin{
		PersonID:         "p1",
		Tag:              origin.TagCabinetLead,
		Confidence:       95,
		ResolutionStatus: origin.StatusResolvedAuto,
	}

	rec := h.do(t, http.MethodGet, "/api/v1/origins/p1", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var o origin.Origin
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &o))
	assert.Equal(t, origin.TagCabinetLead, o.Tag)
}

func TestDetermineOrigin_AppliesDecision(t *testing.T) {
	h := newHarness(t)
	h.identities.links = []identity.Link{
		{SourceTable: "cabinet_leads", SourcePK: "c1", MatchScore: 95,
			Confidence: identity.TierHigh, LinkedAt: time.Now()},
	}

	rec := h.do(t, http.MethodPost, "/api/v1/origins/p1/determine", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	require.Len(t, h.originStore.upserts, 1)
	assert.Equal(t, origin.TagCabinetLead, h.originStore.upserts[0].Tag)
	assert.Equal(t, origin.ActorSystem, h.originStore.upserts[0].DecidedBy)
}

func TestDetermineOrigin_NothingDeterminable(t *testing.T) {
	h := newHarness(t)
	rec := h.do(t, http.MethodPost, "/api/v1/origins/p1/determine", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestResolveOrigin_Manual(t *testing.T) {
	h := newHarness(t)

	rec := h.do(t, http.MethodPost, "/api/v1/origins/p1/resolve", overrideRequest{
		OriginTag: "SCOUT_REGISTRATION",
		Reason:    "reviewed by ops",
	})
	require.Equal(t, http.StatusOK, rec.Code)

	require.Len(t, h.originStore.upserts, 1)
	assert.Equal(t, origin.ActorManual, h.originStore.upserts[0].DecidedBy)
	assert.Equal(t, origin.StatusResolvedManual, h.originStore.upserts[0].ResolutionStatus)
}

func TestResolveOrigin_BadTag(t *testing.T) {
	h := newHarness(t)
	rec := h.do(t, http.MethodPost, "/api/v1/origins/p1/resolve", overrideRequest{
		OriginTag: "NOT_A_TAG",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestMarkLegacy(t *testing.T) {
	h := newHarness(t)

	rec := h.do(t, http.MethodPost, "/api/v1/origins/p1/mark-legacy", overrideRequest{
		Reason: "predates lead system",
	})
	require.Equal(t, http.StatusOK, rec.Code)

	require.Len(t, h.originStore.upserts, 1)
	assert.Equal(t, origin.TagLegacyExternal, h.originStore.upserts[0].Tag)
	assert.Equal(t, origin.StatusMarkedLegacy, h.originStore.upserts[0].ResolutionStatus)
}

func TestDiscardOrigin_WithoutExistingOrigin(t *testing.T) {
	h := newHarness(t)
	rec := h.do(t, http.MethodPost, "/api/v1/origins/p1/discard", overrideRequest{
		Reason: "duplicate person",
	})
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
}

func TestDiscardOrigin_ExistingOrigin(t *testing.T) {
	h := newHarness(t)
	h.originStore.origins["p1"] = origin.Origin{
		PersonID: "p1",
		Tag:      origin.TagMigration,
	}

	rec := h.do(t, http.MethodPost, "/api/v1/origins/p1/discard", overrideRequest{
		Reason: "duplicate person",
	})
	require.Equal(t, http.StatusOK, rec.Code)

	require.Len(t, h.originStore.upserts, 1)
	assert.Equal(t, origin.TagMigration, h.originStore.upserts[0].Tag)
	assert.Equal(t, origin.StatusDiscarded, h.originStore.upserts[0].ResolutionStatus)
}

func TestListUnmatched(t *testing.T) {
	h := newHarness(t)
	h.identities.unmatched = []identity.Unmatched{
		{SourceTable: "cabinet_leads", SourcePK: "1", Reason: identity.ReasonNoCandidates, Status: identity.UnmatchedOpen},
	}

	rec := h.do(t, http.MethodGet, "/api/v1/unmatched?status=OPEN", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var out []identity.Unmatched
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	require.Len(t, out, 1)
	assert.Equal(t, identity.ReasonNoCandidates, out[0].Reason)
}

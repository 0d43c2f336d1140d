package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/andes-mobility/attribution-cli/internal/ingest"
	"github.com/andes-mobility/attribution-cli/internal/origin"
)

type triggerRequest struct {
	JobType      string   `json:"job_type,omitempty"`
	DateFrom     string   `json:"date_from,omitempty"`
	DateTo       string   `json:"date_to,omitempty"`
	ScopeDate    string   `json:"scope_date,omitempty"`
	Sources      []string `json:"sources,omitempty"`
	Incremental  bool     `json:"incremental"`
	RefreshIndex bool     `json:"refresh_index"`
}

func (t triggerRequest) scope() (*time.Time, *time.Time, error) {
	parse := func(s string) (*time.Time, error) {
		if s == "" {
			return nil, nil
		}
		ts, err := time.Parse("2006-01-02", s)
		if err != nil {
			return nil, err
		}
		return &ts, nil
	}

	if t.ScopeDate != "" {
		if t.DateFrom != "" || t.DateTo != "" {
			return nil, nil, errors.New("scope_date and date_from/date_to are mutually exclusive")
		}
		day, err := parse(t.ScopeDate)
		if err != nil {
			return nil, nil, err
		}
		return day, day, nil
	}

	from, err := parse(t.DateFrom)
	if err != nil {
		return nil, nil, err
	}
	to, err := parse(t.DateTo)
	if err != nil {
		return nil, nil, err
	}
	return from, to, nil
}

func (s *Server) handleTriggerRun(w http.ResponseWriter, r *http.Request) {
	var body triggerRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	from, to, err := body.scope()
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	req := ingest.Request{
		JobType:      body.JobType,
		ScopeFrom:    from,
		ScopeTo:      to,
		Incremental:  body.Incremental,
		Sources:      body.Sources,
		RefreshIndex: body.RefreshIndex,
	}

	run, err := s.orch.Begin(r.Context(), req)
	switch {
	case errors.Is(err, ingest.ErrScopeRequired):
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	case errors.Is(err, ingest.ErrRunInFlight):
		writeError(w, http.StatusConflict, err.Error())
		return
	case err != nil:
		zap.L().Error("trigger run", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "could not start run")
		return
	}

	// Processing continues after the response; poll the run for its
	// terminal status.
	go s.orch.Finish(context.Background(), req, run)

	writeJSON(w, http.StatusAccepted, run)
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	runID, err := strconv.ParseInt(chi.URLParam(r, "runID"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid run id")
		return
	}

	run, err := s.runs.Get(r.Context(), runID)
	if err != nil {
		zap.L().Error("get run", zap.Int64("run_id", runID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "could not load run")
		return
	}
	if run == nil {
		writeError(w, http.StatusNotFound, "run not found")
		return
	}
	writeJSON(w, http.StatusOK, run)
}

func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	runs, err := s.runs.List(r.Context(), r.URL.Query().Get("job_type"), queryLimit(r))
	if err != nil {
		zap.L().Error("list runs", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "could not list runs")
		return
	}
	writeJSON(w, http.StatusOK, runs)
}

func (s *Server) handleGetOrigin(w http.ResponseWriter, r *http.Request) {
	personID := chi.URLParam(r, "personID")

	o, err := s.originStore.Get(r.Context(), personID)
	if err != nil {
		zap.L().Error("get origin", zap.String("person_id", personID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "could not load origin")
		return
	}
	if o == nil {
		writeError(w, http.StatusNotFound, "no origin decided for person")
		return
	}
	writeJSON(w, http.StatusOK, o)
}

func (s *Server) handleListOrigins(w http.ResponseWriter, r *http.Request) {
	origins, err := s.originStore.List(r.Context(), r.URL.Query().Get("status"), queryLimit(r))
	if err != nil {
		zap.L().Error("list origins", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "could not list origins")
		return
	}
	writeJSON(w, http.StatusOK, origins)
}

func (s *Server) handleOriginHistory(w http.ResponseWriter, r *http.Request) {
	personID := chi.URLParam(r, "personID")

	history, err := s.originStore.History(r.Context(), personID)
	if err != nil {
		zap.L().Error("origin history", zap.String("person_id", personID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "could not load history")
		return
	}
	writeJSON(w, http.StatusOK, history)
}

func (s *Server) handleDetermineOrigin(w http.ResponseWriter, r *http.Request) {
	personID := chi.URLParam(r, "personID")

	decision, err := s.origins.DetermineAndApply(r.Context(), personID)
	if err != nil {
		zap.L().Error("determine origin", zap.String("person_id", personID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "determination failed")
		return
	}
	if decision == nil {
		writeError(w, http.StatusNotFound, "no origin determinable for person")
		return
	}
	writeJSON(w, http.StatusOK, decision)
}

type overrideRequest struct {
	OriginTag string `json:"origin_tag,omitempty"`
	Reason    string `json:"reason"`
}

func (s *Server) override(w http.ResponseWriter, r *http.Request, status string, fixedTag origin.Tag) {
	personID := chi.URLParam(r, "personID")

	var body overrideRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	tag := fixedTag
	if tag == "" && body.OriginTag != "" {
		parsed, err := origin.ParseTag(body.OriginTag)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		tag = parsed
	}

	if err := s.origins.Override(r.Context(), personID, tag, status, body.Reason); err != nil {
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"person_id": personID,
		"status":    status,
	})
}

func (s *Server) handleResolveOrigin(w http.ResponseWriter, r *http.Request) {
	s.override(w, r, origin.StatusResolvedManual, "")
}

func (s *Server) handleMarkLegacy(w http.ResponseWriter, r *http.Request) {
	s.override(w, r, origin.StatusMarkedLegacy, origin.TagLegacyExternal)
}

func (s *Server) handleDiscardOrigin(w http.ResponseWriter, r *http.Request) {
	s.override(w, r, origin.StatusDiscarded, "")
}

func (s *Server) handleListUnmatched(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	unmatched, err := s.identities.ListUnmatched(r.Context(), q.Get("source_table"), q.Get("status"), queryLimit(r))
	if err != nil {
		zap.L().Error("list unmatched", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "could not list unmatched records")
		return
	}
	writeJSON(w, http.StatusOK, unmatched)
}

func queryLimit(r *http.Request) int {
	limit, err := strconv.Atoi(r.URL.Query().Get("limit"))
	if err != nil || limit <= 0 {
		return 100
	}
	return limit
}

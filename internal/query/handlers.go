package query

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/sievetrace-io/sievetrace/internal/analytical"
	"github.com/sievetrace-io/sievetrace/internal/api"
)

type (
	// RunDetails is the GET /runs/{id} payload: the run summary, its steps in
	// start order, and optionally the raw run payload from the blob store.
	RunDetails struct {
		Run   *analytical.RunRow    `json:"run"`
		Steps []*analytical.StepRow `json:"steps"`
		Raw   json.RawMessage       `json:"raw,omitempty"`
	}

	// StepDetails is the GET /steps/{id}/details payload.
	StepDetails struct {
		Step   *analytical.StepRow `json:"step"`
		Events []*EventView        `json:"events"`
		Raw    json.RawMessage     `json:"raw,omitempty"`
	}

	// EventView is a decision-event reference, optionally hydrated with the
	// full payload from the blob store.
	EventView struct {
		*analytical.DecisionEventRow

		Raw json.RawMessage `json:"raw,omitempty"`
	}

	// ItemTrajectory is the GET /runs/{id}/items/{itemId} payload: every
	// decision recorded about one item across the run, in capture order.
	ItemTrajectory struct {
		RunID  string       `json:"runId"`
		ItemID string       `json:"itemId"`
		Events []*EventView `json:"events"`
	}

	healthStatus struct {
		Status    string `json:"status"`
		Timestamp string `json:"timestamp"`
		Uptime    string `json:"uptime"`
	}
)

// handleListRuns lists run summaries, newest first.
//
// Query parameters: bad_filter=true restricts to suspect runs (heavy
// elimination, failure, or recorded error); limit and offset page.
func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	params := analytical.ListRunsParams{
		BadFilter: queryBool(r, "bad_filter"),
		Limit:     queryInt(r, "limit", 0),
		Offset:    queryInt(r, "offset", 0),
	}

	runs, err := s.store.ListRuns(r.Context(), params)
	if err != nil {
		s.logger.Error("failed to list runs", slog.String("error", err.Error()))
		api.WriteErrorResponse(w, r, s.logger, http.StatusInternalServerError,
			"failed to list runs", nil)

		return
	}

	if runs == nil {
		runs = []*analytical.RunRow{}
	}

	api.WriteJSONList(w, r, s.logger, http.StatusOK, runs, len(runs))
}

// handleGetRun returns one run with its steps. include_raw=true additionally
// fetches the stored run payload; a blob miss degrades to the indexed view
// rather than failing the request.
func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	runID := r.PathValue("id")

	run, err := s.store.GetRun(r.Context(), runID)
	if err != nil {
		if errors.Is(err, analytical.ErrRunNotFound) {
			api.WriteErrorResponse(w, r, s.logger, http.StatusNotFound,
				"run not found: "+runID, nil)

			return
		}

		s.logger.Error("failed to get run",
			slog.String("run_id", runID), slog.String("error", err.Error()))
		api.WriteErrorResponse(w, r, s.logger, http.StatusInternalServerError,
			"failed to get run", nil)

		return
	}

	steps, err := s.store.ListStepsByRun(r.Context(), runID)
	if err != nil {
		s.logger.Error("failed to list run steps",
			slog.String("run_id", runID), slog.String("error", err.Error()))
		api.WriteErrorResponse(w, r, s.logger, http.StatusInternalServerError,
			"failed to list run steps", nil)

		return
	}

	if steps == nil {
		steps = []*analytical.StepRow{}
	}

	details := RunDetails{Run: run, Steps: steps}

	if queryBool(r, "include_raw") && s.blobs != nil {
		details.Raw = s.fetchRaw(r, s.blobs.RunKeyFor(run.StartedAt, run.RunID))
	}

	api.WriteJSON(w, r, s.logger, http.StatusOK, details)
}

// handleStepDetails returns one step with its decision-event references.
//
// Query parameters: decision_limit caps the events returned; include_raw
// hydrates the step payload and each event payload from the blob store.
func (s *Server) handleStepDetails(w http.ResponseWriter, r *http.Request) {
	stepID := r.PathValue("id")

	step, err := s.store.GetStep(r.Context(), stepID)
	if err != nil {
		if errors.Is(err, analytical.ErrStepNotFound) {
			api.WriteErrorResponse(w, r, s.logger, http.StatusNotFound,
				"step not found: "+stepID, nil)

			return
		}

		s.logger.Error("failed to get step",
			slog.String("step_id", stepID), slog.String("error", err.Error()))
		api.WriteErrorResponse(w, r, s.logger, http.StatusInternalServerError,
			"failed to get step", nil)

		return
	}

	rows, err := s.store.ListEventsByStep(r.Context(), stepID, queryInt(r, "decision_limit", 0))
	if err != nil {
		s.logger.Error("failed to list step events",
			slog.String("step_id", stepID), slog.String("error", err.Error()))
		api.WriteErrorResponse(w, r, s.logger, http.StatusInternalServerError,
			"failed to list step events", nil)

		return
	}

	includeRaw := queryBool(r, "include_raw") && s.blobs != nil

	details := StepDetails{
		Step:   step,
		Events: s.eventViews(r, rows, includeRaw),
	}

	if includeRaw {
		details.Raw = s.fetchRaw(r, s.blobs.StepKeyFor(step.StartedAt, step.StepID))
	}

	api.WriteJSON(w, r, s.logger, http.StatusOK, details)
}

// handleItemTrajectory returns every decision recorded about one item in a
// run. The run must exist; an item with no recorded decisions answers an
// empty trajectory.
func (s *Server) handleItemTrajectory(w http.ResponseWriter, r *http.Request) {
	runID := r.PathValue("id")
	itemID := r.PathValue("itemId")

	if _, err := s.store.GetRun(r.Context(), runID); err != nil {
		if errors.Is(err, analytical.ErrRunNotFound) {
			api.WriteErrorResponse(w, r, s.logger, http.StatusNotFound,
				"run not found: "+runID, nil)

			return
		}

		s.logger.Error("failed to get run",
			slog.String("run_id", runID), slog.String("error", err.Error()))
		api.WriteErrorResponse(w, r, s.logger, http.StatusInternalServerError,
			"failed to get run", nil)

		return
	}

	rows, err := s.store.ListEventsByRunItem(r.Context(), runID, itemID)
	if err != nil {
		s.logger.Error("failed to list item trajectory",
			slog.String("run_id", runID),
			slog.String("item_id", itemID),
			slog.String("error", err.Error()))
		api.WriteErrorResponse(w, r, s.logger, http.StatusInternalServerError,
			"failed to list item trajectory", nil)

		return
	}

	trajectory := ItemTrajectory{
		RunID:  runID,
		ItemID: itemID,
		Events: s.eventViews(r, rows, queryBool(r, "include_raw") && s.blobs != nil),
	}

	api.WriteJSONList(w, r, s.logger, http.StatusOK, trajectory, len(trajectory.Events))
}

// eventViews wraps event rows, hydrating raw payloads when asked. Hydration
// failures degrade to the indexed reference.
func (s *Server) eventViews(r *http.Request, rows []*analytical.DecisionEventRow, includeRaw bool) []*EventView {
	views := make([]*EventView, len(rows))

	for i, row := range rows {
		views[i] = &EventView{DecisionEventRow: row}

		if includeRaw && row.BlobKey != "" {
			views[i].Raw = s.fetchRaw(r, row.BlobKey)
		}
	}

	return views
}

// fetchRaw fetches one blob, returning nil (and logging) on failure so the
// caller can answer without the raw payload.
func (s *Server) fetchRaw(r *http.Request, key string) json.RawMessage {
	data, err := s.blobs.Get(r.Context(), key)
	if err != nil {
		s.logger.Warn("raw payload unavailable",
			slog.String("key", key),
			slog.String("error", err.Error()))

		return nil
	}

	return json.RawMessage(data)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	api.WriteJSON(w, r, s.logger, http.StatusOK, healthStatus{
		Status:    "ok",
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Uptime:    time.Since(s.startTime).Round(time.Second).String(),
	})
}

func (s *Server) handlePing(w http.ResponseWriter, r *http.Request) {
	api.WriteJSON(w, r, s.logger, http.StatusOK, map[string]string{"message": "pong"})
}

// handleReady verifies the analytical store connection before reporting
// ready, so load balancers keep traffic away from a server with a dead
// database.
func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if err := s.store.HealthCheck(r.Context()); err != nil {
		s.logger.Warn("readiness check failed", slog.String("error", err.Error()))
		api.WriteErrorResponse(w, r, s.logger, http.StatusServiceUnavailable,
			"analytical store unavailable", nil)

		return
	}

	api.WriteJSON(w, r, s.logger, http.StatusOK, map[string]string{"status": "ready"})
}

func (s *Server) handleNotFound(w http.ResponseWriter, r *http.Request) {
	api.WriteErrorResponse(w, r, s.logger, http.StatusNotFound,
		"no route for "+r.Method+" "+r.URL.Path, nil)
}

func queryInt(r *http.Request, name string, fallback int) int {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return fallback
	}

	v, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}

	return v
}

func queryBool(r *http.Request, name string) bool {
	v, err := strconv.ParseBool(r.URL.Query().Get(name))
	if err != nil {
		return false
	}

	return v
}

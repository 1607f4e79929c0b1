package server

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/google/uuid"

	"github.com/ashita-ai/nagare/internal/model"
	"github.com/ashita-ai/nagare/internal/storage"
)

// HandleGetRun returns a run and its step attempts in start order.
func (h *Handlers) HandleGetRun(w http.ResponseWriter, r *http.Request) {
	runID, err := uuid.Parse(r.PathValue("run_id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid run id")
		return
	}

	run, err := h.store.GetRun(r.Context(), runID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, http.StatusNotFound, "Run not found")
			return
		}
		h.logger.Error("get run", "run_id", runID, "error", err)
		writeError(w, http.StatusInternalServerError, "Internal server error")
		return
	}

	attempts, err := h.store.ListAttempts(r.Context(), runID)
	if err != nil {
		h.logger.Error("list attempts", "run_id", runID, "error", err)
		writeError(w, http.StatusInternalServerError, "Internal server error")
		return
	}
	if attempts == nil {
		attempts = []model.StepAttempt{}
	}

	writeJSON(w, http.StatusOK, model.RunDetail{Run: run, Attempts: attempts})
}

// HandleListRuns returns recent runs, optionally filtered by workflow.
func (h *Handlers) HandleListRuns(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 || n > 500 {
			writeError(w, http.StatusBadRequest, "Invalid limit")
			return
		}
		limit = n
	}

	runs, err := h.store.ListRuns(r.Context(), r.URL.Query().Get("workflowId"), limit)
	if err != nil {
		h.logger.Error("list runs", "error", err)
		writeError(w, http.StatusInternalServerError, "Internal server error")
		return
	}
	if runs == nil {
		runs = []model.Run{}
	}

	writeJSON(w, http.StatusOK, map[string]any{"runs": runs})
}

// HandleListWorkflows returns registered workflow summaries, optionally
// filtered to those owned by ?owner=<email>.
func (h *Handlers) HandleListWorkflows(w http.ResponseWriter, r *http.Request) {
	defs := h.registry.All()
	if owner := r.URL.Query().Get("owner"); owner != "" {
		defs = h.registry.ForOwner(owner)
	}

	summaries := make([]model.WorkflowSummary, 0, len(defs))
	for _, def := range defs {
		summaries = append(summaries, model.WorkflowSummary{
			ID:          def.ID,
			Name:        def.Name,
			Description: def.Description,
			StepCount:   len(def.Steps),
		})
	}

	writeJSON(w, http.StatusOK, map[string]any{"workflows": summaries})
}

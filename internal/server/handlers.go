package server

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/ashita-ai/nagare/internal/auth"
	"github.com/ashita-ai/nagare/internal/dispatch"
	"github.com/ashita-ai/nagare/internal/executor"
	"github.com/ashita-ai/nagare/internal/model"
	"github.com/ashita-ai/nagare/internal/storage"
	"github.com/ashita-ai/nagare/internal/workflow"
)

// TriggerTokenHeader carries the optional webhook trigger token.
const TriggerTokenHeader = "X-Trigger-Token"

// HandlersDeps holds the dependencies for the HTTP handlers.
type HandlersDeps struct {
	Store               storage.Store
	Registry            *workflow.Registry
	Executor            *executor.Executor
	Signer              *dispatch.Signer
	Logger              *slog.Logger
	Version             string
	MaxRequestBodyBytes int64
}

// Handlers implements the HTTP endpoints.
type Handlers struct {
	store    storage.Store
	registry *workflow.Registry
	executor *executor.Executor
	signer   *dispatch.Signer
	logger   *slog.Logger
	version  string
	maxBody  int64
}

// NewHandlers creates the handler set.
func NewHandlers(deps HandlersDeps) *Handlers {
	maxBody := deps.MaxRequestBodyBytes
	if maxBody <= 0 {
		maxBody = 1 << 20
	}
	return &Handlers{
		store:    deps.Store,
		registry: deps.Registry,
		executor: deps.Executor,
		signer:   deps.Signer,
		logger:   deps.Logger,
		version:  deps.Version,
		maxBody:  maxBody,
	}
}

// HandleWebhook starts a run of the addressed workflow. The request body
// becomes the trigger item's data.
func (h *Handlers) HandleWebhook(w http.ResponseWriter, r *http.Request) {
	workflowID := r.PathValue("workflow_id")

	def, ok := h.registry.Get(workflowID)
	if !ok {
		auth.DummyVerify()
		writeError(w, http.StatusNotFound, "Workflow not found")
		return
	}

	if def.TriggerTokenHash != "" {
		ok, err := auth.VerifyTriggerToken(r.Header.Get(TriggerTokenHeader), def.TriggerTokenHash)
		if err != nil {
			// A malformed stored hash bails out before any key
			// derivation; burn the work so timing stays uniform.
			auth.DummyVerify()
		}
		if err != nil || !ok {
			writeError(w, http.StatusUnauthorized, "Invalid trigger token")
			return
		}
	}

	account, err := h.resolveOwner(r, def)
	if err != nil {
		writeError(w, http.StatusNotFound, "No workflow owner found")
		return
	}

	data := map[string]any{}
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, h.maxBody))
	if err != nil {
		writeError(w, http.StatusBadRequest, "Request body too large")
		return
	}
	if len(body) > 0 {
		if err := json.Unmarshal(body, &data); err != nil {
			writeError(w, http.StatusBadRequest, "Invalid JSON body")
			return
		}
	}

	run, err := h.store.CreateRun(r.Context(), def.ID, account.ID, model.Item{Data: data, ItemIndex: 0})
	if err != nil {
		h.logger.Error("webhook: create run", "workflow_id", def.ID, "error", err)
		writeError(w, http.StatusInternalServerError, "Internal server error")
		return
	}

	h.logger.Info("webhook: run started",
		"workflow_id", def.ID, "run_id", run.ID,
		"request_id", RequestIDFromContext(r.Context()))
	writeJSON(w, http.StatusOK, model.TriggerResponse{RunID: run.ID})
}

// resolveOwner finds the first workflow owner with an account.
func (h *Handlers) resolveOwner(r *http.Request, def *workflow.Definition) (model.Account, error) {
	for _, email := range def.OwnerEmails {
		account, err := h.store.GetAccountByEmail(r.Context(), email)
		if err == nil {
			return account, nil
		}
		if !errors.Is(err, storage.ErrNotFound) {
			return model.Account{}, err
		}
	}
	return model.Account{}, storage.ErrNotFound
}

// HandleExecuteStep is the queue-facing worker endpoint. It verifies the
// delivery signature, then hands the message to the executor.
func (h *Handlers) HandleExecuteStep(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, h.maxBody))
	if err != nil {
		writeError(w, http.StatusBadRequest, "Request body too large")
		return
	}

	if h.signer != nil {
		if err := h.signer.Verify(r.Header.Get(dispatch.SignatureHeader), body); err != nil {
			writeError(w, http.StatusUnauthorized, "Invalid signature")
			return
		}
	}

	var req model.ExecuteStepRequest
	if err := json.Unmarshal(body, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid JSON body")
		return
	}

	msg := dispatch.Message{RunID: req.RunID, StepPosition: req.StepPosition, Input: req.Input}
	if err := h.executor.Handle(r.Context(), msg); err != nil {
		var stepErr *executor.StepError
		switch {
		case errors.Is(err, executor.ErrRunNotFound):
			writeError(w, http.StatusNotFound, "Execution not found")
		case errors.Is(err, executor.ErrWorkflowNotFound):
			writeError(w, http.StatusNotFound, "Workflow not found")
		case errors.Is(err, executor.ErrStepNotFound):
			writeError(w, http.StatusNotFound, "Node not found")
		case errors.As(err, &stepErr):
			writeError(w, http.StatusInternalServerError, "Node execution failed")
		default:
			h.logger.Error("worker: handle step", "run_id", req.RunID,
				"step_position", req.StepPosition, "error", err)
			writeError(w, http.StatusInternalServerError, "Internal server error")
		}
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// HandleHealth reports liveness and storage reachability.
func (h *Handlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	if err := h.store.Ping(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"status": "degraded", "version": h.version,
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"status": "ok", "version": h.version,
	})
}

package model

import "github.com/google/uuid"

// TriggerResponse is the body returned by POST /webhooks/{workflowId}.
type TriggerResponse struct {
	RunID uuid.UUID `json:"runId"`
}

// ExecuteStepRequest is the body the dispatch queue delivers to
// POST /workers/execute-step.
type ExecuteStepRequest struct {
	RunID        uuid.UUID `json:"runId"`
	StepPosition int       `json:"stepPosition"`
	Input        Item      `json:"input"`
}

// ErrorResponse is the error body shape for all endpoints.
type ErrorResponse struct {
	Error string `json:"error"`
}

// RunDetail is a run together with its ordered attempt log, as served
// by the read API and consumed by the dashboard.
type RunDetail struct {
	Run      Run           `json:"run"`
	Attempts []StepAttempt `json:"attempts"`
}

// WorkflowSummary describes a registered workflow definition for listing.
type WorkflowSummary struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	StepCount   int    `json:"stepCount"`
}

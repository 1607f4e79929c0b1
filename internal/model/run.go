// Package model defines the core domain types for Nagare.
//
// Types correspond directly to database tables and wire payloads.
// JSON tags are camelCase because the webhook and worker contracts
// are consumed by external callers that expect that shape.
package model

import (
	"time"

	"github.com/google/uuid"
)

// RunStatus represents the lifecycle state of a workflow run.
type RunStatus string

const (
	RunStatusRunning   RunStatus = "RUNNING"
	RunStatusCompleted RunStatus = "COMPLETED"
	RunStatusFailed    RunStatus = "FAILED"
)

// Terminal reports whether the status is absorbing. A run never
// transitions out of COMPLETED or FAILED.
func (s RunStatus) Terminal() bool {
	return s == RunStatusCompleted || s == RunStatusFailed
}

// Run is one execution instance of a workflow definition.
//
// Position is the zero-based index of the next step to execute, advanced
// only after a non-last step succeeds, so while the run is RUNNING it
// equals the number of SUCCESS attempts.
type Run struct {
	ID         uuid.UUID  `json:"id"`
	WorkflowID string     `json:"workflowId"`
	AccountID  uuid.UUID  `json:"accountId"`
	Status     RunStatus  `json:"status"`
	Position   int        `json:"position"`
	StartedAt  time.Time  `json:"startedAt"`
	FinishedAt *time.Time `json:"finishedAt,omitempty"`
}

// Item is the data payload threaded between steps. ItemIndex is carried
// for future fan-out support and is 0 for every run today.
type Item struct {
	Data      map[string]any `json:"data"`
	ItemIndex int            `json:"itemIndex"`
}

// Account is an identity permitted to own workflow definitions.
// Webhook triggers resolve the definition's first owner to an account
// before a run is created.
type Account struct {
	ID        uuid.UUID `json:"id"`
	Email     string    `json:"email"`
	CreatedAt time.Time `json:"createdAt"`
}

package model

import (
	"time"

	"github.com/google/uuid"
)

// AttemptStatus represents the lifecycle state of a single step attempt.
type AttemptStatus string

const (
	AttemptStatusRunning AttemptStatus = "RUNNING"
	AttemptStatusSuccess AttemptStatus = "SUCCESS"
	AttemptStatusFailed  AttemptStatus = "FAILED"

	// AttemptStatusRetrying is reserved for step-level retry policies.
	// Nothing produces it today; queue redelivery creates new attempts.
	AttemptStatusRetrying AttemptStatus = "RETRYING"
)

// StepAttempt is an append-only log record of one invocation of one step
// for one run. It is created RUNNING immediately before the step executes
// and updated exactly once to SUCCESS or FAILED. Terminal attempts are
// never mutated.
type StepAttempt struct {
	ID           uuid.UUID     `json:"id"`
	RunID        uuid.UUID     `json:"runId"`
	StepPosition int           `json:"stepPosition"`
	StepID       string        `json:"stepId"`
	StepName     string        `json:"stepName"`
	Input        Item          `json:"input"`
	Output       *Item         `json:"output,omitempty"`
	Error        *string       `json:"error,omitempty"`
	Status       AttemptStatus `json:"status"`
	StartedAt    time.Time     `json:"startedAt"`
	FinishedAt   *time.Time    `json:"finishedAt,omitempty"`
	DurationMs   *int64        `json:"durationMs,omitempty"`
}

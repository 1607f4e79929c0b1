// Package dispatch moves step-execution messages from the outbox to the
// worker endpoint. Delivery is at-least-once; the executor's idempotency
// guard makes redelivery harmless.
package dispatch

import (
	"github.com/google/uuid"

	"github.com/ashita-ai/nagare/internal/model"
)

// Message instructs a worker to execute one step of a run.
type Message struct {
	RunID        uuid.UUID  `json:"runId"`
	StepPosition int        `json:"stepPosition"`
	Input        model.Item `json:"input"`
}

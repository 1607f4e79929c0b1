// Package storage persists runs, step attempts, accounts, and the
// dispatch outbox.
//
// Two backends implement Store: Postgres (pgx pool, embedded SQL
// migrations) for deployments, and SQLite (modernc, in-code schema) for
// local development and tests. All mutations that must be atomic — run
// creation with its first dispatch, step completion with the next-step
// dispatch — happen inside a single transaction in both backends.
package storage

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/ashita-ai/nagare/internal/model"
)

// BeginAttemptParams creates a new RUNNING step attempt.
type BeginAttemptParams struct {
	RunID        uuid.UUID
	StepPosition int
	StepID       string
	StepName     string
	Input        model.Item
}

// CompleteStepParams finalizes a successful attempt. For a non-last step
// the run position advances and the next step's dispatch is written to
// the outbox in the same transaction; for the last step the run is
// marked COMPLETED.
type CompleteStepParams struct {
	AttemptID    uuid.UUID
	RunID        uuid.UUID
	StepPosition int
	LastStep     bool
	Output       model.Item
	FinishedAt   time.Time
	DurationMs   int64
}

// FailStepParams finalizes a failed attempt and marks the run FAILED.
type FailStepParams struct {
	AttemptID  uuid.UUID
	RunID      uuid.UUID
	Error      string
	FinishedAt time.Time
	DurationMs int64
}

// Dispatch is one pending "execute step N of run R" delivery claimed
// from the outbox.
type Dispatch struct {
	ID           int64
	RunID        uuid.UUID
	StepPosition int
	Input        model.Item
	Attempts     int
}

// Store is the persistence surface consumed by ingress, the step
// executor, the dispatch relay, and the read API.
type Store interface {
	// CreateRun inserts a RUNNING run at position 0 and, atomically, the
	// outbox entry that dispatches step 0 with the trigger payload.
	CreateRun(ctx context.Context, workflowID string, accountID uuid.UUID, input model.Item) (model.Run, error)
	GetRun(ctx context.Context, id uuid.UUID) (model.Run, error)
	ListRuns(ctx context.Context, workflowID string, limit int) ([]model.Run, error)

	// BeginAttempt conditionally inserts a RUNNING attempt for
	// (runID, stepPosition). If an attempt for that key already exists in
	// RUNNING or SUCCESS the insert is a no-op and created is false —
	// this is the idempotency guard against queue redelivery.
	BeginAttempt(ctx context.Context, p BeginAttemptParams) (attempt model.StepAttempt, created bool, err error)
	CompleteStep(ctx context.Context, p CompleteStepParams) error
	FailStep(ctx context.Context, p FailStepParams) error
	ListAttempts(ctx context.Context, runID uuid.UUID) ([]model.StepAttempt, error)

	GetAccountByEmail(ctx context.Context, email string) (model.Account, error)
	EnsureAccount(ctx context.Context, email string) (model.Account, error)

	// ClaimDispatches locks up to limit pending outbox entries for
	// delivery. Claimed entries are invisible to other claimers until
	// their lock expires.
	ClaimDispatches(ctx context.Context, limit int) ([]Dispatch, error)
	CompleteDispatch(ctx context.Context, id int64) error
	FailDispatch(ctx context.Context, id int64, errMsg string) error

	Ping(ctx context.Context) error
	Close(ctx context.Context) error
}

const (
	// maxDispatchAttempts bounds outbox delivery retries; entries past
	// the bound are dead-lettered (left in place, logged, never claimed).
	maxDispatchAttempts = 10

	// dispatchLockTTL must exceed the time a relay can spend publishing a
	// batch so a slow publisher doesn't race a second claimer.
	dispatchLockTTL = 60 * time.Second
)

// dispatchBackoff returns how long a failed dispatch stays locked before
// it becomes claimable again: 2^attempts seconds, capped at 5 minutes.
func dispatchBackoff(attempts int) time.Duration {
	d := time.Duration(1<<uint(attempts)) * time.Second //nolint:gosec // attempts is capped at maxDispatchAttempts
	if d > 5*time.Minute {
		return 5 * time.Minute
	}
	return d
}

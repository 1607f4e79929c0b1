package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/ashita-ai/nagare/internal/model"
)

// BeginAttempt conditionally inserts a RUNNING attempt for the
// (run_id, step_position) idempotency key. The partial unique index
// step_attempts_live_key covers RUNNING and SUCCESS attempts, so a
// redelivered message for an already-handled position inserts nothing
// and created comes back false. A prior FAILED attempt does not block —
// the run is terminal by then and the executor short-circuits earlier.
func (db *DB) BeginAttempt(ctx context.Context, p BeginAttemptParams) (model.StepAttempt, bool, error) {
	attempt := model.StepAttempt{
		ID:           uuid.New(),
		RunID:        p.RunID,
		StepPosition: p.StepPosition,
		StepID:       p.StepID,
		StepName:     p.StepName,
		Input:        p.Input,
		Status:       model.AttemptStatusRunning,
		StartedAt:    time.Now().UTC(),
	}

	tag, err := db.pool.Exec(ctx,
		`INSERT INTO step_attempts (id, run_id, step_position, step_id, step_name, input, status, started_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		 ON CONFLICT DO NOTHING`,
		attempt.ID, attempt.RunID, attempt.StepPosition, attempt.StepID,
		attempt.StepName, attempt.Input, string(attempt.Status), attempt.StartedAt,
	)
	if err != nil {
		return model.StepAttempt{}, false, fmt.Errorf("storage: begin attempt: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return model.StepAttempt{}, false, nil
	}
	return attempt, true, nil
}

// CompleteStep marks an attempt SUCCESS and transitions the run in one
// transaction: the last step completes the run; any other step advances
// position (conditionally, against the expected value) and writes the
// next step's dispatch to the outbox. Transient serialization conflicts
// are retried.
func (db *DB) CompleteStep(ctx context.Context, p CompleteStepParams) error {
	return withRetry(ctx, 3, 10*time.Millisecond, func() error {
		return db.completeStep(ctx, p)
	})
}

func (db *DB) completeStep(ctx context.Context, p CompleteStepParams) error {
	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("storage: complete step: begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	tag, err := tx.Exec(ctx,
		`UPDATE step_attempts
		 SET status = $2, output = $3, finished_at = $4, duration_ms = $5
		 WHERE id = $1 AND status = $6`,
		p.AttemptID, string(model.AttemptStatusSuccess), p.Output,
		p.FinishedAt, p.DurationMs, string(model.AttemptStatusRunning),
	)
	if err != nil {
		return fmt.Errorf("storage: complete step: update attempt: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrStaleRun
	}

	if p.LastStep {
		tag, err = tx.Exec(ctx,
			`UPDATE runs SET status = $2, finished_at = $3
			 WHERE id = $1 AND status = $4`,
			p.RunID, string(model.RunStatusCompleted), p.FinishedAt, string(model.RunStatusRunning),
		)
		if err != nil {
			return fmt.Errorf("storage: complete step: complete run: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return ErrStaleRun
		}
	} else {
		tag, err = tx.Exec(ctx,
			`UPDATE runs SET position = $3
			 WHERE id = $1 AND status = $4 AND position = $2`,
			p.RunID, p.StepPosition, p.StepPosition+1, string(model.RunStatusRunning),
		)
		if err != nil {
			return fmt.Errorf("storage: complete step: advance position: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return ErrStaleRun
		}

		if _, err := tx.Exec(ctx,
			`INSERT INTO dispatch_outbox (run_id, step_position, input, created_at)
			 VALUES ($1, $2, $3, $4)`,
			p.RunID, p.StepPosition+1, p.Output, p.FinishedAt,
		); err != nil {
			return fmt.Errorf("storage: complete step: enqueue next: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("storage: complete step: commit: %w", err)
	}
	return nil
}

// FailStep marks an attempt FAILED and the run FAILED in one transaction.
func (db *DB) FailStep(ctx context.Context, p FailStepParams) error {
	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("storage: fail step: begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	tag, err := tx.Exec(ctx,
		`UPDATE step_attempts
		 SET status = $2, error = $3, finished_at = $4, duration_ms = $5
		 WHERE id = $1 AND status = $6`,
		p.AttemptID, string(model.AttemptStatusFailed), p.Error,
		p.FinishedAt, p.DurationMs, string(model.AttemptStatusRunning),
	)
	if err != nil {
		return fmt.Errorf("storage: fail step: update attempt: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrStaleRun
	}

	if _, err := tx.Exec(ctx,
		`UPDATE runs SET status = $2, finished_at = $3
		 WHERE id = $1 AND status = $4`,
		p.RunID, string(model.RunStatusFailed), p.FinishedAt, string(model.RunStatusRunning),
	); err != nil {
		return fmt.Errorf("storage: fail step: fail run: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("storage: fail step: commit: %w", err)
	}
	return nil
}

// ListAttempts returns a run's attempt log ordered by started_at ASC.
func (db *DB) ListAttempts(ctx context.Context, runID uuid.UUID) ([]model.StepAttempt, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT id, run_id, step_position, step_id, step_name, input, output, error, status, started_at, finished_at, duration_ms
		 FROM step_attempts
		 WHERE run_id = $1
		 ORDER BY started_at ASC`,
		runID,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: list attempts: %w", err)
	}
	defer rows.Close()

	var attempts []model.StepAttempt
	for rows.Next() {
		var a model.StepAttempt
		if err := rows.Scan(
			&a.ID, &a.RunID, &a.StepPosition, &a.StepID, &a.StepName,
			&a.Input, &a.Output, &a.Error, &a.Status,
			&a.StartedAt, &a.FinishedAt, &a.DurationMs,
		); err != nil {
			return nil, fmt.Errorf("storage: scan attempt: %w", err)
		}
		attempts = append(attempts, a)
	}
	return attempts, rows.Err()
}

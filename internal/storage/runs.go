package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/ashita-ai/nagare/internal/model"
)

// CreateRun inserts a new RUNNING run and the dispatch outbox entry for
// step 0 in one transaction, so a created run can never be stranded
// without its first dispatch.
func (db *DB) CreateRun(ctx context.Context, workflowID string, accountID uuid.UUID, input model.Item) (model.Run, error) {
	run := model.Run{
		ID:         uuid.New(),
		WorkflowID: workflowID,
		AccountID:  accountID,
		Status:     model.RunStatusRunning,
		Position:   0,
		StartedAt:  time.Now().UTC(),
	}

	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return model.Run{}, fmt.Errorf("storage: create run: begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx,
		`INSERT INTO runs (id, workflow_id, account_id, status, position, started_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		run.ID, run.WorkflowID, run.AccountID, string(run.Status), run.Position, run.StartedAt,
	); err != nil {
		return model.Run{}, fmt.Errorf("storage: create run: %w", err)
	}

	if _, err := tx.Exec(ctx,
		`INSERT INTO dispatch_outbox (run_id, step_position, input, created_at)
		 VALUES ($1, $2, $3, $4)`,
		run.ID, 0, input, run.StartedAt,
	); err != nil {
		return model.Run{}, fmt.Errorf("storage: create run: enqueue step 0: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return model.Run{}, fmt.Errorf("storage: create run: commit: %w", err)
	}
	return run, nil
}

// GetRun retrieves a run by ID.
func (db *DB) GetRun(ctx context.Context, id uuid.UUID) (model.Run, error) {
	var run model.Run
	err := db.pool.QueryRow(ctx,
		`SELECT id, workflow_id, account_id, status, position, started_at, finished_at
		 FROM runs WHERE id = $1`, id,
	).Scan(
		&run.ID, &run.WorkflowID, &run.AccountID, &run.Status,
		&run.Position, &run.StartedAt, &run.FinishedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Run{}, ErrNotFound
		}
		return model.Run{}, fmt.Errorf("storage: get run: %w", err)
	}
	return run, nil
}

// ListRuns returns runs ordered by started_at DESC, optionally filtered
// by workflow id.
func (db *DB) ListRuns(ctx context.Context, workflowID string, limit int) ([]model.Run, error) {
	if limit <= 0 {
		limit = 50
	}

	rows, err := db.pool.Query(ctx,
		`SELECT id, workflow_id, account_id, status, position, started_at, finished_at
		 FROM runs
		 WHERE ($1 = '' OR workflow_id = $1)
		 ORDER BY started_at DESC
		 LIMIT $2`,
		workflowID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: list runs: %w", err)
	}
	defer rows.Close()

	var runs []model.Run
	for rows.Next() {
		var r model.Run
		if err := rows.Scan(
			&r.ID, &r.WorkflowID, &r.AccountID, &r.Status,
			&r.Position, &r.StartedAt, &r.FinishedAt,
		); err != nil {
			return nil, fmt.Errorf("storage: scan run: %w", err)
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

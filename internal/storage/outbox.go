package storage

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// ClaimDispatches selects and locks up to limit pending outbox entries.
// Entries are claimable when unlocked (or their lock expired) and under
// the attempt bound. FOR UPDATE SKIP LOCKED keeps concurrent relays from
// claiming the same rows.
func (db *DB) ClaimDispatches(ctx context.Context, limit int) ([]Dispatch, error) {
	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("storage: claim dispatches: begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	rows, err := tx.Query(ctx,
		`SELECT id, run_id, step_position, input, attempts
		 FROM dispatch_outbox
		 WHERE (locked_until IS NULL OR locked_until < now())
		   AND attempts < $1
		 ORDER BY created_at ASC
		 LIMIT $2
		 FOR UPDATE SKIP LOCKED`,
		maxDispatchAttempts, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: claim dispatches: select: %w", err)
	}

	dispatches, err := scanDispatches(rows)
	if err != nil {
		return nil, err
	}
	if len(dispatches) == 0 {
		return nil, nil
	}

	ids := make([]int64, len(dispatches))
	for i, d := range dispatches {
		ids[i] = d.ID
	}
	if _, err := tx.Exec(ctx,
		`UPDATE dispatch_outbox SET locked_until = now() + $1 WHERE id = ANY($2)`,
		dispatchLockTTL, ids,
	); err != nil {
		return nil, fmt.Errorf("storage: claim dispatches: lock: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("storage: claim dispatches: commit: %w", err)
	}
	return dispatches, nil
}

// CompleteDispatch removes a delivered outbox entry.
func (db *DB) CompleteDispatch(ctx context.Context, id int64) error {
	if _, err := db.pool.Exec(ctx,
		`DELETE FROM dispatch_outbox WHERE id = $1`, id,
	); err != nil {
		return fmt.Errorf("storage: complete dispatch: %w", err)
	}
	return nil
}

// FailDispatch records a failed delivery and pushes the entry's lock out
// with exponential backoff so retries don't spin during worker outages.
func (db *DB) FailDispatch(ctx context.Context, id int64, errMsg string) error {
	var attempts int
	err := db.pool.QueryRow(ctx,
		`UPDATE dispatch_outbox
		 SET attempts = attempts + 1, last_error = $2
		 WHERE id = $1
		 RETURNING attempts`,
		id, errMsg,
	).Scan(&attempts)
	if err != nil {
		return fmt.Errorf("storage: fail dispatch: %w", err)
	}

	if _, err := db.pool.Exec(ctx,
		`UPDATE dispatch_outbox SET locked_until = now() + $2 WHERE id = $1`,
		id, dispatchBackoff(attempts),
	); err != nil {
		return fmt.Errorf("storage: fail dispatch: backoff: %w", err)
	}

	if attempts >= maxDispatchAttempts {
		db.logger.Warn("dispatch outbox: dead-letter entry",
			"dispatch_id", id,
			"attempts", attempts,
			"error", errMsg,
		)
	}
	return nil
}

func scanDispatches(rows pgx.Rows) ([]Dispatch, error) {
	defer rows.Close()
	var dispatches []Dispatch
	for rows.Next() {
		var d Dispatch
		if err := rows.Scan(&d.ID, &d.RunID, &d.StepPosition, &d.Input, &d.Attempts); err != nil {
			return nil, fmt.Errorf("storage: scan dispatch: %w", err)
		}
		dispatches = append(dispatches, d)
	}
	return dispatches, rows.Err()
}

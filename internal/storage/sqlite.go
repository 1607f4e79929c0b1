package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/ashita-ai/nagare/internal/model"
)

// SQLite is the SQLite-backed Store, for local development and tests.
// Timestamps are stored as unix milliseconds and JSON payloads as TEXT.
type SQLite struct {
	db     *sql.DB
	logger *slog.Logger
}

var _ Store = (*SQLite)(nil)

// NewSQLite opens (or creates) the database at path and initializes the
// schema. Use ":memory:" for an ephemeral store.
func NewSQLite(path string, logger *slog.Logger) (*SQLite, error) {
	dsn := path + "?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("storage: open sqlite: %w", err)
	}
	// A single connection sidesteps SQLITE_BUSY under concurrent writers.
	db.SetMaxOpenConns(1)

	s := &SQLite{db: db, logger: logger}
	if err := s.initSchema(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLite) initSchema() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS runs (
			id TEXT PRIMARY KEY,
			workflow_id TEXT NOT NULL,
			account_id TEXT NOT NULL,
			status TEXT NOT NULL,
			position INTEGER NOT NULL,
			started_at INTEGER NOT NULL,
			finished_at INTEGER
		);
		CREATE INDEX IF NOT EXISTS runs_workflow_started ON runs (workflow_id, started_at DESC);

		CREATE TABLE IF NOT EXISTS step_attempts (
			id TEXT PRIMARY KEY,
			run_id TEXT NOT NULL REFERENCES runs (id) ON DELETE CASCADE,
			step_position INTEGER NOT NULL,
			step_id TEXT NOT NULL,
			step_name TEXT NOT NULL,
			input TEXT NOT NULL,
			output TEXT,
			error TEXT,
			status TEXT NOT NULL,
			started_at INTEGER NOT NULL,
			finished_at INTEGER,
			duration_ms INTEGER
		);
		CREATE UNIQUE INDEX IF NOT EXISTS step_attempts_live_key
			ON step_attempts (run_id, step_position)
			WHERE status IN ('RUNNING', 'SUCCESS');
		CREATE INDEX IF NOT EXISTS step_attempts_run ON step_attempts (run_id, started_at);

		CREATE TABLE IF NOT EXISTS accounts (
			id TEXT PRIMARY KEY,
			email TEXT NOT NULL UNIQUE,
			created_at INTEGER NOT NULL
		);

		CREATE TABLE IF NOT EXISTS dispatch_outbox (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			run_id TEXT NOT NULL,
			step_position INTEGER NOT NULL,
			input TEXT NOT NULL,
			attempts INTEGER NOT NULL DEFAULT 0,
			last_error TEXT,
			locked_until INTEGER,
			created_at INTEGER NOT NULL
		);
	`)
	if err != nil {
		return fmt.Errorf("storage: init sqlite schema: %w", err)
	}
	return nil
}

func (s *SQLite) CreateRun(ctx context.Context, workflowID string, accountID uuid.UUID, input model.Item) (model.Run, error) {
	run := model.Run{
		ID:         uuid.New(),
		WorkflowID: workflowID,
		AccountID:  accountID,
		Status:     model.RunStatusRunning,
		Position:   0,
		StartedAt:  time.Now().UTC(),
	}

	inputJSON, err := json.Marshal(input)
	if err != nil {
		return model.Run{}, fmt.Errorf("storage: create run: marshal input: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return model.Run{}, fmt.Errorf("storage: create run: begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO runs (id, workflow_id, account_id, status, position, started_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		run.ID.String(), run.WorkflowID, run.AccountID.String(),
		string(run.Status), run.Position, timeToMs(run.StartedAt),
	); err != nil {
		return model.Run{}, fmt.Errorf("storage: create run: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO dispatch_outbox (run_id, step_position, input, created_at)
		 VALUES (?, ?, ?, ?)`,
		run.ID.String(), 0, string(inputJSON), timeToMs(run.StartedAt),
	); err != nil {
		return model.Run{}, fmt.Errorf("storage: create run: enqueue step 0: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return model.Run{}, fmt.Errorf("storage: create run: commit: %w", err)
	}
	return run, nil
}

func (s *SQLite) GetRun(ctx context.Context, id uuid.UUID) (model.Run, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, workflow_id, account_id, status, position, started_at, finished_at
		 FROM runs WHERE id = ?`, id.String(),
	)
	run, err := scanRunRow(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.Run{}, ErrNotFound
		}
		return model.Run{}, fmt.Errorf("storage: get run: %w", err)
	}
	return run, nil
}

func (s *SQLite) ListRuns(ctx context.Context, workflowID string, limit int) ([]model.Run, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, workflow_id, account_id, status, position, started_at, finished_at
		 FROM runs
		 WHERE (? = '' OR workflow_id = ?)
		 ORDER BY started_at DESC
		 LIMIT ?`,
		workflowID, workflowID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: list runs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var runs []model.Run
	for rows.Next() {
		run, err := scanRunRow(rows)
		if err != nil {
			return nil, fmt.Errorf("storage: scan run: %w", err)
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

func (s *SQLite) BeginAttempt(ctx context.Context, p BeginAttemptParams) (model.StepAttempt, bool, error) {
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

	inputJSON, err := json.Marshal(p.Input)
	if err != nil {
		return model.StepAttempt{}, false, fmt.Errorf("storage: begin attempt: marshal input: %w", err)
	}

	res, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO step_attempts (id, run_id, step_position, step_id, step_name, input, status, started_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		attempt.ID.String(), attempt.RunID.String(), attempt.StepPosition,
		attempt.StepID, attempt.StepName, string(inputJSON),
		string(attempt.Status), timeToMs(attempt.StartedAt),
	)
	if err != nil {
		return model.StepAttempt{}, false, fmt.Errorf("storage: begin attempt: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return model.StepAttempt{}, false, fmt.Errorf("storage: begin attempt: rows affected: %w", err)
	}
	if n == 0 {
		return model.StepAttempt{}, false, nil
	}
	return attempt, true, nil
}

func (s *SQLite) CompleteStep(ctx context.Context, p CompleteStepParams) error {
	outputJSON, err := json.Marshal(p.Output)
	if err != nil {
		return fmt.Errorf("storage: complete step: marshal output: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("storage: complete step: begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx,
		`UPDATE step_attempts
		 SET status = ?, output = ?, finished_at = ?, duration_ms = ?
		 WHERE id = ? AND status = ?`,
		string(model.AttemptStatusSuccess), string(outputJSON),
		timeToMs(p.FinishedAt), p.DurationMs,
		p.AttemptID.String(), string(model.AttemptStatusRunning),
	)
	if err != nil {
		return fmt.Errorf("storage: complete step: update attempt: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrStaleRun
	}

	if p.LastStep {
		res, err = tx.ExecContext(ctx,
			`UPDATE runs SET status = ?, finished_at = ?
			 WHERE id = ? AND status = ?`,
			string(model.RunStatusCompleted), timeToMs(p.FinishedAt),
			p.RunID.String(), string(model.RunStatusRunning),
		)
		if err != nil {
			return fmt.Errorf("storage: complete step: complete run: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return ErrStaleRun
		}
	} else {
		res, err = tx.ExecContext(ctx,
			`UPDATE runs SET position = ?
			 WHERE id = ? AND status = ? AND position = ?`,
			p.StepPosition+1, p.RunID.String(),
			string(model.RunStatusRunning), p.StepPosition,
		)
		if err != nil {
			return fmt.Errorf("storage: complete step: advance position: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return ErrStaleRun
		}

		if _, err := tx.ExecContext(ctx,
			`INSERT INTO dispatch_outbox (run_id, step_position, input, created_at)
			 VALUES (?, ?, ?, ?)`,
			p.RunID.String(), p.StepPosition+1, string(outputJSON), timeToMs(p.FinishedAt),
		); err != nil {
			return fmt.Errorf("storage: complete step: enqueue next: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("storage: complete step: commit: %w", err)
	}
	return nil
}

func (s *SQLite) FailStep(ctx context.Context, p FailStepParams) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("storage: fail step: begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx,
		`UPDATE step_attempts
		 SET status = ?, error = ?, finished_at = ?, duration_ms = ?
		 WHERE id = ? AND status = ?`,
		string(model.AttemptStatusFailed), p.Error,
		timeToMs(p.FinishedAt), p.DurationMs,
		p.AttemptID.String(), string(model.AttemptStatusRunning),
	)
	if err != nil {
		return fmt.Errorf("storage: fail step: update attempt: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrStaleRun
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE runs SET status = ?, finished_at = ?
		 WHERE id = ? AND status = ?`,
		string(model.RunStatusFailed), timeToMs(p.FinishedAt),
		p.RunID.String(), string(model.RunStatusRunning),
	); err != nil {
		return fmt.Errorf("storage: fail step: fail run: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("storage: fail step: commit: %w", err)
	}
	return nil
}

func (s *SQLite) ListAttempts(ctx context.Context, runID uuid.UUID) ([]model.StepAttempt, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, run_id, step_position, step_id, step_name, input, output, error, status, started_at, finished_at, duration_ms
		 FROM step_attempts
		 WHERE run_id = ?
		 ORDER BY started_at ASC, step_position ASC`,
		runID.String(),
	)
	if err != nil {
		return nil, fmt.Errorf("storage: list attempts: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var attempts []model.StepAttempt
	for rows.Next() {
		var (
			a          model.StepAttempt
			idStr      string
			runIDStr   string
			inputJSON  string
			outputJSON sql.NullString
			errText    sql.NullString
			startedMs  int64
			finishedMs sql.NullInt64
			durationMs sql.NullInt64
		)
		if err := rows.Scan(
			&idStr, &runIDStr, &a.StepPosition, &a.StepID, &a.StepName,
			&inputJSON, &outputJSON, &errText, &a.Status,
			&startedMs, &finishedMs, &durationMs,
		); err != nil {
			return nil, fmt.Errorf("storage: scan attempt: %w", err)
		}

		if a.ID, err = uuid.Parse(idStr); err != nil {
			return nil, fmt.Errorf("storage: scan attempt id: %w", err)
		}
		if a.RunID, err = uuid.Parse(runIDStr); err != nil {
			return nil, fmt.Errorf("storage: scan attempt run id: %w", err)
		}
		if err := json.Unmarshal([]byte(inputJSON), &a.Input); err != nil {
			return nil, fmt.Errorf("storage: decode attempt input: %w", err)
		}
		if outputJSON.Valid {
			var out model.Item
			if err := json.Unmarshal([]byte(outputJSON.String), &out); err != nil {
				return nil, fmt.Errorf("storage: decode attempt output: %w", err)
			}
			a.Output = &out
		}
		if errText.Valid {
			a.Error = &errText.String
		}
		a.StartedAt = msToTime(startedMs)
		if finishedMs.Valid {
			t := msToTime(finishedMs.Int64)
			a.FinishedAt = &t
		}
		if durationMs.Valid {
			a.DurationMs = &durationMs.Int64
		}
		attempts = append(attempts, a)
	}
	return attempts, rows.Err()
}

func (s *SQLite) GetAccountByEmail(ctx context.Context, email string) (model.Account, error) {
	var (
		acct      model.Account
		idStr     string
		createdMs int64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, email, created_at FROM accounts WHERE email = ?`, email,
	).Scan(&idStr, &acct.Email, &createdMs)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.Account{}, ErrNotFound
		}
		return model.Account{}, fmt.Errorf("storage: get account: %w", err)
	}
	if acct.ID, err = uuid.Parse(idStr); err != nil {
		return model.Account{}, fmt.Errorf("storage: scan account id: %w", err)
	}
	acct.CreatedAt = msToTime(createdMs)
	return acct, nil
}

func (s *SQLite) EnsureAccount(ctx context.Context, email string) (model.Account, error) {
	if _, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO accounts (id, email, created_at) VALUES (?, ?, ?)`,
		uuid.New().String(), email, timeToMs(time.Now().UTC()),
	); err != nil {
		return model.Account{}, fmt.Errorf("storage: ensure account: %w", err)
	}
	return s.GetAccountByEmail(ctx, email)
}

func (s *SQLite) ClaimDispatches(ctx context.Context, limit int) ([]Dispatch, error) {
	now := time.Now().UTC()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("storage: claim dispatches: begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	rows, err := tx.QueryContext(ctx,
		`SELECT id, run_id, step_position, input, attempts
		 FROM dispatch_outbox
		 WHERE (locked_until IS NULL OR locked_until < ?)
		   AND attempts < ?
		 ORDER BY created_at ASC
		 LIMIT ?`,
		timeToMs(now), maxDispatchAttempts, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: claim dispatches: select: %w", err)
	}

	var dispatches []Dispatch
	for rows.Next() {
		var (
			d         Dispatch
			runIDStr  string
			inputJSON string
		)
		if err := rows.Scan(&d.ID, &runIDStr, &d.StepPosition, &inputJSON, &d.Attempts); err != nil {
			_ = rows.Close()
			return nil, fmt.Errorf("storage: scan dispatch: %w", err)
		}
		if d.RunID, err = uuid.Parse(runIDStr); err != nil {
			_ = rows.Close()
			return nil, fmt.Errorf("storage: scan dispatch run id: %w", err)
		}
		if err := json.Unmarshal([]byte(inputJSON), &d.Input); err != nil {
			_ = rows.Close()
			return nil, fmt.Errorf("storage: decode dispatch input: %w", err)
		}
		dispatches = append(dispatches, d)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	_ = rows.Close()
	if len(dispatches) == 0 {
		return nil, nil
	}

	lockedUntil := timeToMs(now.Add(dispatchLockTTL))
	for _, d := range dispatches {
		if _, err := tx.ExecContext(ctx,
			`UPDATE dispatch_outbox SET locked_until = ? WHERE id = ?`,
			lockedUntil, d.ID,
		); err != nil {
			return nil, fmt.Errorf("storage: claim dispatches: lock: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("storage: claim dispatches: commit: %w", err)
	}
	return dispatches, nil
}

func (s *SQLite) CompleteDispatch(ctx context.Context, id int64) error {
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM dispatch_outbox WHERE id = ?`, id,
	); err != nil {
		return fmt.Errorf("storage: complete dispatch: %w", err)
	}
	return nil
}

func (s *SQLite) FailDispatch(ctx context.Context, id int64, errMsg string) error {
	var attempts int
	err := s.db.QueryRowContext(ctx,
		`UPDATE dispatch_outbox
		 SET attempts = attempts + 1, last_error = ?
		 WHERE id = ?
		 RETURNING attempts`,
		errMsg, id,
	).Scan(&attempts)
	if err != nil {
		return fmt.Errorf("storage: fail dispatch: %w", err)
	}

	lockedUntil := timeToMs(time.Now().UTC().Add(dispatchBackoff(attempts)))
	if _, err := s.db.ExecContext(ctx,
		`UPDATE dispatch_outbox SET locked_until = ? WHERE id = ?`,
		lockedUntil, id,
	); err != nil {
		return fmt.Errorf("storage: fail dispatch: backoff: %w", err)
	}

	if attempts >= maxDispatchAttempts {
		s.logger.Warn("dispatch outbox: dead-letter entry",
			"dispatch_id", id,
			"attempts", attempts,
			"error", errMsg,
		)
	}
	return nil
}

func (s *SQLite) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *SQLite) Close(ctx context.Context) error {
	return s.db.Close()
}

// scanRunRow decodes a run from either *sql.Row or *sql.Rows.
func scanRunRow(row interface{ Scan(dest ...any) error }) (model.Run, error) {
	var (
		run        model.Run
		idStr      string
		acctStr    string
		startedMs  int64
		finishedMs sql.NullInt64
	)
	if err := row.Scan(
		&idStr, &run.WorkflowID, &acctStr, &run.Status,
		&run.Position, &startedMs, &finishedMs,
	); err != nil {
		return model.Run{}, err
	}

	var err error
	if run.ID, err = uuid.Parse(idStr); err != nil {
		return model.Run{}, fmt.Errorf("parse run id: %w", err)
	}
	if run.AccountID, err = uuid.Parse(acctStr); err != nil {
		return model.Run{}, fmt.Errorf("parse account id: %w", err)
	}
	run.StartedAt = msToTime(startedMs)
	if finishedMs.Valid {
		t := msToTime(finishedMs.Int64)
		run.FinishedAt = &t
	}
	return run, nil
}

func timeToMs(t time.Time) int64 {
	return t.UnixMilli()
}

func msToTime(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}

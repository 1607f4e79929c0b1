// Package executor runs individual workflow steps in response to dispatch
// messages and records the outcome in storage.
package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/metric"

	"github.com/ashita-ai/nagare/internal/dispatch"
	"github.com/ashita-ai/nagare/internal/model"
	"github.com/ashita-ai/nagare/internal/storage"
	"github.com/ashita-ai/nagare/internal/telemetry"
	"github.com/ashita-ai/nagare/internal/workflow"
)

var (
	// ErrRunNotFound is returned when a message references an unknown run.
	ErrRunNotFound = errors.New("executor: run not found")
	// ErrWorkflowNotFound is returned when the run's workflow is not registered.
	ErrWorkflowNotFound = errors.New("executor: workflow not found")
	// ErrStepNotFound is returned when the step position is out of range.
	ErrStepNotFound = errors.New("executor: step not found")
)

// StepError reports a step that executed and failed. The run has already
// been moved to FAILED when this is returned.
type StepError struct {
	StepName string
	Err      error
}

func (e *StepError) Error() string {
	return fmt.Sprintf("executor: step %q failed: %v", e.StepName, e.Err)
}

func (e *StepError) Unwrap() error { return e.Err }

// Executor handles dispatch messages: it looks up the run and its
// workflow definition, claims the step attempt, executes the step, and
// persists the result.
type Executor struct {
	store    storage.Store
	registry *workflow.Registry
	secrets  map[string]string
	logger   *slog.Logger

	succeeded metric.Int64Counter
	failed    metric.Int64Counter
}

// New creates an Executor. secrets are made available to steps through
// the step context.
func New(store storage.Store, registry *workflow.Registry, secrets map[string]string, logger *slog.Logger) *Executor {
	e := &Executor{
		store:    store,
		registry: registry,
		secrets:  secrets,
		logger:   logger,
	}
	meter := telemetry.Meter("nagare/executor")
	e.succeeded, _ = meter.Int64Counter("nagare.steps.succeeded",
		metric.WithDescription("Step attempts that completed successfully"),
	)
	e.failed, _ = meter.Int64Counter("nagare.steps.failed",
		metric.WithDescription("Step attempts that failed and terminated their run"),
	)
	return e
}

// Handle processes one dispatch message. Redelivery of an already-handled
// position and delivery to a terminal run are both no-ops, so the caller
// may safely deliver the same message more than once.
func (e *Executor) Handle(ctx context.Context, msg dispatch.Message) error {
	run, err := e.store.GetRun(ctx, msg.RunID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return ErrRunNotFound
		}
		return fmt.Errorf("executor: load run: %w", err)
	}

	if run.Status.Terminal() {
		e.logger.Info("executor: run already terminal, ignoring delivery",
			"run_id", run.ID, "status", run.Status, "step_position", msg.StepPosition)
		return nil
	}

	def, ok := e.registry.Get(run.WorkflowID)
	if !ok {
		return ErrWorkflowNotFound
	}
	if msg.StepPosition < 0 || msg.StepPosition >= len(def.Steps) {
		return ErrStepNotFound
	}
	step := def.Steps[msg.StepPosition]

	attempt, created, err := e.store.BeginAttempt(ctx, storage.BeginAttemptParams{
		RunID:        run.ID,
		StepPosition: msg.StepPosition,
		StepID:       step.ID,
		StepName:     step.Name,
		Input:        msg.Input,
	})
	if err != nil {
		return fmt.Errorf("executor: begin attempt: %w", err)
	}
	if !created {
		e.logger.Info("executor: step already attempted, ignoring delivery",
			"run_id", run.ID, "step_position", msg.StepPosition)
		return nil
	}

	sc := workflow.Context{
		RunID:        run.ID,
		WorkflowID:   run.WorkflowID,
		StepPosition: msg.StepPosition,
		Secrets:      e.secrets,
		Logger:       e.logger.With("run_id", run.ID, "step", step.Name),
	}

	start := time.Now()
	out, execErr := step.Execute(ctx, msg.Input, sc)
	finished := time.Now().UTC()
	durationMs := time.Since(start).Milliseconds()
	if durationMs < 1 {
		durationMs = 1
	}

	if execErr != nil {
		if e.failed != nil {
			e.failed.Add(ctx, 1)
		}
		if err := e.store.FailStep(ctx, storage.FailStepParams{
			AttemptID:  attempt.ID,
			RunID:      run.ID,
			Error:      execErr.Error(),
			FinishedAt: finished,
			DurationMs: durationMs,
		}); err != nil {
			return fmt.Errorf("executor: record step failure: %w", err)
		}
		e.logger.Error("executor: step failed",
			"run_id", run.ID, "step", step.Name, "step_position", msg.StepPosition,
			"duration_ms", durationMs, "error", execErr)
		return &StepError{StepName: step.Name, Err: execErr}
	}

	output := model.Item{Data: out, ItemIndex: msg.Input.ItemIndex}
	if err := e.store.CompleteStep(ctx, storage.CompleteStepParams{
		AttemptID:    attempt.ID,
		RunID:        run.ID,
		StepPosition: msg.StepPosition,
		LastStep:     msg.StepPosition == def.LastPosition(),
		Output:       output,
		FinishedAt:   finished,
		DurationMs:   durationMs,
	}); err != nil {
		return fmt.Errorf("executor: record step success: %w", err)
	}

	if e.succeeded != nil {
		e.succeeded.Add(ctx, 1)
	}
	e.logger.Info("executor: step succeeded",
		"run_id", run.ID, "step", step.Name, "step_position", msg.StepPosition,
		"duration_ms", durationMs)
	return nil
}

// Package workflow defines workflow definitions, steps, and the
// execution context passed into each step.
//
// A step is a tagged variant: one Step struct with a Kind discriminator
// and per-kind configuration. Execute dispatches on Kind in one place so
// the executor's control flow stays independent of which kind is running.
package workflow

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/ashita-ai/nagare/internal/model"
)

// StepKind discriminates the step variants.
type StepKind string

const (
	StepTrigger   StepKind = "trigger"
	StepTransform StepKind = "transform"
	StepHTTP      StepKind = "http"
	StepCode      StepKind = "code"
)

// Context carries per-invocation metadata into a step. Secrets come from
// process-wide configuration built once at startup, never from ambient
// environment reads inside the step.
type Context struct {
	RunID        uuid.UUID
	WorkflowID   string
	StepPosition int
	Secrets      map[string]string
	Logger       *slog.Logger
}

// TransformFunc is a declarative, side-effect-free mapping from one item
// to the next step's data.
type TransformFunc func(input model.Item, sc Context) (map[string]any, error)

// CodeFunc is an arbitrary step body. It may perform I/O; it must be safe
// to invoke more than once for the same logical step because the dispatch
// queue is at-least-once.
type CodeFunc func(ctx context.Context, input model.Item, sc Context) (map[string]any, error)

// HTTPConfig configures an http-kind step. Headers and Body are functions
// so they can pull secrets from the step context at execution time.
type HTTPConfig struct {
	Method  string
	URL     string
	Headers func(sc Context) map[string]string
	Body    func(input model.Item, sc Context) any

	// Client overrides the default HTTP client. Nil means a shared
	// client with a 30s timeout.
	Client *http.Client
}

// Step is one unit of work in a workflow definition. Exactly one of the
// kind-specific fields is set, matching Kind.
type Step struct {
	ID   string
	Name string
	Kind StepKind

	Transform TransformFunc
	Code      CodeFunc
	HTTP      *HTTPConfig
}

// NewTriggerStep returns a pass-through step that echoes the inbound
// payload. Every workflow starts with one.
func NewTriggerStep(id, name string) Step {
	return Step{ID: id, Name: name, Kind: StepTrigger}
}

// NewTransformStep returns a declarative mapping step.
func NewTransformStep(id, name string, fn TransformFunc) Step {
	return Step{ID: id, Name: name, Kind: StepTransform, Transform: fn}
}

// NewHTTPStep returns a step that calls an external HTTP endpoint and
// passes the decoded JSON response to the next step.
func NewHTTPStep(id, name string, cfg HTTPConfig) Step {
	return Step{ID: id, Name: name, Kind: StepHTTP, HTTP: &cfg}
}

// NewCodeStep returns a step wrapping an arbitrary function.
func NewCodeStep(id, name string, fn CodeFunc) Step {
	return Step{ID: id, Name: name, Kind: StepCode, Code: fn}
}

var defaultHTTPClient = &http.Client{Timeout: 30 * time.Second}

// Execute runs the step against the input item. Failure is signalled by
// the error return, never by a sentinel value in the output map. Steps
// have no side channel to run state; only the executor advances it.
func (s Step) Execute(ctx context.Context, input model.Item, sc Context) (map[string]any, error) {
	switch s.Kind {
	case StepTrigger:
		sc.Logger.Info("trigger received data", "step_id", s.ID)
		return input.Data, nil

	case StepTransform:
		if s.Transform == nil {
			return nil, fmt.Errorf("workflow: transform step %q has no transform func", s.ID)
		}
		return s.Transform(input, sc)

	case StepCode:
		if s.Code == nil {
			return nil, fmt.Errorf("workflow: code step %q has no func", s.ID)
		}
		return s.Code(ctx, input, sc)

	case StepHTTP:
		if s.HTTP == nil {
			return nil, fmt.Errorf("workflow: http step %q has no config", s.ID)
		}
		return s.executeHTTP(ctx, input, sc)

	default:
		return nil, fmt.Errorf("workflow: step %q has unknown kind %q", s.ID, s.Kind)
	}
}

func (s Step) executeHTTP(ctx context.Context, input model.Item, sc Context) (map[string]any, error) {
	cfg := s.HTTP

	var body io.Reader
	if cfg.Body != nil {
		payload, err := json.Marshal(cfg.Body(input, sc))
		if err != nil {
			return nil, fmt.Errorf("workflow: http step %q: marshal body: %w", s.ID, err)
		}
		body = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, cfg.Method, cfg.URL, body)
	if err != nil {
		return nil, fmt.Errorf("workflow: http step %q: build request: %w", s.ID, err)
	}
	req.Header.Set("Content-Type", "application/json")
	if cfg.Headers != nil {
		for k, v := range cfg.Headers(sc) {
			req.Header.Set(k, v)
		}
	}

	sc.Logger.Info("http step request", "step_id", s.ID, "method", cfg.Method, "url", cfg.URL)

	client := cfg.Client
	if client == nil {
		client = defaultHTTPClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("workflow: http step %q: %w", s.ID, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		errText, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("HTTP request failed: %d %s - %s",
			resp.StatusCode, http.StatusText(resp.StatusCode), string(errText))
	}

	var out map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("workflow: http step %q: decode response: %w", s.ID, err)
	}

	sc.Logger.Info("http step response received", "step_id", s.ID, "status", resp.StatusCode)
	return out, nil
}

package server_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/nagare/internal/auth"
	"github.com/ashita-ai/nagare/internal/dispatch"
	"github.com/ashita-ai/nagare/internal/executor"
	"github.com/ashita-ai/nagare/internal/model"
	"github.com/ashita-ai/nagare/internal/server"
	"github.com/ashita-ai/nagare/internal/storage"
	"github.com/ashita-ai/nagare/internal/testutil"
	"github.com/ashita-ai/nagare/internal/workflow"
)

type testEnv struct {
	srv    *httptest.Server
	store  storage.Store
	exec   *executor.Executor
	signer *dispatch.Signer
}

func newTestEnv(t *testing.T, defs ...*workflow.Definition) *testEnv {
	t.Helper()

	store := testutil.OpenSQLite(t)
	logger := testutil.Logger()

	registry := workflow.NewRegistry()
	for _, def := range defs {
		require.NoError(t, registry.Register(def))
	}

	_, err := store.EnsureAccount(context.Background(), "owner@test.dev")
	require.NoError(t, err)

	signer := dispatch.NewSigner("test-signing-key")
	exec := executor.New(store, registry, map[string]string{}, logger)

	srv := server.New(server.ServerConfig{
		Store:               store,
		Registry:            registry,
		Executor:            exec,
		Signer:              signer,
		Logger:              logger,
		Port:                0,
		ReadTimeout:         30 * time.Second,
		WriteTimeout:        30 * time.Second,
		Version:             "test",
		MaxRequestBodyBytes: 1 << 20,
	})

	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	return &testEnv{srv: ts, store: store, exec: exec, signer: signer}
}

func triggerOnly(t *testing.T) *workflow.Definition {
	t.Helper()
	def, err := workflow.New(workflow.DefinitionConfig{
		ID:          "test-workflow",
		Name:        "Test Workflow",
		OwnerEmails: []string{"owner@test.dev"},
		Steps: []workflow.Step{
			workflow.NewTriggerStep("webhook-trigger", "Webhook Trigger"),
		},
	})
	require.NoError(t, err)
	return def
}

func postJSON(t *testing.T, url string, body any) *http.Response {
	t.Helper()
	payload, err := json.Marshal(body)
	require.NoError(t, err)
	resp, err := http.Post(url, "application/json", bytes.NewReader(payload))
	require.NoError(t, err)
	return resp
}

func decodeBody(t *testing.T, resp *http.Response, target any) {
	t.Helper()
	defer func() { _ = resp.Body.Close() }()
	require.NoError(t, json.NewDecoder(resp.Body).Decode(target))
}

func (env *testEnv) postSignedStep(t *testing.T, req model.ExecuteStepRequest) *http.Response {
	t.Helper()
	body, err := json.Marshal(req)
	require.NoError(t, err)

	sig, err := env.signer.Sign(body)
	require.NoError(t, err)

	httpReq, err := http.NewRequest(http.MethodPost, env.srv.URL+"/workers/execute-step", bytes.NewReader(body))
	require.NoError(t, err)
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set(dispatch.SignatureHeader, sig)

	resp, err := http.DefaultClient.Do(httpReq)
	require.NoError(t, err)
	return resp
}

func TestWebhookStartsRun(t *testing.T) {
	env := newTestEnv(t, triggerOnly(t))

	resp := postJSON(t, env.srv.URL+"/webhooks/test-workflow",
		map[string]any{"name": "John", "email": "john@test.com"})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var trigger model.TriggerResponse
	decodeBody(t, resp, &trigger)
	require.NotEqual(t, uuid.Nil, trigger.RunID)

	run, err := env.store.GetRun(context.Background(), trigger.RunID)
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusRunning, run.Status)
	assert.Equal(t, 0, run.Position)
}

func TestWebhookUnknownWorkflow(t *testing.T) {
	env := newTestEnv(t, triggerOnly(t))

	resp := postJSON(t, env.srv.URL+"/webhooks/nope", map[string]any{})
	require.Equal(t, http.StatusNotFound, resp.StatusCode)

	var errResp model.ErrorResponse
	decodeBody(t, resp, &errResp)
	assert.Equal(t, "Workflow not found", errResp.Error)

	// No run was created.
	runs, err := env.store.ListRuns(context.Background(), "", 50)
	require.NoError(t, err)
	assert.Empty(t, runs)
}

func TestWebhookNoOwnerAccount(t *testing.T) {
	def, err := workflow.New(workflow.DefinitionConfig{
		ID:          "orphan",
		Name:        "Orphan",
		OwnerEmails: []string{"ghost@test.dev"},
		Steps:       []workflow.Step{workflow.NewTriggerStep("t", "Trigger")},
	})
	require.NoError(t, err)
	env := newTestEnv(t, def)

	resp := postJSON(t, env.srv.URL+"/webhooks/orphan", map[string]any{})
	require.Equal(t, http.StatusNotFound, resp.StatusCode)

	var errResp model.ErrorResponse
	decodeBody(t, resp, &errResp)
	assert.Equal(t, "No workflow owner found", errResp.Error)
}

func TestWebhookTriggerToken(t *testing.T) {
	hash, err := auth.HashTriggerToken("s3cret")
	require.NoError(t, err)

	def, err := workflow.New(workflow.DefinitionConfig{
		ID:               "guarded",
		Name:             "Guarded",
		OwnerEmails:      []string{"owner@test.dev"},
		Steps:            []workflow.Step{workflow.NewTriggerStep("t", "Trigger")},
		TriggerTokenHash: hash,
	})
	require.NoError(t, err)
	env := newTestEnv(t, def)

	// Missing token.
	resp := postJSON(t, env.srv.URL+"/webhooks/guarded", map[string]any{})
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	_ = resp.Body.Close()

	// Wrong token.
	req0, err := http.NewRequest(http.MethodPost, env.srv.URL+"/webhooks/guarded",
		bytes.NewReader([]byte(`{}`)))
	require.NoError(t, err)
	req0.Header.Set(server.TriggerTokenHeader, "wrong")
	resp, err = http.DefaultClient.Do(req0)
	require.NoError(t, err)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	_ = resp.Body.Close()

	// Correct token.
	req, err := http.NewRequest(http.MethodPost, env.srv.URL+"/webhooks/guarded",
		bytes.NewReader([]byte(`{"name":"John"}`)))
	require.NoError(t, err)
	req.Header.Set(server.TriggerTokenHeader, "s3cret")
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	_ = resp.Body.Close()
}

func TestWebhookMalformedTokenHashRejects(t *testing.T) {
	def, err := workflow.New(workflow.DefinitionConfig{
		ID:               "bad-hash",
		Name:             "Bad Hash",
		OwnerEmails:      []string{"owner@test.dev"},
		Steps:            []workflow.Step{workflow.NewTriggerStep("t", "Trigger")},
		TriggerTokenHash: "not-a-phc-string",
	})
	require.NoError(t, err)
	env := newTestEnv(t, def)

	req, err := http.NewRequest(http.MethodPost, env.srv.URL+"/webhooks/bad-hash",
		bytes.NewReader([]byte(`{}`)))
	require.NoError(t, err)
	req.Header.Set(server.TriggerTokenHeader, "anything")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	_ = resp.Body.Close()
}

func TestExecuteStepContract(t *testing.T) {
	env := newTestEnv(t, triggerOnly(t))
	ctx := context.Background()

	t.Run("unknown run", func(t *testing.T) {
		resp := env.postSignedStep(t, model.ExecuteStepRequest{
			RunID:        uuid.New(),
			StepPosition: 0,
			Input:        model.Item{Data: map[string]any{}},
		})
		require.Equal(t, http.StatusNotFound, resp.StatusCode)
		var errResp model.ErrorResponse
		decodeBody(t, resp, &errResp)
		assert.Equal(t, "Execution not found", errResp.Error)
	})

	t.Run("out of range position", func(t *testing.T) {
		account, err := env.store.GetAccountByEmail(ctx, "owner@test.dev")
		require.NoError(t, err)
		run, err := env.store.CreateRun(ctx, "test-workflow", account.ID, model.Item{Data: map[string]any{}})
		require.NoError(t, err)

		resp := env.postSignedStep(t, model.ExecuteStepRequest{
			RunID:        run.ID,
			StepPosition: 9,
			Input:        model.Item{Data: map[string]any{}},
		})
		require.Equal(t, http.StatusNotFound, resp.StatusCode)
		var errResp model.ErrorResponse
		decodeBody(t, resp, &errResp)
		assert.Equal(t, "Node not found", errResp.Error)
	})

	t.Run("unsigned request rejected", func(t *testing.T) {
		resp := postJSON(t, env.srv.URL+"/workers/execute-step", model.ExecuteStepRequest{
			RunID: uuid.New(), StepPosition: 0,
		})
		defer func() { _ = resp.Body.Close() }()
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	})
}

func TestExecuteStepFailureReturns500(t *testing.T) {
	def, err := workflow.New(workflow.DefinitionConfig{
		ID:          "failing",
		Name:        "Failing",
		OwnerEmails: []string{"owner@test.dev"},
		Steps: []workflow.Step{
			workflow.NewCodeStep("explode", "Explode",
				func(ctx context.Context, input model.Item, sc workflow.Context) (map[string]any, error) {
					return nil, errors.New("boom")
				}),
		},
	})
	require.NoError(t, err)
	env := newTestEnv(t, def)
	ctx := context.Background()

	account, err := env.store.GetAccountByEmail(ctx, "owner@test.dev")
	require.NoError(t, err)
	run, err := env.store.CreateRun(ctx, "failing", account.ID, model.Item{Data: map[string]any{}})
	require.NoError(t, err)

	resp := env.postSignedStep(t, model.ExecuteStepRequest{
		RunID:        run.ID,
		StepPosition: 0,
		Input:        model.Item{Data: map[string]any{}},
	})
	require.Equal(t, http.StatusInternalServerError, resp.StatusCode)
	var errResp model.ErrorResponse
	decodeBody(t, resp, &errResp)
	assert.Equal(t, "Node execution failed", errResp.Error)

	// The run is already FAILED by the time the response is sent.
	got, err := env.store.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusFailed, got.Status)
}

func TestRunReadAPI(t *testing.T) {
	env := newTestEnv(t, triggerOnly(t))
	ctx := context.Background()

	resp := postJSON(t, env.srv.URL+"/webhooks/test-workflow", map[string]any{"name": "John"})
	var trigger model.TriggerResponse
	decodeBody(t, resp, &trigger)

	resp2 := env.postSignedStep(t, model.ExecuteStepRequest{
		RunID:        trigger.RunID,
		StepPosition: 0,
		Input:        model.Item{Data: map[string]any{"name": "John"}},
	})
	require.Equal(t, http.StatusOK, resp2.StatusCode)
	_ = resp2.Body.Close()

	getResp, err := http.Get(fmt.Sprintf("%s/v1/runs/%s", env.srv.URL, trigger.RunID))
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, getResp.StatusCode)

	var detail model.RunDetail
	decodeBody(t, getResp, &detail)
	assert.Equal(t, model.RunStatusCompleted, detail.Run.Status)
	require.Len(t, detail.Attempts, 1)
	assert.Equal(t, model.AttemptStatusSuccess, detail.Attempts[0].Status)

	run, err := env.store.GetRun(ctx, trigger.RunID)
	require.NoError(t, err)
	require.NotNil(t, run.FinishedAt)

	missingResp, err := http.Get(fmt.Sprintf("%s/v1/runs/%s", env.srv.URL, uuid.New()))
	require.NoError(t, err)
	defer func() { _ = missingResp.Body.Close() }()
	assert.Equal(t, http.StatusNotFound, missingResp.StatusCode)
}

func TestListWorkflows(t *testing.T) {
	env := newTestEnv(t, triggerOnly(t))

	resp, err := http.Get(env.srv.URL + "/v1/workflows")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body struct {
		Workflows []model.WorkflowSummary `json:"workflows"`
	}
	decodeBody(t, resp, &body)
	require.Len(t, body.Workflows, 1)
	assert.Equal(t, "test-workflow", body.Workflows[0].ID)
	assert.Equal(t, 1, body.Workflows[0].StepCount)
}

func TestHealth(t *testing.T) {
	env := newTestEnv(t, triggerOnly(t))

	resp, err := http.Get(env.srv.URL + "/health")
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

// End-to-end: webhook ingress, outbox relay, in-process delivery, three
// steps threading output into the next step's input.
func TestEndToEndMultiStepRun(t *testing.T) {
	def, err := workflow.New(workflow.DefinitionConfig{
		ID:          "pipeline",
		Name:        "Pipeline",
		OwnerEmails: []string{"owner@test.dev"},
		Steps: []workflow.Step{
			workflow.NewTriggerStep("webhook-trigger", "Webhook Trigger"),
			workflow.NewTransformStep("normalize", "Normalize",
				func(input model.Item, sc workflow.Context) (map[string]any, error) {
					return map[string]any{"name": input.Data["name"], "normalized": true}, nil
				}),
			workflow.NewCodeStep("finish", "Finish",
				func(ctx context.Context, input model.Item, sc workflow.Context) (map[string]any, error) {
					return input.Data, nil
				}),
		},
	})
	require.NoError(t, err)
	env := newTestEnv(t, def)
	ctx := context.Background()

	relay := dispatch.NewRelay(env.store, dispatch.NewLoopback(env.exec), testutil.Logger(),
		10*time.Millisecond, 10)
	relayCtx, cancel := context.WithCancel(ctx)
	relay.Start(relayCtx)
	t.Cleanup(func() {
		cancel()
		drainCtx, drainCancel := context.WithTimeout(context.Background(), 2*time.Second)
		relay.Drain(drainCtx)
		drainCancel()
	})

	resp := postJSON(t, env.srv.URL+"/webhooks/pipeline", map[string]any{"name": "John"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var trigger model.TriggerResponse
	decodeBody(t, resp, &trigger)

	require.Eventually(t, func() bool {
		run, err := env.store.GetRun(ctx, trigger.RunID)
		return err == nil && run.Status == model.RunStatusCompleted
	}, 5*time.Second, 20*time.Millisecond)

	attempts, err := env.store.ListAttempts(ctx, trigger.RunID)
	require.NoError(t, err)
	require.Len(t, attempts, 3)
	for i, a := range attempts {
		assert.Equal(t, i, a.StepPosition)
		assert.Equal(t, model.AttemptStatusSuccess, a.Status)
	}
	assert.Equal(t, true, attempts[2].Output.Data["normalized"])
	assert.Equal(t, "John", attempts[2].Output.Data["name"])
}

func TestEndToEndFailureStopsPipeline(t *testing.T) {
	def, err := workflow.New(workflow.DefinitionConfig{
		ID:          "doomed",
		Name:        "Doomed",
		OwnerEmails: []string{"owner@test.dev"},
		Steps: []workflow.Step{
			workflow.NewTriggerStep("webhook-trigger", "Webhook Trigger"),
			workflow.NewCodeStep("explode", "Explode",
				func(ctx context.Context, input model.Item, sc workflow.Context) (map[string]any, error) {
					return nil, errors.New("boom")
				}),
			workflow.NewCodeStep("unreached", "Unreached",
				func(ctx context.Context, input model.Item, sc workflow.Context) (map[string]any, error) {
					return input.Data, nil
				}),
		},
	})
	require.NoError(t, err)
	env := newTestEnv(t, def)
	ctx := context.Background()

	relay := dispatch.NewRelay(env.store, dispatch.NewLoopback(env.exec), testutil.Logger(),
		10*time.Millisecond, 10)
	relayCtx, cancel := context.WithCancel(ctx)
	relay.Start(relayCtx)
	t.Cleanup(func() {
		cancel()
		drainCtx, drainCancel := context.WithTimeout(context.Background(), 2*time.Second)
		relay.Drain(drainCtx)
		drainCancel()
	})

	resp := postJSON(t, env.srv.URL+"/webhooks/doomed", map[string]any{"name": "John"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var trigger model.TriggerResponse
	decodeBody(t, resp, &trigger)

	require.Eventually(t, func() bool {
		run, err := env.store.GetRun(ctx, trigger.RunID)
		return err == nil && run.Status == model.RunStatusFailed
	}, 5*time.Second, 20*time.Millisecond)

	attempts, err := env.store.ListAttempts(ctx, trigger.RunID)
	require.NoError(t, err)
	require.Len(t, attempts, 2)
	assert.Equal(t, model.AttemptStatusSuccess, attempts[0].Status)
	assert.Equal(t, model.AttemptStatusFailed, attempts[1].Status)

	// The step after the failure never ran.
	run, err := env.store.GetRun(ctx, trigger.RunID)
	require.NoError(t, err)
	assert.Equal(t, 1, run.Position)
}

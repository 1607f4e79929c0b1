package mcp

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	mcplib "github.com/mark3labs/mcp-go/mcp"

	"github.com/ashita-ai/nagare/internal/model"
	"github.com/ashita-ai/nagare/internal/storage"
	"github.com/ashita-ai/nagare/internal/testutil"
	"github.com/ashita-ai/nagare/internal/workflow"
)

func newTestServer(t *testing.T) (*Server, storage.Store) {
	t.Helper()

	store := testutil.OpenSQLite(t)

	registry := workflow.NewRegistry()
	def, err := workflow.New(workflow.DefinitionConfig{
		ID:          "test-workflow",
		Name:        "Test Workflow",
		Description: "Echoes the webhook payload",
		OwnerEmails: []string{"owner@test.dev"},
		Steps:       []workflow.Step{workflow.NewTriggerStep("t", "Trigger")},
	})
	require.NoError(t, err)
	require.NoError(t, registry.Register(def))

	return New(store, registry, testutil.Logger(), "test"), store
}

func toolRequest(name string, args map[string]any) mcplib.CallToolRequest {
	return mcplib.CallToolRequest{
		Params: mcplib.CallToolParams{
			Name:      name,
			Arguments: args,
		},
	}
}

func toolText(t *testing.T, result *mcplib.CallToolResult) string {
	t.Helper()
	for _, c := range result.Content {
		if tc, ok := c.(mcplib.TextContent); ok {
			return tc.Text
		}
	}
	t.Fatal("no text content in tool result")
	return ""
}

func TestHandleListWorkflowsTool(t *testing.T) {
	srv, _ := newTestServer(t)

	result, err := srv.handleListWorkflows(context.Background(),
		toolRequest("nagare_list_workflows", nil))
	require.NoError(t, err)
	require.False(t, result.IsError)

	var body struct {
		Workflows []model.WorkflowSummary `json:"workflows"`
	}
	require.NoError(t, json.Unmarshal([]byte(toolText(t, result)), &body))
	require.Len(t, body.Workflows, 1)
	assert.Equal(t, "test-workflow", body.Workflows[0].ID)
	assert.Equal(t, 1, body.Workflows[0].StepCount)
}

func TestHandleListRunsTool(t *testing.T) {
	srv, store := newTestServer(t)
	ctx := context.Background()

	account, err := store.EnsureAccount(ctx, "owner@test.dev")
	require.NoError(t, err)
	run, err := store.CreateRun(ctx, "test-workflow", account.ID,
		model.Item{Data: map[string]any{"name": "John"}})
	require.NoError(t, err)

	result, err := srv.handleListRuns(ctx, toolRequest("nagare_list_runs", map[string]any{
		"workflow_id": "test-workflow",
	}))
	require.NoError(t, err)
	require.False(t, result.IsError)

	var body struct {
		Runs []model.Run `json:"runs"`
	}
	require.NoError(t, json.Unmarshal([]byte(toolText(t, result)), &body))
	require.Len(t, body.Runs, 1)
	assert.Equal(t, run.ID, body.Runs[0].ID)
}

func TestHandleGetRunTool(t *testing.T) {
	srv, store := newTestServer(t)
	ctx := context.Background()

	account, err := store.EnsureAccount(ctx, "owner@test.dev")
	require.NoError(t, err)
	run, err := store.CreateRun(ctx, "test-workflow", account.ID,
		model.Item{Data: map[string]any{"name": "John"}})
	require.NoError(t, err)

	result, err := srv.handleGetRun(ctx, toolRequest("nagare_get_run", map[string]any{
		"run_id": run.ID.String(),
	}))
	require.NoError(t, err)
	require.False(t, result.IsError)

	var detail model.RunDetail
	require.NoError(t, json.Unmarshal([]byte(toolText(t, result)), &detail))
	assert.Equal(t, run.ID, detail.Run.ID)
	assert.Empty(t, detail.Attempts)
}

func TestHandleGetRunToolErrors(t *testing.T) {
	srv, _ := newTestServer(t)
	ctx := context.Background()

	result, err := srv.handleGetRun(ctx, toolRequest("nagare_get_run", map[string]any{
		"run_id": "not-a-uuid",
	}))
	require.NoError(t, err)
	assert.True(t, result.IsError)

	result, err = srv.handleGetRun(ctx, toolRequest("nagare_get_run", map[string]any{
		"run_id": uuid.New().String(),
	}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
}

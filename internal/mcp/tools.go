package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	mcplib "github.com/mark3labs/mcp-go/mcp"

	"github.com/ashita-ai/nagare/internal/model"
	"github.com/ashita-ai/nagare/internal/storage"
)

func (s *Server) handleListWorkflows(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	defs := s.registry.All()
	summaries := make([]model.WorkflowSummary, 0, len(defs))
	for _, def := range defs {
		summaries = append(summaries, model.WorkflowSummary{
			ID:          def.ID,
			Name:        def.Name,
			Description: def.Description,
			StepCount:   len(def.Steps),
		})
	}

	data, _ := json.MarshalIndent(map[string]any{"workflows": summaries}, "", "  ")
	return textResult(string(data)), nil
}

func (s *Server) handleListRuns(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	workflowID := request.GetString("workflow_id", "")
	limit := request.GetInt("limit", 20)

	runs, err := s.store.ListRuns(ctx, workflowID, limit)
	if err != nil {
		return errorResult(fmt.Sprintf("list runs failed: %v", err)), nil
	}
	if runs == nil {
		runs = []model.Run{}
	}

	data, _ := json.MarshalIndent(map[string]any{"runs": runs}, "", "  ")
	return textResult(string(data)), nil
}

func (s *Server) handleGetRun(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	runID, err := uuid.Parse(request.GetString("run_id", ""))
	if err != nil {
		return errorResult("invalid run_id: must be a UUID"), nil
	}

	run, err := s.store.GetRun(ctx, runID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return errorResult("run not found"), nil
		}
		return errorResult(fmt.Sprintf("get run failed: %v", err)), nil
	}

	attempts, err := s.store.ListAttempts(ctx, runID)
	if err != nil {
		return errorResult(fmt.Sprintf("list attempts failed: %v", err)), nil
	}
	if attempts == nil {
		attempts = []model.StepAttempt{}
	}

	data, _ := json.MarshalIndent(model.RunDetail{Run: run, Attempts: attempts}, "", "  ")
	return textResult(string(data)), nil
}

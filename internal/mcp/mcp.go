// Package mcp exposes a read-only Model Context Protocol surface over the
// workflow engine: registered workflows, recent runs, and run detail.
package mcp

import (
	"log/slog"

	mcplib "github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/ashita-ai/nagare/internal/storage"
	"github.com/ashita-ai/nagare/internal/workflow"
)

// Server wraps the MCP server with the engine's read paths.
type Server struct {
	mcpServer *mcpserver.MCPServer
	store     storage.Store
	registry  *workflow.Registry
	logger    *slog.Logger
}

// New creates and configures an MCP server with all tools registered.
func New(store storage.Store, registry *workflow.Registry, logger *slog.Logger, version string) *Server {
	s := &Server{
		store:    store,
		registry: registry,
		logger:   logger,
	}

	s.mcpServer = mcpserver.NewMCPServer(
		"nagare",
		version,
		mcpserver.WithToolCapabilities(true),
	)

	s.registerTools()
	return s
}

// MCPServer returns the underlying mcp-go server for transport setup.
func (s *Server) MCPServer() *mcpserver.MCPServer {
	return s.mcpServer
}

func (s *Server) registerTools() {
	s.mcpServer.AddTool(
		mcplib.NewTool("nagare_list_workflows",
			mcplib.WithDescription("List registered workflow definitions with their step counts"),
		),
		s.handleListWorkflows,
	)

	s.mcpServer.AddTool(
		mcplib.NewTool("nagare_list_runs",
			mcplib.WithDescription("List recent workflow runs, newest first"),
			mcplib.WithString("workflow_id", mcplib.Description("Filter by workflow ID")),
			mcplib.WithNumber("limit", mcplib.Description("Maximum results to return")),
		),
		s.handleListRuns,
	)

	s.mcpServer.AddTool(
		mcplib.NewTool("nagare_get_run",
			mcplib.WithDescription("Get a run with its step attempts in execution order"),
			mcplib.WithString("run_id", mcplib.Description("Run UUID"), mcplib.Required()),
		),
		s.handleGetRun,
	)
}

func errorResult(msg string) *mcplib.CallToolResult {
	return &mcplib.CallToolResult{
		Content: []mcplib.Content{
			mcplib.TextContent{Type: "text", Text: msg},
		},
		IsError: true,
	}
}

func textResult(text string) *mcplib.CallToolResult {
	return &mcplib.CallToolResult{
		Content: []mcplib.Content{
			mcplib.TextContent{Type: "text", Text: text},
		},
	}
}

// Package mcpserver exposes plan runs as MCP tools over stdio.
//
// The tools mirror the HTTP surface for agents that drive Cerno directly:
// run_prompt executes a whole plan and returns its outcome, while
// check_sessions and cancel_session operate on the shared session registry.
package mcpserver

import (
	"context"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/imaryanjoshi/Cerno-Agentic-Local-Deep-Research/internal/event"
	"github.com/imaryanjoshi/Cerno-Agentic-Local-Deep-Research/internal/model"
	"github.com/imaryanjoshi/Cerno-Agentic-Local-Deep-Research/internal/orchestrator"
	"github.com/imaryanjoshi/Cerno-Agentic-Local-Deep-Research/internal/session"
	"github.com/imaryanjoshi/Cerno-Agentic-Local-Deep-Research/internal/workspace"
)

type (
	// Runner executes one request.
	Runner interface {
		Run(ctx context.Context, req orchestrator.Request, emit event.Emit) error
	}

	// Models lists the selectable models.
	Models interface {
		Models(ctx context.Context) model.Grouped
	}

	// Deps are the services behind the tools.
	Deps struct {
		Runner    Runner
		Sessions  *session.Registry
		Models    Models
		Workspace *workspace.Workspace
		// PromptMaxLength bounds run_prompt prompts; zero means unbounded.
		PromptMaxLength int
	}
)

// New returns an MCP server with every tool registered.
func New(version string, deps Deps) *mcp.Server {
	server := mcp.NewServer(&mcp.Implementation{Name: "cerno", Version: version}, nil)
	h := &handlers{deps: deps}

	mcp.AddTool(server, &mcp.Tool{
		Name:        "run_prompt",
		Description: "Plan and execute a research or writing request end to end. Blocks until the run finishes and returns its status, summary, artifacts and cost.",
	}, h.runPrompt)
	mcp.AddTool(server, &mcp.Tool{
		Name:        "check_sessions",
		Description: "Report the status of runs by session id, with aggregate counts.",
	}, h.checkSessions)
	mcp.AddTool(server, &mcp.Tool{
		Name:        "cancel_session",
		Description: "Cancel running sessions. With no session ids every running session is cancelled.",
	}, h.cancelSession)
	mcp.AddTool(server, &mcp.Tool{
		Name:        "list_models",
		Description: "List the models runs can use, by provider.",
	}, h.listModels)
	mcp.AddTool(server, &mcp.Tool{
		Name:        "list_artifacts",
		Description: "List the files in the workspace, newest first.",
	}, h.listArtifacts)
	return server
}

// Serve runs server on stdin/stdout until ctx is done or the client leaves.
func Serve(ctx context.Context, server *mcp.Server) error {
	return server.Run(ctx, &mcp.StdioTransport{})
}

type handlers struct {
	deps Deps
}

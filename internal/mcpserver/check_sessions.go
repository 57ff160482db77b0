// check_sessions.go defines the check_sessions tool types: lightweight status
// polling with aggregate counts and per-session status.
package mcpserver

import (
	"context"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/imaryanjoshi/Cerno-Agentic-Local-Deep-Research/internal/session"
)

// CheckSessionsArgs is the input for the check_sessions tool.
type CheckSessionsArgs struct {
	// SessionIDs filters to specific sessions. Empty returns all sessions.
	SessionIDs []string `json:"session_ids,omitempty" jsonschema:"Filter to specific session IDs. Empty returns all."`
}

// CheckSessionsOutput contains a compact summary plus individual statuses.
type CheckSessionsOutput struct {
	Summary  session.Summary         `json:"summary"`
	Sessions []session.SessionStatus `json:"sessions"`
}

func (h *handlers) checkSessions(_ context.Context, _ *mcp.CallToolRequest, args CheckSessionsArgs) (*mcp.CallToolResult, CheckSessionsOutput, error) {
	summary, statuses := h.deps.Sessions.Summary(args.SessionIDs)
	return nil, CheckSessionsOutput{Summary: summary, Sessions: statuses}, nil
}

// cancel_session.go defines the cancel_session tool types.
package mcpserver

import (
	"context"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"goa.design/clue/log"
)

// CancelSessionArgs is the input for the cancel_session tool.
type CancelSessionArgs struct {
	// SessionIDs cancels specific sessions. If empty, every running
	// session is cancelled.
	SessionIDs []string `json:"session_ids,omitempty" jsonschema:"Specific session IDs to cancel. Empty cancels all running sessions."`
}

// CancelSessionOutput reports how many runs were actually cancelled.
type CancelSessionOutput struct {
	Cancelled int `json:"cancelled"`
}

func (h *handlers) cancelSession(ctx context.Context, _ *mcp.CallToolRequest, args CancelSessionArgs) (*mcp.CallToolResult, CancelSessionOutput, error) {
	if len(args.SessionIDs) == 0 {
		n := h.deps.Sessions.CancelAll()
		log.Printf(ctx, "cancel_session: cancelled %d running sessions", n)
		return nil, CancelSessionOutput{Cancelled: n}, nil
	}
	n := 0
	for _, id := range args.SessionIDs {
		if h.deps.Sessions.Cancel(id) {
			n++
		}
	}
	return nil, CancelSessionOutput{Cancelled: n}, nil
}

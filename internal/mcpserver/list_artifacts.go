// list_artifacts.go defines the list_artifacts tool types.
package mcpserver

import (
	"context"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/imaryanjoshi/Cerno-Agentic-Local-Deep-Research/internal/workspace"
)

// ListArtifactsArgs is the input for the list_artifacts tool. No arguments needed.
type ListArtifactsArgs struct{}

// ListArtifactsOutput lists workspace files, newest first. Paths are
// relative to the workspace root and match artifact path_in_workspace values.
type ListArtifactsOutput struct {
	Files []workspace.FileInfo `json:"files"`
}

func (h *handlers) listArtifacts(_ context.Context, _ *mcp.CallToolRequest, _ ListArtifactsArgs) (*mcp.CallToolResult, ListArtifactsOutput, error) {
	files, err := h.deps.Workspace.List()
	if err != nil {
		return nil, ListArtifactsOutput{}, err
	}
	return nil, ListArtifactsOutput{Files: files}, nil
}

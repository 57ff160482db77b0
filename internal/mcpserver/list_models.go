// list_models.go defines the list_models tool types.
package mcpserver

import (
	"context"
	"sort"

	"github.com/modelcontextprotocol/go-sdk/mcp"
)

// ListModelsArgs is the input for the list_models tool. No arguments needed.
type ListModelsArgs struct{}

// ListModelsOutput lists every model a run can be started with.
type ListModelsOutput struct {
	Models []ModelInfo `json:"models"`
}

// ModelInfo describes a single selectable model.
type ModelInfo struct {
	Provider string `json:"provider"` // e.g. "Ollama", "Anthropic"
	ID       string `json:"id"`       // value to pass as model_id
	Name     string `json:"name"`     // display name
}

func (h *handlers) listModels(ctx context.Context, _ *mcp.CallToolRequest, _ ListModelsArgs) (*mcp.CallToolResult, ListModelsOutput, error) {
	out := ListModelsOutput{Models: []ModelInfo{}}
	for _, entries := range h.deps.Models.Models(ctx) {
		for _, e := range entries {
			out.Models = append(out.Models, ModelInfo{Provider: e.Provider, ID: e.ID, Name: e.Name})
		}
	}
	sort.Slice(out.Models, func(i, j int) bool {
		a, b := out.Models[i], out.Models[j]
		if a.Provider != b.Provider {
			return a.Provider < b.Provider
		}
		return a.ID < b.ID
	})
	return nil, out, nil
}

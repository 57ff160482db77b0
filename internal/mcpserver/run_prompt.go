// run_prompt.go defines the run_prompt tool: a blocking, end-to-end plan run.
package mcpserver

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/imaryanjoshi/Cerno-Agentic-Local-Deep-Research/internal/event"
	"github.com/imaryanjoshi/Cerno-Agentic-Local-Deep-Research/internal/orchestrator"
	"github.com/imaryanjoshi/Cerno-Agentic-Local-Deep-Research/internal/session"
	"github.com/imaryanjoshi/Cerno-Agentic-Local-Deep-Research/internal/stream"
)

// RunPromptArgs is the input for the run_prompt tool.
type RunPromptArgs struct {
	Prompt    string `json:"prompt"               jsonschema:"The request to plan and execute"`
	ModelID   string `json:"model_id"             jsonschema:"Model id as listed by list_models"`
	SessionID string `json:"session_id,omitempty" jsonschema:"Session id. A running session with the same id is cancelled first. Generated when empty."`
}

// RunPromptOutput reports how a run ended.
type RunPromptOutput struct {
	SessionID string           `json:"session_id"`
	Status    session.Status   `json:"status"`           // completed, failed or cancelled
	Summary   string           `json:"summary,omitempty"` // final summary when every task succeeded
	Error     string           `json:"error,omitempty"`   // last error envelope, if any
	Steps     []StepOutcome    `json:"steps"`
	Artifacts []event.Artifact `json:"artifacts"`
	Cost      CostOutput       `json:"cost"`
}

// StepOutcome is the result of one plan step; step 0 is planning.
type StepOutcome struct {
	StepIndex   int    `json:"step_index"`
	Description string `json:"description"`
	AgentID     string `json:"agent_id"`
	Status      string `json:"status"`
	Error       string `json:"error,omitempty"`
}

// CostOutput mirrors the run's cost_summary envelope.
type CostOutput struct {
	InputTokens      int      `json:"input_tokens"`
	OutputTokens     int      `json:"output_tokens"`
	EstimatedCostUSD float64  `json:"estimated_cost_usd"`
	Calls            int      `json:"calls"`
	UncostedModels   []string `json:"uncosted_models,omitempty"`
}

func (h *handlers) runPrompt(ctx context.Context, _ *mcp.CallToolRequest, args RunPromptArgs) (*mcp.CallToolResult, RunPromptOutput, error) {
	prompt := strings.TrimSpace(args.Prompt)
	modelID := strings.TrimSpace(args.ModelID)
	switch {
	case prompt == "":
		return nil, RunPromptOutput{}, errors.New("prompt is required")
	case modelID == "":
		return nil, RunPromptOutput{}, errors.New("model_id is required")
	case h.deps.PromptMaxLength > 0 && utf8.RuneCountInString(prompt) > h.deps.PromptMaxLength:
		return nil, RunPromptOutput{}, fmt.Errorf("prompt exceeds %d characters", h.deps.PromptMaxLength)
	}
	sessionID := strings.TrimSpace(args.SessionID)
	if sessionID == "" {
		sessionID = uuid.NewString()
	}

	req := orchestrator.Request{Prompt: prompt, ModelID: modelID, SessionID: sessionID}
	var rec event.Recorder
	handle := h.deps.Sessions.Start(ctx, sessionID, stream.Label(prompt), func(ctx context.Context) error {
		return h.deps.Runner.Run(ctx, req, rec.Emit)
	})
	<-handle.Done()

	status, _ := handle.Status()
	out := summarize(&rec)
	out.SessionID = sessionID
	out.Status = status
	if status == session.StatusCompleted && out.Summary == "" {
		out.Status = session.StatusFailed
	}
	return nil, out, nil
}

// summarize folds the recorded envelopes into a tool result.
func summarize(rec *event.Recorder) RunPromptOutput {
	out := RunPromptOutput{Steps: []StepOutcome{}, Artifacts: []event.Artifact{}}
	steps := map[int]int{}
	for _, e := range rec.Envelopes {
		switch e := e.(type) {
		case event.StepStarted:
			steps[e.StepIndex] = len(out.Steps)
			out.Steps = append(out.Steps, StepOutcome{StepIndex: e.StepIndex, Description: e.Description, AgentID: e.AgentID, Status: "running"})
		case event.StepError:
			if i, ok := steps[e.StepIndex]; ok {
				out.Steps[i].Error = e.ErrorMessage
			}
		case event.StepCompleted:
			if i, ok := steps[e.StepIndex]; ok {
				out.Steps[i].Status = e.Status
			}
		case event.FinalSummary:
			out.Summary = e.SummaryText
			out.Artifacts = e.Artifacts
		case event.Error:
			out.Error = e.Message
		case event.CostSummary:
			out.Cost = CostOutput{
				InputTokens:      e.TotalInputTokens,
				OutputTokens:     e.TotalOutputTokens,
				EstimatedCostUSD: e.EstimatedCostUSD,
				Calls:            e.Calls,
				UncostedModels:   e.UncostedModels,
			}
		}
	}
	return out
}

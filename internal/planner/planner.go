// Package planner turns a user prompt into a plan on disk.
//
// The orchestrator only depends on the Planner interface: whatever produces
// the plan must leave a checklist file and a task-list file in the workspace
// and reply with an acknowledgment payload naming them. LLM is the built-in
// implementation that asks the selected model to draft the plan.
package planner

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"goa.design/clue/log"

	"github.com/imaryanjoshi/Cerno-Agentic-Local-Deep-Research/internal/model"
	"github.com/imaryanjoshi/Cerno-Agentic-Local-Deep-Research/internal/plan"
	"github.com/imaryanjoshi/Cerno-Agentic-Local-Deep-Research/internal/workspace"
)

// AgentName is the name planning calls are costed under.
const AgentName = "PlannerAgent"

type (
	// Request is one planning call.
	Request struct {
		Prompt    string
		Model     model.Client
		Workspace *workspace.Workspace
		// OnChunk, when set, receives the model's reply as it streams.
		OnChunk func(string)
	}

	// Reply is the planner's raw answer. Text holds the acknowledgment
	// payload and may contain prose around the JSON object.
	Reply struct {
		Text      string
		Usage     *model.Usage
		AgentName string
		ModelID   string
		Duration  time.Duration
	}

	// Planner produces the plan files for a prompt.
	Planner interface {
		Generate(ctx context.Context, req Request) (*Reply, error)
	}
)

// LLM drafts plans with the request's model.
type LLM struct {
	MaxTokens   int
	Temperature float64
	// Agents lists the agent ids tasks may be assigned to.
	Agents []string
}

// NewLLM returns a planner offering the given agent ids.
func NewLLM(maxTokens int, temperature float64, agents ...string) *LLM {
	return &LLM{MaxTokens: maxTokens, Temperature: temperature, Agents: agents}
}

const systemPrompt = `You are the planning agent of a research assistant.
Given the user's request:
1. Write a brief, polite acknowledgment message for the user.
2. Divide the request into a few detailed phases. Each phase is significant work; the final phase
   must produce the summary or report. Text outputs should be Markdown files.
3. Assign each phase to exactly one agent: %s.
   Use the code execution agent only when running code is needed.

Reply with exactly one JSON object and nothing else:
{
  "acknowledgment_message": "string",
  "tasks": [
    {
      "id": "unique string",
      "description": "what this phase does, including all context from the request",
      "call_name": "short verb phrase",
      "inputs": ["filenames produced by earlier phases"] or "NONE",
      "agent_id": "one of the agent ids above",
      "outputs": ["filename this phase produces"]
    }
  ]
}`

// Generate implements Planner. A draft that cannot be recovered is reported
// in the acknowledgment's error_message rather than as an error; errors are
// reserved for model failures and cancellation.
func (p *LLM) Generate(ctx context.Context, req Request) (*Reply, error) {
	if req.Model == nil {
		return nil, errors.New("planner: no model")
	}
	if req.Workspace == nil {
		return nil, errors.New("planner: no workspace")
	}
	start := time.Now()
	mreq := model.UserPrompt(fmt.Sprintf(systemPrompt, strings.Join(p.Agents, ", ")), req.Prompt)
	mreq.MaxTokens = p.MaxTokens
	mreq.Temperature = p.Temperature

	var b strings.Builder
	usage, err := req.Model.Stream(ctx, mreq, func(c model.Chunk) error {
		b.WriteString(c.Text)
		if req.OnChunk != nil {
			req.OnChunk(c.Text)
		}
		return nil
	})
	reply := &Reply{Usage: &usage, AgentName: AgentName, ModelID: req.Model.ModelID()}
	defer func() { reply.Duration = time.Since(start) }()
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return reply, fmt.Errorf("planner: %w", err)
	}

	ack := plan.Ack{
		MarkdownPlanFilename: plan.DefaultChecklistFile,
		JSONPlanFilename:     plan.DefaultTaskListFile,
	}
	draft, err := plan.DecodeDraft(b.String())
	if err == nil {
		err = p.write(req.Workspace, draft)
	}
	if err != nil {
		log.Error(ctx, err, log.KV{K: "msg", V: "plan draft rejected"}, log.KV{K: "reply", V: b.String()})
		msg := fmt.Sprintf("%s output did not contain a valid plan: %v", AgentName, err)
		ack.ErrorMessage = &msg
	} else {
		ack.AcknowledgmentMessage = draft.AcknowledgmentMessage
		ack.PlanFilesCreated = true
		log.Printf(ctx, "plan with %d tasks written", len(draft.Tasks))
	}
	text, err := json.Marshal(ack)
	if err != nil {
		return reply, err
	}
	reply.Text = string(text)
	return reply, nil
}

// write saves the checklist and the task list of d.
func (p *LLM) write(ws *workspace.Workspace, d *plan.Draft) error {
	var md strings.Builder
	md.WriteString("# Master Plan\n\n")
	for _, t := range d.Tasks {
		md.WriteString(plan.ChecklistLine(t))
		md.WriteString("\n")
	}
	if err := ws.WriteFile(plan.DefaultChecklistFile, []byte(md.String())); err != nil {
		return fmt.Errorf("write checklist: %w", err)
	}
	path, err := ws.Path(plan.DefaultTaskListFile)
	if err != nil {
		return err
	}
	return plan.SaveTasks(path, d.Tasks)
}

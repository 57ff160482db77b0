package planner

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/imaryanjoshi/Cerno-Agentic-Local-Deep-Research/internal/model"
	"github.com/imaryanjoshi/Cerno-Agentic-Local-Deep-Research/internal/plan"
	"github.com/imaryanjoshi/Cerno-Agentic-Local-Deep-Research/internal/workspace"
)

type replyModel struct {
	reply string
	err   error
	got   model.Request
}

func (m *replyModel) Provider() string { return "Fake" }
func (m *replyModel) ModelID() string  { return "fake-planner" }

func (m *replyModel) Stream(_ context.Context, req model.Request, fn func(model.Chunk) error) (model.Usage, error) {
	m.got = req
	for _, part := range strings.SplitAfter(m.reply, "\n") {
		if err := fn(model.Chunk{Text: part}); err != nil {
			return model.Usage{}, err
		}
	}
	return model.Usage{InputTokens: 40, OutputTokens: 80}, m.err
}

func openWorkspace(t *testing.T) *workspace.Workspace {
	t.Helper()
	ws, err := workspace.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { ws.Close() })
	return ws
}

const draft = `Sure! Here is the plan:
{
  "acknowledgment_message": "On it.",
  "tasks": [
    {"id": "t1", "description": "Research solar adoption", "call_name": "research", "input": "NONE",
     "agent_id": "ResearchAgent", "outputs": ["solar.md"]},
    {"description": "Write the report", "call_name": "compose", "inputs": ["solar.md"],
     "agent_id": "ComposerAgent", "outputs": ["report.md"]}
  ]
}
Let me know if you need anything else.`

func TestGenerateWritesPlanFiles(t *testing.T) {
	ws := openWorkspace(t)
	m := &replyModel{reply: draft}
	var streamed strings.Builder
	p := NewLLM(512, 0.2, "ResearchAgent", "ComposerAgent")

	reply, err := p.Generate(context.Background(), Request{Prompt: "solar report", Model: m, Workspace: ws, OnChunk: func(s string) { streamed.WriteString(s) }})
	require.NoError(t, err)
	assert.Equal(t, draft, streamed.String())
	assert.Equal(t, AgentName, reply.AgentName)
	assert.Equal(t, "fake-planner", reply.ModelID)
	require.NotNil(t, reply.Usage)
	assert.Equal(t, 80, reply.Usage.OutputTokens)
	assert.Contains(t, m.got.System, "ResearchAgent, ComposerAgent")
	assert.Equal(t, 512, m.got.MaxTokens)

	ack, err := plan.DecodeAck(reply.Text)
	require.NoError(t, err)
	assert.Empty(t, ack.Err())
	assert.True(t, ack.PlanFilesCreated)
	assert.Equal(t, "On it.", ack.AcknowledgmentMessage)

	checklist, err := ws.ReadFile(ack.MarkdownPlanFilename)
	require.NoError(t, err)
	assert.Equal(t, "# Master Plan\n\n- [ ] Research solar adoption [task:t1]\n- [ ] Write the report [task:task_2]\n", string(checklist))

	path, err := ws.Path(ack.JSONPlanFilename)
	require.NoError(t, err)
	tasks, err := plan.LoadTasks(path)
	require.NoError(t, err)
	require.Len(t, tasks, 2)
	assert.Equal(t, "task_2", tasks[1].ID)
	assert.Equal(t, []string{"solar.md"}, tasks[1].Inputs.Files())
	assert.Empty(t, tasks[0].Inputs.Files())
	assert.Equal(t, plan.StatusPending, tasks[0].Status)
}

func TestGenerateReportsUnusableDraft(t *testing.T) {
	ws := openWorkspace(t)
	reply, err := NewLLM(0, 0).Generate(context.Background(), Request{Prompt: "x", Model: &replyModel{reply: "I cannot plan that."}, Workspace: ws})
	require.NoError(t, err)

	ack, err := plan.DecodeAck(reply.Text)
	require.NoError(t, err)
	assert.False(t, ack.PlanFilesCreated)
	assert.Contains(t, ack.Err(), "did not contain a valid plan")
	assert.False(t, ws.Exists(plan.DefaultTaskListFile))
}

func TestGenerateRejectsEmptyTaskList(t *testing.T) {
	ws := openWorkspace(t)
	reply, err := NewLLM(0, 0).Generate(context.Background(), Request{Prompt: "x", Model: &replyModel{reply: `{"acknowledgment_message":"ok","tasks":[]}`}, Workspace: ws})
	require.NoError(t, err)
	ack, err := plan.DecodeAck(reply.Text)
	require.NoError(t, err)
	assert.NotEmpty(t, ack.Err())
}

func TestGenerateModelError(t *testing.T) {
	boom := errors.New("connection refused")
	reply, err := NewLLM(0, 0).Generate(context.Background(), Request{Prompt: "x", Model: &replyModel{err: boom}, Workspace: openWorkspace(t)})
	assert.ErrorIs(t, err, boom)
	require.NotNil(t, reply, "usage is still reported")
	assert.NotNil(t, reply.Usage)
}

func TestGenerateCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := NewLLM(0, 0).Generate(ctx, Request{Prompt: "x", Model: &replyModel{err: context.Canceled}, Workspace: openWorkspace(t)})
	assert.ErrorIs(t, err, context.Canceled)
}

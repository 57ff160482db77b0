package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/imaryanjoshi/Cerno-Agentic-Local-Deep-Research/internal/cost"
	"github.com/imaryanjoshi/Cerno-Agentic-Local-Deep-Research/internal/event"
	"github.com/imaryanjoshi/Cerno-Agentic-Local-Deep-Research/internal/model"
	"github.com/imaryanjoshi/Cerno-Agentic-Local-Deep-Research/internal/plan"
	"github.com/imaryanjoshi/Cerno-Agentic-Local-Deep-Research/internal/planner"
	"github.com/imaryanjoshi/Cerno-Agentic-Local-Deep-Research/internal/worker"
	"github.com/imaryanjoshi/Cerno-Agentic-Local-Deep-Research/internal/workspace"
)

// ----------------------------------------------------------------------------
// Fakes
// ----------------------------------------------------------------------------

// queueModel answers each Stream call with the next queued reply.
type queueModel struct {
	mu      sync.Mutex
	replies []string
	calls   int
}

func (m *queueModel) Provider() string { return "Fake" }
func (m *queueModel) ModelID() string  { return "fake-model" }

func (m *queueModel) Stream(ctx context.Context, _ model.Request, fn func(model.Chunk) error) (model.Usage, error) {
	m.mu.Lock()
	m.calls++
	if len(m.replies) == 0 {
		m.mu.Unlock()
		return model.Usage{}, errors.New("no reply queued")
	}
	reply := m.replies[0]
	m.replies = m.replies[1:]
	m.mu.Unlock()
	if err := fn(model.Chunk{Text: reply}); err != nil {
		return model.Usage{}, err
	}
	return model.Usage{InputTokens: 100, OutputTokens: 50}, ctx.Err()
}

type fakeCatalog struct {
	provider string
	client   model.Client
	err      error
}

func (c *fakeCatalog) Resolve(context.Context, string) (string, bool) {
	return c.provider, c.provider != ""
}

func (c *fakeCatalog) Instantiate(string, string) (model.Client, error) {
	return c.client, c.err
}

// stubPlanner writes a fixed plan without calling a model.
type stubPlanner struct {
	tasks     []*plan.Task
	text      string
	err       error
	panicWith any
}

func (p *stubPlanner) Generate(_ context.Context, req planner.Request) (*planner.Reply, error) {
	if p.panicWith != nil {
		panic(p.panicWith)
	}
	if p.err != nil {
		return nil, p.err
	}
	if p.text != "" {
		return &planner.Reply{Text: p.text}, nil
	}
	var md strings.Builder
	for _, t := range p.tasks {
		md.WriteString(plan.ChecklistLine(t) + "\n")
	}
	if err := req.Workspace.WriteFile(plan.DefaultChecklistFile, []byte(md.String())); err != nil {
		return nil, err
	}
	path, err := req.Workspace.Path(plan.DefaultTaskListFile)
	if err != nil {
		return nil, err
	}
	if err := plan.SaveTasks(path, p.tasks); err != nil {
		return nil, err
	}
	return &planner.Reply{
		Text:      `{"acknowledgment_message":"","plan_files_created":true,"markdown_plan_filename":"master_plan.md","json_plan_filename":"master_plan.json"}`,
		Usage:     &model.Usage{InputTokens: 1, OutputTokens: 2},
		AgentName: planner.AgentName,
		ModelID:   "fake-model",
	}, nil
}

type fakeSandbox struct {
	result worker.ExecResult
}

func (s *fakeSandbox) Exec(ctx context.Context, _ worker.Script, onLine func(stream, line string)) (worker.ExecResult, error) {
	onLine(event.StreamStderr, s.result.Stderr)
	return s.result, ctx.Err()
}

// blocking waits for cancellation.
type blocking struct {
	started chan struct{}
}

func (b *blocking) Name() string       { return "Blocking" }
func (b *blocking) WritesOutput() bool { return true }
func (b *blocking) Run(ctx context.Context, _ worker.Input, _ func(worker.Activity)) (worker.Result, error) {
	close(b.started)
	<-ctx.Done()
	return worker.Result{}, ctx.Err()
}
func (b *blocking) Judge(worker.Result) worker.Outcome { return worker.Outcome{Success: true} }

// ----------------------------------------------------------------------------
// Helpers
// ----------------------------------------------------------------------------

const planDraft = `{
  "acknowledgment_message": "Researching solar adoption.",
  "tasks": [
    {"id": "t1", "description": "Research solar adoption", "call_name": "research",
     "inputs": "NONE", "agent_id": "ResearchAgent", "outputs": ["notes.md"]},
    {"id": "t2", "description": "Write the report", "call_name": "compose",
     "inputs": ["notes.md"], "agent_id": "ComposerAgent", "outputs": ["report.md"]}
  ]
}`

func rootWorkspace(t *testing.T) *workspace.Workspace {
	t.Helper()
	ws, err := workspace.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { ws.Close() })
	return ws
}

func newOrchestrator(t *testing.T, ws *workspace.Workspace, m model.Client, p planner.Planner, workers *worker.Registry) (*Orchestrator, *Metrics) {
	t.Helper()
	metrics := MustNewMetrics(prometheus.NewRegistry())
	return New(Config{
		Catalog:   &fakeCatalog{provider: "Fake", client: m},
		Planner:   p,
		Workers:   workers,
		Workspace: ws,
		Pricer:    cost.NewTable(map[string]cost.Price{"fake-model": {Input: 0.001, Output: 0.002}}),
		Metrics:   metrics,
	}), metrics
}

// withoutActivity drops step_agent_activity envelopes.
func withoutActivity(rec *event.Recorder) []event.Type {
	var out []event.Type
	for _, typ := range rec.Types() {
		if typ != event.TypeAgentActivity {
			out = append(out, typ)
		}
	}
	return out
}

func last[T any](t *testing.T, rec *event.Recorder) T {
	t.Helper()
	for i := len(rec.Envelopes) - 1; i >= 0; i-- {
		if e, ok := rec.Envelopes[i].(T); ok {
			return e
		}
	}
	var zero T
	t.Fatalf("no %T recorded", zero)
	return zero
}

// ----------------------------------------------------------------------------
// Tests
// ----------------------------------------------------------------------------

func TestRunTwoTaskScenario(t *testing.T) {
	ws := rootWorkspace(t)
	m := &queueModel{replies: []string{
		planDraft,
		"# Notes\nSolar grew 20%.\nTASK_STEP_COMPLETED: notes gathered",
		"# Report\nSolar is growing.\nTASK_STEP_COMPLETED: report written",
	}}
	o, metrics := newOrchestrator(t, ws, m, planner.NewLLM(0, 0, "ResearchAgent", "ComposerAgent"),
		worker.Defaults(&fakeSandbox{}, worker.Options{}))

	var rec event.Recorder
	require.NoError(t, o.Run(context.Background(), Request{Prompt: "solar report", ModelID: "fake-model", SessionID: "sess-1"}, rec.Emit))

	assert.Equal(t, []event.Type{
		event.TypeStepStarted, event.TypeCallName, event.TypeStepCompleted,
		event.TypeInitialAck, event.TypePlanReady,
		event.TypeStepStarted, event.TypeCallName, event.TypeStepCompleted,
		event.TypeStepStarted, event.TypeCallName, event.TypeStepCompleted,
		event.TypeFinalSummary, event.TypeCostSummary, event.TypeSessionDone,
	}, withoutActivity(&rec))

	first := rec.Envelopes[0].(event.StepStarted)
	assert.Equal(t, event.NewStepStarted(0, PlanningMessage, planner.AgentName), first)
	assert.Equal(t, PlanningCallName, rec.Envelopes[1].(event.CallNameAnnouncement).CallName)
	assert.Equal(t, "Researching solar adoption.", last[event.InitialAck](t, &rec).Content)
	assert.Equal(t, 3, last[event.PlanReady](t, &rec).TaskCount)

	summary := last[event.FinalSummary](t, &rec)
	assert.Equal(t, SuccessSummary, summary.SummaryText)
	assert.Equal(t, []event.Artifact{
		{Filename: "notes.md", PathInWorkspace: "sess-1/notes.md"},
		{Filename: "report.md", PathInWorkspace: "sess-1/report.md"},
	}, summary.Artifacts)

	costs := last[event.CostSummary](t, &rec)
	assert.Equal(t, 3, costs.Calls)
	assert.Equal(t, 300, costs.TotalInputTokens)
	assert.Equal(t, 150, costs.TotalOutputTokens)
	assert.InDelta(t, 0.6, costs.EstimatedCostUSD, 1e-9)

	report, err := ws.ReadFile("sess-1/report.md")
	require.NoError(t, err)
	assert.Equal(t, "# Report\nSolar is growing.", string(report))

	checklist, err := os.ReadFile(filepath.Join(ws.Dir(), "sess-1", plan.DefaultChecklistFile))
	require.NoError(t, err)
	assert.Equal(t, 2, strings.Count(string(checklist), "[x]"))

	tasks, err := plan.LoadTasks(filepath.Join(ws.Dir(), "sess-1", plan.DefaultTaskListFile))
	require.NoError(t, err)
	for _, task := range tasks {
		assert.Equal(t, plan.StatusSuccess, task.Status)
	}

	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.runs.WithLabelValues(OutcomeSuccess)))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.tasks.WithLabelValues("ComposerAgent", "success")))
	assert.Equal(t, 0.0, testutil.ToFloat64(metrics.runsActive))
}

func TestRunStopsAtFailedSandboxStep(t *testing.T) {
	ws := rootWorkspace(t)
	m := &queueModel{replies: []string{"```python\nraise SystemExit(1)\n```"}}
	tasks := []*plan.Task{
		{ID: "a", Description: "Run analysis", CallName: "run_python", AgentID: "E2BCodeExecutionAgent", Outputs: plan.FileList{"out.txt"}},
		{ID: "b", Description: "Summarize", CallName: "compose", AgentID: "ComposerAgent", Outputs: plan.FileList{"summary.md"}},
	}
	sb := &fakeSandbox{result: worker.ExecResult{SandboxID: "sb", ExitCode: 1, Stderr: "Traceback: boom"}}
	o, metrics := newOrchestrator(t, ws, m, &stubPlanner{tasks: tasks}, worker.Defaults(sb, worker.Options{}))

	var rec event.Recorder
	require.NoError(t, o.Run(context.Background(), Request{Prompt: "p", ModelID: "fake-model", SessionID: "s"}, rec.Emit))

	assert.Equal(t, []event.Type{
		event.TypeStepStarted, event.TypeCallName, event.TypeStepCompleted,
		event.TypeInitialAck, event.TypePlanReady,
		event.TypeStepStarted, event.TypeCallName, event.TypeStepError, event.TypeStepCompleted,
		event.TypeError, event.TypeCostSummary, event.TypeSessionDone,
	}, withoutActivity(&rec))
	assert.Equal(t, DefaultAck, last[event.InitialAck](t, &rec).Content)
	assert.Equal(t, "Traceback: boom", last[event.StepError](t, &rec).ErrorMessage)
	assert.Equal(t, event.StatusFailed, last[event.StepCompleted](t, &rec).Status)
	assert.Equal(t, "Process stopped due to failure in step: Run analysis", last[event.Error](t, &rec).Message)
	assert.Equal(t, 1, m.calls, "the second task never runs")
	assert.False(t, ws.Exists("s/out.txt"))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.runs.WithLabelValues(OutcomeFailed)))
}

func TestRunFatalBeforePlanning(t *testing.T) {
	cases := []struct {
		name    string
		catalog *fakeCatalog
		want    string
	}{
		{"unknown model", &fakeCatalog{}, "Model 'm1' is not currently available."},
		{"no credentials", &fakeCatalog{provider: "OpenAI", err: model.ErrMissingCredentials}, "Could not initialize model 'm1'."},
		{"nil client", &fakeCatalog{provider: "OpenAI"}, "Could not initialize model 'm1'."},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			o := New(Config{Catalog: tc.catalog, Planner: &stubPlanner{}, Workers: worker.NewRegistry(), Workspace: rootWorkspace(t)})
			var rec event.Recorder
			require.NoError(t, o.Run(context.Background(), Request{Prompt: "p", ModelID: "m1", SessionID: "s"}, rec.Emit))
			assert.Equal(t, []event.Type{event.TypeError, event.TypeCostSummary, event.TypeSessionDone}, rec.Types())
			assert.Equal(t, tc.want, rec.Envelopes[0].(event.Error).Message)
			assert.Equal(t, 0, rec.Envelopes[1].(event.CostSummary).Calls)
		})
	}
}

func TestRunPlannerFailures(t *testing.T) {
	cases := []struct {
		name    string
		planner *stubPlanner
		want    string
	}{
		{"reported error", &stubPlanner{text: `{"error_message":"no idea","plan_files_created":false}`}, "no idea"},
		{"not json", &stubPlanner{text: "I refuse."}, "Agent PlannerAgent output did not contain valid JSON."},
		{"collaborator error", &stubPlanner{err: errors.New("dial tcp: refused")}, "Critical error with agent PlannerAgent: dial tcp: refused"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			o, _ := newOrchestrator(t, rootWorkspace(t), &queueModel{}, tc.planner, worker.NewRegistry())
			var rec event.Recorder
			require.NoError(t, o.Run(context.Background(), Request{Prompt: "p", ModelID: "fake-model", SessionID: "s"}, rec.Emit))
			assert.Equal(t, []event.Type{
				event.TypeStepStarted, event.TypeCallName, event.TypeStepCompleted,
				event.TypeError, event.TypeCostSummary, event.TypeSessionDone,
			}, rec.Types())
			assert.Equal(t, event.StatusFailed, rec.Envelopes[2].(event.StepCompleted).Status)
			assert.Equal(t, tc.want, rec.Envelopes[3].(event.Error).Message)
		})
	}
}

func TestRunUnreadableTaskList(t *testing.T) {
	ws := rootWorkspace(t)
	p := &stubPlanner{text: `{"acknowledgment_message":"ok","plan_files_created":true,"json_plan_filename":"missing.json"}`}
	o, _ := newOrchestrator(t, ws, &queueModel{}, p, worker.NewRegistry())

	var rec event.Recorder
	require.NoError(t, o.Run(context.Background(), Request{Prompt: "p", ModelID: "fake-model", SessionID: "s"}, rec.Emit))
	assert.Equal(t, []event.Type{
		event.TypeStepStarted, event.TypeCallName, event.TypeStepCompleted, event.TypeInitialAck,
		event.TypeError, event.TypeCostSummary, event.TypeSessionDone,
	}, rec.Types())
	assert.True(t, strings.HasPrefix(last[event.Error](t, &rec).Message, "Error reading plan: "))
}

func TestRunCancelledDuringTask(t *testing.T) {
	ws := rootWorkspace(t)
	b := &blocking{started: make(chan struct{})}
	reg := worker.NewRegistry()
	reg.Register(b, "Blocking")
	tasks := []*plan.Task{{ID: "a", Description: "Wait", AgentID: "Blocking", Outputs: plan.FileList{"a.md"}}}
	o, metrics := newOrchestrator(t, ws, &queueModel{}, &stubPlanner{tasks: tasks}, reg)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-b.started
		cancel()
	}()
	var rec event.Recorder
	err := o.Run(ctx, Request{Prompt: "p", ModelID: "fake-model", SessionID: "s"}, rec.Emit)
	assert.ErrorIs(t, err, context.Canceled)

	types := rec.Types()
	require.GreaterOrEqual(t, len(types), 3)
	assert.Equal(t, []event.Type{event.TypeError, event.TypeCostSummary, event.TypeSessionDone}, types[len(types)-3:])
	assert.Equal(t, CancelledMessage, last[event.Error](t, &rec).Message)
	assert.Equal(t, 1, rec.Count(event.TypeError))
	assert.Equal(t, 0, rec.Count(event.TypeFinalSummary))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.runs.WithLabelValues(OutcomeCancelled)))
}

func TestRunRecoversPanic(t *testing.T) {
	o, metrics := newOrchestrator(t, rootWorkspace(t), &queueModel{}, &stubPlanner{panicWith: "nil map"}, worker.NewRegistry())
	var rec event.Recorder
	require.NoError(t, o.Run(context.Background(), Request{Prompt: "p", ModelID: "fake-model", SessionID: "s"}, rec.Emit))

	types := rec.Types()
	assert.Equal(t, []event.Type{event.TypeError, event.TypeCostSummary, event.TypeSessionDone}, types[len(types)-3:])
	assert.Equal(t, "Critical orchestration error: nil map", last[event.Error](t, &rec).Message)
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.runs.WithLabelValues(OutcomeError)))
}

func TestRunStepPairsProperty(t *testing.T) {
	ws := rootWorkspace(t)
	reg := worker.NewRegistry()
	reg.Register(&okWorker{}, "Ok")
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 20
	properties := gopter.NewProperties(parameters)
	run := 0

	properties.Property("N tasks yield N+1 step pairs and one final summary", prop.ForAll(
		func(n int) bool {
			run++
			tasks := make([]*plan.Task, n)
			for i := range tasks {
				tasks[i] = &plan.Task{ID: fmt.Sprint(i), Description: fmt.Sprintf("Task %d", i), AgentID: "Ok", Outputs: plan.FileList{fmt.Sprintf("out%d.md", i)}}
			}
			o, _ := newOrchestrator(t, ws, &queueModel{}, &stubPlanner{tasks: tasks}, reg)
			var rec event.Recorder
			if err := o.Run(context.Background(), Request{Prompt: "p", ModelID: "fake-model", SessionID: fmt.Sprintf("run-%d", run)}, rec.Emit); err != nil {
				return false
			}
			types := rec.Types()
			return rec.Count(event.TypeStepStarted) == n+1 &&
				rec.Count(event.TypeStepCompleted) == n+1 &&
				rec.Count(event.TypeFinalSummary) == 1 &&
				rec.Count(event.TypeSessionDone) == 1 &&
				types[len(types)-1] == event.TypeSessionDone &&
				types[len(types)-2] == event.TypeCostSummary &&
				len(last[event.FinalSummary](t, &rec).Artifacts) == n
		},
		gen.IntRange(0, 6),
	))
	properties.TestingRun(t)
}

// okWorker succeeds and lets the runner save its content.
type okWorker struct{}

func (okWorker) Name() string       { return "Ok" }
func (okWorker) WritesOutput() bool { return false }
func (okWorker) Run(context.Context, worker.Input, func(worker.Activity)) (worker.Result, error) {
	return worker.Result{Text: "done"}, nil
}
func (okWorker) Judge(res worker.Result) worker.Outcome {
	return worker.Outcome{Success: true, Content: res.Text}
}

func TestSessionDir(t *testing.T) {
	assert.Equal(t, "abc-123_x.y", SessionDir("abc-123_x.y"))
	for _, id := range []string{"../etc", "a/b", "..", ".hidden", "", strings.Repeat("a", 65)} {
		dir := SessionDir(id)
		assert.True(t, strings.HasPrefix(dir, "s-"), id)
		_, err := workspace.Clean(dir)
		assert.NoError(t, err)
	}
	assert.NotEqual(t, SessionDir("a/b"), SessionDir("a_b"))
}

package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/imaryanjoshi/Cerno-Agentic-Local-Deep-Research/internal/event"
	"github.com/imaryanjoshi/Cerno-Agentic-Local-Deep-Research/internal/model"
)

const (
	toolSaveFile  = "save_file"
	previewLength = 200
)

// ToolCall is the data of a tool call activity.
type ToolCall struct {
	ToolName string `json:"tool_name"`
	ArgsStr  string `json:"args_str"`
}

const statusInstructions = `When you are done, end your reply with exactly one status line:
TASK_STEP_COMPLETED: Task "<description>" (ID: "<id>") completed. Output: "<output file or N/A>". Result: <one sentence summary>.
If the task cannot be done, end instead with:
TASK_STEP_ERROR: Task "<description>" (ID: "<id>") failed. Reason: <brief reason>.
Everything before the status line is saved verbatim as the output file.`

const researchSystem = `You are ResearchAgent, a specialist in deep research.
Use only valid UTF-8 and prefer Markdown.
Read the provided input material, identify the key claims about the topic, and write a thorough,
well-sourced research document. List the sources you rely on in a final "Sources" section.
Do not add greetings or commentary about your process.

` + statusInstructions

const composeSystem = `You are ComposerAgent, a specialist in turning research material into a coherent final report.
Use only valid UTF-8 and prefer Markdown.
Read every input section, then write one complete, well-structured report that directly answers
the task. Do not output your reasoning, announcements or status updates before the report.

` + statusInstructions

// llmWorker answers a task with one streamed model call and saves the
// reply body to the task's primary output.
type llmWorker struct {
	name   string
	system string
	opts   Options
}

// NewResearch returns the research worker.
func NewResearch(opts Options) Worker {
	return &llmWorker{name: AgentResearch, system: researchSystem, opts: opts}
}

// NewCompose returns the report composing worker.
func NewCompose(opts Options) Worker {
	return &llmWorker{name: AgentComposer, system: composeSystem, opts: opts}
}

func (w *llmWorker) Name() string       { return w.name }
func (w *llmWorker) WritesOutput() bool { return true }

func (w *llmWorker) Judge(res Result) Outcome { return JudgeMarker(res.Text) }

func (w *llmWorker) Run(ctx context.Context, in Input, emit func(Activity)) (Result, error) {
	if in.Model == nil {
		return Result{}, errors.New("no model configured")
	}
	start := time.Now()
	var b strings.Builder
	usage, err := in.Model.Stream(ctx, w.opts.request(w.system, taskPrompt(in)), func(c model.Chunk) error {
		b.WriteString(c.Text)
		emit(Activity{Event: event.ActivityLLMToken, Data: c.Text})
		return nil
	})
	res := Result{Usage: &usage, ModelID: in.Model.ModelID()}
	if err != nil {
		res.Duration = time.Since(start)
		if ctx.Err() != nil {
			return res, ctx.Err()
		}
		return res, err
	}

	body, status := splitStatus(b.String())
	if out := in.Task.PrimaryOutput(); out != "" && body != "" && in.Workspace != nil {
		if err := saveFile(in, out, body, emit); err != nil {
			res.Duration = time.Since(start)
			return res, err
		}
	}
	res.Text = status
	if status == "" {
		res.Text = body
	}
	res.Duration = time.Since(start)
	return res, nil
}

// saveFile writes content to name and announces it as a save_file tool call.
func saveFile(in Input, name, content string, emit func(Activity)) error {
	args, _ := json.Marshal(map[string]any{"filename": name, "bytes": len(content)})
	call := ToolCall{ToolName: toolSaveFile, ArgsStr: string(args)}
	emit(Activity{Event: event.ActivityToolCallStarted, Data: call})
	if err := in.Workspace.WriteFile(name, []byte(content)); err != nil {
		return fmt.Errorf("save %s: %w", name, err)
	}
	emit(Activity{Event: event.ActivityToolCallCompleted, Data: call, ResultPreview: preview(content)})
	return nil
}

func taskPrompt(in Input) string {
	t := in.Task
	var b strings.Builder
	fmt.Fprintf(&b, "Task ID: %s\n", t.ID)
	fmt.Fprintf(&b, "Description: %s\n", t.Description)
	fmt.Fprintf(&b, "Action: %s\n", t.CallName)
	if out := t.PrimaryOutput(); out != "" {
		fmt.Fprintf(&b, "Output file: %s\n", out)
	}
	if in.PreparedInput != "" {
		b.WriteString("\nInput material:\n")
		b.WriteString(in.PreparedInput)
	}
	return b.String()
}

// splitStatus separates the trailing status line from the body of a reply.
// The status line starts at the last marker occurrence.
func splitStatus(text string) (body, status string) {
	i := max(lastIndexFold(text, MarkerCompleted), lastIndexFold(text, MarkerError))
	if i < 0 {
		return strings.TrimSpace(text), ""
	}
	lineStart := strings.LastIndex(text[:i], "\n") + 1
	return strings.TrimSpace(text[:lineStart]), strings.TrimSpace(text[lineStart:])
}

func preview(s string) string {
	r := []rune(s)
	if len(r) <= previewLength {
		return s
	}
	return string(r[:previewLength])
}
